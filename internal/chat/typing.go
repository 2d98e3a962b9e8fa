package chat

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingTTL matches the compose-box idle window: a typing entry that
// sees neither a refresh nor an explicit stop is dropped after this long.
const DefaultTypingTTL = 2 * time.Second

// TypingSet tracks which users are currently composing in a conversation.
// Entries expire on an explicit stop or after the TTL, whichever comes
// first. Safe for concurrent use.
type TypingSet struct {
	mu       sync.Mutex
	ttl      time.Duration
	timers   map[string]*time.Timer
	onChange func()
}

// NewTypingSet builds a set with the given TTL (DefaultTypingTTL when <= 0).
// onChange, if non-nil, fires after every membership change.
func NewTypingSet(ttl time.Duration, onChange func()) *TypingSet {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingSet{
		ttl:      ttl,
		timers:   make(map[string]*time.Timer),
		onChange: onChange,
	}
}

// Add marks the user as typing. Re-adding an existing user resets their
// expiry timer without growing the set.
func (s *TypingSet) Add(userID string) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	if timer, ok := s.timers[userID]; ok {
		timer.Reset(s.ttl)
		s.mu.Unlock()
		return
	}
	s.timers[userID] = time.AfterFunc(s.ttl, func() {
		s.Remove(userID)
	})
	s.mu.Unlock()
	s.notify()
}

// Remove drops the user from the set. Removing an absent user is a no-op.
func (s *TypingSet) Remove(userID string) {
	s.mu.Lock()
	timer, ok := s.timers[userID]
	if ok {
		timer.Stop()
		delete(s.timers, userID)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// Contains reports whether the user is currently typing.
func (s *TypingSet) Contains(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[userID]
	return ok
}

// Users returns the sorted member list.
func (s *TypingSet) Users() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.timers))
	for id := range s.timers {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len returns the member count.
func (s *TypingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Clear stops all timers and empties the set.
func (s *TypingSet) Clear() {
	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *TypingSet) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
