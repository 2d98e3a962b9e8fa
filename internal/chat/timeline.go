package chat

import (
	"sort"
	"time"
)

// dayFormat keys buckets by the UTC calendar date of message creation.
const dayFormat = "2006-01-02"

// DayBucket holds one calendar day's messages in chronological order.
type DayBucket struct {
	Date     string    `json:"date"`
	Messages []Message `json:"messages"`
}

// Timeline is the day-bucketed message history of one conversation. Inserts
// are keyed by message id so replayed events merge instead of duplicating.
type Timeline struct {
	buckets []DayBucket
	index   map[string]struct{}
}

// NewTimeline builds a timeline from an ascending snapshot message list.
func NewTimeline(messages []Message) *Timeline {
	t := &Timeline{index: make(map[string]struct{}, len(messages))}
	for _, msg := range messages {
		t.Insert(msg)
	}
	return t
}

// Len returns the total message count across buckets.
func (t *Timeline) Len() int {
	return len(t.index)
}

// Days returns the buckets in ascending date order. The slice headers are
// copies; callers must not mutate the contained messages.
func (t *Timeline) Days() []DayBucket {
	out := make([]DayBucket, len(t.buckets))
	copy(out, t.buckets)
	return out
}

// Messages flattens the timeline in chronological order.
func (t *Timeline) Messages() []Message {
	out := make([]Message, 0, t.Len())
	for _, b := range t.buckets {
		out = append(out, b.Messages...)
	}
	return out
}

// Contains reports whether a message id is present.
func (t *Timeline) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Insert merges a message into its day bucket. Messages already present are
// left untouched and false is returned. Within a bucket insertion order is
// preserved for equal timestamps.
func (t *Timeline) Insert(msg Message) bool {
	if msg.ID != "" {
		if _, ok := t.index[msg.ID]; ok {
			return false
		}
		t.index[msg.ID] = struct{}{}
	}
	day := msg.CreatedAt.UTC().Format(dayFormat)
	pos := sort.Search(len(t.buckets), func(i int) bool {
		return t.buckets[i].Date >= day
	})
	if pos < len(t.buckets) && t.buckets[pos].Date == day {
		bucket := &t.buckets[pos]
		at := len(bucket.Messages)
		for at > 0 && bucket.Messages[at-1].CreatedAt.After(msg.CreatedAt) {
			at--
		}
		bucket.Messages = append(bucket.Messages, Message{})
		copy(bucket.Messages[at+1:], bucket.Messages[at:])
		bucket.Messages[at] = msg
		return true
	}
	t.buckets = append(t.buckets, DayBucket{})
	copy(t.buckets[pos+1:], t.buckets[pos:])
	t.buckets[pos] = DayBucket{Date: day, Messages: []Message{msg}}
	return true
}

// Replace swaps the message carrying oldID for the confirmed message,
// preserving ordering. Used to reconcile optimistic sends. Returns false if
// oldID is absent.
func (t *Timeline) Replace(oldID string, confirmed Message) bool {
	if _, ok := t.index[oldID]; !ok {
		return false
	}
	t.remove(oldID)
	t.Insert(confirmed)
	return true
}

// Update applies fn to the message with the given id in place.
func (t *Timeline) Update(id string, fn func(*Message)) bool {
	for bi := range t.buckets {
		for mi := range t.buckets[bi].Messages {
			if t.buckets[bi].Messages[mi].ID == id {
				fn(&t.buckets[bi].Messages[mi])
				return true
			}
		}
	}
	return false
}

// ApplyReceipts appends a receipt for userID to each listed message unless
// one already exists for that pair. Returns how many messages changed.
func (t *Timeline) ApplyReceipts(messageIDs []string, userID string, readAt time.Time) int {
	changed := 0
	for _, id := range messageIDs {
		t.Update(id, func(m *Message) {
			if m.ReadBy(userID) {
				return
			}
			m.Receipts = append(m.Receipts, ReadReceipt{UserID: userID, ReadAt: readAt})
			changed++
		})
	}
	return changed
}

func (t *Timeline) remove(id string) {
	delete(t.index, id)
	for bi := range t.buckets {
		msgs := t.buckets[bi].Messages
		for mi := range msgs {
			if msgs[mi].ID == id {
				t.buckets[bi].Messages = append(msgs[:mi], msgs[mi+1:]...)
				if len(t.buckets[bi].Messages) == 0 {
					t.buckets = append(t.buckets[:bi], t.buckets[bi+1:]...)
				}
				return
			}
		}
	}
}
