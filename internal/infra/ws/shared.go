package ws

import (
	"log/slog"
	"sync"
)

// Shared is an explicitly reference-counted connection shared by every view
// in a session. Acquire dials lazily on first use; Release closes the
// connection once the last holder lets go.
type Shared struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *Conn
	refs int
}

// NewShared prepares a shared connection for the gateway URL without
// dialing.
func NewShared(url string, logger *slog.Logger) *Shared {
	return &Shared{url: url, logger: logger}
}

// Acquire returns the shared connection, dialing if no holder exists yet.
// Every successful Acquire must be paired with a Release.
func (s *Shared) Acquire() (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		conn, err := Dial(s.url, s.logger)
		if err != nil {
			return nil, err
		}
		s.conn = conn
	}
	s.refs++
	return s.conn, nil
}

// Release drops one reference and closes the connection when none remain.
func (s *Shared) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return
	}
	s.refs--
	if s.refs == 0 && s.conn != nil {
		if err := s.conn.Close(); err != nil && s.logger != nil {
			s.logger.Warn("shared connection close failed", "error", err)
		}
		s.conn = nil
	}
}

// Refs returns the current holder count.
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}
