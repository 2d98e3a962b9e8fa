package scylla

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

// Store wraps Scylla queries for conversations, messages and read receipts.
type Store struct {
	session *gocql.Session
	logger  *slog.Logger
}

// NewStore builds a Store.
func NewStore(session *gocql.Session, logger *slog.Logger) *Store {
	return &Store{session: session, logger: logger}
}

// GetConversation returns a conversation by its identifier.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if s.session == nil {
		return nil, errors.New("scylla session not initialized")
	}
	uuid, err := gocql.ParseUUID(strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	var row Conversation
	if err := s.session.
		Query(`SELECT id, listing_id, participants, created_at, last_message_at, last_message_text FROM conversations WHERE id = ? LIMIT 1`, uuid).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&row.ID, &row.ListingID, &row.Participants, &row.CreatedAt, &row.LastMessageAt, &row.LastMessageText); err != nil {
		return nil, err
	}
	return &row, nil
}

// FindConversationByListing locates an existing thread for a listing and
// participant set.
func (s *Store) FindConversationByListing(ctx context.Context, listingID string, participants []string) (*Conversation, error) {
	if s.session == nil {
		return nil, errors.New("scylla session not initialized")
	}
	normalized := normalizeParticipants(participants)
	iter := s.session.
		Query(`SELECT id, listing_id, participants, created_at, last_message_at, last_message_text FROM conversations WHERE listing_id = ? ALLOW FILTERING`, listingID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()

	var row Conversation
	for iter.Scan(&row.ID, &row.ListingID, &row.Participants, &row.CreatedAt, &row.LastMessageAt, &row.LastMessageText) {
		if sameParticipants(row.Participants, normalized) {
			found := row
			found.Participants = append([]string(nil), row.Participants...)
			if err := iter.Close(); err != nil {
				return nil, err
			}
			return &found, nil
		}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return nil, gocql.ErrNotFound
}

// CreateConversation inserts a new conversation entry.
func (s *Store) CreateConversation(ctx context.Context, listingID string, participants []string, now time.Time) (*Conversation, error) {
	if s.session == nil {
		return nil, errors.New("scylla session not initialized")
	}
	id := gocql.TimeUUID()
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	normalized := normalizeParticipants(participants)
	if err := s.session.
		Query(`INSERT INTO conversations (id, listing_id, participants, created_at, last_message_at, last_message_text) VALUES (?, ?, ?, ?, ?, ?)`,
			id, listingID, normalized, now, now, "").
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return nil, err
	}
	return &Conversation{
		ID:            id,
		ListingID:     listingID,
		Participants:  normalized,
		CreatedAt:     now,
		LastMessageAt: now,
	}, nil
}

// ListConversations returns conversations for a participant, newest activity
// first, or all conversations when includeAll is set (admin view).
func (s *Store) ListConversations(ctx context.Context, userID string, includeAll bool) ([]Conversation, error) {
	if s.session == nil {
		return nil, errors.New("scylla session not initialized")
	}
	var iter *gocql.Iter
	if includeAll {
		iter = s.session.
			Query(`SELECT id, listing_id, participants, created_at, last_message_at, last_message_text FROM conversations`).
			WithContext(ctx).
			Consistency(gocql.One).
			Iter()
	} else {
		iter = s.session.
			Query(`SELECT id, listing_id, participants, created_at, last_message_at, last_message_text FROM conversations WHERE participants CONTAINS ? ALLOW FILTERING`, userID).
			WithContext(ctx).
			Consistency(gocql.One).
			Iter()
	}

	var row Conversation
	conversations := make([]Conversation, 0)
	for iter.Scan(&row.ID, &row.ListingID, &row.Participants, &row.CreatedAt, &row.LastMessageAt, &row.LastMessageText) {
		c := row
		c.Participants = append([]string(nil), row.Participants...)
		conversations = append(conversations, c)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	sort.Slice(conversations, func(i, j int) bool {
		return lastActivity(conversations[i]).After(lastActivity(conversations[j]))
	})
	return conversations, nil
}

// AddMessage appends a message and updates conversation activity metadata.
func (s *Store) AddMessage(ctx context.Context, conversationID gocql.UUID, senderID, text string, system bool, bookingCard string, at time.Time) (*Message, error) {
	if s.session == nil {
		return nil, errors.New("scylla session not initialized")
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	messageID := gocql.TimeUUID()
	if err := s.session.
		Query(`INSERT INTO messages (conversation_id, message_id, sender_id, text, system, booking_card, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conversationID, messageID, senderID, text, system, bookingCard, at).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return nil, err
	}
	// best-effort update of last message meta
	if err := s.session.
		Query(`UPDATE conversations SET last_message_at = ?, last_message_text = ? WHERE id = ?`,
			at, trimSnippet(text, 500), conversationID).
		WithContext(ctx).
		Consistency(gocql.One).
		Exec(); err != nil && s.logger != nil {
		s.logger.Warn("failed to update last message meta", "error", err, "conversation_id", conversationID)
	}
	return &Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		System:         system,
		BookingCard:    bookingCard,
		CreatedAt:      at,
	}, nil
}

// ListMessages returns messages ordered oldest to newest, bounded by limit
// counted from the newest end.
func (s *Store) ListMessages(ctx context.Context, conversationID gocql.UUID, limit int) ([]Message, error) {
	if s.session == nil {
		return nil, errors.New("scylla session not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	iter := s.session.
		Query(`SELECT conversation_id, message_id, sender_id, text, system, booking_card, created_at FROM messages WHERE conversation_id = ? ORDER BY message_id DESC LIMIT ?`,
			conversationID, limit).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()

	messages := make([]Message, 0, limit)
	var row Message
	for iter.Scan(&row.ConversationID, &row.ID, &row.SenderID, &row.Text, &row.System, &row.BookingCard, &row.CreatedAt) {
		messages = append(messages, row)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	// reverse into chronological order for snapshot consumers
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// AddReceipts records read markers. The LWT insert makes re-delivery
// idempotent: rows that already exist are skipped and only freshly written
// message ids are returned, so duplicate mark_read frames echo nothing.
func (s *Store) AddReceipts(ctx context.Context, conversationID gocql.UUID, userID string, messageIDs []string, at time.Time) ([]string, error) {
	if s.session == nil {
		return nil, errors.New("scylla session not initialized")
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	applied := make([]string, 0, len(messageIDs))
	for _, raw := range messageIDs {
		messageID, err := gocql.ParseUUID(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		wrote, err := s.session.
			Query(`INSERT INTO message_reads (conversation_id, message_id, user_id, read_at) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
				conversationID, messageID, userID, at).
			WithContext(ctx).
			Consistency(gocql.Quorum).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return applied, err
		}
		if wrote {
			applied = append(applied, messageID.String())
		}
	}
	return applied, nil
}

// ListReceipts returns all read markers for a conversation keyed by message
// id.
func (s *Store) ListReceipts(ctx context.Context, conversationID gocql.UUID) (map[string][]Receipt, error) {
	if s.session == nil {
		return nil, errors.New("scylla session not initialized")
	}
	iter := s.session.
		Query(`SELECT conversation_id, message_id, user_id, read_at FROM message_reads WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	result := make(map[string][]Receipt)
	var row Receipt
	for iter.Scan(&row.ConversationID, &row.MessageID, &row.UserID, &row.ReadAt) {
		key := row.MessageID.String()
		result[key] = append(result[key], row)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return result, nil
}

func trimSnippet(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}

func normalizeParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sameParticipants(a, b []string) bool {
	aNorm := normalizeParticipants(a)
	bNorm := normalizeParticipants(b)
	if len(aNorm) != len(bNorm) {
		return false
	}
	for i := range aNorm {
		if aNorm[i] != bNorm[i] {
			return false
		}
	}
	return true
}

func lastActivity(c Conversation) time.Time {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt
	}
	return c.CreatedAt
}
