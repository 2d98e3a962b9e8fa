package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"staysync/internal/chat"
	"staysync/internal/infra/storage/scylla"
)

// Broadcaster fans a frame out to a conversation's room and admin
// subscribers.
type Broadcaster interface {
	Broadcast(conversationID string, frame chat.Frame, excludeUserID string)
}

// EventPublisher pushes domain events to the broker for other marketplace
// services.
type EventPublisher interface {
	PublishEvent(ctx context.Context, name, aggregateID string, data any) error
}

// MessageStore is the slice of the Scylla store the gateway needs.
type MessageStore interface {
	GetConversation(ctx context.Context, id string) (*scylla.Conversation, error)
	AddMessage(ctx context.Context, conversationID gocql.UUID, senderID, text string, system bool, bookingCard string, at time.Time) (*scylla.Message, error)
	AddReceipts(ctx context.Context, conversationID gocql.UUID, userID string, messageIDs []string, at time.Time) ([]string, error)
}

// BookingStore persists booking contexts updated by broker events.
type BookingStore interface {
	Upsert(ctx context.Context, conversationID string, booking chat.BookingContext) error
}

// Gateway processes frames arriving over the event channel: persisting,
// echoing confirmations and relaying presence.
type Gateway struct {
	Store    MessageStore
	Bookings BookingStore
	Hub      Broadcaster
	Events   EventPublisher
	Logger   *slog.Logger
}

// HandleFrame dispatches one inbound frame. Unknown or malformed frames are
// dropped with a log line; the channel carries no error responses.
func (g *Gateway) HandleFrame(ctx context.Context, frame chat.Frame) {
	switch frame.Kind {
	case chat.KindSendMessage:
		g.handleSend(ctx, frame)
	case chat.KindMarkRead:
		g.handleMarkRead(ctx, frame)
	case chat.KindTyping, chat.KindStopTyping:
		g.relayTyping(frame)
	default:
		g.logWarn("unhandled frame kind", "kind", frame.Kind)
	}
}

func (g *Gateway) handleSend(ctx context.Context, frame chat.Frame) {
	payload := frame.Send
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return
	}
	conversation, err := g.Store.GetConversation(ctx, payload.ConversationID)
	if err != nil {
		g.logWarn("send: conversation lookup failed", "conversation_id", payload.ConversationID, "error", err)
		return
	}
	if !contains(conversation.Participants, payload.SenderID) {
		g.logWarn("send: not a participant", "conversation_id", payload.ConversationID, "sender_id", payload.SenderID)
		return
	}
	stored, err := g.Store.AddMessage(ctx, conversation.ID, payload.SenderID, payload.Text, false, "", time.Now())
	if err != nil {
		g.logWarn("send: persist failed", "conversation_id", payload.ConversationID, "error", err)
		return
	}
	msg := mapMessage(stored)
	g.Hub.Broadcast(msg.ConversationID, chat.Frame{
		Version: chat.ProtocolVersion,
		Kind:    chat.KindMessage,
		Message: &chat.MessagePayload{Message: msg, CorrelationID: payload.CorrelationID},
	}, "")

	if g.Events != nil {
		err := g.Events.PublishEvent(ctx, "chat.message", msg.ConversationID, map[string]any{
			"conversation_id": msg.ConversationID,
			"message_id":      msg.ID,
			"sender_id":       msg.SenderID,
			"created_at":      msg.CreatedAt,
		})
		if err != nil {
			g.logWarn("send: event publish failed", "conversation_id", msg.ConversationID, "error", err)
		}
	}
}

func (g *Gateway) handleMarkRead(ctx context.Context, frame chat.Frame) {
	payload := frame.MarkRead
	if len(payload.MessageIDs) == 0 {
		return
	}
	conversation, err := g.Store.GetConversation(ctx, payload.ConversationID)
	if err != nil {
		g.logWarn("mark_read: conversation lookup failed", "conversation_id", payload.ConversationID, "error", err)
		return
	}
	if !contains(conversation.Participants, payload.UserID) {
		g.logWarn("mark_read: not a participant", "conversation_id", payload.ConversationID, "user_id", payload.UserID)
		return
	}
	readAt := time.Now().UTC()
	applied, err := g.Store.AddReceipts(ctx, conversation.ID, payload.UserID, payload.MessageIDs, readAt)
	if err != nil {
		g.logWarn("mark_read: persist failed", "conversation_id", payload.ConversationID, "error", err)
		return
	}
	if len(applied) == 0 {
		return
	}
	g.Hub.Broadcast(payload.ConversationID, chat.Frame{
		Version: chat.ProtocolVersion,
		Kind:    chat.KindMessagesRead,
		Read: &chat.ReadPayload{
			ConversationID: payload.ConversationID,
			UserID:         payload.UserID,
			MessageIDs:     applied,
			ReadAt:         readAt,
		},
	}, "")
}

// relayTyping forwards presence frames to the room without persisting,
// excluding the originator.
func (g *Gateway) relayTyping(frame chat.Frame) {
	g.Hub.Broadcast(frame.Typing.ConversationID, frame, frame.Typing.UserID)
}

func (g *Gateway) logWarn(msg string, attrs ...any) {
	if g.Logger != nil {
		g.Logger.Warn(msg, attrs...)
	}
}

func mapMessage(msg *scylla.Message) chat.Message {
	out := chat.Message{
		ID:             msg.ID.String(),
		ConversationID: msg.ConversationID.String(),
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		System:         msg.System,
		CreatedAt:      msg.CreatedAt,
		Status:         chat.DeliverySent,
	}
	if msg.BookingCard != "" {
		var card chat.BookingCard
		if err := json.Unmarshal([]byte(msg.BookingCard), &card); err == nil {
			out.Booking = &card
		}
	}
	return out
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
