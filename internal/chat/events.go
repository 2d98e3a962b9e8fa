package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is stamped on every frame. Decoding rejects frames from a
// newer protocol so schema drift fails loudly instead of rendering blanks.
const ProtocolVersion = 1

// EventKind tags a frame variant on the wire.
type EventKind string

// Outbound frame kinds (client -> gateway).
const (
	KindJoinConversation EventKind = "join_conversation"
	KindJoinAdmin        EventKind = "join_admin"
	KindSendMessage      EventKind = "send_message"
	KindTyping           EventKind = "typing"
	KindStopTyping       EventKind = "stop_typing"
	KindMarkRead         EventKind = "mark_read"
)

// Inbound frame kinds (gateway -> client).
const (
	KindMessage           EventKind = "message"
	KindMessagesRead      EventKind = "messages_read"
	KindReservationUpdate EventKind = "reservation_update"
)

// Frame is the envelope carried on the event channel. Exactly one payload
// pointer is set, matching Kind.
type Frame struct {
	Version int       `json:"v"`
	Kind    EventKind `json:"kind"`

	Join        *JoinPayload        `json:"join,omitempty"`
	Send        *SendPayload        `json:"send,omitempty"`
	Typing      *TypingPayload      `json:"typing,omitempty"`
	MarkRead    *MarkReadPayload    `json:"mark_read,omitempty"`
	Message     *MessagePayload     `json:"message,omitempty"`
	Read        *ReadPayload        `json:"read,omitempty"`
	Reservation *ReservationPayload `json:"reservation,omitempty"`
}

// JoinPayload subscribes a connection to a conversation room, or to the
// admin firehose when AsAdmin is set.
type JoinPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	AsAdmin        bool   `json:"as_admin,omitempty"`
	Leave          bool   `json:"leave,omitempty"`
}

// SendPayload carries an outgoing message. CorrelationID is generated by the
// sender and echoed back on the confirmed message frame.
type SendPayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// TypingPayload signals composing state for a user in a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// MarkReadPayload asks the gateway to record receipts for the listed
// messages on behalf of UserID.
type MarkReadPayload struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	MessageIDs     []string `json:"message_ids"`
}

// MessagePayload is a server-confirmed message delivered to a room.
type MessagePayload struct {
	Message       Message `json:"message"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

// ReadPayload echoes recorded receipts back to a room.
type ReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	MessageIDs     []string  `json:"message_ids"`
	ReadAt         time.Time `json:"read_at"`
}

// ReservationPayload notifies a room that its booking context changed.
type ReservationPayload struct {
	ConversationID string `json:"conversation_id"`
	BookingID      string `json:"booking_id"`
	Status         string `json:"status,omitempty"`
}

// EncodeFrame serializes a frame after validating its shape.
func EncodeFrame(f Frame) ([]byte, error) {
	if f.Version == 0 {
		f.Version = ProtocolVersion
	}
	if err := validateFrame(f); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// DecodeFrame parses and validates a frame from the wire.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Version > ProtocolVersion {
		return Frame{}, fmt.Errorf("unsupported frame version %d", f.Version)
	}
	if err := validateFrame(f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func validateFrame(f Frame) error {
	switch f.Kind {
	case KindJoinConversation, KindJoinAdmin:
		if f.Join == nil {
			return fmt.Errorf("%s frame missing join payload", f.Kind)
		}
		if f.Kind == KindJoinConversation && strings.TrimSpace(f.Join.ConversationID) == "" {
			return fmt.Errorf("join frame missing conversation id")
		}
	case KindSendMessage:
		if f.Send == nil || f.Send.ConversationID == "" || f.Send.SenderID == "" {
			return fmt.Errorf("send frame missing payload fields")
		}
	case KindTyping, KindStopTyping:
		if f.Typing == nil || f.Typing.ConversationID == "" || f.Typing.UserID == "" {
			return fmt.Errorf("%s frame missing typing payload", f.Kind)
		}
	case KindMarkRead:
		if f.MarkRead == nil || f.MarkRead.ConversationID == "" || f.MarkRead.UserID == "" {
			return fmt.Errorf("mark_read frame missing payload fields")
		}
	case KindMessage:
		if f.Message == nil {
			return fmt.Errorf("message frame missing payload")
		}
	case KindMessagesRead:
		if f.Read == nil || f.Read.ConversationID == "" || f.Read.UserID == "" {
			return fmt.Errorf("messages_read frame missing payload fields")
		}
	case KindReservationUpdate:
		if f.Reservation == nil || f.Reservation.ConversationID == "" {
			return fmt.Errorf("reservation_update frame missing payload fields")
		}
	default:
		return fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	return nil
}
