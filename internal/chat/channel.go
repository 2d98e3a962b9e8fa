package chat

import "context"

// Handler consumes inbound frames delivered by a Channel.
type Handler func(Frame)

// Channel is the bidirectional event transport the controller rides on.
// Implementations deliver inbound frames in transport order and must allow
// handler removal by the id returned from On.
type Channel interface {
	Emit(frame Frame) error
	On(kind EventKind, h Handler) string
	Off(kind EventKind, id string)
}

// SnapshotSource is the authoritative request/response boundary: full
// conversation loads and booking-context refreshes come from here, never
// from the channel.
type SnapshotSource interface {
	Conversation(ctx context.Context, id string) (Conversation, error)
	BookingContext(ctx context.Context, conversationID string) (*BookingContext, error)
}
