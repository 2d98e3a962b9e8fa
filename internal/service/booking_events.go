package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"staysync/internal/chat"
)

// BookingEventHandler consumes booking events from the broker, refreshes the
// stored booking context and pushes reservation updates into the affected
// conversation room. Terminal booking states additionally drop a system
// message carrying a booking card.
type BookingEventHandler struct {
	Store    MessageStore
	Bookings BookingStore
	Hub      Broadcaster
	Logger   *slog.Logger
}

type bookingEventEnvelope struct {
	Type string           `json:"type"`
	Data bookingEventData `json:"data"`
}

type bookingEventData struct {
	BookingID      string    `json:"booking_id"`
	ConversationID string    `json:"conversation_id"`
	ListingID      string    `json:"listing_id"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	CheckIn        time.Time `json:"check_in"`
	CheckOut       time.Time `json:"check_out"`
	ImageKey       string    `json:"image_key"`
}

// Handle processes one broker record. Records without a conversation id are
// skipped; handler errors are returned so the consumer leaves the offset
// unmarked.
func (h *BookingEventHandler) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var envelope bookingEventEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		h.logWarn("booking event decode failed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return nil
	}
	if !strings.HasPrefix(envelope.Type, "booking.") {
		h.logWarn("non-booking event skipped", "topic", msg.Topic, "type", envelope.Type)
		return nil
	}
	data := envelope.Data
	if data.ConversationID == "" || data.BookingID == "" {
		return nil
	}

	booking := chat.BookingContext{
		BookingID: data.BookingID,
		ListingID: data.ListingID,
		Title:     data.Title,
		Status:    data.Status,
		CheckIn:   data.CheckIn,
		CheckOut:  data.CheckOut,
		ImageURL:  data.ImageKey,
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.Bookings.Upsert(ctx, data.ConversationID, booking); err != nil {
		return fmt.Errorf("upsert booking context: %w", err)
	}

	h.Hub.Broadcast(data.ConversationID, chat.Frame{
		Version: chat.ProtocolVersion,
		Kind:    chat.KindReservationUpdate,
		Reservation: &chat.ReservationPayload{
			ConversationID: data.ConversationID,
			BookingID:      data.BookingID,
			Status:         data.Status,
		},
	}, "")

	if action, ok := cardAction(data.Status); ok {
		h.postBookingCard(ctx, data, action)
	}
	return nil
}

// postBookingCard stores and broadcasts a system message with the booking
// card. Best effort: a failure here loses the card message but not the
// reservation update already sent.
func (h *BookingEventHandler) postBookingCard(ctx context.Context, data bookingEventData, action chat.BookingAction) {
	conversation, err := h.Store.GetConversation(ctx, data.ConversationID)
	if err != nil {
		h.logWarn("booking card: conversation lookup failed", "conversation_id", data.ConversationID, "error", err)
		return
	}
	card := chat.BookingCard{
		BookingID: data.BookingID,
		Title:     data.Title,
		CheckIn:   data.CheckIn,
		CheckOut:  data.CheckOut,
		ImageURL:  data.ImageKey,
		Action:    action,
	}
	encoded, err := json.Marshal(card)
	if err != nil {
		h.logWarn("booking card: encode failed", "booking_id", data.BookingID, "error", err)
		return
	}
	text := bookingCardText(action, data.Title)
	stored, err := h.Store.AddMessage(ctx, conversation.ID, "system", text, true, string(encoded), time.Now())
	if err != nil {
		h.logWarn("booking card: persist failed", "conversation_id", data.ConversationID, "error", err)
		return
	}
	h.Hub.Broadcast(data.ConversationID, chat.Frame{
		Version: chat.ProtocolVersion,
		Kind:    chat.KindMessage,
		Message: &chat.MessagePayload{Message: mapMessage(stored)},
	}, "")
}

func cardAction(status string) (chat.BookingAction, bool) {
	switch status {
	case "confirmed":
		return chat.ActionBookingConfirmed, true
	case "declined", "cancelled", "payment_failed":
		return chat.ActionBookingUnsuccessful, true
	}
	return "", false
}

func bookingCardText(action chat.BookingAction, title string) string {
	if action == chat.ActionBookingConfirmed {
		return fmt.Sprintf("Booking confirmed for %s", title)
	}
	return fmt.Sprintf("Booking for %s was unsuccessful", title)
}

func (h *BookingEventHandler) logWarn(msg string, attrs ...any) {
	if h.Logger != nil {
		h.Logger.Warn(msg, attrs...)
	}
}
