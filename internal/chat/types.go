package chat

import (
	"regexp"
	"time"
)

// DeliveryStatus tracks locally originated messages through the optimistic
// send cycle. Server-fetched messages are always Sent.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryPending DeliveryStatus = "pending"
	DeliveryFailed  DeliveryStatus = "failed"
)

// BookingAction identifies the popup a booking card triggers.
type BookingAction string

const (
	ActionBookingConfirmed    BookingAction = "booking_confirmed"
	ActionBookingUnsuccessful BookingAction = "booking_unsuccessful"
)

// Participant is a member of a conversation. Immutable once fetched.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// BookingCard is structured metadata attached to system messages about a
// reservation.
type BookingCard struct {
	BookingID string        `json:"booking_id"`
	Title     string        `json:"title"`
	CheckIn   time.Time     `json:"check_in"`
	CheckOut  time.Time     `json:"check_out"`
	ImageURL  string        `json:"image_url,omitempty"`
	Action    BookingAction `json:"action,omitempty"`
}

// ReadReceipt records that a user saw a message. At most one per
// (message, user) pair.
type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Message is one entry in a conversation timeline.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Text           string        `json:"text"`
	System         bool          `json:"system,omitempty"`
	Booking        *BookingCard  `json:"booking,omitempty"`
	Receipts       []ReadReceipt `json:"receipts,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`

	Status        DeliveryStatus `json:"status,omitempty"`
	CorrelationID string         `json:"-"`
}

// ReadBy reports whether the user already has a receipt on the message.
func (m Message) ReadBy(userID string) bool {
	for _, r := range m.Receipts {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// BookingContext is the "last booking" object attached to a conversation
// snapshot.
type BookingContext struct {
	BookingID string    `json:"booking_id"`
	ListingID string    `json:"listing_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CheckIn   time.Time `json:"check_in"`
	CheckOut  time.Time `json:"check_out"`
	ImageURL  string    `json:"image_url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conversation is a snapshot of one thread.
type Conversation struct {
	ID            string          `json:"id"`
	ListingID     string          `json:"listing_id,omitempty"`
	Participants  []Participant   `json:"participants"`
	LastBooking   *BookingContext `json:"last_booking,omitempty"`
	LastMessage   string          `json:"last_message,omitempty"`
	LastActivity  time.Time       `json:"last_activity"`
	Messages      []Message       `json:"messages,omitempty"`
}

// Participant lookup by id; second return is false when the user is not a
// member.
func (c Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// RedactContacts masks email addresses and phone numbers in message bodies
// before display. Applied only when the controller is configured to do so.
func RedactContacts(text string) string {
	masked := emailPattern.ReplaceAllString(text, "•••@•••")
	return phonePattern.ReplaceAllString(masked, "••• ••• •••")
}
