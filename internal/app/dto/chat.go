package dto

import "time"

// Conversation describes chat thread metadata for list views.
type Conversation struct {
	ID            string    `json:"id"`
	ListingID     string    `json:"listing_id,omitempty"`
	Participants  []string  `json:"participants"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	LastMessage   string    `json:"last_message,omitempty"`
}

// ConversationList is a collection of conversation summaries.
type ConversationList struct {
	Items []Conversation `json:"items"`
}

// Participant is a conversation member with resolved avatar URL.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ReadReceipt marks that a user saw a message.
type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// BookingCard is structured metadata on system messages.
type BookingCard struct {
	BookingID string    `json:"booking_id"`
	Title     string    `json:"title"`
	CheckIn   time.Time `json:"check_in"`
	CheckOut  time.Time `json:"check_out"`
	ImageURL  string    `json:"image_url,omitempty"`
	Action    string    `json:"action,omitempty"`
}

// ChatMessage contains a single message payload.
type ChatMessage struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Text           string        `json:"text"`
	System         bool          `json:"system,omitempty"`
	Booking        *BookingCard  `json:"booking,omitempty"`
	Receipts       []ReadReceipt `json:"receipts,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// MessageDay is one calendar day's worth of messages in chronological order.
type MessageDay struct {
	Date     string        `json:"date"`
	Messages []ChatMessage `json:"messages"`
}

// BookingContext is the "last booking" object attached to a snapshot.
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

// ConversationSnapshot is the full state a sync controller loads on mount.
type ConversationSnapshot struct {
	ID           string          `json:"id"`
	ListingID    string          `json:"listing_id,omitempty"`
	Participants []Participant   `json:"participants"`
	Days         []MessageDay    `json:"days"`
	LastBooking  *BookingContext `json:"last_booking,omitempty"`
	LastActivity time.Time       `json:"last_activity"`
}
