package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"staysync/internal/chat"
)

const bookingContextCollection = "booking_contexts"

// ErrNotFound is returned when a conversation has no booking context yet.
var ErrNotFound = errors.New("mongo: booking context not found")

// BookingContextStore persists the "last booking" object shown alongside a
// conversation. Documents are keyed by conversation id and replaced
// wholesale on each reservation update.
type BookingContextStore struct {
	col *mongo.Collection
}

type bookingContextDoc struct {
	ConversationID string    `bson:"_id"`
	BookingID      string    `bson:"booking_id"`
	ListingID      string    `bson:"listing_id"`
	Title          string    `bson:"title"`
	Status         string    `bson:"status"`
	CheckIn        time.Time `bson:"check_in"`
	CheckOut       time.Time `bson:"check_out"`
	ImageKey       string    `bson:"image_key,omitempty"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func NewBookingContextStore(client *Client) *BookingContextStore {
	return &BookingContextStore{col: client.DB.Collection(bookingContextCollection)}
}

// Get loads the booking context for a conversation. The returned ImageURL
// field carries the raw object key; the media resolver turns it into a URL.
func (s *BookingContextStore) Get(ctx context.Context, conversationID string) (*chat.BookingContext, error) {
	var doc bookingContextDoc
	err := s.col.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &chat.BookingContext{
		BookingID: doc.BookingID,
		ListingID: doc.ListingID,
		Title:     doc.Title,
		Status:    doc.Status,
		CheckIn:   doc.CheckIn,
		CheckOut:  doc.CheckOut,
		ImageURL:  doc.ImageKey,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// Upsert replaces the booking context for a conversation.
func (s *BookingContextStore) Upsert(ctx context.Context, conversationID string, booking chat.BookingContext) error {
	doc := bookingContextDoc{
		ConversationID: conversationID,
		BookingID:      booking.BookingID,
		ListingID:      booking.ListingID,
		Title:          booking.Title,
		Status:         booking.Status,
		CheckIn:        booking.CheckIn,
		CheckOut:       booking.CheckOut,
		ImageKey:       booking.ImageURL,
		UpdatedAt:      booking.UpdatedAt,
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	_, err := s.col.ReplaceOne(ctx, bson.M{"_id": conversationID}, doc, options.Replace().SetUpsert(true))
	return err
}
