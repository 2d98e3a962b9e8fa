package ginserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gin "github.com/gin-gonic/gin"
	"github.com/gocql/gocql"

	"staysync/internal/app/dto"
	"staysync/internal/chat"
	appmongo "staysync/internal/infra/db/mongo"
	"staysync/internal/infra/storage/s3"
	"staysync/internal/infra/storage/scylla"
)

// ChatHTTP exposes the snapshot endpoints consumed by sync controllers.
type ChatHTTP interface {
	ListConversations(c *gin.Context)
	GetSnapshot(c *gin.Context)
	CreateListingConversation(c *gin.Context)
}

// ChatHandler assembles conversation snapshots from the stores.
type ChatHandler struct {
	Store    *scylla.Store
	Bookings *appmongo.BookingContextStore
	Media    s3.Resolver
	Logger   *slog.Logger
}

// ListConversations returns conversations for the calling user, or all of
// them for admins.
func (h ChatHandler) ListConversations(c *gin.Context) {
	principal, ok := requirePrincipal(c)
	if !ok {
		return
	}
	targetUser := principal.ID
	includeAll := false
	if principal.Admin {
		if filter := strings.TrimSpace(c.Query("user_id")); filter != "" {
			targetUser = filter
		} else {
			includeAll = true
			targetUser = ""
		}
	}
	conversations, err := h.Store.ListConversations(c.Request.Context(), targetUser, includeAll)
	if err != nil {
		h.logError("list conversations failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot list conversations"})
		return
	}
	limit := parsePositiveIntStrict(c.Query("limit"), 20)
	if len(conversations) > limit {
		conversations = conversations[:limit]
	}
	collection := dto.ConversationList{Items: make([]dto.Conversation, 0, len(conversations))}
	for _, conv := range conversations {
		collection.Items = append(collection.Items, dto.Conversation{
			ID:            conv.ID.String(),
			ListingID:     conv.ListingID,
			Participants:  append([]string(nil), conv.Participants...),
			CreatedAt:     conv.CreatedAt,
			LastMessageAt: conv.LastMessageAt,
			LastMessage:   conv.LastMessageText,
		})
	}
	c.JSON(http.StatusOK, collection)
}

// GetSnapshot returns the full day-bucketed conversation state.
func (h ChatHandler) GetSnapshot(c *gin.Context) {
	principal, ok := requirePrincipal(c)
	if !ok {
		return
	}
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	conversation, err := h.Store.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		h.logError("load conversation failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot load conversation"})
		return
	}
	if !principal.Admin && !contains(conversation.Participants, principal.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		return
	}

	limit := parsePositiveIntStrict(c.Query("limit"), 200)
	messages, err := h.Store.ListMessages(c.Request.Context(), conversation.ID, limit)
	if err != nil {
		h.logError("list messages failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot load messages"})
		return
	}
	receipts, err := h.Store.ListReceipts(c.Request.Context(), conversation.ID)
	if err != nil {
		h.logError("list receipts failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot load receipts"})
		return
	}

	snapshot := dto.ConversationSnapshot{
		ID:           conversation.ID.String(),
		ListingID:    conversation.ListingID,
		Participants: h.resolveParticipants(c, conversation.Participants),
		Days:         h.bucketMessages(messages, receipts),
		LastActivity: conversation.LastMessageAt,
	}
	if h.Bookings != nil {
		booking, err := h.Bookings.Get(c.Request.Context(), snapshot.ID)
		switch {
		case err == nil:
			snapshot.LastBooking = h.mapBooking(c, booking)
		case errors.Is(err, appmongo.ErrNotFound):
			// conversations without a booking render without the card
		default:
			h.logError("load booking context failed", err)
		}
	}
	c.JSON(http.StatusOK, snapshot)
}

// CreateListingConversation gets or creates the host/guest thread for a
// listing.
func (h ChatHandler) CreateListingConversation(c *gin.Context) {
	principal, ok := requirePrincipal(c)
	if !ok {
		return
	}
	var req struct {
		ListingID string `json:"listing_id"`
		HostID    string `json:"host_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.ListingID = strings.TrimSpace(req.ListingID)
	req.HostID = strings.TrimSpace(req.HostID)
	if req.ListingID == "" || req.HostID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "listing_id and host_id are required"})
		return
	}
	if req.HostID == principal.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start chat with yourself"})
		return
	}
	participants := []string{principal.ID, req.HostID}
	conversation, err := h.Store.FindConversationByListing(c.Request.Context(), req.ListingID, participants)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		h.logError("conversation lookup failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot create conversation"})
		return
	}
	if conversation == nil {
		conversation, err = h.Store.CreateConversation(c.Request.Context(), req.ListingID, participants, timeNow())
		if err != nil {
			h.logError("conversation create failed", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot create conversation"})
			return
		}
	}
	c.JSON(http.StatusOK, dto.Conversation{
		ID:            conversation.ID.String(),
		ListingID:     conversation.ListingID,
		Participants:  append([]string(nil), conversation.Participants...),
		CreatedAt:     conversation.CreatedAt,
		LastMessageAt: conversation.LastMessageAt,
		LastMessage:   conversation.LastMessageText,
	})
}

// bucketMessages groups stored messages by calendar day, attaching receipts.
// Reuses the timeline so server and controller bucket identically.
func (h ChatHandler) bucketMessages(messages []scylla.Message, receipts map[string][]scylla.Receipt) []dto.MessageDay {
	timeline := chat.NewTimeline(nil)
	for _, msg := range messages {
		entry := chat.Message{
			ID:             msg.ID.String(),
			ConversationID: msg.ConversationID.String(),
			SenderID:       msg.SenderID,
			Text:           msg.Text,
			System:         msg.System,
			CreatedAt:      msg.CreatedAt,
		}
		if msg.BookingCard != "" {
			var card chat.BookingCard
			if err := json.Unmarshal([]byte(msg.BookingCard), &card); err == nil {
				entry.Booking = &card
			}
		}
		for _, r := range receipts[entry.ID] {
			entry.Receipts = append(entry.Receipts, chat.ReadReceipt{UserID: r.UserID, ReadAt: r.ReadAt})
		}
		timeline.Insert(entry)
	}

	days := timeline.Days()
	out := make([]dto.MessageDay, 0, len(days))
	for _, day := range days {
		mapped := dto.MessageDay{Date: day.Date, Messages: make([]dto.ChatMessage, 0, len(day.Messages))}
		for _, msg := range day.Messages {
			mapped.Messages = append(mapped.Messages, h.mapMessage(msg))
		}
		out = append(out, mapped)
	}
	return out
}

func (h ChatHandler) mapMessage(msg chat.Message) dto.ChatMessage {
	out := dto.ChatMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		System:         msg.System,
		CreatedAt:      msg.CreatedAt,
	}
	if msg.Booking != nil {
		out.Booking = &dto.BookingCard{
			BookingID: msg.Booking.BookingID,
			Title:     msg.Booking.Title,
			CheckIn:   msg.Booking.CheckIn,
			CheckOut:  msg.Booking.CheckOut,
			ImageURL:  msg.Booking.ImageURL,
			Action:    string(msg.Booking.Action),
		}
	}
	for _, r := range msg.Receipts {
		out.Receipts = append(out.Receipts, dto.ReadReceipt{UserID: r.UserID, ReadAt: r.ReadAt})
	}
	return out
}

// resolveParticipants maps member ids to presentation entries. Profile names
// live in the marketplace backend; only avatar keys resolve here.
func (h ChatHandler) resolveParticipants(c *gin.Context, ids []string) []dto.Participant {
	out := make([]dto.Participant, 0, len(ids))
	for _, id := range ids {
		p := dto.Participant{ID: id}
		if h.Media != nil {
			if url, err := h.Media.URL(c.Request.Context(), "avatars/"+id); err == nil {
				p.AvatarURL = url
			}
		}
		out = append(out, p)
	}
	return out
}

func (h ChatHandler) mapBooking(c *gin.Context, booking *chat.BookingContext) *dto.BookingContext {
	out := &dto.BookingContext{
		BookingID: booking.BookingID,
		ListingID: booking.ListingID,
		Title:     booking.Title,
		Status:    booking.Status,
		CheckIn:   booking.CheckIn,
		CheckOut:  booking.CheckOut,
		ImageURL:  booking.ImageURL,
		UpdatedAt: booking.UpdatedAt,
	}
	if h.Media != nil && out.ImageURL != "" {
		if url, err := h.Media.URL(c.Request.Context(), out.ImageURL); err == nil {
			out.ImageURL = url
		}
	}
	return out
}

func (h ChatHandler) logError(msg string, err error) {
	if h.Logger != nil {
		h.Logger.Error(msg, "error", err)
	}
}

func parsePositiveIntStrict(raw string, def int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return def
	}
	return value
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

var _ ChatHTTP = (*ChatHandler)(nil)
