package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the controller's macro lifecycle. Inbound events mutate sub-state
// only while Ready.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	// DefaultTypingIdle is how long after the last keystroke a stop_typing
	// frame goes out. Repeated keystrokes reset the timer.
	DefaultTypingIdle = 2 * time.Second

	// DefaultPendingTimeout bounds how long an optimistic message waits for
	// its server echo before being marked failed.
	DefaultPendingTimeout = 10 * time.Second
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("chat: controller closed")

// ErrNotReady is returned when an operation needs a loaded conversation.
var ErrNotReady = errors.New("chat: no conversation loaded")

// Options tune a Controller. Zero values pick the defaults above.
type Options struct {
	// TrimOutgoing controls whether Send transmits the trimmed text. The
	// whitespace-only check always trims regardless.
	TrimOutgoing bool

	// RedactContacts masks emails and phone numbers in other participants'
	// message bodies before they reach the timeline.
	RedactContacts bool

	TypingTTL      time.Duration
	TypingIdle     time.Duration
	PendingTimeout time.Duration

	// OnChange fires after any state mutation; the presentation layer hangs
	// its re-render off this.
	OnChange func()

	// OnBookingAction fires when an inbound message carries a booking card
	// with a confirmed or unsuccessful action.
	OnBookingAction func(card BookingCard)

	Logger *slog.Logger
}

// Controller keeps one active conversation consistent between snapshot
// fetches and the event channel, and tracks the typing indicator.
type Controller struct {
	userID  string
	channel Channel
	source  SnapshotSource
	opts    Options
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	conv       Conversation
	timeline   *Timeline
	typing     *TypingSet
	handlers   map[EventKind]string
	pending    map[string]*time.Timer
	typingStop *time.Timer
	composing  bool
	refreshing bool
	closed     bool
}

// NewController wires a controller onto the channel. Handlers stay
// registered until Close.
func NewController(userID string, channel Channel, source SnapshotSource, opts Options) (*Controller, error) {
	if userID == "" {
		return nil, errors.New("chat: user id required")
	}
	if channel == nil {
		return nil, errors.New("chat: channel required")
	}
	if source == nil {
		return nil, errors.New("chat: snapshot source required")
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = DefaultTypingIdle
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DefaultPendingTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		userID:   userID,
		channel:  channel,
		source:   source,
		opts:     opts,
		logger:   logger,
		handlers: make(map[EventKind]string),
		pending:  make(map[string]*time.Timer),
	}
	c.typing = NewTypingSet(opts.TypingTTL, c.notifyChange)

	c.handlers[KindMessage] = channel.On(KindMessage, c.handleMessage)
	c.handlers[KindTyping] = channel.On(KindTyping, c.handleTyping)
	c.handlers[KindStopTyping] = channel.On(KindStopTyping, c.handleStopTyping)
	c.handlers[KindMessagesRead] = channel.On(KindMessagesRead, c.handleRead)
	c.handlers[KindReservationUpdate] = channel.On(KindReservationUpdate, c.handleReservation)
	return c, nil
}

// Load replaces the controller's state with a fresh snapshot and joins the
// conversation's room, leaving any previously joined one. A stale fetch that
// resolves after a newer Load is discarded.
func (c *Controller) Load(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("chat: conversation id required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	previous := c.conv.ID
	c.state = StateLoading
	c.generation++
	gen := c.generation
	c.mu.Unlock()
	c.notifyChange()

	if previous != "" && previous != conversationID {
		c.emitJoin(previous, true)
	}

	conv, err := c.source.Conversation(ctx, conversationID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("stale snapshot discarded", "conversation_id", conversationID)
		return nil
	}
	if err != nil {
		c.state = StateFailed
		c.mu.Unlock()
		c.notifyChange()
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	c.conv = conv
	c.timeline = NewTimeline(conv.Messages)
	c.conv.Messages = nil
	c.cancelPendingLocked()
	c.state = StateReady
	c.mu.Unlock()

	// Clear fires onChange, which may re-enter the controller; never call it
	// while holding c.mu.
	c.typing.Clear()
	c.emitJoin(conversationID, false)
	c.notifyChange()
	return nil
}

// Send emits an outgoing message after appending an optimistic pending entry
// to the timeline. Whitespace-only input is a no-op, not an error.
func (c *Controller) Send(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	outgoing := text
	if c.opts.TrimOutgoing {
		outgoing = trimmed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	conversationID := c.conv.ID
	correlationID := uuid.NewString()
	pendingID := "pending-" + correlationID
	c.timeline.Insert(Message{
		ID:             pendingID,
		ConversationID: conversationID,
		SenderID:       c.userID,
		Text:           outgoing,
		CreatedAt:      time.Now().UTC(),
		Status:         DeliveryPending,
		CorrelationID:  correlationID,
	})
	c.pending[correlationID] = time.AfterFunc(c.opts.PendingTimeout, func() {
		c.expirePending(correlationID)
	})
	c.stopComposingLocked()
	c.mu.Unlock()
	c.notifyChange()

	err := c.channel.Emit(Frame{
		Version: ProtocolVersion,
		Kind:    KindSendMessage,
		Send: &SendPayload{
			ConversationID: conversationID,
			SenderID:       c.userID,
			Text:           outgoing,
			CorrelationID:  correlationID,
		},
	})
	if err != nil {
		c.expirePending(correlationID)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// MarkRead emits a mark_read frame for the visible message ids. Local
// receipts change only when the gateway echoes a messages_read frame.
func (c *Controller) MarkRead(messageIDs []string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	conversationID := c.conv.ID
	unread := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if c.timeline.Contains(id) {
			already := false
			c.timeline.Update(id, func(m *Message) {
				already = m.ReadBy(c.userID)
			})
			if !already {
				unread = append(unread, id)
			}
		}
	}
	c.mu.Unlock()
	if len(unread) == 0 {
		return nil
	}
	return c.channel.Emit(Frame{
		Version: ProtocolVersion,
		Kind:    KindMarkRead,
		MarkRead: &MarkReadPayload{
			ConversationID: conversationID,
			UserID:         c.userID,
			MessageIDs:     unread,
		},
	})
}

// NotifyTyping is invoked per keystroke. The first call in an idle window
// emits a typing frame; every call re-arms the stop timer so continuous
// typing never flickers the indicator.
func (c *Controller) NotifyTyping() {
	c.mu.Lock()
	if c.closed || c.state != StateReady {
		c.mu.Unlock()
		return
	}
	conversationID := c.conv.ID
	first := !c.composing
	c.composing = true
	if c.typingStop != nil {
		c.typingStop.Reset(c.opts.TypingIdle)
	} else {
		c.typingStop = time.AfterFunc(c.opts.TypingIdle, c.typingIdleExpired)
	}
	c.mu.Unlock()

	if first {
		c.emitTyping(KindTyping, conversationID)
	}
}

// Close leaves the room and removes every channel handler. Events delivered
// afterwards must not mutate retained state.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conversationID := c.conv.ID
	c.cancelPendingLocked()
	if c.typingStop != nil {
		c.typingStop.Stop()
		c.typingStop = nil
	}
	handlers := c.handlers
	c.handlers = nil
	c.mu.Unlock()

	c.typing.Clear()
	for kind, id := range handlers {
		c.channel.Off(kind, id)
	}
	if conversationID != "" {
		c.emitJoin(conversationID, true)
	}
}

// State returns the macro lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conversation returns the active conversation's metadata.
func (c *Controller) Conversation() Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// Days returns the day-bucketed timeline for rendering.
func (c *Controller) Days() []DayBucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeline == nil {
		return nil
	}
	return c.timeline.Days()
}

// Typing returns the users currently composing, never including self.
func (c *Controller) Typing() []string {
	return c.typing.Users()
}

func (c *Controller) handleMessage(f Frame) {
	if f.Message == nil {
		return
	}
	msg := f.Message.Message
	c.mu.Lock()
	if c.closed || c.state != StateReady || msg.ConversationID != c.conv.ID {
		c.mu.Unlock()
		return
	}
	msg.Status = DeliverySent
	if c.opts.RedactContacts && msg.SenderID != c.userID && !msg.System {
		msg.Text = RedactContacts(msg.Text)
	}
	inserted := false
	if corr := f.Message.CorrelationID; corr != "" {
		if timer, ok := c.pending[corr]; ok {
			timer.Stop()
			delete(c.pending, corr)
		}
		// A late echo still reconciles: the entry may already be marked
		// failed, but it is the same message and must not render twice.
		inserted = c.timeline.Replace("pending-"+corr, msg)
	}
	if !inserted {
		inserted = c.timeline.Insert(msg)
	}
	if inserted {
		c.conv.LastMessage = msg.Text
		c.conv.LastActivity = msg.CreatedAt
	}
	card := msg.Booking
	c.mu.Unlock()

	if inserted {
		c.notifyChange()
		if card != nil && c.opts.OnBookingAction != nil {
			switch card.Action {
			case ActionBookingConfirmed, ActionBookingUnsuccessful:
				c.opts.OnBookingAction(*card)
			}
		}
	}
}

func (c *Controller) handleTyping(f Frame) {
	if userID, ok := c.typingEventUser(f); ok {
		c.typing.Add(userID)
	}
}

func (c *Controller) handleStopTyping(f Frame) {
	if userID, ok := c.typingEventUser(f); ok {
		c.typing.Remove(userID)
	}
}

// typingEventUser filters typing frames down to participants of the active
// conversation other than self.
func (c *Controller) typingEventUser(f Frame) (string, bool) {
	if f.Typing == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateReady || f.Typing.ConversationID != c.conv.ID {
		return "", false
	}
	if f.Typing.UserID == c.userID {
		return "", false
	}
	if _, ok := c.conv.Participant(f.Typing.UserID); !ok {
		return "", false
	}
	return f.Typing.UserID, true
}

func (c *Controller) handleRead(f Frame) {
	if f.Read == nil {
		return
	}
	c.mu.Lock()
	if c.closed || c.state != StateReady || f.Read.ConversationID != c.conv.ID {
		c.mu.Unlock()
		return
	}
	changed := c.timeline.ApplyReceipts(f.Read.MessageIDs, f.Read.UserID, f.Read.ReadAt)
	c.mu.Unlock()
	if changed > 0 {
		c.notifyChange()
	}
}

// handleReservation refreshes the booking context from the snapshot source.
// Refreshes coalesce: at most one in flight.
func (c *Controller) handleReservation(f Frame) {
	if f.Reservation == nil {
		return
	}
	c.mu.Lock()
	if c.closed || c.state != StateReady || f.Reservation.ConversationID != c.conv.ID || c.refreshing {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	gen := c.generation
	conversationID := c.conv.ID
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		booking, err := c.source.BookingContext(ctx, conversationID)

		c.mu.Lock()
		c.refreshing = false
		if c.closed || gen != c.generation {
			c.mu.Unlock()
			return
		}
		if err != nil {
			c.mu.Unlock()
			c.logger.Warn("booking context refresh failed", "conversation_id", conversationID, "error", err)
			return
		}
		c.conv.LastBooking = booking
		c.mu.Unlock()
		c.notifyChange()
	}()
}

func (c *Controller) typingIdleExpired() {
	c.mu.Lock()
	if c.closed || !c.composing {
		c.mu.Unlock()
		return
	}
	c.composing = false
	conversationID := c.conv.ID
	c.mu.Unlock()
	c.emitTyping(KindStopTyping, conversationID)
}

// stopComposingLocked ends the compose window when a message goes out. No
// stop_typing frame is emitted; the send itself tells the room. Caller holds
// c.mu.
func (c *Controller) stopComposingLocked() {
	if c.typingStop != nil {
		c.typingStop.Stop()
	}
	c.composing = false
}

func (c *Controller) expirePending(correlationID string) {
	c.mu.Lock()
	timer, ok := c.pending[correlationID]
	if !ok {
		c.mu.Unlock()
		return
	}
	timer.Stop()
	delete(c.pending, correlationID)
	updated := false
	if c.timeline != nil {
		updated = c.timeline.Update("pending-"+correlationID, func(m *Message) {
			m.Status = DeliveryFailed
		})
	}
	c.mu.Unlock()
	if updated {
		c.logger.Warn("message delivery unconfirmed", "correlation_id", correlationID)
		c.notifyChange()
	}
}

func (c *Controller) cancelPendingLocked() {
	for id, timer := range c.pending {
		timer.Stop()
		delete(c.pending, id)
	}
}

func (c *Controller) emitJoin(conversationID string, leave bool) {
	err := c.channel.Emit(Frame{
		Version: ProtocolVersion,
		Kind:    KindJoinConversation,
		Join: &JoinPayload{
			ConversationID: conversationID,
			UserID:         c.userID,
			Leave:          leave,
		},
	})
	if err != nil {
		c.logger.Warn("join emit failed", "conversation_id", conversationID, "leave", leave, "error", err)
	}
}

func (c *Controller) emitTyping(kind EventKind, conversationID string) {
	err := c.channel.Emit(Frame{
		Version: ProtocolVersion,
		Kind:    kind,
		Typing: &TypingPayload{
			ConversationID: conversationID,
			UserID:         c.userID,
		},
	})
	if err != nil {
		c.logger.Debug("typing emit failed", "kind", kind, "error", err)
	}
}

func (c *Controller) notifyChange() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}
