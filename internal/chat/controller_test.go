package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	mu       sync.Mutex
	frames   []Frame
	handlers map[EventKind]map[string]Handler
	seq      int
	emitErr  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[EventKind]map[string]Handler)}
}

func (f *fakeChannel) Emit(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeChannel) On(kind EventKind, h Handler) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%s-%d", kind, f.seq)
	if f.handlers[kind] == nil {
		f.handlers[kind] = make(map[string]Handler)
	}
	f.handlers[kind][id] = h
	return id
}

func (f *fakeChannel) Off(kind EventKind, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[kind], id)
}

func (f *fakeChannel) deliver(fr Frame) {
	f.mu.Lock()
	hs := make([]Handler, 0, len(f.handlers[fr.Kind]))
	for _, h := range f.handlers[fr.Kind] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(fr)
	}
}

func (f *fakeChannel) sent(kind EventKind) []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, 0)
	for _, fr := range f.frames {
		if fr.Kind == kind {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeChannel) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, m := range f.handlers {
		total += len(m)
	}
	return total
}

type fakeSource struct {
	mu         sync.Mutex
	convs      map[string]Conversation
	err        error
	booking    *BookingContext
	bookingErr error
	gates      map[string]chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		convs: map[string]Conversation{
			"c1": {
				ID: "c1",
				Participants: []Participant{
					{ID: "me", Name: "Guest"},
					{ID: "host", Name: "Host"},
				},
			},
		},
		gates: make(map[string]chan struct{}),
	}
}

func (s *fakeSource) Conversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	gate := s.gates[id]
	conv, ok := s.convs[id]
	err := s.err
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return Conversation{}, err
	}
	if !ok {
		return Conversation{}, errors.New("conversation not found")
	}
	return conv, nil
}

func (s *fakeSource) BookingContext(_ context.Context, _ string) (*BookingContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.booking, s.bookingErr
}

func newReadyController(t *testing.T, opts Options) (*Controller, *fakeChannel, *fakeSource) {
	t.Helper()
	channel := newFakeChannel()
	source := newFakeSource()
	controller, err := NewController("me", channel, source, opts)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(controller.Close)
	if err := controller.Load(context.Background(), "c1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	return controller, channel, source
}

func TestController_LoadReady(t *testing.T) {
	controller, channel, _ := newReadyController(t, Options{})

	if controller.State() != StateReady {
		t.Fatalf("state = %s, want ready", controller.State())
	}
	joins := channel.sent(KindJoinConversation)
	if len(joins) != 1 || joins[0].Join.ConversationID != "c1" || joins[0].Join.Leave {
		t.Errorf("expected a single join frame for c1, got %+v", joins)
	}
}

func TestController_LoadFailure(t *testing.T) {
	channel := newFakeChannel()
	source := newFakeSource()
	source.err = errors.New("store down")
	controller, err := NewController("me", channel, source, Options{})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer controller.Close()

	if err := controller.Load(context.Background(), "c1"); err == nil {
		t.Fatal("expected load error")
	}
	if controller.State() != StateFailed {
		t.Errorf("state = %s, want failed", controller.State())
	}
	if err := controller.Send("hi"); !errors.Is(err, ErrNotReady) {
		t.Errorf("send on failed controller = %v, want ErrNotReady", err)
	}
}

func TestController_StaleLoadDiscarded(t *testing.T) {
	channel := newFakeChannel()
	source := newFakeSource()
	source.convs["c2"] = Conversation{
		ID:           "c2",
		Participants: []Participant{{ID: "me"}, {ID: "other"}},
	}
	gate := make(chan struct{})
	source.gates["c1"] = gate

	controller, err := NewController("me", channel, source, Options{})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer controller.Close()

	done := make(chan error, 1)
	go func() { done <- controller.Load(context.Background(), "c1") }()
	time.Sleep(20 * time.Millisecond)
	if err := controller.Load(context.Background(), "c2"); err != nil {
		t.Fatalf("load c2: %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("stale load should resolve nil, got %v", err)
	}

	if got := controller.Conversation().ID; got != "c2" {
		t.Errorf("active conversation = %s, want c2", got)
	}
	if controller.State() != StateReady {
		t.Errorf("state = %s, want ready", controller.State())
	}
}

func TestController_SendWhitespaceNoop(t *testing.T) {
	controller, channel, _ := newReadyController(t, Options{})

	for _, text := range []string{"", "   ", "\n\t "} {
		if err := controller.Send(text); err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
	}
	if frames := channel.sent(KindSendMessage); len(frames) != 0 {
		t.Errorf("whitespace sends emitted %d frames", len(frames))
	}
	if days := controller.Days(); len(days) != 0 {
		t.Errorf("whitespace sends touched the timeline: %d days", len(days))
	}
}

func TestController_SendOptimisticConfirm(t *testing.T) {
	controller, channel, _ := newReadyController(t, Options{})

	if err := controller.Send("hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	frames := channel.sent(KindSendMessage)
	if len(frames) != 1 {
		t.Fatalf("expected 1 send frame, got %d", len(frames))
	}
	corr := frames[0].Send.CorrelationID
	if corr == "" {
		t.Fatal("send frame missing correlation id")
	}
	if frames[0].Send.ConversationID != "c1" {
		t.Errorf("send frame conversation = %s", frames[0].Send.ConversationID)
	}

	days := controller.Days()
	if len(days) != 1 || len(days[0].Messages) != 1 {
		t.Fatal("pending message not in timeline")
	}
	if days[0].Messages[0].Status != DeliveryPending {
		t.Errorf("status = %s, want pending", days[0].Messages[0].Status)
	}

	channel.deliver(Frame{
		Version: ProtocolVersion,
		Kind:    KindMessage,
		Message: &MessagePayload{
			CorrelationID: corr,
			Message: Message{
				ID:             "m1",
				ConversationID: "c1",
				SenderID:       "me",
				Text:           "hello",
				CreatedAt:      time.Now().UTC(),
			},
		},
	})

	days = controller.Days()
	if len(days) != 1 || len(days[0].Messages) != 1 {
		t.Fatalf("echo should reconcile, not append: %d days", len(days))
	}
	got := days[0].Messages[0]
	if got.ID != "m1" || got.Status != DeliverySent {
		t.Errorf("reconciled message = %s/%s, want m1/sent", got.ID, got.Status)
	}
}

func TestController_SendTimeoutFails(t *testing.T) {
	changes := make(chan struct{}, 16)
	controller, _, _ := newReadyController(t, Options{
		PendingTimeout: 30 * time.Millisecond,
		OnChange:       func() { changes <- struct{}{} },
	})

	if err := controller.Send("anyone there"); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		days := controller.Days()
		if len(days) == 1 && days[0].Messages[0].Status == DeliveryFailed {
			return
		}
		select {
		case <-changes:
		case <-deadline:
			t.Fatal("pending message never marked failed")
		}
	}
}

func TestController_OnChangeMayReadState(t *testing.T) {
	channel := newFakeChannel()
	source := newFakeSource()
	var controller *Controller
	opts := Options{
		TypingTTL: time.Minute,
		// a re-render reads controller state from inside the callback
		OnChange: func() {
			if controller == nil {
				return
			}
			_ = controller.State()
			_ = controller.Days()
			_ = controller.Typing()
		},
	}
	controller, err := NewController("me", channel, source, opts)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer controller.Close()

	done := make(chan error, 1)
	go func() { done <- controller.Load(context.Background(), "c1") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("load: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Load blocked with a state-reading OnChange")
	}

	channel.deliver(Frame{
		Version: ProtocolVersion,
		Kind:    KindTyping,
		Typing:  &TypingPayload{ConversationID: "c1", UserID: "host"},
	})
	if users := controller.Typing(); len(users) != 1 {
		t.Errorf("typing set = %v, want [host]", users)
	}
	if err := controller.Send("hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestController_LateEchoReconciles(t *testing.T) {
	controller, channel, _ := newReadyController(t, Options{PendingTimeout: 20 * time.Millisecond})

	if err := controller.Send("still there?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	corr := channel.sent(KindSendMessage)[0].Send.CorrelationID

	deadline := time.After(time.Second)
	for controller.Days()[0].Messages[0].Status != DeliveryFailed {
		select {
		case <-deadline:
			t.Fatal("pending message never marked failed")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// echo arrives after the timeout already gave up on it
	channel.deliver(Frame{
		Version: ProtocolVersion,
		Kind:    KindMessage,
		Message: &MessagePayload{
			CorrelationID: corr,
			Message: Message{
				ID:             "m1",
				ConversationID: "c1",
				SenderID:       "me",
				Text:           "still there?",
				CreatedAt:      time.Now().UTC(),
			},
		},
	})

	days := controller.Days()
	if len(days) != 1 || len(days[0].Messages) != 1 {
		t.Fatalf("late echo must replace the failed entry, not duplicate it: %+v", days)
	}
	got := days[0].Messages[0]
	if got.ID != "m1" || got.Status != DeliverySent {
		t.Errorf("reconciled message = %s/%s, want m1/sent", got.ID, got.Status)
	}
}

func TestController_SendEmitFailure(t *testing.T) {
	controller, channel, _ := newReadyController(t, Options{})
	channel.mu.Lock()
	channel.emitErr = errors.New("socket gone")
	channel.mu.Unlock()

	if err := controller.Send("hello"); err == nil {
		t.Fatal("expected send error")
	}
	days := controller.Days()
	if len(days) != 1 || days[0].Messages[0].Status != DeliveryFailed {
		t.Error("message should be marked failed after emit failure")
	}
}

func TestController_SendTrimOption(t *testing.T) {
	controller, channel, _ := newReadyController(t, Options{TrimOutgoing: true})

	if err := controller.Send("  hello  "); err != nil {
		t.Fatalf("send: %v", err)
	}
	frames := channel.sent(KindSendMessage)
	if len(frames) != 1 || frames[0].Send.Text != "hello" {
		t.Errorf("expected trimmed payload, got %q", frames[0].Send.Text)
	}
}

func TestController_TypingDebounce(t *testing.T) {
	controller, channel, _ := newReadyController(t, Options{TypingIdle: 40 * time.Millisecond})

	controller.NotifyTyping()
	controller.NotifyTyping()
	controller.NotifyTyping()

	if frames := channel.sent(KindTyping); len(frames) != 1 {
		t.Fatalf("expected 1 typing frame, got %d", len(frames))
	}

	deadline := time.After(time.Second)
	for len(channel.sent(KindStopTyping)) == 0 {
		select {
		case <-deadline:
			t.Fatal("stop_typing never emitted")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	if frames := channel.sent(KindStopTyping); len(frames) != 1 {
		t.Errorf("expected 1 stop frame, got %d", len(frames))
	}
}

func TestController_InboundTypingFiltered(t *testing.T) {
	controller, channel, _ := newReadyController(t, Options{TypingTTL: time.Minute})

	typing := func(conversationID, userID string) Frame {
		return Frame{
			Version: ProtocolVersion,
			Kind:    KindTyping,
			Typing:  &TypingPayload{ConversationID: conversationID, UserID: userID},
		}
	}
	channel.deliver(typing("c1", "me"))       // self
	channel.deliver(typing("c1", "stranger")) // not a participant
	channel.deliver(typing("c9", "host"))     // other conversation
	channel.deliver(typing("c1", "host"))

	users := controller.Typing()
	if len(users) != 1 || users[0] != "host" {
		t.Fatalf("typing set = %v, want [host]", users)
	}

	stop := typing("c1", "host")
	stop.Kind = KindStopTyping
	channel.deliver(stop)
	if len(controller.Typing()) != 0 {
		t.Error("stop frame should clear the indicator")
	}
}

func TestController_ReadReceiptsIdempotent(t *testing.T) {
	controller, channel, _ := newReadyController(t, Options{})
	channel.deliver(Frame{
		Version: ProtocolVersion,
		Kind:    KindMessage,
		Message: &MessagePayload{Message: Message{
			ID:             "m1",
			ConversationID: "c1",
			SenderID:       "me",
			Text:           "checkin tomorrow",
			CreatedAt:      time.Now().UTC(),
		}},
	})

	read := Frame{
		Version: ProtocolVersion,
		Kind:    KindMessagesRead,
		Read: &ReadPayload{
			ConversationID: "c1",
			UserID:         "host",
			MessageIDs:     []string{"m1"},
			ReadAt:         time.Now().UTC(),
		},
	}
	channel.deliver(read)
	channel.deliver(read)

	days := controller.Days()
	if len(days) != 1 {
		t.Fatal("message missing")
	}
	if got := len(days[0].Messages[0].Receipts); got != 1 {
		t.Errorf("receipts = %d, want 1", got)
	}
}

func TestController_MarkReadSkipsAlreadyRead(t *testing.T) {
	controller, channel, _ := newReadyController(t, Options{})
	now := time.Now().UTC()
	channel.deliver(Frame{
		Version: ProtocolVersion,
		Kind:    KindMessage,
		Message: &MessagePayload{Message: Message{
			ID: "m1", ConversationID: "c1", SenderID: "host", Text: "hi", CreatedAt: now,
			Receipts: []ReadReceipt{{UserID: "me", ReadAt: now}},
		}},
	})
	channel.deliver(Frame{
		Version: ProtocolVersion,
		Kind:    KindMessage,
		Message: &MessagePayload{Message: Message{
			ID: "m2", ConversationID: "c1", SenderID: "host", Text: "there", CreatedAt: now,
		}},
	})

	if err := controller.MarkRead([]string{"m1", "m2", "ghost"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	frames := channel.sent(KindMarkRead)
	if len(frames) != 1 {
		t.Fatalf("expected 1 mark_read frame, got %d", len(frames))
	}
	ids := frames[0].MarkRead.MessageIDs
	if len(ids) != 1 || ids[0] != "m2" {
		t.Errorf("mark_read ids = %v, want [m2]", ids)
	}

	// everything already read: no frame at all
	if err := controller.MarkRead([]string{"m1"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(channel.sent(KindMarkRead)) != 1 {
		t.Error("fully-read batch should not emit")
	}
}

func TestController_RedactsInboundContacts(t *testing.T) {
	controller, channel, _ := newReadyController(t, Options{RedactContacts: true})
	channel.deliver(Frame{
		Version: ProtocolVersion,
		Kind:    KindMessage,
		Message: &MessagePayload{Message: Message{
			ID: "m1", ConversationID: "c1", SenderID: "host",
			Text:      "reach me at host@example.com",
			CreatedAt: time.Now().UTC(),
		}},
	})

	text := controller.Days()[0].Messages[0].Text
	if containsStr(text, "host@example.com") {
		t.Errorf("inbound text not redacted: %s", text)
	}
}

func TestController_BookingActionCallback(t *testing.T) {
	actions := make(chan BookingCard, 1)
	_, channel, _ := newReadyController(t, Options{
		OnBookingAction: func(card BookingCard) { actions <- card },
	})

	channel.deliver(Frame{
		Version: ProtocolVersion,
		Kind:    KindMessage,
		Message: &MessagePayload{Message: Message{
			ID: "m1", ConversationID: "c1", SenderID: "system", System: true,
			Text:      "Booking confirmed",
			CreatedAt: time.Now().UTC(),
			Booking:   &BookingCard{BookingID: "b1", Title: "Sea cabin", Action: ActionBookingConfirmed},
		}},
	})

	select {
	case card := <-actions:
		if card.BookingID != "b1" || card.Action != ActionBookingConfirmed {
			t.Errorf("unexpected card: %+v", card)
		}
	default:
		t.Fatal("booking action callback never fired")
	}
}

func TestController_ReservationRefresh(t *testing.T) {
	controller, channel, source := newReadyController(t, Options{})
	source.mu.Lock()
	source.booking = &BookingContext{BookingID: "b1", Status: "confirmed"}
	source.mu.Unlock()

	channel.deliver(Frame{
		Version:     ProtocolVersion,
		Kind:        KindReservationUpdate,
		Reservation: &ReservationPayload{ConversationID: "c1", BookingID: "b1", Status: "confirmed"},
	})

	deadline := time.After(time.Second)
	for {
		if booking := controller.Conversation().LastBooking; booking != nil {
			if booking.BookingID != "b1" {
				t.Errorf("booking id = %s", booking.BookingID)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("booking context never refreshed")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestController_CloseRemovesHandlers(t *testing.T) {
	channel := newFakeChannel()
	source := newFakeSource()
	controller, err := NewController("me", channel, source, Options{})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if err := controller.Load(context.Background(), "c1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	controller.Close()

	if channel.handlerCount() != 0 {
		t.Fatalf("%d handlers still registered after close", channel.handlerCount())
	}
	leaves := 0
	for _, fr := range channel.sent(KindJoinConversation) {
		if fr.Join.Leave {
			leaves++
		}
	}
	if leaves != 1 {
		t.Errorf("expected 1 leave frame, got %d", leaves)
	}

	// delivery after close must not mutate retained state
	channel.deliver(Frame{
		Version: ProtocolVersion,
		Kind:    KindMessage,
		Message: &MessagePayload{Message: Message{
			ID: "late", ConversationID: "c1", SenderID: "host", Text: "too late",
			CreatedAt: time.Now().UTC(),
		}},
	})
	if len(controller.Days()) != 0 {
		t.Error("post-close event mutated the timeline")
	}
	if err := controller.Send("hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close = %v, want ErrClosed", err)
	}
}
