package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"staysync/internal/chat"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []chat.Frame
}

func (s *recordingSink) HandleFrame(_ context.Context, frame chat.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T, sink FrameSink) (*Hub, string) {
	t.Helper()
	hub := NewHub(sink, discardLogger())
	server := httptest.NewServer(http.HandlerFunc(hub.HandleUpgrade))
	t.Cleanup(func() {
		hub.CloseAll()
		server.Close()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialClient(t *testing.T, baseURL, userID string) *Conn {
	t.Helper()
	conn, err := Dial(baseURL+"/?user_id="+userID, discardLogger())
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func joinRoom(t *testing.T, conn *Conn, userID, conversationID string) {
	t.Helper()
	err := conn.Emit(chat.Frame{
		Version: chat.ProtocolVersion,
		Kind:    chat.KindJoinConversation,
		Join:    &chat.JoinPayload{ConversationID: conversationID, UserID: userID},
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
}

func collectKind(conn *Conn, kind chat.EventKind) <-chan chat.Frame {
	received := make(chan chat.Frame, 16)
	conn.On(kind, func(f chat.Frame) { received <- f })
	return received
}

func messageFrame(conversationID, text string) chat.Frame {
	return chat.Frame{
		Version: chat.ProtocolVersion,
		Kind:    chat.KindMessage,
		Message: &chat.MessagePayload{Message: chat.Message{
			ID:             "m1",
			ConversationID: conversationID,
			SenderID:       "host",
			Text:           text,
			CreatedAt:      time.Now().UTC(),
		}},
	}
}

// awaitBroadcast retries the broadcast until the member receives it; room
// joins are processed asynchronously by the hub's read loop.
func awaitBroadcast(t *testing.T, hub *Hub, conversationID string, exclude string, received <-chan chat.Frame) chat.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		hub.Broadcast(conversationID, messageFrame(conversationID, "hello"), exclude)
		select {
		case frame := <-received:
			return frame
		case <-deadline:
			t.Fatal("broadcast never delivered")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestHub_RoomBroadcast(t *testing.T) {
	hub, url := startHub(t, &recordingSink{})

	member := dialClient(t, url, "guest")
	outsider := dialClient(t, url, "stranger")
	memberFrames := collectKind(member, chat.KindMessage)
	outsiderFrames := collectKind(outsider, chat.KindMessage)

	joinRoom(t, member, "guest", "c1")
	frame := awaitBroadcast(t, hub, "c1", "", memberFrames)
	if frame.Message.Message.ConversationID != "c1" {
		t.Errorf("unexpected frame: %+v", frame)
	}

	select {
	case <-outsiderFrames:
		t.Error("client outside the room received the broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_AdminReceivesEverything(t *testing.T) {
	hub, url := startHub(t, &recordingSink{})

	admin := dialClient(t, url, "admin")
	adminFrames := collectKind(admin, chat.KindMessage)
	if err := admin.Emit(chat.Frame{
		Version: chat.ProtocolVersion,
		Kind:    chat.KindJoinAdmin,
		Join:    &chat.JoinPayload{UserID: "admin", AsAdmin: true},
	}); err != nil {
		t.Fatalf("join admin: %v", err)
	}

	awaitBroadcast(t, hub, "c-any", "", adminFrames)
}

func TestHub_BroadcastExcludesUser(t *testing.T) {
	hub, url := startHub(t, &recordingSink{})

	guest := dialClient(t, url, "guest")
	host := dialClient(t, url, "host")
	guestFrames := collectKind(guest, chat.KindMessage)
	hostFrames := collectKind(host, chat.KindMessage)

	joinRoom(t, guest, "guest", "c1")
	joinRoom(t, host, "host", "c1")

	awaitBroadcast(t, hub, "c1", "guest", hostFrames)
	select {
	case <-guestFrames:
		t.Error("excluded user received the broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ForwardsFramesToSink(t *testing.T) {
	sink := &recordingSink{}
	_, url := startHub(t, sink)

	client := dialClient(t, url, "guest")
	err := client.Emit(chat.Frame{
		Version: chat.ProtocolVersion,
		Kind:    chat.KindSendMessage,
		Send:    &chat.SendPayload{ConversationID: "c1", SenderID: "guest", Text: "hi"},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("sink never received the frame")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.frames[0].Kind != chat.KindSendMessage {
		t.Errorf("sink frame kind = %s", sink.frames[0].Kind)
	}
}

func TestHub_UpgradeRequiresUserID(t *testing.T) {
	_, url := startHub(t, &recordingSink{})
	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws") + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestShared_RefCounting(t *testing.T) {
	_, url := startHub(t, &recordingSink{})
	shared := NewShared(url+"/?user_id=guest", discardLogger())

	first, err := shared.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := shared.Acquire()
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if first != second {
		t.Fatal("holders should share one connection")
	}
	if shared.Refs() != 2 {
		t.Fatalf("refs = %d, want 2", shared.Refs())
	}

	shared.Release()
	select {
	case <-first.Done():
		t.Fatal("connection closed while a holder remained")
	default:
	}

	shared.Release()
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed after last release")
	}
	if shared.Refs() != 0 {
		t.Errorf("refs = %d, want 0", shared.Refs())
	}

	// next acquire dials fresh
	third, err := shared.Acquire()
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if third == first {
		t.Error("expected a new connection after full release")
	}
	shared.Release()
}
