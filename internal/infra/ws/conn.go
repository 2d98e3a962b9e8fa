package ws

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"staysync/internal/chat"
)

// Conn is the consumer side of the event channel: one WebSocket connection
// dispatching inbound frames to registered handlers. It implements
// chat.Channel.
type Conn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[chat.EventKind][]namedHandler
	seq      int
	closed   bool
	done     chan struct{}
}

type namedHandler struct {
	id string
	fn chat.Handler
}

// Dial connects to the gateway and starts the read loop.
func Dial(url string, logger *slog.Logger) (*Conn, error) {
	socket, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", url, err)
	}
	c := &Conn{
		conn:     socket,
		logger:   logger,
		handlers: make(map[chat.EventKind][]namedHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Emit writes a frame to the gateway. Emissions are fire-and-forget: no
// acknowledgement is awaited.
func (c *Conn) Emit(frame chat.Frame) error {
	data, err := chat.EncodeFrame(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// On registers a handler for the frame kind and returns its id.
func (c *Conn) On(kind chat.EventKind, h chat.Handler) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := fmt.Sprintf("%s-%d", kind, c.seq)
	c.handlers[kind] = append(c.handlers[kind], namedHandler{id: id, fn: h})
	return id
}

// Off removes a handler by id.
func (c *Conn) Off(kind chat.EventKind, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handlers := c.handlers[kind]
	for i, h := range handlers {
		if h.id == id {
			c.handlers[kind] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Close tears the connection down and stops the read loop.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed when the read loop exits, whether by Close or a transport
// failure.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed && c.logger != nil {
				c.logger.Warn("websocket read loop ended", "error", err)
			}
			return
		}
		frame, err := chat.DecodeFrame(data)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("invalid inbound frame", "error", err)
			}
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(frame chat.Frame) {
	c.mu.RLock()
	handlers := append([]namedHandler(nil), c.handlers[frame.Kind]...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h.fn(frame)
	}
}

var _ chat.Channel = (*Conn)(nil)
