package whiz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// DefaultReconnectDelay is the fixed pause between a dropped connection and
// the next dial attempt.
const DefaultReconnectDelay = 3 * time.Second

// ConnState represents the connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// OutboundFrame is the wire format of a chat message sent by this client.
type OutboundFrame struct {
	Content   string `json:"content"`
	Username  string `json:"username"`
	RoomID    string `json:"roomId"`
	Timestamp string `json:"timestamp"`
	ParentID  *int64 `json:"parentId,omitempty"`
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithConnectionLogger sets the logger used for lifecycle and frame events.
func WithConnectionLogger(l zerolog.Logger) ConnectionOption {
	return func(c *Connection) { c.logger = l }
}

// WithConnectionMetrics records sends, reconnects and connection state.
func WithConnectionMetrics(m *Metrics) ConnectionOption {
	return func(c *Connection) { c.metrics = m }
}

// WithDialOptions passes options through to websocket.Dial.
func WithDialOptions(opts *websocket.DialOptions) ConnectionOption {
	return func(c *Connection) { c.dialOpts = opts }
}

// ============================================================================
// Listeners
// ============================================================================

type listener[T any] struct {
	id int
	fn T
}

// listenerSet keeps handlers in registration order. Every add returns a
// disposer that is safe to call more than once.
type listenerSet[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []listener[T]
}

func (s *listenerSet[T]) add(fn T) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, listener[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.entries {
				if e.id == id {
					s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *listenerSet[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.fn
	}
	return out
}

func (s *listenerSet[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ============================================================================
// Connection
// ============================================================================

// Connection is the live WebSocket link to one room. It redials every
// reconnect delay after a drop until Close is called. Listeners run on the
// read goroutine, one frame at a time, in registration order.
type Connection struct {
	wsBase   string
	room     string
	username string
	delay    time.Duration
	dialOpts *websocket.DialOptions
	logger   zerolog.Logger
	metrics  *Metrics

	onOpen    listenerSet[func()]
	onClose   listenerSet[func(error)]
	onMessage listenerSet[func(RawPushMessage)]

	mu     sync.Mutex
	state  ConnState
	opened bool
	closed bool
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	retry  *time.Timer
}

// NewConnection creates a connection for room on behalf of username. wsBase
// is the ws:// or wss:// origin of the chat backend. Nothing is dialed until
// Open.
func NewConnection(wsBase, room, username string, opts ...ConnectionOption) *Connection {
	c := &Connection{
		wsBase:   strings.TrimRight(wsBase, "/"),
		room:     room,
		username: username,
		delay:    DefaultReconnectDelay,
		logger:   zerolog.Nop(),
		state:    ConnDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "connection").Str("room", room).Logger()
	return c
}

// URL returns the address this connection dials.
func (c *Connection) URL() string {
	userID := c.username
	if userID == "" {
		userID = "anonymous"
	}
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("username", c.username)
	return c.wsBase + "/ws/joinRoom/" + url.PathEscape(c.room) + "?" + q.Encode()
}

// Room returns the room this connection is bound to.
func (c *Connection) Room() string { return c.room }

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnOpen registers a handler called each time the socket opens.
func (c *Connection) OnOpen(fn func()) (dispose func()) {
	return c.onOpen.add(fn)
}

// OnClose registers a handler called with the cause each time an open or
// opening socket is lost. It is not called for Close.
func (c *Connection) OnClose(fn func(err error)) (dispose func()) {
	return c.onClose.add(fn)
}

// OnMessage registers a handler for every successfully decoded inbound frame.
func (c *Connection) OnMessage(fn func(RawPushMessage)) (dispose func()) {
	return c.onMessage.add(fn)
}

func validRoom(room string) bool {
	switch strings.TrimSpace(room) {
	case "", "undefined", "null":
		return false
	}
	return true
}

// Open starts dialing in the background. Calling it again is a no-op. An
// invalid room name is logged and the connection stays disconnected.
func (c *Connection) Open() error {
	if !validRoom(c.room) {
		c.logger.Error().Msg("refusing to connect: invalid room name")
		return fmt.Errorf("open connection: invalid room %q", c.room)
	}

	c.mu.Lock()
	if c.opened || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	go c.connect()
	return nil
}

func (c *Connection) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = ConnConnecting
	ctx := c.ctx
	c.mu.Unlock()

	c.logger.Debug().Str("url", c.URL()).Msg("dialing")
	conn, _, err := websocket.Dial(ctx, c.URL(), c.dialOpts)
	if err != nil {
		c.handleDrop(nil, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return
	}
	c.conn = conn
	c.state = ConnConnected
	c.mu.Unlock()

	c.metrics.connected(true)
	c.logger.Info().Msg("connected")
	for _, fn := range c.onOpen.snapshot() {
		fn()
	}

	c.readLoop(ctx, conn)
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(conn, err)
			return
		}

		msg, err := parseFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping unparsable frame")
			continue
		}
		c.logger.Debug().Int64("id", msg.ID).Str("username", msg.Username).Msg("frame received")

		for _, fn := range c.onMessage.snapshot() {
			fn(msg)
		}
	}
}

func (c *Connection) handleDrop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.conn == conn {
		c.conn = nil
	}
	wasConnected := c.state == ConnConnected
	c.state = ConnDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "")
	}
	if wasConnected {
		c.metrics.connected(false)
	}

	err := &ConnectionError{Room: c.room, Err: cause}
	c.logger.Warn().Err(cause).Dur("retry_in", c.delay).Msg("connection lost")
	for _, fn := range c.onClose.snapshot() {
		fn(err)
	}

	c.scheduleReconnect()
}

func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.metrics.reconnectScheduled()
	c.retry = time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		closed := c.closed
		c.retry = nil
		c.mu.Unlock()
		if closed {
			return
		}
		c.connect()
	})
}

// Send writes a message frame. While the socket is not open it logs a warning
// and returns ErrSendRejected; nothing is queued. Username and roomId always
// come from the connection; an empty timestamp is set to now.
func (c *Connection) Send(ctx context.Context, frame OutboundFrame) error {
	c.mu.Lock()
	conn := c.conn
	ready := c.state == ConnConnected && conn != nil
	c.mu.Unlock()

	if !ready {
		c.logger.Warn().Msg("send rejected: not connected")
		c.metrics.sent("rejected")
		return ErrSendRejected
	}

	frame.Username = c.username
	frame.RoomID = c.room
	if frame.Timestamp == "" {
		frame.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.metrics.sent("failed")
		return fmt.Errorf("websocket write: %w", err)
	}
	c.metrics.sent("sent")
	return nil
}

// Close stops reconnecting and closes the socket. It is safe to call more
// than once and before Open.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == ConnConnected
	c.state = ConnDisconnected
	cancel := c.cancel
	c.mu.Unlock()

	if wasConnected {
		c.metrics.connected(false)
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.logger.Info().Msg("closed")
	return nil
}
