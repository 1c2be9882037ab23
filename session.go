package whiz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRefreshInterval is how often Run refreshes the room list.
const DefaultRefreshInterval = 60 * time.Second

// Backend is everything the controller needs from the chat backend. *Client
// implements it.
type Backend interface {
	HistoryFetcher
	ActivityRecorder
	FetchRoomList(ctx context.Context) ([]Room, error)
	CreateRoom(ctx context.Context, name, description string) (Room, error)
}

// ============================================================================
// Events
// ============================================================================

// EventKind identifies what changed.
type EventKind string

const (
	EventMessages   EventKind = "messages"
	EventConnection EventKind = "connection"
	EventRooms      EventKind = "rooms"
	EventActiveRoom EventKind = "active_room"
	EventError      EventKind = "error"
)

// Event is delivered to OnChange listeners. Listeners should read current
// state back from the controller rather than rely on the event payload.
type Event struct {
	Kind  EventKind
	Room  string
	State ConnState
	Err   error
}

// ============================================================================
// Session
// ============================================================================

// Session is one binding of (room, user) to a live connection and a message
// sequence. It is created and torn down only by the Controller.
type Session struct {
	Room     string
	Username string

	generation uint64
	engine     *Engine
	conn       *Connection
	disposers  []func()
	cancel     context.CancelFunc
	closed     atomic.Bool
	primed     chan struct{}
}

// Messages returns a copy of the session's message sequence.
func (s *Session) Messages() []Message { return s.engine.Messages() }

// ConnectionState returns the state of the session's connection.
func (s *Session) ConnectionState() ConnState { return s.conn.State() }

func (s *Session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	for _, dispose := range s.disposers {
		dispose()
	}
	s.disposers = nil
	s.cancel()
	s.conn.Close()
	s.engine.Close()
}

// ============================================================================
// Controller
// ============================================================================

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithCache sets the room cache shared by every session. Defaults to a
// MemoryCache.
func WithCache(cache RoomCache) ControllerOption {
	return func(c *Controller) {
		if cache != nil {
			c.cache = cache
		}
	}
}

func WithControllerLogger(l zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

func WithRefreshInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.refreshEvery = d
		}
	}
}

// WithConnectionOptions applies opts to every connection the controller opens.
func WithConnectionOptions(opts ...ConnectionOption) ControllerOption {
	return func(c *Controller) { c.connOpts = append(c.connOpts, opts...) }
}

// WithUsername sets the initial local user.
func WithUsername(username string) ControllerOption {
	return func(c *Controller) { c.username = username }
}

// Controller owns the single live session. Switching room or user tears the
// current session down before the next one is built, so at most one
// connection is open at a time.
type Controller struct {
	backend      Backend
	wsBase       string
	cache        RoomCache
	base         zerolog.Logger
	logger       zerolog.Logger
	metrics      *Metrics
	refreshEvery time.Duration
	connOpts     []ConnectionOption
	tracker      *ActivityTracker
	listeners    listenerSet[func(Event)]
	loads        sync.WaitGroup

	mu         sync.Mutex
	username   string
	rooms      []Room
	active     string
	session    *Session
	generation uint64
	closed     bool

	refreshSeq     uint64
	refreshApplied uint64
}

// NewController creates a controller. wsBase is the WebSocket origin, for
// example Client.WebSocketURL().
func NewController(backend Backend, wsBase string, opts ...ControllerOption) *Controller {
	c := &Controller{
		backend:      backend,
		wsBase:       wsBase,
		cache:        NewMemoryCache(),
		logger:       zerolog.Nop(),
		refreshEvery: DefaultRefreshInterval,
		rooms:        []Room{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.base = c.logger
	c.logger = c.base.With().Str("component", "controller").Logger()
	c.tracker = NewActivityTracker(backend, c.base)
	return c
}

// OnChange registers fn for every state change. Events are delivered
// synchronously on the goroutine that caused them.
func (c *Controller) OnChange(fn func(Event)) (dispose func()) {
	return c.listeners.add(fn)
}

func (c *Controller) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	fns := c.listeners.snapshot()
	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// Username returns the local user.
func (c *Controller) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Rooms returns the last fetched room list.
func (c *Controller) Rooms() []Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Room(nil), c.rooms...)
}

// ActiveRoom returns the active room, if any.
func (c *Controller) ActiveRoom() (Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == "" {
		return Room{}, false
	}
	if r, ok := findRoom(c.rooms, c.active); ok {
		return r, true
	}
	return Room{Name: c.active}, true
}

// CurrentSession returns the live session, or nil.
func (c *Controller) CurrentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Messages returns the active room's message sequence.
func (c *Controller) Messages() []Message {
	s := c.CurrentSession()
	if s == nil {
		return []Message{}
	}
	return s.Messages()
}

// ConnectionState returns the state of the active room's connection.
func (c *Controller) ConnectionState() ConnState {
	s := c.CurrentSession()
	if s == nil {
		return ConnDisconnected
	}
	return s.ConnectionState()
}

// SwitchRoom makes name the active room. Switching to the room that is
// already active is a no-op. Once a room list has been fetched, name must be
// part of it.
func (c *Controller) SwitchRoom(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("switch room: %w", ErrRoomNotFound)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if len(c.rooms) > 0 {
		if _, ok := findRoom(c.rooms, name); !ok {
			c.mu.Unlock()
			return fmt.Errorf("switch room %q: %w", name, ErrRoomNotFound)
		}
	}
	if c.active == name && c.session != nil {
		c.mu.Unlock()
		return nil
	}
	events, start := c.activateLocked(name)
	c.mu.Unlock()

	c.emit(append(events, start()...)...)
	return nil
}

// SetUser changes the local user and rebuilds the active session under the
// new identity.
func (c *Controller) SetUser(username string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.username == username {
		c.mu.Unlock()
		return nil
	}
	c.username = username
	if c.active == "" {
		c.mu.Unlock()
		return nil
	}
	events, start := c.activateLocked(c.active)
	c.mu.Unlock()

	c.emit(append(events, start()...)...)
	return nil
}

// RefreshRooms fetches the room list. The active room is kept when a room of
// the same name is still listed; otherwise the first room becomes active, or
// none when the list is empty. On error the current state is left untouched.
// A list that arrives after the list of a later refresh is dropped.
func (c *Controller) RefreshRooms(ctx context.Context) error {
	c.mu.Lock()
	c.refreshSeq++
	ticket := c.refreshSeq
	c.mu.Unlock()

	rooms, err := c.backend.FetchRoomList(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("room refresh failed")
		return fmt.Errorf("refresh rooms: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if ticket < c.refreshApplied {
		c.mu.Unlock()
		c.logger.Debug().Uint64("ticket", ticket).Msg("out of order room list dropped")
		return nil
	}
	c.refreshApplied = ticket
	c.rooms = append([]Room(nil), rooms...)
	events := []Event{{Kind: EventRooms}}

	next := ""
	if _, ok := findRoom(rooms, c.active); ok && c.active != "" {
		next = c.active
	} else if len(rooms) > 0 {
		next = rooms[0].Name
	}
	start := noStart
	if next != c.active || (next != "" && c.session == nil) {
		c.logger.Info().Str("from", c.active).Str("to", next).Msg("active room changed by refresh")
		var activated []Event
		activated, start = c.activateLocked(next)
		events = append(events, activated...)
	}
	c.mu.Unlock()

	c.emit(append(events, start()...)...)
	return nil
}

// CreateRoomAndActivate creates a room, refreshes the list and switches to
// it. If the refresh fails or does not list the new room yet, the room is
// added to the local list.
func (c *Controller) CreateRoomAndActivate(ctx context.Context, name, description string) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Room{}, errors.New("create room: empty name")
	}
	room, err := c.backend.CreateRoom(ctx, name, description)
	if err != nil {
		return Room{}, err
	}
	if room.Name == "" {
		room.Name = name
	}

	if err := c.RefreshRooms(ctx); err != nil {
		c.logger.Warn().Err(err).Str("room", room.Name).Msg("adding created room locally")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return room, ErrClosed
	}
	events := []Event{}
	if _, ok := findRoom(c.rooms, room.Name); !ok {
		c.rooms = append(c.rooms, room)
		events = append(events, Event{Kind: EventRooms})
	}
	start := noStart
	if c.active != room.Name || c.session == nil {
		var activated []Event
		activated, start = c.activateLocked(room.Name)
		events = append(events, activated...)
	}
	c.mu.Unlock()

	c.emit(append(events, start()...)...)
	return room, nil
}

// SendMessage appends content optimistically and sends it on the live
// connection. A send rejected because the connection is down is logged and
// not returned; the optimistic entry stays in the sequence.
func (c *Controller) SendMessage(ctx context.Context, content string, parentID *int64) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}

	s := c.CurrentSession()
	if s == nil {
		return Message{}, ErrNoActiveRoom
	}
	// The cached copy replaces the sequence, so wait for it first.
	select {
	case <-s.primed:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}

	msg := s.engine.AppendOptimistic(content, s.Username, parentID)
	c.emit(Event{Kind: EventMessages, Room: s.Room})

	err := s.conn.Send(ctx, OutboundFrame{
		Content:   content,
		Username:  s.Username,
		RoomID:    s.Room,
		Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		ParentID:  cloneID(parentID),
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrSendRejected):
		c.logger.Warn().Str("room", s.Room).Str("local_id", msg.LocalID).Msg("message kept locally; connection not open")
	default:
		return msg, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// Run refreshes the room list immediately and then every refresh interval
// until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.refreshEvery)
	defer ticker.Stop()

	for {
		if err := c.RefreshRooms(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			c.emit(Event{Kind: EventError, Err: err})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close tears down the active session and waits for in-flight history loads
// and activity reports.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	old := c.detachLocked()
	c.mu.Unlock()

	if old != nil {
		old.close()
	}
	c.loads.Wait()
	c.tracker.Wait()
	return nil
}

// ============================================================================
// Activation
// ============================================================================

func (c *Controller) detachLocked() *Session {
	old := c.session
	c.session = nil
	if old != nil {
		c.logger.Debug().Str("room", old.Room).Msg("tearing down session")
	}
	return old
}

func noStart() []Event { return nil }

// activateLocked makes room active and publishes a new session for it. The
// returned start func must be called once c.mu is released: it closes the
// previous session, primes the new one from the cache and dials. Its events
// follow the ones returned here.
func (c *Controller) activateLocked(room string) (events []Event, start func() []Event) {
	old := c.detachLocked()
	c.active = room
	c.generation++
	events = []Event{{Kind: EventActiveRoom, Room: room}}
	if room == "" {
		events = append(events, Event{Kind: EventMessages})
		return events, func() []Event {
			if old != nil {
				old.close()
			}
			return nil
		}
	}

	username := c.username
	log := c.logger.With().Str("room", room).Str("username", username).Logger()

	engine := NewEngine(room, username, c.cache, c.backend,
		WithEngineLogger(c.base),
		WithEngineMetrics(c.metrics),
	)
	connOpts := append([]ConnectionOption{
		WithConnectionLogger(c.base),
		WithConnectionMetrics(c.metrics),
	}, c.connOpts...)
	conn := NewConnection(c.wsBase, room, username, connOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Room:       room,
		Username:   username,
		generation: c.generation,
		engine:     engine,
		conn:       conn,
		cancel:     cancel,
		primed:     make(chan struct{}),
	}
	s.disposers = append(s.disposers,
		conn.OnMessage(func(raw RawPushMessage) { c.handleIncoming(s, raw) }),
		conn.OnOpen(func() {
			if !s.closed.Load() {
				c.emit(Event{Kind: EventConnection, Room: room, State: ConnConnected})
			}
		}),
		conn.OnClose(func(err error) {
			if !s.closed.Load() {
				c.emit(Event{Kind: EventConnection, Room: room, State: ConnDisconnected, Err: err})
			}
		}),
	)
	c.session = s
	c.loads.Add(1)
	log.Info().Uint64("generation", s.generation).Msg("session started")

	return events, func() []Event {
		if old != nil {
			old.close()
		}
		engine.PrimeFromCache()
		close(s.primed)
		go c.loadHistory(ctx, s)

		out := []Event{{Kind: EventMessages, Room: room}}
		if err := conn.Open(); err != nil {
			out = append(out, Event{Kind: EventError, Room: room, Err: err})
		}
		return out
	}
}

func (c *Controller) isCurrent(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == s && s.generation == c.generation
}

func (c *Controller) loadHistory(ctx context.Context, s *Session) {
	defer c.loads.Done()

	msgs, err := s.engine.LoadHistory(ctx)
	if errors.Is(err, ErrStaleHistory) || !c.isCurrent(s) {
		return
	}
	if err != nil {
		c.emit(Event{Kind: EventError, Room: s.Room, Err: err}, Event{Kind: EventMessages, Room: s.Room})
		return
	}
	if id := latestConfirmedID(msgs); id > 0 {
		c.tracker.MarkSeen(s.Username, s.Room, id)
	}
	c.emit(Event{Kind: EventMessages, Room: s.Room})
}

func (c *Controller) handleIncoming(s *Session, raw RawPushMessage) {
	res := s.engine.Ingest(raw)
	if !res.Accepted || s.closed.Load() {
		return
	}
	if raw.ID > 0 && raw.Username != s.Username {
		c.tracker.MarkSeen(s.Username, s.Room, raw.ID)
	}
	c.emit(Event{Kind: EventMessages, Room: s.Room})
}
