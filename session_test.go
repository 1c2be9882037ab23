package whiz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Test Helpers
// ============================================================================

type activityCall struct {
	user string
	room string
	id   int64
}

// fakeBackend serves scripted replies. History replies are queued per room;
// a reply with a gate blocks until the gate closes or the request is
// cancelled.
type fakeBackend struct {
	mu           sync.Mutex
	rooms        []Room
	roomsErr     error
	roomCalls    int
	roomsGate    chan struct{}
	history      map[string][]historyReply
	historyCalls []string
	created      Room
	createErr    error
	activity     []activityCall
}

func newFakeBackend(rooms ...Room) *fakeBackend {
	return &fakeBackend{rooms: rooms, history: make(map[string][]historyReply)}
}

func (b *fakeBackend) queueHistory(room string, r historyReply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[room] = append(b.history[room], r)
}

func (b *fakeBackend) setRooms(rooms []Room, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms = rooms
	b.roomsErr = err
}

func (b *fakeBackend) FetchRoomHistory(ctx context.Context, room string) ([]Message, error) {
	b.mu.Lock()
	b.historyCalls = append(b.historyCalls, room)
	var r historyReply
	if q := b.history[room]; len(q) > 0 {
		r = q[0]
		b.history[room] = q[1:]
	}
	b.mu.Unlock()

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.msgs, r.err
}

// FetchRoomList answers with the rooms set at call time. When roomsGate is
// set, that one call blocks until the gate closes.
func (b *fakeBackend) FetchRoomList(ctx context.Context) ([]Room, error) {
	b.mu.Lock()
	b.roomCalls++
	rooms, err := append([]Room(nil), b.rooms...), b.roomsErr
	gate := b.roomsGate
	b.roomsGate = nil
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (b *fakeBackend) roomCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roomCalls
}

// gatedCache blocks every Get until release is closed.
type gatedCache struct {
	*MemoryCache
	entered chan struct{}
	release chan struct{}
}

func newGatedCache() *gatedCache {
	return &gatedCache{MemoryCache: NewMemoryCache(), entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedCache) Get(ctx context.Context, room string) ([]Message, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.MemoryCache.Get(ctx, room)
}

func (b *fakeBackend) CreateRoom(ctx context.Context, name, description string) (Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return Room{}, b.createErr
	}
	return b.created, nil
}

func (b *fakeBackend) RecordActivity(ctx context.Context, username, room string, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activity = append(b.activity, activityCall{user: username, room: room, id: id})
	return nil
}

func (b *fakeBackend) historyCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.historyCalls)
}

func (b *fakeBackend) activityCalls() []activityCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]activityCall(nil), b.activity...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, ev := range l.events {
		if ev.Kind == EventError {
			errs = append(errs, ev.Err)
		}
	}
	return errs
}

func newTestController(t *testing.T, b Backend, wsBase string, opts ...ControllerOption) (*Controller, *eventLog) {
	t.Helper()
	opts = append([]ControllerOption{
		WithUsername("alice"),
		WithConnectionOptions(WithReconnectDelay(20 * time.Millisecond)),
	}, opts...)
	c := NewController(b, wsBase, opts...)
	t.Cleanup(func() { c.Close() })

	log := &eventLog{}
	c.OnChange(log.record)
	return c, log
}

const deadWS = "ws://127.0.0.1:1"

func waitConnected(t *testing.T, c *Controller, s *chatServer) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.ConnectionState() == ConnConnected && s.connCount() > 0
	}, 2*time.Second, 5*time.Millisecond)
}

// ============================================================================
// Activation
// ============================================================================

func TestControllerPrimesFromCacheThenLoadsHistory(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryCache()
	cached := []Message{serverMsg(1, "bob", "from cache", at)}
	require.NoError(t, cache.Put(ctx, "general", cached))

	fetched := []Message{serverMsg(2, "eve", "fresh", at), serverMsg(3, "bob", "fresher", at)}
	gate := make(chan struct{})
	b := newFakeBackend()
	b.queueHistory("general", historyReply{msgs: fetched, gate: gate})

	c, _ := newTestController(t, b, deadWS, WithCache(cache))
	require.NoError(t, c.SwitchRoom("general"))

	assert.Equal(t, cached, c.Messages())

	close(gate)
	require.Eventually(t, func() bool { return len(c.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, fetched, c.Messages())

	room, ok := c.ActiveRoom()
	require.True(t, ok)
	assert.Equal(t, "general", room.Name)
}

func TestControllerStaleHistoryAcrossSwitches(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oldA := make(chan struct{})
	defer close(oldA)

	b := newFakeBackend()
	b.queueHistory("a", historyReply{msgs: []Message{serverMsg(1, "bob", "old A", at)}, gate: oldA})
	b.queueHistory("b", historyReply{msgs: []Message{serverMsg(2, "bob", "B", at)}})
	b.queueHistory("a", historyReply{msgs: []Message{serverMsg(3, "bob", "new A", at)}})

	c, _ := newTestController(t, b, deadWS)

	require.NoError(t, c.SwitchRoom("a"))
	require.Eventually(t, func() bool { return b.historyCallCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.SwitchRoom("b"))
	require.NoError(t, c.SwitchRoom("a"))

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].ID == 3
	}, time.Second, 5*time.Millisecond)

	assert.Never(t, func() bool {
		msgs := c.Messages()
		return len(msgs) != 1 || msgs[0].ID != 3
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestControllerHistoryFailureShowsEmptyAndReportsError(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	require.NoError(t, cache.Put(ctx, "general", []Message{serverMsg(1, "bob", "stale", time.Now())}))

	b := newFakeBackend()
	b.queueHistory("general", historyReply{err: errors.New("502 bad gateway")})

	c, log := newTestController(t, b, deadWS, WithCache(cache))
	require.NoError(t, c.SwitchRoom("general"))

	require.Eventually(t, func() bool { return len(log.errors()) > 0 }, time.Second, 5*time.Millisecond)
	var hfe *HistoryFetchError
	require.ErrorAs(t, log.errors()[0], &hfe)
	assert.Equal(t, "general", hfe.Room)
	assert.Empty(t, c.Messages())

	got, err := cache.Get(ctx, "general")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestControllerReadersNotBlockedWhilePriming(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := newGatedCache()
	require.NoError(t, cache.Put(ctx, "general", []Message{serverMsg(1, "bob", "from cache", at)}))

	b := newFakeBackend()
	b.queueHistory("general", historyReply{gate: make(chan struct{})})
	c, _ := newTestController(t, b, deadWS, WithCache(cache))

	switched := make(chan error, 1)
	go func() { switched <- c.SwitchRoom("general") }()
	waitSignal(t, cache.entered)

	read := make(chan struct{})
	go func() {
		c.ActiveRoom()
		c.Rooms()
		c.Messages()
		c.ConnectionState()
		close(read)
	}()
	waitSignal(t, read)

	sent := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(ctx, "hi", nil)
		sent <- err
	}()
	assert.Never(t, func() bool { return len(sent) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(cache.release)
	require.NoError(t, <-switched)
	require.NoError(t, <-sent)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "from cache", msgs[0].Content)
	assert.Equal(t, "hi", msgs[1].Content)
	assert.True(t, msgs[1].Pending)
}

func TestControllerSwitchToSameRoomKeepsSession(t *testing.T) {
	c, _ := newTestController(t, newFakeBackend(), deadWS)
	require.NoError(t, c.SwitchRoom("general"))
	s := c.CurrentSession()

	require.NoError(t, c.SwitchRoom("general"))
	assert.Same(t, s, c.CurrentSession())
}

func TestControllerSwitchToUnknownRoom(t *testing.T) {
	b := newFakeBackend(Room{ID: 1, Name: "general"})
	c, _ := newTestController(t, b, deadWS)
	require.NoError(t, c.RefreshRooms(context.Background()))

	assert.ErrorIs(t, c.SwitchRoom("ghost"), ErrRoomNotFound)
	assert.ErrorIs(t, c.SwitchRoom(" "), ErrRoomNotFound)
	room, _ := c.ActiveRoom()
	assert.Equal(t, "general", room.Name)
}

func TestControllerSetUserRebuildsSession(t *testing.T) {
	s := newChatServer(t)
	c, _ := newTestController(t, newFakeBackend(), s.wsURL())
	require.NoError(t, c.SwitchRoom("general"))
	waitConnected(t, c, s)
	first := c.CurrentSession()

	require.NoError(t, c.SetUser("bob"))
	assert.Equal(t, "bob", c.Username())
	second := c.CurrentSession()
	require.NotSame(t, first, second)
	assert.Equal(t, "bob", second.Username)
	assert.Equal(t, "general", second.Room)
	assert.Equal(t, ConnDisconnected, first.ConnectionState())

	require.Eventually(t, func() bool { return s.connCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	s.mu.Lock()
	assert.Equal(t, "/ws/joinRoom/general?userId=bob&username=bob", s.paths[1])
	s.mu.Unlock()

	require.NoError(t, c.SetUser("bob"))
	assert.Same(t, second, c.CurrentSession())
}

// ============================================================================
// Sending and receiving
// ============================================================================

func TestControllerSendEchoReplacesOptimisticEntry(t *testing.T) {
	s := newChatServer(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newFakeBackend()
	b.queueHistory("general", historyReply{msgs: []Message{serverMsg(1, "bob", "earlier", at)}})

	c, log := newTestController(t, b, s.wsURL())
	require.NoError(t, c.SwitchRoom("general"))
	waitConnected(t, c, s)
	require.Eventually(t, func() bool { return log.count(EventMessages) >= 2 && len(c.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	n := len(c.Messages())
	msg, err := c.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)

	seq := c.Messages()
	require.Len(t, seq, n+1)
	assert.True(t, seq[n].Pending)
	assert.Equal(t, msg.LocalID, seq[n].LocalID)

	select {
	case data := <-s.received:
		assert.Equal(t, "hello", gjson.GetBytes(data, "content").String())
		assert.Equal(t, "alice", gjson.GetBytes(data, "username").String())
	case <-time.After(2 * time.Second):
		t.Fatal("frame not sent")
	}

	s.push(t, `{"id":42,"username":"alice","content":"hello","roomId":"general"}`)

	require.Eventually(t, func() bool {
		seq := c.Messages()
		return len(seq) == n+1 && seq[n].ID == 42
	}, 2*time.Second, 5*time.Millisecond)
	seq = c.Messages()
	assert.Equal(t, msg.LocalID, seq[n].LocalID)
	assert.False(t, seq[n].Pending)
}

func TestControllerSendWhileDisconnectedKeepsOptimisticEntry(t *testing.T) {
	b := newFakeBackend()
	c, log := newTestController(t, b, deadWS)
	require.NoError(t, c.SwitchRoom("general"))
	require.Eventually(t, func() bool { return log.count(EventMessages) >= 2 }, time.Second, 5*time.Millisecond)

	msg, err := c.SendMessage(context.Background(), "offline hello", nil)
	require.NoError(t, err)
	assert.True(t, msg.Pending)

	seq := c.Messages()
	require.Len(t, seq, 1)
	assert.Equal(t, "offline hello", seq[0].Content)
}

func TestControllerSendValidation(t *testing.T) {
	c, _ := newTestController(t, newFakeBackend(), deadWS)

	_, err := c.SendMessage(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrNoActiveRoom)

	require.NoError(t, c.SwitchRoom("general"))
	_, err = c.SendMessage(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestControllerRecordsActivityForOtherUsers(t *testing.T) {
	s := newChatServer(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newFakeBackend()
	b.queueHistory("general", historyReply{msgs: []Message{
		serverMsg(9, "bob", "a", at),
		serverMsg(10, "eve", "b", at.Add(time.Second)),
		{LocalID: "x", Username: "eve", Content: "no id", CreatedAt: at.Add(2 * time.Second)},
	}})

	c, _ := newTestController(t, b, s.wsURL())
	require.NoError(t, c.SwitchRoom("general"))
	waitConnected(t, c, s)
	require.Eventually(t, func() bool { return len(b.activityCalls()) == 1 }, time.Second, 5*time.Millisecond)

	s.push(t, `{"id":"temp-1","username":"bob","content":"placeholder"}`)
	s.push(t, `{"id":51,"username":"alice","content":"mine"}`)
	s.push(t, `{"id":50,"username":"bob","content":"theirs"}`)

	require.Eventually(t, func() bool { return len(b.activityCalls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(b.activityCalls()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []activityCall{
		{user: "alice", room: "general", id: 10},
		{user: "alice", room: "general", id: 50},
	}, b.activityCalls())
}

// ============================================================================
// Room list
// ============================================================================

func TestControllerRefreshFallsBackToFirstRoom(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(Room{ID: 1, Name: "general"}, Room{ID: 2, Name: "random"})
	c, _ := newTestController(t, b, deadWS)

	require.NoError(t, c.RefreshRooms(ctx))
	room, ok := c.ActiveRoom()
	require.True(t, ok)
	assert.Equal(t, "general", room.Name)

	b.setRooms([]Room{{ID: 2, Name: "random"}, {ID: 3, Name: "design"}}, nil)
	require.NoError(t, c.RefreshRooms(ctx))
	room, ok = c.ActiveRoom()
	require.True(t, ok)
	assert.Equal(t, "random", room.Name)
	assert.Equal(t, "random", c.CurrentSession().Room)

	b.setRooms(nil, nil)
	require.NoError(t, c.RefreshRooms(ctx))
	_, ok = c.ActiveRoom()
	assert.False(t, ok)
	assert.Nil(t, c.CurrentSession())
	assert.Empty(t, c.Messages())
	assert.Equal(t, ConnDisconnected, c.ConnectionState())
}

func TestControllerRefreshMatchesByName(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(Room{ID: 1, Name: "random"}, Room{ID: 2, Name: "general"})
	c, _ := newTestController(t, b, deadWS)
	require.NoError(t, c.RefreshRooms(ctx))
	require.NoError(t, c.SwitchRoom("general"))
	s := c.CurrentSession()

	b.setRooms([]Room{{ID: 7, Name: "random"}, {ID: 99, Name: "general"}}, nil)
	require.NoError(t, c.RefreshRooms(ctx))

	assert.Same(t, s, c.CurrentSession())
	room, _ := c.ActiveRoom()
	assert.Equal(t, Room{ID: 99, Name: "general"}, room)
}

func TestControllerRefreshErrorKeepsState(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(Room{ID: 1, Name: "general"})
	c, _ := newTestController(t, b, deadWS)
	require.NoError(t, c.RefreshRooms(ctx))
	s := c.CurrentSession()

	b.setRooms(nil, errors.New("timeout"))
	assert.Error(t, c.RefreshRooms(ctx))
	assert.Same(t, s, c.CurrentSession())
	assert.Equal(t, []Room{{ID: 1, Name: "general"}}, c.Rooms())
}

func TestControllerDropsOutOfOrderRoomList(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(Room{ID: 1, Name: "general"})
	c, _ := newTestController(t, b, deadWS)
	require.NoError(t, c.RefreshRooms(ctx))

	gate := make(chan struct{})
	b.mu.Lock()
	b.roomsGate = gate
	b.mu.Unlock()
	older := make(chan error, 1)
	go func() { older <- c.RefreshRooms(ctx) }()
	require.Eventually(t, func() bool { return b.roomCallCount() == 2 }, time.Second, 5*time.Millisecond)

	b.setRooms([]Room{{ID: 1, Name: "general"}, {ID: 5, Name: "design"}}, nil)
	require.NoError(t, c.RefreshRooms(ctx))
	require.NoError(t, c.SwitchRoom("design"))
	s := c.CurrentSession()

	close(gate)
	require.NoError(t, <-older)

	assert.Len(t, c.Rooms(), 2)
	active, _ := c.ActiveRoom()
	assert.Equal(t, "design", active.Name)
	assert.Same(t, s, c.CurrentSession())
}

func TestControllerCreateRoomFallsBackToLocalInsert(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(Room{ID: 1, Name: "general"})
	c, _ := newTestController(t, b, deadWS)
	require.NoError(t, c.RefreshRooms(ctx))

	b.mu.Lock()
	b.created = Room{ID: 5, Name: "design", Description: "ui"}
	b.mu.Unlock()
	b.setRooms(nil, errors.New("list unavailable"))

	room, err := c.CreateRoomAndActivate(ctx, "design", "ui")
	require.NoError(t, err)
	assert.Equal(t, "design", room.Name)

	assert.Contains(t, c.Rooms(), Room{ID: 5, Name: "design", Description: "ui"})
	active, _ := c.ActiveRoom()
	assert.Equal(t, "design", active.Name)
}

func TestControllerCreateRoomUsesRefreshedList(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(Room{ID: 1, Name: "general"})
	c, _ := newTestController(t, b, deadWS)
	require.NoError(t, c.RefreshRooms(ctx))

	b.mu.Lock()
	b.created = Room{ID: 5, Name: "design"}
	b.mu.Unlock()
	b.setRooms([]Room{{ID: 1, Name: "general"}, {ID: 5, Name: "design"}}, nil)

	_, err := c.CreateRoomAndActivate(ctx, "design", "")
	require.NoError(t, err)
	assert.Len(t, c.Rooms(), 2)
	active, _ := c.ActiveRoom()
	assert.Equal(t, "design", active.Name)
}

func TestControllerCreateRoomError(t *testing.T) {
	b := newFakeBackend()
	b.createErr = &APIError{StatusCode: 409, Body: "exists"}
	c, _ := newTestController(t, b, deadWS)

	_, err := c.CreateRoomAndActivate(context.Background(), "general", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Nil(t, c.CurrentSession())
}

func TestControllerRunRefreshesPeriodically(t *testing.T) {
	b := newFakeBackend(Room{ID: 1, Name: "general"})
	c, _ := newTestController(t, b, deadWS, WithRefreshInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.roomCalls >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestControllerClose(t *testing.T) {
	s := newChatServer(t)
	c, _ := newTestController(t, newFakeBackend(), s.wsURL())
	require.NoError(t, c.SwitchRoom("general"))
	waitConnected(t, c, s)
	sess := c.CurrentSession()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, ConnDisconnected, sess.ConnectionState())
	assert.Equal(t, ConnDisconnected, c.ConnectionState())
	assert.ErrorIs(t, c.SwitchRoom("general"), ErrClosed)
	assert.ErrorIs(t, c.RefreshRooms(context.Background()), ErrClosed)
}
