package whiz

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DuplicateWindow is how close two unconfirmed messages with the same author
// and content must be in time to be treated as one.
const DuplicateWindow = 5 * time.Second

// cacheOpTimeout bounds a single cache read or write made by the engine.
const cacheOpTimeout = 2 * time.Second

// HistoryFetcher loads the authoritative message history of a room.
type HistoryFetcher interface {
	FetchRoomHistory(ctx context.Context, room string) ([]Message, error)
}

// isDuplicate reports whether a and b describe the same utterance. With two
// server ids only the ids are compared. Otherwise author, content and a
// timestamp inside DuplicateWindow decide, so a user repeating the exact same
// text within the window is collapsed into one entry.
func isDuplicate(a, b Message) bool {
	if a.Confirmed() && b.Confirmed() {
		return a.ID == b.ID
	}
	if a.Username != b.Username || a.Content != b.Content {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d < DuplicateWindow
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineMetrics records ingest outcomes and history loads.
func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine owns the ordered message sequence of one room for one local user.
// Every mutation runs to completion under the engine lock and is written
// through to the cache before the lock is released.
type Engine struct {
	room     string
	username string
	cache    RoomCache
	history  HistoryFetcher
	logger   zerolog.Logger
	metrics  *Metrics
	now      func() time.Time

	mu      sync.Mutex
	seq     []Message
	loadSeq uint64
	closed  bool
}

// NewEngine creates an engine for room. cache and history may be nil.
func NewEngine(room, username string, cache RoomCache, history HistoryFetcher, opts ...EngineOption) *Engine {
	e := &Engine{
		room:     room,
		username: username,
		cache:    cache,
		history:  history,
		logger:   zerolog.Nop(),
		now:      time.Now,
		seq:      []Message{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "engine").Str("room", room).Logger()
	return e
}

// Room returns the room the engine is bound to.
func (e *Engine) Room() string { return e.room }

// Messages returns a copy of the current sequence.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMessages(e.seq)
}

// PrimeFromCache replaces the sequence with the cached copy of the room, if
// any, and returns it. A miss or cache error yields an empty sequence.
func (e *Engine) PrimeFromCache() []Message {
	var cached []Message
	if e.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
		msgs, err := e.cache.Get(ctx, e.room)
		cancel()
		if err != nil {
			e.logger.Warn().Err(err).Msg("cache read failed")
		} else {
			cached = msgs
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return []Message{}
	}
	e.seq = cloneMessages(cached)
	return cloneMessages(e.seq)
}

// LoadHistory fetches the room history and replaces the sequence with it.
// If a newer LoadHistory started meanwhile, or the engine was closed, the
// response is discarded and ErrStaleHistory returned. On fetch failure the
// sequence is emptied, the room's cache entry removed and a
// *HistoryFetchError returned.
func (e *Engine) LoadHistory(ctx context.Context) ([]Message, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrStaleHistory
	}
	e.loadSeq++
	ticket := e.loadSeq
	e.mu.Unlock()

	var (
		msgs []Message
		err  error
	)
	if e.history == nil {
		msgs = []Message{}
	} else {
		msgs, err = e.history.FetchRoomHistory(ctx, e.room)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || ticket != e.loadSeq {
		e.metrics.historyLoaded("stale")
		e.logger.Debug().Uint64("ticket", ticket).Msg("discarding superseded history response")
		return nil, ErrStaleHistory
	}

	if err != nil {
		e.metrics.historyLoaded("error")
		e.logger.Error().Err(err).Msg("history fetch failed")
		e.seq = []Message{}
		e.deleteCachedLocked()
		return nil, &HistoryFetchError{Room: e.room, Err: err}
	}

	seq := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.LocalID == "" {
			m.LocalID = newLocalID()
		}
		if m.RoomID == "" {
			m.RoomID = e.room
		}
		m.Pending = false
		seq = append(seq, m)
	}
	e.seq = seq
	e.persistLocked()
	e.metrics.historyLoaded("ok")
	e.logger.Info().Int("count", len(seq)).Msg("history loaded")
	return cloneMessages(e.seq), nil
}

// AppendOptimistic adds a pending message authored locally and returns it.
func (e *Engine) AppendOptimistic(content, author string, replyTo *int64) Message {
	m := Message{
		LocalID:   newLocalID(),
		RoomID:    e.room,
		Username:  author,
		Content:   content,
		CreatedAt: e.now(),
		ParentID:  cloneID(replyTo),
		Pending:   true,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return m
	}
	e.seq = append(e.seq, m)
	e.persistLocked()
	e.metrics.optimisticAppended()
	return m
}

// Ingest reconciles an inbound frame with the sequence. An echo of one of the
// local user's pending messages replaces it in place, keeping its LocalID.
// Duplicates are discarded. Anything else is appended.
func (e *Engine) Ingest(raw RawPushMessage) IngestResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return IngestResult{}
	}

	incoming := raw.toMessage(e.room, e.now())

	if incoming.Username == e.username && !e.hasServerIDLocked(incoming.ID) {
		if i := e.pendingMatchLocked(incoming); i >= 0 {
			replaced := e.seq[i].LocalID
			incoming.LocalID = replaced
			incoming.Pending = false
			e.seq[i] = incoming
			e.persistLocked()
			e.metrics.ingested("replaced")
			e.logger.Debug().Int64("id", incoming.ID).Str("local_id", replaced).Msg("confirmed optimistic message")
			return IngestResult{Accepted: true, ReplacedLocalID: replaced}
		}
	}

	for _, m := range e.seq {
		if isDuplicate(m, incoming) {
			e.metrics.ingested("duplicate")
			e.logger.Debug().Int64("id", incoming.ID).Msg("duplicate discarded")
			return IngestResult{}
		}
	}

	e.seq = append(e.seq, incoming)
	e.persistLocked()
	e.metrics.ingested("appended")
	return IngestResult{Accepted: true}
}

// Close marks the engine discarded. Later loads, appends and ingests are
// ignored.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

func (e *Engine) pendingMatchLocked(in Message) int {
	for i, m := range e.seq {
		if m.Pending && m.Username == in.Username && m.Content == in.Content {
			return i
		}
	}
	return -1
}

func (e *Engine) hasServerIDLocked(id int64) bool {
	if id <= 0 {
		return false
	}
	for _, m := range e.seq {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (e *Engine) persistLocked() {
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	if err := e.cache.Put(ctx, e.room, e.seq); err != nil {
		e.logger.Warn().Err(err).Msg("cache write failed")
	}
}

func (e *Engine) deleteCachedLocked() {
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	if err := e.cache.Delete(ctx, e.room); err != nil {
		e.logger.Warn().Err(err).Msg("cache delete failed")
	}
}

// latestConfirmedID returns the largest server id in msgs, or 0.
func latestConfirmedID(msgs []Message) int64 {
	var latest int64
	for _, m := range msgs {
		if m.Confirmed() && m.ID > latest {
			latest = m.ID
		}
	}
	return latest
}
