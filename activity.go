package whiz

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ActivityRecorder reports the last message a user has seen in a room.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, username, room string, messageID int64) error
}

// defaultActivityTimeout bounds one fire-and-forget report.
const defaultActivityTimeout = 10 * time.Second

// ActivityTracker sends read-activity reports in the background. Reports only
// advance: an id not greater than the last one sent for the same user and
// room is skipped. Failures are logged and never returned.
type ActivityTracker struct {
	recorder ActivityRecorder
	logger   zerolog.Logger
	timeout  time.Duration

	mu       sync.Mutex
	lastSeen map[string]int64
	wg       sync.WaitGroup
}

// NewActivityTracker creates a tracker that reports through recorder.
func NewActivityTracker(recorder ActivityRecorder, logger zerolog.Logger) *ActivityTracker {
	return &ActivityTracker{
		recorder: recorder,
		logger:   logger.With().Str("component", "activity").Logger(),
		timeout:  defaultActivityTimeout,
		lastSeen: make(map[string]int64),
	}
}

func activityKey(username, room string) string {
	return username + "\x00" + room
}

// MarkSeen records that username has seen messageID in room. It returns true
// when a report was dispatched.
func (t *ActivityTracker) MarkSeen(username, room string, messageID int64) bool {
	if t == nil || t.recorder == nil || messageID <= 0 || username == "" || room == "" {
		return false
	}

	key := activityKey(username, room)
	t.mu.Lock()
	if messageID <= t.lastSeen[key] {
		t.mu.Unlock()
		return false
	}
	t.lastSeen[key] = messageID
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		if err := t.recorder.RecordActivity(ctx, username, room, messageID); err != nil {
			t.logger.Warn().Err(err).
				Str("username", username).
				Str("room", room).
				Int64("message_id", messageID).
				Msg("record activity failed")
			return
		}
		t.logger.Debug().Str("room", room).Int64("message_id", messageID).Msg("activity recorded")
	}()
	return true
}

// LastSeen returns the last id reported for username in room, or 0.
func (t *ActivityTracker) LastSeen(username, room string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen[activityKey(username, room)]
}

// Wait blocks until every dispatched report has finished.
func (t *ActivityTracker) Wait() {
	t.wg.Wait()
}
