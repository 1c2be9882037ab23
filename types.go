package whiz

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned when the chat backend answers with a non-2xx status.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

func (e *APIError) Error() string {
	return "API error (" + strconv.Itoa(e.StatusCode) + "): " + e.Body
}

// ============================================================================
// Room Types
// ============================================================================

// Room is a named chat channel. Name is the stable identity; ID is whatever
// the backend assigned and is only carried for display and creation replies.
type Room struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func findRoom(rooms []Room, name string) (Room, bool) {
	for _, r := range rooms {
		if r.Name == name {
			return r, true
		}
	}
	return Room{}, false
}

// ============================================================================
// Message Types
// ============================================================================

// Message is one chat utterance in a room's ordered sequence.
type Message struct {
	ID        int64     `json:"id,omitempty"`
	LocalID   string    `json:"localId"`
	RoomID    string    `json:"roomId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	ParentID  *int64    `json:"parentId,omitempty"`
	IsSystem  bool      `json:"isSystem,omitempty"`
	Pending   bool      `json:"pending,omitempty"`
}

// Confirmed reports whether the message carries a server-assigned id.
func (m Message) Confirmed() bool {
	return m.ID > 0
}

// RawPushMessage is an inbound frame from the live connection after decoding.
// ID is zero unless the frame carried a positive numeric id.
type RawPushMessage struct {
	ID        int64
	RoomID    string
	Username  string
	Content   string
	CreatedAt time.Time
	ParentID  *int64
	IsSystem  bool
}

func (r RawPushMessage) toMessage(room string, now time.Time) Message {
	m := Message{
		ID:        r.ID,
		LocalID:   newLocalID(),
		RoomID:    r.RoomID,
		Username:  r.Username,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		ParentID:  cloneID(r.ParentID),
		IsSystem:  r.IsSystem,
	}
	if m.RoomID == "" {
		m.RoomID = room
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return m
}

// IngestResult reports what the engine did with an inbound message.
type IngestResult struct {
	Accepted        bool
	ReplacedLocalID string
}

// ============================================================================
// AI Types
// ============================================================================

// MessageContext is the AI-generated explanation of a single message.
type MessageContext struct {
	ID      int64  `json:"id"`
	Context string `json:"context"`
}

// MissedSummary summarises what a user missed in a room since their last visit.
type MissedSummary struct {
	Summary     string    `json:"summary"`
	Username    string    `json:"username"`
	ChannelName string    `json:"channelName"`
	TotalCount  int       `json:"totalCount"`
	Messages    []Message `json:"messages"`
}

// ============================================================================
// Helpers
// ============================================================================

func newLocalID() string {
	return "local-" + uuid.NewString()
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m.ParentID = cloneID(m.ParentID)
		out[i] = m
	}
	return out
}
