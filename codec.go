package whiz

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Wire Decoding
// ============================================================================
//
// The backend is loose about shapes: ids may be numbers or placeholder
// strings, content may be a string or an object, and timestamps arrive under
// several keys. Decoding goes through gjson so a surprising field never fails
// the whole frame.

var errNotObject = errors.New("frame is not a JSON object")

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseFrame decodes one inbound frame from the live connection.
func parseFrame(data []byte) (RawPushMessage, error) {
	if !gjson.ValidBytes(data) {
		return RawPushMessage{}, &ParseError{Raw: data, Err: errors.New("invalid JSON")}
	}
	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return RawPushMessage{}, &ParseError{Raw: data, Err: errNotObject}
	}
	return decodeMessage(r), nil
}

func decodeMessage(r gjson.Result) RawPushMessage {
	return RawPushMessage{
		ID:        serverID(r.Get("id")),
		RoomID:    firstString(r, "roomId", "room_id", "roomName"),
		Username:  r.Get("username").String(),
		Content:   flattenContent(r.Get("content")),
		CreatedAt: decodeTime(r, "createdAt", "timestamp", "created_at"),
		ParentID:  optionalID(r, "parentId", "parent_id"),
		IsSystem:  r.Get("isSystem").Bool() || r.Get("is_system").Bool(),
	}
}

// decodeMessages decodes a history response. Entries without a roomId are
// attributed to room.
func decodeMessages(data []byte, room string, now time.Time) ([]Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("decode messages: invalid JSON")
	}
	r := gjson.ParseBytes(data)
	if r.Type == gjson.Null {
		return []Message{}, nil
	}
	if !r.IsArray() {
		return nil, errors.New("decode messages: expected array")
	}
	items := r.Array()
	out := make([]Message, 0, len(items))
	for _, item := range items {
		if !item.IsObject() {
			continue
		}
		out = append(out, decodeMessage(item).toMessage(room, now))
	}
	return out, nil
}

func decodeRooms(data []byte) ([]Room, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("decode rooms: invalid JSON")
	}
	r := gjson.ParseBytes(data)
	if r.Type == gjson.Null {
		return []Room{}, nil
	}
	if !r.IsArray() {
		return nil, errors.New("decode rooms: expected array")
	}
	out := make([]Room, 0)
	r.ForEach(func(_, item gjson.Result) bool {
		if room := decodeRoom(item); room.Name != "" {
			out = append(out, room)
		}
		return true
	})
	return out, nil
}

func decodeRoom(r gjson.Result) Room {
	room := Room{
		Name:        r.Get("name").String(),
		Description: r.Get("description").String(),
	}
	id := r.Get("id")
	switch id.Type {
	case gjson.Number:
		room.ID = id.Int()
	case gjson.String:
		if n, err := strconv.ParseInt(id.Str, 10, 64); err == nil {
			room.ID = n
		}
	}
	return room
}

// serverID returns the id only when it is a positive JSON number. Placeholder
// ids sent as strings are treated as absent.
func serverID(r gjson.Result) int64 {
	if r.Type != gjson.Number {
		return 0
	}
	if f := r.Float(); f != float64(int64(f)) {
		return 0
	}
	if id := r.Int(); id > 0 {
		return id
	}
	return 0
}

func optionalID(r gjson.Result, keys ...string) *int64 {
	for _, k := range keys {
		v := r.Get(k)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		var id int64
		switch v.Type {
		case gjson.Number:
			id = v.Int()
		case gjson.String:
			n, err := strconv.ParseInt(v.Str, 10, 64)
			if err != nil {
				continue
			}
			id = n
		default:
			continue
		}
		return &id
	}
	return nil
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.Type != gjson.Null {
			return v.String()
		}
	}
	return ""
}

// flattenContent turns a structured payload into display text.
func flattenContent(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Null:
		return ""
	case gjson.JSON:
		if r.IsObject() {
			if inner := r.Get("content"); inner.Exists() {
				return flattenContent(inner)
			}
		}
		return r.Raw
	default:
		return r.Raw
	}
}

func decodeTime(r gjson.Result, keys ...string) time.Time {
	for _, k := range keys {
		v := r.Get(k)
		switch v.Type {
		case gjson.String:
			s := strings.TrimSpace(v.Str)
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t
				}
			}
		case gjson.Number:
			if ms := v.Int(); ms > 0 {
				return time.UnixMilli(ms)
			}
		}
	}
	return time.Time{}
}
