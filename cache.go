package whiz

import (
	"context"
	"sync"
)

// ============================================================================
// Persistent Room Cache
// ============================================================================

// RoomCache stores the last known message sequence of each room, keyed by
// room name. Implementations must be safe for concurrent use. A miss is
// reported as (nil, nil). Writes are last-writer-wins.
type RoomCache interface {
	Get(ctx context.Context, room string) ([]Message, error)
	Put(ctx context.Context, room string, msgs []Message) error
	Delete(ctx context.Context, room string) error
}

// MemoryCache is a goroutine-safe in-process RoomCache. It is the default
// cache and survives room switches but not process restarts.
type MemoryCache struct {
	mu    sync.RWMutex
	rooms map[string][]Message
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{rooms: make(map[string][]Message)}
}

func (c *MemoryCache) Get(_ context.Context, room string) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs, ok := c.rooms[room]
	if !ok {
		return nil, nil
	}
	return cloneMessages(msgs), nil
}

func (c *MemoryCache) Put(_ context.Context, room string, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = cloneMessages(msgs)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
	return nil
}

// Rooms returns the names of every cached room.
func (c *MemoryCache) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		names = append(names, name)
	}
	return names
}
