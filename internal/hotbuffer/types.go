package hotbuffer

import (
	"context"
	"time"
)

// Entry is one buffered turn fragment awaiting rollup.
type Entry struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Key identifies one hot buffer. Buffers are scoped per user and room so a
// rollup summarizes a single conversation.
type Key struct {
	UserID string
	RoomID string
}

// Store is the capped, TTL'd buffer of recent turn fragments. Push appends,
// trims to the cap and refreshes the TTL as one atomic unit; Clear removes
// the whole buffer and is only called after a summary write succeeded.
type Store interface {
	Push(ctx context.Context, key Key, e Entry) error
	List(ctx context.Context, key Key) ([]Entry, error)
	Clear(ctx context.Context, key Key) error
	Keys(ctx context.Context) ([]Key, error)
	Close() error
}
