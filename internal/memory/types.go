package memory

import (
	"context"
	"time"
)

// Summary is a rolled-up digest of one conversation window, stored with its
// embedding so later turns can recall it by semantic similarity.
type Summary struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	RoomID    string    `json:"room_id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// KindSummary is the record kind written by the rollup aggregator.
const KindSummary = "summary"

// Store persists summaries and retrieves them for prompt enrichment.
// SaveSummary is an upsert on ID so a retried rollup never duplicates rows.
// Retrieval is scoped per user and, when roomID is non-empty, per room.
type Store interface {
	SaveSummary(ctx context.Context, s Summary) error
	SearchSimilar(ctx context.Context, userID, roomID string, embedding []float32, limit int) ([]Summary, error)
	Recent(ctx context.Context, userID, roomID string, limit int) ([]Summary, error)
	Close() error
}
