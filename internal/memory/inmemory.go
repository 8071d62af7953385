package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process summary store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Summary
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Summary)}
}

func (s *InMemoryStore) SaveSummary(_ context.Context, rec Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Kind == "" {
		rec.Kind = KindSummary
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	arr := s.records[rec.UserID]
	for i := range arr {
		if arr[i].ID == rec.ID {
			arr[i] = rec
			return nil
		}
	}
	s.records[rec.UserID] = append(arr, rec)
	return nil
}

func (s *InMemoryStore) SearchSimilar(ctx context.Context, userID, roomID string, embedding []float32, limit int) ([]Summary, error) {
	if len(embedding) == 0 {
		return s.Recent(ctx, userID, roomID, limit)
	}
	if limit <= 0 {
		limit = 5
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		rec  Summary
		dist float64
	}
	var candidates []scored
	for _, r := range s.records[userID] {
		if roomID != "" && r.RoomID != roomID {
			continue
		}
		if len(r.Embedding) != len(embedding) {
			continue
		}
		candidates = append(candidates, scored{rec: r, dist: cosineDistance(embedding, r.Embedding)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })

	if limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]Summary, 0, limit)
	for _, c := range candidates[:limit] {
		out = append(out, c.rec)
	}
	return out, nil
}

func (s *InMemoryStore) Recent(_ context.Context, userID, roomID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 5
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var arr []Summary
	for _, r := range s.records[userID] {
		if roomID != "" && r.RoomID != roomID {
			continue
		}
		arr = append(arr, r)
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].CreatedAt.After(arr[j].CreatedAt) })
	if limit > len(arr) {
		limit = len(arr)
	}
	return arr[:limit], nil
}

func (s *InMemoryStore) Close() error { return nil }

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
