package hotbuffer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// InMemoryStore is a simple in-process hot buffer for local/dev use and tests.
type InMemoryStore struct {
	cap int
	ttl time.Duration

	mu      sync.Mutex
	buffers map[Key][]Entry
	expiry  map[Key]time.Time
	now     func() time.Time
}

func NewInMemoryStore(cap int, ttl time.Duration) *InMemoryStore {
	if cap <= 0 {
		cap = 50
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &InMemoryStore{
		cap:     cap,
		ttl:     ttl,
		buffers: make(map[Key][]Entry),
		expiry:  make(map[Key]time.Time),
		now:     time.Now,
	}
}

func (s *InMemoryStore) Push(_ context.Context, key Key, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	s.evictExpiredLocked(key)

	buf := append(s.buffers[key], e)
	if len(buf) > s.cap {
		buf = buf[len(buf)-s.cap:]
	}
	s.buffers[key] = buf
	s.expiry[key] = s.now().Add(s.ttl)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, key Key) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(key)
	return append([]Entry(nil), s.buffers[key]...), nil
}

func (s *InMemoryStore) Clear(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, key)
	delete(s.expiry, key)
	return nil
}

func (s *InMemoryStore) Keys(_ context.Context) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, len(s.buffers))
	for k := range s.buffers {
		s.evictExpiredLocked(k)
		if len(s.buffers[k]) > 0 {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) evictExpiredLocked(key Key) {
	if exp, ok := s.expiry[key]; ok && s.now().After(exp) {
		delete(s.buffers, key)
		delete(s.expiry, key)
	}
}
