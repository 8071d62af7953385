package hotbuffer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "hotbuf:"

// RedisStore keeps hot buffers in Redis lists. Each buffer is capped and
// expires unless refreshed by new pushes, so abandoned rooms age out even if
// the rollup aggregator never reaches them.
type RedisStore struct {
	rdb *redis.Client
	cap int
	ttl time.Duration
}

func NewRedisStore(addr, password string, db, cap int, ttl time.Duration) (*RedisStore, error) {
	if cap <= 0 {
		cap = 50
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, cap: cap, ttl: ttl}, nil
}

func (s *RedisStore) Push(ctx context.Context, key Key, e Entry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	// Append, trim and refresh TTL as one unit so the cap holds under
	// concurrent pushes to the same room.
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, redisKey(key), b)
	pipe.LTrim(ctx, redisKey(key), int64(-s.cap), -1)
	pipe.Expire(ctx, redisKey(key), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hot buffer push: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, key Key) ([]Entry, error) {
	raw, err := s.rdb.LRange(ctx, redisKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("hot buffer list: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			// A corrupt item should not poison the whole buffer.
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Clear(ctx context.Context, key Key) error {
	if err := s.rdb.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("hot buffer clear: %w", err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]Key, error) {
	var out []Key
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if k, ok := parseKey(iter.Val()); ok {
			out = append(out, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("hot buffer scan: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func redisKey(key Key) string {
	return keyPrefix + key.UserID + ":" + key.RoomID
}

func parseKey(raw string) (Key, bool) {
	rest, ok := strings.CutPrefix(raw, keyPrefix)
	if !ok {
		return Key{}, false
	}
	user, room, ok := strings.Cut(rest, ":")
	if !ok || user == "" || room == "" {
		return Key{}, false
	}
	return Key{UserID: user, RoomID: room}, true
}
