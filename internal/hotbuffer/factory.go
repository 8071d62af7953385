package hotbuffer

import (
	"log"
	"time"
)

// NewStore selects the Redis-backed store when an address is configured and
// falls back to the in-process store otherwise.
func NewStore(redisAddr, redisPassword string, redisDB, cap int, ttl time.Duration) (Store, error) {
	if redisAddr == "" {
		log.Println("hot buffer: no redis address configured, using in-memory store")
		return NewInMemoryStore(cap, ttl), nil
	}
	store, err := NewRedisStore(redisAddr, redisPassword, redisDB, cap, ttl)
	if err != nil {
		return nil, err
	}
	log.Printf("hot buffer: using redis store at %s", redisAddr)
	return store, nil
}
