package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Cache stores resolved documents keyed by reference
type Cache interface {
	Get(ctx context.Context, ref string) (*Document, error)
	Put(ctx context.Context, doc *Document) error
}

// MemoryCache is a process-local Cache
type MemoryCache struct {
	mu   sync.RWMutex
	ttl  time.Duration
	docs map[string]*Document
	now  func() time.Time
}

// NewMemoryCache creates a MemoryCache. A zero ttl never expires entries.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, docs: make(map[string]*Document), now: time.Now}
}

// Get returns nil on a miss
func (c *MemoryCache) Get(_ context.Context, ref string) (*Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[ref]
	if !ok {
		return nil, nil
	}
	if c.ttl > 0 && c.now().Sub(doc.FetchedAt) > c.ttl {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (c *MemoryCache) Put(_ context.Context, doc *Document) error {
	if doc == nil {
		return nil
	}
	cp := *doc
	c.mu.Lock()
	c.docs[doc.Ref] = &cp
	c.mu.Unlock()
	return nil
}

// RedisCache shares resolved documents between API and worker processes
type RedisCache struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a RedisCache using an existing client
func NewRedisCache(rdb *goredis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "capsule:source:"}
}

func (c *RedisCache) key(ref string) string {
	return c.prefix + computeHash(ref)
}

// Get returns nil on a miss
func (c *RedisCache) Get(ctx context.Context, ref string) (*Document, error) {
	raw, err := c.rdb.Get(ctx, c.key(ref)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		// treat a corrupt entry as a miss; the next Put overwrites it
		return nil, nil
	}
	return &doc, nil
}

func (c *RedisCache) Put(ctx context.Context, doc *Document) error {
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.key(doc.Ref), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
