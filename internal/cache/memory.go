package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is a payload captured by MemoryCache.Publish.
type Message struct {
	Channel string
	Payload []byte
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is a process-local Cache for single-process runs and tests.
type MemoryCache struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	messages []Message
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
	return nil
}

func (c *MemoryCache) setLocked(key string, value []byte, ttl time.Duration) {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.entries[key] = e
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.getLocked(key)
	return v, ok, nil
}

func (c *MemoryCache) getLocked(key string) ([]byte, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, state string, ttl time.Duration) error {
	return c.Set(ctx, JobStatusKey(jobID), []byte(state), ttl)
}

func (c *MemoryCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	v, ok, err := c.Get(ctx, JobStatusKey(jobID))
	return string(v), ok, err
}

func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if v, ok := c.getLocked(key); ok {
		n, _ = strconv.ParseInt(string(v), 10, 64)
	}
	n++
	c.setLocked(key, []byte(strconv.FormatInt(n, 10)), expiry)
	return n, nil
}

func (c *MemoryCache) RequestCancel(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error {
	return c.Set(ctx, JobCancelKey(jobID), []byte("1"), ttl)
}

func (c *MemoryCache) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	_, ok, err := c.Get(ctx, JobCancelKey(jobID))
	return ok, err
}

func (c *MemoryCache) ClearCancel(ctx context.Context, jobID uuid.UUID) error {
	return c.Delete(ctx, JobCancelKey(jobID))
}

func (c *MemoryCache) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Channel: channel, Payload: append([]byte(nil), payload...)})
	return nil
}

// Messages returns a copy of everything published so far.
func (c *MemoryCache) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}
