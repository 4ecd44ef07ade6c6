package planner

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tillerlabs/tiller/pkg/task"
)

// Cache stores plans keyed by fingerprint. Implementations must be
// safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*task.Plan, bool)
	Put(ctx context.Context, plan *task.Plan)
}

// cachedPlan is the serialized form: the plan metadata plus its tasks
// in insertion order, enough to rebuild the graph.
type cachedPlan struct {
	Plan  task.Plan   `json:"plan"`
	Query string      `json:"query"`
	Goal  string      `json:"goal"`
	Tasks []task.Task `json:"tasks"`
}

// EncodePlan serializes a plan for cache storage.
func EncodePlan(p *task.Plan) ([]byte, error) {
	cp := cachedPlan{Plan: *p, Tasks: p.Graph.Tasks()}
	cp.Query = p.Graph.Query
	cp.Goal = p.Graph.Goal
	return json.Marshal(cp)
}

// DecodePlan rebuilds a plan from its serialized form. Tasks come back
// in their stored state; cached plans hold only unstarted graphs.
func DecodePlan(data []byte) (*task.Plan, error) {
	var cp cachedPlan
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("planner: decode cached plan: %w", err)
	}
	g := task.NewGraph(cp.Query, cp.Goal)
	for i := range cp.Tasks {
		t := cp.Tasks[i]
		if err := g.Add(&t); err != nil {
			return nil, fmt.Errorf("planner: decode cached plan: %w", err)
		}
	}
	plan := cp.Plan
	plan.Graph = g
	return &plan, nil
}

type memoryEntry struct {
	fingerprint string
	data        []byte
	storedAt    time.Time
}

// MemoryCache is an in-process LRU with TTL-bounded staleness.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recent
	index    map[string]*list.Element
	now      func() time.Time
}

// NewMemoryCache creates a cache holding up to capacity plans for at
// most ttl each.
func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	if capacity <= 0 {
		capacity = 128
	}
	return &MemoryCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// SetClock injects the time source.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached plan, promoting it to most-recently-used.
// Expired entries are dropped.
func (c *MemoryCache) Get(_ context.Context, fingerprint string) (*task.Plan, bool) {
	c.mu.Lock()
	el, ok := c.index[fingerprint]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	entry := el.Value.(*memoryEntry)
	if c.ttl > 0 && c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.index, fingerprint)
		c.mu.Unlock()
		return nil, false
	}
	c.order.MoveToFront(el)
	data := entry.data
	c.mu.Unlock()

	plan, err := DecodePlan(data)
	if err != nil {
		return nil, false
	}
	return plan, true
}

// Put stores a plan, evicting the least-recently-used entry when full.
func (c *MemoryCache) Put(_ context.Context, plan *task.Plan) {
	data, err := EncodePlan(plan)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[plan.Fingerprint]; ok {
		entry := el.Value.(*memoryEntry)
		entry.data = data
		entry.storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*memoryEntry).fingerprint)
	}
	c.index[plan.Fingerprint] = c.order.PushFront(&memoryEntry{
		fingerprint: plan.Fingerprint,
		data:        data,
		storedAt:    c.now(),
	})
}

// Len returns the number of cached plans.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// RedisCache shares plans across processes through Redis. TTL is
// enforced server-side.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

// NewRedisCache wraps a Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: "tiller:plan:",
		log:    slog.Default(),
	}
}

// Get fetches a cached plan; misses and transport errors both report
// not-found.
func (c *RedisCache) Get(ctx context.Context, fingerprint string) (*task.Plan, bool) {
	data, err := c.client.Get(ctx, c.prefix+fingerprint).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("plan cache get failed", "error", err)
		}
		return nil, false
	}
	plan, err := DecodePlan(data)
	if err != nil {
		c.log.Warn("plan cache decode failed", "fingerprint", fingerprint, "error", err)
		return nil, false
	}
	return plan, true
}

// Put stores a plan with the configured TTL. Failures are logged, not
// surfaced; the cache is best-effort.
func (c *RedisCache) Put(ctx context.Context, plan *task.Plan) {
	data, err := EncodePlan(plan)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+plan.Fingerprint, data, c.ttl).Err(); err != nil {
		c.log.Warn("plan cache put failed", "error", err)
	}
}
