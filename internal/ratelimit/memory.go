package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const lockStripes = 64

// MemoryStore implements in-process bucket storage.
// It is the fallback used while the coordination store is unavailable,
// so quotas held here are per instance. The read-refill-debit sequence
// of a key is serialized by one of a fixed set of striped mutexes;
// the map itself is guarded separately.
// Entries are automatically cleaned up based on TTL.
type MemoryStore struct {
	stripes [lockStripes]sync.Mutex

	mu      sync.RWMutex
	buckets map[string]*bucketEntry

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// bucketEntry stores a bucket state with expiration time
type bucketEntry struct {
	state  BucketState
	expiry time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithCleanupInterval sets how often expired buckets are swept
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(ms *MemoryStore) {
		if d > 0 {
			ms.cleanupInterval = d
		}
	}
}

// NewMemoryStore creates a new in-memory store.
// It starts a background goroutine to clean up expired entries.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	ms := &MemoryStore{
		buckets:         make(map[string]*bucketEntry),
		cleanupInterval: time.Minute,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}

	ms.wg.Add(1)
	go ms.cleanupLoop()

	return ms
}

// CheckAndConsume applies refill-then-debit to an in-memory bucket.
func (ms *MemoryStore) CheckAndConsume(ctx context.Context, scope, identifier string, policy Policy, cost float64, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	key := BucketKey(scope, identifier)
	stripe := ms.stripe(key)
	stripe.Lock()
	defer stripe.Unlock()

	state, found := ms.load(key, now)
	out := consume(&state, found, policy, toMillis(now), cost)

	ms.mu.Lock()
	ms.buckets[key] = &bucketEntry{state: state, expiry: now.Add(policy.TTL())}
	ms.mu.Unlock()

	return out.decision(policy, state.Tokens, SourceLocal), nil
}

// Peek returns a copy of the bucket state.
func (ms *MemoryStore) Peek(ctx context.Context, scope, identifier string) (BucketState, bool, error) {
	state, found := ms.load(BucketKey(scope, identifier), time.Now())
	return state, found, nil
}

// Reset deletes a bucket.
func (ms *MemoryStore) Reset(ctx context.Context, scope, identifier string) error {
	key := BucketKey(scope, identifier)
	stripe := ms.stripe(key)
	stripe.Lock()
	defer stripe.Unlock()

	ms.mu.Lock()
	delete(ms.buckets, key)
	ms.mu.Unlock()
	return nil
}

// Len returns the number of stored buckets, expired or not.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.buckets)
}

// Close stops the cleanup goroutine and releases resources.
func (ms *MemoryStore) Close() error {
	ms.stopOnce.Do(func() { close(ms.stopCh) })
	ms.wg.Wait()
	return nil
}

// load returns the live state for key; expired entries count as absent
func (ms *MemoryStore) load(key string, now time.Time) (BucketState, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	entry, exists := ms.buckets[key]
	if !exists || now.After(entry.expiry) {
		return BucketState{}, false
	}
	return entry.state, true
}

func (ms *MemoryStore) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &ms.stripes[h.Sum32()%lockStripes]
}

// cleanupLoop runs periodically to remove expired entries.
func (ms *MemoryStore) cleanupLoop() {
	defer ms.wg.Done()

	ticker := time.NewTicker(ms.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.cleanup(time.Now())
		case <-ms.stopCh:
			return
		}
	}
}

// cleanup removes expired entries from the map.
func (ms *MemoryStore) cleanup(now time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, entry := range ms.buckets {
		if now.After(entry.expiry) {
			delete(ms.buckets, key)
		}
	}
}
