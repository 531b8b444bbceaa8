package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
)

func init() {
	// Initialize logger for tests
	logger.Init(logger.InfoLevel, "json", &bytes.Buffer{})
	metrics.Init()
}

var errStoreDown = errors.New("store down")

// epoch is a fixed wall clock start for deterministic tests
var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func mustPolicy(t *testing.T, capacity int, rate float64, mode FallbackMode) Policy {
	t.Helper()
	p, err := NewPolicy(capacity, rate, time.Second, mode)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	return p
}

// newMiniredisStore returns a connected RedisStore backed by miniredis.
func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rs := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second)
	if err := rs.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs, mr
}

// fakeStore is a DistributedStore over a MemoryStore whose calls can be
// made to fail.
type fakeStore struct {
	mem *MemoryStore

	failConnect atomic.Bool
	failPing    atomic.Bool
	failCheck   atomic.Bool
	checkErr    atomic.Value // error returned when failCheck is set
	hang        atomic.Bool  // checks block until their context is done

	mu       sync.Mutex
	connects int
	checks   int
	closed   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{mem: NewMemoryStore()}
}

func (f *fakeStore) CheckAndConsume(ctx context.Context, scope, identifier string, policy Policy, cost float64, now time.Time) (Decision, error) {
	f.mu.Lock()
	f.checks++
	f.mu.Unlock()
	if f.hang.Load() {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	}
	if f.failCheck.Load() {
		if err, ok := f.checkErr.Load().(error); ok {
			return Decision{}, err
		}
		return Decision{}, errStoreDown
	}
	d, err := f.mem.CheckAndConsume(ctx, scope, identifier, policy, cost, now)
	d.Source = SourceDistributed
	return d, err
}

func (f *fakeStore) Peek(ctx context.Context, scope, identifier string) (BucketState, bool, error) {
	return f.mem.Peek(ctx, scope, identifier)
}

func (f *fakeStore) Reset(ctx context.Context, scope, identifier string) error {
	return f.mem.Reset(ctx, scope, identifier)
}

func (f *fakeStore) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	if f.failConnect.Load() {
		return errStoreDown
	}
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.failPing.Load() {
		return errStoreDown
	}
	return nil
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.mem.Close()
}

func (f *fakeStore) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeStore) Checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func (f *fakeStore) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeCoordinator is a Coordinator toggled by tests
type fakeCoordinator struct {
	store      DistributedStore
	ready      atomic.Bool
	generation atomic.Uint64
	failures   atomic.Int32
}

func newFakeCoordinator(store DistributedStore, ready bool) *fakeCoordinator {
	c := &fakeCoordinator{store: store}
	c.setReady(ready)
	return c
}

func (c *fakeCoordinator) setReady(ready bool) {
	if ready && !c.ready.Load() {
		c.generation.Add(1)
	}
	c.ready.Store(ready)
}

func (c *fakeCoordinator) Ready() bool             { return c.ready.Load() }
func (c *fakeCoordinator) Store() DistributedStore { return c.store }
func (c *fakeCoordinator) Generation() uint64      { return c.generation.Load() }
func (c *fakeCoordinator) ReportFailure(err error) { c.failures.Add(1) }

// failingLocal is a LocalStore that always fails
type failingLocal struct{}

func (failingLocal) CheckAndConsume(context.Context, string, string, Policy, float64, time.Time) (Decision, error) {
	return Decision{}, errStoreDown
}
func (failingLocal) Peek(context.Context, string, string) (BucketState, bool, error) {
	return BucketState{}, false, errStoreDown
}
func (failingLocal) Reset(context.Context, string, string) error { return errStoreDown }
func (failingLocal) Close() error                                { return nil }

// eventually polls cond until it holds or the timeout passes
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

// storeErrors reads the store error counter for errorType
func storeErrors(t *testing.T, errorType string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "weather_gateway_ratelimit_store_errors_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "error_type" && lp.GetValue() == errorType {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
