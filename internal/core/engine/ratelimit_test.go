package engine

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hapiai/lmslink/internal/core"
)

type memoryRateStore struct {
	state map[string]*core.RateLimitState
}

func (m *memoryRateStore) GetRateLimit(ctx context.Context, endpoint string) (*core.RateLimitState, error) {
	if m.state == nil {
		return nil, nil
	}
	if val, ok := m.state[endpoint]; ok {
		return val, nil
	}
	return nil, nil
}

func (m *memoryRateStore) UpdateRateLimit(ctx context.Context, endpoint string, state *core.RateLimitState) error {
	if m.state == nil {
		m.state = make(map[string]*core.RateLimitState)
	}
	m.state[endpoint] = state
	return nil
}

// fakeClock only moves when the limiter sleeps or a test advances it.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

func newTestLimiter(t *testing.T, clock *fakeClock, cfg LimiterConfig) *Limiter {
	t.Helper()
	cfg.Clock = clock.Now
	cfg.Sleep = clock.Sleep
	if cfg.Random == nil {
		cfg.Random = func() float64 { return 0.5 }
	}
	limiter := NewLimiter(cfg)
	t.Cleanup(func() { _ = limiter.Close() })
	return limiter
}

func TestLimiterPriorityOrder(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, LimiterConfig{Capacity: 10, Window: time.Hour})
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Work {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	started := make(chan struct{})
	release := make(chan struct{})
	blocker := limiter.Enqueue(ctx, core.PriorityNormal, func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "blocker", nil
	})
	<-started

	n1 := limiter.Enqueue(ctx, core.PriorityNormal, record("n1"))
	n2 := limiter.Enqueue(ctx, core.PriorityNormal, record("n2"))
	n3 := limiter.Enqueue(ctx, core.PriorityNormal, record("n3"))
	critical := limiter.Enqueue(ctx, core.PriorityCritical, record("critical"))
	require.Equal(t, 4, limiter.Status().QueueLength)

	close(release)
	for _, done := range []<-chan Result{blocker, n1, n2, n3, critical} {
		res := <-done
		require.NoError(t, res.Err)
	}

	require.Equal(t, []string{"critical", "n1", "n2", "n3"}, order)
}

func TestLimiterWaitsForRefill(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, LimiterConfig{Capacity: 3, Window: time.Hour})
	ctx := context.Background()
	start := clock.Now()

	var (
		mu  sync.Mutex
		ran []time.Time
	)
	work := func(ctx context.Context) (any, error) {
		mu.Lock()
		ran = append(ran, clock.Now())
		mu.Unlock()
		return nil, nil
	}

	var pending []<-chan Result
	for i := 0; i < 5; i++ {
		pending = append(pending, limiter.Enqueue(ctx, core.PriorityNormal, work))
	}
	for _, done := range pending {
		require.NoError(t, (<-done).Err)
	}

	require.Len(t, ran, 5)
	atStart := 0
	for _, at := range ran {
		if at.Equal(start) {
			atStart++
		}
	}
	require.Equal(t, 3, atStart)
	require.GreaterOrEqual(t, ran[3].Sub(start), 20*time.Minute)
	require.GreaterOrEqual(t, ran[4].Sub(ran[3]), 20*time.Minute)
}

func TestLimiterHonorsRetryAfter(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, LimiterConfig{Capacity: 10, Window: time.Hour})

	attempts := 0
	value, err := Submit(context.Background(), limiter, core.PriorityNormal, func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", &core.APIError{Kind: core.KindRateLimit, StatusCode: http.StatusTooManyRequests, RetryAfter: 2 * time.Second}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", value)
	require.Equal(t, 2, attempts)

	slept := clock.Slept()
	require.Len(t, slept, 1)
	require.GreaterOrEqual(t, slept[0], 2*time.Second)
	require.LessOrEqual(t, slept[0], 2400*time.Millisecond)
}

func TestLimiterRetryExhaustion(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, LimiterConfig{Capacity: 10, Window: time.Hour})

	attempts := 0
	_, err := Submit(context.Background(), limiter, core.PriorityNormal, func(ctx context.Context) (any, error) {
		attempts++
		return nil, &core.APIError{Kind: core.KindServer, StatusCode: http.StatusBadGateway}
	})
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindServer))
	require.Equal(t, 4, attempts)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clock.Slept())
	require.Equal(t, 1, limiter.Status().ConsecutiveFailures)
}

func TestLimiterNonRetryableFailsFast(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, LimiterConfig{Capacity: 10, Window: time.Hour})

	attempts := 0
	_, err := Submit(context.Background(), limiter, core.PriorityNormal, func(ctx context.Context) (any, error) {
		attempts++
		return nil, &core.APIError{Kind: core.KindNotFound, StatusCode: http.StatusNotFound}
	})
	require.True(t, core.IsKind(err, core.KindNotFound))
	require.Equal(t, 1, attempts)
	require.Empty(t, clock.Slept())
}

func TestLimiterCircuitBreaker(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, LimiterConfig{
		Capacity:         100,
		Window:           time.Hour,
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	})
	ctx := context.Background()

	executed := 0
	failing := func(ctx context.Context) (any, error) {
		executed++
		return nil, &core.APIError{Kind: core.KindValidation, StatusCode: http.StatusBadRequest}
	}

	for i := 0; i < 5; i++ {
		_, err := Submit(ctx, limiter, core.PriorityNormal, failing)
		require.True(t, core.IsKind(err, core.KindValidation))
	}
	require.Equal(t, 5, executed)
	require.True(t, limiter.Status().CircuitOpen)

	_, err := Submit(ctx, limiter, core.PriorityCritical, failing)
	require.True(t, core.IsKind(err, core.KindCircuitOpen))
	require.Equal(t, 5, executed)

	clock.Advance(time.Minute)

	value, err := Submit(ctx, limiter, core.PriorityNormal, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, value)

	status := limiter.Status()
	require.False(t, status.CircuitOpen)
	require.Equal(t, 0, status.ConsecutiveFailures)
}

func TestLimiterCircuitRejectsAlreadyQueuedUnits(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, LimiterConfig{
		Capacity:         100,
		Window:           time.Hour,
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	})
	ctx := context.Background()

	rejected := func(ctx context.Context) (any, error) {
		return nil, &core.APIError{Kind: core.KindAuthorization, StatusCode: http.StatusForbidden}
	}
	for i := 0; i < 4; i++ {
		_, err := Submit(ctx, limiter, core.PriorityNormal, rejected)
		require.True(t, core.IsKind(err, core.KindAuthorization))
	}
	require.False(t, limiter.Status().CircuitOpen)

	started := make(chan struct{})
	release := make(chan struct{})
	fifth := limiter.Enqueue(ctx, core.PriorityNormal, func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return rejected(ctx)
	})
	<-started

	var mu sync.Mutex
	ran := 0
	counted := func(ctx context.Context) (any, error) {
		mu.Lock()
		ran++
		mu.Unlock()
		return "ok", nil
	}
	queued := []<-chan Result{
		limiter.Enqueue(ctx, core.PriorityBackground, counted),
		limiter.Enqueue(ctx, core.PriorityNormal, counted),
		limiter.Enqueue(ctx, core.PriorityCritical, counted),
	}
	require.Equal(t, 3, limiter.Status().QueueLength)

	close(release)
	res := <-fifth
	require.True(t, core.IsKind(res.Err, core.KindAuthorization))

	for _, done := range queued {
		res := <-done
		require.True(t, core.IsKind(res.Err, core.KindCircuitOpen), "got %v", res.Err)
		require.Equal(t, time.Minute, core.AsAPIError(res.Err).RetryAfter)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, ran)
	require.Zero(t, limiter.Status().QueueLength)
}

func TestLimiterSuccessDecaysFailures(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, LimiterConfig{Capacity: 100, Window: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = Submit(ctx, limiter, core.PriorityNormal, func(ctx context.Context) (any, error) {
			return nil, &core.APIError{Kind: core.KindAuthorization}
		})
	}
	require.Equal(t, 3, limiter.Status().ConsecutiveFailures)

	_, err := Submit(ctx, limiter, core.PriorityNormal, func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	require.Equal(t, 2, limiter.Status().ConsecutiveFailures)
}

func TestLimiterParseRateHeaders(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, LimiterConfig{Capacity: 10, Window: time.Hour})

	header := http.Header{}
	header.Set(core.HeaderRateLimitRemaining, "4")
	limiter.ParseRateHeaders(header)
	require.InDelta(t, 4, limiter.Status().TokensAvailable, 0.01)

	header.Set(core.HeaderRateLimitRemaining, "8")
	limiter.ParseRateHeaders(header)
	require.InDelta(t, 4, limiter.Status().TokensAvailable, 0.01)

	header.Set(core.HeaderRateLimitRemaining, "2.5")
	limiter.ParseRateHeaders(header)
	require.LessOrEqual(t, limiter.Status().TokensAvailable, 2.5)
}

func TestLimiterParseRateHeadersDrainsFraction(t *testing.T) {
	clock := newFakeClock()
	// One token per second, so half a second refills half a token.
	limiter := newTestLimiter(t, clock, LimiterConfig{Capacity: 2, Window: 2 * time.Second})

	header := http.Header{}
	header.Set(core.HeaderRateLimitRemaining, "0")
	limiter.ParseRateHeaders(header)
	require.Zero(t, limiter.Status().TokensAvailable)

	clock.Advance(500 * time.Millisecond)
	require.InDelta(t, 0.5, limiter.Status().TokensAvailable, 0.01)

	limiter.ParseRateHeaders(header)
	require.Zero(t, limiter.Status().TokensAvailable)

	// The bucket owes the fraction it could not pay, so a unit waits for a
	// full refill before running.
	value, err := Submit(context.Background(), limiter, core.PriorityNormal, func(ctx context.Context) (string, error) {
		return "ran", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ran", value)
	slept := clock.Slept()
	require.NotEmpty(t, slept)
	var total time.Duration
	for _, d := range slept {
		total += d
	}
	require.GreaterOrEqual(t, total, 1500*time.Millisecond)
}

func TestLimiterSnapshotRestore(t *testing.T) {
	clock := newFakeClock()
	cfg := LimiterConfig{Capacity: 10, Window: 10 * time.Second}
	store := &memoryRateStore{}
	ctx := context.Background()

	first := newTestLimiter(t, clock, cfg)
	for i := 0; i < 6; i++ {
		_, err := Submit(ctx, first, core.PriorityNormal, func(ctx context.Context) (any, error) { return nil, nil })
		require.NoError(t, err)
	}
	require.NoError(t, first.PersistTo(ctx, store, "canvas.example.edu"))
	require.InDelta(t, 4, store.state["canvas.example.edu"].Tokens, 0.01)

	clock.Advance(2 * time.Second)

	second := newTestLimiter(t, clock, cfg)
	require.NoError(t, second.RestoreFrom(ctx, store, "canvas.example.edu"))
	require.InDelta(t, 6, second.Status().TokensAvailable, 0.01)
}

func TestLimiterCloseRejectsPending(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(LimiterConfig{Capacity: 10, Window: time.Hour, Clock: clock.Now, Sleep: clock.Sleep})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	blocker := limiter.Enqueue(ctx, core.PriorityNormal, func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started
	waiting := limiter.Enqueue(ctx, core.PriorityNormal, func(ctx context.Context) (any, error) { return nil, nil })

	closed := make(chan struct{})
	go func() {
		_ = limiter.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool { return limiter.Status().QueueLength == 0 }, time.Second, time.Millisecond)

	res := <-waiting
	require.True(t, core.IsKind(res.Err, core.KindInternal))

	close(release)
	<-closed
	require.NoError(t, (<-blocker).Err)

	res = <-limiter.Enqueue(ctx, core.PriorityNormal, func(ctx context.Context) (any, error) { return nil, nil })
	require.True(t, core.IsKind(res.Err, core.KindInternal))
}

func TestLimiterObserverEvents(t *testing.T) {
	clock := newFakeClock()
	var (
		mu     sync.Mutex
		events []core.EventKind
	)
	observer := core.ObserverFunc(func(e core.Event) {
		mu.Lock()
		events = append(events, e.Kind)
		mu.Unlock()
	})
	limiter := newTestLimiter(t, clock, LimiterConfig{Capacity: 10, Window: time.Hour, Observer: observer})

	_, err := Submit(context.Background(), limiter, core.PriorityNormal, func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []core.EventKind{core.EventEnqueue, core.EventDequeue}, events)
}
