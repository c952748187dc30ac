package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hapiai/lmslink/internal/core"
)

const limiterComponent = "limiter"

// LimiterConfig configures the token bucket, retry policy, and circuit breaker.
type LimiterConfig struct {
	Capacity         int
	Window           time.Duration
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	Jitter           float64
	FailureThreshold int
	Cooldown         time.Duration

	Clock    func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	Random   func() float64
	Observer core.Observer
}

// DefaultLimiterConfig mirrors the LMS default hourly quota.
var DefaultLimiterConfig = LimiterConfig{
	Capacity:         700,
	Window:           time.Hour,
	MaxRetries:       3,
	BaseBackoff:      time.Second,
	MaxBackoff:       16 * time.Second,
	Jitter:           0.2,
	FailureThreshold: 5,
	Cooldown:         time.Minute,
}

func limiterConfigWithDefaults(cfg LimiterConfig) LimiterConfig {
	def := DefaultLimiterConfig
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Random == nil {
		cfg.Random = rand.Float64
	}
	if cfg.Observer == nil {
		cfg.Observer = core.NopObserver{}
	}
	return cfg
}

// Work is a deferred unit of work executed by the limiter.
type Work func(ctx context.Context) (any, error)

// Result is the eventual outcome of an enqueued unit.
type Result struct {
	Value any
	Err   error
}

// Limiter throttles outbound calls to a fixed quota per window, serves queued
// work by priority from a single drain loop, retries transient failures, and
// trips a circuit breaker after repeated failures.
type Limiter struct {
	cfg    LimiterConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	bucket    *rate.Limiter
	queue     unitQueue
	circuit   circuitBreaker
	draining  bool
	closed    bool
	last429At *time.Time
}

// NewLimiter builds a limiter with a full bucket.
func NewLimiter(cfg LimiterConfig) *Limiter {
	cfg = limiterConfigWithDefaults(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		bucket: rate.NewLimiter(refillLimit(cfg), cfg.Capacity),
	}
}

// Enqueue queues work at the given priority. The returned channel receives
// exactly one Result once the work has run, exhausted its retries, or been
// rejected. Enqueue never blocks on the work itself.
//
// The work runs with ctx's values but not its cancellation; callers that want
// a timeout should stop waiting on the channel instead.
func (l *Limiter) Enqueue(ctx context.Context, priority core.Priority, work Work) <-chan Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if !priority.Valid() {
		priority = core.PriorityNormal
	}

	unit := &queuedUnit{
		id:       uuid.NewString(),
		priority: priority,
		ctx:      context.WithoutCancel(ctx),
		execute:  work,
		done:     make(chan Result, 1),
	}

	if work == nil {
		unit.reject(core.NewError(core.KindValidation, "no work supplied", nil))
		return unit.done
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		unit.reject(errLimiterClosed())
		return unit.done
	}
	unit.enqueuedAt = l.now()
	l.queue.pushBack(unit)
	start := !l.draining
	if start {
		l.draining = true
		l.wg.Add(1)
	}
	l.mu.Unlock()

	l.observe(core.Event{Kind: core.EventEnqueue, UnitID: unit.id, Priority: priority})

	if start {
		go l.drain()
	}
	return unit.done
}

// Submit enqueues work and waits for its outcome or for ctx to end.
func Submit[T any](ctx context.Context, l *Limiter, priority core.Priority, work func(context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	if l == nil {
		return zero, core.NewError(core.KindInternal, "rate limiter is not configured", nil)
	}

	done := l.Enqueue(ctx, priority, func(ctx context.Context) (any, error) {
		return work(ctx)
	})

	select {
	case res := <-done:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Value == nil {
			return zero, nil
		}
		value, ok := res.Value.(T)
		if !ok {
			return zero, core.NewError(core.KindInternal, fmt.Sprintf("unexpected result type %T", res.Value), nil)
		}
		return value, nil
	case <-ctx.Done():
		return zero, core.ClassifyTransportError(ctx.Err())
	}
}

// Status reports bucket, queue, and breaker state without mutating them.
func (l *Limiter) Status() core.LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	status := core.LimiterStatus{
		TokensAvailable:     l.tokensAt(now),
		Capacity:            l.cfg.Capacity,
		QueueLength:         l.queue.len(),
		ConsecutiveFailures: l.circuit.failures,
	}
	if l.circuit.isOpen(now) {
		status.CircuitOpen = true
		status.ReopenAt = l.circuit.reopenAt
	}
	return status
}

// Budget returns the current token bucket view.
func (l *Limiter) Budget() core.RateBudget {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	return core.RateBudget{
		Capacity:        l.cfg.Capacity,
		Tokens:          l.tokensAt(now),
		RefillRatePerMs: float64(l.cfg.Capacity) / float64(l.cfg.Window.Milliseconds()),
		LastRefill:      now,
	}
}

// ParseRateHeaders lowers the local token count when the LMS reports fewer
// remaining calls than the bucket holds. It never raises the count.
func (l *Limiter) ParseRateHeaders(header http.Header) {
	info := core.ParseRateHeaders(header)
	if info.Remaining == nil {
		return
	}
	remaining := math.Max(*info.Remaining, 0)

	l.mu.Lock()
	n := l.drainTo(l.now(), remaining)
	l.mu.Unlock()
	if n == 0 {
		return
	}

	l.observe(core.Event{Kind: core.EventRateReconcile, Attempt: n})
}

// Close stops the drain loop and rejects any work still queued.
func (l *Limiter) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pending := l.queue.drainAll()
	l.mu.Unlock()

	l.cancel()
	for _, unit := range pending {
		unit.reject(errLimiterClosed())
	}
	l.wg.Wait()
	return nil
}

func (l *Limiter) drain() {
	defer l.wg.Done()

	for {
		l.mu.Lock()
		if l.closed {
			pending := l.queue.drainAll()
			l.draining = false
			l.mu.Unlock()
			for _, unit := range pending {
				unit.reject(errLimiterClosed())
			}
			return
		}

		now := l.now()
		if l.circuit.open {
			if l.circuit.isOpen(now) {
				wait := l.circuit.reopenAt.Sub(now)
				pending := l.queue.drainAll()
				if len(pending) == 0 {
					l.draining = false
					l.mu.Unlock()
					return
				}
				l.mu.Unlock()
				for _, unit := range pending {
					l.observe(core.Event{Kind: core.EventCircuitReject, UnitID: unit.id, Priority: unit.priority, Wait: wait})
					unit.reject(core.ErrCircuitOpen(wait))
				}
				continue
			}
			l.circuit.reset()
			l.mu.Unlock()
			l.observe(core.Event{Kind: core.EventCircuitClose})
			continue
		}

		unit := l.queue.peek()
		if unit == nil {
			l.draining = false
			l.mu.Unlock()
			return
		}

		if tokens := l.bucket.TokensAt(now); tokens < 1 {
			wait := l.refillWait(tokens)
			l.mu.Unlock()
			_ = l.cfg.Sleep(l.ctx, wait)
			continue
		}

		l.bucket.AllowN(now, 1)
		l.queue.popFront(unit.priority)
		l.mu.Unlock()

		l.observe(core.Event{Kind: core.EventDequeue, UnitID: unit.id, Priority: unit.priority, Attempt: unit.retryCount, Wait: now.Sub(unit.enqueuedAt)})

		value, err := l.run(unit)
		l.settle(unit, value, err)
	}
}

func (l *Limiter) run(unit *queuedUnit) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.NewError(core.KindInternal, "work panicked", fmt.Errorf("%v", recovered))
		}
	}()
	return unit.execute(unit.ctx)
}

func (l *Limiter) settle(unit *queuedUnit, value any, err error) {
	if err == nil {
		l.mu.Lock()
		l.circuit.recordSuccess()
		l.mu.Unlock()
		unit.resolve(value)
		return
	}

	apiErr := core.AsAPIError(err)

	if apiErr.Kind == core.KindRateLimit {
		l.mu.Lock()
		now := l.now()
		l.last429At = &now
		l.mu.Unlock()
	}

	if apiErr.Retryable() && unit.retryCount < l.cfg.MaxRetries {
		delay := l.backoff(unit.retryCount, apiErr.RetryAfter)
		unit.retryCount++
		l.observe(core.Event{Kind: core.EventRetry, UnitID: unit.id, Priority: unit.priority, Attempt: unit.retryCount, Wait: delay, Err: apiErr})

		if sleepErr := l.cfg.Sleep(l.ctx, delay); sleepErr != nil {
			unit.reject(errLimiterClosed())
			return
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			unit.reject(errLimiterClosed())
			return
		}
		l.queue.pushFront(unit)
		l.mu.Unlock()
		return
	}

	opened := false
	if apiErr.Kind != core.KindCircuitOpen {
		l.mu.Lock()
		opened = l.circuit.recordFailure(l.now(), l.cfg.FailureThreshold, l.cfg.Cooldown)
		l.mu.Unlock()
	}

	l.observe(core.Event{Kind: core.EventUnitFailed, UnitID: unit.id, Priority: unit.priority, Attempt: unit.retryCount, Err: apiErr})
	if opened {
		l.observe(core.Event{Kind: core.EventCircuitOpen, Wait: l.cfg.Cooldown, Err: apiErr})
	}
	unit.reject(apiErr)
}

// backoff returns the delay before retry number attempt+1. A server-provided
// Retry-After is a floor; jitter only lengthens it.
func (l *Limiter) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter + time.Duration(float64(retryAfter)*l.cfg.Jitter*l.cfg.Random())
	}

	delay := l.cfg.MaxBackoff
	if attempt < 30 {
		if scaled := l.cfg.BaseBackoff << uint(attempt); scaled > 0 && scaled < l.cfg.MaxBackoff {
			delay = scaled
		}
	}
	jitter := (l.cfg.Random()*2 - 1) * l.cfg.Jitter
	return time.Duration(float64(delay) * (1 + jitter))
}

func (l *Limiter) refillWait(tokens float64) time.Duration {
	perSecond := float64(l.bucket.Limit())
	if perSecond <= 0 {
		return l.cfg.Window
	}
	wait := time.Duration(math.Ceil((1 - tokens) / perSecond * float64(time.Second)))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// drainTo removes whole tokens until the bucket holds at most target. The
// bucket may dip below zero by less than one token; the drain loop then waits
// for the refill. Callers hold l.mu.
func (l *Limiter) drainTo(now time.Time, target float64) int {
	excess := l.bucket.TokensAt(now) - target
	if excess <= 0 {
		return 0
	}
	n := int(math.Ceil(excess))
	if n > l.bucket.Burst() {
		n = l.bucket.Burst()
	}
	l.bucket.ReserveN(now, n)
	return n
}

func (l *Limiter) tokensAt(now time.Time) float64 {
	tokens := l.bucket.TokensAt(now)
	if tokens < 0 {
		return 0
	}
	return tokens
}

func (l *Limiter) observe(event core.Event) {
	event.Component = limiterComponent
	l.cfg.Observer.Observe(event)
}

func (l *Limiter) now() time.Time {
	if l != nil && l.cfg.Clock != nil {
		return l.cfg.Clock()
	}
	return time.Now().UTC()
}

func refillLimit(cfg LimiterConfig) rate.Limit {
	return rate.Limit(float64(cfg.Capacity) / cfg.Window.Seconds())
}

func errLimiterClosed() *core.APIError {
	return core.NewError(core.KindInternal, "rate limiter is closed", nil)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
