package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/askgrid/askd/model"
)

// BreakerState represents the current state of the circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
	// BreakerHalfOpen allows probe requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the aggregation service against hammering while it
// is down: Closed → Open on consecutive connect failures, Open → HalfOpen
// after a cooldown, HalfOpen → Closed after enough successful probes. Safe
// for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures, stays open for cooldown, and closes again after
// successThreshold consecutive half-open successes.
func NewCircuitBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && time.Since(cb.openedAt) > cb.cooldown {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
	return cb.state != BreakerOpen
}

// RecordSuccess records a stream that started successfully.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure records a connect failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = BreakerOpen
			cb.openedAt = time.Now()
		}
	case BreakerHalfOpen:
		// Any failure in half-open immediately reopens.
		cb.state = BreakerOpen
		cb.openedAt = time.Now()
		cb.successes = 0
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && time.Since(cb.openedAt) > cb.cooldown {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
	return cb.state
}

// Streamer is the stream capability the breaker decorates.
type Streamer interface {
	StreamQuery(ctx context.Context, req model.QueryRequest) (<-chan model.StreamEvent, error)
}

// Stats receives connect outcomes, per-event counts, and breaker state
// changes. Satisfied by the metrics registry. A nil Stats disables
// recording.
type Stats interface {
	RecordStreamConnect(status string)
	RecordStreamEvent(kind string)
	SetAggregatorBreakerState(state float64)
}

// BreakerStreamer wraps a Streamer with a circuit breaker. Only the connect
// phase counts: a stream that starts and later fails mid-flight does not
// trip the breaker.
type BreakerStreamer struct {
	next    Streamer
	breaker *CircuitBreaker
	stats   Stats
}

// NewBreakerStreamer wraps next with the given breaker.
func NewBreakerStreamer(next Streamer, breaker *CircuitBreaker) *BreakerStreamer {
	return &BreakerStreamer{next: next, breaker: breaker}
}

// WithStats attaches an outcome recorder. Call before the first StreamQuery.
func (b *BreakerStreamer) WithStats(stats Stats) *BreakerStreamer {
	b.stats = stats
	return b
}

// StreamQuery rejects immediately while the breaker is open, otherwise
// delegates and records the connect outcome.
func (b *BreakerStreamer) StreamQuery(ctx context.Context, req model.QueryRequest) (<-chan model.StreamEvent, error) {
	if !b.breaker.Allow() {
		b.record("rejected")
		return nil, model.NewAggregatorUnavailableError()
	}

	events, err := b.next.StreamQuery(ctx, req)
	if err != nil {
		b.breaker.RecordFailure()
		b.record("error")
		return nil, err
	}
	b.breaker.RecordSuccess()
	b.record("ok")

	if b.stats == nil {
		return events, nil
	}
	return b.countEvents(events), nil
}

func (b *BreakerStreamer) record(status string) {
	if b.stats == nil {
		return
	}
	b.stats.RecordStreamConnect(status)
	b.stats.SetAggregatorBreakerState(float64(b.breaker.State()))
}

// countEvents relays the stream while counting events by kind.
func (b *BreakerStreamer) countEvents(in <-chan model.StreamEvent) <-chan model.StreamEvent {
	out := make(chan model.StreamEvent)
	go func() {
		defer close(out)
		for ev := range in {
			b.stats.RecordStreamEvent(ev.Kind)
			out <- ev
		}
	}()
	return out
}

// Breaker exposes the underlying breaker, for health and metrics reporting.
func (b *BreakerStreamer) Breaker() *CircuitBreaker {
	return b.breaker
}
