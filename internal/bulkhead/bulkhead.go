// Package bulkhead isolates calls to a dependency behind a concurrency
// ceiling, an execution timeout and a circuit breaker.
//
// Validation failures returned by the wrapped operation pass through
// untouched and never count against the breaker. Everything else is reported
// as a *logic.UpstreamError, and a saturated bulkhead fails fast with a
// *logic.CapacityError without invoking the operation.
package bulkhead

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/observability"
)

var tracer = observability.Tracer("decisionengine/bulkhead")

// Config describes one bulkhead. Zero MaxConcurrent disables the ceiling,
// zero Timeout disables the deadline and zero FailureThreshold disables the
// breaker.
type Config struct {
	Name             string
	MaxConcurrent    int64
	Timeout          time.Duration
	FailureThreshold uint32        // consecutive server errors that open the breaker
	OpenTimeout      time.Duration // how long the breaker stays open
}

// Bulkhead guards one kind of operation.
type Bulkhead struct {
	cfg     Config
	sem     *semaphore.Weighted
	cb      *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// New builds a Bulkhead from cfg.
func New(cfg Config, logger *zap.Logger, metrics observability.MetricsRegistry) *Bulkhead {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	b := &Bulkhead{cfg: cfg, logger: logger.With(zap.String("bulkhead", cfg.Name)), metrics: metrics}
	if cfg.MaxConcurrent > 0 {
		b.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}

	threshold := cfg.FailureThreshold
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool { return err == nil },
		// client errors and caller cancellations leave the counts untouched
		IsExcluded: func(err error) bool {
			return logic.IsClientError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			b.metrics.SetBreakerState(name, int(to))
		},
	})
	return b
}

// Name returns the operation name the bulkhead was built with.
func (b *Bulkhead) Name() string { return b.cfg.Name }

// State returns the breaker state.
func (b *Bulkhead) State() gobreaker.State { return b.cb.State() }

type result struct {
	v   any
	err error
}

// Do runs op through b; a nil b runs op directly. The permit is held until op actually returns, so an
// operation abandoned on timeout still occupies capacity while it runs.
func Do[T any](ctx context.Context, b *Bulkhead, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if b == nil {
		return op(ctx)
	}

	if b.sem != nil && !b.sem.TryAcquire(1) {
		b.metrics.IncrementBulkheadRejections(b.cfg.Name, "capacity")
		return zero, &logic.CapacityError{Op: b.cfg.Name}
	}

	started := false
	out, err := b.cb.Execute(func() (any, error) {
		started = true
		return b.call(ctx, func(ctx context.Context) (any, error) { return op(ctx) })
	})
	if !started {
		b.release()
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.metrics.IncrementBulkheadRejections(b.cfg.Name, "open")
			return zero, &logic.UpstreamError{Op: b.cfg.Name, Err: err}
		}
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

func (b *Bulkhead) release() {
	if b.sem != nil {
		b.sem.Release(1)
	}
}

func (b *Bulkhead) call(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	ctx, span := tracer.Start(ctx, "bulkhead."+b.cfg.Name,
		trace.WithAttributes(attribute.String("bulkhead.name", b.cfg.Name)))
	defer span.End()

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if b.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
	}
	defer cancel()

	done := make(chan result, 1)
	go func() {
		var r result
		// the permit is returned before the result is published
		defer func() {
			if p := recover(); p != nil {
				r = result{err: fmt.Errorf("panic: %v", p)}
			}
			b.release()
			done <- r
		}()
		r.v, r.err = op(callCtx)
	}()

	select {
	case r := <-done:
		if r.err != nil {
			span.RecordError(r.err)
			return nil, b.classify(r.err)
		}
		return r.v, nil
	case <-callCtx.Done():
		err := callCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			b.metrics.IncrementBulkheadRejections(b.cfg.Name, "timeout")
			b.logger.Warn("operation timed out", zap.Duration("timeout", b.cfg.Timeout))
		}
		span.RecordError(err)
		return nil, &logic.UpstreamError{Op: b.cfg.Name, Err: err}
	}
}

func (b *Bulkhead) classify(err error) error {
	var (
		ue *logic.UpstreamError
		ce *logic.CapacityError
	)
	if logic.IsClientError(err) || errors.As(err, &ue) || errors.As(err, &ce) {
		return err
	}
	return &logic.UpstreamError{Op: b.cfg.Name, Err: err}
}
