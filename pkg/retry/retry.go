// Package retry runs operations with exponential backoff, one in-flight run per
// operation id.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/classify"
	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/events"
	"github.com/d-kuro/helpdeskauth/pkg/metrics"
)

// Phase is a step of an orchestrated run.
type Phase string

const (
	PhaseLoading  Phase = "loading"
	PhaseRetrying Phase = "retrying"
	PhaseSuccess  Phase = "success"
	PhaseError    Phase = "error"
)

// State is emitted to observers on every phase change.
type State struct {
	OperationID string
	Phase       Phase
	Attempt     int
	MaxAttempts int
	Message     string // set for PhaseError
}

// AttemptError is returned when a run gives up. Attempts is the number of times the
// operation was invoked.
type AttemptError struct {
	OperationID string
	Attempts    int
	Err         error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.OperationID, e.Attempts, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// AttemptsOf returns the attempt count recorded in err, or 0.
func AttemptsOf(err error) int {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Attempts
	}
	return 0
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Orchestrator coordinates retried operations.
type Orchestrator struct {
	mu       sync.Mutex
	inflight map[string]*run

	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     SleepFunc
	retryable func(classify.ClassifiedError) bool
	observers []func(State)
	events    events.Logger
	metrics   metrics.Recorder
}

type run struct {
	id        string
	cancel    context.CancelFunc
	mu        sync.Mutex
	cancelled bool
	reason    string
}

func (r *run) stop(reason string) {
	r.mu.Lock()
	if !r.cancelled {
		r.cancelled = true
		r.reason = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) stopped() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled, r.reason
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.baseDelay = d
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.maxDelay = d
	}
}

// WithSleep replaces the sleep function (for testing).
func WithSleep(sleep SleepFunc) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// WithRetryable restricts which recoverable errors are retried. Errors the classifier
// marks non-recoverable are never retried.
func WithRetryable(fn func(classify.ClassifiedError) bool) Option {
	return func(o *Orchestrator) {
		o.retryable = fn
	}
}

// WithObserver registers a state observer. Observers run synchronously.
func WithObserver(fn func(State)) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, fn)
	}
}

// WithEvents sets the structured event logger.
func WithEvents(l events.Logger) Option {
	return func(o *Orchestrator) {
		o.events = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an Orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		inflight:  make(map[string]*run),
		baseDelay: constants.DefaultBaseDelay,
		maxDelay:  constants.DefaultMaxDelay,
		sleep:     SleepContext,
		retryable: func(classify.ClassifiedError) bool { return true },
		events:    events.Nop{},
		metrics:   metrics.NewNoopRecorder(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Delay returns the orchestrator's backoff after the given failed attempt.
func (o *Orchestrator) Delay(attempt int) time.Duration {
	return Backoff(o.baseDelay, o.maxDelay, attempt)
}

// Backoff returns base × 2^(attempt-1), capped at limit when limit > 0.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Cancel stops the in-flight run for operationID, if any. Its caller receives a
// superseded error and its eventual result is discarded.
func (o *Orchestrator) Cancel(operationID string) {
	o.mu.Lock()
	r := o.inflight[operationID]
	delete(o.inflight, operationID)
	o.mu.Unlock()
	if r != nil {
		r.stop("cancelled")
	}
}

// CancelAll stops every in-flight run.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	runs := o.inflight
	o.inflight = make(map[string]*run)
	o.mu.Unlock()
	for _, r := range runs {
		r.stop("cancelled")
	}
}

func (o *Orchestrator) begin(ctx context.Context, operationID string) (context.Context, *run) {
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{id: uuid.NewString(), cancel: cancel}

	o.mu.Lock()
	prev := o.inflight[operationID]
	o.inflight[operationID] = r
	o.mu.Unlock()

	if prev != nil {
		prev.stop("superseded")
	}
	return runCtx, r
}

func (o *Orchestrator) end(operationID string, r *run) {
	o.mu.Lock()
	if o.inflight[operationID] == r {
		delete(o.inflight, operationID)
	}
	o.mu.Unlock()
	r.cancel()
}

func (o *Orchestrator) emit(s State) {
	for _, fn := range o.observers {
		fn(s)
	}
}

// Execute invokes op until it succeeds, maxAttempts invocations have been made, or the
// error is not worth retrying. maxAttempts <= 0 uses the default budget. Starting a
// run cancels any in-flight run with the same operation id.
func Execute[T any](ctx context.Context, o *Orchestrator, operationID string, maxAttempts int, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = constants.DefaultMaxRetries
	}

	runCtx, r := o.begin(ctx, operationID)
	defer o.end(operationID, r)

	o.emit(State{OperationID: operationID, Phase: PhaseLoading, Attempt: 1, MaxAttempts: maxAttempts})

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++

		if attempt > 1 {
			delay := o.Delay(attempt - 1)
			o.emit(State{OperationID: operationID, Phase: PhaseRetrying, Attempt: attempt, MaxAttempts: maxAttempts})
			o.events.LogEvent(events.CategoryRetry, map[string]any{
				"operation": operationID,
				"run_id":    r.id,
				"attempt":   attempt,
				"max":       maxAttempts,
				"delay_ms":  delay.Milliseconds(),
			})
			if err := o.sleep(runCtx, delay); err != nil {
				return zero, o.interrupted(ctx, operationID, r, attempt-1, lastErr)
			}
		}

		o.metrics.RecordRetryAttempt(operationID, attempt)
		v, err := op(runCtx, attempt)

		if stopped, _ := r.stopped(); stopped {
			return zero, o.interrupted(ctx, operationID, r, attempt, err)
		}
		if err == nil {
			o.emit(State{OperationID: operationID, Phase: PhaseSuccess, Attempt: attempt, MaxAttempts: maxAttempts})
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, o.interrupted(ctx, operationID, r, attempt, err)
		}

		ce := classify.Classify(err)
		if !ce.Recoverable || !o.retryable(ce) {
			break
		}
	}

	ce := classify.Classify(lastErr)
	o.emit(State{OperationID: operationID, Phase: PhaseError, Attempt: attempt, MaxAttempts: maxAttempts, Message: ce.Message})
	o.events.LogEvent(events.CategoryRetry, map[string]any{
		"operation": operationID,
		"run_id":    r.id,
		"attempt":   attempt,
		"max":       maxAttempts,
		"error":     ce.String(),
	})
	return zero, &AttemptError{OperationID: operationID, Attempts: attempt, Err: lastErr}
}

// interrupted builds the error for a run stopped by supersession, Cancel or the
// caller's context.
func (o *Orchestrator) interrupted(ctx context.Context, operationID string, r *run, attempts int, cause error) error {
	if stopped, reason := r.stopped(); stopped {
		o.events.LogEvent(events.CategoryRetry, map[string]any{
			"operation": operationID,
			"run_id":    r.id,
			"attempt":   attempts,
			"phase":     reason,
		})
		return &AttemptError{
			OperationID: operationID,
			Attempts:    attempts,
			Err:         apperrors.New(operationID, apperrors.KindSuperseded, "operation "+reason),
		}
	}
	err := ctx.Err()
	if err == nil {
		err = cause
	}
	o.emit(State{OperationID: operationID, Phase: PhaseError, Attempt: attempts, Message: classify.Classify(err).Message})
	return &AttemptError{OperationID: operationID, Attempts: attempts, Err: err}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
