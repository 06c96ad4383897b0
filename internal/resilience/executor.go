package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/metrics"
)

// Call performs one provider round trip
type Call[T any] func(ctx context.Context) (T, error)

// Operation names the call for breaker, limiter and retry policy lookups
type Operation struct {
	Provider  string
	Component string
	Classify  Classifier
}

// CallMetadata describes how a resilient call was served
type CallMetadata struct {
	Provider    string          `json:"provider"`
	Component   string          `json:"component"`
	Attempts    int             `json:"attempts"`
	Elapsed     time.Duration   `json:"elapsed"`
	RetryDelays []time.Duration `json:"retry_delays,omitempty"`
}

// Result is a successful call's value plus metadata
type Result[T any] struct {
	Value    T
	Metadata CallMetadata
}

// SleepFunc waits between attempts
type SleepFunc func(ctx context.Context, d time.Duration) error

// ExecutorOption customises an Executor
type ExecutorOption func(*Executor)

// WithClock sets the clock used for elapsed time
func WithClock(clock Clock) ExecutorOption {
	return func(e *Executor) { e.clock = clock }
}

// WithSleep replaces the backoff sleep
func WithSleep(sleep SleepFunc) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// WithJitter replaces the jitter source; it must return values in [0, 1)
func WithJitter(jitter func() float64) ExecutorOption {
	return func(e *Executor) { e.jitter = jitter }
}

// LimiterKey names the limiter of one component of a provider. A limiter registered
// under this key takes precedence over the provider-wide one.
func LimiterKey(provider, component string) string {
	return provider + "_" + component
}

// WithLimiter attaches an outbound limiter to a provider, or to one of its
// components when registered under LimiterKey
func WithLimiter(provider string, limiter *FixedWindowLimiter) ExecutorOption {
	return func(e *Executor) { e.limiters[provider] = limiter }
}

// WithRetryPolicy sets the retry policy of one component
func WithRetryPolicy(component string, policy RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.policies[component] = policy }
}

// WithDefaultRetryPolicy sets the policy used by components without their own
func WithDefaultRetryPolicy(policy RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.defaultPolicy = policy }
}

// Executor runs provider calls behind a circuit breaker, a rate limiter and a retry loop
type Executor struct {
	breakers      *BreakerRegistry
	limiters      map[string]*FixedWindowLimiter
	policies      map[string]RetryPolicy
	defaultPolicy RetryPolicy
	clock         Clock
	sleep         SleepFunc
	jitter        func() float64
	logger        *logrus.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewExecutor creates an executor sharing the given breaker registry
func NewExecutor(breakers *BreakerRegistry, logger *logrus.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Executor{
		breakers:      breakers,
		limiters:      make(map[string]*FixedWindowLimiter),
		policies:      make(map[string]RetryPolicy),
		defaultPolicy: DefaultRetryPolicy(),
		clock:         RealClock{},
		sleep:         SleepWithContext,
		logger:        logger,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.jitter = e.randomJitter
	for _, opt := range opts {
		opt(e)
	}
	if e.breakers == nil {
		e.breakers = NewBreakerRegistry(DefaultBreakerSettings(), e.clock, logger)
	}
	return e
}

// Breakers exposes the shared breaker registry
func (e *Executor) Breakers() *BreakerRegistry {
	return e.breakers
}

// Limiter returns the outbound limiter of a provider, nil when unlimited
func (e *Executor) Limiter(provider string) *FixedWindowLimiter {
	return e.limiters[provider]
}

// Policy returns the retry policy of a component
func (e *Executor) Policy(component string) RetryPolicy {
	if p, ok := e.policies[component]; ok {
		return p
	}
	return e.defaultPolicy
}

func (e *Executor) randomJitter() float64 {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.rand.Float64()
}

type attemptOutcome[T any] struct {
	value    T
	err      error
	timedOut bool
}

// Execute runs call under the executor's resilience policies. Expected failures come
// back as *ProviderError; caller cancellation comes back as the context's error and
// leaves breaker state untouched.
func Execute[T any](ctx context.Context, e *Executor, op Operation, call Call[T]) (*Result[T], error) {
	start := e.clock.Now()
	classify := op.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	policy := e.Policy(op.Component)
	meta := CallMetadata{Provider: op.Provider, Component: op.Component}

	logger := e.logger.WithFields(logrus.Fields{
		"provider":  op.Provider,
		"component": op.Component,
	})

	adm, err := e.breakers.Allow(op.Component)
	if err != nil {
		logger.WithError(err).Debug("Call rejected by open circuit")
		return nil, e.fail(op, start, err)
	}

	if limiter, bucket := e.limiterFor(op); limiter != nil {
		decision, err := limiter.Allow(ctx, bucket)
		if err != nil {
			logger.WithError(err).Warn("Rate limiter unavailable, allowing call")
		} else if !decision.Allowed {
			e.breakers.Release(adm)
			return nil, e.fail(op, start, &ProviderError{
				Code:       CodeRateLimit,
				Component:  op.Component,
				RetryAfter: decision.RetryAfter,
				Message:    fmt.Sprintf("%s call ceiling of %d per window reached", op.Provider, decision.Limit),
				Err:        ErrRateLimited,
			})
		}
	}

	maxAttempts := policy.MaxAttempts()
	var lastErr error
	var lastCode ErrorCode

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			var previous time.Duration
			if n := len(meta.RetryDelays); n > 0 {
				previous = meta.RetryDelays[n-1]
			}
			delay := policy.NextDelay(attempt-1, e.jitter(), previous)
			meta.RetryDelays = append(meta.RetryDelays, delay)
			metrics.ProviderRetriesTotal.WithLabelValues(op.Provider, op.Component).Inc()

			logger.WithFields(logrus.Fields{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			}).Debug("Retrying provider call after backoff delay")

			if err := e.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%s call cancelled during retry backoff: %w", op.Component, err)
			}

			adm, err = e.breakers.Allow(op.Component)
			if err != nil {
				if pe, ok := AsProviderError(err); ok {
					pe.Attempts = attempt - 1
				}
				return nil, e.fail(op, start, err)
			}
		}

		meta.Attempts = attempt
		outcome := runAttempt(ctx, policy.AttemptTimeout, call)

		if outcome.err == nil {
			e.breakers.RecordSuccess(adm)
			meta.Elapsed = e.clock.Since(start)
			metrics.ObserveProviderCall(op.Provider, op.Component, "success", meta.Elapsed)
			return &Result[T]{Value: outcome.value, Metadata: meta}, nil
		}

		if ctx.Err() != nil {
			e.breakers.Release(adm)
			return nil, fmt.Errorf("%s call cancelled: %w", op.Component, ctx.Err())
		}

		code := CodeOf(outcome.err)
		class := classify(outcome.err)
		if outcome.timedOut {
			code = CodeTimeout
			class = Retryable
		}
		e.breakers.RecordFailure(adm, string(code))
		lastErr = outcome.err
		lastCode = code

		logger.WithFields(logrus.Fields{
			"attempt":        attempt,
			"max_attempts":   maxAttempts,
			"error_code":     code,
			"classification": class.String(),
		}).WithError(outcome.err).Warn("Provider call attempt failed")

		if class == Terminal {
			return nil, e.fail(op, start, terminalError(outcome.err, code, op.Component, attempt))
		}
	}

	exhausted := &ProviderError{
		Code:      CodeMaxRetriesExceeded,
		Component: op.Component,
		Attempts:  meta.Attempts,
		Message:   fmt.Sprintf("gave up after %d attempts", meta.Attempts),
		Err:       lastErr,
	}
	if lastCode == CodeTimeout {
		exhausted.Code = CodeTimeout
		exhausted.Message = fmt.Sprintf("timed out on all %d attempts", meta.Attempts)
	}
	if pe, ok := AsProviderError(lastErr); ok {
		exhausted.StatusCode = pe.StatusCode
	}
	return nil, e.fail(op, start, exhausted)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, call Call[T]) attemptOutcome[T] {
	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptOutcome[T], 1)
	go func() {
		value, err := call(attemptCtx)
		done <- attemptOutcome[T]{value: value, err: err}
	}()

	select {
	case outcome := <-done:
		if outcome.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			outcome.timedOut = true
		}
		return outcome
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return attemptOutcome[T]{err: ctx.Err()}
		}
		return attemptOutcome[T]{err: attemptCtx.Err(), timedOut: true}
	}
}

func terminalError(err error, code ErrorCode, component string, attempts int) *ProviderError {
	if pe, ok := AsProviderError(err); ok {
		out := *pe
		out.Component = component
		out.Attempts = attempts
		return &out
	}
	return &ProviderError{
		Code:      code,
		Component: component,
		Attempts:  attempts,
		Message:   err.Error(),
		Err:       err,
	}
}

func (e *Executor) fail(op Operation, start time.Time, err error) error {
	elapsed := e.clock.Since(start)
	metrics.ObserveProviderCall(op.Provider, op.Component, string(CodeOf(err)), elapsed)
	return err
}

func (e *Executor) limiterFor(op Operation) (*FixedWindowLimiter, string) {
	if key := LimiterKey(op.Provider, op.Component); e.limiters[key] != nil {
		return e.limiters[key], key
	}
	return e.limiters[op.Provider], op.Provider
}
