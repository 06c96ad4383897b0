package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/metrics"
)

// Decision is the result of a rate limit check
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
}

// WindowStore holds fixed-window counters
type WindowStore interface {
	// Increment bumps the counter of key in windowID and returns the new count.
	// Counters of older windows are discarded.
	Increment(ctx context.Context, key string, windowID int64, ttl time.Duration) (int, error)
	Reset(ctx context.Context, key string) error
}

// FixedWindowLimiter admits at most limit calls per key in each window
type FixedWindowLimiter struct {
	name   string
	limit  int
	window time.Duration
	clock  Clock
	store  WindowStore
	logger *logrus.Logger
}

// NewFixedWindowLimiter creates a limiter. A nil store uses process memory.
func NewFixedWindowLimiter(name string, limit int, window time.Duration, clock Clock, store WindowStore, logger *logrus.Logger) *FixedWindowLimiter {
	if window <= 0 {
		window = time.Second
	}
	if clock == nil {
		clock = RealClock{}
	}
	if store == nil {
		store = NewMemoryWindowStore()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FixedWindowLimiter{
		name:   name,
		limit:  limit,
		window: window,
		clock:  clock,
		store:  store,
		logger: logger,
	}
}

// Name identifies the limiter in logs and metrics
func (l *FixedWindowLimiter) Name() string { return l.name }

// Limit returns the per-window ceiling
func (l *FixedWindowLimiter) Limit() int { return l.limit }

// Window returns the window length
func (l *FixedWindowLimiter) Window() time.Duration { return l.window }

// Allow counts one call for key. Once the window's counter passes the ceiling the
// call is denied with RetryAfter set to the rest of the window.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (*Decision, error) {
	now := l.clock.Now()
	windowID := now.UnixNano() / int64(l.window)
	resetAt := time.Unix(0, (windowID+1)*int64(l.window))

	if l.limit <= 0 {
		return &Decision{Allowed: true, Limit: l.limit, ResetAt: resetAt}, nil
	}

	count, err := l.store.Increment(ctx, key, windowID, l.window)
	if err != nil {
		return nil, fmt.Errorf("rate limiter %s: %w", l.name, err)
	}

	if count <= l.limit {
		return &Decision{
			Allowed:   true,
			Limit:     l.limit,
			Remaining: l.limit - count,
			ResetAt:   resetAt,
		}, nil
	}

	retryAfter := resetAt.Sub(now)
	metrics.RateLimitRejectionsTotal.WithLabelValues(l.name).Inc()
	l.logger.WithFields(logrus.Fields{
		"limiter":     l.name,
		"key":         key,
		"retry_after": retryAfter,
	}).Warn("Rate limit exceeded")

	return &Decision{
		Allowed:    false,
		Limit:      l.limit,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}, nil
}

// Reset clears the counters of key
func (l *FixedWindowLimiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// sweepThreshold is the key count above which stale windows are dropped
const sweepThreshold = 1024

type windowCounter struct {
	windowID int64
	count    int
}

// MemoryWindowStore keeps counters in process memory
type MemoryWindowStore struct {
	mu     sync.Mutex
	counts map[string]*windowCounter
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{counts: make(map[string]*windowCounter)}
}

func (s *MemoryWindowStore) Increment(_ context.Context, key string, windowID int64, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wc, ok := s.counts[key]
	if !ok || wc.windowID != windowID {
		if !ok && len(s.counts) >= sweepThreshold {
			s.sweep(windowID)
		}
		wc = &windowCounter{windowID: windowID}
		s.counts[key] = wc
	}
	wc.count++
	return wc.count, nil
}

func (s *MemoryWindowStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, key)
	return nil
}

// Len returns the number of tracked keys
func (s *MemoryWindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counts)
}

func (s *MemoryWindowStore) sweep(current int64) {
	for key, wc := range s.counts {
		if wc.windowID < current {
			delete(s.counts, key)
		}
	}
}
