package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/metrics"
	"github.com/tributary-ai/traffic-router/internal/resilience"
)

// Config holds request history configuration
type Config struct {
	Enabled         bool           `yaml:"enabled"`
	BufferSize      int            `yaml:"buffer_size"`
	FlushInterval   time.Duration  `yaml:"flush_interval"`
	WriteTimeout    time.Duration  `yaml:"write_timeout"`
	SensitiveFields []string       `yaml:"sensitive_fields"`
	Postgres        PostgresConfig `yaml:"postgres"`
	AMQP            AMQPConfig     `yaml:"amqp"`
}

// Sink persists or publishes history entries
type Sink interface {
	Name() string
	Write(ctx context.Context, entries []Entry) error
	Close() error
}

type contextKey string

const clientIDKey contextKey = "history_client_id"

// WithClientID attaches the calling client's identity to ctx for history entries
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientID returns the client identity attached to ctx
func ClientID(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}

// Recorder writes request history in the background. Recording never blocks the
// request path: when the buffer is full the entry is dropped with a warning.
type Recorder struct {
	config   *Config
	sinks    []Sink
	clock    resilience.Clock
	logger   *logrus.Logger
	buffer   chan Entry
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.RWMutex
	recorded int64
	dropped  int64
	stopped  bool
}

// NewRecorder creates a recorder and starts its processor when enabled
func NewRecorder(config *Config, logger *logrus.Logger, clock resilience.Clock, sinks ...Sink) *Recorder {
	if config == nil {
		config = &Config{}
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if clock == nil {
		clock = resilience.RealClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &Recorder{
		config:   config,
		sinks:    sinks,
		clock:    clock,
		logger:   logger,
		buffer:   make(chan Entry, config.BufferSize),
		stopChan: make(chan struct{}),
	}

	if config.Enabled {
		r.wg.Add(1)
		go r.process()
	}

	return r
}

// Begin records a RECEIVED entry for a new request and returns it for later updates
func (r *Recorder) Begin(ctx context.Context, requestID, operation string, params map[string]interface{}) *Entry {
	now := r.clock.Now().UTC()
	entry := &Entry{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Operation: operation,
		Params:    r.sanitize(params),
		Status:    StatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry.ClientID = ClientID(ctx)
	r.enqueue(entry)
	return entry
}

// Processing marks the request as in progress
func (r *Recorder) Processing(entry *Entry) {
	if entry == nil || entry.Status.Terminal() {
		return
	}
	entry.Status = StatusProcessing
	entry.UpdatedAt = r.clock.Now().UTC()
	r.enqueue(entry)
}

// Succeed closes the entry as SUCCESS
func (r *Recorder) Succeed(entry *Entry, metadata map[string]interface{}) {
	if entry == nil || entry.Status.Terminal() {
		return
	}
	r.complete(entry, StatusSuccess)
	entry.Metadata = r.sanitize(metadata)
	r.enqueue(entry)
}

// Fail closes the entry as ERROR with the failure's error code
func (r *Recorder) Fail(entry *Entry, err error) {
	if entry == nil || entry.Status.Terminal() {
		return
	}
	r.complete(entry, StatusError)
	if err != nil {
		entry.Error = err.Error()
		entry.ErrorCode = string(resilience.CodeOf(err))
		if errors.Is(err, context.Canceled) {
			entry.ErrorCode = "CANCELLED"
		}
	}
	r.enqueue(entry)
}

func (r *Recorder) complete(entry *Entry, status Status) {
	now := r.clock.Now().UTC()
	entry.Status = status
	entry.UpdatedAt = now
	entry.CompletedAt = &now
	entry.DurationMs = now.Sub(entry.CreatedAt).Milliseconds()
}

// Recorded returns how many entries were accepted into the buffer
func (r *Recorder) Recorded() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recorded
}

// Dropped returns how many entries were discarded because the buffer was full
func (r *Recorder) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Stop flushes pending entries and closes every sink
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.config.Enabled || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			r.logger.WithError(err).WithField("sink", sink.Name()).Warn("Failed to close history sink")
		}
	}
}

func (r *Recorder) enqueue(entry *Entry) {
	r.mu.RLock()
	enabled := r.config.Enabled
	stopped := r.stopped
	r.mu.RUnlock()

	if !enabled || stopped {
		return
	}

	select {
	case r.buffer <- entry.snapshot():
		r.mu.Lock()
		r.recorded++
		r.mu.Unlock()
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		metrics.HistoryDroppedTotal.Inc()
		r.logger.WithFields(logrus.Fields{
			"request_id": entry.RequestID,
			"status":     entry.Status,
		}).Warn("History buffer full, dropping entry")
	}
}

func (r *Recorder) process() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, 100)

	for {
		select {
		case entry := <-r.buffer:
			batch = append(batch, entry)
			if len(batch) >= 100 {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-r.stopChan:
			for {
				select {
				case entry := <-r.buffer:
					batch = append(batch, entry)
				default:
					if len(batch) > 0 {
						r.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(batch []Entry) {
	for _, sink := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
		if err := sink.Write(ctx, batch); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"sink":    sink.Name(),
				"entries": len(batch),
			}).Warn("Failed to write history entries")
		}
		cancel()
	}
}

func (r *Recorder) sanitize(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		if r.isSensitiveField(key) {
			out[key] = "***REDACTED***"
			continue
		}
		out[key] = value
	}
	return out
}

func (r *Recorder) isSensitiveField(field string) bool {
	lower := strings.ToLower(field)
	for _, sensitive := range []string{"password", "token", "secret", "api_key", "apikey", "authorization", "credential"} {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	for _, sensitive := range r.config.SensitiveFields {
		if strings.EqualFold(field, sensitive) {
			return true
		}
	}
	return false
}
