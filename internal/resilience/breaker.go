package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/metrics"
	"github.com/tributary-ai/traffic-router/internal/types"
)

// DefaultFailureKind is the breaker kind checked before a component has failed at all
const DefaultFailureKind = "GENERAL"

// BreakerState is the state of one circuit
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerKey partitions breaker state by component and failure kind
type BreakerKey struct {
	Component string
	Kind      string
}

func (k BreakerKey) String() string {
	return k.Component + ":" + k.Kind
}

// BreakerSettings controls when a circuit opens and how long it stays open
type BreakerSettings struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// DefaultBreakerSettings opens after 10 failures for 60 seconds
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{Threshold: 10, Cooldown: 60 * time.Second}
}

// Admission is a permit to make one attempt. Probe is set when the attempt is the
// single trial call of a half-open circuit.
type Admission struct {
	Key   BreakerKey
	Probe bool
}

type circuit struct {
	state         BreakerState
	failures      int
	lastFailure   time.Time
	openUntil     time.Time
	probeInFlight bool
}

// BreakerRegistry owns every circuit of the process. Pass one instance to every executor.
type BreakerRegistry struct {
	mu        sync.Mutex
	clock     Clock
	logger    *logrus.Logger
	defaults  BreakerSettings
	overrides map[string]BreakerSettings
	circuits  map[BreakerKey]*circuit
	lastKind  map[string]string
}

// NewBreakerRegistry creates an empty registry
func NewBreakerRegistry(defaults BreakerSettings, clock Clock, logger *logrus.Logger) *BreakerRegistry {
	if defaults.Threshold <= 0 {
		defaults.Threshold = DefaultBreakerSettings().Threshold
	}
	if defaults.Cooldown <= 0 {
		defaults.Cooldown = DefaultBreakerSettings().Cooldown
	}
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BreakerRegistry{
		clock:     clock,
		logger:    logger,
		defaults:  defaults,
		overrides: make(map[string]BreakerSettings),
		circuits:  make(map[BreakerKey]*circuit),
		lastKind:  make(map[string]string),
	}
}

// SetComponentSettings overrides threshold and cooldown for one component
func (b *BreakerRegistry) SetComponentSettings(component string, settings BreakerSettings) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if settings.Threshold <= 0 {
		settings.Threshold = b.defaults.Threshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = b.defaults.Cooldown
	}
	b.overrides[component] = settings
}

// Settings returns the effective settings of a component
func (b *BreakerRegistry) Settings(component string) BreakerSettings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settingsLocked(component)
}

func (b *BreakerRegistry) settingsLocked(component string) BreakerSettings {
	if s, ok := b.overrides[component]; ok {
		return s
	}
	return b.defaults
}

// Allow checks the circuit of the component's last failure kind and admits one attempt.
// Once a circuit trips, the checked kind stays on it until it closes or is reset.
// An open circuit yields a SERVICE_UNAVAILABLE error carrying the remaining cooldown.
func (b *BreakerRegistry) Allow(component string) (Admission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kind, ok := b.lastKind[component]
	if !ok {
		kind = DefaultFailureKind
	}
	key := BreakerKey{Component: component, Kind: kind}

	c, ok := b.circuits[key]
	if !ok {
		return Admission{Key: key}, nil
	}

	now := b.clock.Now()
	switch c.state {
	case StateOpen:
		if now.Before(c.openUntil) {
			return Admission{}, b.rejection(key, c.openUntil.Sub(now))
		}
		b.transition(key, c, StateHalfOpen)
		c.probeInFlight = true
		return Admission{Key: key, Probe: true}, nil
	case StateHalfOpen:
		if c.probeInFlight {
			return Admission{}, b.rejection(key, 0)
		}
		c.probeInFlight = true
		return Admission{Key: key, Probe: true}, nil
	default:
		return Admission{Key: key}, nil
	}
}

// RecordSuccess closes and clears every circuit of the admitted component
func (b *BreakerRegistry) RecordSuccess(adm Admission) {
	b.mu.Lock()
	defer b.mu.Unlock()

	component := adm.Key.Component
	for key, c := range b.circuits {
		if key.Component != component {
			continue
		}
		if c.state != StateClosed {
			b.transition(key, c, StateClosed)
			b.logger.WithFields(logrus.Fields{
				"component": key.Component,
				"kind":      key.Kind,
			}).Info("Circuit breaker closed")
		}
		delete(b.circuits, key)
	}
	delete(b.lastKind, component)
}

// RecordFailure counts one failed attempt of the given kind against the component.
// A failed probe re-opens the probed circuit with a fresh cooldown.
func (b *BreakerRegistry) RecordFailure(adm Admission, kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if kind == "" {
		kind = DefaultFailureKind
	}
	component := adm.Key.Component
	now := b.clock.Now()
	settings := b.settingsLocked(component)

	key := BreakerKey{Component: component, Kind: kind}
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	c.failures++
	c.lastFailure = now
	// The checked kind stays on a tripped circuit until it closes
	if !b.trippedLocked(component) {
		b.lastKind[component] = kind
	}

	if adm.Probe {
		if probed, ok := b.circuits[adm.Key]; ok {
			probed.probeInFlight = false
			b.open(adm.Key, probed, now, settings)
			b.lastKind[component] = adm.Key.Kind
		}
		return
	}

	if c.state == StateClosed && c.failures >= settings.Threshold {
		b.open(key, c, now, settings)
	}
}

func (b *BreakerRegistry) trippedLocked(component string) bool {
	kind, ok := b.lastKind[component]
	if !ok {
		return false
	}
	c, ok := b.circuits[BreakerKey{Component: component, Kind: kind}]
	return ok && c.state != StateClosed
}

// Release returns an unused probe slot without changing state
func (b *BreakerRegistry) Release(adm Admission) {
	if !adm.Probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[adm.Key]; ok {
		c.probeInFlight = false
	}
}

// Reset clears the circuits of a component. An empty kind clears every kind.
func (b *BreakerRegistry) Reset(component, kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cleared := 0
	for key, c := range b.circuits {
		if key.Component != component || (kind != "" && key.Kind != kind) {
			continue
		}
		b.transition(key, c, StateClosed)
		delete(b.circuits, key)
		cleared++
	}
	if kind == "" || b.lastKind[component] == kind {
		delete(b.lastKind, component)
		for key, c := range b.circuits {
			if key.Component == component && c.state != StateClosed {
				b.lastKind[component] = key.Kind
				break
			}
		}
	}

	b.logger.WithFields(logrus.Fields{
		"component": component,
		"kind":      kind,
		"cleared":   cleared,
	}).Info("Circuit breaker reset")
	return cleared
}

// State reports the state of one circuit. Untracked circuits are closed.
func (b *BreakerRegistry) State(component, kind string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[BreakerKey{Component: component, Kind: kind}]; ok {
		return c.state
	}
	return StateClosed
}

// Failures reports the failure count of one circuit
func (b *BreakerRegistry) Failures(component, kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[BreakerKey{Component: component, Kind: kind}]; ok {
		return c.failures
	}
	return 0
}

// Snapshot returns every tracked circuit sorted by key
func (b *BreakerRegistry) Snapshot() []types.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.BreakerStatus, 0, len(b.circuits))
	for key, c := range b.circuits {
		status := types.BreakerStatus{
			Component:    key.Component,
			Kind:         key.Kind,
			State:        c.state.String(),
			FailureCount: c.failures,
		}
		if !c.lastFailure.IsZero() {
			lastFailure := c.lastFailure
			status.LastFailure = &lastFailure
		}
		if c.state != StateClosed {
			openUntil := c.openUntil
			status.OpenUntil = &openUntil
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (b *BreakerRegistry) open(key BreakerKey, c *circuit, now time.Time, settings BreakerSettings) {
	b.transition(key, c, StateOpen)
	c.openUntil = now.Add(settings.Cooldown)

	b.logger.WithFields(logrus.Fields{
		"component":  key.Component,
		"kind":       key.Kind,
		"failures":   c.failures,
		"open_until": c.openUntil.Format(time.RFC3339),
	}).Warn("Circuit breaker opened")
}

func (b *BreakerRegistry) transition(key BreakerKey, c *circuit, to BreakerState) {
	c.state = to
	if to == StateClosed {
		c.failures = 0
		c.probeInFlight = false
	}
	metrics.BreakerState.WithLabelValues(key.Component, key.Kind).Set(float64(to))
	metrics.BreakerTransitionsTotal.WithLabelValues(key.Component, key.Kind, to.String()).Inc()
}

func (b *BreakerRegistry) rejection(key BreakerKey, retryAfter time.Duration) error {
	return &ProviderError{
		Code:       CodeServiceUnavailable,
		Component:  key.Component,
		RetryAfter: retryAfter,
		Message:    "circuit open for " + key.String(),
		Err:        ErrBreakerOpen,
	}
}
