package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/history"
	"github.com/tributary-ai/traffic-router/internal/narrator"
	"github.com/tributary-ai/traffic-router/internal/providers"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/traffic"
	"github.com/tributary-ai/traffic-router/internal/types"
)

// History operation names
const (
	OperationPlanRoute          = "plan_route"
	OperationAnalyzeTraffic     = "analyze_traffic"
	OperationAnalyzeInstruction = "analyze_instruction"
	OperationAnalyzePoint       = "analyze_point"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches the inbound request id to ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id attached to ctx, if any
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Dependencies wires the router to its collaborators. Narrator and History are optional.
type Dependencies struct {
	Routing  providers.RoutingProvider
	Analyzer *traffic.Analyzer
	Narrator *narrator.Narrator
	Executor *resilience.Executor
	History  *history.Recorder
	Clock    resilience.Clock
}

// Router plans routes and serves traffic analyses on top of the resilient executor
type Router struct {
	routing  providers.RoutingProvider
	analyzer *traffic.Analyzer
	narrator *narrator.Narrator
	executor *resilience.Executor
	history  *history.Recorder
	clock    resilience.Clock
	logger   *logrus.Logger

	mu                  sync.RWMutex
	checkers            map[string]providers.HealthChecker
	providerHealth      map[string]types.ProviderHealth
	lastHealthCheck     time.Time
	healthCheckInterval time.Duration
}

// NewRouter creates a new router instance
func NewRouter(deps Dependencies, logger *logrus.Logger) (*Router, error) {
	if deps.Routing == nil {
		return nil, errors.New("routing provider is required")
	}
	if deps.Analyzer == nil {
		return nil, errors.New("traffic analyzer is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if deps.Clock == nil {
		deps.Clock = resilience.RealClock{}
	}
	if deps.History == nil {
		deps.History = history.NewRecorder(&history.Config{Enabled: false}, logger, deps.Clock)
	}

	return &Router{
		routing:             deps.Routing,
		analyzer:            deps.Analyzer,
		narrator:            deps.Narrator,
		executor:            deps.Executor,
		history:             deps.History,
		clock:               deps.Clock,
		logger:              logger,
		checkers:            make(map[string]providers.HealthChecker),
		providerHealth:      make(map[string]types.ProviderHealth),
		healthCheckInterval: 30 * time.Second,
	}, nil
}

// RegisterHealthChecker adds a provider to the periodic health probes
func (r *Router) RegisterHealthChecker(name string, checker providers.HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkers[name] = checker
	r.providerHealth[name] = types.ProviderHealth{Status: "unknown"}
	r.logger.WithField("provider", name).Info("Provider registered for health checks")
}

// PlanRoute calculates a route and optionally analyses its traffic and narrates it.
// Only the route calculation can fail the request; analysis and narration fail open.
func (r *Router) PlanRoute(ctx context.Context, req *types.RouteRequest) (*types.RouteResponse, error) {
	if req == nil {
		return nil, resilience.NewError(resilience.CodeInvalidRequest, "route request is required")
	}
	start := r.clock.Now()
	if req.ID == "" {
		req.ID = r.requestID(ctx)
	}
	req.ApplyDefaults()
	if req.Timestamp.IsZero() {
		req.Timestamp = start.UTC()
	}

	entry := r.history.Begin(ctx, req.ID, OperationPlanRoute, routeParams(req))
	if err := req.Validate(); err != nil {
		perr := resilience.WrapError(resilience.CodeInvalidRequest, err, "invalid route request")
		r.history.Fail(entry, perr)
		return nil, perr
	}
	r.history.Processing(entry)

	decision := newPlanDecision(req.ID, r.routing.ProviderName())
	op := resilience.Operation{
		Provider:  r.routing.ProviderName(),
		Component: providers.ComponentRouting,
	}

	result, err := resilience.Execute(ctx, r.executor, op, func(ctx context.Context) (*types.RouteDescription, error) {
		return r.routing.CalculateRoute(ctx, req)
	})
	if err != nil {
		r.history.Fail(entry, err)
		r.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": req.ID,
			"error_code": resilience.CodeOf(err),
		}).Warn("Route calculation failed")
		return nil, err
	}

	route := result.Value
	decision.routeCalculated(result.Metadata, route)
	resp := &types.RouteResponse{ID: req.ID, Route: route}

	if pairs := traffic.ExtractJamPairs(route); len(pairs) > 0 {
		summary := traffic.SummarizeJams(route, pairs)
		resp.JamPairs = pairs
		resp.Jams = &summary
		decision.reason("Provider flagged %d traffic sections (%ds delay)", summary.Sections, summary.TotalDelaySeconds)
	}

	if req.IncludeTraffic {
		verdict, err := r.analyzer.AnalyzeRouteTraffic(ctx, route)
		if err != nil {
			decision.reason("Traffic analysis skipped: %v", err)
		} else {
			resp.Traffic = verdict
			decision.trafficVerdict(verdict)
		}
	}

	if req.IncludeNarrative {
		if r.narrator == nil {
			decision.reason("Narrative requested but no narrator is configured")
		} else {
			narrative := r.narrator.Narrate(ctx, route, resp.Traffic)
			resp.Narrative = narrative.Text
			decision.narrated(narrative)
		}
	}

	processing := r.clock.Since(start)
	resp.Metadata = decision.Metadata(processing)

	r.history.Succeed(entry, map[string]interface{}{
		"attempts":         decision.Attempts,
		"traffic_analyzed": decision.TrafficAnalyzed,
		"narrative_source": decision.NarrativeSource,
	})

	fields := logrus.Fields{
		"request_id":  req.ID,
		"provider":    decision.Provider,
		"attempts":    decision.Attempts,
		"duration_ms": processing.Milliseconds(),
	}
	if resp.Traffic != nil {
		fields["traffic"] = resp.Traffic.OverallCondition.String()
	}
	r.logger.WithFields(fields).Info("Route planned")

	return resp, nil
}

// AnalyzeTraffic runs a standalone traffic analysis of an existing route
func (r *Router) AnalyzeTraffic(ctx context.Context, route *types.RouteDescription) (*types.RouteTrafficVerdict, error) {
	entry := r.history.Begin(ctx, r.requestID(ctx), OperationAnalyzeTraffic, map[string]interface{}{
		"legs": routeLegCount(route),
	})
	r.history.Processing(entry)

	verdict, err := r.analyzer.AnalyzeRouteTraffic(ctx, route)
	if err != nil {
		if errors.Is(err, traffic.ErrNilRoute) {
			err = resilience.WrapError(resilience.CodeInvalidRequest, err, "invalid traffic request")
		}
		r.history.Fail(entry, err)
		return nil, err
	}

	r.history.Succeed(entry, map[string]interface{}{
		"overall_condition": verdict.OverallCondition.String(),
		"confidence":        string(verdict.Confidence),
	})
	return verdict, nil
}

// AnalyzeInstruction returns the traffic around a single guidance point of a route
func (r *Router) AnalyzeInstruction(ctx context.Context, route *types.RouteDescription, point types.Coordinate) (*types.SegmentVerdict, error) {
	entry := r.history.Begin(ctx, r.requestID(ctx), OperationAnalyzeInstruction, map[string]interface{}{
		"point": point.String(),
	})
	r.history.Processing(entry)

	verdict, err := r.analyzer.AnalyzeInstruction(ctx, route, point)
	if err != nil {
		if errors.Is(err, traffic.ErrNilRoute) {
			err = resilience.WrapError(resilience.CodeInvalidRequest, err, "invalid instruction request")
		}
		r.history.Fail(entry, err)
		return nil, err
	}

	r.history.Succeed(entry, map[string]interface{}{
		"segment_id": verdict.Segment.ID,
		"condition":  verdict.Condition.String(),
	})
	return verdict, nil
}

// AnalyzePoint returns the traffic on the road nearest a single location
func (r *Router) AnalyzePoint(ctx context.Context, point types.Coordinate) (*types.SegmentVerdict, error) {
	entry := r.history.Begin(ctx, r.requestID(ctx), OperationAnalyzePoint, map[string]interface{}{
		"point": point.String(),
	})
	r.history.Processing(entry)

	verdict, err := r.analyzer.AnalyzePoint(ctx, point)
	if err != nil {
		r.history.Fail(entry, err)
		return nil, err
	}

	r.history.Succeed(entry, map[string]interface{}{
		"condition": verdict.Condition.String(),
	})
	return verdict, nil
}

// Health reports breaker-derived system health. Any circuit that is not closed makes
// the system degraded. Provider probes are refreshed in the background.
func (r *Router) Health() *types.HealthStatus {
	r.mu.Lock()
	if len(r.checkers) > 0 && r.clock.Since(r.lastHealthCheck) > r.healthCheckInterval {
		// Use background context so the probe outlives the calling request
		go r.RefreshProviderHealth(context.Background())
		r.lastHealthCheck = r.clock.Now()
	}
	r.mu.Unlock()

	breakers := r.executor.Breakers().Snapshot()
	open := 0
	for _, b := range breakers {
		if b.State != resilience.StateClosed.String() {
			open++
		}
	}

	status := "healthy"
	if open > 0 {
		status = "degraded"
	}

	return &types.HealthStatus{
		Status:       status,
		OpenBreakers: open,
		Breakers:     breakers,
		Providers:    r.ProviderHealth(),
		LastChecked:  r.clock.Now().Unix(),
	}
}

// RefreshProviderHealth probes every registered provider
func (r *Router) RefreshProviderHealth(ctx context.Context) {
	r.mu.RLock()
	checkers := make(map[string]providers.HealthChecker, len(r.checkers))
	for name, c := range r.checkers {
		checkers[name] = c
	}
	r.mu.RUnlock()

	for name, checker := range checkers {
		start := r.clock.Now()
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := checker.HealthCheck(probeCtx)
		cancel()

		status := types.ProviderHealth{
			LastChecked:  r.clock.Now().Unix(),
			ResponseTime: r.clock.Since(start).Milliseconds(),
		}
		if err != nil {
			status.Status = "unhealthy"
			status.ErrorMessage = err.Error()
			r.logger.WithError(err).Warnf("Health check failed for %s", name)
		} else {
			status.Status = "healthy"
			r.logger.WithField("provider", name).Debug("Health check passed")
		}

		r.mu.Lock()
		r.providerHealth[name] = status
		r.mu.Unlock()
	}
}

// ProviderHealth returns a copy of the last probe results
func (r *Router) ProviderHealth() map[string]types.ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.providerHealth) == 0 {
		return nil
	}
	out := make(map[string]types.ProviderHealth, len(r.providerHealth))
	for name, h := range r.providerHealth {
		out[name] = h
	}
	return out
}

// ResetBreaker clears the circuits of a component; an empty kind clears every kind
func (r *Router) ResetBreaker(component, kind string) (int, error) {
	if component == "" {
		return 0, resilience.NewError(resilience.CodeInvalidRequest, "component is required")
	}
	return r.executor.Breakers().Reset(component, kind), nil
}

func (r *Router) requestID(ctx context.Context) string {
	if id := RequestID(ctx); id != "" {
		return id
	}
	return "req_" + uuid.NewString()
}

func routeParams(req *types.RouteRequest) map[string]interface{} {
	params := map[string]interface{}{
		"origin":            req.Origin.String(),
		"destination":       req.Destination.String(),
		"travel_mode":       string(req.TravelMode),
		"route_type":        string(req.RouteType),
		"include_traffic":   req.IncludeTraffic,
		"include_narrative": req.IncludeNarrative,
	}
	if len(req.Avoid) > 0 {
		params["avoid"] = req.Avoid
	}
	if req.DepartAt != nil {
		params["depart_at"] = req.DepartAt.UTC().Format(time.RFC3339)
	}
	return params
}

func routeLegCount(route *types.RouteDescription) int {
	if route == nil {
		return 0
	}
	return len(route.Legs)
}

