package traffic

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/types"
)

// fakeFlowProvider answers flow requests by the centre of the requested box
type fakeFlowProvider struct {
	mu       sync.Mutex
	samples  map[types.Coordinate]*types.FlowSample
	failures map[types.Coordinate]error
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func newFakeFlowProvider() *fakeFlowProvider {
	return &fakeFlowProvider{
		samples:  make(map[types.Coordinate]*types.FlowSample),
		failures: make(map[types.Coordinate]error),
	}
}

func (f *fakeFlowProvider) ProviderName() string { return "tomtom" }

func (f *fakeFlowProvider) FlowSegment(ctx context.Context, bbox types.BoundingBox) (*types.FlowSample, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	center := roundCoord(bbox.Center())
	if err, ok := f.failures[center]; ok {
		return nil, err
	}
	if s, ok := f.samples[center]; ok {
		return s, nil
	}
	return &types.FlowSample{}, nil
}

func (f *fakeFlowProvider) set(seg types.RouteSegment, ratio float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[roundCoord(seg.Bounds().Center())] = &types.FlowSample{
		CurrentSpeed:  floatPtr(50 * ratio),
		FreeFlowSpeed: floatPtr(50),
	}
}

func (f *fakeFlowProvider) fail(seg types.RouteSegment, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[roundCoord(seg.Bounds().Center())] = err
}

func roundCoord(c types.Coordinate) types.Coordinate {
	round := func(v float64) float64 { return float64(int64(v*1e6+0.5)) / 1e6 }
	return types.Coordinate{Lat: round(c.Lat), Lon: round(c.Lon)}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestExecutor() *resilience.Executor {
	logger := quietLogger()
	return resilience.NewExecutor(
		resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings(), nil, logger),
		logger,
		resilience.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
		resilience.WithDefaultRetryPolicy(resilience.RetryPolicy{MaxRetries: 1, AttemptTimeout: time.Second}),
	)
}

func threeSegmentRoute() *types.RouteDescription {
	return &types.RouteDescription{
		Legs: []types.RouteLeg{{Points: []types.Coordinate{
			coord(52.50, 13.40), coord(52.51, 13.41), coord(52.52, 13.42), coord(52.53, 13.43),
		}}},
	}
}

func TestAnalyzer_AnalyzeRouteTraffic(t *testing.T) {
	route := threeSegmentRoute()
	segments := ExtractSegments(route)
	provider := newFakeFlowProvider()
	provider.set(segments[0], 0.9)
	provider.set(segments[1], 0.5)
	provider.set(segments[2], 0.2)

	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.FixedZone("CET", 3600))
	analyzer := NewAnalyzer(NewSampler(provider, newTestExecutor(), quietLogger()), resilience.NewManualClock(now), quietLogger())

	verdict, err := analyzer.AnalyzeRouteTraffic(context.Background(), route)
	require.NoError(t, err)

	assert.Equal(t, types.ConditionCongested, verdict.OverallCondition)
	assert.Equal(t, 23, verdict.TotalDelayMinutes)
	assert.Equal(t, types.ConfidenceHigh, verdict.Confidence)
	assert.Equal(t, now.UTC(), verdict.AnalyzedAt)
	assert.Equal(t, time.UTC, verdict.AnalyzedAt.Location())
	assert.Equal(t, int32(3), provider.calls.Load())
}

func TestAnalyzer_FailOpen(t *testing.T) {
	route := threeSegmentRoute()
	segments := ExtractSegments(route)
	provider := newFakeFlowProvider()
	provider.set(segments[0], 0.9)
	provider.fail(segments[1], &resilience.ProviderError{Code: resilience.CodeServiceUnavailable, StatusCode: 503})
	provider.fail(segments[2], &resilience.ProviderError{Code: resilience.CodeUnauthorized, StatusCode: 403})

	analyzer := NewAnalyzer(NewSampler(provider, newTestExecutor(), quietLogger()), nil, quietLogger())

	verdict, err := analyzer.AnalyzeRouteTraffic(context.Background(), route)
	require.NoError(t, err)
	require.Len(t, verdict.Segments, 3)

	assert.Equal(t, types.ConditionLight, verdict.Segments[0].Condition)
	assert.Equal(t, "No traffic information", verdict.Segments[1].Description)
	assert.Equal(t, types.ConditionUnknown, verdict.Segments[2].Condition)
	assert.Equal(t, types.ConfidenceHigh, verdict.Confidence)
	assert.Equal(t, 1, verdict.SegmentsWithData)
}

func TestAnalyzer_AllSamplesFail(t *testing.T) {
	route := threeSegmentRoute()
	provider := newFakeFlowProvider()
	for _, seg := range ExtractSegments(route) {
		provider.fail(seg, &resilience.ProviderError{Code: resilience.CodeTimeout})
	}

	analyzer := NewAnalyzer(NewSampler(provider, newTestExecutor(), quietLogger()), nil, quietLogger())

	verdict, err := analyzer.AnalyzeRouteTraffic(context.Background(), route)
	require.NoError(t, err)
	assert.Equal(t, types.ConditionModerate, verdict.OverallCondition)
	assert.Equal(t, types.ConfidenceLow, verdict.Confidence)
	assert.Equal(t, 0, verdict.TotalDelayMinutes)
}

func TestAnalyzer_NoSegments(t *testing.T) {
	provider := newFakeFlowProvider()
	analyzer := NewAnalyzer(NewSampler(provider, newTestExecutor(), quietLogger()), nil, quietLogger())

	verdict, err := analyzer.AnalyzeRouteTraffic(context.Background(), &types.RouteDescription{})
	require.NoError(t, err)
	assert.Equal(t, types.ConditionUnknown, verdict.OverallCondition)
	assert.Equal(t, types.ConfidenceLow, verdict.Confidence)
	assert.Equal(t, int32(0), provider.calls.Load())
}

func TestAnalyzer_NilRoute(t *testing.T) {
	analyzer := NewAnalyzer(NewSampler(newFakeFlowProvider(), newTestExecutor(), quietLogger()), nil, quietLogger())

	_, err := analyzer.AnalyzeRouteTraffic(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilRoute)

	_, err = analyzer.AnalyzeInstruction(context.Background(), nil, coord(1, 1))
	assert.ErrorIs(t, err, ErrNilRoute)
}

func TestAnalyzer_AnalyzeInstruction(t *testing.T) {
	route := threeSegmentRoute()
	segments := ExtractSegments(route)
	provider := newFakeFlowProvider()
	provider.set(segments[1], 0.5)

	analyzer := NewAnalyzer(NewSampler(provider, newTestExecutor(), quietLogger()), nil, quietLogger())

	verdict, err := analyzer.AnalyzeInstruction(context.Background(), route, coord(52.515, 13.415))
	require.NoError(t, err)
	assert.Equal(t, "leg_1", verdict.Segment.ID)
	assert.Equal(t, types.ConditionHeavy, verdict.Condition)
	assert.Equal(t, int32(1), provider.calls.Load())

	missing, err := analyzer.AnalyzeInstruction(context.Background(), route, coord(48.85, 2.35))
	require.NoError(t, err)
	assert.Equal(t, InstructionNotFoundID, missing.Segment.ID)
	assert.Equal(t, types.ConditionUnknown, missing.Condition)
	assert.Equal(t, int32(1), provider.calls.Load())

	_, err = analyzer.AnalyzeInstruction(context.Background(), route, coord(91, 0))
	require.Error(t, err)
	assert.Equal(t, resilience.CodeInvalidRequest, resilience.CodeOf(err))
}

func TestSampler_PreservesOrderAndTagsFailures(t *testing.T) {
	route := threeSegmentRoute()
	segments := ExtractSegments(route)
	provider := newFakeFlowProvider()
	provider.delay = 5 * time.Millisecond
	provider.set(segments[0], 0.9)
	provider.fail(segments[1], &resilience.ProviderError{Code: resilience.CodeInvalidRequest, StatusCode: 400})
	provider.set(segments[2], 0.2)

	sampler := NewSampler(provider, newTestExecutor(), quietLogger())
	results := sampler.SampleSegments(context.Background(), segments)

	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, segments[i].ID, r.Segment.ID)
	}
	assert.True(t, results[0].HasData())
	assert.True(t, results[1].Unavailable)
	assert.Equal(t, "INVALID_REQUEST", results[1].ErrorCode)
	assert.True(t, results[2].HasData())
}

func TestSampler_MaxConcurrency(t *testing.T) {
	points := make([]types.Coordinate, 0, 9)
	for i := 0; i < 9; i++ {
		points = append(points, coord(52.50+float64(i)*0.01, 13.40+float64(i)*0.01))
	}
	segments := ExtractSegments(&types.RouteDescription{Legs: []types.RouteLeg{{Points: points}}})
	require.Len(t, segments, 8)

	provider := newFakeFlowProvider()
	provider.delay = 10 * time.Millisecond
	sampler := NewSampler(provider, newTestExecutor(), quietLogger(), WithMaxConcurrency(2))

	results := sampler.SampleSegments(context.Background(), segments)
	assert.Len(t, results, 8)
	assert.Equal(t, int32(8), provider.calls.Load())
	assert.LessOrEqual(t, provider.maxSeen.Load(), int32(2))
}

func TestSampler_UsesExpandedBoundingBox(t *testing.T) {
	var got types.BoundingBox
	provider := &recordingFlowProvider{onCall: func(b types.BoundingBox) { got = b }}
	sampler := NewSampler(provider, newTestExecutor(), quietLogger())

	seg := types.RouteSegment{ID: "leg_0", Start: coord(52.0, 13.0), End: coord(53.0, 15.0)}
	sampler.SampleSegment(context.Background(), seg)

	assert.InDelta(t, 51.9, got.MinLat, 1e-9)
	assert.InDelta(t, 12.8, got.MinLon, 1e-9)
	assert.InDelta(t, 53.1, got.MaxLat, 1e-9)
	assert.InDelta(t, 15.2, got.MaxLon, 1e-9)
}

type recordingFlowProvider struct {
	onCall func(types.BoundingBox)
}

func (r *recordingFlowProvider) ProviderName() string { return "tomtom" }

func (r *recordingFlowProvider) FlowSegment(_ context.Context, bbox types.BoundingBox) (*types.FlowSample, error) {
	r.onCall(bbox)
	return &types.FlowSample{}, nil
}

func TestAnalyzer_AnalyzePoint(t *testing.T) {
	point := coord(52.52, 13.405)
	provider := newFakeFlowProvider()
	provider.set(types.RouteSegment{Start: point, End: point}, 0.2)
	analyzer := NewAnalyzer(NewSampler(provider, newTestExecutor(), quietLogger()), nil, quietLogger())

	verdict, err := analyzer.AnalyzePoint(context.Background(), point)
	require.NoError(t, err)
	assert.Equal(t, PointSegmentID, verdict.Segment.ID)
	assert.Equal(t, point, verdict.Segment.Start)
	assert.Equal(t, types.ConditionCongested, verdict.Condition)
	assert.Equal(t, int32(1), provider.calls.Load())

	off := coord(48.1, 11.5)
	provider.fail(types.RouteSegment{Start: off, End: off}, &resilience.ProviderError{Code: resilience.CodeServiceUnavailable, StatusCode: 503})
	verdict, err = analyzer.AnalyzePoint(context.Background(), off)
	require.NoError(t, err)
	assert.Equal(t, types.ConditionUnknown, verdict.Condition)

	_, err = analyzer.AnalyzePoint(context.Background(), coord(95, 13.4))
	require.Error(t, err)
	assert.Equal(t, resilience.CodeInvalidRequest, resilience.CodeOf(err))
}
