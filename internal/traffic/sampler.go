package traffic

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/metrics"
	"github.com/tributary-ai/traffic-router/internal/providers"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/types"
)

// DefaultMargin pads each segment's bounding box by 10% of its span per axis
const DefaultMargin = 0.10

// SamplerOption customises a Sampler
type SamplerOption func(*Sampler)

// WithMargin sets the bounding box margin
func WithMargin(margin float64) SamplerOption {
	return func(s *Sampler) {
		if margin >= 0 {
			s.margin = margin
		}
	}
}

// WithMaxConcurrency bounds in-flight samples per call. Zero means one goroutine per
// segment with the provider limiter as the only backpressure.
func WithMaxConcurrency(n int) SamplerOption {
	return func(s *Sampler) {
		if n >= 0 {
			s.maxConcurrency = n
		}
	}
}

// Sampler fetches one flow sample per route segment through the executor
type Sampler struct {
	provider       providers.TrafficFlowProvider
	executor       *resilience.Executor
	margin         float64
	maxConcurrency int
	logger         *logrus.Logger
}

// NewSampler creates a sampler for the given flow provider
func NewSampler(provider providers.TrafficFlowProvider, executor *resilience.Executor, logger *logrus.Logger, opts ...SamplerOption) *Sampler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Sampler{
		provider: provider,
		executor: executor,
		margin:   DefaultMargin,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SampleSegments samples every segment concurrently and returns results in segment
// order. It never fails: a segment whose sample could not be fetched comes back
// Unavailable.
func (s *Sampler) SampleSegments(ctx context.Context, segments []types.RouteSegment) []types.SampleResult {
	results := make([]types.SampleResult, len(segments))
	if len(segments) == 0 {
		return results
	}

	var sem chan struct{}
	if s.maxConcurrency > 0 {
		sem = make(chan struct{}, s.maxConcurrency)
	}

	var wg sync.WaitGroup
	for i, seg := range segments {
		wg.Add(1)
		go func(i int, seg types.RouteSegment) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results[i] = s.unavailable(seg, ctx.Err())
					return
				}
			}
			results[i] = s.SampleSegment(ctx, seg)
		}(i, seg)
	}
	wg.Wait()

	return results
}

// SampleSegment samples a single segment, failing open
func (s *Sampler) SampleSegment(ctx context.Context, seg types.RouteSegment) types.SampleResult {
	bbox := seg.Bounds().Expand(s.margin)
	op := resilience.Operation{
		Provider:  s.provider.ProviderName(),
		Component: providers.ComponentTrafficFlow,
	}

	result, err := resilience.Execute(ctx, s.executor, op, func(ctx context.Context) (*types.FlowSample, error) {
		return s.provider.FlowSegment(ctx, bbox)
	})
	if err != nil {
		return s.unavailable(seg, err)
	}

	metrics.SegmentSamplesTotal.WithLabelValues("sampled").Inc()
	return types.Sampled(seg, result.Value)
}

func (s *Sampler) unavailable(seg types.RouteSegment, err error) types.SampleResult {
	code := resilience.CodeOf(err)
	metrics.SegmentSamplesTotal.WithLabelValues("unavailable").Inc()
	s.logger.WithFields(logrus.Fields{
		"segment_id": seg.ID,
		"error_code": code,
	}).WithError(err).Warn("Traffic sample unavailable, continuing without it")
	return types.UnavailableSample(seg, string(code), err.Error())
}
