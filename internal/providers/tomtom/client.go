package tomtom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tributary-ai/traffic-router/internal/providers"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/types"
)

const (
	DefaultBaseURL = "https://api.tomtom.com"

	calculateRoutePath = "/routing/1/calculateRoute/%s:%s/json"
	flowSegmentPath    = "/traffic/services/4/flowSegmentData/absolute/%d/json"

	defaultFlowZoom      = 10
	defaultRetryAfter    = 60 * time.Second
	maxResponseBodyBytes = 8 << 20
)

// Config holds TomTom-specific configuration
type Config struct {
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	FlowZoom int           `yaml:"flow_zoom"`
}

// Client implements RoutingProvider and TrafficFlowProvider against the TomTom REST APIs
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *logrus.Logger
}

// NewClient creates a new TomTom client. Per-attempt deadlines come from the caller's
// context, so the HTTP client timeout is only a backstop.
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = &Config{}
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.FlowZoom <= 0 {
		config.FlowZoom = defaultFlowZoom
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		config:     config,
		logger:     logger,
	}
}

// ProviderName returns the provider name
func (c *Client) ProviderName() string {
	return providers.TomTom
}

// CalculateRoute requests a traffic-aware route with guidance and traffic sections
func (c *Client) CalculateRoute(ctx context.Context, req *types.RouteRequest) (*types.RouteDescription, error) {
	params := url.Values{}
	params.Set("traffic", "true")
	params.Set("travelMode", string(req.TravelMode))
	params.Set("routeType", string(req.RouteType))
	params.Set("instructionsType", "text")
	params.Set("language", req.Language)
	params.Set("sectionType", "traffic")
	params.Set("computeTravelTimeFor", "all")
	for _, avoid := range req.Avoid {
		params.Add("avoid", avoid)
	}
	if req.DepartAt != nil {
		params.Set("departAt", req.DepartAt.UTC().Format(time.RFC3339))
	}

	path := fmt.Sprintf(calculateRoutePath, req.Origin.String(), req.Destination.String())
	body, err := c.get(ctx, path, params)
	if err != nil {
		return nil, err
	}

	var payload routeResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, resilience.WrapError(resilience.CodeUnexpected, err, "failed to decode tomtom route response")
	}
	if len(payload.Routes) == 0 {
		return nil, resilience.NewError(resilience.CodeInvalidRequest, "no route found between %s and %s", req.Origin, req.Destination)
	}

	return payload.Routes[0].toRouteDescription(), nil
}

// FlowSegment returns the live flow of the road nearest the centre of bbox
func (c *Client) FlowSegment(ctx context.Context, bbox types.BoundingBox) (*types.FlowSample, error) {
	params := url.Values{}
	params.Set("bbox", bbox.String())
	params.Set("point", bbox.Center().String())
	params.Set("unit", "KMPH")

	body, err := c.get(ctx, fmt.Sprintf(flowSegmentPath, c.config.FlowZoom), params)
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, resilience.NewError(resilience.CodeUnexpected, "tomtom flow response is not valid json")
	}
	segment := gjson.GetBytes(body, "flowSegmentData")
	if !segment.Exists() {
		return nil, resilience.NewError(resilience.CodeUnexpected, "tomtom flow response has no flowSegmentData")
	}

	return &types.FlowSample{
		CurrentSpeed:       optionalFloat(segment.Get("currentSpeed")),
		FreeFlowSpeed:      optionalFloat(segment.Get("freeFlowSpeed")),
		CurrentTravelTime:  optionalInt(segment.Get("currentTravelTime")),
		FreeFlowTravelTime: optionalInt(segment.Get("freeFlowTravelTime")),
		Confidence:         optionalFloat(segment.Get("confidence")),
		RoadClosure:        segment.Get("roadClosure").Bool(),
	}, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.config.APIKey == "" {
		return nil, resilience.NewError(resilience.CodeConfiguration, "tomtom api key is not configured")
	}
	params.Set("key", c.config.APIKey)

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + path + "?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, resilience.WrapError(resilience.CodeInvalidRequest, err, "failed to build tomtom request")
	}
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, resilience.TransportError(err, "tomtom request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, resilience.WrapError(resilience.CodeServiceUnavailable, err, "failed to read tomtom response")
	}

	c.logger.WithFields(logrus.Fields{
		"path":       path,
		"status":     resp.StatusCode,
		"latency_ms": time.Since(start).Milliseconds(),
	}).Debug("TomTom request completed")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, statusError(resp.StatusCode, resp.Header.Get("Retry-After"), body)
}

// statusError maps a non-2xx TomTom response to a typed provider error
func statusError(status int, retryAfter string, body []byte) error {
	message := upstreamMessage(body)
	if message == "" {
		message = http.StatusText(status)
	}

	pe := &resilience.ProviderError{
		Code:       resilience.CodeForStatus(status),
		StatusCode: status,
		Message:    fmt.Sprintf("tomtom returned %d: %s", status, message),
	}
	if pe.Code == resilience.CodeRateLimit {
		pe.RetryAfter = parseRetryAfter(retryAfter)
	}
	return pe
}

// upstreamMessage digs the human-readable error out of the TomTom error envelopes
func upstreamMessage(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"detailedError.message", "error.description", "errorText", "error"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
			return r.String()
		}
	}
	return ""
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return defaultRetryAfter
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

func optionalFloat(r gjson.Result) *float64 {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	v := r.Float()
	return &v
}

func optionalInt(r gjson.Result) *int {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	v := int(r.Int())
	return &v
}

// Ensure Client implements the provider interfaces
var _ providers.RoutingProvider = (*Client)(nil)
var _ providers.TrafficFlowProvider = (*Client)(nil)
