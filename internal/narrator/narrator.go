package narrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/providers"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/types"
)

// Backend names accepted in configuration
const (
	BackendTemplate  = "template"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
)

const systemPrompt = "You summarise driving routes for a traveller. Answer in at most three short " +
	"sentences. Mention the expected travel time, the overall traffic condition and any " +
	"congested stretches. Do not invent facts that are not in the data."

// Narrator turns a route and its traffic verdict into a short summary. LLM backends run
// through the executor; any failure falls back to the template text.
type Narrator struct {
	backend  providers.NarrativeProvider
	executor *resilience.Executor
	logger   *logrus.Logger
}

// New creates a narrator. A nil backend always uses the template.
func New(backend providers.NarrativeProvider, executor *resilience.Executor, logger *logrus.Logger) *Narrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Narrator{
		backend:  backend,
		executor: executor,
		logger:   logger,
	}
}

// Backend returns the configured backend name
func (n *Narrator) Backend() string {
	if n.backend == nil {
		return BackendTemplate
	}
	return n.backend.ProviderName()
}

// Narrate never fails; the returned narrative's Source tells which backend produced it
func (n *Narrator) Narrate(ctx context.Context, route *types.RouteDescription, verdict *types.RouteTrafficVerdict) *types.Narrative {
	fallback := &types.Narrative{Text: Template(route, verdict), Source: BackendTemplate}
	if n.backend == nil || n.executor == nil {
		return fallback
	}

	op := resilience.Operation{
		Provider:  n.backend.ProviderName(),
		Component: providers.ComponentNarrator,
	}
	// Zero lets the backend apply its configured max_tokens
	req := BuildPrompt(route, verdict, 0)

	result, err := resilience.Execute(ctx, n.executor, op, func(ctx context.Context) (*types.Narrative, error) {
		return n.backend.Narrate(ctx, req)
	})
	if err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{
			"backend":    op.Provider,
			"error_code": resilience.CodeOf(err),
		}).Warn("Narration failed, using template")
		return fallback
	}
	if strings.TrimSpace(result.Value.Text) == "" {
		return fallback
	}
	return result.Value
}

// BuildPrompt renders the facts an LLM backend narrates from
func BuildPrompt(route *types.RouteDescription, verdict *types.RouteTrafficVerdict, maxTokens int) *types.NarrativeRequest {
	var b strings.Builder
	if route != nil {
		fmt.Fprintf(&b, "Distance: %.1f km\n", float64(route.Summary.LengthInMeters)/1000)
		fmt.Fprintf(&b, "Travel time: %s\n", formatMinutes(route.Summary.TravelTimeInSeconds/60))
		if route.Summary.TrafficDelayInSeconds > 0 {
			fmt.Fprintf(&b, "Provider reported delay: %s\n", formatMinutes(route.Summary.TrafficDelayInSeconds/60))
		}
		if route.Guidance != nil {
			streets := keyStreets(route.Guidance.Instructions, 5)
			if len(streets) > 0 {
				fmt.Fprintf(&b, "Main roads: %s\n", strings.Join(streets, ", "))
			}
		}
	}
	if verdict != nil {
		fmt.Fprintf(&b, "Overall traffic: %s (confidence %s)\n", verdict.OverallCondition, verdict.Confidence)
		fmt.Fprintf(&b, "Estimated traffic delay: %d minutes\n", verdict.TotalDelayMinutes)
		fmt.Fprintf(&b, "Congested segments: %d of %d\n", len(verdict.Congested), len(verdict.Segments))
	}

	return &types.NarrativeRequest{
		SystemPrompt: systemPrompt,
		Prompt:       b.String(),
		MaxTokens:    maxTokens,
		Temperature:  0.3,
	}
}

// Template renders a deterministic summary without any backend
func Template(route *types.RouteDescription, verdict *types.RouteTrafficVerdict) string {
	var parts []string

	if route != nil && route.Summary.LengthInMeters > 0 {
		parts = append(parts, fmt.Sprintf("The route is %.1f km and takes about %s.",
			float64(route.Summary.LengthInMeters)/1000, formatMinutes(route.Summary.TravelTimeInSeconds/60)))
	}

	if verdict == nil {
		return strings.Join(parts, " ")
	}

	switch verdict.OverallCondition {
	case types.ConditionCongested:
		parts = append(parts, "Traffic is severely congested, consider avoiding this route or travelling at another time.")
	case types.ConditionHeavy:
		parts = append(parts, "Traffic is heavy, expect slow stretches.")
	case types.ConditionModerate:
		parts = append(parts, "Traffic is moderate, some slowdowns are possible.")
	case types.ConditionLight:
		parts = append(parts, "Traffic is flowing freely.")
	default:
		parts = append(parts, "No live traffic information is available.")
	}

	if n := len(verdict.Congested); n > 0 {
		noun := "segments"
		if n == 1 {
			noun = "segment"
		}
		parts = append(parts, fmt.Sprintf("%d %s with heavy congestion.", n, noun))
	}
	if verdict.TotalDelayMinutes > 0 {
		parts = append(parts, fmt.Sprintf("Expect about %s of extra delay.", formatMinutes(verdict.TotalDelayMinutes)))
	}
	if verdict.Confidence == types.ConfidenceLow && verdict.OverallCondition != types.ConditionUnknown {
		parts = append(parts, "Traffic data was limited, so this estimate is uncertain.")
	}

	return strings.Join(parts, " ")
}

func formatMinutes(minutes int) string {
	if minutes < 60 {
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	h, m := minutes/60, minutes%60
	if m == 0 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh %02dm", h, m)
}

func keyStreets(instructions []types.Instruction, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, in := range instructions {
		if in.Street == "" || seen[in.Street] {
			continue
		}
		seen[in.Street] = true
		out = append(out, in.Street)
		if len(out) == limit {
			break
		}
	}
	return out
}
