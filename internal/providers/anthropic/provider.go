package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/providers"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/types"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 300
)

// AnthropicProvider implements the NarrativeProvider interface for Anthropic Claude
type AnthropicProvider struct {
	client *anthropic.Client
	config *AnthropicConfig
	logger *logrus.Logger
}

// AnthropicConfig holds Anthropic-specific configuration
type AnthropicConfig struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// NewAnthropicProvider creates a new Anthropic provider instance. SDK retries are
// disabled; the executor owns the retry loop.
func NewAnthropicProvider(config *AnthropicConfig, logger *logrus.Logger) *AnthropicProvider {
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		client: &client,
		config: config,
		logger: logger,
	}
}

// ProviderName returns the provider name
func (p *AnthropicProvider) ProviderName() string {
	return providers.Anthropic
}

// Narrate sends the prompt as a single user message
func (p *AnthropicProvider) Narrate(ctx context.Context, req *types.NarrativeRequest) (*types.Narrative, error) {
	if p.config.APIKey == "" {
		return nil, resilience.NewError(resilience.CodeConfiguration, "anthropic api key is not configured")
	}

	resp, err := p.client.Messages.New(ctx, p.buildRequest(req))
	if err != nil {
		p.logger.WithError(err).Debug("Anthropic API call failed")
		return nil, mapError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, resilience.NewError(resilience.CodeUnexpected, "anthropic returned no text content")
	}

	return &types.Narrative{
		Text:   strings.TrimSpace(text.String()),
		Source: providers.Anthropic,
		Model:  string(resp.Model),
	}, nil
}

// HealthCheck performs a health check using a minimal message
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.config.Model),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
		MaxTokens: 1,
	})
	if err != nil {
		p.logger.WithError(err).Error("Anthropic health check failed")
		return fmt.Errorf("anthropic health check failed: %w", mapError(err))
	}
	return nil
}

func (p *AnthropicProvider) buildRequest(req *types.NarrativeRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.SystemPrompt, Type: "text"},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	return params
}

func mapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &resilience.ProviderError{
			Code:       resilience.CodeForStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Message:    "anthropic request failed",
			Err:        err,
		}
	}
	return resilience.TransportError(err, "anthropic request failed")
}

// Ensure AnthropicProvider implements the interfaces
var _ providers.NarrativeProvider = (*AnthropicProvider)(nil)
var _ providers.HealthChecker = (*AnthropicProvider)(nil)
