package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/providers"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/types"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 300
)

// OpenAIProvider implements the NarrativeProvider interface for OpenAI
type OpenAIProvider struct {
	client *openai.Client
	config *OpenAIConfig
	logger *logrus.Logger
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	OrgID     string        `yaml:"org_id"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// NewOpenAIProvider creates a new OpenAI provider instance
func NewOpenAIProvider(config *OpenAIConfig, logger *logrus.Logger) *OpenAIProvider {
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// ProviderName returns the provider name
func (p *OpenAIProvider) ProviderName() string {
	return providers.OpenAI
}

// Narrate performs a single chat completion for the prompt
func (p *OpenAIProvider) Narrate(ctx context.Context, req *types.NarrativeRequest) (*types.Narrative, error) {
	if p.config.APIKey == "" {
		return nil, resilience.NewError(resilience.CodeConfiguration, "openai api key is not configured")
	}

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		p.logger.WithError(err).Debug("OpenAI API call failed")
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, resilience.NewError(resilience.CodeUnexpected, "openai returned no choices")
	}

	return &types.Narrative{
		Text:   strings.TrimSpace(resp.Choices[0].Message.Content),
		Source: providers.OpenAI,
		Model:  resp.Model,
	}, nil
}

// HealthCheck performs a health check on the OpenAI API
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		p.logger.WithError(err).Error("OpenAI health check failed")
		return fmt.Errorf("openai health check failed: %w", mapError(err))
	}
	return nil
}

func (p *OpenAIProvider) buildRequest(req *types.NarrativeRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
}

// mapError turns go-openai errors into typed provider errors
func mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &resilience.ProviderError{
			Code:       resilience.CodeForStatus(apiErr.HTTPStatusCode),
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &resilience.ProviderError{
			Code:       resilience.CodeForStatus(reqErr.HTTPStatusCode),
			StatusCode: reqErr.HTTPStatusCode,
			Message:    "openai request failed",
			Err:        err,
		}
	}
	return resilience.TransportError(err, "openai request failed")
}

// Ensure OpenAIProvider implements the interfaces
var _ providers.NarrativeProvider = (*OpenAIProvider)(nil)
var _ providers.HealthChecker = (*OpenAIProvider)(nil)
