// ABOUTME: CodergenBackend on the OpenAI Chat Completions API, usable with any compatible provider.
// ABOUTME: Single-turn sessions with usage-based cost accounting from a per-model pricing table.
package attractor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ModelPricing is dollars per million tokens, input and output. Models
// missing from the table cost zero; callers relying on budget caps
// should keep this current for the models they pin.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

var defaultModelPricing = map[string]ModelPricing{
	"gpt-5.2":     {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	"gpt-5-mini":  {InputPerMTok: 0.25, OutputPerMTok: 2.00},
	"gpt-4o":      {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini": {InputPerMTok: 0.15, OutputPerMTok: 0.60},
}

// OpenAIBackend implements CodergenBackend over the Chat Completions
// endpoint. A custom base URL points it at any OpenAI-compatible
// provider. Sessions are single-turn: the prompt (with its context
// preamble) goes out, the completion text comes back.
type OpenAIBackend struct {
	client       openai.Client
	defaultModel string
	pricing      map[string]ModelPricing
}

// OpenAIOption configures an OpenAIBackend.
type OpenAIOption func(*openAIBackendConfig)

type openAIBackendConfig struct {
	apiKey  string
	baseURL string
	model   string
	pricing map[string]ModelPricing
}

// WithOpenAIAPIKey sets the API key explicitly instead of reading
// OPENAI_API_KEY.
func WithOpenAIAPIKey(key string) OpenAIOption {
	return func(c *openAIBackendConfig) { c.apiKey = key }
}

// WithOpenAIBaseURL points the backend at an OpenAI-compatible provider.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIBackendConfig) { c.baseURL = url }
}

// WithOpenAIModel sets the default model for sessions that pin none.
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *openAIBackendConfig) { c.model = model }
}

// WithOpenAIPricing overrides the cost table.
func WithOpenAIPricing(pricing map[string]ModelPricing) OpenAIOption {
	return func(c *openAIBackendConfig) { c.pricing = pricing }
}

// NewOpenAIBackend creates a backend. The API key comes from the
// OPENAI_API_KEY environment variable unless set explicitly; provider
// credentials never pass through the engine.
func NewOpenAIBackend(opts ...OpenAIOption) (*OpenAIBackend, error) {
	cfg := &openAIBackendConfig{model: "gpt-5.2", pricing: defaultModelPricing}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.apiKey == "" {
		cfg.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("no API key: set OPENAI_API_KEY or pass WithOpenAIAPIKey")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIBackend{
		client:       openai.NewClient(reqOpts...),
		defaultModel: cfg.model,
		pricing:      cfg.pricing,
	}, nil
}

// RunAgent executes one single-turn completion session.
func (b *OpenAIBackend) RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runCtx := ctx
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	model := config.Model
	if model == "" {
		model = b.defaultModel
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if config.Goal != "" {
		messages = append(messages, openai.SystemMessage("You are one stage of an automated pipeline. Pipeline goal: "+config.Goal))
	}
	messages = append(messages, openai.UserMessage(config.Prompt))

	resp, err := b.client.Chat.Completions.New(runCtx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return &AgentRunResult{Success: false, FailureReason: "timeout"}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &AgentRunResult{
			Success:       false,
			FailureReason: fmt.Sprintf("chat completion failed: %v", err),
		}, nil
	}

	if len(resp.Choices) == 0 {
		return &AgentRunResult{
			Success:       false,
			FailureReason: "chat completion returned no choices",
		}, nil
	}

	cost := b.costFor(model, int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens))

	result := &AgentRunResult{
		Output:     resp.Choices[0].Message.Content,
		CostUSD:    cost,
		TokensUsed: int(resp.Usage.TotalTokens),
		Success:    true,
	}

	if config.MaxBudgetUSD > 0 && cost > config.MaxBudgetUSD {
		result.Success = false
		result.FailureReason = fmt.Sprintf("session cost $%.4f exceeded node budget $%.4f", cost, config.MaxBudgetUSD)
	}

	return result, nil
}

// costFor computes dollars from token usage and the pricing table.
// Unknown models match on prefix before falling back to zero.
func (b *OpenAIBackend) costFor(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := b.pricing[model]
	if !ok {
		for name, p := range b.pricing {
			if strings.HasPrefix(model, name) {
				pricing, ok = p, true
				break
			}
		}
	}
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*pricing.InputPerMTok +
		float64(completionTokens)/1e6*pricing.OutputPerMTok
}
