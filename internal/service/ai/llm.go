package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	lcschema "github.com/tmc/langchaingo/schema"

	"github.com/zhouzirui/sitechat/backend/internal/config"
	"github.com/zhouzirui/sitechat/backend/internal/logging"
)

// LLMResponder wraps a langchaingo model.
type LLMResponder struct {
	llm       llms.Model
	provider  string
	modelName string
}

// NewLLMResponder creates the langchaingo client for cfg.Provider.
func NewLLMResponder(ctx context.Context, cfg config.AIConfig) (*LLMResponder, error) {
	var (
		model llms.Model
		err   error
	)

	switch cfg.Provider {
	case config.ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("Gemini API key required")
		}
		model, err = googleai.New(ctx,
			googleai.WithAPIKey(cfg.GeminiAPIKey),
			googleai.WithDefaultModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create gemini model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}

	return NewLLMResponderFromModel(model, cfg.Provider, cfg.Model)
}

// NewLLMResponderFromModel wraps an existing langchaingo model.
func NewLLMResponderFromModel(model llms.Model, provider, modelName string) (*LLMResponder, error) {
	if model == nil {
		return nil, errors.New("llm model is nil")
	}
	return &LLMResponder{llm: model, provider: provider, modelName: modelName}, nil
}

// Respond sends prompt as a single human turn.
func (r *LLMResponder) Respond(ctx context.Context, prompt string) (string, error) {
	response, err := r.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(lcschema.ChatMessageTypeHuman, prompt),
	})
	if err != nil {
		return "", upstream(err)
	}

	var content string
	if response != nil && len(response.Choices) > 0 && response.Choices[0] != nil {
		content = response.Choices[0].Content
	}
	logging.Ctx(ctx).Debug().
		Str("provider", r.provider).
		Int("length", len(content)).
		Msg("llm responded")
	return orFallback(content, r.provider), nil
}

// Model returns the LLM model name.
func (r *LLMResponder) Model() string {
	return r.modelName
}
