// Package ai adapts model providers to the single-shot responder used by the relay.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/sitechat/backend/internal/config"
	"github.com/zhouzirui/sitechat/backend/internal/metrics"
)

// ErrUpstream is returned for any transport or API error from the provider.
var ErrUpstream = errors.New("failed to fetch response from AI provider")

// ErrDisabled is returned by a responder built without credentials.
var ErrDisabled = errors.New("AI provider is not configured")

// Responder turns one prompt into one completion.
type Responder interface {
	Respond(ctx context.Context, prompt string) (string, error)
	// Model names the model that produced replies, stored as aiModel.
	Model() string
}

// NewResponder builds the Responder for cfg.Provider.
func NewResponder(ctx context.Context, cfg config.AIConfig) (Responder, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: missing credentials for provider %q", ErrDisabled, cfg.Provider)
	}

	var (
		r   Responder
		err error
	)
	switch cfg.Provider {
	case config.ProviderArk:
		cm, cmErr := cfg.NewChatModel(ctx)
		if cmErr != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", cmErr)
		}
		r, err = NewChatModelResponder(ctx, cm, cfg.Provider, cfg.Model)
	default:
		r, err = NewLLMResponder(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(r, cfg.Provider), nil
}

// fallbackText is returned when the provider succeeds with empty content.
func fallbackText(provider string) string {
	return fmt.Sprintf("No response received from %s.", displayName(provider))
}

func displayName(provider string) string {
	switch provider {
	case config.ProviderGemini:
		return "Gemini"
	case config.ProviderOpenAI:
		return "OpenAI"
	case config.ProviderAnthropic:
		return "Anthropic"
	case config.ProviderOllama:
		return "Ollama"
	case config.ProviderArk:
		return "Ark"
	}
	if provider == "" {
		return "the AI provider"
	}
	return provider
}

func upstream(err error) error {
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}

func orFallback(text, provider string) string {
	if text == "" {
		return fallbackText(provider)
	}
	return text
}

// Instrument records latency and outcome of every call under provider.
func Instrument(r Responder, provider string) Responder {
	return &instrumented{next: r, provider: provider}
}

type instrumented struct {
	next     Responder
	provider string
}

func (i *instrumented) Respond(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := i.next.Respond(ctx, prompt)
	metrics.RecordAIResponse(i.provider, time.Since(start), err)
	return text, err
}

func (i *instrumented) Model() string { return i.next.Model() }

// Unavailable answers every prompt with ErrUpstream. The server falls back to
// it when no provider credential is configured so widget traffic still gets
// a message:error instead of a crash.
type Unavailable struct {
	Reason error
}

func (u Unavailable) Respond(context.Context, string) (string, error) {
	if u.Reason != nil {
		return "", upstream(u.Reason)
	}
	return "", ErrUpstream
}

func (Unavailable) Model() string { return "" }
