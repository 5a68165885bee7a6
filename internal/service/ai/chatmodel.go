package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/sitechat/backend/internal/logging"
)

// ChatModelResponder runs the prompt through an eino chain ending in a chat model.
type ChatModelResponder struct {
	chain     compose.Runnable[map[string]any, *schema.Message]
	provider  string
	modelName string
}

// NewChatModelResponder compiles a template -> model chain around chatModel.
// The prompt is the whole user turn: no system message, no history.
func NewChatModelResponder(ctx context.Context, chatModel model.BaseChatModel, provider, modelName string) (*ChatModelResponder, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is nil")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ChatModelResponder{
		chain:     runnable,
		provider:  provider,
		modelName: modelName,
	}, nil
}

// Respond invokes the chain once.
func (r *ChatModelResponder) Respond(ctx context.Context, prompt string) (string, error) {
	response, err := r.chain.Invoke(ctx, map[string]any{"query": prompt})
	if err != nil {
		return "", upstream(err)
	}

	var content string
	if response != nil {
		content = response.Content
	}
	logging.Ctx(ctx).Debug().
		Str("provider", r.provider).
		Int("length", len(content)).
		Msg("chat model responded")
	return orFallback(content, r.provider), nil
}

// Model returns the configured model or endpoint id.
func (r *ChatModelResponder) Model() string {
	return r.modelName
}
