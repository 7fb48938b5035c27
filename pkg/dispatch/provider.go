package dispatch

import (
	"context"
	"fmt"

	"github.com/agentmesh/controlplane/pkg/types"
	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ModelProvider is the in-proc adapter a templated agent's dispatch
// path calls through, looked up on every invocation by the agent's
// Configuration["model"]. Distinct providers (Anthropic, a test
// fake, ...) implement it identically so the Dispatcher never knows
// which backend an agent resolves to.
type ModelProvider interface {
	// Complete sends systemPrompt plus input (encoded as the sole user
	// turn) to model and returns the provider's reply as a value bag
	// plus token usage. The provider owns request construction;
	// callers never see SDK types.
	Complete(ctx context.Context, model, systemPrompt string, input map[string]any) (map[string]any, *types.LLMUsage, error)
}

// messagesClient captures the subset of the Anthropic SDK client the
// provider calls, so tests can substitute a fake in place of
// *sdk.MessageService.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider implements ModelProvider against the Anthropic
// Messages API.
type AnthropicProvider struct {
	msg       messagesClient
	maxTokens int64
}

// NewAnthropicProvider wraps an existing messagesClient, letting tests
// inject a fake in place of the real SDK client.
func NewAnthropicProvider(msg messagesClient, maxTokens int64) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{msg: msg, maxTokens: maxTokens}
}

// NewAnthropicProviderFromAPIKey builds a provider against the real
// Anthropic API.
func NewAnthropicProviderFromAPIKey(apiKey string, maxTokens int64) *AnthropicProvider {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProvider(&client.Messages, maxTokens)
}

// Complete encodes input as one text block in a single user turn (the
// bare "text" value when that is input's only key, otherwise Go's %v
// rendering of the map), since agent inputs here are value bags rather
// than multi-turn conversations.
func (p *AnthropicProvider) Complete(ctx context.Context, model, systemPrompt string, input map[string]any) (map[string]any, *types.LLMUsage, error) {
	params := sdk.MessageNewParams{
		MaxTokens: p.maxTokens,
		Model:     sdk.Model(model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(encodeInput(input))),
		},
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			text += block.Text
		}
	}

	usage := &types.LLMUsage{
		Model:  model,
		Tokens: msg.Usage.InputTokens + msg.Usage.OutputTokens,
	}
	return map[string]any{"text": text}, usage, nil
}

func encodeInput(input map[string]any) string {
	if text, ok := input["text"].(string); ok && len(input) == 1 {
		return text
	}
	return fmt.Sprintf("%v", input)
}
