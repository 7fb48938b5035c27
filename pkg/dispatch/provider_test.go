package dispatch

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessagesClient struct {
	resp *sdk.Message
	err  error
	got  sdk.MessageNewParams
}

func (f *fakeMessagesClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	f.got = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestAnthropicProvider_Complete_Success(t *testing.T) {
	client := &fakeMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{{Type: "text", Text: "hi there"}},
			Usage:   sdk.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
	p := NewAnthropicProvider(client, 1024)

	output, usage, err := p.Complete(context.Background(), "claude-test", "be nice", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", output["text"])
	assert.Equal(t, int64(15), usage.Tokens)
	assert.Equal(t, "claude-test", usage.Model)
	assert.Equal(t, sdk.Model("claude-test"), client.got.Model)
}

func TestAnthropicProvider_Complete_PropagatesError(t *testing.T) {
	client := &fakeMessagesClient{err: errors.New("rate limited")}
	p := NewAnthropicProvider(client, 0)

	_, _, err := p.Complete(context.Background(), "claude-test", "", map[string]any{})
	require.Error(t, err)
}
