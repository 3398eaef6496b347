// Package anthropic binds the extraction engine to Anthropic's Messages API.
package anthropic

import (
	"context"
	stderrors "errors"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/instructor-ai/instructor-sub002/pkg/core"
	"github.com/instructor-ai/instructor-sub002/pkg/errors"
	"github.com/instructor-ai/instructor-sub002/pkg/logging"
)

// Client adapts the Anthropic SDK to core.ProviderClient.
type Client struct {
	client       *anthropic.Client
	defaultModel anthropic.Model
	maxTokens    int64
}

// Option configures a Client.
type Option func(*Client)

// WithDefaultModel sets the model used when the request leaves Model empty.
func WithDefaultModel(model string) Option {
	return func(c *Client) { c.defaultModel = anthropic.Model(model) }
}

// WithDefaultMaxTokens sets the token cap used when the request leaves
// MaxTokens zero. The Messages API requires a positive cap.
func WithDefaultMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

// New creates a client. An empty apiKey falls back to ANTHROPIC_API_KEY.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New(errors.InvalidInput, "API key is required")
	}

	sdk := anthropic.NewClient(option.WithAPIKey(apiKey))
	c := &Client{
		client:       &sdk,
		defaultModel: anthropic.ModelClaudeSonnet4_5_20250929,
		maxTokens:    1024,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ core.ProviderClient = (*Client)(nil)

// buildParams translates the engine's uniform request into Messages API
// params. System turns become the system prompt; the rest alternate as
// user/assistant turns.
func (c *Client) buildParams(req *core.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     c.defaultModel,
		MaxTokens: c.maxTokens,
	}
	if req.Model != "" {
		params.Model = anthropic.Model(req.Model)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case core.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return params
}

// Invoke performs one non-streaming Messages call.
func (c *Client) Invoke(ctx context.Context, req *core.Request) (*core.Response, error) {
	logger := logging.GetLogger()

	message, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		var apiErr *anthropic.Error
		if stderrors.As(err, &apiErr) {
			logger.Error(ctx, "Anthropic API error: status code %d", apiErr.StatusCode)
		}
		return nil, errors.Wrap(err, errors.ProviderFailure, "anthropic call failed")
	}
	if message == nil || len(message.Content) == 0 {
		return nil, errors.New(errors.ProviderFailure, "received empty content from Anthropic API")
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	logger.Debug(ctx, "anthropic response: %d input tokens, %d output tokens",
		message.Usage.InputTokens, message.Usage.OutputTokens)

	return &core.Response{
		Content: text,
		RawUsage: map[string]interface{}{
			"input_tokens":  message.Usage.InputTokens,
			"output_tokens": message.Usage.OutputTokens,
		},
	}, nil
}

// InvokeStream performs one streaming Messages call, emitting text deltas as
// they arrive and usage on the final chunk.
func (c *Client) InvokeStream(ctx context.Context, req *core.Request) (*core.StreamResponse, error) {
	logger := logging.GetLogger()
	chunks := make(chan core.StreamChunk)
	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(chunks)
		defer cancel()

		stream := c.client.Messages.NewStreaming(streamCtx, c.buildParams(req))
		defer stream.Close()

		var inputTokens, outputTokens int64

		for stream.Next() {
			event := stream.Current()

			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if textDelta := variant.Delta.AsTextDelta(); textDelta.Text != "" {
					select {
					case chunks <- core.StreamChunk{Content: textDelta.Text}:
					case <-streamCtx.Done():
						return
					}
				}

			case anthropic.MessageStartEvent:
				inputTokens = variant.Message.Usage.InputTokens

			case anthropic.MessageDeltaEvent:
				outputTokens = variant.Usage.OutputTokens

			case anthropic.MessageStopEvent:
				select {
				case chunks <- core.StreamChunk{
					Done: true,
					RawUsage: map[string]interface{}{
						"input_tokens":  inputTokens,
						"output_tokens": outputTokens,
					},
				}:
				case <-streamCtx.Done():
				}
				return

			default:
				logger.Debug(streamCtx, "received event type: %T", event)
			}
		}

		if err := stream.Err(); err != nil {
			var apiErr *anthropic.Error
			if stderrors.As(err, &apiErr) {
				logger.Error(streamCtx, "Anthropic streaming error: status code %d", apiErr.StatusCode)
			}
			select {
			case chunks <- core.StreamChunk{Err: errors.Wrap(err, errors.ProviderFailure, "anthropic stream failed")}:
			case <-streamCtx.Done():
			}
		}
	}()

	return &core.StreamResponse{Chunks: chunks, Cancel: cancel}, nil
}
