package llm

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/conclave-ai/conclave/pkg/models"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient adapts the official Anthropic SDK to the Client interface.
type AnthropicClient struct {
	api sdk.Client
}

// NewAnthropicClient creates an Anthropic-backed client.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	return &AnthropicClient{
		api: sdk.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Provider returns "anthropic".
func (c *AnthropicClient) Provider() string { return "anthropic" }

// buildParams translates to the Anthropic message format. System messages
// are extracted into the dedicated system parameter.
func (c *AnthropicClient) buildParams(model string, messages []Message, params Params) sdk.MessageNewParams {
	var system string
	msgs := make([]sdk.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case models.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	req := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		req.System = []sdk.TextBlockParam{{Text: system}}
	}
	if params.Temperature != nil {
		req.Temperature = sdk.Float(*params.Temperature)
	}
	return req
}

// Generate performs a blocking message call.
func (c *AnthropicClient) Generate(ctx context.Context, model string, messages []Message, params Params) (Result, error) {
	message, err := c.api.Messages.New(ctx, c.buildParams(model, messages, params))
	if err != nil {
		return Result{}, c.mapError(err)
	}

	var content string
	for _, block := range message.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return Result{
		Content:      content,
		TokensIn:     int(message.Usage.InputTokens),
		TokensOut:    int(message.Usage.OutputTokens),
		FinishReason: string(message.StopReason),
	}, nil
}

// GenerateStream performs a streaming message call, adapting SDK stream
// events to chunk deliveries.
func (c *AnthropicClient) GenerateStream(ctx context.Context, model string, messages []Message, params Params) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		stream := c.api.Messages.NewStreaming(ctx, c.buildParams(model, messages, params))
		defer func() { _ = stream.Close() }()

		var tokensIn, tokensOut int
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.MessageStartEvent:
				tokensIn = int(ev.Message.Usage.InputTokens)
			case sdk.ContentBlockDeltaEvent:
				delta := ev.Delta.Text
				if delta == "" {
					continue
				}
				select {
				case chunks <- StreamChunk{ContentDelta: delta, TokensDelta: EstimateTokens(delta)}:
				case <-ctx.Done():
					errs <- NewError(classifyErr(ctx.Err()), "anthropic", "stream cancelled", ctx.Err())
					return
				}
			case sdk.MessageDeltaEvent:
				tokensOut = int(ev.Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			errs <- c.mapError(err)
			return
		}

		chunks <- StreamChunk{Final: true, TokensIn: tokensIn, TokensOut: tokensOut}
	}()

	return chunks, errs
}

func (c *AnthropicClient) mapError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return NewError(classifyStatus(apierr.StatusCode), "anthropic", apierr.Error(), err)
	}
	return NewError(classifyErr(err), "anthropic", err.Error(), err)
}
