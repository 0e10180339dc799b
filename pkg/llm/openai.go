package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/conclave-ai/conclave/pkg/models"
)

// OpenAIClient adapts the official OpenAI SDK to the Client interface.
type OpenAIClient struct {
	api openai.Client
}

// NewOpenAIClient creates an OpenAI-backed client.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	return &OpenAIClient{
		api: openai.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Provider returns "openai".
func (c *OpenAIClient) Provider() string { return "openai" }

func (c *OpenAIClient) buildParams(model string, messages []Message, params Params) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	req := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: msgs,
	}
	if params.Temperature != nil {
		req.Temperature = openai.Float(*params.Temperature)
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = openai.Int(int64(params.MaxTokens))
	}
	return req
}

// Generate performs a blocking chat completion.
func (c *OpenAIClient) Generate(ctx context.Context, model string, messages []Message, params Params) (Result, error) {
	completion, err := c.api.Chat.Completions.New(ctx, c.buildParams(model, messages, params))
	if err != nil {
		return Result{}, c.mapError(err)
	}
	if len(completion.Choices) == 0 {
		return Result{}, NewError(KindUnknown, "openai", "empty response", nil)
	}

	choice := completion.Choices[0]
	return Result{
		Content:      choice.Message.Content,
		TokensIn:     int(completion.Usage.PromptTokens),
		TokensOut:    int(completion.Usage.CompletionTokens),
		FinishReason: string(choice.FinishReason),
	}, nil
}

// GenerateStream performs a streaming chat completion. Chunks are delivered
// on the returned channel; the final chunk carries aggregated token counts.
func (c *OpenAIClient) GenerateStream(ctx context.Context, model string, messages []Message, params Params) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 32)
	errs := make(chan error, 1)

	req := c.buildParams(model, messages, params)
	req.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	go func() {
		defer close(chunks)
		defer close(errs)

		stream := c.api.Chat.Completions.NewStreaming(ctx, req)
		defer func() { _ = stream.Close() }()

		var tokensIn, tokensOut int
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				tokensIn = int(chunk.Usage.PromptTokens)
				tokensOut = int(chunk.Usage.CompletionTokens)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case chunks <- StreamChunk{ContentDelta: delta, TokensDelta: EstimateTokens(delta)}:
			case <-ctx.Done():
				errs <- NewError(classifyErr(ctx.Err()), "openai", "stream cancelled", ctx.Err())
				return
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

func (c *OpenAIClient) mapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return NewError(classifyStatus(apierr.StatusCode), "openai", apierr.Message, err)
	}
	return NewError(classifyErr(err), "openai", err.Error(), err)
}
