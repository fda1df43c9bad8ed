package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-voice/internal/failure"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

type openAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator talks to the chat completions API. A custom endpoint
// selects any OpenAI-compatible server.
func NewOpenAIGenerator(apiKey, endpoint, model string, httpClient *http.Client) Generator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	return &openAIGenerator{client: openai.NewClient(opts...), model: model}
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(g.model),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	start := time.Now()
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return failure.Errorf(failure.KindUnavailable, "openai chat", "no choices in response")
	}
	return consumer(Chunk{
		Content:          resp.Choices[0].Message.Content,
		Done:             true,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		Latency:          time.Since(start),
	})
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return failure.New(failure.KindPermission, "openai chat", err)
		case apiErr.StatusCode == http.StatusBadRequest:
			return failure.New(failure.KindInvalidInput, "openai chat", err)
		default:
			return failure.New(failure.KindUnavailable, "openai chat", err)
		}
	}
	return failure.New(failure.KindOf(err), "openai chat", err)
}
