package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/failure"
)

const (
	defaultOllamaEndpoint = "http://localhost:11434"
	defaultOllamaModel    = "llama3.2:latest"
)

// ollamaGenerator streams replies from the Ollama chat API.
type ollamaGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaGenerator(endpoint, model string, client *http.Client) Generator {
	if client == nil {
		client = http.DefaultClient
	}
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &ollamaGenerator{endpoint: strings.TrimRight(endpoint, "/"), model: model, client: client}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChat struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatLine struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	chat := ollamaChat{Model: g.model, Stream: true}
	if req.System != "" {
		chat.Messages = append(chat.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	chat.Messages = append(chat.Messages, ollamaMessage{Role: "user", Content: req.Prompt})
	if req.Temperature > 0 || req.MaxTokens > 0 {
		chat.Options = map[string]any{}
		if req.Temperature > 0 {
			chat.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			chat.Options["num_predict"] = req.MaxTokens
		}
	}
	body, err := json.Marshal(chat)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	began := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return failure.New(failure.KindOf(err), "ollama chat", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return failure.Errorf(failure.KindNotFound, "ollama chat", "model %q not available", g.model)
	case resp.StatusCode >= 300:
		return failure.Errorf(failure.KindUnavailable, "ollama chat", "ollama returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg ollamaChatLine
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decode ollama chunk: %w", err)
		}
		if msg.Error != "" {
			return failure.Errorf(failure.KindUnavailable, "ollama chat", "%s", msg.Error)
		}
		if err := consumer(Chunk{
			Content:          msg.Message.Content,
			Done:             msg.Done,
			PromptTokens:     msg.PromptEvalCount,
			CompletionTokens: msg.EvalCount,
			Latency:          time.Since(began),
		}); err != nil {
			return err
		}
		if msg.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return failure.New(failure.KindOf(err), "ollama chat", err)
	}
	return nil
}
