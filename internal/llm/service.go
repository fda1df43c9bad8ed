package llm

import (
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "ollama", "openai":
		client, err := NewHTTPClient(cfg.Proxy, cfg.Timeout())
		if err != nil {
			return nil, err
		}
		if cfg.Mode == "ollama" {
			return NewOllamaGenerator(cfg.Endpoint, cfg.Model, client), nil
		}
		return NewOpenAIGenerator(cfg.APIKey, cfg.Endpoint, cfg.Model, client), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
