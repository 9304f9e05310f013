package llm

import (
	"context"
	"fmt"

	"github.com/UditanshuPandey/RAG-Xpert/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// StreamClient delivers the answer incrementally. fn is called once per non-empty delta;
// returning an error from fn aborts the stream.
type StreamClient interface {
	Client
	GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error
}

type Options struct {
	Provider    string
	Model       string
	Temperature float32
	MaxTokens   int

	APIKey     string
	BaseURL    string
	OllamaHost string
}

func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		OllamaHost:  cfg.OllamaHost,
	}

	switch opts.Provider {
	case config.ProviderGroq:
		if cfg.GroqAPIKey == "" {
			return nil, fmt.Errorf("groq provider selected but GROQ_API_KEY not set")
		}
		opts.APIKey = cfg.GroqAPIKey
		opts.BaseURL = cfg.GroqBaseURL
		return NewOpenAIClient(opts), nil
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		opts.APIKey = cfg.OpenAIAPIKey
		opts.BaseURL = cfg.OpenAIBaseURL
		return NewOpenAIClient(opts), nil
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}
