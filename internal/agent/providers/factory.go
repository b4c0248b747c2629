package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/toolchat/internal/agent"
)

// Provider kinds accepted by New.
const (
	KindZai        = "zai"
	KindOpenAI     = "openai"
	KindOpenRouter = "openrouter"
	KindOllama     = "ollama"
	KindAzure      = "azure"
	KindAnthropic  = "anthropic"
)

var defaultBaseURLs = map[string]string{
	KindZai:        DefaultZaiBaseURL,
	KindOpenAI:     "https://api.openai.com/v1",
	KindOpenRouter: "https://openrouter.ai/api/v1",
	KindOllama:     "http://localhost:11434/v1",
}

var defaultModels = map[string]string{
	KindZai:        DefaultZaiModel,
	KindOpenAI:     "gpt-4o-mini",
	KindOpenRouter: "openai/gpt-4o-mini",
	KindOllama:     "llama3.1",
	KindAnthropic:  defaultAnthropicModel,
}

// Settings selects and configures a model backend.
type Settings struct {
	Kind         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	APIVersion   string
	Temperature  float32
	MaxTokens    int
	MaxRetries   int
	RetryDelay   time.Duration
	Timeout      time.Duration
}

// New builds the provider named by s.Kind. Every kind except anthropic
// speaks the OpenAI chat completions protocol.
func New(s Settings) (agent.LLMProvider, error) {
	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	if kind == "" {
		kind = KindZai
	}
	model := s.DefaultModel
	if model == "" {
		model = defaultModels[kind]
	}

	switch kind {
	case KindAnthropic:
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       s.APIKey,
			BaseURL:      s.BaseURL,
			MaxRetries:   s.MaxRetries,
			Timeout:      s.Timeout,
			DefaultModel: model,
			MaxTokens:    s.MaxTokens,
		})

	case KindZai, KindOpenAI, KindOpenRouter, KindOllama, KindAzure:
		baseURL := s.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURLs[kind]
		}
		apiKey := s.APIKey
		if kind == KindOllama && apiKey == "" {
			// Ollama ignores the key but the client requires one.
			apiKey = "ollama"
		}
		return NewOpenAIProvider(OpenAIConfig{
			Name:         kind,
			APIKey:       apiKey,
			BaseURL:      baseURL,
			DefaultModel: model,
			Temperature:  s.Temperature,
			MaxRetries:   s.MaxRetries,
			RetryDelay:   s.RetryDelay,
			Timeout:      s.Timeout,
			Azure:        kind == KindAzure,
			APIVersion:   s.APIVersion,
		})

	default:
		return nil, fmt.Errorf("unknown provider kind %q", s.Kind)
	}
}

// Kinds lists the accepted provider kinds.
func Kinds() []string {
	return []string{KindZai, KindOpenAI, KindOpenRouter, KindOllama, KindAzure, KindAnthropic}
}
