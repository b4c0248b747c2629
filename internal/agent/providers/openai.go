package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/toolchat/internal/agent"
	"github.com/haasonsaas/toolchat/pkg/models"
)

const (
	// DefaultZaiBaseURL is the OpenAI-compatible endpoint of the Z.ai coding plan.
	DefaultZaiBaseURL = "https://api.z.ai/api/coding/paas/v4"

	// DefaultZaiModel is used when neither the request nor the agent names a model.
	DefaultZaiModel = "glm-4.5-flash"

	defaultOpenAITemperature = 0.7
	defaultOpenAITimeout     = 300 * time.Second
	defaultAzureAPIVersion   = "2024-02-15-preview"
)

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	// Name identifies the provider in metrics and errors. Default: "zai".
	Name string

	APIKey string

	// BaseURL of the chat completions API. Default: DefaultZaiBaseURL.
	BaseURL string

	// DefaultModel is used when a request has no model. Default: DefaultZaiModel.
	DefaultModel string

	// Temperature for sampling. Default: 0.7.
	Temperature float32

	// MaxRetries is the number of attempts to open a stream. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between attempts. Default: 1s.
	RetryDelay time.Duration

	// Timeout bounds one HTTP exchange including the streamed body.
	// Default: 300s.
	Timeout time.Duration

	// Azure selects Azure OpenAI addressing. BaseURL is then the resource
	// endpoint and is required.
	Azure bool

	// APIVersion is the Azure API version. Default: 2024-02-15-preview.
	APIVersion string

	// HTTPClient overrides the transport. Timeout is ignored when set.
	HTTPClient *http.Client
}

// OpenAIProvider streams completions from any OpenAI-compatible backend.
// It defaults to Z.ai.
//
// The provider forwards deltas unassembled: content and reasoning_content
// become Text and Reasoning, each tool-call fragment becomes a
// ToolCallDelta, and the usage block requested through stream_options is
// attached to whichever chunk carries it.
//
// Thread Safety:
// OpenAIProvider is safe for concurrent use. Each Complete call owns its
// stream and goroutine.
type OpenAIProvider struct {
	BaseProvider

	client       *openai.Client
	defaultModel string
	temperature  float32
}

// NewOpenAIProvider creates a provider. An API key is required.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.Name == "" {
		config.Name = "zai"
	}
	if config.Azure && config.BaseURL == "" {
		return nil, errors.New("openai: azure endpoint is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultZaiBaseURL
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultZaiModel
	}
	if config.Temperature <= 0 {
		config.Temperature = defaultOpenAITemperature
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultOpenAITimeout
	}

	var clientConfig openai.ClientConfig
	if config.Azure {
		clientConfig = openai.DefaultAzureConfig(config.APIKey, strings.TrimRight(config.BaseURL, "/"))
		clientConfig.APIVersion = config.APIVersion
		if clientConfig.APIVersion == "" {
			clientConfig.APIVersion = defaultAzureAPIVersion
		}
	} else {
		clientConfig = openai.DefaultConfig(config.APIKey)
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	if config.HTTPClient != nil {
		clientConfig.HTTPClient = config.HTTPClient
	} else {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(config.Name, config.MaxRetries, config.RetryDelay),
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		temperature:  config.Temperature,
	}, nil
}

// DefaultModel returns the model used when a request names none.
func (p *OpenAIProvider) DefaultModel() string {
	return p.defaultModel
}

// Complete opens a streaming chat completion. Opening the stream is retried
// for rate limits and server errors; once tokens flow, failures are
// reported on the channel.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertToOpenAIMessages(req.Messages),
		Temperature:   p.temperature,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, IsRetryable, func() error {
		var err error
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		return err
	})
	if err != nil {
		return nil, wrapError(p.Name(), model, err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, model, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	send := func(chunk *agent.CompletionChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			send(&agent.CompletionChunk{Error: wrapError(p.Name(), model, err)})
			return
		}

		chunk := &agent.CompletionChunk{}
		if response.Usage != nil {
			chunk.Usage = &models.Usage{
				PromptTokens:     int64(response.Usage.PromptTokens),
				CompletionTokens: int64(response.Usage.CompletionTokens),
				TotalTokens:      int64(response.Usage.TotalTokens),
			}
		}
		if len(response.Choices) > 0 {
			delta := response.Choices[0].Delta
			chunk.Text = delta.Content
			chunk.Reasoning = delta.ReasoningContent
			for _, tc := range delta.ToolCalls {
				chunk.ToolCalls = append(chunk.ToolCalls, agent.ToolCallDelta{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}

		if chunk.Usage == nil && chunk.Text == "" && chunk.Reasoning == "" && len(chunk.ToolCalls) == 0 {
			continue
		}
		if !send(chunk) {
			return
		}
	}
}

func convertToOpenAIMessages(messages []agent.CompletionMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case models.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case models.RoleTool:
			oaiMsg.ToolCallID = msg.ToolCallID
		}
		result = append(result, oaiMsg)
	}
	return result
}

func convertToOpenAITools(tools []models.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toolParameters(tool.Parameters),
			},
		}
	}
	return result
}

// toolParameters returns the schema as-is when it is a JSON object, and an
// empty object schema otherwise.
func toolParameters(raw json.RawMessage) json.RawMessage {
	var obj map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil || obj == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

var _ agent.LLMProvider = (*OpenAIProvider)(nil)
