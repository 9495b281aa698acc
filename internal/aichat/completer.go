package aichat

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel        = openai.GPT4oMini
	defaultMaxTokens    = 512
	defaultTemperature  = float32(0.7)
	defaultSystemPrompt = "You are a helpful assistant."
)

// Reply is one model answer.
type Reply struct {
	Content     string
	TotalTokens int
}

// Completer answers a single prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (Reply, error)
}

// CompleterConfig points the client at any OpenAI-compatible endpoint.
type CompleterConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// OpenAICompleter implements Completer with go-openai.
type OpenAICompleter struct {
	client       *openai.Client
	model        string
	systemPrompt string
	maxTokens    int
}

func NewOpenAICompleter(cfg CompleterConfig) (*OpenAICompleter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(baseURL, "/")
	}
	completer := &OpenAICompleter{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
	}
	if completer.model == "" {
		completer.model = defaultModel
	}
	if completer.systemPrompt == "" {
		completer.systemPrompt = defaultSystemPrompt
	}
	if completer.maxTokens <= 0 {
		completer.maxTokens = defaultMaxTokens
	}
	return completer, nil
}

func (completer *OpenAICompleter) Complete(ctx context.Context, prompt string) (Reply, error) {
	response, err := completer.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: completer.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: completer.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: defaultTemperature,
		MaxTokens:   completer.maxTokens,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if len(response.Choices) == 0 {
		return Reply{}, fmt.Errorf("%w: empty choices", ErrModelUnavailable)
	}
	return Reply{
		Content:     response.Choices[0].Message.Content,
		TotalTokens: response.Usage.TotalTokens,
	}, nil
}
