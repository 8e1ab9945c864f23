package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIClient implements ModelClient on the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	system string
}

// OpenAIConfig configures an OpenAI-backed participant.
type OpenAIConfig struct {
	Model        string
	APIKey       string // falls back to OPENAI_API_KEY
	BaseURL      string // optional, for Azure or proxies
	SystemPrompt string
}

// NewOpenAIClient creates a client for one configured model.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIClient{
		client: &client,
		model:  cfg.Model,
		system: cfg.SystemPrompt,
	}, nil
}

// Complete sends the prompt and parses the reply.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, cfg CompleteConfig) (*Reply, error) {
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()

	messages := []openai.ChatCompletionMessageParamUnion{}
	if c.system != "" {
		messages = append(messages, openai.SystemMessage(c.system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
	}
	if cfg.Temperature > 0 {
		params.Temperature = openai.Float(cfg.Temperature)
	}
	if cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(cfg.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyReply
	}
	return ParseReply(resp.Choices[0].Message.Content)
}
