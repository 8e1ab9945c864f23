package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient implements ModelClient on the Anthropic messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
	system string
}

// AnthropicConfig configures an Anthropic-backed participant.
type AnthropicConfig struct {
	Model        string
	APIKey       string // falls back to ANTHROPIC_API_KEY
	SystemPrompt string
}

// NewAnthropicClient creates a client for one configured model.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(cfg.Model),
		system: cfg.SystemPrompt,
	}, nil
}

// Complete sends the prompt and parses the reply.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string, cfg CompleteConfig) (*Reply, error) {
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if c.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.system}}
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, ErrEmptyReply
	}
	return ParseReply(text.String())
}
