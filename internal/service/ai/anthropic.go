package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zhouzirui/codechat/backend/internal/config"
	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

type anthropicBackend struct {
	client anthropic.Client
	model  string
	params config.AIConfig
}

func newAnthropicBackend(cfg config.AIConfig, extra ...option.RequestOption) *anthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(cfg.Anthropic.APIKey)}
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	opts = append(opts, extra...)
	return &anthropicBackend{
		client: anthropic.NewClient(opts...),
		model:  cfg.Anthropic.Model,
		params: cfg,
	}
}

func (b *anthropicBackend) complete(ctx context.Context, req request) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		switch turn.Role {
		case chat.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		case chat.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(req.Message)}
	if req.Image != nil {
		blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: req.Image.URL}))
	}
	messages = append(messages, anthropic.NewUserMessage(blocks...))

	maxTokens := int64(4096)
	if b.params.MaxTokens > 0 {
		maxTokens = int64(b.params.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages:  messages,
	}
	// Claude 不允许同时设置 temperature 与 top_p，只传 temperature
	if b.params.Temperature != nil {
		params.Temperature = anthropic.Float(*b.params.Temperature)
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.WriteString(variant.Text)
		}
	}
	return out.String(), nil
}
