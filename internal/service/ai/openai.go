package ai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zhouzirui/codechat/backend/internal/config"
	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

// openAIBackend 适用于 OpenAI 以及 together.xyz 等兼容接口。
type openAIBackend struct {
	client openai.Client
	model  string
	params config.AIConfig
}

func newOpenAIBackend(cfg config.AIConfig, extra ...option.RequestOption) *openAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAI.APIKey)}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	opts = append(opts, extra...)
	return &openAIBackend{
		client: openai.NewClient(opts...),
		model:  cfg.OpenAI.Model,
		params: cfg,
	}
}

func (b *openAIBackend) complete(ctx context.Context, req request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	messages = append(messages, openai.SystemMessage(req.System))
	for _, turn := range req.History {
		switch turn.Role {
		case chat.RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case chat.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		}
	}
	if req.Image != nil {
		messages = append(messages, openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(req.Message),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: req.Image.URL}),
		}))
	} else {
		messages = append(messages, openai.UserMessage(req.Message))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(b.model),
		Messages: messages,
	}
	if b.params.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(b.params.MaxTokens))
	}
	if b.params.Temperature != nil {
		params.Temperature = openai.Float(*b.params.Temperature)
	}
	if b.params.TopP != nil {
		params.TopP = openai.Float(*b.params.TopP)
	}
	if b.params.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*b.params.FrequencyPenalty)
	}
	if b.params.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*b.params.PresencePenalty)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
