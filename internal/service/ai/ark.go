package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/codechat/backend/internal/config"
	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

// arkBackend 通过 eino chain 调用火山方舟模型。
type arkBackend struct {
	chatModel model.ChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
}

func newArkBackend(ctx context.Context, cfg config.AIConfig) (*arkBackend, error) {
	chatModel, err := cfg.NewArkChatModel(ctx)
	if err != nil {
		return nil, err
	}
	return newEinoBackend(ctx, chatModel)
}

func newEinoBackend(ctx context.Context, chatModel model.ChatModel) (*arkBackend, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return &arkBackend{chatModel: chatModel, chain: runnable}, nil
}

func (b *arkBackend) complete(ctx context.Context, req request) (string, error) {
	var (
		reply *schema.Message
		err   error
	)
	if req.Image != nil {
		// 模板只能渲染纯文本，带图片时直接调用模型
		reply, err = b.chatModel.Generate(ctx, b.multimodalMessages(req))
	} else {
		reply, err = b.chain.Invoke(ctx, map[string]any{
			"system":  req.System,
			"history": einoHistory(req.History),
			"query":   req.Message,
		})
	}
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if reply == nil {
		return "", nil
	}
	return reply.Content, nil
}

func (b *arkBackend) multimodalMessages(req request) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(req.History)+2)
	msgs = append(msgs, schema.SystemMessage(req.System))
	msgs = append(msgs, einoHistory(req.History)...)
	msgs = append(msgs, &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: req.Message},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: req.Image.URL}},
		},
	})
	return msgs
}

func einoHistory(history []chat.ContextMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case chat.RoleUser:
			out = append(out, schema.UserMessage(turn.Content))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return out
}
