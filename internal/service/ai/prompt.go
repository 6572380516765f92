package ai

import (
	"strings"

	"github.com/zhouzirui/codechat/backend/internal/config"
	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

// PromptBuilder 负责系统提示词与历史消息的整理。
type PromptBuilder struct {
	system string
}

// NewPromptBuilder creates a builder; an empty system prompt falls back to the
// default one.
func NewPromptBuilder(system string) *PromptBuilder {
	system = strings.TrimSpace(system)
	if system == "" {
		system = config.DefaultSystemPrompt
	}
	return &PromptBuilder{system: system}
}

// SystemPrompt returns the instruction sent ahead of every conversation.
func (b *PromptBuilder) SystemPrompt() string {
	return b.system
}

// History drops turns the providers cannot take: unknown roles and blank
// content.
func (b *PromptBuilder) History(history []chat.ContextMessage) []chat.ContextMessage {
	if len(history) == 0 {
		return nil
	}
	out := make([]chat.ContextMessage, 0, len(history))
	for _, turn := range history {
		if !turn.Role.Valid() || strings.TrimSpace(turn.Content) == "" {
			continue
		}
		out = append(out, turn)
	}
	return out
}

// UserText 保证带图片的空消息仍有文字说明。
func (b *PromptBuilder) UserText(message string, image *chat.ImageRef) string {
	message = strings.TrimSpace(message)
	if message != "" || image == nil {
		return message
	}
	if image.Name != "" {
		return "Please look at the attached image (" + image.Name + ")."
	}
	return "Please look at the attached image."
}
