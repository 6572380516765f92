package response

import (
	"github.com/zhouzirui/codechat/backend/internal/analysis/codefence"
	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

// Processor turns raw model output into the structure the renderer consumes.
type Processor struct{}

// NewProcessor returns a Processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process splits a raw response into code blocks and explanation.
func (p *Processor) Process(raw string) chat.ProcessedMessage {
	parsed := codefence.Parse(raw)
	return chat.ProcessedMessage{
		Message:     raw,
		CodeBlocks:  parsed.CodeBlocks,
		Explanation: parsed.Explanation,
	}
}

// Hydrate fills the derived fields of an assistant message loaded from
// storage, where only the raw content is kept. Other messages are returned as is.
func (p *Processor) Hydrate(message chat.Message) chat.Message {
	if message.Role != chat.RoleAssistant || message.CodeBlocks != nil {
		return message
	}
	processed := p.Process(message.Content)
	message.CodeBlocks = processed.CodeBlocks
	message.Explanation = processed.Explanation
	return message
}
