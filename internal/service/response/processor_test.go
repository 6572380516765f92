package response_test

import (
	"testing"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
	"github.com/zhouzirui/codechat/backend/internal/service/response"
)

func TestProcessKeepsOriginalMessage(t *testing.T) {
	raw := "Use this:\n```go\nfmt.Println(\"hi\")\n```"
	got := response.NewProcessor().Process(raw)

	if got.Message != raw {
		t.Fatalf("message changed: %q", got.Message)
	}
	if got.Explanation != "Use this:" {
		t.Fatalf("unexpected explanation: %q", got.Explanation)
	}
	if len(got.CodeBlocks) != 1 || got.CodeBlocks[0].Language != "go" {
		t.Fatalf("unexpected blocks: %+v", got.CodeBlocks)
	}
}

func TestProcessEmptyInput(t *testing.T) {
	got := response.NewProcessor().Process("")
	if got.Message != "" || got.Explanation != "" || len(got.CodeBlocks) != 0 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestHydrateOnlyTouchesAssistantMessages(t *testing.T) {
	p := response.NewProcessor()

	user := p.Hydrate(chat.Message{Role: chat.RoleUser, Content: "```js\nx\n```"})
	if user.CodeBlocks != nil || user.Explanation != "" {
		t.Fatalf("user message should not be hydrated: %+v", user)
	}

	assistant := p.Hydrate(chat.Message{Role: chat.RoleAssistant, Content: "See\n```js\nx\n```"})
	if len(assistant.CodeBlocks) != 1 || assistant.Explanation != "See" {
		t.Fatalf("assistant message not hydrated: %+v", assistant)
	}

	already := chat.Message{Role: chat.RoleAssistant, Content: "```js\nx\n```", CodeBlocks: []chat.CodeBlock{}}
	if got := p.Hydrate(already); len(got.CodeBlocks) != 0 {
		t.Fatalf("hydrated message should be left alone: %+v", got)
	}
}
