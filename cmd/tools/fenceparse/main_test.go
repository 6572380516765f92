package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

const reply = "Use a loop:\n```go\nfor i := range 3 {}\n```\nand then\n```\nplain\n```"

func run(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v", args, err)
	}
	return out.String()
}

func TestCountFromStdin(t *testing.T) {
	if got := strings.TrimSpace(run(t, reply, "--count")); got != "2" {
		t.Fatalf("expected 2, got %q", got)
	}
}

func TestJSONFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.md")
	if err := os.WriteFile(path, []byte(reply), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var processed chat.ProcessedMessage
	if err := json.Unmarshal([]byte(run(t, "", "--json", path)), &processed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(processed.CodeBlocks) != 2 || processed.CodeBlocks[1].Language != "text" {
		t.Fatalf("unexpected blocks: %+v", processed.CodeBlocks)
	}
	if processed.Explanation != "Use a loop:\n\nand then" {
		t.Fatalf("unexpected explanation: %q", processed.Explanation)
	}
}

func TestHumanOutput(t *testing.T) {
	out := run(t, reply)
	for _, want := range []string{"code blocks:", "[1]", "go", "for i := range 3 {}", "explanation:", "and then"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMissingFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "nope")})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing file")
	}
}
