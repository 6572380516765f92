package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestTitleFromMessage(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"   \n  ", ""},
		{"How do I\tsort a map?\nmore", "How do I sort a map?"},
		{strings.Repeat("ab ", 30), strings.TrimSpace(strings.Repeat("ab ", 16)) + "…"},
	}
	for _, tc := range cases {
		if got := TitleFromMessage(tc.in); got != tc.want {
			t.Fatalf("TitleFromMessage(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidateForInsert(t *testing.T) {
	image := &ImageRef{URL: "https://cdn.example/a.png", Name: "a.png"}

	if err := ValidateForInsert(Message{SessionID: "s", Role: RoleUser, ImageRef: image}); err != nil {
		t.Fatalf("image-only message should be valid: %v", err)
	}
	if err := ValidateForInsert(Message{Role: RoleUser, Content: "x"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := ValidateForInsert(Message{SessionID: "s", Role: "system", Content: "x"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if err := ValidateForInsert(Message{SessionID: "s", Role: RoleAssistant}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestCloneDoesNotShare(t *testing.T) {
	orig := Message{CodeBlocks: []CodeBlock{{Language: "go", Code: "x"}}, ImageRef: &ImageRef{URL: "u"}}
	copied := orig.Clone()
	copied.CodeBlocks[0].Code = "y"
	copied.ImageRef.URL = "v"

	if orig.CodeBlocks[0].Code != "x" || orig.ImageRef.URL != "u" {
		t.Fatalf("clone shares state with original: %+v", orig)
	}
}
