package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultTitle is assigned to sessions created without an explicit title.
const DefaultTitle = "New Chat"

const maxTitleRunes = 48

// Session is one chat owned by a user.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TitleFromMessage derives a session title from the first user message.
// It returns "" when the text has nothing usable.
func TitleFromMessage(text string) string {
	line := strings.TrimSpace(text)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return ""
	}
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}
