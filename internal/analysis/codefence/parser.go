package codefence

import (
	"regexp"
	"strings"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

// DefaultLanguage 是代码块未声明语言标签时使用的标签。
const DefaultLanguage = "text"

// Marker 是代码块的定界符。
const Marker = "```"

// fencePattern 匹配 ```tag <content> ```，内容部分非贪婪，必须存在闭合定界符。
var fencePattern = regexp.MustCompile("```(\\w+)?\\s*([\\s\\S]*?)```")

// Result 是一次解析的结果。
type Result struct {
	CodeBlocks  []chat.CodeBlock
	Explanation string
}

// Parse 从原始文本中提取代码块与说明文字。任何输入都返回合法结果。
func Parse(text string) Result {
	matches := fencePattern.FindAllStringSubmatchIndex(text, -1)

	blocks := make([]chat.CodeBlock, 0, len(matches))
	if len(matches) == 0 {
		return Result{CodeBlocks: blocks, Explanation: strings.TrimSpace(text)}
	}

	var prose strings.Builder
	prose.Grow(len(text))
	last := 0
	for _, m := range matches {
		language := DefaultLanguage
		if m[2] >= 0 && m[3] > m[2] {
			language = text[m[2]:m[3]]
		}
		blocks = append(blocks, chat.CodeBlock{
			Language: language,
			Code:     strings.TrimSpace(text[m[4]:m[5]]),
		})

		prose.WriteString(text[last:m[0]])
		last = m[1]
	}
	prose.WriteString(text[last:])

	return Result{
		CodeBlocks:  blocks,
		Explanation: strings.TrimSpace(prose.String()),
	}
}

// CountFences 返回文本中完整代码块的数量。
func CountFences(text string) int {
	return len(fencePattern.FindAllStringIndex(text, -1))
}
