package llm

import "strings"

var thinkingTags = [][2]string{
	{"<think>", "</think>"},
	{"<thinking>", "</thinking>"},
}

// StripThinkingTags removes <think>...</think> and <thinking>...</thinking>
// blocks from model output. Reasoning models served by Ollama (qwen3,
// deepseek-r1) emit them before the answer. An unclosed block drops the rest
// of the text.
func StripThinkingTags(s string) string {
	for _, tag := range thinkingTags {
		s = stripBlocks(s, tag[0], tag[1])
	}
	return strings.TrimSpace(s)
}

func stripBlocks(s, open, close string) string {
	for {
		start := strings.Index(s, open)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], close)
		if end == -1 {
			return strings.TrimSpace(s[:start])
		}
		s = s[:start] + s[start+end+len(close):]
	}
}
