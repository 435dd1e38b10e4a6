package helpers

import (
	"strings"
)

// ExtractFencedBlock returns the body of the first triple backtick block in s,
// without a language tag on its own first line. It returns "" when s has no
// complete block.
func ExtractFencedBlock(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}

	block := strings.TrimSpace(rest[:end])
	if block == "" {
		return ""
	}

	if i := strings.Index(block, "\n"); i > 0 {
		firstLine := strings.ToLower(strings.TrimSpace(block[:i]))
		switch firstLine {
		case "text", "txt", "yaml", "yml", "json", "jsonc":
			block = strings.TrimSpace(block[i+1:])
		}
	}

	return block
}

// ExtractJSONObject finds the JSON object a model answered with: a fenced
// block if there is one, otherwise the outermost braces.
func ExtractJSONObject(s string) string {
	if block := ExtractFencedBlock(s); block != "" {
		s = block
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
