package ingestion

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	multiSpace  = regexp.MustCompile(`\s+`)
	blankLines3 = regexp.MustCompile(`\n\n\n+`)
)

// CleanText cleans and normalizes text content while preserving structure
func CleanText(content string) string {
	if content == "" {
		return ""
	}

	// Normalize line endings (CRLF → LF)
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	lines := strings.Split(content, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, cleanLine(line))
	}

	result := blankLines3.ReplaceAllString(strings.Join(cleaned, "\n"), "\n\n")
	return strings.TrimSpace(result)
}

// cleanLine cleans a single line while preserving markdown structure
func cleanLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if strings.TrimSpace(line) == "" {
		return ""
	}

	trimmed := strings.TrimLeft(line, " \t")
	if strings.HasPrefix(trimmed, "#") {
		return trimmed
	}
	if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
		return line
	}

	// Collapse inner whitespace but keep leading indentation
	leading := len(line) - len(trimmed)
	content := multiSpace.ReplaceAllString(strings.TrimSpace(line), " ")
	if leading > 0 {
		return strings.Repeat(" ", leading) + content
	}
	return content
}

// Truncate shortens text to at most limit bytes, cutting at the last paragraph or
// sentence boundary in the final fifth when one exists. It never splits a UTF-8 rune.
func Truncate(text string, limit int) (string, bool) {
	if limit <= 0 || len(text) <= limit {
		return text, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	head := text[:cut]

	floor := cut * 4 / 5
	if i := strings.LastIndex(head, "\n\n"); i >= floor {
		return strings.TrimSpace(head[:i]), true
	}
	if i := strings.LastIndex(head, ". "); i >= floor {
		return strings.TrimSpace(head[:i+1]), true
	}
	return strings.TrimSpace(head), true
}
