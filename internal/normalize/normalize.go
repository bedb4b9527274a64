// Package normalize cleans raw extraction output into consistent text.
//
// Every function here is pure, total and idempotent: feeding a result back
// in returns it unchanged.
package normalize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	horizontalRun = regexp.MustCompile(`[ \t\f\v\x{00A0}]{2,}`)
	listItem      = regexp.MustCompile(`^(-|\d+\.)\s`)

	fenceOpener = regexp.MustCompile("^```[A-Za-z0-9_+#.\\-]*[ \\t]*\\n")
	fenceCloser = regexp.MustCompile("\\n```[ \\t]*$")

	// "-  item", "---   item", "*  item" but never a bare "---" rule.
	looseBullet = regexp.MustCompile(`^([ \t]*)(?:-+|\*)[ \t]{2,}`)
)

// OCRText is the output of CleanOCR: a flat cleaned view and a list-aware formatted view.
type OCRText struct {
	Cleaned   string
	Formatted string
}

// CleanOCR normalizes raw OCR output.
//
// Cleaned: carriage returns become newlines, horizontal whitespace runs collapse
// to one space, blank-line runs collapse to a single blank line, and the result
// is trimmed.
//
// Formatted: the same text re-flowed line by line. A line starting with "- " or
// "N. " opens (or continues) a list. While a list is open, a line indented by at
// least two spaces is a continuation and is kept under the item with a two-space
// indent; any other line closes the list and is emitted as ordinary text.
func CleanOCR(raw string) OCRText {
	lines := splitLines(raw)

	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = horizontalRun.ReplaceAllString(line, " ")
		cleaned = append(cleaned, strings.TrimRightFunc(line, unicode.IsSpace))
	}

	return OCRText{
		Cleaned:   joinCollapsed(cleaned),
		Formatted: joinCollapsed(formatLists(lines)),
	}
}

func formatLists(lines []string) []string {
	out := make([]string, 0, len(lines))
	inList := false

	for _, line := range lines {
		content := strings.TrimSpace(horizontalRun.ReplaceAllString(line, " "))

		switch {
		case content == "":
			inList = false
			out = append(out, "")
		case listItem.MatchString(content):
			inList = true
			out = append(out, content)
		case inList && leadingSpaces(line) >= 2:
			out = append(out, "  "+content)
		default:
			inList = false
			out = append(out, content)
		}
	}
	return out
}

// StripCodeFence removes a leading ```lang opener line and a trailing ``` closer.
// Nested fences are removed until none remain, then the result is trimmed.
func StripCodeFence(raw string) string {
	text := strings.TrimSpace(normalizeNewlines(raw))
	for {
		next := fenceOpener.ReplaceAllString(text, "")
		next = fenceCloser.ReplaceAllString(next, "")
		next = strings.TrimSpace(next)
		if next == text {
			return text
		}
		text = next
	}
}

// FixMarkdownLists rewrites loose bullet markers ("-  x", "*   x") into "- x".
// Indentation in front of the marker is preserved so nested lists survive.
func FixMarkdownLists(raw string) string {
	lines := strings.Split(strings.TrimSpace(normalizeNewlines(raw)), "\n")
	for i, line := range lines {
		lines[i] = looseBullet.ReplaceAllString(line, "${1}- ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func splitLines(s string) []string {
	return strings.Split(normalizeNewlines(s), "\n")
}

// joinCollapsed joins lines, keeps at most one blank line between paragraphs
// and drops blank lines at either end.
func joinCollapsed(lines []string) string {
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank = true
			continue
		}
		if blank && len(out) > 0 {
			out = append(out, "")
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func leadingSpaces(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 2
		default:
			return n
		}
	}
	return n
}
