package service

import (
	"regexp"
	"strings"
)

// Some models wrap their private chain-of-thought in pseudo-XML tags
// (<think>, <thinking>, <thought>) and the visible answer in <final>.
// StripReasoningTags removes the reasoning regions and unwraps <final>
// before assistant content reaches the conversation log. Tags inside
// fenced code blocks or inline code spans are left untouched.

var (
	// quick pre-check so clean content pays nothing
	anyReasoningTagRe = regexp.MustCompile(`(?i)</?\s*(?:think(?:ing)?|thought|final)\b`)

	// group 1: "/" on a closing tag; group 2: the tag name
	reasoningTagRe = regexp.MustCompile(`(?i)<(/?)\s*(think(?:ing)?|thought|final)\b[^>]*>`)

	inlineCodeRe = regexp.MustCompile("`[^`\n]*`")
)

// StripReasoningTags returns text with reasoning regions removed and
// <final> markup unwrapped. An unclosed reasoning tag drops everything
// after it; a model that stops mid-thought has produced no answer.
func StripReasoningTags(text string) string {
	if text == "" || !anyReasoningTagRe.MatchString(text) {
		return text
	}

	var out strings.Builder
	out.Grow(len(text))
	inThinking := false
	fence := ""

	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimLeft(line, " \t")

		if fence != "" {
			if !inThinking {
				out.WriteString(line)
			}
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
			}
			continue
		}
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			fence = trimmed[:3]
			if !inThinking {
				out.WriteString(line)
			}
			continue
		}

		writeStrippedLine(&out, line, &inThinking)
	}

	return strings.TrimSpace(out.String())
}

// writeStrippedLine copies one line to out, skipping reasoning regions and
// tag markup. inThinking carries the open-tag state across lines.
func writeStrippedLine(out *strings.Builder, line string, inThinking *bool) {
	codeSpans := inlineCodeRe.FindAllStringIndex(line, -1)
	last := 0
	for _, m := range reasoningTagRe.FindAllStringSubmatchIndex(line, -1) {
		if insideSpan(m[0], codeSpans) {
			continue
		}
		if !*inThinking {
			out.WriteString(line[last:m[0]])
		}
		closing := m[2] != m[3]
		name := strings.ToLower(line[m[4]:m[5]])
		if name != "final" {
			*inThinking = !closing
		}
		last = m[1]
	}
	if !*inThinking {
		out.WriteString(line[last:])
	}
}

func insideSpan(pos int, spans [][]int) bool {
	for _, s := range spans {
		if pos >= s[0] && pos < s[1] {
			return true
		}
	}
	return false
}
