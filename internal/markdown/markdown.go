// Package markdown converts the assistant's markdown-ish output to the
// restricted HTML subset Telegram accepts (b, i, s, u, code, pre, a,
// blockquote, spoiler). The conversion is lossy by contract: tables become
// list-style rows and unknown HTML is escaped, because Telegram's parser
// rejects anything outside the allowed subset.
package markdown

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	fencedCodeRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n?(.*?)(```|$)")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	boldRe       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	boldAltRe    = regexp.MustCompile(`__([^_]+)__`)
	italicRe     = regexp.MustCompile(`(^|[^\w*])\*([^*\n]+)\*`)
	strikeRe     = regexp.MustCompile(`~~([^~]+)~~`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	tableRowRe   = regexp.MustCompile(`^\s*\|(.+)\|\s*$`)
	tableSepRe   = regexp.MustCompile(`^\s*\|?[\s:|-]+\|?\s*$`)
)

// Render converts markdown to Telegram HTML. Safe to call on partial
// mid-stream output: code spans are extracted and escaped first, so an
// unterminated fence renders as a closed <pre> block instead of leaking
// raw fragments.
func Render(md string) string {
	if md == "" {
		return ""
	}

	// Extract code first so its content is never touched by the inline passes.
	var stash []string
	placeholder := func(s string) string {
		stash = append(stash, s)
		return fmt.Sprintf("\x00%d\x00", len(stash)-1)
	}

	text := fencedCodeRe.ReplaceAllStringFunc(md, func(m string) string {
		parts := fencedCodeRe.FindStringSubmatch(m)
		lang, body := parts[1], parts[2]
		body = strings.TrimSuffix(body, "\n")
		if lang != "" {
			return placeholder(fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, lang, html.EscapeString(body)))
		}
		return placeholder("<pre>" + html.EscapeString(body) + "</pre>")
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		body := inlineCodeRe.FindStringSubmatch(m)[1]
		return placeholder("<code>" + html.EscapeString(body) + "</code>")
	})

	text = renderTables(text)

	// Escape everything else, then rewrite the markdown markers that survived
	// escaping (none of them contain <, > or &).
	text = html.EscapeString(text)

	text = headingRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldAltRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicRe.ReplaceAllString(text, "$1<i>$2</i>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = linkRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := linkRe.FindStringSubmatch(m)
		return fmt.Sprintf(`<a href="%s">%s</a>`, parts[2], parts[1])
	})

	// Restore code spans.
	for i, s := range stash {
		text = strings.Replace(text, fmt.Sprintf("\x00%d\x00", i), s, 1)
	}

	return text
}

// renderTables rewrites markdown tables as list-style rows:
// the first cell bold, remaining cells joined with em-dashes.
// Telegram has no table element.
func renderTables(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	for _, line := range lines {
		if tableSepRe.MatchString(line) && strings.Contains(line, "-") {
			continue
		}
		m := tableRowRe.FindStringSubmatch(line)
		if m == nil {
			out = append(out, line)
			continue
		}
		cells := strings.Split(m[1], "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		if len(cells) == 0 {
			continue
		}
		row := "**" + cells[0] + "**"
		for _, cell := range cells[1:] {
			if cell != "" {
				row += " — " + cell
			}
		}
		out = append(out, row)
	}
	return strings.Join(out, "\n")
}

// Escape HTML-escapes plain text for direct inclusion in a message.
func Escape(text string) string {
	return html.EscapeString(text)
}

// ExpandableQuote wraps already-rendered HTML in an expandable blockquote.
func ExpandableQuote(inner string) string {
	return `<blockquote expandable>` + inner + `</blockquote>`
}

// Truncate cuts s to at most max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

// SplitText splits s into chunks of at most threshold characters.
// The split point walks backwards from the threshold preferring a paragraph
// break, then a line break, then a sentence end; otherwise it cuts at the
// threshold. Subsequent chunks have their leading whitespace trimmed.
func SplitText(s string, threshold int) []string {
	if threshold <= 0 || len(s) <= threshold {
		return []string{s}
	}

	var chunks []string
	rest := s
	for len(rest) > threshold {
		cut := findSplitPoint(rest, threshold)
		chunks = append(chunks, rest[:cut])
		rest = strings.TrimLeft(rest[cut:], " \n")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}

func findSplitPoint(s string, threshold int) int {
	window := s[:threshold]
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx
	}
	if idx := strings.LastIndex(window, ". "); idx > 0 {
		return idx + 1 // keep the period with the first chunk
	}
	return threshold
}
