// Copyright 2024-2026 Aiku AI

package session

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Rendering between the two wire formats. Mattermost speaks markdown, Matrix
// speaks a constrained HTML subset; both directions go through here so the
// bridge core only ever handles opaque rendered strings.

var (
	mdBoldRe      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalicRe    = regexp.MustCompile(`\b_(.+?)_\b`)
	mdStrikeRe    = regexp.MustCompile(`~~(.+?)~~`)
	mdCodeRe      = regexp.MustCompile("`([^`]+)`")
	mdCodeBlockRe = regexp.MustCompile("(?s)```\\w*\\n?(.*?)```")
	mdLinkRe      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)

	htmlStrongRe = regexp.MustCompile(`<strong>(.*?)</strong>`)
	htmlEmRe     = regexp.MustCompile(`<em>(.*?)</em>`)
	htmlDelRe    = regexp.MustCompile(`<del>(.*?)</del>`)
	htmlPreRe    = regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>`)
	htmlCodeRe   = regexp.MustCompile(`<code>(.*?)</code>`)
	htmlLinkRe   = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	htmlBrRe     = regexp.MustCompile(`<br\s*/?>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

// MarkdownToHTML converts markdown text to an HTML rendering. The returned
// html string is empty when the text carries no formatting, in which case
// the plain body should be sent alone.
func MarkdownToHTML(text string) (body, htmlBody string) {
	if text == "" {
		return "", ""
	}

	hasFormatting := mdBoldRe.MatchString(text) ||
		mdItalicRe.MatchString(text) ||
		mdStrikeRe.MatchString(text) ||
		mdCodeRe.MatchString(text) ||
		mdCodeBlockRe.MatchString(text) ||
		mdLinkRe.MatchString(text)
	if !hasFormatting {
		return text, ""
	}

	out := html.EscapeString(text)

	// Code blocks first so their contents survive inline passes.
	out = mdCodeBlockRe.ReplaceAllString(out, "<pre><code>$1</code></pre>")
	out = mdCodeRe.ReplaceAllString(out, "<code>$1</code>")

	out = mdBoldRe.ReplaceAllString(out, "<strong>$1</strong>")
	out = mdItalicRe.ReplaceAllString(out, "<em>$1</em>")
	out = mdStrikeRe.ReplaceAllString(out, "<del>$1</del>")
	out = mdLinkRe.ReplaceAllStringFunc(out, func(match string) string {
		parts := mdLinkRe.FindStringSubmatch(match)
		return fmt.Sprintf(`<a href="%s">%s</a>`, parts[2], parts[1])
	})
	out = strings.ReplaceAll(out, "\n", "<br/>")

	return text, out
}

// HTMLToMarkdown converts a Matrix message to markdown. When formattedBody
// is empty the plain body is returned unchanged.
func HTMLToMarkdown(body, formattedBody string) string {
	if formattedBody == "" {
		return body
	}

	text := formattedBody

	text = htmlPreRe.ReplaceAllString(text, "```\n$1\n```")
	text = htmlCodeRe.ReplaceAllString(text, "`$1`")

	text = htmlStrongRe.ReplaceAllString(text, "**$1**")
	text = htmlEmRe.ReplaceAllString(text, "_${1}_")
	text = htmlDelRe.ReplaceAllString(text, "~~$1~~")
	text = htmlLinkRe.ReplaceAllString(text, "[$2]($1)")
	text = htmlBrRe.ReplaceAllString(text, "\n")

	// Strip anything we don't translate rather than leaking tags.
	text = htmlTagRe.ReplaceAllString(text, "")

	return html.UnescapeString(strings.TrimSpace(text))
}
