package telegram

import (
	"regexp"
	"strings"
)

var (
	reCode = regexp.MustCompile("`([^`\n]+)`")
	reBold = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
)

// MarkdownToTelegramHTML renders the small Markdown subset deskline uses in
// its messages (**bold** and `code`) as Telegram HTML. Everything else is
// escaped.
func MarkdownToTelegramHTML(md string) string {
	var out strings.Builder
	rest := md
	for {
		loc := reCode.FindStringSubmatchIndex(rest)
		if loc == nil {
			out.WriteString(renderBold(escapeHTML(rest)))
			break
		}
		out.WriteString(renderBold(escapeHTML(rest[:loc[0]])))
		out.WriteString("<code>" + escapeHTML(rest[loc[2]:loc[3]]) + "</code>")
		rest = rest[loc[1]:]
	}
	return out.String()
}

// StripMarkdown removes the markers MarkdownToTelegramHTML understands.
func StripMarkdown(md string) string {
	s := reCode.ReplaceAllString(md, "$1")
	return reBold.ReplaceAllString(s, "$1")
}

func renderBold(s string) string {
	return reBold.ReplaceAllString(s, "<b>$1</b>")
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
