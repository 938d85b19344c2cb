package post

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML flattens a Mastodon HTML content fragment to plain text.
// Paragraph and line-break boundaries become single spaces so that the text
// reads naturally; surrounding whitespace is trimmed.
func StripHTML(fragment string) string {
	if !strings.ContainsRune(fragment, '<') {
		return strings.TrimSpace(fragment)
	}

	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(tokenizer.Text())
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "p", "br", "div", "li":
				b.WriteByte(' ')
			}
		}
	}
}
