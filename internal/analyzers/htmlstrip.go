package analyzers

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/ignite/ices-pipeline/internal/models"
)

// Elements whose text content is never visible to the reader.
var skipContent = map[string]bool{
	"style":  true,
	"script": true,
	"head":   true,
}

// StripHTML reduces HTML markup to its visible text. Text inside style,
// script, and head elements is dropped and whitespace runs collapse to
// a single space. The tokenizer consumes malformed markup as text, so
// the result is always a best-effort plain string.
func StripHTML(content string) string {
	z := html.NewTokenizer(strings.NewReader(content))
	var chunks []string
	skip := false
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.StartTagToken:
			name, _ := z.TagName()
			if skipContent[string(name)] {
				skip = true
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skipContent[string(name)] {
				skip = false
			}
		case html.TextToken:
			if !skip {
				chunks = append(chunks, string(z.Text()))
			}
		}
	}
	return strings.Join(strings.Fields(strings.Join(chunks, " ")), " ")
}

// BodyText returns the event body as plain text. Bodies declared as
// HTML, or sniffed as HTML from a tag near the start, are stripped
// first.
func BodyText(event *models.EmailEvent) string {
	body := event.Body.Content
	if event.Body.ContentType == "html" || strings.Contains(Truncate(body, 50), "<") {
		return StripHTML(body)
	}
	return body
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
