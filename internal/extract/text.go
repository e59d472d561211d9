package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// DefaultMaxChars bounds extracted text and markdown.
const DefaultMaxChars = 20000

const truncationMarker = "\n\n[Content truncated...]"

// noiseSelectors are removed before any text is read from a document.
const noiseSelectors = "script, style, noscript, template, iframe, object, embed, svg, form, button, nav, header, footer, aside"

// TextOnly is the minimal extractor: strip markup and keep the first MaxChars
// characters of visible text.
type TextOnly struct {
	MaxChars int
}

// Extract implements crawler.Extractor.
func (t TextOnly) Extract(_ context.Context, body []byte, pageURL string) (crawler.Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Content{}, fmt.Errorf("parse html: %w", err)
	}
	content := crawler.Content{
		Title:       Title(doc),
		Description: Description(doc),
		Links:       Links(doc, pageURL),
	}
	doc.Find(noiseSelectors).Remove()
	text := blockText(doc.Find("body"))
	if text == "" {
		text = collapseSpace(doc.Text())
	}
	content.Text = Truncate(text, t.maxChars())
	content.Markdown = content.Text
	return content, nil
}

func (t TextOnly) maxChars() int {
	if t.MaxChars <= 0 {
		return DefaultMaxChars
	}
	return t.MaxChars
}

// Truncate cuts s to at most maxChars runes and appends a marker when it did.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxChars])) + truncationMarker
}

// blockText renders one line per block-level element so paragraphs stay
// separated after markup is gone.
func blockText(sel *goquery.Selection) string {
	var lines []string
	sel.Find("h1, h2, h3, h4, h5, h6, p, li, blockquote, pre, td").Each(func(_ int, s *goquery.Selection) {
		if s.Find("p, li, blockquote, pre").Length() > 0 {
			return
		}
		if line := collapseSpace(s.Text()); line != "" {
			lines = append(lines, line)
		}
	})
	return strings.Join(lines, "\n\n")
}
