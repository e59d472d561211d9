package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/markusmobius/go-trafilatura"
	"golang.org/x/net/html"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// errEmptyContent signals that an extractor ran but found nothing worth keeping.
var errEmptyContent = errors.New("extractor returned empty content")

// Trafilatura extracts main content with go-trafilatura and, optionally,
// renders the detected content node as markdown.
type Trafilatura struct {
	MaxChars int
	Markdown bool
}

// Extract implements crawler.Extractor.
func (t Trafilatura) Extract(_ context.Context, body []byte, pageURL string) (crawler.Content, error) {
	opts := trafilatura.Options{}
	if u, err := url.Parse(pageURL); err == nil {
		opts.OriginalURL = u
	}
	result, err := trafilatura.Extract(bytes.NewReader(body), opts)
	if err != nil {
		return crawler.Content{}, fmt.Errorf("trafilatura: %w", err)
	}
	if result == nil || collapseSpace(result.ContentText) == "" {
		return crawler.Content{}, errEmptyContent
	}

	maxChars := t.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	content := crawler.Content{
		Title:       collapseSpace(result.Metadata.Title),
		Description: collapseSpace(result.Metadata.Description),
		Text:        Truncate(result.ContentText, maxChars),
	}
	if t.Markdown && result.ContentNode != nil {
		var buf bytes.Buffer
		if err := html.Render(&buf, result.ContentNode); err != nil {
			return crawler.Content{}, fmt.Errorf("render content node: %w", err)
		}
		markdown, err := toMarkdown(buf.String(), pageURL)
		if err != nil {
			return crawler.Content{}, err
		}
		content.Markdown = Truncate(markdown, maxChars)
	}
	return content, nil
}
