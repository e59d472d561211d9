package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

var contentSelectors = []string{
	"main", "article", `[role="main"]`, ".main-content", "#main-content",
	".content", "#content", ".post-content", ".entry-content", ".article-content", ".page-content",
}

const boilerplateSelectors = ".nav, .navigation, .menu, .sidebar, .footer, .header, .ads, .advertisement, " +
	".social, .share, .comment, .comments, #nav, #navigation, #menu, #sidebar, #footer, #header, #ads"

// MainNode extracts the largest recognizable content container and renders
// it as text and markdown.
type MainNode struct {
	MaxChars int
	Markdown bool
}

// Extract implements crawler.Extractor.
func (m MainNode) Extract(_ context.Context, body []byte, pageURL string) (crawler.Content, error) {
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
	doc.Find(boilerplateSelectors).Remove()
	node := mainSelection(doc)

	maxChars := m.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	text := blockText(node)
	if len(text) < 200 {
		if plain := collapseSpace(node.Text()); len(plain) > len(text) {
			text = plain
		}
	}
	content.Text = Truncate(text, maxChars)

	if m.Markdown && node.Length() > 0 {
		fragment, err := goquery.OuterHtml(node)
		if err != nil {
			return crawler.Content{}, fmt.Errorf("render main node: %w", err)
		}
		markdown, err := toMarkdown(fragment, pageURL)
		if err != nil {
			return crawler.Content{}, err
		}
		content.Markdown = Truncate(markdown, maxChars)
	}
	return content, nil
}

// mainSelection returns the content container with the most text for the
// first selector that matches, falling back to <body>.
func mainSelection(doc *goquery.Document) *goquery.Selection {
	for _, selector := range contentSelectors {
		matches := doc.Find(selector)
		if matches.Length() == 0 {
			continue
		}
		best := matches.First()
		bestLen := len(strings.TrimSpace(best.Text()))
		matches.Each(func(_ int, s *goquery.Selection) {
			if n := len(strings.TrimSpace(s.Text())); n > bestLen {
				best, bestLen = s, n
			}
		})
		return best
	}
	return doc.Find("body").First()
}

func toMarkdown(fragment, pageURL string) (string, error) {
	converter := md.NewConverter(crawler.Hostname(pageURL), true, nil)
	markdown, err := converter.ConvertString(fragment)
	if err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return strings.TrimSpace(markdown), nil
}
