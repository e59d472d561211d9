package extract

import (
	"bytes"
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// Extractor names accepted by New.
const (
	NameTrafilatura = "trafilatura"
	NameGoquery     = "goquery"
	NameText        = "text"
)

// Fallback runs Primary and degrades to Secondary when Primary errors or
// yields no text. Missing title, description, and links are filled from the
// page metadata so every result carries the same shape.
type Fallback struct {
	Primary     crawler.Extractor
	Secondary   crawler.Extractor
	PrimaryName string
	Logger      *zap.Logger
}

// Options configures New.
type Options struct {
	Primary  string
	Markdown bool
	MaxChars int
}

// New builds the configured primary extractor wrapped in a text-only fallback.
func New(opts Options, logger *zap.Logger) (*Fallback, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var primary crawler.Extractor
	name := opts.Primary
	switch name {
	case "", NameTrafilatura:
		name = NameTrafilatura
		primary = Trafilatura{MaxChars: opts.MaxChars, Markdown: opts.Markdown}
	case NameGoquery:
		primary = MainNode{MaxChars: opts.MaxChars, Markdown: opts.Markdown}
	case NameText:
		primary = TextOnly{MaxChars: opts.MaxChars}
	default:
		return nil, fmt.Errorf("unknown extractor %q", opts.Primary)
	}
	return &Fallback{
		Primary:     primary,
		Secondary:   TextOnly{MaxChars: opts.MaxChars},
		PrimaryName: name,
		Logger:      logger,
	}, nil
}

// Extract implements crawler.Extractor. It only returns an error when neither
// extractor produced a result.
func (f *Fallback) Extract(ctx context.Context, body []byte, pageURL string) (crawler.Content, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	used := f.PrimaryName
	content, err := f.Primary.Extract(ctx, body, pageURL)
	if err != nil || collapseSpace(content.Text) == "" {
		if err != nil {
			logger.Debug("primary extraction failed, using fallback", zap.String("url", pageURL), zap.Error(err))
		}
		used = NameText
		content, err = f.Secondary.Extract(ctx, body, pageURL)
		if err != nil {
			return crawler.Content{}, fmt.Errorf("fallback extraction: %w", err)
		}
	}
	metrics.ObserveExtraction(used)

	if content.Title == "" || content.Description == "" || content.Links == nil {
		if doc, perr := goquery.NewDocumentFromReader(bytes.NewReader(body)); perr == nil {
			if content.Title == "" {
				content.Title = Title(doc)
			}
			if content.Description == "" {
				content.Description = Description(doc)
			}
			if content.Links == nil {
				content.Links = Links(doc, pageURL)
			}
		}
	}
	if content.Markdown == "" {
		content.Markdown = content.Text
	}
	return content, nil
}
