package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type stubExtractor struct {
	content crawler.Content
	err     error
	calls   int
}

func (s *stubExtractor) Extract(context.Context, []byte, string) (crawler.Content, error) {
	s.calls++
	return s.content, s.err
}

func TestFallbackUsesPrimaryAndBackfills(t *testing.T) {
	t.Parallel()

	primary := &stubExtractor{content: crawler.Content{Text: "primary text"}}
	secondary := &stubExtractor{}
	f := &Fallback{Primary: primary, Secondary: secondary, PrimaryName: "stub"}

	content, err := f.Extract(context.Background(), []byte(articlePage), "https://example.com/news")
	require.NoError(t, err)
	require.Equal(t, "primary text", content.Text)
	require.Equal(t, "primary text", content.Markdown)
	require.Equal(t, "Release notes", content.Title)
	require.Equal(t, "What shipped this week.", content.Description)
	require.Len(t, content.Links, 3)
	require.Equal(t, 0, secondary.calls)
}

func TestFallbackDegradesOnErrorOrEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		primary *stubExtractor
	}{
		{name: "error", primary: &stubExtractor{err: errors.New("boom")}},
		{name: "empty text", primary: &stubExtractor{content: crawler.Content{Title: "only a title", Text: "  "}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := &Fallback{Primary: tc.primary, Secondary: TextOnly{}, PrimaryName: "stub"}
			content, err := f.Extract(context.Background(), []byte(articlePage), "https://example.com/news")
			require.NoError(t, err)
			require.Equal(t, 1, tc.primary.calls)
			require.Contains(t, content.Text, "honors crawl-delay directives")
			require.Equal(t, "Release notes", content.Title)
		})
	}
}

func TestFallbackSecondaryFailure(t *testing.T) {
	t.Parallel()

	f := &Fallback{
		Primary:   &stubExtractor{err: errors.New("primary")},
		Secondary: &stubExtractor{err: errors.New("secondary")},
	}
	_, err := f.Extract(context.Background(), []byte("<p>x</p>"), "https://example.com/")
	require.Error(t, err)
	require.Contains(t, err.Error(), "secondary")
}

func TestNewSelectsExtractor(t *testing.T) {
	t.Parallel()

	f, err := New(Options{}, nil)
	require.NoError(t, err)
	require.Equal(t, NameTrafilatura, f.PrimaryName)
	require.IsType(t, Trafilatura{}, f.Primary)

	f, err = New(Options{Primary: NameGoquery, Markdown: true, MaxChars: 50}, nil)
	require.NoError(t, err)
	require.Equal(t, MainNode{Markdown: true, MaxChars: 50}, f.Primary)
	require.Equal(t, TextOnly{MaxChars: 50}, f.Secondary)

	_, err = New(Options{Primary: "bogus"}, nil)
	require.Error(t, err)
}

func TestFallbackWithTrafilaturaNeverLosesContent(t *testing.T) {
	t.Parallel()

	paragraph := "Incremental crawling revisits known pages and skips extraction when the fingerprint matches. "
	html := "<html><head><title>Crawling</title></head><body><article><h1>Crawling</h1><p>" +
		strings.Repeat(paragraph, 8) + "</p><p>" + strings.Repeat(paragraph, 6) + "</p></article></body></html>"

	f, err := New(Options{Primary: NameTrafilatura, Markdown: true}, nil)
	require.NoError(t, err)
	content, err := f.Extract(context.Background(), []byte(html), "https://example.com/crawling")
	require.NoError(t, err)
	require.Contains(t, content.Text, "skips extraction when the fingerprint matches")
	require.Equal(t, "Crawling", content.Title)
	require.NotEmpty(t, content.Markdown)
}
