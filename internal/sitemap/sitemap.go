// Package sitemap discovers seed URLs from XML sitemaps and sitemap indexes.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultMaxURLs  = 5000
	defaultMaxBytes = 10 << 20
)

// Document is a parsed sitemap: either a urlset (URLs) or an index (Sitemaps).
type Document struct {
	URLs     []string
	Sitemaps []string
}

type xmlDocument struct {
	XMLName  xml.Name
	URLs     []xmlLoc `xml:"url"`
	Sitemaps []xmlLoc `xml:"sitemap"`
}

type xmlLoc struct {
	Loc string `xml:"loc"`
}

// Parse decodes a urlset or sitemapindex document. Gzip-compressed input is
// detected by its magic bytes.
func Parse(body []byte) (Document, error) {
	if len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return Document{}, fmt.Errorf("open gzip sitemap: %w", err)
		}
		defer func() { _ = zr.Close() }()
		inflated, err := io.ReadAll(io.LimitReader(zr, defaultMaxBytes))
		if err != nil {
			return Document{}, fmt.Errorf("inflate sitemap: %w", err)
		}
		body = inflated
	}

	var raw xmlDocument
	if err := xml.Unmarshal(body, &raw); err != nil {
		return Document{}, fmt.Errorf("decode sitemap: %w", err)
	}
	switch raw.XMLName.Local {
	case "urlset", "sitemapindex":
	default:
		return Document{}, fmt.Errorf("decode sitemap: unexpected root <%s>", raw.XMLName.Local)
	}
	var doc Document
	for _, u := range raw.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			doc.URLs = append(doc.URLs, loc)
		}
	}
	for _, s := range raw.Sitemaps {
		if loc := strings.TrimSpace(s.Loc); loc != "" {
			doc.Sitemaps = append(doc.Sitemaps, loc)
		}
	}
	return doc, nil
}

// Gate is called before every sitemap request so the caller can apply
// politeness. A non-nil error skips that sitemap.
type Gate func(ctx context.Context, rawURL string) error

// Options configures a Loader.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	MaxURLs   int
	Gate      Gate
}

// Loader fetches sitemaps for a site.
type Loader struct {
	client *http.Client
	opts   Options
	logger *zap.Logger
}

// NewLoader builds a Loader. client and logger may be nil.
func NewLoader(client *http.Client, opts Options, logger *zap.Logger) *Loader {
	if client == nil {
		client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxURLs <= 0 {
		opts.MaxURLs = defaultMaxURLs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{client: client, opts: opts, logger: logger}
}

// Discover collects page URLs from /sitemap.xml on the seed's origin plus any
// hinted sitemaps (typically robots.txt Sitemap lines). Index files are
// followed one level deep. Individual sitemap failures are logged and
// skipped; the returned URLs are cleaned and deduplicated but not scoped.
func (l *Loader) Discover(ctx context.Context, seedURL string, hints []string) ([]string, error) {
	origin, err := originOf(seedURL)
	if err != nil {
		return nil, err
	}
	queue := append([]string{origin + "/sitemap.xml"}, hints...)
	visited := make(map[string]struct{})
	seen := make(map[string]struct{})
	var urls []string

	for depth := 0; depth < 2 && len(queue) > 0; depth++ {
		var next []string
		for _, sm := range queue {
			if err := ctx.Err(); err != nil {
				return urls, fmt.Errorf("sitemap discovery: %w", err)
			}
			target, err := crawler.CleanURL(sm)
			if err != nil {
				continue
			}
			key, err := crawler.NormalizeURL(target)
			if err != nil {
				continue
			}
			if _, dup := visited[key]; dup {
				continue
			}
			visited[key] = struct{}{}

			doc, err := l.load(ctx, target)
			if err != nil {
				l.logger.Debug("sitemap skipped", zap.String("sitemap", target), zap.Error(err))
				continue
			}
			next = append(next, doc.Sitemaps...)
			for _, loc := range doc.URLs {
				page, err := crawler.CleanURL(loc)
				if err != nil {
					continue
				}
				key, err := crawler.NormalizeURL(page)
				if err != nil {
					continue
				}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				urls = append(urls, page)
				if len(urls) >= l.opts.MaxURLs {
					return urls, nil
				}
			}
		}
		queue = next
	}
	return urls, nil
}

var errSitemapStatus = errors.New("unexpected sitemap status")

func (l *Loader) load(ctx context.Context, rawURL string) (Document, error) {
	if l.opts.Gate != nil {
		if err := l.opts.Gate(ctx, rawURL); err != nil {
			return Document{}, err
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("new sitemap request: %w", err)
	}
	if l.opts.UserAgent != "" {
		req.Header.Set("User-Agent", l.opts.UserAgent)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			l.logger.Debug("Failed to close sitemap response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("%w: %d", errSitemapStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBytes))
	if err != nil {
		return Document{}, fmt.Errorf("read sitemap: %w", err)
	}
	return Parse(body)
}

func originOf(rawURL string) (string, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	host := crawler.Hostname(normalized)
	scheme := normalized[:strings.Index(normalized, "://")]
	return scheme + "://" + host, nil
}
