// Package headless renders client-side pages in headless Chrome when the
// plain HTTP body turned out to be an application shell.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const (
	defaultNavTimeout   = 45 * time.Second
	defaultSettleDelay  = 500 * time.Millisecond
	defaultMaxBodyBytes = 10 << 20
	renderedContentType = "text/html; charset=utf-8"
)

// Config controls the renderer.
type Config struct {
	// MaxParallel caps concurrently open tabs. Zero means unlimited.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is waited after the body is ready so late scripts can
	// finish mutating the DOM.
	SettleDelay  time.Duration
	MaxBodyBytes int
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
}

// Renderer implements crawler.Fetcher by driving a shared headless Chrome
// allocator, one tab per fetch.
type Renderer struct {
	cfg         Config
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New prepares a renderer. Chrome itself is started lazily on first fetch.
func New(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("headless max parallel must be >= 0, got %d", cfg.MaxParallel)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	r := &Renderer{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}
	if cfg.MaxParallel > 0 {
		r.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	return r, nil
}

// Close shuts the browser down.
func (r *Renderer) Close() error {
	r.allocCancel()
	return nil
}

// Fetch loads request.URL in a fresh tab and returns the serialized DOM.
func (r *Renderer) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if r.tabs != nil {
		if err := r.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("waiting for a headless tab: %w", err)
		}
		defer r.tabs.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(r.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, max(r.cfg.NavigationTimeout, request.Timeout))
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentTracker{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		r.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctxErr)
		}
		return crawler.FetchResponse{}, &crawler.FetchError{
			Kind: crawler.FetchErrorNetwork,
			URL:  request.URL,
			Err:  fmt.Errorf("render: %w", err),
		}
	}

	main := doc.result(request.URL, location)
	if fetchErr := main.check(request.URL); fetchErr != nil {
		return crawler.FetchResponse{}, fetchErr
	}
	main.headers.Set("Content-Type", renderedContentType)

	body := []byte(html)
	if len(body) > r.cfg.MaxBodyBytes {
		body = body[:r.cfg.MaxBodyBytes]
	}
	return crawler.FetchResponse{
		URL:          request.URL,
		FinalURL:     main.url,
		StatusCode:   main.status,
		Headers:      main.headers,
		Body:         body,
		Duration:     time.Since(start),
		Attempts:     1,
		UsedHeadless: true,
	}, nil
}

func (r *Renderer) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// documentTracker records the last top-level document response seen in a
// tab, which after redirects is the page that was actually rendered.
type documentTracker struct {
	mu       sync.Mutex
	status   int
	mimeType string
	headers  http.Header
	url      string
}

func (d *documentTracker) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := fromNetworkHeaders(resp.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.mimeType = resp.Response.MimeType
	d.headers = headers
	d.url = resp.Response.URL
}

type renderedDocument struct {
	status   int
	mimeType string
	headers  http.Header
	url      string
}

// result fills gaps left by pages served from cache or about: URLs, where no
// document response event fires.
func (d *documentTracker) result(requestURL, location string) renderedDocument {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := renderedDocument{status: d.status, mimeType: d.mimeType, headers: d.headers, url: d.url}
	if out.headers == nil {
		out.headers = http.Header{}
	} else {
		out.headers = out.headers.Clone()
	}
	if out.status == 0 {
		out.status = http.StatusOK
	}
	switch {
	case location != "" && !strings.HasPrefix(location, "about:"):
		out.url = location
	case out.url == "":
		out.url = requestURL
	}
	return out
}

func (doc renderedDocument) check(requestURL string) *crawler.FetchError {
	if fetchErr := crawler.ClassifyStatus(requestURL, doc.status); fetchErr != nil {
		return fetchErr
	}
	switch crawler.MediaType(doc.mimeType) {
	case "", "text/html", "application/xhtml+xml":
		return nil
	default:
		return &crawler.FetchError{
			Kind:       crawler.FetchErrorContentType,
			StatusCode: doc.status,
			URL:        requestURL,
			Err:        fmt.Errorf("%w: %q", crawler.ErrUnsupportedContentType, doc.mimeType),
		}
	}
}

func fromNetworkHeaders(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			// CDP folds repeated headers into one newline-separated value.
			for _, part := range strings.Split(v, "\n") {
				out.Add(key, part)
			}
		case []any:
			for _, part := range v {
				out.Add(key, fmt.Sprint(part))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
