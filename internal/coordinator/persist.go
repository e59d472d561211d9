package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const defaultHTMLContentType = "text/html; charset=utf-8"

// BlobKey returns the object key for a page artifact. Paths are hashed so
// that query strings and deep paths map to flat, safe object names.
func BlobKey(prefix, host, pagePath, ext string) string {
	sum := sha256.Sum256([]byte(pagePath))
	return path.Join(prefix, host, hex.EncodeToString(sum[:])+ext)
}

// artifact is the JSON document stored alongside the raw HTML.
type artifact struct {
	URL         string    `json:"url"`
	FinalURL    string    `json:"final_url"`
	Path        string    `json:"path"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Text        string    `json:"text"`
	Markdown    string    `json:"markdown"`
	Links       []string  `json:"links"`
	Fingerprint string    `json:"fingerprint"`
	Change      string    `json:"change"`
	VisitedAt   time.Time `json:"visited_at"`
	Page        pageStats `json:"stats"`
}

type pageStats struct {
	StatusCode   int    `json:"status_code"`
	ContentType  string `json:"content_type"`
	ByteSize     int64  `json:"byte_size"`
	Attempts     int    `json:"attempts"`
	UsedHeadless bool   `json:"used_headless"`
}

// persist writes the raw body and extracted artifact, records the new
// fingerprint, and publishes a page event. Publish failures are logged only.
func (r *run) persist(ctx context.Context, page *crawler.PageRecord, body []byte) error {
	host := crawler.Hostname(page.URL)
	prefix := r.c.cfg.BlobPrefix

	contentType := defaultHTMLContentType
	if page.ContentType != "" {
		contentType = page.ContentType
	}
	uri, err := r.c.deps.Blobs.PutObject(ctx, BlobKey(prefix, host, page.Path, ".html"), contentType, body)
	if err != nil {
		return fmt.Errorf("write html blob: %w", err)
	}
	page.BlobURI = uri

	doc, err := json.Marshal(artifact{
		URL:         page.URL,
		FinalURL:    page.FinalURL,
		Path:        page.Path,
		Title:       page.Title,
		Description: page.Description,
		Text:        page.Text,
		Markdown:    page.Markdown,
		Links:       page.Links,
		Fingerprint: page.Fingerprint,
		Change:      string(page.Change),
		VisitedAt:   page.VisitedAt.UTC(),
		Page: pageStats{
			StatusCode:   page.StatusCode,
			ContentType:  page.ContentType,
			ByteSize:     page.ByteSize,
			Attempts:     page.Attempts,
			UsedHeadless: page.UsedHeadless,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if _, err := r.c.deps.Blobs.PutObject(ctx, BlobKey(prefix, host, page.Path, ".json"), "application/json", doc); err != nil {
		return fmt.Errorf("write json blob: %w", err)
	}

	if err := r.c.deps.Fingerprints.PutFingerprint(ctx, crawler.Fingerprint{
		Host:      host,
		Path:      page.Path,
		Digest:    page.Fingerprint,
		BlobURI:   uri,
		Title:     page.Title,
		UpdatedAt: page.VisitedAt,
	}); err != nil {
		return fmt.Errorf("write fingerprint: %w", err)
	}

	r.publish(ctx, *page)
	return nil
}

func (r *run) publish(ctx context.Context, page crawler.PageRecord) {
	if r.c.deps.Publisher == nil || r.c.cfg.Topic == "" {
		return
	}
	id, err := r.c.deps.Publisher.Publish(ctx, r.c.cfg.Topic, crawler.PageEvent{
		JobID:       page.JobID,
		Host:        crawler.Hostname(page.URL),
		URL:         page.URL,
		Path:        page.Path,
		Change:      page.Change,
		Fingerprint: page.Fingerprint,
		BlobURI:     page.BlobURI,
		Title:       page.Title,
		VisitedAt:   page.VisitedAt,
	})
	if err != nil {
		r.logger.Warn("publish page event failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	r.logger.Debug("page event published", zap.String("url", page.URL), zap.String("message_id", id))
}
