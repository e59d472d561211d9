// Package change fingerprints page bodies and classifies them against the
// last stored fingerprint for the same (host, path).
package change

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

var (
	// Matches whole class name segments only, so "post-date" is volatile
	// but "timeline" and "updated-content" are not.
	volatileClass = regexp.MustCompile(`(?i)(^|[\s_-])(timestamp|date|time|counter|views)($|[\s_-])`)
	trackerHints  = []string{"analytics", "pixel", "tracking", "beacon"}
)

// Result is the outcome of classifying one body.
type Result struct {
	Status      crawler.ChangeStatus
	Fingerprint string
	Previous    *crawler.Fingerprint
}

// Detector classifies pages as new, changed, or unchanged.
type Detector struct {
	store crawler.FingerprintStore
}

// NewDetector builds a Detector backed by store.
func NewDetector(store crawler.FingerprintStore) *Detector {
	return &Detector{store: store}
}

// Classify fingerprints body and compares it to the stored fingerprint for
// the URL's (host, path). Classification is unchanged iff digests match.
func (d *Detector) Classify(ctx context.Context, pageURL string, body []byte) (Result, error) {
	fp := Fingerprint(body)
	prev, found, err := d.store.GetFingerprint(ctx, crawler.Hostname(pageURL), crawler.PathKey(pageURL))
	if err != nil {
		return Result{}, fmt.Errorf("lookup fingerprint: %w", err)
	}
	switch {
	case !found:
		return Result{Status: crawler.ChangeNew, Fingerprint: fp}, nil
	case prev.Digest == fp:
		return Result{Status: crawler.ChangeUnchanged, Fingerprint: fp, Previous: &prev}, nil
	default:
		return Result{Status: crawler.ChangeChanged, Fingerprint: fp, Previous: &prev}, nil
	}
}

// Fingerprint returns the hex SHA-256 digest of the normalized body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256([]byte(Normalize(body)))
	return hex.EncodeToString(sum[:])
}

// Normalize reduces HTML to its visible text so cosmetic or volatile markup
// does not register as a change. Non-HTML input is whitespace-collapsed.
func Normalize(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return strings.Join(strings.Fields(string(body)), " ")
	}
	doc.Find("script, style, noscript, template").Remove()
	doc.Find("[class]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		return volatileClass.MatchString(class)
	}).Remove()
	doc.Find("img, iframe").FilterFunction(func(_ int, s *goquery.Selection) bool {
		src := strings.ToLower(s.AttrOr("src", ""))
		for _, hint := range trackerHints {
			if strings.Contains(src, hint) {
				return true
			}
		}
		return false
	}).Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
