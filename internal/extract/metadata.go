package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Title picks the first non-empty of og:title, twitter:title, <title>, and the
// first <h1>.
func Title(doc *goquery.Document) string {
	candidates := []string{
		metaContent(doc, `meta[property="og:title"]`),
		metaContent(doc, `meta[name="twitter:title"]`),
		doc.Find("title").First().Text(),
		doc.Find("h1").First().Text(),
	}
	return firstNonEmpty(candidates...)
}

// Description picks the first non-empty of the meta description,
// og:description, and twitter:description.
func Description(doc *goquery.Document) string {
	return firstNonEmpty(
		metaContent(doc, `meta[name="description"]`),
		metaContent(doc, `meta[property="og:description"]`),
		metaContent(doc, `meta[name="twitter:description"]`),
	)
}

// Links returns the absolute http(s) targets of every anchor in doc,
// fragments stripped and deduplicated by normalized key in document order.
// Scope filtering is left to the caller.
func Links(doc *goquery.Document, pageURL string) []string {
	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := crawler.ResolveURL(pageURL, href); err == nil {
			base = resolved
		}
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if rel := strings.ToLower(s.AttrOr("rel", "")); strings.Contains(rel, "nofollow") {
			return
		}
		resolved, err := crawler.ResolveURL(base, href)
		if err != nil {
			return
		}
		key, err := crawler.NormalizeURL(resolved)
		if err != nil {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		links = append(links, resolved)
	})
	return links
}

func metaContent(doc *goquery.Document, selector string) string {
	return doc.Find(selector).First().AttrOr("content", "")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = collapseSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
