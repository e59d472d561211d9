// Package detector decides when an HTTP response is a client-rendered shell
// that should be re-fetched in a headless browser.
package detector

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const defaultMinWords = 60

// mountIDs are the element ids common SPA frameworks render into.
var mountIDs = map[string]struct{}{
	"root":     {},
	"app":      {},
	"__next":   {},
	"__nuxt":   {},
	"svelte":   {},
	"app-root": {},
}

var noscriptHints = []string{
	"enable javascript",
	"requires javascript",
	"javascript is disabled",
	"javascript to run this app",
}

// Heuristic promotes pages whose static HTML carries little readable text
// while showing signs of client-side rendering.
type Heuristic struct {
	// MinWords is the visible word count below which a scripted page is
	// considered unrendered.
	MinWords int
}

// NewHeuristic creates a detector. A non-positive minWords uses the default.
func NewHeuristic(minWords int) *Heuristic {
	if minWords <= 0 {
		minWords = defaultMinWords
	}
	return &Heuristic{MinWords: minWords}
}

// ShouldPromote reports whether resp should be rendered. Only successful
// HTML responses that have not already been rendered are considered.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != 200 || resp.UsedHeadless {
		return false
	}
	if ct := resp.ContentType(); ct != "" && ct != "text/html" && ct != "application/xhtml+xml" {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	s := scan(resp.Body)
	if s.noscriptAsksForJS {
		return true
	}
	if s.words >= h.MinWords {
		return false
	}
	return s.emptyMount || s.scripts > 0
}

type signals struct {
	words             int
	scripts           int
	emptyMount        bool
	noscriptAsksForJS bool
}

// scan walks the token stream once, counting words outside non-visible
// elements and recording framework mount points left empty.
func scan(body []byte) signals {
	var (
		s         signals
		z         = html.NewTokenizer(bytes.NewReader(body))
		hidden    int
		noscript  strings.Builder
		inNS      bool
		mountOpen bool
	)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if inNS {
				s.noscriptAsksForJS = mentionsJS(noscript.String())
			}
			return s
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if mountOpen {
				mountOpen = false
			}
			switch tok.DataAtom {
			case atom.Script:
				s.scripts++
				if tt == html.StartTagToken {
					hidden++
				}
			case atom.Style, atom.Template:
				if tt == html.StartTagToken {
					hidden++
				}
			case atom.Noscript:
				inNS = true
			case atom.Div, atom.Main, atom.Section:
				if tt == html.StartTagToken && isMount(tok) {
					mountOpen = true
				}
			}
		case html.EndTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Template:
				if hidden > 0 {
					hidden--
				}
			case atom.Noscript:
				inNS = false
				if mentionsJS(noscript.String()) {
					s.noscriptAsksForJS = true
				}
				noscript.Reset()
			default:
				if mountOpen {
					s.emptyMount = true
					mountOpen = false
				}
			}
		case html.TextToken:
			text := z.Text()
			switch {
			case inNS:
				noscript.Write(text)
			case hidden == 0:
				if len(bytes.TrimSpace(text)) > 0 {
					mountOpen = false
				}
				s.words += len(bytes.Fields(text))
			}
		}
	}
}

func isMount(tok html.Token) bool {
	for _, attr := range tok.Attr {
		if attr.Key == "data-reactroot" || attr.Key == "ng-version" {
			return true
		}
		if attr.Key == "id" {
			if _, ok := mountIDs[strings.ToLower(attr.Val)]; ok {
				return true
			}
		}
	}
	return false
}

func mentionsJS(text string) bool {
	lower := strings.ToLower(text)
	for _, hint := range noscriptHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
