package crawler

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"slices"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters, strips the fragment, cleans dot segments, and canonicalizes the
// trailing slash (root is "/", every other path has none).
func NormalizeURL(rawURL string) (string, error) {
	u, err := parseAbsolute(rawURL)
	if err != nil {
		return "", err
	}
	return normalizeParsed(u).String(), nil
}

// CleanURL returns the URL to fetch for rawURL: lowercased scheme and host,
// no default port, no credentials, no fragment, and "/" for an empty path.
// Unlike NormalizeURL the path and query are left as written, so a directory
// URL keeps its trailing slash.
func CleanURL(rawURL string) (string, error) {
	u, err := parseAbsolute(rawURL)
	if err != nil {
		return "", err
	}
	return cleanParsed(u).String(), nil
}

// ResolveURL resolves href against base and returns the cleaned absolute
// URL. Dedup callers key the result with NormalizeURL.
func ResolveURL(base, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("%w: empty href", ErrInvalidURL)
	}
	baseURL, err := parseAbsolute(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	resolved := baseURL.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, resolved.Scheme)
	}
	if resolved.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return cleanParsed(resolved).String(), nil
}

// SeedURL turns a bare host or a URL into a cleaned crawl seed.
func SeedURL(hostOrURL string) (string, error) {
	value := strings.TrimSpace(hostOrURL)
	if value == "" {
		return "", fmt.Errorf("%w: empty seed", ErrInvalidURL)
	}
	if !strings.Contains(value, "://") {
		value = "https://" + value
	}
	return CleanURL(value)
}

// Hostname returns the lowercased host (with port) of a URL.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// PathKey returns the normalized path plus query used to key persisted output.
func PathKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	u = normalizeParsed(u)
	if u.RawQuery == "" {
		return u.EscapedPath()
	}
	return u.EscapedPath() + "?" + u.RawQuery
}

// MediaType returns the lowercased media type without parameters.
func MediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

func parseAbsolute(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, rawURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	return u, nil
}

func cleanParsed(in *url.URL) *url.URL {
	u := *in
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.User = nil

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" && u.RawPath == "" {
		u.Path = "/"
	}
	return &u
}

func normalizeParsed(in *url.URL) *url.URL {
	u := cleanParsed(in)

	// Clean the escaped form so %2F stays distinct from a path separator.
	escaped := path.Clean("/" + u.EscapedPath())
	if decoded, err := url.PathUnescape(escaped); err == nil {
		u.Path = decoded
		u.RawPath = escaped
	} else {
		u.Path = path.Clean("/" + u.Path)
		u.RawPath = ""
	}

	u.RawQuery = sortQuery(u.RawQuery)
	u.ForceQuery = false
	return u
}

// sortQuery orders raw query pairs by key, keeping the order of repeated keys
// and every pair byte for byte.
func sortQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		if pair != "" {
			kept = append(kept, pair)
		}
	}
	slices.SortStableFunc(kept, func(a, b string) int {
		return strings.Compare(queryKey(a), queryKey(b))
	})
	return strings.Join(kept, "&")
}

func queryKey(pair string) string {
	key, _, _ := strings.Cut(pair, "=")
	return key
}
