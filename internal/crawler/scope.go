package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

var assetExtensions = map[string]struct{}{
	".js": {}, ".css": {}, ".map": {}, ".json": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {}, ".ico": {}, ".webp": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
	".pdf": {}, ".zip": {}, ".gz": {}, ".tar": {}, ".tgz": {}, ".rar": {}, ".7z": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".webm": {}, ".wav": {},
	".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
	".xml": {}, ".txt": {}, ".csv": {}, ".exe": {}, ".dmg": {},
}

var assetPathSegments = []string{
	"/assets/", "/static/", "/js/", "/css/", "/images/", "/img/",
	"/fonts/", "/media/", "/_next/", "/dist/", "/build/",
	"/vendor/", "/node_modules/", "/scripts/", "/wp-content/uploads/",
}

// IsAssetURL reports whether the URL points at a static asset rather than a page.
func IsAssetURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	if _, ok := assetExtensions[path.Ext(p)]; ok {
		return true
	}
	for _, segment := range assetPathSegments {
		if strings.Contains(p, segment) {
			return true
		}
	}
	return false
}

// Scope decides which discovered URLs belong to a job.
type Scope struct {
	host           string
	followExternal bool
	skipAssets     bool
	deny           *domainPatternBlocklist
}

// ScopeOptions configures a Scope.
type ScopeOptions struct {
	FollowExternal bool
	SkipAssets     bool
	DenyHosts      []string
}

// NewScope builds a Scope anchored at the seed URL's host.
func NewScope(seedURL string, opts ScopeOptions) (*Scope, error) {
	u, err := parseAbsolute(seedURL)
	if err != nil {
		return nil, err
	}
	return &Scope{
		host:           canonicalHost(u.Hostname()),
		followExternal: opts.FollowExternal,
		skipAssets:     opts.SkipAssets,
		deny:           newDomainPatternBlocklist(opts.DenyHosts),
	}, nil
}

// Host returns the canonical host the scope is anchored at.
func (s *Scope) Host() string {
	return s.host
}

// Check returns nil when the absolute rawURL may be enqueued.
func (s *Scope) Check(rawURL string) error {
	u, err := parseAbsolute(rawURL)
	if err != nil {
		return err
	}
	host := canonicalHost(u.Hostname())
	if s.deny.IsBlocked(host) {
		return fmt.Errorf("%w: host %s is denied", ErrOutOfScope, host)
	}
	if !s.followExternal && host != s.host {
		return fmt.Errorf("%w: host %s", ErrOutOfScope, host)
	}
	if s.skipAssets && IsAssetURL(rawURL) {
		return fmt.Errorf("%w: asset %s", ErrOutOfScope, u.Path)
	}
	return nil
}

func canonicalHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// domainPatternBlocklist stores exact hosts and suffix wildcards derived from configuration.
type domainPatternBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainPatternBlocklist(patterns []string) *domainPatternBlocklist {
	matcher := &domainPatternBlocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (b *domainPatternBlocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *domainPatternBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
