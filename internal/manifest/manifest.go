// Package manifest renders the llm.txt summary of a crawled site.
package manifest

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// FileName is the object name written next to a host's page blobs.
const FileName = "llm.txt"

// Build renders the manifest for host from the job's page records. Failed
// pages are omitted; the root page supplies the site title and description.
func Build(host string, pages []crawler.PageRecord) []byte {
	title, description := host, ""
	var entries []crawler.PageRecord
	seen := make(map[string]struct{})
	for _, p := range pages {
		if p.Failed() {
			continue
		}
		if _, dup := seen[p.URL]; dup {
			continue
		}
		seen[p.URL] = struct{}{}
		entries = append(entries, p)
		if p.Path == "/" {
			if p.Title != "" {
				title = p.Title
			}
			description = p.Description
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Depth != entries[j].Depth {
			return entries[i].Depth < entries[j].Depth
		}
		return entries[i].URL < entries[j].URL
	})

	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", oneLine(title))
	if description != "" {
		fmt.Fprintf(&b, "> %s\n\n", oneLine(description))
	}
	b.WriteString("## Pages\n\n")
	for _, p := range entries {
		name := oneLine(p.Title)
		if name == "" {
			name = p.URL
		}
		fmt.Fprintf(&b, "- [%s](%s)", escapeBrackets(name), p.URL)
		if d := oneLine(p.Description); d != "" {
			fmt.Fprintf(&b, ": %s", d)
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Key returns the blob path of host's manifest under prefix.
func Key(prefix, host string) string {
	return path.Join(prefix, host, FileName)
}

// Write renders and stores the manifest, returning the blob URI.
func Write(ctx context.Context, blobs crawler.BlobStore, prefix, host string, pages []crawler.PageRecord) (string, error) {
	uri, err := blobs.PutObject(ctx, Key(prefix, host), "text/plain; charset=utf-8", Build(host, pages))
	if err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return uri, nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func escapeBrackets(s string) string {
	return strings.NewReplacer("[", `\[`, "]", `\]`).Replace(s)
}
