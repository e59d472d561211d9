// Package frontier implements the per-job queue of discovered-but-unvisited
// URLs with deduplication on the normalized URL key.
package frontier

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Frontier is a deduplicating priority queue. Entries pop in order of
// priority (desc), depth (asc), then discovery order (asc). It is safe for
// concurrent use.
type Frontier struct {
	mu    sync.Mutex
	items entryHeap
	seen  map[string]struct{}
	next  uint64
}

// New constructs an empty Frontier.
func New() *Frontier {
	return &Frontier{seen: make(map[string]struct{})}
}

// Push inserts entry when its normalized key has not been seen in this job.
// It reports whether the entry was added; a malformed URL is never added and
// returns a wrapped crawler.ErrInvalidURL. The key only deduplicates: the
// queued entry keeps the cleaned URL it was discovered as.
func (f *Frontier) Push(entry crawler.FrontierEntry) (bool, error) {
	target, err := crawler.CleanURL(entry.URL)
	if err != nil {
		return false, fmt.Errorf("frontier push: %w", err)
	}
	key, err := crawler.NormalizeURL(target)
	if err != nil {
		return false, fmt.Errorf("frontier push: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.seen[key]; dup {
		return false, nil
	}
	f.seen[key] = struct{}{}
	entry.URL = target
	entry.Key = key
	entry.Order = f.next
	f.next++
	heap.Push(&f.items, entry)
	return true, nil
}

// Pop removes the next entry. ok is false when the frontier is empty.
func (f *Frontier) Pop() (crawler.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return crawler.FrontierEntry{}, false
	}
	entry, _ := heap.Pop(&f.items).(crawler.FrontierEntry)
	return entry, true
}

// Seen reports whether the URL's key was ever pushed.
func (f *Frontier) Seen(rawURL string) bool {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[key]
	return ok
}

// Len returns the number of queued entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// IsEmpty reports whether nothing is queued.
func (f *Frontier) IsEmpty() bool {
	return f.Len() == 0
}

// Drain discards every queued entry and returns how many were dropped. Keys
// stay marked as seen.
func (f *Frontier) Drain() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.items)
	f.items = nil
	return n
}

type entryHeap []crawler.FrontierEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.Order < b.Order
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	entry, _ := x.(crawler.FrontierEntry)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
