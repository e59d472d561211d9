package politeness

import (
	"context"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Gate wraps next so every fetch attempt, retries included, first waits for
// the target host's slot.
func (c *Controller) Gate(next crawler.Fetcher) crawler.Fetcher {
	return &gatedFetcher{controller: c, next: next}
}

type gatedFetcher struct {
	controller *Controller
	next       crawler.Fetcher
}

func (g *gatedFetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := g.controller.WaitForSlot(ctx, request.URL); err != nil {
		return crawler.FetchResponse{}, err
	}
	return g.next.Fetch(ctx, request)
}
