package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// changeTally counts page events by change classification.
type changeTally map[crawler.ChangeStatus]int

func (c changeTally) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		if evt.Stage == StagePageDone {
			c[evt.Change]++
		}
	}
	return nil
}

func (changeTally) Close(context.Context) error { return nil }

// ExampleHub shows a recrawl where most pages were unchanged.
func ExampleHub() {
	tally := changeTally{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 4, MaxBatchWait: time.Second}, tally)

	visited := time.Unix(0, 0)
	for _, page := range []crawler.PageRecord{
		{URL: "https://example.com/", StatusCode: 200, Change: crawler.ChangeUnchanged, VisitedAt: visited},
		{URL: "https://example.com/docs", StatusCode: 200, Change: crawler.ChangeChanged, VisitedAt: visited},
		{URL: "https://example.com/blog", StatusCode: 200, Change: crawler.ChangeUnchanged, VisitedAt: visited},
		{URL: "https://example.com/gone", StatusCode: 404, Error: "http_4xx", VisitedAt: visited},
	} {
		hub.Emit(PageProcessed("job-1", "example.com", page))
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("unchanged=%d changed=%d new=%d\n",
		tally[crawler.ChangeUnchanged], tally[crawler.ChangeChanged], tally[crawler.ChangeNew])
	// Output:
	// unchanged=2 changed=1 new=0
}

// ExampleStageForStatus maps terminal job statuses to lifecycle stages.
func ExampleStageForStatus() {
	for _, status := range []crawler.JobStatus{
		crawler.JobStatusCompleted,
		crawler.JobStatusFailed,
		crawler.JobStatusCancelled,
	} {
		fmt.Println(status, StageForStatus(status))
	}
	// Output:
	// completed JOB_DONE
	// failed JOB_ERROR
	// cancelled JOB_CANCELLED
}
