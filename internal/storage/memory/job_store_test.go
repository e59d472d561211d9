package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/clock"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewJobStore(WithClock(clk))
	ctx := context.Background()
	job := crawler.Job{ID: "job-1", Host: "example.com", Status: crawler.JobStatusPending}

	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job), "duplicate ids are rejected")

	clk.Advance(time.Second)
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusRunning, "", crawler.JobCounters{}))

	links := []string{"https://example.com/a"}
	require.NoError(t, store.RecordPage(ctx, crawler.PageRecord{JobID: job.ID, URL: "https://example.com/", Links: links}))
	links[0] = "mutated"

	pages, err := store.ListPages(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, []string{"https://example.com/a"}, pages[0].Links)
	pages[0].URL = "modified"
	again, err := store.ListPages(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", again[0].URL)

	clk.Advance(time.Minute)
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusCompleted, "", crawler.JobCounters{PagesCrawled: 1}))
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusCompleted, "", crawler.JobCounters{PagesCrawled: 1}))

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, final.Status)
	require.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), final.Created)
	require.Equal(t, time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC), *final.Started)
	require.Equal(t, time.Date(2025, 3, 1, 12, 1, 1, 0, time.UTC), *final.Completed)
	require.Equal(t, 1, final.Counters.PagesCrawled)
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()

	_, err := store.GetJob(ctx, "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	err = store.UpdateJobStatus(ctx, "nope", crawler.JobStatusRunning, "", crawler.JobCounters{})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.ErrorIs(t, store.RecordPage(ctx, crawler.PageRecord{JobID: "nope"}), crawler.ErrNotFound)

	pages, err := store.ListPages(ctx, "nope")
	require.NoError(t, err)
	require.Empty(t, pages)
	require.Error(t, store.CreateJob(ctx, crawler.Job{}))
}
