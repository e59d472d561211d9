package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func TestQueueDeliversInOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	ctx := context.Background()
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{JobID: id}))
	}
	require.Equal(t, 3, q.Len())

	for _, want := range []string{"job-1", "job-2", "job-3"} {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, item.JobID)
	}
}

func TestQueueZeroCapacityHandsOff(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	got := make(chan crawler.QueueItem, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err == nil {
			got <- item
		}
	}()

	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{JobID: "direct"}))
	select {
	case item := <-got:
		require.Equal(t, "direct", item.JobID)
	case <-time.After(time.Second):
		t.Fatal("runner did not receive the job")
	}
}

func TestQueueContextErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewQueue(1).Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	full := NewQueue(1)
	require.NoError(t, full.Enqueue(context.Background(), crawler.QueueItem{JobID: "primed"}))
	timeout, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	err = full.Enqueue(timeout, crawler.QueueItem{JobID: "overflow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "overflow")
}

func TestQueueCloseDrainsThenReportsClosed(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{JobID: "queued"}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(ctx, crawler.QueueItem{JobID: "late"}), crawler.ErrQueueClosed)
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "queued", item.JobID)
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
}

func TestQueueCloseReleasesBlockedEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{JobID: "first"}))

	errs := make(chan error, 1)
	go func() {
		errs <- q.Enqueue(context.Background(), crawler.QueueItem{JobID: "blocked"})
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, crawler.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue was not released by Close")
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}
