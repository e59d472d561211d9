package crawler

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Nil(t, ClassifyStatus("https://example.com", 200))
	require.Equal(t, FetchErrorClient, ClassifyStatus("https://example.com", 404).Kind)
	require.Equal(t, FetchErrorServer, ClassifyStatus("https://example.com", 503).Kind)
	require.Equal(t, FetchErrorServer, ClassifyStatus("https://example.com", 429).Kind)
	require.True(t, ClassifyStatus("https://example.com", 500).Retryable())
	require.False(t, ClassifyStatus("https://example.com", 403).Retryable())
}

func TestFetchErrorUnwrapAndKind(t *testing.T) {
	t.Parallel()

	base := errors.New("dial tcp: refused")
	err := fmt.Errorf("visit: %w", &FetchError{Kind: FetchErrorNetwork, URL: "https://example.com", Err: base})
	require.ErrorIs(t, err, base)
	require.Equal(t, FetchErrorNetwork, KindOf(err))
	require.Equal(t, FetchErrorNetwork, KindOf(errors.New("plain")))
	require.Contains(t, err.Error(), "network")

	ct := &FetchError{Kind: FetchErrorContentType, URL: "https://example.com/a.bin", Err: ErrUnsupportedContentType}
	require.Equal(t, FetchErrorContentType, KindOf(ct))
	require.ErrorIs(t, ct, ErrUnsupportedContentType)
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStatusPending.Terminal())
	require.False(t, JobStatusRunning.Terminal())
	require.True(t, JobStatusCompleted.Terminal())
	require.True(t, JobStatusFailed.Terminal())
	require.True(t, JobStatusCancelled.Terminal())
}
