package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopeSameHost(t *testing.T) {
	t.Parallel()

	s, err := NewScope("https://www.example.com/", ScopeOptions{SkipAssets: true})
	require.NoError(t, err)
	require.Equal(t, "example.com", s.Host())

	require.NoError(t, s.Check("https://example.com/docs"))
	require.NoError(t, s.Check("http://www.example.com/docs"))
	require.ErrorIs(t, s.Check("https://other.com/docs"), ErrOutOfScope)
	require.ErrorIs(t, s.Check("https://example.com/static/app.js"), ErrOutOfScope)
	require.ErrorIs(t, s.Check("https://example.com/report.PDF"), ErrOutOfScope)
	require.ErrorIs(t, s.Check("ftp://example.com/x"), ErrInvalidURL)
}

func TestScopeFollowExternalWithDenyList(t *testing.T) {
	t.Parallel()

	s, err := NewScope("https://example.com/", ScopeOptions{
		FollowExternal: true,
		DenyHosts:      []string{"*.ads.net", "tracker.io"},
	})
	require.NoError(t, err)

	require.NoError(t, s.Check("https://other.com/page"))
	require.NoError(t, s.Check("https://example.com/static/app.js"))
	require.ErrorIs(t, s.Check("https://cdn.ads.net/x"), ErrOutOfScope)
	require.ErrorIs(t, s.Check("https://ads.net/x"), ErrOutOfScope)
	require.ErrorIs(t, s.Check("https://tracker.io/x"), ErrOutOfScope)
}

func TestIsAssetURL(t *testing.T) {
	t.Parallel()

	require.True(t, IsAssetURL("https://example.com/logo.png"))
	require.True(t, IsAssetURL("https://example.com/_next/data/page"))
	require.False(t, IsAssetURL("https://example.com/docs/getting-started"))
	require.False(t, IsAssetURL("https://example.com/"))
}

func TestNewScopeRejectsInvalidSeed(t *testing.T) {
	t.Parallel()

	_, err := NewScope("not a url", ScopeOptions{})
	require.ErrorIs(t, err, ErrInvalidURL)
}
