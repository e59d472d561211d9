package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreKeepsPrivateCopies(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>v1</html>")
	uri, err := store.PutObject(context.Background(), "pages/example.com/abc.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://pages/example.com/abc.html", uri)

	payload[0] = '!'
	stored, contentType, ok := store.Get("pages/example.com/abc.html")
	require.True(t, ok)
	require.Equal(t, "<html>v1</html>", string(stored))
	require.Equal(t, "text/html", contentType)

	stored[0] = '!'
	again, _, _ := store.Get("pages/example.com/abc.html")
	require.Equal(t, "<html>v1</html>", string(again))
}

func TestBlobStoreOverwrite(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	_, err := store.PutObject(ctx, "example.com/llm.txt", "text/plain", []byte("old"))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "example.com/llm.txt", "text/markdown", []byte("new"))
	require.NoError(t, err)

	data, contentType, ok := store.Get("example.com/llm.txt")
	require.True(t, ok)
	require.Equal(t, "new", string(data))
	require.Equal(t, "text/markdown", contentType)
	require.Equal(t, 1, store.Len())

	_, _, ok = store.Get("missing")
	require.False(t, ok)
}
