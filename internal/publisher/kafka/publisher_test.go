package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type recordingWriter struct {
	msgs   []kgo.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishPageEvent(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{}
	pub := NewWithWriter(writer)
	pub.now = func() time.Time { return time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC) }

	event := crawler.PageEvent{JobID: "job-1", Host: "example.com", URL: "https://example.com/a", Change: crawler.ChangeNew}
	id, err := pub.Publish(context.Background(), "pages", event)
	require.NoError(t, err)
	require.Equal(t, "pages/example.com", id)

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	require.Equal(t, "pages", msg.Topic)
	require.Equal(t, "example.com", string(msg.Key))
	require.Equal(t, pub.now(), msg.Time)

	var got crawler.PageEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	require.Equal(t, event, got)

	require.NoError(t, pub.Close())
	require.True(t, writer.closed)
}

func TestPublishWriteError(t *testing.T) {
	t.Parallel()

	pub := NewWithWriter(&recordingWriter{err: errors.New("leader not available")})
	_, err := pub.Publish(context.Background(), "pages", map[string]int{"n": 1})
	require.ErrorContains(t, err, "leader not available")
}

func TestPublishRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := NewWithWriter(&recordingWriter{}).Publish(context.Background(), "", "x")
	require.Error(t, err)
}

func TestNewRequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)

	pub, err := New(Config{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}
