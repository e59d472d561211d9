package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLevels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		development bool
		level       string
		debug       bool
		info        bool
	}{
		{name: "development default", development: true, debug: true, info: true},
		{name: "production default", info: true},
		{name: "production debug", level: "debug", debug: true, info: true},
		{name: "development warn", development: true, level: "warn"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tc.development, tc.level)
			require.NoError(t, err)
			require.Equal(t, tc.debug, logger.Core().Enabled(zap.DebugLevel))
			require.Equal(t, tc.info, logger.Core().Enabled(zap.InfoLevel))
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(false, "chatty")
	require.Error(t, err)
}

func TestChildLoggersAddFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	job := ForJob(zap.New(core), "job-1", "example.com")
	ForPage(job, "https://example.com/docs", 2).Info("page processed")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "job-1", fields["job_id"])
	require.Equal(t, "example.com", fields["host"])
	require.Equal(t, "https://example.com/docs", fields["url"])
	require.EqualValues(t, 2, fields["depth"])

	require.NotNil(t, ForJob(nil, "job-2", "h"))
	require.NotNil(t, ForPage(nil, "u", 0))
}
