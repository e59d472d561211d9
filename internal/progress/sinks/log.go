package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// LogSink writes job lifecycle events at info level and page events at debug
// level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("host", evt.Host),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Stage {
		case progress.StagePageDone, progress.StagePageFailed:
			fields = append(fields,
				zap.String("url", evt.URL),
				zap.String("change", string(evt.Change)),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("error", evt.Note))
			}
			s.logger.Debug("page processed", fields...)
		case progress.StageJobError:
			s.logger.Warn("job failed", append(fields, zap.String("error", evt.Note))...)
		default:
			s.logger.Info("job lifecycle", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
