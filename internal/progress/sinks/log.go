package sinks

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-scraper/internal/progress"
)

// LogSink writes every operator event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger; nil yields a no-op sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("job_progress")}
}

// Consume logs each event at a level matching its stage.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", uuid.UUID(evt.JobID).String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("scraped", evt.Scraped),
			zap.Int("total", evt.Total),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch {
		case evt.Stage == progress.StageJobError, evt.Level == progress.LevelError:
			s.logger.Error("job event", fields...)
		case evt.Stage == progress.StageItemFailed, evt.Level == progress.LevelWarn:
			s.logger.Warn("job event", fields...)
		default:
			s.logger.Info("job event", fields...)
		}
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
