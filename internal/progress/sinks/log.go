// Package sinks contains progress.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/progress"
)

// LogSink emits structured logs for the progress stream. It is useful during
// development and for audits where a metrics backend is unavailable.
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
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Page > 0 {
			fields = append(fields, zap.Int("page", evt.Page))
		}
		if evt.Records > 0 {
			fields = append(fields, zap.Int64("records", evt.Records))
		}
		if evt.Accepted > 0 {
			fields = append(fields, zap.Int64("accepted", evt.Accepted))
		}
		if evt.Destination != "" {
			fields = append(fields, zap.String("destination", evt.Destination))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
