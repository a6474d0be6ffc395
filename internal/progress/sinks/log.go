package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/statforge/matchminer/internal/progress"
)

// LogSink emits one structured log line per progress event. It is the
// default sink and the only user-visible progress surface besides the ops
// API.
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
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.String("region", string(evt.Region)),
			zap.Int("stack_len", evt.StackLen),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Node != "" {
			fields = append(fields, zap.String("node", string(evt.Node)))
		}
		if evt.NewRecords > 0 {
			fields = append(fields, zap.Int("new_records", evt.NewRecords))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("crawl progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
