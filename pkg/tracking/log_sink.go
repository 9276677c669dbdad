package tracking

import (
	"context"
	"log/slog"
	"sort"
)

// LogSink writes runs to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("module", "tracking")}
}

func (s *LogSink) LogRun(ctx context.Context, run Run) error {
	err := run.Validate()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(run.Metrics))
	for name := range run.Metrics {
		names = append(names, name)
	}

	sort.Strings(names)

	attrs := make([]any, 0, 2*len(names)+6)
	attrs = append(attrs, "run_id", run.ID, "experiment", run.Experiment, "duration", run.FinishedAt.Sub(run.StartedAt))

	for _, name := range names {
		attrs = append(attrs, name, run.Metrics[name])
	}

	s.logger.InfoContext(ctx, "Run logged", attrs...)

	return nil
}
