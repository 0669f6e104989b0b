package analytics

import (
	"context"
	"log/slog"
	"os"
)

// SlogSink writes each entry as a structured log line. It is the default
// sink when no ClickHouse cluster is configured.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates the sink. A nil logger uses JSON to stdout at info.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) WriteBatch(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("user_id", e.UserID),
			slog.String("model", e.Model),
			slog.String("backend", e.Backend),
			slog.String("worker", e.Worker),
			slog.String("cache", e.CacheStatus),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("fallback", e.Fallback),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
