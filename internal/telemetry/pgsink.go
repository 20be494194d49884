package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of *pgxpool.Pool used by PgSink.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const insertTraceSQL = `INSERT INTO provider_traces (
	recorded_at, provider, model, operation, request_id, turn_id, provider_request_id,
	client_key, streamed, cached, abandoned, latency_ms, finish_reason,
	error_kind, error_message, prompt_tokens, completion_tokens, total_tokens
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

// PgSink writes traces to the provider_traces table. Writes are synchronous;
// run it behind an AsyncSink.
type PgSink struct {
	db      Execer
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewPgSink(db Execer, logger *slog.Logger) *PgSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgSink{db: db, timeout: 5 * time.Second, now: time.Now, logger: logger}
}

func (s *PgSink) Record(t ProviderTrace) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.db.Exec(ctx, insertTraceSQL,
		s.now().UTC(), t.Provider, t.Model, t.Operation, nullable(t.RequestID), nullable(t.TurnID),
		nullable(t.ProviderRequestID), nullable(t.ClientKey), t.Streamed, t.Cached, t.Abandoned,
		t.LatencyMs, nullable(t.FinishReason), nullable(t.ErrorKind), nullable(t.ErrorMessage),
		t.PromptTokens, t.CompletionTokens, t.TotalTokens,
	)
	if err != nil {
		s.logger.Warn("failed to persist provider trace", "error", err, "request_id", t.RequestID)
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
