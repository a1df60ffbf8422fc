// Package usage keeps a local SQLite ledger of token usage per model call.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/refrain2333/Refrain/kernel/model/providers"
)

const (
	ledgerDriver = "sqlite"
	ledgerDSNOpt = "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)"
)

// Ledger records completed calls. It implements providers.UsageObserver.
type Ledger struct {
	db        *sql.DB
	sessionID string
	logger    *slog.Logger
}

// Totals aggregates a set of records.
type Totals struct {
	Calls            int64
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
}

// ModelTotals is Totals for one profile/model pair.
type ModelTotals struct {
	Alias string
	Model string
	Totals
}

// Open opens or creates the ledger at path. Records written through it are
// tagged with sessionID.
func Open(path, sessionID string, logger *slog.Logger) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("usage: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("usage: create dir: %w", err)
	}
	db, err := sql.Open(ledgerDriver, path+ledgerDSNOpt)
	if err != nil {
		return nil, fmt.Errorf("usage: open db: %w", err)
	}
	l := &Ledger{db: db, sessionID: sessionID, logger: logger}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// SessionID returns the tag applied to new records.
func (l *Ledger) SessionID() string {
	return l.sessionID
}

// ObserveUsage stores rec. Failures are logged and otherwise ignored so
// accounting never breaks a chat turn.
func (l *Ledger) ObserveUsage(ctx context.Context, rec providers.UsageRecord) {
	if err := l.Record(ctx, rec, time.Now()); err != nil {
		l.logger.Warn("usage record failed", "alias", rec.Alias, "error", err)
	}
}

// Record stores rec with an explicit timestamp.
func (l *Ledger) Record(ctx context.Context, rec providers.UsageRecord, at time.Time) error {
	if l == nil || l.db == nil {
		return nil
	}
	const q = `
INSERT INTO usage_records (
	id, session_id, alias, provider, model, op,
	prompt_tokens, completion_tokens, reasoning_tokens, duration_ms, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := l.db.ExecContext(context.WithoutCancel(ctx), q,
		uuid.NewString(), l.sessionID, rec.Alias, rec.Provider, rec.Model, rec.Op,
		rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Usage.ReasoningTokens,
		rec.Duration.Milliseconds(), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("usage: insert: %w", err)
	}
	return nil
}

// Session totals the records of the current session.
func (l *Ledger) Session(ctx context.Context) (Totals, error) {
	const q = `
SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(reasoning_tokens), 0)
FROM usage_records
WHERE session_id = ?`
	var t Totals
	err := l.db.QueryRowContext(ctx, q, l.sessionID).Scan(&t.Calls, &t.PromptTokens, &t.CompletionTokens, &t.ReasoningTokens)
	if err != nil {
		return Totals{}, fmt.Errorf("usage: session totals: %w", err)
	}
	return t, nil
}

// ByModel totals every record created at or after since, grouped by
// profile and model, largest consumers first.
func (l *Ledger) ByModel(ctx context.Context, since time.Time) ([]ModelTotals, error) {
	const q = `
SELECT alias, model, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(reasoning_tokens)
FROM usage_records
WHERE created_at >= ?
GROUP BY alias, model
ORDER BY SUM(prompt_tokens) + SUM(completion_tokens) DESC, alias`
	rows, err := l.db.QueryContext(ctx, q, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("usage: totals by model: %w", err)
	}
	defer rows.Close()
	var out []ModelTotals
	for rows.Next() {
		var mt ModelTotals
		if err := rows.Scan(&mt.Alias, &mt.Model, &mt.Calls, &mt.PromptTokens, &mt.CompletionTokens, &mt.ReasoningTokens); err != nil {
			return nil, err
		}
		out = append(out, mt)
	}
	return out, rows.Err()
}

func (l *Ledger) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	alias TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	op TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_session ON usage_records(session_id);
CREATE INDEX IF NOT EXISTS idx_usage_records_created ON usage_records(created_at);`
	if _, err := l.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("usage: migrate: %w", err)
	}
	return nil
}
