package accounting

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLDatastore implements Datastore against any database/sql-compatible
// relational store. It makes no assumption about which driver is registered
// by the caller; only that the driver supports placeholders via
// database/sql's standard query interface and a transaction per commit.
type SQLDatastore struct {
	db *sql.DB
}

// NewSQLDatastore wraps an already-opened *sql.DB. The caller owns the
// connection's lifecycle (including driver registration and Close).
func NewSQLDatastore(db *sql.DB) *SQLDatastore {
	return &SQLDatastore{db: db}
}

// DeductCredits runs the single conditional UPDATE that is the sole guard
// against a balance going negative: the WHERE clause enforces
// credits >= amountMicros atomically, so two concurrent deductions on the
// same user can never both succeed past the point where the balance would
// go negative.
func (s *SQLDatastore) DeductCredits(ctx context.Context, userID string, amountMicros int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET credits_micros = credits_micros - $1 WHERE id = $2 AND credits_micros >= $1`,
		amountMicros, userID,
	)
	if err != nil {
		return fmt.Errorf("accounting: deduct credits: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("accounting: deduct credits: %w", err)
	}
	if rows == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// InsertUsageRow appends one durable usage_events row.
func (s *SQLDatastore) InsertUsageRow(ctx context.Context, ev UsageEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_events
			(request_id, user_id, api_key, provider, model, prompt_tokens,
			 completion_tokens, elapsed_ms, cost_micros, success, error_kind,
			 finish_reason, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ev.RequestID, ev.UserID, ev.APIKey, ev.Provider, ev.Model,
		ev.PromptTokens, ev.CompletionTokens, ev.ElapsedMs, ev.CostMicros,
		ev.Success, ev.ErrorKind, ev.FinishReason, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("accounting: insert usage row: %w", err)
	}
	return nil
}

// IncrementTrialUsage bumps a trial user's token/request counters without
// touching credits_micros.
func (s *SQLDatastore) IncrementTrialUsage(ctx context.Context, userID string, tokens, requests int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trial_usage SET tokens_used = tokens_used + $1, requests_used = requests_used + $2 WHERE user_id = $3`,
		tokens, requests, userID,
	)
	if err != nil {
		return fmt.Errorf("accounting: increment trial usage: %w", err)
	}
	return nil
}
