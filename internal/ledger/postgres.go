package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Schema for the outcomes table. Applied by the operator, not the agent.
const Schema = `
CREATE TABLE IF NOT EXISTS outcomes (
    id               TEXT PRIMARY KEY,
    opportunity_key  TEXT NOT NULL,
    strategy_kind    TEXT NOT NULL,
    outcome          TEXT NOT NULL,
    size             DOUBLE PRECISION NOT NULL,
    notional         DOUBLE PRECISION NOT NULL,
    filled_fraction  DOUBLE PRECISION NOT NULL DEFAULT 0,
    attempts         INTEGER NOT NULL,
    quote_ref        TEXT NOT NULL DEFAULT '',
    tx_ref           TEXT NOT NULL DEFAULT '',
    supersedes       TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL,
    resolved_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS outcomes_key_idx ON outcomes (opportunity_key, resolved_at DESC);
`

// PostgresStore is the append-only outcome store.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresStore wraps an open connection.
func NewPostgresStore(db *sqlx.DB, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresStore{db: db, timeout: timeout}
}

// Insert appends one record. Duplicate execution IDs are rejected, matching
// the ledger's append-once contract.
func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO outcomes (id, opportunity_key, strategy_kind, outcome, size, notional,
		                      filled_fraction, attempts, quote_ref, tx_ref, supersedes,
		                      created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Key, rec.Kind, rec.Outcome, rec.Size, rec.Notional,
		rec.FilledFraction, rec.Attempts, rec.QuoteRef, rec.TxRef, rec.Supersedes,
		rec.CreatedAt, rec.ResolvedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate outcome record %s: %w", rec.ID, err)
		}
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns records resolved since the cutoff, newest first.
// Used to warm the in-memory ledger at startup.
func (s *PostgresStore) RecentOutcomes(ctx context.Context, since time.Time) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []Record
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, opportunity_key, strategy_kind, outcome, size, notional,
		       filled_fraction, attempts, quote_ref, tx_ref, supersedes,
		       created_at, resolved_at
		FROM outcomes
		WHERE resolved_at >= $1
		ORDER BY resolved_at DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent outcomes: %w", err)
	}
	return out, nil
}
