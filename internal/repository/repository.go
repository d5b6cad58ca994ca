package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledger-service/internal/domain"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

const (
	queryTimeout = 5 * time.Second
	chainTimeout = 30 * time.Second

	headEventSequence = "event_sequence"
	headEventLink     = "event_link"
	headAudit         = "audit"

	defaultMaxRetries = 3
	retryBackoff      = 25 * time.Millisecond
)

// Postgres error codes treated as transient allocation conflicts.
var retryableCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// txRunner runs ledger transactions and retries them when Postgres reports a
// transient lock or serialization conflict.
type txRunner struct {
	db         *sql.DB
	maxRetries int
}

func newTxRunner(db *sql.DB, maxRetries int) txRunner {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return txRunner{db: db, maxRetries: maxRetries}
}

func (r txRunner) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		lastErr = r.once(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}

		log.WithError(lastErr).WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
		}).Warn("Ledger transaction conflict, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrAllocationConflict, lastErr)
}

func (r txRunner) once(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return retryableCodes[pqErr.Code]
	}
	return false
}

// lockHead takes the exclusive row lock on a chain head marker and returns the
// last sequence recorded there. The lock is held until the transaction ends.
func lockHead(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var last int64
	err := tx.QueryRowContext(ctx,
		`SELECT last_sequence FROM ledger_chain_heads WHERE chain_name = $1 FOR UPDATE`,
		name,
	).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("chain head %q is not initialised", name)
	}
	if err != nil {
		return 0, fmt.Errorf("lock chain head %s: %w", name, err)
	}
	return last, nil
}

func advanceHead(ctx context.Context, tx *sql.Tx, name string, sequence int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE ledger_chain_heads SET last_sequence = $1, updated_at = NOW() WHERE chain_name = $2`,
		sequence, name,
	)
	if err != nil {
		return fmt.Errorf("advance chain head %s: %w", name, err)
	}
	return nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
