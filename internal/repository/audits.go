package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ledger-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

const auditColumns = `id, sequence, competition_id, prize_id, operator_id, draw_id, drawn_at_utc,
	total_entries, rng_seed_hash, pool_hash, selected_entry_id,
	signature_hash, previous_signature_hash, event_id, created_at`

// AuditSigner computes an audit's signature given the previous signature.
type AuditSigner func(a *domain.DrawAudit, previousSignature string) string

type postgresAuditRepository struct {
	tx txRunner
	db *sql.DB
}

func NewPostgresAuditRepository(db *sql.DB, maxRetries int) *postgresAuditRepository {
	return &postgresAuditRepository{tx: newTxRunner(db, maxRetries), db: db}
}

func scanAudit(row rowScanner) (*domain.DrawAudit, error) {
	var a domain.DrawAudit
	var operatorID, eventID sql.NullString

	err := row.Scan(
		&a.ID,
		&a.Sequence,
		&a.CompetitionID,
		&a.PrizeID,
		&operatorID,
		&a.DrawID,
		&a.DrawnAtUTC,
		&a.TotalEntries,
		&a.RNGSeedHash,
		&a.PoolHash,
		&a.SelectedEntryID,
		&a.SignatureHash,
		&a.PreviousSignatureHash,
		&eventID,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.DrawnAtUTC = a.DrawnAtUTC.UTC()
	a.OperatorID = stringPtr(operatorID)
	a.EventID = stringPtr(eventID)
	return &a, nil
}

func scanAudits(rows *sql.Rows) ([]domain.DrawAudit, error) {
	var audits []domain.DrawAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			log.WithError(err).Error("Failed to scan draw audit row")
			return nil, fmt.Errorf("failed to scan draw audit row: %w", err)
		}
		audits = append(audits, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over draw audit rows: %w", err)
	}
	return audits, nil
}

// CommitAudit appends an audit to the eager chain. Under the audit head lock
// it refuses a second audit for the same prize, reads the newest signature,
// signs the record against it and inserts it with the next sequence.
func (r *postgresAuditRepository) CommitAudit(ctx context.Context, a *domain.DrawAudit, sign AuditSigner) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := r.tx.inTx(ctx, "commit audit", func(tx *sql.Tx) error {
		last, err := lockHead(ctx, tx, headAudit)
		if err != nil {
			return err
		}

		var exists bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM ledger_draw_audits WHERE prize_id = $1)`,
			a.PrizeID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check prize audit: %w", err)
		}
		if exists {
			return domain.ErrPrizeAlreadyDrawn
		}

		previous := domain.GenesisHash
		var prevSig sql.NullString
		err = tx.QueryRowContext(ctx, `
			SELECT signature_hash FROM ledger_draw_audits
			ORDER BY sequence DESC
			LIMIT 1`).Scan(&prevSig)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read previous signature: %w", err)
		}
		if prevSig.Valid {
			previous = prevSig.String
		}

		a.Sequence = last + 1
		a.PreviousSignatureHash = previous
		a.SignatureHash = sign(a, previous)

		err = tx.QueryRowContext(ctx, `
			INSERT INTO ledger_draw_audits (
				id, sequence, competition_id, prize_id, operator_id, draw_id, drawn_at_utc,
				total_entries, rng_seed_hash, pool_hash, selected_entry_id,
				signature_hash, previous_signature_hash
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING created_at`,
			a.ID,
			a.Sequence,
			a.CompetitionID,
			a.PrizeID,
			nullString(a.OperatorID),
			a.DrawID,
			a.DrawnAtUTC,
			a.TotalEntries,
			a.RNGSeedHash,
			a.PoolHash,
			a.SelectedEntryID,
			a.SignatureHash,
			a.PreviousSignatureHash,
		).Scan(&a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert draw audit: %w", err)
		}

		return advanceHead(ctx, tx, headAudit, a.Sequence)
	})
	if err != nil {
		if err != domain.ErrPrizeAlreadyDrawn {
			log.WithError(err).WithFields(log.Fields{
				"competition_id": a.CompetitionID,
				"prize_id":       a.PrizeID,
				"draw_id":        a.DrawID,
			}).Error("Failed to commit draw audit")
		}
		return err
	}

	return nil
}

// LinkEvent records the completion event id on an audit. It may only be set once.
func (r *postgresAuditRepository) LinkEvent(ctx context.Context, auditID, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE ledger_draw_audits SET event_id = $1 WHERE id = $2 AND event_id IS NULL`,
		eventID, auditID,
	)
	if err != nil {
		log.WithError(err).WithField("audit_id", auditID).Error("Failed to link audit event")
		return fmt.Errorf("failed to link audit event: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not determine rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrAuditNotFound
	}
	return nil
}

func (r *postgresAuditRepository) GetAudit(ctx context.Context, id string) (*domain.DrawAudit, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	a, err := scanAudit(r.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM ledger_draw_audits WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrAuditNotFound
	}
	if err != nil {
		log.WithError(err).WithField("audit_id", id).Error("Failed to get draw audit")
		return nil, fmt.Errorf("failed to get draw audit: %w", err)
	}
	return a, nil
}

// GetAuditByPrize returns the audit committed for a prize. There is at most one.
func (r *postgresAuditRepository) GetAuditByPrize(ctx context.Context, prizeID string) (*domain.DrawAudit, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	a, err := scanAudit(r.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM ledger_draw_audits WHERE prize_id = $1`, prizeID))
	if err == sql.ErrNoRows {
		return nil, domain.ErrAuditNotFound
	}
	if err != nil {
		log.WithError(err).WithField("prize_id", prizeID).Error("Failed to get draw audit for prize")
		return nil, fmt.Errorf("failed to get draw audit for prize: %w", err)
	}
	return a, nil
}

func (r *postgresAuditRepository) GetAuditBySequence(ctx context.Context, sequence int64) (*domain.DrawAudit, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	a, err := scanAudit(r.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM ledger_draw_audits WHERE sequence = $1`, sequence))
	if err == sql.ErrNoRows {
		return nil, domain.ErrAuditNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draw audit by sequence: %w", err)
	}
	return a, nil
}

func (r *postgresAuditRepository) ListAudits(ctx context.Context, filter domain.AuditFilter) ([]domain.DrawAudit, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var query strings.Builder
	args := []interface{}{}
	argPos := 1

	query.WriteString(`SELECT ` + auditColumns + ` FROM ledger_draw_audits WHERE 1=1`)

	if filter.CompetitionID != nil {
		query.WriteString(fmt.Sprintf(" AND competition_id = $%d", argPos))
		args = append(args, *filter.CompetitionID)
		argPos++
	}
	if filter.PrizeID != nil {
		query.WriteString(fmt.Sprintf(" AND prize_id = $%d", argPos))
		args = append(args, *filter.PrizeID)
		argPos++
	}
	if filter.From != nil {
		query.WriteString(fmt.Sprintf(" AND drawn_at_utc >= $%d", argPos))
		args = append(args, *filter.From)
		argPos++
	}
	if filter.To != nil {
		query.WriteString(fmt.Sprintf(" AND drawn_at_utc <= $%d", argPos))
		args = append(args, *filter.To)
		argPos++
	}

	query.WriteString(" ORDER BY sequence DESC")
	query.WriteString(fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1))
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		log.WithError(err).Error("Failed to list draw audits")
		return nil, fmt.Errorf("failed to list draw audits: %w", err)
	}
	defer rows.Close()

	return scanAudits(rows)
}

// StreamAudits pages through audits in ascending sequence order.
func (r *postgresAuditRepository) StreamAudits(ctx context.Context, from, to int64, batchSize int, fn func([]domain.DrawAudit) error) error {
	cursor := from - 1
	if cursor < 0 {
		cursor = 0
	}

	for {
		batch, err := r.auditPage(ctx, cursor, to, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		cursor = batch[len(batch)-1].Sequence
		if len(batch) < batchSize {
			return nil
		}
	}
}

func (r *postgresAuditRepository) auditPage(ctx context.Context, after, to int64, limit int) ([]domain.DrawAudit, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM ledger_draw_audits
		WHERE sequence > $1 AND ($2 = 0 OR sequence <= $2)
		ORDER BY sequence ASC
		LIMIT $3`, after, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to page draw audits: %w", err)
	}
	defer rows.Close()

	return scanAudits(rows)
}
