package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ledger-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

const eventColumns = `id, sequence, event_type, payload, competition_id, prize_id, operator_id,
	actor_type, actor_id, ip_address, user_agent, created_at,
	event_hash, previous_event_hash, is_chained, chained_at`

// EventLinker computes an event's hash given its predecessor's hash.
type EventLinker func(ev *domain.Event, previousHash string) (string, error)

type postgresEventRepository struct {
	tx txRunner
	db *sql.DB
}

func NewPostgresEventRepository(db *sql.DB, maxRetries int) *postgresEventRepository {
	return &postgresEventRepository{tx: newTxRunner(db, maxRetries), db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var ev domain.Event
	var payload []byte
	var competitionID, prizeID, operatorID, eventHash, previousHash sql.NullString
	var chainedAt sql.NullTime

	err := row.Scan(
		&ev.ID,
		&ev.Sequence,
		&ev.EventType,
		&payload,
		&competitionID,
		&prizeID,
		&operatorID,
		&ev.ActorType,
		&ev.ActorID,
		&ev.IPAddress,
		&ev.UserAgent,
		&ev.CreatedAt,
		&eventHash,
		&previousHash,
		&ev.IsChained,
		&chainedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Payload = payload
	ev.CompetitionID = stringPtr(competitionID)
	ev.PrizeID = stringPtr(prizeID)
	ev.OperatorID = stringPtr(operatorID)
	ev.EventHash = stringPtr(eventHash)
	ev.PreviousEventHash = stringPtr(previousHash)
	ev.ChainedAt = timePtr(chainedAt)
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			log.WithError(err).Error("Failed to scan ledger event row")
			return nil, fmt.Errorf("failed to scan ledger event row: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over ledger event rows: %w", err)
	}
	return events, nil
}

// InsertEvent allocates the next event sequence under the head marker lock
// and inserts the event unchained, in one transaction.
func (r *postgresEventRepository) InsertEvent(ctx context.Context, ev *domain.Event) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := r.tx.inTx(ctx, "insert event", func(tx *sql.Tx) error {
		last, err := lockHead(ctx, tx, headEventSequence)
		if err != nil {
			return err
		}
		next := last + 1

		err = tx.QueryRowContext(ctx, `
			INSERT INTO ledger_events (
				id, sequence, event_type, payload,
				competition_id, prize_id, operator_id,
				actor_type, actor_id, ip_address, user_agent
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at`,
			ev.ID,
			next,
			ev.EventType,
			[]byte(ev.Payload),
			nullString(ev.CompetitionID),
			nullString(ev.PrizeID),
			nullString(ev.OperatorID),
			ev.ActorType,
			ev.ActorID,
			ev.IPAddress,
			ev.UserAgent,
		).Scan(&ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert ledger event: %w", err)
		}

		if err := advanceHead(ctx, tx, headEventSequence, next); err != nil {
			return err
		}
		ev.Sequence = next
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"event_id":   ev.ID,
			"event_type": ev.EventType,
		}).Error("Failed to insert ledger event")
		return err
	}

	return nil
}

func (r *postgresEventRepository) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ev, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		log.WithError(err).WithField("event_id", id).Error("Failed to get ledger event")
		return nil, fmt.Errorf("failed to get ledger event: %w", err)
	}
	return ev, nil
}

func (r *postgresEventRepository) GetEventBySequence(ctx context.Context, sequence int64) (*domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ev, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE sequence = $1`, sequence))
	if err == sql.ErrNoRows {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger event by sequence: %w", err)
	}
	return ev, nil
}

// ChainThrough links unchained events up to and including the given sequence,
// oldest first, at most limit per call. It holds the event-link head lock for
// the whole critical section, so every event is linked against the hash of the
// event immediately before it in sequence order.
func (r *postgresEventRepository) ChainThrough(ctx context.Context, sequence int64, limit int, link EventLinker) ([]domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, chainTimeout)
	defer cancel()

	var linked []domain.Event
	err := r.tx.inTx(ctx, "chain events", func(tx *sql.Tx) error {
		linked = nil

		if _, err := lockHead(ctx, tx, headEventLink); err != nil {
			return err
		}

		previous := domain.GenesisHash
		var headHash sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT event_hash FROM ledger_events
			WHERE is_chained
			ORDER BY sequence DESC
			LIMIT 1`).Scan(&headHash)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read chain head hash: %w", err)
		}
		if headHash.Valid {
			previous = headHash.String
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM ledger_events
			WHERE NOT is_chained AND sequence <= $1
			ORDER BY sequence ASC
			LIMIT $2`, sequence, limit)
		if err != nil {
			return fmt.Errorf("load unchained events: %w", err)
		}
		pending, err := scanEvents(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		now := time.Now().UTC()
		for i := range pending {
			ev := &pending[i]
			hash, err := link(ev, previous)
			if err != nil {
				return fmt.Errorf("link event %s: %w", ev.ID, err)
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE ledger_events
				SET event_hash = $1, previous_event_hash = $2, is_chained = TRUE, chained_at = $3
				WHERE id = $4 AND NOT is_chained`,
				hash, previous, now, ev.ID)
			if err != nil {
				return fmt.Errorf("commit link for event %s: %w", ev.ID, err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("could not determine rows affected: %w", err)
			} else if n != 1 {
				return fmt.Errorf("event %s was chained concurrently", ev.ID)
			}

			prev := previous
			ev.PreviousEventHash = &prev
			h := hash
			ev.EventHash = &h
			ev.IsChained = true
			ev.ChainedAt = &now
			previous = hash
		}

		if err := advanceHead(ctx, tx, headEventLink, pending[len(pending)-1].Sequence); err != nil {
			return err
		}
		linked = pending
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("through_sequence", sequence).Error("Failed to chain ledger events")
		return nil, err
	}

	return linked, nil
}

func (r *postgresEventRepository) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var query strings.Builder
	args := []interface{}{}
	argPos := 1

	query.WriteString(`SELECT ` + eventColumns + ` FROM ledger_events WHERE 1=1`)

	if filter.CompetitionID != nil {
		query.WriteString(fmt.Sprintf(" AND competition_id = $%d", argPos))
		args = append(args, *filter.CompetitionID)
		argPos++
	}
	if filter.EventType != nil {
		query.WriteString(fmt.Sprintf(" AND event_type = $%d", argPos))
		args = append(args, *filter.EventType)
		argPos++
	}
	if filter.From != nil {
		query.WriteString(fmt.Sprintf(" AND created_at >= $%d", argPos))
		args = append(args, *filter.From)
		argPos++
	}
	if filter.To != nil {
		query.WriteString(fmt.Sprintf(" AND created_at <= $%d", argPos))
		args = append(args, *filter.To)
		argPos++
	}
	if filter.Chained != nil {
		query.WriteString(fmt.Sprintf(" AND is_chained = $%d", argPos))
		args = append(args, *filter.Chained)
		argPos++
	}

	query.WriteString(" ORDER BY sequence DESC")
	query.WriteString(fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1))
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		log.WithError(err).Error("Failed to list ledger events")
		return nil, fmt.Errorf("failed to list ledger events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// StreamEvents pages through events in ascending sequence starting at from
// (inclusive) and stopping after to when to > 0.
func (r *postgresEventRepository) StreamEvents(ctx context.Context, from, to int64, batchSize int, fn func([]domain.Event) error) error {
	cursor := from - 1
	if cursor < 0 {
		cursor = 0
	}

	for {
		batch, err := r.eventPage(ctx, cursor, to, batchSize)
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

func (r *postgresEventRepository) eventPage(ctx context.Context, after, to int64, limit int) ([]domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + eventColumns + ` FROM ledger_events
		WHERE sequence > $1 AND ($2 = 0 OR sequence <= $2)
		ORDER BY sequence ASC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, after, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to page ledger events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (r *postgresEventRepository) ListStaleUnchained(ctx context.Context, olderThan time.Time, limit int) ([]domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE NOT is_chained AND created_at < $1
		ORDER BY sequence ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		log.WithError(err).Error("Failed to list stale unchained events")
		return nil, fmt.Errorf("failed to list stale unchained events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (r *postgresEventRepository) BacklogStatus(ctx context.Context, now time.Time) (*domain.BacklogStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var status domain.BacklogStatus
	var oldestSeq sql.NullInt64
	var oldestAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(sequence), MIN(created_at)
		FROM ledger_events
		WHERE NOT is_chained`).Scan(&status.Unchained, &oldestSeq, &oldestAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain backlog: %w", err)
	}

	if oldestSeq.Valid {
		status.OldestSequence = oldestSeq.Int64
	}
	if oldestAt.Valid {
		status.OldestAge = now.Sub(oldestAt.Time)
	}
	return &status, nil
}
