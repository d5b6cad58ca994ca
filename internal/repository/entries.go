package repository

import (
	"context"
	"database/sql"

	"ledger-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

type postgresEntryRepository struct {
	db *sql.DB
}

func NewPostgresEntryRepository(db *sql.DB) *postgresEntryRepository {
	return &postgresEntryRepository{db: db}
}

// EligibleEntries returns the live, correctly answered entries of a
// competition ordered by id, which is the order the draw indexes into.
func (r *postgresEntryRepository) EligibleEntries(ctx context.Context, competitionID string) ([]domain.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT id, competition_id, ticket_number, user_id
	          FROM entries
	          WHERE competition_id = $1 AND answer_correct AND deleted_at IS NULL
	          ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, competitionID)
	if err != nil {
		log.WithError(err).WithField("competition_id", competitionID).Error("Failed to load eligible entries")
		return nil, err
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		var e domain.Entry
		err := rows.Scan(
			&e.ID,
			&e.CompetitionID,
			&e.TicketNumber,
			&e.UserID,
		)
		if err != nil {
			log.WithError(err).Error("Failed to scan entry row")
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
