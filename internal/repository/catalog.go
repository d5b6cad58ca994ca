package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ledger-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

// postgresCatalogRepository reads competitions and prizes owned by the wider
// platform and records draw outcomes on them.
type postgresCatalogRepository struct {
	db *sql.DB
}

func NewPostgresCatalogRepository(db *sql.DB) *postgresCatalogRepository {
	return &postgresCatalogRepository{db: db}
}

func (r *postgresCatalogRepository) GetCompetition(ctx context.Context, id string) (*domain.Competition, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var comp domain.Competition
	var completedAt sql.NullTime
	query := `SELECT id, title, status, completed_at
	          FROM competitions
	          WHERE id = $1 AND deleted_at IS NULL`

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&comp.ID,
		&comp.Title,
		&comp.Status,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrCompetitionNotFound
	}
	if err != nil {
		log.WithError(err).WithField("competition_id", id).Error("Failed to get competition")
		return nil, err
	}

	comp.CompletedAt = timePtr(completedAt)
	return &comp, nil
}

func scanPrize(row rowScanner) (*domain.Prize, error) {
	var p domain.Prize
	var winner sql.NullString
	var drawnAt sql.NullTime
	err := row.Scan(
		&p.ID,
		&p.CompetitionID,
		&p.Name,
		&p.DrawOrder,
		&winner,
		&drawnAt,
	)
	if err != nil {
		return nil, err
	}
	p.WinnerEntryID = stringPtr(winner)
	p.DrawnAt = timePtr(drawnAt)
	return &p, nil
}

func (r *postgresCatalogRepository) GetPrize(ctx context.Context, competitionID, prizeID string) (*domain.Prize, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT id, competition_id, name, draw_order, winner_entry_id, drawn_at
	          FROM prizes
	          WHERE id = $1 AND competition_id = $2 AND deleted_at IS NULL`

	p, err := scanPrize(r.db.QueryRowContext(ctx, query, prizeID, competitionID))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPrizeNotFound
	}
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"competition_id": competitionID,
			"prize_id":       prizeID,
		}).Error("Failed to get prize")
		return nil, err
	}
	return p, nil
}

// ListPrizes returns the live prizes of a competition in draw order.
func (r *postgresCatalogRepository) ListPrizes(ctx context.Context, competitionID string) ([]domain.Prize, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT id, competition_id, name, draw_order, winner_entry_id, drawn_at
	          FROM prizes
	          WHERE competition_id = $1 AND deleted_at IS NULL
	          ORDER BY draw_order ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, competitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prizes []domain.Prize
	for rows.Next() {
		p, err := scanPrize(rows)
		if err != nil {
			log.WithError(err).Error("Failed to scan prize row")
			return nil, err
		}
		prizes = append(prizes, *p)
	}

	return prizes, rows.Err()
}

// RecordPrizeWinner stores the winning entry on a prize that has not been drawn yet.
func (r *postgresCatalogRepository) RecordPrizeWinner(ctx context.Context, competitionID, prizeID, entryID string, drawnAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `UPDATE prizes
	          SET winner_entry_id = $1, drawn_at = $2, updated_at = NOW()
	          WHERE id = $3 AND competition_id = $4 AND winner_entry_id IS NULL AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, entryID, drawnAt, prizeID, competitionID)
	if err != nil {
		log.WithError(err).WithField("prize_id", prizeID).Error("Failed to record prize winner")
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		p, err := r.GetPrize(ctx, competitionID, prizeID)
		if err != nil {
			return err
		}
		if p.IsDrawn() {
			return domain.ErrPrizeAlreadyDrawn
		}
		return fmt.Errorf("prize %s was not updated", prizeID)
	}

	return nil
}

// MarkCompetitionCompleted flips a competition to completed once every live
// prize has a winner.
func (r *postgresCatalogRepository) MarkCompetitionCompleted(ctx context.Context, competitionID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `UPDATE competitions
	          SET status = $1, completed_at = $2, updated_at = NOW()
	          WHERE id = $3 AND deleted_at IS NULL AND status <> $1
	            AND NOT EXISTS (
	                SELECT 1 FROM prizes
	                WHERE prizes.competition_id = competitions.id
	                  AND prizes.deleted_at IS NULL
	                  AND prizes.winner_entry_id IS NULL
	            )`

	result, err := r.db.ExecContext(ctx, query, domain.CompetitionCompleted, at, competitionID)
	if err != nil {
		log.WithError(err).WithField("competition_id", competitionID).Error("Failed to complete competition")
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 1 {
		return nil
	}

	comp, err := r.GetCompetition(ctx, competitionID)
	if err != nil {
		return err
	}
	if comp.Status == domain.CompetitionCompleted {
		return domain.ErrCompetitionCompleted
	}
	return domain.ErrUnresolvedPrizes
}
