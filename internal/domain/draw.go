package domain

import (
	"fmt"
	"time"
)

// Competition statuses
const (
	CompetitionActive    = "active"
	CompetitionClosed    = "closed"
	CompetitionCompleted = "completed"
)

// Error codes reported to API clients for draw failures.
const (
	CodeNoEligibleEntries   = "NO_ELIGIBLE_ENTRIES"
	CodePrizeAlreadyDrawn   = "PRIZE_ALREADY_DRAWN"
	CodeCompetitionComplete = "COMPETITION_COMPLETED"
	CodeUnresolvedPrizes    = "UNRESOLVED_PRIZES"
)

type Competition struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Prize struct {
	ID            string     `json:"id"`
	CompetitionID string     `json:"competition_id"`
	Name          string     `json:"name"`
	DrawOrder     int        `json:"draw_order"`
	WinnerEntryID *string    `json:"winner_entry_id,omitempty"`
	DrawnAt       *time.Time `json:"drawn_at,omitempty"`
}

func (p *Prize) IsDrawn() bool {
	return p.WinnerEntryID != nil && *p.WinnerEntryID != ""
}

// Entry is one ticket in a competition as seen by the draw engine.
type Entry struct {
	ID            string `json:"id"`
	CompetitionID string `json:"competition_id"`
	TicketNumber  int64  `json:"ticket_number"`
	UserID        string `json:"user_id"`
}

type DrawResult struct {
	Audit         *DrawAudit `json:"audit"`
	WinnerEntryID string     `json:"winner_entry_id"`
	PrizeID       string     `json:"prize_id"`
}

type BatchResult struct {
	CompetitionID string       `json:"competition_id"`
	Results       []DrawResult `json:"results"`
	Skipped       []string     `json:"skipped_prize_ids,omitempty"`
	Completed     bool         `json:"completed"`
}

// DrawError is a draw failure for one prize. It unwraps to the underlying sentinel.
type DrawError struct {
	Code    string
	PrizeID string
	Err     error
}

func (e *DrawError) Error() string {
	return fmt.Sprintf("draw prize %s: %s: %v", e.PrizeID, e.Code, e.Err)
}

func (e *DrawError) Unwrap() error {
	return e.Err
}
