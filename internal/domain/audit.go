package domain

import "time"

// DrawAudit is the eagerly chained compliance record of one prize draw.
type DrawAudit struct {
	ID                    string    `json:"id"`
	Sequence              int64     `json:"sequence"`
	CompetitionID         string    `json:"competition_id"`
	PrizeID               string    `json:"prize_id"`
	OperatorID            *string   `json:"operator_id,omitempty"`
	DrawID                string    `json:"draw_id"`
	DrawnAtUTC            time.Time `json:"drawn_at_utc"`
	TotalEntries          int       `json:"total_entries"`
	RNGSeedHash           string    `json:"rng_seed_hash"`
	PoolHash              string    `json:"pool_hash"`
	SelectedEntryID       string    `json:"selected_entry_id"`
	SignatureHash         string    `json:"signature_hash"`
	PreviousSignatureHash string    `json:"previous_signature_hash"`
	EventID               *string   `json:"event_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// AuditInput carries everything the audit chain needs to sign a draw.
type AuditInput struct {
	CompetitionID string
	PrizeID       string
	OperatorID    *string
	DrawID        string
	DrawnAt       time.Time
	EligibleIDs   []string
	SeedHash      string
	WinnerID      string
}

// AuditFilter selects audits for listings. Results are ordered by sequence descending.
type AuditFilter struct {
	CompetitionID *string
	PrizeID       *string
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}
