package domain

import (
	"encoding/json"
	"time"
)

// Narrative event types emitted by the draw engine.
const (
	EventDrawStarted          = "draw.started"
	EventDrawSeedGenerated    = "draw.seed_generated"
	EventDrawRandomizationRun = "draw.randomization_run"
	EventDrawCompleted        = "draw.completed"
	EventDrawAuditCreated     = "draw.audit_created"
	EventDrawFailed           = "draw.failed"
	EventCompetitionCompleted = "competition.completed"
)

// Actor kinds
const (
	ActorSystem   = "system"
	ActorOperator = "operator"
	ActorUser     = "user"
	ActorAPIKey   = "api_key"
)

// EventRefs are the optional catalog references carried by an event. They are
// plain identifiers; the referenced rows may be soft-deleted later.
type EventRefs struct {
	CompetitionID *string `json:"competition_id,omitempty"`
	PrizeID       *string `json:"prize_id,omitempty"`
	OperatorID    *string `json:"operator_id,omitempty"`
}

// ActorContext describes who performed an action and from where.
type ActorContext struct {
	Type      string `json:"actor_type"`
	ID        string `json:"actor_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// SystemActor is used for actions the service takes on its own behalf.
func SystemActor() ActorContext {
	return ActorContext{Type: ActorSystem, ID: "ledger-service"}
}

type Event struct {
	ID                string          `json:"id"`
	Sequence          int64           `json:"sequence"`
	EventType         string          `json:"event_type"`
	Payload           json.RawMessage `json:"payload"`
	CompetitionID     *string         `json:"competition_id,omitempty"`
	PrizeID           *string         `json:"prize_id,omitempty"`
	OperatorID        *string         `json:"operator_id,omitempty"`
	ActorType         string          `json:"actor_type"`
	ActorID           string          `json:"actor_id,omitempty"`
	IPAddress         string          `json:"ip_address,omitempty"`
	UserAgent         string          `json:"user_agent,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	EventHash         *string         `json:"event_hash"`
	PreviousEventHash *string         `json:"previous_event_hash"`
	IsChained         bool            `json:"is_chained"`
	ChainedAt         *time.Time      `json:"chained_at,omitempty"`
}

// EventHandle is returned by the ingest path before the event is chained.
type EventHandle struct {
	ID        string    `json:"id"`
	Sequence  int64     `json:"sequence"`
	EventType string    `json:"event_type"`
	CreatedAt time.Time `json:"created_at"`
}

func (e *Event) Handle() EventHandle {
	return EventHandle{
		ID:        e.ID,
		Sequence:  e.Sequence,
		EventType: e.EventType,
		CreatedAt: e.CreatedAt,
	}
}

// EventFilter selects events for listings. Results are ordered by sequence descending.
type EventFilter struct {
	CompetitionID *string
	EventType     *string
	From          *time.Time
	To            *time.Time
	Chained       *bool
	Limit         int
	Offset        int
}

// ChainTask asks the chain processor to link one event.
type ChainTask struct {
	EventID     string    `json:"event_id"`
	Sequence    int64     `json:"sequence"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// BacklogStatus summarises events still waiting for their link.
type BacklogStatus struct {
	Unchained      int64         `json:"unchained"`
	OldestSequence int64         `json:"oldest_sequence,omitempty"`
	OldestAge      time.Duration `json:"oldest_age_ns"`
}
