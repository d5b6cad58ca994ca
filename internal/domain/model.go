package domain

import (
	"errors"
	"strings"
)

// Ledger errors
var (
	ErrEventNotFound       = errors.New("event not found")
	ErrAuditNotFound       = errors.New("draw audit not found")
	ErrInvalidEventType    = errors.New("invalid event type")
	ErrInvalidPayload      = errors.New("invalid event payload")
	ErrAllocationConflict  = errors.New("sequence allocation conflict")
	ErrInvalidChain        = errors.New("invalid chain")
	ErrInvalidSequenceSpan = errors.New("invalid sequence range")
)

// Draw errors
var (
	ErrCompetitionNotFound  = errors.New("competition not found")
	ErrPrizeNotFound        = errors.New("prize not found")
	ErrPrizeAlreadyDrawn    = errors.New("prize already drawn")
	ErrCompetitionCompleted = errors.New("competition already completed")
	ErrNoEligibleEntries    = errors.New("no eligible entries")
	ErrUnresolvedPrizes     = errors.New("competition has unresolved prizes")
)

const (
	// GenesisHash is the predecessor of the first record in every chain.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

	DefaultListLimit = 50
	MaxListLimit     = 500

	maxEventTypeLength = 100
)

// Chain names
const (
	ChainEvents = "events"
	ChainAudits = "audits"
	ChainAll    = "all"
)

// ValidChains returns list of chain names accepted by the verifier
func ValidChains() []string {
	return []string{ChainEvents, ChainAudits, ChainAll}
}

func ValidateEventType(eventType string) error {
	if strings.TrimSpace(eventType) == "" || len(eventType) > maxEventTypeLength {
		return ErrInvalidEventType
	}
	return nil
}

// NormalizeLimit clamps a page size to the list bounds.
func NormalizeLimit(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
