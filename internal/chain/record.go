package chain

import "ledger-service/internal/domain"

// Record is one link of a chain as seen by the verifier. Events (deferred
// strategy) and draw audits (eager strategy) both satisfy it, so a single
// verification algorithm covers the two chains.
type Record interface {
	RecordID() string
	RecordSequence() int64
	ScopeID() string
	IsLinked() bool
	StoredHash() string
	StoredPreviousHash() string
	ComputeHash(previousHash string) (string, error)
}

type EventRecord struct {
	Event *domain.Event
}

func (r EventRecord) RecordID() string      { return r.Event.ID }
func (r EventRecord) RecordSequence() int64 { return r.Event.Sequence }
func (r EventRecord) IsLinked() bool        { return r.Event.IsChained }

func (r EventRecord) ScopeID() string {
	if r.Event.CompetitionID == nil {
		return ""
	}
	return *r.Event.CompetitionID
}

func (r EventRecord) StoredHash() string {
	if r.Event.EventHash == nil {
		return ""
	}
	return *r.Event.EventHash
}

func (r EventRecord) StoredPreviousHash() string {
	if r.Event.PreviousEventHash == nil {
		return ""
	}
	return *r.Event.PreviousEventHash
}

func (r EventRecord) ComputeHash(previousHash string) (string, error) {
	return EventHash(r.Event, previousHash)
}

type AuditRecord struct {
	Audit *domain.DrawAudit
}

func (r AuditRecord) RecordID() string           { return r.Audit.ID }
func (r AuditRecord) RecordSequence() int64      { return r.Audit.Sequence }
func (r AuditRecord) ScopeID() string            { return r.Audit.CompetitionID }
func (r AuditRecord) IsLinked() bool             { return true }
func (r AuditRecord) StoredHash() string         { return r.Audit.SignatureHash }
func (r AuditRecord) StoredPreviousHash() string { return r.Audit.PreviousSignatureHash }

func (r AuditRecord) ComputeHash(previousHash string) (string, error) {
	return SignatureHash(r.Audit, previousHash), nil
}

// EventRecords adapts a batch of events.
func EventRecords(events []domain.Event) []Record {
	records := make([]Record, 0, len(events))
	for i := range events {
		records = append(records, EventRecord{Event: &events[i]})
	}
	return records
}

// AuditRecords adapts a batch of audits.
func AuditRecords(audits []domain.DrawAudit) []Record {
	records := make([]Record, 0, len(audits))
	for i := range audits {
		records = append(records, AuditRecord{Audit: &audits[i]})
	}
	return records
}
