package chain

import (
	"fmt"

	"ledger-service/internal/domain"
)

// Verifier walks one chain in ascending sequence and records every broken
// link and invalid hash. After each linked record the tracked hash moves to
// that record's stored hash, so a single tampered record produces one report
// instead of failing everything after it.
type Verifier struct {
	tracked       string
	competitionID *string
	lastSequence  int64
	report        domain.ChainReport
}

// NewVerifier starts a walk whose first record must link to seedHash.
func NewVerifier(chainName, mode, seedHash string, competitionID *string) *Verifier {
	return &Verifier{
		tracked:       seedHash,
		competitionID: competitionID,
		report: domain.ChainReport{
			Chain:         chainName,
			Mode:          mode,
			BrokenLinks:   []domain.Discrepancy{},
			InvalidHashes: []domain.Discrepancy{},
		},
	}
}

// Observe checks the next record. Records must arrive in strictly ascending
// sequence order.
func (v *Verifier) Observe(r Record) error {
	seq := r.RecordSequence()
	if seq <= v.lastSequence {
		return fmt.Errorf("record %s: sequence %d after %d", r.RecordID(), seq, v.lastSequence)
	}
	v.lastSequence = seq

	inScope := v.competitionID == nil || r.ScopeID() == *v.competitionID

	if !r.IsLinked() {
		if inScope {
			v.report.Total++
			v.report.Unchained++
		}
		return nil
	}

	failed := false
	previous := r.StoredPreviousHash()
	if previous != v.tracked {
		failed = true
		if inScope {
			v.report.BrokenLinks = append(v.report.BrokenLinks, domain.Discrepancy{
				RecordID: r.RecordID(),
				Sequence: seq,
				Expected: v.tracked,
				Actual:   previous,
			})
		}
	}

	computed, err := r.ComputeHash(previous)
	if err != nil {
		return fmt.Errorf("recompute hash for record %s: %w", r.RecordID(), err)
	}
	stored := r.StoredHash()
	if computed != stored {
		failed = true
		if inScope {
			v.report.InvalidHashes = append(v.report.InvalidHashes, domain.Discrepancy{
				RecordID: r.RecordID(),
				Sequence: seq,
				Expected: computed,
				Actual:   stored,
			})
		}
	}

	// resynchronise on what is actually stored
	v.tracked = stored

	if inScope {
		v.report.Total++
		if failed {
			v.report.Failed++
		} else {
			v.report.Verified++
		}
	}
	return nil
}

// ObserveAll feeds a batch of records.
func (v *Verifier) ObserveAll(records []Record) error {
	for _, r := range records {
		if err := v.Observe(r); err != nil {
			return err
		}
	}
	return nil
}

// Report returns the accumulated result.
func (v *Verifier) Report() *domain.ChainReport {
	report := v.report
	report.IsValid = len(report.BrokenLinks) == 0 && len(report.InvalidHashes) == 0
	return &report
}

// Verify runs a complete walk over an in-memory chain starting at genesis.
func Verify(chainName, mode string, records []Record) (*domain.ChainReport, error) {
	v := NewVerifier(chainName, mode, domain.GenesisHash, nil)
	if err := v.ObserveAll(records); err != nil {
		return nil, err
	}
	return v.Report(), nil
}
