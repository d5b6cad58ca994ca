package domain

// Chain modes
const (
	ModeDeferred = "deferred"
	ModeEager    = "eager"
)

// VerifyScope narrows a verification run. Zero values mean unbounded.
type VerifyScope struct {
	Chain         string
	FromSequence  int64
	ToSequence    int64
	CompetitionID *string
}

func (s VerifyScope) Validate() error {
	if s.FromSequence < 0 || s.ToSequence < 0 {
		return ErrInvalidSequenceSpan
	}
	if s.ToSequence > 0 && s.FromSequence > s.ToSequence {
		return ErrInvalidSequenceSpan
	}
	switch s.Chain {
	case "", ChainEvents, ChainAudits, ChainAll:
		return nil
	}
	return ErrInvalidChain
}

// Discrepancy describes one failed check on one record.
type Discrepancy struct {
	RecordID string `json:"record_id"`
	Sequence int64  `json:"sequence"`
	Expected string `json:"expected_hash"`
	Actual   string `json:"actual_hash"`
}

type ChainReport struct {
	Chain         string        `json:"chain"`
	Mode          string        `json:"mode"`
	IsValid       bool          `json:"is_valid"`
	Total         int           `json:"total"`
	Verified      int           `json:"verified"`
	Failed        int           `json:"failed"`
	Unchained     int           `json:"unchained"`
	BrokenLinks   []Discrepancy `json:"broken_links"`
	InvalidHashes []Discrepancy `json:"invalid_hashes"`
}

type VerificationReport struct {
	IsValid bool         `json:"is_valid"`
	Events  *ChainReport `json:"events,omitempty"`
	Audits  *ChainReport `json:"audits,omitempty"`
}
