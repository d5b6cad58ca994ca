// Package chain holds the hashing and verification rules shared by the event
// chain and the draw audit chain. Everything here is pure: no storage, no clock.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"ledger-service/internal/domain"

	"github.com/gowebpki/jcs"
)

// DrawnAtLayout is the wire form of drawn_at_utc inside the audit signature.
// Postgres keeps microseconds, so the signature never sees finer precision.
const DrawnAtLayout = "2006-01-02T15:04:05.000000Z"

// canonicalEvent lists every field covered by an event hash. JCS orders the
// keys, so the encoded field order is fixed regardless of struct layout.
type canonicalEvent struct {
	ID            string          `json:"id"`
	Sequence      int64           `json:"sequence"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CompetitionID *string         `json:"competition_id"`
	PrizeID       *string         `json:"prize_id"`
	OperatorID    *string         `json:"operator_id"`
	ActorType     string          `json:"actor_type"`
	ActorID       string          `json:"actor_id"`
	IPAddress     string          `json:"ip_address"`
	UserAgent     string          `json:"user_agent"`
	PreviousHash  string          `json:"previous_hash"`
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalEvent returns the RFC 8785 encoding of the hashed event fields.
func CanonicalEvent(ev *domain.Event, previousHash string) ([]byte, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	raw, err := json.Marshal(canonicalEvent{
		ID:            ev.ID,
		Sequence:      ev.Sequence,
		EventType:     ev.EventType,
		Payload:       payload,
		CompetitionID: ev.CompetitionID,
		PrizeID:       ev.PrizeID,
		OperatorID:    ev.OperatorID,
		ActorType:     ev.ActorType,
		ActorID:       ev.ActorID,
		IPAddress:     ev.IPAddress,
		UserAgent:     ev.UserAgent,
		PreviousHash:  previousHash,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal canonical event %s: %w", ev.ID, err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event %s: %w", ev.ID, err)
	}
	return canonical, nil
}

// EventHash computes H(canonical(event) || previousHash).
func EventHash(ev *domain.Event, previousHash string) (string, error) {
	canonical, err := CanonicalEvent(ev, previousHash)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PoolHash digests the eligible entry ids after sorting, so storage order
// never changes the result.
func PoolHash(entryIDs []string) string {
	sorted := make([]string, len(entryIDs))
	copy(sorted, entryIDs)
	sort.Strings(sorted)
	return HashBytes([]byte(strings.Join(sorted, ",")))
}

// FormatDrawnAt renders a draw time the way it enters the signature.
func FormatDrawnAt(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(DrawnAtLayout)
}

// SignatureHash computes the audit signature over the draw outcome and the
// previous audit's signature.
func SignatureHash(a *domain.DrawAudit, previousSignature string) string {
	fields := []string{
		a.CompetitionID,
		a.DrawID,
		FormatDrawnAt(a.DrawnAtUTC),
		strconv.Itoa(a.TotalEntries),
		a.SelectedEntryID,
		a.RNGSeedHash,
		previousSignature,
	}
	return HashBytes([]byte(strings.Join(fields, "|")))
}

// SeedHash digests the raw draw seed.
func SeedHash(seed string) string {
	return HashBytes([]byte(seed))
}
