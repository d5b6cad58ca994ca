package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"time"

	"ledger-service/internal/chain"
	"ledger-service/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const seedEntropyBytes = 32

type Catalog interface {
	GetCompetition(ctx context.Context, id string) (*domain.Competition, error)
	GetPrize(ctx context.Context, competitionID, prizeID string) (*domain.Prize, error)
	ListPrizes(ctx context.Context, competitionID string) ([]domain.Prize, error)
	RecordPrizeWinner(ctx context.Context, competitionID, prizeID, entryID string, drawnAt time.Time) error
	MarkCompetitionCompleted(ctx context.Context, competitionID string, at time.Time) error
}

type EntryPool interface {
	EligibleEntries(ctx context.Context, competitionID string) ([]domain.Entry, error)
}

type EventAppender interface {
	Append(ctx context.Context, eventType string, payload interface{}, refs domain.EventRefs, actor domain.ActorContext) (*domain.EventHandle, error)
}

type AuditCommitter interface {
	CommitAudit(ctx context.Context, in domain.AuditInput) (*domain.DrawAudit, error)
	LinkAuditEvent(ctx context.Context, auditID, eventID string) error
	AuditForPrize(ctx context.Context, prizeID string) (*domain.DrawAudit, error)
}

type DrawService struct {
	catalog Catalog
	entries EntryPool
	events  EventAppender
	audits  AuditCommitter
	random  io.Reader
	now     func() time.Time
}

func NewDrawService(catalog Catalog, entries EntryPool, events EventAppender, audits AuditCommitter) *DrawService {
	return &DrawService{
		catalog: catalog,
		entries: entries,
		events:  events,
		audits:  audits,
		random:  rand.Reader,
		now:     time.Now,
	}
}

// drawRun carries the per-draw context shared by the narrative events.
type drawRun struct {
	drawID        string
	competitionID string
	prizeID       string
	actor         domain.ActorContext
}

func (r *drawRun) refs() domain.EventRefs {
	refs := domain.EventRefs{
		CompetitionID: &r.competitionID,
		PrizeID:       &r.prizeID,
	}
	if r.actor.Type == domain.ActorOperator && r.actor.ID != "" {
		op := r.actor.ID
		refs.OperatorID = &op
	}
	return refs
}

// DrawPrize selects one winner for a prize and commits the signed audit.
func (s *DrawService) DrawPrize(ctx context.Context, competitionID, prizeID string, excludedEntryIDs []string, actor domain.ActorContext) (*domain.DrawResult, error) {
	comp, err := s.catalog.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if comp.Status == domain.CompetitionCompleted {
		return nil, domain.ErrCompetitionCompleted
	}

	prize, err := s.catalog.GetPrize(ctx, competitionID, prizeID)
	if err != nil {
		return nil, err
	}
	if prize.IsDrawn() {
		return nil, domain.ErrPrizeAlreadyDrawn
	}

	if actor.Type == "" {
		actor = domain.SystemActor()
	}

	// A committed audit is the outcome of the draw even when the winner never
	// reached the catalog.
	existing, err := s.audits.AuditForPrize(ctx, prizeID)
	switch {
	case err == nil:
		return s.adoptAudit(ctx, existing, actor)
	case !errors.Is(err, domain.ErrAuditNotFound):
		return nil, fmt.Errorf("failed to check for an existing draw audit: %w", err)
	}

	pool, err := s.eligiblePool(ctx, competitionID, excludedEntryIDs)
	if err != nil {
		return nil, err
	}

	run := &drawRun{
		drawID:        uuid.NewString(),
		competitionID: competitionID,
		prizeID:       prizeID,
		actor:         actor,
	}

	if _, err := s.events.Append(ctx, domain.EventDrawStarted, map[string]interface{}{
		"draw_id":        run.drawID,
		"eligible_count": len(pool),
		"excluded_count": len(excludedEntryIDs),
	}, run.refs(), actor); err != nil {
		return nil, fmt.Errorf("failed to record draw start: %w", err)
	}

	result, err := s.runDraw(ctx, run, pool)
	if err != nil {
		s.recordFailure(ctx, run, err)
		return nil, err
	}
	return result, nil
}

func (s *DrawService) eligiblePool(ctx context.Context, competitionID string, excluded []string) ([]string, error) {
	entries, err := s.entries.EligibleEntries(ctx, competitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load eligible entries: %w", err)
	}

	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	pool := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := skip[e.ID]; ok {
			continue
		}
		pool = append(pool, e.ID)
	}
	sort.Strings(pool)
	return pool, nil
}

func (s *DrawService) runDraw(ctx context.Context, run *drawRun, pool []string) (*domain.DrawResult, error) {
	if len(pool) == 0 {
		return nil, &domain.DrawError{
			Code:    domain.CodeNoEligibleEntries,
			PrizeID: run.prizeID,
			Err:     domain.ErrNoEligibleEntries,
		}
	}

	drawnAt := s.now().UTC()
	seed, err := s.seed(run, drawnAt)
	if err != nil {
		return nil, err
	}
	seedHash := chain.SeedHash(seed)

	if _, err := s.events.Append(ctx, domain.EventDrawSeedGenerated, map[string]interface{}{
		"draw_id":   run.drawID,
		"seed":      seed,
		"seed_hash": seedHash,
	}, run.refs(), run.actor); err != nil {
		return nil, fmt.Errorf("failed to record seed: %w", err)
	}

	n, err := rand.Int(s.random, big.NewInt(int64(len(pool))))
	if err != nil {
		return nil, fmt.Errorf("failed to draw random index: %w", err)
	}
	index := int(n.Int64())
	winner := pool[index]

	if _, err := s.events.Append(ctx, domain.EventDrawRandomizationRun, map[string]interface{}{
		"draw_id":        run.drawID,
		"pool_size":      len(pool),
		"pool_hash":      chain.PoolHash(pool),
		"selected_index": index,
	}, run.refs(), run.actor); err != nil {
		return nil, fmt.Errorf("failed to record randomization: %w", err)
	}

	audit, err := s.audits.CommitAudit(ctx, domain.AuditInput{
		CompetitionID: run.competitionID,
		PrizeID:       run.prizeID,
		OperatorID:    run.refs().OperatorID,
		DrawID:        run.drawID,
		DrawnAt:       drawnAt,
		EligibleIDs:   pool,
		SeedHash:      seedHash,
		WinnerID:      winner,
	})
	if err != nil {
		return nil, err
	}

	if err := s.catalog.RecordPrizeWinner(ctx, run.competitionID, run.prizeID, winner, audit.DrawnAtUTC); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"audit_id": audit.ID,
			"prize_id": run.prizeID,
		}).Error("Audit committed but prize winner could not be recorded")
		return nil, fmt.Errorf("failed to record prize winner: %w", err)
	}

	s.recordCompletion(ctx, run, audit)

	log.WithFields(log.Fields{
		"draw_id":         run.drawID,
		"competition_id":  run.competitionID,
		"prize_id":        run.prizeID,
		"winner_entry_id": winner,
		"pool_size":       len(pool),
	}).Info("Prize drawn")

	return &domain.DrawResult{
		Audit:         audit,
		WinnerEntryID: winner,
		PrizeID:       run.prizeID,
	}, nil
}

// adoptAudit finishes a draw whose audit was committed but whose winner was
// not recorded. No new randomness is drawn.
func (s *DrawService) adoptAudit(ctx context.Context, audit *domain.DrawAudit, actor domain.ActorContext) (*domain.DrawResult, error) {
	if err := s.catalog.RecordPrizeWinner(ctx, audit.CompetitionID, audit.PrizeID, audit.SelectedEntryID, audit.DrawnAtUTC); err != nil {
		return nil, fmt.Errorf("failed to record prize winner: %w", err)
	}

	log.WithFields(log.Fields{
		"audit_id":        audit.ID,
		"prize_id":        audit.PrizeID,
		"winner_entry_id": audit.SelectedEntryID,
	}).Warn("Prize winner recovered from committed draw audit")

	if audit.EventID == nil {
		s.recordCompletion(ctx, &drawRun{
			drawID:        audit.DrawID,
			competitionID: audit.CompetitionID,
			prizeID:       audit.PrizeID,
			actor:         actor,
		}, audit)
	}

	return &domain.DrawResult{
		Audit:         audit,
		WinnerEntryID: audit.SelectedEntryID,
		PrizeID:       audit.PrizeID,
	}, nil
}

// seed mixes the draw identity, wall-clock nanoseconds and fresh entropy.
func (s *DrawService) seed(run *drawRun, at time.Time) (string, error) {
	entropy := make([]byte, seedEntropyBytes)
	if _, err := io.ReadFull(s.random, entropy); err != nil {
		return "", fmt.Errorf("failed to read seed entropy: %w", err)
	}
	return fmt.Sprintf("%s:%s:%d:%s", run.competitionID, run.prizeID, at.UnixNano(), hex.EncodeToString(entropy)), nil
}

// recordCompletion emits the post-commit narrative. The audit is already
// durable at this point, so failures here are only logged.
func (s *DrawService) recordCompletion(ctx context.Context, run *drawRun, audit *domain.DrawAudit) {
	if _, err := s.events.Append(ctx, domain.EventDrawCompleted, map[string]interface{}{
		"draw_id":         run.drawID,
		"audit_id":        audit.ID,
		"winner_entry_id": audit.SelectedEntryID,
		"total_entries":   audit.TotalEntries,
	}, run.refs(), run.actor); err != nil {
		log.WithError(err).WithField("draw_id", run.drawID).Error("Failed to record draw completion")
	}

	handle, err := s.events.Append(ctx, domain.EventDrawAuditCreated, map[string]interface{}{
		"draw_id":        run.drawID,
		"audit_id":       audit.ID,
		"audit_sequence": audit.Sequence,
		"signature_hash": audit.SignatureHash,
	}, run.refs(), run.actor)
	if err != nil {
		log.WithError(err).WithField("audit_id", audit.ID).Error("Failed to record audit creation")
		return
	}

	if err := s.audits.LinkAuditEvent(ctx, audit.ID, handle.ID); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"audit_id": audit.ID,
			"event_id": handle.ID,
		}).Error("Failed to link audit event")
		return
	}
	eventID := handle.ID
	audit.EventID = &eventID
}

func (s *DrawService) recordFailure(ctx context.Context, run *drawRun, cause error) {
	payload := map[string]interface{}{
		"draw_id": run.drawID,
		"error":   cause.Error(),
	}
	var drawErr *domain.DrawError
	if errors.As(cause, &drawErr) {
		payload["code"] = drawErr.Code
	}

	if _, err := s.events.Append(ctx, domain.EventDrawFailed, payload, run.refs(), run.actor); err != nil {
		log.WithError(err).WithField("draw_id", run.drawID).Error("Failed to record draw failure")
	}

	log.WithError(cause).WithFields(log.Fields{
		"draw_id":        run.drawID,
		"competition_id": run.competitionID,
		"prize_id":       run.prizeID,
	}).Warn("Prize draw failed")
}

// DrawAllPrizes draws every undrawn prize in draw order. Winners, including
// those of prizes drawn earlier, cannot win again in the same competition.
// The batch stops at the first failure and returns what was drawn so far.
func (s *DrawService) DrawAllPrizes(ctx context.Context, competitionID string, actor domain.ActorContext) (*domain.BatchResult, error) {
	comp, err := s.catalog.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if comp.Status == domain.CompetitionCompleted {
		return nil, domain.ErrCompetitionCompleted
	}

	prizes, err := s.catalog.ListPrizes(ctx, competitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list prizes: %w", err)
	}
	if len(prizes) == 0 {
		return nil, domain.ErrPrizeNotFound
	}
	sort.SliceStable(prizes, func(i, j int) bool {
		return prizes[i].DrawOrder < prizes[j].DrawOrder
	})

	result := &domain.BatchResult{
		CompetitionID: competitionID,
		Results:       []domain.DrawResult{},
	}

	var excluded []string
	for _, p := range prizes {
		if p.IsDrawn() {
			excluded = append(excluded, *p.WinnerEntryID)
			result.Skipped = append(result.Skipped, p.ID)
			continue
		}

		drawn, err := s.DrawPrize(ctx, competitionID, p.ID, excluded, actor)
		if err != nil {
			return result, err
		}
		result.Results = append(result.Results, *drawn)
		excluded = append(excluded, drawn.WinnerEntryID)
	}

	completedAt := s.now().UTC()
	if err := s.catalog.MarkCompetitionCompleted(ctx, competitionID, completedAt); err != nil {
		return result, fmt.Errorf("failed to complete competition: %w", err)
	}
	result.Completed = true

	if _, err := s.events.Append(ctx, domain.EventCompetitionCompleted, map[string]interface{}{
		"prizes_drawn":   len(result.Results),
		"prizes_skipped": len(result.Skipped),
		"completed_at":   completedAt,
	}, domain.EventRefs{CompetitionID: &competitionID}, actor); err != nil {
		log.WithError(err).WithField("competition_id", competitionID).Error("Failed to record competition completion")
	}

	log.WithFields(log.Fields{
		"competition_id": competitionID,
		"drawn":          len(result.Results),
		"skipped":        len(result.Skipped),
	}).Info("Competition completed")

	return result, nil
}
