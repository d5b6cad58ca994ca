package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ledger-service/internal/chain"
	"ledger-service/internal/domain"
	"ledger-service/internal/repository"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type AuditRepository interface {
	CommitAudit(ctx context.Context, a *domain.DrawAudit, sign repository.AuditSigner) error
	LinkEvent(ctx context.Context, auditID, eventID string) error
	GetAudit(ctx context.Context, id string) (*domain.DrawAudit, error)
	GetAuditByPrize(ctx context.Context, prizeID string) (*domain.DrawAudit, error)
	ListAudits(ctx context.Context, filter domain.AuditFilter) ([]domain.DrawAudit, error)
}

// AuditService owns the eagerly chained draw audit records.
type AuditService struct {
	audits AuditRepository
}

func NewAuditService(audits AuditRepository) *AuditService {
	return &AuditService{audits: audits}
}

func (s *AuditService) CommitAudit(ctx context.Context, in domain.AuditInput) (*domain.DrawAudit, error) {
	if strings.TrimSpace(in.CompetitionID) == "" || strings.TrimSpace(in.PrizeID) == "" {
		return nil, fmt.Errorf("competition and prize are required")
	}
	if in.WinnerID == "" {
		return nil, fmt.Errorf("winner entry is required")
	}
	if len(in.EligibleIDs) == 0 {
		return nil, domain.ErrNoEligibleEntries
	}

	drawID := in.DrawID
	if drawID == "" {
		drawID = uuid.NewString()
	}
	drawnAt := in.DrawnAt
	if drawnAt.IsZero() {
		drawnAt = time.Now()
	}

	a := &domain.DrawAudit{
		ID:              uuid.NewString(),
		CompetitionID:   in.CompetitionID,
		PrizeID:         in.PrizeID,
		OperatorID:      in.OperatorID,
		DrawID:          drawID,
		DrawnAtUTC:      drawnAt.UTC().Truncate(time.Microsecond),
		TotalEntries:    len(in.EligibleIDs),
		RNGSeedHash:     in.SeedHash,
		PoolHash:        chain.PoolHash(in.EligibleIDs),
		SelectedEntryID: in.WinnerID,
	}

	if err := s.audits.CommitAudit(ctx, a, chain.SignatureHash); err != nil {
		return nil, fmt.Errorf("failed to commit draw audit: %w", err)
	}

	log.WithFields(log.Fields{
		"audit_id":       a.ID,
		"sequence":       a.Sequence,
		"competition_id": a.CompetitionID,
		"prize_id":       a.PrizeID,
		"signature_hash": a.SignatureHash,
	}).Info("Draw audit committed")

	return a, nil
}

func (s *AuditService) LinkAuditEvent(ctx context.Context, auditID, eventID string) error {
	return s.audits.LinkEvent(ctx, auditID, eventID)
}

func (s *AuditService) GetAudit(ctx context.Context, id string) (*domain.DrawAudit, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrAuditNotFound
	}
	return s.audits.GetAudit(ctx, id)
}

// AuditForPrize returns the audit already committed for a prize, or
// domain.ErrAuditNotFound.
func (s *AuditService) AuditForPrize(ctx context.Context, prizeID string) (*domain.DrawAudit, error) {
	return s.audits.GetAuditByPrize(ctx, prizeID)
}

func (s *AuditService) ListAudits(ctx context.Context, filter domain.AuditFilter) ([]domain.DrawAudit, error) {
	filter.Limit, filter.Offset = domain.NormalizeLimit(filter.Limit, filter.Offset)

	audits, err := s.audits.ListAudits(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list draw audits: %w", err)
	}
	if audits == nil {
		audits = []domain.DrawAudit{}
	}
	return audits, nil
}
