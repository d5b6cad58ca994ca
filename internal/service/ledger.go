package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ledger-service/internal/chain"
	"ledger-service/internal/domain"
	"ledger-service/internal/repository"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultChainBatch = 500

type EventRepository interface {
	InsertEvent(ctx context.Context, ev *domain.Event) error
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	ChainThrough(ctx context.Context, sequence int64, limit int, link repository.EventLinker) ([]domain.Event, error)
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
	ListStaleUnchained(ctx context.Context, olderThan time.Time, limit int) ([]domain.Event, error)
	BacklogStatus(ctx context.Context, now time.Time) (*domain.BacklogStatus, error)
}

// ChainScheduler hands a freshly persisted event to the chain processor.
type ChainScheduler interface {
	Schedule(ctx context.Context, task domain.ChainTask) error
}

type LedgerService struct {
	events     EventRepository
	scheduler  ChainScheduler
	chainBatch int
	now        func() time.Time
}

func NewLedgerService(events EventRepository, scheduler ChainScheduler) *LedgerService {
	return &LedgerService{
		events:     events,
		scheduler:  scheduler,
		chainBatch: defaultChainBatch,
		now:        time.Now,
	}
}

// SetScheduler swaps the scheduler. Workers that call back into Process are
// built after the service, so main wires them in afterwards.
func (s *LedgerService) SetScheduler(scheduler ChainScheduler) {
	s.scheduler = scheduler
}

// Append persists an unchained event and schedules it for chaining. It never
// waits for the hash to be computed.
func (s *LedgerService) Append(ctx context.Context, eventType string, payload interface{}, refs domain.EventRefs, actor domain.ActorContext) (*domain.EventHandle, error) {
	if err := domain.ValidateEventType(eventType); err != nil {
		return nil, err
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	if actor.Type == "" {
		actor = domain.SystemActor()
	}

	ev := &domain.Event{
		ID:            uuid.NewString(),
		EventType:     eventType,
		Payload:       raw,
		CompetitionID: refs.CompetitionID,
		PrizeID:       refs.PrizeID,
		OperatorID:    refs.OperatorID,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		IPAddress:     actor.IPAddress,
		UserAgent:     actor.UserAgent,
	}

	// an event that cannot be canonicalised could never be linked and would
	// block every event after it
	if _, err := chain.CanonicalEvent(ev, domain.GenesisHash); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	if err := s.events.InsertEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	task := domain.ChainTask{EventID: ev.ID, Sequence: ev.Sequence, ScheduledAt: s.now().UTC()}
	if s.scheduler != nil {
		if err := s.scheduler.Schedule(ctx, task); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"event_id": ev.ID,
				"sequence": ev.Sequence,
			}).Warn("Failed to schedule chain task, leaving it to the backlog sweeper")
		}
	}

	log.WithFields(log.Fields{
		"event_id":   ev.ID,
		"event_type": ev.EventType,
		"sequence":   ev.Sequence,
	}).Debug("Ledger event appended")

	handle := ev.Handle()
	return &handle, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok && len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if string(b) == "null" {
		return json.RawMessage(`{}`), nil
	}
	return b, nil
}

// Process chains the given event together with every unchained event before
// it. Calling it for an event that is already chained is a no-op.
func (s *LedgerService) Process(ctx context.Context, eventID string) error {
	ev, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.IsChained {
		log.WithField("event_id", eventID).Debug("Event already chained")
		return nil
	}

	total := 0
	for {
		linked, err := s.events.ChainThrough(ctx, ev.Sequence, s.chainBatch, chain.EventHash)
		if err != nil {
			return fmt.Errorf("failed to chain event %s: %w", eventID, err)
		}
		total += len(linked)
		if len(linked) < s.chainBatch {
			break
		}
	}

	if total > 0 {
		log.WithFields(log.Fields{
			"event_id": eventID,
			"sequence": ev.Sequence,
			"linked":   total,
		}).Debug("Chain advanced")
	}
	return nil
}

func (s *LedgerService) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrEventNotFound
	}
	return s.events.GetEvent(ctx, id)
}

func (s *LedgerService) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	filter.Limit, filter.Offset = domain.NormalizeLimit(filter.Limit, filter.Offset)

	events, err := s.events.ListEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events, nil
}

func (s *LedgerService) Backlog(ctx context.Context) (*domain.BacklogStatus, error) {
	return s.events.BacklogStatus(ctx, s.now())
}

// StaleUnchained lists events still waiting for a link after threshold.
func (s *LedgerService) StaleUnchained(ctx context.Context, threshold time.Duration, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	return s.events.ListStaleUnchained(ctx, s.now().Add(-threshold), limit)
}
