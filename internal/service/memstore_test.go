package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledger-service/internal/domain"
	"ledger-service/internal/repository"
)

// memStore is an in-memory ledger. Each chain head is a mutex held for the
// whole allocate-and-write step, the way the Postgres marker rows are.
type memStore struct {
	sequenceHead sync.Mutex
	linkHead     sync.Mutex
	auditHead    sync.Mutex
	data         sync.Mutex

	events []domain.Event
	audits []domain.DrawAudit

	competitions map[string]*domain.Competition
	prizes       map[string][]*domain.Prize
	entries      map[string][]domain.Entry

	insertErr   error
	chainCalls  int
	auditLinks  map[string]string
	completions int
}

func newMemStore() *memStore {
	return &memStore{
		competitions: map[string]*domain.Competition{},
		prizes:       map[string][]*domain.Prize{},
		entries:      map[string][]domain.Entry{},
		auditLinks:   map[string]string{},
	}
}

func (m *memStore) InsertEvent(_ context.Context, ev *domain.Event) error {
	m.sequenceHead.Lock()
	defer m.sequenceHead.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}

	m.data.Lock()
	defer m.data.Unlock()
	ev.Sequence = int64(len(m.events)) + 1
	ev.CreatedAt = time.Now().UTC()
	m.events = append(m.events, *ev)
	return nil
}

func (m *memStore) GetEvent(_ context.Context, id string) (*domain.Event, error) {
	m.data.Lock()
	defer m.data.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			ev := m.events[i]
			return &ev, nil
		}
	}
	return nil, domain.ErrEventNotFound
}

func (m *memStore) GetEventBySequence(_ context.Context, sequence int64) (*domain.Event, error) {
	m.data.Lock()
	defer m.data.Unlock()
	if sequence < 1 || sequence > int64(len(m.events)) {
		return nil, domain.ErrEventNotFound
	}
	ev := m.events[sequence-1]
	return &ev, nil
}

func (m *memStore) ChainThrough(_ context.Context, sequence int64, limit int, link repository.EventLinker) ([]domain.Event, error) {
	m.linkHead.Lock()
	defer m.linkHead.Unlock()
	m.data.Lock()
	defer m.data.Unlock()
	m.chainCalls++

	previous := domain.GenesisHash
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].IsChained {
			previous = *m.events[i].EventHash
			break
		}
	}

	// staged like a transaction: nothing is written unless every link succeeds
	type staged struct {
		index int
		ev    domain.Event
	}
	var batch []staged
	now := time.Now().UTC()
	for i := range m.events {
		if m.events[i].IsChained || m.events[i].Sequence > sequence {
			continue
		}
		if len(batch) == limit {
			break
		}
		ev := m.events[i]
		hash, err := link(&ev, previous)
		if err != nil {
			return nil, err
		}
		prev, h := previous, hash
		ev.PreviousEventHash = &prev
		ev.EventHash = &h
		ev.IsChained = true
		ev.ChainedAt = &now
		batch = append(batch, staged{index: i, ev: ev})
		previous = hash
	}

	linked := make([]domain.Event, 0, len(batch))
	for _, st := range batch {
		m.events[st.index] = st.ev
		linked = append(linked, st.ev)
	}
	return linked, nil
}

func (m *memStore) ListEvents(_ context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	m.data.Lock()
	defer m.data.Unlock()
	var out []domain.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if filter.CompetitionID != nil && (ev.CompetitionID == nil || *ev.CompetitionID != *filter.CompetitionID) {
			continue
		}
		if filter.EventType != nil && ev.EventType != *filter.EventType {
			continue
		}
		if filter.Chained != nil && ev.IsChained != *filter.Chained {
			continue
		}
		out = append(out, ev)
	}
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) StreamEvents(_ context.Context, from, to int64, batchSize int, fn func([]domain.Event) error) error {
	m.data.Lock()
	var selected []domain.Event
	for _, ev := range m.events {
		if ev.Sequence >= from && (to == 0 || ev.Sequence <= to) {
			selected = append(selected, ev)
		}
	}
	m.data.Unlock()

	for start := 0; start < len(selected); start += batchSize {
		end := start + batchSize
		if end > len(selected) {
			end = len(selected)
		}
		if err := fn(selected[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) ListStaleUnchained(_ context.Context, olderThan time.Time, limit int) ([]domain.Event, error) {
	m.data.Lock()
	defer m.data.Unlock()
	var out []domain.Event
	for _, ev := range m.events {
		if !ev.IsChained && ev.CreatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) BacklogStatus(_ context.Context, now time.Time) (*domain.BacklogStatus, error) {
	m.data.Lock()
	defer m.data.Unlock()
	status := &domain.BacklogStatus{}
	for _, ev := range m.events {
		if ev.IsChained {
			continue
		}
		if status.Unchained == 0 {
			status.OldestSequence = ev.Sequence
			status.OldestAge = now.Sub(ev.CreatedAt)
		}
		status.Unchained++
	}
	return status, nil
}

func (m *memStore) CommitAudit(_ context.Context, a *domain.DrawAudit, sign repository.AuditSigner) error {
	m.auditHead.Lock()
	defer m.auditHead.Unlock()
	m.data.Lock()
	defer m.data.Unlock()

	for _, existing := range m.audits {
		if existing.PrizeID == a.PrizeID {
			return domain.ErrPrizeAlreadyDrawn
		}
	}

	previous := domain.GenesisHash
	if n := len(m.audits); n > 0 {
		previous = m.audits[n-1].SignatureHash
	}
	a.Sequence = int64(len(m.audits)) + 1
	a.PreviousSignatureHash = previous
	a.SignatureHash = sign(a, previous)
	a.CreatedAt = time.Now().UTC()
	m.audits = append(m.audits, *a)
	return nil
}

func (m *memStore) LinkEvent(_ context.Context, auditID, eventID string) error {
	m.data.Lock()
	defer m.data.Unlock()
	for i := range m.audits {
		if m.audits[i].ID == auditID && m.audits[i].EventID == nil {
			id := eventID
			m.audits[i].EventID = &id
			m.auditLinks[auditID] = eventID
			return nil
		}
	}
	return domain.ErrAuditNotFound
}

func (m *memStore) GetAudit(_ context.Context, id string) (*domain.DrawAudit, error) {
	m.data.Lock()
	defer m.data.Unlock()
	for _, a := range m.audits {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, domain.ErrAuditNotFound
}

func (m *memStore) GetAuditByPrize(_ context.Context, prizeID string) (*domain.DrawAudit, error) {
	m.data.Lock()
	defer m.data.Unlock()
	for _, a := range m.audits {
		if a.PrizeID == prizeID {
			return &a, nil
		}
	}
	return nil, domain.ErrAuditNotFound
}

func (m *memStore) GetAuditBySequence(_ context.Context, sequence int64) (*domain.DrawAudit, error) {
	m.data.Lock()
	defer m.data.Unlock()
	if sequence < 1 || sequence > int64(len(m.audits)) {
		return nil, domain.ErrAuditNotFound
	}
	a := m.audits[sequence-1]
	return &a, nil
}

func (m *memStore) ListAudits(_ context.Context, filter domain.AuditFilter) ([]domain.DrawAudit, error) {
	m.data.Lock()
	defer m.data.Unlock()
	var out []domain.DrawAudit
	for i := len(m.audits) - 1; i >= 0; i-- {
		a := m.audits[i]
		if filter.CompetitionID != nil && a.CompetitionID != *filter.CompetitionID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) StreamAudits(_ context.Context, from, to int64, batchSize int, fn func([]domain.DrawAudit) error) error {
	m.data.Lock()
	var selected []domain.DrawAudit
	for _, a := range m.audits {
		if a.Sequence >= from && (to == 0 || a.Sequence <= to) {
			selected = append(selected, a)
		}
	}
	m.data.Unlock()

	for start := 0; start < len(selected); start += batchSize {
		end := start + batchSize
		if end > len(selected) {
			end = len(selected)
		}
		if err := fn(selected[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) GetCompetition(_ context.Context, id string) (*domain.Competition, error) {
	m.data.Lock()
	defer m.data.Unlock()
	c, ok := m.competitions[id]
	if !ok {
		return nil, domain.ErrCompetitionNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *memStore) GetPrize(_ context.Context, competitionID, prizeID string) (*domain.Prize, error) {
	m.data.Lock()
	defer m.data.Unlock()
	for _, p := range m.prizes[competitionID] {
		if p.ID == prizeID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, domain.ErrPrizeNotFound
}

func (m *memStore) ListPrizes(_ context.Context, competitionID string) ([]domain.Prize, error) {
	m.data.Lock()
	defer m.data.Unlock()
	var out []domain.Prize
	for _, p := range m.prizes[competitionID] {
		out = append(out, *p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DrawOrder < out[j].DrawOrder })
	return out, nil
}

func (m *memStore) RecordPrizeWinner(_ context.Context, competitionID, prizeID, entryID string, drawnAt time.Time) error {
	m.data.Lock()
	defer m.data.Unlock()
	for _, p := range m.prizes[competitionID] {
		if p.ID != prizeID {
			continue
		}
		if p.IsDrawn() {
			return domain.ErrPrizeAlreadyDrawn
		}
		winner, at := entryID, drawnAt
		p.WinnerEntryID = &winner
		p.DrawnAt = &at
		return nil
	}
	return domain.ErrPrizeNotFound
}

func (m *memStore) MarkCompetitionCompleted(_ context.Context, competitionID string, at time.Time) error {
	m.data.Lock()
	defer m.data.Unlock()
	c, ok := m.competitions[competitionID]
	if !ok {
		return domain.ErrCompetitionNotFound
	}
	if c.Status == domain.CompetitionCompleted {
		return domain.ErrCompetitionCompleted
	}
	for _, p := range m.prizes[competitionID] {
		if !p.IsDrawn() {
			return domain.ErrUnresolvedPrizes
		}
	}
	c.Status = domain.CompetitionCompleted
	c.CompletedAt = &at
	m.completions++
	return nil
}

func (m *memStore) EligibleEntries(_ context.Context, competitionID string) ([]domain.Entry, error) {
	m.data.Lock()
	defer m.data.Unlock()
	out := make([]domain.Entry, len(m.entries[competitionID]))
	copy(out, m.entries[competitionID])
	return out, nil
}

// seedCompetition adds a competition with the given prize draw orders and n entries.
func (m *memStore) seedCompetition(id string, drawOrders []int, n int) {
	m.competitions[id] = &domain.Competition{ID: id, Title: "Competition " + id, Status: domain.CompetitionClosed}
	for i, order := range drawOrders {
		m.prizes[id] = append(m.prizes[id], &domain.Prize{
			ID:            fmt.Sprintf("%s-prize-%d", id, i+1),
			CompetitionID: id,
			Name:          fmt.Sprintf("Prize %d", i+1),
			DrawOrder:     order,
		})
	}
	for i := 1; i <= n; i++ {
		m.entries[id] = append(m.entries[id], domain.Entry{
			ID:            fmt.Sprintf("%s-entry-%02d", id, i),
			CompetitionID: id,
			TicketNumber:  int64(i),
			UserID:        fmt.Sprintf("user-%d", i),
		})
	}
}

func (m *memStore) eventTypes() []string {
	m.data.Lock()
	defer m.data.Unlock()
	types := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		types = append(types, ev.EventType)
	}
	return types
}

type recordingScheduler struct {
	mu    sync.Mutex
	tasks []domain.ChainTask
	err   error
}

func (r *recordingScheduler) Schedule(_ context.Context, task domain.ChainTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
