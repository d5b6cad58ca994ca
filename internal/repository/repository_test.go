package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"ledger-service/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventRowColumns = []string{
	"id", "sequence", "event_type", "payload", "competition_id", "prize_id", "operator_id",
	"actor_type", "actor_id", "ip_address", "user_agent", "created_at",
	"event_hash", "previous_event_hash", "is_chained", "chained_at",
}

var auditRowColumns = []string{
	"id", "sequence", "competition_id", "prize_id", "operator_id", "draw_id", "drawn_at_utc",
	"total_entries", "rng_seed_hash", "pool_hash", "selected_entry_id",
	"signature_hash", "previous_signature_hash", "event_id", "created_at",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func unchainedRow(rows *sqlmock.Rows, id string, seq int64, created time.Time) *sqlmock.Rows {
	return rows.AddRow(id, seq, "draw.started", []byte(`{"n":1}`), "comp-1", nil, nil,
		domain.ActorSystem, "", "", "", created, nil, nil, false, nil)
}

func TestInsertEvent_AllocatesNextSequence(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresEventRepository(db, 3)
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_sequence FROM ledger_chain_heads WHERE chain_name").
		WithArgs("event_sequence").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(41))
	mock.ExpectQuery("INSERT INTO ledger_events").
		WithArgs("evt-1", int64(42), "draw.started", []byte(`{}`), "comp-1", nil, nil,
			domain.ActorOperator, "op-7", "10.0.0.1", "ua").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))
	mock.ExpectExec("UPDATE ledger_chain_heads SET last_sequence").
		WithArgs(int64(42), "event_sequence").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	comp := "comp-1"
	ev := &domain.Event{
		ID:            "evt-1",
		EventType:     domain.EventDrawStarted,
		Payload:       []byte(`{}`),
		CompetitionID: &comp,
		ActorType:     domain.ActorOperator,
		ActorID:       "op-7",
		IPAddress:     "10.0.0.1",
		UserAgent:     "ua",
	}
	require.NoError(t, repo.InsertEvent(context.Background(), ev))

	assert.Equal(t, int64(42), ev.Sequence)
	assert.Equal(t, created, ev.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEvent_RetriesSerializationFailure(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresEventRepository(db, 3)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_sequence FROM ledger_chain_heads").
		WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_sequence FROM ledger_chain_heads").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(0))
	mock.ExpectQuery("INSERT INTO ledger_events").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec("UPDATE ledger_chain_heads").
		WithArgs(int64(1), "event_sequence").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev := &domain.Event{ID: "evt-1", EventType: domain.EventDrawStarted, ActorType: domain.ActorSystem}
	require.NoError(t, repo.InsertEvent(context.Background(), ev))
	assert.Equal(t, int64(1), ev.Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEvent_ExhaustedRetriesIsAllocationConflict(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresEventRepository(db, 2)

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT last_sequence FROM ledger_chain_heads").
			WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectRollback()
	}

	err := repo.InsertEvent(context.Background(), &domain.Event{ID: "evt-1", EventType: "x"})
	assert.ErrorIs(t, err, domain.ErrAllocationConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEvent_NonRetryableErrorIsReturned(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresEventRepository(db, 3)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_sequence FROM ledger_chain_heads").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(3))
	mock.ExpectQuery("INSERT INTO ledger_events").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.InsertEvent(context.Background(), &domain.Event{ID: "evt-1", EventType: "x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrAllocationConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainThrough_LinksPendingInSequenceOrder(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresEventRepository(db, 3)
	created := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_sequence FROM ledger_chain_heads").
		WithArgs("event_link").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(0))
	mock.ExpectQuery("SELECT event_hash FROM ledger_events WHERE is_chained").
		WillReturnError(sql.ErrNoRows)
	rows := sqlmock.NewRows(eventRowColumns)
	unchainedRow(rows, "evt-1", 1, created)
	unchainedRow(rows, "evt-2", 2, created)
	mock.ExpectQuery("FROM ledger_events WHERE NOT is_chained AND sequence <=").
		WithArgs(int64(2), 100).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE ledger_events SET event_hash").
		WithArgs("hash-evt-1", domain.GenesisHash, sqlmock.AnyArg(), "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ledger_events SET event_hash").
		WithArgs("hash-evt-2", "hash-evt-1", sqlmock.AnyArg(), "evt-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ledger_chain_heads").
		WithArgs(int64(2), "event_link").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var seen []string
	link := func(ev *domain.Event, prev string) (string, error) {
		seen = append(seen, prev)
		return "hash-" + ev.ID, nil
	}

	linked, err := repo.ChainThrough(context.Background(), 2, 100, link)
	require.NoError(t, err)
	require.Len(t, linked, 2)

	assert.Equal(t, []string{domain.GenesisHash, "hash-evt-1"}, seen)
	assert.True(t, linked[1].IsChained)
	assert.Equal(t, "hash-evt-1", *linked[1].PreviousEventHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainThrough_ContinuesFromChainHead(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresEventRepository(db, 3)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_sequence FROM ledger_chain_heads").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(6))
	mock.ExpectQuery("SELECT event_hash FROM ledger_events WHERE is_chained").
		WillReturnRows(sqlmock.NewRows([]string{"event_hash"}).AddRow("hash-6"))
	rows := sqlmock.NewRows(eventRowColumns)
	unchainedRow(rows, "evt-7", 7, time.Now())
	mock.ExpectQuery("FROM ledger_events WHERE NOT is_chained").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE ledger_events SET event_hash").
		WithArgs("hash-evt-7", "hash-6", sqlmock.AnyArg(), "evt-7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ledger_chain_heads").
		WithArgs(int64(7), "event_link").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	linked, err := repo.ChainThrough(context.Background(), 9, 100, func(ev *domain.Event, _ string) (string, error) {
		return "hash-" + ev.ID, nil
	})
	require.NoError(t, err)
	assert.Len(t, linked, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainThrough_NothingPending(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresEventRepository(db, 3)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_sequence FROM ledger_chain_heads").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(5))
	mock.ExpectQuery("SELECT event_hash FROM ledger_events WHERE is_chained").
		WillReturnRows(sqlmock.NewRows([]string{"event_hash"}).AddRow("hash-5"))
	mock.ExpectQuery("FROM ledger_events WHERE NOT is_chained").
		WillReturnRows(sqlmock.NewRows(eventRowColumns))
	mock.ExpectCommit()

	linked, err := repo.ChainThrough(context.Background(), 5, 100, func(*domain.Event, string) (string, error) {
		t.Fatal("nothing should be linked")
		return "", nil
	})
	require.NoError(t, err)
	assert.Empty(t, linked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEvent_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresEventRepository(db, 3)

	mock.ExpectQuery("FROM ledger_events WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestListEvents_AppliesFilters(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresEventRepository(db, 3)

	comp := "comp-1"
	chained := false
	mock.ExpectQuery("AND competition_id = (.+) AND is_chained = (.+) ORDER BY sequence DESC LIMIT").
		WithArgs("comp-1", false, 50, 10).
		WillReturnRows(sqlmock.NewRows(eventRowColumns))

	events, err := repo.ListEvents(context.Background(), domain.EventFilter{
		CompetitionID: &comp,
		Chained:       &chained,
		Limit:         50,
		Offset:        10,
	})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBacklogStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresEventRepository(db, 3)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count", "min", "min"}).
			AddRow(3, 17, now.Add(-90*time.Second)))

	status, err := repo.BacklogStatus(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.Unchained)
	assert.Equal(t, int64(17), status.OldestSequence)
	assert.Equal(t, 90*time.Second, status.OldestAge)
}

func TestCommitAudit_SignsAgainstPreviousSignature(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresAuditRepository(db, 3)
	drawnAt := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_sequence FROM ledger_chain_heads").
		WithArgs("audit").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(4))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("prize-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT signature_hash FROM ledger_draw_audits").
		WillReturnRows(sqlmock.NewRows([]string{"signature_hash"}).AddRow("sig-4"))
	mock.ExpectQuery("INSERT INTO ledger_draw_audits").
		WithArgs("audit-5", int64(5), "comp-1", "prize-1", nil, "draw-5", drawnAt,
			10, "seed", "pool", "entry-3", "signed(sig-4)", "sig-4").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(drawnAt))
	mock.ExpectExec("UPDATE ledger_chain_heads").
		WithArgs(int64(5), "audit").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := &domain.DrawAudit{
		ID:              "audit-5",
		CompetitionID:   "comp-1",
		PrizeID:         "prize-1",
		DrawID:          "draw-5",
		DrawnAtUTC:      drawnAt,
		TotalEntries:    10,
		RNGSeedHash:     "seed",
		PoolHash:        "pool",
		SelectedEntryID: "entry-3",
	}
	err := repo.CommitAudit(context.Background(), a, func(_ *domain.DrawAudit, prev string) string {
		return "signed(" + prev + ")"
	})
	require.NoError(t, err)

	assert.Equal(t, int64(5), a.Sequence)
	assert.Equal(t, "sig-4", a.PreviousSignatureHash)
	assert.Equal(t, "signed(sig-4)", a.SignatureHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitAudit_FirstAuditLinksToGenesis(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresAuditRepository(db, 3)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_sequence FROM ledger_chain_heads").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(0))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT signature_hash FROM ledger_draw_audits").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO ledger_draw_audits").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec("UPDATE ledger_chain_heads").
		WithArgs(int64(1), "audit").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := &domain.DrawAudit{ID: "audit-1", PrizeID: "prize-1"}
	require.NoError(t, repo.CommitAudit(context.Background(), a, func(_ *domain.DrawAudit, prev string) string {
		return "sig"
	}))
	assert.Equal(t, domain.GenesisHash, a.PreviousSignatureHash)
	assert.Equal(t, int64(1), a.Sequence)
}

func TestCommitAudit_RejectsSecondAuditForPrize(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresAuditRepository(db, 3)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_sequence FROM ledger_chain_heads").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(2))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("prize-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := repo.CommitAudit(context.Background(), &domain.DrawAudit{ID: "a", PrizeID: "prize-1"},
		func(*domain.DrawAudit, string) string { return "sig" })
	assert.ErrorIs(t, err, domain.ErrPrizeAlreadyDrawn)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAuditByPrize(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresAuditRepository(db, 3)
	drawnAt := time.Date(2026, 5, 1, 10, 0, 0, 0, time.FixedZone("CEST", 7200))

	mock.ExpectQuery("FROM ledger_draw_audits WHERE prize_id").
		WithArgs("prize-1").
		WillReturnRows(sqlmock.NewRows(auditRowColumns).AddRow(
			"audit-1", int64(1), "comp-1", "prize-1", nil, "draw-1", drawnAt,
			4, "seed", "pool", "entry-2", "sig-1", domain.GenesisHash, nil, drawnAt))
	mock.ExpectQuery("FROM ledger_draw_audits WHERE prize_id").
		WithArgs("prize-2").
		WillReturnError(sql.ErrNoRows)

	a, err := repo.GetAuditByPrize(context.Background(), "prize-1")
	require.NoError(t, err)
	assert.Equal(t, "entry-2", a.SelectedEntryID)
	assert.Equal(t, time.UTC, a.DrawnAtUTC.Location())
	assert.Nil(t, a.EventID)

	_, err = repo.GetAuditByPrize(context.Background(), "prize-2")
	assert.ErrorIs(t, err, domain.ErrAuditNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkEvent_OnlyOnce(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresAuditRepository(db, 3)

	mock.ExpectExec("UPDATE ledger_draw_audits SET event_id").
		WithArgs("evt-9", "audit-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.LinkEvent(context.Background(), "audit-1", "evt-9")
	assert.ErrorIs(t, err, domain.ErrAuditNotFound)
}

func TestStreamAudits_PagesUntilShortBatch(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresAuditRepository(db, 3)
	now := time.Now().UTC()

	page := func(from, to int64) *sqlmock.Rows {
		rows := sqlmock.NewRows(auditRowColumns)
		for s := from; s <= to; s++ {
			rows.AddRow("a", s, "comp-1", "p", nil, "d", now, 1, "seed", "pool", "e", "sig", "prev", nil, now)
		}
		return rows
	}
	mock.ExpectQuery("FROM ledger_draw_audits WHERE sequence >").
		WithArgs(int64(0), int64(0), 2).
		WillReturnRows(page(1, 2))
	mock.ExpectQuery("FROM ledger_draw_audits WHERE sequence >").
		WithArgs(int64(2), int64(0), 2).
		WillReturnRows(page(3, 3))

	var seqs []int64
	err := repo.StreamAudits(context.Background(), 1, 0, 2, func(batch []domain.DrawAudit) error {
		for _, a := range batch {
			seqs = append(seqs, a.Sequence)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, seqs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompetitionCompleted(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("completes", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewPostgresCatalogRepository(db)
		mock.ExpectExec("UPDATE competitions SET status").
			WithArgs(domain.CompetitionCompleted, at, "comp-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.MarkCompetitionCompleted(context.Background(), "comp-1", at))
	})

	t.Run("unresolved prizes", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewPostgresCatalogRepository(db)
		mock.ExpectExec("UPDATE competitions SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM competitions WHERE id").
			WillReturnRows(sqlmock.NewRows([]string{"id", "title", "status", "completed_at"}).
				AddRow("comp-1", "Car", domain.CompetitionClosed, nil))

		err := repo.MarkCompetitionCompleted(context.Background(), "comp-1", at)
		assert.ErrorIs(t, err, domain.ErrUnresolvedPrizes)
	})

	t.Run("already completed", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewPostgresCatalogRepository(db)
		mock.ExpectExec("UPDATE competitions SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM competitions WHERE id").
			WillReturnRows(sqlmock.NewRows([]string{"id", "title", "status", "completed_at"}).
				AddRow("comp-1", "Car", domain.CompetitionCompleted, at))

		err := repo.MarkCompetitionCompleted(context.Background(), "comp-1", at)
		assert.ErrorIs(t, err, domain.ErrCompetitionCompleted)
	})
}

func TestEligibleEntries(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresEntryRepository(db)

	mock.ExpectQuery("FROM entries WHERE competition_id = (.+) AND answer_correct AND deleted_at IS NULL ORDER BY id ASC").
		WithArgs("comp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "competition_id", "ticket_number", "user_id"}).
			AddRow("e-1", "comp-1", 1, "u-1").
			AddRow("e-2", "comp-1", 2, "u-2"))

	entries, err := repo.EligibleEntries(context.Background(), "comp-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e-2", entries[1].ID)
}

func TestRecordPrizeWinner_AlreadyDrawn(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresCatalogRepository(db)
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE prizes SET winner_entry_id").
		WithArgs("e-1", at, "prize-1", "comp-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM prizes WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "competition_id", "name", "draw_order", "winner_entry_id", "drawn_at"}).
			AddRow("prize-1", "comp-1", "Car", 1, "e-9", at))

	err := repo.RecordPrizeWinner(context.Background(), "comp-1", "prize-1", "e-1", at)
	assert.ErrorIs(t, err, domain.ErrPrizeAlreadyDrawn)
}
