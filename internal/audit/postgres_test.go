package audit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/FairForge/drcore/internal/database"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var decisionColumns = []string{
	"id", "from_region", "to_region", "decided_at", "trigger_reason",
	"trigger_epoch", "forced", "replication_snapshot", "outcome", "outcome_reason", "resolved_at",
}

func newMockJournal(t *testing.T) (*PostgresJournal, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresJournal(database.NewPostgresWithDB(db, nil), nil), mock
}

func TestPostgresJournal_Append(t *testing.T) {
	j, mock := newMockJournal(t)
	d := testDecision(0)

	mock.ExpectExec(regexp.QuoteMeta(insertDecisionQuery)).
		WithArgs(d.ID, "us-east-1", "us-east-2", d.Timestamp, "health breach", int64(1), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, j.Append(context.Background(), d))

	mock.ExpectExec(regexp.QuoteMeta(insertDecisionQuery)).
		WillReturnError(&pq.Error{Code: "23505"})
	assert.ErrorIs(t, j.Append(context.Background(), d), ErrDuplicateDecision)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournal_Complete(t *testing.T) {
	j, mock := newMockJournal(t)
	d := testDecision(0)
	ctx := context.Background()
	at := base.Add(time.Minute)

	t.Run("pending decision", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(completeDecisionQuery)).
			WithArgs(d.ID, "committed", sqlmock.AnyArg(), at).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, j.Complete(ctx, d.ID, Resolution{Outcome: OutcomeCommitted, At: at}))
	})

	t.Run("already resolved", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(completeDecisionQuery)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(decisionExistsQuery)).
			WithArgs(d.ID).
			WillReturnRows(sqlmock.NewRows([]string{"resolved"}).AddRow(true))
		assert.ErrorIs(t, j.Complete(ctx, d.ID, Resolution{Outcome: OutcomeAborted, At: at}), ErrAlreadyResolved)
	})

	t.Run("unknown decision", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(completeDecisionQuery)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(decisionExistsQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"resolved"}))
		assert.ErrorIs(t, j.Complete(ctx, d.ID, Resolution{Outcome: OutcomeAborted, At: at}), ErrDecisionNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournal_Pending(t *testing.T) {
	j, mock := newMockJournal(t)
	d := testDecision(0)

	snapshot, err := j.codec.Encode(d.ReplicationSnapshot)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(pendingDecisionsQuery)).
		WillReturnRows(sqlmock.NewRows(decisionColumns).
			AddRow(d.ID.String(), "us-east-1", "us-east-2", d.Timestamp, "health breach",
				int64(1), false, snapshot, nil, nil, nil))

	pending, err := j.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	r := pending[0]
	assert.Equal(t, d.ID, r.ID)
	assert.Equal(t, d.To, r.To)
	assert.True(t, r.Pending())
	assert.Equal(t, d.ReplicationSnapshot, r.ReplicationSnapshot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournal_List(t *testing.T) {
	j, mock := newMockJournal(t)
	d := testDecision(0)
	resolved := base.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(listDecisionsQuery)).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(decisionColumns).
			AddRow(d.ID.String(), "us-east-1", "us-east-2", d.Timestamp, "health breach",
				int64(1), true, nil, "aborted", "routing conflict", resolved))

	records, err := j.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Resolution)
	assert.Equal(t, Resolution{Outcome: OutcomeAborted, Reason: "routing conflict", At: resolved}, *records[0].Resolution)
	assert.True(t, records[0].Forced)
	assert.NoError(t, mock.ExpectationsWereMet())
}
