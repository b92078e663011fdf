package sqlstore_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/remittance-engine/billing"
	"github.com/warp/remittance-engine/store/sqlstore"
	"github.com/warp/remittance-engine/wallet"
)

// The postgres dialect is exercised against sqlmock: the tests pin the
// $n placeholders and the mapping of unique violations (SQLSTATE 23505).

func newMockStore(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlstore.New(db, sqlstore.DialectPostgres), mock
}

func obligationRows(id, state string) *sqlmock.Rows {
	created := "2025-06-01T00:00:00.000000000Z"
	return sqlmock.NewRows([]string{
		"id", "account_id", "period", "amount", "currency", "due_date", "state",
		"attempt_count", "last_attempt_at", "last_reminder", "last_reminder_at", "created_at", "updated_at",
	}).AddRow(id, "acct-1", "2025-06", "42.50", "USD", "2025-06-30T23:59:59.000000000Z", state,
		0, nil, nil, nil, created, created)
}

func TestPostgres_Migrate_UsesBigserial(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("seq BIGSERIAL PRIMARY KEY")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateObligation_ConflictIsNotCreated(t *testing.T) {
	// GIVEN: postgres reports zero rows for ON CONFLICT DO NOTHING
	// WHEN: CreateObligation runs
	// THEN: it reports created=false without error

	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) ON CONFLICT (account_id, period) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	o := billing.Obligation{
		ID:        "ob-1",
		AccountID: "acct-1",
		Period:    billing.MustParsePeriod("2025-06"),
		Amount:    decimal.RequireFromString("42.50"),
		Currency:  "USD",
		DueDate:   time.Date(2025, time.June, 30, 23, 59, 59, 0, time.UTC),
		State:     billing.StateScheduled,
	}
	created, err := s.CreateObligation(context.Background(), o)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetObligation_Scans(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM obligations WHERE id = $1")).
		WithArgs("ob-1").
		WillReturnRows(obligationRows("ob-1", "scheduled"))

	o, err := s.GetObligation(context.Background(), "ob-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StateScheduled, o.State)
	assert.True(t, o.Amount.Equal(decimal.RequireFromString("42.50")))
	assert.Equal(t, billing.MustParsePeriod("2025-06"), o.Period)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordReminder_UniqueViolationRollsBack(t *testing.T) {
	// GIVEN: the reminder row already exists
	// WHEN: RecordReminder inserts it again
	// THEN: ErrReminderExists and the transaction is rolled back

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM obligations WHERE id = $1")).
		WillReturnRows(obligationRows("ob-1", "reminded_7day"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reminder_records")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	rec := billing.ReminderRecord{
		ObligationID: "ob-1",
		Kind:         billing.ReminderSevenDay,
		Period:       billing.MustParsePeriod("2025-06"),
		SentAt:       time.Date(2025, time.June, 24, 0, 0, 0, 0, time.UTC),
	}
	err := s.RecordReminder(context.Background(), rec, []billing.State{billing.StateScheduled}, billing.StateReminded7Day)
	assert.ErrorIs(t, err, billing.ErrReminderExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordAttempt_LostRaceIsStale(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $5 AND attempt_count = $6 AND state IN ($7, $8)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM obligations WHERE id = $1")).
		WillReturnRows(obligationRows("ob-1", "paid"))
	mock.ExpectRollback()

	_, err := s.RecordAttempt(context.Background(), billing.RetryAttempt{
		ObligationID: "ob-1",
		Number:       1,
		Outcome:      billing.OutcomeSucceeded,
		AttemptedAt:  time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC),
	}, billing.StatePaid)
	assert.ErrorIs(t, err, billing.ErrStaleState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendEntry_DuplicateKey(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.AppendEntry(context.Background(), wallet.Entry{
		ID:             wallet.NewEntryID(),
		AccountID:      "acct-1",
		Amount:         decimal.NewFromInt(5),
		Reason:         wallet.ReasonGrant,
		IdempotencyKey: "k",
		CreatedAt:      time.Now().UTC(),
	})
	assert.ErrorIs(t, err, wallet.ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListEntries_Paginates(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $2 OFFSET $3")).
		WithArgs("acct-1", 10, 20).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account_id", "amount", "reason", "idempotency_key",
			"expires_at", "reverses_id", "metadata_json", "created_at",
		}).AddRow("e-1", "acct-1", "-3.00", "redemption", "k-1", nil, nil, `{"order":"42"}`, "2025-06-15T12:00:00.000000000Z"))

	entries, err := s.ListEntries(context.Background(), "acct-1", 10, 20)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("-3")))
	assert.Nil(t, entries[0].ExpiresAt)
	assert.Equal(t, "42", entries[0].Metadata["order"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
