package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestRebind(t *testing.T) {
	pg := &sqlStore{dialect: dialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := &sqlStore{dialect: dialectSQLite}
	assert.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}

func TestPostgresStore_TryIncrementSuccess(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE tenant_accounts SET current_projects = current_projects + CAST($1 AS BIGINT), updated_at = CAST($2 AS BIGINT) "+
			"WHERE tenant_id = $3 AND current_projects + CAST($4 AS BIGINT) <= CAST($5 AS BIGINT) "+
			"RETURNING current_projects, expense_counter_reset_at")).
		WithArgs(int64(1), testNow.UnixMilli(), "acme", int64(1), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"current_projects", "expense_counter_reset_at"}).
			AddRow(int64(3), testResetAt.UnixMilli()))

	res, err := s.TryIncrement(context.Background(), IncrementRequest{
		TenantID: "acme", Counter: models.CounterProjects, Limit: 3, Amount: 1, Now: testNow,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(3), res.Current)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TryIncrementWindowed(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	window := &models.Window{Now: testNow, NextResetAt: testResetAt}
	wnow := testNow.UnixMilli()

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE tenant_accounts SET current_month_expenses = CASE WHEN CAST($1 AS BIGINT) >= expense_counter_reset_at THEN 0 ELSE current_month_expenses END + CAST($2 AS BIGINT), "+
			"expense_counter_reset_at = CASE WHEN CAST($3 AS BIGINT) >= expense_counter_reset_at THEN CAST($4 AS BIGINT) ELSE expense_counter_reset_at END, "+
			"updated_at = CAST($5 AS BIGINT) WHERE tenant_id = $6 "+
			"AND CASE WHEN CAST($7 AS BIGINT) >= expense_counter_reset_at THEN 0 ELSE current_month_expenses END + CAST($8 AS BIGINT) <= CAST($9 AS BIGINT) "+
			"RETURNING current_month_expenses, expense_counter_reset_at")).
		WithArgs(wnow, int64(1), wnow, testResetAt.UnixMilli(), wnow, "acme", wnow, int64(1), int64(50)).
		WillReturnRows(sqlmock.NewRows([]string{"current_month_expenses", "expense_counter_reset_at"}).
			AddRow(int64(12), testResetAt.UnixMilli()))

	res, err := s.TryIncrement(context.Background(), IncrementRequest{
		TenantID: "acme", Counter: models.CounterMonthExpenses, Limit: 50, Amount: 1, Window: window, Now: testNow,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(12), res.Current)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TryIncrementRejected(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("UPDATE tenant_accounts SET current_users").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tenant_accounts WHERE tenant_id = $1")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{
			"tenant_id", "tier", "current_projects", "current_month_expenses", "current_users",
			"expense_counter_reset_at", "created_at", "updated_at",
		}).AddRow("acme", "trial", int64(0), int64(0), int64(2), testResetAt.UnixMilli(), testNow.UnixMilli(), testNow.UnixMilli()))

	res, err := s.TryIncrement(context.Background(), IncrementRequest{
		TenantID: "acme", Counter: models.CounterUsers, Limit: 2, Amount: 1, Now: testNow,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(2), res.Current)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TryIncrementUnknownTenant(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("UPDATE tenant_accounts").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT").WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	_, err := s.TryIncrement(context.Background(), IncrementRequest{
		TenantID: "ghost", Counter: models.CounterUsers, Limit: 2, Amount: 1, Now: testNow,
	})
	assert.True(t, qerrors.IsTenantNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DecrementClamps(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE tenant_accounts SET current_projects = CASE WHEN current_projects > CAST($1 AS BIGINT) THEN current_projects - CAST($2 AS BIGINT) ELSE 0 END, "+
			"updated_at = CAST($3 AS BIGINT) WHERE tenant_id = $4 RETURNING current_projects")).
		WithArgs(int64(1), int64(1), testNow.UnixMilli(), "acme").
		WillReturnRows(sqlmock.NewRows([]string{"current_projects"}).AddRow(int64(0)))

	v, err := s.Decrement(context.Background(), "acme", models.CounterProjects, 1, testNow)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateAndSetTier(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (tenant_id) DO NOTHING")).
		WithArgs("acme", "trial", int64(0), int64(0), int64(0), testResetAt.UnixMilli(), testNow.UnixMilli(), testNow.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tenant_accounts SET tier = $1, updated_at = $2 WHERE tenant_id = $3")).
		WithArgs("enterprise", testNow.UnixMilli(), "acme").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tenant_accounts SET tier")).
		WithArgs("enterprise", testNow.UnixMilli(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := s.CreateTenant(context.Background(), newTestAccount("acme"))
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, s.SetTier(context.Background(), "acme", models.TierEnterprise, testNow))
	assert.True(t, qerrors.IsTenantNotFound(s.SetTier(context.Background(), "ghost", models.TierEnterprise, testNow)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("UPDATE tenant_accounts").WillReturnError(sql.ErrConnDone)

	_, err := s.TryIncrement(context.Background(), IncrementRequest{
		TenantID: "acme", Counter: models.CounterProjects, Limit: 3, Amount: 1, Now: testNow,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.False(t, qerrors.IsTenantNotFound(err))
}
