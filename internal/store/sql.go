package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
)

type dialect string

const (
	dialectSQLite   dialect = "sqlite3"
	dialectPostgres dialect = "postgres"
)

// sqlStore implements Store on database/sql. Every counter mutation is one
// UPDATE ... RETURNING statement whose WHERE clause carries the limit check.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

const tenantColumns = `tenant_id, tier, current_projects, current_month_expenses, current_users,
	expense_counter_reset_at, created_at, updated_at`

// rebind converts ? placeholders into $n for PostgreSQL.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) CreateTenant(ctx context.Context, acct *models.TenantAccount) (bool, error) {
	if err := acct.Validate(); err != nil {
		return false, &errors.ErrInvalidArgument{Field: "tenant account", Err: err}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tenant_accounts (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO NOTHING`),
		acct.TenantID, string(acct.Tier),
		acct.CurrentProjects, acct.CurrentMonthExpenses, acct.CurrentUsers,
		toMillis(acct.ExpenseCounterResetAt), toMillis(acct.CreatedAt), toMillis(acct.UpdatedAt),
	)
	if err != nil {
		return false, &errors.ErrDatabaseQuery{Operation: "create tenant", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &errors.ErrDatabaseQuery{Operation: "create tenant", Err: err}
	}
	return n > 0, nil
}

func (s *sqlStore) GetTenant(ctx context.Context, tenantID string) (*models.TenantAccount, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tenantColumns+` FROM tenant_accounts WHERE tenant_id = ?`), tenantID)

	var (
		acct                          models.TenantAccount
		tier                          string
		resetAt, createdAt, updatedAt int64
	)
	err := row.Scan(&acct.TenantID, &tier, &acct.CurrentProjects, &acct.CurrentMonthExpenses, &acct.CurrentUsers,
		&resetAt, &createdAt, &updatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.ErrTenantNotFound{TenantID: tenantID}
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get tenant", Err: err}
	}
	acct.Tier = models.Tier(tier)
	acct.ExpenseCounterResetAt = fromMillis(resetAt)
	acct.CreatedAt = fromMillis(createdAt)
	acct.UpdatedAt = fromMillis(updatedAt)
	return &acct, nil
}

func (s *sqlStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM tenant_accounts ORDER BY tenant_id`)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list tenants", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "list tenants", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list tenants", Err: err}
	}
	return ids, nil
}

func (s *sqlStore) SetTier(ctx context.Context, tenantID string, tier models.Tier, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tenant_accounts SET tier = ?, updated_at = ? WHERE tenant_id = ?`),
		string(tier), toMillis(now), tenantID)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "set tier", Err: err}
	}
	return s.expectRow(res, tenantID, "set tier")
}

func (s *sqlStore) DeleteTenant(ctx context.Context, tenantID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tenant_accounts WHERE tenant_id = ?`), tenantID)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete tenant", Err: err}
	}
	return s.expectRow(res, tenantID, "delete tenant")
}

func (s *sqlStore) expectRow(res sql.Result, tenantID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: op, Err: err}
	}
	if n == 0 {
		return &errors.ErrTenantNotFound{TenantID: tenantID}
	}
	return nil
}

// incrementQuery builds the conditional increment. Column names come from the
// models.Counter whitelist, never from caller input.
func (s *sqlStore) incrementQuery(req IncrementRequest) (string, []interface{}) {
	col := string(req.Counter)
	now := toMillis(req.Now)

	var (
		base  string
		sets  []string
		args  []interface{}
		where []interface{}
	)

	if req.Window != nil {
		wnow := toMillis(req.Window.Now)
		// Both SET expressions read the pre-update row, so the reset and the
		// increment see the same stored reset instant.
		base = fmt.Sprintf("CASE WHEN CAST(? AS BIGINT) >= expense_counter_reset_at THEN 0 ELSE %s END", col)
		sets = append(sets,
			fmt.Sprintf("%s = %s + CAST(? AS BIGINT)", col, base),
			"expense_counter_reset_at = CASE WHEN CAST(? AS BIGINT) >= expense_counter_reset_at THEN CAST(? AS BIGINT) ELSE expense_counter_reset_at END",
		)
		args = append(args, wnow, req.Amount, wnow, toMillis(req.Window.NextResetAt))
		where = append(where, wnow)
	} else {
		base = col
		sets = append(sets, fmt.Sprintf("%s = %s + CAST(? AS BIGINT)", col, col))
		args = append(args, req.Amount)
	}
	sets = append(sets, "updated_at = CAST(? AS BIGINT)")
	args = append(args, now)

	query := fmt.Sprintf("UPDATE tenant_accounts SET %s WHERE tenant_id = ?", strings.Join(sets, ", "))
	args = append(args, req.TenantID)

	if req.Limit != NoLimit {
		query += fmt.Sprintf(" AND %s + CAST(? AS BIGINT) <= CAST(? AS BIGINT)", base)
		args = append(args, where...)
		args = append(args, req.Amount, req.Limit)
	}
	query += fmt.Sprintf(" RETURNING %s, expense_counter_reset_at", col)
	return s.rebind(query), args
}

func (s *sqlStore) TryIncrement(ctx context.Context, req IncrementRequest) (IncrementResult, error) {
	if err := validateIncrement(req); err != nil {
		return IncrementResult{}, err
	}
	query, args := s.incrementQuery(req)

	var current, resetAt int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&current, &resetAt)
	if err == nil {
		return IncrementResult{Success: true, Current: current, ResetAt: fromMillis(resetAt)}, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return IncrementResult{}, &errors.ErrDatabaseQuery{Operation: "try increment", Err: err}
	}

	// No row updated: either the tenant is missing or the limit was reached.
	acct, err := s.GetTenant(ctx, req.TenantID)
	if err != nil {
		return IncrementResult{}, err
	}
	value := acct.Value(req.Counter)
	if req.Window != nil {
		value = acct.EffectiveValue(req.Counter, req.Window.Now)
	}
	return IncrementResult{Success: false, Current: value, ResetAt: acct.ExpenseCounterResetAt}, nil
}

func (s *sqlStore) Decrement(ctx context.Context, tenantID string, counter models.Counter, amount int64, now time.Time) (int64, error) {
	if !counter.Valid() {
		return 0, &errors.ErrInvalidArgument{Field: "counter", Err: errUnknownCounter(counter)}
	}
	col := string(counter)
	query := fmt.Sprintf(
		"UPDATE tenant_accounts SET %s = CASE WHEN %s > CAST(? AS BIGINT) THEN %s - CAST(? AS BIGINT) ELSE 0 END, updated_at = CAST(? AS BIGINT) WHERE tenant_id = ? RETURNING %s",
		col, col, col, col)

	var current int64
	err := s.db.QueryRowContext(ctx, s.rebind(query), amount, amount, toMillis(now), tenantID).Scan(&current)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, &errors.ErrTenantNotFound{TenantID: tenantID}
	}
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "decrement", Err: err}
	}
	return current, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}
