package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
)

// Tenant accounts are hashes at <prefix>tenant:<id>; <prefix>tenants is the id set.
// Every mutation is a Lua script, which Redis executes atomically.

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'tenant_id', ARGV[1],
	'tier', ARGV[2],
	'current_projects', ARGV[3],
	'current_month_expenses', ARGV[4],
	'current_users', ARGV[5],
	'expense_counter_reset_at', ARGV[6],
	'created_at', ARGV[7],
	'updated_at', ARGV[8])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// tryIncrementScript returns {status, value, reset_at}: status 1 applied,
// 0 rejected by the limit, -1 tenant missing.
var tryIncrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0, 0}
end
local field = ARGV[1]
local amount = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local windowed = ARGV[4] == '1'
local now = tonumber(ARGV[5])
local next_reset = tonumber(ARGV[6])
local updated = ARGV[7]

local stored_reset = tonumber(redis.call('HGET', KEYS[1], 'expense_counter_reset_at') or '0')
local current = tonumber(redis.call('HGET', KEYS[1], field) or '0')
local reset_at = stored_reset
if windowed and now >= stored_reset then
	current = 0
	reset_at = next_reset
end

if limit >= 0 and current + amount > limit then
	return {0, current, stored_reset}
end

redis.call('HSET', KEYS[1], field, current + amount, 'expense_counter_reset_at', reset_at, 'updated_at', updated)
return {1, current + amount, reset_at}
`)

var decrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local amount = tonumber(ARGV[2])
local value = 0
if current > amount then
	value = current - amount
end
redis.call('HSET', KEYS[1], ARGV[1], value, 'updated_at', ARGV[3])
return value
`)

var setTierScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'tier', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// RedisStore keeps tenant accounts in Redis hashes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	URL            string
	KeyPrefix      string
	RetryAttempts  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

// ConnectRedis parses the URL and pings the server, retrying until it answers.
func ConnectRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	connOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: "redis", Err: err}
	}

	var lastErr error
	for range opts.RetryAttempts {
		client := redis.NewClient(connOpts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return NewRedisStore(client, opts.KeyPrefix), nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, &errors.ErrDatabaseOpen{Path: "redis", Err: stderrors.Join(lastErr, ctx.Err())}
		case <-time.After(opts.RetryInterval):
		}
	}
	return nil, &errors.ErrDatabaseOpen{Path: "redis", Err: lastErr}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) tenantKey(id string) string {
	return s.prefix + "tenant:" + id
}

func (s *RedisStore) setKey() string {
	return s.prefix + "tenants"
}

func (s *RedisStore) CreateTenant(ctx context.Context, acct *models.TenantAccount) (bool, error) {
	if err := acct.Validate(); err != nil {
		return false, &errors.ErrInvalidArgument{Field: "tenant account", Err: err}
	}
	n, err := createScript.Run(ctx, s.client, []string{s.tenantKey(acct.TenantID), s.setKey()},
		acct.TenantID, string(acct.Tier),
		acct.CurrentProjects, acct.CurrentMonthExpenses, acct.CurrentUsers,
		toMillis(acct.ExpenseCounterResetAt), toMillis(acct.CreatedAt), toMillis(acct.UpdatedAt),
	).Int64()
	if err != nil {
		return false, &errors.ErrDatabaseQuery{Operation: "create tenant", Err: err}
	}
	return n == 1, nil
}

func (s *RedisStore) GetTenant(ctx context.Context, tenantID string) (*models.TenantAccount, error) {
	fields, err := s.client.HGetAll(ctx, s.tenantKey(tenantID)).Result()
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get tenant", Err: err}
	}
	if len(fields) == 0 {
		return nil, &errors.ErrTenantNotFound{TenantID: tenantID}
	}

	acct := &models.TenantAccount{
		TenantID: tenantID,
		Tier:     models.Tier(fields["tier"]),
	}
	ints := map[string]*int64{}
	var resetAt, createdAt, updatedAt int64
	ints["current_projects"] = &acct.CurrentProjects
	ints["current_month_expenses"] = &acct.CurrentMonthExpenses
	ints["current_users"] = &acct.CurrentUsers
	ints["expense_counter_reset_at"] = &resetAt
	ints["created_at"] = &createdAt
	ints["updated_at"] = &updatedAt
	for name, dst := range ints {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "get tenant", Err: fmt.Errorf("field %s: %w", name, err)}
		}
		*dst = v
	}
	acct.ExpenseCounterResetAt = fromMillis(resetAt)
	acct.CreatedAt = fromMillis(createdAt)
	acct.UpdatedAt = fromMillis(updatedAt)
	return acct, nil
}

func (s *RedisStore) ListTenants(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list tenants", Err: err}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) SetTier(ctx context.Context, tenantID string, tier models.Tier, now time.Time) error {
	n, err := setTierScript.Run(ctx, s.client, []string{s.tenantKey(tenantID)}, string(tier), toMillis(now)).Int64()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "set tier", Err: err}
	}
	if n == 0 {
		return &errors.ErrTenantNotFound{TenantID: tenantID}
	}
	return nil
}

func (s *RedisStore) DeleteTenant(ctx context.Context, tenantID string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.tenantKey(tenantID))
		pipe.SRem(ctx, s.setKey(), tenantID)
		return nil
	})
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete tenant", Err: err}
	}
	if del.Val() == 0 {
		return &errors.ErrTenantNotFound{TenantID: tenantID}
	}
	return nil
}

func (s *RedisStore) TryIncrement(ctx context.Context, req IncrementRequest) (IncrementResult, error) {
	if err := validateIncrement(req); err != nil {
		return IncrementResult{}, err
	}
	windowed, now, next := "0", int64(0), int64(0)
	if req.Window != nil {
		windowed = "1"
		now = toMillis(req.Window.Now)
		next = toMillis(req.Window.NextResetAt)
	}

	vals, err := tryIncrementScript.Run(ctx, s.client, []string{s.tenantKey(req.TenantID)},
		string(req.Counter), req.Amount, req.Limit, windowed, now, next, toMillis(req.Now),
	).Int64Slice()
	if err != nil {
		return IncrementResult{}, &errors.ErrDatabaseQuery{Operation: "try increment", Err: err}
	}
	if len(vals) != 3 {
		return IncrementResult{}, &errors.ErrDatabaseQuery{Operation: "try increment", Err: fmt.Errorf("unexpected script reply %v", vals)}
	}

	switch vals[0] {
	case -1:
		return IncrementResult{}, &errors.ErrTenantNotFound{TenantID: req.TenantID}
	case 0:
		return IncrementResult{Success: false, Current: vals[1], ResetAt: fromMillis(vals[2])}, nil
	default:
		return IncrementResult{Success: true, Current: vals[1], ResetAt: fromMillis(vals[2])}, nil
	}
}

func (s *RedisStore) Decrement(ctx context.Context, tenantID string, counter models.Counter, amount int64, now time.Time) (int64, error) {
	if !counter.Valid() {
		return 0, &errors.ErrInvalidArgument{Field: "counter", Err: errUnknownCounter(counter)}
	}
	n, err := decrementScript.Run(ctx, s.client, []string{s.tenantKey(tenantID)}, string(counter), amount, toMillis(now)).Int64()
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "decrement", Err: err}
	}
	if n < 0 {
		return 0, &errors.ErrTenantNotFound{TenantID: tenantID}
	}
	return n, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
