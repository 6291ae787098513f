package counter

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/store"
)

var (
	now     = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	resetAt = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

type recordingMetrics struct {
	mu         sync.Mutex
	ops        map[string]int
	storageErr []bool
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{ops: make(map[string]int)}
}

func (m *recordingMetrics) RecordCounterOperation(operation, counter, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[operation+"/"+result]++
}

func (m *recordingMetrics) RecordStorageError(operation string, ambiguous bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageErr = append(m.storageErr, ambiguous)
}

// failingStore fails every mutation with err.
type failingStore struct {
	store.Store
	err   error
	block bool
}

func (f *failingStore) TryIncrement(ctx context.Context, req store.IncrementRequest) (store.IncrementResult, error) {
	if f.block {
		<-ctx.Done()
		return store.IncrementResult{}, fmt.Errorf("query: %w", ctx.Err())
	}
	return store.IncrementResult{}, f.err
}

func (f *failingStore) Decrement(ctx context.Context, tenantID string, c models.Counter, amount int64, now time.Time) (int64, error) {
	return 0, f.err
}

// lostReplyStore applies mutations and then fails as if the reply never arrived.
type lostReplyStore struct {
	*store.MemoryStore
	err error
}

func (s *lostReplyStore) TryIncrement(ctx context.Context, req store.IncrementRequest) (store.IncrementResult, error) {
	if _, err := s.MemoryStore.TryIncrement(ctx, req); err != nil {
		return store.IncrementResult{}, err
	}
	return store.IncrementResult{}, s.err
}

func (s *lostReplyStore) Decrement(ctx context.Context, tenantID string, c models.Counter, amount int64, now time.Time) (int64, error) {
	if _, err := s.MemoryStore.Decrement(ctx, tenantID, c, amount, now); err != nil {
		return 0, err
	}
	return 0, s.err
}

func newSeededEngine(t *testing.T, acct *models.TenantAccount, opts ...Option) (*Engine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	_, err := s.CreateTenant(context.Background(), acct)
	require.NoError(t, err)
	return NewEngine(s, append([]Option{WithClock(func() time.Time { return now })}, opts...)...), s
}

func TestTryIncrement_Boundaries(t *testing.T) {
	tests := []struct {
		name    string
		usage   int64
		limit   int64
		success bool
		current int64
	}{
		{"one below limit succeeds", 2, 3, true, 3},
		{"at limit rejected", 3, 3, false, 3},
		{"zero limit rejects", 0, 0, false, 0},
		{"unlimited always succeeds", 1000, Unlimited, true, 1001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct := models.NewTenantAccount("acme", models.TierTrial, now, resetAt)
			acct.CurrentProjects = tt.usage
			e, _ := newSeededEngine(t, acct)

			res, err := e.TryIncrement(context.Background(), "acme", models.CounterProjects, tt.limit, 1, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.success, res.Success)
			assert.Equal(t, tt.current, res.Current)
		})
	}
}

func TestTryIncrement_InvalidArguments(t *testing.T) {
	e, _ := newSeededEngine(t, models.NewTenantAccount("acme", models.TierTrial, now, resetAt))

	_, err := e.TryIncrement(context.Background(), "acme", models.CounterProjects, 3, 0, nil)
	var invalid *qerrors.ErrInvalidArgument
	assert.True(t, stderrors.As(err, &invalid))

	_, err = e.TryIncrement(context.Background(), "acme", models.CounterProjects, -5, 1, nil)
	assert.True(t, stderrors.As(err, &invalid))

	_, err = e.Decrement(context.Background(), "acme", models.CounterProjects, 0)
	assert.True(t, stderrors.As(err, &invalid))

	_, err = e.TryIncrement(context.Background(), "ghost", models.CounterProjects, 3, 1, nil)
	assert.True(t, qerrors.IsTenantNotFound(err))
}

func TestTryIncrement_Contention(t *testing.T) {
	tests := []struct {
		name    string
		start   int64
		callers int
		limit   int64
	}{
		{"N equals L", 0, 100, 100},
		{"N exceeds L", 0, 150, 100},
		{"partially used", 40, 100, 100},
		{"already over after downgrade", 120, 50, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct := models.NewTenantAccount("acme", models.TierTrial, now, resetAt)
			acct.CurrentUsers = tt.start
			e, s := newSeededEngine(t, acct)

			var (
				wg        sync.WaitGroup
				succeeded atomic.Int64
				overLimit atomic.Bool
			)
			for i := 0; i < tt.callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := e.TryIncrement(context.Background(), "acme", models.CounterUsers, tt.limit, 1, nil)
					if !assert.NoError(t, err) {
						return
					}
					if res.Success {
						succeeded.Add(1)
						if res.Current > tt.limit {
							overLimit.Store(true)
						}
					}
				}()
			}
			wg.Wait()

			want := min(int64(tt.callers), max(0, tt.limit-tt.start))
			assert.Equal(t, want, succeeded.Load())
			assert.False(t, overLimit.Load())

			got, err := s.GetTenant(context.Background(), "acme")
			require.NoError(t, err)
			assert.Equal(t, tt.start+want, got.CurrentUsers)
		})
	}
}

func TestDecrement_FloorClamp(t *testing.T) {
	metrics := newRecordingMetrics()
	acct := models.NewTenantAccount("acme", models.TierTrial, now, resetAt)
	acct.CurrentProjects = 1
	e, _ := newSeededEngine(t, acct, WithMetrics(metrics))

	v, err := e.Decrement(context.Background(), "acme", models.CounterProjects, 1)
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = e.Decrement(context.Background(), "acme", models.CounterProjects, 1)
	require.NoError(t, err)
	assert.Zero(t, v)

	assert.Equal(t, 2, metrics.ops["decrement/applied"])
}

func TestRollWindow(t *testing.T) {
	acct := models.NewTenantAccount("acme", models.TierTrial, now, resetAt)
	acct.CurrentMonthExpenses = 42
	e, s := newSeededEngine(t, acct)

	// Before the boundary nothing changes.
	res, err := e.RollWindow(context.Background(), "acme", models.Window{Now: now, NextResetAt: resetAt})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(42), res.Current)

	next := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	res, err = e.RollWindow(context.Background(), "acme", models.Window{Now: resetAt, NextResetAt: next})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Current)

	got, err := s.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Zero(t, got.CurrentMonthExpenses)
	assert.True(t, next.Equal(got.ExpenseCounterResetAt))
}

func TestStorageFailures(t *testing.T) {
	t.Run("plain failure is retryable", func(t *testing.T) {
		metrics := newRecordingMetrics()
		e := NewEngine(&failingStore{err: stderrors.New("connection refused")}, WithMetrics(metrics))

		_, err := e.TryIncrement(context.Background(), "acme", models.CounterProjects, 3, 1, nil)
		require.Error(t, err)

		var su *qerrors.ErrStorageUnavailable
		require.True(t, stderrors.As(err, &su))
		assert.True(t, su.Retryable())
		assert.Equal(t, []bool{false}, metrics.storageErr)
		assert.Equal(t, 1, metrics.ops["increment/error"])
	})

	t.Run("cancelled mid-flight is ambiguous", func(t *testing.T) {
		e := NewEngine(&failingStore{block: true})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := e.TryIncrement(ctx, "acme", models.CounterProjects, 3, 1, nil)
		require.Error(t, err)
		assert.True(t, qerrors.IsAmbiguous(err))
	})

	t.Run("decrement failure", func(t *testing.T) {
		e := NewEngine(&failingStore{err: stderrors.New("timeout")})
		_, err := e.Decrement(context.Background(), "acme", models.CounterProjects, 1)
		assert.True(t, qerrors.IsStorageUnavailable(err))
		assert.False(t, qerrors.IsAmbiguous(err))
	})
}

func TestStorageFailures_LostReply(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	_, err := mem.CreateTenant(ctx, &models.TenantAccount{TenantID: "acme", Tier: models.TierTrial, ExpenseCounterResetAt: resetAt})
	require.NoError(t, err)

	metrics := newRecordingMetrics()
	timeout := &qerrors.ErrDatabaseQuery{Operation: "try_increment", Err: os.ErrDeadlineExceeded}
	e := NewEngine(&lostReplyStore{MemoryStore: mem, err: timeout}, WithClock(func() time.Time { return now }), WithMetrics(metrics))

	_, err = e.TryIncrement(ctx, "acme", models.CounterProjects, 3, 1, nil)
	require.Error(t, err)

	var su *qerrors.ErrStorageUnavailable
	require.True(t, stderrors.As(err, &su))
	assert.True(t, su.Ambiguous, "increment landed, outcome must be reported unknown")
	assert.False(t, su.Retryable())
	assert.Equal(t, []bool{true}, metrics.storageErr)

	got, err := mem.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.CurrentProjects)

	_, err = e.Decrement(ctx, "acme", models.CounterProjects, 1)
	assert.True(t, qerrors.IsAmbiguous(err))
}
