package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
)

var (
	testNow     = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	testResetAt = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

func newTestAccount(id string) *models.TenantAccount {
	return models.NewTenantAccount(id, models.TierTrial, testNow, testResetAt)
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)

		created, err := s.CreateTenant(ctx, newTestAccount("acme"))
		require.NoError(t, err)
		assert.True(t, created)

		again, err := s.CreateTenant(ctx, newTestAccount("acme"))
		require.NoError(t, err)
		assert.False(t, again)

		acct, err := s.GetTenant(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, models.TierTrial, acct.Tier)
		assert.Zero(t, acct.CurrentProjects)
		assert.True(t, testResetAt.Equal(acct.ExpenseCounterResetAt))
		assert.True(t, testNow.Equal(acct.CreatedAt))

		_, err = s.GetTenant(ctx, "missing")
		assert.True(t, qerrors.IsTenantNotFound(err))

		_, err = s.CreateTenant(ctx, &models.TenantAccount{TenantID: "bad"})
		assert.Error(t, err)
	})

	t.Run("increment up to the limit", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateTenant(ctx, newTestAccount("acme"))
		require.NoError(t, err)

		req := IncrementRequest{TenantID: "acme", Counter: models.CounterProjects, Limit: 3, Amount: 1, Now: testNow}
		for i := int64(1); i <= 3; i++ {
			res, err := s.TryIncrement(ctx, req)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, i, res.Current)
		}

		// usage == limit: rejected, value unchanged
		res, err := s.TryIncrement(ctx, req)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, int64(3), res.Current)

		acct, err := s.GetTenant(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(3), acct.CurrentProjects)
	})

	t.Run("amount larger than remaining headroom", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateTenant(ctx, newTestAccount("acme"))
		require.NoError(t, err)

		res, err := s.TryIncrement(ctx, IncrementRequest{TenantID: "acme", Counter: models.CounterUsers, Limit: 2, Amount: 3, Now: testNow})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, int64(0), res.Current)
	})

	t.Run("no limit", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateTenant(ctx, newTestAccount("acme"))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			res, err := s.TryIncrement(ctx, IncrementRequest{TenantID: "acme", Counter: models.CounterUsers, Limit: NoLimit, Amount: 1, Now: testNow})
			require.NoError(t, err)
			assert.True(t, res.Success)
		}
		acct, err := s.GetTenant(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(5), acct.CurrentUsers)
	})

	t.Run("window reset folded into increment", func(t *testing.T) {
		s := newStore(t)
		acct := newTestAccount("acme")
		acct.CurrentMonthExpenses = 50
		_, err := s.CreateTenant(ctx, acct)
		require.NoError(t, err)

		// Before the boundary the stored value still counts.
		before := &models.Window{Now: testResetAt.Add(-time.Millisecond), NextResetAt: testResetAt}
		res, err := s.TryIncrement(ctx, IncrementRequest{TenantID: "acme", Counter: models.CounterMonthExpenses, Limit: 50, Amount: 1, Window: before, Now: testNow})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, int64(50), res.Current)

		// At the boundary the counter restarts and the reset instant advances.
		nextReset := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		at := &models.Window{Now: testResetAt, NextResetAt: nextReset}
		res, err = s.TryIncrement(ctx, IncrementRequest{TenantID: "acme", Counter: models.CounterMonthExpenses, Limit: 50, Amount: 1, Window: at, Now: testResetAt})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, int64(1), res.Current)
		assert.True(t, nextReset.Equal(res.ResetAt))

		got, err := s.GetTenant(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.CurrentMonthExpenses)
		assert.True(t, nextReset.Equal(got.ExpenseCounterResetAt))
	})

	t.Run("rejected increment after window elapsed reports effective usage", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateTenant(ctx, newTestAccount("acme"))
		require.NoError(t, err)

		w := &models.Window{Now: testResetAt, NextResetAt: testResetAt.AddDate(0, 1, 0)}
		res, err := s.TryIncrement(ctx, IncrementRequest{TenantID: "acme", Counter: models.CounterMonthExpenses, Limit: 0, Amount: 1, Window: w, Now: testResetAt})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, int64(0), res.Current)
	})

	t.Run("invalid requests", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateTenant(ctx, newTestAccount("acme"))
		require.NoError(t, err)

		_, err = s.TryIncrement(ctx, IncrementRequest{TenantID: "acme", Counter: "bogus", Limit: 1, Amount: 1})
		assert.Error(t, err)

		w := &models.Window{Now: testNow, NextResetAt: testResetAt}
		_, err = s.TryIncrement(ctx, IncrementRequest{TenantID: "acme", Counter: models.CounterProjects, Limit: 1, Amount: 1, Window: w})
		assert.Error(t, err)

		_, err = s.TryIncrement(ctx, IncrementRequest{TenantID: "missing", Counter: models.CounterProjects, Limit: 1, Amount: 1, Now: testNow})
		assert.True(t, qerrors.IsTenantNotFound(err))
	})

	t.Run("decrement clamps at zero", func(t *testing.T) {
		s := newStore(t)
		acct := newTestAccount("acme")
		acct.CurrentProjects = 2
		_, err := s.CreateTenant(ctx, acct)
		require.NoError(t, err)

		v, err := s.Decrement(ctx, "acme", models.CounterProjects, 1, testNow)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		v, err = s.Decrement(ctx, "acme", models.CounterProjects, 5, testNow)
		require.NoError(t, err)
		assert.Equal(t, int64(0), v)

		v, err = s.Decrement(ctx, "acme", models.CounterProjects, 1, testNow)
		require.NoError(t, err)
		assert.Equal(t, int64(0), v)

		_, err = s.Decrement(ctx, "missing", models.CounterProjects, 1, testNow)
		assert.True(t, qerrors.IsTenantNotFound(err))
	})

	t.Run("tier change keeps counters", func(t *testing.T) {
		s := newStore(t)
		acct := newTestAccount("acme")
		acct.CurrentProjects = 3
		_, err := s.CreateTenant(ctx, acct)
		require.NoError(t, err)

		later := testNow.Add(time.Hour)
		require.NoError(t, s.SetTier(ctx, "acme", models.TierProfessional, later))

		got, err := s.GetTenant(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, models.TierProfessional, got.Tier)
		assert.Equal(t, int64(3), got.CurrentProjects)
		assert.True(t, later.Equal(got.UpdatedAt))

		assert.True(t, qerrors.IsTenantNotFound(s.SetTier(ctx, "missing", models.TierTrial, later)))
	})

	t.Run("list and delete", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"b", "a", "c"} {
			_, err := s.CreateTenant(ctx, newTestAccount(id))
			require.NoError(t, err)
		}

		ids, err := s.ListTenants(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		require.NoError(t, s.DeleteTenant(ctx, "b"))
		assert.True(t, qerrors.IsTenantNotFound(s.DeleteTenant(ctx, "b")))

		ids, err = s.ListTenants(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids)
	})

	t.Run("concurrent increments never exceed the limit", func(t *testing.T) {
		tests := []struct {
			name    string
			callers int
			limit   int64
		}{
			{"exactly enough headroom", 100, 100},
			{"oversubscribed", 150, 100},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := newStore(t)
				_, err := s.CreateTenant(ctx, newTestAccount("acme"))
				require.NoError(t, err)

				var (
					wg        sync.WaitGroup
					succeeded atomic.Int64
					maxSeen   atomic.Int64
				)
				for i := 0; i < tt.callers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						res, err := s.TryIncrement(ctx, IncrementRequest{
							TenantID: "acme", Counter: models.CounterProjects, Limit: tt.limit, Amount: 1, Now: testNow,
						})
						if !assert.NoError(t, err) {
							return
						}
						if res.Success {
							succeeded.Add(1)
							for {
								seen := maxSeen.Load()
								if res.Current <= seen || maxSeen.CompareAndSwap(seen, res.Current) {
									break
								}
							}
						}
					}()
				}
				wg.Wait()

				want := min(int64(tt.callers), tt.limit)
				assert.Equal(t, want, succeeded.Load())
				assert.LessOrEqual(t, maxSeen.Load(), tt.limit)

				acct, err := s.GetTenant(ctx, "acme")
				require.NoError(t, err)
				assert.Equal(t, want, acct.CurrentProjects)
			})
		}
	})

	t.Run("concurrent increments at the window boundary reset once", func(t *testing.T) {
		s := newStore(t)
		acct := newTestAccount("acme")
		acct.CurrentMonthExpenses = 45
		_, err := s.CreateTenant(ctx, acct)
		require.NoError(t, err)

		nextReset := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		at := &models.Window{Now: testResetAt, NextResetAt: nextReset}

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int64
		)
		for i := 0; i < 80; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.TryIncrement(ctx, IncrementRequest{
					TenantID: "acme", Counter: models.CounterMonthExpenses, Limit: 50, Amount: 1, Window: at, Now: testResetAt,
				})
				if !assert.NoError(t, err) {
					return
				}
				if res.Success {
					succeeded.Add(1)
				}
				assert.True(t, nextReset.Equal(res.ResetAt), "reset instant advanced exactly one month")
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(50), succeeded.Load())

		got, err := s.GetTenant(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(50), got.CurrentMonthExpenses)
		assert.True(t, nextReset.Equal(got.ExpenseCounterResetAt))
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}
