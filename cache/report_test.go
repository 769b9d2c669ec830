package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/cache"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/domain/store"
	"github.com/warp/booking-engine/report"
)

func newTestCache(t *testing.T, ttl time.Duration) (*cache.Reports, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewReports(client, ttl, zerolog.Nop()), mr
}

func sampleReport() *report.DailyReport {
	return &report.DailyReport{
		Date: "2025-03-10",
		Branches: []report.BranchReport{{
			BranchID:     "b1",
			Appointments: 2,
			TotalRevenue: decimal.RequireFromString("123.45"),
			NetRevenue:   decimal.RequireFromString("100.45"),
		}},
	}
}

func TestReports_SaveLoadWithTTL(t *testing.T) {
	// GIVEN: A report saved with a one-minute TTL
	// WHEN: Loading before and after the TTL elapses
	// THEN: The report comes back intact, then expires
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()
	key := report.CacheKey("2025-03-10", nil)

	c.Save(ctx, key, sampleReport())

	got, ok := c.Load(ctx, key)
	require.True(t, ok)
	require.Len(t, got.Branches, 1)
	assert.Equal(t, domain.BranchID("b1"), got.Branches[0].BranchID)
	assert.True(t, got.Branches[0].TotalRevenue.Equal(decimal.RequireFromString("123.45")))

	mr.FastForward(2 * time.Minute)
	_, ok = c.Load(ctx, key)
	assert.False(t, ok)
}

func TestReports_InvalidateDropsOnlyReports(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, mr.Set("unrelated", "keep"))

	c.Save(ctx, report.CacheKey("2025-03-10", nil), sampleReport())
	c.Save(ctx, report.CacheKey("2025-03-10", []domain.BranchID{"b1"}), sampleReport())
	c.Save(ctx, report.CacheKey("2025-03-11", nil), sampleReport())

	c.Invalidate(ctx)

	_, ok := c.Load(ctx, report.CacheKey("2025-03-10", nil))
	assert.False(t, ok)
	assert.Equal(t, []string{"unrelated"}, mr.Keys())
}

func TestReports_CorruptEntryIsMiss(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	key := report.CacheKey("2025-03-10", nil)
	require.NoError(t, mr.Set(key, "{not json"))

	_, ok := c.Load(context.Background(), key)
	assert.False(t, ok)
}

func TestReports_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	var nilCache *cache.Reports
	_, ok := nilCache.Load(ctx, "k")
	assert.False(t, ok)

	noClient := cache.NewReports(nil, time.Minute, zerolog.Nop())
	noClient.Save(ctx, "k", sampleReport())
	noClient.Invalidate(ctx)
	_, ok = noClient.Load(ctx, "k")
	assert.False(t, ok)

	c, mr := newTestCache(t, 0)
	c.Save(ctx, "k", sampleReport())
	assert.Empty(t, mr.Keys(), "zero TTL disables caching")
}

func TestReports_BehindAggregator(t *testing.T) {
	// GIVEN: An aggregator caching in Redis
	// WHEN: A report is built, then the store changes behind its back
	// THEN: The cached copy is served until an expense write invalidates it
	c, _ := newTestCache(t, time.Minute)
	s := store.NewMemory()
	g := report.NewAggregator(s, time.UTC, c, zerolog.Nop())
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	g.Now = func() time.Time { return now }
	ctx := context.Background()

	first, err := g.Daily(ctx, "2025-03-10")
	require.NoError(t, err)
	assert.Empty(t, first.Branches)

	require.NoError(t, s.InsertExpense(ctx, domain.Expense{ID: "e1", BranchID: "b1", Amount: decimal.NewFromInt(3), Description: "direct", Category: domain.ExpenseOther, Date: now}))
	stale, err := g.Daily(ctx, "2025-03-10")
	require.NoError(t, err)
	assert.Empty(t, stale.Branches, "served from cache")

	admin := domain.Caller{UserID: "admin-1", Role: domain.RoleAdmin}
	_, err = g.RecordExpense(ctx, admin, domain.Expense{BranchID: "b1", Amount: decimal.NewFromInt(4), Description: "via service", Date: now})
	require.NoError(t, err)

	fresh, err := g.Daily(ctx, "2025-03-10")
	require.NoError(t, err)
	require.Len(t, fresh.Branches, 1)
	assert.True(t, fresh.Branches[0].Expenses.Total.Equal(decimal.NewFromInt(7)))
}
