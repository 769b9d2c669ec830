package report_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/domain/store"
	"github.com/warp/booking-engine/factory"
	"github.com/warp/booking-engine/instrument"
	"github.com/warp/booking-engine/report"
	"github.com/warp/booking-engine/settlement"
	"github.com/xuri/excelize/v2"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	admin = domain.Caller{UserID: "admin-1", Role: domain.RoleAdmin}
	desk  = domain.Caller{UserID: "rec-1", Role: domain.RoleReceptionist, BranchID: "b1"}
	day   = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)
)

// mapCache is an in-process report.Cache.
type mapCache struct {
	mu    sync.Mutex
	items map[string]*report.DailyReport
	saves int
}

func newMapCache() *mapCache { return &mapCache{items: make(map[string]*report.DailyReport)} }

func (c *mapCache) Load(_ context.Context, key string) (*report.DailyReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[key]
	return r, ok
}

func (c *mapCache) Save(_ context.Context, key string, r *report.DailyReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = r
	c.saves++
}

func (c *mapCache) Invalidate(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*report.DailyReport)
}

func (c *mapCache) saveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

func at(hour int) time.Time {
	return time.Date(2025, time.March, 10, hour, 0, 0, 0, time.UTC)
}

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// seedDay books, settles and sells a day of activity at b1 and records one
// expense at each of b1 and b2.
func seedDay(t *testing.T, s *store.Memory, g *report.Aggregator) {
	t.Helper()
	ctx := context.Background()
	now := func() time.Time { return day }

	bookings := booking.NewManager(s, booking.NewDiscountTable(time.UTC), zerolog.Nop())
	bookings.Now = now
	engine := settlement.NewEngine(s, zerolog.Nop())
	engine.Now = now
	ledger := instrument.NewLedger(s, factory.DefaultPricing(), zerolog.Nop())
	ledger.Now = now

	create := func(hour int, price int64, advance *booking.AdvanceInput) *domain.Appointment {
		a, err := bookings.Create(ctx, desk, booking.CreateInput{
			CustomerID: "c1", StaffID: "s1", BranchID: "b1", ServiceID: "massage",
			Duration: 60, Price: money(price), Start: at(hour), Advance: advance,
		})
		require.NoError(t, err)
		return a
	}

	// 100 with a 40 card advance, rest split 40 cash + 20 card, 5 cash tip
	a := create(10, 100, &booking.AdvanceInput{Amount: money(40), Method: domain.MethodCard})
	_, err := engine.Complete(ctx, desk, a.ID, settlement.Request{
		Payments: &domain.MethodSplit{Cash: money(40), Card: money(20)},
		Tips:     &domain.MethodSplit{Cash: money(5)},
	})
	require.NoError(t, err)

	// 50 paid cash
	b := create(11, 50, nil)
	_, err = engine.Complete(ctx, desk, b.ID, settlement.Request{Method: domain.MethodCash})
	require.NoError(t, err)

	// 30 cash advance on a booking that is later cancelled
	c := create(14, 80, &booking.AdvanceInput{Amount: money(30), Method: domain.MethodCash})
	_, err = bookings.Cancel(ctx, desk, c.ID, "no show")
	require.NoError(t, err)

	// gift card sold for 25 by card, then redeemed
	card, err := ledger.IssueGiftCard(ctx, desk, factory.GiftCardSale{
		BranchID: "b1", PaymentMethod: "card",
		Services: []factory.ServiceJSON{{ServiceID: "facial", Duration: 30, Price: money(20)}},
	})
	require.NoError(t, err)
	d := create(16, 20, nil)
	_, err = engine.Complete(ctx, desk, d.ID, settlement.Request{PaymentType: domain.PaymentGiftCard, InstrumentCode: card.Code})
	require.NoError(t, err)

	// 2-visit package sold for 18 cash
	_, err = ledger.SellPackage(ctx, desk, factory.PackageSale{
		CustomerID: "c1", BranchID: "b1", ServiceID: "massage", Duration: 60,
		UnitPrice: money(10), Visits: 2, PaymentMethod: "cash",
	})
	require.NoError(t, err)

	_, err = g.RecordExpense(ctx, admin, domain.Expense{BranchID: "b1", Amount: money(15), Description: "towels", Category: domain.ExpenseSupplies, Date: at(12)})
	require.NoError(t, err)
	_, err = g.RecordExpense(ctx, admin, domain.Expense{BranchID: "b2", Amount: money(10), Description: "bulbs", Date: at(12)})
	require.NoError(t, err)
}

func newTestAggregator(t *testing.T, cache report.Cache) (*report.Aggregator, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	g := report.NewAggregator(s, time.UTC, cache, zerolog.Nop())
	g.Now = func() time.Time { return day }
	t.Cleanup(func() { _ = s.Reset(context.Background()) })
	return g, s
}

// =============================================================================
// DAILY REPORT
// =============================================================================

func TestDaily_Totals(t *testing.T) {
	// GIVEN: A day of bookings, sales and expenses at b1, one expense at b2
	// WHEN: Building the all-branch report
	// THEN: Revenue counts only money settlements; advances, card and package
	//       sales add to the total; tips stay out; expenses come off the net
	g, s := newTestAggregator(t, nil)
	seedDay(t, s, g)

	r, err := g.Daily(context.Background(), "2025-03-10")
	require.NoError(t, err)
	require.Len(t, r.Branches, 2)

	b1 := r.Branches[0]
	assert.Equal(t, domain.BranchID("b1"), b1.BranchID)
	assert.Equal(t, 3, b1.Appointments)
	assert.True(t, b1.Revenue.Cash.Equal(money(90)), "cash %s", b1.Revenue.Cash)
	assert.True(t, b1.Revenue.Card.Equal(money(20)))
	assert.True(t, b1.Revenue.Total.Equal(money(110)))
	assert.True(t, b1.AdvancePayments.Total.Equal(money(70)), "cancelled bookings keep their advance")
	assert.True(t, b1.GiftCardSales.Total.Equal(money(25)))
	assert.True(t, b1.PackageSales.Total.Equal(money(18)))
	assert.True(t, b1.Tips.Total.Equal(money(5)))
	assert.True(t, b1.TotalRevenue.Equal(money(223)), "total %s", b1.TotalRevenue)
	assert.True(t, b1.NetRevenue.Equal(money(208)))

	b2 := r.Branches[1]
	assert.Equal(t, domain.BranchID("b2"), b2.BranchID)
	assert.True(t, b2.NetRevenue.Equal(money(-10)))
	require.Len(t, b2.Expenses.Items, 1)
	assert.Equal(t, domain.ExpenseOther, b2.Expenses.Items[0].Category)
}

func TestDaily_BranchScope(t *testing.T) {
	g, s := newTestAggregator(t, nil)
	seedDay(t, s, g)

	r, err := g.Daily(context.Background(), "2025-03-10", "b2")
	require.NoError(t, err)
	require.Len(t, r.Branches, 1)
	assert.Equal(t, domain.BranchID("b2"), r.Branches[0].BranchID)

	empty, err := g.Daily(context.Background(), "2025-03-11", "b1")
	require.NoError(t, err)
	require.Len(t, empty.Branches, 1, "requested branches appear even without activity")
	assert.True(t, empty.Branches[0].TotalRevenue.IsZero())
}

func TestDaily_BadDate(t *testing.T) {
	g, _ := newTestAggregator(t, nil)
	_, err := g.Daily(context.Background(), "10.03.2025")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDaily_CachedUntilInvalidated(t *testing.T) {
	// GIVEN: A cached report
	// WHEN: An expense is recorded
	// THEN: The next report is rebuilt and includes it
	cache := newMapCache()
	g, _ := newTestAggregator(t, cache)
	ctx := context.Background()

	first, err := g.Daily(ctx, "2025-03-10")
	require.NoError(t, err)
	assert.Empty(t, first.Branches)
	_, ok := cache.Load(ctx, report.CacheKey("2025-03-10", nil))
	assert.True(t, ok)

	_, err = g.RecordExpense(ctx, admin, domain.Expense{BranchID: "b1", Amount: money(7), Description: "soap", Date: at(9)})
	require.NoError(t, err)

	second, err := g.Daily(ctx, "2025-03-10")
	require.NoError(t, err)
	require.Len(t, second.Branches, 1)
	assert.True(t, second.Branches[0].Expenses.Total.Equal(money(7)))
}

// interleavingStore runs onExpenses once, right after the expenses of a
// report build have been read, to land a write in the middle of the build.
type interleavingStore struct {
	domain.Store
	once       sync.Once
	onExpenses func()
}

func (s *interleavingStore) ListExpenses(ctx context.Context, f domain.ExpenseFilter) ([]domain.Expense, error) {
	out, err := s.Store.ListExpenses(ctx, f)
	s.once.Do(s.onExpenses)
	return out, err
}

func TestDaily_InvalidatedDuringBuild_NotCached(t *testing.T) {
	// GIVEN: A build that has already read the day's expenses
	// WHEN: An expense is recorded before the build finishes
	// THEN: The stale build is returned but not cached, and the next
	//       request sees both expenses
	cache := newMapCache()
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.InsertExpense(ctx, domain.Expense{ID: "e1", BranchID: "b1", Amount: money(3), Description: "soap", Category: domain.ExpenseOther, Date: at(9)}))

	wrapped := &interleavingStore{Store: mem}
	g := report.NewAggregator(wrapped, time.UTC, cache, zerolog.Nop())
	g.Now = func() time.Time { return day }
	wrapped.onExpenses = func() {
		_, err := g.RecordExpense(ctx, admin, domain.Expense{BranchID: "b1", Amount: money(4), Description: "towels", Date: at(10)})
		require.NoError(t, err)
	}

	stale, err := g.Daily(ctx, "2025-03-10")
	require.NoError(t, err)
	require.Len(t, stale.Branches, 1)
	assert.Equal(t, 1, stale.Branches[0].Expenses.Count)
	assert.Equal(t, 0, cache.saveCount())

	fresh, err := g.Daily(ctx, "2025-03-10")
	require.NoError(t, err)
	require.Len(t, fresh.Branches, 1)
	assert.Equal(t, 2, fresh.Branches[0].Expenses.Count)
	assert.Equal(t, 1, cache.saveCount())
}

func TestCacheKey_OrderIndependent(t *testing.T) {
	assert.Equal(t, report.CacheKey("2025-03-10", []domain.BranchID{"b2", "b1"}), report.CacheKey("2025-03-10", []domain.BranchID{"b1", "b2"}))
	assert.Equal(t, "report:daily:2025-03-10:all", report.CacheKey("2025-03-10", nil))
}

// =============================================================================
// EXPENSES
// =============================================================================

func TestRecordExpense_Rules(t *testing.T) {
	g, _ := newTestAggregator(t, nil)
	ctx := context.Background()

	_, err := g.RecordExpense(ctx, desk, domain.Expense{BranchID: "b2", Amount: money(5), Description: "x"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "receptionists record for their own branch only")

	e, err := g.RecordExpense(ctx, desk, domain.Expense{BranchID: "b1", Amount: money(5), Description: " tea "})
	require.NoError(t, err)
	assert.Equal(t, "tea", e.Description)
	assert.Equal(t, day, e.Date)
	assert.Equal(t, domain.ExpenseOther, e.Category)

	_, err = g.RecordExpense(ctx, admin, domain.Expense{BranchID: "b1", Amount: money(-1), Description: "refund"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.ErrorIs(t, g.DeleteExpense(ctx, desk, e.ID), domain.ErrUnauthorized)
	require.NoError(t, g.DeleteExpense(ctx, admin, e.ID))
	list, err := g.ListExpenses(ctx, domain.ExpenseFilter{BranchID: "b1"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

// =============================================================================
// EXPORT AND WARMER
// =============================================================================

func TestWriteXLSX(t *testing.T) {
	g, s := newTestAggregator(t, nil)
	seedDay(t, s, g)
	r, err := g.Daily(context.Background(), "2025-03-10")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WriteXLSX(&buf, r))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	summary, err := f.GetRows("Summary")
	require.NoError(t, err)
	require.Len(t, summary, 3)
	assert.Equal(t, "Branch", summary[0][0])
	assert.Equal(t, "b1", summary[1][0])
	assert.Equal(t, "223", summary[1][10])

	expenses, err := f.GetRows("Expenses")
	require.NoError(t, err)
	require.Len(t, expenses, 3)
	assert.Equal(t, "towels", expenses[1][3])
}

func TestWarmer_RunNowFillsCache(t *testing.T) {
	cache := newMapCache()
	g, _ := newTestAggregator(t, cache)

	w := report.NewWarmer(g, 0, zerolog.Nop())
	w.RunNow(context.Background())

	_, ok := cache.Load(context.Background(), report.CacheKey("2025-03-10", nil))
	assert.True(t, ok)
}

func TestWarmer_StartStop(t *testing.T) {
	// GIVEN: A warmer ticking every 10ms
	// WHEN: It runs and the cache keeps getting invalidated
	// THEN: It rebuilds repeatedly until stopped
	cache := newMapCache()
	g, _ := newTestAggregator(t, cache)
	w := report.NewWarmer(g, 10*time.Millisecond, zerolog.Nop())

	w.Start()
	assert.Eventually(t, func() bool {
		cache.Invalidate(context.Background())
		return cache.saveCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	stopped := cache.saveCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, cache.saveCount())
}

func TestWarmer_ZeroIntervalIdle(t *testing.T) {
	cache := newMapCache()
	g, _ := newTestAggregator(t, cache)
	w := report.NewWarmer(g, 0, zerolog.Nop())

	w.Start()
	w.Stop()
	assert.Zero(t, cache.saveCount())
}
