/*
Package report folds a day's settled money into per-branch totals.

PURPOSE:
  Read-only aggregation over what the booking, settlement and instrument
  components persisted. Nothing here changes a booking or an instrument.

SOURCES PER BRANCH AND DAY:
  Revenue           remaining-payment split of completed appointments that
                    start that day and were not settled by an instrument
  AdvancePayments   deposits whose PaidAt falls that day (any status)
  GiftCardSales     cards with PurchaseDate that day, by sale method
  PackageSales      packages with CreatedAt that day, by sale method
  Tips              completed appointments' tips (reported, not revenue)
  Expenses          expenses dated that day

TOTALS:
  TotalRevenue = Revenue + AdvancePayments + GiftCardSales + PackageSales
  NetRevenue   = TotalRevenue - Expenses

CACHING:
  Reports are cached per (date, branches) when a Cache is configured.
  Writes that move money call Invalidate.

SEE ALSO:
  - excel.go: XLSX export of a report
  - cache/report.go: Redis-backed Cache
*/
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/domain"
)

// =============================================================================
// REPORT TYPES
// =============================================================================

// MethodTotals is money broken down by payment method.
type MethodTotals struct {
	Cash     decimal.Decimal `json:"cash"`
	Card     decimal.Decimal `json:"card"`
	Terminal decimal.Decimal `json:"terminal"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}

func (t *MethodTotals) add(s domain.MethodSplit) {
	t.Cash = t.Cash.Add(s.Cash)
	t.Card = t.Card.Add(s.Card)
	t.Terminal = t.Terminal.Add(s.Terminal)
	t.Total = t.Total.Add(s.Total())
	t.Count++
}

type ExpenseTotals struct {
	Total decimal.Decimal  `json:"total"`
	Count int              `json:"count"`
	Items []domain.Expense `json:"items"`
}

type BranchReport struct {
	BranchID        domain.BranchID `json:"branch_id"`
	Revenue         MethodTotals    `json:"revenue"`
	AdvancePayments MethodTotals    `json:"advance_payments"`
	GiftCardSales   MethodTotals    `json:"gift_card_sales"`
	PackageSales    MethodTotals    `json:"package_sales"`
	Tips            MethodTotals    `json:"tips"`
	Expenses        ExpenseTotals   `json:"expenses"`
	Appointments    int             `json:"appointments"`
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	NetRevenue      decimal.Decimal `json:"net_revenue"`
}

type DailyReport struct {
	Date     string         `json:"date"`
	Branches []BranchReport `json:"branches"`
}

// Cache stores finished reports.
type Cache interface {
	Load(ctx context.Context, key string) (*DailyReport, bool)
	Save(ctx context.Context, key string, r *DailyReport)
	Invalidate(ctx context.Context)
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type Aggregator struct {
	Store    domain.Store
	Location *time.Location
	Cache    Cache
	Log      zerolog.Logger
	Now      func() time.Time

	// generation counts invalidations; a build that straddles one is not cached.
	generation atomic.Uint64
}

func NewAggregator(store domain.Store, loc *time.Location, cache Cache, log zerolog.Logger) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{Store: store, Location: loc, Cache: cache, Log: log, Now: time.Now}
}

func (g *Aggregator) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// CacheKey identifies a report in the cache.
func CacheKey(date string, branches []domain.BranchID) string {
	ids := make([]string, len(branches))
	for i, b := range branches {
		ids[i] = string(b)
	}
	sort.Strings(ids)
	scope := strings.Join(ids, ",")
	if scope == "" {
		scope = "all"
	}
	return fmt.Sprintf("report:daily:%s:%s", date, scope)
}

// Daily builds the report of date (YYYY-MM-DD) for the given branches, or
// for every branch with activity when none are given.
func (g *Aggregator) Daily(ctx context.Context, date string, branches ...domain.BranchID) (*DailyReport, error) {
	day, err := domain.ParseDay(date, g.Location)
	if err != nil {
		return nil, err
	}
	key := CacheKey(date, branches)
	if g.Cache != nil {
		if r, ok := g.Cache.Load(ctx, key); ok {
			return r, nil
		}
	}

	gen := g.generation.Load()
	acc := newAccumulator(branches)
	if err := g.collect(ctx, day, branches, acc); err != nil {
		return nil, err
	}
	r := &DailyReport{Date: date, Branches: acc.finish()}

	if g.Cache != nil {
		if g.generation.Load() == gen {
			g.Cache.Save(ctx, key, r)
		} else {
			g.Log.Debug().Str("date", date).Msg("report invalidated while building, not cached")
		}
	}
	g.Log.Debug().Str("date", date).Int("branches", len(r.Branches)).Msg("daily report built")
	return r, nil
}

// Invalidate drops cached reports after a write that moves money.
func (g *Aggregator) Invalidate(ctx context.Context) {
	g.generation.Add(1)
	if g.Cache != nil {
		g.Cache.Invalidate(ctx)
	}
}

func (g *Aggregator) collect(ctx context.Context, day domain.TimeRange, branches []domain.BranchID, acc *accumulator) error {
	scopes := branches
	if len(scopes) == 0 {
		scopes = []domain.BranchID{""}
	}
	for _, b := range scopes {
		appts, err := g.Store.ListAppointments(ctx, domain.AppointmentFilter{BranchID: b, Status: domain.StatusCompleted, From: day.Start, To: day.End})
		if err != nil {
			return fmt.Errorf("list appointments: %w", err)
		}
		for i := range appts {
			acc.appointment(&appts[i])
		}

		advances, err := g.Store.ListAdvancePayments(ctx, b, day.Start, day.End)
		if err != nil {
			return fmt.Errorf("list advance payments: %w", err)
		}
		for _, a := range advances {
			acc.branch(a.BranchID).AdvancePayments.add(domain.SplitOf(a.Advance.Method, a.Advance.Amount))
		}

		cards, err := g.Store.ListGiftCards(ctx, domain.GiftCardFilter{BranchID: b, PurchasedFrom: day.Start, PurchasedTo: day.End})
		if err != nil {
			return fmt.Errorf("list gift cards: %w", err)
		}
		for _, c := range cards {
			acc.branch(c.BranchID).GiftCardSales.add(domain.SplitOf(c.PaymentMethod, c.Price))
		}

		packages, err := g.Store.ListPackages(ctx, domain.PackageFilter{BranchID: b, CreatedFrom: day.Start, CreatedTo: day.End})
		if err != nil {
			return fmt.Errorf("list packages: %w", err)
		}
		for _, p := range packages {
			acc.branch(p.BranchID).PackageSales.add(domain.SplitOf(p.PaymentMethod, p.Price))
		}

		expenses, err := g.Store.ListExpenses(ctx, domain.ExpenseFilter{BranchID: b, From: day.Start, To: day.End})
		if err != nil {
			return fmt.Errorf("list expenses: %w", err)
		}
		for _, e := range expenses {
			br := acc.branch(e.BranchID)
			br.Expenses.Total = br.Expenses.Total.Add(e.Amount)
			br.Expenses.Count++
			br.Expenses.Items = append(br.Expenses.Items, e)
		}
	}
	return nil
}

// =============================================================================
// ACCUMULATOR
// =============================================================================

type accumulator struct {
	byBranch map[domain.BranchID]*BranchReport
	order    []domain.BranchID
}

func newAccumulator(branches []domain.BranchID) *accumulator {
	acc := &accumulator{byBranch: make(map[domain.BranchID]*BranchReport)}
	for _, b := range branches {
		acc.branch(b)
	}
	return acc
}

func (acc *accumulator) branch(id domain.BranchID) *BranchReport {
	br, ok := acc.byBranch[id]
	if !ok {
		br = &BranchReport{BranchID: id}
		acc.byBranch[id] = br
		acc.order = append(acc.order, id)
	}
	return br
}

func (acc *accumulator) appointment(a *domain.Appointment) {
	br := acc.branch(a.BranchID)
	br.Appointments++
	if !a.PaymentType.IsInstrument() && a.Remaining != nil {
		br.Revenue.add(a.Remaining.MethodSplit)
	}
	if a.Tips != nil {
		br.Tips.add(a.Tips.Methods)
	}
}

func (acc *accumulator) finish() []BranchReport {
	sort.Slice(acc.order, func(i, j int) bool { return acc.order[i] < acc.order[j] })
	out := make([]BranchReport, 0, len(acc.order))
	for _, id := range acc.order {
		br := acc.byBranch[id]
		br.TotalRevenue = br.Revenue.Total.
			Add(br.AdvancePayments.Total).
			Add(br.GiftCardSales.Total).
			Add(br.PackageSales.Total)
		br.NetRevenue = br.TotalRevenue.Sub(br.Expenses.Total)
		out = append(out, *br)
	}
	return out
}
