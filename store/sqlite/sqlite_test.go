package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/factory"
	"github.com/warp/booking-engine/instrument"
	"github.com/warp/booking-engine/report"
	"github.com/warp/booking-engine/settlement"
	"github.com/warp/booking-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var desk = domain.Caller{UserID: "rec-1", Role: domain.RoleReceptionist, BranchID: "b1"}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func at(hh, mm int) time.Time {
	return time.Date(2025, time.March, 10, hh, mm, 0, 0, time.UTC)
}

func appointment(id string, start time.Time) *domain.Appointment {
	return &domain.Appointment{
		ID: domain.AppointmentID(id), CustomerID: "c1", StaffID: "s1", BranchID: "b1", ServiceID: "massage",
		Duration: 60, Start: start, End: start.Add(time.Hour), Price: decimal.NewFromInt(100),
		Status: domain.StatusScheduled, CreatedAt: start, UpdatedAt: start,
	}
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

func TestAppointment_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := appointment("a1", at(10, 0))
	a.Advance = &domain.AdvancePayment{Amount: decimal.RequireFromString("40.50"), Method: domain.MethodCard, PaidAt: at(8, 0)}
	a.Discount = &domain.Discount{Percent: decimal.NewFromInt(10), Amount: decimal.NewFromInt(10), OriginalPrice: decimal.NewFromInt(110)}
	a.Notes = "first visit"
	require.NoError(t, s.InsertAppointment(ctx, a))
	assert.Equal(t, 1, a.Version)

	got, err := s.GetAppointment(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.Start.Equal(at(10, 0)))
	assert.True(t, got.Price.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, got.Advance)
	assert.True(t, got.Advance.Amount.Equal(decimal.RequireFromString("40.50")))
	assert.True(t, got.Advance.PaidAt.Equal(at(8, 0)))
	require.NotNil(t, got.Discount)
	assert.True(t, got.Discount.OriginalPrice.Equal(decimal.NewFromInt(110)))
	assert.Equal(t, "first visit", got.Notes)
	assert.Equal(t, 1, got.Version)

	_, err = s.GetAppointment(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppointment_TriggerRejectsOverlap(t *testing.T) {
	// GIVEN: s1 booked 10:00-11:00 at b1
	// WHEN: Inserting straight into the table, bypassing the service pre-check
	// THEN: The overlap trigger turns 10:30 into a ConflictError; 11:00 passes
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertAppointment(ctx, appointment("a1", at(10, 0))))

	err := s.InsertAppointment(ctx, appointment("a2", at(10, 30)))
	assert.ErrorIs(t, err, domain.ErrConflict)

	assert.NoError(t, s.InsertAppointment(ctx, appointment("a3", at(11, 0))))

	other := appointment("a4", at(10, 0))
	other.BranchID = "b2"
	assert.NoError(t, s.InsertAppointment(ctx, other), "another branch is another calendar")
}

func TestAppointment_CancelledFreesSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := appointment("a1", at(10, 0))
	require.NoError(t, s.InsertAppointment(ctx, a))

	a.Status = domain.StatusCancelled
	require.NoError(t, s.UpdateAppointment(ctx, a))

	assert.NoError(t, s.InsertAppointment(ctx, appointment("a2", at(10, 0))))

	a.Status = domain.StatusScheduled
	err := s.UpdateAppointment(ctx, a)
	assert.ErrorIs(t, err, domain.ErrConflict, "un-cancelling into a taken slot is refused")
}

func TestAppointment_StaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertAppointment(ctx, appointment("a1", at(10, 0))))

	first, err := s.GetAppointment(ctx, "a1")
	require.NoError(t, err)
	second, err := s.GetAppointment(ctx, "a1")
	require.NoError(t, err)

	first.Notes = "one"
	require.NoError(t, s.UpdateAppointment(ctx, first))
	assert.Equal(t, 2, first.Version)

	second.Notes = "two"
	assert.ErrorIs(t, s.UpdateAppointment(ctx, second), domain.ErrStaleWrite)

	ghost := appointment("ghost", at(15, 0))
	ghost.Version = 1
	assert.ErrorIs(t, s.UpdateAppointment(ctx, ghost), domain.ErrNotFound)
}

func TestListAppointments_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertAppointment(ctx, appointment("a1", at(10, 0))))
	require.NoError(t, s.InsertAppointment(ctx, appointment("a2", at(12, 0))))
	next := appointment("a3", at(10, 0).AddDate(0, 0, 1))
	require.NoError(t, s.InsertAppointment(ctx, next))

	day, err := domain.ParseDay("2025-03-10", time.UTC)
	require.NoError(t, err)
	list, err := s.ListAppointments(ctx, domain.AppointmentFilter{BranchID: "b1", From: day.Start, To: day.End})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.AppointmentID("a1"), list[0].ID)

	busy, err := s.FindOverlapping(ctx, "s1", "b1", domain.TimeRange{Start: at(10, 30), End: at(12, 30)}, "a2")
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, domain.AppointmentID("a1"), busy[0].ID)
}

func TestWithTx_Rollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx domain.Store) error {
		if err := tx.InsertAppointment(ctx, appointment("a1", at(10, 0))); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetAppointment(ctx, "a1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// =============================================================================
// SERVICES OVER SQLITE
// =============================================================================

func TestServices_EndToEnd(t *testing.T) {
	// GIVEN: Booking, settlement, instrument and report services on SQLite
	// WHEN: Selling a card, booking twice and settling by card and by split
	// THEN: Everything persists and the daily report adds up
	s := newTestStore(t)
	ctx := context.Background()
	now := func() time.Time { return at(8, 0) }

	bookings := booking.NewManager(s, booking.NewDiscountTable(time.UTC), zerolog.Nop())
	bookings.Now = now
	engine := settlement.NewEngine(s, zerolog.Nop())
	engine.Now = now
	ledger := instrument.NewLedger(s, factory.DefaultPricing(), zerolog.Nop())
	ledger.Now = now
	reports := report.NewAggregator(s, time.UTC, nil, zerolog.Nop())

	card, err := ledger.IssueGiftCard(ctx, desk, factory.GiftCardSale{
		BranchID: "b1", PaymentMethod: "terminal",
		Services: []factory.ServiceJSON{
			{ServiceID: "massage", Duration: 60, Price: decimal.NewFromInt(100)},
			{ServiceID: "facial", Duration: 30, Price: decimal.NewFromInt(45)},
		},
	})
	require.NoError(t, err)

	a, err := bookings.Create(ctx, desk, booking.CreateInput{
		CustomerID: "c1", StaffID: "s1", BranchID: "b1", ServiceID: "massage", Duration: 60,
		Price: decimal.NewFromInt(100), Start: at(10, 0),
		Advance: &booking.AdvanceInput{Amount: decimal.NewFromInt(40), Method: domain.MethodCard},
	})
	require.NoError(t, err)
	_, err = engine.Complete(ctx, desk, a.ID, settlement.Request{Payments: &domain.MethodSplit{Cash: decimal.NewFromInt(40), Card: decimal.NewFromInt(20)}})
	require.NoError(t, err)

	b, err := bookings.Create(ctx, desk, booking.CreateInput{
		CustomerID: "c2", StaffID: "s1", BranchID: "b1", ServiceID: "facial", Duration: 30,
		Price: decimal.NewFromInt(45), Start: at(11, 0),
	})
	require.NoError(t, err)
	_, err = engine.Complete(ctx, desk, b.ID, settlement.Request{PaymentType: domain.PaymentGiftCard, InstrumentCode: card.Code, GrantIndex: intPtr(1)})
	require.NoError(t, err)

	stored, err := s.GetGiftCard(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.ShapeMulti, stored.Redeemable.Shape())
	assert.Equal(t, []int{0}, stored.Redeemable.AvailableGrants())
	assert.False(t, stored.IsUsed)

	settled, err := s.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentMixed, settled.PaymentType)
	require.NotNil(t, settled.Remaining)
	assert.True(t, settled.Remaining.Cash.Equal(decimal.NewFromInt(40)))

	r, err := reports.Daily(ctx, "2025-03-10")
	require.NoError(t, err)
	require.Len(t, r.Branches, 1)
	b1 := r.Branches[0]
	assert.Equal(t, 2, b1.Appointments)
	assert.True(t, b1.Revenue.Total.Equal(decimal.NewFromInt(60)))
	assert.True(t, b1.AdvancePayments.Total.Equal(decimal.NewFromInt(40)))
	assert.True(t, b1.GiftCardSales.Terminal.Equal(decimal.NewFromInt(155)))
	assert.True(t, b1.TotalRevenue.Equal(decimal.NewFromInt(255)))

	audit, err := s.ListAudit(ctx, string(a.ID))
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, domain.AuditAppointmentCreated, audit[0].Action)
	assert.Equal(t, domain.AuditAppointmentCompleted, audit[1].Action)
}

func TestGiftCard_LegacySingleShape(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	legacy := &domain.GiftCard{
		Code: "GCLEGACY0001", BranchID: "b1", PurchaseDate: at(9, 0), Price: decimal.NewFromInt(50),
		PaymentMethod: domain.MethodCash,
		Redeemable:    domain.RestoreRedeemable(domain.ShapeSingle, []domain.Grant{{ServiceID: "massage", Duration: 60}}),
	}
	require.NoError(t, s.InsertGiftCard(ctx, legacy))

	got, err := s.GetGiftCard(ctx, "GCLEGACY0001")
	require.NoError(t, err)
	assert.Equal(t, domain.ShapeSingle, got.Redeemable.Shape())

	exists, err := s.GiftCardExists(ctx, "GCLEGACY0001")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.ErrorIs(t, s.InsertGiftCard(ctx, legacy), domain.ErrValidation, "card numbers are unique")
}

func TestPackage_ConsumeAndBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ledger := instrument.NewLedger(s, factory.DefaultPricing(), zerolog.Nop())
	ledger.Now = func() time.Time { return at(9, 0) }

	p, err := ledger.SellPackage(ctx, desk, factory.PackageSale{
		CustomerID: "c1", BranchID: "b1", ServiceID: "massage", Duration: 60,
		UnitPrice: decimal.NewFromInt(50), Visits: 1, PaymentMethod: "cash",
	})
	require.NoError(t, err)
	used, err := ledger.UseVisit(ctx, desk, p.ID, "a1")
	require.NoError(t, err)
	assert.False(t, used.IsActive)

	stored, err := s.GetPackage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.RemainingVisits)
	require.Len(t, stored.Visits, 1)
	assert.Equal(t, domain.AppointmentID("a1"), stored.Visits[0].AppointmentID)

	block := domain.BlockedRange{ID: "blk1", StaffID: "s1", BranchID: "b1", Range: domain.TimeRange{Start: at(12, 0), End: at(13, 0)}, CreatedAt: at(9, 0)}
	require.NoError(t, s.InsertBlock(ctx, block))
	found, err := s.FindBlocks(ctx, "s1", "b1", domain.TimeRange{Start: at(12, 30), End: at(14, 0)})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.NoError(t, s.DeleteBlock(ctx, "blk1"))
	assert.ErrorIs(t, s.DeleteBlock(ctx, "blk1"), domain.ErrNotFound)
}

func intPtr(i int) *int { return &i }
