package booking_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/domain"
)

// =============================================================================
// BLOCKED RANGES
// =============================================================================

func TestBlock_MakesStaffBusy(t *testing.T) {
	// GIVEN: s1 blocked 12:00-14:00
	// WHEN: Booking 13:00 and then 14:00
	// THEN: 13:00 conflicts with the block, 14:00 is free
	m, _ := newTestManager(t)
	ctx := context.Background()

	b, err := m.Block(ctx, admin, booking.BlockInput{
		StaffID: "s1", BranchID: "b1",
		Range:  domain.TimeRange{Start: monday(12, 0), End: monday(14, 0)},
		Reason: "lunch",
	})
	require.NoError(t, err)

	_, err = m.Create(ctx, admin, massage("s1", monday(13, 0)))
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, b.ID, conflict.ExistingID)
	assert.Equal(t, "staff member is blocked", conflict.Reason)

	_, err = m.Create(ctx, admin, massage("s1", monday(14, 0)))
	assert.NoError(t, err)

	busy, err := m.HasConflict(ctx, "s1", "b1", domain.TimeRange{Start: monday(12, 30), End: monday(12, 45)}, "")
	require.NoError(t, err)
	assert.True(t, busy)
}

func TestBlock_AdminOnly_BranchRequired(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r := domain.TimeRange{Start: monday(12, 0), End: monday(13, 0)}

	_, err := m.Block(ctx, receptionist, booking.BlockInput{StaffID: "s1", BranchID: "b1", Range: r})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = m.Block(ctx, admin, booking.BlockInput{StaffID: "s1", Range: r})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "branch_id", verr.Field)
}

func TestBlock_OverActiveAppointment_Rejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Create(ctx, admin, massage("s1", monday(10, 0)))
	require.NoError(t, err)

	_, err = m.Block(ctx, admin, booking.BlockInput{
		StaffID: "s1", BranchID: "b1",
		Range: domain.TimeRange{Start: monday(9, 0), End: monday(12, 0)},
	})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "active appointments in range", conflict.Reason)
}

func TestBlockWeekly_SkipsBusyDays(t *testing.T) {
	// GIVEN: A booking on Friday 2025-03-14
	// WHEN: Blocking every Friday from 2025-03-10 to 2025-03-31
	// THEN: The 21st and 28th are blocked, the 14th is skipped;
	//       repeating the call skips every day as already blocked
	m, _ := newTestManager(t)
	ctx := context.Background()
	friday := time.Date(2025, time.March, 14, 10, 0, 0, 0, time.UTC)
	_, err := m.Create(ctx, admin, massage("s1", friday))
	require.NoError(t, err)

	in := booking.WeeklyBlockInput{
		StaffID: "s1", BranchID: "b1",
		Weekdays: []time.Weekday{time.Friday},
		From:     monday(0, 0),
		To:       time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC),
		Reason:   "training",
	}
	res, err := m.BlockWeekly(ctx, admin, in)
	require.NoError(t, err)
	require.Len(t, res.Blocked, 2)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 14, res.Skipped[0].Date.Day())
	assert.Equal(t, "active appointments in range", res.Skipped[0].Reason)

	again, err := m.BlockWeekly(ctx, admin, in)
	require.NoError(t, err)
	assert.Empty(t, again.Blocked)
	require.Len(t, again.Skipped, 3)
	assert.Equal(t, "already blocked", again.Skipped[1].Reason)

	removed, err := m.UnblockWeekly(ctx, admin, "s1", in.Weekdays, in.From, in.To)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := m.ListBlocks(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestBlockWeekly_RangeValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.BlockWeekly(ctx, admin, booking.WeeklyBlockInput{
		StaffID: "s1", BranchID: "b1", From: monday(0, 0), To: monday(0, 0),
	})
	assert.ErrorIs(t, err, domain.ErrValidation, "weekdays required")

	_, err = m.BlockWeekly(ctx, admin, booking.WeeklyBlockInput{
		StaffID: "s1", BranchID: "b1", Weekdays: []time.Weekday{time.Monday},
		From: monday(0, 0), To: monday(0, 0).AddDate(2, 0, 0),
	})
	assert.ErrorIs(t, err, domain.ErrValidation, "span over a year")
}

// =============================================================================
// DISCOUNTS
// =============================================================================

func pct(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestDiscountTable_Apply(t *testing.T) {
	table := booking.NewDiscountTable(time.UTC)
	table.Branches["b1"] = booking.BranchDiscounts{Weekday: &booking.Tier{Percent: pct(25), Reason: "weekday promo"}}
	table.Branches["b2"] = booking.BranchDiscounts{Weekday: &booking.Tier{Percent: pct(10)}}
	saturday := time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		branch domain.BranchID
		at     time.Time
		price  decimal.Decimal
		want   decimal.Decimal
		off    bool
	}{
		{"large tier rounds up", "b1", monday(10, 0), domain.Money(47), domain.Money(36), true},
		{"small tier rounds half up", "b2", monday(10, 0), domain.Money(47), domain.Money(42), true},
		{"no weekend tier", "b1", saturday, domain.Money(47), domain.Money(47), false},
		{"unknown branch", "b9", monday(10, 0), domain.Money(47), domain.Money(47), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, d := table.Apply(tt.branch, tt.at, tt.price)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			if !tt.off {
				assert.Nil(t, d)
				return
			}
			require.NotNil(t, d)
			assert.True(t, d.OriginalPrice.Equal(tt.price))
			assert.True(t, d.Amount.Equal(tt.price.Sub(tt.want)))
		})
	}
}

func TestDiscountTable_ExplicitRounding(t *testing.T) {
	table := booking.NewDiscountTable(time.UTC)
	table.Branches["b1"] = booking.BranchDiscounts{Weekday: &booking.Tier{Percent: pct(25), Rounding: booking.RoundFloor}}

	got, d := table.Apply("b1", monday(10, 0), domain.Money(47))
	assert.True(t, domain.Money(35).Equal(got))
	require.NotNil(t, d)

	table.Branches["b1"] = booking.BranchDiscounts{Weekday: &booking.Tier{Percent: pct(25), Rounding: booking.RoundNone}}
	got, _ = table.Apply("b1", monday(10, 0), domain.Money(47))
	assert.True(t, domain.MustMoney("35.25").Equal(got))
}

func TestCreate_AppliesDiscount_RescheduleToWeekendRestoresPrice(t *testing.T) {
	// GIVEN: A 25% weekday tier at b1
	// WHEN: Booking a 47 service on Monday, then moving it to Saturday
	// THEN: Monday pays 36; Saturday goes back to the list price
	m, _ := newTestManager(t)
	m.Discounts.Branches["b1"] = booking.BranchDiscounts{Weekday: &booking.Tier{Percent: pct(25)}}
	ctx := context.Background()

	in := massage("s1", monday(10, 0))
	in.Price = domain.Money(47)
	a, err := m.Create(ctx, admin, in)
	require.NoError(t, err)
	assert.True(t, domain.Money(36).Equal(a.Price))
	require.NotNil(t, a.Discount)

	saturday := time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)
	moved, err := m.Reschedule(ctx, admin, a.ID, booking.Patch{Start: &saturday})
	require.NoError(t, err)
	assert.True(t, domain.Money(47).Equal(moved.Price))
	assert.Nil(t, moved.Discount)
}

func TestCreate_AdvanceCheckedAgainstDiscountedPrice(t *testing.T) {
	// GIVEN: A 25% weekday tier turning 47 into 36
	// WHEN: Booking with a 40 advance, then with a 36 advance
	// THEN: 40 exceeds what the customer pays; 36 covers it exactly
	m, _ := newTestManager(t)
	m.Discounts.Branches["b1"] = booking.BranchDiscounts{Weekday: &booking.Tier{Percent: pct(25)}}
	ctx := context.Background()

	in := massage("s1", monday(10, 0))
	in.Price = domain.Money(47)
	in.Advance = &booking.AdvanceInput{Amount: domain.Money(40), Method: domain.MethodCard}
	_, err := m.Create(ctx, admin, in)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "advance.amount", verr.Field)

	in.Advance.Amount = domain.Money(36)
	a, err := m.Create(ctx, admin, in)
	require.NoError(t, err)
	assert.True(t, a.Price.Equal(a.AdvanceAmount()))
}

func TestReschedule_AdvanceMustNotExceedNewPrice(t *testing.T) {
	// GIVEN: A 100 Saturday booking with an 80 advance and a 25% weekday tier
	// WHEN: Lowering the price, raising the advance, or moving to Monday
	// THEN: Each edit is rejected and the stored booking is unchanged
	m, _ := newTestManager(t)
	m.Discounts.Branches["b1"] = booking.BranchDiscounts{Weekday: &booking.Tier{Percent: pct(25)}}
	ctx := context.Background()

	saturday := time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)
	in := massage("s1", saturday)
	in.Advance = &booking.AdvanceInput{Amount: domain.Money(80), Method: domain.MethodCard}
	a, err := m.Create(ctx, admin, in)
	require.NoError(t, err)

	lower := domain.Money(30)
	mondayTen := monday(10, 0)
	patches := map[string]booking.Patch{
		"price below advance": {Price: &lower},
		"advance above price": {Advance: &booking.AdvanceInput{Amount: domain.Money(120), Method: domain.MethodCash}},
		"onto a discount day": {Start: &mondayTen},
	}
	for name, p := range patches {
		t.Run(name, func(t *testing.T) {
			_, err := m.Reschedule(ctx, admin, a.ID, p)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "advance.amount", verr.Field)

			got, err := m.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.True(t, domain.Money(100).Equal(got.Price))
			assert.True(t, domain.Money(80).Equal(got.AdvanceAmount()))
			assert.Equal(t, saturday, got.Start)
		})
	}
}

// =============================================================================
// FEEDBACK LINK
// =============================================================================

func TestFeedbackLink(t *testing.T) {
	tests := []struct {
		name  string
		phone string
		want  string
	}{
		{"local number gets country code", "050-123-4567", "https://wa.me/994501234567?text=Hi%20there"},
		{"international number kept", "+994 50 123 4567", "https://wa.me/994501234567?text=Hi%20there"},
		{"no phone", "", ""},
		{"no digits", "n/a", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, booking.FeedbackLink(tt.phone, "994", "Hi there"))
		})
	}
}
