package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/domain"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func at(hh, mm int) time.Time {
	return time.Date(2025, time.March, 10, hh, mm, 0, 0, time.UTC)
}

func intPtr(i int) *int { return &i }

// =============================================================================
// TIME RANGE TESTS
// =============================================================================

func TestTimeRange_Overlaps(t *testing.T) {
	booked := domain.TimeRange{Start: at(10, 0), End: at(11, 0)}

	tests := []struct {
		name string
		r    domain.TimeRange
		want bool
	}{
		{"starts inside", domain.TimeRange{Start: at(10, 30), End: at(11, 30)}, true},
		{"contains", domain.TimeRange{Start: at(9, 0), End: at(12, 0)}, true},
		{"back to back after", domain.TimeRange{Start: at(11, 0), End: at(12, 0)}, false},
		{"back to back before", domain.TimeRange{Start: at(9, 0), End: at(10, 0)}, false},
		{"empty range", domain.TimeRange{Start: at(10, 30), End: at(10, 30)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, booked.Overlaps(tt.r))
			assert.Equal(t, tt.want, tt.r.Overlaps(booked), "overlap is symmetric")
		})
	}
}

func TestNewTimeRange_EndBeforeStart_Rejected(t *testing.T) {
	_, err := domain.NewTimeRange(at(11, 0), at(10, 0))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestParseDay_UsesLocation(t *testing.T) {
	// GIVEN: A business in UTC+4
	// WHEN: Parsing a calendar day
	// THEN: The range runs midnight to midnight local time
	loc := time.FixedZone("UTC+4", 4*3600)

	day, err := domain.ParseDay("2025-03-10", loc)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, time.March, 9, 20, 0, 0, 0, time.UTC), day.Start.UTC())
	assert.Equal(t, 24*time.Hour, day.Duration())

	_, err = domain.ParseDay("10/03/2025", loc)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestStatus_CanTransition(t *testing.T) {
	assert.True(t, domain.StatusScheduled.CanTransition(domain.StatusCompleted))
	assert.True(t, domain.StatusScheduled.CanTransition(domain.StatusCancelled))
	assert.False(t, domain.StatusCompleted.CanTransition(domain.StatusCancelled))
	assert.False(t, domain.StatusCancelled.CanTransition(domain.StatusScheduled))
	assert.False(t, domain.StatusCompleted.CanTransition(domain.StatusScheduled))

	assert.True(t, domain.StatusCompleted.IsTerminal())
	assert.True(t, domain.StatusCancelled.IsTerminal())
	assert.False(t, domain.StatusScheduled.IsTerminal())
}

func TestAppointment_Validate_EndMustMatchDuration(t *testing.T) {
	a := &domain.Appointment{
		CustomerID: "c1", StaffID: "s1", BranchID: "b1", ServiceID: "massage",
		Duration: 60, Start: at(10, 0), End: at(10, 45), Price: domain.Money(100),
	}
	err := a.Validate()

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "end_time", verr.Field)

	a.End = at(11, 0)
	assert.NoError(t, a.Validate())
}

func TestAppointment_Clone_DoesNotShareSubRecords(t *testing.T) {
	a := domain.Appointment{
		Advance: &domain.AdvancePayment{Amount: domain.Money(40), Method: domain.MethodCard,
			Receipt: &domain.Receipt{URL: "https://example.com/r.png"}},
	}
	c := a.Clone()
	c.Advance.Amount = domain.Money(10)
	c.Advance.Receipt.URL = "changed"

	assert.True(t, a.Advance.Amount.Equal(domain.Money(40)))
	assert.Equal(t, "https://example.com/r.png", a.Advance.Receipt.URL)
}

// =============================================================================
// METHOD SPLIT TESTS
// =============================================================================

func TestMethodSplit_TotalAndAdd(t *testing.T) {
	s := domain.MethodSplit{Cash: domain.Money(40), Card: domain.Money(20)}
	assert.True(t, s.Total().Equal(domain.Money(60)))

	sum := s.Add(domain.SplitOf(domain.MethodTerminal, domain.Money(5)))
	assert.True(t, sum.Total().Equal(domain.Money(65)))
	assert.True(t, sum.Get(domain.MethodTerminal).Equal(domain.Money(5)))
}

func TestMethodSplit_Validate_RejectsNegative(t *testing.T) {
	s := domain.MethodSplit{Cash: domain.Money(-1)}
	err := s.Validate("payments")

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payments.cash", verr.Field)
}

func TestWithinTolerance(t *testing.T) {
	assert.True(t, domain.WithinTolerance(domain.MustMoney("60.00"), domain.MustMoney("60.01")))
	assert.False(t, domain.WithinTolerance(domain.MustMoney("60.00"), domain.MustMoney("60.02")))
}

// =============================================================================
// REDEEMABLE TESTS
// =============================================================================

func TestMultiGrant_ConsumeInOrder_ThenNoAvailableGrant(t *testing.T) {
	// GIVEN: A card with three grants
	// WHEN: Consuming without an index four times
	// THEN: Grants 0,1,2 are used in order, the fourth call fails
	card := &domain.GiftCard{
		Code: "GC1234567890",
		Redeemable: domain.NewMultiGrant(
			domain.Grant{ServiceID: "massage", Duration: 60},
			domain.Grant{ServiceID: "massage", Duration: 60},
			domain.Grant{ServiceID: "facial", Duration: 45},
		),
	}
	stamp := domain.GrantStamp{At: at(10, 0), Customer: "c1", Appointment: "a1"}

	for want := 0; want < 3; want++ {
		got, err := card.Consume(nil, stamp)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.True(t, card.IsFullyUsed())
	assert.True(t, card.IsUsed)

	_, err := card.Consume(nil, stamp)
	var none *domain.NoAvailableGrantError
	require.ErrorAs(t, err, &none)
	assert.Equal(t, "GC1234567890", none.Code)
}

func TestMultiGrant_ConsumeByIndex(t *testing.T) {
	card := &domain.GiftCard{
		Code:       "GC0000000001",
		Redeemable: domain.NewMultiGrant(domain.Grant{ServiceID: "a"}, domain.Grant{ServiceID: "b"}),
	}
	stamp := domain.GrantStamp{At: at(10, 0)}

	i, err := card.Consume(intPtr(1), stamp)
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	assert.Equal(t, []int{0}, card.Redeemable.AvailableGrants())
	assert.False(t, card.IsUsed, "card is used only when every grant is")

	_, err = card.Consume(intPtr(1), stamp)
	assert.ErrorIs(t, err, domain.ErrAlreadyUsed)

	_, err = card.Consume(intPtr(5), stamp)
	assert.ErrorIs(t, err, domain.ErrInvalidGrant)
}

func TestSingleGrant_LegacyCard(t *testing.T) {
	r := domain.RestoreRedeemable(domain.ShapeSingle, []domain.Grant{{ServiceID: "massage"}})
	require.Equal(t, domain.ShapeSingle, r.Shape())

	_, err := r.Consume(intPtr(1), domain.GrantStamp{})
	assert.ErrorIs(t, err, domain.ErrInvalidGrant)

	i, err := r.Consume(nil, domain.GrantStamp{At: at(9, 0)})
	require.NoError(t, err)
	assert.Equal(t, 0, i)
	assert.True(t, r.IsFullyUsed())
	assert.Empty(t, r.AvailableGrants())
}

func TestGiftCard_Clone_IsolatesGrants(t *testing.T) {
	card := domain.GiftCard{Code: "GC1", Redeemable: domain.NewMultiGrant(domain.Grant{ServiceID: "a"})}
	c := card.Clone()
	_, err := c.Consume(nil, domain.GrantStamp{At: at(10, 0)})
	require.NoError(t, err)

	assert.False(t, card.Redeemable.IsFullyUsed())
}

// =============================================================================
// PACKAGE TESTS
// =============================================================================

func TestPackage_UseVisit(t *testing.T) {
	p := &domain.Package{ID: "p1", TotalVisits: 2, RemainingVisits: 2, IsActive: true}

	require.NoError(t, p.UseVisit("a1", at(10, 0)))
	err := p.UseVisit("a1", at(11, 0))
	assert.ErrorIs(t, err, domain.ErrAlreadyUsed, "same appointment cannot draw twice")

	require.NoError(t, p.UseVisit("a2", at(12, 0)))
	assert.Equal(t, 0, p.RemainingVisits)
	assert.False(t, p.IsActive)
	assert.Len(t, p.Visits, 2)

	err = p.UseVisit("a3", at(13, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

// =============================================================================
// ERROR KIND TESTS
// =============================================================================

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{&domain.ValidationError{Field: "x"}, "validation"},
		{&domain.ConflictError{StaffID: "s1"}, "conflict"},
		{&domain.InvalidStateError{}, "invalid_state"},
		{&domain.AmountMismatchError{Expected: domain.Money(60), Actual: domain.Money(55)}, "amount_mismatch"},
		{&domain.NotFoundError{Kind: "appointment", ID: "a1"}, "not_found"},
		{&domain.AlreadyUsedError{Grant: -1}, "already_used"},
		{&domain.ExpiredError{}, "expired"},
		{&domain.NoAvailableGrantError{}, "no_available_grant"},
		{&domain.InvalidGrantError{}, "invalid_grant"},
		{&domain.AuthorizationError{}, "unauthorized"},
		{domain.ErrStaleWrite, "stale_write"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			assert.Equal(t, tt.kind, domain.KindOf(tt.err))
		})
	}

	assert.True(t, domain.IsClientError(&domain.ValidationError{}))
	assert.False(t, domain.IsClientError(errors.New("boom")))
}
