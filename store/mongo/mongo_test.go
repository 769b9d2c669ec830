package mongo_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/domain"
	mongostore "github.com/warp/booking-engine/store/mongo"
)

// newTestStore connects to BOOKING_TEST_MONGO_URI, which must point at a
// replica set (transactions). Tests skip when it is unset.
func newTestStore(t *testing.T) *mongostore.Store {
	t.Helper()
	uri := os.Getenv("BOOKING_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("BOOKING_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := mongostore.New(ctx, uri, "booking_engine_test")
	require.NoError(t, err)
	require.NoError(t, s.Reset(ctx))
	t.Cleanup(func() {
		s.Reset(context.Background())
		s.Close(context.Background())
	})
	return s
}

func at(hh, mm int) time.Time {
	return time.Date(2025, time.March, 10, hh, mm, 0, 0, time.UTC)
}

func TestStore_OverlapAndVersioning(t *testing.T) {
	// GIVEN: A booking manager over MongoDB
	// WHEN: Booking overlapping slots and writing with a stale version
	// THEN: The overlap is a conflict and the stale write is rejected
	s := newTestStore(t)
	ctx := context.Background()
	m := booking.NewManager(s, booking.NewDiscountTable(time.UTC), zerolog.Nop())
	desk := domain.Caller{UserID: "rec-1", Role: domain.RoleReceptionist, BranchID: "b1"}

	in := booking.CreateInput{
		CustomerID: "c1", StaffID: "s1", BranchID: "b1", ServiceID: "massage",
		Duration: 60, Price: domain.Money(100), Start: at(10, 0),
	}
	first, err := m.Create(ctx, desk, in)
	require.NoError(t, err)

	in.Start = at(10, 30)
	_, err = m.Create(ctx, desk, in)
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, string(first.ID), conflict.ExistingID)

	got, err := s.GetAppointment(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(domain.Money(100)), "decimal survives the round trip")

	stale := *got
	got.Notes = "fresh"
	require.NoError(t, s.UpdateAppointment(ctx, got))
	stale.Notes = "stale"
	assert.ErrorIs(t, s.UpdateAppointment(ctx, &stale), domain.ErrStaleWrite)
}

func TestStore_GiftCardNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetGiftCard(context.Background(), "GC0000000000")
	assert.True(t, domain.IsNotFound(err))
}
