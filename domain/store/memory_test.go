package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/domain/store"
)

func appointment(id string, staff domain.StaffID, start time.Time, minutes int) *domain.Appointment {
	return &domain.Appointment{
		ID: domain.AppointmentID(id), CustomerID: "c1", StaffID: staff, BranchID: "b1",
		ServiceID: "massage", Duration: minutes, Start: start, End: start.Add(time.Duration(minutes) * time.Minute),
		Price: domain.Money(100), Status: domain.StatusScheduled,
	}
}

var ten = time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)

func TestMemory_InsertOverlap_Conflict(t *testing.T) {
	// GIVEN: Staff s1 booked 10:00-11:00
	// WHEN: Inserting 10:30-11:30 for s1, then 11:00-12:00
	// THEN: The first is a conflict, the back-to-back one is accepted
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.InsertAppointment(ctx, appointment("a1", "s1", ten, 60)))

	err := m.InsertAppointment(ctx, appointment("a2", "s1", ten.Add(30*time.Minute), 60))
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "a1", conflict.ExistingID)

	assert.NoError(t, m.InsertAppointment(ctx, appointment("a3", "s1", ten.Add(time.Hour), 60)))
	assert.NoError(t, m.InsertAppointment(ctx, appointment("a4", "s2", ten, 60)), "other staff is free")
}

func TestMemory_CancelledDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a := appointment("a1", "s1", ten, 60)
	require.NoError(t, m.InsertAppointment(ctx, a))

	a.Status = domain.StatusCancelled
	require.NoError(t, m.UpdateAppointment(ctx, a))

	assert.NoError(t, m.InsertAppointment(ctx, appointment("a2", "s1", ten, 60)))
}

func TestMemory_UpdateStaleVersion(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.InsertAppointment(ctx, appointment("a1", "s1", ten, 60)))

	first, err := m.GetAppointment(ctx, "a1")
	require.NoError(t, err)
	second, err := m.GetAppointment(ctx, "a1")
	require.NoError(t, err)

	first.Notes = "first writer"
	require.NoError(t, m.UpdateAppointment(ctx, first))
	assert.Equal(t, 2, first.Version)

	second.Notes = "second writer"
	assert.ErrorIs(t, m.UpdateAppointment(ctx, second), domain.ErrStaleWrite)
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that inserts then fails
	// WHEN: WithTx returns the error
	// THEN: Nothing written inside it is visible
	ctx := context.Background()
	m := store.NewMemory()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx domain.Store) error {
		require.NoError(t, tx.InsertAppointment(ctx, appointment("a1", "s1", ten, 60)))
		require.NoError(t, tx.AppendAudit(ctx, domain.NewAuditEntry(ten, "u1", domain.AuditAppointmentCreated, "appointment", "a1", nil)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.GetAppointment(ctx, "a1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	entries, err := m.ListAudit(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	card := &domain.GiftCard{Code: "GC1", BranchID: "b1", Redeemable: domain.NewMultiGrant(domain.Grant{ServiceID: "a"})}
	require.NoError(t, m.InsertGiftCard(ctx, card))

	got, err := m.GetGiftCard(ctx, "GC1")
	require.NoError(t, err)
	_, err = got.Consume(nil, domain.GrantStamp{At: ten})
	require.NoError(t, err)

	again, err := m.GetGiftCard(ctx, "GC1")
	require.NoError(t, err)
	assert.False(t, again.IsFullyUsed(), "mutating a returned card must not touch the store")
}

func TestMemory_Reset(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.InsertAppointment(ctx, appointment("a1", "s1", ten, 60)))
	require.NoError(t, m.SaveCustomer(ctx, domain.Customer{ID: "c1", Name: "Dana"}))

	require.NoError(t, m.Reset(ctx))

	list, err := m.ListAppointments(ctx, domain.AppointmentFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = m.GetCustomer(ctx, "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
