package booking_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/domain/store"
	"github.com/warp/booking-engine/store/sqlite"
)

// =============================================================================
// RANDOMIZED INTERVALS
// =============================================================================

// minuteOverlap is the reference answer: two ranges on whole minutes collide
// iff some minute m has start <= m < end in both.
func minuteOverlap(aStart, aEnd, bStart, bEnd int) bool {
	for m := 0; m < 24*60; m++ {
		if aStart <= m && m < aEnd && bStart <= m && m < bEnd {
			return true
		}
	}
	return false
}

func TestConflicts_MatchesMinuteByMinuteCheck(t *testing.T) {
	// GIVEN: Random bookings on a quarter-hour grid across two staff, two
	//        branches and mixed statuses, so touching ranges are frequent
	// WHEN: Asking Conflicts about random candidate ranges
	// THEN: The answer always equals the minute-by-minute reference
	rng := rand.New(rand.NewSource(20250310))
	day := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	at := func(min int) time.Time { return day.Add(time.Duration(min) * time.Minute) }
	staff := []domain.StaffID{"s1", "s2"}
	branches := []domain.BranchID{"b1", "b2"}
	statuses := []domain.Status{domain.StatusScheduled, domain.StatusCompleted, domain.StatusCancelled}

	type span struct{ start, end int }

	for round := 0; round < 200; round++ {
		n := rng.Intn(12)
		existing := make([]domain.Appointment, n)
		spans := make([]span, n)
		for i := range existing {
			start := 8*60 + rng.Intn(40)*15
			end := start + (1+rng.Intn(8))*15
			spans[i] = span{start, end}
			existing[i] = domain.Appointment{
				ID:       domain.AppointmentID(fmt.Sprintf("a%d", i)),
				StaffID:  staff[rng.Intn(len(staff))],
				BranchID: branches[rng.Intn(len(branches))],
				Start:    at(start),
				End:      at(end),
				Status:   statuses[rng.Intn(len(statuses))],
			}
		}

		qStart := 8*60 + rng.Intn(40)*15
		qEnd := qStart + rng.Intn(9)*15 // zero length included
		exclude := domain.AppointmentID("")
		if n > 0 && rng.Intn(3) == 0 {
			exclude = existing[rng.Intn(n)].ID
		}
		r := domain.TimeRange{Start: at(qStart), End: at(qEnd)}

		var want []domain.AppointmentID
		for i, a := range existing {
			if a.StaffID != "s1" || a.BranchID != "b1" || a.Status == domain.StatusCancelled || a.ID == exclude {
				continue
			}
			if minuteOverlap(spans[i].start, spans[i].end, qStart, qEnd) {
				want = append(want, a.ID)
			}
		}

		var got []domain.AppointmentID
		for _, a := range booking.Conflicts(existing, "s1", "b1", r, exclude) {
			got = append(got, a.ID)
		}
		require.Equal(t, want, got, "round %d: query [%d,%d) exclude %q", round, qStart, qEnd, exclude)
		assert.Equal(t, len(want) > 0, booking.HasConflict(existing, "s1", "b1", r, exclude))
	}
}

// =============================================================================
// CONCURRENT BOOKING
// =============================================================================

func TestCreate_ConcurrentSameSlot_OneWins(t *testing.T) {
	// GIVEN: Eight receptionists booking s1 at b1 between 10:00 and 10:45,
	//        each for an hour, so every pair overlaps
	// WHEN: They all submit at once
	// THEN: One booking is stored, every other caller gets a conflict
	lite, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })

	for name, s := range map[string]domain.TxStore{"memory": store.NewMemory(), "sqlite": lite} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := booking.NewManager(s, booking.NewDiscountTable(time.UTC), zerolog.Nop())

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				wins     int
				failures []error
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(offset int) {
					defer wg.Done()
					_, err := m.Create(ctx, receptionist, massage("s1", monday(10, (offset%4)*15)))
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						wins++
						return
					}
					failures = append(failures, err)
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, wins)
			for _, err := range failures {
				assert.ErrorIs(t, err, domain.ErrConflict)
			}
			stored, err := s.ListAppointments(ctx, domain.AppointmentFilter{StaffID: "s1"})
			require.NoError(t, err)
			assert.Len(t, stored, 1)
		})
	}
}
