/*
conflict.go - Time-range conflict checking for staff bookings

PURPOSE:
  Detects overlapping bookings of one staff member at one branch. Two
  bookings [s1,e1) and [s2,e2) collide iff s1 < e2 AND s2 < e1, so
  back-to-back bookings (e1 == s2) never collide.

RULES:
  - Only bookings of the same staff member AND branch are considered
  - Cancelled bookings never block a slot
  - The booking being rescheduled is excluded from its own check
  - Blocked staff ranges count as busy time

EXAMPLE:
  existing: 10:00-11:00 (staff X, branch B)
  HasConflict(existing, X, B, 10:30-11:30, "") -> true
  HasConflict(existing, X, B, 11:00-12:00, "") -> false

SEE ALSO:
  - domain/time.go: TimeRange.Overlaps
  - manager.go: Calls checkConflict inside WithTx before every write
*/
package booking

import (
	"context"
	"fmt"

	"github.com/warp/booking-engine/domain"
)

// Conflicts returns the bookings in existing that collide with r for the
// given staff member and branch.
func Conflicts(existing []domain.Appointment, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange, exclude domain.AppointmentID) []domain.Appointment {
	var out []domain.Appointment
	for _, a := range existing {
		if a.StaffID != staff || a.BranchID != branch {
			continue
		}
		if a.Status == domain.StatusCancelled {
			continue
		}
		if exclude != "" && a.ID == exclude {
			continue
		}
		if a.Range().Overlaps(r) {
			out = append(out, a)
		}
	}
	return out
}

// HasConflict reports whether any booking in existing collides with r.
func HasConflict(existing []domain.Appointment, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange, exclude domain.AppointmentID) bool {
	return len(Conflicts(existing, staff, branch, r, exclude)) > 0
}

// HasConflict answers the conflict question against stored bookings.
func (m *Manager) HasConflict(ctx context.Context, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange, exclude domain.AppointmentID) (bool, error) {
	err := checkConflict(ctx, m.Store, staff, branch, r, exclude)
	if err == nil {
		return false, nil
	}
	if domain.KindOf(err) == "conflict" {
		return true, nil
	}
	return false, err
}

// checkConflict returns a *ConflictError if r collides with a stored booking
// or a blocked range of the staff member.
func checkConflict(ctx context.Context, s domain.Store, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange, exclude domain.AppointmentID) error {
	candidates, err := s.FindOverlapping(ctx, staff, branch, r, exclude)
	if err != nil {
		return fmt.Errorf("find overlapping: %w", err)
	}
	if clash := Conflicts(candidates, staff, branch, r, exclude); len(clash) > 0 {
		return &domain.ConflictError{
			StaffID:    staff,
			BranchID:   branch,
			Range:      r,
			ExistingID: string(clash[0].ID),
		}
	}

	blocks, err := s.FindBlocks(ctx, staff, branch, r)
	if err != nil {
		return fmt.Errorf("find blocks: %w", err)
	}
	for _, b := range blocks {
		if b.Range.Overlaps(r) {
			return &domain.ConflictError{
				StaffID:    staff,
				BranchID:   branch,
				Range:      r,
				ExistingID: b.ID,
				Reason:     "staff member is blocked",
			}
		}
	}
	return nil
}
