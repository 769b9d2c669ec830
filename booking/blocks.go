package booking

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/booking-engine/domain"
)

// =============================================================================
// BLOCKED STAFF RANGES
// =============================================================================
// A blocked range is busy time for the conflict checker. Adding one is
// guarded like a booking: it may not cover active appointments or another
// block of the same staff member.

type BlockInput struct {
	StaffID  domain.StaffID
	BranchID domain.BranchID
	Range    domain.TimeRange
	Reason   string
}

// WeeklyBlockInput blocks whole days falling on Weekdays in [From, To].
type WeeklyBlockInput struct {
	StaffID  domain.StaffID
	BranchID domain.BranchID
	Weekdays []time.Weekday
	From     time.Time
	To       time.Time
	Reason   string
}

// SkippedDay is a day BlockWeekly left alone.
type SkippedDay struct {
	Date   time.Time
	Reason string
}

type WeeklyBlockResult struct {
	Blocked []domain.BlockedRange
	Skipped []SkippedDay
}

// maxWeeklySpan bounds the date range of weekly operations.
const maxWeeklySpan = 366 * 24 * time.Hour

// Block marks r as unavailable for the staff member.
func (m *Manager) Block(ctx context.Context, caller domain.Caller, in BlockInput) (*domain.BlockedRange, error) {
	if !caller.IsAdmin() {
		return nil, &domain.AuthorizationError{Action: "block staff", UserID: caller.UserID}
	}
	if err := validateBlock(in.StaffID, in.BranchID); err != nil {
		return nil, err
	}
	if in.Range.IsEmpty() {
		return nil, &domain.ValidationError{Field: "range", Message: "end must be after start"}
	}

	now := m.now()
	b := domain.BlockedRange{
		ID:        uuid.NewString(),
		StaffID:   in.StaffID,
		BranchID:  in.BranchID,
		Range:     in.Range,
		Reason:    strings.TrimSpace(in.Reason),
		BlockedBy: caller.UserID,
		CreatedAt: now,
	}
	err := m.Store.WithTx(ctx, func(tx domain.Store) error {
		return insertBlock(ctx, tx, b, now)
	})
	if err != nil {
		return nil, err
	}

	m.Log.Info().Str("staff_id", string(b.StaffID)).Stringer("range", b.Range).Msg("staff blocked")
	return &b, nil
}

// BlockWeekly blocks every matching day, skipping days that already hold a
// block or an active booking.
func (m *Manager) BlockWeekly(ctx context.Context, caller domain.Caller, in WeeklyBlockInput) (*WeeklyBlockResult, error) {
	if !caller.IsAdmin() {
		return nil, &domain.AuthorizationError{Action: "block staff", UserID: caller.UserID}
	}
	if err := validateBlock(in.StaffID, in.BranchID); err != nil {
		return nil, err
	}
	days, err := m.weeklyDays(in.Weekdays, in.From, in.To)
	if err != nil {
		return nil, err
	}

	now := m.now()
	res := &WeeklyBlockResult{}
	err = m.Store.WithTx(ctx, func(tx domain.Store) error {
		for _, day := range days {
			b := domain.BlockedRange{
				ID:        uuid.NewString(),
				StaffID:   in.StaffID,
				BranchID:  in.BranchID,
				Range:     day,
				Reason:    strings.TrimSpace(in.Reason),
				BlockedBy: caller.UserID,
				CreatedAt: now,
			}
			err := insertBlock(ctx, tx, b, now)
			var conflict *domain.ConflictError
			if errors.As(err, &conflict) {
				res.Skipped = append(res.Skipped, SkippedDay{Date: day.Start, Reason: conflict.Reason})
				continue
			}
			if err != nil {
				return err
			}
			res.Blocked = append(res.Blocked, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.Log.Info().
		Str("staff_id", string(in.StaffID)).
		Int("blocked", len(res.Blocked)).
		Int("skipped", len(res.Skipped)).
		Msg("weekly block applied")
	return res, nil
}

func insertBlock(ctx context.Context, tx domain.Store, b domain.BlockedRange, now time.Time) error {
	busy, err := tx.FindOverlapping(ctx, b.StaffID, b.BranchID, b.Range, "")
	if err != nil {
		return err
	}
	if len(busy) > 0 {
		return &domain.ConflictError{StaffID: b.StaffID, BranchID: b.BranchID, Range: b.Range, ExistingID: string(busy[0].ID), Reason: "active appointments in range"}
	}
	existing, err := tx.FindBlocks(ctx, b.StaffID, b.BranchID, b.Range)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return &domain.ConflictError{StaffID: b.StaffID, BranchID: b.BranchID, Range: b.Range, ExistingID: existing[0].ID, Reason: "already blocked"}
	}
	if err := tx.InsertBlock(ctx, b); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, domain.NewAuditEntry(now, b.BlockedBy, domain.AuditStaffBlocked, "staff", string(b.StaffID), map[string]string{
		"block_id": b.ID,
		"start":    b.Range.Start.Format(time.RFC3339),
		"end":      b.Range.End.Format(time.RFC3339),
	}))
}

// Unblock removes one blocked range.
func (m *Manager) Unblock(ctx context.Context, caller domain.Caller, id string) error {
	if !caller.IsAdmin() {
		return &domain.AuthorizationError{Action: "unblock staff", UserID: caller.UserID}
	}
	return m.Store.WithTx(ctx, func(tx domain.Store) error {
		if err := tx.DeleteBlock(ctx, id); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, domain.NewAuditEntry(m.now(), caller.UserID, domain.AuditStaffUnblocked, "block", id, nil))
	})
}

// UnblockWeekly removes the blocks starting on one of weekdays in [from, to].
// It returns how many were removed.
func (m *Manager) UnblockWeekly(ctx context.Context, caller domain.Caller, staff domain.StaffID, weekdays []time.Weekday, from, to time.Time) (int, error) {
	if !caller.IsAdmin() {
		return 0, &domain.AuthorizationError{Action: "unblock staff", UserID: caller.UserID}
	}
	days, err := m.weeklyDays(weekdays, from, to)
	if err != nil {
		return 0, err
	}

	removed := 0
	err = m.Store.WithTx(ctx, func(tx domain.Store) error {
		blocks, err := tx.ListBlocks(ctx, staff)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			if !startsOnAny(b, days) {
				continue
			}
			if err := tx.DeleteBlock(ctx, b.ID); err != nil {
				return err
			}
			removed++
		}
		if removed == 0 {
			return nil
		}
		return tx.AppendAudit(ctx, domain.NewAuditEntry(m.now(), caller.UserID, domain.AuditStaffUnblocked, "staff", string(staff), map[string]string{"count": strconv.Itoa(removed)}))
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (m *Manager) ListBlocks(ctx context.Context, staff domain.StaffID) ([]domain.BlockedRange, error) {
	return m.Store.ListBlocks(ctx, staff)
}

func validateBlock(staff domain.StaffID, branch domain.BranchID) error {
	if staff == "" {
		return &domain.ValidationError{Field: "staff_id", Message: "is required"}
	}
	if branch == "" {
		return &domain.ValidationError{Field: "branch_id", Message: "is required"}
	}
	return nil
}

// weeklyDays lists the whole-day ranges in [from, to] falling on weekdays.
func (m *Manager) weeklyDays(weekdays []time.Weekday, from, to time.Time) ([]domain.TimeRange, error) {
	if len(weekdays) == 0 {
		return nil, &domain.ValidationError{Field: "weekdays", Message: "at least one weekday is required"}
	}
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, &domain.ValidationError{Field: "date_range", Message: "from must not be after to"}
	}
	if to.Sub(from) > maxWeeklySpan {
		return nil, &domain.ValidationError{Field: "date_range", Message: "may span at most one year"}
	}

	want := make(map[time.Weekday]bool, len(weekdays))
	for _, w := range weekdays {
		want[w] = true
	}
	var out []domain.TimeRange
	last := domain.DayRange(to, m.loc())
	for day := domain.DayRange(from, m.loc()); !day.Start.After(last.Start); day = domain.DayRange(day.End, m.loc()) {
		if want[day.Start.Weekday()] {
			out = append(out, day)
		}
	}
	return out, nil
}

func startsOnAny(b domain.BlockedRange, days []domain.TimeRange) bool {
	for _, d := range days {
		if d.Contains(b.Range.Start) {
			return true
		}
	}
	return false
}
