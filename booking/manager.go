/*
manager.go - Booking lifecycle: create, reschedule, cancel

PURPOSE:
  Owns the appointment state machine and guards every schedule-changing
  write with a conflict check. Settlement (scheduled -> completed) lives in
  the settlement package; everything else about a booking's life is here.

STATE MACHINE:
  ┌───────────┐  complete   ┌───────────┐
  │ scheduled │────────────▶│ completed │
  └───────────┘             └───────────┘
        │ cancel
        ▼
  ┌───────────┐
  │ cancelled │
  └───────────┘
  Terminal states accept no transition and no schedule/price change.

ATOMICITY:
  Each operation runs in one TxStore.WithTx: read, validate, conflict check,
  write, audit. The store re-checks overlap at commit time, so a race
  between two creates for the same slot fails the second with a
  *ConflictError exactly like the pre-check would.

AUTHORIZATION:
  Cancel is allowed for admins and for the user who created the booking.
  The caller identity is verified upstream; the manager only applies the rule.

SEE ALSO:
  - conflict.go: Overlap rules
  - discount.go: Price recomputation on create/reschedule
  - blocks.go: Blocked staff ranges
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/domain"
)

// Manager runs booking lifecycle operations against a TxStore.
type Manager struct {
	Store     domain.TxStore
	Discounts *DiscountTable
	Log       zerolog.Logger
	Now       func() time.Time
}

func NewManager(store domain.TxStore, discounts *DiscountTable, log zerolog.Logger) *Manager {
	return &Manager{Store: store, Discounts: discounts, Log: log, Now: time.Now}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// =============================================================================
// INPUTS
// =============================================================================

// AdvanceInput is a deposit taken when the booking is made.
type AdvanceInput struct {
	Amount  decimal.Decimal
	Method  domain.PaymentMethod
	PaidAt  time.Time // zero: now
	Receipt *domain.Receipt
}

type CreateInput struct {
	CustomerID domain.CustomerID
	StaffID    domain.StaffID
	BranchID   domain.BranchID
	ServiceID  domain.ServiceID
	Duration   int
	Price      decimal.Decimal
	Start      time.Time
	End        time.Time // zero: Start + Duration
	Advance    *AdvanceInput
	Notes      string
}

// Patch changes a scheduled booking. Nil fields are left untouched.
type Patch struct {
	CustomerID *domain.CustomerID
	StaffID    *domain.StaffID
	BranchID   *domain.BranchID
	ServiceID  *domain.ServiceID
	Duration   *int
	Start      *time.Time
	End        *time.Time
	Price      *decimal.Decimal
	Advance    *AdvanceInput
	Notes      *string
}

func (p Patch) touchesSchedule() bool {
	return p.StaffID != nil || p.BranchID != nil || p.Start != nil || p.End != nil || p.Duration != nil
}

// =============================================================================
// CREATE
// =============================================================================

// Create books a new appointment in the scheduled state.
func (m *Manager) Create(ctx context.Context, caller domain.Caller, in CreateInput) (*domain.Appointment, error) {
	now := m.now()
	a := &domain.Appointment{
		ID:         domain.AppointmentID(uuid.NewString()),
		CustomerID: in.CustomerID,
		StaffID:    in.StaffID,
		BranchID:   in.BranchID,
		ServiceID:  in.ServiceID,
		Duration:   in.Duration,
		Start:      in.Start,
		End:        in.End,
		Price:      in.Price,
		Status:     domain.StatusScheduled,
		Notes:      strings.TrimSpace(in.Notes),
		CreatedBy:  caller.UserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if a.End.IsZero() && !a.Start.IsZero() {
		a.End = a.Start.Add(time.Duration(a.Duration) * time.Minute)
	}
	if in.Advance != nil {
		a.Advance = advanceFrom(*in.Advance, now)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	a.Price, a.Discount = m.Discounts.Apply(a.BranchID, a.Start, a.Price)
	if err := checkAdvance(a); err != nil {
		return nil, err
	}

	err := m.Store.WithTx(ctx, func(tx domain.Store) error {
		if err := checkConflict(ctx, tx, a.StaffID, a.BranchID, a.Range(), ""); err != nil {
			return err
		}
		if err := tx.InsertAppointment(ctx, a); err != nil {
			return err
		}
		detail := map[string]string{"price": a.Price.String(), "start": a.Start.Format(time.RFC3339)}
		if a.Discount != nil {
			detail["original_price"] = a.Discount.OriginalPrice.String()
		}
		return tx.AppendAudit(ctx, domain.NewAuditEntry(now, caller.UserID, domain.AuditAppointmentCreated, "appointment", string(a.ID), detail))
	})
	if err != nil {
		m.Log.Debug().Err(err).Str("staff_id", string(a.StaffID)).Msg("create appointment rejected")
		return nil, err
	}

	m.Log.Info().
		Str("appointment_id", string(a.ID)).
		Str("staff_id", string(a.StaffID)).
		Str("branch_id", string(a.BranchID)).
		Time("start", a.Start).
		Msg("appointment created")
	return a, nil
}

func advanceFrom(in AdvanceInput, now time.Time) *domain.AdvancePayment {
	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	return &domain.AdvancePayment{Amount: in.Amount, Method: in.Method, PaidAt: paidAt, Receipt: in.Receipt}
}

// checkAdvance rejects a deposit larger than the price after discount.
func checkAdvance(a *domain.Appointment) error {
	if a.Advance != nil && a.Advance.Amount.GreaterThan(a.Price) {
		return &domain.ValidationError{Field: "advance.amount", Message: "exceeds price"}
	}
	return nil
}

// =============================================================================
// RESCHEDULE
// =============================================================================

// Reschedule applies patch to a scheduled booking, re-checking conflicts when
// staff, branch or time change.
func (m *Manager) Reschedule(ctx context.Context, caller domain.Caller, id domain.AppointmentID, patch Patch) (*domain.Appointment, error) {
	now := m.now()
	var out *domain.Appointment

	err := m.Store.WithTx(ctx, func(tx domain.Store) error {
		a, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != domain.StatusScheduled {
			return &domain.InvalidStateError{Entity: "appointment", ID: string(id), From: string(a.Status), To: "rescheduled"}
		}

		oldDay := m.dayOf(a.Start)
		oldBranch := a.BranchID
		if err := applyPatch(a, patch, now); err != nil {
			return err
		}
		if err := a.Validate(); err != nil {
			return err
		}

		if patch.Price != nil || m.dayOf(a.Start) != oldDay || a.BranchID != oldBranch {
			base := a.Price
			if patch.Price == nil && a.Discount != nil {
				base = a.Discount.OriginalPrice
			}
			a.Price, a.Discount = m.Discounts.Apply(a.BranchID, a.Start, base)
		}
		if err := checkAdvance(a); err != nil {
			return err
		}

		if patch.touchesSchedule() {
			if err := checkConflict(ctx, tx, a.StaffID, a.BranchID, a.Range(), a.ID); err != nil {
				return err
			}
		}

		a.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			if errors.Is(err, domain.ErrStaleWrite) {
				return &domain.ConflictError{StaffID: a.StaffID, BranchID: a.BranchID, Range: a.Range(), Reason: "appointment changed concurrently"}
			}
			return err
		}
		out = a
		return tx.AppendAudit(ctx, domain.NewAuditEntry(now, caller.UserID, domain.AuditAppointmentRescheduled, "appointment", string(a.ID), map[string]string{
			"start":    a.Start.Format(time.RFC3339),
			"staff_id": string(a.StaffID),
			"price":    a.Price.String(),
		}))
	})
	if err != nil {
		m.Log.Debug().Err(err).Str("appointment_id", string(id)).Msg("reschedule rejected")
		return nil, err
	}

	m.Log.Info().Str("appointment_id", string(id)).Time("start", out.Start).Msg("appointment rescheduled")
	return out, nil
}

func applyPatch(a *domain.Appointment, p Patch, now time.Time) error {
	if p.CustomerID != nil {
		a.CustomerID = *p.CustomerID
	}
	if p.StaffID != nil {
		a.StaffID = *p.StaffID
	}
	if p.BranchID != nil {
		a.BranchID = *p.BranchID
	}
	if p.ServiceID != nil {
		a.ServiceID = *p.ServiceID
	}
	if p.Price != nil {
		a.Price = *p.Price
	}
	if p.Notes != nil {
		a.Notes = strings.TrimSpace(*p.Notes)
	}
	if p.Advance != nil {
		a.Advance = advanceFrom(*p.Advance, now)
	}

	if p.Duration != nil {
		a.Duration = *p.Duration
	}
	if p.Start != nil {
		a.Start = *p.Start
	}
	switch {
	case p.End != nil && p.Duration == nil:
		// a new end with no duration redefines the duration
		d := p.End.Sub(a.Start)
		if d <= 0 || d%time.Minute != 0 {
			return &domain.ValidationError{Field: "end_time", Message: "must be a whole number of minutes after start_time"}
		}
		a.Duration = int(d / time.Minute)
		a.End = *p.End
	case p.End != nil:
		a.End = *p.End
	default:
		a.End = a.Start.Add(time.Duration(a.Duration) * time.Minute)
	}
	return nil
}

// loc is the business time zone, shared with the discount table.
func (m *Manager) loc() *time.Location {
	if m.Discounts != nil && m.Discounts.Location != nil {
		return m.Discounts.Location
	}
	return time.UTC
}

func (m *Manager) dayOf(t time.Time) string {
	return t.In(m.loc()).Format("2006-01-02")
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel moves a scheduled booking to cancelled. Payments and instruments
// already recorded are left as they are.
func (m *Manager) Cancel(ctx context.Context, caller domain.Caller, id domain.AppointmentID, reason string) (*domain.Appointment, error) {
	now := m.now()
	var out *domain.Appointment

	err := m.Store.WithTx(ctx, func(tx domain.Store) error {
		a, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !caller.IsAdmin() && a.CreatedBy != caller.UserID {
			return &domain.AuthorizationError{Action: "cancel appointment " + string(id), UserID: caller.UserID}
		}
		if !a.Status.CanTransition(domain.StatusCancelled) {
			return &domain.InvalidStateError{Entity: "appointment", ID: string(id), From: string(a.Status), To: string(domain.StatusCancelled)}
		}

		a.Status = domain.StatusCancelled
		a.Notes = cancelNote(a.Notes, reason)
		a.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			if errors.Is(err, domain.ErrStaleWrite) {
				return &domain.InvalidStateError{Entity: "appointment", ID: string(id), From: "modified", To: string(domain.StatusCancelled)}
			}
			return err
		}
		out = a
		return tx.AppendAudit(ctx, domain.NewAuditEntry(now, caller.UserID, domain.AuditAppointmentCancelled, "appointment", string(id), map[string]string{"reason": reason}))
	})
	if err != nil {
		m.Log.Debug().Err(err).Str("appointment_id", string(id)).Msg("cancel rejected")
		return nil, err
	}

	m.Log.Info().Str("appointment_id", string(id)).Str("by", string(caller.UserID)).Msg("appointment cancelled")
	return out, nil
}

func cancelNote(existing, reason string) string {
	note := "Cancelled"
	if r := strings.TrimSpace(reason); r != "" {
		note = "Cancellation reason: " + r
	}
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}

// =============================================================================
// READS AND SIDE RECORDS
// =============================================================================

func (m *Manager) Get(ctx context.Context, id domain.AppointmentID) (*domain.Appointment, error) {
	return m.Store.GetAppointment(ctx, id)
}

func (m *Manager) List(ctx context.Context, f domain.AppointmentFilter) ([]domain.Appointment, error) {
	return m.Store.ListAppointments(ctx, f)
}

// AttachAdvanceReceipt records the uploaded receipt of a booking's deposit.
func (m *Manager) AttachAdvanceReceipt(ctx context.Context, id domain.AppointmentID, r domain.Receipt) (*domain.Appointment, error) {
	var out *domain.Appointment
	err := m.Store.WithTx(ctx, func(tx domain.Store) error {
		a, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if a.Advance == nil {
			return &domain.ValidationError{Field: "advance", Message: "appointment has no advance payment"}
		}
		if r.UploadedAt.IsZero() {
			r.UploadedAt = m.now()
		}
		a.Advance.Receipt = &r
		a.UpdatedAt = m.now()
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return fmt.Errorf("attach receipt: %w", err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AttachFeedback stores the customer's rating of a completed visit.
func (m *Manager) AttachFeedback(ctx context.Context, caller domain.Caller, id domain.AppointmentID, response string, rating int) (*domain.Appointment, error) {
	if rating < 1 || rating > 5 {
		return nil, &domain.ValidationError{Field: "satisfaction_rating", Message: "must be between 1 and 5"}
	}
	now := m.now()
	var out *domain.Appointment

	err := m.Store.WithTx(ctx, func(tx domain.Store) error {
		a, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != domain.StatusCompleted {
			return &domain.InvalidStateError{Entity: "appointment", ID: string(id), From: string(a.Status), To: "feedback"}
		}
		a.Feedback = &domain.Feedback{
			Response:    strings.TrimSpace(response),
			Rating:      rating,
			SubmittedAt: now,
			SubmittedBy: caller.UserID,
		}
		a.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return fmt.Errorf("attach feedback: %w", err)
		}
		out = a
		return tx.AppendAudit(ctx, domain.NewAuditEntry(now, caller.UserID, domain.AuditFeedbackAttached, "appointment", string(id), map[string]string{"rating": fmt.Sprint(rating)}))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveCustomer stores the contact details used for feedback links.
func (m *Manager) SaveCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Phone = strings.TrimSpace(c.Phone)
	if c.Name == "" {
		return nil, &domain.ValidationError{Field: "name", Message: "is required"}
	}
	if c.ID == "" {
		c.ID = domain.CustomerID(uuid.NewString())
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	if err := m.Store.SaveCustomer(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}
