package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LIFECYCLE STATES
// =============================================================================

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// transitions lists every allowed move. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusScheduled: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool { return len(transitions[s]) == 0 }

func (s Status) Valid() bool {
	return s == StatusScheduled || s == StatusCompleted || s == StatusCancelled
}

// =============================================================================
// SUB-RECORDS
// =============================================================================

// Receipt references an uploaded receipt image held by the blob store.
type Receipt struct {
	URL        string
	PublicID   string
	UploadedAt time.Time
}

// AdvancePayment is a deposit collected at booking time.
type AdvancePayment struct {
	Amount  decimal.Decimal
	Method  PaymentMethod
	PaidAt  time.Time
	Receipt *Receipt
}

// RemainingPayment is the balance settled at completion.
type RemainingPayment struct {
	MethodSplit
	PaidAt time.Time
}

type Tips struct {
	Amount  decimal.Decimal
	Methods MethodSplit
	PaidAt  time.Time
}

// Discount records a promotional price reduction applied at booking time.
type Discount struct {
	Percent       decimal.Decimal
	Amount        decimal.Decimal
	OriginalPrice decimal.Decimal
	Reason        string
}

type Feedback struct {
	Response    string
	Rating      int
	SubmittedAt time.Time
	SubmittedBy UserID
}

// =============================================================================
// APPOINTMENT
// =============================================================================

// Appointment is a booking of one staff member at one branch.
type Appointment struct {
	ID         AppointmentID
	CustomerID CustomerID
	StaffID    StaffID
	BranchID   BranchID
	ServiceID  ServiceID
	Duration   int // minutes
	Start      time.Time
	End        time.Time
	Price      decimal.Decimal
	Status     Status

	Advance     *AdvancePayment
	Remaining   *RemainingPayment
	PaymentType PaymentType
	GiftCard    string // code of the redeemed gift card
	PackageID   PackageID
	Tips        *Tips
	Discount    *Discount
	Feedback    *Feedback

	Notes     string
	CreatedBy UserID
	CreatedAt time.Time
	UpdatedAt time.Time

	// Version increments on every stored update; stores reject writes whose
	// version no longer matches.
	Version int
}

func (a *Appointment) Range() TimeRange { return TimeRange{Start: a.Start, End: a.End} }

// AdvanceAmount returns the deposit, or zero when none was taken.
func (a *Appointment) AdvanceAmount() decimal.Decimal {
	if a.Advance == nil {
		return decimal.Zero
	}
	return a.Advance.Amount
}

// RemainingTotal returns the sum collected at settlement.
func (a *Appointment) RemainingTotal() decimal.Decimal {
	if a.Remaining == nil {
		return decimal.Zero
	}
	return a.Remaining.Total()
}

// IsFullyPaid holds when the appointment is completed and either settled by
// an instrument or paid at least its price across advance and remaining.
func (a *Appointment) IsFullyPaid() bool {
	if a.Status != StatusCompleted {
		return false
	}
	if a.PaymentType.IsInstrument() {
		return true
	}
	return a.AdvanceAmount().Add(a.RemainingTotal()).GreaterThanOrEqual(a.Price)
}

// Validate checks the fields every stored appointment must carry.
func (a *Appointment) Validate() error {
	required := map[string]string{
		"customer_id": string(a.CustomerID),
		"staff_id":    string(a.StaffID),
		"branch_id":   string(a.BranchID),
		"service_id":  string(a.ServiceID),
	}
	for _, field := range []string{"customer_id", "staff_id", "branch_id", "service_id"} {
		if strings.TrimSpace(required[field]) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
	}
	if a.Duration <= 0 {
		return &ValidationError{Field: "duration", Message: "must be positive"}
	}
	if a.Price.IsNegative() {
		return &ValidationError{Field: "price", Message: "cannot be negative"}
	}
	if a.Start.IsZero() {
		return &ValidationError{Field: "start_time", Message: "is required"}
	}
	if !a.End.Equal(a.Start.Add(time.Duration(a.Duration) * time.Minute)) {
		return &ValidationError{Field: "end_time", Message: "must equal start_time + duration"}
	}
	if a.Advance != nil {
		if !a.Advance.Amount.IsPositive() {
			return &ValidationError{Field: "advance.amount", Message: "must be positive"}
		}
		if !a.Advance.Method.Valid() {
			return &ValidationError{Field: "advance.method", Message: "must be cash, card or terminal"}
		}
	}
	return nil
}

// Clone returns a deep copy so stores never share sub-records with callers.
func (a Appointment) Clone() Appointment {
	c := a
	if a.Advance != nil {
		adv := *a.Advance
		if a.Advance.Receipt != nil {
			r := *a.Advance.Receipt
			adv.Receipt = &r
		}
		c.Advance = &adv
	}
	if a.Remaining != nil {
		r := *a.Remaining
		c.Remaining = &r
	}
	if a.Tips != nil {
		t := *a.Tips
		c.Tips = &t
	}
	if a.Discount != nil {
		d := *a.Discount
		c.Discount = &d
	}
	if a.Feedback != nil {
		f := *a.Feedback
		c.Feedback = &f
	}
	return c
}
