/*
Package domain provides the shared types of the booking and settlement engine.

PURPOSE:
  Everything the engine persists or passes between components lives here:
  appointments, redeemable instruments, expenses, blocked staff ranges and
  the storage interfaces over them. Behaviour packages (booking, settlement,
  instrument, report) build on these types; storage packages implement the
  Store interfaces.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal helpers (no float arithmetic on money, ever)
  - PaymentMethod / PaymentType: how a sum was collected
  - MethodSplit: an amount broken down over cash/card/terminal
  - Typed identifiers for the foreign references the engine stores

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal; tolerance comparisons are explicit
  2. Type Safety: distinct ID types prevent mixing staff and customer IDs
  3. Opaque references: branches, staff, services and customers are owned by
     an external directory; the engine only stores their identifiers

SEE ALSO:
  - appointment.go: Appointment entity and lifecycle states
  - instrument.go: Gift cards and visit packages
  - store.go: Persistence interfaces
*/
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AppointmentID string
type CustomerID string
type StaffID string
type BranchID string
type ServiceID string
type UserID string
type PackageID string

// =============================================================================
// MONEY
// =============================================================================

// Tolerance is the largest difference accepted when reconciling split payments.
var Tolerance = decimal.RequireFromString("0.01")

// Money converts a float literal into a decimal amount.
func Money(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// MustMoney parses a decimal string, returning zero on malformed input.
func MustMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// WithinTolerance reports whether |a-b| <= Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// =============================================================================
// PAYMENT METHODS
// =============================================================================

// PaymentMethod is a physical way money was collected.
type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodCard     PaymentMethod = "card"
	MethodTerminal PaymentMethod = "terminal"
)

// Methods lists payment methods in report column order.
var Methods = []PaymentMethod{MethodCash, MethodCard, MethodTerminal}

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodTerminal:
		return true
	}
	return false
}

// PaymentType records how an appointment was settled.
type PaymentType string

const (
	PaymentCash     PaymentType = "cash"
	PaymentCard     PaymentType = "card"
	PaymentTerminal PaymentType = "terminal"
	PaymentGiftCard PaymentType = "gift_card"
	PaymentMixed    PaymentType = "mixed"
	PaymentPackage  PaymentType = "package"
)

func (t PaymentType) Valid() bool {
	switch t {
	case PaymentCash, PaymentCard, PaymentTerminal, PaymentGiftCard, PaymentMixed, PaymentPackage:
		return true
	}
	return false
}

// Method returns the single payment method behind t, if there is one.
func (t PaymentType) Method() (PaymentMethod, bool) {
	m := PaymentMethod(t)
	return m, m.Valid()
}

// IsInstrument reports whether t settles through a prepaid instrument.
func (t PaymentType) IsInstrument() bool {
	return t == PaymentGiftCard || t == PaymentPackage
}

// =============================================================================
// METHOD SPLIT
// =============================================================================

// MethodSplit is an amount broken down by payment method.
// Components default to zero and are additive.
type MethodSplit struct {
	Cash     decimal.Decimal
	Card     decimal.Decimal
	Terminal decimal.Decimal
}

// SplitOf returns a split holding amount under a single method.
func SplitOf(m PaymentMethod, amount decimal.Decimal) MethodSplit {
	var s MethodSplit
	s.Set(m, amount)
	return s
}

func (s MethodSplit) Total() decimal.Decimal {
	return s.Cash.Add(s.Card).Add(s.Terminal)
}

func (s MethodSplit) Get(m PaymentMethod) decimal.Decimal {
	switch m {
	case MethodCash:
		return s.Cash
	case MethodCard:
		return s.Card
	case MethodTerminal:
		return s.Terminal
	}
	return decimal.Zero
}

func (s *MethodSplit) Set(m PaymentMethod, v decimal.Decimal) {
	switch m {
	case MethodCash:
		s.Cash = v
	case MethodCard:
		s.Card = v
	case MethodTerminal:
		s.Terminal = v
	}
}

func (s MethodSplit) Add(o MethodSplit) MethodSplit {
	return MethodSplit{
		Cash:     s.Cash.Add(o.Cash),
		Card:     s.Card.Add(o.Card),
		Terminal: s.Terminal.Add(o.Terminal),
	}
}

// Validate rejects negative components.
func (s MethodSplit) Validate(field string) error {
	for _, m := range Methods {
		if s.Get(m).IsNegative() {
			return &ValidationError{
				Field:   fmt.Sprintf("%s.%s", field, m),
				Message: "amount cannot be negative",
			}
		}
	}
	return nil
}
