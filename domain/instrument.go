package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GRANTS - Single consumable units inside an instrument
// =============================================================================

// Grant is one service redemption inside an instrument. Used flips
// false->true exactly once, together with the consumption stamp.
type Grant struct {
	ServiceID   ServiceID
	Duration    int
	Price       decimal.Decimal
	Used        bool
	UsedAt      *time.Time
	UsedBy      CustomerID
	Appointment AppointmentID
}

// GrantStamp is who consumed a grant, for which booking, and when.
type GrantStamp struct {
	At          time.Time
	Customer    CustomerID
	Appointment AppointmentID
}

func (g *Grant) stamp(s GrantStamp) {
	at := s.At
	g.Used = true
	g.UsedAt = &at
	g.UsedBy = s.Customer
	g.Appointment = s.Appointment
}

// =============================================================================
// REDEEMABLE - Tagged variant over the two instrument shapes
// =============================================================================

type GrantShape string

const (
	// ShapeSingle is the legacy card: one implicit grant, no grant list.
	ShapeSingle GrantShape = "single"
	// ShapeMulti holds an ordered list of grants. New cards always use it.
	ShapeMulti GrantShape = "multi"
)

// Redeemable is implemented only by *SingleGrant and *MultiGrant.
type Redeemable interface {
	Shape() GrantShape
	Grants() []Grant
	// AvailableGrants returns the indices of unused grants in stored order.
	AvailableGrants() []int
	IsFullyUsed() bool
	// Consume marks a grant used. A nil index picks the first unused grant.
	Consume(index *int, s GrantStamp) (int, error)

	clone() Redeemable
}

// SingleGrant is a legacy instrument whose whole value is one grant.
type SingleGrant struct {
	Grant Grant
}

func NewSingleGrant(g Grant) *SingleGrant { return &SingleGrant{Grant: g} }

func (s *SingleGrant) Shape() GrantShape { return ShapeSingle }
func (s *SingleGrant) Grants() []Grant   { return []Grant{s.Grant} }
func (s *SingleGrant) IsFullyUsed() bool { return s.Grant.Used }

func (s *SingleGrant) AvailableGrants() []int {
	if s.Grant.Used {
		return nil
	}
	return []int{0}
}

func (s *SingleGrant) Consume(index *int, st GrantStamp) (int, error) {
	if index != nil && *index != 0 {
		return 0, &InvalidGrantError{Index: *index, Count: 1}
	}
	if s.Grant.Used {
		if index == nil {
			return 0, &NoAvailableGrantError{}
		}
		return 0, &AlreadyUsedError{Grant: 0}
	}
	s.Grant.stamp(st)
	return 0, nil
}

func (s *SingleGrant) clone() Redeemable {
	c := *s
	c.Grant = cloneGrant(s.Grant)
	return &c
}

// MultiGrant is an instrument covering several services.
type MultiGrant struct {
	Items []Grant
}

func NewMultiGrant(grants ...Grant) *MultiGrant {
	return &MultiGrant{Items: append([]Grant(nil), grants...)}
}

func (m *MultiGrant) Shape() GrantShape { return ShapeMulti }

func (m *MultiGrant) Grants() []Grant {
	out := make([]Grant, len(m.Items))
	for i, g := range m.Items {
		out[i] = cloneGrant(g)
	}
	return out
}

func (m *MultiGrant) AvailableGrants() []int {
	var idx []int
	for i, g := range m.Items {
		if !g.Used {
			idx = append(idx, i)
		}
	}
	return idx
}

func (m *MultiGrant) IsFullyUsed() bool {
	for _, g := range m.Items {
		if !g.Used {
			return false
		}
	}
	return true
}

func (m *MultiGrant) Consume(index *int, st GrantStamp) (int, error) {
	if index == nil {
		for i := range m.Items {
			if !m.Items[i].Used {
				m.Items[i].stamp(st)
				return i, nil
			}
		}
		return 0, &NoAvailableGrantError{}
	}
	i := *index
	if i < 0 || i >= len(m.Items) {
		return 0, &InvalidGrantError{Index: i, Count: len(m.Items)}
	}
	if m.Items[i].Used {
		return 0, &AlreadyUsedError{Grant: i}
	}
	m.Items[i].stamp(st)
	return i, nil
}

func (m *MultiGrant) clone() Redeemable {
	return &MultiGrant{Items: m.Grants()}
}

// RestoreRedeemable rebuilds the variant recorded by a store.
func RestoreRedeemable(shape GrantShape, grants []Grant) Redeemable {
	if shape == ShapeSingle && len(grants) == 1 {
		return NewSingleGrant(grants[0])
	}
	return NewMultiGrant(grants...)
}

func cloneGrant(g Grant) Grant {
	if g.UsedAt != nil {
		t := *g.UsedAt
		g.UsedAt = &t
	}
	return g
}

// =============================================================================
// GIFT CARD
// =============================================================================

// GiftCard is a prepaid instrument identified by its card number.
// The aggregate Used* fields mirror the grant that finished the card.
type GiftCard struct {
	Code          string
	BranchID      BranchID
	PurchasedBy   CustomerID
	PurchaseDate  time.Time
	ExpiresAt     *time.Time
	Price         decimal.Decimal
	PaymentMethod PaymentMethod
	Notes         string
	CreatedBy     UserID
	Redeemable    Redeemable

	IsUsed            bool
	UsedAt            *time.Time
	UsedBy            CustomerID
	UsedInAppointment AppointmentID

	Version int
}

func (c *GiftCard) IsFullyUsed() bool {
	return c.IsUsed || (c.Redeemable != nil && c.Redeemable.IsFullyUsed())
}

func (c *GiftCard) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// HasUsage reports whether any grant has been consumed.
func (c *GiftCard) HasUsage() bool {
	if c.IsUsed {
		return true
	}
	for _, g := range c.Redeemable.Grants() {
		if g.Used {
			return true
		}
	}
	return false
}

// Consume marks one grant used and, when it was the last, the card itself.
func (c *GiftCard) Consume(index *int, s GrantStamp) (int, error) {
	i, err := c.Redeemable.Consume(index, s)
	if err != nil {
		return 0, withCode(err, c.Code)
	}
	if c.Redeemable.IsFullyUsed() {
		at := s.At
		c.IsUsed = true
		c.UsedAt = &at
		c.UsedBy = s.Customer
		c.UsedInAppointment = s.Appointment
	}
	return i, nil
}

// GrantStats summarises grant consumption.
type GrantStats struct {
	Total     int
	Used      int
	Remaining int
}

func (c *GiftCard) Stats() GrantStats {
	grants := c.Redeemable.Grants()
	st := GrantStats{Total: len(grants)}
	for _, g := range grants {
		if g.Used {
			st.Used++
		}
	}
	st.Remaining = st.Total - st.Used
	return st
}

func (c GiftCard) Clone() GiftCard {
	out := c
	if c.Redeemable != nil {
		out.Redeemable = c.Redeemable.clone()
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	if c.UsedAt != nil {
		t := *c.UsedAt
		out.UsedAt = &t
	}
	return out
}

func withCode(err error, code string) error {
	var (
		used   *AlreadyUsedError
		none   *NoAvailableGrantError
		badIdx *InvalidGrantError
	)
	switch {
	case errors.As(err, &used):
		used.Code = code
	case errors.As(err, &none):
		none.Code = code
	case errors.As(err, &badIdx):
		badIdx.Code = code
	}
	return err
}

// =============================================================================
// VISIT PACKAGE
// =============================================================================

// Visit is one package visit drawn by an appointment.
type Visit struct {
	Date          time.Time
	AppointmentID AppointmentID
}

// Package is a prepaid bundle of visits for one service and duration.
type Package struct {
	ID              PackageID
	CustomerID      CustomerID
	ServiceID       ServiceID
	Duration        int
	BranchID        BranchID
	TotalVisits     int
	RemainingVisits int
	Price           decimal.Decimal
	PaymentMethod   PaymentMethod
	Visits          []Visit
	IsActive        bool
	Notes           string
	CreatedBy       UserID
	CreatedAt       time.Time

	Version int
}

// UseVisit draws one visit for appointment. A second draw for the same
// appointment is rejected.
func (p *Package) UseVisit(appointment AppointmentID, at time.Time) error {
	if !p.IsActive {
		return &InvalidStateError{Entity: "package", ID: string(p.ID), From: "inactive", To: "visit"}
	}
	if p.RemainingVisits <= 0 {
		return &NoAvailableGrantError{Code: string(p.ID)}
	}
	if appointment != "" {
		for _, v := range p.Visits {
			if v.AppointmentID == appointment {
				return &AlreadyUsedError{Code: string(p.ID), Grant: -1, Appointment: appointment}
			}
		}
	}
	p.RemainingVisits--
	p.Visits = append(p.Visits, Visit{Date: at, AppointmentID: appointment})
	if p.RemainingVisits == 0 {
		p.IsActive = false
	}
	return nil
}

func (p Package) Clone() Package {
	out := p
	out.Visits = append([]Visit(nil), p.Visits...)
	return out
}
