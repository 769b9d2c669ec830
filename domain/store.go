/*
store.go - Persistence interfaces for bookings, instruments and money records

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations use SQLite, MongoDB, or in-memory storage; the services
  only see these interfaces.

KEY INTERFACES:
  AppointmentStore: bookings, overlap lookup, conditional updates
  BlockStore:       blocked staff ranges
  InstrumentStore:  gift cards and visit packages
  ExpenseStore:     branch expenses
  CustomerStore:    minimal customer records
  AuditLog:         append-only audit trail
  Store:            all of the above
  TxStore:          Store + WithTx for atomic multi-record writes

CONDITIONAL UPDATES:
  UpdateAppointment, UpdateGiftCard and UpdatePackage are compare-and-swap
  writes keyed on the record's Version. A write whose Version no longer
  matches the stored one fails with ErrStaleWrite and changes nothing. On
  success the stored version (and the passed struct's Version) is bumped.

COMMIT-TIME OVERLAP CHECK:
  InsertAppointment and UpdateAppointment must refuse a non-cancelled
  appointment overlapping another non-cancelled appointment of the same
  staff member and branch, returning a *ConflictError. Services check first;
  this catches the race between check and write.

NOT FOUND:
  Get* methods return a *NotFoundError for unknown identifiers.

IMPLEMENTATIONS:
  - domain/store/memory.go: In-memory for tests and demos
  - store/sqlite/sqlite.go: SQLite
  - store/mongo/mongo.go:   MongoDB

SEE ALSO:
  - booking/manager.go, settlement/engine.go: Use WithTx for atomicity
*/
package domain

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

// AppointmentFilter selects appointments whose Start lies in [From, To).
// Zero values leave a dimension unfiltered.
type AppointmentFilter struct {
	BranchID   BranchID
	StaffID    StaffID
	CustomerID CustomerID
	Status     Status
	From       time.Time
	To         time.Time
}

func (f AppointmentFilter) Matches(a *Appointment) bool {
	if f.BranchID != "" && a.BranchID != f.BranchID {
		return false
	}
	if f.StaffID != "" && a.StaffID != f.StaffID {
		return false
	}
	if f.CustomerID != "" && a.CustomerID != f.CustomerID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && a.Start.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.Start.Before(f.To) {
		return false
	}
	return true
}

// GiftCardFilter selects gift cards; PurchasedFrom/To bound PurchaseDate.
type GiftCardFilter struct {
	BranchID      BranchID
	Used          *bool
	PurchasedFrom time.Time
	PurchasedTo   time.Time
}

func (f GiftCardFilter) Matches(c *GiftCard) bool {
	if f.BranchID != "" && c.BranchID != f.BranchID {
		return false
	}
	if f.Used != nil && c.IsFullyUsed() != *f.Used {
		return false
	}
	if !f.PurchasedFrom.IsZero() && c.PurchaseDate.Before(f.PurchasedFrom) {
		return false
	}
	if !f.PurchasedTo.IsZero() && !c.PurchaseDate.Before(f.PurchasedTo) {
		return false
	}
	return true
}

// PackageFilter selects packages; CreatedFrom/To bound CreatedAt.
type PackageFilter struct {
	BranchID    BranchID
	CustomerID  CustomerID
	ActiveOnly  bool
	CreatedFrom time.Time
	CreatedTo   time.Time
}

func (f PackageFilter) Matches(p *Package) bool {
	if f.BranchID != "" && p.BranchID != f.BranchID {
		return false
	}
	if f.CustomerID != "" && p.CustomerID != f.CustomerID {
		return false
	}
	if f.ActiveOnly && (!p.IsActive || p.RemainingVisits <= 0) {
		return false
	}
	if !f.CreatedFrom.IsZero() && p.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !p.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	return true
}

// ExpenseFilter selects expenses dated in [From, To).
type ExpenseFilter struct {
	BranchID BranchID
	From     time.Time
	To       time.Time
}

func (f ExpenseFilter) Matches(e *Expense) bool {
	if f.BranchID != "" && e.BranchID != f.BranchID {
		return false
	}
	if !f.From.IsZero() && e.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Date.Before(f.To) {
		return false
	}
	return true
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

type AppointmentStore interface {
	GetAppointment(ctx context.Context, id AppointmentID) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	// FindOverlapping returns non-cancelled appointments of staff at branch
	// overlapping r, skipping exclude.
	FindOverlapping(ctx context.Context, staff StaffID, branch BranchID, r TimeRange, exclude AppointmentID) ([]Appointment, error)
	// ListAdvancePayments returns appointments whose advance was paid in [from, to).
	ListAdvancePayments(ctx context.Context, branch BranchID, from, to time.Time) ([]Appointment, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error
}

type BlockStore interface {
	ListBlocks(ctx context.Context, staff StaffID) ([]BlockedRange, error)
	FindBlocks(ctx context.Context, staff StaffID, branch BranchID, r TimeRange) ([]BlockedRange, error)
	InsertBlock(ctx context.Context, b BlockedRange) error
	DeleteBlock(ctx context.Context, id string) error
}

type InstrumentStore interface {
	GetGiftCard(ctx context.Context, code string) (*GiftCard, error)
	GiftCardExists(ctx context.Context, code string) (bool, error)
	ListGiftCards(ctx context.Context, f GiftCardFilter) ([]GiftCard, error)
	InsertGiftCard(ctx context.Context, c *GiftCard) error
	UpdateGiftCard(ctx context.Context, c *GiftCard) error
	DeleteGiftCard(ctx context.Context, code string) error

	GetPackage(ctx context.Context, id PackageID) (*Package, error)
	ListPackages(ctx context.Context, f PackageFilter) ([]Package, error)
	InsertPackage(ctx context.Context, p *Package) error
	UpdatePackage(ctx context.Context, p *Package) error
	DeletePackage(ctx context.Context, id PackageID) error
}

type ExpenseStore interface {
	InsertExpense(ctx context.Context, e Expense) error
	ListExpenses(ctx context.Context, f ExpenseFilter) ([]Expense, error)
	DeleteExpense(ctx context.Context, id string) error
}

type CustomerStore interface {
	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)
	SaveCustomer(ctx context.Context, c Customer) error
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, entityID string) ([]AuditEntry, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	AppointmentStore
	BlockStore
	InstrumentStore
	ExpenseStore
	CustomerStore
	AuditLog
}

// TxStore extends Store with transactional operations.
type TxStore interface {
	Store
	// WithTx runs fn against a transactional view. Any error from fn rolls
	// back every write made through that view.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
