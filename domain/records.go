package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CALLER - Verified identity handed to the engine by the boundary
// =============================================================================

type Role string

const (
	RoleAdmin        Role = "admin"
	RoleReceptionist Role = "receptionist"
)

// Caller is the authenticated user an operation runs for.
type Caller struct {
	UserID   UserID
	Role     Role
	BranchID BranchID
}

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// =============================================================================
// EXPENSES
// =============================================================================

type ExpenseCategory string

const (
	ExpenseSalaries  ExpenseCategory = "salaries"
	ExpenseSupplies  ExpenseCategory = "supplies"
	ExpenseUtilities ExpenseCategory = "utilities"
	ExpenseCleaning  ExpenseCategory = "cleaning"
	ExpenseRepairs   ExpenseCategory = "repairs"
	ExpenseMarketing ExpenseCategory = "marketing"
	ExpenseOther     ExpenseCategory = "other"
)

var expenseCategories = map[ExpenseCategory]bool{
	ExpenseSalaries: true, ExpenseSupplies: true, ExpenseUtilities: true,
	ExpenseCleaning: true, ExpenseRepairs: true, ExpenseMarketing: true, ExpenseOther: true,
}

func (c ExpenseCategory) Valid() bool { return expenseCategories[c] }

// Expense is money paid out by a branch.
type Expense struct {
	ID          string
	BranchID    BranchID
	Amount      decimal.Decimal
	Description string
	Category    ExpenseCategory
	Date        time.Time
	CreatedBy   UserID
	CreatedAt   time.Time
}

const maxExpenseDescription = 500

func (e *Expense) Validate() error {
	if e.BranchID == "" {
		return &ValidationError{Field: "branch_id", Message: "is required"}
	}
	if e.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Message: "cannot be negative"}
	}
	desc := strings.TrimSpace(e.Description)
	if desc == "" {
		return &ValidationError{Field: "description", Message: "is required"}
	}
	if len(desc) > maxExpenseDescription {
		return &ValidationError{Field: "description", Message: "is too long"}
	}
	if !e.Category.Valid() {
		return &ValidationError{Field: "category", Message: "unknown category"}
	}
	if e.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "is required"}
	}
	return nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

// Customer is the slice of the customer directory the engine keeps: enough
// to reach the customer after a visit.
type Customer struct {
	ID        CustomerID
	Name      string
	Phone     string
	CreatedAt time.Time
}

// =============================================================================
// BLOCKED STAFF RANGES
// =============================================================================

// BlockedRange is a period a staff member takes no bookings.
type BlockedRange struct {
	ID        string
	StaffID   StaffID
	BranchID  BranchID
	Range     TimeRange
	Reason    string
	BlockedBy UserID
	CreatedAt time.Time
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditAppointmentCreated     AuditAction = "appointment_created"
	AuditAppointmentRescheduled AuditAction = "appointment_rescheduled"
	AuditAppointmentCancelled   AuditAction = "appointment_cancelled"
	AuditAppointmentCompleted   AuditAction = "appointment_completed"
	AuditFeedbackAttached       AuditAction = "feedback_attached"
	AuditGiftCardIssued         AuditAction = "gift_card_issued"
	AuditGiftCardConsumed       AuditAction = "gift_card_consumed"
	AuditGiftCardDeleted        AuditAction = "gift_card_deleted"
	AuditPackageSold            AuditAction = "package_sold"
	AuditPackageVisit           AuditAction = "package_visit"
	AuditPackageDeleted         AuditAction = "package_deleted"
	AuditStaffBlocked           AuditAction = "staff_blocked"
	AuditStaffUnblocked         AuditAction = "staff_unblocked"
)

// AuditEntry records who did what when. Append-only.
type AuditEntry struct {
	ID         string
	At         time.Time
	Actor      UserID
	Action     AuditAction
	EntityType string
	EntityID   string
	Detail     map[string]string
}

// NewAuditEntry stamps an entry with a fresh id.
func NewAuditEntry(at time.Time, actor UserID, action AuditAction, entityType, entityID string, detail map[string]string) AuditEntry {
	return AuditEntry{
		ID:         uuid.NewString(),
		At:         at,
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
	}
}
