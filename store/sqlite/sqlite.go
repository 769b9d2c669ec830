/*
Package sqlite provides a SQLite-backed implementation of domain.TxStore.

PURPOSE:
  Persists appointments, gift cards, packages, blocked staff ranges,
  expenses, customers and the audit log. Services see only the
  domain.Store / domain.TxStore interfaces.

KEY TABLES:
  appointments:  bookings; sub-records (advance, remaining, tips, discount,
                 feedback) as JSON columns, advance_paid_at denormalised
                 for the daily report
  gift_cards:    keyed by card number; grants as JSON with their shape
  packages:      visit packages; visit history as JSON
  staff_blocks:  blocked staff ranges
  expenses, customers, audit_log

INDEXES:
  - idx_appointments_staff_branch_start: conflict checks (hot path)
  - idx_appointments_branch_start:       daily report
  - idx_gift_cards_branch_purchase:      daily report, listings

COMMIT-TIME OVERLAP CHECK:
  BEFORE INSERT / BEFORE UPDATE triggers abort any write that would leave
  two non-cancelled appointments of one staff member and branch
  overlapping. The abort surfaces as *domain.ConflictError, the same error
  a pre-check conflict gives.

CONDITIONAL UPDATES:
  UPDATE ... WHERE id = ? AND version = ?; zero affected rows on an
  existing record is domain.ErrStaleWrite.

TIME FORMAT:
  Instants are stored as fixed-width UTC text (2006-01-02T15:04:05.000Z)
  so string comparison in SQL orders them correctly.

CONCURRENCY:
  The pool holds a single connection: SQLite allows one writer, and an
  in-memory database lives and dies with its connection. WithTx therefore
  serialises with every other call.

USAGE:
  store, err := sqlite.New("./data/booking.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - domain/store.go: Interface definitions
  - domain/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/domain"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// querier is the part of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements domain.Store over a connection or a transaction.
type queries struct {
	q querier
}

var _ domain.Store = (*queries)(nil)

// Store implements domain.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

var _ domain.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(domain.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Reset deletes every row. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"audit_log", "appointments", "gift_cards", "packages", "staff_blocks", "expenses", "customers"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		staff_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		duration INTEGER NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		price TEXT NOT NULL,
		status TEXT NOT NULL,
		advance_json TEXT,
		advance_paid_at TEXT,
		remaining_json TEXT,
		payment_type TEXT,
		gift_card TEXT,
		package_id TEXT,
		tips_json TEXT,
		discount_json TEXT,
		feedback_json TEXT,
		notes TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_appointments_staff_branch_start
		ON appointments(staff_id, branch_id, start_at);
	CREATE INDEX IF NOT EXISTS idx_appointments_branch_start
		ON appointments(branch_id, start_at);
	CREATE INDEX IF NOT EXISTS idx_appointments_advance_paid
		ON appointments(advance_paid_at) WHERE advance_paid_at IS NOT NULL;

	-- CRITICAL: no two active appointments of one staff member and branch overlap
	CREATE TRIGGER IF NOT EXISTS trg_appointments_overlap_insert
	BEFORE INSERT ON appointments
	WHEN NEW.status != 'cancelled' AND NEW.start_at < NEW.end_at
	BEGIN
		SELECT RAISE(ABORT, 'appointment_overlap')
		WHERE EXISTS (
			SELECT 1 FROM appointments a
			WHERE a.staff_id = NEW.staff_id AND a.branch_id = NEW.branch_id
			  AND a.status != 'cancelled'
			  AND a.start_at < NEW.end_at AND NEW.start_at < a.end_at
		);
	END;

	CREATE TRIGGER IF NOT EXISTS trg_appointments_overlap_update
	BEFORE UPDATE OF staff_id, branch_id, start_at, end_at, status ON appointments
	WHEN NEW.status != 'cancelled' AND NEW.start_at < NEW.end_at
	BEGIN
		SELECT RAISE(ABORT, 'appointment_overlap')
		WHERE EXISTS (
			SELECT 1 FROM appointments a
			WHERE a.id != NEW.id
			  AND a.staff_id = NEW.staff_id AND a.branch_id = NEW.branch_id
			  AND a.status != 'cancelled'
			  AND a.start_at < NEW.end_at AND NEW.start_at < a.end_at
		);
	END;

	CREATE TABLE IF NOT EXISTS gift_cards (
		code TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL,
		purchased_by TEXT,
		purchase_date TEXT NOT NULL,
		expires_at TEXT,
		price TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		notes TEXT,
		created_by TEXT,
		shape TEXT NOT NULL,
		grants_json TEXT NOT NULL,
		is_used INTEGER NOT NULL DEFAULT 0,
		used_at TEXT,
		used_by TEXT,
		used_in_appointment TEXT,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gift_cards_branch_purchase
		ON gift_cards(branch_id, purchase_date);

	CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		duration INTEGER NOT NULL,
		branch_id TEXT NOT NULL,
		total_visits INTEGER NOT NULL,
		remaining_visits INTEGER NOT NULL,
		price TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		visits_json TEXT NOT NULL,
		is_active INTEGER NOT NULL,
		notes TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_packages_branch_created
		ON packages(branch_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_packages_customer
		ON packages(customer_id);

	CREATE TABLE IF NOT EXISTS staff_blocks (
		id TEXT PRIMARY KEY,
		staff_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		reason TEXT,
		blocked_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_staff_blocks_staff_start
		ON staff_blocks(staff_id, start_at);

	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL,
		category TEXT NOT NULL,
		date TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_expenses_branch_date
		ON expenses(branch_id, date);

	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor TEXT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_id, at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

const appointmentColumns = `id, customer_id, staff_id, branch_id, service_id, duration,
	start_at, end_at, price, status, advance_json, advance_paid_at, remaining_json,
	payment_type, gift_card, package_id, tips_json, discount_json, feedback_json,
	notes, created_by, created_at, updated_at, version`

func (s *queries) GetAppointment(ctx context.Context, id domain.AppointmentID) (*domain.Appointment, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+appointmentColumns+" FROM appointments WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointment: %w", err)
	}
	list, err := scanAppointments(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &domain.NotFoundError{Kind: "appointment", ID: string(id)}
	}
	return &list[0], nil
}

func (s *queries) ListAppointments(ctx context.Context, f domain.AppointmentFilter) ([]domain.Appointment, error) {
	var w where
	w.eq("branch_id", string(f.BranchID))
	w.eq("staff_id", string(f.StaffID))
	w.eq("customer_id", string(f.CustomerID))
	w.eq("status", string(f.Status))
	w.timeFrom("start_at", f.From)
	w.timeTo("start_at", f.To)
	return s.queryAppointments(ctx, "SELECT "+appointmentColumns+" FROM appointments"+w.sql()+" ORDER BY start_at, id", w.args...)
}

func (s *queries) FindOverlapping(ctx context.Context, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange, exclude domain.AppointmentID) ([]domain.Appointment, error) {
	query := "SELECT " + appointmentColumns + ` FROM appointments
		WHERE staff_id = ? AND branch_id = ? AND status != 'cancelled'
		  AND start_at < ? AND end_at > ? AND start_at < end_at AND id != ?
		ORDER BY start_at, id`
	return s.queryAppointments(ctx, query, staff, branch, fmtTime(r.End), fmtTime(r.Start), exclude)
}

func (s *queries) ListAdvancePayments(ctx context.Context, branch domain.BranchID, from, to time.Time) ([]domain.Appointment, error) {
	w := where{clauses: []string{"advance_paid_at IS NOT NULL"}}
	w.eq("branch_id", string(branch))
	w.timeFrom("advance_paid_at", from)
	w.timeTo("advance_paid_at", to)
	return s.queryAppointments(ctx, "SELECT "+appointmentColumns+" FROM appointments"+w.sql()+" ORDER BY start_at, id", w.args...)
}

func (s *queries) InsertAppointment(ctx context.Context, a *domain.Appointment) error {
	query := "INSERT INTO appointments (" + appointmentColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	args := appointmentArgs(a)
	args[len(args)-1] = 1
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return appointmentWriteError(a, err)
	}
	a.Version = 1
	return nil
}

func (s *queries) UpdateAppointment(ctx context.Context, a *domain.Appointment) error {
	query := `UPDATE appointments SET
		customer_id = ?, staff_id = ?, branch_id = ?, service_id = ?, duration = ?,
		start_at = ?, end_at = ?, price = ?, status = ?, advance_json = ?, advance_paid_at = ?,
		remaining_json = ?, payment_type = ?, gift_card = ?, package_id = ?, tips_json = ?,
		discount_json = ?, feedback_json = ?, notes = ?, created_by = ?, created_at = ?,
		updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`
	args := appointmentArgs(a)
	// drop id from the front and version from the back, then key the row
	args = append(args[1:len(args)-1], a.ID, a.Version)

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return appointmentWriteError(a, err)
	}
	if err := s.checkAffected(ctx, res, "appointments", "id", string(a.ID), "appointment"); err != nil {
		return err
	}
	a.Version++
	return nil
}

func appointmentArgs(a *domain.Appointment) []any {
	var advancePaidAt sql.NullString
	if a.Advance != nil {
		advancePaidAt = sql.NullString{String: fmtTime(a.Advance.PaidAt), Valid: true}
	}
	return []any{
		a.ID, a.CustomerID, a.StaffID, a.BranchID, a.ServiceID, a.Duration,
		fmtTime(a.Start), fmtTime(a.End), a.Price.String(), a.Status,
		toJSON(a.Advance), advancePaidAt, toJSON(a.Remaining),
		nullString(string(a.PaymentType)), nullString(a.GiftCard), nullString(string(a.PackageID)),
		toJSON(a.Tips), toJSON(a.Discount), toJSON(a.Feedback),
		nullString(a.Notes), nullString(string(a.CreatedBy)), fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt),
		a.Version,
	}
}

func appointmentWriteError(a *domain.Appointment, err error) error {
	if isOverlapError(err) {
		return &domain.ConflictError{StaffID: a.StaffID, BranchID: a.BranchID, Range: a.Range()}
	}
	if isUniqueConstraintError(err) {
		return &domain.ValidationError{Field: "id", Message: "appointment already exists"}
	}
	return fmt.Errorf("failed to write appointment: %w", err)
}

func (s *queries) queryAppointments(ctx context.Context, query string, args ...any) ([]domain.Appointment, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	return scanAppointments(rows)
}

func scanAppointments(rows *sql.Rows) ([]domain.Appointment, error) {
	defer rows.Close()

	var out []domain.Appointment
	for rows.Next() {
		var (
			a                                 domain.Appointment
			startAt, endAt, price             string
			advance, advancePaidAt, remaining sql.NullString
			paymentType, giftCard, packageID  sql.NullString
			tips, discount, feedback          sql.NullString
			notes, createdBy                  sql.NullString
			createdAt, updatedAt              string
		)
		err := rows.Scan(
			&a.ID, &a.CustomerID, &a.StaffID, &a.BranchID, &a.ServiceID, &a.Duration,
			&startAt, &endAt, &price, &a.Status, &advance, &advancePaidAt, &remaining,
			&paymentType, &giftCard, &packageID, &tips, &discount, &feedback,
			&notes, &createdBy, &createdAt, &updatedAt, &a.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		a.Start = parseTime(startAt)
		a.End = parseTime(endAt)
		a.Price = parseDecimal(price)
		a.PaymentType = domain.PaymentType(paymentType.String)
		a.GiftCard = giftCard.String
		a.PackageID = domain.PackageID(packageID.String)
		a.Notes = notes.String
		a.CreatedBy = domain.UserID(createdBy.String)
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)

		if err := fromJSON(advance, &a.Advance); err != nil {
			return nil, err
		}
		if err := fromJSON(remaining, &a.Remaining); err != nil {
			return nil, err
		}
		if err := fromJSON(tips, &a.Tips); err != nil {
			return nil, err
		}
		if err := fromJSON(discount, &a.Discount); err != nil {
			return nil, err
		}
		if err := fromJSON(feedback, &a.Feedback); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// STAFF BLOCKS
// =============================================================================

const blockColumns = "id, staff_id, branch_id, start_at, end_at, reason, blocked_by, created_at"

func (s *queries) ListBlocks(ctx context.Context, staff domain.StaffID) ([]domain.BlockedRange, error) {
	return s.queryBlocks(ctx, "SELECT "+blockColumns+" FROM staff_blocks WHERE staff_id = ? ORDER BY start_at", staff)
}

func (s *queries) FindBlocks(ctx context.Context, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange) ([]domain.BlockedRange, error) {
	w := where{clauses: []string{"staff_id = ?", "start_at < ?", "end_at > ?"}, args: []any{staff, fmtTime(r.End), fmtTime(r.Start)}}
	w.eq("branch_id", string(branch))
	return s.queryBlocks(ctx, "SELECT "+blockColumns+" FROM staff_blocks"+w.sql()+" ORDER BY start_at", w.args...)
}

func (s *queries) InsertBlock(ctx context.Context, b domain.BlockedRange) error {
	_, err := s.q.ExecContext(ctx, "INSERT INTO staff_blocks ("+blockColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		b.ID, b.StaffID, b.BranchID, fmtTime(b.Range.Start), fmtTime(b.Range.End),
		nullString(b.Reason), nullString(string(b.BlockedBy)), fmtTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}
	return nil
}

func (s *queries) DeleteBlock(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "staff_blocks", "id", id, "block")
}

func (s *queries) queryBlocks(ctx context.Context, query string, args ...any) ([]domain.BlockedRange, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var out []domain.BlockedRange
	for rows.Next() {
		var (
			b                 domain.BlockedRange
			startAt, endAt    string
			reason, blockedBy sql.NullString
			createdAt         string
		)
		if err := rows.Scan(&b.ID, &b.StaffID, &b.BranchID, &startAt, &endAt, &reason, &blockedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		b.Range = domain.TimeRange{Start: parseTime(startAt), End: parseTime(endAt)}
		b.Reason = reason.String
		b.BlockedBy = domain.UserID(blockedBy.String)
		b.CreatedAt = parseTime(createdAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// GIFT CARDS
// =============================================================================

const giftCardColumns = `code, branch_id, purchased_by, purchase_date, expires_at, price,
	payment_method, notes, created_by, shape, grants_json, is_used, used_at, used_by,
	used_in_appointment, version`

func (s *queries) GetGiftCard(ctx context.Context, code string) (*domain.GiftCard, error) {
	list, err := s.queryGiftCards(ctx, "SELECT "+giftCardColumns+" FROM gift_cards WHERE code = ?", code)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &domain.NotFoundError{Kind: "gift card", ID: code}
	}
	return &list[0], nil
}

func (s *queries) GiftCardExists(ctx context.Context, code string) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM gift_cards WHERE code = ?", code).Scan(&count)
	return count > 0, err
}

func (s *queries) ListGiftCards(ctx context.Context, f domain.GiftCardFilter) ([]domain.GiftCard, error) {
	var w where
	w.eq("branch_id", string(f.BranchID))
	if f.Used != nil {
		w.add("is_used = ?", boolInt(*f.Used))
	}
	w.timeFrom("purchase_date", f.PurchasedFrom)
	w.timeTo("purchase_date", f.PurchasedTo)
	return s.queryGiftCards(ctx, "SELECT "+giftCardColumns+" FROM gift_cards"+w.sql()+" ORDER BY purchase_date DESC", w.args...)
}

func (s *queries) InsertGiftCard(ctx context.Context, c *domain.GiftCard) error {
	args, err := giftCardArgs(c)
	if err != nil {
		return err
	}
	args[len(args)-1] = 1
	_, err = s.q.ExecContext(ctx, "INSERT INTO gift_cards ("+giftCardColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &domain.ValidationError{Field: "code", Message: "card number already exists"}
		}
		return fmt.Errorf("failed to insert gift card: %w", err)
	}
	c.Version = 1
	return nil
}

func (s *queries) UpdateGiftCard(ctx context.Context, c *domain.GiftCard) error {
	args, err := giftCardArgs(c)
	if err != nil {
		return err
	}
	args = append(args[1:len(args)-1], c.Code, c.Version)
	res, err := s.q.ExecContext(ctx, `UPDATE gift_cards SET
		branch_id = ?, purchased_by = ?, purchase_date = ?, expires_at = ?, price = ?,
		payment_method = ?, notes = ?, created_by = ?, shape = ?, grants_json = ?, is_used = ?,
		used_at = ?, used_by = ?, used_in_appointment = ?, version = version + 1
		WHERE code = ? AND version = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update gift card: %w", err)
	}
	if err := s.checkAffected(ctx, res, "gift_cards", "code", c.Code, "gift card"); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (s *queries) DeleteGiftCard(ctx context.Context, code string) error {
	return s.deleteByID(ctx, "gift_cards", "code", code, "gift card")
}

func giftCardArgs(c *domain.GiftCard) ([]any, error) {
	grants, err := json.Marshal(c.Redeemable.Grants())
	if err != nil {
		return nil, fmt.Errorf("failed to encode grants: %w", err)
	}
	return []any{
		c.Code, c.BranchID, nullString(string(c.PurchasedBy)), fmtTime(c.PurchaseDate), nullTime(c.ExpiresAt),
		c.Price.String(), c.PaymentMethod, nullString(c.Notes), nullString(string(c.CreatedBy)),
		c.Redeemable.Shape(), string(grants), boolInt(c.IsUsed), nullTime(c.UsedAt),
		nullString(string(c.UsedBy)), nullString(string(c.UsedInAppointment)),
		c.Version,
	}, nil
}

func (s *queries) queryGiftCards(ctx context.Context, query string, args ...any) ([]domain.GiftCard, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query gift cards: %w", err)
	}
	defer rows.Close()

	var out []domain.GiftCard
	for rows.Next() {
		var (
			c                                 domain.GiftCard
			purchasedBy, expiresAt, notes     sql.NullString
			createdBy, usedAt, usedBy, usedIn sql.NullString
			purchaseDate, price, shape        string
			grantsJSON                        string
			isUsed                            int
		)
		err := rows.Scan(&c.Code, &c.BranchID, &purchasedBy, &purchaseDate, &expiresAt, &price,
			&c.PaymentMethod, &notes, &createdBy, &shape, &grantsJSON, &isUsed, &usedAt, &usedBy,
			&usedIn, &c.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gift card: %w", err)
		}
		var grants []domain.Grant
		if err := json.Unmarshal([]byte(grantsJSON), &grants); err != nil {
			return nil, fmt.Errorf("failed to decode grants of %s: %w", c.Code, err)
		}
		c.Redeemable = domain.RestoreRedeemable(domain.GrantShape(shape), grants)
		c.PurchasedBy = domain.CustomerID(purchasedBy.String)
		c.PurchaseDate = parseTime(purchaseDate)
		c.ExpiresAt = parseNullTime(expiresAt)
		c.Price = parseDecimal(price)
		c.Notes = notes.String
		c.CreatedBy = domain.UserID(createdBy.String)
		c.IsUsed = isUsed == 1
		c.UsedAt = parseNullTime(usedAt)
		c.UsedBy = domain.CustomerID(usedBy.String)
		c.UsedInAppointment = domain.AppointmentID(usedIn.String)
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// PACKAGES
// =============================================================================

const packageColumns = `id, customer_id, service_id, duration, branch_id, total_visits,
	remaining_visits, price, payment_method, visits_json, is_active, notes, created_by,
	created_at, version`

func (s *queries) GetPackage(ctx context.Context, id domain.PackageID) (*domain.Package, error) {
	list, err := s.queryPackages(ctx, "SELECT "+packageColumns+" FROM packages WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &domain.NotFoundError{Kind: "package", ID: string(id)}
	}
	return &list[0], nil
}

func (s *queries) ListPackages(ctx context.Context, f domain.PackageFilter) ([]domain.Package, error) {
	var w where
	w.eq("branch_id", string(f.BranchID))
	w.eq("customer_id", string(f.CustomerID))
	if f.ActiveOnly {
		w.add("is_active = 1 AND remaining_visits > 0")
	}
	w.timeFrom("created_at", f.CreatedFrom)
	w.timeTo("created_at", f.CreatedTo)
	return s.queryPackages(ctx, "SELECT "+packageColumns+" FROM packages"+w.sql()+" ORDER BY created_at DESC", w.args...)
}

func (s *queries) InsertPackage(ctx context.Context, p *domain.Package) error {
	args := packageArgs(p)
	args[len(args)-1] = 1
	_, err := s.q.ExecContext(ctx, "INSERT INTO packages ("+packageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &domain.ValidationError{Field: "id", Message: "package already exists"}
		}
		return fmt.Errorf("failed to insert package: %w", err)
	}
	p.Version = 1
	return nil
}

func (s *queries) UpdatePackage(ctx context.Context, p *domain.Package) error {
	args := packageArgs(p)
	args = append(args[1:len(args)-1], p.ID, p.Version)
	res, err := s.q.ExecContext(ctx, `UPDATE packages SET
		customer_id = ?, service_id = ?, duration = ?, branch_id = ?, total_visits = ?,
		remaining_visits = ?, price = ?, payment_method = ?, visits_json = ?, is_active = ?,
		notes = ?, created_by = ?, created_at = ?, version = version + 1
		WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update package: %w", err)
	}
	if err := s.checkAffected(ctx, res, "packages", "id", string(p.ID), "package"); err != nil {
		return err
	}
	p.Version++
	return nil
}

func (s *queries) DeletePackage(ctx context.Context, id domain.PackageID) error {
	return s.deleteByID(ctx, "packages", "id", string(id), "package")
}

func packageArgs(p *domain.Package) []any {
	visits, _ := json.Marshal(p.Visits)
	if p.Visits == nil {
		visits = []byte("[]")
	}
	return []any{
		p.ID, p.CustomerID, p.ServiceID, p.Duration, p.BranchID, p.TotalVisits,
		p.RemainingVisits, p.Price.String(), p.PaymentMethod, string(visits), boolInt(p.IsActive),
		nullString(p.Notes), nullString(string(p.CreatedBy)), fmtTime(p.CreatedAt),
		p.Version,
	}
}

func (s *queries) queryPackages(ctx context.Context, query string, args ...any) ([]domain.Package, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var out []domain.Package
	for rows.Next() {
		var (
			p                        domain.Package
			price, visits, createdAt string
			notes, createdBy         sql.NullString
			isActive                 int
		)
		err := rows.Scan(&p.ID, &p.CustomerID, &p.ServiceID, &p.Duration, &p.BranchID, &p.TotalVisits,
			&p.RemainingVisits, &price, &p.PaymentMethod, &visits, &isActive, &notes, &createdBy,
			&createdAt, &p.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		if err := json.Unmarshal([]byte(visits), &p.Visits); err != nil {
			return nil, fmt.Errorf("failed to decode visits of %s: %w", p.ID, err)
		}
		p.Price = parseDecimal(price)
		p.IsActive = isActive == 1
		p.Notes = notes.String
		p.CreatedBy = domain.UserID(createdBy.String)
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// EXPENSES, CUSTOMERS, AUDIT
// =============================================================================

func (s *queries) InsertExpense(ctx context.Context, e domain.Expense) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO expenses
		(id, branch_id, amount, description, category, date, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BranchID, e.Amount.String(), e.Description, e.Category, fmtTime(e.Date),
		nullString(string(e.CreatedBy)), fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert expense: %w", err)
	}
	return nil
}

func (s *queries) ListExpenses(ctx context.Context, f domain.ExpenseFilter) ([]domain.Expense, error) {
	var w where
	w.eq("branch_id", string(f.BranchID))
	w.timeFrom("date", f.From)
	w.timeTo("date", f.To)
	rows, err := s.q.QueryContext(ctx, `SELECT id, branch_id, amount, description, category, date, created_by, created_at
		FROM expenses`+w.sql()+" ORDER BY date", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expenses: %w", err)
	}
	defer rows.Close()

	var out []domain.Expense
	for rows.Next() {
		var (
			e                       domain.Expense
			amount, date, createdAt string
			createdBy               sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.BranchID, &amount, &e.Description, &e.Category, &date, &createdBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		e.Amount = parseDecimal(amount)
		e.Date = parseTime(date)
		e.CreatedBy = domain.UserID(createdBy.String)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *queries) DeleteExpense(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "expenses", "id", id, "expense")
}

func (s *queries) GetCustomer(ctx context.Context, id domain.CustomerID) (*domain.Customer, error) {
	var (
		c         domain.Customer
		phone     sql.NullString
		createdAt string
	)
	err := s.q.QueryRowContext(ctx, "SELECT id, name, phone, created_at FROM customers WHERE id = ?", id).
		Scan(&c.ID, &c.Name, &phone, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "customer", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	c.Phone = phone.String
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (s *queries) SaveCustomer(ctx context.Context, c domain.Customer) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO customers (id, name, phone, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone`,
		c.ID, c.Name, nullString(c.Phone), fmtTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (s *queries) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO audit_log (id, at, actor, action, entity_type, entity_id, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, fmtTime(e.At), nullString(string(e.Actor)), e.Action, e.EntityType, e.EntityID, toJSON(e.Detail))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *queries) ListAudit(ctx context.Context, entityID string) ([]domain.AuditEntry, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, at, actor, action, entity_type, entity_id, detail_json
		FROM audit_log WHERE entity_id = ? ORDER BY at, rowid`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e             domain.AuditEntry
			at            string
			actor, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &actor, &e.Action, &e.EntityType, &e.EntityID, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.At = parseTime(at)
		e.Actor = domain.UserID(actor.String)
		if err := fromJSON(detail, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// where accumulates AND-ed conditions.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) eq(column, value string) {
	if value != "" {
		w.add(column+" = ?", value)
	}
}

func (w *where) timeFrom(column string, t time.Time) {
	if !t.IsZero() {
		w.add(column+" >= ?", fmtTime(t))
	}
}

func (w *where) timeTo(column string, t time.Time) {
	if !t.IsZero() {
		w.add(column+" < ?", fmtTime(t))
	}
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// checkAffected turns a zero-row conditional update into NotFound or
// ErrStaleWrite.
func (s *queries) checkAffected(ctx context.Context, res sql.Result, table, key, id, kind string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+key+" = ?", id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return &domain.NotFoundError{Kind: kind, ID: id}
	}
	return domain.ErrStaleWrite
}

func (s *queries) deleteByID(ctx context.Context, table, key, id, kind string) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+key+" = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &domain.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// toJSON encodes v, storing NULL for nil pointers and maps.
func toJSON[T any](v T) sql.NullString {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func fromJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), dst); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isOverlapError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "appointment_overlap")
}
