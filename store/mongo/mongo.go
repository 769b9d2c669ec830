/*
Package mongo provides a MongoDB-backed implementation of domain.TxStore.

PURPOSE:
  Same contract as store/sqlite for deployments that already run MongoDB.
  Requires a replica set: WithTx uses multi-document transactions.

COLLECTIONS:
  appointments, gift_cards (keyed by card number), packages, staff_blocks,
  expenses, customers, audit_log, staff_locks

COMMIT-TIME OVERLAP CHECK:
  MongoDB has no triggers. Insert/UpdateAppointment first bump a
  staff_locks document for the (staff, branch) pair, then look for
  overlapping active appointments. Two transactions booking the same
  staff member both write that lock document, so one of them aborts with
  a write conflict and WithTransaction retries it against the committed
  state, where the overlap is visible.

CONDITIONAL UPDATES:
  ReplaceOne filtered on {_id, version}; no match on an existing document
  is domain.ErrStaleWrite.

MONEY:
  decimal.Decimal values are stored as strings through a registry codec.

SEE ALSO:
  - domain/store.go: Interface definitions
  - store/sqlite/sqlite.go: SQLite implementation
*/
package mongo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collAppointments = "appointments"
	collGiftCards    = "gift_cards"
	collPackages     = "packages"
	collBlocks       = "staff_blocks"
	collExpenses     = "expenses"
	collCustomers    = "customers"
	collAudit        = "audit_log"
	collStaffLocks   = "staff_locks"
)

// Store implements domain.TxStore using MongoDB.
type Store struct {
	*queries
	client *mongo.Client
}

var _ domain.TxStore = (*Store)(nil)

// queries implements domain.Store. Inside a transaction sc is set and every
// operation runs on it instead of the caller's context.
type queries struct {
	db *mongo.Database
	sc mongo.SessionContext
}

var _ domain.Store = (*queries)(nil)

// New connects to uri, checks the server and creates indexes.
func New(ctx context.Context, uri, database string) (*Store, error) {
	opts := options.Client().ApplyURI(uri).SetRegistry(registry())
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &Store{queries: &queries{db: client.Database(database)}, client: client}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// WithTx runs fn inside a multi-document transaction. The driver may retry
// fn on transient errors, so fn must not have side effects outside tx.
func (s *Store) WithTx(ctx context.Context, fn func(domain.Store) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("could not start mongo session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(&queries{db: s.db, sc: sc})
	})
	return err
}

// Reset deletes every document. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	for _, name := range []string{collAppointments, collGiftCards, collPackages, collBlocks, collExpenses, collCustomers, collAudit, collStaffLocks} {
		if _, err := s.db.Collection(name).DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("reset %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collAppointments: {
			{Keys: bson.D{{Key: "staff_id", Value: 1}, {Key: "branch_id", Value: 1}, {Key: "start", Value: 1}}, Options: options.Index().SetName("staff_branch_start_idx")},
			{Keys: bson.D{{Key: "branch_id", Value: 1}, {Key: "start", Value: 1}}, Options: options.Index().SetName("branch_start_idx")},
			{Keys: bson.D{{Key: "advance_paid_at", Value: 1}}, Options: options.Index().SetName("advance_paid_idx").SetSparse(true)},
		},
		collGiftCards: {
			{Keys: bson.D{{Key: "branch_id", Value: 1}, {Key: "purchase_date", Value: -1}}, Options: options.Index().SetName("branch_purchase_idx")},
		},
		collPackages: {
			{Keys: bson.D{{Key: "branch_id", Value: 1}, {Key: "created_at", Value: -1}}, Options: options.Index().SetName("branch_created_idx")},
			{Keys: bson.D{{Key: "customer_id", Value: 1}}, Options: options.Index().SetName("customer_idx")},
		},
		collBlocks: {
			{Keys: bson.D{{Key: "staff_id", Value: 1}, {Key: "start", Value: 1}}, Options: options.Index().SetName("staff_start_idx")},
		},
		collExpenses: {
			{Keys: bson.D{{Key: "branch_id", Value: 1}, {Key: "date", Value: 1}}, Options: options.Index().SetName("branch_date_idx")},
		},
		collAudit: {
			{Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "at", Value: 1}}, Options: options.Index().SetName("entity_at_idx")},
		},
	}
	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", name, err)
		}
	}
	return nil
}

func (s *queries) bind(ctx context.Context) context.Context {
	if s.sc != nil {
		return s.sc
	}
	return ctx
}

func (s *queries) coll(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

type appointmentDoc struct {
	ID            domain.AppointmentID     `bson:"_id"`
	CustomerID    domain.CustomerID        `bson:"customer_id"`
	StaffID       domain.StaffID           `bson:"staff_id"`
	BranchID      domain.BranchID          `bson:"branch_id"`
	ServiceID     domain.ServiceID         `bson:"service_id"`
	Duration      int                      `bson:"duration"`
	Start         time.Time                `bson:"start"`
	End           time.Time                `bson:"end"`
	Price         decimal.Decimal          `bson:"price"`
	Status        domain.Status            `bson:"status"`
	Advance       *domain.AdvancePayment   `bson:"advance,omitempty"`
	AdvancePaidAt *time.Time               `bson:"advance_paid_at,omitempty"`
	Remaining     *domain.RemainingPayment `bson:"remaining,omitempty"`
	PaymentType   domain.PaymentType       `bson:"payment_type,omitempty"`
	GiftCard      string                   `bson:"gift_card,omitempty"`
	PackageID     domain.PackageID         `bson:"package_id,omitempty"`
	Tips          *domain.Tips             `bson:"tips,omitempty"`
	Discount      *domain.Discount         `bson:"discount,omitempty"`
	Feedback      *domain.Feedback         `bson:"feedback,omitempty"`
	Notes         string                   `bson:"notes,omitempty"`
	CreatedBy     domain.UserID            `bson:"created_by,omitempty"`
	CreatedAt     time.Time                `bson:"created_at"`
	UpdatedAt     time.Time                `bson:"updated_at"`
	Version       int                      `bson:"version"`
}

func newAppointmentDoc(a *domain.Appointment) appointmentDoc {
	d := appointmentDoc{
		ID: a.ID, CustomerID: a.CustomerID, StaffID: a.StaffID, BranchID: a.BranchID,
		ServiceID: a.ServiceID, Duration: a.Duration, Start: a.Start, End: a.End,
		Price: a.Price, Status: a.Status, Advance: a.Advance, Remaining: a.Remaining,
		PaymentType: a.PaymentType, GiftCard: a.GiftCard, PackageID: a.PackageID,
		Tips: a.Tips, Discount: a.Discount, Feedback: a.Feedback, Notes: a.Notes,
		CreatedBy: a.CreatedBy, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt, Version: a.Version,
	}
	if a.Advance != nil {
		paid := a.Advance.PaidAt
		d.AdvancePaidAt = &paid
	}
	return d
}

func (d appointmentDoc) appointment() domain.Appointment {
	return domain.Appointment{
		ID: d.ID, CustomerID: d.CustomerID, StaffID: d.StaffID, BranchID: d.BranchID,
		ServiceID: d.ServiceID, Duration: d.Duration, Start: d.Start, End: d.End,
		Price: d.Price, Status: d.Status, Advance: d.Advance, Remaining: d.Remaining,
		PaymentType: d.PaymentType, GiftCard: d.GiftCard, PackageID: d.PackageID,
		Tips: d.Tips, Discount: d.Discount, Feedback: d.Feedback, Notes: d.Notes,
		CreatedBy: d.CreatedBy, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt, Version: d.Version,
	}
}

type giftCardDoc struct {
	Code              string               `bson:"_id"`
	BranchID          domain.BranchID      `bson:"branch_id"`
	PurchasedBy       domain.CustomerID    `bson:"purchased_by,omitempty"`
	PurchaseDate      time.Time            `bson:"purchase_date"`
	ExpiresAt         *time.Time           `bson:"expires_at,omitempty"`
	Price             decimal.Decimal      `bson:"price"`
	PaymentMethod     domain.PaymentMethod `bson:"payment_method"`
	Notes             string               `bson:"notes,omitempty"`
	CreatedBy         domain.UserID        `bson:"created_by,omitempty"`
	Shape             domain.GrantShape    `bson:"shape"`
	Grants            []domain.Grant       `bson:"grants"`
	IsUsed            bool                 `bson:"is_used"`
	UsedAt            *time.Time           `bson:"used_at,omitempty"`
	UsedBy            domain.CustomerID    `bson:"used_by,omitempty"`
	UsedInAppointment domain.AppointmentID `bson:"used_in_appointment,omitempty"`
	Version           int                  `bson:"version"`
}

func newGiftCardDoc(c *domain.GiftCard) giftCardDoc {
	return giftCardDoc{
		Code: c.Code, BranchID: c.BranchID, PurchasedBy: c.PurchasedBy, PurchaseDate: c.PurchaseDate,
		ExpiresAt: c.ExpiresAt, Price: c.Price, PaymentMethod: c.PaymentMethod, Notes: c.Notes,
		CreatedBy: c.CreatedBy, Shape: c.Redeemable.Shape(), Grants: c.Redeemable.Grants(),
		IsUsed: c.IsUsed, UsedAt: c.UsedAt, UsedBy: c.UsedBy, UsedInAppointment: c.UsedInAppointment,
		Version: c.Version,
	}
}

func (d giftCardDoc) giftCard() domain.GiftCard {
	return domain.GiftCard{
		Code: d.Code, BranchID: d.BranchID, PurchasedBy: d.PurchasedBy, PurchaseDate: d.PurchaseDate,
		ExpiresAt: d.ExpiresAt, Price: d.Price, PaymentMethod: d.PaymentMethod, Notes: d.Notes,
		CreatedBy: d.CreatedBy, Redeemable: domain.RestoreRedeemable(d.Shape, d.Grants),
		IsUsed: d.IsUsed, UsedAt: d.UsedAt, UsedBy: d.UsedBy, UsedInAppointment: d.UsedInAppointment,
		Version: d.Version,
	}
}

type packageDoc struct {
	ID              domain.PackageID     `bson:"_id"`
	CustomerID      domain.CustomerID    `bson:"customer_id"`
	ServiceID       domain.ServiceID     `bson:"service_id"`
	Duration        int                  `bson:"duration"`
	BranchID        domain.BranchID      `bson:"branch_id"`
	TotalVisits     int                  `bson:"total_visits"`
	RemainingVisits int                  `bson:"remaining_visits"`
	Price           decimal.Decimal      `bson:"price"`
	PaymentMethod   domain.PaymentMethod `bson:"payment_method"`
	Visits          []domain.Visit       `bson:"visits"`
	IsActive        bool                 `bson:"is_active"`
	Notes           string               `bson:"notes,omitempty"`
	CreatedBy       domain.UserID        `bson:"created_by,omitempty"`
	CreatedAt       time.Time            `bson:"created_at"`
	Version         int                  `bson:"version"`
}

func newPackageDoc(p *domain.Package) packageDoc {
	visits := p.Visits
	if visits == nil {
		visits = []domain.Visit{}
	}
	return packageDoc{
		ID: p.ID, CustomerID: p.CustomerID, ServiceID: p.ServiceID, Duration: p.Duration,
		BranchID: p.BranchID, TotalVisits: p.TotalVisits, RemainingVisits: p.RemainingVisits,
		Price: p.Price, PaymentMethod: p.PaymentMethod, Visits: visits, IsActive: p.IsActive,
		Notes: p.Notes, CreatedBy: p.CreatedBy, CreatedAt: p.CreatedAt, Version: p.Version,
	}
}

func (d packageDoc) pkg() domain.Package {
	return domain.Package{
		ID: d.ID, CustomerID: d.CustomerID, ServiceID: d.ServiceID, Duration: d.Duration,
		BranchID: d.BranchID, TotalVisits: d.TotalVisits, RemainingVisits: d.RemainingVisits,
		Price: d.Price, PaymentMethod: d.PaymentMethod, Visits: d.Visits, IsActive: d.IsActive,
		Notes: d.Notes, CreatedBy: d.CreatedBy, CreatedAt: d.CreatedAt, Version: d.Version,
	}
}

type blockDoc struct {
	ID        string          `bson:"_id"`
	StaffID   domain.StaffID  `bson:"staff_id"`
	BranchID  domain.BranchID `bson:"branch_id"`
	Start     time.Time       `bson:"start"`
	End       time.Time       `bson:"end"`
	Reason    string          `bson:"reason,omitempty"`
	BlockedBy domain.UserID   `bson:"blocked_by,omitempty"`
	CreatedAt time.Time       `bson:"created_at"`
}

type expenseDoc struct {
	ID          string                 `bson:"_id"`
	BranchID    domain.BranchID        `bson:"branch_id"`
	Amount      decimal.Decimal        `bson:"amount"`
	Description string                 `bson:"description"`
	Category    domain.ExpenseCategory `bson:"category"`
	Date        time.Time              `bson:"date"`
	CreatedBy   domain.UserID          `bson:"created_by,omitempty"`
	CreatedAt   time.Time              `bson:"created_at"`
}

type customerDoc struct {
	ID        domain.CustomerID `bson:"_id"`
	Name      string            `bson:"name"`
	Phone     string            `bson:"phone,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
}

type auditDoc struct {
	ID         string             `bson:"_id"`
	At         time.Time          `bson:"at"`
	Actor      domain.UserID      `bson:"actor,omitempty"`
	Action     domain.AuditAction `bson:"action"`
	EntityType string             `bson:"entity_type"`
	EntityID   string             `bson:"entity_id"`
	Detail     map[string]string  `bson:"detail,omitempty"`
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

var byStart = options.Find().SetSort(bson.D{{Key: "start", Value: 1}, {Key: "_id", Value: 1}})

func (s *queries) GetAppointment(ctx context.Context, id domain.AppointmentID) (*domain.Appointment, error) {
	var d appointmentDoc
	if err := s.findOne(ctx, collAppointments, id, &d); err != nil {
		return nil, notFound(err, "appointment", string(id))
	}
	a := d.appointment()
	return &a, nil
}

func (s *queries) ListAppointments(ctx context.Context, f domain.AppointmentFilter) ([]domain.Appointment, error) {
	filter := bson.M{}
	eq(filter, "branch_id", string(f.BranchID))
	eq(filter, "staff_id", string(f.StaffID))
	eq(filter, "customer_id", string(f.CustomerID))
	eq(filter, "status", string(f.Status))
	between(filter, "start", f.From, f.To)
	return s.findAppointments(ctx, filter)
}

func (s *queries) FindOverlapping(ctx context.Context, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange, exclude domain.AppointmentID) ([]domain.Appointment, error) {
	filter := bson.M{
		"staff_id":  staff,
		"branch_id": branch,
		"status":    bson.M{"$ne": domain.StatusCancelled},
		"start":     bson.M{"$lt": r.End},
		"end":       bson.M{"$gt": r.Start},
	}
	if exclude != "" {
		filter["_id"] = bson.M{"$ne": exclude}
	}
	return s.findAppointments(ctx, filter)
}

func (s *queries) ListAdvancePayments(ctx context.Context, branch domain.BranchID, from, to time.Time) ([]domain.Appointment, error) {
	filter := bson.M{"advance_paid_at": bson.M{"$exists": true}}
	eq(filter, "branch_id", string(branch))
	between(filter, "advance_paid_at", from, to)
	return s.findAppointments(ctx, filter)
}

func (s *queries) InsertAppointment(ctx context.Context, a *domain.Appointment) error {
	ctx = s.bind(ctx)
	if err := s.guardOverlap(ctx, a); err != nil {
		return err
	}
	d := newAppointmentDoc(a)
	d.Version = 1
	if _, err := s.coll(collAppointments).InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &domain.ValidationError{Field: "id", Message: "appointment already exists"}
		}
		return fmt.Errorf("failed to insert appointment: %w", err)
	}
	a.Version = 1
	return nil
}

func (s *queries) UpdateAppointment(ctx context.Context, a *domain.Appointment) error {
	ctx = s.bind(ctx)
	if err := s.guardOverlap(ctx, a); err != nil {
		return err
	}
	d := newAppointmentDoc(a)
	d.Version = a.Version + 1
	if err := s.replace(ctx, collAppointments, a.ID, a.Version, d, "appointment"); err != nil {
		return err
	}
	a.Version++
	return nil
}

// guardOverlap serialises writers per staff member and branch through the
// lock document, then rejects an overlapping active appointment.
func (s *queries) guardOverlap(ctx context.Context, a *domain.Appointment) error {
	if a.Status == domain.StatusCancelled {
		return nil
	}
	lockID := string(a.StaffID) + "|" + string(a.BranchID)
	_, err := s.coll(collStaffLocks).UpdateOne(ctx,
		bson.M{"_id": lockID},
		bson.M{"$inc": bson.M{"writes": 1}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to lock staff schedule: %w", err)
	}

	existing, err := s.FindOverlapping(ctx, a.StaffID, a.BranchID, a.Range(), a.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return &domain.ConflictError{StaffID: a.StaffID, BranchID: a.BranchID, Range: a.Range(), ExistingID: string(existing[0].ID)}
	}
	return nil
}

func (s *queries) findAppointments(ctx context.Context, filter bson.M) ([]domain.Appointment, error) {
	docs, err := findAll[appointmentDoc](s.bind(ctx), s.coll(collAppointments), filter, byStart)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	out := make([]domain.Appointment, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.appointment())
	}
	return out, nil
}

// =============================================================================
// STAFF BLOCKS
// =============================================================================

func (s *queries) ListBlocks(ctx context.Context, staff domain.StaffID) ([]domain.BlockedRange, error) {
	return s.findBlocks(ctx, bson.M{"staff_id": staff})
}

func (s *queries) FindBlocks(ctx context.Context, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange) ([]domain.BlockedRange, error) {
	filter := bson.M{"staff_id": staff, "start": bson.M{"$lt": r.End}, "end": bson.M{"$gt": r.Start}}
	eq(filter, "branch_id", string(branch))
	return s.findBlocks(ctx, filter)
}

func (s *queries) InsertBlock(ctx context.Context, b domain.BlockedRange) error {
	d := blockDoc{
		ID: b.ID, StaffID: b.StaffID, BranchID: b.BranchID, Start: b.Range.Start, End: b.Range.End,
		Reason: b.Reason, BlockedBy: b.BlockedBy, CreatedAt: b.CreatedAt,
	}
	if _, err := s.coll(collBlocks).InsertOne(s.bind(ctx), d); err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}
	return nil
}

func (s *queries) DeleteBlock(ctx context.Context, id string) error {
	return s.deleteOne(ctx, collBlocks, id, "block")
}

func (s *queries) findBlocks(ctx context.Context, filter bson.M) ([]domain.BlockedRange, error) {
	docs, err := findAll[blockDoc](s.bind(ctx), s.coll(collBlocks), filter, byStart)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	out := make([]domain.BlockedRange, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.BlockedRange{
			ID: d.ID, StaffID: d.StaffID, BranchID: d.BranchID,
			Range:  domain.TimeRange{Start: d.Start, End: d.End},
			Reason: d.Reason, BlockedBy: d.BlockedBy, CreatedAt: d.CreatedAt,
		})
	}
	return out, nil
}

// =============================================================================
// GIFT CARDS
// =============================================================================

func (s *queries) GetGiftCard(ctx context.Context, code string) (*domain.GiftCard, error) {
	var d giftCardDoc
	if err := s.findOne(ctx, collGiftCards, code, &d); err != nil {
		return nil, notFound(err, "gift card", code)
	}
	c := d.giftCard()
	return &c, nil
}

func (s *queries) GiftCardExists(ctx context.Context, code string) (bool, error) {
	n, err := s.coll(collGiftCards).CountDocuments(s.bind(ctx), bson.M{"_id": code})
	return n > 0, err
}

func (s *queries) ListGiftCards(ctx context.Context, f domain.GiftCardFilter) ([]domain.GiftCard, error) {
	filter := bson.M{}
	eq(filter, "branch_id", string(f.BranchID))
	if f.Used != nil {
		filter["is_used"] = *f.Used
	}
	between(filter, "purchase_date", f.PurchasedFrom, f.PurchasedTo)

	opts := options.Find().SetSort(bson.D{{Key: "purchase_date", Value: -1}})
	docs, err := findAll[giftCardDoc](s.bind(ctx), s.coll(collGiftCards), filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query gift cards: %w", err)
	}
	out := make([]domain.GiftCard, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.giftCard())
	}
	return out, nil
}

func (s *queries) InsertGiftCard(ctx context.Context, c *domain.GiftCard) error {
	d := newGiftCardDoc(c)
	d.Version = 1
	if _, err := s.coll(collGiftCards).InsertOne(s.bind(ctx), d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &domain.ValidationError{Field: "code", Message: "card number already exists"}
		}
		return fmt.Errorf("failed to insert gift card: %w", err)
	}
	c.Version = 1
	return nil
}

func (s *queries) UpdateGiftCard(ctx context.Context, c *domain.GiftCard) error {
	d := newGiftCardDoc(c)
	d.Version = c.Version + 1
	if err := s.replace(s.bind(ctx), collGiftCards, c.Code, c.Version, d, "gift card"); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (s *queries) DeleteGiftCard(ctx context.Context, code string) error {
	return s.deleteOne(ctx, collGiftCards, code, "gift card")
}

// =============================================================================
// PACKAGES
// =============================================================================

func (s *queries) GetPackage(ctx context.Context, id domain.PackageID) (*domain.Package, error) {
	var d packageDoc
	if err := s.findOne(ctx, collPackages, id, &d); err != nil {
		return nil, notFound(err, "package", string(id))
	}
	p := d.pkg()
	return &p, nil
}

func (s *queries) ListPackages(ctx context.Context, f domain.PackageFilter) ([]domain.Package, error) {
	filter := bson.M{}
	eq(filter, "branch_id", string(f.BranchID))
	eq(filter, "customer_id", string(f.CustomerID))
	if f.ActiveOnly {
		filter["is_active"] = true
		filter["remaining_visits"] = bson.M{"$gt": 0}
	}
	between(filter, "created_at", f.CreatedFrom, f.CreatedTo)

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	docs, err := findAll[packageDoc](s.bind(ctx), s.coll(collPackages), filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	out := make([]domain.Package, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.pkg())
	}
	return out, nil
}

func (s *queries) InsertPackage(ctx context.Context, p *domain.Package) error {
	d := newPackageDoc(p)
	d.Version = 1
	if _, err := s.coll(collPackages).InsertOne(s.bind(ctx), d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &domain.ValidationError{Field: "id", Message: "package already exists"}
		}
		return fmt.Errorf("failed to insert package: %w", err)
	}
	p.Version = 1
	return nil
}

func (s *queries) UpdatePackage(ctx context.Context, p *domain.Package) error {
	d := newPackageDoc(p)
	d.Version = p.Version + 1
	if err := s.replace(s.bind(ctx), collPackages, p.ID, p.Version, d, "package"); err != nil {
		return err
	}
	p.Version++
	return nil
}

func (s *queries) DeletePackage(ctx context.Context, id domain.PackageID) error {
	return s.deleteOne(ctx, collPackages, id, "package")
}

// =============================================================================
// EXPENSES, CUSTOMERS, AUDIT
// =============================================================================

func (s *queries) InsertExpense(ctx context.Context, e domain.Expense) error {
	d := expenseDoc{
		ID: e.ID, BranchID: e.BranchID, Amount: e.Amount, Description: e.Description,
		Category: e.Category, Date: e.Date, CreatedBy: e.CreatedBy, CreatedAt: e.CreatedAt,
	}
	if _, err := s.coll(collExpenses).InsertOne(s.bind(ctx), d); err != nil {
		return fmt.Errorf("failed to insert expense: %w", err)
	}
	return nil
}

func (s *queries) ListExpenses(ctx context.Context, f domain.ExpenseFilter) ([]domain.Expense, error) {
	filter := bson.M{}
	eq(filter, "branch_id", string(f.BranchID))
	between(filter, "date", f.From, f.To)

	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}})
	docs, err := findAll[expenseDoc](s.bind(ctx), s.coll(collExpenses), filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query expenses: %w", err)
	}
	out := make([]domain.Expense, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.Expense{
			ID: d.ID, BranchID: d.BranchID, Amount: d.Amount, Description: d.Description,
			Category: d.Category, Date: d.Date, CreatedBy: d.CreatedBy, CreatedAt: d.CreatedAt,
		})
	}
	return out, nil
}

func (s *queries) DeleteExpense(ctx context.Context, id string) error {
	return s.deleteOne(ctx, collExpenses, id, "expense")
}

func (s *queries) GetCustomer(ctx context.Context, id domain.CustomerID) (*domain.Customer, error) {
	var d customerDoc
	if err := s.findOne(ctx, collCustomers, id, &d); err != nil {
		return nil, notFound(err, "customer", string(id))
	}
	return &domain.Customer{ID: d.ID, Name: d.Name, Phone: d.Phone, CreatedAt: d.CreatedAt}, nil
}

func (s *queries) SaveCustomer(ctx context.Context, c domain.Customer) error {
	d := customerDoc{ID: c.ID, Name: c.Name, Phone: c.Phone, CreatedAt: c.CreatedAt}
	_, err := s.coll(collCustomers).ReplaceOne(s.bind(ctx), bson.M{"_id": c.ID}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (s *queries) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	d := auditDoc{
		ID: e.ID, At: e.At, Actor: e.Actor, Action: e.Action,
		EntityType: e.EntityType, EntityID: e.EntityID, Detail: e.Detail,
	}
	if _, err := s.coll(collAudit).InsertOne(s.bind(ctx), d); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *queries) ListAudit(ctx context.Context, entityID string) ([]domain.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: 1}})
	docs, err := findAll[auditDoc](s.bind(ctx), s.coll(collAudit), bson.M{"entity_id": entityID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	out := make([]domain.AuditEntry, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.AuditEntry{
			ID: d.ID, At: d.At, Actor: d.Actor, Action: d.Action,
			EntityType: d.EntityType, EntityID: d.EntityID, Detail: d.Detail,
		})
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func findAll[D any](ctx context.Context, coll *mongo.Collection, filter bson.M, opts *options.FindOptions) ([]D, error) {
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []D
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *queries) findOne(ctx context.Context, name string, id any, dst any) error {
	return s.coll(name).FindOne(s.bind(ctx), bson.M{"_id": id}).Decode(dst)
}

// replace writes doc when the stored version still equals version.
func (s *queries) replace(ctx context.Context, name string, id any, version int, doc any, kind string) error {
	res, err := s.coll(name).ReplaceOne(ctx, bson.M{"_id": id, "version": version}, doc)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.coll(name).CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return &domain.NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
	}
	return domain.ErrStaleWrite
}

func (s *queries) deleteOne(ctx context.Context, name string, id any, kind string) error {
	res, err := s.coll(name).DeleteOne(s.bind(ctx), bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	if res.DeletedCount == 0 {
		return &domain.NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
	}
	return nil
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &domain.NotFoundError{Kind: kind, ID: id}
	}
	return fmt.Errorf("failed to get %s: %w", kind, err)
}

func eq(filter bson.M, field, value string) {
	if value != "" {
		filter[field] = value
	}
}

// between bounds field to [from, to); zero times leave that side open.
func between(filter bson.M, field string, from, to time.Time) {
	cond := bson.M{}
	if !from.IsZero() {
		cond["$gte"] = from
	}
	if !to.IsZero() {
		cond["$lt"] = to
	}
	if len(cond) == 0 {
		return
	}
	if existing, ok := filter[field].(bson.M); ok {
		for k, v := range cond {
			existing[k] = v
		}
		return
	}
	filter[field] = cond
}

// =============================================================================
// DECIMAL CODEC
// =============================================================================

var tDecimal = reflect.TypeOf(decimal.Decimal{})

func registry() *bsoncodec.Registry {
	r := bson.NewRegistry()
	r.RegisterTypeEncoder(tDecimal, bsoncodec.ValueEncoderFunc(encodeDecimal))
	r.RegisterTypeDecoder(tDecimal, bsoncodec.ValueDecoderFunc(decodeDecimal))
	return r
}

func encodeDecimal(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if !val.IsValid() || val.Type() != tDecimal {
		return bsoncodec.ValueEncoderError{Name: "encodeDecimal", Types: []reflect.Type{tDecimal}, Received: val}
	}
	return vw.WriteString(val.Interface().(decimal.Decimal).String())
}

func decodeDecimal(_ bsoncodec.DecodeContext, vr bsonrw.ValueReader, val reflect.Value) error {
	if !val.CanSet() || val.Type() != tDecimal {
		return bsoncodec.ValueDecoderError{Name: "decodeDecimal", Types: []reflect.Type{tDecimal}, Received: val}
	}
	raw, err := vr.ReadString()
	if err != nil {
		return err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("decode decimal %q: %w", raw, err)
	}
	val.Set(reflect.ValueOf(d))
	return nil
}
