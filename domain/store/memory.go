// Package store provides an in-memory domain.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/booking-engine/domain"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one mutex. WithTx holds the
// mutex for the whole function, so transactions are serial.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	appointments map[domain.AppointmentID]domain.Appointment
	blocks       map[string]domain.BlockedRange
	giftCards    map[string]domain.GiftCard
	packages     map[domain.PackageID]domain.Package
	expenses     map[string]domain.Expense
	customers    map[domain.CustomerID]domain.Customer
	audit        []domain.AuditEntry
}

func newState() *state {
	return &state{
		appointments: make(map[domain.AppointmentID]domain.Appointment),
		blocks:       make(map[string]domain.BlockedRange),
		giftCards:    make(map[string]domain.GiftCard),
		packages:     make(map[domain.PackageID]domain.Package),
		expenses:     make(map[string]domain.Expense),
		customers:    make(map[domain.CustomerID]domain.Customer),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ domain.TxStore = (*Memory)(nil)

// Reset drops every record.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction, simulated with a snapshot and a
// restore on error.
func (m *Memory) WithTx(_ context.Context, fn func(domain.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.appointments {
		c.appointments[k] = v.Clone()
	}
	for k, v := range s.blocks {
		c.blocks[k] = v
	}
	for k, v := range s.giftCards {
		c.giftCards[k] = v.Clone()
	}
	for k, v := range s.packages {
		c.packages[k] = v.Clone()
	}
	for k, v := range s.expenses {
		c.expenses[k] = v
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	c.audit = append([]domain.AuditEntry(nil), s.audit...)
	return c
}

// =============================================================================
// LOCKED WRAPPERS
// =============================================================================

func (m *Memory) read(fn func(s *state) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.st)
}

func (m *Memory) write(fn func(s *state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *Memory) GetAppointment(ctx context.Context, id domain.AppointmentID) (a *domain.Appointment, err error) {
	err = m.read(func(s *state) error { a, err = s.GetAppointment(ctx, id); return err })
	return a, err
}

func (m *Memory) ListAppointments(ctx context.Context, f domain.AppointmentFilter) (out []domain.Appointment, err error) {
	err = m.read(func(s *state) error { out, err = s.ListAppointments(ctx, f); return err })
	return out, err
}

func (m *Memory) FindOverlapping(ctx context.Context, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange, exclude domain.AppointmentID) (out []domain.Appointment, err error) {
	err = m.read(func(s *state) error { out, err = s.FindOverlapping(ctx, staff, branch, r, exclude); return err })
	return out, err
}

func (m *Memory) ListAdvancePayments(ctx context.Context, branch domain.BranchID, from, to time.Time) (out []domain.Appointment, err error) {
	err = m.read(func(s *state) error { out, err = s.ListAdvancePayments(ctx, branch, from, to); return err })
	return out, err
}

func (m *Memory) InsertAppointment(ctx context.Context, a *domain.Appointment) error {
	return m.write(func(s *state) error { return s.InsertAppointment(ctx, a) })
}

func (m *Memory) UpdateAppointment(ctx context.Context, a *domain.Appointment) error {
	return m.write(func(s *state) error { return s.UpdateAppointment(ctx, a) })
}

func (m *Memory) ListBlocks(ctx context.Context, staff domain.StaffID) (out []domain.BlockedRange, err error) {
	err = m.read(func(s *state) error { out, err = s.ListBlocks(ctx, staff); return err })
	return out, err
}

func (m *Memory) FindBlocks(ctx context.Context, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange) (out []domain.BlockedRange, err error) {
	err = m.read(func(s *state) error { out, err = s.FindBlocks(ctx, staff, branch, r); return err })
	return out, err
}

func (m *Memory) InsertBlock(ctx context.Context, b domain.BlockedRange) error {
	return m.write(func(s *state) error { return s.InsertBlock(ctx, b) })
}

func (m *Memory) DeleteBlock(ctx context.Context, id string) error {
	return m.write(func(s *state) error { return s.DeleteBlock(ctx, id) })
}

func (m *Memory) GetGiftCard(ctx context.Context, code string) (c *domain.GiftCard, err error) {
	err = m.read(func(s *state) error { c, err = s.GetGiftCard(ctx, code); return err })
	return c, err
}

func (m *Memory) GiftCardExists(ctx context.Context, code string) (ok bool, err error) {
	err = m.read(func(s *state) error { ok, err = s.GiftCardExists(ctx, code); return err })
	return ok, err
}

func (m *Memory) ListGiftCards(ctx context.Context, f domain.GiftCardFilter) (out []domain.GiftCard, err error) {
	err = m.read(func(s *state) error { out, err = s.ListGiftCards(ctx, f); return err })
	return out, err
}

func (m *Memory) InsertGiftCard(ctx context.Context, c *domain.GiftCard) error {
	return m.write(func(s *state) error { return s.InsertGiftCard(ctx, c) })
}

func (m *Memory) UpdateGiftCard(ctx context.Context, c *domain.GiftCard) error {
	return m.write(func(s *state) error { return s.UpdateGiftCard(ctx, c) })
}

func (m *Memory) DeleteGiftCard(ctx context.Context, code string) error {
	return m.write(func(s *state) error { return s.DeleteGiftCard(ctx, code) })
}

func (m *Memory) GetPackage(ctx context.Context, id domain.PackageID) (p *domain.Package, err error) {
	err = m.read(func(s *state) error { p, err = s.GetPackage(ctx, id); return err })
	return p, err
}

func (m *Memory) ListPackages(ctx context.Context, f domain.PackageFilter) (out []domain.Package, err error) {
	err = m.read(func(s *state) error { out, err = s.ListPackages(ctx, f); return err })
	return out, err
}

func (m *Memory) InsertPackage(ctx context.Context, p *domain.Package) error {
	return m.write(func(s *state) error { return s.InsertPackage(ctx, p) })
}

func (m *Memory) UpdatePackage(ctx context.Context, p *domain.Package) error {
	return m.write(func(s *state) error { return s.UpdatePackage(ctx, p) })
}

func (m *Memory) DeletePackage(ctx context.Context, id domain.PackageID) error {
	return m.write(func(s *state) error { return s.DeletePackage(ctx, id) })
}

func (m *Memory) InsertExpense(ctx context.Context, e domain.Expense) error {
	return m.write(func(s *state) error { return s.InsertExpense(ctx, e) })
}

func (m *Memory) ListExpenses(ctx context.Context, f domain.ExpenseFilter) (out []domain.Expense, err error) {
	err = m.read(func(s *state) error { out, err = s.ListExpenses(ctx, f); return err })
	return out, err
}

func (m *Memory) DeleteExpense(ctx context.Context, id string) error {
	return m.write(func(s *state) error { return s.DeleteExpense(ctx, id) })
}

func (m *Memory) GetCustomer(ctx context.Context, id domain.CustomerID) (c *domain.Customer, err error) {
	err = m.read(func(s *state) error { c, err = s.GetCustomer(ctx, id); return err })
	return c, err
}

func (m *Memory) SaveCustomer(ctx context.Context, c domain.Customer) error {
	return m.write(func(s *state) error { return s.SaveCustomer(ctx, c) })
}

func (m *Memory) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	return m.write(func(s *state) error { return s.AppendAudit(ctx, e) })
}

func (m *Memory) ListAudit(ctx context.Context, entityID string) (out []domain.AuditEntry, err error) {
	err = m.read(func(s *state) error { out, err = s.ListAudit(ctx, entityID); return err })
	return out, err
}

// =============================================================================
// UNLOCKED STATE - Also the transactional view handed to WithTx
// =============================================================================

func (s *state) GetAppointment(_ context.Context, id domain.AppointmentID) (*domain.Appointment, error) {
	a, ok := s.appointments[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "appointment", ID: string(id)}
	}
	c := a.Clone()
	return &c, nil
}

func (s *state) ListAppointments(_ context.Context, f domain.AppointmentFilter) ([]domain.Appointment, error) {
	var out []domain.Appointment
	for _, a := range s.appointments {
		if f.Matches(&a) {
			out = append(out, a.Clone())
		}
	}
	sortAppointments(out)
	return out, nil
}

func (s *state) FindOverlapping(_ context.Context, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange, exclude domain.AppointmentID) ([]domain.Appointment, error) {
	var out []domain.Appointment
	for _, a := range s.appointments {
		if a.ID == exclude || a.StaffID != staff || a.BranchID != branch || a.Status == domain.StatusCancelled {
			continue
		}
		if a.Range().Overlaps(r) {
			out = append(out, a.Clone())
		}
	}
	sortAppointments(out)
	return out, nil
}

func (s *state) ListAdvancePayments(_ context.Context, branch domain.BranchID, from, to time.Time) ([]domain.Appointment, error) {
	var out []domain.Appointment
	for _, a := range s.appointments {
		if a.Advance == nil || !a.Advance.Amount.IsPositive() {
			continue
		}
		if branch != "" && a.BranchID != branch {
			continue
		}
		if a.Advance.PaidAt.Before(from) || !a.Advance.PaidAt.Before(to) {
			continue
		}
		out = append(out, a.Clone())
	}
	sortAppointments(out)
	return out, nil
}

func (s *state) InsertAppointment(ctx context.Context, a *domain.Appointment) error {
	if _, exists := s.appointments[a.ID]; exists {
		return &domain.ValidationError{Field: "id", Message: "appointment already exists"}
	}
	if err := s.checkOverlap(ctx, a); err != nil {
		return err
	}
	a.Version = 1
	s.appointments[a.ID] = a.Clone()
	return nil
}

func (s *state) UpdateAppointment(ctx context.Context, a *domain.Appointment) error {
	current, ok := s.appointments[a.ID]
	if !ok {
		return &domain.NotFoundError{Kind: "appointment", ID: string(a.ID)}
	}
	if current.Version != a.Version {
		return domain.ErrStaleWrite
	}
	if err := s.checkOverlap(ctx, a); err != nil {
		return err
	}
	a.Version++
	s.appointments[a.ID] = a.Clone()
	return nil
}

// checkOverlap is the commit-time guard against double-booking.
func (s *state) checkOverlap(ctx context.Context, a *domain.Appointment) error {
	if a.Status == domain.StatusCancelled {
		return nil
	}
	clash, _ := s.FindOverlapping(ctx, a.StaffID, a.BranchID, a.Range(), a.ID)
	if len(clash) > 0 {
		return &domain.ConflictError{StaffID: a.StaffID, BranchID: a.BranchID, Range: a.Range(), ExistingID: string(clash[0].ID)}
	}
	return nil
}

func (s *state) ListBlocks(_ context.Context, staff domain.StaffID) ([]domain.BlockedRange, error) {
	var out []domain.BlockedRange
	for _, b := range s.blocks {
		if b.StaffID == staff {
			out = append(out, b)
		}
	}
	sortBlocks(out)
	return out, nil
}

func (s *state) FindBlocks(_ context.Context, staff domain.StaffID, branch domain.BranchID, r domain.TimeRange) ([]domain.BlockedRange, error) {
	var out []domain.BlockedRange
	for _, b := range s.blocks {
		if b.StaffID != staff || (branch != "" && b.BranchID != branch) {
			continue
		}
		if b.Range.Overlaps(r) {
			out = append(out, b)
		}
	}
	sortBlocks(out)
	return out, nil
}

func (s *state) InsertBlock(_ context.Context, b domain.BlockedRange) error {
	s.blocks[b.ID] = b
	return nil
}

func (s *state) DeleteBlock(_ context.Context, id string) error {
	if _, ok := s.blocks[id]; !ok {
		return &domain.NotFoundError{Kind: "block", ID: id}
	}
	delete(s.blocks, id)
	return nil
}

func (s *state) GetGiftCard(_ context.Context, code string) (*domain.GiftCard, error) {
	c, ok := s.giftCards[code]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "gift card", ID: code}
	}
	out := c.Clone()
	return &out, nil
}

func (s *state) GiftCardExists(_ context.Context, code string) (bool, error) {
	_, ok := s.giftCards[code]
	return ok, nil
}

func (s *state) ListGiftCards(_ context.Context, f domain.GiftCardFilter) ([]domain.GiftCard, error) {
	var out []domain.GiftCard
	for _, c := range s.giftCards {
		if f.Matches(&c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchaseDate.After(out[j].PurchaseDate) })
	return out, nil
}

func (s *state) InsertGiftCard(_ context.Context, c *domain.GiftCard) error {
	if _, exists := s.giftCards[c.Code]; exists {
		return &domain.ValidationError{Field: "code", Message: "card number already exists"}
	}
	c.Version = 1
	s.giftCards[c.Code] = c.Clone()
	return nil
}

func (s *state) UpdateGiftCard(_ context.Context, c *domain.GiftCard) error {
	current, ok := s.giftCards[c.Code]
	if !ok {
		return &domain.NotFoundError{Kind: "gift card", ID: c.Code}
	}
	if current.Version != c.Version {
		return domain.ErrStaleWrite
	}
	c.Version++
	s.giftCards[c.Code] = c.Clone()
	return nil
}

func (s *state) DeleteGiftCard(_ context.Context, code string) error {
	if _, ok := s.giftCards[code]; !ok {
		return &domain.NotFoundError{Kind: "gift card", ID: code}
	}
	delete(s.giftCards, code)
	return nil
}

func (s *state) GetPackage(_ context.Context, id domain.PackageID) (*domain.Package, error) {
	p, ok := s.packages[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "package", ID: string(id)}
	}
	out := p.Clone()
	return &out, nil
}

func (s *state) ListPackages(_ context.Context, f domain.PackageFilter) ([]domain.Package, error) {
	var out []domain.Package
	for _, p := range s.packages {
		if f.Matches(&p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *state) InsertPackage(_ context.Context, p *domain.Package) error {
	if _, exists := s.packages[p.ID]; exists {
		return &domain.ValidationError{Field: "id", Message: "package already exists"}
	}
	p.Version = 1
	s.packages[p.ID] = p.Clone()
	return nil
}

func (s *state) UpdatePackage(_ context.Context, p *domain.Package) error {
	current, ok := s.packages[p.ID]
	if !ok {
		return &domain.NotFoundError{Kind: "package", ID: string(p.ID)}
	}
	if current.Version != p.Version {
		return domain.ErrStaleWrite
	}
	p.Version++
	s.packages[p.ID] = p.Clone()
	return nil
}

func (s *state) DeletePackage(_ context.Context, id domain.PackageID) error {
	if _, ok := s.packages[id]; !ok {
		return &domain.NotFoundError{Kind: "package", ID: string(id)}
	}
	delete(s.packages, id)
	return nil
}

func (s *state) InsertExpense(_ context.Context, e domain.Expense) error {
	s.expenses[e.ID] = e
	return nil
}

func (s *state) ListExpenses(_ context.Context, f domain.ExpenseFilter) ([]domain.Expense, error) {
	var out []domain.Expense
	for _, e := range s.expenses {
		if f.Matches(&e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *state) DeleteExpense(_ context.Context, id string) error {
	if _, ok := s.expenses[id]; !ok {
		return &domain.NotFoundError{Kind: "expense", ID: id}
	}
	delete(s.expenses, id)
	return nil
}

func (s *state) GetCustomer(_ context.Context, id domain.CustomerID) (*domain.Customer, error) {
	c, ok := s.customers[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "customer", ID: string(id)}
	}
	return &c, nil
}

func (s *state) SaveCustomer(_ context.Context, c domain.Customer) error {
	s.customers[c.ID] = c
	return nil
}

func (s *state) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	s.audit = append(s.audit, e)
	return nil
}

func (s *state) ListAudit(_ context.Context, entityID string) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range s.audit {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func sortAppointments(as []domain.Appointment) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].Start.Equal(as[j].Start) {
			return as[i].ID < as[j].ID
		}
		return as[i].Start.Before(as[j].Start)
	})
}

func sortBlocks(bs []domain.BlockedRange) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Range.Start.Before(bs[j].Range.Start) })
}
