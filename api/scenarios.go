/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos. Every loader goes through the same services the HTTP
	handlers use, so scenario data satisfies the same rules as real data
	(no overlaps, reconciled payments, single-use grants).

AVAILABLE SCENARIOS:

	busy-day:     Two branches, a full day of bookings, mixed settlements
	gift-cards:   Single and multi-service cards, one partially redeemed
	packages:     A five-visit package with visits drawn
	staff-blocks: Weekly day off plus a one-off block

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create customers
 3. Book, sell and settle through the engine as an admin caller
 4. Drop cached reports

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "busy-day"}

NOTE:

	Scenarios reset the store. Disabled unless server.load_scenarios is set.

SEE ALSO:
  - handlers.go: Handler dependencies
  - factory/instrument.go: Sale definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/factory"
	"github.com/warp/booking-engine/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "busy-day",
		Name:        "Busy Day",
		Description: "Two branches, a full day of bookings with advances, splits, tips and a cancellation",
	},
	{
		ID:          "gift-cards",
		Name:        "Gift Cards",
		Description: "Single and multi-service gift cards, one partially redeemed at checkout",
	},
	{
		ID:          "packages",
		Name:        "Visit Packages",
		Description: "A five-visit package with two visits drawn",
	},
	{
		ID:          "staff-blocks",
		Name:        "Staff Blocks",
		Description: "Weekly day off for one staff member plus a one-off lunch block",
	},
}

var scenarioCaller = domain.Caller{UserID: "scenario-loader", Role: domain.RoleAdmin}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario wipes the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !callerOf(r).IsAdmin() {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Only admins can load scenarios", Kind: "unauthorized"})
		return
	}
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "busy-day":
		load = h.loadBusyDayScenario
	case "gift-cards":
		load = h.loadGiftCardScenario
	case "packages":
		load = h.loadPackageScenario
	case "staff-blocks":
		load = h.loadStaffBlockScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Log.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetStore wipes all data.
func (h *Handler) ResetStore(w http.ResponseWriter, r *http.Request) {
	if !callerOf(r).IsAdmin() {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Only admins can reset", Kind: "unauthorized"})
		return
	}
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	if h.Resetter == nil {
		return fmt.Errorf("store does not support reset")
	}
	if err := h.Resetter.Reset(ctx); err != nil {
		return err
	}
	h.currentScenario = ""
	h.moneyChanged(ctx)
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// today returns hh:mm of the current day in the business time zone.
func (h *Handler) today(hh, mm int) time.Time {
	day := domain.DayRange(time.Now(), h.Location).Start
	return day.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
}

func (h *Handler) saveCustomers(ctx context.Context, customers ...domain.Customer) error {
	for _, c := range customers {
		if _, err := h.Bookings.SaveCustomer(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func split(cash, card, terminal int64) *domain.MethodSplit {
	return &domain.MethodSplit{Cash: money(cash), Card: money(card), Terminal: money(terminal)}
}

func (h *Handler) loadBusyDayScenario(ctx context.Context) error {
	if err := h.saveCustomers(ctx,
		domain.Customer{ID: "cust-001", Name: "Dana Levi", Phone: "050-123-4567"},
		domain.Customer{ID: "cust-002", Name: "Omar Haddad", Phone: "052-765-4321"},
		domain.Customer{ID: "cust-003", Name: "Noa Cohen", Phone: "054-111-2222"},
		domain.Customer{ID: "cust-004", Name: "Yael Mizrahi"},
	); err != nil {
		return err
	}

	bookings := []booking.CreateInput{
		{CustomerID: "cust-001", StaffID: "staff-anna", BranchID: "branch-center", ServiceID: "massage", Duration: 60, Price: money(100), Start: h.today(10, 0),
			Advance: &booking.AdvanceInput{Amount: money(40), Method: domain.MethodCard}},
		{CustomerID: "cust-002", StaffID: "staff-anna", BranchID: "branch-center", ServiceID: "massage", Duration: 90, Price: money(150), Start: h.today(11, 0)},
		{CustomerID: "cust-003", StaffID: "staff-ben", BranchID: "branch-center", ServiceID: "facial", Duration: 45, Price: money(80), Start: h.today(10, 30)},
		{CustomerID: "cust-004", StaffID: "staff-carmen", BranchID: "branch-north", ServiceID: "massage", Duration: 60, Price: money(110), Start: h.today(13, 0),
			Advance: &booking.AdvanceInput{Amount: money(50), Method: domain.MethodTerminal}},
		{CustomerID: "cust-001", StaffID: "staff-carmen", BranchID: "branch-north", ServiceID: "pedicure", Duration: 30, Price: money(60), Start: h.today(15, 0)},
	}
	created := make([]*domain.Appointment, 0, len(bookings))
	for _, in := range bookings {
		a, err := h.Bookings.Create(ctx, scenarioCaller, in)
		if err != nil {
			return err
		}
		created = append(created, a)
	}

	// The remaining balance of the first booking is split across cash and
	// card, which settles it as mixed.
	due := created[0].Price.Sub(created[0].AdvanceAmount())
	card := decimal.Min(due, money(20))
	settle := []struct {
		idx int
		req settlement.Request
	}{
		{0, settlement.Request{
			Payments: &domain.MethodSplit{Cash: due.Sub(card), Card: card, Terminal: decimal.Zero},
			Tips:     split(10, 0, 0),
		}},
		{1, settlement.Request{PaymentType: domain.PaymentCash, Method: domain.MethodCash}},
		{3, settlement.Request{PaymentType: domain.PaymentCard, Method: domain.MethodCard}},
	}
	for _, s := range settle {
		if _, err := h.Settlement.Complete(ctx, scenarioCaller, created[s.idx].ID, s.req); err != nil {
			return err
		}
	}

	if _, err := h.Bookings.Cancel(ctx, scenarioCaller, created[4].ID, "customer called in sick"); err != nil {
		return err
	}

	expenses := []domain.Expense{
		{BranchID: "branch-center", Amount: money(35), Description: "Massage oil", Category: domain.ExpenseSupplies, Date: h.today(9, 0)},
		{BranchID: "branch-north", Amount: money(120), Description: "Towel laundry", Category: domain.ExpenseCleaning, Date: h.today(9, 0)},
	}
	for _, e := range expenses {
		if _, err := h.Reports.RecordExpense(ctx, scenarioCaller, e); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadGiftCardScenario(ctx context.Context) error {
	if err := h.saveCustomers(ctx,
		domain.Customer{ID: "cust-010", Name: "Lior Ben-David", Phone: "053-999-0000"},
	); err != nil {
		return err
	}

	single, err := h.Ledger.IssueGiftCard(ctx, scenarioCaller, factory.GiftCardSale{
		BranchID:      "branch-center",
		PurchasedBy:   "Maya (birthday present)",
		PaymentMethod: string(domain.MethodCard),
		Services:      []factory.ServiceJSON{{ServiceID: "massage", Duration: 60, Price: money(100)}},
	})
	if err != nil {
		return err
	}
	multi, err := h.Ledger.IssueGiftCard(ctx, scenarioCaller, factory.GiftCardSale{
		BranchID:      "branch-center",
		PurchasedBy:   "Lior Ben-David",
		PaymentMethod: string(domain.MethodCash),
		Services: []factory.ServiceJSON{
			{ServiceID: "massage", Duration: 60, Price: money(100)},
			{ServiceID: "massage", Duration: 60, Price: money(100)},
			{ServiceID: "facial", Duration: 45, Price: money(80)},
		},
		Notes: "Three-treatment bundle",
	})
	if err != nil {
		return err
	}
	h.Log.Debug().Str("single", single.Code).Str("multi", multi.Code).Msg("scenario gift cards issued")

	a, err := h.Bookings.Create(ctx, scenarioCaller, booking.CreateInput{
		CustomerID: "cust-010", StaffID: "staff-anna", BranchID: "branch-center",
		ServiceID: "massage", Duration: 60, Price: money(100), Start: h.today(12, 0),
	})
	if err != nil {
		return err
	}
	first := 0
	_, err = h.Settlement.Complete(ctx, scenarioCaller, a.ID, settlement.Request{
		PaymentType:    domain.PaymentGiftCard,
		InstrumentCode: multi.Code,
		GrantIndex:     &first,
	})
	return err
}

func (h *Handler) loadPackageScenario(ctx context.Context) error {
	if err := h.saveCustomers(ctx,
		domain.Customer{ID: "cust-020", Name: "Tamar Shapiro", Phone: "050-555-1234"},
	); err != nil {
		return err
	}

	p, err := h.Ledger.SellPackage(ctx, scenarioCaller, factory.PackageSale{
		CustomerID:    "cust-020",
		BranchID:      "branch-north",
		ServiceID:     "massage",
		Duration:      60,
		UnitPrice:     money(110),
		Visits:        5,
		PaymentMethod: string(domain.MethodTerminal),
	})
	if err != nil {
		return err
	}

	for _, hour := range []int{9, 14} {
		a, err := h.Bookings.Create(ctx, scenarioCaller, booking.CreateInput{
			CustomerID: "cust-020", StaffID: "staff-carmen", BranchID: "branch-north",
			ServiceID: "massage", Duration: 60, Price: money(110), Start: h.today(hour, 0),
		})
		if err != nil {
			return err
		}
		if _, err := h.Settlement.Complete(ctx, scenarioCaller, a.ID, settlement.Request{
			PaymentType: domain.PaymentPackage,
			PackageID:   p.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadStaffBlockScenario(ctx context.Context) error {
	from := h.today(0, 0)
	if _, err := h.Bookings.BlockWeekly(ctx, scenarioCaller, booking.WeeklyBlockInput{
		StaffID:  "staff-ben",
		BranchID: "branch-center",
		Weekdays: []time.Weekday{time.Friday},
		From:     from,
		To:       from.AddDate(0, 0, 28),
		Reason:   "Day off",
	}); err != nil {
		return err
	}

	_, err := h.Bookings.Block(ctx, scenarioCaller, booking.BlockInput{
		StaffID:  "staff-anna",
		BranchID: "branch-center",
		Range:    domain.TimeRange{Start: h.today(13, 0), End: h.today(14, 0)},
		Reason:   "Lunch",
	})
	return err
}
