/*
handlers.go - HTTP API handlers for the booking and settlement engine

PURPOSE:
  Exposes the engine via REST. Handles HTTP request/response and JSON,
  and delegates every decision to the booking, settlement, instrument and
  report packages.

ENDPOINTS:
  Appointments:
    GET    /api/appointments                 List (branch_id, staff_id, customer_id, status, date)
    POST   /api/appointments                 Create
    GET    /api/appointments/{id}            Get
    PATCH  /api/appointments/{id}            Reschedule / edit
    POST   /api/appointments/{id}/cancel     Cancel
    POST   /api/appointments/{id}/complete   Settle
    POST   /api/appointments/{id}/feedback   Attach customer feedback
    POST   /api/appointments/{id}/receipt    Upload advance receipt (multipart "file")
    GET    /api/appointments/{id}/audit      Audit trail
    GET    /api/availability                 Conflict check

  Staff blocks, gift cards, packages, expenses, customers, reports,
  scenarios: see server.go.

REQUEST FLOW:
  1. Parse HTTP request
  2. Take the caller from the context (middleware.go)
  3. Call the engine
  4. Serialize response, or map the error kind to a status

ERROR HANDLING:
  Engine errors carry a kind (domain.KindOf):
  - 400: validation, invalid_grant
  - 403: unauthorized
  - 404: not_found
  - 409: conflict, invalid_state, already_used, no_available_grant, stale_write
  - 410: expired
  - 422: amount_mismatch
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/factory"
	"github.com/warp/booking-engine/instrument"
	"github.com/warp/booking-engine/metrics"
	"github.com/warp/booking-engine/receipts"
	"github.com/warp/booking-engine/report"
	"github.com/warp/booking-engine/settlement"
)

const (
	dayLayout      = "2006-01-02"
	maxReceiptSize = 10 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter wipes a store. Implemented by every store; used by scenarios.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Bookings   *booking.Manager
	Settlement *settlement.Engine
	Ledger     *instrument.Ledger
	Reports    *report.Aggregator
	Receipts   receipts.BlobStore
	Store      domain.Store
	Resetter   Resetter
	Location   *time.Location
	Log        zerolog.Logger

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler wires the services over one store.
func NewHandler(store domain.TxStore, bookings *booking.Manager, engine *settlement.Engine, ledger *instrument.Ledger, reports *report.Aggregator, blobs receipts.BlobStore, log zerolog.Logger) *Handler {
	h := &Handler{
		Bookings:   bookings,
		Settlement: engine,
		Ledger:     ledger,
		Reports:    reports,
		Receipts:   blobs,
		Store:      store,
		Location:   reports.Location,
		Log:        log,
	}
	if r, ok := store.(Resetter); ok {
		h.Resetter = r
	}
	return h
}

func callerOf(r *http.Request) domain.Caller {
	c, _ := CallerFrom(r.Context())
	return c
}

// scopeBranch pins receptionists to their own branch.
func scopeBranch(c domain.Caller, requested string) domain.BranchID {
	if !c.IsAdmin() && c.BranchID != "" {
		return c.BranchID
	}
	return domain.BranchID(requested)
}

// moneyChanged drops cached reports after a write that moves money.
func (h *Handler) moneyChanged(ctx context.Context) {
	h.Reports.Invalidate(ctx)
}

// =============================================================================
// APPOINTMENT HANDLERS
// =============================================================================

// ListAppointments returns appointments matching the query.
// GET /api/appointments?branch_id=&staff_id=&customer_id=&status=&date=YYYY-MM-DD
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.AppointmentFilter{
		BranchID:   scopeBranch(callerOf(r), q.Get("branch_id")),
		StaffID:    domain.StaffID(q.Get("staff_id")),
		CustomerID: domain.CustomerID(q.Get("customer_id")),
		Status:     domain.Status(q.Get("status")),
	}
	if date := q.Get("date"); date != "" {
		day, err := domain.ParseDay(date, h.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		f.From, f.To = day.Start, day.End
	}

	list, err := h.Bookings.List(r.Context(), f)
	if err != nil {
		h.fail(w, "list_appointments", err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTOs(list))
}

// CreateAppointment books a new appointment.
// POST /api/appointments
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.Bookings.Create(r.Context(), callerOf(r), req.input())
	if err != nil {
		h.fail(w, "create_appointment", err)
		return
	}
	metrics.ObserveOperation("create_appointment", "ok")
	if a.Advance != nil {
		h.moneyChanged(r.Context())
	}
	writeJSON(w, http.StatusCreated, toAppointmentDTO(a))
}

// GetAppointment returns a single appointment.
// GET /api/appointments/{id}
func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	a, err := h.Bookings.Get(r.Context(), appointmentID(r))
	if err != nil {
		h.fail(w, "get_appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(a))
}

// RescheduleAppointment edits a scheduled appointment.
// PATCH /api/appointments/{id}
func (h *Handler) RescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	var req RescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.Bookings.Reschedule(r.Context(), callerOf(r), appointmentID(r), req.patch())
	if err != nil {
		h.fail(w, "reschedule_appointment", err)
		return
	}
	metrics.ObserveOperation("reschedule_appointment", "ok")
	if req.Advance != nil {
		h.moneyChanged(r.Context())
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(a))
}

// CancelAppointment cancels a scheduled appointment.
// POST /api/appointments/{id}/cancel
func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	a, err := h.Bookings.Cancel(r.Context(), callerOf(r), appointmentID(r), req.Reason)
	if err != nil {
		h.fail(w, "cancel_appointment", err)
		return
	}
	metrics.ObserveOperation("cancel_appointment", "ok")
	writeJSON(w, http.StatusOK, toAppointmentDTO(a))
}

// CompleteAppointment settles an appointment.
// POST /api/appointments/{id}/complete
func (h *Handler) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Settlement.Complete(r.Context(), callerOf(r), appointmentID(r), req.request())
	if err != nil {
		h.fail(w, "complete_appointment", err)
		return
	}
	metrics.ObserveOperation("complete_appointment", "ok")
	metrics.IncSettlement(string(res.Appointment.PaymentType))
	h.moneyChanged(r.Context())
	writeJSON(w, http.StatusOK, CompleteResponse{
		Appointment:  toAppointmentDTO(res.Appointment),
		FeedbackLink: res.FeedbackLink,
	})
}

// AttachFeedback records the customer's answer to the feedback message.
// POST /api/appointments/{id}/feedback
func (h *Handler) AttachFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.Bookings.AttachFeedback(r.Context(), callerOf(r), appointmentID(r), req.Response, req.Rating)
	if err != nil {
		h.fail(w, "attach_feedback", err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(a))
}

// UploadReceipt stores a receipt image and links it to the advance.
// POST /api/appointments/{id}/receipt
func (h *Handler) UploadReceipt(w http.ResponseWriter, r *http.Request) {
	if h.Receipts == nil {
		writeError(w, http.StatusServiceUnavailable, "Receipt storage is not configured", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxReceiptSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing receipt file", err)
		return
	}
	defer file.Close()

	ctx := r.Context()
	id := appointmentID(r)
	if _, err := h.Bookings.Get(ctx, id); err != nil {
		h.fail(w, "upload_receipt", err)
		return
	}
	receipt, err := h.Receipts.Upload(ctx, file, header.Filename)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to store receipt", err)
		return
	}
	a, err := h.Bookings.AttachAdvanceReceipt(ctx, id, receipt)
	if err != nil {
		if derr := h.Receipts.Delete(ctx, receipt.PublicID); derr != nil {
			h.Log.Warn().Err(derr).Str("public_id", receipt.PublicID).Msg("orphaned receipt")
		}
		h.fail(w, "upload_receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(a))
}

// GetAudit returns the audit trail of any entity id.
// GET /api/appointments/{id}/audit
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "list_audit", err)
		return
	}
	type auditDTO struct {
		At         time.Time         `json:"at"`
		Actor      string            `json:"actor"`
		Action     string            `json:"action"`
		EntityType string            `json:"entity_type"`
		Detail     map[string]string `json:"detail,omitempty"`
	}
	out := make([]auditDTO, len(entries))
	for i, e := range entries {
		out[i] = auditDTO{At: e.At, Actor: string(e.Actor), Action: string(e.Action), EntityType: e.EntityType, Detail: e.Detail}
	}
	writeJSON(w, http.StatusOK, out)
}

// CheckAvailability reports whether a staff member is free.
// GET /api/availability?staff_id=&branch_id=&start=RFC3339&duration=60[&exclude=id]
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start (use RFC 3339)", err)
		return
	}
	var minutes int
	if _, err := fmt.Sscan(q.Get("duration"), &minutes); err != nil || minutes <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid duration", err)
		return
	}
	busy, err := h.Bookings.HasConflict(r.Context(),
		domain.StaffID(q.Get("staff_id")), domain.BranchID(q.Get("branch_id")),
		domain.RangeFor(start, minutes), domain.AppointmentID(q.Get("exclude")))
	if err != nil {
		h.fail(w, "check_availability", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": !busy})
}

func appointmentID(r *http.Request) domain.AppointmentID {
	return domain.AppointmentID(chi.URLParam(r, "id"))
}

// =============================================================================
// STAFF BLOCK HANDLERS
// =============================================================================

// ListBlocks returns the blocked ranges of a staff member.
// GET /api/staff/{staffID}/blocks
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.Bookings.ListBlocks(r.Context(), domain.StaffID(chi.URLParam(r, "staffID")))
	if err != nil {
		h.fail(w, "list_blocks", err)
		return
	}
	out := make([]BlockDTO, len(blocks))
	for i, b := range blocks {
		out[i] = toBlockDTO(b)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateBlock blocks a time range.
// POST /api/blocks
func (h *Handler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.Bookings.Block(r.Context(), callerOf(r), booking.BlockInput{
		StaffID:  domain.StaffID(req.StaffID),
		BranchID: domain.BranchID(req.BranchID),
		Range:    domain.TimeRange{Start: req.Start, End: req.End},
		Reason:   req.Reason,
	})
	if err != nil {
		h.fail(w, "block_staff", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBlockDTO(*b))
}

// CreateWeeklyBlocks blocks whole weekdays over a date range.
// POST /api/blocks/weekly
func (h *Handler) CreateWeeklyBlocks(w http.ResponseWriter, r *http.Request) {
	var req WeeklyBlockRequest
	if !decode(w, r, &req) {
		return
	}
	weekdays, from, to, err := h.parseWeekly(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid weekly block", err)
		return
	}
	res, err := h.Bookings.BlockWeekly(r.Context(), callerOf(r), booking.WeeklyBlockInput{
		StaffID:  domain.StaffID(req.StaffID),
		BranchID: domain.BranchID(req.BranchID),
		Weekdays: weekdays,
		From:     from,
		To:       to,
		Reason:   req.Reason,
	})
	if err != nil {
		h.fail(w, "block_staff_weekly", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWeeklyBlockResponse(res))
}

// DeleteBlock removes one block.
// DELETE /api/blocks/{id}
func (h *Handler) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	if err := h.Bookings.Unblock(r.Context(), callerOf(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "unblock_staff", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteWeeklyBlocks removes blocks starting on the given weekdays.
// POST /api/blocks/weekly/remove
func (h *Handler) DeleteWeeklyBlocks(w http.ResponseWriter, r *http.Request) {
	var req WeeklyBlockRequest
	if !decode(w, r, &req) {
		return
	}
	weekdays, from, to, err := h.parseWeekly(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid weekly block", err)
		return
	}
	removed, err := h.Bookings.UnblockWeekly(r.Context(), callerOf(r), domain.StaffID(req.StaffID), weekdays, from, to)
	if err != nil {
		h.fail(w, "unblock_staff_weekly", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func (h *Handler) parseWeekly(req WeeklyBlockRequest) ([]time.Weekday, time.Time, time.Time, error) {
	var weekdays []time.Weekday
	for _, name := range req.Weekdays {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, time.Time{}, time.Time{}, fmt.Errorf("unknown weekday %q", name)
		}
		weekdays = append(weekdays, d)
	}
	from, err := domain.ParseDay(req.From, h.Location)
	if err != nil {
		return nil, time.Time{}, time.Time{}, err
	}
	to, err := domain.ParseDay(req.To, h.Location)
	if err != nil {
		return nil, time.Time{}, time.Time{}, err
	}
	return weekdays, from.Start, to.Start, nil
}

// =============================================================================
// GIFT CARD HANDLERS
// =============================================================================

// ListGiftCards returns gift cards, newest first.
// GET /api/gift-cards?branch_id=&used=true|false
func (h *Handler) ListGiftCards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.GiftCardFilter{BranchID: scopeBranch(callerOf(r), q.Get("branch_id"))}
	switch q.Get("used") {
	case "true":
		used := true
		f.Used = &used
	case "false":
		used := false
		f.Used = &used
	}
	cards, err := h.Ledger.ListGiftCards(r.Context(), f)
	if err != nil {
		h.fail(w, "list_gift_cards", err)
		return
	}
	out := make([]GiftCardDTO, len(cards))
	for i := range cards {
		out[i] = toGiftCardDTO(&cards[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// IssueGiftCard sells a new card.
// POST /api/gift-cards
func (h *Handler) IssueGiftCard(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	sale, err := factory.ParseGiftCardSale(body)
	if err != nil {
		h.fail(w, "issue_gift_card", err)
		return
	}
	card, err := h.Ledger.IssueGiftCard(r.Context(), callerOf(r), sale)
	if err != nil {
		h.fail(w, "issue_gift_card", err)
		return
	}
	metrics.ObserveOperation("issue_gift_card", "ok")
	h.moneyChanged(r.Context())
	writeJSON(w, http.StatusCreated, toGiftCardDTO(card))
}

// GiftCardStats returns per-branch card statistics.
// GET /api/gift-cards/stats?branch_id=
func (h *Handler) GiftCardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Ledger.GiftCardStats(r.Context(), scopeBranch(callerOf(r), r.URL.Query().Get("branch_id")))
	if err != nil {
		h.fail(w, "gift_card_stats", err)
		return
	}
	out := make([]GiftCardStatsDTO, len(stats))
	for i, s := range stats {
		out[i] = GiftCardStatsDTO{
			BranchID: string(s.BranchID), Total: s.Total, Used: s.Used, Active: s.Active,
			Expired: s.Expired, Revenue: s.Revenue, UsedRevenue: s.UsedRevenue,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ValidateGiftCard checks a card without consuming it.
// GET /api/gift-cards/{code}/validate
func (h *Handler) ValidateGiftCard(w http.ResponseWriter, r *http.Request) {
	v, err := h.Ledger.Validate(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, "validate_instrument", err)
		return
	}
	writeJSON(w, http.StatusOK, toValidationDTO(v))
}

// ConsumeGiftCard redeems one service of a card.
// POST /api/gift-cards/{code}/consume
func (h *Handler) ConsumeGiftCard(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if !decode(w, r, &req) {
		return
	}
	card, err := h.Ledger.Consume(r.Context(), callerOf(r), chi.URLParam(r, "code"),
		domain.CustomerID(req.CustomerID), domain.AppointmentID(req.AppointmentID), req.GrantIndex)
	if err != nil {
		h.fail(w, "consume_instrument", err)
		return
	}
	metrics.ObserveOperation("consume_instrument", "ok")
	writeJSON(w, http.StatusOK, toGiftCardDTO(card))
}

// UpdateGiftCardNotes edits the notes of an unused card.
// PUT /api/gift-cards/{code}/notes
func (h *Handler) UpdateGiftCardNotes(w http.ResponseWriter, r *http.Request) {
	var req NotesRequest
	if !decode(w, r, &req) {
		return
	}
	card, err := h.Ledger.UpdateGiftCardNotes(r.Context(), chi.URLParam(r, "code"), req.Notes)
	if err != nil {
		h.fail(w, "update_gift_card", err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftCardDTO(card))
}

// DeleteGiftCard removes an unused card.
// DELETE /api/gift-cards/{code}
func (h *Handler) DeleteGiftCard(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.DeleteGiftCard(r.Context(), callerOf(r), chi.URLParam(r, "code")); err != nil {
		h.fail(w, "delete_gift_card", err)
		return
	}
	h.moneyChanged(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PACKAGE HANDLERS
// =============================================================================

// ListPackages returns packages, newest first.
// GET /api/packages?customer_id=&branch_id=&active=true
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.Ledger.ListPackages(r.Context(), domain.PackageFilter{
		BranchID:   domain.BranchID(q.Get("branch_id")),
		CustomerID: domain.CustomerID(q.Get("customer_id")),
		ActiveOnly: q.Get("active") == "true",
	})
	if err != nil {
		h.fail(w, "list_packages", err)
		return
	}
	out := make([]PackageDTO, len(list))
	for i := range list {
		out[i] = toPackageDTO(&list[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// SellPackage sells a visit package.
// POST /api/packages
func (h *Handler) SellPackage(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	sale, err := factory.ParsePackageSale(body)
	if err != nil {
		h.fail(w, "sell_package", err)
		return
	}
	p, err := h.Ledger.SellPackage(r.Context(), callerOf(r), sale)
	if err != nil {
		h.fail(w, "sell_package", err)
		return
	}
	metrics.ObserveOperation("sell_package", "ok")
	h.moneyChanged(r.Context())
	writeJSON(w, http.StatusCreated, toPackageDTO(p))
}

// GetPackage returns one package.
// GET /api/packages/{id}
func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	p, err := h.Ledger.GetPackage(r.Context(), domain.PackageID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "get_package", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(p))
}

// UsePackageVisit draws one visit outside of settlement.
// POST /api/packages/{id}/visits
func (h *Handler) UsePackageVisit(w http.ResponseWriter, r *http.Request) {
	var req UseVisitRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	p, err := h.Ledger.UseVisit(r.Context(), callerOf(r), domain.PackageID(chi.URLParam(r, "id")), domain.AppointmentID(req.AppointmentID))
	if err != nil {
		h.fail(w, "use_package_visit", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(p))
}

// DeletePackage removes a package.
// DELETE /api/packages/{id}
func (h *Handler) DeletePackage(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.DeletePackage(r.Context(), callerOf(r), domain.PackageID(chi.URLParam(r, "id"))); err != nil {
		h.fail(w, "delete_package", err)
		return
	}
	h.moneyChanged(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// EXPENSE AND CUSTOMER HANDLERS
// =============================================================================

// ListExpenses returns expenses of a day or of everything.
// GET /api/expenses?branch_id=&date=YYYY-MM-DD
func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.ExpenseFilter{BranchID: scopeBranch(callerOf(r), q.Get("branch_id"))}
	if date := q.Get("date"); date != "" {
		day, err := domain.ParseDay(date, h.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		f.From, f.To = day.Start, day.End
	}
	list, err := h.Reports.ListExpenses(r.Context(), f)
	if err != nil {
		h.fail(w, "list_expenses", err)
		return
	}
	out := make([]ExpenseDTO, len(list))
	for i, e := range list {
		out[i] = h.toExpenseDTO(e)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateExpense records a branch expense.
// POST /api/expenses
func (h *Handler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	var req ExpenseRequest
	if !decode(w, r, &req) {
		return
	}
	e := domain.Expense{
		BranchID:    domain.BranchID(req.BranchID),
		Amount:      req.Amount,
		Description: req.Description,
		Category:    domain.ExpenseCategory(req.Category),
	}
	if req.Date != "" {
		day, err := domain.ParseDay(req.Date, h.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		e.Date = day.Start
	}
	saved, err := h.Reports.RecordExpense(r.Context(), callerOf(r), e)
	if err != nil {
		h.fail(w, "record_expense", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toExpenseDTO(*saved))
}

// DeleteExpense removes an expense.
// DELETE /api/expenses/{id}
func (h *Handler) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	if err := h.Reports.DeleteExpense(r.Context(), callerOf(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "delete_expense", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) toExpenseDTO(e domain.Expense) ExpenseDTO {
	return ExpenseDTO{
		ID: e.ID, BranchID: string(e.BranchID), Amount: e.Amount, Description: e.Description,
		Category: string(e.Category), Date: e.Date.In(h.Location).Format(dayLayout),
		CreatedBy: string(e.CreatedBy), CreatedAt: e.CreatedAt,
	}
}

// SaveCustomer creates or updates the customer contact record.
// POST /api/customers
func (h *Handler) SaveCustomer(w http.ResponseWriter, r *http.Request) {
	var req CustomerRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Bookings.SaveCustomer(r.Context(), domain.Customer{
		ID: domain.CustomerID(req.ID), Name: req.Name, Phone: req.Phone,
	})
	if err != nil {
		h.fail(w, "save_customer", err)
		return
	}
	writeJSON(w, http.StatusOK, CustomerDTO{ID: string(c.ID), Name: c.Name, Phone: c.Phone, CreatedAt: c.CreatedAt})
}

// GetCustomer returns the customer contact record.
// GET /api/customers/{id}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetCustomer(r.Context(), domain.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "get_customer", err)
		return
	}
	writeJSON(w, http.StatusOK, CustomerDTO{ID: string(c.ID), Name: c.Name, Phone: c.Phone, CreatedAt: c.CreatedAt})
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// DailyReport returns the money summary of one day.
// GET /api/reports/daily/{date}?branch_id=a&branch_id=b
func (h *Handler) DailyReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.dailyReport(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// DailyReportXLSX returns the daily report as a workbook.
// GET /api/reports/daily/{date}/xlsx
func (h *Handler) DailyReportXLSX(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.dailyReport(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := report.WriteXLSX(&buf, rep); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render report", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="daily-%s.xlsx"`, rep.Date))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *Handler) dailyReport(w http.ResponseWriter, r *http.Request) (*report.DailyReport, bool) {
	caller := callerOf(r)
	var branches []domain.BranchID
	if !caller.IsAdmin() && caller.BranchID != "" {
		branches = []domain.BranchID{caller.BranchID}
	} else {
		for _, b := range r.URL.Query()["branch_id"] {
			branches = append(branches, domain.BranchID(b))
		}
	}
	rep, err := h.Reports.Daily(r.Context(), chi.URLParam(r, "date"), branches...)
	if err != nil {
		h.fail(w, "daily_report", err)
		return nil, false
	}
	return rep, true
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, 1<<20)); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return nil, false
	}
	return buf.Bytes(), true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps an engine error to a response and counts the outcome.
func (h *Handler) fail(w http.ResponseWriter, operation string, err error) {
	kind := domain.KindOf(err)
	metrics.ObserveOperation(operation, kind)

	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Str("operation", operation).Msg("request failed")
		writeJSON(w, status, ErrorResponse{Error: "Internal error", Kind: kind})
		return
	}
	h.Log.Debug().Err(err).Str("operation", operation).Str("kind", kind).Msg("request rejected")
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind, Details: details(err)})
}

func statusFor(kind string) int {
	switch kind {
	case "validation", "invalid_grant":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "conflict", "invalid_state", "already_used", "no_available_grant", "stale_write":
		return http.StatusConflict
	case "expired":
		return http.StatusGone
	case "amount_mismatch":
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// details adds machine-readable context for the errors clients act on.
func details(err error) string {
	var (
		mismatch *domain.AmountMismatchError
		conflict *domain.ConflictError
		invalid  *domain.ValidationError
	)
	switch {
	case errors.As(err, &mismatch):
		return fmt.Sprintf("expected=%s actual=%s", mismatch.Expected.StringFixed(2), mismatch.Actual.StringFixed(2))
	case errors.As(err, &conflict):
		return conflict.ExistingID
	case errors.As(err, &invalid):
		return invalid.Field
	}
	return ""
}
