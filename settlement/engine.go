/*
Package settlement closes out the payment of a booking.

PURPOSE:
  Complete moves a scheduled appointment to completed and records how it
  was paid. The whole settlement runs in one transaction: every check
  happens before the first write, and any failure leaves the appointment
  and the instruments as they were.

PAYMENT PATHS:
  gift_card   consume one grant of the card; price becomes 0 for revenue
  package     draw one visit of the customer's package; price becomes 0
  advance     remaining = price - advance; a remaining <= 0 needs no payment
  full        no advance on file; the whole price is due

  For the money paths the request carries either one method (the full
  amount goes to it) or a {cash, card, terminal} split whose total must
  equal the amount due within 0.01.

PAYMENT TYPE:
  split given                               -> mixed
  single method, advance by another method  -> mixed
  single method otherwise                   -> that method

CONSERVATION:
  For every completed, non-instrument appointment:
    advance + cash + card + terminal == price   (within 0.01)

TIPS:
  Free-form per-method amounts, each >= 0, kept apart from revenue and
  stored only when their total is positive.

SEE ALSO:
  - instrument/ledger.go: ConsumeGiftCard, UsePackageVisit
  - booking/whatsapp.go: Feedback link returned with the result
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/instrument"
)

// Engine settles appointments against a TxStore.
type Engine struct {
	Store domain.TxStore
	Log   zerolog.Logger
	Now   func() time.Time

	// CountryCode and FeedbackMessage shape the feedback link.
	CountryCode     string
	FeedbackMessage string
}

func NewEngine(store domain.TxStore, log zerolog.Logger) *Engine {
	return &Engine{
		Store:           store,
		Log:             log,
		Now:             time.Now,
		CountryCode:     "994",
		FeedbackMessage: booking.DefaultFeedbackMessage,
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Request is a settlement intent.
type Request struct {
	// PaymentType selects the path: gift_card, package, mixed, or a single
	// method. Empty means "money", decided by Method/Payments.
	PaymentType domain.PaymentType
	Method      domain.PaymentMethod
	Payments    *domain.MethodSplit

	InstrumentCode string
	GrantIndex     *int
	PackageID      domain.PackageID

	Tips *domain.MethodSplit
}

// Result is the settled appointment and the link to ask for feedback.
type Result struct {
	Appointment  *domain.Appointment
	FeedbackLink string
}

// =============================================================================
// COMPLETE
// =============================================================================

// Complete settles appointment id according to req.
func (e *Engine) Complete(ctx context.Context, caller domain.Caller, id domain.AppointmentID, req Request) (*Result, error) {
	now := e.now()
	var out *domain.Appointment

	err := e.Store.WithTx(ctx, func(tx domain.Store) error {
		a, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !a.Status.CanTransition(domain.StatusCompleted) {
			return &domain.InvalidStateError{Entity: "appointment", ID: string(id), From: string(a.Status), To: string(domain.StatusCompleted)}
		}
		if req.Tips != nil {
			if err := req.Tips.Validate("tips"); err != nil {
				return err
			}
		}

		detail := map[string]string{}
		switch req.PaymentType {
		case domain.PaymentGiftCard:
			err = e.settleGiftCard(ctx, tx, caller, a, req, now, detail)
		case domain.PaymentPackage:
			err = e.settlePackage(ctx, tx, caller, a, req, now, detail)
		default:
			err = settleMoney(a, req, now)
		}
		if err != nil {
			return err
		}

		if req.Tips != nil && req.Tips.Total().IsPositive() {
			a.Tips = &domain.Tips{Amount: req.Tips.Total(), Methods: *req.Tips, PaidAt: now}
		}
		a.Status = domain.StatusCompleted
		a.UpdatedAt = now

		if err := tx.UpdateAppointment(ctx, a); err != nil {
			if errors.Is(err, domain.ErrStaleWrite) {
				return &domain.InvalidStateError{Entity: "appointment", ID: string(id), From: "modified", To: string(domain.StatusCompleted)}
			}
			return fmt.Errorf("update appointment: %w", err)
		}
		out = a

		detail["payment_type"] = string(a.PaymentType)
		detail["price"] = a.Price.String()
		return tx.AppendAudit(ctx, domain.NewAuditEntry(now, caller.UserID, domain.AuditAppointmentCompleted, "appointment", string(id), detail))
	})
	if err != nil {
		e.Log.Debug().Err(err).Str("appointment_id", string(id)).Str("kind", domain.KindOf(err)).Msg("settlement rejected")
		return nil, err
	}

	e.Log.Info().
		Str("appointment_id", string(id)).
		Str("payment_type", string(out.PaymentType)).
		Str("price", out.Price.StringFixed(2)).
		Msg("appointment completed")

	return &Result{Appointment: out, FeedbackLink: e.feedbackLink(ctx, out.CustomerID)}, nil
}

func (e *Engine) settleGiftCard(ctx context.Context, tx domain.Store, caller domain.Caller, a *domain.Appointment, req Request, now time.Time, detail map[string]string) error {
	code := instrument.NormalizeCode(req.InstrumentCode)
	if code == "" {
		return &domain.ValidationError{Field: "gift_card_number", Message: "is required for gift card payment"}
	}
	card, err := tx.GetGiftCard(ctx, code)
	if err != nil {
		return err
	}
	if card.IsFullyUsed() {
		return &domain.AlreadyUsedError{Code: card.Code, Grant: -1}
	}

	stamp := domain.GrantStamp{At: now, Customer: a.CustomerID, Appointment: a.ID}
	_, grant, err := instrument.ConsumeGiftCard(ctx, tx, code, req.GrantIndex, stamp, caller.UserID)
	if err != nil {
		return err
	}

	detail["gift_card"] = code
	detail["grant"] = fmt.Sprint(grant)
	detail["prior_price"] = a.Price.String()
	a.GiftCard = code
	settleByInstrument(a, domain.PaymentGiftCard)
	return nil
}

func (e *Engine) settlePackage(ctx context.Context, tx domain.Store, caller domain.Caller, a *domain.Appointment, req Request, now time.Time, detail map[string]string) error {
	if req.PackageID == "" {
		return &domain.ValidationError{Field: "package_id", Message: "is required for package payment"}
	}
	if _, err := instrument.UsePackageVisit(ctx, tx, req.PackageID, a.CustomerID, a.ID, now, caller.UserID); err != nil {
		return err
	}

	detail["package_id"] = string(req.PackageID)
	detail["prior_price"] = a.Price.String()
	a.PackageID = req.PackageID
	settleByInstrument(a, domain.PaymentPackage)
	return nil
}

// settleByInstrument zeroes the revenue of a prepaid visit.
func settleByInstrument(a *domain.Appointment, t domain.PaymentType) {
	a.Price = decimal.Zero
	a.Remaining = nil
	a.PaymentType = t
}

// settleMoney applies the advance and full paths.
func settleMoney(a *domain.Appointment, req Request, now time.Time) error {
	method := req.Method
	if method == "" {
		if m, ok := req.PaymentType.Method(); ok {
			method = m
		}
	}
	if req.PaymentType == domain.PaymentMixed && req.Payments == nil {
		return &domain.ValidationError{Field: "payments", Message: "is required for mixed payment"}
	}
	if req.PaymentType != "" && !req.PaymentType.Valid() {
		return &domain.ValidationError{Field: "payment_type", Message: "unknown payment type"}
	}

	due := a.Price.Sub(a.AdvanceAmount())
	if !due.IsPositive() {
		a.Remaining = &domain.RemainingPayment{PaidAt: now}
		switch {
		case a.Advance != nil:
			a.PaymentType = domain.PaymentType(a.Advance.Method)
		case method.Valid():
			a.PaymentType = domain.PaymentType(method)
		default:
			a.PaymentType = domain.PaymentCash
		}
		return nil
	}

	if req.Payments != nil {
		if err := req.Payments.Validate("payments"); err != nil {
			return err
		}
		if paid := req.Payments.Total(); !domain.WithinTolerance(paid, due) {
			return &domain.AmountMismatchError{Expected: due, Actual: paid}
		}
		a.Remaining = &domain.RemainingPayment{MethodSplit: *req.Payments, PaidAt: now}
		a.PaymentType = domain.PaymentMixed
		return nil
	}

	if !method.Valid() {
		return &domain.ValidationError{Field: "payment_method", Message: "a payment method or a payments split is required"}
	}
	a.Remaining = &domain.RemainingPayment{MethodSplit: domain.SplitOf(method, due), PaidAt: now}
	a.PaymentType = domain.PaymentType(method)
	if a.Advance != nil && a.Advance.Method != method {
		a.PaymentType = domain.PaymentMixed
	}
	return nil
}

func (e *Engine) feedbackLink(ctx context.Context, customer domain.CustomerID) string {
	c, err := e.Store.GetCustomer(ctx, customer)
	if err != nil {
		if !domain.IsNotFound(err) {
			e.Log.Warn().Err(err).Str("customer_id", string(customer)).Msg("feedback link: customer lookup failed")
		}
		return ""
	}
	return booking.FeedbackLink(c.Phone, e.CountryCode, e.FeedbackMessage)
}
