/*
ledger.go - Redeemable-instrument ledger: gift cards and visit packages

PURPOSE:
  Single-use consumption of prepaid instruments. A gift card holds one or
  more service grants; each grant flips from unused to used exactly once,
  stamped with the customer and the appointment that consumed it. A package
  holds a visit counter that only goes down.

CONSUMPTION RULES (gift cards):
  grant index omitted  -> first unused grant in stored order,
                          NoAvailableGrant when none is left
  grant index given    -> that grant, InvalidGrant when out of range,
                          AlreadyUsed when consumed before
  last grant consumed  -> card IsUsed, aggregate stamp mirrors that grant
  past ExpiresAt       -> Expired, nothing consumed

CONSUMPTION RULES (packages):
  inactive             -> InvalidState
  no visits left       -> NoAvailableGrant
  same appointment     -> AlreadyUsed (a visit is drawn once per booking)
  otherwise            -> remaining--, visit recorded, inactive at zero

CONCURRENCY:
  Writes are version-conditional. Two consumers racing for the same grant
  both read version N; the second write finds N+1 and fails with
  ErrStaleWrite, reported as AlreadyUsed. One success, one failure.

SEE ALSO:
  - domain/instrument.go: SingleGrant / MultiGrant variants
  - factory/instrument.go: Pricing of new instruments
  - settlement/engine.go: Consumes inside the settlement transaction
*/
package instrument

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/factory"
)

// Ledger runs instrument operations against a TxStore.
type Ledger struct {
	Store   domain.TxStore
	Pricing factory.Pricing
	Log     zerolog.Logger
	Now     func() time.Time

	// NewCode and CodeAttempts control card-number generation.
	NewCode      func() string
	CodeAttempts int
}

func NewLedger(store domain.TxStore, pricing factory.Pricing, log zerolog.Logger) *Ledger {
	return &Ledger{Store: store, Pricing: pricing, Log: log, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// =============================================================================
// VALIDATE - Read-only
// =============================================================================

// Validation is a card together with what can still be redeemed on it.
type Validation struct {
	Card      *domain.GiftCard
	Available []int
	Stats     domain.GrantStats
}

// Validate looks a card up without changing it. Fully used and expired
// cards are reported as errors.
func (l *Ledger) Validate(ctx context.Context, code string) (*Validation, error) {
	card, err := l.Store.GetGiftCard(ctx, NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	if card.IsFullyUsed() {
		return nil, &domain.AlreadyUsedError{Code: card.Code, Grant: -1}
	}
	if card.IsExpired(l.now()) {
		return nil, &domain.ExpiredError{Code: card.Code, ExpiredAt: *card.ExpiresAt}
	}
	return &Validation{
		Card:      card,
		Available: card.Redeemable.AvailableGrants(),
		Stats:     card.Stats(),
	}, nil
}

// =============================================================================
// CONSUME
// =============================================================================

// Consume redeems one grant of a card for appointment. The appointment must
// exist and not be cancelled; customer defaults to the appointment's.
func (l *Ledger) Consume(ctx context.Context, caller domain.Caller, code string, customer domain.CustomerID, appointment domain.AppointmentID, index *int) (*domain.GiftCard, error) {
	if appointment == "" {
		return nil, &domain.ValidationError{Field: "appointment_id", Message: "is required"}
	}
	var out *domain.GiftCard
	err := l.Store.WithTx(ctx, func(tx domain.Store) error {
		a, err := tx.GetAppointment(ctx, appointment)
		if err != nil {
			return err
		}
		if a.Status == domain.StatusCancelled {
			return &domain.InvalidStateError{Entity: "appointment", ID: string(a.ID), From: string(a.Status), To: "redeemed"}
		}
		if customer == "" {
			customer = a.CustomerID
		} else if customer != a.CustomerID {
			return &domain.ValidationError{Field: "customer_id", Message: "does not match the appointment"}
		}
		card, _, err := ConsumeGiftCard(ctx, tx, NormalizeCode(code), index, domain.GrantStamp{
			At:          l.now(),
			Customer:    customer,
			Appointment: appointment,
		}, caller.UserID)
		out = card
		return err
	})
	if err != nil {
		l.Log.Debug().Err(err).Str("code", code).Msg("consume rejected")
		return nil, err
	}
	l.Log.Info().Str("code", out.Code).Bool("fully_used", out.IsFullyUsed()).Msg("gift card grant consumed")
	return out, nil
}

// ConsumeGiftCard consumes a grant within an open transaction and returns
// the updated card and the consumed index.
func ConsumeGiftCard(ctx context.Context, tx domain.Store, code string, index *int, stamp domain.GrantStamp, actor domain.UserID) (*domain.GiftCard, int, error) {
	card, err := tx.GetGiftCard(ctx, code)
	if err != nil {
		return nil, 0, err
	}
	if card.IsExpired(stamp.At) {
		return nil, 0, &domain.ExpiredError{Code: card.Code, ExpiredAt: *card.ExpiresAt}
	}
	i, err := card.Consume(index, stamp)
	if err != nil {
		return nil, 0, err
	}
	if err := tx.UpdateGiftCard(ctx, card); err != nil {
		if errors.Is(err, domain.ErrStaleWrite) {
			return nil, 0, &domain.AlreadyUsedError{Code: card.Code, Grant: i}
		}
		return nil, 0, fmt.Errorf("update gift card: %w", err)
	}
	err = tx.AppendAudit(ctx, domain.NewAuditEntry(stamp.At, actor, domain.AuditGiftCardConsumed, "gift_card", card.Code, map[string]string{
		"grant":       fmt.Sprint(i),
		"appointment": string(stamp.Appointment),
		"customer":    string(stamp.Customer),
	}))
	if err != nil {
		return nil, 0, err
	}
	return card, i, nil
}

// UseVisit draws one visit of a package for appointment.
func (l *Ledger) UseVisit(ctx context.Context, caller domain.Caller, id domain.PackageID, appointment domain.AppointmentID) (*domain.Package, error) {
	var out *domain.Package
	err := l.Store.WithTx(ctx, func(tx domain.Store) error {
		p, err := UsePackageVisit(ctx, tx, id, "", appointment, l.now(), caller.UserID)
		out = p
		return err
	})
	if err != nil {
		l.Log.Debug().Err(err).Str("package_id", string(id)).Msg("package visit rejected")
		return nil, err
	}
	l.Log.Info().Str("package_id", string(id)).Int("remaining", out.RemainingVisits).Msg("package visit used")
	return out, nil
}

// UsePackageVisit draws a visit within an open transaction. A non-empty
// customer must own the package.
func UsePackageVisit(ctx context.Context, tx domain.Store, id domain.PackageID, customer domain.CustomerID, appointment domain.AppointmentID, at time.Time, actor domain.UserID) (*domain.Package, error) {
	p, err := tx.GetPackage(ctx, id)
	if err != nil {
		return nil, err
	}
	if customer != "" && p.CustomerID != customer {
		return nil, &domain.ValidationError{Field: "package_id", Message: "package belongs to another customer"}
	}
	if err := p.UseVisit(appointment, at); err != nil {
		return nil, err
	}
	if err := tx.UpdatePackage(ctx, p); err != nil {
		if errors.Is(err, domain.ErrStaleWrite) {
			return nil, &domain.AlreadyUsedError{Code: string(id), Grant: -1, Appointment: appointment}
		}
		return nil, fmt.Errorf("update package: %w", err)
	}
	err = tx.AppendAudit(ctx, domain.NewAuditEntry(at, actor, domain.AuditPackageVisit, "package", string(id), map[string]string{
		"appointment": string(appointment),
		"remaining":   fmt.Sprint(p.RemainingVisits),
	}))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// GIFT CARD ADMINISTRATION
// =============================================================================

// IssueGiftCard numbers, prices and stores a new card.
func (l *Ledger) IssueGiftCard(ctx context.Context, caller domain.Caller, sale factory.GiftCardSale) (*domain.GiftCard, error) {
	sale.CreatedBy = string(caller.UserID)
	code, err := l.GenerateCode(ctx)
	if err != nil {
		return nil, err
	}
	card, err := l.Pricing.NewGiftCard(code, sale, l.now())
	if err != nil {
		return nil, err
	}

	err = l.Store.WithTx(ctx, func(tx domain.Store) error {
		if err := tx.InsertGiftCard(ctx, card); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, domain.NewAuditEntry(l.now(), caller.UserID, domain.AuditGiftCardIssued, "gift_card", code, map[string]string{
			"price":  card.Price.String(),
			"grants": fmt.Sprint(len(card.Redeemable.Grants())),
		}))
	})
	if err != nil {
		return nil, err
	}
	l.Log.Info().Str("code", code).Str("branch_id", string(card.BranchID)).Msg("gift card issued")
	return card, nil
}

// UpdateGiftCardNotes edits the notes of a card no grant was consumed from.
func (l *Ledger) UpdateGiftCardNotes(ctx context.Context, code, notes string) (*domain.GiftCard, error) {
	var out *domain.GiftCard
	err := l.Store.WithTx(ctx, func(tx domain.Store) error {
		card, err := tx.GetGiftCard(ctx, NormalizeCode(code))
		if err != nil {
			return err
		}
		if card.HasUsage() {
			return &domain.AlreadyUsedError{Code: card.Code, Grant: -1}
		}
		card.Notes = strings.TrimSpace(notes)
		if err := tx.UpdateGiftCard(ctx, card); err != nil {
			if errors.Is(err, domain.ErrStaleWrite) {
				return &domain.AlreadyUsedError{Code: card.Code, Grant: -1}
			}
			return err
		}
		out = card
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteGiftCard removes an unused card. Admin only.
func (l *Ledger) DeleteGiftCard(ctx context.Context, caller domain.Caller, code string) error {
	if !caller.IsAdmin() {
		return &domain.AuthorizationError{Action: "delete gift card", UserID: caller.UserID}
	}
	return l.Store.WithTx(ctx, func(tx domain.Store) error {
		card, err := tx.GetGiftCard(ctx, NormalizeCode(code))
		if err != nil {
			return err
		}
		if card.HasUsage() {
			return &domain.AlreadyUsedError{Code: card.Code, Grant: -1}
		}
		if err := tx.DeleteGiftCard(ctx, card.Code); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, domain.NewAuditEntry(l.now(), caller.UserID, domain.AuditGiftCardDeleted, "gift_card", card.Code, nil))
	})
}

func (l *Ledger) ListGiftCards(ctx context.Context, f domain.GiftCardFilter) ([]domain.GiftCard, error) {
	return l.Store.ListGiftCards(ctx, f)
}

// BranchStats summarises the gift cards sold by one branch.
type BranchStats struct {
	BranchID    domain.BranchID
	Total       int
	Used        int
	Active      int
	Expired     int
	Revenue     decimal.Decimal
	UsedRevenue decimal.Decimal
}

// GiftCardStats aggregates card counts and sales per branch. An empty
// branch covers every branch.
func (l *Ledger) GiftCardStats(ctx context.Context, branch domain.BranchID) ([]BranchStats, error) {
	cards, err := l.Store.ListGiftCards(ctx, domain.GiftCardFilter{BranchID: branch})
	if err != nil {
		return nil, err
	}
	now := l.now()
	byBranch := make(map[domain.BranchID]*BranchStats)
	var order []domain.BranchID
	for i := range cards {
		c := &cards[i]
		st, ok := byBranch[c.BranchID]
		if !ok {
			st = &BranchStats{BranchID: c.BranchID}
			byBranch[c.BranchID] = st
			order = append(order, c.BranchID)
		}
		st.Total++
		st.Revenue = st.Revenue.Add(c.Price)
		switch {
		case c.IsFullyUsed():
			st.Used++
			st.UsedRevenue = st.UsedRevenue.Add(c.Price)
		case c.IsExpired(now):
			st.Expired++
		default:
			st.Active++
		}
	}

	out := make([]BranchStats, 0, len(order))
	for _, b := range order {
		out = append(out, *byBranch[b])
	}
	return out, nil
}

// =============================================================================
// PACKAGE ADMINISTRATION
// =============================================================================

// SellPackage prices and stores a new visit package.
func (l *Ledger) SellPackage(ctx context.Context, caller domain.Caller, sale factory.PackageSale) (*domain.Package, error) {
	sale.CreatedBy = string(caller.UserID)
	p, err := l.Pricing.NewPackage(domain.PackageID(uuid.NewString()), sale, l.now())
	if err != nil {
		return nil, err
	}
	err = l.Store.WithTx(ctx, func(tx domain.Store) error {
		if err := tx.InsertPackage(ctx, p); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, domain.NewAuditEntry(l.now(), caller.UserID, domain.AuditPackageSold, "package", string(p.ID), map[string]string{
			"price":  p.Price.String(),
			"visits": fmt.Sprint(p.TotalVisits),
		}))
	})
	if err != nil {
		return nil, err
	}
	l.Log.Info().Str("package_id", string(p.ID)).Str("customer_id", string(p.CustomerID)).Msg("package sold")
	return p, nil
}

func (l *Ledger) GetPackage(ctx context.Context, id domain.PackageID) (*domain.Package, error) {
	return l.Store.GetPackage(ctx, id)
}

func (l *Ledger) ListPackages(ctx context.Context, f domain.PackageFilter) ([]domain.Package, error) {
	return l.Store.ListPackages(ctx, f)
}

// DeletePackage removes a package. Admin only.
func (l *Ledger) DeletePackage(ctx context.Context, caller domain.Caller, id domain.PackageID) error {
	if !caller.IsAdmin() {
		return &domain.AuthorizationError{Action: "delete package", UserID: caller.UserID}
	}
	return l.Store.WithTx(ctx, func(tx domain.Store) error {
		if err := tx.DeletePackage(ctx, id); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, domain.NewAuditEntry(l.now(), caller.UserID, domain.AuditPackageDeleted, "package", string(id), nil))
	})
}

// NormalizeCode trims and upper-cases a typed card number.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
