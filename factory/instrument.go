/*
Package factory builds gift cards and visit packages from sale definitions.

PURPOSE:
  Converts a sale (JSON from the back office, or a Go struct) into a
  domain.GiftCard or domain.Package, applying the pricing rules of the
  business. Pricing lives here and not in the ledger so the same rules
  serve issuing, quoting and the demo scenarios.

PRICING RULES:
  Gift card:  one grant per purchased service; each grant is sold at the
              service price + GiftCardSurcharge. New cards are always
              multi-grant, even with a single service.
  Package:    PackageVisits visits of one service, sold at
              unit price x visits x (1 - PackageDiscountPercent/100).
  An explicit price on the sale overrides the computed one.

JSON SCHEMA (gift card):
  {
    "branch_id": "b-1",
    "purchased_by": "c-7",
    "payment_method": "card",
    "services": [
      {"service_id": "classic", "duration": 60, "price": 50},
      {"service_id": "hot-stone", "duration": 90, "price": 80}
    ],
    "notes": "birthday"
  }

JSON SCHEMA (package):
  {
    "customer_id": "c-7",
    "branch_id": "b-1",
    "service_id": "classic",
    "duration": 60,
    "unit_price": 50,
    "payment_method": "cash"
  }

USAGE:
  pricing := factory.DefaultPricing()
  sale, err := factory.ParseGiftCardSale(body)
  card, err := pricing.NewGiftCard(code, sale, time.Now())

SEE ALSO:
  - domain/instrument.go: GiftCard, Package, MultiGrant
  - instrument/ledger.go: Issues and persists the results
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/domain"
)

// =============================================================================
// PRICING
// =============================================================================

type Pricing struct {
	GiftCardSurcharge      decimal.Decimal
	PackageVisits          int
	PackageDiscountPercent decimal.Decimal
	GiftCardValidity       time.Duration // zero: cards never expire
}

func DefaultPricing() Pricing {
	return Pricing{
		GiftCardSurcharge:      decimal.NewFromInt(5),
		PackageVisits:          10,
		PackageDiscountPercent: decimal.NewFromInt(10),
	}
}

// GiftCardGrantPrice is what one service grant sells for.
func (p Pricing) GiftCardGrantPrice(servicePrice decimal.Decimal) decimal.Decimal {
	return servicePrice.Add(p.GiftCardSurcharge)
}

// PackagePrice is the bulk price of visits of a service costing unit.
func (p Pricing) PackagePrice(unit decimal.Decimal, visits int) decimal.Decimal {
	full := unit.Mul(decimal.NewFromInt(int64(visits)))
	off := full.Mul(p.PackageDiscountPercent).Div(decimal.NewFromInt(100))
	return full.Sub(off).Round(2)
}

// =============================================================================
// SALE DEFINITIONS
// =============================================================================

// ServiceJSON is one purchased service.
type ServiceJSON struct {
	ServiceID string          `json:"service_id"`
	Duration  int             `json:"duration"`
	Price     decimal.Decimal `json:"price"`
}

// GiftCardSale describes a gift card being sold.
type GiftCardSale struct {
	BranchID      string           `json:"branch_id"`
	PurchasedBy   string           `json:"purchased_by"`
	PaymentMethod string           `json:"payment_method"`
	Services      []ServiceJSON    `json:"services"`
	Price         *decimal.Decimal `json:"price,omitempty"` // overrides the computed price
	PurchaseDate  *time.Time       `json:"purchase_date,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	CreatedBy     string           `json:"-"`
}

// PackageSale describes a visit package being sold.
type PackageSale struct {
	CustomerID    string           `json:"customer_id"`
	BranchID      string           `json:"branch_id"`
	ServiceID     string           `json:"service_id"`
	Duration      int              `json:"duration"`
	UnitPrice     decimal.Decimal  `json:"unit_price"`
	Visits        int              `json:"visits,omitempty"` // zero: Pricing.PackageVisits
	Price         *decimal.Decimal `json:"price,omitempty"`
	PaymentMethod string           `json:"payment_method"`
	Notes         string           `json:"notes,omitempty"`
	CreatedBy     string           `json:"-"`
}

// ParseGiftCardSale decodes and validates a gift card sale.
func ParseGiftCardSale(data []byte) (GiftCardSale, error) {
	var sale GiftCardSale
	if err := json.Unmarshal(data, &sale); err != nil {
		return sale, &domain.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return sale, sale.Validate()
}

// ParsePackageSale decodes and validates a package sale.
func ParsePackageSale(data []byte) (PackageSale, error) {
	var sale PackageSale
	if err := json.Unmarshal(data, &sale); err != nil {
		return sale, &domain.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return sale, sale.Validate()
}

func (s GiftCardSale) Validate() error {
	if strings.TrimSpace(s.BranchID) == "" {
		return &domain.ValidationError{Field: "branch_id", Message: "is required"}
	}
	if !domain.PaymentMethod(s.PaymentMethod).Valid() {
		return &domain.ValidationError{Field: "payment_method", Message: "must be cash, card or terminal"}
	}
	if len(s.Services) == 0 {
		return &domain.ValidationError{Field: "services", Message: "at least one service is required"}
	}
	for i, svc := range s.Services {
		if err := validateService(fmt.Sprintf("services[%d]", i), svc.ServiceID, svc.Duration, svc.Price); err != nil {
			return err
		}
	}
	if s.Price != nil && s.Price.IsNegative() {
		return &domain.ValidationError{Field: "price", Message: "cannot be negative"}
	}
	return nil
}

func (s PackageSale) Validate() error {
	if strings.TrimSpace(s.CustomerID) == "" {
		return &domain.ValidationError{Field: "customer_id", Message: "is required"}
	}
	if strings.TrimSpace(s.BranchID) == "" {
		return &domain.ValidationError{Field: "branch_id", Message: "is required"}
	}
	if err := validateService("service", s.ServiceID, s.Duration, s.UnitPrice); err != nil {
		return err
	}
	if s.Visits < 0 {
		return &domain.ValidationError{Field: "visits", Message: "cannot be negative"}
	}
	if !domain.PaymentMethod(s.PaymentMethod).Valid() {
		return &domain.ValidationError{Field: "payment_method", Message: "must be cash, card or terminal"}
	}
	if s.Price != nil && s.Price.IsNegative() {
		return &domain.ValidationError{Field: "price", Message: "cannot be negative"}
	}
	return nil
}

func validateService(field, id string, duration int, price decimal.Decimal) error {
	if strings.TrimSpace(id) == "" {
		return &domain.ValidationError{Field: field + ".service_id", Message: "is required"}
	}
	if duration <= 0 {
		return &domain.ValidationError{Field: field + ".duration", Message: "must be positive"}
	}
	if price.IsNegative() {
		return &domain.ValidationError{Field: field + ".price", Message: "cannot be negative"}
	}
	return nil
}

// =============================================================================
// BUILDERS
// =============================================================================

// NewGiftCard builds an unused multi-grant card numbered code.
func (p Pricing) NewGiftCard(code string, sale GiftCardSale, now time.Time) (*domain.GiftCard, error) {
	if err := sale.Validate(); err != nil {
		return nil, err
	}

	grants := make([]domain.Grant, len(sale.Services))
	total := decimal.Zero
	for i, svc := range sale.Services {
		price := p.GiftCardGrantPrice(svc.Price)
		grants[i] = domain.Grant{
			ServiceID: domain.ServiceID(svc.ServiceID),
			Duration:  svc.Duration,
			Price:     price,
		}
		total = total.Add(price)
	}
	if sale.Price != nil {
		total = *sale.Price
	}

	purchased := now
	if sale.PurchaseDate != nil {
		purchased = *sale.PurchaseDate
	}
	card := &domain.GiftCard{
		Code:          code,
		BranchID:      domain.BranchID(sale.BranchID),
		PurchasedBy:   domain.CustomerID(sale.PurchasedBy),
		PurchaseDate:  purchased,
		Price:         total,
		PaymentMethod: domain.PaymentMethod(sale.PaymentMethod),
		Notes:         strings.TrimSpace(sale.Notes),
		CreatedBy:     domain.UserID(sale.CreatedBy),
		Redeemable:    domain.NewMultiGrant(grants...),
	}
	if p.GiftCardValidity > 0 {
		exp := purchased.Add(p.GiftCardValidity)
		card.ExpiresAt = &exp
	}
	return card, nil
}

// NewPackage builds an active package with every visit remaining.
func (p Pricing) NewPackage(id domain.PackageID, sale PackageSale, now time.Time) (*domain.Package, error) {
	if err := sale.Validate(); err != nil {
		return nil, err
	}
	visits := sale.Visits
	if visits == 0 {
		visits = p.PackageVisits
	}
	if visits <= 0 {
		return nil, &domain.ValidationError{Field: "visits", Message: "must be positive"}
	}

	price := p.PackagePrice(sale.UnitPrice, visits)
	if sale.Price != nil {
		price = *sale.Price
	}
	return &domain.Package{
		ID:              id,
		CustomerID:      domain.CustomerID(sale.CustomerID),
		ServiceID:       domain.ServiceID(sale.ServiceID),
		Duration:        sale.Duration,
		BranchID:        domain.BranchID(sale.BranchID),
		TotalVisits:     visits,
		RemainingVisits: visits,
		Price:           price,
		PaymentMethod:   domain.PaymentMethod(sale.PaymentMethod),
		IsActive:        true,
		Notes:           strings.TrimSpace(sale.Notes),
		CreatedBy:       domain.UserID(sale.CreatedBy),
		CreatedAt:       now,
	}, nil
}
