package factory_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/factory"
)

var now = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestParseGiftCardSale(t *testing.T) {
	// GIVEN: A back-office sale with two services
	// WHEN: Parsing and pricing it
	// THEN: Each grant carries its service price plus the surcharge
	data := []byte(`{
		"branch_id": "b-1",
		"purchased_by": "c-7",
		"payment_method": "card",
		"services": [
			{"service_id": "classic", "duration": 60, "price": 50},
			{"service_id": "hot-stone", "duration": 90, "price": 80}
		],
		"notes": " birthday "
	}`)

	sale, err := factory.ParseGiftCardSale(data)
	require.NoError(t, err)

	card, err := factory.DefaultPricing().NewGiftCard("GC0000000001", sale, now)
	require.NoError(t, err)

	grants := card.Redeemable.Grants()
	require.Len(t, grants, 2)
	assert.True(t, grants[0].Price.Equal(domain.Money(55)))
	assert.True(t, grants[1].Price.Equal(domain.Money(85)))
	assert.Equal(t, 90, grants[1].Duration)
	assert.True(t, card.Price.Equal(domain.Money(140)))
	assert.Equal(t, "birthday", card.Notes)
	assert.Equal(t, now, card.PurchaseDate)
	assert.Nil(t, card.ExpiresAt, "default pricing issues cards that never expire")
}

func TestParseGiftCardSale_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad json", `{`, "body"},
		{"no branch", `{"payment_method":"cash","services":[{"service_id":"a","duration":30,"price":1}]}`, "branch_id"},
		{"bad method", `{"branch_id":"b","payment_method":"cheque","services":[{"service_id":"a","duration":30,"price":1}]}`, "payment_method"},
		{"no services", `{"branch_id":"b","payment_method":"cash","services":[]}`, "services"},
		{"zero duration", `{"branch_id":"b","payment_method":"cash","services":[{"service_id":"a","duration":0,"price":1}]}`, "services[0].duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.ParseGiftCardSale([]byte(tt.body))
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNewGiftCard_PriceOverrideAndValidity(t *testing.T) {
	p := factory.DefaultPricing()
	p.GiftCardValidity = 365 * 24 * time.Hour
	override := decimal.NewFromInt(99)
	sale := factory.GiftCardSale{
		BranchID: "b1", PaymentMethod: "cash", Price: &override,
		Services: []factory.ServiceJSON{{ServiceID: "a", Duration: 30, Price: domain.Money(40)}},
	}

	card, err := p.NewGiftCard("GC0000000002", sale, now)
	require.NoError(t, err)
	assert.True(t, card.Price.Equal(override))
	require.NotNil(t, card.ExpiresAt)
	assert.Equal(t, now.Add(p.GiftCardValidity), *card.ExpiresAt)
	assert.Equal(t, domain.ShapeMulti, card.Redeemable.Shape(), "single service still gets a grant list")
}

func TestPackagePricing(t *testing.T) {
	p := factory.DefaultPricing()
	assert.True(t, p.PackagePrice(domain.Money(45), 10).Equal(domain.Money(405)))
	assert.True(t, p.PackagePrice(domain.MustMoney("33.33"), 3).Equal(domain.MustMoney("89.99")))
}

func TestParsePackageSale(t *testing.T) {
	sale, err := factory.ParsePackageSale([]byte(`{
		"customer_id": "c-7", "branch_id": "b-1", "service_id": "classic",
		"duration": 60, "unit_price": 50, "visits": 5, "payment_method": "cash"
	}`))
	require.NoError(t, err)

	pkg, err := factory.DefaultPricing().NewPackage("p1", sale, now)
	require.NoError(t, err)
	assert.Equal(t, 5, pkg.TotalVisits)
	assert.Equal(t, 5, pkg.RemainingVisits)
	assert.True(t, pkg.IsActive)
	assert.True(t, pkg.Price.Equal(domain.Money(225)))

	_, err = factory.ParsePackageSale([]byte(`{"branch_id":"b","service_id":"s","duration":60,"unit_price":1,"payment_method":"cash"}`))
	assert.ErrorIs(t, err, domain.ErrValidation)
}
