package promotion

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func activePromo(t Type) *Promotion {
	return &Promotion{
		ID:              "promo-1",
		Name:            "Test Promotion",
		CouponCode:      "TEST",
		Type:            t,
		Active:          true,
		ApplyToAllItems: true,
		StartDate:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:         time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestCompute(t *testing.T) {
	tests := []struct {
		name       string
		promo      func() *Promotion
		items      []CartItem
		cartTotal  string
		wantAmount string
		wantErr    error
	}{
		{
			name: "percentage on whole cart",
			promo: func() *Promotion {
				p := activePromo(TypePercentage)
				p.Value = dec("10")
				return p
			},
			items: []CartItem{
				{MenuItemID: "burger", Quantity: 2, UnitPrice: dec("12.50")},
			},
			cartTotal:  "25",
			wantAmount: "2.5",
		},
		{
			name: "percentage on eligible category subset only",
			promo: func() *Promotion {
				p := activePromo(TypePercentage)
				p.Value = dec("10")
				p.ApplyToAllItems = false
				p.EligibleCategories = []string{"drinks"}
				return p
			},
			items: []CartItem{
				{MenuItemID: "cola", Category: "drinks", Quantity: 1, UnitPrice: dec("10")},
				{MenuItemID: "steak", Category: "entrees", Quantity: 1, UnitPrice: dec("20")},
			},
			cartTotal:  "30",
			wantAmount: "1",
		},
		{
			name: "fixed amount capped at cart total",
			promo: func() *Promotion {
				p := activePromo(TypeFixedAmount)
				p.Value = dec("50")
				return p
			},
			items: []CartItem{
				{MenuItemID: "salad", Quantity: 1, UnitPrice: dec("8")},
			},
			cartTotal:  "8",
			wantAmount: "8",
		},
		{
			name: "fixed amount below cart total",
			promo: func() *Promotion {
				p := activePromo(TypeFixedAmount)
				p.Value = dec("5")
				return p
			},
			items: []CartItem{
				{MenuItemID: "salad", Quantity: 2, UnitPrice: dec("8")},
			},
			cartTotal:  "16",
			wantAmount: "5",
		},
		{
			name: "free item uses linked item price",
			promo: func() *Promotion {
				p := activePromo(TypeFreeItem)
				p.FreeItemID = "fries"
				p.FreeItemName = "Fries"
				p.FreeItemPrice = decPtr("3.50")
				return p
			},
			items: []CartItem{
				{MenuItemID: "burger", Quantity: 1, UnitPrice: dec("12")},
			},
			cartTotal:  "12",
			wantAmount: "3.5",
		},
		{
			name: "free item without price discounts nothing",
			promo: func() *Promotion {
				p := activePromo(TypeFreeItem)
				p.FreeItemID = "sticker"
				p.FreeItemName = "Sticker"
				return p
			},
			items: []CartItem{
				{MenuItemID: "burger", Quantity: 1, UnitPrice: dec("12")},
			},
			cartTotal:  "12",
			wantAmount: "0",
		},
		{
			name: "bogo discounts the cheaper of two equal units",
			promo: func() *Promotion {
				p := activePromo(TypeBuyOneGetOne)
				p.ApplyToAllItems = false
				p.EligibleItemIDs = []string{"X"}
				return p
			},
			items: []CartItem{
				{MenuItemID: "X", Quantity: 2, UnitPrice: dec("10")},
			},
			cartTotal:  "20",
			wantAmount: "10",
		},
		{
			name: "bogo single unit gets nothing",
			promo: func() *Promotion {
				p := activePromo(TypeBuyOneGetOne)
				p.ApplyToAllItems = false
				p.EligibleItemIDs = []string{"X"}
				return p
			},
			items: []CartItem{
				{MenuItemID: "X", Quantity: 1, UnitPrice: dec("10")},
			},
			cartTotal:  "10",
			wantAmount: "0",
		},
		{
			name: "bogo sums cheapest unit across groups",
			promo: func() *Promotion {
				p := activePromo(TypeBuyOneGetOne)
				p.ApplyToAllItems = false
				p.EligibleItemIDs = []string{"X", "Y"}
				return p
			},
			items: []CartItem{
				{MenuItemID: "X", Quantity: 1, UnitPrice: dec("10")},
				{MenuItemID: "X", Quantity: 1, UnitPrice: dec("7")},
				{MenuItemID: "Y", Quantity: 3, UnitPrice: dec("4")},
			},
			cartTotal:  "29",
			wantAmount: "11",
		},
		{
			name: "inactive promotion rejected",
			promo: func() *Promotion {
				p := activePromo(TypePercentage)
				p.Value = dec("10")
				p.Active = false
				return p
			},
			items:     []CartItem{{MenuItemID: "a", Quantity: 1, UnitPrice: dec("10")}},
			cartTotal: "10",
			wantErr:   ErrInactive,
		},
		{
			name: "expired promotion rejected",
			promo: func() *Promotion {
				p := activePromo(TypePercentage)
				p.Value = dec("10")
				p.EndDate = testNow.Add(-24 * time.Hour)
				return p
			},
			items:     []CartItem{{MenuItemID: "a", Quantity: 1, UnitPrice: dec("10")}},
			cartTotal: "10",
			wantErr:   ErrExpired,
		},
		{
			name: "not yet started rejected",
			promo: func() *Promotion {
				p := activePromo(TypePercentage)
				p.Value = dec("10")
				p.StartDate = testNow.Add(24 * time.Hour)
				return p
			},
			items:     []CartItem{{MenuItemID: "a", Quantity: 1, UnitPrice: dec("10")}},
			cartTotal: "10",
			wantErr:   ErrExpired,
		},
		{
			name: "usage limit exhausted rejected",
			promo: func() *Promotion {
				p := activePromo(TypePercentage)
				p.Value = dec("10")
				p.UsageLimit = 100
				p.UsageCount = 100
				return p
			},
			items:     []CartItem{{MenuItemID: "a", Quantity: 1, UnitPrice: dec("10")}},
			cartTotal: "10",
			wantErr:   ErrUsageLimitReached,
		},
		{
			name: "no eligible items rejected",
			promo: func() *Promotion {
				p := activePromo(TypePercentage)
				p.Value = dec("10")
				p.ApplyToAllItems = false
				p.EligibleItemIDs = []string{"pizza"}
				return p
			},
			items:     []CartItem{{MenuItemID: "burger", Quantity: 1, UnitPrice: dec("10")}},
			cartTotal: "10",
			wantErr:   ErrNoEligibleItems,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(tt.promo(), tt.items, dec(tt.cartTotal), testNow)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, dec(tt.wantAmount).Equal(got.Amount),
				"expected amount %s, got %s", tt.wantAmount, got.Amount)
		})
	}
}

func TestComputeBelowMinimumEchoesMinimum(t *testing.T) {
	p := activePromo(TypePercentage)
	p.Value = dec("10")
	p.MinimumOrderValue = decPtr("20")

	_, err := Compute(p, []CartItem{
		{MenuItemID: "a", Quantity: 1, UnitPrice: dec("15")},
	}, dec("15"), testNow)

	var bmErr *BelowMinimumError
	require.ErrorAs(t, err, &bmErr)
	assert.True(t, dec("20").Equal(bmErr.Minimum))
}

func TestComputeDiscountNeverExceedsCartTotal(t *testing.T) {
	types := []func() *Promotion{
		func() *Promotion {
			p := activePromo(TypePercentage)
			p.Value = dec("100")
			return p
		},
		func() *Promotion {
			p := activePromo(TypeFixedAmount)
			p.Value = dec("1000")
			return p
		},
		func() *Promotion {
			p := activePromo(TypeFreeItem)
			p.FreeItemID = "lobster"
			p.FreeItemPrice = decPtr("99")
			return p
		},
	}

	// The sub-cent total guards against rounding pushing a clamped
	// discount back above the cart total.
	totals := []decimal.Decimal{dec("6.99"), dec("10.005")}

	for _, total := range totals {
		items := []CartItem{{MenuItemID: "a", Quantity: 1, UnitPrice: total}}
		for _, mk := range types {
			p := mk()
			got, err := Compute(p, items, total, testNow)
			require.NoError(t, err, "type %s total %s", p.Type, total)
			assert.False(t, got.Amount.IsNegative(), "type %s total %s", p.Type, total)
			assert.True(t, got.Amount.LessThanOrEqual(total),
				"type %s: discount %s exceeds total %s", p.Type, got.Amount, total)
		}
	}
}

func TestComputeIsPure(t *testing.T) {
	p := activePromo(TypeBuyOneGetOne)
	p.ApplyToAllItems = false
	p.EligibleItemIDs = []string{"X"}
	items := []CartItem{
		{MenuItemID: "X", Quantity: 2, UnitPrice: dec("10")},
	}

	first, err := Compute(p, items, dec("20"), testNow)
	require.NoError(t, err)
	second, err := Compute(p, items, dec("20"), testNow)
	require.NoError(t, err)

	assert.True(t, first.Amount.Equal(second.Amount))
	assert.Equal(t, 0, p.UsageCount, "engine must not mutate the promotion")
}
