package promotion

import (
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CartItem is a line item for discount calculation purposes. UnitPrice is
// the caller-supplied snapshot; the engine never consults the live menu.
type CartItem struct {
	MenuItemID string
	Name       string
	Category   string
	Quantity   int
	UnitPrice  decimal.Decimal
}

// FreeItem is the linked item a free_item promotion grants. It is surfaced
// to the caller, not inserted into the cart.
type FreeItem struct {
	MenuItemID string
	Name       string
	Price      decimal.Decimal
}

// Discount is the computed monetary effect of a promotion on a cart.
type Discount struct {
	Amount decimal.Decimal
	// DiscountedItems lists the menu item IDs the discount touched.
	DiscountedItems []string
	FreeItem        *FreeItem
}

// Compute calculates the discount a promotion yields for the given cart.
// It is pure and deterministic: the same inputs produce the same output at
// validation time and at settlement time, and no state is mutated. Callers
// are responsible for persisting usage.
//
// Preconditions are checked in order: active/time window, usage limit,
// item eligibility, minimum order value. The returned amount is rounded to
// 2 decimal places and then clamped to [0, cartTotal].
func Compute(p *Promotion, items []CartItem, cartTotal decimal.Decimal, now time.Time) (*Discount, error) {
	if !p.Active {
		return nil, ErrInactive
	}
	if now.Before(p.StartDate) || now.After(p.EndDate) {
		return nil, ErrExpired
	}
	if p.UsageLimit > 0 && p.UsageCount >= p.UsageLimit {
		return nil, ErrUsageLimitReached
	}

	eligible := items
	if !p.ApplyToAllItems {
		eligible = eligibleItems(p, items)
		if len(eligible) == 0 {
			return nil, ErrNoEligibleItems
		}
	}

	if p.MinimumOrderValue != nil && cartTotal.LessThan(*p.MinimumOrderValue) {
		return nil, &BelowMinimumError{Minimum: *p.MinimumOrderValue}
	}

	var d Discount
	switch p.Type {
	case TypePercentage:
		base := cartTotal
		if !p.ApplyToAllItems {
			base = subtotal(eligible)
		}
		d.Amount = base.Mul(p.Value).Div(hundred)
		d.DiscountedItems = itemIDs(eligible)

	case TypeFixedAmount:
		d.Amount = decimal.Min(p.Value, cartTotal)
		d.DiscountedItems = itemIDs(eligible)

	case TypeFreeItem:
		price := decimal.Zero
		if p.FreeItemPrice != nil {
			price = *p.FreeItemPrice
		}
		d.Amount = price
		d.FreeItem = &FreeItem{
			MenuItemID: p.FreeItemID,
			Name:       p.FreeItemName,
			Price:      price,
		}

	case TypeBuyOneGetOne:
		d.Amount, d.DiscountedItems = bogoDiscount(eligible)

	default:
		return nil, errors.Errorf("unsupported promotion type: %q", p.Type)
	}

	// Settle on cents, then clamp to [0, cartTotal]. Clamping before the
	// rounding would let a sub-cent cart total round back above the bound.
	d.Amount = d.Amount.Round(2)
	if d.Amount.IsNegative() {
		d.Amount = decimal.Zero
	}
	if d.Amount.GreaterThan(cartTotal) {
		d.Amount = cartTotal
	}

	return &d, nil
}

// eligibleItems filters the cart down to items the promotion applies to,
// either by direct listing or by category membership.
func eligibleItems(p *Promotion, items []CartItem) []CartItem {
	out := make([]CartItem, 0, len(items))
	for _, item := range items {
		if slices.Contains(p.EligibleItemIDs, item.MenuItemID) ||
			(item.Category != "" && slices.Contains(p.EligibleCategories, item.Category)) {
			out = append(out, item)
		}
	}
	return out
}

// bogoDiscount expands eligible items into unit-quantity instances grouped
// by menu item ID. Every group holding two or more units contributes its
// single cheapest unit to the discount.
func bogoDiscount(eligible []CartItem) (decimal.Decimal, []string) {
	type group struct {
		units []decimal.Decimal
	}
	groups := make(map[string]*group)
	order := make([]string, 0, len(eligible))

	for _, item := range eligible {
		g, ok := groups[item.MenuItemID]
		if !ok {
			g = &group{}
			groups[item.MenuItemID] = g
			order = append(order, item.MenuItemID)
		}
		for range item.Quantity {
			g.units = append(g.units, item.UnitPrice)
		}
	}

	total := decimal.Zero
	var discounted []string
	for _, id := range order {
		g := groups[id]
		if len(g.units) < 2 {
			continue
		}
		slices.SortFunc(g.units, func(a, b decimal.Decimal) int { return a.Cmp(b) })
		total = total.Add(g.units[0])
		discounted = append(discounted, id)
	}
	return total, discounted
}

func subtotal(items []CartItem) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum
}

func itemIDs(items []CartItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.MenuItemID
	}
	return ids
}
