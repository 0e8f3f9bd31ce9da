// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package checkout

import (
	"github.com/shopspring/decimal"

	"github.com/davitacols/supawave-sub002/pos"
)

// Totals is the derived money summary of a cart.
type Totals struct {
	Items    int64           `json:"items"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// ComputeTotals derives subtotal, tax and total from lines. Line totals are
// recomputed from quantity and unit price; tax is rounded to two places.
func ComputeTotals(lines []pos.LineItem, taxRate decimal.Decimal) Totals {
	var t Totals
	t.Subtotal = decimal.Zero
	for _, li := range lines {
		t.Items += li.Quantity
		t.Subtotal = t.Subtotal.Add(li.UnitPrice.Mul(decimal.NewFromInt(li.Quantity)))
	}
	t.Tax = t.Subtotal.Mul(taxRate).Round(pos.MoneyPlaces)
	t.Total = t.Subtotal.Add(t.Tax)
	return t
}
