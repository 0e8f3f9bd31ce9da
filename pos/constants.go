// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pos

import "github.com/shopspring/decimal"

// Operation is the kind of change carried by a queue item.
type Operation string

const (
	OpSale            Operation = "sale"
	OpProductUpdate   Operation = "product_update"
	OpInventoryAdjust Operation = "inventory_adjust"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpSale, OpProductUpdate, OpInventoryAdjust:
		return true
	}
	return false
}

// Payment methods accepted at checkout. Other values are stored verbatim.
const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
)

// Collections of the local store.
const (
	CollectionProducts  = "products"
	CollectionCustomers = "customers"
	CollectionSales     = "sales"
)

// DefaultTaxRate is the VAT applied when none is configured.
var DefaultTaxRate = decimal.RequireFromString("0.05")

// MoneyPlaces is the number of decimal places money values are rounded to.
const MoneyPlaces = 2
