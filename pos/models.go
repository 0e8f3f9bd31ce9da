// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pos holds the data model shared by the terminal engine: catalog
// entries cached from the server, the local sale ledger and the outbound
// sync queue.
package pos

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the terminal's cached copy of a catalog entry.
type Product struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name" yaml:"name"`
	Barcode       string          `json:"barcode,omitempty" yaml:"barcode,omitempty"` // unique when set
	UnitPrice     decimal.Decimal `json:"unitPrice" yaml:"unitPrice"`
	StockQuantity int64           `json:"stockQuantity" yaml:"stockQuantity"` // never negative
	LastUpdated   time.Time       `json:"lastUpdated" yaml:"lastUpdated"`     // last local write
}

// Validate checks the invariants a product must satisfy before it is stored.
func (p *Product) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("product id is required")
	}
	if p.StockQuantity < 0 {
		return fmt.Errorf("product %s: stock quantity %d is negative", p.ID, p.StockQuantity)
	}
	if p.UnitPrice.IsNegative() {
		return fmt.Errorf("product %s: unit price %s is negative", p.ID, p.UnitPrice)
	}
	return nil
}

// Customer is a cached customer row. TotalOrders and TotalSpent are
// denormalized and only updated opportunistically by local sales.
type Customer struct {
	ID          string          `json:"id" yaml:"id"`
	Phone       string          `json:"phone" yaml:"phone"` // unique
	Name        string          `json:"name" yaml:"name"`
	TotalOrders int64           `json:"totalOrders" yaml:"totalOrders"`
	TotalSpent  decimal.Decimal `json:"totalSpent" yaml:"totalSpent"`
	LastUpdated time.Time       `json:"lastUpdated" yaml:"lastUpdated"`
}

// Validate checks the invariants a customer must satisfy before it is stored.
func (c *Customer) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("customer id is required")
	}
	if c.Phone == "" {
		return fmt.Errorf("customer %s: phone is required", c.ID)
	}
	return nil
}

// LineItem is one cart line. LineTotal is always Quantity × UnitPrice.
type LineItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name,omitempty"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

// NewLineItem builds a line item with its total computed.
func NewLineItem(p *Product, qty int64) LineItem {
	return LineItem{
		ProductID: p.ID,
		Name:      p.Name,
		Quantity:  qty,
		UnitPrice: p.UnitPrice,
		LineTotal: p.UnitPrice.Mul(decimal.NewFromInt(qty)),
	}
}

// SaleRecord is a committed sale. It is append-only: the only mutation after
// creation is the Synced flag flipping to true.
type SaleRecord struct {
	ID            string          `json:"id"` // idempotency key at the server
	LineItems     []LineItem      `json:"lineItems"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"paymentMethod"`
	CustomerRef   string          `json:"customerRef,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Synced        bool            `json:"synced"`
}

// Quantity returns the total number of units sold.
func (s *SaleRecord) Quantity() int64 {
	var n int64
	for _, li := range s.LineItems {
		n += li.Quantity
	}
	return n
}

// QueueItem is one pending outbound operation. Payload is opaque to the queue.
type QueueItem struct {
	Seq           int64           `json:"seq"` // persisted creation order
	ID            string          `json:"id"`
	Operation     Operation       `json:"operation"`
	RefID         string          `json:"refId,omitempty"` // sale id for sale items
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	Synced        bool            `json:"synced"`
	SyncedAt      *time.Time      `json:"syncedAt,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	Parked        bool            `json:"parked"`
}

// IdempotencyKey is the key the server uses to deduplicate retried deliveries.
func (q *QueueItem) IdempotencyKey() string {
	if q.RefID != "" {
		return q.RefID
	}
	return q.ID
}

// QueueFailure describes the outcome of a failed delivery attempt.
type QueueFailure struct {
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	Parked        bool
}

// QueueStats summarizes the persisted queue.
type QueueStats struct {
	Total           int        `json:"totalQueued"`
	Pending         int        `json:"pendingSync"`
	Parked          int        `json:"parked"`
	Synced          int        `json:"synced"`
	LastSyncedAt    *time.Time `json:"lastSync,omitempty"`
	OldestParkedSeq int64      `json:"oldestParkedSeq,omitempty"` // 0 when nothing is parked
}

// InventoryUpdate is the ProductUpdate payload: an absolute stock level.
type InventoryUpdate struct {
	ProductID   string    `json:"productId"`
	NewQuantity int64     `json:"newQuantity"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// InventoryAdjustment is the InventoryAdjust payload: a stock delta.
type InventoryAdjustment struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Catalog is the bulk payload used for a catalog refresh.
type Catalog struct {
	Products  []Product  `json:"products" yaml:"products"`
	Customers []Customer `json:"customers" yaml:"customers"`
}
