// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package checkout implements the sale session: a cart that resolves products
// against the local store, keeps running totals and commits the finished sale
// through a Ledger in one atomic step.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davitacols/supawave-sub002/pos"
)

// Ledger is what a session needs from the terminal: product lookups and an
// atomic sale commit (sale + stock + queue item).
type Ledger interface {
	GetProduct(ctx context.Context, id string) (*pos.Product, error)
	ProductByBarcode(ctx context.Context, barcode string) (*pos.Product, error)
	CommitSale(ctx context.Context, sale *pos.SaleRecord) error
}

// State of a sale session.
type State int

const (
	StateBuilding State = iota
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options configures a session. Zero values take defaults: an unset TaxRate
// means pos.DefaultTaxRate and an unset NewID means pos.NewSaleID.
type Options struct {
	TaxRate decimal.NullDecimal
	NewID   func() string
	Now     func() time.Time
	Logger  *slog.Logger
}

// Session is one customer's cart. It is not reusable after Commit or Cancel.
type Session struct {
	ledger Ledger
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	state State
	lines []pos.LineItem
	sale  *pos.SaleRecord
}

// New starts a session in the Building state.
func New(ledger Ledger, opts Options) *Session {
	if !opts.TaxRate.Valid {
		opts.TaxRate = decimal.NewNullDecimal(pos.DefaultTaxRate)
	}
	if opts.NewID == nil {
		opts.NewID = pos.NewSaleID
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{ledger: ledger, opts: opts, logger: logger}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddByBarcode adds qty units of the product with the given barcode.
func (s *Session) AddByBarcode(ctx context.Context, barcode string, qty int64) (pos.LineItem, error) {
	p, err := s.ledger.ProductByBarcode(ctx, barcode)
	if err != nil {
		return pos.LineItem{}, lookupErr(err, "barcode "+barcode)
	}
	return s.add(p, qty)
}

// AddProduct adds qty units of the product with id.
func (s *Session) AddProduct(ctx context.Context, productID string, qty int64) (pos.LineItem, error) {
	p, err := s.ledger.GetProduct(ctx, productID)
	if err != nil {
		return pos.LineItem{}, lookupErr(err, "product "+productID)
	}
	return s.add(p, qty)
}

func lookupErr(err error, what string) error {
	if errors.Is(err, pos.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, pos.ErrProductNotFound)
	}
	return fmt.Errorf("failed to resolve %s: %w", what, err)
}

// add merges into an existing line or appends one. Stock is checked against
// the cumulative quantity already in the cart.
func (s *Session) add(p *pos.Product, qty int64) (pos.LineItem, error) {
	if qty <= 0 {
		return pos.LineItem{}, fmt.Errorf("add %d of %s: %w", qty, p.ID, pos.ErrInvalidQuantity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBuilding {
		return pos.LineItem{}, pos.ErrSessionClosed
	}

	idx := s.indexOf(p.ID)
	var reserved int64
	if idx >= 0 {
		reserved = s.lines[idx].Quantity
	}
	if qty > p.StockQuantity-reserved {
		requested := reserved + qty
		if requested < reserved {
			requested = math.MaxInt64
		}
		return pos.LineItem{}, &pos.StockError{ProductID: p.ID, Available: p.StockQuantity, Requested: requested}
	}

	if idx >= 0 {
		li := pos.NewLineItem(p, reserved+qty)
		s.lines[idx] = li
		return li, nil
	}
	li := pos.NewLineItem(p, qty)
	s.lines = append(s.lines, li)
	return li, nil
}

func (s *Session) indexOf(productID string) int {
	for i := range s.lines {
		if s.lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// RemoveItem drops the line for productID.
func (s *Session) RemoveItem(productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBuilding {
		return pos.ErrSessionClosed
	}
	idx := s.indexOf(productID)
	if idx < 0 {
		return fmt.Errorf("product %s not in cart: %w", productID, pos.ErrNotFound)
	}
	s.lines = append(s.lines[:idx], s.lines[idx+1:]...)
	return nil
}

// SetQuantity replaces the quantity of an existing line. Zero removes it.
func (s *Session) SetQuantity(ctx context.Context, productID string, qty int64) error {
	if qty < 0 {
		return fmt.Errorf("set %s to %d: %w", productID, qty, pos.ErrInvalidQuantity)
	}
	if qty == 0 {
		return s.RemoveItem(productID)
	}
	p, err := s.ledger.GetProduct(ctx, productID)
	if err != nil {
		return lookupErr(err, "product "+productID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBuilding {
		return pos.ErrSessionClosed
	}
	idx := s.indexOf(productID)
	if idx < 0 {
		return fmt.Errorf("product %s not in cart: %w", productID, pos.ErrNotFound)
	}
	if p.StockQuantity < qty {
		return &pos.StockError{ProductID: p.ID, Available: p.StockQuantity, Requested: qty}
	}
	s.lines[idx] = pos.NewLineItem(p, qty)
	return nil
}

// Lines returns a copy of the cart lines in insertion order.
func (s *Session) Lines() []pos.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pos.LineItem, len(s.lines))
	copy(out, s.lines)
	return out
}

// Totals recomputes the cart totals. It has no side effects.
func (s *Session) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ComputeTotals(s.lines, s.opts.TaxRate.Decimal)
}

// Cancel aborts a session that has not been committed.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBuilding {
		return pos.ErrSessionClosed
	}
	s.state = StateAborted
	s.lines = nil
	return nil
}

// Commit records the sale. On EmptyCart or a ledger failure the session stays
// in Building and nothing was written; on success it becomes Committed.
func (s *Session) Commit(ctx context.Context, paymentMethod, customerRef string) (*pos.SaleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBuilding {
		return nil, pos.ErrSessionClosed
	}
	if len(s.lines) == 0 {
		return nil, pos.ErrEmptyCart
	}
	s.state = StateCommitting

	t := ComputeTotals(s.lines, s.opts.TaxRate.Decimal)
	lines := make([]pos.LineItem, len(s.lines))
	copy(lines, s.lines)
	if paymentMethod == "" {
		paymentMethod = pos.PaymentCash
	}
	sale := &pos.SaleRecord{
		ID:            s.opts.NewID(),
		LineItems:     lines,
		Subtotal:      t.Subtotal,
		Tax:           t.Tax,
		Total:         t.Total,
		PaymentMethod: paymentMethod,
		CustomerRef:   customerRef,
		Timestamp:     s.opts.Now().UTC(),
	}

	if err := s.ledger.CommitSale(ctx, sale); err != nil {
		s.state = StateBuilding
		s.logger.Warn("sale commit failed", "sale_id", sale.ID, "error", err)
		return nil, fmt.Errorf("commit sale: %w", err)
	}
	s.state = StateCommitted
	s.sale = sale
	s.logger.Info("sale committed", "sale_id", sale.ID, "items", t.Items, "total", sale.Total.StringFixed(pos.MoneyPlaces))
	return sale, nil
}

// Sale returns the committed sale, or nil before Commit succeeds.
func (s *Session) Sale() *pos.SaleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sale
}
