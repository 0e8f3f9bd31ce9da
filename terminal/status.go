// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davitacols/supawave-sub002/checkout"
	"github.com/davitacols/supawave-sub002/peripheral"
	"github.com/davitacols/supawave-sub002/pos"
	"github.com/davitacols/supawave-sub002/possync"
)

// SystemStatus is a point-in-time view of the whole terminal.
type SystemStatus struct {
	TerminalID     string                    `json:"terminalId"`
	Cart           []pos.LineItem            `json:"currentCart"`
	CartTotals     checkout.Totals           `json:"cartTotals"`
	ProductsLoaded int                       `json:"productsLoaded"`
	Sync           possync.SyncStatus        `json:"syncStatus"`
	Printer        peripheral.PrinterStatus  `json:"printer"`
	Scanner        *peripheral.ScannerStatus `json:"scanner,omitempty"`
}

// Status aggregates cart, catalog, sync and peripheral state.
func (t *Terminal) Status(ctx context.Context) (SystemStatus, error) {
	st := SystemStatus{
		TerminalID: t.cfg.Terminal.ID,
		Cart:       []pos.LineItem{},
		CartTotals: checkout.ComputeTotals(nil, t.taxRate),
		Printer:    t.printer.Status(),
	}
	if s := t.Session(); s != nil {
		st.Cart = s.Lines()
		st.CartTotals = s.Totals()
	}
	products, err := t.store.ListProducts(ctx)
	if err != nil {
		return SystemStatus{}, fmt.Errorf("failed to count products: %w", err)
	}
	st.ProductsLoaded = len(products)
	if st.Sync, err = t.engine.Status(ctx); err != nil {
		return SystemStatus{}, err
	}
	if t.scanner != nil {
		ss := t.scanner.Status()
		st.Scanner = &ss
	}
	return st, nil
}

// Summary totals the sales of one local calendar day.
type Summary struct {
	Date     string          `json:"date"`
	Count    int             `json:"totalSales"`
	Items    int64           `json:"totalItems"`
	Revenue  decimal.Decimal `json:"totalRevenue"`
	Average  decimal.Decimal `json:"averageSale"`
	Unsynced int             `json:"unsynced"`
	LastSale *time.Time      `json:"lastSale,omitempty"`
}

// TodaysSummary summarizes sales since local midnight.
func (t *Terminal) TodaysSummary(ctx context.Context) (Summary, error) {
	return t.summaryFor(ctx, time.Now().In(t.loc))
}

func (t *Terminal) summaryFor(ctx context.Context, day time.Time) (Summary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, t.loc)
	end := start.AddDate(0, 0, 1)
	sales, err := t.store.ListSales(ctx, start)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list sales: %w", err)
	}

	sum := Summary{Date: start.Format("2006-01-02"), Revenue: decimal.Zero, Average: decimal.Zero}
	for i := range sales {
		s := &sales[i]
		if !s.Timestamp.Before(end) {
			break
		}
		sum.Count++
		sum.Items += s.Quantity()
		sum.Revenue = sum.Revenue.Add(s.Total)
		if !s.Synced {
			sum.Unsynced++
		}
		ts := s.Timestamp.In(t.loc)
		sum.LastSale = &ts
	}
	if sum.Count > 0 {
		sum.Average = sum.Revenue.Div(decimal.NewFromInt(int64(sum.Count))).Round(pos.MoneyPlaces)
	}
	return sum, nil
}
