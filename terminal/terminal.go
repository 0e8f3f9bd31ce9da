// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package terminal assembles a running point-of-sale terminal: the local
// store, the sync engine, peripherals and the current checkout session.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davitacols/supawave-sub002/checkout"
	"github.com/davitacols/supawave-sub002/internal/auth"
	"github.com/davitacols/supawave-sub002/internal/config"
	"github.com/davitacols/supawave-sub002/peripheral"
	"github.com/davitacols/supawave-sub002/pos"
	"github.com/davitacols/supawave-sub002/posstore"
	"github.com/davitacols/supawave-sub002/possync"
)

// ErrSaleInProgress is returned by NewSession while another sale is open.
var ErrSaleInProgress = errors.New("a sale is already in progress")

// Options override collaborators Open would otherwise build from config.
// When Sender is set, Prober and Catalog are used as given (nil allowed).
type Options struct {
	Sender  possync.Sender
	Prober  possync.Prober
	Catalog possync.CatalogSource
	Printer peripheral.Printer
	Scanner peripheral.Scanner
	Logger  *slog.Logger
}

// Terminal is the process-wide owner of store, engine and peripherals.
type Terminal struct {
	cfg     *config.Config
	store   posstore.Store
	engine  *possync.Engine
	ids     *pos.IDGenerator
	printer peripheral.Printer
	scanner peripheral.Scanner
	taxRate decimal.Decimal
	loc     *time.Location
	logger  *slog.Logger

	mu      sync.Mutex
	session *checkout.Session
	closed  bool
}

// Open builds a terminal from cfg. Nothing runs in the background until Start.
func Open(cfg *config.Config, opts Options) (*Terminal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("terminal_id", cfg.Terminal.ID)

	taxRate, err := cfg.TaxRate()
	if err != nil {
		return nil, err
	}
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	ids, err := pos.NewIDGenerator(cfg.Terminal.NodeID)
	if err != nil {
		return nil, err
	}

	store, err := posstore.Open(cfg.Terminal.Backend, cfg.Terminal.DataDir, logger)
	if err != nil {
		return nil, err
	}

	deps := possync.Deps{
		Store:   store,
		Sender:  opts.Sender,
		Prober:  opts.Prober,
		Catalog: opts.Catalog,
		IDs:     ids,
	}
	if deps.Sender == nil {
		transport := possync.NewHTTPTransport(cfg.Server.BaseURL, tokenSource(cfg), cfg.Server.Timeout, logger)
		deps.Sender = transport
		deps.Catalog = transport
		deps.Prober = possync.NewHTTPProber(cfg.Server.BaseURL, cfg.Server.Timeout)
	}

	engine, err := possync.NewEngine(deps, engineCfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	printer := opts.Printer
	if printer == nil {
		if cfg.Printer.Device != "" {
			printer = peripheral.NewDevicePrinter(cfg.Printer.Device, cfg.Printer.Cut)
		} else {
			printer = peripheral.NewWriterPrinter("stdout", os.Stdout)
		}
	}

	return &Terminal{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		ids:     ids,
		printer: printer,
		scanner: opts.Scanner,
		taxRate: taxRate,
		loc:     engineCfg.Location,
		logger:  logger,
	}, nil
}

// tokenSource prefers a static token and falls back to minting one with the
// shared secret.
func tokenSource(cfg *config.Config) func(context.Context) (string, error) {
	if cfg.Server.Token != "" || cfg.Server.JWTSecret == "" {
		return auth.StaticToken(cfg.Server.Token)
	}
	return auth.NewJWTAuth(cfg.Server.JWTSecret).TokenSource(cfg.Server.MerchantID, cfg.Terminal.ID, cfg.Server.TokenTTL)
}

// Start starts connectivity probing and scheduled sync work.
func (t *Terminal) Start(ctx context.Context) error {
	return t.engine.Start(ctx)
}

// Engine returns the sync engine.
func (t *Terminal) Engine() *possync.Engine { return t.engine }

// Store returns the local store.
func (t *Terminal) Store() posstore.Store { return t.store }

// Printer returns the receipt printer.
func (t *Terminal) Printer() peripheral.Printer { return t.printer }

// Scanner returns the barcode scanner, or nil when none is attached.
func (t *Terminal) Scanner() peripheral.Scanner { return t.scanner }

// NewSession opens a sale. Only one sale may be open at a time.
func (t *Terminal) NewSession() (*checkout.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("terminal is closed")
	}
	if t.session != nil {
		if st := t.session.State(); st == checkout.StateBuilding || st == checkout.StateCommitting {
			return nil, ErrSaleInProgress
		}
	}
	t.session = checkout.New(t.engine, checkout.Options{
		TaxRate: decimal.NewNullDecimal(t.taxRate),
		NewID:   t.ids.SaleID,
		Logger:  t.logger,
	})
	return t.session, nil
}

// Session returns the open sale, or nil.
func (t *Terminal) Session() *checkout.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil || t.session.State() != checkout.StateBuilding {
		return nil
	}
	return t.session
}

func (t *Terminal) currentOrNew() (*checkout.Session, error) {
	if s := t.Session(); s != nil {
		return s, nil
	}
	return t.NewSession()
}

// Scan adds one unit of the scanned product to the open sale, opening one
// if needed.
func (t *Terminal) Scan(ctx context.Context, barcode string) (pos.LineItem, error) {
	s, err := t.currentOrNew()
	if err != nil {
		return pos.LineItem{}, err
	}
	return s.AddByBarcode(ctx, barcode, 1)
}

// Checkout commits the open sale and prints its receipt in the background.
// A printing failure is logged and never undoes the sale.
func (t *Terminal) Checkout(ctx context.Context, paymentMethod, customerRef string) (*pos.SaleRecord, error) {
	s := t.Session()
	if s == nil {
		return nil, pos.ErrEmptyCart
	}
	sale, err := s.Commit(ctx, paymentMethod, customerRef)
	if err != nil {
		return nil, err
	}
	receipt := t.Receipt(sale)
	if err := t.engine.Submit(func() { t.print(sale.ID, receipt) }); err != nil {
		t.logger.Warn("receipt print not scheduled", "sale_id", sale.ID, "error", err)
	}
	return sale, nil
}

// CancelSale aborts the open sale, if any.
func (t *Terminal) CancelSale() error {
	s := t.Session()
	if s == nil {
		return nil
	}
	return s.Cancel()
}

// Receipt renders a sale with the configured business details.
func (t *Terminal) Receipt(sale *pos.SaleRecord) string {
	return checkout.FormatReceipt(sale, t.cfg.Business, t.taxRate, t.loc)
}

// Reprint prints the receipt of a stored sale synchronously.
func (t *Terminal) Reprint(ctx context.Context, saleID string) (peripheral.Ack, error) {
	sale, err := t.store.GetSale(ctx, saleID)
	if err != nil {
		return peripheral.Ack{}, err
	}
	return t.printer.Print(ctx, t.Receipt(sale))
}

func (t *Terminal) print(saleID, receipt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ack, err := t.printer.Print(ctx, receipt)
	if err != nil {
		t.logger.Error("receipt print failed", "sale_id", saleID, "error", err)
		return
	}
	t.logger.Debug("receipt printed", "sale_id", saleID, "device", ack.Device, "bytes", ack.Bytes)
}

// AddCustomer stores a new local customer.
func (t *Terminal) AddCustomer(ctx context.Context, phone, name string) (*pos.Customer, error) {
	c := &pos.Customer{
		ID:          t.ids.ItemID(),
		Phone:       phone,
		Name:        name,
		LastUpdated: time.Now().UTC(),
	}
	if err := t.store.PutCustomer(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CustomerByPhone looks a customer up by phone number.
func (t *Terminal) CustomerByPhone(ctx context.Context, phone string) (*pos.Customer, error) {
	return t.store.CustomerByPhone(ctx, phone)
}

// Close cancels the open sale and shuts everything down.
func (t *Terminal) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	s := t.session
	t.mu.Unlock()

	if s != nil && s.State() == checkout.StateBuilding {
		_ = s.Cancel()
	}
	var errs []error
	if t.scanner != nil {
		errs = append(errs, t.scanner.Stop())
	}
	errs = append(errs, t.engine.Close(), t.store.Close())
	return errors.Join(errs...)
}
