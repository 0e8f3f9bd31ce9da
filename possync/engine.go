// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"

	"github.com/davitacols/supawave-sub002/pos"
	"github.com/davitacols/supawave-sub002/posstore"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config holds the engine's scheduling settings.
type Config struct {
	ProbeInterval   time.Duration
	DrainSchedule   string // cron spec for the safety-net drain, "" disables
	CatalogSchedule string // cron spec for catalog refresh, "" disables
	Workers         int    // background pool size
	Location        *time.Location
	Retry           RetryPolicy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:   15 * time.Second,
		DrainSchedule:   "@every 1m",
		CatalogSchedule: "@every 30m",
		Workers:         4,
		Location:        time.Local,
		Retry:           DefaultRetryPolicy(),
	}
}

// CatalogSource fetches the server's bulk catalog.
type CatalogSource interface {
	FetchCatalog(ctx context.Context) (*pos.Catalog, error)
}

// Deps are the collaborators an Engine is built from. Prober and Catalog may
// be nil: connectivity is then driven by SetOnline and refresh is disabled.
type Deps struct {
	Store   posstore.Store
	Sender  Sender
	Prober  Prober
	Catalog CatalogSource
	IDs     *pos.IDGenerator
	Bus     EventBus.Bus
}

// Engine owns the terminal's sync state: the queue, the connectivity monitor,
// a single drain loop, a worker pool for other background tasks and the cron
// scheduler. It is created
// once per process and shared by reference.
type Engine struct {
	store   posstore.Store
	queue   *Queue
	monitor *Monitor
	catalog CatalogSource
	ids     *pos.IDGenerator
	pool    *ants.Pool
	sched   *cron.Cron
	wake    chan struct{}
	config  *Config
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine wires an engine. It does nothing in the background until Start.
func NewEngine(deps Deps, config *Config, logger *slog.Logger) (*Engine, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Store == nil || deps.Sender == nil || deps.IDs == nil {
		return nil, fmt.Errorf("store, sender and id generator are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	workers := config.Workers
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("background task panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	loc := config.Location
	if loc == nil {
		loc = time.Local
	}

	e := &Engine{
		store:   deps.Store,
		queue:   NewQueue(deps.Store, deps.Sender, deps.IDs, config.Retry, logger),
		monitor: NewMonitor(deps.Prober, config.ProbeInterval, deps.Bus, logger),
		catalog: deps.Catalog,
		ids:     deps.IDs,
		pool:    pool,
		wake:    make(chan struct{}, 1),
		sched:   cron.New(cron.WithLocation(loc), cron.WithParser(cronParser)),
		config:  config,
		logger:  logger,
		ctx:     context.Background(),
	}
	if config.DrainSchedule != "" {
		if _, err := e.sched.AddFunc(config.DrainSchedule, func() { e.kick("schedule") }); err != nil {
			pool.Release()
			return nil, fmt.Errorf("invalid drain schedule %q: %w", config.DrainSchedule, err)
		}
	}
	if config.CatalogSchedule != "" && deps.Catalog != nil {
		if _, err := e.sched.AddFunc(config.CatalogSchedule, e.scheduledRefresh); err != nil {
			pool.Release()
			return nil, fmt.Errorf("invalid catalog schedule %q: %w", config.CatalogSchedule, err)
		}
	}
	return e, nil
}

// Queue returns the sync queue.
func (e *Engine) Queue() *Queue { return e.queue }

// Monitor returns the connectivity monitor.
func (e *Engine) Monitor() *Monitor { return e.monitor }

// Store returns the local store.
func (e *Engine) Store() posstore.Store { return e.store }

// Start subscribes to connectivity transitions and starts the monitor loop,
// the drain loop and the scheduler. Drains requested before Start run once
// it is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	if e.running {
		return nil
	}
	if err := e.monitor.Subscribe(e.onConnectivity); err != nil {
		return err
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.queue.SetOnline(e.monitor.Online())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(e.ctx)
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drainLoop(e.ctx)
	}()
	e.sched.Start()
	e.running = true
	e.logger.Info("sync engine started", "drain_schedule", e.config.DrainSchedule, "catalog_schedule", e.config.CatalogSchedule)
	return nil
}

// Close stops background work, waits for running tasks and releases the pool.
// In-flight sends finish or time out on their own.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	running, cancel := e.running, e.cancel
	e.running = false
	e.mu.Unlock()

	if running {
		<-e.sched.Stop().Done()
		cancel()
		e.wg.Wait()
		if err := e.monitor.Unsubscribe(e.onConnectivity); err != nil {
			e.logger.Warn("failed to unsubscribe from connectivity events", "error", err)
		}
		e.monitor.Wait()
	}
	if err := e.pool.ReleaseTimeout(e.config.Retry.SendTimeout + 5*time.Second); err != nil {
		e.logger.Warn("worker pool did not drain before timeout", "error", err)
	}
	e.logger.Info("sync engine stopped")
	return nil
}

// onConnectivity runs once per transition, serialized by the bus.
func (e *Engine) onConnectivity(online bool) {
	e.queue.SetOnline(online)
	if online {
		e.kick("reconnect")
	}
}

// SetOnline feeds a push-style connectivity notification.
func (e *Engine) SetOnline(online bool) { e.monitor.Set(online) }

// Submit runs task on the engine's worker pool.
func (e *Engine) Submit(task func()) error {
	if err := e.pool.Submit(task); err != nil {
		return fmt.Errorf("failed to submit background task: %w", err)
	}
	return nil
}

// kick wakes the drain loop. Requests made while a wake is already pending
// are coalesced into it; the running drain picks up new items on its next pass.
func (e *Engine) kick(reason string) {
	if !e.queue.Online() {
		return
	}
	select {
	case e.wake <- struct{}{}:
		e.logger.Debug("drain requested", "reason", reason)
	default:
	}
}

// drainLoop runs drains one at a time, off the worker pool, until ctx is done.
func (e *Engine) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			if _, err := e.queue.Drain(ctx); err != nil {
				e.logger.Error("background drain failed", "error", err)
			}
		}
	}
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// SyncNow drains synchronously using the last known connectivity.
func (e *Engine) SyncNow(ctx context.Context) (DrainResult, error) {
	return e.queue.Drain(ctx)
}

// Status returns the queue status.
func (e *Engine) Status(ctx context.Context) (SyncStatus, error) {
	return e.queue.Status(ctx)
}

// GetProduct reads a product from the local store.
func (e *Engine) GetProduct(ctx context.Context, id string) (*pos.Product, error) {
	return e.store.GetProduct(ctx, id)
}

// ProductByBarcode reads a product through the barcode index.
func (e *Engine) ProductByBarcode(ctx context.Context, barcode string) (*pos.Product, error) {
	return e.store.ProductByBarcode(ctx, barcode)
}

// CommitSale stores sale, its stock decrements and its queue item in one
// transaction, then schedules a drain when online. Transport problems never
// surface here.
func (e *Engine) CommitSale(ctx context.Context, sale *pos.SaleRecord) error {
	if sale.ID == "" {
		sale.ID = e.ids.SaleID()
	}
	if sale.Timestamp.IsZero() {
		sale.Timestamp = time.Now().UTC()
	}
	sale.Synced = false
	item, err := e.queue.NewItem(pos.OpSale, sale.ID, sale)
	if err != nil {
		return err
	}
	if err := e.store.CommitSale(ctx, sale, item); err != nil {
		return err
	}
	e.kick("sale")
	return nil
}

// UpdateStock sets a product's stock level and queues a ProductUpdate.
func (e *Engine) UpdateStock(ctx context.Context, productID string, newQuantity int64) error {
	update := pos.InventoryUpdate{ProductID: productID, NewQuantity: newQuantity, UpdatedAt: time.Now().UTC()}
	item, err := e.queue.NewItem(pos.OpProductUpdate, "", update)
	if err != nil {
		return err
	}
	if err := e.store.SetStock(ctx, productID, newQuantity, item); err != nil {
		return err
	}
	e.logger.Info("stock updated", "product_id", productID, "quantity", newQuantity)
	e.kick("inventory")
	return nil
}

// AdjustInventory applies a stock delta and queues an InventoryAdjust. It
// returns the new stock level.
func (e *Engine) AdjustInventory(ctx context.Context, productID string, delta int64, reason string) (int64, error) {
	if delta == 0 {
		return 0, fmt.Errorf("adjust %s by 0: %w", productID, pos.ErrInvalidQuantity)
	}
	adj := pos.InventoryAdjustment{
		ID:        e.ids.ItemID(),
		ProductID: productID,
		Delta:     delta,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	item, err := e.queue.NewItem(pos.OpInventoryAdjust, adj.ID, adj)
	if err != nil {
		return 0, err
	}
	level, err := e.store.AdjustStock(ctx, productID, delta, item)
	if err != nil {
		return 0, err
	}
	e.logger.Info("inventory adjusted", "product_id", productID, "delta", delta, "quantity", level, "reason", reason)
	e.kick("inventory")
	return level, nil
}

// CatalogResult reports the size of a replaced catalog.
type CatalogResult struct {
	Products  int `json:"products"`
	Customers int `json:"customers"`
}

// RefreshCatalog replaces the cached catalog with the server's. Unless force
// is set it refuses with pos.ErrPendingChanges while unsynced items exist, as
// the server's stock levels would not include them yet.
func (e *Engine) RefreshCatalog(ctx context.Context, force bool) (CatalogResult, error) {
	if e.catalog == nil {
		return CatalogResult{}, fmt.Errorf("no catalog source configured")
	}
	if !force {
		stats, err := e.store.QueueStats(ctx)
		if err != nil {
			return CatalogResult{}, err
		}
		if stats.Pending > 0 {
			return CatalogResult{}, fmt.Errorf("catalog refresh skipped, %d items unsynced: %w", stats.Pending, pos.ErrPendingChanges)
		}
	}
	catalog, err := e.catalog.FetchCatalog(ctx)
	if err != nil {
		return CatalogResult{}, fmt.Errorf("failed to fetch catalog: %w", err)
	}
	if err := e.store.ReplaceCatalog(ctx, catalog.Products, catalog.Customers); err != nil {
		return CatalogResult{}, fmt.Errorf("failed to replace catalog: %w", err)
	}
	res := CatalogResult{Products: len(catalog.Products), Customers: len(catalog.Customers)}
	e.logger.Info("catalog refreshed", "products", res.Products, "customers", res.Customers, "forced", force)
	return res, nil
}

func (e *Engine) scheduledRefresh() {
	if !e.queue.Online() {
		return
	}
	if _, err := e.RefreshCatalog(e.runContext(), false); err != nil {
		if errors.Is(err, pos.ErrPendingChanges) {
			e.logger.Debug("scheduled catalog refresh skipped", "error", err)
			return
		}
		e.logger.Warn("scheduled catalog refresh failed", "error", err)
	}
}
