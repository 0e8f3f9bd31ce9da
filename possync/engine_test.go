package possync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/davitacols/supawave-sub002/pos"
	"github.com/davitacols/supawave-sub002/posstore"
)

type staticCatalog struct {
	catalog *pos.Catalog
	err     error
}

func (s staticCatalog) FetchCatalog(context.Context) (*pos.Catalog, error) { return s.catalog, s.err }

func newTestEngine(t *testing.T, sender Sender, catalog CatalogSource) (*Engine, posstore.Store) {
	t.Helper()
	store := newTestStore(t)
	cfg := DefaultConfig()
	cfg.DrainSchedule = ""
	cfg.CatalogSchedule = ""
	e, err := NewEngine(Deps{Store: store, Sender: sender, Catalog: catalog, IDs: newTestIDs(t)}, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, store
}

func seedProduct(t *testing.T, store posstore.Store, id string, stock int64) {
	t.Helper()
	require.NoError(t, store.PutProduct(context.Background(), &pos.Product{
		ID: id, Name: id, UnitPrice: decimal.NewFromInt(200), StockQuantity: stock,
	}))
}

func saleFor(productID string, qty int64) *pos.SaleRecord {
	li := pos.LineItem{ProductID: productID, Quantity: qty, UnitPrice: decimal.NewFromInt(200)}
	li.LineTotal = li.UnitPrice.Mul(decimal.NewFromInt(qty))
	return &pos.SaleRecord{LineItems: []pos.LineItem{li}, Subtotal: li.LineTotal, Tax: decimal.Zero, Total: li.LineTotal, PaymentMethod: "cash"}
}

func TestEngineCommitOfflineThenReconnect(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	e, store := newTestEngine(t, sender, nil)
	require.NoError(t, e.Start(ctx))
	seedProduct(t, store, "A", 5)

	sale := saleFor("A", 2)
	require.NoError(t, e.CommitSale(ctx, sale))
	require.NotEmpty(t, sale.ID)

	p, err := store.GetProduct(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(3), p.StockQuantity)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Pending)
	require.False(t, st.Online)
	require.Empty(t, sender.Sent())

	// one Online transition drains the queue
	e.SetOnline(true)
	require.Eventually(t, func() bool {
		st, err := e.Status(ctx)
		return err == nil && st.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, sender.Sent(), 1)

	got, err := store.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	require.True(t, got.Synced)
}

func TestEngineReconnectDrainsWhilePoolIsBusy(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	store := newTestStore(t)
	cfg := DefaultConfig()
	cfg.DrainSchedule = ""
	cfg.CatalogSchedule = ""
	cfg.Workers = 1
	e, err := NewEngine(Deps{Store: store, Sender: sender, IDs: newTestIDs(t)}, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Start(ctx))
	seedProduct(t, store, "A", 5)
	require.NoError(t, e.CommitSale(ctx, saleFor("A", 1)))

	// a slow receipt print holds the only worker
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, e.Submit(func() { <-release }))
	require.Error(t, e.Submit(func() {}), "pool should be saturated")

	e.SetOnline(true)
	require.Eventually(t, func() bool {
		st, err := e.Status(ctx)
		return err == nil && st.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, sender.Sent(), 1)
}

func TestEngineCommitNeverFailsOnTransport(t *testing.T) {
	ctx := context.Background()
	sender := SenderFunc(func(context.Context, *pos.QueueItem) error {
		return &pos.TransportError{Err: errors.New("connection refused")}
	})
	e, store := newTestEngine(t, sender, nil)
	require.NoError(t, e.Start(ctx))
	seedProduct(t, store, "A", 5)
	e.SetOnline(true)

	require.NoError(t, e.CommitSale(ctx, saleFor("A", 1)))
	res, err := e.SyncNow(ctx)
	require.NoError(t, err)
	if !res.InProgress {
		require.Zero(t, res.Synced)
	}

	require.ErrorIs(t, e.CommitSale(ctx, saleFor("A", 10)), pos.ErrInsufficientStock)
}

func TestEngineInventoryOperations(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, &recordingSender{}, nil)
	seedProduct(t, store, "A", 5)

	require.NoError(t, e.UpdateStock(ctx, "A", 12))
	level, err := e.AdjustInventory(ctx, "A", -2, "damaged")
	require.NoError(t, err)
	require.Equal(t, int64(10), level)

	_, err = e.AdjustInventory(ctx, "A", 0, "")
	require.ErrorIs(t, err, pos.ErrInvalidQuantity)
	_, err = e.AdjustInventory(ctx, "A", -11, "")
	require.ErrorIs(t, err, pos.ErrInsufficientStock)
	require.ErrorIs(t, e.UpdateStock(ctx, "missing", 1), pos.ErrProductNotFound)

	items, err := store.PendingQueueItems(ctx, 0, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, pos.OpProductUpdate, items[0].Operation)
	require.Equal(t, pos.OpInventoryAdjust, items[1].Operation)

	var upd pos.InventoryUpdate
	require.NoError(t, json.Unmarshal(items[0].Payload, &upd))
	require.Equal(t, int64(12), upd.NewQuantity)

	var adj pos.InventoryAdjustment
	require.NoError(t, json.Unmarshal(items[1].Payload, &adj))
	require.Equal(t, int64(-2), adj.Delta)
	require.Equal(t, adj.ID, items[1].IdempotencyKey())
}

func TestEngineRefreshCatalog(t *testing.T) {
	ctx := context.Background()
	catalog := &pos.Catalog{
		Products:  []pos.Product{{ID: "B", Name: "Beans", Barcode: "b1", UnitPrice: decimal.NewFromInt(900), StockQuantity: 40}},
		Customers: []pos.Customer{{ID: "c1", Phone: "0801", Name: "Ada"}},
	}
	e, store := newTestEngine(t, &recordingSender{}, staticCatalog{catalog: catalog})
	seedProduct(t, store, "A", 5)

	require.NoError(t, e.CommitSale(ctx, saleFor("A", 1)))
	_, err := e.RefreshCatalog(ctx, false)
	require.ErrorIs(t, err, pos.ErrPendingChanges)
	_, err = store.GetProduct(ctx, "A")
	require.NoError(t, err, "catalog untouched while changes are pending")

	res, err := e.RefreshCatalog(ctx, true)
	require.NoError(t, err)
	require.Equal(t, CatalogResult{Products: 1, Customers: 1}, res)

	_, err = store.GetProduct(ctx, "A")
	require.ErrorIs(t, err, pos.ErrNotFound)
	p, err := e.ProductByBarcode(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "B", p.ID)

	// the sale ledger is not part of the catalog
	sales, err := store.ListSales(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, sales, 1)
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, &recordingSender{}, nil)
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	require.Error(t, e.Start(context.Background()))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEngineCloseLogsUnsubscribeFailure(t *testing.T) {
	logs := &lockedBuffer{}
	cfg := DefaultConfig()
	cfg.DrainSchedule = ""
	cfg.CatalogSchedule = ""
	e, err := NewEngine(Deps{Store: newTestStore(t), Sender: &recordingSender{}, IDs: newTestIDs(t)}, cfg,
		slog.New(slog.NewTextHandler(logs, nil)))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	// the handler is already gone when Close runs
	require.NoError(t, e.Monitor().Unsubscribe(e.onConnectivity))
	require.NoError(t, e.Close())
	require.Contains(t, logs.String(), "failed to unsubscribe from connectivity events")
}

func TestNewEngineRejectsBadSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DrainSchedule = "every now and then"
	_, err := NewEngine(Deps{Store: newTestStore(t), Sender: &recordingSender{}, IDs: newTestIDs(t)}, cfg, nil)
	require.Error(t, err)

	_, err = NewEngine(Deps{}, DefaultConfig(), nil)
	require.Error(t, err)
}
