package posstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davitacols/supawave-sub002/pos"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, open func() Store)) {
	for _, backend := range []string{BackendSQLite, BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			var current Store
			open := func() Store {
				if current != nil {
					require.NoError(t, current.Close())
				}
				s, err := Open(backend, dir, nil)
				require.NoError(t, err)
				current = s
				return s
			}
			t.Cleanup(func() {
				if current != nil {
					_ = current.Close()
				}
			})
			fn(t, open)
		})
	}
}

func product(id, barcode string, price string, stock int64) *pos.Product {
	return &pos.Product{
		ID:            id,
		Name:          "Product " + id,
		Barcode:       barcode,
		UnitPrice:     decimal.RequireFromString(price),
		StockQuantity: stock,
	}
}

func saleOf(id string, lines ...pos.LineItem) (*pos.SaleRecord, *pos.QueueItem) {
	sub := decimal.Zero
	for _, li := range lines {
		sub = sub.Add(li.LineTotal)
	}
	tax := sub.Mul(pos.DefaultTaxRate).Round(2)
	sale := &pos.SaleRecord{
		ID:            id,
		LineItems:     lines,
		Subtotal:      sub,
		Tax:           tax,
		Total:         sub.Add(tax),
		PaymentMethod: pos.PaymentCash,
		Timestamp:     time.Now().UTC(),
	}
	payload, _ := json.Marshal(sale)
	return sale, &pos.QueueItem{ID: "q-" + id, Operation: pos.OpSale, RefID: id, Payload: payload}
}

func line(p *pos.Product, qty int64) pos.LineItem {
	return pos.NewLineItem(p, qty)
}

func TestProductsAndIndexes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()

		require.NoError(t, s.PutProduct(ctx, product("p1", "111", "200", 5)))
		require.NoError(t, s.PutProduct(ctx, product("p2", "", "300", 1)))
		require.NoError(t, s.PutProduct(ctx, product("p3", "", "50", 1)), "empty barcodes never collide")

		got, err := s.GetProduct(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, "111", got.Barcode)
		require.True(t, got.UnitPrice.Equal(decimal.NewFromInt(200)))
		require.False(t, got.LastUpdated.IsZero())

		byCode, err := s.ProductByBarcode(ctx, "111")
		require.NoError(t, err)
		require.Equal(t, "p1", byCode.ID)

		_, err = s.GetProduct(ctx, "missing")
		require.ErrorIs(t, err, pos.ErrNotFound)
		_, err = s.ProductByBarcode(ctx, "999")
		require.ErrorIs(t, err, pos.ErrNotFound)

		err = s.PutProduct(ctx, product("p4", "111", "1", 1))
		require.ErrorIs(t, err, pos.ErrConstraintViolation)
		err = s.PutProduct(ctx, product("p1", "222", "1", 1))
		require.ErrorIs(t, err, pos.ErrConstraintViolation)

		// moving a barcode frees the old index entry
		got.Barcode = "333"
		require.NoError(t, s.UpdateProduct(ctx, got))
		_, err = s.ProductByBarcode(ctx, "111")
		require.ErrorIs(t, err, pos.ErrNotFound)
		require.NoError(t, s.PutProduct(ctx, product("p5", "111", "1", 1)))

		require.ErrorIs(t, s.UpdateProduct(ctx, product("nope", "", "1", 1)), pos.ErrNotFound)

		require.NoError(t, s.DeleteProduct(ctx, "p5"))
		require.ErrorIs(t, s.DeleteProduct(ctx, "p5"), pos.ErrNotFound)

		list, err := s.ListProducts(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
	})
}

func TestCustomersPhoneUnique(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()

		require.NoError(t, s.PutCustomer(ctx, &pos.Customer{ID: "c1", Phone: "0801", Name: "Ada"}))
		err := s.PutCustomer(ctx, &pos.Customer{ID: "c2", Phone: "0801", Name: "Bola"})
		require.ErrorIs(t, err, pos.ErrConstraintViolation)

		c, err := s.CustomerByPhone(ctx, "0801")
		require.NoError(t, err)
		require.Equal(t, "c1", c.ID)

		_, err = s.GetCustomer(ctx, "c2")
		require.ErrorIs(t, err, pos.ErrNotFound)

		require.NoError(t, s.DeleteCustomer(ctx, "c1"))
		require.NoError(t, s.PutCustomer(ctx, &pos.Customer{ID: "c2", Phone: "0801", Name: "Bola"}))
	})
}

func TestCommitSaleIsAtomic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()

		a := product("a", "A", "200", 10)
		b := product("b", "B", "300", 1)
		require.NoError(t, s.PutProduct(ctx, a))
		require.NoError(t, s.PutProduct(ctx, b))
		require.NoError(t, s.PutCustomer(ctx, &pos.Customer{ID: "c1", Phone: "0801"}))

		sale, item := saleOf("s1", line(a, 2), line(b, 1))
		sale.CustomerRef = "0801"
		require.NoError(t, s.CommitSale(ctx, sale, item))
		require.NotZero(t, item.Seq)

		gotA, err := s.GetProduct(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, int64(8), gotA.StockQuantity)

		stored, err := s.GetSale(ctx, "s1")
		require.NoError(t, err)
		require.False(t, stored.Synced)
		require.Len(t, stored.LineItems, 2)
		require.True(t, stored.Total.Equal(decimal.NewFromInt(735)))

		q, err := s.GetQueueItem(ctx, "q-s1")
		require.NoError(t, err)
		require.Equal(t, pos.OpSale, q.Operation)
		require.Equal(t, "s1", q.RefID)
		require.False(t, q.Synced)

		c, err := s.GetCustomer(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, int64(1), c.TotalOrders)
		require.True(t, c.TotalSpent.Equal(decimal.NewFromInt(735)))

		// second line fails: the first decrement must roll back
		sale2, item2 := saleOf("s2", line(a, 3), line(b, 1))
		err = s.CommitSale(ctx, sale2, item2)
		require.ErrorIs(t, err, pos.ErrInsufficientStock)

		gotA, err = s.GetProduct(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, int64(8), gotA.StockQuantity)
		_, err = s.GetSale(ctx, "s2")
		require.ErrorIs(t, err, pos.ErrNotFound)
		_, err = s.GetQueueItem(ctx, "q-s2")
		require.ErrorIs(t, err, pos.ErrNotFound)

		st, err := s.QueueStats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, st.Total)
		require.Equal(t, 1, st.Pending)

		// duplicate sale ids are rejected
		dup, dupItem := saleOf("s1", line(a, 1))
		dupItem.ID = "q-other"
		require.ErrorIs(t, s.CommitSale(ctx, dup, dupItem), pos.ErrConstraintViolation)
	})
}

func TestCommitSaleInsufficientStockLeavesStoreUnchanged(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		p := product("p", "", "10", 5)
		require.NoError(t, s.PutProduct(ctx, p))

		sale, item := saleOf("s1", line(p, 6))
		err := s.CommitSale(ctx, sale, item)
		require.ErrorIs(t, err, pos.ErrInsufficientStock)

		got, err := s.GetProduct(ctx, "p")
		require.NoError(t, err)
		require.Equal(t, int64(5), got.StockQuantity)

		sales, err := s.ListSales(ctx, time.Time{})
		require.NoError(t, err)
		require.Empty(t, sales)

		st, err := s.QueueStats(ctx)
		require.NoError(t, err)
		require.Zero(t, st.Total)
	})
}

func TestConcurrentCommitsNeverOversell(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		p := product("p", "", "10", 10)
		require.NoError(t, s.PutProduct(ctx, p))

		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sale, item := saleOf(fmt.Sprintf("s%d", i), line(p, 1))
				if err := s.CommitSale(ctx, sale, item); err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, pos.ErrInsufficientStock)
				}
			}(i)
		}
		wg.Wait()

		require.Equal(t, 10, ok)
		got, err := s.GetProduct(ctx, "p")
		require.NoError(t, err)
		require.Zero(t, got.StockQuantity)
	})
}

func TestQueueLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		p := product("p", "", "10", 100)
		require.NoError(t, s.PutProduct(ctx, p))

		for i := 1; i <= 3; i++ {
			sale, item := saleOf(fmt.Sprintf("s%d", i), line(p, 1))
			require.NoError(t, s.CommitSale(ctx, sale, item))
		}
		adj := &pos.QueueItem{ID: "adj-1", Operation: pos.OpInventoryAdjust, Payload: json.RawMessage(`{"delta":5}`)}
		level, err := s.AdjustStock(ctx, "p", 5, adj)
		require.NoError(t, err)
		require.Equal(t, int64(102), level)

		now := time.Now().UTC()
		pending, err := s.PendingQueueItems(ctx, 0, now, 10)
		require.NoError(t, err)
		require.Len(t, pending, 4)
		for i := 1; i < len(pending); i++ {
			require.Less(t, pending[i-1].Seq, pending[i].Seq)
		}
		require.Equal(t, "q-s1", pending[0].ID)
		require.Equal(t, "adj-1", pending[3].ID)

		page, err := s.PendingQueueItems(ctx, pending[1].Seq, now, 10)
		require.NoError(t, err)
		require.Len(t, page, 2)
		require.Equal(t, "q-s3", page[0].ID)

		require.NoError(t, s.MarkSynced(ctx, "q-s1", now))
		sale, err := s.GetSale(ctx, "s1")
		require.NoError(t, err)
		require.True(t, sale.Synced)

		// backoff hides s2 until due, parking hides s3 until requeued
		require.NoError(t, s.RecordFailure(ctx, "q-s2", pos.QueueFailure{Attempts: 1, LastError: "timeout", NextAttemptAt: now.Add(time.Hour)}))
		require.NoError(t, s.RecordFailure(ctx, "q-s3", pos.QueueFailure{Attempts: 1, LastError: "bad request", NextAttemptAt: now, Parked: true}))

		pending, err = s.PendingQueueItems(ctx, 0, now, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, "adj-1", pending[0].ID)

		pending, err = s.PendingQueueItems(ctx, 0, now.Add(2*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)

		st, err := s.QueueStats(ctx)
		require.NoError(t, err)
		require.Equal(t, 4, st.Total)
		require.Equal(t, 3, st.Pending)
		require.Equal(t, 1, st.Parked)
		require.Equal(t, 1, st.Synced)
		require.NotNil(t, st.LastSyncedAt)
		require.Equal(t, page[0].Seq, st.OldestParkedSeq)

		n, err := s.RequeueParked(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		st, err = s.QueueStats(ctx)
		require.NoError(t, err)
		require.Zero(t, st.OldestParkedSeq)
		item, err := s.GetQueueItem(ctx, "q-s3")
		require.NoError(t, err)
		require.False(t, item.Parked)
		require.Zero(t, item.Attempts)
		require.Equal(t, "bad request", item.LastError)

		require.ErrorIs(t, s.RecordFailure(ctx, "q-s1", pos.QueueFailure{Attempts: 1}), pos.ErrNotFound)
	})
}

func TestReplaceCatalogIsAllOrNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		require.NoError(t, s.PutProduct(ctx, product("old", "X", "1", 1)))
		require.NoError(t, s.PutCustomer(ctx, &pos.Customer{ID: "c-old", Phone: "1"}))

		bad := []pos.Product{*product("n1", "DUP", "1", 1), *product("n2", "DUP", "1", 1)}
		err := s.ReplaceCatalog(ctx, bad, nil)
		require.ErrorIs(t, err, pos.ErrConstraintViolation)

		list, err := s.ListProducts(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, "old", list[0].ID)

		fresh := []pos.Product{*product("n1", "X", "1", 3), *product("n2", "Y", "2", 4)}
		require.NoError(t, s.ReplaceCatalog(ctx, fresh, []pos.Customer{{ID: "c-new", Phone: "2"}}))

		list, err = s.ListProducts(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		p, err := s.ProductByBarcode(ctx, "X")
		require.NoError(t, err)
		require.Equal(t, "n1", p.ID)

		_, err = s.CustomerByPhone(ctx, "1")
		require.ErrorIs(t, err, pos.ErrNotFound)
		_, err = s.GetCustomer(ctx, "c-new")
		require.NoError(t, err)

		// nil leaves the collection alone
		require.NoError(t, s.ReplaceCatalog(ctx, nil, []pos.Customer{}))
		list, err = s.ListProducts(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		customers, err := s.ListCustomers(ctx)
		require.NoError(t, err)
		require.Empty(t, customers)
	})
}

func TestStockOperations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		require.NoError(t, s.PutProduct(ctx, product("p", "", "1", 5)))

		require.NoError(t, s.DecrementStock(ctx, "p", 5))
		require.ErrorIs(t, s.DecrementStock(ctx, "p", 1), pos.ErrInsufficientStock)
		require.ErrorIs(t, s.DecrementStock(ctx, "nope", 1), pos.ErrProductNotFound)
		require.ErrorIs(t, s.DecrementStock(ctx, "p", 0), pos.ErrInvalidQuantity)

		item := &pos.QueueItem{ID: "u1", Operation: pos.OpProductUpdate, Payload: json.RawMessage(`{"productId":"p","newQuantity":7}`)}
		require.NoError(t, s.SetStock(ctx, "p", 7, item))
		got, err := s.GetProduct(ctx, "p")
		require.NoError(t, err)
		require.Equal(t, int64(7), got.StockQuantity)

		_, err = s.AdjustStock(ctx, "p", -8, nil)
		require.ErrorIs(t, err, pos.ErrInsufficientStock)
		require.ErrorIs(t, s.SetStock(ctx, "p", -1, nil), pos.ErrInvalidQuantity)

		// failed SetStock must not leave a queue item behind
		err = s.SetStock(ctx, "nope", 1, &pos.QueueItem{ID: "u2", Operation: pos.OpProductUpdate, Payload: json.RawMessage(`{}`)})
		require.ErrorIs(t, err, pos.ErrProductNotFound)
		_, err = s.GetQueueItem(ctx, "u2")
		require.ErrorIs(t, err, pos.ErrNotFound)
	})
}

func TestQueueSurvivesRestart(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		p := product("p", "", "10", 5)
		require.NoError(t, s.PutProduct(ctx, p))
		sale, item := saleOf("s1", line(p, 2))
		require.NoError(t, s.CommitSale(ctx, sale, item))

		s = open()
		pending, err := s.PendingQueueItems(ctx, 0, time.Now().Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, "s1", pending[0].RefID)

		var decoded pos.SaleRecord
		require.NoError(t, json.Unmarshal(pending[0].Payload, &decoded))
		require.Equal(t, "s1", decoded.ID)

		got, err := s.GetProduct(ctx, "p")
		require.NoError(t, err)
		require.Equal(t, int64(3), got.StockQuantity)

		// the next item continues the sequence
		sale2, item2 := saleOf("s2", line(p, 1))
		require.NoError(t, s.CommitSale(ctx, sale2, item2))
		require.Greater(t, item2.Seq, pending[0].Seq)
	})
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("leveldb", filepath.Join(t.TempDir(), "x"), nil)
	require.Error(t, err)
}
