// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package posstore is the terminal's durable local store: the cached catalog
// (products and customers), the append-only sale ledger and the persisted sync
// queue. Two embedded backends are provided, SQLite and bbolt; both commit a
// sale, its stock decrements and its queue item in one transaction.
package posstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/davitacols/supawave-sub002/pos"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Store is the LocalStore contract. Lookups return pos.ErrNotFound for absent
// records; inserts that collide on a unique key (id, barcode, phone) return
// pos.ErrConstraintViolation.
type Store interface {
	PutProduct(ctx context.Context, p *pos.Product) error
	UpdateProduct(ctx context.Context, p *pos.Product) error
	GetProduct(ctx context.Context, id string) (*pos.Product, error)
	ProductByBarcode(ctx context.Context, barcode string) (*pos.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	ListProducts(ctx context.Context) ([]pos.Product, error)

	PutCustomer(ctx context.Context, c *pos.Customer) error
	UpdateCustomer(ctx context.Context, c *pos.Customer) error
	GetCustomer(ctx context.Context, id string) (*pos.Customer, error)
	CustomerByPhone(ctx context.Context, phone string) (*pos.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error
	ListCustomers(ctx context.Context) ([]pos.Customer, error)

	// ReplaceCatalog clears and repopulates products and customers in one
	// transaction. A nil slice leaves that collection untouched.
	ReplaceCatalog(ctx context.Context, products []pos.Product, customers []pos.Customer) error

	// DecrementStock fails with *pos.StockError if stock would go negative.
	DecrementStock(ctx context.Context, productID string, qty int64) error
	// SetStock sets an absolute stock level and, when item is non-nil,
	// appends it to the queue in the same transaction.
	SetStock(ctx context.Context, productID string, qty int64, item *pos.QueueItem) error
	// AdjustStock applies delta and returns the new level. Same queue rule as SetStock.
	AdjustStock(ctx context.Context, productID string, delta int64, item *pos.QueueItem) (int64, error)

	// CommitSale persists sale with synced=false, decrements stock for every
	// line, appends item and bumps the referenced customer's aggregates, all or
	// nothing.
	CommitSale(ctx context.Context, sale *pos.SaleRecord, item *pos.QueueItem) error
	GetSale(ctx context.Context, id string) (*pos.SaleRecord, error)
	// ListSales returns sales with Timestamp >= since, oldest first.
	ListSales(ctx context.Context, since time.Time) ([]pos.SaleRecord, error)

	// AppendQueueItem persists item and assigns item.Seq.
	AppendQueueItem(ctx context.Context, item *pos.QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*pos.QueueItem, error)
	// PendingQueueItems returns unsynced, unparked items with Seq > afterSeq
	// whose NextAttemptAt is not after dueBy, in Seq order.
	PendingQueueItems(ctx context.Context, afterSeq int64, dueBy time.Time, limit int) ([]pos.QueueItem, error)
	// MarkSynced flags the item synced and, for sale items, the referenced sale.
	MarkSynced(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, f pos.QueueFailure) error
	// RequeueParked clears the parked flag and attempt counters of every
	// parked item and returns how many were affected.
	RequeueParked(ctx context.Context) (int, error)
	QueueStats(ctx context.Context) (pos.QueueStats, error)

	Close() error
}

// Open opens (creating if needed) the store for backend under dir.
func Open(backend, dir string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}
	switch backend {
	case BackendSQLite, "":
		return OpenSQLite(filepath.Join(dir, "pos.db"), logger)
	case BackendBolt:
		return OpenBolt(filepath.Join(dir, "pos.bolt"), logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %s: %w", kind, key, pos.ErrNotFound)
}

func constraint(format string, args ...any) error {
	return fmt.Errorf("%w: %s", pos.ErrConstraintViolation, fmt.Sprintf(format, args...))
}

func checkQueueItem(item *pos.QueueItem) error {
	if item.ID == "" {
		return fmt.Errorf("queue item id is required")
	}
	if !item.Operation.Valid() {
		return fmt.Errorf("queue item %s: unknown operation %q", item.ID, item.Operation)
	}
	return nil
}
