// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/davitacols/supawave-sub002/pos"
)

// SQLiteStore is the default Store backend.
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // one writer at a time; stock checks rely on it
}

// OpenSQLite opens the database file at path and creates the schema.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initializeDatabase(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Debug("local store opened", "backend", BackendSQLite, "path", path)
	return s, nil
}

func (s *SQLiteStore) initializeDatabase() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			barcode        TEXT UNIQUE,             -- NULL when the product has none
			unit_price     TEXT NOT NULL DEFAULT '0',
			stock_quantity INTEGER NOT NULL DEFAULT 0 CHECK (stock_quantity >= 0),
			last_updated   INTEGER NOT NULL DEFAULT 0 -- unix nanos
		)`,

		`CREATE TABLE IF NOT EXISTS customers (
			id           TEXT PRIMARY KEY,
			phone        TEXT NOT NULL UNIQUE,
			name         TEXT NOT NULL DEFAULT '',
			total_orders INTEGER NOT NULL DEFAULT 0,
			total_spent  TEXT NOT NULL DEFAULT '0',
			last_updated INTEGER NOT NULL DEFAULT 0
		)`,

		// Sale ledger, append-only apart from the synced flag
		`CREATE TABLE IF NOT EXISTS sales (
			id             TEXT PRIMARY KEY,
			line_items     TEXT NOT NULL,
			subtotal       TEXT NOT NULL,
			tax            TEXT NOT NULL,
			total          TEXT NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			customer_ref   TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL,
			synced         INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS sales_created_at ON sales(created_at)`,

		`CREATE TABLE IF NOT EXISTS sync_queue (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			operation       TEXT NOT NULL CHECK (operation IN ('sale','product_update','inventory_adjust')),
			ref_id          TEXT NOT NULL DEFAULT '',
			payload         TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			synced          INTEGER NOT NULL DEFAULT 0,
			synced_at       INTEGER,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			parked          INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS sync_queue_pending ON sync_queue(synced, parked, seq)`,
		// exactly one queue item per sale
		`CREATE UNIQUE INDEX IF NOT EXISTS sync_queue_sale_ref ON sync_queue(ref_id) WHERE operation = 'sale'`,
	}

	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a write transaction under writeMu.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// mapConstraint turns SQLite unique/check violations into pos.ErrConstraintViolation.
func mapConstraint(err error, what string) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w: %v", what, pos.ErrConstraintViolation, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Products

const productColumns = `id, name, barcode, unit_price, stock_quantity, last_updated`

func scanProduct(row rowScanner) (*pos.Product, error) {
	var (
		p       pos.Product
		barcode sql.NullString
		updated int64
	)
	if err := row.Scan(&p.ID, &p.Name, &barcode, &p.UnitPrice, &p.StockQuantity, &updated); err != nil {
		return nil, err
	}
	p.Barcode = barcode.String
	p.LastUpdated = fromNanos(updated)
	return &p, nil
}

func insertProduct(ctx context.Context, tx *sql.Tx, p *pos.Product) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO products (`+productColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullIfEmpty(p.Barcode), p.UnitPrice.String(), p.StockQuantity, nanos(p.LastUpdated))
	if err != nil {
		return mapConstraint(err, "failed to insert product "+p.ID)
	}
	return nil
}

// PutProduct inserts a new product.
func (s *SQLiteStore) PutProduct(ctx context.Context, p *pos.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.LastUpdated.IsZero() {
		p.LastUpdated = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertProduct(ctx, tx, p)
	})
}

// UpdateProduct overwrites an existing product.
func (s *SQLiteStore) UpdateProduct(ctx context.Context, p *pos.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.LastUpdated = time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE products SET name = ?, barcode = ?, unit_price = ?, stock_quantity = ?, last_updated = ? WHERE id = ?`,
			p.Name, nullIfEmpty(p.Barcode), p.UnitPrice.String(), p.StockQuantity, nanos(p.LastUpdated), p.ID)
		if err != nil {
			return mapConstraint(err, "failed to update product "+p.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("product", p.ID)
		}
		return nil
	})
}

// GetProduct returns the product with id.
func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*pos.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("product", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", id, err)
	}
	return p, nil
}

// ProductByBarcode looks a product up through the barcode index.
func (s *SQLiteStore) ProductByBarcode(ctx context.Context, barcode string) (*pos.Product, error) {
	if barcode == "" {
		return nil, notFound("barcode", barcode)
	}
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE barcode = ?`, barcode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("barcode", barcode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up barcode %s: %w", barcode, err)
	}
	return p, nil
}

// DeleteProduct removes a product.
func (s *SQLiteStore) DeleteProduct(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete product %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("product", id)
		}
		return nil
	})
}

// ListProducts returns all products ordered by name.
func (s *SQLiteStore) ListProducts(ctx context.Context) ([]pos.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []pos.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Customers

const customerColumns = `id, phone, name, total_orders, total_spent, last_updated`

func scanCustomer(row rowScanner) (*pos.Customer, error) {
	var (
		c       pos.Customer
		updated int64
	)
	if err := row.Scan(&c.ID, &c.Phone, &c.Name, &c.TotalOrders, &c.TotalSpent, &updated); err != nil {
		return nil, err
	}
	c.LastUpdated = fromNanos(updated)
	return &c, nil
}

func insertCustomer(ctx context.Context, tx *sql.Tx, c *pos.Customer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO customers (`+customerColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Phone, c.Name, c.TotalOrders, c.TotalSpent.String(), nanos(c.LastUpdated))
	if err != nil {
		return mapConstraint(err, "failed to insert customer "+c.ID)
	}
	return nil
}

// PutCustomer inserts a new customer.
func (s *SQLiteStore) PutCustomer(ctx context.Context, c *pos.Customer) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.LastUpdated.IsZero() {
		c.LastUpdated = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertCustomer(ctx, tx, c)
	})
}

// UpdateCustomer overwrites an existing customer.
func (s *SQLiteStore) UpdateCustomer(ctx context.Context, c *pos.Customer) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.LastUpdated = time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE customers SET phone = ?, name = ?, total_orders = ?, total_spent = ?, last_updated = ? WHERE id = ?`,
			c.Phone, c.Name, c.TotalOrders, c.TotalSpent.String(), nanos(c.LastUpdated), c.ID)
		if err != nil {
			return mapConstraint(err, "failed to update customer "+c.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("customer", c.ID)
		}
		return nil
	})
}

// GetCustomer returns the customer with id.
func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*pos.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("customer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer %s: %w", id, err)
	}
	return c, nil
}

// CustomerByPhone looks a customer up through the phone index.
func (s *SQLiteStore) CustomerByPhone(ctx context.Context, phone string) (*pos.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE phone = ?`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("phone", phone)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up phone %s: %w", phone, err)
	}
	return c, nil
}

// DeleteCustomer removes a customer.
func (s *SQLiteStore) DeleteCustomer(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM customers WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete customer %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("customer", id)
		}
		return nil
	})
}

// ListCustomers returns all customers ordered by name.
func (s *SQLiteStore) ListCustomers(ctx context.Context) ([]pos.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var out []pos.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ReplaceCatalog swaps the cached catalog inside a single transaction, so
// readers see either the old or the new set.
func (s *SQLiteStore) ReplaceCatalog(ctx context.Context, products []pos.Product, customers []pos.Customer) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if products != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM products`); err != nil {
				return fmt.Errorf("failed to clear products: %w", err)
			}
			for i := range products {
				p := products[i]
				if err := p.Validate(); err != nil {
					return err
				}
				if p.LastUpdated.IsZero() {
					p.LastUpdated = now
				}
				if err := insertProduct(ctx, tx, &p); err != nil {
					return err
				}
			}
		}
		if customers != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM customers`); err != nil {
				return fmt.Errorf("failed to clear customers: %w", err)
			}
			for i := range customers {
				c := customers[i]
				if err := c.Validate(); err != nil {
					return err
				}
				if c.LastUpdated.IsZero() {
					c.LastUpdated = now
				}
				if err := insertCustomer(ctx, tx, &c); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Stock

func decrementStockTx(ctx context.Context, tx *sql.Tx, productID string, qty int64, now time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("decrement %s by %d: %w", productID, qty, pos.ErrInvalidQuantity)
	}
	res, err := tx.ExecContext(ctx, `UPDATE products SET stock_quantity = stock_quantity - ?, last_updated = ? WHERE id = ? AND stock_quantity >= ?`,
		qty, nanos(now), productID, qty)
	if err != nil {
		return fmt.Errorf("failed to decrement stock of %s: %w", productID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var available int64
	err = tx.QueryRowContext(ctx, `SELECT stock_quantity FROM products WHERE id = ?`, productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("decrement stock: %w: %s", pos.ErrProductNotFound, productID)
	}
	if err != nil {
		return fmt.Errorf("failed to read stock of %s: %w", productID, err)
	}
	return &pos.StockError{ProductID: productID, Available: available, Requested: qty}
}

// DecrementStock removes qty units from a product's stock.
func (s *SQLiteStore) DecrementStock(ctx context.Context, productID string, qty int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return decrementStockTx(ctx, tx, productID, qty, time.Now().UTC())
	})
}

// SetStock sets an absolute stock level.
func (s *SQLiteStore) SetStock(ctx context.Context, productID string, qty int64, item *pos.QueueItem) error {
	if qty < 0 {
		return fmt.Errorf("set stock of %s to %d: %w", productID, qty, pos.ErrInvalidQuantity)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE products SET stock_quantity = ?, last_updated = ? WHERE id = ?`,
			qty, nanos(time.Now().UTC()), productID)
		if err != nil {
			return fmt.Errorf("failed to set stock of %s: %w", productID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("set stock: %w: %s", pos.ErrProductNotFound, productID)
		}
		if item != nil {
			return appendQueueItemTx(ctx, tx, item)
		}
		return nil
	})
}

// AdjustStock adds delta (which may be negative) to a product's stock.
func (s *SQLiteStore) AdjustStock(ctx context.Context, productID string, delta int64, item *pos.QueueItem) (int64, error) {
	var level int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT stock_quantity FROM products WHERE id = ?`, productID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("adjust stock: %w: %s", pos.ErrProductNotFound, productID)
		}
		if err != nil {
			return fmt.Errorf("failed to read stock of %s: %w", productID, err)
		}
		level = current + delta
		if level < 0 {
			return &pos.StockError{ProductID: productID, Available: current, Requested: -delta}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE products SET stock_quantity = ?, last_updated = ? WHERE id = ?`,
			level, nanos(time.Now().UTC()), productID); err != nil {
			return fmt.Errorf("failed to adjust stock of %s: %w", productID, err)
		}
		if item != nil {
			return appendQueueItemTx(ctx, tx, item)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return level, nil
}
