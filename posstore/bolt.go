// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/davitacols/supawave-sub002/pos"
)

var (
	bucketProducts          = []byte("products")
	bucketProductsByBarcode = []byte("products_by_barcode")
	bucketCustomers         = []byte("customers")
	bucketCustomersByPhone  = []byte("customers_by_phone")
	bucketSales             = []byte("sales")
	bucketSalesByTime       = []byte("sales_by_time") // ts(8) + id -> id
	bucketQueue             = []byte("sync_queue")    // seq(8) -> item
	bucketQueueByID         = []byte("sync_queue_by_id")
	bucketQueuePending      = []byte("sync_queue_pending") // seq(8) -> nil while unsynced
	bucketQueueSaleRef      = []byte("sync_queue_sale_ref")
	bucketMeta              = []byte("meta")

	metaLastSynced = []byte("last_synced_at")
)

var allBuckets = [][]byte{
	bucketProducts, bucketProductsByBarcode, bucketCustomers, bucketCustomersByPhone,
	bucketSales, bucketSalesByTime, bucketQueue, bucketQueueByID, bucketQueuePending,
	bucketQueueSaleRef, bucketMeta,
}

// BoltStore keeps records as JSON documents in bbolt buckets with explicit
// index buckets for barcode and phone lookups. bbolt allows one writer at a
// time, so every Update is serialized.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// OpenBolt opens the bbolt file at path and creates the buckets.
func OpenBolt(path string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("local store opened", "backend", BackendBolt, "path", path)
	return &BoltStore{db: db, logger: logger}, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))
	return k
}

func timeKey(t time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	return append(k, id...)
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return b.Put(key, data)
}

// Products

func putProductTx(tx *bolt.Tx, p *pos.Product, insert bool) error {
	b := tx.Bucket(bucketProducts)
	idx := tx.Bucket(bucketProductsByBarcode)

	var old pos.Product
	exists, err := getJSON(b, []byte(p.ID), &old)
	if err != nil {
		return err
	}
	switch {
	case insert && exists:
		return constraint("product id %s already exists", p.ID)
	case !insert && !exists:
		return notFound("product", p.ID)
	}
	if p.Barcode != "" {
		if owner := idx.Get([]byte(p.Barcode)); owner != nil && string(owner) != p.ID {
			return constraint("barcode %s already used by product %s", p.Barcode, owner)
		}
	}
	if exists && old.Barcode != "" && old.Barcode != p.Barcode {
		if err := idx.Delete([]byte(old.Barcode)); err != nil {
			return err
		}
	}
	if p.Barcode != "" {
		if err := idx.Put([]byte(p.Barcode), []byte(p.ID)); err != nil {
			return err
		}
	}
	return putJSON(b, []byte(p.ID), p)
}

// PutProduct inserts a new product.
func (s *BoltStore) PutProduct(_ context.Context, p *pos.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.LastUpdated.IsZero() {
		p.LastUpdated = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putProductTx(tx, p, true)
	})
}

// UpdateProduct overwrites an existing product.
func (s *BoltStore) UpdateProduct(_ context.Context, p *pos.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.LastUpdated = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putProductTx(tx, p, false)
	})
}

func getProductTx(tx *bolt.Tx, id string) (*pos.Product, error) {
	var p pos.Product
	ok, err := getJSON(tx.Bucket(bucketProducts), []byte(id), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("product", id)
	}
	return &p, nil
}

// GetProduct returns the product with id.
func (s *BoltStore) GetProduct(_ context.Context, id string) (*pos.Product, error) {
	var p *pos.Product
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		p, err = getProductTx(tx, id)
		return err
	})
	return p, err
}

// ProductByBarcode looks a product up through the barcode index.
func (s *BoltStore) ProductByBarcode(_ context.Context, barcode string) (*pos.Product, error) {
	var p *pos.Product
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketProductsByBarcode).Get([]byte(barcode))
		if barcode == "" || id == nil {
			return notFound("barcode", barcode)
		}
		var err error
		p, err = getProductTx(tx, string(id))
		return err
	})
	return p, err
}

// DeleteProduct removes a product and its barcode entry.
func (s *BoltStore) DeleteProduct(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := getProductTx(tx, id)
		if err != nil {
			return err
		}
		if p.Barcode != "" {
			if err := tx.Bucket(bucketProductsByBarcode).Delete([]byte(p.Barcode)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketProducts).Delete([]byte(id))
	})
}

// ListProducts returns all products ordered by name.
func (s *BoltStore) ListProducts(_ context.Context) ([]pos.Product, error) {
	var out []pos.Product
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProducts).ForEach(func(_, v []byte) error {
			var p pos.Product
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("failed to decode product: %w", err)
			}
			out = append(out, p)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

// Customers

func putCustomerTx(tx *bolt.Tx, c *pos.Customer, insert bool) error {
	b := tx.Bucket(bucketCustomers)
	idx := tx.Bucket(bucketCustomersByPhone)

	var old pos.Customer
	exists, err := getJSON(b, []byte(c.ID), &old)
	if err != nil {
		return err
	}
	switch {
	case insert && exists:
		return constraint("customer id %s already exists", c.ID)
	case !insert && !exists:
		return notFound("customer", c.ID)
	}
	if owner := idx.Get([]byte(c.Phone)); owner != nil && string(owner) != c.ID {
		return constraint("phone %s already used by customer %s", c.Phone, owner)
	}
	if exists && old.Phone != c.Phone {
		if err := idx.Delete([]byte(old.Phone)); err != nil {
			return err
		}
	}
	if err := idx.Put([]byte(c.Phone), []byte(c.ID)); err != nil {
		return err
	}
	return putJSON(b, []byte(c.ID), c)
}

// PutCustomer inserts a new customer.
func (s *BoltStore) PutCustomer(_ context.Context, c *pos.Customer) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.LastUpdated.IsZero() {
		c.LastUpdated = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putCustomerTx(tx, c, true)
	})
}

// UpdateCustomer overwrites an existing customer.
func (s *BoltStore) UpdateCustomer(_ context.Context, c *pos.Customer) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.LastUpdated = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putCustomerTx(tx, c, false)
	})
}

func getCustomerTx(tx *bolt.Tx, id string) (*pos.Customer, error) {
	var c pos.Customer
	ok, err := getJSON(tx.Bucket(bucketCustomers), []byte(id), &c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("customer", id)
	}
	return &c, nil
}

// GetCustomer returns the customer with id.
func (s *BoltStore) GetCustomer(_ context.Context, id string) (*pos.Customer, error) {
	var c *pos.Customer
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getCustomerTx(tx, id)
		return err
	})
	return c, err
}

// CustomerByPhone looks a customer up through the phone index.
func (s *BoltStore) CustomerByPhone(_ context.Context, phone string) (*pos.Customer, error) {
	var c *pos.Customer
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketCustomersByPhone).Get([]byte(phone))
		if phone == "" || id == nil {
			return notFound("phone", phone)
		}
		var err error
		c, err = getCustomerTx(tx, string(id))
		return err
	})
	return c, err
}

// DeleteCustomer removes a customer and its phone entry.
func (s *BoltStore) DeleteCustomer(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCustomerTx(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCustomersByPhone).Delete([]byte(c.Phone)); err != nil {
			return err
		}
		return tx.Bucket(bucketCustomers).Delete([]byte(id))
	})
}

// ListCustomers returns all customers ordered by name.
func (s *BoltStore) ListCustomers(_ context.Context) ([]pos.Customer, error) {
	var out []pos.Customer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomers).ForEach(func(_, v []byte) error {
			var c pos.Customer
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("failed to decode customer: %w", err)
			}
			out = append(out, c)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func recreateBuckets(tx *bolt.Tx, names ...[]byte) error {
	for _, name := range names {
		if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to drop bucket %s: %w", name, err)
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}
	return nil
}

// ReplaceCatalog swaps the cached catalog in one bbolt transaction.
func (s *BoltStore) ReplaceCatalog(_ context.Context, products []pos.Product, customers []pos.Customer) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		if products != nil {
			if err := recreateBuckets(tx, bucketProducts, bucketProductsByBarcode); err != nil {
				return err
			}
			for i := range products {
				p := products[i]
				if err := p.Validate(); err != nil {
					return err
				}
				if p.LastUpdated.IsZero() {
					p.LastUpdated = now
				}
				if err := putProductTx(tx, &p, true); err != nil {
					return err
				}
			}
		}
		if customers != nil {
			if err := recreateBuckets(tx, bucketCustomers, bucketCustomersByPhone); err != nil {
				return err
			}
			for i := range customers {
				c := customers[i]
				if err := c.Validate(); err != nil {
					return err
				}
				if c.LastUpdated.IsZero() {
					c.LastUpdated = now
				}
				if err := putCustomerTx(tx, &c, true); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Stock

func setStockTx(tx *bolt.Tx, productID string, level int64, now time.Time) error {
	p, err := getProductTx(tx, productID)
	if err != nil {
		return fmt.Errorf("stock update: %w: %s", pos.ErrProductNotFound, productID)
	}
	p.StockQuantity = level
	p.LastUpdated = now
	return putJSON(tx.Bucket(bucketProducts), []byte(p.ID), p)
}

func decrementStockBoltTx(tx *bolt.Tx, productID string, qty int64, now time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("decrement %s by %d: %w", productID, qty, pos.ErrInvalidQuantity)
	}
	p, err := getProductTx(tx, productID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w: %s", pos.ErrProductNotFound, productID)
	}
	if p.StockQuantity < qty {
		return &pos.StockError{ProductID: productID, Available: p.StockQuantity, Requested: qty}
	}
	return setStockTx(tx, productID, p.StockQuantity-qty, now)
}

// DecrementStock removes qty units from a product's stock.
func (s *BoltStore) DecrementStock(_ context.Context, productID string, qty int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return decrementStockBoltTx(tx, productID, qty, time.Now().UTC())
	})
}

// SetStock sets an absolute stock level.
func (s *BoltStore) SetStock(_ context.Context, productID string, qty int64, item *pos.QueueItem) error {
	if qty < 0 {
		return fmt.Errorf("set stock of %s to %d: %w", productID, qty, pos.ErrInvalidQuantity)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := setStockTx(tx, productID, qty, time.Now().UTC()); err != nil {
			return err
		}
		if item != nil {
			return appendQueueItemBoltTx(tx, item)
		}
		return nil
	})
}

// AdjustStock adds delta (which may be negative) to a product's stock.
func (s *BoltStore) AdjustStock(_ context.Context, productID string, delta int64, item *pos.QueueItem) (int64, error) {
	var level int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		p, err := getProductTx(tx, productID)
		if err != nil {
			return fmt.Errorf("adjust stock: %w: %s", pos.ErrProductNotFound, productID)
		}
		level = p.StockQuantity + delta
		if level < 0 {
			return &pos.StockError{ProductID: productID, Available: p.StockQuantity, Requested: -delta}
		}
		if err := setStockTx(tx, productID, level, time.Now().UTC()); err != nil {
			return err
		}
		if item != nil {
			return appendQueueItemBoltTx(tx, item)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return level, nil
}
