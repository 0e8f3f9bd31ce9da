// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/davitacols/supawave-sub002/pos"
)

// CommitSale is the single atomic checkout write. Any error returned from the
// Update closure rolls the whole bbolt transaction back.
func (s *BoltStore) CommitSale(_ context.Context, sale *pos.SaleRecord, item *pos.QueueItem) error {
	if sale.ID == "" {
		return fmt.Errorf("sale id is required")
	}
	if len(sale.LineItems) == 0 {
		return pos.ErrEmptyCart
	}
	if item == nil {
		return fmt.Errorf("sale %s: queue item is required", sale.ID)
	}
	sale.Synced = false
	if sale.Timestamp.IsZero() {
		sale.Timestamp = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		sales := tx.Bucket(bucketSales)
		if sales.Get([]byte(sale.ID)) != nil {
			return constraint("sale %s already exists", sale.ID)
		}
		for _, li := range sale.LineItems {
			if err := decrementStockBoltTx(tx, li.ProductID, li.Quantity, sale.Timestamp); err != nil {
				return err
			}
		}
		if err := putJSON(sales, []byte(sale.ID), sale); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSalesByTime).Put(timeKey(sale.Timestamp, sale.ID), []byte(sale.ID)); err != nil {
			return err
		}
		if err := appendQueueItemBoltTx(tx, item); err != nil {
			return err
		}
		if sale.CustomerRef != "" {
			return bumpCustomerBoltTx(tx, sale)
		}
		return nil
	})
}

func bumpCustomerBoltTx(tx *bolt.Tx, sale *pos.SaleRecord) error {
	id := sale.CustomerRef
	if owner := tx.Bucket(bucketCustomersByPhone).Get([]byte(sale.CustomerRef)); owner != nil {
		id = string(owner)
	}
	c, err := getCustomerTx(tx, id)
	if err != nil {
		return nil // unknown customer
	}
	c.TotalOrders++
	c.TotalSpent = c.TotalSpent.Add(sale.Total)
	c.LastUpdated = sale.Timestamp
	return putJSON(tx.Bucket(bucketCustomers), []byte(c.ID), c)
}

// GetSale returns the sale with id.
func (s *BoltStore) GetSale(_ context.Context, id string) (*pos.SaleRecord, error) {
	var sale pos.SaleRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketSales), []byte(id), &sale)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("sale", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

// ListSales walks the time index from since.
func (s *BoltStore) ListSales(_ context.Context, since time.Time) ([]pos.SaleRecord, error) {
	var out []pos.SaleRecord
	start := make([]byte, 8)
	if !since.IsZero() && since.UnixNano() > 0 {
		binary.BigEndian.PutUint64(start, uint64(since.UnixNano()))
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		sales := tx.Bucket(bucketSales)
		c := tx.Bucket(bucketSalesByTime).Cursor()
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var sale pos.SaleRecord
			ok, err := getJSON(sales, v, &sale)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, sale)
			}
		}
		return nil
	})
	return out, err
}

// Queue

func appendQueueItemBoltTx(tx *bolt.Tx, item *pos.QueueItem) error {
	if err := checkQueueItem(item); err != nil {
		return err
	}
	q := tx.Bucket(bucketQueue)
	byID := tx.Bucket(bucketQueueByID)
	if byID.Get([]byte(item.ID)) != nil {
		return constraint("queue item %s already exists", item.ID)
	}
	if item.Operation == pos.OpSale {
		refs := tx.Bucket(bucketQueueSaleRef)
		if refs.Get([]byte(item.RefID)) != nil {
			return constraint("sale %s already has a queue item", item.RefID)
		}
		if err := refs.Put([]byte(item.RefID), []byte(item.ID)); err != nil {
			return err
		}
	}
	seq, err := q.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate queue sequence: %w", err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = item.CreatedAt
	}
	item.Seq = int64(seq)
	item.Synced = false

	key := seqKey(item.Seq)
	if err := putJSON(q, key, item); err != nil {
		return err
	}
	if err := byID.Put([]byte(item.ID), key); err != nil {
		return err
	}
	return tx.Bucket(bucketQueuePending).Put(key, nil)
}

// AppendQueueItem persists item before returning.
func (s *BoltStore) AppendQueueItem(_ context.Context, item *pos.QueueItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendQueueItemBoltTx(tx, item)
	})
}

func getQueueItemTx(tx *bolt.Tx, id string) (*pos.QueueItem, []byte, error) {
	key := tx.Bucket(bucketQueueByID).Get([]byte(id))
	if key == nil {
		return nil, nil, notFound("queue item", id)
	}
	key = bytes.Clone(key)
	var item pos.QueueItem
	ok, err := getJSON(tx.Bucket(bucketQueue), key, &item)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, notFound("queue item", id)
	}
	return &item, key, nil
}

// GetQueueItem returns the queue item with id.
func (s *BoltStore) GetQueueItem(_ context.Context, id string) (*pos.QueueItem, error) {
	var item *pos.QueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		item, _, err = getQueueItemTx(tx, id)
		return err
	})
	return item, err
}

// PendingQueueItems pages through deliverable items in creation order.
func (s *BoltStore) PendingQueueItems(_ context.Context, afterSeq int64, dueBy time.Time, limit int) ([]pos.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []pos.QueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		q := tx.Bucket(bucketQueue)
		c := tx.Bucket(bucketQueuePending).Cursor()
		for k, _ := c.Seek(seqKey(afterSeq + 1)); k != nil && len(out) < limit; k, _ = c.Next() {
			var item pos.QueueItem
			ok, err := getJSON(q, k, &item)
			if err != nil {
				return err
			}
			if !ok || item.Parked || item.NextAttemptAt.After(dueBy) {
				continue
			}
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

// MarkSynced records a successful delivery.
func (s *BoltStore) MarkSynced(_ context.Context, id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		item, key, err := getQueueItemTx(tx, id)
		if err != nil {
			return err
		}
		at = at.UTC()
		item.Synced = true
		item.SyncedAt = &at
		item.LastError = ""
		item.Parked = false
		if err := putJSON(tx.Bucket(bucketQueue), key, item); err != nil {
			return err
		}
		if err := tx.Bucket(bucketQueuePending).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Put(metaLastSynced, []byte(at.Format(time.RFC3339Nano))); err != nil {
			return err
		}
		if item.Operation != pos.OpSale || item.RefID == "" {
			return nil
		}
		sales := tx.Bucket(bucketSales)
		var sale pos.SaleRecord
		ok, err := getJSON(sales, []byte(item.RefID), &sale)
		if err != nil || !ok {
			return err
		}
		sale.Synced = true
		return putJSON(sales, []byte(sale.ID), &sale)
	})
}

// RecordFailure stores the outcome of a failed attempt.
func (s *BoltStore) RecordFailure(_ context.Context, id string, f pos.QueueFailure) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		item, key, err := getQueueItemTx(tx, id)
		if err != nil {
			return err
		}
		if item.Synced {
			return notFound("pending queue item", id)
		}
		item.Attempts = f.Attempts
		item.LastError = f.LastError
		item.NextAttemptAt = f.NextAttemptAt
		item.Parked = f.Parked
		return putJSON(tx.Bucket(bucketQueue), key, item)
	})
}

// RequeueParked makes parked items deliverable again.
func (s *BoltStore) RequeueParked(_ context.Context) (int, error) {
	n := 0
	now := time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		q := tx.Bucket(bucketQueue)
		c := tx.Bucket(bucketQueuePending).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			var item pos.QueueItem
			ok, err := getJSON(q, k, &item)
			if err != nil {
				return err
			}
			if !ok || !item.Parked {
				continue
			}
			item.Parked = false
			item.Attempts = 0
			item.NextAttemptAt = now
			if err := putJSON(q, k, &item); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// QueueStats counts queue items by state.
func (s *BoltStore) QueueStats(_ context.Context) (pos.QueueStats, error) {
	var st pos.QueueStats
	err := s.db.View(func(tx *bolt.Tx) error {
		q := tx.Bucket(bucketQueue)
		st.Total = q.Stats().KeyN
		c := tx.Bucket(bucketQueuePending).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			st.Pending++
			var item pos.QueueItem
			if _, err := getJSON(q, k, &item); err != nil {
				return err
			}
			if item.Parked {
				if st.Parked == 0 {
					st.OldestParkedSeq = item.Seq
				}
				st.Parked++
			}
		}
		st.Synced = st.Total - st.Pending
		if raw := tx.Bucket(bucketMeta).Get(metaLastSynced); raw != nil {
			t, err := time.Parse(time.RFC3339Nano, string(raw))
			if err != nil {
				return fmt.Errorf("failed to parse last sync time: %w", err)
			}
			st.LastSyncedAt = &t
		}
		return nil
	})
	return st, err
}
