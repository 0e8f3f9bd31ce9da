// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davitacols/supawave-sub002/pos"
)

const saleColumns = `id, line_items, subtotal, tax, total, payment_method, customer_ref, created_at, synced`

func scanSale(row rowScanner) (*pos.SaleRecord, error) {
	var (
		s       pos.SaleRecord
		lines   string
		created int64
		synced  int
	)
	if err := row.Scan(&s.ID, &lines, &s.Subtotal, &s.Tax, &s.Total, &s.PaymentMethod, &s.CustomerRef, &created, &synced); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(lines), &s.LineItems); err != nil {
		return nil, fmt.Errorf("failed to decode line items of sale %s: %w", s.ID, err)
	}
	s.Timestamp = fromNanos(created)
	s.Synced = synced == 1
	return &s, nil
}

// CommitSale is the single atomic checkout write.
func (s *SQLiteStore) CommitSale(ctx context.Context, sale *pos.SaleRecord, item *pos.QueueItem) error {
	if sale.ID == "" {
		return fmt.Errorf("sale id is required")
	}
	if len(sale.LineItems) == 0 {
		return pos.ErrEmptyCart
	}
	if item == nil {
		return fmt.Errorf("sale %s: queue item is required", sale.ID)
	}
	lines, err := json.Marshal(sale.LineItems)
	if err != nil {
		return fmt.Errorf("failed to encode line items: %w", err)
	}
	sale.Synced = false
	if sale.Timestamp.IsZero() {
		sale.Timestamp = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sales (`+saleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			sale.ID, string(lines), sale.Subtotal.String(), sale.Tax.String(), sale.Total.String(),
			sale.PaymentMethod, sale.CustomerRef, nanos(sale.Timestamp))
		if err != nil {
			return mapConstraint(err, "failed to insert sale "+sale.ID)
		}
		for _, li := range sale.LineItems {
			if err := decrementStockTx(ctx, tx, li.ProductID, li.Quantity, sale.Timestamp); err != nil {
				return err
			}
		}
		if err := appendQueueItemTx(ctx, tx, item); err != nil {
			return err
		}
		if sale.CustomerRef != "" {
			return bumpCustomerTx(ctx, tx, sale)
		}
		return nil
	})
}

// bumpCustomerTx updates the aggregates of the customer referenced by id or
// phone. Unknown references are ignored.
func bumpCustomerTx(ctx context.Context, tx *sql.Tx, sale *pos.SaleRecord) error {
	var (
		id    string
		spent decimal.Decimal
	)
	err := tx.QueryRowContext(ctx, `SELECT id, total_spent FROM customers WHERE id = ? OR phone = ? LIMIT 1`,
		sale.CustomerRef, sale.CustomerRef).Scan(&id, &spent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read customer %s: %w", sale.CustomerRef, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE customers SET total_orders = total_orders + 1, total_spent = ?, last_updated = ? WHERE id = ?`,
		spent.Add(sale.Total).String(), nanos(sale.Timestamp), id); err != nil {
		return fmt.Errorf("failed to update customer aggregates: %w", err)
	}
	return nil
}

// GetSale returns the sale with id.
func (s *SQLiteStore) GetSale(ctx context.Context, id string) (*pos.SaleRecord, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("sale", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sale %s: %w", id, err)
	}
	return sale, nil
}

// ListSales returns the sales recorded at or after since.
func (s *SQLiteStore) ListSales(ctx context.Context, since time.Time) ([]pos.SaleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE created_at >= ? ORDER BY created_at, id`, nanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	defer rows.Close()

	var out []pos.SaleRecord
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		out = append(out, *sale)
	}
	return out, rows.Err()
}

// Queue

const queueColumns = `seq, id, operation, ref_id, payload, created_at, synced, synced_at, attempts, last_error, next_attempt_at, parked`

func scanQueueItem(row rowScanner) (*pos.QueueItem, error) {
	var (
		q              pos.QueueItem
		op, payload    string
		created, next  int64
		synced, parked int
		syncedAt       sql.NullInt64
	)
	if err := row.Scan(&q.Seq, &q.ID, &op, &q.RefID, &payload, &created, &synced, &syncedAt,
		&q.Attempts, &q.LastError, &next, &parked); err != nil {
		return nil, err
	}
	q.Operation = pos.Operation(op)
	q.Payload = json.RawMessage(payload)
	q.CreatedAt = fromNanos(created)
	q.NextAttemptAt = fromNanos(next)
	q.Synced = synced == 1
	q.Parked = parked == 1
	if syncedAt.Valid {
		t := fromNanos(syncedAt.Int64)
		q.SyncedAt = &t
	}
	return &q, nil
}

func appendQueueItemTx(ctx context.Context, tx *sql.Tx, item *pos.QueueItem) error {
	if err := checkQueueItem(item); err != nil {
		return err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = item.CreatedAt
	}
	item.Synced = false
	res, err := tx.ExecContext(ctx, `INSERT INTO sync_queue (id, operation, ref_id, payload, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Operation), item.RefID, string(item.Payload), nanos(item.CreatedAt), nanos(item.NextAttemptAt))
	if err != nil {
		return mapConstraint(err, "failed to enqueue "+item.ID)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue sequence: %w", err)
	}
	item.Seq = seq
	return nil
}

// AppendQueueItem persists item before returning.
func (s *SQLiteStore) AppendQueueItem(ctx context.Context, item *pos.QueueItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return appendQueueItemTx(ctx, tx, item)
	})
}

// GetQueueItem returns the queue item with id.
func (s *SQLiteStore) GetQueueItem(ctx context.Context, id string) (*pos.QueueItem, error) {
	q, err := scanQueueItem(s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("queue item", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %s: %w", id, err)
	}
	return q, nil
}

// PendingQueueItems pages through deliverable items in creation order.
func (s *SQLiteStore) PendingQueueItems(ctx context.Context, afterSeq int64, dueBy time.Time, limit int) ([]pos.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue
		WHERE synced = 0 AND parked = 0 AND seq > ? AND next_attempt_at <= ?
		ORDER BY seq LIMIT ?`, afterSeq, nanos(dueBy), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending queue items: %w", err)
	}
	defer rows.Close()

	var out []pos.QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// MarkSynced records a successful delivery.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var op, ref string
		err := tx.QueryRowContext(ctx, `SELECT operation, ref_id FROM sync_queue WHERE id = ?`, id).Scan(&op, &ref)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("queue item", id)
		}
		if err != nil {
			return fmt.Errorf("failed to read queue item %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sync_queue SET synced = 1, synced_at = ?, last_error = '', parked = 0 WHERE id = ?`,
			nanos(at), id); err != nil {
			return fmt.Errorf("failed to mark %s synced: %w", id, err)
		}
		if pos.Operation(op) == pos.OpSale && ref != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE sales SET synced = 1 WHERE id = ?`, ref); err != nil {
				return fmt.Errorf("failed to mark sale %s synced: %w", ref, err)
			}
		}
		return nil
	})
}

// RecordFailure stores the outcome of a failed attempt.
func (s *SQLiteStore) RecordFailure(ctx context.Context, id string, f pos.QueueFailure) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		parked := 0
		if f.Parked {
			parked = 1
		}
		res, err := tx.ExecContext(ctx, `UPDATE sync_queue SET attempts = ?, last_error = ?, next_attempt_at = ?, parked = ? WHERE id = ? AND synced = 0`,
			f.Attempts, f.LastError, nanos(f.NextAttemptAt), parked, id)
		if err != nil {
			return fmt.Errorf("failed to record failure of %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("pending queue item", id)
		}
		return nil
	})
}

// RequeueParked makes parked items deliverable again.
func (s *SQLiteStore) RequeueParked(ctx context.Context) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sync_queue SET parked = 0, attempts = 0, next_attempt_at = ? WHERE parked = 1 AND synced = 0`,
			nanos(time.Now().UTC()))
		if err != nil {
			return fmt.Errorf("failed to requeue parked items: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// QueueStats counts queue items by state.
func (s *SQLiteStore) QueueStats(ctx context.Context) (pos.QueueStats, error) {
	var (
		st       pos.QueueStats
		lastSync sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND parked = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(synced), 0),
			MAX(synced_at),
			COALESCE(MIN(CASE WHEN synced = 0 AND parked = 1 THEN seq END), 0)
		FROM sync_queue`).Scan(&st.Total, &st.Pending, &st.Parked, &st.Synced, &lastSync, &st.OldestParkedSeq)
	if err != nil {
		return st, fmt.Errorf("failed to compute queue stats: %w", err)
	}
	if lastSync.Valid {
		t := fromNanos(lastSync.Int64)
		st.LastSyncedAt = &t
	}
	return st, nil
}
