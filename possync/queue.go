// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package possync moves locally committed work to the server: the persisted
// sync queue and its drain loop, connectivity monitoring and the Engine that
// ties them to the terminal's local store.
package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davitacols/supawave-sub002/pos"
	"github.com/davitacols/supawave-sub002/posstore"
)

// farFuture is used as the due bound when strict ordering must see waiting items.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// DrainResult reports what one Drain call did.
type DrainResult struct {
	Attempted  int  `json:"attempted"`
	Synced     int  `json:"synced"`
	Failed     int  `json:"failed"`
	Parked     int  `json:"parked"`
	Offline    bool `json:"offline,omitempty"`    // not attempted, terminal offline
	InProgress bool `json:"inProgress,omitempty"` // not attempted, another drain running
	Halted     bool `json:"halted,omitempty"`     // stopped early: offline, cancelled or strict order
}

// SyncStatus is the queue's externally visible state.
type SyncStatus struct {
	Online      bool        `json:"isOnline"`
	Draining    bool        `json:"draining"`
	Pending     int         `json:"pendingSync"`
	Parked      int         `json:"parked"`
	Synced      int         `json:"synced"`
	Total       int         `json:"totalQueued"`
	LastSync    *time.Time  `json:"lastSync,omitempty"`
	LastDrain   DrainResult `json:"lastDrain"`
	LastDrainAt *time.Time  `json:"lastDrainAt,omitempty"`
}

// Queue is the outbound sync queue. Items are persisted through the store
// before Enqueue returns and are delivered in creation order by Drain.
type Queue struct {
	store  posstore.Store
	sender Sender
	ids    *pos.IDGenerator
	policy RetryPolicy
	logger *slog.Logger
	now    func() time.Time

	online   atomic.Bool
	draining atomic.Bool
	rerun    atomic.Bool // a drain was requested while one was running

	mu          sync.Mutex
	lastDrain   DrainResult
	lastDrainAt time.Time
}

// NewQueue creates a queue over store. It starts offline.
func NewQueue(store posstore.Store, sender Sender, ids *pos.IDGenerator, policy RetryPolicy, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.BatchSize <= 0 {
		policy.BatchSize = DefaultRetryPolicy().BatchSize
	}
	if policy.SendTimeout <= 0 {
		policy.SendTimeout = DefaultRetryPolicy().SendTimeout
	}
	return &Queue{
		store:  store,
		sender: sender,
		ids:    ids,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// SetOnline records connectivity. Going offline stops a running drain from
// picking up further items.
func (q *Queue) SetOnline(online bool) { q.online.Store(online) }

// Online reports the last recorded connectivity.
func (q *Queue) Online() bool { return q.online.Load() }

// Draining reports whether a drain is running.
func (q *Queue) Draining() bool { return q.draining.Load() }

// NewItem builds an unsaved queue item with a fresh id and payload encoded as JSON.
func (q *Queue) NewItem(op pos.Operation, refID string, payload any) (*pos.QueueItem, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", op, err)
	}
	now := q.now().UTC()
	return &pos.QueueItem{
		ID:            q.ids.ItemID(),
		Operation:     op,
		RefID:         refID,
		Payload:       raw,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

// Enqueue persists a standalone item. Sales are enqueued by the store inside
// the commit transaction instead.
func (q *Queue) Enqueue(ctx context.Context, op pos.Operation, refID string, payload any) (*pos.QueueItem, error) {
	item, err := q.NewItem(op, refID, payload)
	if err != nil {
		return nil, err
	}
	if err := q.store.AppendQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", op, err)
	}
	q.logger.Debug("queue item enqueued", "id", item.ID, "operation", op, "seq", item.Seq)
	return item, nil
}

// Drain delivers due, unsynced items in creation order, one at a time. It is
// a no-op while offline and while another drain is running. Failures are
// recorded on the item and the drain moves on, unless StrictOrder is set.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.online.Load() {
		return DrainResult{Offline: true}, nil
	}
	if !q.draining.CompareAndSwap(false, true) {
		q.rerun.Store(true)
		return DrainResult{InProgress: true}, nil
	}

	var (
		total DrainResult
		err   error
	)
	for {
		q.rerun.Store(false)
		var res DrainResult
		res, err = q.drainPass(ctx)
		total.Attempted += res.Attempted
		total.Synced += res.Synced
		total.Failed += res.Failed
		total.Parked += res.Parked
		total.Halted = res.Halted
		if err != nil || res.Halted {
			break
		}
		if q.rerun.Load() {
			continue
		}
		q.draining.Store(false)
		// a request that raced with the release above gets one more pass
		if !q.rerun.Load() || !q.draining.CompareAndSwap(false, true) {
			q.recordDrain(total)
			return total, nil
		}
	}
	q.draining.Store(false)
	q.recordDrain(total)
	return total, err
}

func (q *Queue) drainPass(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	now := q.now().UTC()
	dueBy := now
	var blockedAt int64 // strict order never passes a parked item
	if q.policy.StrictOrder {
		dueBy = farFuture
		stats, err := q.store.QueueStats(ctx)
		if err != nil {
			return res, fmt.Errorf("failed to read sync queue: %w", err)
		}
		blockedAt = stats.OldestParkedSeq
	}

	var afterSeq int64
	for {
		items, err := q.store.PendingQueueItems(ctx, afterSeq, dueBy, q.policy.BatchSize)
		if err != nil {
			return res, fmt.Errorf("failed to read sync queue: %w", err)
		}
		if len(items) == 0 {
			return res, nil
		}
		for i := range items {
			item := &items[i]
			if ctx.Err() != nil || !q.online.Load() {
				res.Halted = true
				return res, nil
			}
			if q.policy.StrictOrder && (item.NextAttemptAt.After(now) || (blockedAt > 0 && item.Seq > blockedAt)) {
				res.Halted = true
				return res, nil
			}
			afterSeq = item.Seq
			res.Attempted++

			if err := q.deliver(ctx, item); err != nil {
				res.Failed++
				if parked := q.fail(ctx, item, err); parked {
					res.Parked++
				}
				if q.policy.StrictOrder {
					res.Halted = true
					return res, nil
				}
				continue
			}
			res.Synced++
		}
	}
}

// deliver sends one item and marks it synced. The send runs detached from
// ctx cancellation and is bounded by SendTimeout, so a request already on the
// wire finishes or times out on its own.
func (q *Queue) deliver(ctx context.Context, item *pos.QueueItem) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.policy.SendTimeout)
	defer cancel()

	if err := q.sender.Send(sendCtx, item); err != nil {
		return err
	}
	if err := q.store.MarkSynced(context.WithoutCancel(ctx), item.ID, q.now().UTC()); err != nil {
		// Delivered but not recorded: the item will be resent and the server
		// deduplicates it by idempotency key.
		q.logger.Error("failed to mark queue item synced", "id", item.ID, "error", err)
		return nil
	}
	q.logger.Debug("queue item synced", "id", item.ID, "operation", item.Operation, "seq", item.Seq)
	return nil
}

// fail records a failed attempt and reports whether the item was parked.
func (q *Queue) fail(ctx context.Context, item *pos.QueueItem, sendErr error) bool {
	attempts := item.Attempts + 1
	parked := q.policy.MaxAttempts > 0 && attempts >= q.policy.MaxAttempts
	var terr *pos.TransportError
	if errors.As(sendErr, &terr) && terr.Permanent() {
		parked = true
	}
	f := pos.QueueFailure{
		Attempts:      attempts,
		LastError:     sendErr.Error(),
		NextAttemptAt: q.now().UTC().Add(q.policy.Backoff(attempts)),
		Parked:        parked,
	}
	if err := q.store.RecordFailure(context.WithoutCancel(ctx), item.ID, f); err != nil {
		q.logger.Error("failed to record sync failure", "id", item.ID, "error", err)
	}
	if parked {
		q.logger.Warn("queue item parked", "id", item.ID, "operation", item.Operation, "attempts", attempts, "error", sendErr)
	} else {
		q.logger.Warn("queue item delivery failed", "id", item.ID, "operation", item.Operation,
			"attempts", attempts, "retry_at", f.NextAttemptAt, "error", sendErr)
	}
	return parked
}

func (q *Queue) recordDrain(res DrainResult) {
	q.mu.Lock()
	q.lastDrain = res
	q.lastDrainAt = q.now().UTC()
	q.mu.Unlock()
	if res.Attempted > 0 {
		q.logger.Info("sync queue drained", "attempted", res.Attempted, "synced", res.Synced,
			"failed", res.Failed, "parked", res.Parked, "halted", res.Halted)
	}
}

// RequeueParked makes parked items eligible for the next drain.
func (q *Queue) RequeueParked(ctx context.Context) (int, error) {
	n, err := q.store.RequeueParked(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue parked items: %w", err)
	}
	if n > 0 {
		q.logger.Info("parked queue items requeued", "count", n)
	}
	return n, nil
}

// Status summarizes the queue.
func (q *Queue) Status(ctx context.Context) (SyncStatus, error) {
	stats, err := q.store.QueueStats(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	st := SyncStatus{
		Online:   q.online.Load(),
		Draining: q.draining.Load(),
		Pending:  stats.Pending,
		Parked:   stats.Parked,
		Synced:   stats.Synced,
		Total:    stats.Total,
		LastSync: stats.LastSyncedAt,
	}
	q.mu.Lock()
	st.LastDrain = q.lastDrain
	if !q.lastDrainAt.IsZero() {
		t := q.lastDrainAt
		st.LastDrainAt = &t
	}
	q.mu.Unlock()
	return st, nil
}
