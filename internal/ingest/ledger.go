// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package ingest is a reference server for the terminal's outbound sync
// contract. Every write endpoint is idempotent on the Idempotency-Key header.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davitacols/supawave-sub002/pos"
)

// Entry is one accepted delivery.
type Entry struct {
	MerchantID string
	Key        string
	Operation  pos.Operation
	TerminalID string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Ledger remembers accepted deliveries by (merchant, idempotency key).
type Ledger interface {
	// Record stores e unless its key was seen before. It reports whether
	// this call stored it.
	Record(ctx context.Context, e *Entry) (bool, error)
	Count(ctx context.Context, op pos.Operation) (int, error)
	Close()
}

type ledgerKey struct{ merchant, key string }

// MemoryLedger keeps entries in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[ledgerKey]Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[ledgerKey]Entry)}
}

func (l *MemoryLedger) Record(_ context.Context, e *Entry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{e.MerchantID, e.Key}
	if _, ok := l.entries[k]; ok {
		return false, nil
	}
	l.entries[k] = *e
	return true, nil
}

func (l *MemoryLedger) Count(_ context.Context, op pos.Operation) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Operation == op {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLedger) Close() {}

// PostgresLedger stores entries in the pos_ingest table.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresLedger connects to databaseURL and creates the ledger table.
func NewPostgresLedger(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		createLedgerSQL :=
			/*language=postgresql*/ `
CREATE TABLE IF NOT EXISTS pos_ingest (
	merchant_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	operation TEXT NOT NULL,
	terminal_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (merchant_id, idempotency_key)
)`
		if _, err := tx.Exec(ctx, createLedgerSQL); err != nil {
			return fmt.Errorf("failed to create pos_ingest table: %w", err)
		}
		if _, err := tx.Exec(ctx, `CREATE INDEX IF NOT EXISTS pos_ingest_op_idx ON pos_ingest (operation)`); err != nil {
			return fmt.Errorf("failed to create pos_ingest index: %w", err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("ingest ledger ready", "table", "pos_ingest")
	return &PostgresLedger{pool: pool, logger: logger}, nil
}

func (l *PostgresLedger) Record(ctx context.Context, e *Entry) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
INSERT INTO pos_ingest (merchant_id, idempotency_key, operation, terminal_id, payload, received_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (merchant_id, idempotency_key) DO NOTHING`,
		e.MerchantID, e.Key, string(e.Operation), e.TerminalID, []byte(e.Payload), e.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record %s %s: %w", e.Operation, e.Key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PostgresLedger) Count(ctx context.Context, op pos.Operation) (int, error) {
	var n int
	err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pos_ingest WHERE operation = $1`, string(op)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s entries: %w", op, err)
	}
	return n, nil
}

func (l *PostgresLedger) Close() { l.pool.Close() }
