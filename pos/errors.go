// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pos

import (
	"errors"
	"fmt"
)

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrNotFound            = errors.New("not found")
	ErrSyncTransport       = errors.New("sync transport error")
	ErrPrint               = errors.New("print error")
	ErrSessionClosed       = errors.New("sale session is closed")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrPendingChanges      = errors.New("unsynced local changes pending")
)

// StockError reports a stock check or decrement that would go below zero.
type StockError struct {
	ProductID string
	Available int64
	Requested int64
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

// Is makes errors.Is(err, ErrInsufficientStock) match.
func (e *StockError) Is(target error) bool { return target == ErrInsufficientStock }

// TransportError is a failed delivery of one queue item.
type TransportError struct {
	Operation  Operation
	ItemID     string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sync %s %s: server returned status %d: %v", e.Operation, e.ItemID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sync %s %s: %v", e.Operation, e.ItemID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSyncTransport) match.
func (e *TransportError) Is(target error) bool { return target == ErrSyncTransport }

// Permanent reports whether retrying the same request cannot succeed.
func (e *TransportError) Permanent() bool {
	switch e.StatusCode {
	case 400, 404, 405, 413, 422:
		return true
	}
	return false
}
