// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	terminalIDKey contextKey = "terminal_id"
	merchantIDKey contextKey = "merchant_id"
)

// SetTerminalID sets the terminal ID in the context
func SetTerminalID(ctx context.Context, terminalID string) context.Context {
	return context.WithValue(ctx, terminalIDKey, terminalID)
}

// GetTerminalID retrieves the terminal ID from the context
func GetTerminalID(ctx context.Context) (string, bool) {
	terminalID, ok := ctx.Value(terminalIDKey).(string)
	return terminalID, ok
}

// SetMerchantID sets the merchant ID in the context
func SetMerchantID(ctx context.Context, merchantID string) context.Context {
	return context.WithValue(ctx, merchantIDKey, merchantID)
}

// GetMerchantID retrieves the merchant ID from the context
func GetMerchantID(ctx context.Context) (string, bool) {
	merchantID, ok := ctx.Value(merchantIDKey).(string)
	return merchantID, ok
}
