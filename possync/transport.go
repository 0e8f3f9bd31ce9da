// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/davitacols/supawave-sub002/pos"
)

// Server endpoints, one per queue operation.
const (
	PathSales                = "/sales"
	PathInventoryUpdates     = "/inventory/updates"
	PathInventoryAdjustments = "/inventory/adjustments"
	PathCatalog              = "/catalog"
	PathHealth               = "/health"

	HeaderIdempotencyKey = "Idempotency-Key"
)

// EndpointFor maps a queue operation to its server path.
func EndpointFor(op pos.Operation) (string, error) {
	switch op {
	case pos.OpSale:
		return PathSales, nil
	case pos.OpProductUpdate:
		return PathInventoryUpdates, nil
	case pos.OpInventoryAdjust:
		return PathInventoryAdjustments, nil
	}
	return "", fmt.Errorf("no endpoint for operation %q", op)
}

// Sender delivers one queue item. Errors should be *pos.TransportError so the
// queue can tell permanent rejections from transient failures.
type Sender interface {
	Send(ctx context.Context, item *pos.QueueItem) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, item *pos.QueueItem) error

func (f SenderFunc) Send(ctx context.Context, item *pos.QueueItem) error { return f(ctx, item) }

// HTTPTransport posts queue items to the server and fetches the catalog.
type HTTPTransport struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns bearer token
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPTransport creates a transport for baseURL.
func NewHTTPTransport(baseURL string, token func(context.Context) (string, error), timeout time.Duration, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if t.Token != nil {
		token, err := t.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Send posts item.Payload to the operation's endpoint with an Idempotency-Key.
// Any 2xx answer counts as delivered.
func (t *HTTPTransport) Send(ctx context.Context, item *pos.QueueItem) error {
	terr := func(status int, err error) error {
		return &pos.TransportError{Operation: item.Operation, ItemID: item.ID, StatusCode: status, Err: err}
	}
	path, err := EndpointFor(item.Operation)
	if err != nil {
		return terr(http.StatusBadRequest, err)
	}

	req, err := t.newRequest(ctx, http.MethodPost, path, bytes.NewReader(item.Payload))
	if err != nil {
		return terr(0, err)
	}
	req.Header.Set(HeaderIdempotencyKey, item.IdempotencyKey())

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return terr(0, fmt.Errorf("failed to send HTTP request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return terr(resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	t.logger.Debug("queue item delivered", "id", item.ID, "operation", item.Operation, "status", resp.StatusCode)
	return nil
}

// FetchCatalog downloads the bulk products and customers payload.
func (t *HTTPTransport) FetchCatalog(ctx context.Context) (*pos.Catalog, error) {
	req, err := t.newRequest(ctx, http.MethodGet, PathCatalog, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, &pos.TransportError{Operation: "catalog", Err: fmt.Errorf("failed to send HTTP request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &pos.TransportError{Operation: "catalog", StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}
	var catalog pos.Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return &catalog, nil
}
