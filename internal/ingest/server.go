// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/davitacols/supawave-sub002/internal/auth"
	"github.com/davitacols/supawave-sub002/pos"
	"github.com/davitacols/supawave-sub002/possync"
)

const defaultMaxBody = 1 << 20

// Response statuses for write endpoints.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
)

// Config configures a Server.
type Config struct {
	JWTSecret    string
	Ledger       Ledger       // defaults to a MemoryLedger
	Catalog      *pos.Catalog // initial catalog, may be nil
	MaxBodyBytes int64
	LogRequests  bool
	Logger       *slog.Logger
}

// Server serves the ingest endpoints.
type Server struct {
	ledger  Ledger
	catalog *catalogState
	jwt     *auth.JWTAuth
	maxBody int64
	logger  *slog.Logger
	handler http.Handler
}

// WriteResponse is the body of a successful write.
type WriteResponse struct {
	Status string `json:"status"`
	Key    string `json:"key"`
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewServer builds the handler tree.
func NewServer(cfg Config) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	s := &Server{
		ledger:  ledger,
		catalog: newCatalogState(cfg.Catalog),
		jwt:     auth.NewJWTAuth(cfg.JWTSecret),
		maxBody: maxBody,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+possync.PathHealth, s.handleHealth)
	mux.Handle("POST "+possync.PathSales, s.jwt.Middleware(http.HandlerFunc(s.handleSale)))
	mux.Handle("POST "+possync.PathInventoryUpdates, s.jwt.Middleware(http.HandlerFunc(s.handleInventoryUpdate)))
	mux.Handle("POST "+possync.PathInventoryAdjustments, s.jwt.Middleware(http.HandlerFunc(s.handleInventoryAdjustment)))
	mux.Handle("GET "+possync.PathCatalog, s.jwt.Middleware(http.HandlerFunc(s.handleCatalog)))
	s.handler = loggingMiddleware(cfg.LogRequests, mux, logger)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Auth returns the token issuer and validator.
func (s *Server) Auth() *auth.JWTAuth { return s.jwt }

// Ledger returns the idempotency ledger.
func (s *Server) Ledger() Ledger { return s.ledger }

// Catalog returns the current catalog snapshot.
func (s *Server) Catalog() *pos.Catalog { return s.catalog.snapshot() }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.catalog.snapshot())
}

func (s *Server) handleSale(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var sale pos.SaleRecord
	if err := json.Unmarshal(body, &sale); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse sale")
		return
	}
	if sale.ID == "" || len(sale.LineItems) == 0 {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_sale", "sale id and line items are required")
		return
	}
	key := r.Header.Get(possync.HeaderIdempotencyKey)
	if key == "" {
		key = sale.ID
	}
	if key != sale.ID {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Idempotency-Key does not match sale id")
		return
	}
	s.record(w, r, pos.OpSale, key, body, func() { s.catalog.applySale(&sale) })
}

func (s *Server) handleInventoryUpdate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var upd pos.InventoryUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse inventory update")
		return
	}
	if upd.ProductID == "" || upd.NewQuantity < 0 {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_update", "productId and a non-negative newQuantity are required")
		return
	}
	key := r.Header.Get(possync.HeaderIdempotencyKey)
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Idempotency-Key header is required")
		return
	}
	s.record(w, r, pos.OpProductUpdate, key, body, func() { s.catalog.setStock(upd.ProductID, upd.NewQuantity, upd.UpdatedAt) })
}

func (s *Server) handleInventoryAdjustment(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var adj pos.InventoryAdjustment
	if err := json.Unmarshal(body, &adj); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse inventory adjustment")
		return
	}
	if adj.ProductID == "" || adj.Delta == 0 {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_adjustment", "productId and a non-zero delta are required")
		return
	}
	key := r.Header.Get(possync.HeaderIdempotencyKey)
	if key == "" {
		key = adj.ID
	}
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Idempotency-Key header is required")
		return
	}
	s.record(w, r, pos.OpInventoryAdjust, key, body, func() { s.catalog.adjustStock(adj.ProductID, adj.Delta, adj.CreatedAt) })
}

// record stores the delivery and runs apply only for its first arrival.
func (s *Server) record(w http.ResponseWriter, r *http.Request, op pos.Operation, key string, body []byte, apply func()) {
	merchantID, _ := auth.GetMerchantID(r.Context())
	terminalID, _ := auth.GetTerminalID(r.Context())
	entry := &Entry{
		MerchantID: merchantID,
		Key:        key,
		Operation:  op,
		TerminalID: terminalID,
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}
	first, err := s.ledger.Record(r.Context(), entry)
	if err != nil {
		s.logger.Error("Failed to record delivery", "error", err, "operation", op, "key", key)
		s.writeError(w, http.StatusInternalServerError, "ingest_failed", "Failed to record delivery")
		return
	}
	if !first {
		s.logger.Debug("duplicate delivery", "operation", op, "key", key, "terminal_id", terminalID)
		s.writeJSON(w, http.StatusOK, WriteResponse{Status: StatusDuplicate, Key: key})
		return
	}
	apply()
	s.logger.Info("delivery accepted", "operation", op, "key", key, "terminal_id", terminalID)
	s.writeJSON(w, http.StatusCreated, WriteResponse{Status: StatusAccepted, Key: key})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read body")
		return nil, false
	}
	return body, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})

	s.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(enable bool, next http.Handler, logger *slog.Logger) http.Handler {
	if !enable {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("HTTP Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"idempotency_key", r.Header.Get(possync.HeaderIdempotencyKey),
			"duration", time.Since(start))
	})
}
