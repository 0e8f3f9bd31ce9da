// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package peripheral holds the capability interfaces for barcode input and
// receipt output, with implementations for line-oriented scanners (keyboard
// wedge, serial) and plain writer or device-file printers.
package peripheral

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ErrScannerBusy is returned by Start while a scan is already running.
var ErrScannerBusy = errors.New("scanner already started")

// Scanner produces decoded barcodes as a stream. The channel returned by
// Start is closed by Stop, by ctx cancellation or when the source ends.
// Scanning can be started again after it stops.
type Scanner interface {
	Start(ctx context.Context) (<-chan string, error)
	Stop() error
	Status() ScannerStatus
}

// ScannerStatus describes a scanner.
type ScannerStatus struct {
	Active  bool   `json:"active"`
	Source  string `json:"source"`
	Scanned int    `json:"scanned"`
	EOF     bool   `json:"eof"`
}

// LineScanner treats every non-empty line read from r as one barcode.
// A single reader goroutine owns r for the scanner's lifetime and blocks while
// no scan is active, so input is held until the next Start.
type LineScanner struct {
	source string
	r      io.Reader
	logger *slog.Logger

	readOnce sync.Once
	lines    chan string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	scanned int
	eof     bool
}

// NewLineScanner creates a scanner over r. source names it in status output.
func NewLineScanner(source string, r io.Reader, logger *slog.Logger) *LineScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineScanner{source: source, r: r, logger: logger, lines: make(chan string)}
}

func (s *LineScanner) readLoop() {
	defer close(s.lines)
	sc := bufio.NewScanner(s.r)
	for sc.Scan() {
		code := strings.TrimSpace(sc.Text())
		if code == "" {
			continue
		}
		s.lines <- code
	}
	if err := sc.Err(); err != nil {
		s.logger.Error("scanner read failed", "source", s.source, "error", err)
	}
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
}

// Start begins delivering barcodes.
func (s *LineScanner) Start(ctx context.Context) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, ErrScannerBusy
	}
	s.readOnce.Do(func() { go s.readLoop() })

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan string, 16)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case code, ok := <-s.lines:
				if !ok {
					return
				}
				s.mu.Lock()
				s.scanned++
				s.mu.Unlock()
				select {
				case out <- code:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	s.logger.Debug("scanning started", "source", s.source)
	return out, nil
}

// Stop ends the current scan and waits for its channel to close.
func (s *LineScanner) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Debug("scanning stopped", "source", s.source)
	return nil
}

// Status reports whether a scan is active and how many codes were read.
func (s *LineScanner) Status() ScannerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ScannerStatus{Active: s.cancel != nil, Source: s.source, Scanned: s.scanned, EOF: s.eof}
}
