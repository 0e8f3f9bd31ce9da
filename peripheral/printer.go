// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package peripheral

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/davitacols/supawave-sub002/pos"
)

// Ack confirms a printed receipt.
type Ack struct {
	Device string    `json:"device"`
	Bytes  int       `json:"bytes"`
	At     time.Time `json:"at"`
}

// PrinterStatus describes a receipt printer.
type PrinterStatus struct {
	Device    string     `json:"device"`
	Connected bool       `json:"connected"`
	Printed   int        `json:"printed"`
	LastError string     `json:"lastError,omitempty"`
	LastPrint *time.Time `json:"lastPrint,omitempty"`
}

// Printer outputs formatted receipts. Errors wrap pos.ErrPrint.
type Printer interface {
	Print(ctx context.Context, receipt string) (Ack, error)
	Test(ctx context.Context) error
	Status() PrinterStatus
}

const testPage = "PRINTER TEST\n" + "0123456789 ABCDEFGHIJ\n"

// escposCut is the ESC/POS "feed and partial cut" command.
const escposCut = "\n\n\n\x1dV\x01"

type printerState struct {
	mu     sync.Mutex
	status PrinterStatus
}

func (p *printerState) record(n int, err error) (Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	if err != nil {
		p.status.Connected = false
		p.status.LastError = err.Error()
		return Ack{}, fmt.Errorf("%w: %s: %v", pos.ErrPrint, p.status.Device, err)
	}
	p.status.Connected = true
	p.status.LastError = ""
	p.status.Printed++
	p.status.LastPrint = &now
	return Ack{Device: p.status.Device, Bytes: n, At: now}, nil
}

func (p *printerState) snapshot() PrinterStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// WriterPrinter prints to an io.Writer such as stdout.
type WriterPrinter struct {
	printerState
	w io.Writer
}

// NewWriterPrinter creates a printer over w.
func NewWriterPrinter(name string, w io.Writer) *WriterPrinter {
	p := &WriterPrinter{w: w}
	p.status = PrinterStatus{Device: name, Connected: true}
	return p
}

func (p *WriterPrinter) Print(ctx context.Context, receipt string) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return p.record(0, err)
	}
	if !strings.HasSuffix(receipt, "\n") {
		receipt += "\n"
	}
	n, err := io.WriteString(p.w, receipt)
	return p.record(n, err)
}

func (p *WriterPrinter) Test(ctx context.Context) error {
	_, err := p.Print(ctx, testPage)
	return err
}

func (p *WriterPrinter) Status() PrinterStatus { return p.snapshot() }

// DevicePrinter writes raw text to a device file (for example /dev/usb/lp0),
// opening it per receipt so an unplugged printer recovers on the next print.
type DevicePrinter struct {
	printerState
	path string
	cut  bool
}

// NewDevicePrinter creates a printer for the device at path. cut appends an
// ESC/POS paper cut after every receipt.
func NewDevicePrinter(path string, cut bool) *DevicePrinter {
	p := &DevicePrinter{path: path, cut: cut}
	p.status = PrinterStatus{Device: path}
	return p
}

func (p *DevicePrinter) Print(ctx context.Context, receipt string) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return p.record(0, err)
	}
	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return p.record(0, err)
	}
	data := receipt
	if p.cut {
		data += escposCut
	}
	n, err := f.WriteString(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return p.record(n, err)
}

// Test prints a short test page and updates Connected.
func (p *DevicePrinter) Test(ctx context.Context) error {
	_, err := p.Print(ctx, testPage)
	return err
}

func (p *DevicePrinter) Status() PrinterStatus { return p.snapshot() }
