// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package checkout

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davitacols/supawave-sub002/pos"
)

const receiptWidth = 32

// Business is the shop information printed on receipts.
type Business struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Phone    string `yaml:"phone"`
	Cashier  string `yaml:"cashier"`
	Currency string `yaml:"currency"` // symbol, e.g. ₦
}

// FormatReceipt renders a committed sale for a 32 column receipt printer.
func FormatReceipt(sale *pos.SaleRecord, biz Business, taxRate decimal.Decimal, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	rule := strings.Repeat("=", receiptWidth)
	dash := strings.Repeat("-", receiptWidth)
	money := func(d decimal.Decimal) string { return biz.Currency + d.StringFixed(pos.MoneyPlaces) }

	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("%s", rule)
	line("%s", center(biz.Name))
	if biz.Address != "" {
		line("%s", center(biz.Address))
	}
	if biz.Phone != "" {
		line("%s", center("Tel: "+biz.Phone))
	}
	line("%s", rule)
	line("%s", sale.Timestamp.In(loc).Format("2006-01-02 15:04:05"))
	line("")

	line("%-16s %3s %11s", "ITEM", "QTY", "PRICE")
	line("%s", dash)
	for _, li := range sale.LineItems {
		line("%-16s %3d %11s", truncate(li.Name, 16), li.Quantity, money(li.UnitPrice))
	}
	line("%s", dash)
	line("%-16s %15s", "SUBTOTAL:", money(sale.Subtotal))
	line("%-16s %15s", fmt.Sprintf("TAX (%s%%):", taxRate.Shift(2).String()), money(sale.Tax))
	line("%-16s %15s", "TOTAL:", money(sale.Total))
	line("%-16s %15s", "PAYMENT:", sale.PaymentMethod)
	line("%s", rule)

	line("Thank you for shopping with us!")
	line("Please keep this receipt")
	line("")
	line("Receipt #: %s", sale.ID)
	cashier := biz.Cashier
	if cashier == "" {
		cashier = "POS"
	}
	line("Cashier: %s", cashier)
	line("%s", rule)
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func center(s string) string {
	s = truncate(s, receiptWidth)
	pad := (receiptWidth - len([]rune(s))) / 2
	return strings.Repeat(" ", pad) + s
}
