// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cast"

	"github.com/davitacols/supawave-sub002/pos"
	"github.com/davitacols/supawave-sub002/terminal"
)

const helpText = `Commands:
  <barcode>                       add one unit to the sale
  qty <productId> <n>             set a line's quantity (0 removes it)
  rm <productId>                  remove a line
  pay [cash|card|transfer] [cust] commit the sale and print the receipt
  cancel                          abort the sale
  cart                            show the sale
  customer <phone> <name>         add a customer
  stock <productId> <qty>         set stock level
  adjust <productId> <delta> [why] adjust stock
  sync                            drain the sync queue now
  requeue                         retry parked queue items
  refresh [force]                 reload the catalog from the server
  reprint <saleId>                print a stored receipt again
  printtest                       print a test page
  status | today | help | quit`

// console turns input lines into terminal operations.
type console struct {
	term *terminal.Terminal
	out  io.Writer
}

func newConsole(term *terminal.Terminal, out io.Writer) *console {
	return &console{term: term, out: out}
}

// handle runs one input line and reports whether the user asked to quit.
func (c *console) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(c.out, helpText)
	case "qty":
		err = c.setQuantity(ctx, args)
	case "rm":
		err = c.remove(args)
	case "pay":
		err = c.pay(ctx, args)
	case "cancel":
		err = c.term.CancelSale()
		if err == nil {
			fmt.Fprintln(c.out, "sale cancelled")
		}
	case "cart":
		c.printCart()
	case "customer":
		err = c.addCustomer(ctx, args)
	case "stock":
		err = c.setStock(ctx, args)
	case "adjust":
		err = c.adjust(ctx, args)
	case "sync":
		var res any
		res, err = c.term.Engine().SyncNow(ctx)
		if err == nil {
			c.printJSON(res)
		}
	case "requeue":
		var n int
		if n, err = c.term.Engine().Queue().RequeueParked(ctx); err == nil {
			fmt.Fprintf(c.out, "%d parked items requeued\n", n)
		}
	case "refresh":
		force := len(args) > 0 && args[0] == "force"
		var res any
		res, err = c.term.Engine().RefreshCatalog(ctx, force)
		if errors.Is(err, pos.ErrPendingChanges) {
			fmt.Fprintln(c.out, "unsynced sales pending; use 'refresh force' to override")
		}
		if err == nil {
			c.printJSON(res)
		}
	case "reprint":
		if len(args) != 1 {
			err = fmt.Errorf("usage: reprint <saleId>")
			break
		}
		_, err = c.term.Reprint(ctx, args[0])
	case "printtest":
		err = c.term.Printer().Test(ctx)
	case "status":
		var st any
		st, err = c.term.Status(ctx)
		if err == nil {
			c.printJSON(st)
		}
	case "today":
		var sum any
		sum, err = c.term.TodaysSummary(ctx)
		if err == nil {
			c.printJSON(sum)
		}
	default:
		err = c.scan(ctx, fields[0])
	}
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return false
}

func (c *console) scan(ctx context.Context, barcode string) error {
	li, err := c.term.Scan(ctx, barcode)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "+ %s x%d %s\n", li.Name, li.Quantity, li.LineTotal.StringFixed(pos.MoneyPlaces))
	c.printTotals()
	return nil
}

func (c *console) setQuantity(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: qty <productId> <n>")
	}
	qty, err := cast.ToInt64E(args[1])
	if err != nil {
		return fmt.Errorf("quantity %q: %w", args[1], pos.ErrInvalidQuantity)
	}
	s := c.term.Session()
	if s == nil {
		return pos.ErrEmptyCart
	}
	if err := s.SetQuantity(ctx, args[0], qty); err != nil {
		return err
	}
	c.printTotals()
	return nil
}

func (c *console) remove(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rm <productId>")
	}
	s := c.term.Session()
	if s == nil {
		return pos.ErrEmptyCart
	}
	if err := s.RemoveItem(args[0]); err != nil {
		return err
	}
	c.printTotals()
	return nil
}

func (c *console) pay(ctx context.Context, args []string) error {
	var method, customer string
	if len(args) > 0 {
		method = args[0]
	}
	if len(args) > 1 {
		customer = args[1]
	}
	sale, err := c.term.Checkout(ctx, method, customer)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "sale %s committed, total %s\n", sale.ID, sale.Total.StringFixed(pos.MoneyPlaces))
	return nil
}

func (c *console) addCustomer(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: customer <phone> <name>")
	}
	cu, err := c.term.AddCustomer(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "customer %s added\n", cu.ID)
	return nil
}

func (c *console) setStock(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: stock <productId> <qty>")
	}
	qty, err := cast.ToInt64E(args[1])
	if err != nil {
		return fmt.Errorf("quantity %q: %w", args[1], pos.ErrInvalidQuantity)
	}
	if err := c.term.Engine().UpdateStock(ctx, args[0], qty); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s stock set to %d\n", args[0], qty)
	return nil
}

func (c *console) adjust(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: adjust <productId> <delta> [reason]")
	}
	delta, err := cast.ToInt64E(args[1])
	if err != nil {
		return fmt.Errorf("delta %q: %w", args[1], pos.ErrInvalidQuantity)
	}
	level, err := c.term.Engine().AdjustInventory(ctx, args[0], delta, strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s stock now %d\n", args[0], level)
	return nil
}

func (c *console) printCart() {
	s := c.term.Session()
	if s == nil {
		fmt.Fprintln(c.out, "no open sale")
		return
	}
	for _, li := range s.Lines() {
		fmt.Fprintf(c.out, "  %-10s %-16s x%-3d %s\n", li.ProductID, li.Name, li.Quantity, li.LineTotal.StringFixed(pos.MoneyPlaces))
	}
	c.printTotals()
}

func (c *console) printTotals() {
	s := c.term.Session()
	if s == nil {
		return
	}
	t := s.Totals()
	fmt.Fprintf(c.out, "  subtotal %s  tax %s  total %s\n",
		t.Subtotal.StringFixed(pos.MoneyPlaces), t.Tax.StringFixed(pos.MoneyPlaces), t.Total.StringFixed(pos.MoneyPlaces))
}

func (c *console) printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, string(data))
}
