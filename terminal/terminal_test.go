package terminal

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/davitacols/supawave-sub002/internal/config"
	"github.com/davitacols/supawave-sub002/peripheral"
	"github.com/davitacols/supawave-sub002/pos"
	"github.com/davitacols/supawave-sub002/possync"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type countingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *countingSender) Send(_ context.Context, item *pos.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, item.IdempotencyKey())
	return nil
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type brokenPrinter struct{ peripheral.WriterPrinter }

func (*brokenPrinter) Print(context.Context, string) (peripheral.Ack, error) {
	return peripheral.Ack{}, errors.New("paper jam")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Terminal.DataDir = t.TempDir()
	cfg.Terminal.Location = "UTC"
	cfg.Sync.DrainSchedule = ""
	cfg.Sync.CatalogSchedule = ""
	return cfg
}

func openTerminal(t *testing.T, opts Options) (*Terminal, *countingSender) {
	t.Helper()
	sender := &countingSender{}
	if opts.Sender == nil {
		opts.Sender = sender
	}
	term, err := Open(testConfig(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = term.Close() })
	require.NoError(t, term.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, term.Store().PutProduct(ctx, &pos.Product{
		ID: "P1", Name: "Bread", Barcode: "111", UnitPrice: decimal.NewFromInt(250), StockQuantity: 10,
	}))
	require.NoError(t, term.Store().PutProduct(ctx, &pos.Product{
		ID: "P2", Name: "Milk", Barcode: "222", UnitPrice: decimal.NewFromInt(200), StockQuantity: 3,
	}))
	return term, sender
}

func TestCheckoutPrintsAndSyncs(t *testing.T) {
	ctx := context.Background()
	out := &syncBuffer{}
	printer := peripheral.NewWriterPrinter("test", out)
	term, sender := openTerminal(t, Options{Printer: printer})

	for _, code := range []string{"111", "111", "222"} {
		_, err := term.Scan(ctx, code)
		require.NoError(t, err)
	}
	totals := term.Session().Totals()
	require.True(t, totals.Total.Equal(decimal.NewFromInt(735)))

	sale, err := term.Checkout(ctx, pos.PaymentCard, "")
	require.NoError(t, err)
	require.Nil(t, term.Session())

	require.Eventually(t, func() bool { return printer.Status().Printed == 1 }, 2*time.Second, 10*time.Millisecond)
	receipt := out.String()
	require.Contains(t, receipt, "735.00")
	require.Contains(t, receipt, "Receipt #: "+sale.ID)

	p, err := term.Store().GetProduct(ctx, "P2")
	require.NoError(t, err)
	require.EqualValues(t, 2, p.StockQuantity)

	st, err := term.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.ProductsLoaded)
	require.Equal(t, 1, st.Sync.Pending)
	require.Empty(t, st.Cart)
	require.Equal(t, 1, st.Printer.Printed)

	term.Engine().SetOnline(true)
	require.Eventually(t, func() bool {
		st, err := term.Engine().Status(ctx)
		return err == nil && st.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, sender.count())
}

func TestOneSaleAtATime(t *testing.T) {
	term, _ := openTerminal(t, Options{Printer: peripheral.NewWriterPrinter("test", &syncBuffer{})})

	_, err := term.NewSession()
	require.NoError(t, err)
	_, err = term.NewSession()
	require.ErrorIs(t, err, ErrSaleInProgress)

	require.NoError(t, term.CancelSale())
	_, err = term.NewSession()
	require.NoError(t, err)
}

func TestCheckoutWithoutSale(t *testing.T) {
	term, _ := openTerminal(t, Options{Printer: peripheral.NewWriterPrinter("test", &syncBuffer{})})
	_, err := term.Checkout(context.Background(), "", "")
	require.ErrorIs(t, err, pos.ErrEmptyCart)

	_, err = term.NewSession()
	require.NoError(t, err)
	_, err = term.Checkout(context.Background(), "", "")
	require.ErrorIs(t, err, pos.ErrEmptyCart)
	require.NotNil(t, term.Session(), "empty cart keeps the sale open")
}

func TestPrintFailureKeepsSale(t *testing.T) {
	ctx := context.Background()
	term, _ := openTerminal(t, Options{Printer: &brokenPrinter{}})

	_, err := term.Scan(ctx, "111")
	require.NoError(t, err)
	sale, err := term.Checkout(ctx, "", "")
	require.NoError(t, err)

	got, err := term.Store().GetSale(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, pos.PaymentCash, got.PaymentMethod)
}

func TestTodaysSummaryAndCustomers(t *testing.T) {
	ctx := context.Background()
	term, _ := openTerminal(t, Options{Printer: peripheral.NewWriterPrinter("test", &syncBuffer{})})

	c, err := term.AddCustomer(ctx, "+2348000000001", "Ada")
	require.NoError(t, err)
	found, err := term.CustomerByPhone(ctx, "+2348000000001")
	require.NoError(t, err)
	require.Equal(t, c.ID, found.ID)

	_, err = term.Scan(ctx, "111")
	require.NoError(t, err)
	_, err = term.Checkout(ctx, "", c.ID)
	require.NoError(t, err)

	_, err = term.Scan(ctx, "222")
	require.NoError(t, err)
	_, err = term.Checkout(ctx, "", "")
	require.NoError(t, err)

	sum, err := term.TodaysSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Count)
	require.EqualValues(t, 2, sum.Items)
	require.True(t, sum.Revenue.Equal(decimal.RequireFromString("472.50")), sum.Revenue.String())
	require.True(t, sum.Average.Equal(decimal.RequireFromString("236.25")), sum.Average.String())
	require.Equal(t, 2, sum.Unsynced)
	require.NotNil(t, sum.LastSale)

	yesterday, err := term.summaryFor(ctx, time.Now().UTC().AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Zero(t, yesterday.Count)

	found, err = term.CustomerByPhone(ctx, "+2348000000001")
	require.NoError(t, err)
	require.EqualValues(t, 1, found.TotalOrders)
	require.True(t, found.TotalSpent.Equal(decimal.RequireFromString("262.50")))
}

func TestReprint(t *testing.T) {
	ctx := context.Background()
	out := &syncBuffer{}
	printer := peripheral.NewWriterPrinter("test", out)
	term, _ := openTerminal(t, Options{Printer: printer})

	_, err := term.Scan(ctx, "222")
	require.NoError(t, err)
	sale, err := term.Checkout(ctx, "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return printer.Status().Printed == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = term.Reprint(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(out.String(), "Receipt #: "+sale.ID))

	_, err = term.Reprint(ctx, "missing")
	require.ErrorIs(t, err, pos.ErrNotFound)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Terminal.Backend = "csv"
	_, err := Open(cfg, Options{Sender: possync.SenderFunc(func(context.Context, *pos.QueueItem) error { return nil })})
	require.Error(t, err)
}
