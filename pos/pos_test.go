package pos

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestStockErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("commit sale: %w", &StockError{ProductID: "p1", Available: 5, Requested: 6})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.NotErrorIs(t, err, ErrProductNotFound)

	var se *StockError
	require.True(t, errors.As(err, &se))
	require.Equal(t, int64(5), se.Available)
	require.Equal(t, int64(6), se.Requested)
}

func TestTransportErrorPermanent(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{0, false},
		{400, true},
		{401, false},
		{404, true},
		{409, false},
		{413, true},
		{422, true},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tc := range cases {
		e := &TransportError{Operation: OpSale, ItemID: "x", StatusCode: tc.status, Err: errors.New("boom")}
		require.Equal(t, tc.permanent, e.Permanent(), "status %d", tc.status)
		require.ErrorIs(t, e, ErrSyncTransport)
	}
}

func TestNewLineItemComputesTotal(t *testing.T) {
	p := &Product{ID: "p1", Name: "Bread", UnitPrice: decimal.RequireFromString("199.99")}
	li := NewLineItem(p, 3)
	require.True(t, li.LineTotal.Equal(decimal.RequireFromString("599.97")))
	require.Equal(t, "Bread", li.Name)
}

func TestProductValidate(t *testing.T) {
	require.NoError(t, (&Product{ID: "p1", UnitPrice: decimal.NewFromInt(10)}).Validate())
	require.Error(t, (&Product{}).Validate())
	require.Error(t, (&Product{ID: "p1", StockQuantity: -1}).Validate())
	require.Error(t, (&Product{ID: "p1", UnitPrice: decimal.NewFromInt(-1)}).Validate())
}

func TestIDGenerator(t *testing.T) {
	g, err := NewIDGenerator(7)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.SaleID()
		require.False(t, seen[id], "duplicate sale id %s", id)
		seen[id] = true

		qid := g.ItemID()
		require.False(t, seen[qid], "duplicate item id %s", qid)
		seen[qid] = true
	}

	_, err = NewIDGenerator(5000)
	require.Error(t, err)
}

func TestQueueItemIdempotencyKey(t *testing.T) {
	require.Equal(t, "sale-1", (&QueueItem{ID: "q1", RefID: "sale-1"}).IdempotencyKey())
	require.Equal(t, "q1", (&QueueItem{ID: "q1"}).IdempotencyKey())
}
