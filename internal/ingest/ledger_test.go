package ingest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davitacols/supawave-sub002/pos"
)

func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()
	out := map[string]Ledger{"memory": NewMemoryLedger()}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		ctx := context.Background()
		l, err := NewPostgresLedger(ctx, url, nil)
		require.NoError(t, err)
		_, err = l.pool.Exec(ctx, `DELETE FROM pos_ingest`)
		require.NoError(t, err)
		t.Cleanup(l.Close)
		out["postgres"] = l
	}
	return out
}

func TestLedgerRecordsOnce(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := &Entry{MerchantID: "m1", Key: "s-1", Operation: pos.OpSale, TerminalID: "t1", Payload: []byte(`{"id":"s-1"}`), ReceivedAt: time.Now().UTC()}

			first, err := l.Record(ctx, e)
			require.NoError(t, err)
			require.True(t, first)

			first, err = l.Record(ctx, e)
			require.NoError(t, err)
			require.False(t, first)

			// keys are scoped per merchant
			other := *e
			other.MerchantID = "m2"
			first, err = l.Record(ctx, &other)
			require.NoError(t, err)
			require.True(t, first)

			n, err := l.Count(ctx, pos.OpSale)
			require.NoError(t, err)
			require.Equal(t, 2, n)
		})
	}
}

func TestLedgerConcurrentDuplicates(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var accepted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					first, err := l.Record(ctx, &Entry{
						MerchantID: "m1", Key: "adj-1", Operation: pos.OpInventoryAdjust,
						TerminalID: fmt.Sprintf("t%d", i), Payload: []byte(`{}`), ReceivedAt: time.Now().UTC(),
					})
					assert.NoError(t, err)
					if first {
						accepted.Add(1)
					}
				}(i)
			}
			wg.Wait()
			require.EqualValues(t, 1, accepted.Load())
		})
	}
}
