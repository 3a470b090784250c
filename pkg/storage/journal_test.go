package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edniaj/centralised-exchange/pkg/book"
	"github.com/edniaj/centralised-exchange/pkg/metrics"
	"github.com/edniaj/centralised-exchange/pkg/util"
)

func newOrder(id, user, price, qty string) book.Order {
	return book.Order{
		ID:       id,
		UserID:   user,
		Symbol:   "AAPL",
		Side:     book.Buy,
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

func TestPebbleJournalRestartRestoresBook(t *testing.T) {
	dir := t.TempDir()
	clock := util.NewManualClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))

	j, err := OpenPebbleJournal(dir)
	require.NoError(t, err)

	s := book.New(book.WithJournal(j), book.WithClock(clock))
	for _, o := range []book.Order{
		newOrder("a", "alice", "150.00", "100"),
		newOrder("b", "alice", "150.00", "20"),
		newOrder("c", "bob", "149", "5"),
	} {
		_, err := s.Apply(book.Insert{Order: o})
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	_, err = s.Apply(book.Fill{OrderID: "a", Qty: decimal.RequireFromString("30")})
	require.NoError(t, err)
	_, err = s.Apply(book.Cancel{OrderID: "b"})
	require.NoError(t, err)

	require.NoError(t, j.Close())

	j, err = OpenPebbleJournal(dir)
	require.NoError(t, err)
	defer j.Close()

	orders, err := j.LoadOrders()
	require.NoError(t, err)
	require.NoError(t, j.CheckUserIndex(orders))
	require.Len(t, orders, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{orders[0].ID, orders[1].ID, orders[2].ID})
	assert.Equal(t, book.PartiallyFilled, orders[0].Status)
	assert.True(t, orders[0].Remaining.Equal(decimal.RequireFromString("70")))
	assert.Equal(t, book.Canceled, orders[1].Status)

	restored := book.New()
	require.NoError(t, restored.Restore(orders))
	require.NoError(t, restored.Verify())

	lv, ok := restored.Level("AAPL", book.Buy, decimal.RequireFromString("150"))
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, lv.OrderIDs)
	assert.True(t, lv.TotalQuantity.Equal(decimal.RequireFromString("70")))
	assert.True(t, restored.Contains("b"))

	_, err = restored.Apply(book.Insert{Order: newOrder("b", "alice", "1", "1")})
	assert.ErrorIs(t, err, book.ErrDuplicateOrder)
}

func TestCheckUserIndex(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, j *PebbleJournal)
		wantKey string
	}{
		{"consistent", func(*testing.T, *PebbleJournal) {}, ""},
		{"stale marker", func(t *testing.T, j *PebbleJournal) {
			require.NoError(t, j.db.Set(userOrderKey("alice", "ghost"), nil, pebble.Sync))
		}, "usr:alice:ghost"},
		{"missing marker", func(t *testing.T, j *PebbleJournal) {
			require.NoError(t, j.db.Delete(userOrderKey("bob", "c"), pebble.Sync))
		}, "usr:bob:c"},
		{"marker left on canceled order", func(t *testing.T, j *PebbleJournal) {
			require.NoError(t, j.db.Set(userOrderKey("alice", "b"), nil, pebble.Sync))
		}, "usr:alice:b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := OpenPebbleJournal(t.TempDir())
			require.NoError(t, err)
			defer j.Close()

			s := book.New(book.WithJournal(j))
			for _, o := range []book.Order{
				newOrder("a", "alice", "150", "10"),
				newOrder("b", "alice", "151", "10"),
				newOrder("c", "bob", "149", "5"),
			} {
				_, err := s.Apply(book.Insert{Order: o})
				require.NoError(t, err)
			}
			_, err = s.Apply(book.Cancel{OrderID: "b"})
			require.NoError(t, err)

			tt.corrupt(t, j)
			orders, err := j.LoadOrders()
			require.NoError(t, err)

			err = j.CheckUserIndex(orders)
			if tt.wantKey == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, book.ErrCorrupt)
			assert.Contains(t, err.Error(), tt.wantKey)
		})
	}
}

func TestMemoryJournalOrdersByAcceptance(t *testing.T) {
	j := NewMemoryJournal()
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	late := newOrder("a", "u", "1", "1")
	late.CreatedAt = t0.Add(time.Second)
	early := newOrder("b", "u", "1", "1")
	early.CreatedAt = t0
	tie := newOrder("c", "u", "1", "1")
	tie.CreatedAt = t0

	for _, o := range []book.Order{late, tie, early} {
		require.NoError(t, j.Commit(o))
	}
	orders, err := j.LoadOrders()
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, "b", orders[0].ID)
	assert.Equal(t, "c", orders[1].ID)
	assert.Equal(t, "a", orders[2].ID)
}

func TestFileMessageLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.log")
	l, err := NewFileMessageLog(path, nil)
	require.NoError(t, err)

	l.Append("s1", "in", []byte("8=FIX.4.2\x019=5\x0135=0\x0110=161\x01"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.True(t, strings.HasSuffix(line, " s1 in 8=FIX.4.2|9=5|35=0|10=161|"), line)
}

func TestFileMessageLogCountsWriteErrors(t *testing.T) {
	l, err := NewFileMessageLog(filepath.Join(t.TempDir(), "messages.log"), nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	before := messageLogErrors(t)
	l.Append("s1", "in", []byte("8=FIX.4.2\x01"))
	l.Append("s1", "out", []byte("8=FIX.4.2\x01"))
	assert.Equal(t, before+2, messageLogErrors(t))
	assert.True(t, l.failing)
}

func messageLogErrors(t *testing.T) float64 {
	var m dto.Metric
	require.NoError(t, metrics.MessageLogErrors.Write(&m))
	return m.GetCounter().GetValue()
}
