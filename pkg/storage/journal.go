package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/edniaj/centralised-exchange/pkg/book"
)

// PebbleJournal is the durable copy of the order record and user index views.
// It is written from inside book.Store.Apply, so it must not call back into
// the store.
type PebbleJournal struct {
	db *pebble.DB
}

func OpenPebbleJournal(path string) (*PebbleJournal, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
		BytesPerSync: 512 << 10,
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleJournal{db: db}, nil
}

func (j *PebbleJournal) Close() error { return j.db.Close() }

// Commit writes the order record and its user index marker atomically.
func (j *PebbleJournal) Commit(o book.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	b := j.db.NewBatch()
	defer b.Close()

	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}
	if o.Status.Terminal() {
		err = b.Delete(userOrderKey(o.UserID, o.ID), nil)
	} else {
		err = b.Set(userOrderKey(o.UserID, o.ID), nil, nil)
	}
	if err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit order %s: %w", o.ID, err)
	}
	return nil
}

// LoadOrders returns every journaled order in acceptance order.
func (j *PebbleJournal) LoadOrders() ([]book.Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []book.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o book.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", iter.Key(), err)
		}
		orders = append(orders, o)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortByAcceptance(orders)
	return orders, nil
}

// CheckUserIndex compares the usr: markers with the open orders among the
// journaled records, which is what the store rebuilds its user view from.
// A marker without an open order, or an open order without a marker, means
// the two keys of some batch diverged.
func (j *PebbleJournal) CheckUserIndex(orders []book.Order) error {
	want := make(map[string]bool)
	for _, o := range orders {
		if !o.Status.Terminal() {
			want[string(userOrderKey(o.UserID, o.ID))] = true
		}
	}

	prefix := []byte(prefixUser)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	var stale []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		if want[key] {
			delete(want, key)
			continue
		}
		stale = append(stale, key)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	missing := make([]string, 0, len(want))
	for key := range want {
		missing = append(missing, key)
	}
	sort.Strings(missing)
	if len(stale) > 0 || len(missing) > 0 {
		return fmt.Errorf("%w: user index has %d stale markers %v and misses %d open orders %v",
			book.ErrCorrupt, len(stale), stale, len(missing), missing)
	}
	return nil
}

// MemoryJournal keeps records in memory. Used when no data directory is
// configured and in tests.
type MemoryJournal struct {
	mu     sync.Mutex
	orders map[string]book.Order
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{orders: make(map[string]book.Order)}
}

func (j *MemoryJournal) Commit(o book.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders[o.ID] = o
	return nil
}

func (j *MemoryJournal) LoadOrders() ([]book.Order, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	orders := make([]book.Order, 0, len(j.orders))
	for _, o := range j.orders {
		orders = append(orders, o)
	}
	sortByAcceptance(orders)
	return orders, nil
}

func (j *MemoryJournal) Close() error { return nil }

func sortByAcceptance(orders []book.Order) {
	sort.Slice(orders, func(a, b int) bool {
		if !orders[a].CreatedAt.Equal(orders[b].CreatedAt) {
			return orders[a].CreatedAt.Before(orders[b].CreatedAt)
		}
		return orders[a].ID < orders[b].ID
	})
}

var (
	_ book.Journal = (*PebbleJournal)(nil)
	_ book.Journal = (*MemoryJournal)(nil)
)
