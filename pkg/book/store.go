package book

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edniaj/centralised-exchange/pkg/util"
)

// ErrCorrupt is returned by Verify when the views disagree.
var ErrCorrupt = errors.New("book: views inconsistent")

// Journal receives the post-update order record inside the transaction. A
// commit error aborts the update and rolls back every view.
type Journal interface {
	Commit(o Order) error
}

type Option func(*Store)

func WithClock(c util.Clock) Option { return func(s *Store) { s.clock = c } }

func WithJournal(j Journal) Option { return func(s *Store) { s.journal = j } }

func WithLogger(l *zap.SugaredLogger) Option { return func(s *Store) { s.log = util.OrNop(l) } }

// Store keeps four views of resting orders: the per-level queues, the order
// records, the per-level aggregates and the per-user index. A btree ladder of
// prices per (symbol, side) is derived from the queues for best-price reads.
//
// A single RWMutex guards all views. Apply holds the write lock for the whole
// update, so readers only ever see states where every view agrees.
type Store struct {
	mu sync.RWMutex

	queues  map[levelKey][]string
	stats   map[levelKey]*LevelStats
	orders  map[string]*Order
	users   map[string]map[string]struct{}
	ladders map[bookKey]*btree.BTreeG[decimal.Decimal]

	lastAccepted time.Time
	closed       bool

	clock   util.Clock
	journal Journal
	log     *zap.SugaredLogger

	// faultAt, when set, is consulted before each view mutation.
	faultAt func(step string) error
}

func New(opts ...Option) *Store {
	s := &Store{
		queues:  make(map[levelKey][]string),
		stats:   make(map[levelKey]*LevelStats),
		orders:  make(map[string]*Order),
		users:   make(map[string]map[string]struct{}),
		ladders: make(map[bookKey]*btree.BTreeG[decimal.Decimal]),
		clock:   util.RealClock{},
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply runs one update atomically across all views and returns the resulting
// order record. On error no view is changed.
func (s *Store) Apply(u Update) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Order{}, ErrUnavailable
	}

	if u == nil {
		return Order{}, fmt.Errorf("book: nil update")
	}

	tx := &txn{s: s}
	var (
		rec *Order
		err error
	)
	switch u := u.(type) {
	case Insert:
		rec, err = tx.insert(u.Order)
	case Cancel:
		rec, err = tx.cancel(u.OrderID)
	case Fill:
		rec, err = tx.fill(u.OrderID, u.Qty)
	default:
		err = fmt.Errorf("book: unsupported update %T", u)
	}
	if err == nil && s.journal != nil {
		if err = s.step("journal"); err == nil {
			err = s.journal.Commit(*rec)
		}
		if err != nil {
			err = fmt.Errorf("%w: journal commit: %v", ErrUnavailable, err)
		}
	}
	if err != nil {
		tx.rollback()
		s.log.Debugw("apply_rolled_back", "op", u.op(), "undo_steps", len(tx.undo), "err", err)
		return Order{}, err
	}
	return *rec, nil
}

// Restore loads previously journaled orders. Non-terminal orders are placed
// back into their levels with their original acceptance time; terminal ones
// are kept as records only so their ids stay taken.
func (s *Store) Restore(orders []Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{s: s}
	for _, o := range orders {
		if err := tx.restore(o); err != nil {
			tx.rollback()
			return fmt.Errorf("restore order %s: %w", o.ID, err)
		}
	}
	return nil
}

// Close makes every later Apply fail with ErrUnavailable. Reads keep working.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Store) step(name string) error {
	if s.faultAt == nil {
		return nil
	}
	return s.faultAt(name)
}

// txn collects inverse operations so a failed update can be undone.
type txn struct {
	s    *Store
	undo []func()
}

func (t *txn) record(f func()) { t.undo = append(t.undo, f) }

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *txn) insert(o Order) (*Order, error) {
	s := t.s
	if err := o.validate(); err != nil {
		return nil, err
	}
	if _, ok := s.orders[o.ID]; ok {
		return nil, ErrDuplicateOrder
	}

	o.Remaining = o.Quantity
	o.Status = Open
	o.CreatedAt = t.acceptanceTime()

	rec := &o
	if err := t.addToLevel(rec); err != nil {
		return nil, err
	}
	if err := t.putOrder(rec); err != nil {
		return nil, err
	}
	if err := t.addToUser(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// acceptanceTime is strictly increasing, even if the clock stalls or steps
// back, so a new order always lands at the tail of its level.
func (t *txn) acceptanceTime() time.Time {
	s := t.s
	now := s.clock.Now().UTC()
	if !now.After(s.lastAccepted) {
		now = s.lastAccepted.Add(time.Nanosecond)
	}
	prev := s.lastAccepted
	s.lastAccepted = now
	t.record(func() { s.lastAccepted = prev })
	return now
}

func (t *txn) cancel(id string) (*Order, error) {
	s := t.s
	rec, ok := s.orders[id]
	if !ok || rec.Status.Terminal() {
		return nil, ErrNotFound
	}
	if err := t.removeFromLevel(rec, rec.Remaining); err != nil {
		return nil, err
	}
	if err := t.setOrder(rec, rec.Remaining, Canceled); err != nil {
		return nil, err
	}
	if err := t.removeFromUser(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *txn) fill(id string, qty decimal.Decimal) (*Order, error) {
	s := t.s
	rec, ok := s.orders[id]
	if !ok || rec.Status.Terminal() {
		return nil, ErrNotFound
	}
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if qty.GreaterThan(rec.Remaining) {
		return nil, ErrOverFill
	}

	remaining := rec.Remaining.Sub(qty)
	if remaining.IsZero() {
		if err := t.removeFromLevel(rec, qty); err != nil {
			return nil, err
		}
		if err := t.setOrder(rec, remaining, Filled); err != nil {
			return nil, err
		}
		if err := t.removeFromUser(rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	if err := t.adjustStats(keyOf(rec.Symbol, rec.Side, rec.Price), qty.Neg(), 0); err != nil {
		return nil, err
	}
	if err := t.setOrder(rec, remaining, PartiallyFilled); err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *txn) restore(o Order) error {
	s := t.s
	if err := o.validate(); err != nil {
		return err
	}
	if _, ok := s.orders[o.ID]; ok {
		return ErrDuplicateOrder
	}
	if o.Remaining.IsNegative() || o.Remaining.GreaterThan(o.Quantity) {
		return fmt.Errorf("%w: remaining %s of %s", ErrInvalidOrder, o.Remaining, o.Quantity)
	}

	rec := &o
	if o.CreatedAt.After(s.lastAccepted) {
		prev := s.lastAccepted
		s.lastAccepted = o.CreatedAt
		t.record(func() { s.lastAccepted = prev })
	}
	if !rec.Status.Terminal() {
		if !rec.Remaining.IsPositive() {
			return fmt.Errorf("%w: open order with nothing remaining", ErrInvalidOrder)
		}
		if err := t.addToLevel(rec); err != nil {
			return err
		}
		if err := t.addToUser(rec); err != nil {
			return err
		}
	}
	return t.putOrder(rec)
}

// addToLevel places the id by (CreatedAt, ID). New orders carry the latest
// acceptance time, so in practice this is an append at the tail.
func (t *txn) addToLevel(o *Order) error {
	s := t.s
	if err := s.step("queue"); err != nil {
		return err
	}
	k := keyOf(o.Symbol, o.Side, o.Price)
	prev := s.queues[k]
	if len(prev) == 0 {
		t.addToLadder(o)
	}

	pos := sort.Search(len(prev), func(i int) bool {
		return s.queuedBefore(o, s.orders[prev[i]])
	})
	next := make([]string, 0, len(prev)+1)
	next = append(next, prev[:pos]...)
	next = append(next, o.ID)
	next = append(next, prev[pos:]...)
	s.queues[k] = next
	t.record(func() { t.restoreQueue(k, prev) })

	return t.adjustStats(k, o.Remaining, 1)
}

// queuedBefore reports whether a sorts ahead of b within one level.
func (s *Store) queuedBefore(a, b *Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (t *txn) removeFromLevel(o *Order, qty decimal.Decimal) error {
	s := t.s
	if err := s.step("queue"); err != nil {
		return err
	}
	k := keyOf(o.Symbol, o.Side, o.Price)
	prev := s.queues[k]
	next := make([]string, 0, len(prev))
	for _, id := range prev {
		if id != o.ID {
			next = append(next, id)
		}
	}
	if len(next) == len(prev) {
		return fmt.Errorf("%w: order %s missing from level %s", ErrCorrupt, o.ID, k.Price)
	}
	if len(next) == 0 {
		delete(s.queues, k)
		t.removeFromLadder(o)
	} else {
		s.queues[k] = next
	}
	t.record(func() { t.restoreQueue(k, prev) })

	return t.adjustStats(k, qty.Neg(), -1)
}

func (t *txn) restoreQueue(k levelKey, q []string) {
	if len(q) == 0 {
		delete(t.s.queues, k)
		return
	}
	t.s.queues[k] = q
}

func (t *txn) adjustStats(k levelKey, qty decimal.Decimal, count int) error {
	s := t.s
	if err := s.step("stats"); err != nil {
		return err
	}
	st, ok := s.stats[k]
	if !ok {
		st = &LevelStats{}
		s.stats[k] = st
	}
	prev := *st
	st.TotalQuantity = st.TotalQuantity.Add(qty)
	st.OrderCount += count
	if st.OrderCount == 0 {
		delete(s.stats, k)
	}
	t.record(func() {
		if !ok {
			delete(s.stats, k)
			return
		}
		*st = prev
		s.stats[k] = st
	})
	return nil
}

// ladder returns the price ladder for the order's book, creating it if needed.
// A ladder only exists while it holds at least one price.
func (t *txn) ladder(o *Order) *btree.BTreeG[decimal.Decimal] {
	s := t.s
	bk := bookKey{Symbol: o.Symbol, Side: o.Side}
	l, ok := s.ladders[bk]
	if !ok {
		l = newLadder(o.Side)
		s.ladders[bk] = l
		t.record(func() { delete(s.ladders, bk) })
	}
	return l
}

func (t *txn) addToLadder(o *Order) {
	l := t.ladder(o)
	if _, replaced := l.ReplaceOrInsert(o.Price); !replaced {
		price := o.Price
		t.record(func() { l.Delete(price) })
	}
}

func (t *txn) removeFromLadder(o *Order) {
	s := t.s
	bk := bookKey{Symbol: o.Symbol, Side: o.Side}
	l, ok := s.ladders[bk]
	if !ok {
		return
	}
	if old, found := l.Delete(o.Price); found {
		t.record(func() { l.ReplaceOrInsert(old) })
	}
	if l.Len() == 0 {
		delete(s.ladders, bk)
		t.record(func() { s.ladders[bk] = l })
	}
}

// newLadder orders prices best first: descending for bids, ascending for asks.
func newLadder(side Side) *btree.BTreeG[decimal.Decimal] {
	if side == Buy {
		return btree.NewG[decimal.Decimal](16, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
	}
	return btree.NewG[decimal.Decimal](16, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
}

func (t *txn) putOrder(o *Order) error {
	s := t.s
	if err := s.step("order"); err != nil {
		return err
	}
	s.orders[o.ID] = o
	t.record(func() { delete(s.orders, o.ID) })
	return nil
}

func (t *txn) setOrder(o *Order, remaining decimal.Decimal, status Status) error {
	if err := t.s.step("order"); err != nil {
		return err
	}
	prev := *o
	o.Remaining = remaining
	o.Status = status
	t.record(func() { *o = prev })
	return nil
}

func (t *txn) addToUser(o *Order) error {
	s := t.s
	if err := s.step("user"); err != nil {
		return err
	}
	set, ok := s.users[o.UserID]
	if !ok {
		set = make(map[string]struct{})
		s.users[o.UserID] = set
	}
	set[o.ID] = struct{}{}
	t.record(func() {
		delete(set, o.ID)
		if len(set) == 0 {
			delete(s.users, o.UserID)
		}
	})
	return nil
}

func (t *txn) removeFromUser(o *Order) error {
	s := t.s
	if err := s.step("user"); err != nil {
		return err
	}
	set := s.users[o.UserID]
	if _, ok := set[o.ID]; !ok {
		return fmt.Errorf("%w: order %s missing from user %s", ErrCorrupt, o.ID, o.UserID)
	}
	delete(set, o.ID)
	if len(set) == 0 {
		delete(s.users, o.UserID)
	}
	t.record(func() {
		set[o.ID] = struct{}{}
		s.users[o.UserID] = set
	})
	return nil
}
