package book

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// BestPrice returns the highest bid or lowest ask for symbol.
func (s *Store) BestPrice(symbol string, side Side) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ladders[bookKey{Symbol: symbol, Side: side}]
	if !ok {
		return decimal.Decimal{}, false
	}
	return l.Min()
}

// LevelsFor returns every level on one side of a book, best price first.
func (s *Store) LevelsFor(symbol string, side Side) []Level {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ladders[bookKey{Symbol: symbol, Side: side}]
	if !ok {
		return nil
	}
	levels := make([]Level, 0, l.Len())
	l.Ascend(func(price decimal.Decimal) bool {
		levels = append(levels, s.level(keyOf(symbol, side, price), price))
		return true
	})
	return levels
}

// Level returns one price level, if it has resting orders.
func (s *Store) Level(symbol string, side Side, price decimal.Decimal) (Level, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k := keyOf(symbol, side, price)
	if _, ok := s.queues[k]; !ok {
		return Level{}, false
	}
	return s.level(k, price), true
}

func (s *Store) level(k levelKey, price decimal.Decimal) Level {
	lv := Level{
		Symbol:   k.Symbol,
		Side:     k.Side,
		Price:    price,
		OrderIDs: append([]string(nil), s.queues[k]...),
	}
	if st, ok := s.stats[k]; ok {
		lv.TotalQuantity = st.TotalQuantity
		lv.OrderCount = st.OrderCount
	}
	return lv
}

// OrdersFor returns the user's non-terminal orders by acceptance time.
func (s *Store) OrdersFor(userID string) []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.users[userID]
	out := make([]Order, 0, len(set))
	for id := range set {
		out = append(out, *s.orders[id])
	}
	sort.Slice(out, func(i, j int) bool { return s.queuedBefore(&out[i], &out[j]) })
	return out
}

// Order returns the record for id, including terminal ones.
func (s *Store) Order(id string) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Contains reports whether id was ever accepted.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.orders[id]
	return ok
}

// OpenOrders counts non-terminal orders.
func (s *Store) OpenOrders() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, set := range s.users {
		n += len(set)
	}
	return n
}

// Symbols lists every symbol with at least one resting order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for k := range s.queues {
		seen[k.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Verify checks that the views agree with each other: every open order sits in
// exactly one level and terminal orders in none, level aggregates match their
// members, the user index holds exactly the open orders, and each queue is in
// time priority.
func (s *Store) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	placed := make(map[string]levelKey, len(s.orders))
	for k, q := range s.queues {
		if len(q) == 0 {
			return fmt.Errorf("%w: empty level %v", ErrCorrupt, k)
		}
		total := decimal.Zero
		for i, id := range q {
			o, ok := s.orders[id]
			if !ok {
				return fmt.Errorf("%w: level %v references unknown order %s", ErrCorrupt, k, id)
			}
			if o.Status.Terminal() {
				return fmt.Errorf("%w: terminal order %s still queued", ErrCorrupt, id)
			}
			if keyOf(o.Symbol, o.Side, o.Price) != k {
				return fmt.Errorf("%w: order %s queued at wrong level %v", ErrCorrupt, id, k)
			}
			if prev, dup := placed[id]; dup {
				return fmt.Errorf("%w: order %s in levels %v and %v", ErrCorrupt, id, prev, k)
			}
			placed[id] = k
			if i > 0 && !s.queuedBefore(s.orders[q[i-1]], o) {
				return fmt.Errorf("%w: level %v out of time priority at %s", ErrCorrupt, k, id)
			}
			total = total.Add(o.Remaining)
		}
		st, ok := s.stats[k]
		if !ok {
			return fmt.Errorf("%w: level %v has no aggregates", ErrCorrupt, k)
		}
		if st.OrderCount != len(q) || !st.TotalQuantity.Equal(total) {
			return fmt.Errorf("%w: level %v aggregates %s/%d, members %s/%d",
				ErrCorrupt, k, st.TotalQuantity, st.OrderCount, total, len(q))
		}
	}
	if len(s.stats) != len(s.queues) {
		return fmt.Errorf("%w: %d aggregates for %d levels", ErrCorrupt, len(s.stats), len(s.queues))
	}

	indexed := 0
	for user, set := range s.users {
		for id := range set {
			o, ok := s.orders[id]
			if !ok || o.UserID != user || o.Status.Terminal() {
				return fmt.Errorf("%w: user %s indexes order %s", ErrCorrupt, user, id)
			}
			indexed++
		}
	}
	for id, o := range s.orders {
		_, queued := placed[id]
		if queued == o.Status.Terminal() {
			return fmt.Errorf("%w: order %s status %s queued=%t", ErrCorrupt, id, o.Status, queued)
		}
	}
	if indexed != len(placed) {
		return fmt.Errorf("%w: user index holds %d orders, levels hold %d", ErrCorrupt, indexed, len(placed))
	}

	levels := 0
	for bk, l := range s.ladders {
		if l.Len() == 0 {
			return fmt.Errorf("%w: empty ladder %v", ErrCorrupt, bk)
		}
		var bad error
		l.Ascend(func(price decimal.Decimal) bool {
			if _, ok := s.queues[keyOf(bk.Symbol, bk.Side, price)]; !ok {
				bad = fmt.Errorf("%w: ladder %v has empty price %s", ErrCorrupt, bk, price)
				return false
			}
			return true
		})
		if bad != nil {
			return bad
		}
		levels += l.Len()
	}
	if levels != len(s.queues) {
		return fmt.Errorf("%w: ladders hold %d prices for %d levels", ErrCorrupt, levels, len(s.queues))
	}
	return nil
}
