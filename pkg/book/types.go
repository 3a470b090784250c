package book

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("book: order not found or already terminal")
	ErrOverFill        = errors.New("book: fill exceeds remaining quantity")
	ErrDuplicateOrder  = errors.New("book: order id already present")
	ErrInvalidQuantity = errors.New("book: quantity must be positive")
	ErrInvalidOrder    = errors.New("book: invalid order")
	ErrUnavailable     = errors.New("book: store unavailable")
)

type Side int8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide accepts the FIX codes (1, 2) and the words buy/sell.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "buy":
		return Buy, nil
	case "2", "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("invalid side %q", s)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type Status int8

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Canceled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further updates may apply.
func (s Status) Terminal() bool { return s == Filled || s == Canceled }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = Open
	case "partially_filled":
		*s = PartiallyFilled
	case "filled":
		*s = Filled
	case "canceled":
		*s = Canceled
	default:
		return fmt.Errorf("invalid status %q", b)
	}
	return nil
}

// Order is the order record view. Price levels reference orders by ID only.
type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Remaining decimal.Decimal `json:"remainingQuantity"`
	Status    Status          `json:"status"`
	// CreatedAt is the acceptance time assigned by the store; it drives time priority.
	CreatedAt time.Time `json:"createdAt"`
}

func (o *Order) Filled() decimal.Decimal { return o.Quantity.Sub(o.Remaining) }

func (o *Order) validate() error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidOrder)
	case o.UserID == "":
		return fmt.Errorf("%w: empty user", ErrInvalidOrder)
	case o.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	case o.Side != Buy && o.Side != Sell:
		return fmt.Errorf("%w: side %d", ErrInvalidOrder, o.Side)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: price %s", ErrInvalidOrder, o.Price)
	case !o.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity %s", ErrInvalidOrder, o.Quantity)
	}
	return nil
}

// levelKey identifies a price level. Price is the canonical decimal string so
// 150, 150.0 and 150.00 share one level.
type levelKey struct {
	Symbol string
	Side   Side
	Price  string
}

func keyOf(symbol string, side Side, price decimal.Decimal) levelKey {
	return levelKey{Symbol: symbol, Side: side, Price: price.String()}
}

type bookKey struct {
	Symbol string
	Side   Side
}

// LevelStats is the aggregated view of one price level.
type LevelStats struct {
	TotalQuantity decimal.Decimal
	OrderCount    int
}

// Level is a read-only copy of one price level with its time-ordered queue.
type Level struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	TotalQuantity decimal.Decimal `json:"totalQuantity"`
	OrderCount    int             `json:"orderCount"`
	OrderIDs      []string        `json:"orderIds"`
}

// Update is one of Insert, Cancel or Fill.
type Update interface {
	op() string
}

type Insert struct {
	Order Order
}

type Cancel struct {
	OrderID string
}

type Fill struct {
	OrderID string
	Qty     decimal.Decimal
}

func (Insert) op() string { return "insert" }
func (Cancel) op() string { return "cancel" }
func (Fill) op() string   { return "fill" }

// OpName returns "insert", "cancel" or "fill".
func OpName(u Update) string { return u.op() }
