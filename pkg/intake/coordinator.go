// Package intake turns accepted session requests into index store updates.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edniaj/centralised-exchange/pkg/book"
	"github.com/edniaj/centralised-exchange/pkg/metrics"
	"github.com/edniaj/centralised-exchange/pkg/util"
)

type Code int

const (
	DuplicateOrderID Code = iota + 1
	InvalidField
	StoreUnavailable
	UnknownOrder
	OverFill
)

func (c Code) String() string {
	switch c {
	case DuplicateOrderID:
		return "duplicate_order_id"
	case InvalidField:
		return "invalid_field"
	case StoreUnavailable:
		return "store_unavailable"
	case UnknownOrder:
		return "unknown_order"
	case OverFill:
		return "over_fill"
	default:
		return "unknown"
	}
}

// Reject is returned for every refused request. Field names the offending
// request field for InvalidField.
type Reject struct {
	Code  Code
	Field string
	Err   error
}

func (r *Reject) Error() string {
	msg := r.Code.String()
	if r.Field != "" {
		msg += "(" + r.Field + ")"
	}
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	return msg
}

func (r *Reject) Unwrap() error { return r.Err }

func reject(code Code, field string, err error) *Reject {
	return &Reject{Code: code, Field: field, Err: err}
}

// NewOrderRequest carries the raw New Order Single fields of an authenticated user.
type NewOrderRequest struct {
	ClOrdID     string
	UserID      string
	Symbol      string
	Side        string
	OrdType     string
	Price       string
	Quantity    string
	TimeInForce string
}

type CancelRequest struct {
	OrigClOrdID string
	ClOrdID     string
	UserID      string
}

type EventType string

const (
	EventAccepted        EventType = "accepted"
	EventCanceled        EventType = "canceled"
	EventPartiallyFilled EventType = "partially_filled"
	EventFilled          EventType = "filled"
)

// Event describes one committed update. FillQty is set for fills only.
type Event struct {
	Type    EventType       `json:"type"`
	Order   book.Order      `json:"order"`
	FillQty decimal.Decimal `json:"fillQty"`
	At      time.Time       `json:"at"`
}

// Listener is called synchronously after each committed update and must not block.
type Listener interface {
	OnOrderEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnOrderEvent(e Event) { f(e) }

type Coordinator struct {
	store *book.Store
	log   *zap.SugaredLogger
	clock util.Clock

	mu        sync.RWMutex
	listeners []Listener
}

func New(store *book.Store, log *zap.SugaredLogger, listeners ...Listener) *Coordinator {
	return &Coordinator{
		store:     store,
		log:       util.OrNop(log),
		clock:     util.RealClock{},
		listeners: listeners,
	}
}

func (c *Coordinator) Subscribe(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Submit validates a new order and inserts it into every view in one store
// update. The order id is the client's ClOrdID and must be unique across all
// sessions; a repeated id is rejected and never applied twice.
func (c *Coordinator) Submit(ctx context.Context, req NewOrderRequest) (book.Order, error) {
	o, err := c.validate(ctx, req)
	if err != nil {
		c.rejected(req.ClOrdID, err)
		return book.Order{}, err
	}

	accepted, err := c.apply(book.Insert{Order: o})
	if err != nil {
		switch {
		case errors.Is(err, book.ErrDuplicateOrder):
			err = reject(DuplicateOrderID, "", err)
		case errors.Is(err, book.ErrInvalidOrder):
			err = reject(InvalidField, "", err)
		default:
			err = reject(StoreUnavailable, "", err)
		}
		c.rejected(req.ClOrdID, err)
		return book.Order{}, err
	}

	metrics.OrdersAccepted.WithLabelValues(accepted.Side.String()).Inc()
	c.log.Infow("order_accepted",
		"order_id", accepted.ID,
		"user", accepted.UserID,
		"symbol", accepted.Symbol,
		"side", accepted.Side.String(),
		"price", accepted.Price.String(),
		"qty", accepted.Quantity.String(),
	)
	c.notify(Event{Type: EventAccepted, Order: accepted})
	return accepted, nil
}

func (c *Coordinator) validate(ctx context.Context, req NewOrderRequest) (book.Order, error) {
	if err := ctx.Err(); err != nil {
		return book.Order{}, reject(StoreUnavailable, "", err)
	}
	if strings.TrimSpace(req.ClOrdID) == "" {
		return book.Order{}, reject(InvalidField, "ClOrdID", nil)
	}
	if strings.TrimSpace(req.Symbol) == "" {
		return book.Order{}, reject(InvalidField, "Symbol", nil)
	}
	side, err := book.ParseSide(req.Side)
	if err != nil {
		return book.Order{}, reject(InvalidField, "Side", err)
	}
	switch strings.ToLower(req.OrdType) {
	case "", "2", "limit":
	default:
		return book.Order{}, reject(InvalidField, "OrdType", fmt.Errorf("only limit orders rest in the book"))
	}
	switch req.TimeInForce {
	case "", "0", "1":
	default:
		return book.Order{}, reject(InvalidField, "TimeInForce", fmt.Errorf("unsupported time in force %q", req.TimeInForce))
	}
	price, err := positive(req.Price)
	if err != nil {
		return book.Order{}, reject(InvalidField, "Price", err)
	}
	qty, err := positive(req.Quantity)
	if err != nil {
		return book.Order{}, reject(InvalidField, "OrderQty", err)
	}
	if c.store.Contains(req.ClOrdID) {
		return book.Order{}, reject(DuplicateOrderID, "", nil)
	}
	return book.Order{
		ID:       req.ClOrdID,
		UserID:   req.UserID,
		Symbol:   req.Symbol,
		Side:     side,
		Price:    price,
		Quantity: qty,
	}, nil
}

func positive(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, errors.New("missing")
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !v.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s is not positive", s)
	}
	return v, nil
}

// Cancel removes one of the user's own open orders from the book. Resting
// orders are never canceled implicitly.
func (c *Coordinator) Cancel(ctx context.Context, req CancelRequest) (book.Order, error) {
	if err := ctx.Err(); err != nil {
		return book.Order{}, reject(StoreUnavailable, "", err)
	}
	if cur, ok := c.store.Order(req.OrigClOrdID); !ok || cur.UserID != req.UserID {
		err := reject(UnknownOrder, "OrigClOrdID", nil)
		c.rejected(req.OrigClOrdID, err)
		return book.Order{}, err
	}

	canceled, err := c.apply(book.Cancel{OrderID: req.OrigClOrdID})
	if err != nil {
		if errors.Is(err, book.ErrNotFound) {
			err = reject(UnknownOrder, "OrigClOrdID", err)
		} else {
			err = reject(StoreUnavailable, "", err)
		}
		c.rejected(req.OrigClOrdID, err)
		return book.Order{}, err
	}

	c.log.Infow("order_canceled", "order_id", canceled.ID, "user", canceled.UserID, "cl_ord_id", req.ClOrdID)
	c.notify(Event{Type: EventCanceled, Order: canceled})
	return canceled, nil
}

// Fill records an execution reported by the matching component.
func (c *Coordinator) Fill(ctx context.Context, orderID string, qty decimal.Decimal) (book.Order, error) {
	if err := ctx.Err(); err != nil {
		return book.Order{}, reject(StoreUnavailable, "", err)
	}
	filled, err := c.apply(book.Fill{OrderID: orderID, Qty: qty})
	if err != nil {
		switch {
		case errors.Is(err, book.ErrNotFound):
			err = reject(UnknownOrder, "OrderID", err)
		case errors.Is(err, book.ErrOverFill):
			err = reject(OverFill, "Quantity", err)
		case errors.Is(err, book.ErrInvalidQuantity):
			err = reject(InvalidField, "Quantity", err)
		default:
			err = reject(StoreUnavailable, "", err)
		}
		c.rejected(orderID, err)
		return book.Order{}, err
	}

	typ := EventPartiallyFilled
	if filled.Status == book.Filled {
		typ = EventFilled
	}
	c.log.Infow("order_filled", "order_id", filled.ID, "qty", qty.String(), "remaining", filled.Remaining.String())
	c.notify(Event{Type: typ, Order: filled, FillQty: qty})
	return filled, nil
}

func (c *Coordinator) apply(u book.Update) (book.Order, error) {
	op := book.OpName(u)
	start := time.Now()
	o, err := c.store.Apply(u)
	metrics.StoreApplySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StoreApplies.WithLabelValues(op, result).Inc()
	return o, err
}

func (c *Coordinator) rejected(orderID string, err error) {
	code := "error"
	var r *Reject
	if errors.As(err, &r) {
		code = r.Code.String()
	}
	metrics.OrdersRejected.WithLabelValues(code).Inc()
	c.log.Warnw("order_rejected", "order_id", orderID, "code", code, "err", err)
}

func (c *Coordinator) notify(e Event) {
	e.At = c.clock.Now().UTC()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, l := range c.listeners {
		l.OnOrderEvent(e)
	}
}
