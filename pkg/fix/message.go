package fix

import (
	"fmt"
	"strconv"
	"time"
)

// FieldError names the tag that failed validation.
type FieldError struct {
	Tag int
	Err error
}

func (e *FieldError) Error() string { return fmt.Sprintf("%v: tag %d", e.Err, e.Tag) }
func (e *FieldError) Unwrap() error { return e.Err }

func missing(tag int) error { return &FieldError{Tag: tag, Err: ErrMissingField} }
func invalid(tag int) error { return &FieldError{Tag: tag, Err: ErrMalformed} }

type Header struct {
	BeginString  string
	MsgType      string
	SenderCompID string
	TargetCompID string
	MsgSeqNum    int
	SendingTime  time.Time
	PossDupFlag  bool
}

// Body is one of the message variants defined in this package.
type Body interface {
	MsgType() string
	appendTo(Message) Message
}

type Logon struct {
	EncryptMethod int
	HeartBtInt    int // seconds
	Username      string
	Password      string
}

type Logout struct {
	Text string
}

type Heartbeat struct {
	TestReqID string
}

type TestRequest struct {
	TestReqID string
}

type ResendRequest struct {
	BeginSeqNo int
	EndSeqNo   int // 0 means infinity
}

// Reject is the session-level reject (35=3).
type Reject struct {
	RefSeqNum  int
	RefMsgType string
	Reason     int
	Text       string
}

// NewOrderSingle keeps business fields as received; the intake coordinator
// validates them so every rejection can be correlated to ClOrdID.
type NewOrderSingle struct {
	ClOrdID     string
	Symbol      string
	Side        string
	OrdType     string
	Price       string
	OrderQty    string
	TimeInForce string
}

type OrderCancelRequest struct {
	OrigClOrdID string
	ClOrdID     string
	Symbol      string
	Side        string
}

type ExecutionReport struct {
	OrderID      string
	ClOrdID      string
	OrigClOrdID  string
	ExecID       string
	ExecType     string
	OrdStatus    string
	Symbol       string
	Side         string
	Price        string
	OrderQty     string
	LeavesQty    string
	CumQty       string
	OrdRejReason string
	Text         string
}

type OrderCancelReject struct {
	OrderID          string
	ClOrdID          string
	OrigClOrdID      string
	OrdStatus        string
	CxlRejResponseTo string
	CxlRejReason     string
	Text             string
}

func (*Logon) MsgType() string              { return MsgTypeLogon }
func (*Logout) MsgType() string             { return MsgTypeLogout }
func (*Heartbeat) MsgType() string          { return MsgTypeHeartbeat }
func (*TestRequest) MsgType() string        { return MsgTypeTestRequest }
func (*ResendRequest) MsgType() string      { return MsgTypeResendRequest }
func (*Reject) MsgType() string             { return MsgTypeReject }
func (*NewOrderSingle) MsgType() string     { return MsgTypeNewOrderSingle }
func (*OrderCancelRequest) MsgType() string { return MsgTypeOrderCancelRequest }
func (*ExecutionReport) MsgType() string    { return MsgTypeExecutionReport }
func (*OrderCancelReject) MsgType() string  { return MsgTypeOrderCancelReject }

func add(m Message, tag int, v string) Message {
	if v == "" {
		return m
	}
	return append(m, Field{Tag: tag, Value: v})
}

func (b *Logon) appendTo(m Message) Message {
	m = append(m, Field{TagEncryptMethod, strconv.Itoa(b.EncryptMethod)})
	m = append(m, Field{TagHeartBtInt, strconv.Itoa(b.HeartBtInt)})
	m = add(m, TagUsername, b.Username)
	return add(m, TagPassword, b.Password)
}

func (b *Logout) appendTo(m Message) Message    { return add(m, TagText, b.Text) }
func (b *Heartbeat) appendTo(m Message) Message { return add(m, TagTestReqID, b.TestReqID) }
func (b *TestRequest) appendTo(m Message) Message {
	return add(m, TagTestReqID, b.TestReqID)
}

func (b *ResendRequest) appendTo(m Message) Message {
	m = append(m, Field{TagBeginSeqNo, strconv.Itoa(b.BeginSeqNo)})
	return append(m, Field{TagEndSeqNo, strconv.Itoa(b.EndSeqNo)})
}

func (b *Reject) appendTo(m Message) Message {
	m = append(m, Field{TagRefSeqNum, strconv.Itoa(b.RefSeqNum)})
	m = add(m, TagRefMsgType, b.RefMsgType)
	if b.Reason != 0 {
		m = append(m, Field{TagSessionRejectCode, strconv.Itoa(b.Reason)})
	}
	return add(m, TagText, b.Text)
}

func (b *NewOrderSingle) appendTo(m Message) Message {
	m = add(m, TagClOrdID, b.ClOrdID)
	m = add(m, TagSymbol, b.Symbol)
	m = add(m, TagSide, b.Side)
	m = add(m, TagOrdType, b.OrdType)
	m = add(m, TagPrice, b.Price)
	m = add(m, TagOrderQty, b.OrderQty)
	return add(m, TagTimeInForce, b.TimeInForce)
}

func (b *OrderCancelRequest) appendTo(m Message) Message {
	m = add(m, TagOrigClOrdID, b.OrigClOrdID)
	m = add(m, TagClOrdID, b.ClOrdID)
	m = add(m, TagSymbol, b.Symbol)
	return add(m, TagSide, b.Side)
}

func (b *ExecutionReport) appendTo(m Message) Message {
	m = add(m, TagOrderID, b.OrderID)
	m = add(m, TagClOrdID, b.ClOrdID)
	m = add(m, TagOrigClOrdID, b.OrigClOrdID)
	m = add(m, TagExecID, b.ExecID)
	m = add(m, TagExecType, b.ExecType)
	m = add(m, TagOrdStatus, b.OrdStatus)
	m = add(m, TagSymbol, b.Symbol)
	m = add(m, TagSide, b.Side)
	m = add(m, TagPrice, b.Price)
	m = add(m, TagOrderQty, b.OrderQty)
	m = add(m, TagLeavesQty, b.LeavesQty)
	m = add(m, TagCumQty, b.CumQty)
	m = add(m, TagOrdRejReason, b.OrdRejReason)
	return add(m, TagText, b.Text)
}

func (b *OrderCancelReject) appendTo(m Message) Message {
	m = add(m, TagOrderID, b.OrderID)
	m = add(m, TagClOrdID, b.ClOrdID)
	m = add(m, TagOrigClOrdID, b.OrigClOrdID)
	m = add(m, TagOrdStatus, b.OrdStatus)
	m = add(m, TagCxlRejResponseTo, b.CxlRejResponseTo)
	m = add(m, TagCxlRejReason, b.CxlRejReason)
	return add(m, TagText, b.Text)
}

// Build lays out the standard header followed by the body fields.
func Build(h Header, b Body) Message {
	m := Message{
		{TagBeginString, h.BeginString},
		{TagMsgType, b.MsgType()},
		{TagSenderCompID, h.SenderCompID},
		{TagTargetCompID, h.TargetCompID},
		{TagMsgSeqNum, strconv.Itoa(h.MsgSeqNum)},
		{TagSendingTime, h.SendingTime.UTC().Format(SendingTimeLayout)},
	}
	if h.PossDupFlag {
		m = append(m, Field{TagPossDupFlag, "Y"})
	}
	return b.appendTo(m)
}

// ParseHeader validates the standard header. It is separate from Parse so a
// session can sequence-check a message whose body is unusable.
func ParseHeader(m Message) (Header, error) {
	var h Header
	var err error
	if h.BeginString, err = required(m, TagBeginString); err != nil {
		return h, err
	}
	if h.MsgType, err = required(m, TagMsgType); err != nil {
		return h, err
	}
	if h.SenderCompID, err = required(m, TagSenderCompID); err != nil {
		return h, err
	}
	if h.TargetCompID, err = required(m, TagTargetCompID); err != nil {
		return h, err
	}
	if h.MsgSeqNum, err = requiredInt(m, TagMsgSeqNum); err != nil {
		return h, err
	}
	if h.MsgSeqNum <= 0 {
		return h, invalid(TagMsgSeqNum)
	}
	raw, err := required(m, TagSendingTime)
	if err != nil {
		return h, err
	}
	if h.SendingTime, err = ParseSendingTime(raw); err != nil {
		return h, invalid(TagSendingTime)
	}
	if v, ok := m.Get(TagPossDupFlag); ok {
		h.PossDupFlag = v == "Y"
	}
	return h, nil
}

// Parse converts a decoded message into its typed variant, enforcing the
// tags each variant requires.
func Parse(m Message) (Header, Body, error) {
	h, err := ParseHeader(m)
	if err != nil {
		return h, nil, err
	}

	var b Body
	switch h.MsgType {
	case MsgTypeLogon:
		b, err = parseLogon(m)
	case MsgTypeLogout:
		b = &Logout{Text: opt(m, TagText)}
	case MsgTypeHeartbeat:
		b = &Heartbeat{TestReqID: opt(m, TagTestReqID)}
	case MsgTypeTestRequest:
		var id string
		if id, err = required(m, TagTestReqID); err == nil {
			b = &TestRequest{TestReqID: id}
		}
	case MsgTypeResendRequest:
		b, err = parseResendRequest(m)
	case MsgTypeReject:
		b, err = parseReject(m)
	case MsgTypeNewOrderSingle:
		b, err = parseNewOrderSingle(m)
	case MsgTypeOrderCancelRequest:
		b, err = parseOrderCancelRequest(m)
	case MsgTypeExecutionReport:
		b, err = parseExecutionReport(m)
	case MsgTypeOrderCancelReject:
		b, err = parseOrderCancelReject(m)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedMsgType, h.MsgType)
	}
	return h, b, err
}

func parseLogon(m Message) (*Logon, error) {
	encrypt, err := requiredInt(m, TagEncryptMethod)
	if err != nil {
		return nil, err
	}
	hb, err := requiredInt(m, TagHeartBtInt)
	if err != nil {
		return nil, err
	}
	if hb < 0 {
		return nil, invalid(TagHeartBtInt)
	}
	return &Logon{
		EncryptMethod: encrypt,
		HeartBtInt:    hb,
		Username:      opt(m, TagUsername),
		Password:      opt(m, TagPassword),
	}, nil
}

func parseResendRequest(m Message) (*ResendRequest, error) {
	begin, err := requiredInt(m, TagBeginSeqNo)
	if err != nil {
		return nil, err
	}
	end, err := requiredInt(m, TagEndSeqNo)
	if err != nil {
		return nil, err
	}
	return &ResendRequest{BeginSeqNo: begin, EndSeqNo: end}, nil
}

func parseReject(m Message) (*Reject, error) {
	ref, err := requiredInt(m, TagRefSeqNum)
	if err != nil {
		return nil, err
	}
	r := &Reject{RefSeqNum: ref, RefMsgType: opt(m, TagRefMsgType), Text: opt(m, TagText)}
	if v, ok := m.Get(TagSessionRejectCode); ok {
		if r.Reason, err = strconv.Atoi(v); err != nil {
			return nil, invalid(TagSessionRejectCode)
		}
	}
	return r, nil
}

func parseNewOrderSingle(m Message) (*NewOrderSingle, error) {
	id, err := required(m, TagClOrdID)
	if err != nil {
		return nil, err
	}
	return &NewOrderSingle{
		ClOrdID:     id,
		Symbol:      opt(m, TagSymbol),
		Side:        opt(m, TagSide),
		OrdType:     opt(m, TagOrdType),
		Price:       opt(m, TagPrice),
		OrderQty:    opt(m, TagOrderQty),
		TimeInForce: opt(m, TagTimeInForce),
	}, nil
}

func parseOrderCancelRequest(m Message) (*OrderCancelRequest, error) {
	orig, err := required(m, TagOrigClOrdID)
	if err != nil {
		return nil, err
	}
	id, err := required(m, TagClOrdID)
	if err != nil {
		return nil, err
	}
	return &OrderCancelRequest{
		OrigClOrdID: orig,
		ClOrdID:     id,
		Symbol:      opt(m, TagSymbol),
		Side:        opt(m, TagSide),
	}, nil
}

func parseExecutionReport(m Message) (*ExecutionReport, error) {
	r := &ExecutionReport{}
	for _, req := range []struct {
		tag int
		dst *string
	}{
		{TagOrderID, &r.OrderID},
		{TagClOrdID, &r.ClOrdID},
		{TagExecID, &r.ExecID},
		{TagExecType, &r.ExecType},
		{TagOrdStatus, &r.OrdStatus},
	} {
		v, err := required(m, req.tag)
		if err != nil {
			return nil, err
		}
		*req.dst = v
	}
	r.OrigClOrdID = opt(m, TagOrigClOrdID)
	r.Symbol = opt(m, TagSymbol)
	r.Side = opt(m, TagSide)
	r.Price = opt(m, TagPrice)
	r.OrderQty = opt(m, TagOrderQty)
	r.LeavesQty = opt(m, TagLeavesQty)
	r.CumQty = opt(m, TagCumQty)
	r.OrdRejReason = opt(m, TagOrdRejReason)
	r.Text = opt(m, TagText)
	return r, nil
}

func parseOrderCancelReject(m Message) (*OrderCancelReject, error) {
	r := &OrderCancelReject{}
	for _, req := range []struct {
		tag int
		dst *string
	}{
		{TagOrderID, &r.OrderID},
		{TagClOrdID, &r.ClOrdID},
		{TagOrigClOrdID, &r.OrigClOrdID},
		{TagOrdStatus, &r.OrdStatus},
		{TagCxlRejResponseTo, &r.CxlRejResponseTo},
	} {
		v, err := required(m, req.tag)
		if err != nil {
			return nil, err
		}
		*req.dst = v
	}
	r.CxlRejReason = opt(m, TagCxlRejReason)
	r.Text = opt(m, TagText)
	return r, nil
}

func required(m Message, tag int) (string, error) {
	v, ok := m.Get(tag)
	if !ok || v == "" {
		return "", missing(tag)
	}
	return v, nil
}

func requiredInt(m Message, tag int) (int, error) {
	v, err := required(m, tag)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalid(tag)
	}
	return n, nil
}

func opt(m Message, tag int) string {
	v, _ := m.Get(tag)
	return v
}

// ParseSendingTime accepts YYYYMMDD-HH:MM:SS with optional milliseconds.
func ParseSendingTime(s string) (time.Time, error) {
	if t, err := time.Parse(SendingTimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse("20060102-15:04:05", s)
}
