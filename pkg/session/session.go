// Package session implements the per-connection FIX session: logon handshake,
// sequence checking, heartbeats and dispatch of order messages.
//
// A Session performs no I/O. The gateway feeds it inbound frames and clock
// ticks and writes out whatever frames it returns.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edniaj/centralised-exchange/pkg/auth"
	"github.com/edniaj/centralised-exchange/pkg/book"
	"github.com/edniaj/centralised-exchange/pkg/fix"
	"github.com/edniaj/centralised-exchange/pkg/intake"
	"github.com/edniaj/centralised-exchange/pkg/metrics"
	"github.com/edniaj/centralised-exchange/pkg/util"
)

type State int

const (
	AwaitingLogon State = iota
	LoggedIn
	LoggedOut
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingLogon:
		return "awaiting_logon"
	case LoggedIn:
		return "logged_in"
	case LoggedOut:
		return "logged_out"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the connection must be closed.
func (s State) Terminal() bool { return s == LoggedOut || s == Closed }

type CloseReason string

const (
	ReasonProtocolError    CloseReason = "protocol_error"
	ReasonSequenceGap      CloseReason = "sequence_gap"
	ReasonAuthFailed       CloseReason = "auth_failed"
	ReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	ReasonLogonTimeout     CloseReason = "logon_timeout"
	ReasonLogout           CloseReason = "logout"
)

// Result is what the gateway must do after one input: write Out in order,
// then close the connection if Close is set.
type Result struct {
	Out    [][]byte
	Close  bool
	Reason CloseReason
}

type Config struct {
	BeginString  string
	SenderCompID string
	// HeartbeatInterval is used when the client's Logon proposes none.
	HeartbeatInterval time.Duration
	LogonTimeout      time.Duration
}

// OrderHandler accepts order requests from logged-on users.
type OrderHandler interface {
	Submit(ctx context.Context, req intake.NewOrderRequest) (book.Order, error)
	Cancel(ctx context.Context, req intake.CancelRequest) (book.Order, error)
}

type Deps struct {
	ID     string
	Auth   auth.Authenticator
	Orders OrderHandler
	Clock  util.Clock
	Log    *zap.SugaredLogger
}

type Session struct {
	id     string
	cfg    Config
	auth   auth.Authenticator
	orders OrderHandler
	clock  util.Clock
	log    *zap.SugaredLogger

	state  State
	reason CloseReason

	nextOut  int
	nextIn   int
	interval time.Duration

	openedAt     time.Time
	lastSent     time.Time
	lastReceived time.Time

	principal    auth.Principal
	clientCompID string
}

func New(cfg Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}
	if deps.ID == "" {
		deps.ID = uuid.NewString()
	}
	now := deps.Clock.Now()
	return &Session{
		id:           deps.ID,
		cfg:          cfg,
		auth:         deps.Auth,
		orders:       deps.Orders,
		clock:        deps.Clock,
		log:          util.OrNop(deps.Log).With("session", deps.ID),
		state:        AwaitingLogon,
		nextOut:      1,
		openedAt:     now,
		lastSent:     now,
		lastReceived: now,
	}
}

func (s *Session) ID() string                       { return s.id }
func (s *Session) State() State                     { return s.state }
func (s *Session) CloseReason() CloseReason         { return s.reason }
func (s *Session) NextOutgoingSeq() int             { return s.nextOut }
func (s *Session) NextExpectedIncomingSeq() int     { return s.nextIn }
func (s *Session) HeartbeatInterval() time.Duration { return s.interval }
func (s *Session) UserID() string                   { return s.principal.UserID }

// Receive handles one raw inbound frame.
func (s *Session) Receive(ctx context.Context, raw []byte) Result {
	if s.state.Terminal() {
		return Result{Close: true, Reason: s.reason}
	}
	msg, err := fix.Decode(raw)
	if err != nil {
		target := s.clientCompID
		if s.state == AwaitingLogon {
			target = senderOf(raw)
		}
		return s.protocolFailure(err, target)
	}
	s.lastReceived = s.clock.Now()
	metrics.MessagesReceived.WithLabelValues(msgTypeLabel(msg.MsgType())).Inc()

	h, err := fix.ParseHeader(msg)
	if err != nil {
		target := s.clientCompID
		if s.state == AwaitingLogon {
			target = compIDOf(msg)
		}
		var r Result
		s.logout(&r, fmt.Sprintf("invalid header: %v", err), target)
		return s.close(r, ReasonProtocolError, err)
	}
	if s.state == AwaitingLogon {
		return s.onAwaitingLogon(ctx, h, msg)
	}
	return s.onLoggedIn(ctx, h, msg)
}

// DecodeFailed handles a frame the framer could not split out of the stream.
// Protocol errors are fatal to the session; the peer is told why with a
// Logout before the connection closes, even before logon.
func (s *Session) DecodeFailed(err error) Result {
	return s.protocolFailure(err, s.clientCompID)
}

func (s *Session) protocolFailure(err error, target string) Result {
	metrics.DecodeErrors.WithLabelValues(decodeKind(err)).Inc()
	if s.state.Terminal() {
		return Result{Close: true, Reason: s.reason}
	}
	var r Result
	s.logout(&r, fmt.Sprintf("protocol error: %v", err), target)
	return s.close(r, ReasonProtocolError, err)
}

// msgTypeLabel bounds the msg_type metric label to the types the gateway
// knows; anything a client makes up is counted as "other".
func msgTypeLabel(t string) string {
	switch t {
	case fix.MsgTypeHeartbeat, fix.MsgTypeTestRequest, fix.MsgTypeResendRequest,
		fix.MsgTypeReject, fix.MsgTypeLogout, fix.MsgTypeExecutionReport,
		fix.MsgTypeOrderCancelReject, fix.MsgTypeLogon, fix.MsgTypeNewOrderSingle,
		fix.MsgTypeOrderCancelRequest:
		return t
	default:
		return "other"
	}
}

func decodeKind(err error) string {
	switch {
	case errors.Is(err, fix.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, fix.ErrLengthMismatch):
		return "body_length"
	case errors.Is(err, fix.ErrMalformed):
		return "malformed"
	default:
		return "other"
	}
}

// Tick drives the timers: logon deadline, outbound heartbeat, and the inbound
// silence limit of twice the heartbeat interval.
func (s *Session) Tick(now time.Time) Result {
	var r Result
	switch s.state {
	case AwaitingLogon:
		if s.cfg.LogonTimeout > 0 && now.Sub(s.openedAt) >= s.cfg.LogonTimeout {
			return s.close(r, ReasonLogonTimeout, nil)
		}
	case LoggedIn:
		if now.Sub(s.lastReceived) >= 2*s.interval {
			s.logout(&r, "heartbeat timeout", s.clientCompID)
			return s.close(r, ReasonHeartbeatTimeout, nil)
		}
		if now.Sub(s.lastSent) >= s.interval {
			s.send(&r, &fix.Heartbeat{})
		}
	}
	return r
}

// Logout ends the session from the server side. Only a logged-on session gets
// a Logout message; otherwise the connection is just closed.
func (s *Session) Logout(text string) Result {
	var r Result
	switch s.state {
	case LoggedIn:
		s.send(&r, &fix.Logout{Text: text})
		s.state = LoggedOut
		s.reason = ReasonLogout
		r.Close, r.Reason = true, ReasonLogout
		s.log.Infow("session_logout", "user", s.principal.UserID, "text", text, "initiator", "server")
		return r
	case AwaitingLogon:
		return s.close(r, ReasonLogout, nil)
	default:
		return Result{Close: true, Reason: s.reason}
	}
}

func (s *Session) onAwaitingLogon(ctx context.Context, h fix.Header, msg fix.Message) Result {
	var r Result
	reply := h.SenderCompID

	_, body, err := fix.Parse(msg)
	logon, isLogon := body.(*fix.Logon)
	switch {
	case h.MsgType != fix.MsgTypeLogon:
		s.logout(&r, "first message must be Logon", reply)
		return s.close(r, ReasonProtocolError, fmt.Errorf("msg type %q before logon", h.MsgType))
	case err != nil || !isLogon:
		s.logout(&r, fmt.Sprintf("invalid Logon: %v", err), reply)
		return s.close(r, ReasonProtocolError, err)
	case h.BeginString != s.cfg.BeginString:
		s.logout(&r, "unsupported BeginString "+h.BeginString, reply)
		return s.close(r, ReasonProtocolError, fmt.Errorf("begin string %q", h.BeginString))
	case h.TargetCompID != s.cfg.SenderCompID:
		s.logout(&r, "unknown TargetCompID "+h.TargetCompID, reply)
		return s.close(r, ReasonProtocolError, fmt.Errorf("target comp id %q", h.TargetCompID))
	case logon.Username == "" || logon.Password == "":
		s.logout(&r, "Username and Password required", reply)
		return s.close(r, ReasonAuthFailed, auth.ErrInvalidCredentials)
	}

	p, err := s.auth.Authenticate(ctx, logon.Username, logon.Password)
	if err == nil && p.SenderCompID != "" && p.SenderCompID != h.SenderCompID {
		err = fmt.Errorf("%w: SenderCompID %s not registered for %s", auth.ErrInvalidCredentials, h.SenderCompID, p.Username)
	}
	if err != nil {
		text := "invalid credentials"
		if errors.Is(err, auth.ErrUnavailable) {
			text = "credential store unavailable"
		}
		s.logout(&r, text, reply)
		s.log.Warnw("logon_rejected", "username", logon.Username, "sender_comp_id", h.SenderCompID, "err", err)
		return s.close(r, ReasonAuthFailed, err)
	}

	s.principal = p
	s.clientCompID = h.SenderCompID
	s.nextIn = h.MsgSeqNum + 1
	s.interval = s.cfg.HeartbeatInterval
	if logon.HeartBtInt > 0 {
		s.interval = time.Duration(logon.HeartBtInt) * time.Second
	}
	s.state = LoggedIn
	s.send(&r, &fix.Logon{EncryptMethod: 0, HeartBtInt: int(s.interval / time.Second)})

	s.log.Infow("session_logon",
		"user", p.UserID,
		"sender_comp_id", h.SenderCompID,
		"seq", h.MsgSeqNum,
		"heartbeat_sec", int(s.interval/time.Second),
	)
	return r
}

func (s *Session) onLoggedIn(ctx context.Context, h fix.Header, msg fix.Message) Result {
	var r Result

	if h.SenderCompID != s.clientCompID || h.TargetCompID != s.cfg.SenderCompID {
		s.logout(&r, "CompID problem", s.clientCompID)
		return s.close(r, ReasonProtocolError, fmt.Errorf("comp ids %s->%s", h.SenderCompID, h.TargetCompID))
	}

	switch {
	case h.MsgSeqNum > s.nextIn:
		// No buffering of out-of-order messages: ask for the range, then log out.
		expected := s.nextIn
		s.send(&r, &fix.ResendRequest{BeginSeqNo: expected, EndSeqNo: 0})
		s.logout(&r, fmt.Sprintf("MsgSeqNum too high, expected %d but received %d", expected, h.MsgSeqNum), s.clientCompID)
		s.log.Warnw("sequence_gap", "expected", expected, "seq", h.MsgSeqNum)
		return s.close(r, ReasonSequenceGap, nil)
	case h.MsgSeqNum < s.nextIn:
		s.log.Warnw("sequence_too_low", "expected", s.nextIn, "seq", h.MsgSeqNum, "poss_dup", h.PossDupFlag)
		return r
	}
	s.nextIn++

	_, body, err := fix.Parse(msg)
	if err != nil {
		s.sessionReject(&r, h, err)
		return r
	}

	switch b := body.(type) {
	case *fix.Heartbeat:
	case *fix.TestRequest:
		s.send(&r, &fix.Heartbeat{TestReqID: b.TestReqID})
	case *fix.Logout:
		s.send(&r, &fix.Logout{})
		s.state = LoggedOut
		s.reason = ReasonLogout
		r.Close, r.Reason = true, ReasonLogout
		s.log.Infow("session_logout", "user", s.principal.UserID, "text", b.Text)
	case *fix.NewOrderSingle:
		s.submit(ctx, &r, b)
	case *fix.OrderCancelRequest:
		s.cancel(ctx, &r, b)
	case *fix.Reject:
		s.log.Warnw("counterparty_reject", "ref_seq", b.RefSeqNum, "text", b.Text)
	case *fix.Logon:
		s.reject(&r, h, fix.RejectOther, "already logged on")
	case *fix.ResendRequest:
		s.reject(&r, h, fix.RejectOther, "resend not supported")
	default:
		s.reject(&r, h, fix.RejectInvalidMsgType, "message type not accepted from clients")
	}
	return r
}

func (s *Session) submit(ctx context.Context, r *Result, m *fix.NewOrderSingle) {
	o, err := s.orders.Submit(ctx, intake.NewOrderRequest{
		ClOrdID:     m.ClOrdID,
		UserID:      s.principal.UserID,
		Symbol:      m.Symbol,
		Side:        m.Side,
		OrdType:     m.OrdType,
		Price:       m.Price,
		Quantity:    m.OrderQty,
		TimeInForce: m.TimeInForce,
	})
	if err != nil {
		s.send(r, &fix.ExecutionReport{
			OrderID:      "NONE",
			ClOrdID:      m.ClOrdID,
			ExecID:       uuid.NewString(),
			ExecType:     fix.ExecRejected,
			OrdStatus:    fix.StatusRejected,
			Symbol:       m.Symbol,
			Side:         m.Side,
			Price:        m.Price,
			OrderQty:     m.OrderQty,
			LeavesQty:    "0",
			CumQty:       "0",
			OrdRejReason: ordRejReason(err),
			Text:         err.Error(),
		})
		return
	}
	s.send(r, &fix.ExecutionReport{
		OrderID:   o.ID,
		ClOrdID:   m.ClOrdID,
		ExecID:    uuid.NewString(),
		ExecType:  fix.ExecNew,
		OrdStatus: fix.StatusNew,
		Symbol:    o.Symbol,
		Side:      sideCode(o.Side),
		Price:     o.Price.String(),
		OrderQty:  o.Quantity.String(),
		LeavesQty: o.Remaining.String(),
		CumQty:    o.Filled().String(),
	})
}

func (s *Session) cancel(ctx context.Context, r *Result, m *fix.OrderCancelRequest) {
	o, err := s.orders.Cancel(ctx, intake.CancelRequest{
		OrigClOrdID: m.OrigClOrdID,
		ClOrdID:     m.ClOrdID,
		UserID:      s.principal.UserID,
	})
	if err != nil {
		reason := "2"
		var rej *intake.Reject
		if errors.As(err, &rej) && rej.Code == intake.UnknownOrder {
			reason = "1"
		}
		s.send(r, &fix.OrderCancelReject{
			OrderID:          "NONE",
			ClOrdID:          m.ClOrdID,
			OrigClOrdID:      m.OrigClOrdID,
			OrdStatus:        fix.StatusRejected,
			CxlRejResponseTo: "1",
			CxlRejReason:     reason,
			Text:             err.Error(),
		})
		return
	}
	s.send(r, &fix.ExecutionReport{
		OrderID:     o.ID,
		ClOrdID:     m.ClOrdID,
		OrigClOrdID: m.OrigClOrdID,
		ExecID:      uuid.NewString(),
		ExecType:    fix.ExecCanceled,
		OrdStatus:   fix.StatusCanceled,
		Symbol:      o.Symbol,
		Side:        sideCode(o.Side),
		Price:       o.Price.String(),
		OrderQty:    o.Quantity.String(),
		LeavesQty:   "0",
		CumQty:      o.Filled().String(),
	})
}

func ordRejReason(err error) string {
	var rej *intake.Reject
	if !errors.As(err, &rej) {
		return "99"
	}
	switch rej.Code {
	case intake.DuplicateOrderID:
		return "6"
	case intake.UnknownOrder:
		return "5"
	case intake.StoreUnavailable:
		return "2"
	default:
		return "99"
	}
}

func sideCode(side book.Side) string {
	if side == book.Sell {
		return "2"
	}
	return "1"
}

// sessionReject answers a message whose body failed typed validation.
func (s *Session) sessionReject(r *Result, h fix.Header, err error) {
	code := fix.RejectOther
	switch {
	case errors.Is(err, fix.ErrUnsupportedMsgType):
		code = fix.RejectInvalidMsgType
	case errors.Is(err, fix.ErrMissingField):
		code = fix.RejectRequiredTagMissing
	case errors.Is(err, fix.ErrMalformed):
		code = fix.RejectValueIncorrect
	}
	s.reject(r, h, code, err.Error())
}

func (s *Session) reject(r *Result, h fix.Header, code int, text string) {
	s.log.Warnw("message_rejected", "seq", h.MsgSeqNum, "msg_type", h.MsgType, "reason", code, "text", text)
	s.send(r, &fix.Reject{RefSeqNum: h.MsgSeqNum, RefMsgType: h.MsgType, Reason: code, Text: text})
}

// logout queues a Logout to target. An empty target still gets one: the
// peer's comp id may be unknown when its first frame was unreadable.
func (s *Session) logout(r *Result, text, target string) {
	s.sendTo(r, &fix.Logout{Text: text}, target)
}

func (s *Session) send(r *Result, b fix.Body) {
	s.sendTo(r, b, s.clientCompID)
}

func (s *Session) sendTo(r *Result, b fix.Body, target string) {
	now := s.clock.Now()
	m := fix.Build(fix.Header{
		BeginString:  s.cfg.BeginString,
		SenderCompID: s.cfg.SenderCompID,
		TargetCompID: target,
		MsgSeqNum:    s.nextOut,
		SendingTime:  now,
	}, b)
	out, err := fix.Encode(m)
	if err != nil {
		s.log.Errorw("encode_failed", "msg_type", b.MsgType(), "err", err)
		return
	}
	s.nextOut++
	s.lastSent = now
	r.Out = append(r.Out, out)
}

func (s *Session) close(r Result, reason CloseReason, err error) Result {
	if s.state != LoggedOut {
		s.state = Closed
	}
	s.reason = reason
	r.Close, r.Reason = true, reason
	s.log.Infow("session_closed", "reason", string(reason), "user", s.principal.UserID, "err", err)
	return r
}

func compIDOf(m fix.Message) string {
	v, _ := m.Get(fix.TagSenderCompID)
	return v
}

// senderOf pulls SenderCompID out of a frame that failed to decode.
func senderOf(raw []byte) string {
	marker := []byte{fix.SOH, '4', '9', '='}
	i := bytes.Index(raw, marker)
	if i < 0 {
		return ""
	}
	v := raw[i+len(marker):]
	if j := bytes.IndexByte(v, fix.SOH); j >= 0 {
		return string(v[:j])
	}
	return ""
}
