package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edniaj/centralised-exchange/pkg/auth"
	"github.com/edniaj/centralised-exchange/pkg/book"
	"github.com/edniaj/centralised-exchange/pkg/fix"
	"github.com/edniaj/centralised-exchange/pkg/intake"
	"github.com/edniaj/centralised-exchange/pkg/util"
)

var t0 = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	clock *util.ManualClock
	store *book.Store
	sess  *Session
	seq   int
	comp  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	creds := auth.NewStatic()
	require.NoError(t, creds.Add("alice", "secret", "u1", ""))
	require.NoError(t, creds.Add("bound", "secret", "u2", "BOUND"))

	clock := util.NewManualClock(t0)
	store := book.New(book.WithClock(clock))
	cfg := Config{
		BeginString:       "FIX.4.2",
		SenderCompID:      "EXCHANGE",
		HeartbeatInterval: 30 * time.Second,
		LogonTimeout:      10 * time.Second,
	}
	sess := New(cfg, Deps{
		ID:     "test",
		Auth:   creds,
		Orders: intake.New(store, nil),
		Clock:  clock,
	})
	return &harness{t: t, clock: clock, store: store, sess: sess, comp: "CLIENT"}
}

func (h *harness) frameAt(seq int, b fix.Body) []byte {
	h.t.Helper()
	out, err := fix.Encode(fix.Build(fix.Header{
		BeginString:  "FIX.4.2",
		SenderCompID: h.comp,
		TargetCompID: "EXCHANGE",
		MsgSeqNum:    seq,
		SendingTime:  h.clock.Now(),
	}, b))
	require.NoError(h.t, err)
	return out
}

// send encodes b with the next client sequence number and feeds it in.
func (h *harness) send(b fix.Body) Result {
	h.seq++
	return h.sess.Receive(context.Background(), h.frameAt(h.seq, b))
}

func (h *harness) logon() {
	h.t.Helper()
	r := h.send(&fix.Logon{HeartBtInt: 30, Username: "alice", Password: "secret"})
	require.False(h.t, r.Close, "logon failed: %v", r.Reason)
	require.Len(h.t, r.Out, 1)
}

func parseOut(t *testing.T, raw []byte) (fix.Header, fix.Body) {
	t.Helper()
	m, err := fix.Decode(raw)
	require.NoError(t, err)
	h, b, err := fix.Parse(m)
	require.NoError(t, err)
	assert.Equal(t, "EXCHANGE", h.SenderCompID)
	return h, b
}

func TestLogonHandshake(t *testing.T) {
	h := newHarness(t)
	r := h.send(&fix.Logon{HeartBtInt: 20, Username: "alice", Password: "secret"})

	require.False(t, r.Close)
	require.Len(t, r.Out, 1)
	hdr, body := parseOut(t, r.Out[0])
	assert.Equal(t, fix.MsgTypeLogon, hdr.MsgType)
	assert.Equal(t, "CLIENT", hdr.TargetCompID)
	assert.Equal(t, 1, hdr.MsgSeqNum)
	assert.Equal(t, 20, body.(*fix.Logon).HeartBtInt)

	assert.Equal(t, LoggedIn, h.sess.State())
	assert.Equal(t, 2, h.sess.NextExpectedIncomingSeq())
	assert.Equal(t, 2, h.sess.NextOutgoingSeq())
	assert.Equal(t, "u1", h.sess.UserID())
	assert.Equal(t, 20*time.Second, h.sess.HeartbeatInterval())
}

func TestLogonStartsFromClientSequence(t *testing.T) {
	h := newHarness(t)
	h.seq = 41
	h.logon()
	assert.Equal(t, 43, h.sess.NextExpectedIncomingSeq())
}

func TestLogonFailures(t *testing.T) {
	tests := []struct {
		name       string
		comp       string
		body       fix.Body
		wantReason CloseReason
		wantLogout bool
	}{
		{"wrong password", "CLIENT", &fix.Logon{HeartBtInt: 30, Username: "alice", Password: "nope"}, ReasonAuthFailed, true},
		{"unknown user", "CLIENT", &fix.Logon{HeartBtInt: 30, Username: "eve", Password: "secret"}, ReasonAuthFailed, true},
		{"missing password", "CLIENT", &fix.Logon{HeartBtInt: 30, Username: "alice"}, ReasonAuthFailed, true},
		{"comp id not registered to user", "OTHER", &fix.Logon{HeartBtInt: 30, Username: "bound", Password: "secret"}, ReasonAuthFailed, true},
		{"order before logon", "CLIENT", &fix.NewOrderSingle{ClOrdID: "x"}, ReasonProtocolError, true},
		{"heartbeat before logon", "CLIENT", &fix.Heartbeat{}, ReasonProtocolError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.comp = tt.comp
			r := h.send(tt.body)

			assert.True(t, r.Close)
			assert.Equal(t, tt.wantReason, r.Reason)
			assert.Equal(t, Closed, h.sess.State())
			if tt.wantLogout {
				require.Len(t, r.Out, 1)
				hdr, body := parseOut(t, r.Out[0])
				assert.Equal(t, fix.MsgTypeLogout, hdr.MsgType)
				assert.Equal(t, tt.comp, hdr.TargetCompID)
				assert.NotEmpty(t, body.(*fix.Logout).Text)
			}

			// nothing is processed after close
			r = h.send(&fix.Heartbeat{})
			assert.True(t, r.Close)
			assert.Empty(t, r.Out)
		})
	}
}

func TestLogonToWrongTarget(t *testing.T) {
	h := newHarness(t)
	raw, err := fix.Encode(fix.Build(fix.Header{
		BeginString: "FIX.4.2", SenderCompID: "CLIENT", TargetCompID: "ELSEWHERE", MsgSeqNum: 1, SendingTime: t0,
	}, &fix.Logon{HeartBtInt: 30, Username: "alice", Password: "secret"}))
	require.NoError(t, err)

	r := h.sess.Receive(context.Background(), raw)
	assert.True(t, r.Close)
	assert.Equal(t, ReasonProtocolError, r.Reason)
}

func TestBoundCompIDLogsOn(t *testing.T) {
	h := newHarness(t)
	h.comp = "BOUND"
	r := h.send(&fix.Logon{HeartBtInt: 30, Username: "bound", Password: "secret"})
	assert.False(t, r.Close)
	assert.Equal(t, "u2", h.sess.UserID())
}

func TestSequenceInOrderAccepted(t *testing.T) {
	h := newHarness(t)
	h.logon()
	for i := 0; i < 2; i++ {
		r := h.send(&fix.Heartbeat{})
		assert.False(t, r.Close)
		assert.Empty(t, r.Out)
	}
	assert.Equal(t, 4, h.sess.NextExpectedIncomingSeq())
	assert.Equal(t, LoggedIn, h.sess.State())
}

func TestSequenceGapForcesLogout(t *testing.T) {
	h := newHarness(t)
	h.logon()

	raw := h.frameAt(3, &fix.NewOrderSingle{ClOrdID: "gap", Symbol: "AAPL", Side: "1", OrdType: "2", Price: "1", OrderQty: "1"})
	r := h.sess.Receive(context.Background(), raw)

	assert.True(t, r.Close)
	assert.Equal(t, ReasonSequenceGap, r.Reason)
	assert.Equal(t, Closed, h.sess.State())
	require.Len(t, r.Out, 2)

	hdr, body := parseOut(t, r.Out[0])
	assert.Equal(t, fix.MsgTypeResendRequest, hdr.MsgType)
	assert.Equal(t, &fix.ResendRequest{BeginSeqNo: 2, EndSeqNo: 0}, body)

	hdr, _ = parseOut(t, r.Out[1])
	assert.Equal(t, fix.MsgTypeLogout, hdr.MsgType)

	assert.False(t, h.store.Contains("gap"), "message after a gap is never applied")
}

func TestLowSequenceIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.logon()
	r := h.send(&fix.Heartbeat{})
	require.False(t, r.Close)

	r = h.sess.Receive(context.Background(), h.frameAt(2, &fix.NewOrderSingle{
		ClOrdID: "dup", Symbol: "AAPL", Side: "1", OrdType: "2", Price: "1", OrderQty: "1",
	}))
	assert.False(t, r.Close)
	assert.Empty(t, r.Out)
	assert.Equal(t, 3, h.sess.NextExpectedIncomingSeq())
	assert.False(t, h.store.Contains("dup"))

	r = h.sess.Receive(context.Background(), h.frameAt(1, &fix.Logout{}))
	assert.False(t, r.Close, "a stale Logout is ignored too")
}

func TestNewOrderSingle(t *testing.T) {
	h := newHarness(t)
	h.logon()

	order := &fix.NewOrderSingle{ClOrdID: "ord-1", Symbol: "AAPL", Side: "1", OrdType: "2", Price: "150.00", OrderQty: "100", TimeInForce: "1"}
	r := h.send(order)
	require.Len(t, r.Out, 1)
	hdr, body := parseOut(t, r.Out[0])
	assert.Equal(t, fix.MsgTypeExecutionReport, hdr.MsgType)
	er := body.(*fix.ExecutionReport)
	assert.Equal(t, fix.ExecNew, er.ExecType)
	assert.Equal(t, fix.StatusNew, er.OrdStatus)
	assert.Equal(t, "ord-1", er.ClOrdID)
	assert.Equal(t, "100", er.LeavesQty)
	assert.NotEmpty(t, er.ExecID)

	lv, ok := h.store.Level("AAPL", book.Buy, decimal.RequireFromString("150"))
	require.True(t, ok)
	assert.Equal(t, 1, lv.OrderCount)

	// same ClOrdID again
	r = h.send(order)
	require.Len(t, r.Out, 1)
	_, body = parseOut(t, r.Out[0])
	er = body.(*fix.ExecutionReport)
	assert.Equal(t, fix.ExecRejected, er.ExecType)
	assert.Equal(t, "ord-1", er.ClOrdID)
	assert.Equal(t, "6", er.OrdRejReason)

	// invalid field, still correlated to ClOrdID
	r = h.send(&fix.NewOrderSingle{ClOrdID: "ord-2", Symbol: "AAPL", Side: "1", OrdType: "2", Price: "-1", OrderQty: "1"})
	require.Len(t, r.Out, 1)
	_, body = parseOut(t, r.Out[0])
	er = body.(*fix.ExecutionReport)
	assert.Equal(t, fix.ExecRejected, er.ExecType)
	assert.Equal(t, "ord-2", er.ClOrdID)
	assert.Contains(t, er.Text, "Price")

	assert.False(t, r.Close, "order rejects keep the session open")
	assert.Equal(t, 5, h.sess.NextExpectedIncomingSeq())
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	h.logon()
	h.send(&fix.NewOrderSingle{ClOrdID: "ord-1", Symbol: "AAPL", Side: "2", OrdType: "2", Price: "10", OrderQty: "5"})

	r := h.send(&fix.OrderCancelRequest{OrigClOrdID: "ord-1", ClOrdID: "cx-1", Symbol: "AAPL", Side: "2"})
	require.Len(t, r.Out, 1)
	_, body := parseOut(t, r.Out[0])
	er := body.(*fix.ExecutionReport)
	assert.Equal(t, fix.ExecCanceled, er.ExecType)
	assert.Equal(t, "cx-1", er.ClOrdID)
	assert.Equal(t, "ord-1", er.OrigClOrdID)
	assert.Equal(t, "2", er.Side)

	_, ok := h.store.BestPrice("AAPL", book.Sell)
	assert.False(t, ok)

	r = h.send(&fix.OrderCancelRequest{OrigClOrdID: "ord-1", ClOrdID: "cx-2"})
	require.Len(t, r.Out, 1)
	hdr, body := parseOut(t, r.Out[0])
	assert.Equal(t, fix.MsgTypeOrderCancelReject, hdr.MsgType)
	assert.Equal(t, "1", body.(*fix.OrderCancelReject).CxlRejReason)
}

func TestTestRequestAndUnsupportedMessages(t *testing.T) {
	h := newHarness(t)
	h.logon()

	r := h.send(&fix.TestRequest{TestReqID: "ping"})
	require.Len(t, r.Out, 1)
	_, body := parseOut(t, r.Out[0])
	assert.Equal(t, &fix.Heartbeat{TestReqID: "ping"}, body)

	h.seq++
	raw, err := fix.Encode(fix.Message{
		{Tag: fix.TagBeginString, Value: "FIX.4.2"},
		{Tag: fix.TagMsgType, Value: "Z"},
		{Tag: fix.TagSenderCompID, Value: "CLIENT"},
		{Tag: fix.TagTargetCompID, Value: "EXCHANGE"},
		{Tag: fix.TagMsgSeqNum, Value: "3"},
		{Tag: fix.TagSendingTime, Value: "20240301-14:00:00"},
	})
	require.NoError(t, err)
	r = h.sess.Receive(context.Background(), raw)
	require.Len(t, r.Out, 1)
	hdr, body := parseOut(t, r.Out[0])
	assert.Equal(t, fix.MsgTypeReject, hdr.MsgType)
	rej := body.(*fix.Reject)
	assert.Equal(t, 3, rej.RefSeqNum)
	assert.Equal(t, fix.RejectInvalidMsgType, rej.Reason)
	assert.False(t, r.Close)

	r = h.send(&fix.Logon{HeartBtInt: 30, Username: "alice", Password: "secret"})
	require.Len(t, r.Out, 1)
	hdr, _ = parseOut(t, r.Out[0])
	assert.Equal(t, fix.MsgTypeReject, hdr.MsgType)
	assert.Equal(t, 5, h.sess.NextExpectedIncomingSeq())
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	h.logon()
	h.send(&fix.NewOrderSingle{ClOrdID: "rest", Symbol: "AAPL", Side: "1", OrdType: "2", Price: "1", OrderQty: "1"})

	r := h.send(&fix.Logout{Text: "bye"})
	assert.True(t, r.Close)
	assert.Equal(t, ReasonLogout, r.Reason)
	assert.Equal(t, LoggedOut, h.sess.State())
	require.Len(t, r.Out, 1)
	hdr, _ := parseOut(t, r.Out[0])
	assert.Equal(t, fix.MsgTypeLogout, hdr.MsgType)

	o, ok := h.store.Order("rest")
	require.True(t, ok)
	assert.Equal(t, book.Open, o.Status, "logout never cancels resting orders")
}

func TestDecodeFailureClosesSession(t *testing.T) {
	h := newHarness(t)
	h.logon()

	h.seq++
	raw := h.frameAt(h.seq, &fix.Heartbeat{})
	// change the last checksum digit
	if raw[len(raw)-2] == '9' {
		raw[len(raw)-2] = '0'
	} else {
		raw[len(raw)-2]++
	}
	r := h.sess.Receive(context.Background(), raw)

	assert.True(t, r.Close)
	assert.Equal(t, ReasonProtocolError, r.Reason)
	require.Len(t, r.Out, 1)
	hdr, body := parseOut(t, r.Out[0])
	assert.Equal(t, fix.MsgTypeLogout, hdr.MsgType)
	assert.Contains(t, body.(*fix.Logout).Text, "checksum")
}

func TestUnreadableFrameBeforeLogonGetsLogout(t *testing.T) {
	tests := []struct {
		name       string
		raw        func(h *harness) []byte
		wantTarget string
		wantText   string
	}{
		{
			name: "bad checksum on logon",
			raw: func(h *harness) []byte {
				raw := h.frameAt(1, &fix.Logon{HeartBtInt: 30, Username: "alice", Password: "secret"})
				if raw[len(raw)-2] == '9' {
					raw[len(raw)-2] = '0'
				} else {
					raw[len(raw)-2]++
				}
				return raw
			},
			wantTarget: "CLIENT",
			wantText:   "checksum",
		},
		{
			name:       "no sender",
			raw:        func(*harness) []byte { return []byte("8=FIX.4.2\x019=5\x0135=A\x0110=000\x01") },
			wantTarget: "",
			wantText:   "protocol error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			r := h.sess.Receive(context.Background(), tt.raw(h))

			assert.True(t, r.Close)
			assert.Equal(t, ReasonProtocolError, r.Reason)
			assert.Equal(t, Closed, h.sess.State())
			require.Len(t, r.Out, 1)
			m, err := fix.Decode(r.Out[0])
			require.NoError(t, err)
			typ, _ := m.Get(fix.TagMsgType)
			assert.Equal(t, fix.MsgTypeLogout, typ)
			target, _ := m.Get(fix.TagTargetCompID)
			assert.Equal(t, tt.wantTarget, target)
			text, _ := m.Get(fix.TagText)
			assert.Contains(t, text, tt.wantText)
		})
	}
}

func TestFramingErrorBeforeLogonGetsLogout(t *testing.T) {
	h := newHarness(t)
	r := h.sess.DecodeFailed(fmt.Errorf("%w: expected tag 8", fix.ErrMalformed))

	assert.True(t, r.Close)
	assert.Equal(t, ReasonProtocolError, r.Reason)
	require.Len(t, r.Out, 1)
	m, err := fix.Decode(r.Out[0])
	require.NoError(t, err)
	typ, _ := m.Get(fix.TagMsgType)
	assert.Equal(t, fix.MsgTypeLogout, typ)
	text, _ := m.Get(fix.TagText)
	assert.Contains(t, text, "expected tag 8")

	r = h.sess.DecodeFailed(fix.ErrMalformed)
	assert.True(t, r.Close)
	assert.Empty(t, r.Out, "closed sessions send nothing")
}

func TestMsgTypeLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{fix.MsgTypeLogon, "A"},
		{fix.MsgTypeNewOrderSingle, "D"},
		{fix.MsgTypeOrderCancelRequest, "F"},
		{fix.MsgTypeHeartbeat, "0"},
		{"", "other"},
		{"Z", "other"},
		{"junk-123", "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, msgTypeLabel(tt.in), "msg type %q", tt.in)
	}
}

func TestClientMsgTypesDoNotCreateSeries(t *testing.T) {
	for i := 0; i < 3; i++ {
		h := newHarness(t)
		raw, err := fix.Encode(fix.Message{
			{Tag: fix.TagBeginString, Value: "FIX.4.2"},
			{Tag: fix.TagMsgType, Value: fmt.Sprintf("junk%d", i)},
			{Tag: fix.TagSenderCompID, Value: "CLIENT"},
			{Tag: fix.TagTargetCompID, Value: "EXCHANGE"},
			{Tag: fix.TagMsgSeqNum, Value: "1"},
		})
		require.NoError(t, err)
		r := h.sess.Receive(context.Background(), raw)
		require.True(t, r.Close)
	}

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "gateway_messages_received_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "msg_type" {
					assert.NotContains(t, lp.GetValue(), "junk")
				}
			}
		}
	}
}

func TestSenderOf(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"8=FIX.4.2\x019=5\x0135=A\x0149=CLIENT\x0156=EXCHANGE\x0110=000\x01", "CLIENT"},
		{"8=FIX.4.2\x0135=A\x0110=000\x01", ""},
		{"8=FIX.4.2\x0149=TRUNCATED", ""},
		{"149=x\x01", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, senderOf([]byte(tt.raw)), "frame %q", tt.raw)
	}
}

func TestHeartbeatTimers(t *testing.T) {
	h := newHarness(t)
	h.logon()

	assert.Empty(t, h.sess.Tick(h.clock.Now()).Out)

	h.clock.Advance(30 * time.Second)
	r := h.sess.Tick(h.clock.Now())
	require.Len(t, r.Out, 1)
	hdr, _ := parseOut(t, r.Out[0])
	assert.Equal(t, fix.MsgTypeHeartbeat, hdr.MsgType)
	assert.Empty(t, h.sess.Tick(h.clock.Now()).Out, "heartbeat resets the outbound timer")

	h.send(&fix.Heartbeat{})

	h.clock.Advance(59 * time.Second)
	r = h.sess.Tick(h.clock.Now())
	assert.False(t, r.Close)

	h.clock.Advance(time.Second)
	r = h.sess.Tick(h.clock.Now())
	assert.True(t, r.Close)
	assert.Equal(t, ReasonHeartbeatTimeout, r.Reason)
	assert.Equal(t, Closed, h.sess.State())
	require.NotEmpty(t, r.Out)
	hdr, _ = parseOut(t, r.Out[len(r.Out)-1])
	assert.Equal(t, fix.MsgTypeLogout, hdr.MsgType)
}

func TestLogonTimeout(t *testing.T) {
	h := newHarness(t)
	h.clock.Advance(9 * time.Second)
	assert.False(t, h.sess.Tick(h.clock.Now()).Close)

	h.clock.Advance(time.Second)
	r := h.sess.Tick(h.clock.Now())
	assert.True(t, r.Close)
	assert.Equal(t, ReasonLogonTimeout, r.Reason)
}

func TestServerInitiatedLogout(t *testing.T) {
	h := newHarness(t)
	h.logon()

	r := h.sess.Logout("server shutting down")
	assert.True(t, r.Close)
	assert.Equal(t, LoggedOut, h.sess.State())
	require.Len(t, r.Out, 1)
	_, body := parseOut(t, r.Out[0])
	assert.Equal(t, "server shutting down", body.(*fix.Logout).Text)

	r = h.sess.Logout("again")
	assert.True(t, r.Close)
	assert.Empty(t, r.Out)
}
