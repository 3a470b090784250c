package gateway

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edniaj/centralised-exchange/pkg/auth"
	"github.com/edniaj/centralised-exchange/pkg/book"
	"github.com/edniaj/centralised-exchange/pkg/fix"
	"github.com/edniaj/centralised-exchange/pkg/intake"
	"github.com/edniaj/centralised-exchange/pkg/session"
	"github.com/edniaj/centralised-exchange/pkg/util"
)

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *fix.Reader
	seq  int
}

func startGateway(t *testing.T, opts ...Option) (*book.Store, string, context.CancelFunc, <-chan error) {
	t.Helper()
	return startGatewayTicking(t, 50*time.Millisecond, opts...)
}

func startGatewayTicking(t *testing.T, tick time.Duration, opts ...Option) (*book.Store, string, context.CancelFunc, <-chan error) {
	t.Helper()
	creds := auth.NewStatic()
	require.NoError(t, creds.Add("alice", "secret", "u1", ""))

	store := book.New()
	srv := New(Config{
		Session: session.Config{
			BeginString:       "FIX.4.2",
			SenderCompID:      "EXCHANGE",
			HeartbeatInterval: 30 * time.Second,
			LogonTimeout:      5 * time.Second,
		},
		MaxMessageBytes: 4096,
		RateLimit:       1000,
		RateBurst:       100,
		TickInterval:    tick,
	}, creds, intake.New(store, nil), opts...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(cancel)
	return store, ln.Addr().String(), cancel, done
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: fix.NewReader(conn, 4096)}
}

func (c *testClient) sendAt(seq int, b fix.Body) {
	c.t.Helper()
	raw, err := fix.Encode(fix.Build(fix.Header{
		BeginString:  "FIX.4.2",
		SenderCompID: "CLIENT",
		TargetCompID: "EXCHANGE",
		MsgSeqNum:    seq,
		SendingTime:  time.Now(),
	}, b))
	require.NoError(c.t, err)
	_, err = c.conn.Write(raw)
	require.NoError(c.t, err)
}

func (c *testClient) send(b fix.Body) {
	c.seq++
	c.sendAt(c.seq, b)
}

func (c *testClient) recv() (fix.Header, fix.Body) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	raw, err := c.r.ReadFrame()
	require.NoError(c.t, err)
	m, err := fix.Decode(raw)
	require.NoError(c.t, err)
	h, b, err := fix.Parse(m)
	require.NoError(c.t, err)
	return h, b
}

func (c *testClient) expectEOF() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadFrame()
	assert.ErrorIs(c.t, err, io.EOF)
}

func TestEndToEndOrderReachesBook(t *testing.T) {
	store, addr, cancel, done := startGateway(t)
	c := dial(t, addr)

	c.send(&fix.Logon{HeartBtInt: 30, Username: "alice", Password: "secret"})
	h, _ := c.recv()
	assert.Equal(t, fix.MsgTypeLogon, h.MsgType)

	c.send(&fix.NewOrderSingle{ClOrdID: "ord-1", Symbol: "AAPL", Side: "1", OrdType: "2", Price: "150.00", OrderQty: "100"})
	h, b := c.recv()
	require.Equal(t, fix.MsgTypeExecutionReport, h.MsgType)
	assert.Equal(t, fix.ExecNew, b.(*fix.ExecutionReport).ExecType)

	best, ok := store.BestPrice("AAPL", book.Buy)
	require.True(t, ok)
	assert.True(t, best.Equal(decimal.RequireFromString("150.00")))
	lv, ok := store.Level("AAPL", book.Buy, best)
	require.True(t, ok)
	assert.Equal(t, 1, lv.OrderCount)

	cancel()
	h, b = c.recv()
	assert.Equal(t, fix.MsgTypeLogout, h.MsgType)
	assert.Equal(t, "server shutting down", b.(*fix.Logout).Text)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	o, ok := store.Order("ord-1")
	require.True(t, ok)
	assert.Equal(t, book.Open, o.Status, "orders survive disconnect")
}

func TestGarbageBeforeLogonClosesConnection(t *testing.T) {
	_, addr, _, _ := startGateway(t)
	c := dial(t, addr)

	_, err := c.conn.Write([]byte("hello\x01"))
	require.NoError(t, err)

	// the comp id is unknown, so the Logout goes out with an empty TargetCompID
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	raw, err := c.r.ReadFrame()
	require.NoError(t, err)
	m, err := fix.Decode(raw)
	require.NoError(t, err)
	typ, _ := m.Get(fix.TagMsgType)
	assert.Equal(t, fix.MsgTypeLogout, typ)
	text, _ := m.Get(fix.TagText)
	assert.Contains(t, text, "protocol error")
	c.expectEOF()
}

func TestHeartbeatsSentDuringSteadyTraffic(t *testing.T) {
	clock := util.NewManualClock(time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC))
	_, addr, _, _ := startGatewayTicking(t, time.Second, WithClock(clock))
	c := dial(t, addr)

	c.send(&fix.Logon{HeartBtInt: 1, Username: "alice", Password: "secret"})
	h, _ := c.recv()
	require.Equal(t, fix.MsgTypeLogon, h.MsgType)

	// client traffic arrives more often than the tick interval
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make(chan string, 1)
	go func() {
		raw, err := c.r.ReadFrame()
		if err != nil {
			got <- err.Error()
			return
		}
		m, err := fix.Decode(raw)
		if err != nil {
			got <- err.Error()
			return
		}
		typ, _ := m.Get(fix.TagMsgType)
		got <- typ
	}()
	for i := 0; i < 6; i++ {
		c.send(&fix.Heartbeat{})
		time.Sleep(10 * time.Millisecond)
		clock.Advance(400 * time.Millisecond)
	}

	select {
	case typ := <-got:
		assert.Equal(t, fix.MsgTypeHeartbeat, typ)
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat while the client kept sending")
	}
}

func TestSequenceGapOverTheWire(t *testing.T) {
	store, addr, _, _ := startGateway(t)
	c := dial(t, addr)

	c.send(&fix.Logon{HeartBtInt: 30, Username: "alice", Password: "secret"})
	c.recv()

	c.sendAt(5, &fix.NewOrderSingle{ClOrdID: "late", Symbol: "AAPL", Side: "2", OrdType: "2", Price: "1", OrderQty: "1"})
	h, b := c.recv()
	assert.Equal(t, fix.MsgTypeResendRequest, h.MsgType)
	assert.Equal(t, 2, b.(*fix.ResendRequest).BeginSeqNo)
	h, _ = c.recv()
	assert.Equal(t, fix.MsgTypeLogout, h.MsgType)
	c.expectEOF()

	assert.False(t, store.Contains("late"))
}

func TestSessionsShareOneBook(t *testing.T) {
	store, addr, _, _ := startGateway(t)

	a := dial(t, addr)
	b := dial(t, addr)
	for _, c := range []*testClient{a, b} {
		c.send(&fix.Logon{HeartBtInt: 30, Username: "alice", Password: "secret"})
		c.recv()
	}

	a.send(&fix.NewOrderSingle{ClOrdID: "same", Symbol: "MSFT", Side: "2", OrdType: "2", Price: "300", OrderQty: "1"})
	_, body := a.recv()
	assert.Equal(t, fix.ExecNew, body.(*fix.ExecutionReport).ExecType)

	b.send(&fix.NewOrderSingle{ClOrdID: "same", Symbol: "MSFT", Side: "2", OrdType: "2", Price: "300", OrderQty: "1"})
	_, body = b.recv()
	er := body.(*fix.ExecutionReport)
	assert.Equal(t, fix.ExecRejected, er.ExecType)
	assert.Equal(t, "6", er.OrdRejReason)

	lv, ok := store.Level("MSFT", book.Sell, decimal.RequireFromString("300"))
	require.True(t, ok)
	assert.Equal(t, 1, lv.OrderCount)
	require.NoError(t, store.Verify())
}
