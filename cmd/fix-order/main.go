package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edniaj/centralised-exchange/pkg/fix"
)

func main() {
	addr := flag.String("addr", "localhost:9878", "gateway address")
	sender := flag.String("sender", "CLIENT", "SenderCompID")
	target := flag.String("target", "EXCHANGE", "TargetCompID")
	user := flag.String("user", "alice", "logon username")
	pass := flag.String("pass", "", "logon password")
	symbol := flag.String("symbol", "AAPL", "symbol")
	side := flag.String("side", "buy", "buy or sell")
	price := flag.String("price", "150.00", "limit price")
	qty := flag.String("qty", "100", "order quantity")
	clOrdID := flag.String("id", "", "ClOrdID (random when empty)")
	flag.Parse()

	if *clOrdID == "" {
		*clOrdID = uuid.NewString()
	}
	sideCode := "1"
	if strings.EqualFold(*side, "sell") || *side == "2" {
		sideCode = "2"
	}

	// Step 1: Connect
	fmt.Printf("Connecting to %s...\n", *addr)
	conn, err := net.DialTimeout("tcp", *addr, 5*time.Second)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	c := &client{conn: conn, r: fix.NewReader(conn, 1<<16), sender: *sender, target: *target}

	// Step 2: Logon
	if err := c.send(&fix.Logon{HeartBtInt: 30, Username: *user, Password: *pass}); err != nil {
		fmt.Printf("Error sending Logon: %v\n", err)
		os.Exit(1)
	}
	if h, _, ok := c.print(); !ok || h.MsgType != fix.MsgTypeLogon {
		fmt.Println("✗ Logon refused")
		os.Exit(1)
	}
	fmt.Println("✓ Logged on")

	// Step 3: New Order Single
	order := &fix.NewOrderSingle{
		ClOrdID:  *clOrdID,
		Symbol:   *symbol,
		Side:     sideCode,
		OrdType:  "2",
		Price:    *price,
		OrderQty: *qty,
	}
	fmt.Println("Order Details:")
	fmt.Printf("  ClOrdID: %s\n", order.ClOrdID)
	fmt.Printf("  Symbol: %s\n", order.Symbol)
	fmt.Printf("  Side: %s\n", *side)
	fmt.Printf("  Price: %s\n", order.Price)
	fmt.Printf("  Qty: %s\n\n", order.OrderQty)
	if err := c.send(order); err != nil {
		fmt.Printf("Error sending order: %v\n", err)
		os.Exit(1)
	}
	if _, body, ok := c.print(); ok {
		if er, isER := body.(*fix.ExecutionReport); isER {
			if er.ExecType == fix.ExecNew {
				fmt.Println("✓ Order accepted")
			} else {
				fmt.Printf("✗ Order rejected: %s\n", er.Text)
			}
		}
	}

	// Step 4: Logout
	if err := c.send(&fix.Logout{}); err != nil {
		fmt.Printf("Error sending Logout: %v\n", err)
		os.Exit(1)
	}
	c.print()
}

type client struct {
	conn   net.Conn
	r      *fix.Reader
	sender string
	target string
	seq    int
}

func (c *client) send(b fix.Body) error {
	c.seq++
	raw, err := fix.Encode(fix.Build(fix.Header{
		BeginString:  "FIX.4.2",
		SenderCompID: c.sender,
		TargetCompID: c.target,
		MsgSeqNum:    c.seq,
		SendingTime:  time.Now(),
	}, b))
	if err != nil {
		return err
	}
	fmt.Printf("-> %s\n", printable(raw))
	_, err = c.conn.Write(raw)
	return err
}

// print reads one reply, skipping heartbeats, and echoes it.
func (c *client) print() (fix.Header, fix.Body, bool) {
	for {
		c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		raw, err := c.r.ReadFrame()
		if err != nil {
			fmt.Printf("Error reading reply: %v\n", err)
			return fix.Header{}, nil, false
		}
		fmt.Printf("<- %s\n", printable(raw))
		m, err := fix.Decode(raw)
		if err != nil {
			fmt.Printf("Error decoding reply: %v\n", err)
			return fix.Header{}, nil, false
		}
		h, body, err := fix.Parse(m)
		if err != nil {
			fmt.Printf("Error parsing reply: %v\n", err)
			return h, nil, false
		}
		if h.MsgType == fix.MsgTypeHeartbeat {
			continue
		}
		return h, body, true
	}
}

func printable(raw []byte) string {
	return strings.ReplaceAll(string(raw), string(rune(fix.SOH)), "|")
}
