// Package gateway accepts client connections and runs one session per
// connection against the shared order intake.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edniaj/centralised-exchange/pkg/auth"
	"github.com/edniaj/centralised-exchange/pkg/fix"
	"github.com/edniaj/centralised-exchange/pkg/metrics"
	"github.com/edniaj/centralised-exchange/pkg/session"
	"github.com/edniaj/centralised-exchange/pkg/storage"
	"github.com/edniaj/centralised-exchange/pkg/util"
)

type Config struct {
	Session         session.Config
	MaxMessageBytes int
	// RateLimit is inbound messages per second per connection; 0 disables it.
	RateLimit    float64
	RateBurst    int
	WriteTimeout time.Duration
	TickInterval time.Duration
}

type Option func(*Server)

func WithClock(c util.Clock) Option { return func(s *Server) { s.clock = c } }

func WithLogger(l *zap.SugaredLogger) Option { return func(s *Server) { s.log = util.OrNop(l) } }

func WithMessageLog(l storage.MessageLog) Option { return func(s *Server) { s.msgLog = l } }

type Server struct {
	cfg    Config
	auth   auth.Authenticator
	orders session.OrderHandler
	clock  util.Clock
	log    *zap.SugaredLogger
	msgLog storage.MessageLog

	wg sync.WaitGroup
}

func New(cfg Config, a auth.Authenticator, orders session.OrderHandler, opts ...Option) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 4096
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	s := &Server{
		cfg:    cfg,
		auth:   a,
		orders: orders,
		clock:  util.RealClock{},
		log:    zap.NewNop().Sugar(),
		msgLog: storage.NopMessageLog{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx is canceled, then logs out every live
// session and waits for the connection workers to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Infow("gateway_listening", "addr", ln.Addr().String())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warnw("accept_retry", "err", err)
				continue
			}
			s.wg.Wait()
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

type inbound struct {
	frame []byte
	err   error
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	id := uuid.NewString()
	log := s.log.With("session", id, "remote", conn.RemoteAddr().String())
	sess := session.New(s.cfg.Session, session.Deps{
		ID:     id,
		Auth:   s.auth,
		Orders: s.orders,
		Clock:  s.clock,
		Log:    s.log,
	})

	metrics.SessionsOpened.Inc()
	metrics.ActiveSessions.Inc()
	log.Infow("connection_accepted")

	reason := "disconnect"
	defer func() {
		metrics.ActiveSessions.Dec()
		metrics.SessionsClosed.WithLabelValues(reason).Inc()
		log.Infow("connection_closed", "reason", reason, "user", sess.UserID(), "state", sess.State().String())
	}()

	limit := rate.Inf
	if s.cfg.RateLimit > 0 {
		limit = rate.Limit(s.cfg.RateLimit)
	}
	limiter := rate.NewLimiter(limit, max(s.cfg.RateBurst, 1))

	// Unbuffered: the next frame is not read until this one has been handled.
	frames := make(chan inbound)
	go s.readPump(ctx, conn, frames)

	// The tick timer is only re-armed when it fires, so inbound traffic
	// cannot starve the session timers.
	tick := s.clock.After(s.cfg.TickInterval)
	for {
		var res session.Result
		select {
		case <-ctx.Done():
			res = sess.Logout("server shutting down")
			s.write(conn, id, res.Out)
			reason = "shutdown"
			return

		case in, ok := <-frames:
			if !ok {
				return
			}
			if in.err != nil {
				if !isProtocolError(in.err) {
					if !errors.Is(in.err, io.EOF) {
						log.Debugw("read_failed", "err", in.err)
					}
					return
				}
				res = sess.DecodeFailed(in.err)
				break
			}
			if err := limiter.Wait(ctx); err != nil {
				continue
			}
			s.msgLog.Append(id, "in", in.frame)
			res = sess.Receive(ctx, in.frame)

		case now := <-tick:
			tick = s.clock.After(s.cfg.TickInterval)
			res = sess.Tick(now)
		}

		if err := s.write(conn, id, res.Out); err != nil {
			log.Warnw("write_failed", "err", err)
			return
		}
		if res.Close {
			reason = string(res.Reason)
			return
		}
	}
}

func (s *Server) readPump(ctx context.Context, conn net.Conn, out chan<- inbound) {
	defer close(out)
	r := fix.NewReader(conn, s.cfg.MaxMessageBytes)
	for {
		frame, err := r.ReadFrame()
		select {
		case out <- inbound{frame: frame, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) write(conn net.Conn, id string, frames [][]byte) error {
	for _, f := range frames {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
		if _, err := conn.Write(f); err != nil {
			return err
		}
		s.msgLog.Append(id, "out", f)
	}
	return nil
}

func isProtocolError(err error) bool {
	return errors.Is(err, fix.ErrMalformed) ||
		errors.Is(err, fix.ErrLengthMismatch) ||
		errors.Is(err, fix.ErrChecksumMismatch)
}
