package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edniaj/centralised-exchange/params"
	"github.com/edniaj/centralised-exchange/pkg/api"
	"github.com/edniaj/centralised-exchange/pkg/auth"
	"github.com/edniaj/centralised-exchange/pkg/book"
	"github.com/edniaj/centralised-exchange/pkg/events"
	"github.com/edniaj/centralised-exchange/pkg/gateway"
	"github.com/edniaj/centralised-exchange/pkg/intake"
	"github.com/edniaj/centralised-exchange/pkg/session"
	"github.com/edniaj/centralised-exchange/pkg/storage"
	"github.com/edniaj/centralised-exchange/pkg/util"
)

type journal interface {
	book.Journal
	LoadOrders() ([]book.Order, error)
	Close() error
}

// userIndexChecker is implemented by journals that keep a per-user index.
type userIndexChecker interface {
	CheckUserIndex(orders []book.Order) error
}

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	level := util.ParseLevel(cfg.Logging.Level)
	var logger *zap.Logger
	if cfg.Logging.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Logging.File, level)
	} else {
		logger, err = util.NewLogger(level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Logging.File, "level", level.String())

	// ---- Order journal ----
	var jr journal
	if cfg.Storage.JournalDir == "" {
		jr = storage.NewMemoryJournal()
		sugar.Warn("journal_in_memory - orders are lost on restart")
	} else {
		pj, err := storage.OpenPebbleJournal(cfg.Storage.JournalDir)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "dir", cfg.Storage.JournalDir, "err", err)
		}
		jr = pj
	}
	defer jr.Close()

	// ---- Order book index ----
	store := book.New(book.WithJournal(jr), book.WithLogger(sugar.Named("book")))
	defer store.Close()

	saved, err := jr.LoadOrders()
	if err != nil {
		sugar.Fatalw("journal_load_failed", "err", err)
	}
	if err := store.Restore(saved); err != nil {
		sugar.Fatalw("journal_restore_failed", "err", err)
	}
	if err := store.Verify(); err != nil {
		sugar.Fatalw("book_inconsistent_after_restore", "err", err)
	}
	if idx, ok := jr.(userIndexChecker); ok {
		if err := idx.CheckUserIndex(saved); err != nil {
			sugar.Fatalw("journal_user_index_inconsistent", "err", err)
		}
	}
	sugar.Infow("book_restored", "records", len(saved), "open_orders", store.OpenOrders(), "symbols", store.Symbols())

	// ---- Credentials ----
	var creds auth.Authenticator
	if cfg.Credentials.PostgresDSN != "" {
		pg, err := auth.ConnectPostgres(cfg.Credentials.PostgresDSN)
		if err != nil {
			sugar.Fatalw("postgres_connect_failed", "err", err)
		}
		defer pg.Close()
		creds = pg
		sugar.Infow("credentials_loaded", "source", "postgres")
	} else {
		st, err := auth.ParseStatic(cfg.Credentials.Static)
		if err != nil {
			sugar.Fatalw("static_credentials_invalid", "err", err)
		}
		creds = st
		sugar.Infow("credentials_loaded", "source", "static", "users", len(cfg.Credentials.Static))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orders := intake.New(store, sugar.Named("intake"))
	g, ctx := errgroup.WithContext(ctx)

	// ---- Event forwarding (optional) ----
	if len(cfg.Kafka.Brokers) > 0 {
		pub := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer pub.Close()
		fwd := events.NewForwarder(pub, cfg.Kafka.Queue, sugar.Named("events"))
		orders.Subscribe(fwd)
		g.Go(func() error {
			fwd.Run(ctx)
			return nil
		})
		sugar.Infow("event_forwarding_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ---- API Server ----
	apiServer := api.NewServer(store, orders,
		api.WithLogger(sugar.Named("api")),
		api.WithAllowedOrigins(cfg.API.AllowedOrigins),
		api.WithFillToken(cfg.API.FillToken),
	)
	if cfg.API.FillToken == "" {
		sugar.Warnw("fill_hook_disabled", "reason", "API_FILL_TOKEN not set")
	}
	orders.Subscribe(apiServer)
	g.Go(func() error { return apiServer.Start(ctx, cfg.API.Addr) })

	// ---- FIX gateway ----
	opts := []gateway.Option{gateway.WithLogger(sugar.Named("gateway"))}
	if cfg.Storage.MessageLog != "" {
		ml, err := storage.NewFileMessageLog(cfg.Storage.MessageLog, sugar.Named("msglog"))
		if err != nil {
			sugar.Fatalw("message_log_open_failed", "path", cfg.Storage.MessageLog, "err", err)
		}
		defer ml.Close()
		opts = append(opts, gateway.WithMessageLog(ml))
	}
	gw := gateway.New(gateway.Config{
		Session: session.Config{
			BeginString:       cfg.Gateway.BeginString,
			SenderCompID:      cfg.Gateway.SenderCompID,
			HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
			LogonTimeout:      cfg.Gateway.LogonTimeout,
		},
		MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		RateLimit:       cfg.Gateway.RateLimit,
		RateBurst:       cfg.Gateway.RateBurst,
		WriteTimeout:    5 * time.Second,
		TickInterval:    time.Second,
	}, creds, orders, opts...)
	g.Go(func() error { return gw.ListenAndServe(ctx, cfg.Gateway.ListenAddr) })

	sugar.Infow("node_starting",
		"fix_addr", cfg.Gateway.ListenAddr,
		"api_addr", cfg.API.Addr,
		"comp_id", cfg.Gateway.SenderCompID,
		"heartbeat", cfg.Gateway.HeartbeatInterval)

	if err := g.Wait(); err != nil {
		sugar.Errorw("node_stopped", "err", err)
		return
	}
	sugar.Info("node_stopped")
}
