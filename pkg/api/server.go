// Package api serves read access to the order book index over HTTP, the fill
// hook used by the matching engine, and live level updates over WebSocket.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edniaj/centralised-exchange/pkg/book"
	"github.com/edniaj/centralised-exchange/pkg/intake"
	"github.com/edniaj/centralised-exchange/pkg/util"
)

// Filler applies executions reported by the matching engine.
type Filler interface {
	Fill(ctx context.Context, orderID string, qty decimal.Decimal) (book.Order, error)
}

type Option func(*Server)

func WithLogger(l *zap.SugaredLogger) Option { return func(s *Server) { s.log = util.OrNop(l) } }

func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithFillToken sets the bearer token the matching engine presents on
// POST /api/v1/fills. Without one the fill hook is disabled.
func WithFillToken(token string) Option { return func(s *Server) { s.fillToken = token } }

// Server handles REST API and WebSocket connections
type Server struct {
	store   *book.Store
	fills   Filler
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
	origins []string

	fillToken string
}

func NewServer(store *book.Store, fills Filler, opts ...Option) *Server {
	s := &Server{
		store:   store,
		fills:   fills,
		router:  mux.NewRouter(),
		log:     zap.NewNop().Sugar(),
		origins: []string{"http://localhost:3000"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.log)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/books/{symbol}", s.handleGetBook).Methods("GET")
	api.HandleFunc("/books/{symbol}/{side}/best", s.handleGetBest).Methods("GET")
	api.HandleFunc("/users/{userId}/orders", s.handleGetUserOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.Handle("/fills", s.requireFillToken(http.HandlerFunc(s.handleFill))).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router.Use(s.logRequests)
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Hub returns the WebSocket hub; it must be running for /ws clients to be served.
func (s *Server) Hub() *Hub { return s.hub }

// Start serves on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// OnOrderEvent publishes the level touched by an order event to subscribers of
// the order's symbol.
func (s *Server) OnOrderEvent(e intake.Event) {
	o := e.Order
	update := LevelUpdate{
		Type:          "level",
		Event:         string(e.Type),
		OrderID:       o.ID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Price:         o.Price,
		TotalQuantity: decimal.Zero,
		Timestamp:     e.At.UnixMilli(),
	}
	if lv, ok := s.store.Level(o.Symbol, o.Side, o.Price); ok {
		update.TotalQuantity = lv.TotalQuantity
		update.OrderCount = lv.OrderCount
	}
	s.hub.BroadcastToChannel(bookChannel(o.Symbol), update)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	respondJSON(w, BookSnapshot{
		Symbol:    symbol,
		Bids:      nonNil(s.store.LevelsFor(symbol, book.Buy)),
		Asks:      nonNil(s.store.LevelsFor(symbol, book.Sell)),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetBest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := vars["symbol"]

	side, err := book.ParseSide(vars["side"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	price, ok := s.store.BestPrice(symbol, side)
	if !ok {
		respondError(w, http.StatusNotFound, "no resting orders", symbol+" "+side.String())
		return
	}
	lv, _ := s.store.Level(symbol, side, price)
	respondJSON(w, BestPrice{Symbol: symbol, Side: side, Price: price, Level: lv})
}

func (s *Server) handleGetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	orders := s.store.OrdersFor(userID)
	if orders == nil {
		orders = []book.Order{}
	}
	respondJSON(w, UserOrders{UserID: userID, Orders: orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, ok := s.store.Order(id)
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", id)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing orderId", "")
		return
	}

	o, err := s.fills.Fill(r.Context(), req.OrderID, req.Quantity)
	if err != nil {
		respondError(w, fillStatus(err), "fill rejected", err.Error())
		return
	}
	respondJSON(w, o)
}

func fillStatus(err error) int {
	var rej *intake.Reject
	if !errors.As(err, &rej) {
		return http.StatusInternalServerError
	}
	switch rej.Code {
	case intake.UnknownOrder:
		return http.StatusNotFound
	case intake.OverFill:
		return http.StatusConflict
	case intake.StoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "ok", OpenOrders: s.store.OpenOrders()}
	if err := s.store.Verify(); err != nil {
		s.log.Errorw("book_inconsistent", "err", err)
		h.Status, h.Error = "inconsistent", err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(h)
		return
	}
	respondJSON(w, h)
}

// requireFillToken admits only requests carrying the configured bearer token.
func (s *Server) requireFillToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.fillToken == "" {
			respondError(w, http.StatusForbidden, "fill hook disabled", "no fill token configured")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.fillToken)) != 1 {
			s.log.Warnw("fill_unauthorized", "remote", r.RemoteAddr)
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid fill token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugw("http_request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// ==============================
// Helper Functions
// ==============================

func nonNil(levels []book.Level) []book.Level {
	if levels == nil {
		return []book.Level{}
	}
	return levels
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
