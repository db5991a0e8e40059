// Package api provides the HTTP REST API for the sandbox brokerage.
//
// It exposes order placement and lifecycle, position/holding/fund
// projections, runtime configuration, the simulated quote feed and a
// WebSocket stream of order and mark-to-market events.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/config"
	"github.com/seenimoa/sandbox/internal/sandbox"
	"github.com/seenimoa/sandbox/pkg/models"
)

// userHeader carries the acting user. Absent, the default account is
// used; funds are provisioned on first touch either way.
const (
	userHeader  = "X-User-ID"
	defaultUser = "default"
)

// Server is the HTTP API server.
type Server struct {
	router chi.Router
	cfg    *config.Config
	app    *sandbox.App
	log    *zap.SugaredLogger
	wsHub  *WSHub
}

// NewServer creates a configured API server with all routes and
// middleware, and wires itself as the order-event sink.
func NewServer(app *sandbox.App) *Server {
	srv := &Server{
		cfg:   app.Cfg,
		app:   app,
		log:   app.Log.Named("api"),
		wsHub: NewWSHub(),
	}
	app.SetNotifier(srv)
	srv.router = srv.buildRouter()
	return srv
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// OrderUpdated implements engine.Notifier: every order transition is
// broadcast to WebSocket clients.
func (s *Server) OrderUpdated(o models.Order) {
	s.wsHub.Broadcast(WSMessage{
		Type: "order_update",
		Data: o,
	})
}

// ListenAndServe starts the HTTP server with graceful shutdown.
func (s *Server) ListenAndServe(addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.wsHub.Run()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-done:
	}
	s.log.Infow("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

// buildRouter configures all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := []string{"*"}
	if len(s.cfg.API.CORSOrigins) > 0 {
		origins = s.cfg.API.CORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", userHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Orders
		r.Post("/orders", s.handlePlaceOrder)
		r.Get("/orders", s.handleGetOrders)
		r.Get("/orders/{id}", s.handleGetOrderByID)
		r.Put("/orders/{id}", s.handleModifyOrder)
		r.Delete("/orders/{id}", s.handleCancelOrder)
		r.Delete("/orders", s.handleCancelAllOrders)

		// Trades
		r.Get("/trades", s.handleGetTrades)

		// Positions / Holdings / Funds
		r.Get("/positions", s.handleGetPositions)
		r.Post("/positions/close", s.handleClosePosition)
		r.Get("/holdings", s.handleGetHoldings)
		r.Get("/funds", s.handleGetFunds)

		// Runtime configuration
		r.Get("/config", s.handleGetConfig)
		r.Put("/config/{key}", s.handleSetConfig)

		// Account reset
		r.Post("/reset", s.handleReset)

		// Simulated market feed
		r.Post("/feed/symbols", s.handleAddSymbol)
		r.Post("/feed/quotes", s.handlePushQuote)

		// WebSocket
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// ============================================================
// Request / Response types
// ============================================================

// APIResponse is the standard JSON envelope.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ClosePositionRequest is the body for POST /api/v1/positions/close.
type ClosePositionRequest struct {
	Symbol   string         `json:"symbol"`
	Exchange string         `json:"exchange"`
	Product  models.Product `json:"product"`
}

// AddSymbolRequest is the body for POST /api/v1/feed/symbols.
type AddSymbolRequest struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	LotSize  int64  `json:"lot_size,omitempty"`
}

// SetConfigRequest is the body for PUT /api/v1/config/{key}.
type SetConfigRequest struct {
	Value string `json:"value"`
}

// ============================================================
// Handlers
// ============================================================

func userID(r *http.Request) string {
	if u := r.Header.Get(userHeader); u != "" {
		return u
	}
	return defaultUser
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"status":   "ok",
			"time":     time.Now().In(s.app.Location).Format(time.RFC3339),
			"timezone": s.app.Location.String(),
		},
	})
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := s.app.Orders.PlaceOrder(r.Context(), userID(r), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: order})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.app.Store.OrdersByUser(r.Context(), s.app.Store.DB(), userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: orders})
}

func (s *Server) handleGetOrderByID(w http.ResponseWriter, r *http.Request) {
	order, err := s.app.Store.GetOrder(r.Context(), s.app.Store.DB(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: order})
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var changes models.OrderChanges
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := s.app.Orders.ModifyOrder(r.Context(), userID(r), chi.URLParam(r, "id"), changes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: order})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.app.Orders.CancelOrder(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: order})
}

func (s *Server) handleCancelAllOrders(w http.ResponseWriter, r *http.Request) {
	n, err := s.app.Orders.CancelAll(r.Context(), userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    map[string]int{"cancelled": n},
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.app.Store.TradesByUser(r.Context(), s.app.Store.DB(), userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: trades})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.app.Store.PositionsByUser(r.Context(), s.app.Store.DB(), userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: rows})
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := s.app.Orders.ClosePosition(r.Context(), models.PositionKey{
		UserID:   userID(r),
		Symbol:   req.Symbol,
		Exchange: req.Exchange,
		Product:  req.Product,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: order})
}

func (s *Server) handleGetHoldings(w http.ResponseWriter, r *http.Request) {
	rows, err := s.app.Store.HoldingsByUser(r.Context(), s.app.Store.DB(), userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: rows})
}

func (s *Server) handleGetFunds(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	var funds *models.Funds
	err := s.app.Store.WithUserTx(r.Context(), user, func(tx *sql.Tx) error {
		var err error
		funds, err = s.app.Ledger.Get(r.Context(), tx, user)
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: funds})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: s.app.Runtime.All()})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req SetConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.app.Runtime.Set(r.Context(), key, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    map[string]string{key: req.Value},
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if err := s.app.Resetter.ResetUser(r.Context(), user); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    map[string]string{"reset": user},
	})
}

func (s *Server) handleAddSymbol(w http.ResponseWriter, r *http.Request) {
	var req AddSymbolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Symbol == "" || req.Exchange == "" {
		writeError(w, http.StatusBadRequest, "symbol and exchange are required")
		return
	}

	s.app.Provider.AddSymbol(req.Symbol, req.Exchange, req.LotSize)
	writeJSON(w, http.StatusCreated, APIResponse{Success: true})
}

func (s *Server) handlePushQuote(w http.ResponseWriter, r *http.Request) {
	var q models.Quote
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if q.Symbol == "" || q.Exchange == "" {
		writeError(w, http.StatusBadRequest, "symbol and exchange are required")
		return
	}

	s.app.Provider.SetQuote(q)
	writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

// ============================================================
// Helpers
// ============================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{Success: false, Error: msg})
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrOrderNotFound),
		errors.Is(err, models.ErrPositionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInsufficientFunds),
		errors.Is(err, models.ErrInsufficientHoldings),
		errors.Is(err, models.ErrMISCutoffBlocked):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, models.ErrQuoteUnavailable),
		errors.Is(err, models.ErrUnknownSymbol):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ============================================================
// WebSocket Hub
// ============================================================

// WSMessage is a message sent over WebSocket connections.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// WSHub manages WebSocket connections and message broadcasting.
type WSHub struct {
	mu         sync.RWMutex
	clients    map[*WSClient]bool
	broadcast  chan WSMessage
	register   chan *WSClient
	unregister chan *WSClient
}

// WSClient represents a single WebSocket connection.
type WSClient struct {
	hub  *WSHub
	send chan WSMessage
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow client; disconnect
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected WebSocket clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
		// Drop message if broadcast channel is full
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds a client to the hub.
func (h *WSHub) Register(client *WSClient) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *WSHub) Unregister(client *WSClient) {
	h.unregister <- client
}
