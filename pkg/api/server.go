package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/papertrade/papertrade/pkg/feed"
	"github.com/papertrade/papertrade/pkg/ledger"
	"github.com/papertrade/papertrade/pkg/trade"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// MarketView is the read side of the market feed.
type MarketView interface {
	Snapshot() feed.Update
}

// Server handles REST auth/admin endpoints and WebSocket sessions. All
// account mutations go through the ledger store; nothing here touches an
// account outside its per-account critical section.
type Server struct {
	store       *ledger.Store
	exec        *trade.Executor
	market      MarketView
	hub         *Hub
	router      *mux.Router
	corsOrigins []string
	log         *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(store *ledger.Store, exec *trade.Executor, market MarketView, corsOrigins []string, logger *zap.SugaredLogger) *Server {
	s := &Server{
		store:       store,
		exec:        exec,
		market:      market,
		hub:         NewHub(logger),
		corsOrigins: corsOrigins,
		log:         logger,
	}

	s.setupRoutes()
	return s
}

// Hub exposes the subscription hub so the market feed can publish into it.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	// Auth endpoints
	s.router.HandleFunc("/api/login", s.handleLogin).Methods("POST")
	s.router.HandleFunc("/api/register", s.handleRegister).Methods("POST")

	// Admin endpoints
	admin := s.router.PathPrefix("/api/admin").Subrouter()
	admin.HandleFunc("/users", s.handleListUsers).Methods("GET")
	admin.HandleFunc("/create-user", s.handleCreateUser).Methods("POST")
	admin.HandleFunc("/update-balance", s.handleUpdateBalance).Methods("POST")
	admin.HandleFunc("/update-user", s.handleUpdateUser).Methods("POST")
	admin.HandleFunc("/delete-user", s.handleDeleteUser).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub and serves HTTP until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{Addr: addr, Handler: c.Handler(s.router)}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	s.log.Infow("api_server_starting", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ==============================
// Auth handlers
// ==============================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	acc, err := s.store.Get(req.Username)
	if err != nil || bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(req.Password)) != nil {
		s.log.Warnw("login_failed", "username", req.Username)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(AuthResponse{Success: false, Message: "Invalid credentials"})
		return
	}

	respondJSON(w, AuthResponse{
		Success: true,
		User:    &UserInfo{Username: acc.ID, Name: acc.Name, Role: acc.Role},
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password required", "")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "password hashing failed", err.Error())
		return
	}

	acc := ledger.NewAccount(req.Username, req.Name, string(hash), ledger.RoleUser)
	if err := s.store.Create(acc); err != nil {
		if errors.Is(err, ledger.ErrExists) {
			respondError(w, http.StatusConflict, "username taken", "")
			return
		}
		respondError(w, http.StatusInternalServerError, "account creation failed", err.Error())
		return
	}

	respondJSON(w, AuthResponse{
		Success: true,
		User:    &UserInfo{Username: acc.ID, Name: acc.Name, Role: acc.Role},
	})
}

// ==============================
// Admin handlers
// ==============================

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	accounts := s.store.List()

	users := make([]UserSummary, len(accounts))
	for i, acc := range accounts {
		users[i] = UserSummary{
			Username:    acc.ID,
			Name:        acc.Name,
			Role:        acc.Role,
			Balance:     acc.CashBalance,
			BTCHoldings: acc.BTCHoldings,
			AvgBuyPrice: acc.AvgCostBasis,
		}
	}

	respondJSON(w, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password required", "")
		return
	}
	if req.Balance < 0 {
		respondError(w, http.StatusBadRequest, "balance cannot be negative", "")
		return
	}

	role := ledger.RoleUser
	if req.Role == string(ledger.RoleAdmin) {
		role = ledger.RoleAdmin
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "password hashing failed", err.Error())
		return
	}

	acc := ledger.NewAccount(req.Username, req.Name, string(hash), role)
	acc.CashBalance = req.Balance
	if err := s.store.Create(acc); err != nil {
		if errors.Is(err, ledger.ErrExists) {
			respondError(w, http.StatusConflict, "username taken", "")
			return
		}
		respondError(w, http.StatusInternalServerError, "account creation failed", err.Error())
		return
	}

	respondJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleUpdateBalance(w http.ResponseWriter, r *http.Request) {
	var req UpdateBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	acc, err := s.store.AdjustBalance(req.Username, req.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "user not found", "")
			return
		}
		respondError(w, http.StatusBadRequest, "balance update failed", err.Error())
		return
	}

	// The owning session sees the adjustment immediately.
	market := s.market.Snapshot()
	s.hub.NotifyAccount(acc.ID, acc.Snapshot(market.Price, s.exec.Leverage()))

	respondJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	var hash *string
	if req.Password != nil {
		h, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "password hashing failed", err.Error())
			return
		}
		hs := string(h)
		hash = &hs
	}

	if err := s.store.UpdateIdentity(req.Username, req.Name, hash); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "user not found", "")
			return
		}
		respondError(w, http.StatusInternalServerError, "update failed", err.Error())
		return
	}

	respondJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	var req DeleteUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := s.store.Delete(req.Username); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "user not found", "")
			return
		}
		respondError(w, http.StatusInternalServerError, "delete failed", err.Error())
		return
	}

	respondJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// WebSocket session handlers
// ==============================

// handleJoin binds the session to a principal and sends the join snapshot:
// current market state, the caller's portfolio, and the active leverage.
// Joining as an unknown principal is a no-op.
func (s *Server) handleJoin(c *Client, principal string) {
	if principal == "" {
		return
	}

	acc, err := s.store.Get(principal)
	if err != nil {
		s.log.Warnw("join_unknown_principal", "session", c.id, "principal", principal)
		return
	}

	c.bind(principal)
	s.log.Infow("session_joined", "session", c.id, "principal", principal)

	market := s.market.Snapshot()
	c.sendJSON(MarketSnapshot{Type: "market-snapshot", Symbol: market.Symbol, Price: market.Price, Candle: market.Candle})
	c.sendJSON(PortfolioUpdate{Type: "portfolio-update", Account: acc.Snapshot(market.Price, s.exec.Leverage())})
	c.sendJSON(LeverageUpdate{Type: "leverage-update", Leverage: s.exec.Leverage()})
}

// handleTrade runs the executor for a joined session. Rejections are logged
// but not surfaced on the wire; the session simply receives no portfolio
// update. The executor pushes the post-trade snapshot itself.
func (s *Server) handleTrade(c *Client, msg ClientMessage) {
	principal := c.Principal()
	if principal == "" {
		return
	}

	unit := msg.Unit
	if unit == "" {
		unit = string(trade.UnitUSD)
	}

	result := s.exec.Execute(trade.Request{
		AccountID: principal,
		Side:      trade.Side(msg.Side),
		Amount:    msg.Amount,
		Unit:      trade.Unit(unit),
	})

	if result.Status == trade.StatusRejected {
		s.log.Infow("trade_dropped",
			"session", c.id, "principal", principal,
			"side", msg.Side, "amount", msg.Amount, "unit", unit,
			"reason", result.Reason)
	}
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
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
