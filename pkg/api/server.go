package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockledger/pkg/app/core/account"
	"github.com/uhyunpark/stockledger/pkg/app/core/history"
	"github.com/uhyunpark/stockledger/pkg/app/core/ledger"
	"github.com/uhyunpark/stockledger/pkg/app/core/quote"
	"github.com/uhyunpark/stockledger/pkg/app/core/watchlist"
	"github.com/uhyunpark/stockledger/pkg/app/trading"
)

// Options configures the HTTP layer
type Options struct {
	CORSOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	app     *trading.App
	router  *mux.Router
	hub     *Hub
	decoder *schema.Decoder
	opts    Options
	log     *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(app *trading.App, opts Options, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	dec := schema.NewDecoder()
	dec.IgnoreUnknownKeys(true)
	dec.RegisterConverter(decimal.Decimal{}, func(s string) reflect.Value {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return reflect.Value{}
		}
		return reflect.ValueOf(d)
	})

	s := &Server{
		app:     app,
		router:  mux.NewRouter(),
		hub:     NewHub(logger.Named("ws")),
		decoder: dec,
		opts:    opts,
		log:     logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Quote endpoints
	r.HandleFunc("/get_ltp", s.handleGetLTP).Methods("GET")
	r.HandleFunc("/get_all_instrument_identifiers", s.handleGetInstruments).Methods("GET")
	r.HandleFunc("/get_quote_details", s.handleGetQuoteDetails).Methods("GET")
	r.HandleFunc("/quotes", s.handlePushQuote).Methods("POST")

	// User endpoints
	r.HandleFunc("/login", s.handleLogin).Methods("POST")
	r.HandleFunc("/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/buy", s.handleOrder(history.Buy)).Methods("POST")
	r.HandleFunc("/sell", s.handleOrder(history.Sell)).Methods("POST")
	r.HandleFunc("/users/{id}/purchase_history", s.handleHistory(history.Buy)).Methods("GET")
	r.HandleFunc("/users/{id}/sell_history", s.handleHistory(history.Sell)).Methods("GET")
	r.HandleFunc("/users/{id}/watchlist", s.handleGetWatchlist).Methods("GET")
	r.HandleFunc("/users/{id}/watchlist", s.handleAddWatchlist).Methods("POST")
	r.HandleFunc("/users/{id}/delete_watchlist_items", s.handleDeleteWatchlist).Methods("POST")
	r.HandleFunc("/users/{id}/portfolio", s.handlePortfolio).Methods("GET")

	// Admin endpoints
	r.HandleFunc("/create_admin", s.handleCreateAdmin).Methods("POST")
	r.HandleFunc("/create_user", s.handleCreateUser).Methods("POST")
	r.HandleFunc("/pause_user", s.handleSetStatus(account.StatusPaused)).Methods("POST")
	r.HandleFunc("/ban_user", s.handleSetStatus(account.StatusBanned)).Methods("POST")
	r.HandleFunc("/activate_user", s.handleSetStatus(account.StatusActive)).Methods("POST")
	r.HandleFunc("/get_user_history/{id}", s.handleUserHistory).Methods("GET")

	// WebSocket endpoint
	r.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.log.Infow("api_server_stopped")
	return nil
}

// ==============================
// Quote Handlers
// ==============================

func (s *Server) handleGetLTP(w http.ResponseWriter, r *http.Request) {
	var req instrumentQuery
	if !s.decode(w, r, &req) {
		return
	}
	ltp, err := s.app.LTP(req.InstrumentID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, LTPResponse{InstrumentIdentifier: req.InstrumentID, LastTradePrice: ltp})
}

func (s *Server) handleGetInstruments(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, InstrumentsResponse{InstrumentIdentifiers: s.app.Quotes.InstrumentIDs()})
}

func (s *Server) handleGetQuoteDetails(w http.ResponseWriter, r *http.Request) {
	var req instrumentQuery
	if !s.decode(w, r, &req) {
		return
	}
	q, err := s.app.Quotes.Get(req.InstrumentID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, quoteInfo(q))
}

func (s *Server) handlePushQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	var ts time.Time
	if req.Timestamp != "" {
		var err error
		if ts, err = time.Parse(time.RFC3339Nano, req.Timestamp); err != nil {
			respondError(w, http.StatusBadRequest, "invalid timestamp", err.Error())
			return
		}
	}
	q, err := s.app.PushQuote(req.InstrumentID, req.Price, ts)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, quoteInfo(q))
}

// ==============================
// User Handlers
// ==============================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	acc, err := s.app.Login(req.Username, req.Password)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accountInfo(acc))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	acc, err := s.app.Register(req.Username, req.Password, req.Email)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, accountInfo(acc))
}

func (s *Server) handleOrder(side history.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orderRequest
		if !s.decode(w, r, &req) {
			return
		}
		o, err := s.app.Ledger.ExecuteOrder(r.Context(), req.UserID, req.InstrumentID, side, req.Quantity)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, orderInfo(o))
	}
}

func (s *Server) handleHistory(side history.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orders, err := s.app.OrderHistory(mux.Vars(r)["id"], side)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, orderInfos(orders))
	}
}

func (s *Server) handleGetWatchlist(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	ids, err := s.app.Watchlists.List(userID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	quotes, err := s.app.Watchlists.Quotes(userID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	resp := WatchlistResponse{UserID: userID, Watchlist: ids, Quotes: make([]QuoteInfo, len(quotes))}
	for i, q := range quotes {
		resp.Quotes[i] = quoteInfo(q)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddWatchlist(w http.ResponseWriter, r *http.Request) {
	var req watchlistRequest
	if !s.decode(w, r, &req) {
		return
	}
	userID := mux.Vars(r)["id"]
	ids, err := s.app.Watchlists.Add(userID, splitList(req.Watchlist))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, WatchlistResponse{UserID: userID, Watchlist: ids})
}

func (s *Server) handleDeleteWatchlist(w http.ResponseWriter, r *http.Request) {
	var req watchlistRequest
	if !s.decode(w, r, &req) {
		return
	}
	userID := mux.Vars(r)["id"]
	ids, err := s.app.Watchlists.RemoveMany(userID, splitList(req.Watchlist))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, WatchlistResponse{UserID: userID, Watchlist: ids})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.app.Ledger.Portfolio(mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// ==============================
// Admin Handlers
// ==============================

func (s *Server) handleCreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	acc, err := s.app.CreateAdmin(req.Username, req.Password, req.Email)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, accountInfo(acc))
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !s.decode(w, r, &req) {
		return
	}
	role, err := account.ParseRole(req.Role)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	acc, err := s.app.CreateUser(req.AdminID, req.Username, req.Password, req.Email, role)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, accountInfo(acc))
}

func (s *Server) handleSetStatus(status account.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req userStatusRequest
		if !s.decode(w, r, &req) {
			return
		}
		acc, err := s.app.SetUserStatus(req.AdminID, req.UserID, status)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, accountInfo(acc))
	}
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	var req adminQuery
	if !s.decode(w, r, &req) {
		return
	}
	orders, err := s.app.UserHistory(req.AdminID, mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderInfos(orders))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.app.Broadcaster.Stats()
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Instruments: s.app.Quotes.Count(),
		Subscribers: st.Subscribers,
		Published:   st.Published,
		Dropped:     st.Dropped,
	})
}

// ==============================
// Helper Functions
// ==============================

// decode fills dst from the query string and form body. On failure it has
// already written a 400.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid form", err.Error())
		return false
	}
	if err := s.decoder.Decode(dst, r.Form); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return false
	}
	return true
}

// splitList accepts both repeated keys and comma separated values
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, quote.ErrInstrumentNotFound),
		errors.Is(err, account.ErrUserNotFound),
		errors.Is(err, watchlist.ErrNotInWatchlist):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientHoldings),
		errors.Is(err, history.ErrInvalidSide),
		errors.Is(err, quote.ErrInvalidPrice),
		errors.Is(err, quote.ErrInvalidInstrument),
		errors.Is(err, account.ErrInvalidAccount),
		errors.Is(err, account.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, account.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, account.ErrUserSuspended),
		errors.Is(err, account.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, account.ErrUserExists),
		errors.Is(err, quote.ErrStaleQuote):
		return http.StatusConflict
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("request_failed", "err", err)
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
