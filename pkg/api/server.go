package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/feeledger/pkg/app/venue"
	"github.com/uhyunpark/feeledger/pkg/ledger"
	"github.com/uhyunpark/feeledger/pkg/transaction"
	"github.com/uhyunpark/feeledger/pkg/util"
)

// maxBodyBytes bounds POST bodies; a signed command is well under 4KB
const maxBodyBytes = 64 << 10

type Config struct {
	AllowedOrigins []string
	RateLimit      float64 // requests per second across all clients, 0 = unlimited
	RateBurst      int
	Registry       *prometheus.Registry // served on /metrics when set
	Clock          util.Clock
	Hub            *Hub // created when nil
}

func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		RateLimit:      200,
		RateBurst:      400,
	}
}

// Server handles REST API and WebSocket connections
type Server struct {
	app     *venue.App
	router  *mux.Router
	hub     *Hub
	cfg     Config
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewServer(app *venue.App, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.NewClock()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(log.Named("ws"))
	}
	s := &Server{
		app:    app,
		router: mux.NewRouter(),
		hub:    cfg.Hub,
		cfg:    cfg,
		log:    log,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.setupRoutes()
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimit)

	api.HandleFunc("/venue", s.handleGetVenue).Methods("GET")
	api.HandleFunc("/state", s.handleGetState).Methods("GET")

	api.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")

	api.HandleFunc("/commands", s.handleSubmitCommand).Methods("POST")
	api.HandleFunc("/quote", s.handleQuote).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.cfg.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Handler returns the router wrapped in CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "RateLimited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetVenue(w http.ResponseWriter, r *http.Request) {
	v, err := s.app.Ledger().Venue(r.Context())
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, venueInfo(v))
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.app.Ledger().Snapshot(r.Context())
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	digest, err := snap.Digest()
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	info := StateInfo{Digest: digest.Hex(), Accounts: len(snap.Accounts), Conserved: true}
	if err := snap.CheckConservation(); err != nil {
		info.Conserved = false
		info.Conservation = err.Error()
	}
	respondJSON(w, info)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.app.Ledger().Accounts(r.Context())
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	out := make([]AccountInfo, len(accounts))
	for i, acc := range accounts {
		out[i] = accountInfo(acc)
	}
	respondJSON(w, out)
}

func (s *Server) loadAccount(w http.ResponseWriter, r *http.Request) (*ledger.Account, bool) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "InvalidAddress", addressStr)
		return nil, false
	}
	acc, err := s.app.Ledger().Account(r.Context(), common.HexToAddress(addressStr))
	if err != nil {
		s.respondLedgerError(w, err)
		return nil, false
	}
	return acc, true
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.loadAccount(w, r)
	if !ok {
		return
	}
	respondJSON(w, accountInfo(acc))
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.loadAccount(w, r)
	if !ok {
		return
	}
	now := util.UnixNow(s.cfg.Clock)
	live := acc.Orders.Live()
	orders := make([]OrderInfo, 0, len(live))
	for _, i := range live {
		o, err := acc.Orders.Get(i)
		if err != nil {
			continue
		}
		orders = append(orders, OrderInfo{
			Index:         i,
			Side:          o.Side.String(),
			Price:         o.Price,
			SizeRemaining: o.SizeRemaining,
			SizeTotal:     o.SizeTotal,
			CreatedAt:     o.CreatedAt,
			ExpiresAt:     o.ExpiresAt,
			Expired:       o.Expired(now),
		})
	}
	respondJSON(w, orders)
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Malformed", "failed to read body: "+err.Error())
		return
	}
	sc, err := transaction.ParseSignedCommand(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Malformed", err.Error())
		return
	}

	receipt, err := s.app.Apply(r.Context(), sc)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	s.log.Debug("command applied",
		zap.String("kind", string(receipt.Kind)),
		zap.String("caller", receipt.Caller.Hex()),
		zap.Uint64("nonce", receipt.Nonce))
	respondJSON(w, receipt)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed", err.Error())
		return
	}
	if !common.IsHexAddress(req.Maker) || !common.IsHexAddress(req.Taker) {
		respondError(w, http.StatusBadRequest, "InvalidAddress", "maker and taker must be hex addresses")
		return
	}
	split, err := s.app.Ledger().QuoteFill(r.Context(), ledger.FillRequest{
		Maker:      common.HexToAddress(req.Maker),
		Taker:      common.HexToAddress(req.Taker),
		OrderIndex: req.OrderIndex,
		FillSize:   req.FillSize,
	})
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, split)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func venueInfo(v *ledger.Venue) VenueInfo {
	return VenueInfo{
		Authority:                        v.Authority.Hex(),
		MakerRebateBps:                   v.Fees.MakerRebateBps,
		TakerFeeBps:                      v.Fees.TakerFeeBps,
		ReferralBps:                      v.Fees.ReferralBps,
		TotalFeesCollected:               v.TotalFeesCollected,
		TotalFeesWithdrawn:               v.TotalFeesWithdrawn,
		TotalLiquidityRewardsDistributed: v.TotalLiquidityRewardsDistributed,
		ScoringEpoch:                     v.ScoringEpoch,
		LastRewardEpoch:                  v.LastRewardEpoch,
	}
}

func accountInfo(acc *ledger.Account) AccountInfo {
	info := AccountInfo{
		Address:                acc.Owner.Hex(),
		OpenOrders:             acc.Orders.Open(),
		OrderSlots:             acc.Orders.Cap(),
		MakerVolume:            acc.MakerVolume,
		MakerRebatesEarned:     acc.MakerRebatesEarned,
		TakerVolume:            acc.TakerVolume,
		TakerFeesPaid:          acc.TakerFeesPaid,
		ReferralRewardsEarned:  acc.ReferralRewardsEarned,
		LiquidityScore:         acc.LiquidityScore,
		LiquidityRewardsEarned: acc.LiquidityRewardsEarned,
		LastActivity:           acc.LastActivity,
	}
	if acc.HasReferrer() {
		info.Referrer = acc.Referrer.Hex()
	}
	return info
}

func (s *Server) respondLedgerError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("kind", kind), zap.Error(err))
	}
	respondError(w, status, kind, err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, kind string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   kind,
		Message: message,
	})
}
