// Package server exposes the lending executor over HTTP. Reads are public,
// user operations are authorised by a secp256k1 signature over the request
// envelope and administrative routes require an operator credential.
package server

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendcore/crypto"
	"lendcore/native/lending"
	"lendcore/observability"
	"lendcore/services/lending/engine"
	"lendcore/services/lending/journal"
	"lendcore/services/lending/signing"
)

const (
	requestLimit   = 1 << 20 // 1 MiB
	requestTimeout = 10 * time.Second
)

// Backend is the operation surface the HTTP API drives.
type Backend interface {
	ProgramID() []byte
	SetPaused(paused bool)
	Paused() bool

	RegisterAsset(ctx context.Context, symbol string, decimals uint8) error
	Mint(ctx context.Context, to crypto.Address, asset string, amount uint64) error
	InitializeBank(ctx context.Context, asset string, maxLTV, liquidationThreshold uint64) (*lending.Bank, error)

	InitializeUser(ctx context.Context, caller engine.Caller, collateralAsset string) (*lending.UserPosition, error)
	Deposit(ctx context.Context, caller engine.Caller, asset string, amount uint64) (uint64, error)
	Withdraw(ctx context.Context, caller engine.Caller, asset string, amount uint64) (uint64, error)
	Borrow(ctx context.Context, caller engine.Caller, asset string, amount uint64) (uint64, error)
	Repay(ctx context.Context, caller engine.Caller, asset string, amount uint64) (uint64, error)
	Liquidate(ctx context.Context, caller engine.Caller, borrower crypto.Address, req lending.LiquidationRequest) (*lending.LiquidationResult, error)

	Bank(ctx context.Context, asset string) (*lending.Bank, error)
	Banks(ctx context.Context) ([]*lending.Bank, error)
	Position(ctx context.Context, owner crypto.Address) (*lending.UserPosition, error)
	Health(ctx context.Context, owner crypto.Address) (*lending.PositionHealth, error)
	Balance(ctx context.Context, account crypto.Address, asset string) (uint64, error)
	Nonce(ctx context.Context, account crypto.Address) (uint64, error)
}

// Journal is the read side of the operation journal.
type Journal interface {
	List(ctx context.Context, filter journal.Filter) ([]journal.Entry, error)
	ExportParquet(ctx context.Context, dir string, afterSequence uint64) (string, int, error)
}

var _ Backend = (*engine.Executor)(nil)

// Options configure a Server.
type Options struct {
	Backend Backend
	// Journal is optional; journal routes answer 404 without one.
	Journal   Journal
	ExportDir string
	Auth      *Authenticator
	Limiter   *RateLimiter
	Hub       *Hub
	Logger    *slog.Logger
}

// Server routes HTTP requests to the lending backend.
type Server struct {
	backend   Backend
	journal   Journal
	exportDir string
	auth      *Authenticator
	limiter   *RateLimiter
	hub       *Hub
	logger    *slog.Logger
}

// New constructs a server. A nil Authenticator rejects every admin request.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	return &Server{
		backend:   opts.Backend,
		journal:   opts.Journal,
		exportDir: opts.ExportDir,
		auth:      opts.Auth,
		limiter:   opts.Limiter,
		hub:       hub,
		logger:    logger,
	}
}

// Hub returns the event hub so it can be attached to the executor.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverer(s.logger))
	r.Use(requestLogger(s.logger))
	r.Use(observeRequests)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/lending", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Get("/events", s.hub.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Get("/banks", s.listBanks)
			r.Get("/banks/{asset}", s.getBank)
			r.Get("/positions/{user}", s.getPosition)
			r.Get("/positions/{user}/health", s.getHealth)
			r.Get("/balances/{asset}/{account}", s.getBalance)
			r.Get("/nonces/{account}", s.getNonce)
			r.Get("/journal", s.listJournal)

			r.Post("/users", s.signed(signing.ActionInitUser, s.initializeUser))
			r.Post("/deposit", s.signed(signing.ActionDeposit, s.deposit))
			r.Post("/withdraw", s.signed(signing.ActionWithdraw, s.withdraw))
			r.Post("/borrow", s.signed(signing.ActionBorrow, s.borrow))
			r.Post("/repay", s.signed(signing.ActionRepay, s.repay))
			r.Post("/liquidate", s.signed(signing.ActionLiquidate, s.liquidate))

			r.Group(func(r chi.Router) {
				r.Use(s.auth.Middleware)
				r.Post("/assets", s.registerAsset)
				r.Post("/assets/{asset}/mint", s.mint)
				r.Post("/banks", s.initializeBank)
				r.Post("/pause", s.setPaused)
				r.Post("/journal/export", s.exportJournal)
			})
		})
	})

	return otelhttp.NewHandler(r, "lendingd",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"paused":    s.backend.Paused(),
		"programId": hex.EncodeToString(s.backend.ProgramID()),
	})
}

// observeRequests records latency per matched route pattern.
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe("lending", r.Method+" "+routePattern(r), status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func parseUintParam(raw string) (uint64, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	return v, err == nil
}
