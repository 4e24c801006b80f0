package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"paysettle/native/settlement"
	"paysettle/observability"
	"paysettle/services/settled/idempotency"
	"paysettle/services/settled/storage"
)

// Engine is the settlement surface exposed over HTTP.
type Engine interface {
	ProcessPayment(ctx context.Context, caller settlement.Identity, req settlement.Request) (settlement.Amount, error)
	Pause(ctx context.Context, caller settlement.Identity) error
	Unpause(ctx context.Context, caller settlement.Identity) error
	SetMinSlippage(ctx context.Context, caller settlement.Identity, bps uint16) error
	TransferOwnership(ctx context.Context, caller, newOwner settlement.Identity) error
	EmergencyWithdraw(ctx context.Context, caller settlement.Identity, asset settlement.Asset, to settlement.Identity, amount settlement.Amount) error
	Snapshot(ctx context.Context) (settlement.Snapshot, error)
}

// Balances reads custody balances.
type Balances interface {
	Balance(asset settlement.Asset, account settlement.Identity) (settlement.Amount, error)
}

// AuditLog exposes the hash-chained event trail.
type AuditLog interface {
	List(ctx context.Context, opts storage.ListOptions) ([]storage.AuditRecord, error)
	Verify(ctx context.Context) (int, error)
	Head(ctx context.Context) (uint64, string, error)
}

// Config wires the server's collaborators.
type Config struct {
	Engine      Engine
	Balances    Balances
	Audit       AuditLog
	Idempotency *idempotency.Store
	Auth        AuthConfig
	RateLimit   RateLimit
	Logger      *slog.Logger
	Now         func() time.Time
}

// Server serves the settled HTTP API.
type Server struct {
	engine   Engine
	balances Balances
	audit    AuditLog
	idem     *idempotency.Store
	auth     *Authenticator
	limiter  *RateLimiter
	logger   *slog.Logger
	now      func() time.Time
}

// New validates cfg and builds a server.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		engine:   cfg.Engine,
		balances: cfg.Balances,
		audit:    cfg.Audit,
		idem:     cfg.Idempotency,
		auth:     auth,
		limiter:  NewRateLimiter(cfg.RateLimit),
		logger:   logger,
		now:      now,
	}, nil
}

// Router returns the chi router without tracing middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.observe)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Use(s.limiter.Middleware("v1"))

		r.Post("/settlements", s.handleSettle)
		r.Get("/status", s.handleStatus)
		r.Get("/balances/{asset}/{account}", s.handleBalance)
		r.Get("/audit", s.handleAuditList)
		r.Get("/audit/verify", s.handleAuditVerify)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/pause", s.handlePause)
			r.Post("/unpause", s.handleUnpause)
			r.Post("/slippage", s.handleSlippage)
			r.Post("/ownership", s.handleOwnership)
			r.Post("/withdraw", s.handleWithdraw)
		})
	})
	return r
}

// Handler returns the router wrapped with OpenTelemetry HTTP instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Router(), "settled")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		observability.HTTP().Observe(route, r.Method, recorder.status, s.now().Sub(start))
	})
}
