package settled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/gorm"

	"paysettle/core/events"
	"paysettle/native/settlement"
	"paysettle/observability"
	"paysettle/observability/logging"
	telemetry "paysettle/observability/otel"
	"paysettle/services/settled/config"
	"paysettle/services/settled/exchange"
	"paysettle/services/settled/idempotency"
	"paysettle/services/settled/server"
	"paysettle/services/settled/storage"
	"paysettle/state/custody"
)

const pruneInterval = 10 * time.Minute

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settled/config.yaml", "path to settled configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SETTLED_ENV"))
	logger := logging.Setup("settled", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	logger.Info("settled: configuration loaded",
		"listen", cfg.ListenAddress,
		"custody_backend", cfg.Custody.Backend,
		"paused", cfg.PauseOnStart,
		logging.MaskField("audit_dsn", cfg.Audit.DSN),
		logging.MaskField("hmac_secret", cfg.Auth.HMACSecret))
	otelCfg := telemetry.ConfigFromEnv("settled", env)
	otelCfg.ServiceVersion = settlement.Version
	shutdownTelemetry, err := telemetry.Init(context.Background(), otelCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(stopCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           app.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go app.pruneLoop(stopCtx, pruneInterval)

	errs := make(chan error, 1)
	go func() {
		logger.Info("settled listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type app struct {
	engine *settlement.Engine
	ledger *custody.Ledger
	trail  *storage.Trail
	audit  *gorm.DB
	idem   *idempotency.Store
	server *server.Server
	logger *slog.Logger
}

// build wires custody, exchange, audit trail, engine and HTTP server from cfg.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	owner, err := settlement.ParseIdentity(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	account, err := settlement.ParseIdentity(cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}

	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	switch cfg.Custody.Backend {
	case "leveldb":
		a.ledger, err = custody.OpenLevelLedger(cfg.Custody.Path)
		if err != nil {
			return nil, fmt.Errorf("open custody ledger: %w", err)
		}
	default:
		a.ledger = custody.NewMemLedger()
	}
	if err := seedLedger(ctx, a.ledger, cfg.Custody.Seed, logger); err != nil {
		return nil, err
	}

	opts := []settlement.Option{settlement.WithLogger(logger)}
	if len(cfg.Exchange.Rates) > 0 {
		x, err := newExchange(a.ledger, cfg.Exchange)
		if err != nil {
			return nil, err
		}
		opts = append(opts, settlement.WithExchange(x))
	}

	a.audit, err = storage.Open(cfg.Audit.DSN)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	a.trail, err = storage.NewTrail(a.audit, storage.WithTrailLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("init audit trail: %w", err)
	}
	opts = append(opts, settlement.WithEmitter(events.Fanout{
		a.trail,
		observability.NewMetricsEmitter(),
		logSink(logger),
	}))

	a.engine, err = settlement.NewEngine(settlement.Config{
		Owner:          owner,
		Account:        account,
		MinSlippageBps: cfg.Slippage.MinBps,
		MaxSlippageBps: cfg.Slippage.MaxBps,
		Paused:         cfg.PauseOnStart,
	}, a.ledger, opts...)
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	observability.Settlement().SetPause(a.engine.Paused())
	observability.Settlement().SetMinSlippage(a.engine.MinSlippageBps())

	a.idem, err = idempotency.Open(cfg.Idempotency.Path, cfg.Idempotency.TTL.Duration, nil)
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}

	a.server, err = server.New(server.Config{
		Engine:      settlement.NewQueue(a.engine),
		Balances:    a.ledger,
		Audit:       a.trail,
		Idempotency: a.idem,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init server: %w", err)
	}
	ok = true
	return a, nil
}

// Close releases the stores. It is safe on a partially built app.
func (a *app) Close() {
	if a.idem != nil {
		_ = a.idem.Close()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	if a.audit != nil {
		if sqlDB, err := a.audit.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func (a *app) pruneLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := a.idem.Prune(now)
			if err != nil {
				a.logger.Warn("settled: prune idempotency records", "error", err)
				continue
			}
			if removed > 0 {
				a.logger.Debug("settled: pruned idempotency records", "removed", removed)
			}
		}
	}
}

func newExchange(ledger *custody.Ledger, cfg config.ExchangeConfig) (*exchange.RateExchange, error) {
	pool, err := settlement.ParseIdentity(cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("exchange pool: %w", err)
	}
	x, err := exchange.New(ledger, pool, exchange.WithFeeBps(cfg.FeeBps))
	if err != nil {
		return nil, fmt.Errorf("init exchange: %w", err)
	}
	for _, rc := range cfg.Rates {
		rate, err := exchange.ParseRate(rc.Rate)
		if err != nil {
			return nil, fmt.Errorf("exchange rate %s/%s: %w", rc.From, rc.To, err)
		}
		if err := x.SetRate(settlement.Asset(strings.TrimSpace(rc.From)), settlement.Asset(strings.TrimSpace(rc.To)), rate); err != nil {
			return nil, fmt.Errorf("exchange rate %s/%s: %w", rc.From, rc.To, err)
		}
	}
	return x, nil
}

func seedLedger(ctx context.Context, ledger *custody.Ledger, seeds []config.SeedBalance, logger *slog.Logger) error {
	for _, seed := range seeds {
		asset := settlement.Asset(strings.TrimSpace(seed.Asset))
		account, err := settlement.ParseIdentity(seed.Account)
		if err != nil {
			return fmt.Errorf("seed account: %w", err)
		}
		amount, err := settlement.ParseAmount(seed.Amount)
		if err != nil {
			return fmt.Errorf("seed amount: %w", err)
		}
		current, err := ledger.Balance(asset, account)
		if err != nil {
			return fmt.Errorf("seed balance: %w", err)
		}
		if !current.IsZero() {
			continue
		}
		if err := ledger.Mint(ctx, asset, account, amount); err != nil {
			return fmt.Errorf("seed %s for %s: %w", asset, account.Hex(), err)
		}
		logger.Info("settled: seeded custody balance", "asset", string(asset), "account", account.Hex(), "amount", amount.String())
	}
	return nil
}

func logSink(logger *slog.Logger) events.Emitter {
	return events.EmitterFunc(func(evt events.Event) {
		attrs := []any{"type", evt.EventType()}
		if wire, ok := evt.(events.WireEvent); ok {
			if rendered := wire.Event(); rendered != nil {
				for _, k := range rendered.Keys() {
					attrs = append(attrs, k, rendered.Attributes[k])
				}
			}
		}
		logger.Info("settled: event", attrs...)
	})
}
