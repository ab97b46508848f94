package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"possync/internal/config"
	"possync/internal/events"
	"possync/internal/gateway"
	"possync/internal/httpapi"
	"possync/internal/lease"
	"possync/internal/metrics"
	"possync/internal/runtimecfg"
	"possync/internal/service"
	"possync/internal/store"
	"possync/internal/store/legacy"
	"possync/internal/store/memory"
)

// App is the wired worker process.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    store.SourceStore
	Settings *runtimecfg.FileStore
	Metrics  *metrics.Registry
	Runner   *service.Runner
	Worker   *service.Worker

	auth    *httpapi.AuthManager
	closers []func() error
}

// Build connects the source database and the optional Redis and Kafka
// backends. Redis or Kafka being unreachable degrades to the noop variants;
// a configured legacy database that cannot be reached is fatal.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateStatusSecurity(cfg); err != nil {
		return nil, fmt.Errorf("invalid status api configuration: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Settings: runtimecfg.NewFileStore(cfg.SettingsPath, cfg.BatchSize),
		Metrics:  metrics.NewRegistry(),
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if cfg.LegacyDSN != "" {
		dialect, err := legacy.DialectByName(cfg.LegacyDriver)
		if err != nil {
			return nil, err
		}
		src, err := legacy.New(connectCtx, dialect, cfg.LegacyDSN, legacy.Options{
			OutletID: cfg.OutletID,
			Location: loc,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("legacy %s database unavailable and LEGACY_DSN is set; refusing to start with in-memory fallback: %w", dialect.Name, err)
		}
		a.Store = src
		a.closers = append(a.closers, src.Close)
		logger.Info("source store: legacy", slog.String("driver", dialect.Name), slog.String("timezone", loc.String()))
	} else {
		a.Store = memory.NewSeeded(cfg.OutletID)
		logger.Warn("source store: in-memory demo data; set LEGACY_DSN to read the POS database")
	}

	gw, err := gateway.NewClient(gateway.Options{
		BaseURL:    cfg.SupabaseURL,
		ServiceKey: cfg.SupabaseServiceKey,
		OutletID:   cfg.OutletID,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout()},
		Retry: gateway.RetryPolicy{
			OnRetry: func(op string, attempt int, err error) {
				a.Metrics.ObserveRetry(op)
			},
		},
		Logger: logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var locker lease.Locker = lease.NoopLocker{}
	if cfg.RedisAddr != "" {
		redisLocker := lease.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisLocker.Ping(connectCtx); err != nil {
			logger.Warn("redis unavailable, running without sync lease", slog.String("error", err.Error()))
			_ = redisLocker.Close()
		} else {
			locker = redisLocker
			a.closers = append(a.closers, redisLocker.Close)
			logger.Info("sync lease: redis", slog.String("addr", cfg.RedisAddr))
		}
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher = kafkaPublisher
		a.closers = append(a.closers, kafkaPublisher.Close)
		logger.Info("pass summaries: kafka", slog.String("topic", cfg.KafkaTopic))
	}

	a.Runner = service.NewRunner(a.Store, gw, a.Settings, service.Options{
		OutletID:         cfg.OutletID,
		CutoffCounterKey: cfg.CutoffCounterKey,
		Logger:           logger,
		Metrics:          a.Metrics,
		Events:           publisher,
		Locker:           locker,
		LeaseKey:         lease.Key(cfg.OutletID),
		LeaseTTL:         cfg.LeaseTTL(),
	})
	a.Worker = service.NewWorker(a.Runner, service.WorkerOptions{
		Interval: cfg.PollInterval(),
		Logger:   logger,
	})
	a.auth = httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.StatusPassword)

	return a, nil
}

// Serve runs the worker and, when STATUS_PORT is set, the status API until
// ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	var server *http.Server
	serverErr := make(chan error, 1)

	if addr := a.Config.StatusAddress(); addr != "" {
		api := httpapi.New(a.Runner, a.auth, a.Metrics.Handler(), a.Logger)
		server = &http.Server{
			Addr:              addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      5 * time.Minute,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			a.Logger.Info("status api listening", slog.String("addr", addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	workerDone := make(chan error, 1)
	go func() { workerDone <- a.Worker.Run(workerCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		a.Logger.Error("status api failed", slog.String("error", runErr.Error()))
	}

	stopWorker()
	if err := <-workerDone; err != nil && runErr == nil {
		runErr = err
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("status api shutdown error", slog.String("error", err.Error()))
		}
	}
	return runErr
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close error", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

// validateStatusSecurity only applies when the status API is exposed.
func validateStatusSecurity(cfg config.Config) error {
	if cfg.StatusPort == "" {
		return nil
	}
	if cfg.AuthSecret == "" && cfg.StatusPassword == "" {
		return nil
	}
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.StatusPassword) < 10 {
		return fmt.Errorf("STATUS_PASSWORD must be set and at least 10 characters")
	}
	if err := validatePasswordStrength(cfg.StatusPassword); err != nil {
		return fmt.Errorf("STATUS_PASSWORD is too weak: %w", err)
	}
	return nil
}

// validatePasswordStrength rejects passwords made of one repeated character or
// taken from a known-weak list. Bcrypt hashes are accepted as is.
func validatePasswordStrength(password string) error {
	if len(password) > 4 && password[0] == '$' && password[1] == '2' {
		return nil
	}
	known := map[string]bool{
		"password123": true, "1234567890": true, "qwertyuiop": true,
		"changeme123": true, "operator123": true, "possync123": true,
	}
	if known[password] {
		return fmt.Errorf("common password not allowed")
	}

	allSame := true
	for i := 1; i < len(password); i++ {
		if password[i] != password[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("repeated-character password not allowed")
	}
	return nil
}
