package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"github.com/quotagate/quotagate/internal/alerts"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/counter"
	"github.com/quotagate/quotagate/internal/lifecycle"
	"github.com/quotagate/quotagate/internal/logging"
	"github.com/quotagate/quotagate/internal/metrics"
	"github.com/quotagate/quotagate/internal/quota"
	"github.com/quotagate/quotagate/internal/store"
	"github.com/quotagate/quotagate/internal/window"
)

// app holds the components shared by every command that touches tenants.
type app struct {
	cfg     *config.Config
	loader  *config.Loader
	logger  *logging.Logger
	metrics *metrics.Metrics
	store   store.Store
	window  *window.Manager
	gate    *quota.Gate
	hooks   *lifecycle.Hooks
}

// loadConfig reads the config file when it exists and falls back to
// defaults plus environment otherwise. The loader is nil in the latter case.
// A .env file in the working directory is loaded first if present.
func loadConfig() (*config.Config, *config.Loader, error) {
	_ = godotenv.Load()

	path := globalFlags.Config
	if path == "" {
		path = config.ResolvePath()
	}

	var (
		cfg    *config.Config
		loader *config.Loader
		err    error
	)
	if _, statErr := os.Stat(path); statErr == nil {
		loader = config.NewLoader(path)
		cfg, err = loader.Load()
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if globalFlags.DBPath != "" {
		cfg.Store.SQLite.Path = globalFlags.DBPath
	}
	return cfg, loader, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Server.LogLevel)
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(logging.WithLevel(level), logging.WithService("quotagate"))
}

// newApp opens the store and wires the gate. sink may be nil.
func newApp(ctx context.Context, sink *alerts.Service) (*app, error) {
	cfg, loader, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	return buildApp(ctx, cfg, loader, logger, metrics.NewMetrics("quotagate"), sink)
}

func buildApp(ctx context.Context, cfg *config.Config, loader *config.Loader, logger *logging.Logger, m *metrics.Metrics, sink *alerts.Service) (*app, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	wm, err := window.LoadManager(cfg.Quota.Timezone)
	if err != nil {
		return nil, err
	}

	s, err := store.Open(ctx, cfg.Store.Options())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	logger.Debug("tenant store opened", "driver", cfg.Store.Driver)

	engine := counter.NewEngine(s, counter.WithMetrics(m), counter.WithClock(wm.Now))

	gateOpts := []quota.Option{
		quota.WithLogger(logger),
		quota.WithMetrics(m),
		quota.WithCountUnlimited(cfg.Quota.CountUnlimited),
	}
	hookOpts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(m),
	}
	if sink != nil {
		gateOpts = append(gateOpts, quota.WithAlerts(sink))
		hookOpts = append(hookOpts, lifecycle.WithAlerts(sink))
	}

	gate := quota.NewGate(s, engine, registry, wm, gateOpts...)
	hooks := lifecycle.NewHooks(gate, cfg.Lifecycle.Hooks(), hookOpts...)

	return &app{
		cfg:     cfg,
		loader:  loader,
		logger:  logger,
		metrics: m,
		store:   s,
		window:  wm,
		gate:    gate,
		hooks:   hooks,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", "error", err.Error())
	}
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
