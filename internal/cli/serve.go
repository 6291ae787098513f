package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quotagate/quotagate/internal/alerts"
	"github.com/quotagate/quotagate/internal/api"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/logging"
	"github.com/quotagate/quotagate/internal/metrics"
	"github.com/quotagate/quotagate/internal/window"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the QuotaGate server",
	Long: `Start the QuotaGate server in main mode.

This command starts the HTTP API, the monthly window roll job and the
config file watcher. Tier limits are reloaded without a restart.

Example:
  quotagate serve --config config.yaml

The server will start listening on the address configured in the config file.`,
	RunE: runServe,
}

var serveFlags struct {
	Host       string
	Port       int
	TLS        bool
	TLSCert    string
	TLSKey     string
	TLSVersion string
	NoWatch    bool
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().BoolVar(&serveFlags.TLS, "tls", false, "Enable TLS/HTTPS")
	serveCmd.Flags().StringVar(&serveFlags.TLSCert, "cert", "", "TLS certificate file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSKey, "key", "", "TLS key file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSVersion, "tls-version", "", "Minimum TLS version (1.2 or 1.3)")
	serveCmd.Flags().BoolVar(&serveFlags.NoWatch, "no-watch", false, "Do not reload the config file on change")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg)
	if err := validateTLSConfig(cfg.Server.TLS); err != nil {
		return fmt.Errorf("TLS validation failed: %w", err)
	}

	logger := newLogger(cfg)
	m := metrics.NewMetrics("quotagate")

	var alertSvc *alerts.Service
	if cfg.Alerts.Enabled {
		notifier, err := newNotifier(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create alert notifier: %w", err)
		}
		alertSvc = alerts.NewService(cfg.Alerts.Service(), notifier, logger, alerts.WithMetrics(m))
		alertSvc.Start()
		defer func() {
			if err := alertSvc.Stop(); err != nil {
				logger.Error("error stopping alerts service", "error", err.Error())
			}
		}()
	}

	a, err := buildApp(ctx, cfg, loader, logger, m, alertSvc)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(cfg.Server, cfg.API, a.gate, a.hooks, a.store, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})

	if cfg.Quota.WindowRollEnabled {
		sched, err := window.NewScheduler(cfg.Quota.WindowRollSchedule, a.window.Location(), a.gate.RollWindows, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	if loader != nil && !serveFlags.NoWatch {
		loader.SetOnChange(a.reloadTiers)
		g.Go(func() error {
			return loader.Watch(gctx)
		})
	}

	logger.Info("quotagate started",
		"addr", cfg.Server.Address(),
		"store", cfg.Store.Driver,
		"timezone", a.window.Location().String(),
		"auth_enabled", cfg.API.Auth.Enabled,
		"api_keys", api.MaskAPIKeys(cfg.API.Auth.APIKeys),
		"alerts_enabled", cfg.Alerts.Enabled,
	)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("quotagate stopped")
	return nil
}

func applyServeFlags(cfg *config.Config) {
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.TLS {
		cfg.Server.TLS.Enabled = true
	}
	if serveFlags.TLSCert != "" {
		cfg.Server.TLS.CertFile = serveFlags.TLSCert
	}
	if serveFlags.TLSKey != "" {
		cfg.Server.TLS.KeyFile = serveFlags.TLSKey
	}
	if serveFlags.TLSVersion != "" {
		cfg.Server.TLS.MinVersion = serveFlags.TLSVersion
	}
}

// validateTLSConfig validates TLS configuration
func validateTLSConfig(tls config.TLSConfig) error {
	if !tls.Enabled {
		return nil
	}
	if tls.CertFile == "" {
		return fmt.Errorf("TLS certificate file is required when TLS is enabled")
	}
	if tls.KeyFile == "" {
		return fmt.Errorf("TLS key file is required when TLS is enabled")
	}
	if _, err := os.Stat(tls.CertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file does not exist: %s", tls.CertFile)
	}
	if _, err := os.Stat(tls.KeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file does not exist: %s", tls.KeyFile)
	}
	if tls.MinVersion != "" && tls.MinVersion != "1.2" && tls.MinVersion != "1.3" {
		return fmt.Errorf("TLS min_version must be either \"1.2\" or \"1.3\", got: %s", tls.MinVersion)
	}
	return nil
}

// newNotifier delivers alerts to Telegram when configured and to the log otherwise.
func newNotifier(cfg *config.Config, logger *logging.Logger) (alerts.Notifier, error) {
	if cfg.Telegram.Enabled {
		return alerts.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}
	return alerts.NewLogNotifier(logger), nil
}

// reloadTiers swaps the tier table in place. Store, server and window
// settings are read once at startup.
func (a *app) reloadTiers(cfg *config.Config) {
	ctx := logging.WithCorrelationID(context.Background(), logging.GenerateCorrelationID())

	registry, err := cfg.Registry()
	if err != nil {
		a.metrics.RecordConfigReload("error")
		a.logger.ErrorWithContext(ctx, "tier reload rejected", "error", err.Error())
		a.logger.Audit(ctx, logging.NewAuditEvent(logging.ConfigChange, "reload", logging.StatusFailure).
			WithSeverity(logging.SeverityWarning).
			WithError(err))
		return
	}

	a.gate.SetRegistry(registry)
	a.metrics.RecordConfigReload("success")
	a.logger.Audit(ctx, logging.NewAuditEvent(logging.ConfigChange, "reload", logging.StatusSuccess).
		WithDetail("tiers", len(cfg.Tiers)))
}
