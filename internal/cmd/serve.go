package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hapiai/lmslink/internal/config"
	errwrap "github.com/hapiai/lmslink/internal/errors"
	"github.com/hapiai/lmslink/internal/metrics"
	"github.com/hapiai/lmslink/internal/observability"
	"github.com/hapiai/lmslink/internal/server"
	"github.com/hapiai/lmslink/internal/server/handlers"
)

const adminTokenEnv = config.EnvPrefix + "ADMIN_TOKEN"

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if !observability.MetricsEnabled() || observability.PrometheusExporter == nil {
		return fmt.Errorf("telemetry system not initialized: %w", handlers.ErrDegraded)
	}
	return nil
}

// circuitHealthChecker reports degraded while the limiter refuses work. It
// also refreshes the limiter and uptime gauges on every probe.
type circuitHealthChecker struct {
	stack     *clientStack
	startedAt time.Time
}

func (c circuitHealthChecker) CheckHealth(ctx context.Context) error {
	metrics.SetServerUptime(int64(time.Since(c.startedAt).Seconds()))
	status := c.stack.limiter.Status()
	metrics.RecordLimiterStatus(status)
	if status.CircuitOpen {
		return fmt.Errorf("circuit open until %s: %w", status.ReopenAt.UTC().Format(time.RFC3339), handlers.ErrDegraded)
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status and gateway HTTP server",
	Long: `Start the HTTP server with graceful shutdown support.

The server exposes health probes, client status, cache invalidation, and a
read-only gateway at /v1/canvas/* that relays GET requests through the shared
rate limiter and cache.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload config file and log level

The rate budget is persisted and the store closed on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serverHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = serverPort
		}

		startedAt := time.Now()
		namespace := config.AppName
		observability.InitServerLogger(config.AppName, cfg.Logging.Level, namespace)

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port, namespace); err != nil {
				observability.ServerLogger.Error("Failed to initialize metrics",
					zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
			metrics.SetServerStartTime(startedAt.Unix())
		}

		stack, err := openClientStack(ctx, cfg)
		if err != nil {
			return err
		}

		observability.ServerLogger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("instance", stack.client.Host()),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Bool("metrics", cfg.Metrics.Enabled),
			zap.Int("metrics_port", observability.GetMetricsPort()))

		checkers := map[string]handlers.HealthChecker{
			"store":   stack.db,
			"circuit": circuitHealthChecker{stack: stack, startedAt: startedAt},
		}
		if cfg.Metrics.Enabled {
			checkers["telemetry"] = telemetryHealthChecker{}
		}
		if stack.redis != nil {
			checkers["redis"] = stack.redis
		}

		srv := server.New(server.Options{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			IdleTimeout:    cfg.Server.IdleTimeout,
			Version:        versionInfo.Version,
			AdminToken:     strings.TrimSpace(os.Getenv(adminTokenEnv)),
			HealthEnabled:  cfg.Health.Enabled,
			Status:         stack,
			Cache:          stack,
			Client:         stack.client,
			HealthCheckers: checkers,
		})

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO.
		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Flushing logger...")
			if err := observability.ServerLogger.Sync(); err != nil {
				observability.ServerLogger.Warn("Logger sync returned error (may be benign)",
					zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Persisting rate budget and closing client stack...")
			stack.Close(ctx)
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			observability.ServerLogger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			observability.ServerLogger.Info("Received SIGHUP: attempting config reload")
			return reloadConfig(ctx)
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			observability.ServerLogger.Warn("Failed to enable double-tap force quit",
				zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			observability.ServerLogger.Info("Starting HTTP server...",
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				observability.ServerLogger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			stack.Close(context.WithoutCancel(ctx))
			return errwrap.WrapInternal(ctx, err, "server error")
		}

		return nil
	},
}

// reloadConfig re-reads the config file and applies settings that can change
// without a restart. Limiter, cache, and instance settings take effect on the
// next start.
func reloadConfig(ctx context.Context) error {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			observability.ServerLogger.Info("No config file found - using defaults and environment variables")
			return nil
		}
		observability.ServerLogger.Error("Failed to reload config file",
			zap.String("file", viper.ConfigFileUsed()),
			zap.Error(err))
		return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
	}
	config.SetFileSettings(viper.AllSettings())

	cfg, err := loadConfig(ctx)
	if err != nil {
		observability.ServerLogger.Error("Reloaded config is invalid", zap.Error(err))
		return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
	}

	observability.InitServerLogger(config.AppName, cfg.Logging.Level, config.AppName)
	observability.ServerLogger.Info("Configuration reloaded successfully",
		zap.String("file", viper.ConfigFileUsed()),
		zap.String("log_level", cfg.Logging.Level))
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")
}
