package cmd

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hapiai/lmslink/internal/config"
	"github.com/hapiai/lmslink/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display comprehensive environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()

		observability.CLILogger.Info("=== lmslink Environment Information ===")
		observability.CLILogger.Info("")

		observability.CLILogger.Info("Application:")
		observability.CLILogger.Info("  Name:       " + config.AppName)
		observability.CLILogger.Info("  Version:    " + versionInfo.Version)
		observability.CLILogger.Info("  Commit:     " + versionInfo.Commit)
		observability.CLILogger.Info("  Built:      " + versionInfo.BuildDate)
		observability.CLILogger.Info("")

		observability.CLILogger.Info("SSOT:")
		observability.CLILogger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		observability.CLILogger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		observability.CLILogger.Info("")

		observability.CLILogger.Info("Runtime:")
		observability.CLILogger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		observability.CLILogger.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		observability.CLILogger.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		observability.CLILogger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		observability.CLILogger.Info("")

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			observability.CLILogger.Warn("Config load failed", zap.Error(err))
			return
		}

		observability.CLILogger.Info("Canvas:")
		observability.CLILogger.Info("  Instance:       "+cfg.Canvas.BaseURL, zap.String("instance", cfg.Canvas.BaseURL))
		observability.CLILogger.Info("  User ID:        " + valueOrUnset(cfg.Canvas.UserID))
		observability.CLILogger.Info("  OAuth Client:   " + valueOrUnset(cfg.Canvas.ClientID))
		observability.CLILogger.Info("  Request Timeout: " + cfg.Canvas.RequestTimeout.String())
		observability.CLILogger.Info(fmt.Sprintf("  Paging:         %d per page, %d pages max", cfg.Canvas.PerPage, cfg.Canvas.MaxPages))
		observability.CLILogger.Info("")

		rl := cfg.RateLimit
		observability.CLILogger.Info("Rate Limit:")
		observability.CLILogger.Info(fmt.Sprintf("  Budget:         %d per %s", rl.Capacity, rl.Window), zap.Int("capacity", rl.Capacity))
		observability.CLILogger.Info(fmt.Sprintf("  Retries:        %d (backoff %s..%s, jitter %.0f%%)", rl.MaxRetries, rl.BaseBackoff, rl.MaxBackoff, rl.Jitter*100))
		observability.CLILogger.Info(fmt.Sprintf("  Circuit:        %d failures, %s cooldown", rl.FailureThreshold, rl.Cooldown))
		observability.CLILogger.Info(fmt.Sprintf("  Persist:        %t", rl.Persist))
		observability.CLILogger.Info("")

		observability.CLILogger.Info("Cache:")
		observability.CLILogger.Info(fmt.Sprintf("  Enabled:        %t", cfg.Cache.Enabled), zap.Bool("cache_enabled", cfg.Cache.Enabled))
		observability.CLILogger.Info("  Backend:        " + cfg.Cache.Backend)
		observability.CLILogger.Info(fmt.Sprintf("  Max Entries:    %d", cfg.Cache.MaxEntries))
		observability.CLILogger.Info("  Default TTL:    " + cfg.Cache.DefaultTTL.String())
		resources := make([]string, 0, len(cfg.Cache.TTLs))
		for name := range cfg.Cache.TTLs {
			resources = append(resources, name)
		}
		sort.Strings(resources)
		for _, name := range resources {
			observability.CLILogger.Info(fmt.Sprintf("  TTL %-14s %s", name+":", cfg.Cache.TTLs[name]))
		}
		if cfg.Cache.Backend == "redis" {
			observability.CLILogger.Info("  Redis:          " + cfg.Cache.Redis.Addr)
		}
		observability.CLILogger.Info("")

		observability.CLILogger.Info("Configuration:")
		observability.CLILogger.Info("  Server Host:    "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		observability.CLILogger.Info(fmt.Sprintf("  Server Port:    %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		observability.CLILogger.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		observability.CLILogger.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		observability.CLILogger.Info("  DB Driver:      "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			observability.CLILogger.Info("  DB URL:         "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
		} else {
			observability.CLILogger.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		observability.CLILogger.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		observability.CLILogger.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		observability.CLILogger.Info("")

		observability.CLILogger.Info("=== End Environment Information ===")
	},
}

func valueOrUnset(value string) string {
	if strings.TrimSpace(value) == "" {
		return "(unset)"
	}
	return value
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
