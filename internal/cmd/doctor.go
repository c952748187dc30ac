package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hapiai/lmslink/internal/config"
	"github.com/hapiai/lmslink/internal/core/credential"
	errwrap "github.com/hapiai/lmslink/internal/errors"
	"github.com/hapiai/lmslink/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the local installation and suggest fixes for common issues.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		observability.CLILogger.Info("=== " + config.AppName + " doctor ===")
		observability.CLILogger.Info("")
		observability.CLILogger.Info("Running diagnostic checks...")
		observability.CLILogger.Info("")

		allChecks := true
		totalChecks := 7

		// Check 1: Go version
		goVersion := runtime.Version()
		if goVersion >= "go1.23" {
			observability.CLILogger.Info(fmt.Sprintf("[1/%d] Checking Go version... ✅ %s", totalChecks, goVersion), zap.String("go_version", goVersion))
		} else {
			observability.CLILogger.Warn(fmt.Sprintf("[1/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", totalChecks, goVersion), zap.String("go_version", goVersion))
			allChecks = false
		}

		// Check 2: Gofulmen and Crucible
		version := crucible.GetVersion()
		if version.Crucible != "" && version.Gofulmen != "" {
			observability.CLILogger.Info(fmt.Sprintf("[2/%d] Checking Gofulmen/Crucible... ✅ v%s / v%s", totalChecks, version.Gofulmen, version.Crucible),
				zap.String("gofulmen_version", version.Gofulmen),
				zap.String("crucible_version", version.Crucible))
		} else {
			observability.CLILogger.Error(fmt.Sprintf("[2/%d] Checking Gofulmen/Crucible... ❌ version metadata unavailable", totalChecks))
			allChecks = false
		}

		// Check 3: Config directory
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			observability.CLILogger.Error(fmt.Sprintf("[3/%d] Checking config directory... ❌ Cannot resolve config directory", totalChecks))
			ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot resolve config directory", errwrap.NewInternalError("config directory not resolved"))
			return
		}
		observability.CLILogger.Info(fmt.Sprintf("[3/%d] Checking config directory... ✅ %s", totalChecks, filepath.Dir(configPath)),
			zap.String("config_dir", filepath.Dir(configPath)))

		// Check 4: Effective configuration
		cfg, cfgErr := loadConfig(ctx)
		if cfgErr != nil {
			observability.CLILogger.Error(fmt.Sprintf("[4/%d] Checking configuration... ❌ invalid", totalChecks), zap.Error(cfgErr))
			observability.CLILogger.Info("")
			observability.CLILogger.Warn("⚠️  Remaining checks skipped. Run '" + config.AppName + " doctor validate' for details.")
			return
		}
		if strings.TrimSpace(cfg.Canvas.BaseURL) == "" {
			observability.CLILogger.Warn(fmt.Sprintf("[4/%d] Checking configuration... ⚠️  canvas.base_url not set (use --instance or %sCANVAS_BASE_URL)", totalChecks, config.EnvPrefix))
			allChecks = false
		} else {
			observability.CLILogger.Info(fmt.Sprintf("[4/%d] Checking configuration... ✅ %s", totalChecks, cfg.Canvas.BaseURL),
				zap.String("instance", cfg.Canvas.BaseURL))
		}

		// Check 5: Database
		db, storeErr := openStoreWith(ctx, cfg)
		if storeErr != nil {
			observability.CLILogger.Error(fmt.Sprintf("[5/%d] Checking database... ❌ cannot open store", totalChecks), zap.Error(storeErr))
			allChecks = false
		} else {
			if err := db.CheckHealth(ctx); err != nil {
				observability.CLILogger.Error(fmt.Sprintf("[5/%d] Checking database... ❌ ping failed", totalChecks), zap.Error(err))
				allChecks = false
			} else {
				observability.CLILogger.Info(fmt.Sprintf("[5/%d] Checking database... ✅ %s", totalChecks, describeStore(cfg.Store)),
					zap.String("db_driver", db.Driver()))
			}
			_ = db.Close()
		}

		// Check 6: Credential key
		if _, err := newSealer(cfg.Credentials); err != nil {
			observability.CLILogger.Error(fmt.Sprintf("[6/%d] Checking credential key... ❌ unusable", totalChecks), zap.Error(err))
			allChecks = false
		} else if cfg.Credentials.EncryptionKey != "" {
			observability.CLILogger.Info(fmt.Sprintf("[6/%d] Checking credential key... ✅ from environment/config", totalChecks))
		} else {
			observability.CLILogger.Info(fmt.Sprintf("[6/%d] Checking credential key... ✅ %s", totalChecks, cfg.Credentials.KeyFile))
		}

		// Check 7: Cache backend
		switch {
		case !cfg.Cache.Enabled:
			observability.CLILogger.Info(fmt.Sprintf("[7/%d] Checking cache... ✅ disabled", totalChecks))
		case cfg.Cache.Backend == "redis":
			stack := &clientStack{cfg: cfg}
			if _, err := stack.cacheBackend(ctx); err != nil {
				observability.CLILogger.Warn(fmt.Sprintf("[7/%d] Checking cache... ⚠️  redis unreachable at %s", totalChecks, cfg.Cache.Redis.Addr), zap.Error(err))
				allChecks = false
			} else {
				observability.CLILogger.Info(fmt.Sprintf("[7/%d] Checking cache... ✅ redis %s", totalChecks, cfg.Cache.Redis.Addr))
				_ = stack.redis.Close()
			}
		default:
			observability.CLILogger.Info(fmt.Sprintf("[7/%d] Checking cache... ✅ %d entries max, backend %s", totalChecks, cfg.Cache.MaxEntries, cfg.Cache.Backend))
		}

		observability.CLILogger.Info("")
		if allChecks {
			observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", config.AppName))
		} else {
			observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
		}
		observability.CLILogger.Info("")
		observability.CLILogger.Info("=== End Diagnostics ===")
	},
}

var (
	doctorInitForce    bool
	doctorInitInstance string
	doctorInitClientID string
	doctorResetConfig  bool
	doctorResetData    bool
	doctorResetAll     bool
)

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a config file and credential key",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}

		if _, err := os.Stat(configPath); err == nil && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		instance := strings.TrimSpace(doctorInitInstance)
		if strings.EqualFold(instance, "prompt") {
			value, err := promptForValue("Canvas instance URL (e.g. https://school.instructure.com): ")
			if err != nil {
				return err
			}
			instance = value
		}

		contents, err := buildInitConfig(instance, strings.TrimSpace(doctorInitClientID))
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		if err := os.WriteFile(configPath, contents, 0600); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}
		observability.CLILogger.Info("Config initialized", zap.String("path", configPath))

		keyPath := config.DefaultKeyFilePath()
		if _, err := credential.LoadOrCreateKeyFile(keyPath); err != nil {
			return fmt.Errorf("create credential key: %w", err)
		}
		observability.CLILogger.Info("Credential key ready", zap.String("path", keyPath))
		return nil
	},
}

var doctorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration status and paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		dataDir := config.DefaultDataDir()
		keyPath := config.DefaultKeyFilePath()

		observability.CLILogger.Info("Configuration:")
		observability.CLILogger.Info(fmt.Sprintf("  Config file:    %s (%s)", configPath, existenceStatus(fileExists(configPath))))
		if dataDir != "" {
			observability.CLILogger.Info(fmt.Sprintf("  Data directory: %s (%s)", dataDir, existenceStatus(fileExists(dataDir))))
		} else {
			observability.CLILogger.Info("  Data directory: (not resolved)")
		}
		observability.CLILogger.Info(fmt.Sprintf("  Key file:       %s (%s)", keyPath, existenceStatus(fileExists(keyPath))))

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			observability.CLILogger.Warn("Config load failed", zap.Error(err))
			return nil
		}
		observability.CLILogger.Info("  Database:       " + describeStore(cfg.Store))

		observability.CLILogger.Info("")
		observability.CLILogger.Info("Environment:")
		for _, name := range []string{"CANVAS_BASE_URL", "CANVAS_CLIENT_ID", "CANVAS_CLIENT_SECRET", "ENCRYPTION_KEY", "ADMIN_TOKEN"} {
			observability.CLILogger.Info(fmt.Sprintf("  %s%s: %s", config.EnvPrefix, name, envStatus(config.EnvPrefix+name)))
		}

		observability.CLILogger.Info("")
		observability.CLILogger.Info("Effective Settings:")
		observability.CLILogger.Info("  canvas.base_url: " + cfg.Canvas.BaseURL)
		observability.CLILogger.Info(fmt.Sprintf("  rate_limit.capacity: %d per %s", cfg.RateLimit.Capacity, cfg.RateLimit.Window))
		observability.CLILogger.Info(fmt.Sprintf("  rate_limit.persist: %t", cfg.RateLimit.Persist))
		observability.CLILogger.Info(fmt.Sprintf("  cache.enabled: %t (backend %s)", cfg.Cache.Enabled, cfg.Cache.Backend))
		return nil
	},
}

var doctorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset user configuration and/or data",
	RunE: func(cmd *cobra.Command, args []string) error {
		if doctorResetAll {
			doctorResetConfig = true
			doctorResetData = true
		}

		if !doctorResetConfig && !doctorResetData {
			return fmt.Errorf("specify --config, --data, or --all")
		}

		if doctorResetData {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Store.URL != "" {
				return fmt.Errorf("remote store configured; database reset is not supported")
			}

			dbPath := cfg.Store.Path
			if dbPath == "" {
				dbPath = config.DefaultStorePath()
			}
			absPath, _ := filepath.Abs(dbPath)
			if err := removeIfExists(absPath, "Database"); err != nil {
				return fmt.Errorf("remove database: %w", err)
			}
		}

		if doctorResetConfig {
			configPath := config.DefaultConfigPath()
			if configPath == "" {
				observability.CLILogger.Warn("Config path not resolved; skipping config reset")
			} else if err := removeIfExists(configPath, "Config"); err != nil {
				return fmt.Errorf("remove config file: %w", err)
			}
		}

		return nil
	},
}

var doctorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", configPath)
		}

		if _, err := loadConfig(cmd.Context()); err != nil {
			return err
		}

		observability.CLILogger.Info("Config is valid", zap.String("path", configPath))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(doctorInitCmd)
	doctorCmd.AddCommand(doctorConfigCmd)
	doctorCmd.AddCommand(doctorResetCmd)
	doctorCmd.AddCommand(doctorValidateCmd)

	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite existing config file")
	doctorInitCmd.Flags().StringVar(&doctorInitInstance, "canvas-url", "", "Canvas instance URL, or 'prompt' to enter it")
	doctorInitCmd.Flags().StringVar(&doctorInitClientID, "client-id", "", "OAuth developer key client id")

	doctorResetCmd.Flags().BoolVar(&doctorResetConfig, "config", false, "remove user config file")
	doctorResetCmd.Flags().BoolVar(&doctorResetData, "data", false, "remove local database (credentials, cache, rate budgets)")
	doctorResetCmd.Flags().BoolVar(&doctorResetAll, "all", false, "remove config and data")
}

func describeStore(cfg config.StoreConfig) string {
	if cfg.URL != "" {
		return cfg.URL + " (remote)"
	}
	dbPath := cfg.Path
	if dbPath == "" {
		dbPath = config.DefaultStorePath()
	}
	absPath, _ := filepath.Abs(dbPath)
	info, err := os.Stat(absPath)
	switch {
	case err == nil:
		return fmt.Sprintf("%s (%s)", absPath, formatFileSize(info.Size()))
	case os.IsNotExist(err):
		return absPath + " (not created yet)"
	default:
		return fmt.Sprintf("%s (error: %v)", absPath, err)
	}
}

func removeIfExists(path, label string) error {
	err := os.Remove(path)
	switch {
	case err == nil:
		observability.CLILogger.Info(label+" removed", zap.String("path", path))
		return nil
	case os.IsNotExist(err):
		observability.CLILogger.Info(label+" already removed", zap.String("path", path))
		return nil
	default:
		return err
	}
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

// buildInitConfig renders a starter config file. Secrets are left to the
// environment.
func buildInitConfig(instance, clientID string) ([]byte, error) {
	canvas := map[string]any{
		"base_url": instance,
	}
	if clientID != "" {
		canvas["client_id"] = clientID
	}
	doc := map[string]any{
		"canvas": canvas,
		"rate_limit": map[string]any{
			"persist": true,
		},
		"cache": map[string]any{
			"enabled": true,
			"backend": "store",
		},
		"credentials": map[string]any{
			"key_file": config.DefaultKeyFilePath(),
		},
	}
	body, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	header := fmt.Sprintf("# %s config - created by '%s doctor init'\n# client_secret: set %sCANVAS_CLIENT_SECRET\n", config.AppName, config.AppName, config.EnvPrefix)
	return append([]byte(header), body...), nil
}

func promptForValue(prompt string) (string, error) {
	if _, err := fmt.Fprint(os.Stdout, prompt); err != nil {
		return "", err
	}
	reader := bufio.NewReader(os.Stdin)
	value, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func existenceStatus(exists bool) string {
	if exists {
		return "exists"
	}
	return "missing"
}

func envStatus(name string) string {
	if strings.TrimSpace(os.Getenv(name)) != "" {
		return "(set)"
	}
	return "(not set)"
}
