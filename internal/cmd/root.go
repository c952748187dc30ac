package cmd

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hapiai/lmslink/internal/config"
	"github.com/hapiai/lmslink/internal/observability"
)

var (
	cfgFile      string
	verbose      bool
	instanceFlag string
	noCache      bool

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Rate-limited, cached Canvas LMS API client",
	Long: `lmslink talks to a Canvas LMS instance on behalf of one user.

Requests share a token-bucket budget with priority queueing, retries and a
circuit breaker. Responses are cached, and OAuth credentials are stored
encrypted and refreshed when they expire.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Commands emit no telemetry unless serve installs an exporter.
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/lmslink/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
	rootCmd.PersistentFlags().StringVar(&instanceFlag, "instance", "", "Canvas instance base URL (overrides canvas.base_url)")
	rootCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "bypass the response cache")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads the config file into the file layer of the config package.
func initConfig() {
	observability.InitCLILogger(config.AppName, verbose)

	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir := config.DefaultConfigDir()
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Could not find home directory", err)
			}
			viper.AddConfigPath(home)
			viper.SetConfigName("." + config.AppName)
		} else {
			viper.AddConfigPath(configDir)
			viper.SetConfigName("config")
		}
		viper.AddConfigPath("./config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err == nil {
		observability.CLILogger.Debug("Using config file", zap.String("path", viper.ConfigFileUsed()))
	} else {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			observability.CLILogger.Debug("No config file found, using defaults and environment variables")
		} else {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Error reading config file", err)
		}
	}

	config.SetFileSettings(viper.AllSettings())
}

// setDefaults mirrors the built-in config layer into viper so lookups such as
// metrics.port resolve before config.Load runs.
func setDefaults() {
	for key, value := range config.FlatDefaults() {
		viper.SetDefault(key, value)
	}
}

// runtimeOverrides turns global flags into the highest-precedence config layer.
func runtimeOverrides() map[string]any {
	overrides := map[string]any{}
	if instance := strings.TrimSpace(instanceFlag); instance != "" {
		overrides["canvas"] = map[string]any{"base_url": instance}
	}
	if noCache {
		overrides["cache"] = map[string]any{"enabled": false}
	}
	return overrides
}

// loadConfig loads configuration with the global flag overrides applied.
func loadConfig(ctx context.Context) (*config.Config, error) {
	return config.Load(ctx, runtimeOverrides())
}
