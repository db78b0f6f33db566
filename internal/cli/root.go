package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dlpwatch/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "dlpwatch",
	Short:         "Endpoint data loss prevention agent",
	Long:          "Watches local directories, classifies changed files for sensitive data\n(card numbers, SSNs, credentials, private keys) and reports findings\nto a central DLP server.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to agent config YAML")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text|json)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if config.IsInvalid(err) {
			os.Exit(78) // EX_CONFIG
		}
		os.Exit(1)
	}
}

// loadConfig loads --config and applies the --log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	return config.NewLogger(os.Stderr, level, logFormat)
}
