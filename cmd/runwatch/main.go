package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/api"
)

var (
	cfg        config
	configPath string
	gatewayURL string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "runwatch",
		Short:         "Follow solver runs and compare measurements against predictions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if gatewayURL != "" {
				loaded.gatewayURL = gatewayURL
			}
			if logLevel != "" {
				loaded.logLevel = logLevel
			}
			cfg = loaded
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level:     cfg.slogLevel(),
				AddSource: cfg.logSource,
			})))
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $RUNWATCH_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "solver gateway base URL (overrides GATEWAY_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(watchCmd, runsCmd, compareCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("runwatch failed", "error", err)
		os.Exit(1)
	}
}

func newAPIClient(c config) *api.Client {
	return api.New(api.Config{
		BaseURL:  c.gatewayURL,
		PoolSize: c.httpPoolSize,
		Timeout:  c.httpTimeout,
		RetryMax: c.httpRetryMax,
		Logger:   slog.Default(),
	})
}
