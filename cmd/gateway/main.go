// cmd/gateway/main.go
package main

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"iot-trust-gateway/internal/config"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "gateway",
		Short:        "Trust layer for IoT publish/subscribe telemetry",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			return setupLogging(cfg.Log.Level, cfg.Log.Format)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "Path to the configuration file or its directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(decryptCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	return rootCmd
}

func setupLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("log.format %q: want text or json", format)
	}
	return nil
}
