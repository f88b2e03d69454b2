package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/tunegate/internal/logging"
)

var logger *zap.Logger

var rootFlags struct {
	logLevel string
	envFile  string
}

var rootCmd = &cobra.Command{
	Use:   "tunegate",
	Short: "Intercepting proxy that restores unavailable NetEase Cloud Music tracks",
	Long: `tunegate is a MITM forward proxy for the NetEase Cloud Music client.
It decrypts the client's API traffic, finds alternate audio sources for
tracks that are region-locked, paywalled or missing, and leaves all other
traffic untouched.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(rootFlags.envFile); err != nil {
			return err
		}

		cfg := logging.FromEnv()
		if rootFlags.logLevel != "" {
			cfg.Level = rootFlags.logLevel
		}
		var err error
		logger, err = logging.New(cfg)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.logLevel, "log-level", "", "log level (debug|info|warn|error), overrides TUNEGATE_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&rootFlags.envFile, "env-file", ".env", "dotenv file loaded before reading TUNEGATE_* variables")
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
