package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/tunegate/internal/config"
)

// callsPerProvider bounds the sequential requests one provider makes
// (search, stream, probe).
const callsPerProvider = 3

var matchFlags = config.Default()

var matchCmd = &cobra.Command{
	Use:   "match <track-id>",
	Short: "Resolve one track through the configured providers",
	Long: `Look up a NetEase track by id, resolve it through the configured providers
and print the chosen stream as JSON. Useful for checking provider cookies
and ordering without running the proxy.`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	addProviderFlags(matchCmd.Flags(), matchFlags)
}

func runMatch(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid track id %q", args[0])
	}

	cfg, err := resolveConfig(cmd, matchFlags)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(len(cfg.Match)*callsPerProvider)*cfg.ProviderTimeout)
	defer cancel()

	res, err := a.manager.ResolveTrack(ctx, id)
	if err != nil {
		return fmt.Errorf("track %d: %w", id, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
