package main

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/j-veylop/repcache/internal/config"
	"github.com/j-veylop/repcache/internal/logger"
	"github.com/j-veylop/repcache/internal/models"
	"github.com/j-veylop/repcache/internal/services"
	"github.com/j-veylop/repcache/internal/version"
)

var (
	// Global flags
	jsonOutput bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "repcache",
	Short: "Rate-limit-aware AbuseIPDB enrichment cache",
	Long: `repcache sits in front of the AbuseIPDB API and serves IP, domain and
CIDR reputation lookups from a local cache. Upstream calls are bounded by a
persisted daily quota, concurrent lookups for the same subject share one
upstream call, and stale data is served when the quota runs out.

Configuration is read from environment variables and .env files.`,
	Version:       version.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of formatted output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
}

// loadManager reads configuration and builds the service manager.
func loadManager() (*services.Manager, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	mgr, err := services.NewManager(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return mgr, cfg, nil
}

// withManager runs fn against a manager and closes it afterwards.
func withManager(fn func(mgr *services.Manager) error) error {
	mgr, _, err := loadManager()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := mgr.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: error closing services: %v\n", closeErr)
		}
	}()
	return fn(mgr)
}

// output prints v as JSON when --json is set, otherwise the rendered text.
func output(cmd *cobra.Command, v any, render func(width int) string) error {
	if jsonOutput {
		data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), render(terminalWidth()))
	return err
}

func terminalWidth() int {
	if w, _, err := term.GetSize(os.Stdout.Fd()); err == nil && w > 0 {
		return w
	}
	return 100
}

// parseSubject converts positional type and key arguments.
func parseSubject(args []string) (models.QueryType, string, error) {
	qt, err := models.ParseQueryType(args[0])
	if err != nil {
		return "", "", err
	}
	return qt, args[1], nil
}

func subjectArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(2)(cmd, args); err != nil {
		return err
	}
	_, _, err := parseSubject(args)
	return err
}
