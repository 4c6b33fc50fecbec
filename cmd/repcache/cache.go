package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/j-veylop/repcache/internal/models"
	"github.com/j-veylop/repcache/internal/report"
	"github.com/j-veylop/repcache/internal/services"
)

var (
	resolveForce bool
	clearType    string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <ip|domain|block|reports> <key>",
	Short: "Look up a subject through the cache",
	Long: `Look up a subject, serving fresh cached data when available and calling
AbuseIPDB otherwise. Stale data is returned when the quota is exhausted or
the upstream fails.

Examples:
  repcache resolve ip 203.0.113.9
  repcache resolve domain example.com
  repcache resolve block 198.51.100.0/24 --force
  repcache resolve reports 203.0.113.9@2`,
	Args: subjectArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		qt, key, _ := parseSubject(args)
		return withManager(func(mgr *services.Manager) error {
			res, err := mgr.Resolve(cmd.Context(), qt, key, resolveForce)
			if err != nil {
				return err
			}
			return output(cmd, res, func(width int) string { return report.ResultView(res, time.Now(), width) })
		})
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire <ip|domain|block|reports> <key>",
	Short: "Mark a cached entry stale so the next lookup refreshes it",
	Args:  subjectArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		qt, key, _ := parseSubject(args)
		return withManager(func(mgr *services.Manager) error {
			ok, err := mgr.Expire(cmd.Context(), qt, key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s %s is not cached", qt, key)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Expired %s %s\n", qt, key)
			return nil
		})
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <ip|domain|block|reports> <key>",
	Short: "Delete a cached entry",
	Args:  subjectArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		qt, key, _ := parseSubject(args)
		return withManager(func(mgr *services.Manager) error {
			ok, err := mgr.Invalidate(cmd.Context(), qt, key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s %s is not cached", qt, key)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %s %s\n", qt, key)
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached entries, or all of one type",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var qt models.QueryType
		if clearType != "" {
			var err error
			if qt, err = models.ParseQueryType(clearType); err != nil {
				return err
			}
		}
		return withManager(func(mgr *services.Manager) error {
			n, err := mgr.Clear(cmd.Context(), qt)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %d entries\n", n)
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired cache entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(mgr *services.Manager) error {
			n, err := mgr.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Swept %d expired entries\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd, expireCmd, invalidateCmd, clearCmd, sweepCmd)

	resolveCmd.Flags().BoolVarP(&resolveForce, "force", "f", false, "refresh from upstream even when the cached entry is fresh")
	clearCmd.Flags().StringVarP(&clearType, "type", "t", "", "only clear entries of this type (ip, domain, block)")
}
