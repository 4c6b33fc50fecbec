package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/j-veylop/repcache/internal/report"
	"github.com/j-veylop/repcache/internal/services"
)

var statusFlags struct {
	limit int
	hours int
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show the current quota window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(mgr *services.Manager) error {
			status, err := mgr.QuotaStatus(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd, status, func(width int) string {
				return report.QuotaView(status, time.Now(), min(width, 80))
			})
		})
	},
}

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "List recent upstream calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(mgr *services.Manager) error {
			calls, err := mgr.RecentCalls(cmd.Context(), statusFlags.limit)
			if err != nil {
				return err
			}
			return output(cmd, calls, func(width int) string { return report.CallsTable(calls, width) })
		})
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Summarize upstream usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(mgr *services.Manager) error {
			stats, err := mgr.Usage(cmd.Context(), statusFlags.hours)
			if err != nil {
				return err
			}
			return output(cmd, stats, func(width int) string {
				return report.UsageView(stats, statusFlags.hours, min(width, 120))
			})
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(mgr *services.Manager) error {
			stats, err := mgr.CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd, stats, func(width int) string { return report.StatsView(stats, min(width, 80)) })
		})
	},
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "List cached entries with the highest abuse scores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(mgr *services.Manager) error {
			entries, err := mgr.TopEntries(cmd.Context(), statusFlags.limit)
			if err != nil {
				return err
			}
			return output(cmd, entries, func(width int) string {
				return report.EntriesTable(entries, time.Now(), width)
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(quotaCmd, callsCmd, usageCmd, statsCmd, topCmd)

	for _, c := range []*cobra.Command{callsCmd, topCmd} {
		c.Flags().IntVarP(&statusFlags.limit, "limit", "n", 20, "maximum number of rows")
	}
	usageCmd.Flags().IntVar(&statusFlags.hours, "hours", 24, "period to summarize, in hours")
}
