package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/j-veylop/repcache/internal/report"
	"github.com/j-veylop/repcache/internal/services"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage the watchlist of subjects kept warm",
	Long: `The watchlist is a YAML file (WATCHLIST_PATH) of subjects refreshed on
REFRESH_SCHEDULE. Edits made here or directly to the file are picked up by a
running server without a restart.`,
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched subjects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(mgr *services.Manager) error {
			subjects := mgr.Watchlist()
			return output(cmd, subjects, func(width int) string {
				rows := make([][]string, len(subjects))
				for i, s := range subjects {
					rows[i] = []string{string(s.QueryType), s.Key}
				}
				return report.Table([]report.Column{{Title: "TYPE", Width: 6}, {Title: "KEY"}}, rows, width)
			})
		})
	},
}

var watchAddCmd = &cobra.Command{
	Use:   "add <ip|domain|block|reports> <key>",
	Short: "Add a subject to the watchlist",
	Args:  subjectArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		qt, key, _ := parseSubject(args)
		return withManager(func(mgr *services.Manager) error {
			s, err := mgr.AddWatch(qt, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Watching %s\n", s)
			return nil
		})
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:     "remove <ip|domain|block|reports> <key>",
	Aliases: []string{"rm"},
	Short:   "Remove a subject from the watchlist",
	Args:    subjectArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		qt, key, _ := parseSubject(args)
		return withManager(func(mgr *services.Manager) error {
			if err := mgr.RemoveWatch(qt, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %s %s\n", qt, key)
			return nil
		})
	},
}

var watchRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh stale watched subjects now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(mgr *services.Manager) error {
			res, err := mgr.RefreshWatchlist(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd, res, func(int) string {
				s := fmt.Sprintf("fresh %d, refreshed %d, degraded %d, failed %d",
					res.Fresh, res.Refreshed, res.Degraded, res.Failed)
				if res.Stopped > 0 {
					s += "\n" + report.WarningTextStyle.Render(fmt.Sprintf("quota exhausted, %d subjects skipped", res.Stopped))
				}
				return s
			})
		})
	},
}

func init() {
	watchCmd.AddCommand(watchListCmd, watchAddCmd, watchRemoveCmd, watchRefreshCmd)
	rootCmd.AddCommand(watchCmd)
}
