package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hapiai/lmslink/internal/core/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage cached API responses",
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <key-or-pattern>",
	Short: "Drop cached responses whose key contains the pattern",
	Long: `Drop cached responses. An argument containing "*" drops every key that
contains the text around it; anything else drops the exact key. Use
"courses/42*" to drop everything cached for course 42.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, stack *clientStack) error {
			if stack.cache == nil {
				return fmt.Errorf("response cache is disabled")
			}
			removed := stack.Invalidate(ctx, args[0])
			suffix := ""
			if stack.cfg.Cache.Backend != "none" {
				suffix = fmt.Sprintf(" (%s backend purged)", stack.cfg.Cache.Backend)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d cached response(s)%s\n", removed, suffix)
			return err
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached response",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, stack *clientStack) error {
			if stack.cache == nil {
				return fmt.Errorf("response cache is disabled")
			}
			stack.cache.Clear(ctx)
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
			return err
		})
	},
}

var cacheKeyCmd = &cobra.Command{
	Use:   "key <endpoint> [key=value...]",
	Short: "Print the cache key for an endpoint and parameters",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := parseQueryPairs(args[1:])
		if err != nil {
			return err
		}
		endpoint := strings.TrimPrefix(strings.TrimSpace(args[0]), "/api/v1")
		if !strings.HasPrefix(endpoint, "/") {
			endpoint = "/" + endpoint
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), cache.GenerateKey(endpoint, query))
		return err
	},
}

func init() {
	cacheCmd.AddCommand(cacheInvalidateCmd, cacheClearCmd, cacheKeyCmd)
	rootCmd.AddCommand(cacheCmd)
}
