package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/hapiai/lmslink/internal/core/store"
	"github.com/hapiai/lmslink/internal/output"
)

var (
	rateLimitListAll    bool
	rateLimitListHost   string
	rateLimitListPrefix string
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted rate budgets",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		query := store.RateLimitQuery{
			All:      rateLimitListAll,
			Endpoint: strings.TrimSpace(rateLimitListHost),
			Prefix:   strings.TrimSpace(rateLimitListPrefix),
		}
		if query.Validate() != nil {
			query.All = true
		}

		entries, err := db.ListRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}

		sink, err := sinkFromFlags(cmd, format, "rate-limit.list")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return output.Write(sink.writer, format, output.RateLimitList(entries))
	},
}

func init() {
	addOutputFlags(rateLimitListCmd)
	rateLimitListCmd.Flags().BoolVar(&rateLimitListAll, "all", false, "List every instance host")
	rateLimitListCmd.Flags().StringVar(&rateLimitListHost, "host", "", "List a single instance host (exact match)")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "List hosts with matching prefix")
}
