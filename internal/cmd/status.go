package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hapiai/lmslink/internal/metrics"
	"github.com/hapiai/lmslink/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credential, rate budget, and cache state for the instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, stack *clientStack) error {
			status, err := stack.Status(ctx)
			if err != nil {
				return err
			}
			metrics.RecordLimiterStatus(status.Limiter)
			return writeView(cmd, format, "status", output.StatusView(status))
		})
	},
}

func init() {
	addOutputFlags(statusCmd)
	rootCmd.AddCommand(statusCmd)
}
