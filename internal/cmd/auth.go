package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/hapiai/lmslink/internal/core/credential"
)

var (
	authAccessToken  string
	authRefreshToken string
	authExpiresIn    time.Duration
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the stored Canvas credential",
}

var authStoreCmd = &cobra.Command{
	Use:   "store",
	Short: "Seal and store an access token for the configured instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		access := strings.TrimSpace(authAccessToken)
		if access == "" {
			return fmt.Errorf("--access-token is required")
		}
		if authExpiresIn < 0 {
			return fmt.Errorf("--expires-in must not be negative")
		}
		return withClient(cmd, func(ctx context.Context, stack *clientStack) error {
			result := &credential.ExchangeResult{
				AccessToken:  access,
				RefreshToken: strings.TrimSpace(authRefreshToken),
				ExpiresIn:    int64(authExpiresIn / time.Second),
			}
			if err := stack.creds.StoreToken(ctx, result); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Stored credential for %s\n", stack.creds.Instance())
			return err
		})
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the lifecycle state of the stored credential",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, stack *clientStack) error {
			state, err := stack.creds.State(ctx)
			if err != nil {
				return err
			}
			lines := []string{
				"Credential",
				"",
				fmt.Sprintf("Instance: %s", stack.creds.Instance()),
				fmt.Sprintf("State:    %s", state),
			}
			record, err := stack.creds.Record(ctx)
			if err != nil {
				return err
			}
			if record != nil {
				expires := "never"
				if record.ExpiresAt != nil {
					expires = record.ExpiresAt.UTC().Format(time.RFC3339)
				}
				lines = append(lines,
					fmt.Sprintf("Expires:  %s", expires),
					fmt.Sprintf("Refresh:  %t", record.RefreshToken != ""),
				)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), ascii.DrawBox(strings.Join(lines, "\n"), 0))
			return err
		})
	},
}

var authDisconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Revoke and delete the stored credential",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, stack *clientStack) error {
			if err := stack.creds.Disconnect(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Disconnected from %s\n", stack.creds.Instance())
			return err
		})
	},
}

func init() {
	authStoreCmd.Flags().StringVar(&authAccessToken, "access-token", "", "Access token issued by the instance")
	authStoreCmd.Flags().StringVar(&authRefreshToken, "refresh-token", "", "Refresh token, if the grant issued one")
	authStoreCmd.Flags().DurationVar(&authExpiresIn, "expires-in", 0, "Access token lifetime (0 means no expiry)")
	authCmd.AddCommand(authStoreCmd, authStatusCmd, authDisconnectCmd)
	rootCmd.AddCommand(authCmd)
}
