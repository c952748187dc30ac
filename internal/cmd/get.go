package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hapiai/lmslink/internal/core"
	"github.com/hapiai/lmslink/internal/core/lms"
)

var (
	getAll      bool
	getPriority int
	getQuery    []string
)

var getCmd = &cobra.Command{
	Use:   "get <endpoint>",
	Short: "Fetch a raw API endpoint",
	Long: `Fetch a Canvas API endpoint below /api/v1 and print the JSON body.

The request goes through the rate limiter and response cache like every other
call. Use --all to follow pagination links and print the combined list.`,
	Example: `  lmslink get courses
  lmslink get courses/42/assignments --all --query order_by=due_at`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority := core.Priority(getPriority)
		if !priority.Valid() {
			return fmt.Errorf("priority must be between %d and %d", core.PriorityBackground, core.PriorityCritical)
		}
		query, err := parseQueryPairs(getQuery)
		if err != nil {
			return err
		}

		return withClient(cmd, func(ctx context.Context, stack *clientStack) error {
			var body []byte
			if getAll {
				items, err := stack.client.FetchAllPages(ctx, lms.PageRequest{
					Endpoint:  args[0],
					Query:     query,
					Priority:  priority,
					Cacheable: true,
				})
				if err != nil {
					return err
				}
				body, err = json.Marshal(items)
				if err != nil {
					return err
				}
			} else {
				resp, err := stack.client.Request(ctx, lms.Request{
					Method:    http.MethodGet,
					Endpoint:  args[0],
					Query:     query,
					Priority:  priority,
					Cacheable: true,
				})
				if err != nil {
					return err
				}
				body = resp.Body
			}
			return writeJSONBody(cmd, body)
		})
	},
}

// parseQueryPairs turns repeated key=value flags into query parameters.
func parseQueryPairs(pairs []string) (url.Values, error) {
	query := url.Values{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --query %q (want key=value)", pair)
		}
		query.Add(key, value)
	}
	return query, nil
}

func writeJSONBody(cmd *cobra.Command, body []byte) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(body)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return err
}

func init() {
	getCmd.Flags().BoolVar(&getAll, "all", false, "Follow pagination and return every page")
	getCmd.Flags().IntVar(&getPriority, "priority", int(core.PriorityUserInitiated), "Queue priority 0 (background) to 3 (critical)")
	getCmd.Flags().StringArrayVar(&getQuery, "query", nil, "Query parameter as key=value (repeatable)")
	rootCmd.AddCommand(getCmd)
}
