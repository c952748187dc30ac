package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hapiai/lmslink/internal/output"
)

var coursesCmd = &cobra.Command{
	Use:   "courses",
	Short: "List the courses visible to the connected user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, stack *clientStack) error {
			courses, err := stack.client.ListCourses(ctx)
			if err != nil {
				return err
			}
			return writeView(cmd, format, "courses", output.CourseList(courses))
		})
	},
}

var assignmentsCmd = &cobra.Command{
	Use:   "assignments <course-id>",
	Short: "List assignments for a course",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		courseID, err := parseID("course-id", args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, stack *clientStack) error {
			assignments, err := stack.client.ListAssignments(ctx, courseID)
			if err != nil {
				return err
			}
			return writeView(cmd, format, fmt.Sprintf("course-%d.assignments", courseID), output.AssignmentList(assignments))
		})
	},
}

var submissionsCmd = &cobra.Command{
	Use:   "submissions <course-id> <assignment-id>",
	Short: "List submissions for an assignment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		if format == output.FormatTable || format == output.FormatMarkdown {
			return fmt.Errorf("submissions support json or yaml output")
		}
		courseID, err := parseID("course-id", args[0])
		if err != nil {
			return err
		}
		assignmentID, err := parseID("assignment-id", args[1])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, stack *clientStack) error {
			submissions, err := stack.client.ListSubmissions(ctx, courseID, assignmentID)
			if err != nil {
				return err
			}
			return writeView(cmd, format, fmt.Sprintf("assignment-%d.submissions", assignmentID), submissions)
		})
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the profile of the connected user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, stack *clientStack) error {
			user, err := stack.client.GetSelf(ctx)
			if err != nil {
				return err
			}
			return writeView(cmd, output.FormatJSON, "whoami", user)
		})
	},
}

func writeView(cmd *cobra.Command, format output.Format, name string, view any) error {
	sink, err := sinkFromFlags(cmd, format, name)
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()
	return output.Write(sink.writer, format, view)
}

func parseID(name, value string) (int64, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, value)
	}
	return id, nil
}

func init() {
	addOutputFlags(coursesCmd)
	addOutputFlags(assignmentsCmd)
	addOutputFlags(submissionsCmd)
	whoamiCmd.Flags().String("out", "", "Write output to a file (default stdout)")
	whoamiCmd.Flags().String("out-dir", "", "Write output to a directory")
	coursesCmd.AddCommand(assignmentsCmd)
	coursesCmd.AddCommand(submissionsCmd)
	rootCmd.AddCommand(coursesCmd)
	rootCmd.AddCommand(whoamiCmd)
}
