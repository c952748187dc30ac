package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hapiai/lmslink/internal/core"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("yml")
	require.NoError(t, err)
	require.Equal(t, FormatYAML, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func sampleCourses() CourseList {
	return CourseList{
		{ID: 101, Name: "Intro to Biology", CourseCode: "BIO-101", WorkflowState: "available"},
		{ID: 202, Name: "Stats | Methods", CourseCode: "STA-202", WorkflowState: "available"},
	}
}

func TestCourseListFormats(t *testing.T) {
	courses := sampleCourses()

	table, err := NewFormatter(FormatTable).Format(courses)
	require.NoError(t, err)
	require.Contains(t, table, "BIO-101")
	require.Contains(t, table, "2 courses")

	md, err := NewFormatter(FormatMarkdown).Format(courses)
	require.NoError(t, err)
	require.Contains(t, md, "| ID | Code | Name | State |")
	require.Contains(t, md, `Stats \| Methods`)

	js, err := NewFormatter(FormatJSON).Format(courses)
	require.NoError(t, err)
	require.Contains(t, js, `"course_code": "BIO-101"`)

	y, err := NewFormatter(FormatYAML).Format(courses)
	require.NoError(t, err)
	require.Contains(t, y, "course_code: BIO-101")
}

func TestTableRequiresRows(t *testing.T) {
	_, err := NewFormatter(FormatTable).Format(map[string]string{"a": "b"})
	require.Error(t, err)

	out, err := NewFormatter(FormatJSON).Format(map[string]string{"a": "b"})
	require.NoError(t, err)
	require.Contains(t, out, `"a": "b"`)
}

func TestStatusView(t *testing.T) {
	view := StatusView{
		Instance:        "https://canvas.example.edu",
		CredentialState: "connected",
		Limiter:         core.LimiterStatus{TokensAvailable: 512.3, Capacity: 700, QueueLength: 3},
		Cache:           core.CacheStatus{Enabled: true, Backend: "redis", Entries: 12, MaxEntries: 500},
	}

	rendered, err := NewFormatter(FormatTable).Format(view)
	require.NoError(t, err)
	require.Contains(t, rendered, "512.3/700")
	require.Contains(t, rendered, "12/500 entries (redis)")
	require.Contains(t, rendered, "closed")

	js, err := NewFormatter(FormatJSON).Format(view)
	require.NoError(t, err)
	require.Contains(t, js, `"credential_state": "connected"`)
}

func TestRateLimitList(t *testing.T) {
	reopen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	list := RateLimitList{
		{Endpoint: "canvas.example.edu", State: core.RateLimitState{
			Tokens:              42.5,
			Capacity:            700,
			UpdatedAt:           reopen.Add(-time.Minute),
			ConsecutiveFailures: 5,
			CircuitReopenAt:     &reopen,
		}},
	}

	rendered, err := NewFormatter(FormatTable).Format(list)
	require.NoError(t, err)
	require.Contains(t, rendered, "canvas.example.edu")
	require.Contains(t, rendered, "42.5")

	js, err := NewFormatter(FormatJSON).Format(list)
	require.NoError(t, err)
	require.Contains(t, js, `"host": "canvas.example.edu"`)
	require.Contains(t, js, `"consecutive_failures": 5`)
	require.NotContains(t, js, "last_429_at")
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, AssignmentList{{ID: 7, Name: "Essay", PointsPossible: 10}}))
	require.True(t, strings.HasSuffix(buf.String(), "\n"))
	require.Contains(t, buf.String(), `"points_possible": 10`)

	buf.Reset()
	require.NoError(t, Write(&buf, FormatTable, AssignmentList{{ID: 7, Name: "Essay", PointsPossible: 10}}))
	require.Contains(t, buf.String(), "Essay")
	require.Contains(t, buf.String(), "-")
}
