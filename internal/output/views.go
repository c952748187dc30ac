package output

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hapiai/lmslink/internal/core"
	"github.com/hapiai/lmslink/internal/core/lms"
	"github.com/hapiai/lmslink/internal/core/store"
)

const timeLayout = "2006-01-02 15:04"

// CourseList renders courses.
type CourseList []lms.Course

func (l CourseList) Columns() []string {
	return []string{"ID", "Code", "Name", "State"}
}

func (l CourseList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, c := range l {
		rows = append(rows, []string{strconv.FormatInt(c.ID, 10), c.CourseCode, c.Name, c.WorkflowState})
	}
	return rows
}

func (l CourseList) Footer() []string {
	return []string{"", "", fmt.Sprintf("%d courses", len(l)), ""}
}

// AssignmentList renders assignments.
type AssignmentList []lms.Assignment

func (l AssignmentList) Columns() []string {
	return []string{"ID", "Name", "Due", "Points", "Published"}
}

func (l AssignmentList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, a := range l {
		rows = append(rows, []string{
			strconv.FormatInt(a.ID, 10),
			a.Name,
			formatTime(a.DueAt),
			strconv.FormatFloat(a.PointsPossible, 'f', -1, 64),
			strconv.FormatBool(a.Published),
		})
	}
	return rows
}

// StatusView renders the client stack status as key/value rows.
type StatusView core.ClientStatus

func (v StatusView) Columns() []string {
	return []string{"Field", "Value"}
}

func (v StatusView) Rows() [][]string {
	circuit := "closed"
	if v.Limiter.CircuitOpen {
		circuit = "open until " + v.Limiter.ReopenAt.Local().Format(timeLayout)
	}
	cache := "disabled"
	if v.Cache.Enabled {
		cache = fmt.Sprintf("%d/%d entries (%s)", v.Cache.Entries, v.Cache.MaxEntries, v.Cache.Backend)
	}
	return [][]string{
		{"Instance", v.Instance},
		{"Credential", v.CredentialState},
		{"Tokens", fmt.Sprintf("%.1f/%d", v.Limiter.TokensAvailable, v.Limiter.Capacity)},
		{"Queued", strconv.Itoa(v.Limiter.QueueLength)},
		{"Circuit", circuit},
		{"Failures", strconv.Itoa(v.Limiter.ConsecutiveFailures)},
		{"Cache", cache},
	}
}

// RateLimitList renders persisted rate budgets.
type RateLimitList []store.RateLimitEntry

func (l RateLimitList) Columns() []string {
	return []string{"Host", "Tokens", "Capacity", "Failures", "Circuit Reopen", "Last 429", "Updated"}
}

func (l RateLimitList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, entry := range l {
		state := entry.State
		rows = append(rows, []string{
			entry.Endpoint,
			strconv.FormatFloat(state.Tokens, 'f', 1, 64),
			strconv.Itoa(state.Capacity),
			strconv.Itoa(state.ConsecutiveFailures),
			formatTime(state.CircuitReopenAt),
			formatTime(state.Last429At),
			state.UpdatedAt.Local().Format(timeLayout),
		})
	}
	return rows
}

// MarshalJSON keeps the json form aligned with the table columns.
func (l RateLimitList) MarshalJSON() ([]byte, error) {
	type row struct {
		Host                string     `json:"host"`
		Tokens              float64    `json:"tokens"`
		Capacity            int        `json:"capacity"`
		ConsecutiveFailures int        `json:"consecutive_failures"`
		CircuitReopenAt     *time.Time `json:"circuit_reopen_at,omitempty"`
		Last429At           *time.Time `json:"last_429_at,omitempty"`
		UpdatedAt           time.Time  `json:"updated_at"`
	}
	rows := make([]row, 0, len(l))
	for _, entry := range l {
		rows = append(rows, row{
			Host:                entry.Endpoint,
			Tokens:              entry.State.Tokens,
			Capacity:            entry.State.Capacity,
			ConsecutiveFailures: entry.State.ConsecutiveFailures,
			CircuitReopenAt:     entry.State.CircuitReopenAt,
			Last429At:           entry.State.Last429At,
			UpdatedAt:           entry.State.UpdatedAt,
		})
	}
	return json.Marshal(rows)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}
