package lms

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hapiai/lmslink/internal/core"
)

// Course is the subset of a Canvas course the client exposes.
type Course struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	CourseCode     string     `json:"course_code"`
	WorkflowState  string     `json:"workflow_state,omitempty"`
	EnrollmentTerm int64      `json:"enrollment_term_id,omitempty"`
	StartAt        *time.Time `json:"start_at,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
}

// Assignment is a Canvas assignment.
type Assignment struct {
	ID             int64      `json:"id"`
	CourseID       int64      `json:"course_id"`
	Name           string     `json:"name"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	PointsPossible float64    `json:"points_possible"`
	Published      bool       `json:"published"`
	HTMLURL        string     `json:"html_url,omitempty"`
}

// Submission is a student's submission for an assignment.
type Submission struct {
	ID            int64      `json:"id"`
	AssignmentID  int64      `json:"assignment_id"`
	UserID        int64      `json:"user_id"`
	Score         *float64   `json:"score,omitempty"`
	Grade         string     `json:"grade,omitempty"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	WorkflowState string     `json:"workflow_state,omitempty"`
	Late          bool       `json:"late"`
	Missing       bool       `json:"missing"`
}

// Enrollment links a user to a course.
type Enrollment struct {
	ID             int64  `json:"id"`
	CourseID       int64  `json:"course_id"`
	UserID         int64  `json:"user_id"`
	Type           string `json:"type"`
	EnrollmentRole string `json:"role,omitempty"`
	State          string `json:"enrollment_state,omitempty"`
	Grades         *struct {
		CurrentScore *float64 `json:"current_score,omitempty"`
		CurrentGrade string   `json:"current_grade,omitempty"`
	} `json:"grades,omitempty"`
}

// User is a Canvas user profile.
type User struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ShortName    string `json:"short_name,omitempty"`
	PrimaryEmail string `json:"primary_email,omitempty"`
	LoginID      string `json:"login_id,omitempty"`
	TimeZone     string `json:"time_zone,omitempty"`
}

// ListCourses returns the caller's active courses.
func (c *Client) ListCourses(ctx context.Context) ([]Course, error) {
	query := url.Values{}
	query.Set("enrollment_state", "active")
	return FetchAll[Course](ctx, c, PageRequest{
		Endpoint:  "/courses",
		Query:     query,
		Priority:  core.PriorityNormal,
		Cacheable: true,
	})
}

// ListAssignments returns the assignments of a course.
func (c *Client) ListAssignments(ctx context.Context, courseID int64) ([]Assignment, error) {
	return FetchAll[Assignment](ctx, c, PageRequest{
		Endpoint:  fmt.Sprintf("/courses/%d/assignments", courseID),
		Priority:  core.PriorityNormal,
		Cacheable: true,
	})
}

// ListSubmissions returns the submissions for one assignment.
func (c *Client) ListSubmissions(ctx context.Context, courseID, assignmentID int64) ([]Submission, error) {
	return FetchAll[Submission](ctx, c, PageRequest{
		Endpoint:  fmt.Sprintf("/courses/%d/assignments/%d/submissions", courseID, assignmentID),
		Priority:  core.PriorityNormal,
		Cacheable: true,
	})
}

// ListEnrollments returns the enrollments of a course.
func (c *Client) ListEnrollments(ctx context.Context, courseID int64) ([]Enrollment, error) {
	return FetchAll[Enrollment](ctx, c, PageRequest{
		Endpoint:  fmt.Sprintf("/courses/%d/enrollments", courseID),
		Priority:  core.PriorityNormal,
		Cacheable: true,
	})
}

// GetSelf returns the authenticated user's profile.
func (c *Client) GetSelf(ctx context.Context) (*User, error) {
	return Get[User](ctx, c, "/users/self/profile", nil, core.PriorityUserInitiated)
}
