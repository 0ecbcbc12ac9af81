// Package tracker talks to the issue tracker that drives the pipeline.
//
// The only implementation is [GitHub], which shells out to the gh CLI.
// Everything that changes labels goes through [Tracker.EditLabels] or
// [Tracker.SwapLabel] so additions and removals land in a single call, and a
// failure there is always returned to the caller. Comments are the only
// writes callers are expected to treat as best effort.
package tracker

import (
	"slices"
	"time"
)

// Issue is the subset of an issue's fields herd reads.
type Issue struct {
	Number   int       `json:"number"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	State    string    `json:"state"`
	URL      string    `json:"url"`
	Labels   []string  `json:"labels"`
	Comments []Comment `json:"comments,omitempty"`
}

// Open reports whether the issue is open.
func (i Issue) Open() bool {
	return i.State == "" || i.State == StateOpen
}

// HasLabel reports whether the issue carries label.
func (i Issue) HasLabel(label string) bool {
	return slices.Contains(i.Labels, label)
}

// HasAnyLabel reports whether the issue carries any of labels.
func (i Issue) HasAnyLabel(labels ...string) bool {
	for _, l := range labels {
		if i.HasLabel(l) {
			return true
		}
	}
	return false
}

// Comment is one issue comment.
type Comment struct {
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// PullRequest is the subset of a pull request's fields herd reads.
type PullRequest struct {
	Number         int      `json:"number"`
	Title          string   `json:"title"`
	State          string   `json:"state"`
	URL            string   `json:"url"`
	HeadRefName    string   `json:"head_ref_name"`
	Labels         []string `json:"labels"`
	ClosingIssues  []int    `json:"closing_issues"`
	ReviewDecision string   `json:"review_decision,omitempty"`
}

// HasLabel reports whether the pull request carries label.
func (p PullRequest) HasLabel(label string) bool {
	return slices.Contains(p.Labels, label)
}

// Closes reports whether the pull request's structured closing references
// include issue.
func (p PullRequest) Closes(issue int) bool {
	return slices.Contains(p.ClosingIssues, issue)
}

// Issue and pull request states as reported by gh.
const (
	StateOpen   = "OPEN"
	StateClosed = "CLOSED"
	StateMerged = "MERGED"
)

// ListOptions filters ListIssues and ListPRs.
type ListOptions struct {
	Labels []string
	// State is "open", "closed", "merged" or "all". Empty means open.
	State  string
	Limit  int
	Search string
}

// IssueOptions contains the parameters for creating an issue.
type IssueOptions struct {
	Title  string
	Body   string
	Labels []string
}

// Tracker is the issue tracker surface used by the shepherd and the
// scheduler.
type Tracker interface {
	GetIssue(number int) (Issue, error)
	ListIssues(opts ListOptions) ([]Issue, error)
	CreateIssue(opts IssueOptions) (Issue, error)

	// EditLabels adds and removes issue labels in one call.
	EditLabels(number int, add, remove []string) error
	// SwapLabel adds label to the issue, removing remove and every other
	// label of label's exclusive group that the issue carries.
	SwapLabel(number int, label string, remove ...string) error
	Comment(number int, body string) error

	GetPR(number int) (PullRequest, error)
	ListPRs(opts ListOptions) ([]PullRequest, error)
	// FindPRForIssue returns the open pull request whose closing
	// references include issue.
	FindPRForIssue(issue int) (PullRequest, bool, error)
	EditPRLabels(number int, add, remove []string) error
	SwapPRLabel(number int, label string, remove ...string) error
	MergePR(number int) error
}
