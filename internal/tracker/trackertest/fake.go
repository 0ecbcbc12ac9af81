// Package trackertest provides an in-memory tracker for tests.
package trackertest

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Iron-Ham/herd/internal/tracker"
)

// Fake is an in-memory tracker.Tracker. Label edits honour the default
// exclusive groups the same way the GitHub implementation does.
type Fake struct {
	mu       sync.Mutex
	issues   map[int]*tracker.Issue
	prs      map[int]*tracker.PullRequest
	comments map[int][]string
	nextNum  int
	groups   [][]string

	// FailSwap makes SwapLabel and EditLabels fail for these issues.
	FailSwap map[int]error
	// FailComment makes Comment fail for every issue.
	FailComment error
	// FailMerge makes MergePR fail.
	FailMerge error

	calls []string
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		issues:   make(map[int]*tracker.Issue),
		prs:      make(map[int]*tracker.PullRequest),
		comments: make(map[int][]string),
		nextNum:  1000,
		groups:   tracker.DefaultExclusiveGroups(),
		FailSwap: make(map[int]error),
	}
}

// AddIssue stores an open issue with labels.
func (f *Fake) AddIssue(number int, title string, labels ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[number] = &tracker.Issue{Number: number, Title: title, State: tracker.StateOpen, Labels: labels}
	return f
}

// SetIssue stores issue as given.
func (f *Fake) SetIssue(issue tracker.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := issue
	f.issues[issue.Number] = &cp
}

// CloseIssue marks an issue closed.
func (f *Fake) CloseIssue(number int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if is, ok := f.issues[number]; ok {
		is.State = tracker.StateClosed
	}
}

// OpenPR stores an open pull request that closes issue.
func (f *Fake) OpenPR(number, issue int, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prs[number] = &tracker.PullRequest{
		Number:        number,
		Title:         fmt.Sprintf("Fix #%d", issue),
		State:         tracker.StateOpen,
		HeadRefName:   fmt.Sprintf("herd/issue-%d", issue),
		Labels:        labels,
		ClosingIssues: []int{issue},
	}
}

// Labels returns the current labels of an issue.
func (f *Fake) Labels(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if is, ok := f.issues[number]; ok {
		return append([]string(nil), is.Labels...)
	}
	return nil
}

// PRLabels returns the current labels of a pull request.
func (f *Fake) PRLabels(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.prs[number]; ok {
		return append([]string(nil), pr.Labels...)
	}
	return nil
}

// Comments returns the comments posted on an issue.
func (f *Fake) Comments(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments[number]...)
}

// Calls returns the mutating calls in order, e.g. "swap 42 herd:building".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CreatedIssues returns issues made through CreateIssue.
func (f *Fake) CreatedIssues() []tracker.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tracker.Issue
	for n, is := range f.issues {
		if n >= 1000 {
			out = append(out, *is)
		}
	}
	slices.SortFunc(out, func(a, b tracker.Issue) int { return a.Number - b.Number })
	return out
}

func (f *Fake) GetIssue(number int) (tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	is, ok := f.issues[number]
	if !ok {
		return tracker.Issue{}, fmt.Errorf("issue #%d: %w", number, tracker.ErrIssueNotFound)
	}
	cp := *is
	cp.Labels = append([]string(nil), is.Labels...)
	return cp, nil
}

func (f *Fake) ListIssues(opts tracker.ListOptions) ([]tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tracker.Issue
	for _, is := range f.issues {
		if !stateMatches(is.State, opts.State) {
			continue
		}
		if !hasAll(is.Labels, opts.Labels) {
			continue
		}
		cp := *is
		cp.Labels = append([]string(nil), is.Labels...)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b tracker.Issue) int { return a.Number - b.Number })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *Fake) CreateIssue(opts tracker.IssueOptions) (tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nextNum
	f.nextNum++
	is := &tracker.Issue{Number: n, Title: opts.Title, Body: opts.Body, State: tracker.StateOpen, Labels: opts.Labels}
	f.issues[n] = is
	f.calls = append(f.calls, fmt.Sprintf("create %d %s", n, opts.Title))
	return *is, nil
}

func (f *Fake) EditLabels(number int, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailSwap[number]; err != nil {
		return err
	}
	is, ok := f.issues[number]
	if !ok {
		return tracker.ErrIssueNotFound
	}
	is.Labels = edit(is.Labels, add, remove)
	f.calls = append(f.calls, fmt.Sprintf("edit %d +%s -%s", number, strings.Join(add, ","), strings.Join(remove, ",")))
	return nil
}

func (f *Fake) SwapLabel(number int, label string, remove ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailSwap[number]; err != nil {
		return err
	}
	is, ok := f.issues[number]
	if !ok {
		return tracker.ErrIssueNotFound
	}
	is.Labels = edit(is.Labels, []string{label}, append(tracker.Siblings(f.groups, label), remove...))
	f.calls = append(f.calls, fmt.Sprintf("swap %d %s", number, label))
	return nil
}

func (f *Fake) Comment(number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailComment != nil {
		return f.FailComment
	}
	f.comments[number] = append(f.comments[number], body)
	return nil
}

func (f *Fake) GetPR(number int) (tracker.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[number]
	if !ok {
		return tracker.PullRequest{}, fmt.Errorf("pr #%d: %w", number, tracker.ErrIssueNotFound)
	}
	cp := *pr
	cp.Labels = append([]string(nil), pr.Labels...)
	return cp, nil
}

func (f *Fake) ListPRs(opts tracker.ListOptions) ([]tracker.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tracker.PullRequest
	for _, pr := range f.prs {
		if stateMatches(pr.State, opts.State) && hasAll(pr.Labels, opts.Labels) {
			out = append(out, *pr)
		}
	}
	slices.SortFunc(out, func(a, b tracker.PullRequest) int { return a.Number - b.Number })
	return out, nil
}

func (f *Fake) FindPRForIssue(issue int) (tracker.PullRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.prs {
		if pr.State == tracker.StateOpen && pr.Closes(issue) {
			return *pr, true, nil
		}
	}
	return tracker.PullRequest{}, false, nil
}

func (f *Fake) EditPRLabels(number int, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[number]
	if !ok {
		return tracker.ErrIssueNotFound
	}
	pr.Labels = edit(pr.Labels, add, remove)
	return nil
}

func (f *Fake) SwapPRLabel(number int, label string, remove ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[number]
	if !ok {
		return tracker.ErrIssueNotFound
	}
	pr.Labels = edit(pr.Labels, []string{label}, append(tracker.Siblings(f.groups, label), remove...))
	f.calls = append(f.calls, fmt.Sprintf("swap-pr %d %s", number, label))
	return nil
}

func (f *Fake) MergePR(number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailMerge != nil {
		return f.FailMerge
	}
	pr, ok := f.prs[number]
	if !ok {
		return tracker.ErrIssueNotFound
	}
	pr.State = tracker.StateMerged
	for _, n := range pr.ClosingIssues {
		if is, ok := f.issues[n]; ok {
			is.State = tracker.StateClosed
		}
	}
	f.calls = append(f.calls, fmt.Sprintf("merge %d", number))
	return nil
}

func edit(labels, add, remove []string) []string {
	out := make([]string, 0, len(labels)+len(add))
	for _, l := range labels {
		if !slices.Contains(remove, l) || slices.Contains(add, l) {
			out = append(out, l)
		}
	}
	for _, l := range add {
		if !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

func hasAll(labels, want []string) bool {
	for _, w := range want {
		if !slices.Contains(labels, w) {
			return false
		}
	}
	return true
}

func stateMatches(state, want string) bool {
	switch strings.ToLower(want) {
	case "", "open":
		return state == tracker.StateOpen
	case "all":
		return true
	default:
		return strings.EqualFold(state, want)
	}
}

var _ tracker.Tracker = (*Fake)(nil)
