package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// CommandExecutor is a function type that executes a command and returns its output.
// This allows for dependency injection in tests.
type CommandExecutor func(name string, args ...string) ([]byte, error)

// defaultExecutor runs commands using os/exec.
var defaultExecutor CommandExecutor = func(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	return cmd.CombinedOutput()
}

const (
	issueFields = "number,title,body,state,url,labels,comments"
	listFields  = "number,title,state,url,labels"
	prFields    = "number,title,state,url,headRefName,labels,closingIssuesReferences,reviewDecision"
)

// GitHub implements Tracker using the gh CLI.
type GitHub struct {
	executor CommandExecutor
	repo     string
	groups   [][]string
	lookups  singleflight.Group
}

// GitHubOption configures a GitHub tracker.
type GitHubOption func(*GitHub)

// WithExecutor replaces the command executor, for tests.
func WithExecutor(executor CommandExecutor) GitHubOption {
	return func(g *GitHub) { g.executor = executor }
}

// WithRepo targets owner/name instead of the repository of the working
// directory.
func WithRepo(repo string) GitHubOption {
	return func(g *GitHub) { g.repo = repo }
}

// WithExclusiveGroups replaces the default exclusive label groups.
func WithExclusiveGroups(groups [][]string) GitHubOption {
	return func(g *GitHub) { g.groups = groups }
}

// NewGitHub creates a GitHub tracker.
func NewGitHub(opts ...GitHubOption) *GitHub {
	g := &GitHub{
		executor: defaultExecutor,
		groups:   DefaultExclusiveGroups(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GitHub) run(args ...string) ([]byte, error) {
	if g.repo != "" {
		args = append(args, "--repo", g.repo)
	}
	output, err := g.executor("gh", args...)
	if err != nil {
		return output, g.classifyError(err, output)
	}
	return output, nil
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghComment struct {
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type ghIssue struct {
	Number   int         `json:"number"`
	Title    string      `json:"title"`
	Body     string      `json:"body"`
	State    string      `json:"state"`
	URL      string      `json:"url"`
	Labels   []ghLabel   `json:"labels"`
	Comments []ghComment `json:"comments"`
}

func (i ghIssue) toIssue() Issue {
	out := Issue{
		Number: i.Number,
		Title:  i.Title,
		Body:   i.Body,
		State:  strings.ToUpper(i.State),
		URL:    i.URL,
		Labels: labelNames(i.Labels),
	}
	for _, c := range i.Comments {
		out.Comments = append(out.Comments, Comment{Author: c.Author.Login, Body: c.Body, CreatedAt: c.CreatedAt})
	}
	return out
}

type ghPR struct {
	Number                  int       `json:"number"`
	Title                   string    `json:"title"`
	State                   string    `json:"state"`
	URL                     string    `json:"url"`
	HeadRefName             string    `json:"headRefName"`
	Labels                  []ghLabel `json:"labels"`
	ReviewDecision          string    `json:"reviewDecision"`
	ClosingIssuesReferences []struct {
		Number int `json:"number"`
	} `json:"closingIssuesReferences"`
}

func (p ghPR) toPR() PullRequest {
	out := PullRequest{
		Number:         p.Number,
		Title:          p.Title,
		State:          strings.ToUpper(p.State),
		URL:            p.URL,
		HeadRefName:    p.HeadRefName,
		Labels:         labelNames(p.Labels),
		ReviewDecision: p.ReviewDecision,
	}
	for _, ref := range p.ClosingIssuesReferences {
		out.ClosingIssues = append(out.ClosingIssues, ref.Number)
	}
	return out
}

func labelNames(ls []ghLabel) []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Name)
	}
	return out
}

// GetIssue fetches one issue with its comments. Concurrent lookups of the
// same issue share a single gh invocation.
func (g *GitHub) GetIssue(number int) (Issue, error) {
	if number <= 0 {
		return Issue{}, fmt.Errorf("%w: #%d", ErrIssueNotFound, number)
	}
	v, err, _ := g.lookups.Do("issue:"+strconv.Itoa(number), func() (any, error) {
		output, err := g.run("issue", "view", strconv.Itoa(number), "--json", issueFields)
		if err != nil {
			return Issue{}, err
		}
		var raw ghIssue
		if err := json.Unmarshal(output, &raw); err != nil {
			return Issue{}, fmt.Errorf("failed to parse issue #%d: %w", number, err)
		}
		return raw.toIssue(), nil
	})
	if err != nil {
		return Issue{}, err
	}
	return v.(Issue), nil
}

func listArgs(kind string, opts ListOptions, fields string) []string {
	state := opts.State
	if state == "" {
		state = "open"
	}
	args := []string{kind, "list", "--state", state, "--json", fields}
	for _, l := range opts.Labels {
		args = append(args, "--label", l)
	}
	if opts.Limit > 0 {
		args = append(args, "--limit", strconv.Itoa(opts.Limit))
	}
	if opts.Search != "" {
		args = append(args, "--search", opts.Search)
	}
	return args
}

// ListIssues lists issues matching opts. Comments and bodies are not
// included.
func (g *GitHub) ListIssues(opts ListOptions) ([]Issue, error) {
	output, err := g.run(listArgs("issue", opts, listFields)...)
	if err != nil {
		return nil, err
	}
	var raw []ghIssue
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse issue list: %w", err)
	}
	issues := make([]Issue, 0, len(raw))
	for _, r := range raw {
		issues = append(issues, r.toIssue())
	}
	return issues, nil
}

// CreateIssue creates a GitHub issue using the gh CLI.
func (g *GitHub) CreateIssue(opts IssueOptions) (Issue, error) {
	if opts.Title == "" {
		return Issue{}, fmt.Errorf("issue title is required")
	}

	args := []string{"issue", "create",
		"--title", opts.Title,
		"--body", opts.Body,
	}
	for _, label := range opts.Labels {
		args = append(args, "--label", label)
	}

	output, err := g.run(args...)
	if err != nil {
		return Issue{}, err
	}

	url := strings.TrimSpace(string(output))
	num, err := parseNumber(url, "issues")
	if err != nil {
		return Issue{URL: url}, err
	}
	return Issue{
		Number: num,
		Title:  opts.Title,
		Body:   opts.Body,
		State:  StateOpen,
		URL:    url,
		Labels: slices.Clone(opts.Labels),
	}, nil
}

func (g *GitHub) editLabels(kind string, number int, add, remove []string) error {
	if number <= 0 {
		return fmt.Errorf("%s number is required for label edit", kind)
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	args := []string{kind, "edit", strconv.Itoa(number)}
	if len(add) > 0 {
		args = append(args, "--add-label", strings.Join(add, ","))
	}
	if len(remove) > 0 {
		args = append(args, "--remove-label", strings.Join(remove, ","))
	}
	_, err := g.run(args...)
	return err
}

// EditLabels adds and removes issue labels in a single gh call.
func (g *GitHub) EditLabels(number int, add, remove []string) error {
	return g.editLabels("issue", number, add, remove)
}

// EditPRLabels adds and removes pull request labels in a single gh call.
func (g *GitHub) EditPRLabels(number int, add, remove []string) error {
	return g.editLabels("pr", number, add, remove)
}

// swapRemovals returns the labels to strip when adding label to an item
// currently carrying current.
func (g *GitHub) swapRemovals(current []string, label string, remove []string) []string {
	var out []string
	for _, l := range append(Siblings(g.groups, label), remove...) {
		if l != label && slices.Contains(current, l) && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

// SwapLabel adds label to the issue and strips remove plus the label's
// exclusive siblings that the issue currently carries.
func (g *GitHub) SwapLabel(number int, label string, remove ...string) error {
	issue, err := g.GetIssue(number)
	if err != nil {
		return err
	}
	return g.EditLabels(number, []string{label}, g.swapRemovals(issue.Labels, label, remove))
}

// SwapPRLabel is SwapLabel for pull requests.
func (g *GitHub) SwapPRLabel(number int, label string, remove ...string) error {
	pr, err := g.GetPR(number)
	if err != nil {
		return err
	}
	return g.EditPRLabels(number, []string{label}, g.swapRemovals(pr.Labels, label, remove))
}

// Comment posts a comment on an issue or pull request.
func (g *GitHub) Comment(number int, body string) error {
	_, err := g.run("issue", "comment", strconv.Itoa(number), "--body", body)
	return err
}

// GetPR fetches one pull request.
func (g *GitHub) GetPR(number int) (PullRequest, error) {
	output, err := g.run("pr", "view", strconv.Itoa(number), "--json", prFields)
	if err != nil {
		return PullRequest{}, err
	}
	var raw ghPR
	if err := json.Unmarshal(output, &raw); err != nil {
		return PullRequest{}, fmt.Errorf("failed to parse pull request #%d: %w", number, err)
	}
	return raw.toPR(), nil
}

// ListPRs lists pull requests matching opts.
func (g *GitHub) ListPRs(opts ListOptions) ([]PullRequest, error) {
	output, err := g.run(listArgs("pr", opts, prFields)...)
	if err != nil {
		return nil, err
	}
	var raw []ghPR
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pull request list: %w", err)
	}
	prs := make([]PullRequest, 0, len(raw))
	for _, r := range raw {
		prs = append(prs, r.toPR())
	}
	return prs, nil
}

// FindPRForIssue searches open pull requests mentioning the issue and keeps
// the first one whose closingIssuesReferences really include it. A PR that
// merely says "Closes #12" about another repository's #12, or mentions the
// number in passing, is rejected.
func (g *GitHub) FindPRForIssue(issue int) (PullRequest, bool, error) {
	prs, err := g.ListPRs(ListOptions{Search: "#" + strconv.Itoa(issue), Limit: 20})
	if err != nil {
		return PullRequest{}, false, err
	}
	for _, pr := range prs {
		if pr.Closes(issue) {
			return pr, true, nil
		}
	}
	return PullRequest{}, false, nil
}

// MergePR squash-merges a pull request and deletes its branch.
func (g *GitHub) MergePR(number int) error {
	_, err := g.run("pr", "merge", strconv.Itoa(number), "--squash", "--delete-branch")
	return err
}

// classifyError analyzes the error and output from a gh command
// and returns a more specific error type when possible.
// Errors are wrapped to preserve context while enabling errors.Is() checks.
func (g *GitHub) classifyError(err error, output []byte) error {
	outStr := strings.ToLower(string(output))
	trimmed := strings.TrimSpace(string(output))

	// Check for "executable file not found" which indicates gh is not installed
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, execErr)
	}

	switch {
	case strings.Contains(outStr, "not logged in") ||
		strings.Contains(outStr, "authentication required") ||
		strings.Contains(outStr, "gh auth login"):
		return fmt.Errorf("%w: %s", ErrAuthRequired, trimmed)

	case strings.Contains(outStr, "rate limit"):
		return fmt.Errorf("%w: %s", ErrRateLimited, trimmed)

	case serverError.MatchString(outStr):
		return fmt.Errorf("%w: %s", ErrServerError, trimmed)

	case strings.Contains(outStr, "could not find issue") ||
		strings.Contains(outStr, "issue not found") ||
		strings.Contains(outStr, "could not resolve to an issue or pull request") ||
		strings.Contains(outStr, "no pull requests found"):
		// Only match issue-specific "not found" patterns to avoid false positives
		return fmt.Errorf("%w: %s", ErrIssueNotFound, trimmed)

	case strings.Contains(outStr, "could not resolve to a repository"):
		return fmt.Errorf("repository not found or not accessible: %s", trimmed)
	}

	// Return the original error with output for debugging
	return fmt.Errorf("gh command failed: %w\n%s", err, string(output))
}

var serverError = regexp.MustCompile(`http 5\d\d|\b5\d\d (bad gateway|service unavailable|internal server error|gateway timeout)|i/o timeout|timed out|connection reset`)

var numberPattern = map[string]*regexp.Regexp{
	"issues": regexp.MustCompile(`/issues/(\d+)`),
	"pull":   regexp.MustCompile(`/pull/(\d+)`),
}

// parseNumber extracts the number from a gh output URL,
// e.g. https://github.com/owner/repo/issues/123
func parseNumber(output, kind string) (int, error) {
	matches := numberPattern[kind].FindStringSubmatch(output)
	if len(matches) < 2 {
		return 0, fmt.Errorf("could not parse %s number from: %s", kind, output)
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, fmt.Errorf("invalid number: %w", err)
	}

	return num, nil
}

// Ensure GitHub implements Tracker
var _ Tracker = (*GitHub)(nil)
