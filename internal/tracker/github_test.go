package tracker

import (
	"errors"
	"fmt"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recorder captures gh invocations and replies from a queue.
type recorder struct {
	mu      sync.Mutex
	calls   [][]string
	replies []reply
}

type reply struct {
	out []byte
	err error
}

func (r *recorder) exec(name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	if len(r.replies) == 0 {
		return []byte("{}"), nil
	}
	rep := r.replies[0]
	r.replies = r.replies[1:]
	return rep.out, rep.err
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"standard github url", "https://github.com/owner/repo/issues/123", 123, false},
		{"url with trailing newline", "https://github.com/owner/repo/issues/456\n", 456, false},
		{"invalid url - pull path", "https://github.com/owner/repo/pull/123", 0, true},
		{"invalid url - no number", "https://github.com/owner/repo/issues/", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNumber(tt.input, "issues")
			if (err != nil) != tt.wantErr {
				t.Errorf("parseNumber() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("parseNumber() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGitHub_ClassifyError(t *testing.T) {
	g := NewGitHub()
	tests := []struct {
		name   string
		err    error
		output string
		want   error
	}{
		{"not installed", &exec.Error{Name: "gh", Err: errors.New("executable file not found")}, "", ErrProviderUnavailable},
		{"auth", fmt.Errorf("exit status 1"), "To authenticate, run: gh auth login", ErrAuthRequired},
		{"rate limit", fmt.Errorf("exit status 1"), "API rate limit exceeded for user", ErrRateLimited},
		{"secondary rate limit", fmt.Errorf("exit status 1"), "You have exceeded a secondary rate limit", ErrRateLimited},
		{"bad gateway", fmt.Errorf("exit status 1"), "HTTP 502: Bad Gateway", ErrServerError},
		{"timeout", fmt.Errorf("exit status 1"), "dial tcp: i/o timeout", ErrServerError},
		{"not found", fmt.Errorf("exit status 1"), "GraphQL: Could not resolve to an issue or pull request with the number of 9", ErrIssueNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.classifyError(tt.err, []byte(tt.output))
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyError() = %v, want %v", got, tt.want)
			}
		})
	}

	if err := g.classifyError(fmt.Errorf("exit status 1"), []byte("weird")); IsTransient(err) {
		t.Errorf("unknown failure classified as transient: %v", err)
	}
}

func TestGitHub_GetIssue(t *testing.T) {
	rec := &recorder{replies: []reply{{out: []byte(`{
		"number": 42, "title": "Crash", "body": "boom", "state": "OPEN",
		"url": "https://github.com/o/r/issues/42",
		"labels": [{"name": "herd:issue"}, {"name": "bug"}],
		"comments": [{"author": {"login": "alice"}, "body": "repro: go test ./...", "createdAt": "2026-01-02T03:04:05Z"}]
	}`)}}}
	g := NewGitHub(WithExecutor(rec.exec), WithRepo("o/r"))

	issue, err := g.GetIssue(42)
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if !issue.Open() || !issue.HasLabel(LabelIssue) || issue.HasLabel(LabelBlocked) {
		t.Errorf("GetIssue() = %+v", issue)
	}
	if len(issue.Comments) != 1 || issue.Comments[0].Author != "alice" {
		t.Errorf("Comments = %+v", issue.Comments)
	}
	want := []string{"gh", "issue", "view", "42", "--json", issueFields, "--repo", "o/r"}
	if !reflect.DeepEqual(rec.calls[0], want) {
		t.Errorf("call = %v, want %v", rec.calls[0], want)
	}
}

func TestGitHub_GetIssueCollapsesConcurrentLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	g := NewGitHub(WithExecutor(func(name string, args ...string) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`{"number": 7, "state": "OPEN"}`), nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.GetIssue(7); err != nil {
				t.Errorf("GetIssue() error = %v", err)
			}
		}()
	}
	// Give the goroutines time to join the in-flight lookup.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n < 1 || n > 5 {
		t.Fatalf("gh called %d times", n)
	}
}

func TestGitHub_EditLabelsSingleCall(t *testing.T) {
	rec := &recorder{}
	g := NewGitHub(WithExecutor(rec.exec))

	if err := g.EditLabels(9, []string{"a", "b"}, []string{"c"}); err != nil {
		t.Fatalf("EditLabels() error = %v", err)
	}
	want := []string{"gh", "issue", "edit", "9", "--add-label", "a,b", "--remove-label", "c"}
	if len(rec.calls) != 1 || !reflect.DeepEqual(rec.calls[0], want) {
		t.Errorf("calls = %v, want [%v]", rec.calls, want)
	}

	if err := g.EditLabels(9, nil, nil); err != nil || len(rec.calls) != 1 {
		t.Errorf("empty edit should be a no-op, calls = %v", rec.calls)
	}
}

func TestGitHub_SwapLabelStripsSiblings(t *testing.T) {
	rec := &recorder{replies: []reply{
		{out: []byte(`{"number": 5, "state": "OPEN", "labels": [{"name": "herd:blocked"}, {"name": "bug"}, {"name": "herd:building"}]}`)},
		{out: []byte("")},
	}}
	g := NewGitHub(WithExecutor(rec.exec))

	if err := g.SwapLabel(5, LabelIssue); err != nil {
		t.Fatalf("SwapLabel() error = %v", err)
	}
	if len(rec.calls) != 2 {
		t.Fatalf("calls = %v", rec.calls)
	}
	edit := strings.Join(rec.calls[1], " ")
	if !strings.Contains(edit, "--add-label herd:issue") {
		t.Errorf("edit %q does not add herd:issue", edit)
	}
	if !strings.Contains(edit, "--remove-label herd:building,herd:blocked") {
		t.Errorf("edit %q does not strip the present siblings", edit)
	}
	if strings.Contains(edit, "herd:curated") || strings.Contains(edit, "bug") {
		t.Errorf("edit %q touches labels the issue does not carry or that are outside the group", edit)
	}
}

func TestGitHub_SwapLabelFailureIsReturned(t *testing.T) {
	rec := &recorder{replies: []reply{
		{out: []byte(`{"number": 5, "state": "OPEN", "labels": [{"name": "herd:blocked"}]}`)},
		{out: []byte("HTTP 503: Service Unavailable"), err: fmt.Errorf("exit status 1")},
	}}
	g := NewGitHub(WithExecutor(rec.exec))

	err := g.SwapLabel(5, LabelIssue)
	if !errors.Is(err, ErrServerError) {
		t.Errorf("SwapLabel() error = %v, want ErrServerError", err)
	}
}

func TestGitHub_FindPRForIssueValidatesClosingReferences(t *testing.T) {
	rec := &recorder{replies: []reply{{out: []byte(`[
		{"number": 10, "state": "OPEN", "title": "Fix #12 typo", "closingIssuesReferences": [{"number": 120}]},
		{"number": 11, "state": "OPEN", "title": "Fix crash", "closingIssuesReferences": [{"number": 12}]}
	]`)}}}
	g := NewGitHub(WithExecutor(rec.exec))

	pr, ok, err := g.FindPRForIssue(12)
	if err != nil || !ok {
		t.Fatalf("FindPRForIssue() = %v, %v, %v", pr, ok, err)
	}
	if pr.Number != 11 {
		t.Errorf("FindPRForIssue() picked #%d, want #11", pr.Number)
	}

	rec.replies = []reply{{out: []byte(`[{"number": 10, "closingIssuesReferences": [{"number": 120}]}]`)}}
	if _, ok, _ := g.FindPRForIssue(12); ok {
		t.Error("FindPRForIssue() matched a PR that does not close the issue")
	}
}

func TestGitHub_CreateIssue(t *testing.T) {
	rec := &recorder{replies: []reply{{out: []byte("https://github.com/o/r/issues/77\n")}}}
	g := NewGitHub(WithExecutor(rec.exec))

	issue, err := g.CreateIssue(IssueOptions{Title: "Split #42", Body: "too big", Labels: []string{LabelArchitect}})
	if err != nil {
		t.Fatalf("CreateIssue() error = %v", err)
	}
	if issue.Number != 77 {
		t.Errorf("Number = %d, want 77", issue.Number)
	}
	if !strings.Contains(strings.Join(rec.calls[0], " "), "--label herd:architect") {
		t.Errorf("call %v does not carry the label", rec.calls[0])
	}

	if _, err := g.CreateIssue(IssueOptions{}); err == nil {
		t.Error("CreateIssue() without title should fail")
	}
}

func TestGitHub_MergePR(t *testing.T) {
	rec := &recorder{}
	g := NewGitHub(WithExecutor(rec.exec))
	if err := g.MergePR(3); err != nil {
		t.Fatalf("MergePR() error = %v", err)
	}
	want := []string{"gh", "pr", "merge", "3", "--squash", "--delete-branch"}
	if !reflect.DeepEqual(rec.calls[0], want) {
		t.Errorf("call = %v, want %v", rec.calls[0], want)
	}
}

func TestSiblings(t *testing.T) {
	got := Siblings(DefaultExclusiveGroups(), LabelPR)
	want := []string{LabelReviewRequested, LabelChangesRequested}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Siblings() = %v, want %v", got, want)
	}
	if Siblings(DefaultExclusiveGroups(), "bug") != nil {
		t.Error("labels outside every group have no siblings")
	}
}
