package shepherd

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Iron-Ham/herd/internal/tracker"
)

func TestExtractTestCommands(t *testing.T) {
	issue := tracker.Issue{
		Body: "Steps:\n\n```sh\n$ go test ./internal/claim/...\ncd foo\n```\n\ngo test ./outside-fence\n",
		Comments: []tracker.Comment{
			{Body: "Also fails with\n```\npytest tests/test_api.py -k login\ngo test ./internal/claim/...\n```"},
		},
	}
	got := ExtractTestCommands(issue)
	want := []string{"go test ./internal/claim/...", "pytest tests/test_api.py -k login"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExtractTestCommands() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractTestCommandsCapsCount(t *testing.T) {
	issue := tracker.Issue{Body: "```\nmake test\ncargo test a\ncargo test b\nnpm test\n```"}
	if got := ExtractTestCommands(issue); len(got) != maxReproCommands {
		t.Errorf("len = %d, want %d", len(got), maxReproCommands)
	}
}

type scriptedCommands struct {
	results []error
	calls   int
}

func (s *scriptedCommands) Run(context.Context, string, string) error {
	var err error
	if s.calls < len(s.results) {
		err = s.results[s.calls]
	}
	s.calls++
	return err
}

func TestReproCheck(t *testing.T) {
	fail := errors.New("exit status 1")
	tests := []struct {
		name       string
		results    []error
		wantPasses int
		wantNoop   bool
		wantCalls  int
	}{
		{"passes twice", nil, 2, true, 2},
		{"fails first", []error{fail}, 0, false, 1},
		{"flaky second run", []error{nil, fail}, 1, false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedCommands{results: tt.results}
			rep, err := ReproCheck(context.Background(), runner, t.TempDir(), []string{"go test ./..."})
			if err != nil {
				t.Fatalf("ReproCheck() error = %v", err)
			}
			if rep.Passes != tt.wantPasses || rep.NoChangesNeeded() != tt.wantNoop || runner.calls != tt.wantCalls {
				t.Errorf("passes=%d noop=%v calls=%d, want %d %v %d",
					rep.Passes, rep.NoChangesNeeded(), runner.calls, tt.wantPasses, tt.wantNoop, tt.wantCalls)
			}
		})
	}
}

func TestReproCheckWithoutCommands(t *testing.T) {
	rep, err := ReproCheck(context.Background(), &scriptedCommands{}, t.TempDir(), nil)
	if err != nil || rep.NoChangesNeeded() {
		t.Errorf("ReproCheck(nil) = %+v, %v; want no-op", rep, err)
	}
}
