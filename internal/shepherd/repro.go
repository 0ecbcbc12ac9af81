package shepherd

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/Iron-Ham/herd/internal/tracker"
)

// maxReproCommands bounds how many extracted commands a check runs.
const maxReproCommands = 3

var testCommandPattern = regexp.MustCompile(`^(go test|npm (run )?test|yarn test|pnpm test|pytest|python3? -m pytest|` +
	`cargo test|make test|bundle exec rspec|\./gradlew test|mvn test|swift test)\b`)

// ExtractTestCommands finds test invocations in fenced code blocks of the
// issue body and comments, in order of appearance and without duplicates.
func ExtractTestCommands(issue tracker.Issue) []string {
	texts := []string{issue.Body}
	for _, c := range issue.Comments {
		texts = append(texts, c.Body)
	}

	var out []string
	seen := make(map[string]bool)
	for _, text := range texts {
		inFence := false
		sc := bufio.NewScanner(strings.NewReader(text))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if strings.HasPrefix(line, "```") {
				inFence = !inFence
				continue
			}
			if !inFence {
				continue
			}
			line = strings.TrimSpace(strings.TrimPrefix(line, "$"))
			if !testCommandPattern.MatchString(line) || seen[line] {
				continue
			}
			seen[line] = true
			out = append(out, line)
			if len(out) == maxReproCommands {
				return out
			}
		}
	}
	return out
}

// CommandRunner runs a shell command in dir and reports whether it passed.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) error
}

// ShellRunner runs commands through sh -c.
type ShellRunner struct{}

// Run implements CommandRunner.
func (ShellRunner) Run(ctx context.Context, dir, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", command, err, lastLine(out))
	}
	return nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return lines[len(lines)-1]
}

// Repro is the result of a reproducibility check.
type Repro struct {
	Commands []string
	// Passes counts consecutive passing runs, at most two.
	Passes int
	// FirstFailure is the error of the first failing run, if any.
	FirstFailure error
}

// NoChangesNeeded reports whether the issue's own tests passed twice on the
// unmodified tree.
func (r Repro) NoChangesNeeded() bool {
	return len(r.Commands) > 0 && r.Passes >= 2
}

// ReproCheck runs commands up to twice on the unmodified worktree. A failing
// first run means the problem reproduces and the builder should proceed; two
// passes in a row mean there is nothing to fix.
func ReproCheck(ctx context.Context, runner CommandRunner, dir string, commands []string) (Repro, error) {
	r := Repro{Commands: commands}
	if len(commands) == 0 {
		return r, nil
	}
	for run := 0; run < 2; run++ {
		for _, c := range commands {
			if err := runner.Run(ctx, dir, c); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return r, ctxErr
				}
				r.FirstFailure = err
				return r, nil
			}
		}
		r.Passes++
	}
	return r, nil
}
