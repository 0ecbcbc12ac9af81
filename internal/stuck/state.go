package stuck

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Iron-Ham/herd/internal/progress"
)

// DefaultOutputWindow is the number of trailing output lines inspected.
const DefaultOutputWindow = 200

// FromReport builds an AgentState from a worker's progress report and the
// tail of its output. lastOutputChange is when the output was last seen to
// change.
func FromReport(r progress.Report, output []string, lastOutputChange, now time.Time) AgentState {
	s := AgentState{
		AgentID:          r.TaskID,
		Now:              now,
		Working:          !r.Done(),
		StartedAt:        r.StartedAt,
		LastOutputChange: lastOutputChange,
		LastHeartbeat:    r.LastHeartbeat,
		HasPR:            r.PRNumber > 0 || r.HasMilestone(progress.KindPRCreated),
		OutputLines:      output,
		Milestones:       r.Milestones,
		CurrentPhase:     r.CurrentPhase,
	}
	if at, ok := r.PhaseEnteredAt(); ok {
		s.PhaseEnteredAt = at
	}
	return s
}

// OutputTail returns the last n lines of the log at path together with its
// modification time. A missing log yields no lines and a zero time.
func OutputTail(path string, n int) ([]string, time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}

	// Read at most the last 256 KiB; older output is outside the window.
	const maxTail = 256 << 10
	offset := info.Size() - maxTail
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, time.Time{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, time.Time{}, err
	}
	if offset > 0 {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	return TailLines(string(data), n), info.ModTime(), nil
}

// TailLines returns the last n non-empty lines of text.
func TailLines(text string, n int) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
