package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/herd/internal/claim"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// Process exit codes shared by every command.
const (
	exitOK            = 0
	exitFailure       = 1
	exitClaimConflict = 2
	exitOwnerMismatch = 3
	exitStuck         = 4
)

var outputFormat = formatText

// exitError carries a specific exit code out of a RunE. A nil err means the
// command already reported its outcome and only the code matters.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func usageErrorf(format string, args ...any) error {
	return withCode(exitFailure, fmt.Errorf(format, args...))
}

// exitCode maps an error returned by a command to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, claim.ErrAlreadyClaimed), errors.Is(err, claim.ErrNotFound):
		return exitClaimConflict
	case errors.Is(err, claim.ErrOwnerMismatch):
		return exitOwnerMismatch
	default:
		return exitFailure
	}
}

// render writes v as indented JSON with --output json, and calls text
// otherwise.
func render(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if outputFormat == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
