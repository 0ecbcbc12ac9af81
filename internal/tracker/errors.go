package tracker

import "errors"

// Sentinel errors for tracker operations.
var (
	// ErrIssueNotFound indicates that the requested issue or pull request
	// does not exist.
	ErrIssueNotFound = errors.New("issue not found")

	// ErrAuthRequired indicates that authentication is required.
	ErrAuthRequired = errors.New("authentication required")

	// ErrProviderUnavailable indicates that the gh CLI is not available.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRateLimited indicates the API rate limit was hit.
	ErrRateLimited = errors.New("rate limited")

	// ErrServerError indicates a 5xx response or a timeout talking to the API.
	ErrServerError = errors.New("server error")
)

// IsTransient reports whether err is worth retrying after a delay.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServerError)
}
