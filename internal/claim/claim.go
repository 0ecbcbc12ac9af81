package claim

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by Store operations.
var (
	// ErrAlreadyClaimed indicates another owner holds a live claim. The
	// concrete error is a *ClaimedError carrying that claim.
	ErrAlreadyClaimed = errors.New("issue already claimed")

	// ErrNotFound indicates no claim exists for the issue.
	ErrNotFound = errors.New("claim not found")

	// ErrOwnerMismatch indicates the caller does not own the claim.
	ErrOwnerMismatch = errors.New("claim owned by another owner")

	// ErrContentionExhausted indicates the bounded acquire loop kept losing
	// races for a stale claim.
	ErrContentionExhausted = errors.New("claim contention exhausted")

	// ErrInvalidIssue indicates a non-positive issue number.
	ErrInvalidIssue = errors.New("invalid issue number")

	// ErrInvalidOwner indicates an empty owner id.
	ErrInvalidOwner = errors.New("owner id must not be empty")
)

// Claim is the metadata stored in claim.json.
type Claim struct {
	IssueID    int       `json:"issue_id"`
	OwnerID    string    `json:"owner_id"`
	ClaimedAt  time.Time `json:"claimed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
	Host       string    `json:"host,omitempty"`
	PID        int       `json:"pid,omitempty"`
}

// TTL returns the claim's lifetime as a duration.
func (c Claim) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Expired reports whether the claim has expired at now.
func (c Claim) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Remaining returns the time left before expiry, or zero.
func (c Claim) Remaining(now time.Time) time.Duration {
	if d := c.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ClaimedError is returned when a live claim blocks acquisition.
// Claim.OwnerID is empty when the holder is still writing its metadata.
type ClaimedError struct {
	Claim Claim
}

func (e *ClaimedError) Error() string {
	if e.Claim.OwnerID == "" {
		return fmt.Sprintf("issue #%d already claimed (claim being written)", e.Claim.IssueID)
	}
	return fmt.Sprintf("issue #%d already claimed by %s until %s",
		e.Claim.IssueID, e.Claim.OwnerID, e.Claim.ExpiresAt.Format(time.RFC3339))
}

// Unwrap lets errors.Is match ErrAlreadyClaimed.
func (e *ClaimedError) Unwrap() error {
	return ErrAlreadyClaimed
}

// HeartbeatSource reports the most recent heartbeat written by an owner.
// ok is false when the owner has no progress record yet.
type HeartbeatSource interface {
	LastHeartbeat(ownerID string) (at time.Time, ok bool, err error)
}

// AbandonPolicy controls when a live claim may be stolen.
type AbandonPolicy struct {
	// OwnerPrefixes lists owner id prefixes whose claims may be treated as
	// abandoned. Owners matching none of them are never stolen.
	OwnerPrefixes []string
	// Heartbeat is the maximum heartbeat age before an owner with a
	// progress record is considered gone.
	Heartbeat time.Duration
	// Age is the maximum claim age for an owner that never wrote progress.
	Age time.Duration
}

// DefaultAbandonPolicy returns the policy used when none is configured.
func DefaultAbandonPolicy() AbandonPolicy {
	return AbandonPolicy{
		OwnerPrefixes: []string{"shepherd-"},
		Heartbeat:     300 * time.Second,
		Age:           600 * time.Second,
	}
}
