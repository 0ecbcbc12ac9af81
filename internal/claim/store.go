package claim

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/herd/internal/audit"
	"github.com/Iron-Ham/herd/internal/logging"
	"github.com/Iron-Ham/herd/internal/statefile"
)

const (
	metadataFile = "claim.json"
	dirPrefix    = "issue-"
	guardSuffix  = ".steal"

	defaultMaxAttempts = 3
	defaultWriteGrace  = 2 * time.Second
	defaultGuardTTL    = 30 * time.Second
	defaultGuardWait   = 2 * time.Second
	guardPoll          = 10 * time.Millisecond
)

// Store manages claim directories under a single root.
// All methods are safe for use by concurrent goroutines and processes.
type Store struct {
	dir         string
	now         func() time.Time
	heartbeats  HeartbeatSource
	policy      AbandonPolicy
	recorder    audit.Recorder
	logger      *logging.Logger
	maxAttempts int
	writeGrace  time.Duration
	guardTTL    time.Duration
	guardWait   time.Duration
	host        string
	pid         int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithHeartbeats enables heartbeat-based abandonment. Without a source no
// live claim is ever stolen.
func WithHeartbeats(h HeartbeatSource) Option {
	return func(s *Store) { s.heartbeats = h }
}

// WithAbandonPolicy replaces the default abandonment policy.
func WithAbandonPolicy(p AbandonPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithRecorder sets where claim thefts and cleanups are audited.
func WithRecorder(r audit.Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithLogger sets the store's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxAttempts bounds the acquire loop.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithGuardWait bounds how long Extend and Release wait for a steal guard
// held by another process.
func WithGuardWait(d time.Duration) Option {
	return func(s *Store) { s.guardWait = d }
}

// WithWriteGrace sets how long a claim directory without readable metadata
// is assumed to be mid-write.
func WithWriteGrace(d time.Duration) Option {
	return func(s *Store) { s.writeGrace = d }
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string, opts ...Option) *Store {
	host, _ := os.Hostname()
	s := &Store{
		dir:         dir,
		now:         time.Now,
		policy:      DefaultAbandonPolicy(),
		recorder:    audit.Discard,
		logger:      logging.NopLogger(),
		maxAttempts: defaultMaxAttempts,
		writeGrace:  defaultWriteGrace,
		guardWait:   defaultGuardWait,
		guardTTL:    defaultGuardTTL,
		host:        host,
		pid:         os.Getpid(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the claims root.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) claimDir(issue int) string {
	return filepath.Join(s.dir, dirPrefix+strconv.Itoa(issue))
}

func (s *Store) metadataPath(issue int) string {
	return filepath.Join(s.claimDir(issue), metadataFile)
}

func (s *Store) guardDir(issue int) string {
	return s.claimDir(issue) + guardSuffix
}

// verdict is the outcome of inspecting an existing claim directory.
type verdict int

const (
	verdictGone verdict = iota
	verdictLive
	verdictInFlight
	verdictExpired
	verdictAbandoned
	verdictCorrupt
)

func (v verdict) String() string {
	switch v {
	case verdictGone:
		return "gone"
	case verdictLive:
		return "live"
	case verdictInFlight:
		return "in-flight"
	case verdictExpired:
		return "expired"
	case verdictAbandoned:
		return "abandoned"
	case verdictCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

func (v verdict) removable() bool {
	return v == verdictExpired || v == verdictAbandoned || v == verdictCorrupt
}

// inspection is a snapshot of one claim directory.
type inspection struct {
	verdict verdict
	claim   Claim
	reason  string
}

func (in inspection) sameAs(other inspection) bool {
	if in.verdict != other.verdict {
		return false
	}
	if in.verdict == verdictCorrupt {
		return true
	}
	return in.claim.OwnerID == other.claim.OwnerID && in.claim.ClaimedAt.Equal(other.claim.ClaimedAt)
}

func (s *Store) inspect(issue int) (inspection, error) {
	info, err := os.Stat(s.claimDir(issue))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return inspection{verdict: verdictGone}, nil
		}
		return inspection{}, fmt.Errorf("stat claim dir: %w", err)
	}
	now := s.now()

	var c Claim
	if err := statefile.Read(s.metadataPath(issue), &c); err != nil || c.OwnerID == "" {
		if now.Sub(info.ModTime()) < s.writeGrace {
			return inspection{verdict: verdictInFlight, claim: Claim{IssueID: issue}}, nil
		}
		reason := "metadata missing"
		if err != nil && !errors.Is(err, statefile.ErrNotExist) {
			reason = err.Error()
		} else if err == nil {
			reason = "metadata has no owner"
		}
		return inspection{verdict: verdictCorrupt, claim: Claim{IssueID: issue}, reason: reason}, nil
	}

	if c.Expired(now) {
		return inspection{verdict: verdictExpired, claim: c, reason: "expired"}, nil
	}
	if reason, ok := s.abandoned(c, now); ok {
		return inspection{verdict: verdictAbandoned, claim: c, reason: reason}, nil
	}
	return inspection{verdict: verdictLive, claim: c}, nil
}

// abandoned applies the abandon policy to a live claim.
func (s *Store) abandoned(c Claim, now time.Time) (string, bool) {
	if s.heartbeats == nil || !s.recognisedOwner(c.OwnerID) {
		return "", false
	}
	hb, ok, err := s.heartbeats.LastHeartbeat(c.OwnerID)
	if err != nil {
		s.logger.Warn("heartbeat lookup failed, treating claim as live",
			"issue", c.IssueID, "owner", c.OwnerID, "error", err)
		return "", false
	}
	if ok {
		if age := now.Sub(hb); age > s.policy.Heartbeat {
			return fmt.Sprintf("no heartbeat for %s", age.Truncate(time.Second)), true
		}
		return "", false
	}
	if age := now.Sub(c.ClaimedAt); age > s.policy.Age {
		return fmt.Sprintf("no progress record after %s", age.Truncate(time.Second)), true
	}
	return "", false
}

func (s *Store) recognisedOwner(owner string) bool {
	for _, p := range s.policy.OwnerPrefixes {
		if p != "" && strings.HasPrefix(owner, p) {
			return true
		}
	}
	return false
}

// Acquire claims issue for owner for ttl.
//
// A live claim held by anyone, including owner itself, fails with a
// *ClaimedError. Expired, abandoned and corrupt claims are replaced.
func (s *Store) Acquire(issue int, owner string, ttl time.Duration) (Claim, error) {
	if issue <= 0 {
		return Claim{}, fmt.Errorf("%w: %d", ErrInvalidIssue, issue)
	}
	if owner == "" {
		return Claim{}, ErrInvalidOwner
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return Claim{}, fmt.Errorf("create claims dir: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err := os.Mkdir(s.claimDir(issue), 0755)
		if err == nil {
			return s.writeNew(issue, owner, ttl)
		}
		if !errors.Is(err, fs.ErrExist) {
			return Claim{}, fmt.Errorf("create claim dir: %w", err)
		}

		in, err := s.inspect(issue)
		if err != nil {
			return Claim{}, err
		}
		if in.verdict == verdictLive || in.verdict == verdictInFlight {
			return Claim{}, &ClaimedError{Claim: in.claim}
		}
		if attempt >= s.maxAttempts {
			break
		}
		if in.verdict == verdictGone {
			continue
		}

		removed, err := s.removeGuarded(issue, in, owner)
		if err != nil {
			return Claim{}, err
		}
		if !removed {
			s.logger.Debug("lost race replacing stale claim", "issue", issue, "attempt", attempt)
		}
	}
	return Claim{}, fmt.Errorf("%w: issue #%d after %d attempts", ErrContentionExhausted, issue, s.maxAttempts)
}

func (s *Store) writeNew(issue int, owner string, ttl time.Duration) (Claim, error) {
	now := s.now().UTC()
	c := Claim{
		IssueID:    issue,
		OwnerID:    owner,
		ClaimedAt:  now,
		ExpiresAt:  now.Add(ttl),
		TTLSeconds: int64(ttl / time.Second),
		Host:       s.host,
		PID:        s.pid,
	}
	if err := statefile.Write(s.metadataPath(issue), c); err != nil {
		_ = os.RemoveAll(s.claimDir(issue))
		return Claim{}, fmt.Errorf("write claim metadata: %w", err)
	}
	return c, nil
}

// removeGuarded deletes a stale claim directory if, under the steal guard,
// it still matches what the caller observed. It reports whether it deleted.
func (s *Store) removeGuarded(issue int, observed inspection, actor string) (bool, error) {
	release, ok, err := s.takeGuard(issue)
	if err != nil || !ok {
		return false, err
	}
	defer release()

	current, err := s.inspect(issue)
	if err != nil {
		return false, err
	}
	if !current.verdict.removable() || !current.sameAs(observed) {
		return false, nil
	}
	if err := os.RemoveAll(s.claimDir(issue)); err != nil {
		return false, fmt.Errorf("remove stale claim: %w", err)
	}
	s.recordRemoval(issue, current, actor)
	return true, nil
}

func (s *Store) recordRemoval(issue int, in inspection, actor string) {
	switch in.verdict {
	case verdictAbandoned:
		s.logger.Warn("stole abandoned claim",
			"issue", issue, "previous_owner", in.claim.OwnerID, "new_owner", actor, "reason", in.reason)
		if err := s.recorder.Record(audit.Event{
			Kind:  audit.KindClaimStolen,
			Issue: issue,
			Actor: actor,
			Detail: map[string]any{
				"previous_owner": in.claim.OwnerID,
				"claimed_at":     in.claim.ClaimedAt,
				"reason":         in.reason,
			},
		}); err != nil {
			s.logger.Warn("failed to audit claim theft", "issue", issue, "error", err)
		}
	case verdictCorrupt:
		s.logger.Warn("removed corrupt claim", "issue", issue, "reason", in.reason)
	default:
		s.logger.Info("removed expired claim",
			"issue", issue, "previous_owner", in.claim.OwnerID, "expired_at", in.claim.ExpiresAt)
	}
}

// takeGuard creates the per-issue steal guard. ok is false when another
// process currently holds it. A guard older than guardTTL is assumed to
// belong to a crashed process and is replaced once.
func (s *Store) takeGuard(issue int) (release func(), ok bool, err error) {
	guard := s.guardDir(issue)
	for i := 0; i < 2; i++ {
		err := os.Mkdir(guard, 0755)
		if err == nil {
			return func() { _ = os.Remove(guard) }, true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, false, fmt.Errorf("create steal guard: %w", err)
		}
		info, statErr := os.Stat(guard)
		if statErr != nil {
			continue
		}
		if s.now().Sub(info.ModTime()) < s.guardTTL {
			return nil, false, nil
		}
		s.logger.Warn("removing stale steal guard", "issue", issue, "age", s.now().Sub(info.ModTime()))
		_ = os.Remove(guard)
	}
	return nil, false, nil
}

// waitGuard takes the steal guard, polling while another holder finishes.
// It fails with ErrContentionExhausted once guardWait has passed.
func (s *Store) waitGuard(issue int) (release func(), err error) {
	deadline := time.Now().Add(s.guardWait)
	for {
		release, ok, err := s.takeGuard(issue)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: steal guard on issue #%d held for %s", ErrContentionExhausted, issue, s.guardWait)
		}
		time.Sleep(guardPoll)
	}
}

// lockOwned verifies ownership, takes the steal guard and verifies again
// under it, so the claim cannot be stolen before the caller mutates it. The
// caller runs release when done.
func (s *Store) lockOwned(issue int, owner string) (Claim, func(), error) {
	if _, err := s.readOwned(issue, owner); err != nil {
		return Claim{}, nil, err
	}
	release, err := s.waitGuard(issue)
	if err != nil {
		return Claim{}, nil, err
	}
	c, err := s.readOwned(issue, owner)
	if err != nil {
		release()
		return Claim{}, nil, err
	}
	return c, release, nil
}

// readOwned loads the claim and checks ownership without mutating anything.
func (s *Store) readOwned(issue int, owner string) (Claim, error) {
	var c Claim
	if err := statefile.Read(s.metadataPath(issue), &c); err != nil {
		if errors.Is(err, statefile.ErrNotExist) {
			return Claim{}, fmt.Errorf("%w: issue #%d", ErrNotFound, issue)
		}
		return Claim{}, fmt.Errorf("read claim: %w", err)
	}
	if owner != "" && c.OwnerID != owner {
		return c, fmt.Errorf("%w: issue #%d is owned by %s, not %s", ErrOwnerMismatch, issue, c.OwnerID, owner)
	}
	return c, nil
}

// Extend pushes the claim's expiry out by additional. The new expiry is
// measured from the later of now and the current expiry.
func (s *Store) Extend(issue int, owner string, additional time.Duration) (Claim, error) {
	if owner == "" {
		return Claim{}, ErrInvalidOwner
	}
	c, release, err := s.lockOwned(issue, owner)
	if err != nil {
		return Claim{}, err
	}
	defer release()
	base := c.ExpiresAt
	if now := s.now().UTC(); now.After(base) {
		base = now
	}
	c.ExpiresAt = base.Add(additional)
	c.TTLSeconds = int64(c.ExpiresAt.Sub(c.ClaimedAt) / time.Second)
	if err := statefile.Write(s.metadataPath(issue), c); err != nil {
		return Claim{}, fmt.Errorf("write claim metadata: %w", err)
	}
	return c, nil
}

// Release removes the claim. An empty owner releases unconditionally.
func (s *Store) Release(issue int, owner string) error {
	if owner == "" {
		if _, err := os.Stat(s.claimDir(issue)); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: issue #%d", ErrNotFound, issue)
		}
		release, err := s.waitGuard(issue)
		if err != nil {
			return err
		}
		defer release()
	} else {
		_, release, err := s.lockOwned(issue, owner)
		if err != nil {
			return err
		}
		defer release()
	}
	if err := os.RemoveAll(s.claimDir(issue)); err != nil {
		return fmt.Errorf("remove claim: %w", err)
	}
	return nil
}

// Check returns the live claim on issue, or ErrNotFound when it is
// unclaimed or the claim has expired.
func (s *Store) Check(issue int) (Claim, error) {
	c, err := s.readOwned(issue, "")
	if err != nil {
		return Claim{}, err
	}
	if c.Expired(s.now()) {
		return Claim{}, fmt.Errorf("%w: claim on issue #%d expired at %s", ErrNotFound, issue, c.ExpiresAt.Format(time.RFC3339))
	}
	return c, nil
}

// List returns every readable claim, expired or not, ordered by issue.
// Unreadable claim directories are logged and skipped.
func (s *Store) List() ([]Claim, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read claims dir: %w", err)
	}

	var claims []Claim
	for _, e := range entries {
		issue, ok := parseDirName(e)
		if !ok {
			continue
		}
		var c Claim
		if err := statefile.Read(s.metadataPath(issue), &c); err != nil {
			s.logger.Debug("skipping unreadable claim", "issue", issue, "error", err)
			continue
		}
		claims = append(claims, c)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].IssueID < claims[j].IssueID })
	return claims, nil
}

func parseDirName(e os.DirEntry) (int, bool) {
	if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) || strings.HasSuffix(e.Name(), guardSuffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), dirPrefix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// CleanupReport describes the outcome of Cleanup.
type CleanupReport struct {
	DryRun  bool    `json:"dry_run"`
	Expired []Claim `json:"expired"`
	Corrupt []int   `json:"corrupt,omitempty"`
	Errors  []error `json:"-"`
}

// ErrorStrings returns the collected errors as strings for reporting.
func (r CleanupReport) ErrorStrings() []string {
	out := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		out = append(out, err.Error())
	}
	return out
}

// Cleanup removes expired and corrupt claims. With dryRun it only reports
// them. Filesystem errors on individual claims are collected in the report
// rather than aborting the sweep.
func (s *Store) Cleanup(dryRun bool) (CleanupReport, error) {
	report := CleanupReport{DryRun: dryRun}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report, nil
		}
		return report, fmt.Errorf("read claims dir: %w", err)
	}

	for _, e := range entries {
		issue, ok := parseDirName(e)
		if !ok {
			continue
		}
		in, err := s.inspect(issue)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("issue #%d: %w", issue, err))
			continue
		}
		if in.verdict != verdictExpired && in.verdict != verdictCorrupt {
			continue
		}
		if !dryRun {
			removed, err := s.removeGuarded(issue, in, "cleanup")
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("issue #%d: %w", issue, err))
				continue
			}
			if !removed {
				continue
			}
		}
		if in.verdict == verdictExpired {
			report.Expired = append(report.Expired, in.claim)
		} else {
			report.Corrupt = append(report.Corrupt, issue)
		}
	}

	if !dryRun && (len(report.Expired) > 0 || len(report.Corrupt) > 0) {
		if err := s.recorder.Record(audit.Event{
			Kind:  audit.KindClaimCleaned,
			Actor: "cleanup",
			Detail: map[string]any{
				"expired": len(report.Expired),
				"corrupt": report.Corrupt,
			},
		}); err != nil {
			s.logger.Warn("failed to audit claim cleanup", "error", err)
		}
	}
	return report, nil
}
