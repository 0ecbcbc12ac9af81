// Package claim provides exclusive, TTL-bounded ownership of issues shared by
// independent shepherd processes.
//
// A claim is a directory named issue-<n> under the claims root holding a single
// claim.json metadata document. Directory presence means the lock is held.
// Acquisition relies on os.Mkdir failing with EEXIST, so there is no
// check-then-create window between contenders.
//
// # Replacing stale claims
//
// When the directory already exists the store inspects its metadata:
//
//   - expired claims are replaced
//   - abandoned claims are stolen: the owner id carries a recognised prefix and
//     its progress heartbeat is older than the abandon threshold, or it never
//     wrote progress and the claim itself is older than the abandon age
//   - missing or corrupt metadata is deleted, unless the directory is younger
//     than the write grace, in which case another process is still writing it
//
// Deletions take a per-issue steal guard (issue-<n>.steal, also created with
// os.Mkdir) and re-read the metadata under it, so two contenders never both
// delete and recreate the same claim. Acquire retries a bounded number of
// times and then fails with [ErrContentionExhausted].
//
// # Basic Usage
//
//	store := claim.NewStore(dir, claim.WithHeartbeats(progressStore))
//
//	c, err := store.Acquire(42, "shepherd-1a2b3c4d", 30*time.Minute)
//	var held *claim.ClaimedError
//	if errors.As(err, &held) {
//	    fmt.Println("owned by", held.Claim.OwnerID)
//	}
//
//	_, err = store.Extend(42, c.OwnerID, 10*time.Minute)
//	err = store.Release(42, c.OwnerID)
package claim
