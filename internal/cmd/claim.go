package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/herd/internal/claim"
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Acquire, extend, release and inspect issue claims",
	Long: `Claims give one worker exclusive ownership of an issue. A claim is a
directory created atomically under the state directory; it expires after
its TTL unless extended.

Exit codes: 0 ok, 2 already claimed or not claimed, 3 owned by someone else.`,
}

var claimAcquireCmd = &cobra.Command{
	Use:   "acquire <issue>",
	Short: "Claim an issue",
	Args:  cobra.ExactArgs(1),
	RunE:  runClaimAcquire,
}

var claimExtendCmd = &cobra.Command{
	Use:   "extend <issue>",
	Short: "Push an owned claim's expiry out",
	Args:  cobra.ExactArgs(1),
	RunE:  runClaimExtend,
}

var claimReleaseCmd = &cobra.Command{
	Use:   "release <issue>",
	Short: "Release an owned claim",
	Args:  cobra.ExactArgs(1),
	RunE:  runClaimRelease,
}

var claimCheckCmd = &cobra.Command{
	Use:   "check <issue>",
	Short: "Show the live claim on an issue; exits 2 when unclaimed",
	Args:  cobra.ExactArgs(1),
	RunE:  runClaimCheck,
}

var claimListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all claims, expired or not",
	Args:  cobra.NoArgs,
	RunE:  runClaimList,
}

var claimCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired and corrupt claims",
	Args:  cobra.NoArgs,
	RunE:  runClaimCleanup,
}

var (
	claimOwner  string
	claimTTL    int
	claimExtend int
	claimDryRun bool
)

func init() {
	for _, c := range []*cobra.Command{claimAcquireCmd, claimExtendCmd, claimReleaseCmd} {
		c.Flags().StringVar(&claimOwner, "owner", "", "owner id (required)")
		_ = c.MarkFlagRequired("owner")
	}
	claimAcquireCmd.Flags().IntVar(&claimTTL, "ttl", 0, "claim lifetime in seconds (default: claim.ttl_seconds)")
	claimExtendCmd.Flags().IntVar(&claimExtend, "by", 0, "seconds to add (default: claim.extend_seconds)")
	claimCleanupCmd.Flags().BoolVar(&claimDryRun, "dry-run", false, "report without removing")

	claimCmd.AddCommand(claimAcquireCmd, claimExtendCmd, claimReleaseCmd, claimCheckCmd, claimListCmd, claimCleanupCmd)
	rootCmd.AddCommand(claimCmd)
}

func parseIssue(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, usageErrorf("invalid issue number %q", arg)
	}
	return n, nil
}

func printClaim(w io.Writer, c claim.Claim) {
	now := time.Now()
	state := "live"
	if c.Expired(now) {
		state = "expired"
	}
	fmt.Fprintf(w, "#%d\t%s\t%s\texpires %s (%s left)\n",
		c.IssueID, c.OwnerID, state, c.ExpiresAt.Local().Format(time.RFC3339), c.Remaining(now).Truncate(time.Second))
}

func runClaimAcquire(cmd *cobra.Command, args []string) error {
	issue, err := parseIssue(args[0])
	if err != nil {
		return err
	}
	e, err := newEnv("claim")
	if err != nil {
		return err
	}
	defer e.close()

	ttl := e.cfg.Claim.TTL()
	if claimTTL > 0 {
		ttl = seconds(claimTTL)
	}
	c, err := e.claims().Acquire(issue, claimOwner, ttl)
	if err != nil {
		return err
	}
	return render(cmd, c, func(w io.Writer) { printClaim(w, c) })
}

func runClaimExtend(cmd *cobra.Command, args []string) error {
	issue, err := parseIssue(args[0])
	if err != nil {
		return err
	}
	e, err := newEnv("claim")
	if err != nil {
		return err
	}
	defer e.close()

	by := e.cfg.Claim.Extension()
	if claimExtend > 0 {
		by = seconds(claimExtend)
	}
	c, err := e.claims().Extend(issue, claimOwner, by)
	if err != nil {
		return err
	}
	return render(cmd, c, func(w io.Writer) { printClaim(w, c) })
}

func runClaimRelease(cmd *cobra.Command, args []string) error {
	issue, err := parseIssue(args[0])
	if err != nil {
		return err
	}
	e, err := newEnv("claim")
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.claims().Release(issue, claimOwner); err != nil {
		return err
	}
	out := map[string]any{"issue_id": issue, "released": true}
	return render(cmd, out, func(w io.Writer) { fmt.Fprintf(w, "released #%d\n", issue) })
}

func runClaimCheck(cmd *cobra.Command, args []string) error {
	issue, err := parseIssue(args[0])
	if err != nil {
		return err
	}
	e, err := newEnv("claim")
	if err != nil {
		return err
	}
	defer e.close()

	c, err := e.claims().Check(issue)
	if err != nil {
		return err
	}
	return render(cmd, c, func(w io.Writer) { printClaim(w, c) })
}

func runClaimList(cmd *cobra.Command, _ []string) error {
	e, err := newEnv("claim")
	if err != nil {
		return err
	}
	defer e.close()

	claims, err := e.claims().List()
	if err != nil {
		return err
	}
	if claims == nil {
		claims = []claim.Claim{}
	}
	return render(cmd, claims, func(w io.Writer) {
		if len(claims) == 0 {
			fmt.Fprintln(w, "no claims")
			return
		}
		for _, c := range claims {
			printClaim(w, c)
		}
	})
}

func runClaimCleanup(cmd *cobra.Command, _ []string) error {
	e, err := newEnv("claim")
	if err != nil {
		return err
	}
	defer e.close()

	report, err := e.claims().Cleanup(claimDryRun)
	if err != nil {
		return err
	}
	out := struct {
		claim.CleanupReport
		Errors []string `json:"errors,omitempty"`
	}{report, report.ErrorStrings()}
	return render(cmd, out, func(w io.Writer) {
		verb := "removed"
		if report.DryRun {
			verb = "would remove"
		}
		fmt.Fprintf(w, "%s %d expired and %d corrupt claims\n", verb, len(report.Expired), len(report.Corrupt))
		for _, c := range report.Expired {
			printClaim(w, c)
		}
		for _, msg := range out.Errors {
			fmt.Fprintln(w, "error:", msg)
		}
	})
}
