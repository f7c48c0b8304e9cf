package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/cli/styles"
	"github.com/AshkanYarmoradi/go-rpkica/cli/ui"
	"github.com/spf13/cobra"
)

// NewDiagnoseCommand creates the diagnose command
func NewDiagnoseCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Run diagnostic checks",
		Long: `Run diagnostic checks on your rpkica setup.

This command verifies:
  • Configuration file validity
  • Storage connectivity
  • Signing keys of every CA
  • Replay of every CA log
  • Dead-lettered side effects`,
		Aliases: []string{"diag", "doctor"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styles.Title.Render(styles.IconInfo+" Running Diagnostics"))
			fmt.Fprintln(out)

			results := []CheckResult{checkGoVersion()}
			a, err := openApp(cmd, flags)
			if err != nil {
				results = append(results, newCheckResult("Configuration", StatusError, err.Error()).
					withRecommendation("Run 'rpkica init' or fix rpkica.yaml"))
				return report(out, results)
			}
			defer a.Close(cmd.Context())

			results = append(results, newCheckResult("Configuration", StatusOK,
				fmt.Sprintf("%s storage, %s encoding", a.cfg.Storage.Driver, a.cfg.Storage.Serializer)))
			for _, check := range []DiagnosticCheck{
				{Name: "Storage", Check: checkStorage},
				{Name: "Signing Keys", Check: checkKeys},
				{Name: "Replay", Check: checkReplay},
				{Name: "Dead Letters", Check: checkDeadLetters},
			} {
				results = append(results, check.Check(cmd.Context(), a))
			}
			return report(out, results)
		},
	}
}

// CheckStatus represents the status of a diagnostic check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

// CheckResult represents the result of a diagnostic check
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

func newCheckResult(name string, status CheckStatus, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message}
}

func (r CheckResult) withRecommendation(rec string) CheckResult {
	r.Recommendation = rec
	return r
}

// DiagnosticCheck represents a diagnostic check against an opened server
type DiagnosticCheck struct {
	Name  string
	Check func(ctx context.Context, a *app) CheckResult
}

// errChecksFailed is returned when at least one check failed outright.
var errChecksFailed = errors.New("diagnostics failed")

func report(out io.Writer, results []CheckResult) error {
	failed, warned := false, false
	for _, r := range results {
		status := styles.SuccessStyle.Render("OK")
		switch r.Status {
		case StatusWarning:
			status = styles.WarningStyle.Render("WARNING")
			warned = true
		case StatusError:
			status = styles.ErrorStyle.Render("FAILED")
			failed = true
		}
		fmt.Fprintf(out, "  %s %s... %s\n", styles.IconPending, r.Name, status)
		if r.Message != "" {
			fmt.Fprintf(out, "    %s\n", styles.Muted.Render(r.Message))
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Divider(50))
	fmt.Fprintln(out)

	if !failed && !warned {
		fmt.Fprintln(out, styles.FormatSuccess("All checks passed! Your rpkica setup is healthy."))
		return nil
	}
	fmt.Fprintln(out, styles.FormatWarning("Some checks failed or have warnings."))
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Subtitle.Render("Recommendations:"))
	for _, r := range results {
		if r.Recommendation != "" {
			fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, r.Recommendation)
		}
	}
	if failed {
		return errChecksFailed
	}
	return nil
}

func checkGoVersion() CheckResult {
	return newCheckResult("Go Version", StatusOK, runtime.Version()+" "+runtime.GOOS+"/"+runtime.GOARCH)
}

func checkStorage(ctx context.Context, a *app) CheckResult {
	const name = "Storage"
	hc, ok := a.storage.(adapters.HealthChecker)
	if !ok {
		return newCheckResult(name, StatusOK, "opened")
	}
	if err := hc.Ping(ctx); err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Check the storage path or database URL in rpkica.yaml")
	}
	return newCheckResult(name, StatusOK, "reachable")
}

func checkKeys(ctx context.Context, a *app) CheckResult {
	const name = "Signing Keys"
	var missing []string
	checked := 0

	ta, err := a.srv.TrustAnchor(ctx)
	switch {
	case errors.Is(err, rpkica.ErrAggregateNotFound):
	case err != nil:
		return newCheckResult(name, StatusError, err.Error())
	default:
		checked++
		if _, err := a.keys.PublicKey(ta.Key()); err != nil {
			missing = append(missing, ta.Handle().String())
		}
	}

	handles, err := a.srv.ListCAs(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}
	for _, h := range handles {
		c, err := a.srv.CA(ctx, h)
		if err != nil {
			return newCheckResult(name, StatusError, err.Error())
		}
		checked++
		if _, err := a.keys.PublicKey(c.Key()); err != nil {
			missing = append(missing, h.String())
		}
	}

	if len(missing) > 0 {
		return newCheckResult(name, StatusError, fmt.Sprintf("no key for %v", missing)).
			withRecommendation("Restore the key directory " + a.cfg.Signer.KeyDir)
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("%d key(s) loaded, %d CA(s) checked", a.keys.Keys(), checked))
}

func checkReplay(ctx context.Context, a *app) CheckResult {
	const name = "Replay"
	err := errors.Join(a.srv.TrustAnchorStore().Warm(ctx), a.srv.CertAuthStore().Warm(ctx))
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Inspect the failing log with 'rpkica history <handle>'")
	}
	return newCheckResult(name, StatusOK, "every log replays")
}

func checkDeadLetters(ctx context.Context, a *app) CheckResult {
	const name = "Dead Letters"
	msgs, err := a.queue.GetDeadLetterMessages(ctx, 100)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}
	if len(msgs) > 0 {
		return newCheckResult(name, StatusWarning, fmt.Sprintf("%d message(s) gave up", len(msgs))).
			withRecommendation("List them with 'rpkica queue dead'")
	}
	return newCheckResult(name, StatusOK, "none")
}
