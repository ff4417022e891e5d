package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/core/session"
	"github.com/vietddude/remedy/internal/loop/controller"
	"github.com/vietddude/remedy/internal/loop/rollback"
)

// finish prints the outcome of a finished session and returns the exit code.
func finish(w io.Writer, sum controller.Summary, err error, asJSON bool) int {
	if err != nil {
		var rbErr *rollback.Error
		if errors.As(err, &rbErr) {
			slog.Error("Rollback failed, workspace needs manual repair",
				"session", rbErr.SessionID,
				"expected", rbErr.Expected,
				"actual", rbErr.Actual,
				"attempts", len(rbErr.Attempts),
				"error", err,
			)
		} else {
			slog.Error("Session failed", "error", err)
		}
		if sum.SessionID == "" {
			return exitError
		}
	}

	if asJSON {
		_ = writeJSON(w, sum)
	} else {
		printSummary(w, sum)
		if sum.Report != nil {
			_, _ = fmt.Fprintln(w)
			printReport(w, sum.Report)
		}
	}
	return exitCode(sum, err)
}

func exitCode(sum controller.Summary, err error) int {
	switch {
	case err != nil:
		return exitError
	case sum.State == domain.SessionStateSucceeded:
		return exitOK
	case sum.State == domain.SessionStateEscalated:
		return exitEscalated
	default:
		return exitError
	}
}

func printSummary(w io.Writer, sum controller.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Session:\t%s\n", sum.SessionID)
	if sum.TaskContext != "" {
		_, _ = fmt.Fprintf(tw, "Task:\t%s\n", sum.TaskContext)
	}
	_, _ = fmt.Fprintf(tw, "State:\t%s\n", session.StateDescription(sum.State))
	_, _ = fmt.Fprintf(tw, "Attempts:\t%d of %d\n", sum.Attempts, sum.MaxIterations)
	if sum.LastOutcome != "" {
		_, _ = fmt.Fprintf(tw, "Last outcome:\t%s\n", sum.LastOutcome)
	}
	if sum.FinishedAt != nil {
		_, _ = fmt.Fprintf(tw, "Duration:\t%s\n", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	}
	if p := sum.Progress; p != nil && p.AverageIterationTime > 0 {
		_, _ = fmt.Fprintf(tw, "Pace:\t%s per iteration\n", p.AverageIterationTime.Round(time.Millisecond))
	}
	if rb := sum.Rollback; rb != nil {
		if rb.Success {
			_, _ = fmt.Fprintf(tw, "Rollback:\treverted %d changes\n", rb.Reverted)
		} else {
			_, _ = fmt.Fprintf(tw, "Rollback:\tfailed: %s\n", rb.Error)
		}
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, r *domain.EscalationReport) {
	_, _ = fmt.Fprintf(w, "Escalated: %s\n%s\n", r.Reason, r.Message)

	if len(r.BlockingCategories) > 0 {
		cats := make([]string, len(r.BlockingCategories))
		for i, c := range r.BlockingCategories {
			cats[i] = string(c)
		}
		_, _ = fmt.Fprintf(w, "\nBlocking: %s\n", strings.Join(cats, ", "))
	}

	if len(r.Attempts) > 0 {
		_, _ = fmt.Fprintln(w, "\nAttempts:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, a := range r.Attempts {
			_, _ = fmt.Fprintf(tw, "  %d\t%s\t%d failures\t%s\n",
				a.Iteration, a.Outcome, a.TotalFailures(), joinCategories(a.Categories()))
		}
		_ = tw.Flush()
	}

	if len(r.SuggestedActions) > 0 {
		_, _ = fmt.Fprintln(w, "\nSuggested:")
		for _, s := range r.SuggestedActions {
			_, _ = fmt.Fprintf(w, "  - %s\n", s)
		}
	}
	if r.RollbackAvailable {
		_, _ = fmt.Fprintln(w, "\nThe entry snapshot is still available for rollback.")
	}
}

func joinCategories(cats []domain.Category) string {
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return domain.Head(s, n-3) + "..."
}
