package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show one session, or list all sessions in the store",
	Args:  cobra.MaximumNArgs(1),
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	ctx := context.Background()

	app := newApp(ctx, cfg)
	defer shutdown(app)

	if len(args) == 1 {
		sum, err := app.Engine().Status(ctx, args[0])
		if err != nil {
			slog.Error("Failed to read session", "session", args[0], "error", err)
			os.Exit(exitError)
		}
		if statusJSON {
			_ = writeJSON(os.Stdout, sum)
			return
		}
		printSummary(os.Stdout, sum)
		return
	}

	sessions, err := app.Store().List(ctx)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		os.Exit(exitError)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.After(sessions[j].StartedAt) })
	if statusJSON {
		_ = writeJSON(os.Stdout, sessions)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "SESSION\tSTATE\tITERATION\tSTARTED\tTASK")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			s.ID, s.State, s.CurrentIteration+1, s.MaxIterations,
			s.StartedAt.Local().Format(time.DateTime), truncate(s.TaskContext, 40))
	}
	_ = w.Flush()
}
