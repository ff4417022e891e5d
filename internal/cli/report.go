package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var reportJSON bool

var reportCmd = &cobra.Command{
	Use:   "report [session-id]",
	Short: "Print the escalation report of a session",
	Args:  cobra.ExactArgs(1),
	Run:   runReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	ctx := context.Background()

	app := newApp(ctx, cfg)
	defer shutdown(app)

	report, err := app.Engine().EscalationReport(ctx, args[0])
	if err != nil {
		slog.Error("Failed to read session", "session", args[0], "error", err)
		os.Exit(exitError)
	}
	if report == nil {
		fmt.Println("Session has not escalated.")
		return
	}
	if reportJSON {
		_ = writeJSON(os.Stdout, report)
		return
	}
	printReport(os.Stdout, report)
}
