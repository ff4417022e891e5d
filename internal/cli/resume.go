package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var resumeJSON bool

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume an interrupted session from its journal",
	Args:  cobra.ExactArgs(1),
	Run:   runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeJSON, "json", false, "print the summary as JSON")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	ctx, cancel := signalContext()
	defer cancel()

	app := newApp(ctx, cfg)
	defer shutdown(app)
	if err := app.Start(ctx, false); err != nil {
		slog.Error("Failed to start", "error", err)
		os.Exit(exitError)
	}

	sum, err := app.Engine().ResumeAndWait(ctx, args[0])
	code := finish(os.Stdout, sum, err, resumeJSON)
	if code != exitOK {
		shutdown(app)
		os.Exit(code)
	}
}
