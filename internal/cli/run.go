package cli

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var runOpts struct {
	sessionID       string
	maxIterations   int
	maxDuration     time.Duration
	repeatThreshold int
	rollback        bool
	asJSON          bool
}

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Start a loop session and wait for it to finish",
	Long: `Start a loop session for the task and block until it succeeds or
escalates. The exit code is 0 on success and 2 on escalation. Interrupting the
command aborts the session, which then escalates.`,
	Args: cobra.ArbitraryArgs,
	Run:  runLoop,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.sessionID, "session-id", "", "session id (default: generated)")
	f.IntVar(&runOpts.maxIterations, "max-iterations", 0, "override loop.max_iterations")
	f.DurationVar(&runOpts.maxDuration, "max-duration", 0, "override loop.max_duration")
	f.IntVar(&runOpts.repeatThreshold, "repeat-threshold", 0, "override loop.repeat_threshold")
	f.BoolVar(&runOpts.rollback, "rollback", false, "roll back the workspace on escalation")
	f.BoolVar(&runOpts.asJSON, "json", false, "print the summary as JSON")
	rootCmd.AddCommand(runCmd)
}

func runLoop(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	ctx, cancel := signalContext()
	defer cancel()

	app := newApp(ctx, cfg)
	defer shutdown(app)
	if err := app.Start(ctx, false); err != nil {
		slog.Error("Failed to start", "error", err)
		os.Exit(exitError)
	}

	sc := app.SessionConfig()
	sc.SessionID = runOpts.sessionID
	if runOpts.maxIterations > 0 {
		sc.MaxIterations = runOpts.maxIterations
	}
	if runOpts.maxDuration > 0 {
		sc.MaxDuration = runOpts.maxDuration
	}
	if runOpts.repeatThreshold > 0 {
		sc.RepeatThreshold = runOpts.repeatThreshold
	}
	if cmd.Flags().Changed("rollback") {
		sc.RollbackOnEscalation = runOpts.rollback
	}

	task := strings.Join(args, " ")
	sum, err := app.Engine().Run(ctx, task, sc)
	code := finish(os.Stdout, sum, err, runOpts.asJSON)
	if code != exitOK {
		shutdown(app)
		os.Exit(code)
	}
}
