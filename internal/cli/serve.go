package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/remedy/internal/control"
)

var resumeOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, metrics and session status over HTTP",
	Long: `Serve health, metrics and session status over HTTP and run the retention
pruner. With --resume, sessions left unfinished by a previous process are
resumed in the background.`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&resumeOnStart, "resume", false, "resume unfinished sessions on start")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	ctx, cancel := signalContext()
	defer cancel()

	app := newApp(ctx, cfg)
	if err := app.Start(ctx, true); err != nil {
		slog.Error("Failed to start", "error", err)
		os.Exit(exitError)
	}
	slog.Info("Remedy started", "config", cfgPath, "port", cfg.Server.Port)

	if resumeOnStart {
		resumeUnfinished(ctx, app)
	}

	<-ctx.Done()
	slog.Info("Received signal, shutting down...")
	shutdown(app)
	slog.Info("Remedy stopped gracefully")
}

func resumeUnfinished(ctx context.Context, app *control.App) {
	sessions, err := app.Store().List(ctx)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		return
	}
	for _, s := range sessions {
		if s.State.IsTerminal() {
			continue
		}
		if err := app.Engine().Resume(ctx, s.ID); err != nil {
			slog.Warn("Failed to resume session", "session", s.ID, "error", err)
			continue
		}
		slog.Info("Resumed session", "session", s.ID, "state", s.State)
	}
}
