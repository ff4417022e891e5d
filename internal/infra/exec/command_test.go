package exec

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func sh(script string) Command {
	return Command{Args: []string{"sh", "-c", script}}
}

func TestCommandRun(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name     string
		cmd      Command
		stdin    []byte
		env      []string
		wantCode int
		wantOut  string
	}{
		{name: "success", cmd: sh("echo hello"), wantOut: "hello"},
		{name: "exit code", cmd: sh("echo broken >&2; exit 3"), wantCode: 3, wantOut: "broken"},
		{name: "stdin", cmd: sh("cat"), stdin: []byte("from stdin"), wantOut: "from stdin"},
		{name: "extra env", cmd: sh("echo $REMEDY_TEST_VALUE"), env: []string{"REMEDY_TEST_VALUE=42"}, wantOut: "42"},
		{
			name:    "command env",
			cmd:     Command{Args: []string{"sh", "-c", "echo $A-$B"}, Env: []string{"A=x"}},
			env:     []string{"B=y"},
			wantOut: "x-y",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.cmd.Run(context.Background(), tt.stdin, tt.env...)
			if err != nil {
				t.Fatalf("Run returned error: %v", err)
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("exit code = %d, want %d", res.ExitCode, tt.wantCode)
			}
			if res.Success() != (tt.wantCode == 0) {
				t.Errorf("Success() = %v for exit code %d", res.Success(), res.ExitCode)
			}
			if got := strings.TrimSpace(res.Output); got != tt.wantOut {
				t.Errorf("output = %q, want %q", got, tt.wantOut)
			}
		})
	}
}

func TestCommandRunDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	res, err := Command{Args: []string{"sh", "-c", "pwd"}, Dir: dir}.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(res.Output), filepath.Base(dir)) {
		t.Errorf("pwd = %q, want %q", res.Output, dir)
	}

	_, err = Command{Args: []string{"sh", "-c", "true"}, Dir: dir + "/missing"}.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for missing working directory")
	}
}

func TestCommandRunErrors(t *testing.T) {
	if _, err := (Command{}).Run(context.Background(), nil); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := (Command{Args: []string{"remedy-command-that-does-not-exist"}}).Run(context.Background(), nil); err == nil {
		t.Error("expected error for unknown binary")
	}
}

func TestCommandRunTimeout(t *testing.T) {
	requireShell(t)
	cmd := Command{Args: []string{"sh", "-c", "sleep 5"}, Timeout: 50 * time.Millisecond}

	start := time.Now()
	_, err := cmd.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("timeout not enforced, took %v", time.Since(start))
	}
}

func TestRunKeepsOutputTailOnRuneBoundary(t *testing.T) {
	requireShell(t)
	f := NewCommandFixer("fmt", sh(`i=0; while [ $i -lt 3000 ]; do printf 'é'; i=$((i+1)); done; printf 'x'`), nil, nil)

	out, err := f.Apply(context.Background(), "format", nil)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if len(out.Notes) > maxNotes {
		t.Errorf("notes not bounded: %d bytes", len(out.Notes))
	}
	if !utf8.ValidString(out.Notes) {
		t.Errorf("notes split a rune (%d bytes)", len(out.Notes))
	}
	if !strings.HasSuffix(out.Notes, "éx") {
		t.Errorf("expected the end of the output to be kept (%d bytes)", len(out.Notes))
	}
}
