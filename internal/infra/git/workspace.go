// Package git implements the rollback workspace on top of a git checkout.
// Every change is a commit, so rollback reverts instead of resetting.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/infra/exec"
)

const commandTimeout = 2 * time.Minute

// Workspace is a git working tree. Methods that touch the index are
// serialized, so concurrent fixers can share one Workspace.
type Workspace struct {
	dir string
	log *slog.Logger

	mu sync.Mutex
}

// Open checks that dir is inside a git work tree.
func Open(ctx context.Context, dir string) (*Workspace, error) {
	w := &Workspace{dir: dir, log: slog.Default()}
	out, err := w.git(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", dir, err)
	}
	if out != "true" {
		return nil, fmt.Errorf("open workspace %s: not a work tree", dir)
	}
	return w, nil
}

// Dir returns the work tree path.
func (w *Workspace) Dir() string {
	return w.dir
}

// Snapshot commits any uncommitted changes as a checkpoint and returns HEAD
// with its tree hash.
func (w *Workspace) Snapshot(ctx context.Context) (string, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, _, err := w.commit(ctx, "remedy: checkpoint before session", nil); err != nil {
		return "", "", err
	}
	ref, err := w.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", "", err
	}
	hash, err := w.git(ctx, "rev-parse", "HEAD^{tree}")
	if err != nil {
		return "", "", err
	}
	return ref, hash, nil
}

// Available reports whether ref is still a commit in the repository.
func (w *Workspace) Available(ctx context.Context, ref string) bool {
	_, err := w.git(ctx, "cat-file", "-e", ref+"^{commit}")
	return err == nil
}

// Revert adds a commit undoing op.
func (w *Workspace) Revert(ctx context.Context, op domain.ReversibleOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.git(ctx, "revert", "--no-edit", op.Ref); err != nil {
		// Leave the tree usable for the next attempt.
		_, _ = w.git(ctx, "revert", "--abort")
		return err
	}
	w.log.Debug("Reverted commit", "dir", w.dir, "ref", op.Ref)
	return nil
}

// ContentHash returns the tree hash of the working tree including
// uncommitted changes.
func (w *Workspace) ContentHash(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.git(ctx, "add", "-A"); err != nil {
		return "", err
	}
	return w.git(ctx, "write-tree")
}

// Since commits pending changes, then lists every commit after ref, oldest
// first. Merge commits are not listed.
func (w *Workspace) Since(ctx context.Context, ref string) ([]domain.ReversibleOp, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, _, err := w.commit(ctx, "remedy: capture uncommitted changes", nil); err != nil {
		return nil, err
	}
	out, err := w.git(ctx, "log", "--reverse", "--no-merges", "--format=%H%x09%s", ref+"..HEAD")
	if err != nil {
		return nil, err
	}

	var ops []domain.ReversibleOp
	now := time.Now().UTC()
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		sha, subject, _ := strings.Cut(line, "\t")
		ops = append(ops, domain.ReversibleOp{
			Kind:        "commit",
			Ref:         sha,
			Description: subject,
			RecordedAt:  now,
		})
	}
	return ops, nil
}

// Commit stages and commits changes under paths, or the whole tree when
// paths is empty or contains "*". Changes outside paths stay uncommitted.
// changed is false when nothing under paths changed.
func (w *Workspace) Commit(ctx context.Context, message string, paths ...string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commit(ctx, message, paths)
}

func (w *Workspace) commit(ctx context.Context, message string, paths []string) (string, bool, error) {
	if wholeTree(paths) {
		paths = nil
	} else {
		dirty, err := w.dirtyPaths(ctx, paths)
		if err != nil {
			return "", false, err
		}
		if len(dirty) == 0 {
			return "", false, nil
		}
		paths = dirty
	}

	if _, err := w.git(ctx, append([]string{"add", "-A", "--"}, paths...)...); err != nil {
		return "", false, err
	}
	clean, err := w.indexClean(ctx, paths)
	if err != nil {
		return "", false, err
	}
	if clean {
		return "", false, nil
	}
	args := []string{"commit", "--no-verify", "-m", message}
	if len(paths) > 0 {
		args = append(append(args, "--"), paths...)
	}
	if _, err := w.git(ctx, args...); err != nil {
		return "", false, err
	}
	ref, err := w.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", false, err
	}
	return ref, true, nil
}

func wholeTree(paths []string) bool {
	if len(paths) == 0 {
		return true
	}
	for _, p := range paths {
		if p == "*" || p == "" || p == "." {
			return true
		}
	}
	return false
}

// dirtyPaths keeps the entries of paths with changes. git add rejects a
// pathspec that matches nothing.
func (w *Workspace) dirtyPaths(ctx context.Context, paths []string) ([]string, error) {
	var dirty []string
	for _, p := range paths {
		out, err := w.git(ctx, "status", "--porcelain", "--untracked-files=all", "--", p)
		if err != nil {
			return nil, err
		}
		if out != "" {
			dirty = append(dirty, p)
		}
	}
	return dirty, nil
}

func (w *Workspace) indexClean(ctx context.Context, paths []string) (bool, error) {
	args := append([]string{"diff", "--cached", "--quiet", "--"}, paths...)
	res, err := w.command(args...).Run(ctx, nil)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, gitError(args, res)
	}
}

func (w *Workspace) command(args ...string) exec.Command {
	return exec.Command{
		Args:    append([]string{"git"}, args...),
		Dir:     w.dir,
		Timeout: commandTimeout,
	}
}

// git runs a git subcommand and returns its trimmed output.
func (w *Workspace) git(ctx context.Context, args ...string) (string, error) {
	res, err := w.command(args...).Run(ctx, nil)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", gitError(args, res)
	}
	return strings.TrimSpace(res.Output), nil
}

// ErrGit wraps failed git invocations.
var ErrGit = errors.New("git command failed")

func gitError(args []string, res exec.Result) error {
	return fmt.Errorf("%w: git %s (exit %d): %s",
		ErrGit, strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Output))
}
