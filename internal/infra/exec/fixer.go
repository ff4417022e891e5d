package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vietddude/remedy/internal/core/domain"
)

// maxNotes bounds the command output kept on an outcome.
const maxNotes = 4 << 10

// Committer records workspace changes as reversible operations.
type Committer interface {
	// Commit records changes under paths, or everywhere when paths is
	// empty. It returns the new ref, or changed=false when nothing changed.
	Commit(ctx context.Context, message string, paths ...string) (ref string, changed bool, err error)
}

// CommandFixer runs a remediation command for one category. The failure
// details are written to stdin as JSON.
type CommandFixer struct {
	name      string
	cmd       Command
	scope     []string
	after     []domain.Category
	committer Committer
}

// NewCommandFixer creates a fixer.
func NewCommandFixer(name string, cmd Command, scope []string, after []domain.Category) *CommandFixer {
	return &CommandFixer{name: name, cmd: cmd, scope: scope, after: after}
}

// WithCommitter commits changes within the fixer's scope after every
// successful run.
func (f *CommandFixer) WithCommitter(c Committer) *CommandFixer {
	f.committer = c
	return f
}

func (f *CommandFixer) Name() string             { return f.name }
func (f *CommandFixer) ResourceScope() []string  { return f.scope }
func (f *CommandFixer) After() []domain.Category { return f.after }

// Apply runs the command. A non-zero exit is an unsuccessful outcome; only
// failures to start the command are errors.
func (f *CommandFixer) Apply(
	ctx context.Context,
	category domain.Category,
	details []domain.FailureDetail,
) (domain.ActionOutcome, error) {
	input, err := json.Marshal(details)
	if err != nil {
		return domain.ActionOutcome{}, fmt.Errorf("encode failure details: %w", err)
	}

	res, err := f.cmd.Run(ctx, input,
		"REMEDY_CATEGORY="+string(category),
		fmt.Sprintf("REMEDY_FAILURE_COUNT=%d", len(details)),
	)
	if err != nil {
		return domain.ActionOutcome{}, err
	}

	out := domain.ActionOutcome{
		Category: category,
		Fixer:    f.name,
		Success:  res.Success(),
		Notes:    domain.Tail(strings.TrimSpace(res.Output), maxNotes),
	}
	if !out.Success {
		out.Error = fmt.Sprintf("exit status %d", res.ExitCode)
		return out, nil
	}

	if f.committer != nil {
		msg := fmt.Sprintf("remedy: %s fix for %d %s failures", f.name, len(details), category)
		ref, changed, err := f.committer.Commit(ctx, msg, f.scope...)
		if err != nil {
			return out, fmt.Errorf("commit %s fix: %w", category, err)
		}
		if changed {
			out.AppliedChanges = append(out.AppliedChanges, ref)
		}
	}
	return out, nil
}
