package control

import (
	"context"
	"fmt"
	"regexp"

	"github.com/vietddude/remedy/internal/core/config"
	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/infra/exec"
	"github.com/vietddude/remedy/internal/infra/git"
	"github.com/vietddude/remedy/internal/infra/source"
	"github.com/vietddude/remedy/internal/loop/classify"
	"github.com/vietddude/remedy/internal/loop/controller"
	"github.com/vietddude/remedy/internal/loop/dispatch"
	"github.com/vietddude/remedy/internal/loop/poller"
	"github.com/vietddude/remedy/internal/loop/rollback"
)

// buildClassifier places configured rules between the hint matcher and the
// built-in rules.
func buildClassifier(rules []config.MatcherConfig, diag config.DiagnoserConfig) (*classify.Classifier, error) {
	custom := make([]classify.Matcher, 0, len(rules))
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		cat := domain.Category(r.Category)

		var (
			m   classify.Matcher
			err error
		)
		switch r.Kind {
		case config.MatcherRegex, "":
			m, err = classify.NewRegexMatcher(name, cat, r.Pattern)
		case config.MatcherCEL:
			m, err = classify.NewCELMatcher(name, cat, r.Expr)
		default:
			err = fmt.Errorf("unknown matcher kind %q", r.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("classifier rule %s: %w", name, err)
		}
		custom = append(custom, m)
	}

	diagnoser := &classify.LineDiagnoser{}
	if diag.LineFilter != "" {
		filter, err := regexp.Compile(diag.LineFilter)
		if err != nil {
			return nil, fmt.Errorf("diagnoser line_filter: %w", err)
		}
		diagnoser.Filter = filter
	}
	return classify.New(diagnoser, classify.DefaultMatchers(custom...)...), nil
}

// buildSource returns nil when no external source is configured.
func buildSource(cfg config.SourceConfig) (poller.Source, error) {
	switch cfg.Kind {
	case config.SourceNone, "":
		return nil, nil
	case config.SourceHTTP:
		src, err := source.NewHTTP(source.HTTPConfig{
			URL:           cfg.URL,
			Headers:       cfg.Headers,
			StateField:    cfg.StateField,
			PayloadField:  cfg.PayloadField,
			SuccessValues: cfg.SuccessValues,
			FailureValues: cfg.FailureValues,
			Timeout:       cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceGRPC:
		src, err := source.DialGRPCHealth(cfg.Target, cfg.Service, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// buildWorkspace opens the git workspace. Without a directory there is
// nothing to roll back and both results are nil.
func buildWorkspace(ctx context.Context, cfg config.WorkspaceConfig) (*rollback.Coordinator, exec.Committer, error) {
	if cfg.Dir == "" {
		return nil, nil, nil
	}
	ws, err := git.Open(ctx, cfg.Dir)
	if err != nil {
		return nil, nil, err
	}
	var committer exec.Committer
	if cfg.AutoCommit {
		committer = ws
	}
	return rollback.NewCoordinator(ws), committer, nil
}

// buildRegistry registers one command fixer per configured category.
func buildRegistry(fixers []config.FixerConfig, workDir string, committer exec.Committer) (*dispatch.Registry, error) {
	registry := dispatch.NewRegistry()
	for _, fc := range fixers {
		after := make([]domain.Category, 0, len(fc.After))
		for _, c := range fc.After {
			after = append(after, domain.Category(c))
		}
		cmd := exec.Command{Args: fc.Command, Dir: fc.Dir, Timeout: fc.Timeout}
		if cmd.Dir == "" {
			cmd.Dir = workDir
		}
		if len(cmd.Args) == 0 {
			return nil, fmt.Errorf("fixer %s: command is required", fc.Name)
		}

		fixer := exec.NewCommandFixer(fc.Name, cmd, fc.Scope, after)
		if committer != nil {
			fixer.WithCommitter(committer)
		}
		if err := registry.Register(domain.Category(fc.Category), fixer); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildResolver(cfg config.ActionConfig, workDir string, src poller.Source) controller.ResolverFunc {
	cmd := exec.Command{Args: cfg.Command, Dir: cfg.Dir, Timeout: cfg.Timeout}
	if cmd.Dir == "" {
		cmd.Dir = workDir
	}
	return exec.Resolver(cmd, src)
}
