package classify

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/vietddude/remedy/internal/core/domain"
)

// CELMatcher claims failures for which a CEL expression evaluates to true.
// The expression sees message, location and hint as strings, for example:
//
//	message.contains("golangci") && location.endsWith(".go")
type CELMatcher struct {
	name     string
	category domain.Category
	program  cel.Program
	log      *slog.Logger
}

// NewCELMatcher compiles expr once; evaluation is then allocation-light.
func NewCELMatcher(name string, category domain.Category, expr string) (*CELMatcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("message", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("hint", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}

	ast, issues := env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("matcher %s: error parsing expression: %w", name, issues.Err())
	}
	checked, issues := env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("matcher %s: error type-checking expression: %w", name, issues.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("matcher %s: expression must evaluate to bool, got %s", name, checked.OutputType())
	}

	program, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("matcher %s: error compiling expression: %w", name, err)
	}

	if name == "" {
		name = "cel-" + string(category)
	}
	return &CELMatcher{
		name:     name,
		category: category,
		program:  program,
		log:      slog.Default(),
	}, nil
}

func (m *CELMatcher) Name() string { return m.name }

func (m *CELMatcher) Match(d domain.FailureDetail) (domain.Category, bool) {
	result, _, err := m.program.Eval(map[string]any{
		"message":  d.Message,
		"location": d.Location,
		"hint":     d.CategoryHint,
	})
	if err != nil {
		m.log.Debug("CEL matcher evaluation failed", "matcher", m.name, "error", err)
		return "", false
	}
	if result.Type() != types.BoolType {
		return "", false
	}
	if matched, ok := result.Value().(bool); ok && matched {
		return m.category, true
	}
	return "", false
}
