package classify

import (
	"fmt"
	"regexp"

	"github.com/vietddude/remedy/internal/core/domain"
)

// HintMatcher trusts the category hint set by the diagnoser.
type HintMatcher struct{}

func (HintMatcher) Name() string { return "hint" }

func (HintMatcher) Match(d domain.FailureDetail) (domain.Category, bool) {
	if d.CategoryHint == "" {
		return "", false
	}
	return domain.Category(d.CategoryHint), true
}

// RegexMatcher claims failures whose message or location matches a pattern.
type RegexMatcher struct {
	name     string
	category domain.Category
	re       *regexp.Regexp
}

// NewRegexMatcher compiles pattern for category.
func NewRegexMatcher(name string, category domain.Category, pattern string) (*RegexMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("matcher %s: invalid pattern: %w", name, err)
	}
	if name == "" {
		name = string(category)
	}
	return &RegexMatcher{name: name, category: category, re: re}, nil
}

func (m *RegexMatcher) Name() string { return m.name }

func (m *RegexMatcher) Match(d domain.FailureDetail) (domain.Category, bool) {
	if m.re.MatchString(d.Message) || (d.Location != "" && m.re.MatchString(d.Location)) {
		return m.category, true
	}
	return "", false
}

// Default category patterns. Order matters: an unresolved import usually
// also surfaces as a type error, so imports are checked first.
var defaultRules = []struct {
	category domain.Category
	pattern  string
}{
	{"import", `(?i)(cannot find (module|package)|no required module provides|no module named|could not import|importerror|modulenotfounderror|imported and not used|unresolved import)`},
	{"type", `(?i)(cannot use .+ as|mismatched types|type error|typeerror|incompatible types?|undefined:|has no field or method|not enough arguments|too many arguments)`},
	{"lint", `(?i)(\blint\b|golangci|gofmt|goimports|eslint|flake8|pylint|ruff|staticcheck|go vet|should have comment|formatting)`},
	{"test", `(?i)(--- fail|^fail\b|test failed|assertion|expected .+ (but )?got|panic: test)`},
	{domain.CategoryTransport, `(?i)(connection (reset|refused)|i/o timeout|tls handshake|too many requests|rate limit|\b429\b|\b50[234]\b|service unavailable|no such host)`},
}

// DefaultMatchers returns the hint matcher, then custom, then the built-in
// rules.
func DefaultMatchers(custom ...Matcher) []Matcher {
	matchers := []Matcher{HintMatcher{}}
	matchers = append(matchers, custom...)
	for _, rule := range defaultRules {
		m, err := NewRegexMatcher("builtin-"+string(rule.category), rule.category, rule.pattern)
		if err != nil {
			panic(err)
		}
		matchers = append(matchers, m)
	}
	return matchers
}
