// Package classify turns a terminal status into categorized failures.
package classify

import (
	"log/slog"
	"strings"

	"github.com/vietddude/remedy/internal/core/domain"
)

// Diagnoser extracts individual failures from a status payload.
type Diagnoser interface {
	Diagnose(status domain.Status) []domain.FailureDetail
}

// Matcher claims a failure for a category. Matchers are consulted in order
// and the first claim wins.
type Matcher interface {
	Name() string
	Match(detail domain.FailureDetail) (domain.Category, bool)
}

// Classifier groups diagnosed failures by category.
type Classifier struct {
	diagnoser Diagnoser
	matchers  []Matcher
	log       *slog.Logger
}

// New creates a classifier. A nil diagnoser uses LineDiagnoser.
func New(d Diagnoser, matchers ...Matcher) *Classifier {
	if d == nil {
		d = &LineDiagnoser{}
	}
	return &Classifier{
		diagnoser: d,
		matchers:  matchers,
		log:       slog.Default(),
	}
}

// Classify returns failures grouped by category. SUCCESS yields an empty
// map; every other status yields at least one category.
func (c *Classifier) Classify(status domain.Status) map[domain.Category][]domain.FailureDetail {
	groups := make(map[domain.Category][]domain.FailureDetail)

	switch status.Kind {
	case domain.StatusSuccess:
		return groups
	case domain.StatusTimeout:
		groups[domain.CategoryTimeout] = []domain.FailureDetail{{Message: status.Payload}}
		return groups
	}

	details := c.diagnoser.Diagnose(status)
	if len(details) == 0 {
		msg := strings.TrimSpace(status.Payload)
		if msg == "" {
			msg = "status " + string(status.Kind) + " with empty payload"
		}
		details = []domain.FailureDetail{{Message: msg}}
	}

	for _, d := range details {
		cat := c.categorize(d)
		groups[cat] = append(groups[cat], d)
	}
	return groups
}

func (c *Classifier) categorize(d domain.FailureDetail) domain.Category {
	for _, m := range c.matchers {
		if cat, ok := m.Match(d); ok && cat != "" {
			return cat
		}
	}
	c.log.Debug("Failure not claimed by any matcher", "message", d.Message)
	return domain.CategoryUnknown
}

// Summarize counts and fingerprints each category.
func Summarize(groups map[domain.Category][]domain.FailureDetail) map[domain.Category]domain.CategoryResult {
	out := make(map[domain.Category]domain.CategoryResult, len(groups))
	for cat, details := range groups {
		out[cat] = domain.CategoryResult{
			Count:     len(details),
			Signature: Signature(cat, details),
			Details:   details,
		}
	}
	return out
}

// Assess determines the attempt outcome relative to the previous attempt.
func Assess(status domain.Status, failures map[domain.Category]domain.CategoryResult, previous *domain.Attempt) domain.Outcome {
	if len(failures) == 0 {
		return domain.OutcomeSuccess
	}
	if status.Kind == domain.StatusTimeout || status.Kind == domain.StatusCancelled {
		return domain.OutcomeError
	}

	onlyInfra := true
	total := 0
	for cat, r := range failures {
		total += r.Count
		if cat != domain.CategoryTimeout && cat != domain.CategoryTransport {
			onlyInfra = false
		}
	}
	if onlyInfra {
		return domain.OutcomeError
	}

	if previous != nil && !previous.Succeeded() && total < previous.TotalFailures() {
		return domain.OutcomePartial
	}
	return domain.OutcomeNoProgress
}
