package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/vietddude/remedy/internal/core/domain"
)

var (
	hexPattern       = regexp.MustCompile(`0x[0-9a-f]+`)
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(\.\d+)?(z|[+-]\d{2}:?\d{2})?`)
	durationPattern  = regexp.MustCompile(`\b\d+(\.\d+)?(ns|us|µs|ms|s|m|h)\b`)
	lineNumber       = regexp.MustCompile(`:\d+`)
	whitespace       = regexp.MustCompile(`\s+`)
)

// Normalize strips volatile tokens so equal failures compare equal across
// runs: addresses, timestamps, durations and extra whitespace.
func Normalize(msg string) string {
	s := strings.ToLower(msg)
	s = timestampPattern.ReplaceAllString(s, "<ts>")
	s = hexPattern.ReplaceAllString(s, "0x?")
	s = durationPattern.ReplaceAllString(s, "<dur>")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Signature fingerprints the normalized failures of one category.
// Line numbers are dropped from locations since fixes shift them.
func Signature(category domain.Category, details []domain.FailureDetail) string {
	lines := make([]string, 0, len(details))
	for _, d := range details {
		loc := lineNumber.ReplaceAllString(strings.ToLower(d.Location), "")
		lines = append(lines, loc+"|"+Normalize(d.Message))
	}
	sort.Strings(lines)

	h := sha256.New()
	h.Write([]byte(category))
	for _, line := range lines {
		h.Write([]byte{'\n'})
		h.Write([]byte(line))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
