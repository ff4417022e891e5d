package classify

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/vietddude/remedy/internal/core/domain"
)

const maxDetailLength = 2048

var (
	// "[lint] message"
	hintLine = regexp.MustCompile(`^\[([A-Za-z0-9_.-]+)\]\s*(.*)$`)
	// "path/to/file.go:12:5: message"
	locationLine = regexp.MustCompile(`^(\S+?:\d+(?::\d+)?):\s*(.*)$`)
)

// LineDiagnoser treats each non-blank payload line as one failure. Lines may
// carry a "[category]" hint prefix and a "file:line:col:" location. A payload
// holding a JSON array of failures is decoded directly.
type LineDiagnoser struct {
	// Filter keeps only matching lines when set.
	Filter *regexp.Regexp
}

func (l *LineDiagnoser) Diagnose(status domain.Status) []domain.FailureDetail {
	payload := strings.TrimSpace(status.Payload)
	if payload == "" {
		return nil
	}

	if strings.HasPrefix(payload, "[{") {
		var details []domain.FailureDetail
		if err := json.Unmarshal([]byte(payload), &details); err == nil {
			return details
		}
	}

	var details []domain.FailureDetail
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if l.Filter != nil && !l.Filter.MatchString(line) {
			continue
		}
		details = append(details, parseLine(line))
	}

	if len(details) == 0 {
		details = append(details, domain.FailureDetail{Message: truncate(payload)})
	}
	return details
}

func parseLine(line string) domain.FailureDetail {
	var d domain.FailureDetail
	if m := hintLine.FindStringSubmatch(line); m != nil {
		d.CategoryHint = strings.ToLower(m[1])
		line = m[2]
	}
	if m := locationLine.FindStringSubmatch(line); m != nil {
		d.Location = m[1]
		line = m[2]
	}
	d.Message = truncate(line)
	return d
}

func truncate(s string) string {
	if len(s) <= maxDetailLength {
		return s
	}
	return domain.Head(s, maxDetailLength) + "..."
}
