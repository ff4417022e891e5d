package dispatch

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
)

// recordingFixer logs every call so tests can check ordering and overlap.
type recordingFixer struct {
	name  string
	scope []string
	after []domain.Category
	delay time.Duration
	err   error
	panic bool

	log *callLog
}

type callLog struct {
	mu      sync.Mutex
	calls   []domain.Category
	active  int
	maxSeen int
}

func (l *callLog) enter(c domain.Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
	l.active++
	if l.active > l.maxSeen {
		l.maxSeen = l.active
	}
}

func (l *callLog) leave() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
}

func (f *recordingFixer) Name() string            { return f.name }
func (f *recordingFixer) ResourceScope() []string { return f.scope }
func (f *recordingFixer) After() []domain.Category {
	return f.after
}

func (f *recordingFixer) Apply(ctx context.Context, cat domain.Category, details []domain.FailureDetail) (domain.ActionOutcome, error) {
	f.log.enter(cat)
	defer f.log.leave()
	if f.panic {
		panic("fixer exploded")
	}
	time.Sleep(f.delay)
	if f.err != nil {
		return domain.ActionOutcome{}, f.err
	}
	return domain.ActionOutcome{Success: true, AppliedChanges: []string{"fixed " + string(cat)}}, nil
}

func failuresFor(cats ...domain.Category) map[domain.Category][]domain.FailureDetail {
	out := make(map[domain.Category][]domain.FailureDetail)
	for _, c := range cats {
		out[c] = []domain.FailureDetail{{Message: string(c) + " broke"}}
	}
	return out
}

func TestDispatch_OutcomePerCategory(t *testing.T) {
	log := &callLog{}
	reg := NewRegistry()
	_ = reg.Register("lint", &recordingFixer{name: "gofmt", scope: []string{"lint"}, log: log})
	_ = reg.Register("type", &recordingFixer{name: "typer", scope: []string{"src"}, err: errors.New("compiler crashed"), log: log})
	_ = reg.Register("test", &recordingFixer{name: "tester", scope: []string{"tests"}, panic: true, log: log})
	d := NewDispatcher(reg, DefaultConfig())

	outcomes := d.Dispatch(context.Background(), failuresFor("lint", "type", "test", "docs"))

	if len(outcomes) != 4 {
		t.Fatalf("expected 4 outcomes, got %d: %+v", len(outcomes), outcomes)
	}
	if !outcomes["lint"].Success || outcomes["lint"].Fixer != "gofmt" {
		t.Errorf("lint: unexpected outcome %+v", outcomes["lint"])
	}
	if outcomes["type"].Success || outcomes["type"].Error != "compiler crashed" {
		t.Errorf("type: expected error outcome, got %+v", outcomes["type"])
	}
	if outcomes["test"].Success || outcomes["test"].Error == "" {
		t.Errorf("test: expected panic converted to error, got %+v", outcomes["test"])
	}
	if !outcomes["docs"].Skipped {
		t.Errorf("docs: expected skipped outcome, got %+v", outcomes["docs"])
	}
}

func TestDispatch_IndependentRunConcurrently(t *testing.T) {
	log := &callLog{}
	reg := NewRegistry()
	_ = reg.Register("lint", &recordingFixer{name: "a", scope: []string{"a"}, delay: 50 * time.Millisecond, log: log})
	_ = reg.Register("docs", &recordingFixer{name: "b", scope: []string{"b"}, delay: 50 * time.Millisecond, log: log})
	d := NewDispatcher(reg, Config{MaxConcurrency: 2})

	d.Dispatch(context.Background(), failuresFor("lint", "docs"))

	if log.maxSeen != 2 {
		t.Errorf("expected both fixers to overlap, max concurrent = %d", log.maxSeen)
	}
}

func TestDispatch_SharedScopeRunsInDeclaredOrder(t *testing.T) {
	log := &callLog{}
	reg := NewRegistry()
	_ = reg.Register("type", &recordingFixer{name: "typer", scope: []string{"src/pkg"}, delay: 10 * time.Millisecond, log: log})
	_ = reg.Register("import", &recordingFixer{name: "importer", scope: []string{"src"}, delay: 10 * time.Millisecond, log: log})
	d := NewDispatcher(reg, DefaultConfig())

	d.Dispatch(context.Background(), failuresFor("type", "import"))

	if log.maxSeen != 1 {
		t.Errorf("overlapping fixers ran concurrently")
	}
	if !reflect.DeepEqual(log.calls, []domain.Category{"import", "type"}) {
		t.Errorf("expected import before type, got %v", log.calls)
	}
}

func TestDispatch_CancelledContextSkipsFixers(t *testing.T) {
	log := &callLog{}
	reg := NewRegistry()
	_ = reg.Register("lint", &recordingFixer{name: "gofmt", scope: []string{"a"}, log: log})
	d := NewDispatcher(reg, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcomes := d.Dispatch(ctx, failuresFor("lint"))

	if len(log.calls) != 0 {
		t.Errorf("expected no fixer calls after cancel, got %v", log.calls)
	}
	if outcomes["lint"].Error == "" {
		t.Errorf("expected not-started error, got %+v", outcomes["lint"])
	}
}

func TestPartition(t *testing.T) {
	log := &callLog{}
	reg := NewRegistry()
	_ = reg.Register("import", &recordingFixer{name: "imports", scope: []string{"go.mod"}, log: log})
	_ = reg.Register("type", &recordingFixer{name: "types", scope: []string{"pkg/"}, after: []domain.Category{"import"}, log: log})
	_ = reg.Register("lint", &recordingFixer{name: "lint", scope: []string{"pkg/util"}, log: log})
	_ = reg.Register("docs", &recordingFixer{name: "docs", scope: []string{"docs"}, log: log})
	_ = reg.Register("global", &recordingFixer{name: "global", log: log})
	d := NewDispatcher(reg, DefaultConfig())

	groups := d.Partition([]domain.Category{"docs", "lint", "type", "import"})
	want := [][]domain.Category{
		{"import", "type", "lint"},
		{"docs"},
	}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("Partition() = %v, want %v", groups, want)
	}

	groups = d.Partition([]domain.Category{"docs", "global"})
	if len(groups) != 1 {
		t.Errorf("expected empty scope to overlap everything, got %v", groups)
	}
}

func TestScopesOverlap(t *testing.T) {
	tests := []struct {
		a, b []string
		want bool
	}{
		{[]string{"src"}, []string{"src/pkg"}, true},
		{[]string{"src"}, []string{"srcgen"}, false},
		{[]string{"a"}, []string{"b"}, false},
		{[]string{"*"}, []string{"b"}, true},
		{nil, []string{"b"}, true},
		{[]string{"docs/"}, []string{"docs"}, true},
	}
	for _, tt := range tests {
		if got := scopesOverlap(tt.a, tt.b); got != tt.want {
			t.Errorf("scopesOverlap(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
