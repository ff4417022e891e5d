package config

import (
	"time"

	redisclient "github.com/vietddude/remedy/internal/infra/redis"
	"github.com/vietddude/remedy/internal/infra/storage/postgres"
	"github.com/vietddude/remedy/internal/loop/backoff"
	"github.com/vietddude/remedy/internal/loop/dispatch"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Store      StoreConfig        `yaml:"store"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	Loop       LoopConfig         `yaml:"loop"`
	Backoff    backoff.Config     `yaml:"backoff"`
	Poll       PollConfig         `yaml:"poll"`
	Dispatch   dispatch.Config    `yaml:"dispatch"`
	Classifier []MatcherConfig    `yaml:"classifier"`
	Diagnoser  DiagnoserConfig    `yaml:"diagnoser"`
	Fixers     []FixerConfig      `yaml:"fixers"`
	Action     ActionConfig       `yaml:"action"`
	Source     SourceConfig       `yaml:"source"`
	Workspace  WorkspaceConfig    `yaml:"workspace"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverJSONL    = "jsonl"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StoreConfig selects the session store.
type StoreConfig struct {
	Driver        string        `yaml:"driver"`
	Path          string        `yaml:"path"`           // jsonl directory
	Retention     time.Duration `yaml:"retention"`      // 0 = keep forever
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// LoopConfig holds per-session defaults.
type LoopConfig struct {
	MaxIterations        int           `yaml:"max_iterations"`
	MaxDuration          time.Duration `yaml:"max_duration"` // 0 = unlimited
	RepeatThreshold      int           `yaml:"repeat_threshold"`
	RollbackOnEscalation bool          `yaml:"rollback_on_escalation"`
}

// PollConfig bounds the wait on an external status source.
type PollConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxSourceErrors int           `yaml:"max_source_errors"`
}

// Matcher kinds.
const (
	MatcherRegex = "regex"
	MatcherCEL   = "cel"
)

// MatcherConfig is one classifier rule. Rules run in order after the
// category hint matcher and before the built-in rules.
type MatcherConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Category string `yaml:"category"`
	Pattern  string `yaml:"pattern"` // regex
	Expr     string `yaml:"expr"`    // cel
}

// DiagnoserConfig tunes how failure payloads are split into details.
type DiagnoserConfig struct {
	// LineFilter keeps only payload lines matching this regular expression.
	LineFilter string `yaml:"line_filter"`
}

// FixerConfig binds a remediation command to a failure category.
type FixerConfig struct {
	Name     string        `yaml:"name"`
	Category string        `yaml:"category"`
	Command  []string      `yaml:"command"`
	Dir      string        `yaml:"dir"`
	Timeout  time.Duration `yaml:"timeout"`
	Scope    []string      `yaml:"scope"`
	After    []string      `yaml:"after"`
}

// ActionConfig is the command run once per attempt.
type ActionConfig struct {
	Command []string      `yaml:"command"`
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// Source kinds.
const (
	SourceNone = "none"
	SourceHTTP = "http"
	SourceGRPC = "grpc"
)

// SourceConfig describes the external status source polled after the action.
type SourceConfig struct {
	Kind          string            `yaml:"kind"`
	URL           string            `yaml:"url"`     // http
	Target        string            `yaml:"target"`  // grpc host:port
	Service       string            `yaml:"service"` // grpc health service name
	Headers       map[string]string `yaml:"headers"`
	StateField    string            `yaml:"state_field"`
	PayloadField  string            `yaml:"payload_field"`
	SuccessValues []string          `yaml:"success_values"`
	FailureValues []string          `yaml:"failure_values"`
	Timeout       time.Duration     `yaml:"timeout"` // per check
}

// WorkspaceConfig points at the git checkout fixers modify.
type WorkspaceConfig struct {
	Dir        string `yaml:"dir"` // empty disables rollback
	AutoCommit bool   `yaml:"auto_commit"`
}
