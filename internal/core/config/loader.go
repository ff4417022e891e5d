package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/remedy/internal/loop/backoff"
	"github.com/vietddude/remedy/internal/loop/dispatch"
	"github.com/vietddude/remedy/internal/loop/poller"
)

//go:embed schema.json
var schemaJSON []byte

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, validates and defaults a YAML document.
func Parse(data []byte) (*AppConfig, error) {
	// Expand environment variables in the YAML content
	expanded := []byte(os.ExpandEnv(string(data)))

	if err := validate(expanded); err != nil {
		return nil, err
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *AppConfig {
	var cfg AppConfig
	applyDefaults(&cfg)
	return &cfg
}

func validate(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	docJSON, err := json.Marshal(toJSONValue(doc))
	if err != nil {
		return fmt.Errorf("config validation error: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(docJSON),
	)
	if err != nil {
		return fmt.Errorf("config validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid config:\n- %s", strings.Join(msgs, "\n- "))
	}
	return nil
}

// toJSONValue converts yaml.v2 maps, which are keyed by interface{}, into
// values encoding/json accepts.
func toJSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = toJSONValue(val)
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = toJSONValue(val)
		}
		return out
	default:
		return v
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
	}
	if cfg.Store.Driver == DriverJSONL && cfg.Store.Path == "" {
		cfg.Store.Path = ".remedy/sessions"
	}
	if cfg.Store.PruneInterval == 0 {
		cfg.Store.PruneInterval = time.Hour
	}

	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 5
	}
	if cfg.Loop.RepeatThreshold == 0 {
		cfg.Loop.RepeatThreshold = 2
	}

	def := backoff.DefaultConfig()
	if cfg.Backoff.BaseDelay == 0 {
		cfg.Backoff.BaseDelay = def.BaseDelay
	}
	if cfg.Backoff.GrowthFactor == 0 {
		cfg.Backoff.GrowthFactor = def.GrowthFactor
	}
	if cfg.Backoff.MaxDelay == 0 {
		cfg.Backoff.MaxDelay = def.MaxDelay
	}

	if cfg.Poll.Timeout == 0 {
		cfg.Poll.Timeout = 30 * time.Minute
	}
	if cfg.Poll.MaxSourceErrors == 0 {
		cfg.Poll.MaxSourceErrors = poller.DefaultMaxSourceErrors
	}

	dd := dispatch.DefaultConfig()
	if cfg.Dispatch.MaxConcurrency == 0 {
		cfg.Dispatch.MaxConcurrency = dd.MaxConcurrency
	}
	if len(cfg.Dispatch.Order) == 0 {
		cfg.Dispatch.Order = dd.Order
	}

	if cfg.Source.Kind == "" {
		cfg.Source.Kind = SourceNone
	}
	if cfg.Source.StateField == "" {
		cfg.Source.StateField = "state"
	}
	if cfg.Source.PayloadField == "" {
		cfg.Source.PayloadField = "payload"
	}

	for i := range cfg.Fixers {
		if cfg.Fixers[i].Name == "" {
			cfg.Fixers[i].Name = cfg.Fixers[i].Category
		}
	}
}
