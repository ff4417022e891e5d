// Package source implements external status sources the poller queries.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
)

// maxBody bounds how much of a status document is read.
const maxBody = 4 << 20

var (
	defaultSuccess = []string{"success", "succeeded", "passed", "completed", "ok", "green"}
	defaultFailure = []string{"failure", "failed", "error", "errored", "red", "cancelled", "canceled"}
)

// HTTPConfig describes a JSON status endpoint. StateField and PayloadField
// are dotted paths into the document.
type HTTPConfig struct {
	URL           string
	Headers       map[string]string
	StateField    string
	PayloadField  string
	SuccessValues []string
	FailureValues []string
	Timeout       time.Duration
}

// HTTP polls a JSON document and maps one field onto a status kind. Any
// state not listed as success or failure is PENDING.
type HTTP struct {
	cfg        HTTPConfig
	httpClient *http.Client
	success    map[string]bool
	failure    map[string]bool
}

// NewHTTP creates an HTTP status source.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http source: url is required")
	}
	if cfg.StateField == "" {
		cfg.StateField = "state"
	}
	if cfg.PayloadField == "" {
		cfg.PayloadField = "payload"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.SuccessValues) == 0 {
		cfg.SuccessValues = defaultSuccess
	}
	if len(cfg.FailureValues) == 0 {
		cfg.FailureValues = defaultFailure
	}

	return &HTTP{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		success: toSet(cfg.SuccessValues),
		failure: toSet(cfg.FailureValues),
	}, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = true
	}
	return set
}

// Check fetches the document once. Transport errors, throttling and server
// errors are returned as errors so the poller retries them.
func (h *HTTP) Check(ctx context.Context) (domain.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.URL, nil)
	if err != nil {
		return domain.Status{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return domain.Status{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return domain.Status{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.Status{}, fmt.Errorf("rate limited (429), retry after: %s", resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Status{}, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(body), 512))
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.Status{}, fmt.Errorf("parse response: %w", err)
	}

	state, _ := lookup(doc, h.cfg.StateField)
	stateStr := strings.ToLower(fmt.Sprint(state))
	now := time.Now().UTC()

	switch {
	case state != nil && h.success[stateStr]:
		return domain.Status{Kind: domain.StatusSuccess, Payload: h.payload(doc, ""), CheckedAt: now}, nil
	case state != nil && h.failure[stateStr]:
		return domain.Status{Kind: domain.StatusFailure, Payload: h.payload(doc, string(body)), CheckedAt: now}, nil
	default:
		return domain.Status{Kind: domain.StatusPending, CheckedAt: now}, nil
	}
}

func (h *HTTP) payload(doc map[string]any, fallback string) string {
	v, ok := lookup(doc, h.cfg.PayloadField)
	if !ok || v == nil {
		return fallback
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fallback
		}
		return string(b)
	}
}

// lookup walks a dotted path through nested objects.
func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return domain.Head(s, n) + "..."
}
