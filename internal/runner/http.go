package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	logx "pacer/pkg/logx"
	"pacer/pkg/scheduler"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 1 << 20
)

// HTTPConfig configures the HTTP runner.
type HTTPConfig struct {
	URL     string
	Method  string
	Timeout time.Duration
	Headers map[string]string
	// Client overrides the default client (tests).
	Client *http.Client
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// HTTP posts each task payload as JSON and returns the decoded response.
//
// Status mapping:
//   - 2xx: success; JSON bodies are decoded, others returned as string
//   - 429, 503: retryable, honouring Retry-After
//   - other 4xx: permanent (scheduler.NoRetry)
//   - 5xx and transport errors: retryable
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	log    logx.Logger
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTP, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("http runner: url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTP{cfg: cfg, client: client, log: log.With(logx.String("comp", "runner.http"))}, nil
}

func (h *HTTP) Run(ctx context.Context, payload any) (any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, scheduler.NoRetry(fmt.Errorf("encode payload: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, h.cfg.Method, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, scheduler.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	h.log.Trace("request done",
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
		logx.Int("bytes", len(raw)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return decodeBody(resp.Header.Get("Content-Type"), raw), nil
	}

	serr := &StatusError{Code: resp.StatusCode, Body: snippet(raw)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return nil, scheduler.RetryAfter(serr, d)
		}
		return nil, serr
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, scheduler.NoRetry(serr)
	default:
		return nil, serr
	}
}

func decodeBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(strings.ToLower(contentType), "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

const snippetMax = 200

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= snippetMax {
		return s
	}
	cut := snippetMax
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
