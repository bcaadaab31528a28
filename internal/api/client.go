// Package api is the REST client for the solver gateway's run control and
// measurement endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/metrics"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

var (
	ErrNotFound  = errors.New("api: not found")
	ErrStatus    = errors.New("api: unexpected status")
	ErrAlignment = errors.New("api: alignment must be sealed or vented")
	ErrPayload   = errors.New("api: invalid response payload")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Detail)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return ErrNotFound
	}
	return ErrStatus
}

// Config configures a Client. Zero values fall back to defaults.
type Config struct {
	BaseURL      string
	PoolSize     int
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *slog.Logger
}

// Client talks to the gateway. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	log     *slog.Logger
}

// New creates a gateway client.
func New(cfg Config) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		log:     log,
		http: newRetryClient(
			withHTTPClient(NewPooledHTTPClient(cfg.PoolSize, cfg.Timeout)),
			withRetryMax(cfg.RetryMax),
			withRetryWait(cfg.RetryWaitMin, cfg.RetryWaitMax),
			withLogger(log),
		),
	}
}

// Health checks the gateway liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, "")
	return err
}

// StartRun submits an optimisation request. The gateway answers with the
// queued run record. Start requests are never retried.
func (c *Client) StartRun(ctx context.Context, params runs.Params) (runs.Run, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return runs.Run{}, fmt.Errorf("encode params: %w", err)
	}
	data, err := c.do(withoutRetry(ctx), http.MethodPost, "/opt/start", body, "application/json")
	if err != nil {
		return runs.Run{}, err
	}
	run, ok := parseRun(gjson.ParseBytes(data))
	if !ok {
		return runs.Run{}, fmt.Errorf("%w: start response has no run id", ErrPayload)
	}
	return run, nil
}

// GetRun fetches one run record. Unknown ids yield an error matching ErrNotFound.
func (c *Client) GetRun(ctx context.Context, id string) (runs.Run, error) {
	data, err := c.do(ctx, http.MethodGet, "/opt/"+url.PathEscape(id), nil, "")
	if err != nil {
		return runs.Run{}, err
	}
	run, ok := parseRun(gjson.ParseBytes(data))
	if !ok {
		return runs.Run{}, fmt.Errorf("%w: run %s", ErrPayload, id)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first. An empty status
// lists every status.
func (c *Client) ListRuns(ctx context.Context, limit int, status runs.Status) ([]runs.Run, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", string(status))
	}
	path := "/opt/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	data, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(data)
	list := doc.Get("runs")
	if doc.IsArray() {
		list = doc
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: runs list", ErrPayload)
	}

	out := make([]runs.Run, 0, len(list.Array()))
	for _, item := range list.Array() {
		if run, ok := parseRun(item); ok {
			out = append(out, run)
		}
	}
	return out, nil
}

// Stats returns status counts across all runs.
func (c *Client) Stats(ctx context.Context) (runs.Stats, error) {
	data, err := c.do(ctx, http.MethodGet, "/opt/stats", nil, "")
	if err != nil {
		return runs.Stats{}, err
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return runs.Stats{}, fmt.Errorf("%w: stats", ErrPayload)
	}

	stats := runs.Stats{Counts: make(map[runs.Status]int)}
	doc.Get("counts").ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.Number {
			stats.Counts[runs.Status(strings.ToLower(k.String()))] = int(v.Int())
		}
		return true
	})
	stats.Total = int(doc.Get("total").Int())
	if !doc.Get("total").Exists() {
		for _, n := range stats.Counts {
			stats.Total += n
		}
	}
	return stats, nil
}

// CompareMeasurement posts a prepared comparison request body and returns
// the raw comparison payload.
func (c *Client) CompareMeasurement(ctx context.Context, alignment string, body []byte) ([]byte, error) {
	if alignment != "sealed" && alignment != "vented" {
		return nil, fmt.Errorf("%w: %q", ErrAlignment, alignment)
	}

	start := time.Now()
	data, err := c.do(ctx, http.MethodPost, "/measurements/"+alignment+"/compare", body, "application/json")
	metrics.CompareDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			metrics.CompareErrors.WithLabelValues("status").Inc()
		} else {
			metrics.CompareErrors.WithLabelValues("http").Inc()
		}
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		metrics.CompareErrors.WithLabelValues("payload").Inc()
		return nil, fmt.Errorf("%w: comparison is not JSON", ErrPayload)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, raw)
	if err != nil {
		return nil, fmt.Errorf("create %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := gjson.GetBytes(data, "detail").String()
		if detail == "" {
			detail = strings.TrimSpace(string(data))
		}
		c.log.Debug("gateway status", "method", method, "path", path, "status", resp.StatusCode)
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Detail: detail}
	}
	return data, nil
}
