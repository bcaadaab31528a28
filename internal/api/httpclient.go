package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// NewPooledHTTPClient creates an http.Client with connection pooling and tuned transport.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

type retryOption func(rc *retryablehttp.Client)

func withHTTPClient(hc *http.Client) retryOption {
	return func(rc *retryablehttp.Client) {
		rc.HTTPClient = hc
	}
}

func withRetryMax(n int) retryOption {
	return func(rc *retryablehttp.Client) {
		rc.RetryMax = n
	}
}

func withRetryWait(minWait, maxWait time.Duration) retryOption {
	return func(rc *retryablehttp.Client) {
		if minWait > 0 {
			rc.RetryWaitMin = minWait
		}
		if maxWait > 0 {
			rc.RetryWaitMax = maxWait
		}
	}
}

func withLogger(logger *slog.Logger) retryOption {
	return func(rc *retryablehttp.Client) {
		rc.Logger = logger
	}
}

func newRetryClient(opts ...retryOption) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.CheckRetry = checkRetry
	// Hand the final response back untouched so callers see the real status.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

type noRetryKey struct{}

// withoutRetry marks a request as non-idempotent.
func withoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if once, _ := ctx.Value(noRetryKey{}).(bool); once {
		return false, ctx.Err()
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
