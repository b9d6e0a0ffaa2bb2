package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

const (
	defaultMaxRetries = 3
	readinessPingPath = "/admin/ping"
	poolsPath         = "/pools"
)

// diagnostics tracks live connection health observed from responses. The
// retry veto and the readiness wait both consult it to short-circuit on
// credential problems instead of burning the remaining budget.
type diagnostics struct {
	authFailure atomic.Bool
}

func (d *diagnostics) recordStatus(status int) {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		d.authFailure.Store(true)
	}
}

func (d *diagnostics) hasAuthFailure() bool {
	return d.authFailure.Load()
}

// retryPolicy decides whether a failed attempt should be retried and after
// what delay.
type retryPolicy interface {
	shouldRetry(attempt int, err error) (time.Duration, bool)
}

// backoffPolicy retries transient transport failures with exponential
// backoff: 100ms, 200ms, 400ms... capped at 5 seconds.
type backoffPolicy struct {
	maxRetries int
}

func (p *backoffPolicy) shouldRetry(attempt int, err error) (time.Duration, bool) {
	if attempt >= p.maxRetries {
		return 0, false
	}
	delay := time.Duration(100<<uint(attempt)) * time.Millisecond
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay, true
}

// authVetoPolicy wraps another policy and vetoes any retry once the
// diagnostics report an authentication failure, so credential problems fail
// in milliseconds rather than after the operation's own timeout.
type authVetoPolicy struct {
	inner retryPolicy
	diag  *diagnostics
}

func (p *authVetoPolicy) shouldRetry(attempt int, err error) (time.Duration, bool) {
	if p.diag.hasAuthFailure() {
		return 0, false
	}
	return p.inner.shouldRetry(attempt, err)
}

// clusterConn is one live connection to a cluster, shared by every handle
// acquired for the same coordinate.
type clusterConn struct {
	base   *url.URL
	client *http.Client
	coord  Coordinate
	env    *environment
	diag   *diagnostics
	retry  retryPolicy
	closed atomic.Bool
}

func newClusterConn(coord Coordinate, env *environment) (*clusterConn, error) {
	scheme := "http"
	if coord.Properties().Bool(PropSSL) {
		scheme = "https"
	}
	base, err := url.Parse(scheme + "://" + coord.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("invalid connection string %q: %w", coord.ConnectionString(), err)
	}

	diag := &diagnostics{}
	return &clusterConn{
		base:   base,
		client: &http.Client{Transport: env.transport},
		coord:  coord,
		env:    env,
		diag:   diag,
		retry:  &authVetoPolicy{inner: env.retry, diag: diag},
	}, nil
}

// do issues one HTTP request against the cluster, retrying transient
// transport failures per the environment's retry policy. A timeout of zero
// leaves the request bounded only by ctx; the configured timeout covers
// reading the response body as well, so streaming consumers stay within the
// caller's budget.
func (c *clusterConn) do(ctx context.Context, method, path string, headers map[string]string, body []byte, timeout time.Duration) (*http.Response, error) {
	if c.closed.Load() {
		return nil, ErrShutDown
	}

	// Timeouts near the maximum representable duration stand for "no
	// timeout configured"; setting them on the client would overflow its
	// deadline arithmetic, so anything over a year runs unbounded.
	client := c.client
	if timeout > 0 && timeout < 365*24*time.Hour {
		bounded := *c.client
		bounded.Timeout = timeout
		client = &bounded
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, method, path, headers, body)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err == nil {
			c.diag.recordStatus(resp.StatusCode)
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay, retry := c.retry.shouldRetry(attempt, err)
		if !retry {
			if c.diag.hasAuthFailure() {
				return nil, &ConnectionError{Kind: KindAuthenticationFailed,
					Msg: "authentication failure detected", Err: lastErr}
			}
			return nil, lastErr
		}

		slog.Debug("Retrying request.", "method", method, "path", path,
			"attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *clusterConn) newRequest(ctx context.Context, method, path string, headers map[string]string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.coord.Authenticator().ApplyTo(req)
	return req, nil
}

// probeReady performs a single readiness attempt bounded by timeout. An
// unauthorized response is recorded in the diagnostics and reported as an
// error so the readiness wait can bail out early.
func (c *clusterConn) probeReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, readinessPingPath, nil, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	c.diag.recordStatus(resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("readiness probe returned status %d", resp.StatusCode)
	}
	return nil
}

// version fetches the cluster version string from the management endpoint.
func (c *clusterConn) version(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, poolsPath, nil, nil, 0)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cluster version request returned status %d", resp.StatusCode)
	}

	var payload struct {
		ImplementationVersion string `json:"implementationVersion"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode cluster version: %w", err)
	}
	return payload.ImplementationVersion, nil
}

// disconnect tears down the connection. Safe to call more than once.
func (c *clusterConn) disconnect() {
	if c.closed.CompareAndSwap(false, true) {
		c.client.CloseIdleConnections()
	}
}
