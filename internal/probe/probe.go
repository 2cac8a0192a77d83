// Package probe checks readiness of external services addressed by URL.
// The scheme picks the checker: postgres/postgis, redis, http(s), tcp.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"resty.dev/v3"
)

const (
	checkTimeout = 3 * time.Second
	pollInterval = 500 * time.Millisecond
)

// Supported reports whether the URL has a checker for its scheme.
func Supported(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "postgres", "postgresql", "postgis", "redis", "http", "https", "tcp":
		return true
	default:
		return false
	}
}

// Check performs a single readiness check against rawURL.
//
// http(s) URLs may carry a fragment of the form `#$.path==value`; the body
// is then parsed as JSON and the JSONPath result must equal value.
func Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("probe url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "postgres", "postgresql", "postgis":
		return checkPostgres(ctx, u)
	case "redis":
		return checkRedis(ctx, rawURL)
	case "http", "https":
		return checkHTTP(ctx, u)
	case "tcp":
		return checkTCP(ctx, u)
	default:
		return fmt.Errorf("probe url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
}

// WaitReady polls Check until it succeeds or timeout elapses. The last
// check error is wrapped into the timeout error for diagnosis.
func WaitReady(ctx context.Context, rawURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		lastErr = Check(attemptCtx, rawURL)
		cancel()
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service %s not ready after %s: %w", rawURL, timeout, lastErr)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("service %s wait canceled: %w", rawURL, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func checkPostgres(ctx context.Context, u *url.URL) error {
	// pgx only speaks postgres://; the postgis alias marks the same server
	// with the spatial extension loaded.
	conn := *u
	if conn.Scheme == "postgis" {
		conn.Scheme = "postgres"
	}
	c, err := pgx.Connect(ctx, conn.String())
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer c.Close(ctx)
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func checkRedis(ctx context.Context, rawURL string) error {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func checkHTTP(ctx context.Context, u *url.URL) error {
	assertion := u.Fragment
	target := *u
	target.Fragment = ""

	client := resty.New().SetTimeout(checkTimeout)
	defer client.Close()

	resp, err := client.R().SetContext(ctx).Get(target.String())
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("http status %d", resp.StatusCode())
	}
	if assertion == "" {
		return nil
	}

	path, want, ok := strings.Cut(assertion, "==")
	if !ok {
		return fmt.Errorf("http assertion %q: want path==value", assertion)
	}
	var body any
	if err := json.Unmarshal(resp.Bytes(), &body); err != nil {
		return fmt.Errorf("http body not json: %w", err)
	}
	got, err := jsonpath.Get(strings.TrimSpace(path), body)
	if err != nil {
		return fmt.Errorf("jsonpath %q: %w", path, err)
	}
	if fmt.Sprint(got) != strings.TrimSpace(want) {
		return fmt.Errorf("jsonpath %q: got %v, want %s", path, got, strings.TrimSpace(want))
	}
	return nil
}

func checkTCP(ctx context.Context, u *url.URL) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return fmt.Errorf("tcp dial %s: %w", u.Host, err)
	}
	return conn.Close()
}
