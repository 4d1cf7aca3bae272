// Package githubapi wraps the GitHub REST client with the pacing and retry
// policy a long crawl needs to survive rate limiting.
package githubapi

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mitchellh/hashstructure/v2"
)

const (
	defaultMinDelay   = 750 * time.Millisecond
	defaultMaxRetries = 3
)

// RateLimitMaxRetriesError reports that the upstream failed this many times
// in a row and the client gave up.
type RateLimitMaxRetriesError struct {
	Attempts int
	URL      string
}

func (e *RateLimitMaxRetriesError) Error() string {
	return fmt.Sprintf("giving up on %s after %d consecutive failed attempts", e.URL, e.Attempts)
}

// Transport is an http.RoundTripper enforcing the crawl's API discipline:
//
//   - minimum spacing between successive requests
//   - sleep until the advertised reset time after a rate-limit response
//   - retry transient failures, giving up after MaxRetries consecutive ones
//   - serve identical GETs from a dedup cache without touching the network
//
// The failure counter is shared across requests and reset by any success, so
// a flaky-but-progressing crawl never trips it.
type Transport struct {
	Base       http.RoundTripper
	MinDelay   time.Duration
	MaxRetries int

	mu          sync.Mutex
	lastRequest time.Time
	waitUntil   time.Time
	failures    int

	cacheMu sync.Mutex
	cache   map[uint64]*cachedResponse
}

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

func NewTransport(base http.RoundTripper, minDelay time.Duration, maxRetries int) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if minDelay <= 0 {
		minDelay = defaultMinDelay
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Transport{
		Base:       base,
		MinDelay:   minDelay,
		MaxRetries: maxRetries,
		cache:      map[uint64]*cachedResponse{},
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	key, cacheable := t.cacheKey(req)
	if cacheable {
		t.cacheMu.Lock()
		cached, ok := t.cache[key]
		t.cacheMu.Unlock()
		if ok {
			return cached.response(req), nil
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.MinDelay
	bo.MaxInterval = 30 * time.Second

	for {
		if err := t.pace(req); err != nil {
			return nil, err
		}

		attempt, err := cloneForAttempt(req)
		if err != nil {
			return nil, err
		}
		resp, err := t.Base.RoundTrip(attempt)

		switch {
		case err != nil && isTransient(err):
			t.recordFailure()
			slog.Warn("Transient GitHub request failure", "url", req.URL.String(), "error", err)
			sleepCtx(req, bo.NextBackOff())
			continue

		case err != nil:
			return nil, err

		case isRateLimited(resp):
			t.recordRateLimit(resp)
			drain(resp)
			continue

		case isSpuriousBadCredentials(resp):
			// The upstream intermittently rejects a valid token; treat it
			// like any other transient failure.
			t.recordFailure()
			slog.Warn("Spurious bad-credentials response", "url", req.URL.String())
			drain(resp)
			sleepCtx(req, bo.NextBackOff())
			continue
		}

		t.recordSuccess()
		if cacheable && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return t.storeAndReplay(key, req, resp)
		}
		return resp, nil
	}
}

// pace blocks until this request is allowed to go out, or fails fast when
// the consecutive-failure budget is spent.
func (t *Transport) pace(req *http.Request) error {
	t.mu.Lock()
	if t.failures >= t.MaxRetries {
		attempts := t.failures
		t.mu.Unlock()
		return &RateLimitMaxRetriesError{Attempts: attempts, URL: req.URL.String()}
	}

	now := time.Now()
	var wait time.Duration
	if t.waitUntil.After(now) {
		wait = t.waitUntil.Sub(now)
		t.waitUntil = time.Time{}
		slog.Debug("Sleeping until rate limit reset", "wait", wait)
	} else if since := now.Sub(t.lastRequest); !t.lastRequest.IsZero() && since < t.MinDelay {
		wait = t.MinDelay - since
	}
	t.mu.Unlock()

	if wait > 0 {
		if err := sleepCtx(req, wait); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.lastRequest = time.Now()
	t.mu.Unlock()
	return nil
}

func (t *Transport) recordFailure() {
	t.mu.Lock()
	t.failures++
	t.mu.Unlock()
}

func (t *Transport) recordSuccess() {
	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
}

func (t *Transport) recordRateLimit(resp *http.Response) {
	reset := time.Now()
	if raw := resp.Header.Get("X-RateLimit-Reset"); raw != "" {
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
			reset = time.Unix(epoch, 0)
		}
	}
	t.mu.Lock()
	t.failures++
	t.waitUntil = reset
	t.mu.Unlock()
	slog.Info("Rate limited by GitHub API", "reset", reset)
}

// cacheKey derives an order-independent key for GET dedup; query parameters
// hash as a multiset, so reordered-but-identical URLs share an entry.
func (t *Transport) cacheKey(req *http.Request) (uint64, bool) {
	if req.Method != http.MethodGet || req.Body != nil {
		return 0, false
	}
	key, err := hashstructure.Hash(struct {
		Method string
		URL    string
		Params map[string][]string
		Accept string
	}{
		Method: req.Method,
		URL:    req.URL.Scheme + "://" + req.URL.Host + req.URL.Path,
		Params: req.URL.Query(),
		Accept: req.Header.Get("Accept"),
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, false
	}
	return key, true
}

func (t *Transport) storeAndReplay(key uint64, req *http.Request, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	cached := &cachedResponse{status: resp.StatusCode, header: resp.Header.Clone(), body: body}
	t.cacheMu.Lock()
	t.cache[key] = cached
	t.cacheMu.Unlock()
	return cached.response(req), nil
}

func (c *cachedResponse) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    c.status,
		Status:        http.StatusText(c.status),
		Header:        c.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Request:       req,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}
}

func cloneForAttempt(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewinding request body: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

func isTransient(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "unexpected EOF")
}

func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return resp.Header.Get("X-RateLimit-Remaining") == "0"
}

func isSpuriousBadCredentials(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return bytes.Contains(body, []byte("Bad credentials"))
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func sleepCtx(req *http.Request, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}
