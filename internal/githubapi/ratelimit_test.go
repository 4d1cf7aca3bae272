package githubapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu      sync.Mutex
	hits    []time.Time
	respond func(n int, w http.ResponseWriter, r *http.Request)
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.hits = append(h.hits, time.Now())
	n := len(h.hits)
	h.mu.Unlock()
	h.respond(n, w, r)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hits)
}

func get(t *testing.T, tr *Transport, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return tr.RoundTrip(req)
}

func TestTransportEnforcesMinimumSpacing(t *testing.T) {
	h := &recordingHandler{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "{}")
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := NewTransport(nil, 150*time.Millisecond, 3)
	for i := 0; i < 2; i++ {
		resp, err := get(t, tr, srv.URL+"/rate?i="+strconv.Itoa(i))
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(h.hits))
	}
	if gap := h.hits[1].Sub(h.hits[0]); gap < 150*time.Millisecond {
		t.Fatalf("requests only %v apart, want >= 150ms", gap)
	}
}

func TestTransportWaitsUntilRateLimitResetThenRetries(t *testing.T) {
	h := &recordingHandler{respond: func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Unix(), 10))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := NewTransport(nil, time.Millisecond, 3)
	resp, err := get(t, tr, srv.URL+"/limited")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if h.count() != 2 {
		t.Fatalf("expected retry after rate limit, got %d hits", h.count())
	}
}

func TestTransportGivesUpAfterMaxConsecutiveFailures(t *testing.T) {
	h := &recordingHandler{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Unix(), 10))
		w.WriteHeader(http.StatusForbidden)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := NewTransport(nil, time.Millisecond, 3)
	_, err := get(t, tr, srv.URL+"/always-limited")

	var maxRetries *RateLimitMaxRetriesError
	if !errors.As(err, &maxRetries) {
		t.Fatalf("expected RateLimitMaxRetriesError, got %v", err)
	}
	if maxRetries.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", maxRetries.Attempts)
	}
	if h.count() != 3 {
		t.Fatalf("server saw %d hits, want 3", h.count())
	}
}

func TestTransportRetriesSpuriousBadCredentials(t *testing.T) {
	h := &recordingHandler{respond: func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message":"Bad credentials"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := NewTransport(nil, time.Millisecond, 3)
	resp, err := get(t, tr, srv.URL+"/flaky-auth")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if h.count() != 2 {
		t.Fatalf("expected one retry, got %d hits", h.count())
	}
}

func TestTransportSuccessResetsFailureCounter(t *testing.T) {
	h := &recordingHandler{respond: func(n int, w http.ResponseWriter, _ *http.Request) {
		// Fail every other request; consecutive failures never reach 3.
		if n%2 == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Unix(), 10))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, "{}")
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := NewTransport(nil, time.Millisecond, 3)
	for i := 0; i < 4; i++ {
		resp, err := get(t, tr, srv.URL+"/every-other?i="+strconv.Itoa(i))
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
	}
}

func TestTransportDedupsIdenticalGets(t *testing.T) {
	h := &recordingHandler{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"cached":true}`)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := NewTransport(nil, time.Millisecond, 3)
	var bodies []string
	for i := 0; i < 2; i++ {
		resp, err := get(t, tr, srv.URL+"/repos?per_page=100&page=1")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		bodies = append(bodies, string(body))
	}

	if h.count() != 1 {
		t.Fatalf("expected 1 network hit, got %d", h.count())
	}
	if bodies[0] != bodies[1] {
		t.Fatalf("cached body diverged: %q vs %q", bodies[0], bodies[1])
	}
}

func TestTransportCacheKeyIgnoresParameterOrder(t *testing.T) {
	h := &recordingHandler{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "{}")
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := NewTransport(nil, time.Millisecond, 3)
	for _, u := range []string{srv.URL + "/x?a=1&b=2", srv.URL + "/x?b=2&a=1"} {
		resp, err := get(t, tr, u)
		if err != nil {
			t.Fatalf("request %s: %v", u, err)
		}
		resp.Body.Close()
	}
	if h.count() != 1 {
		t.Fatalf("expected 1 network hit for reordered params, got %d", h.count())
	}
}
