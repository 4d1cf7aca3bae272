package tcp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func startServer(t *testing.T, opts ServerOptions) *CallbackServer {
	t.Helper()
	opts.Address = "127.0.0.1"
	srv := NewCallbackServer(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			t.Errorf("server run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv
}

func echoHandler(calls *atomic.Int64) Handler {
	return func(_ context.Context, request any) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		b, err := json.Marshal(request)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func dialServer(t *testing.T, srv *CallbackServer, timeout time.Duration) *Client {
	t.Helper()
	addr := srv.Addr().(*net.TCPAddr)
	c, err := Dial("127.0.0.1", addr.Port, WithTimeout(timeout))
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerEchoesDecodedRequest(t *testing.T) {
	srv := startServer(t, ServerOptions{Handler: echoHandler(nil)})
	c := dialServer(t, srv, time.Second)

	resp, err := c.Send(map[string]string{"foo": "bar"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(resp) != `{"foo":"bar"}` {
		t.Fatalf("unexpected echo: %s", resp)
	}
}

func TestServerMemoizationInvokesHandlerOnce(t *testing.T) {
	var calls atomic.Int64
	srv := startServer(t, ServerOptions{Handler: echoHandler(&calls), Memoized: true})
	c := dialServer(t, srv, time.Second)

	for i := 0; i < 2; i++ {
		resp, err := c.Send(map[string]string{"foo": "bar"})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if string(resp) != `{"foo":"bar"}` {
			t.Fatalf("send %d: unexpected response %s", i, resp)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one handler invocation, got %d", n)
	}
}

func TestServerDecodesFragmentedRequest(t *testing.T) {
	srv := startServer(t, ServerOptions{Handler: echoHandler(nil)})
	addr := srv.Addr().(*net.TCPAddr)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"foo":`)); err != nil {
		t.Fatalf("write fragment 1: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := conn.Write([]byte(`"bar"}`)); err != nil {
		t.Fatalf("write fragment 2: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != `{"foo":"bar"}` {
		t.Fatalf("unexpected reply: %s", buf[:n])
	}
}

func TestServerNeverRepliesToInvalidJSON(t *testing.T) {
	srv := startServer(t, ServerOptions{Handler: echoHandler(nil)})
	c := dialServer(t, srv, 200*time.Millisecond)

	// Unterminated string never decodes; the server keeps buffering and the
	// client read deadline fires.
	if c.conn == nil {
		t.Fatal("client not connected")
	}
	if _, err := c.conn.Write([]byte(`{"foo":"ba}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := c.read()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestServerConvertsHandlerErrorsToNull(t *testing.T) {
	failing := func(_ context.Context, _ any) (string, error) {
		return "", errors.New("boom")
	}
	srv := startServer(t, ServerOptions{Handler: failing})
	c := dialServer(t, srv, time.Second)

	// Three consecutive errors, same connection stays open throughout.
	for i := 0; i < 3; i++ {
		resp, err := c.Send(map[string]int{"n": i})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if string(resp) != "null" {
			t.Fatalf("send %d: expected null, got %s", i, resp)
		}
	}
}

func TestMemoKeyIsInsertionOrderIndependent(t *testing.T) {
	var a, b any
	if err := json.Unmarshal([]byte(`{"x":1,"y":2}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"y":2,"x":1}`), &b); err != nil {
		t.Fatal(err)
	}
	if memoKey(a) != memoKey(b) {
		t.Fatalf("equivalent requests produced different keys: %q vs %q", memoKey(a), memoKey(b))
	}
}

func TestMemoCacheRespectsSizeCap(t *testing.T) {
	srv := NewCallbackServer(ServerOptions{Handler: echoHandler(nil), Memoized: true, MemoCacheSize: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		srv.handle(ctx, map[string]any{"i": float64(i)}, nil)
	}
	srv.memoMu.Lock()
	defer srv.memoMu.Unlock()
	if len(srv.memo) > 2 {
		t.Fatalf("cache exceeded cap: %d entries", len(srv.memo))
	}
}
