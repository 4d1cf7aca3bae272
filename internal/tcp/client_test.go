package tcp

import (
	"errors"
	"net"
	"testing"
	"time"
)

// startRawListener runs serve against each accepted connection.
func startRawListener(t *testing.T, serve func(conn net.Conn)) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestClientSendReceivesWholeJSONValue(t *testing.T) {
	host, port := startRawListener(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		if n == 0 {
			return
		}
		conn.Write([]byte(`{"use_count":{"socket":3}}`))
	})

	c, err := Dial(host, port)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Send(map[string]string{"code": "abc"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(resp) != `{"use_count":{"socket":3}}` {
		t.Fatalf("unexpected response: %s", resp)
	}
}

func TestClientAccumulatesFragmentedResponse(t *testing.T) {
	host, port := startRawListener(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 1024)
		if n, _ := conn.Read(buf); n == 0 {
			return
		}
		conn.Write([]byte(`{"impact":`))
		time.Sleep(50 * time.Millisecond)
		conn.Write([]byte(`1}`))
	})

	c, err := Dial(host, port)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Send(map[string]string{"module": "requests"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(resp) != `{"impact":1}` {
		t.Fatalf("unexpected response: %s", resp)
	}
}

func TestClientTimesOutOnSilentServer(t *testing.T) {
	host, port := startRawListener(t, func(conn net.Conn) {
		// Read the request, never answer.
		buf := make([]byte, 1024)
		conn.Read(buf)
		time.Sleep(5 * time.Second)
		conn.Close()
	})

	c, err := Dial(host, port, WithTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.Send(map[string]string{"module": "x"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestClientProtocolErrorOnEarlyClose(t *testing.T) {
	host, port := startRawListener(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		conn.Read(buf)
		conn.Write([]byte(`{"partial":`)) // never completes
		conn.Close()
	})

	c, err := Dial(host, port, WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.Send(map[string]string{})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}
