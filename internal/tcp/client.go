package tcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Client errors, by kind. Callers that retry distinguish timeouts from lost
// connections from malformed exchanges.
var (
	ErrTimeout    = errors.New("tcp: read timed out")
	ErrConnection = errors.New("tcp: connection lost")
	ErrProtocol   = errors.New("tcp: connection closed before a complete JSON value")
)

const (
	defaultBufferSize  = 1 << 13
	defaultReadTimeout = 5 * time.Second
	connectTimeout     = 3 * time.Second
)

// Client is a blocking request/response client for the framed-JSON protocol:
// both directions carry exactly one UTF-8 JSON value per exchange, with no
// explicit length framing. The reader accumulates bytes and retries decoding
// after every chunk.
type Client struct {
	host        string
	port        int
	readTimeout time.Duration
	bufferSize  int
	conn        net.Conn
}

// ClientOption adjusts a Client at construction.
type ClientOption func(*Client)

// WithTimeout sets the per-request read deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.readTimeout = d }
}

// WithBufferSize sets the receive chunk size.
func WithBufferSize(n int) ClientOption {
	return func(c *Client) { c.bufferSize = n }
}

// Dial connects to a backend service.
func Dial(host string, port int, opts ...ClientOption) (*Client, error) {
	c := &Client{
		host:        host,
		port:        port,
		readTimeout: defaultReadTimeout,
		bufferSize:  defaultBufferSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s:%d: %v", ErrConnection, host, port, err)
	}
	c.conn = conn
	return c, nil
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Send marshals request, writes it, and blocks until a complete JSON value
// arrives or the read deadline elapses.
func (c *Client) Send(request any) (json.RawMessage, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if c.conn == nil {
		return nil, ErrConnection
	}
	if _, err := c.conn.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: writing to %s:%d: %v", ErrConnection, c.host, c.port, err)
	}
	return c.read()
}

func (c *Client) read() (json.RawMessage, error) {
	buf := make([]byte, c.bufferSize)
	var accumulated []byte
	deadline := time.Now().Add(c.readTimeout)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnection, err)
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			accumulated = append(accumulated, buf[:n]...)
			if trimmed := bytes.TrimSpace(accumulated); len(trimmed) > 0 && json.Valid(trimmed) {
				return json.RawMessage(trimmed), nil
			}
		}
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				return nil, fmt.Errorf("%w: reading from %s:%d", ErrTimeout, c.host, c.port)
			case errors.Is(err, io.EOF):
				return nil, fmt.Errorf("%w (%s:%d)", ErrProtocol, c.host, c.port)
			default:
				return nil, fmt.Errorf("%w: reading from %s:%d: %v", ErrConnection, c.host, c.port, err)
			}
		}
	}
}
