package tcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ServerOptions configures a CallbackServer.
type ServerOptions struct {
	Address string
	Port    int

	// Handler processes decoded requests. When Parallel is set the handler
	// runs inside worker subprocesses and must also be resolvable by
	// HandlerName through the registry.
	Handler     Handler
	HandlerName string

	// Memoized caches responses keyed by a canonical form of the decoded
	// request. Correct only for pure handlers.
	Memoized bool
	// MemoCacheSize caps the cache; 0 keeps the source semantics (unbounded).
	MemoCacheSize int

	BufferSize int

	// Parallel offloads handling to a pool of on-demand subprocesses.
	Parallel bool
	// Workers is the pool size; 0 means one per CPU.
	Workers int
	// WorkerIdleTimeout tears down a subprocess that has waited this long
	// for its next request.
	WorkerIdleTimeout time.Duration
}

// CallbackServer accepts TCP connections carrying framed-JSON requests and
// multiplexes them onto either the in-process handler or a subprocess pool.
// Responses on one connection are emitted in the order requests were decoded
// from it; across connections no order is promised.
type CallbackServer struct {
	opts ServerOptions

	memoMu sync.Mutex
	memo   map[string]string

	pool *workerPool

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	ready chan struct{}
	addr  net.Addr
}

// NewCallbackServer builds a server; call Run to serve.
func NewCallbackServer(opts ServerOptions) *CallbackServer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.WorkerIdleTimeout <= 0 {
		opts.WorkerIdleTimeout = 5 * time.Second
	}
	return &CallbackServer{
		opts:  opts,
		memo:  map[string]string{},
		conns: map[net.Conn]struct{}{},
		ready: make(chan struct{}),
	}
}

// Addr reports the bound listen address once Run has started accepting.
func (s *CallbackServer) Addr() net.Addr {
	<-s.ready
	return s.addr
}

// LiveWorkerSubprocesses reports the pool's current subprocess count; zero
// when the server is not parallel.
func (s *CallbackServer) LiveWorkerSubprocesses() int {
	if s.pool == nil {
		return 0
	}
	return s.pool.liveSubprocesses()
}

// Run serves until ctx is cancelled, then shuts down gracefully: stop
// accepting, drop client connections, cancel pool workers (killing their
// subprocesses), and remove the rendezvous socket.
func (s *CallbackServer) Run(ctx context.Context) error {
	if s.opts.Parallel {
		l, err := newExecLauncher(s.opts.HandlerName)
		if err != nil {
			return err
		}
		s.pool = newWorkerPool(l, s.opts.Workers, s.opts.WorkerIdleTimeout)
		s.pool.start(ctx)
		defer s.pool.shutdown()
	}
	return s.runWithPool(ctx)
}

// runWithPool is the accept loop; split out so tests can install a pool with
// a fake launcher before serving.
func (s *CallbackServer) runWithPool(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.opts.Address, s.opts.Port))
	if err != nil {
		return fmt.Errorf("binding %s:%d: %w", s.opts.Address, s.opts.Port, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.addr = ln.Addr()
	close(s.ready)

	slog.Info("Callback server listening",
		"addr", ln.Addr().String(),
		"parallel", s.opts.Parallel,
		"memoized", s.opts.Memoized,
	)

	var clients sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				clients.Wait()
				slog.Info("Callback server stopped")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.trackConn(conn, true)
		clients.Add(1)
		go func(conn net.Conn) {
			defer clients.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.serveConn(ctx, conn)
		}(conn)
	}
}

func (s *CallbackServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// serveConn accumulates bytes until they decode as one JSON value, handles
// the request, writes the response, and resets the buffer. A handler failure
// becomes the literal JSON null and the connection stays open.
func (s *CallbackServer) serveConn(ctx context.Context, conn net.Conn) {
	buf := make([]byte, s.opts.BufferSize)
	var accumulated []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			accumulated = append(accumulated, buf[:n]...)
			trimmed := bytes.TrimSpace(accumulated)
			var request any
			if len(trimmed) > 0 && json.Unmarshal(trimmed, &request) == nil {
				response := s.handle(ctx, request, trimmed)
				accumulated = accumulated[:0]
				if _, werr := conn.Write([]byte(response)); werr != nil {
					return
				}
			}
		}
		if err != nil {
			return // EOF or reset; incomplete buffers are simply dropped
		}
	}
}

func (s *CallbackServer) handle(ctx context.Context, request any, raw []byte) string {
	if !s.opts.Memoized {
		return s.dispatch(ctx, request, raw)
	}

	key := memoKey(request)
	s.memoMu.Lock()
	if cached, ok := s.memo[key]; ok {
		s.memoMu.Unlock()
		return cached
	}
	s.memoMu.Unlock()

	response := s.dispatch(ctx, request, raw)

	s.memoMu.Lock()
	if s.opts.MemoCacheSize > 0 && len(s.memo) >= s.opts.MemoCacheSize {
		for k := range s.memo {
			delete(s.memo, k)
			break
		}
	}
	s.memo[key] = response
	s.memoMu.Unlock()
	return response
}

func (s *CallbackServer) dispatch(ctx context.Context, request any, raw []byte) string {
	if s.pool != nil {
		body, err := s.pool.submit(ctx, raw)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Error("Worker dispatch failed", "error", err)
			}
			return "null"
		}
		return body
	}

	body, err := s.opts.Handler(ctx, request)
	if err != nil {
		slog.Error("Handler error", "error", err)
		return "null"
	}
	return body
}

// memoKey derives a deterministic string form of the decoded request.
// encoding/json sorts map keys, so equivalent objects share a key no matter
// the order their fields arrived in.
func memoKey(request any) string {
	b, err := json.Marshal(request)
	if err != nil {
		return fmt.Sprintf("%v", request)
	}
	return string(b)
}
