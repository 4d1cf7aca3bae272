package tcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// AuthKeyEnv passes the rendezvous auth key to worker subprocesses
// out-of-band (never on the command line).
const AuthKeyEnv = "SKILLSCAN_WORKER_AUTHKEY"

const launchAcceptTimeout = 30 * time.Second

// subprocessLink is one live worker subprocess plus its IPC connection.
// Close is idempotent and best-effort.
type subprocessLink struct {
	ipc  *ipcConn
	cmd  *exec.Cmd
	once sync.Once
}

func (l *subprocessLink) send(payload []byte) (string, error) {
	if err := l.ipc.sendRequest(payload); err != nil {
		return "", fmt.Errorf("forwarding request to worker: %w", err)
	}
	body, err := l.ipc.recvResponse()
	if err != nil {
		return "", fmt.Errorf("reading worker response: %w", err)
	}
	return body, nil
}

func (l *subprocessLink) close() {
	l.once.Do(func() {
		_ = l.ipc.Close()
		if l.cmd != nil && l.cmd.Process != nil {
			_ = l.cmd.Process.Kill()
			_ = l.cmd.Wait()
		}
	})
}

// launcher produces worker subprocesses. The exec implementation owns the
// rendezvous socket; tests substitute an in-process fake.
type launcher interface {
	launch(ctx context.Context) (*subprocessLink, error)
	close()
}

// execLauncher spawns `skillscan worker` subprocesses that connect back over
// a unix-domain rendezvous socket. Launches are serialized: one accept per
// launch request, so a connecting process is always paired with the launch
// that spawned it.
type execLauncher struct {
	socketPath  string
	handlerName string
	authKey     []byte

	mu       sync.Mutex
	listener net.Listener
}

// rendezvousPath tags the socket path with the pid so multiple servers can
// coexist on one host, falling back to the user temp dir when /var/run is
// not writable.
func rendezvousPath() string {
	name := fmt.Sprintf("skillscan.worker.%d.sock", os.Getpid())
	path := filepath.Join("/var/run", name)
	if f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0o600); err == nil {
		f.Close()
		os.Remove(path)
		return path
	}
	return filepath.Join(os.TempDir(), name)
}

func newExecLauncher(handlerName string) (*execLauncher, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating worker auth key: %w", err)
	}
	path := rendezvousPath()
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("binding rendezvous socket %s: %w", path, err)
	}
	return &execLauncher{
		socketPath:  path,
		handlerName: handlerName,
		authKey:     key,
		listener:    ln,
	}, nil
}

func (e *execLauncher) launch(ctx context.Context) (*subprocessLink, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, self, "worker",
		"--socket", e.socketPath,
		"--handler", e.handlerName,
	)
	cmd.Env = append(os.Environ(), AuthKeyEnv+"="+hex.EncodeToString(e.authKey))
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning worker subprocess: %w", err)
	}

	if ul, ok := e.listener.(*net.UnixListener); ok {
		_ = ul.SetDeadline(time.Now().Add(launchAcceptTimeout))
	}
	conn, err := e.listener.Accept()
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("accepting worker connection: %w", err)
	}

	ipc := newIPCConn(conn)
	if err := ipc.expectHello(e.authKey); err != nil {
		_ = ipc.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("authenticating worker: %w", err)
	}

	slog.Debug("Worker subprocess launched", "pid", cmd.Process.Pid, "handler", e.handlerName)
	return &subprocessLink{ipc: ipc, cmd: cmd}, nil
}

func (e *execLauncher) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		_ = e.listener.Close()
		e.listener = nil
	}
	_ = os.Remove(e.socketPath)
}
