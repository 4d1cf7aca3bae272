package tcp

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
)

// RunWorker is the entry point of a worker subprocess (`skillscan worker`).
// It connects to the pool's rendezvous socket, authenticates with the key
// passed via the environment, and serves requests until the connection is
// closed by the parent.
func RunWorker(ctx context.Context, socketPath, handlerName string) error {
	keyHex := os.Getenv(AuthKeyEnv)
	if keyHex == "" {
		return fmt.Errorf("missing %s in environment", AuthKeyEnv)
	}
	authKey, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("decoding auth key: %w", err)
	}

	handler, ok := LookupHandler(handlerName)
	if !ok {
		return fmt.Errorf("unknown handler %q (registered: %v)", handlerName, HandlerNames())
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connecting to rendezvous socket %s: %w", socketPath, err)
	}
	ipc := newIPCConn(conn)
	defer ipc.Close()

	if err := ipc.sendHello(authKey); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	slog.Debug("Worker connected", "handler", handlerName, "pid", os.Getpid())

	for {
		payload, err := ipc.recvRequest()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil // parent closed the link; normal teardown
			}
			return fmt.Errorf("receiving request: %w", err)
		}

		var request any
		response := "null"
		if err := json.Unmarshal(payload, &request); err != nil {
			slog.Error("Worker received undecodable payload", "error", err)
		} else if body, err := handler(ctx, request); err != nil {
			slog.Error("Handler error in worker", "error", err)
		} else {
			response = body
		}

		if err := ipc.sendResponse(response); err != nil {
			return fmt.Errorf("sending response: %w", err)
		}
	}
}
