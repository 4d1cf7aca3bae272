package tcp

import (
	"crypto/hmac"
	"encoding/gob"
	"fmt"
	"net"
)

// The pool and its worker subprocesses exchange native messages over a
// unix-domain socket, gob-framed. The first message on every connection is a
// hello carrying the server's auth key; a subprocess that fails the key check
// is disconnected before it sees any work.

type ipcHello struct {
	AuthKey []byte
}

type ipcRequest struct {
	Payload []byte // raw JSON of the decoded client request
}

type ipcResponse struct {
	Body string
}

type ipcConn struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newIPCConn(conn net.Conn) *ipcConn {
	return &ipcConn{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

func (c *ipcConn) Close() error { return c.conn.Close() }

func (c *ipcConn) sendHello(authKey []byte) error {
	return c.enc.Encode(ipcHello{AuthKey: authKey})
}

func (c *ipcConn) expectHello(authKey []byte) error {
	var hello ipcHello
	if err := c.dec.Decode(&hello); err != nil {
		return fmt.Errorf("reading worker hello: %w", err)
	}
	if !hmac.Equal(hello.AuthKey, authKey) {
		return fmt.Errorf("worker auth key mismatch")
	}
	return nil
}

func (c *ipcConn) sendRequest(payload []byte) error {
	return c.enc.Encode(ipcRequest{Payload: payload})
}

func (c *ipcConn) recvRequest() ([]byte, error) {
	var req ipcRequest
	if err := c.dec.Decode(&req); err != nil {
		return nil, err
	}
	return req.Payload, nil
}

func (c *ipcConn) sendResponse(body string) error {
	return c.enc.Encode(ipcResponse{Body: body})
}

func (c *ipcConn) recvResponse() (string, error) {
	var resp ipcResponse
	if err := c.dec.Decode(&resp); err != nil {
		return "", err
	}
	return resp.Body, nil
}
