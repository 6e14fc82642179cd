package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// framer moves one encoded JSON-RPC message at a time. readFrame is only
// called from the connection's reader goroutine.
type framer interface {
	readFrame() ([]byte, error)
	writeFrame(ctx context.Context, b []byte) error
	close() error
}

// wsFramer carries one message per websocket text frame.
type wsFramer struct{ conn *websocket.Conn }

func (f wsFramer) readFrame() ([]byte, error) {
	_, data, err := f.conn.ReadMessage()
	return data, err
}

func (f wsFramer) writeFrame(ctx context.Context, b []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = f.conn.SetWriteDeadline(dl)
		defer f.conn.SetWriteDeadline(time.Time{})
	}
	return f.conn.WriteMessage(websocket.TextMessage, b)
}

func (f wsFramer) close() error { return f.conn.Close() }

// lineFramer carries newline-delimited JSON over a child process's pipes.
type lineFramer struct {
	dec *json.Decoder
	r   io.ReadCloser
	w   io.WriteCloser
}

func (f lineFramer) readFrame() ([]byte, error) {
	var raw json.RawMessage
	if err := f.dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (f lineFramer) writeFrame(_ context.Context, b []byte) error {
	_, err := f.w.Write(append(b, '\n'))
	return err
}

func (f lineFramer) close() error { return errors.Join(f.r.Close(), f.w.Close()) }

// rpcTransport hands out its single connection; the SDK connects once per
// transport.
type rpcTransport struct{ conn *rpcConn }

func (t *rpcTransport) Connect(context.Context) (sdk.Connection, error) { return t.conn, nil }

// newWebSocketTransport wraps an established websocket. The agent dials with
// it and the policy server accepts with it.
func newWebSocketTransport(conn *websocket.Conn) sdk.Transport {
	return &rpcTransport{conn: newRPCConn(wsFramer{conn: conn})}
}

func newCommandTransport(stdout io.ReadCloser, stdin io.WriteCloser) sdk.Transport {
	return &rpcTransport{conn: newRPCConn(lineFramer{dec: json.NewDecoder(stdout), r: stdout, w: stdin})}
}

type inbound struct {
	msg jsonrpc.Message
	err error
}

// rpcConn implements sdk.Connection over a framer. A reader goroutine
// decodes frames so Read can honour ctx; writes are serialized.
type rpcConn struct {
	f        framer
	incoming chan inbound
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newRPCConn(f framer) *rpcConn {
	c := &rpcConn{f: f, incoming: make(chan inbound, 1), done: make(chan struct{})}
	go c.readLoop()
	return c
}

func (c *rpcConn) readLoop() {
	defer close(c.incoming)
	for {
		data, err := c.f.readFrame()
		if err != nil {
			c.deliver(inbound{err: err})
			return
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if !c.deliver(inbound{msg: msg, err: err}) || err != nil {
			return
		}
	}
}

// deliver returns false once the connection is closed.
func (c *rpcConn) deliver(in inbound) bool {
	select {
	case c.incoming <- in:
		return true
	case <-c.done:
		return false
	}
}

func (c *rpcConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	case in, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return in.msg, in.err
	}
}

func (c *rpcConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.f.writeFrame(ctx, data)
}

func (c *rpcConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.f.close()
	})
	return c.closeErr
}

func (c *rpcConn) SessionID() string { return "" }
