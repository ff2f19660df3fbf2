// Package gorillaws implements connection.Connection on gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	gorilla "github.com/gorilla/websocket"

	"github.com/nodesync/nodesync/internal/rand"
	"github.com/nodesync/nodesync/pkg/connection"
	"github.com/nodesync/nodesync/pkg/constants"
)

// DefaultDialer is the default gorilla dialer used by Connection.
//
// It uses the default gorilla dialer with the following modifications:
// - EnableCompression is set to true
// - Subprotocols is set to ["cbor"]
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{constants.Subprotocol},
}

type Option func(ws *Connection) error

type Connection struct {
	connection.Toolkit

	Conn *gorilla.Conn
	// connLock guards Conn. It is held only around reads of the pointer and
	// writes to the socket, never across a dial.
	connLock sync.Mutex

	// Timeout bounds the wait for a response once a request is written.
	// Zero leaves the deadline to the caller's context.
	Timeout time.Duration

	Option []Option

	// connCloseCh is closed when the connection goes away, which stops the
	// read loop and fails pending and future Sends.
	connCloseCh chan int

	connCloseError error

	// closed never goes back to false. Reconnecting means creating a new
	// Connection.
	closed  bool
	closeMu sync.Mutex
}

var _ connection.Connection = (*Connection)(nil)

func New(p *connection.Config) *Connection {
	return &Connection{
		Toolkit:     connection.NewToolkit(p),
		Timeout:     constants.DefaultWSTimeout,
		connCloseCh: make(chan int),
	}
}

// IsClosed reports whether the connection was closed or lost.
func (c *Connection) IsClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// Connect dials the server's RPC endpoint with the bearer token.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.PreConnectionChecks(); err != nil {
		return err
	}

	header := http.Header{}
	if c.Token != "" {
		header.Set(connection.AuthorizationHeader, connection.BearerPrefix+c.Token)
	}
	conn, res, err := DefaultDialer.DialContext(ctx, c.BaseURL+connection.RPCPath, header)
	if res != nil && res.Body != nil {
		defer res.Body.Close()
	}
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", constants.ErrUnauthenticated, err)
		}
		return err
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()

	c.Conn = conn

	for _, option := range c.Option {
		if err := option(c); err != nil {
			return err
		}
	}

	// The read loop runs until connCloseCh is closed or a read fails.
	go c.readLoop(conn)

	return nil
}

func (c *Connection) SetTimeOut(timeout time.Duration) *Connection {
	c.Option = append(c.Option, func(ws *Connection) error {
		ws.Timeout = timeout
		return nil
	})
	return c
}

func (c *Connection) SetCompression(compress bool) *Connection {
	c.Option = append(c.Option, func(ws *Connection) error {
		ws.Conn.EnableWriteCompression(compress)
		return nil
	})
	return c
}

// Close sends a close frame and closes the socket.
//
// The close frame write honours the deadline of ctx. The socket is closed
// even when the write fails or ctx is done.
func (c *Connection) Close(ctx context.Context) error {
	if !c.closeWithError(net.ErrClosed) {
		return nil
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()

	conn := c.Conn
	c.Conn = nil
	if conn == nil {
		return nil
	}

	writeErr := make(chan error, 1)

	go func() {
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetWriteDeadline(deadline); err != nil {
				writeErr <- fmt.Errorf("BUG: gorillaws.Connection.Close: failed to set write deadline: %w", err)
				return
			}
		}
		writeErr <- conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(constants.CloseMessageCode, ""))
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			c.Logger.Error("gorillaws.Connection failed to write close message", "error", err)
		}
	case <-ctx.Done():
	}

	return conn.Close()
}

// Send writes a request and waits for its response.
//
// ctx is wrapped with Timeout when it is set.
func (c *Connection) Send(ctx context.Context, method string, params any) (*connection.RPCResponse[cbor.RawMessage], error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	select {
	case <-c.connCloseCh:
		return nil, c.closeError()
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var raw cbor.RawMessage
	if params != nil {
		data, err := c.Marshaler.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		raw = data
	}

	id := rand.NewRequestID(constants.RequestIDLength)
	request := &connection.RPCRequest{
		ID:     id,
		Method: method,
		Params: raw,
	}

	responseChan, err := c.CreateResponseChannel(id)
	if err != nil {
		return nil, err
	}
	defer c.RemoveResponseChannel(id)

	if err := c.write(request); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", constants.ErrTimeout, method)
		}
		return nil, ctx.Err()
	case <-c.connCloseCh:
		return nil, c.closeError()
	case res := <-responseChan:
		if res.Error != nil {
			return nil, res.Error
		}
		return &res, nil
	}
}

func (c *Connection) write(v any) error {
	data, err := c.Marshaler.Marshal(v)
	if err != nil {
		return err
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.Conn == nil {
		return constants.ErrNotConnected
	}
	err = c.Conn.WriteMessage(gorilla.BinaryMessage, data)

	if errors.Is(err, gorilla.ErrCloseSent) {
		c.closeWithError(err)
	}

	return err
}

// closeWithError marks the connection closed. It reports false when it was
// already closed.
func (c *Connection) closeWithError(err error) bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return false
	}

	c.closed = true
	c.connCloseError = err
	close(c.connCloseCh)
	return true
}

func (c *Connection) closeError() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return fmt.Errorf("%w: %v", constants.ErrNotConnected, c.connCloseError)
}

func (c *Connection) readLoop(conn *gorilla.Conn) {
	for {
		select {
		case <-c.connCloseCh:
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.handleError(err) {
				return
			}
			continue
		}
		c.handleResponse(data)
	}
}

// handleError reports whether err ends the connection.
func (c *Connection) handleError(err error) bool {
	switch {
	case errors.Is(err, net.ErrClosed):
		c.closeWithError(net.ErrClosed)
		return true
	case gorilla.IsUnexpectedCloseError(err), gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway):
		c.closeWithError(io.ErrClosedPipe)
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		c.closeWithError(err)
		return true
	}

	c.Logger.Error("gorillaws.Connection read failed", "error", err)
	return false
}

func (c *Connection) handleResponse(data []byte) {
	var res connection.RPCResponse[cbor.RawMessage]
	if err := c.Unmarshaler.Unmarshal(data, &res); err != nil {
		c.Logger.Error("gorillaws.Connection received undecodable frame", "error", err)
		return
	}

	if res.ID != "" {
		responseChan, ok := c.GetResponseChannel(res.ID)
		if !ok {
			c.Logger.Debug("gorillaws.Connection dropped response without waiter", "id", res.ID)
			return
		}
		// Buffered with room for exactly this response.
		responseChan <- res
		return
	}

	if !res.IsNotification() {
		// Some errors carry no id; the request they belong to times out.
		c.Logger.Error("gorillaws.Connection received response without id", "error", fmt.Sprint(res.Error))
		return
	}

	var n connection.Notification
	if err := c.Unmarshaler.Unmarshal(*res.Result, &n); err != nil {
		c.Logger.Error("gorillaws.Connection received invalid notification", "error", err)
		return
	}
	c.PushNotification(n)
}
