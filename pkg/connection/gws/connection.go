// Package gws implements connection.Connection on lxzan/gws, the same
// WebSocket library the server uses.
package gws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/lxzan/gws"

	"github.com/nodesync/nodesync/internal/rand"
	"github.com/nodesync/nodesync/pkg/connection"
	"github.com/nodesync/nodesync/pkg/constants"
)

type Connection struct {
	connection.Toolkit

	conn     *gws.Conn
	connLock sync.Mutex

	Timeout time.Duration

	connCloseCh    chan struct{}
	connCloseError error
	closeOnce      sync.Once
}

var _ connection.Connection = (*Connection)(nil)

func New(p *connection.Config) *Connection {
	return &Connection{
		Toolkit:     connection.NewToolkit(p),
		Timeout:     constants.DefaultWSTimeout,
		connCloseCh: make(chan struct{}),
	}
}

type websocketHandler struct {
	conn *Connection
}

func (h *websocketHandler) OnOpen(*gws.Conn) {}

func (h *websocketHandler) OnClose(_ *gws.Conn, err error) {
	h.conn.closeWithError(err)
}

func (h *websocketHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *websocketHandler) OnPong(*gws.Conn, []byte) {}

func (h *websocketHandler) OnMessage(_ *gws.Conn, message *gws.Message) {
	defer message.Close()
	h.conn.handleResponse(message.Bytes())
}

// SetTimeout sets the timeout for RPC responses
func (c *Connection) SetTimeout(timeout time.Duration) *Connection {
	c.Timeout = timeout
	return c
}

func (c *Connection) IsClosed() bool {
	select {
	case <-c.connCloseCh:
		return true
	default:
		return false
	}
}

// Connect dials the RPC endpoint. The handshake is bounded by the deadline of
// ctx when it has one.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.PreConnectionChecks(); err != nil {
		return err
	}

	header := http.Header{
		"Sec-WebSocket-Protocol": []string{constants.Subprotocol},
	}
	if c.Token != "" {
		header.Set(connection.AuthorizationHeader, connection.BearerPrefix+c.Token)
	}
	option := &gws.ClientOption{
		Addr:          c.BaseURL + connection.RPCPath,
		RequestHeader: header,
		PermessageDeflate: gws.PermessageDeflate{
			Enabled: true,
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		option.HandshakeTimeout = time.Until(deadline)
	}

	conn, res, err := gws.NewClient(&websocketHandler{conn: c}, option)
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
	c.conn = conn
	c.connLock.Unlock()

	go conn.ReadLoop()

	return nil
}

// Close sends a close frame and closes the socket.
func (c *Connection) Close(context.Context) error {
	c.closeWithError(errors.New("closed by client"))

	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.conn == nil {
		return nil
	}
	if err := c.conn.WriteClose(constants.CloseMessageCode, nil); err != nil {
		c.Logger.Debug("gws.Connection failed to write close message", "error", err)
	}
	err := c.conn.NetConn().Close()
	c.conn = nil
	return err
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.connCloseError = err
		close(c.connCloseCh)
	})
}

func (c *Connection) closeError() error {
	return fmt.Errorf("%w: %v", constants.ErrNotConnected, c.connCloseError)
}

func (c *Connection) write(v any) error {
	data, err := c.Marshaler.Marshal(v)
	if err != nil {
		return err
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.conn == nil {
		return constants.ErrNotConnected
	}

	return c.conn.WriteMessage(gws.OpcodeBinary, data)
}

// Send writes a request and waits for its response.
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
	responseChan, err := c.CreateResponseChannel(id)
	if err != nil {
		return nil, err
	}
	defer c.RemoveResponseChannel(id)

	if err := c.write(&connection.RPCRequest{ID: id, Method: method, Params: raw}); err != nil {
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

func (c *Connection) handleResponse(data []byte) {
	var res connection.RPCResponse[cbor.RawMessage]
	if err := c.Unmarshaler.Unmarshal(data, &res); err != nil {
		c.Logger.Error("gws.Connection failed to unmarshal response", "error", err)
		return
	}

	if res.ID != "" {
		responseChan, ok := c.GetResponseChannel(res.ID)
		if !ok {
			c.Logger.Debug("gws.Connection dropped response without waiter", "id", res.ID)
			return
		}
		responseChan <- res
		return
	}

	if !res.IsNotification() {
		c.Logger.Error("gws.Connection received response without id", "error", fmt.Sprint(res.Error))
		return
	}

	var n connection.Notification
	if err := c.Unmarshaler.Unmarshal(*res.Result, &n); err != nil {
		c.Logger.Error("gws.Connection received invalid notification", "error", err)
		return
	}
	c.PushNotification(n)
}
