// Package connection defines the client side of the RPC protocol spoken over
// WebSocket: CBOR request and response frames correlated by id, and push
// notifications without id.
//
// Implementations live in subpackages. gorillaws provides a single
// connection; rews wraps connections into a reconnecting per-account actor.
package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/logger"
)

type Connection interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	// Send encodes params, sends a request and waits for its response. An
	// error member in the response is returned as *RPCError.
	Send(ctx context.Context, method string, params any) (*RPCResponse[cbor.RawMessage], error)
	// Notifications delivers push notifications received on the connection.
	Notifications() <-chan Notification
	IsClosed() bool
	GetUnmarshaler() codec.Unmarshaler
}

// Toolkit carries the state shared by connection implementations: codecs
// and the table of outstanding requests.
type Toolkit struct {
	BaseURL     string
	Token       string
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	Logger      logger.Logger

	ResponseChannels     map[string]chan RPCResponse[cbor.RawMessage]
	ResponseChannelsLock sync.RWMutex

	NotificationChannel chan Notification
}

// NewToolkit creates a Toolkit from a Config.
func NewToolkit(p *Config) Toolkit {
	l := p.Logger
	if l == nil {
		l = logger.Nop{}
	}
	return Toolkit{
		BaseURL:             p.BaseURL,
		Token:               p.Token,
		Marshaler:           p.Marshaler,
		Unmarshaler:         p.Unmarshaler,
		Logger:              l,
		ResponseChannels:    make(map[string]chan RPCResponse[cbor.RawMessage]),
		NotificationChannel: make(chan Notification, 64),
	}
}

func (tk *Toolkit) CreateResponseChannel(id string) (chan RPCResponse[cbor.RawMessage], error) {
	tk.ResponseChannelsLock.Lock()
	defer tk.ResponseChannelsLock.Unlock()

	if _, ok := tk.ResponseChannels[id]; ok {
		return nil, fmt.Errorf("%w: %v", constants.ErrIDInUse, id)
	}

	ch := make(chan RPCResponse[cbor.RawMessage], 1)
	tk.ResponseChannels[id] = ch

	return ch, nil
}

func (tk *Toolkit) GetResponseChannel(id string) (chan RPCResponse[cbor.RawMessage], bool) {
	tk.ResponseChannelsLock.RLock()
	defer tk.ResponseChannelsLock.RUnlock()
	ch, ok := tk.ResponseChannels[id]
	return ch, ok
}

func (tk *Toolkit) RemoveResponseChannel(id string) {
	tk.ResponseChannelsLock.Lock()
	defer tk.ResponseChannelsLock.Unlock()
	delete(tk.ResponseChannels, id)
}

func (tk *Toolkit) Notifications() <-chan Notification {
	return tk.NotificationChannel
}

// PushNotification queues n for the consumer. Notifications are hints, so
// one is dropped when the consumer falls behind.
func (tk *Toolkit) PushNotification(n Notification) {
	select {
	case tk.NotificationChannel <- n:
	default:
		tk.Logger.Debug("connection.Toolkit dropped notification", "stream", n.Stream, "cursor", n.Cursor)
	}
}

func (tk *Toolkit) GetUnmarshaler() codec.Unmarshaler {
	return tk.Unmarshaler
}

// PreConnectionChecks validates the toolkit before dialing.
func (tk *Toolkit) PreConnectionChecks() error {
	if tk.BaseURL == "" {
		return constants.ErrNoBaseURL
	}

	if tk.Marshaler == nil {
		return constants.ErrNoMarshaler
	}

	if tk.Unmarshaler == nil {
		return constants.ErrNoUnmarshaler
	}

	return nil
}
