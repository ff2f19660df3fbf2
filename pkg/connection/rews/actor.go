// Package rews keeps one reconnecting WebSocket connection per account.
//
// An Actor owns the connection of one account. Its goroutine is the only
// code that dials, replaces or closes the socket; everything else reaches it
// through methods that post messages to that goroutine. Reconnects follow a
// jittered exponential backoff that resets on every successful open, and are
// attempted only while the server domain is reported available.
package rews

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/connection"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/logger"
	"github.com/nodesync/nodesync/pkg/metrics"
)

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (connection.Connection, error)

// Availability reports whether the server domain is reachable.
type Availability interface {
	Available() bool
}

type EventType int

const (
	EventOpen EventType = iota + 1
	EventClose
	EventNotification
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventNotification:
		return "notification"
	default:
		return "unknown"
	}
}

type Event struct {
	Type         EventType
	Notification connection.Notification
}

type Option func(*Actor)

func WithLogger(l logger.Logger) Option {
	return func(a *Actor) { a.log = l }
}

// WithAvailability gates dialing on a health signal.
func WithAvailability(av Availability) Option {
	return func(a *Actor) { a.avail = av }
}

func WithRetryer(r *Retryer) Option {
	return func(a *Actor) { a.retryer = r }
}

// WithCheckInterval sets how often the actor checks the connection and the
// availability of the server.
func WithCheckInterval(d time.Duration) Option {
	return func(a *Actor) { a.checkInterval = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(a *Actor) { a.dialTimeout = d }
}

func WithUnmarshaler(u codec.Unmarshaler) Option {
	return func(a *Actor) { a.unmarshaler = u }
}

// Actor is a reconnecting connection. It implements connection.Connection.
type Actor struct {
	key           string
	dial          Dialer
	avail         Availability
	retryer       *Retryer
	checkInterval time.Duration
	dialTimeout   time.Duration
	unmarshaler   codec.Unmarshaler
	log           logger.Logger

	inbox         chan any
	stop          chan struct{}
	done          chan struct{}
	stopOnce      sync.Once
	notifications chan connection.Notification

	// Owned by the loop goroutine.
	state       State
	conn        connection.Connection
	nextAttempt time.Time
	opened      bool
	subscribers []chan Event
}

var _ connection.Connection = (*Actor)(nil)

type (
	connRequest        struct{ reply chan connection.Connection }
	stateRequest       struct{ reply chan State }
	subscribeRequest   struct{ reply chan chan Event }
	unsubscribeRequest struct{ ch chan Event }
	connectRequest     struct{}
	dialResult         struct {
		conn connection.Connection
		err  error
	}
	brokenConn   struct{ conn connection.Connection }
	notification struct {
		conn connection.Connection
		n    connection.Notification
	}
)

// New starts the actor of key. It dials as soon as the server is available.
func New(key string, dial Dialer, opts ...Option) *Actor {
	a := &Actor{
		key:           key,
		dial:          dial,
		retryer:       NewRetryer(500*time.Millisecond, 30*time.Second),
		checkInterval: time.Second,
		dialTimeout:   10 * time.Second,
		unmarshaler:   codec.Default,
		log:           logger.Nop{},
		inbox:         make(chan any),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		notifications: make(chan connection.Notification, 64),
		state:         StateDisconnected,
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.loop()
	return a
}

func (a *Actor) Key() string { return a.key }

func (a *Actor) post(ctx context.Context, msg any) error {
	select {
	case a.inbox <- msg:
		return nil
	case <-a.done:
		return constants.ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (a *Actor) State() State {
	reply := make(chan State, 1)
	if err := a.post(context.Background(), stateRequest{reply: reply}); err != nil {
		return StateDisconnected
	}
	return <-reply
}

func (a *Actor) IsClosed() bool {
	return a.State() != StateConnected
}

// Connect asks the actor to dial now instead of waiting for the backoff
// delay. It does not wait for the connection to open; see WaitConnected.
func (a *Actor) Connect(ctx context.Context) error {
	return a.post(ctx, connectRequest{})
}

// WaitConnected blocks until the connection is open or ctx is done.
func (a *Actor) WaitConnected(ctx context.Context) error {
	events, err := a.Subscribe(ctx)
	if err != nil {
		return err
	}
	if a.State() == StateConnected {
		return nil
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return constants.ErrActorClosed
			}
			if ev.Type == EventOpen {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe returns a channel of connection events. The channel is closed
// when ctx is done or the actor stops. Events are dropped for subscribers
// that fall behind.
func (a *Actor) Subscribe(ctx context.Context) (<-chan Event, error) {
	reply := make(chan chan Event, 1)
	if err := a.post(ctx, subscribeRequest{reply: reply}); err != nil {
		return nil, err
	}
	ch := <-reply
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = a.post(context.Background(), unsubscribeRequest{ch: ch})
			case <-a.done:
			}
		}()
	}
	return ch, nil
}

func (a *Actor) Notifications() <-chan connection.Notification {
	return a.notifications
}

func (a *Actor) GetUnmarshaler() codec.Unmarshaler {
	return a.unmarshaler
}

// Send sends a request on the current connection. It fails with
// constants.ErrNotConnected while no connection is open.
func (a *Actor) Send(ctx context.Context, method string, params any) (*connection.RPCResponse[cbor.RawMessage], error) {
	reply := make(chan connection.Connection, 1)
	if err := a.post(ctx, connRequest{reply: reply}); err != nil {
		return nil, err
	}
	conn := <-reply
	if conn == nil {
		return nil, constants.ErrNotConnected
	}

	res, err := conn.Send(ctx, method, params)
	if err != nil && conn.IsClosed() {
		_ = a.post(context.Background(), brokenConn{conn: conn})
	}
	return res, err
}

// Close stops the actor and closes its connection.
func (a *Actor) Close(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stop) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) loop() {
	defer close(a.done)
	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()

	a.maybeDial()
	for {
		select {
		case <-a.stop:
			a.shutdown()
			return
		case msg := <-a.inbox:
			a.handle(msg)
		case <-ticker.C:
			if a.state == StateConnected && a.conn.IsClosed() {
				a.lost("connection closed")
			}
			a.maybeDial()
		}
	}
}

func (a *Actor) handle(msg any) {
	switch m := msg.(type) {
	case connRequest:
		if a.state == StateConnected {
			m.reply <- a.conn
		} else {
			m.reply <- nil
		}
	case stateRequest:
		m.reply <- a.state
	case subscribeRequest:
		ch := make(chan Event, 64)
		a.subscribers = append(a.subscribers, ch)
		m.reply <- ch
	case unsubscribeRequest:
		for i, ch := range a.subscribers {
			if ch == m.ch {
				a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	case connectRequest:
		a.nextAttempt = time.Time{}
		a.maybeDial()
	case dialResult:
		a.dialed(m.conn, m.err)
	case brokenConn:
		if m.conn == a.conn && a.state == StateConnected {
			a.lost("send failed on closed connection")
		}
	case notification:
		if m.conn != a.conn {
			return
		}
		select {
		case a.notifications <- m.n:
		default:
		}
		a.broadcast(Event{Type: EventNotification, Notification: m.n})
	}
}

func (a *Actor) transitionTo(newState State) {
	next, err := a.state.TransitionTo(newState)
	if err != nil {
		panic("BUG: " + err.Error())
	}
	a.state = next
	a.log.Debug("rews.Actor state transitioned", "key", a.key, "state", next)
}

func (a *Actor) maybeDial() {
	if a.state != StateDisconnected || time.Now().Before(a.nextAttempt) {
		return
	}
	if a.avail != nil && !a.avail.Available() {
		return
	}
	a.transitionTo(StateConnecting)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.dialTimeout)
		defer cancel()
		conn, err := a.dial(ctx)
		select {
		case a.inbox <- dialResult{conn: conn, err: err}:
		case <-a.done:
			if conn != nil {
				_ = conn.Close(context.Background())
			}
		}
	}()
}

func (a *Actor) dialed(conn connection.Connection, err error) {
	if a.state != StateConnecting {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
		return
	}
	if err != nil {
		a.transitionTo(StateDisconnected)
		delay := a.retryer.Next()
		a.nextAttempt = time.Now().Add(delay)
		level := a.log.Warn
		if errors.Is(err, constants.ErrUnauthenticated) {
			level = a.log.Error
		}
		level("rews.Actor failed to connect", "key", a.key, "retry_in", delay, "error", err)
		return
	}

	a.conn = conn
	a.transitionTo(StateConnected)
	a.retryer.Reset()
	if a.opened {
		metrics.IncReconnect()
	}
	a.opened = true
	a.log.Info("rews.Actor connected", "key", a.key)
	go a.forward(conn)
	a.broadcast(Event{Type: EventOpen})
}

// forward relays the notifications of conn into the actor until conn closes.
func (a *Actor) forward(conn connection.Connection) {
	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case n := <-conn.Notifications():
			select {
			case a.inbox <- notification{conn: conn, n: n}:
			case <-a.done:
				return
			}
		case <-ticker.C:
			if conn.IsClosed() {
				return
			}
		case <-a.done:
			return
		}
	}
}

func (a *Actor) lost(reason string) {
	conn := a.conn
	a.conn = nil
	a.transitionTo(StateDisconnected)
	delay := a.retryer.Next()
	a.nextAttempt = time.Now().Add(delay)
	a.log.Warn("rews.Actor lost connection", "key", a.key, "reason", reason, "retry_in", delay)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(ctx)
	}()
	a.broadcast(Event{Type: EventClose})
}

func (a *Actor) shutdown() {
	wasOpen := a.state == StateConnected
	a.transitionTo(StateDisconnecting)
	if a.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := a.conn.Close(ctx); err != nil {
			a.log.Debug("rews.Actor close failed", "key", a.key, "error", err)
		}
		cancel()
		a.conn = nil
	}
	a.transitionTo(StateDisconnected)
	if wasOpen {
		a.broadcast(Event{Type: EventClose})
	}
	for _, ch := range a.subscribers {
		close(ch)
	}
	a.subscribers = nil
}

func (a *Actor) broadcast(ev Event) {
	for _, ch := range a.subscribers {
		select {
		case ch <- ev:
		default:
			a.log.Debug("rews.Actor dropped event for slow subscriber", "key", a.key, "event", ev.Type)
		}
	}
}
