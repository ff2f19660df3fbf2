package nodesync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nodesync/nodesync/pkg/connection"
	"github.com/nodesync/nodesync/pkg/connection/gorillaws"
	"github.com/nodesync/nodesync/pkg/connection/gws"
	"github.com/nodesync/nodesync/pkg/connection/rews"
	"github.com/nodesync/nodesync/pkg/health"
	"github.com/nodesync/nodesync/pkg/localstore"
	"github.com/nodesync/nodesync/pkg/logger"
	"github.com/nodesync/nodesync/pkg/outbox"
	"github.com/nodesync/nodesync/pkg/synchronizer"
)

// Config describes one device replica.
type Config struct {
	// ServerURL is the http(s) or ws(s) base URL of the server.
	ServerURL string
	// Token is the device token issued at provisioning.
	Token string
	// DataPath is the bbolt file holding the replica.
	DataPath string
	Identity outbox.Identity
	// Transport is "gorilla" (default) or "gws".
	Transport string

	PullInterval  time.Duration
	ProbeInterval time.Duration
	FlushInterval time.Duration
	// RetryInitial and RetryMax bound the reconnect backoff.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

type Option func(*Client)

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithRegistries shares connection actors and health probers with other
// clients opened on the same registries. Clients of one process share the
// package registries by default.
func WithRegistries(actors *rews.Registry, probers *health.Registry) Option {
	return func(c *Client) {
		c.actors = actors
		c.probers = probers
	}
}

var (
	defaultActors  = rews.NewRegistry()
	defaultProbers = health.NewRegistry()
)

// WithDenialHandler is called with mutations the server refused for good.
func WithDenialHandler(h synchronizer.DenialHandler) Option {
	return func(c *Client) { c.onDenied = h }
}

// Client wires the local store, the outbox, the connection actor, the health
// prober and the synchronizer of one device.
type Client struct {
	cfg      Config
	log      logger.Logger
	onDenied synchronizer.DenialHandler

	store  *localstore.Store
	outbox *outbox.Outbox
	prober *health.Prober
	actor  *rews.Actor
	// actorKey and probeURL are the registry keys held by this client.
	actorKey string
	probeURL string
	actors   *rews.Registry
	probers  *health.Registry
	sync     *synchronizer.Synchronizer
	sender   *synchronizer.MutationSender
}

// Open opens the replica at cfg.DataPath and acquires the connection actor
// of the device account and the health prober of the server domain. The
// actor dials once the domain is probed available.
func Open(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("nodesync: server url not set")
	}
	if cfg.DataPath == "" {
		return nil, errors.New("nodesync: data path not set")
	}
	u, err := url.ParseRequestURI(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("nodesync: invalid server url: %w", err)
	}
	if cfg.PullInterval == 0 {
		cfg.PullInterval = 30 * time.Second
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 30 * time.Second
	}

	c := &Client{cfg: cfg, log: logger.Nop{}, actors: defaultActors, probers: defaultProbers}
	for _, opt := range opts {
		opt(c)
	}

	store, err := localstore.Open(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	c.store = store
	c.outbox = outbox.New(store, cfg.Identity, outbox.WithLogger(c.log))

	connCfg := connection.NewConfig(u)
	connCfg.Token = cfg.Token
	connCfg.Logger = c.log

	dial, err := dialer(cfg.Transport, connCfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	c.probeURL = connCfg.HTTPBaseURL()
	c.prober = c.probers.Acquire(c.probeURL,
		health.WithInterval(cfg.ProbeInterval),
		health.WithLogger(c.log),
	)
	c.actorKey = connCfg.BaseURL + "#" + cfg.Identity.DeviceID.String()
	c.actor = c.actors.Acquire(c.actorKey, func() *rews.Actor {
		return rews.New(c.actorKey, dial,
			rews.WithLogger(c.log),
			rews.WithAvailability(c.prober),
			rews.WithRetryer(rews.NewRetryer(cfg.RetryInitial, cfg.RetryMax)),
		)
	})

	c.sync = synchronizer.New(store, c.actor, cfg.Identity,
		synchronizer.WithLogger(c.log),
		synchronizer.WithAvailability(c.prober),
		synchronizer.WithInterval(cfg.PullInterval),
	)

	senderOpts := []synchronizer.SenderOption{
		synchronizer.WithSenderLogger(c.log),
		synchronizer.WithSenderAvailability(c.prober),
		synchronizer.WithFlushInterval(cfg.FlushInterval),
	}
	if c.onDenied != nil {
		senderOpts = append(senderOpts, synchronizer.WithDenialHandler(c.onDenied))
	}
	c.sender = synchronizer.NewMutationSender(c.outbox, c.actor, senderOpts...)
	return c, nil
}

func dialer(transport string, cfg *connection.Config) (rews.Dialer, error) {
	var newConn func(*connection.Config) connection.Connection
	switch transport {
	case "", "gorilla":
		newConn = func(p *connection.Config) connection.Connection { return gorillaws.New(p) }
	case "gws":
		newConn = func(p *connection.Config) connection.Connection { return gws.New(p) }
	default:
		return nil, fmt.Errorf("nodesync: unknown transport %q", transport)
	}
	return func(ctx context.Context) (connection.Connection, error) {
		conn := newConn(cfg)
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}, nil
}

// Outbox is where local writes are made.
func (c *Client) Outbox() *outbox.Outbox { return c.outbox }

// Store gives read access to the replica.
func (c *Client) Store() *localstore.Store { return c.store }

func (c *Client) Synchronizer() *synchronizer.Synchronizer { return c.sync }

// Connected reports whether the connection to the server is open.
func (c *Client) Connected() bool { return !c.actor.IsClosed() }

// Run pulls and pushes until ctx is done or a component fails.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.sync.Run(ctx) })
	g.Go(func() error { return c.sender.Run(ctx) })
	return g.Wait()
}

// Close releases the connection actor and the health prober and closes the
// replica. The actor stops once no other client holds it. Run must have
// returned, or be about to, before Close is called.
func (c *Client) Close(ctx context.Context) error {
	err := c.actors.Release(ctx, c.actorKey)
	c.probers.Release(c.probeURL)
	return errors.Join(err, c.store.Close())
}
