// Package synchronizer keeps the local replica in step with the server.
//
// Each stream of the workspace is pulled by its own goroutine driving an
// idle → waiting → processing → idle state machine. Pulled items are applied
// in server order, each in the same local transaction as its cursor advance,
// so the persisted cursor always names the last applied item. The
// MutationSender drains the outbox in the other direction.
package synchronizer

import (
	"context"
	"sync"
	"time"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/connection"
	"github.com/nodesync/nodesync/pkg/connection/rews"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/localstore"
	"github.com/nodesync/nodesync/pkg/logger"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/outbox"
)

// Transport is a connection that reports its open and close events, such as
// a rews.Actor.
type Transport interface {
	connection.Connection
	Subscribe(ctx context.Context) (<-chan rews.Event, error)
}

// Availability reports whether the server was last probed healthy.
type Availability interface {
	Available() bool
}

type Option func(*Synchronizer)

func WithLogger(l logger.Logger) Option {
	return func(s *Synchronizer) { s.log = l }
}

// WithInterval sets the periodic pull interval of every stream.
func WithInterval(d time.Duration) Option {
	return func(s *Synchronizer) { s.interval = d }
}

func WithPullLimit(n int) Option {
	return func(s *Synchronizer) { s.limit = n }
}

func WithAvailability(av Availability) Option {
	return func(s *Synchronizer) { s.avail = av }
}

// WithProcessor replaces the processor of one stream.
func WithProcessor(stream models.Stream, p Processor) Option {
	return func(s *Synchronizer) { s.processors[stream] = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

type Synchronizer struct {
	store      *localstore.Store
	conn       Transport
	avail      Availability
	id         outbox.Identity
	processors map[models.Stream]Processor
	interval   time.Duration
	limit      int
	now        func() time.Time
	log        logger.Logger

	streams map[models.Stream]*streamSync
}

func New(store *localstore.Store, conn Transport, id outbox.Identity, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:      store,
		conn:       conn,
		id:         id,
		processors: DefaultProcessors(),
		interval:   30 * time.Second,
		limit:      constants.DefaultPullLimit,
		now:        codec.Now,
		log:        logger.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.streams = make(map[models.Stream]*streamSync, len(models.Streams))
	for _, stream := range models.Streams {
		if p, ok := s.processors[stream]; ok {
			s.streams[stream] = newStreamSync(s, stream, p)
		}
	}
	return s
}

// ready reports whether pulls may be sent: the connection is open and the
// server was probed available.
func (s *Synchronizer) ready() error {
	if s.avail != nil && !s.avail.Available() {
		return constants.ErrUnavailable
	}
	if s.conn.IsClosed() {
		return constants.ErrNotConnected
	}
	return nil
}

// Run pulls every stream until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	events, err := s.conn.Subscribe(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, ss := range s.streams {
		wg.Add(1)
		go func(ss *streamSync) {
			defer wg.Done()
			ss.run(ctx)
		}(ss)
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return constants.ErrActorClosed
			}
			s.handle(ev)
		}
	}
}

func (s *Synchronizer) handle(ev rews.Event) {
	switch ev.Type {
	case rews.EventOpen:
		for _, ss := range s.streams {
			ss.signal(signalOpen)
		}
	case rews.EventClose:
		for _, ss := range s.streams {
			ss.signal(signalClose)
		}
	case rews.EventNotification:
		n := ev.Notification
		if n.WorkspaceID != s.id.WorkspaceID {
			return
		}
		if ss, ok := s.streams[n.Stream]; ok {
			ss.signal(signalHint)
		}
	}
}

// PullOnce pulls one page of a stream. It is meant for callers that drive
// synchronization themselves instead of calling Run.
func (s *Synchronizer) PullOnce(ctx context.Context, stream models.Stream) (bool, error) {
	ss, ok := s.streams[stream]
	if !ok {
		return false, constants.ErrInvalidStream
	}
	return ss.pull(ctx)
}

// State returns the state machine state of a stream.
func (s *Synchronizer) State(stream models.Stream) string {
	if ss, ok := s.streams[stream]; ok {
		return ss.fsm.Current()
	}
	return ""
}

// Cursor returns the persisted cursor of a stream.
func (s *Synchronizer) Cursor(stream models.Stream) (string, error) {
	var cursor string
	err := s.store.View(func(tx *localstore.Tx) error {
		var err error
		cursor, err = tx.GetCursor(StreamKey(s.id.WorkspaceID, stream))
		return err
	})
	return cursor, err
}
