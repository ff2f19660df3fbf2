package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nodesync/nodesync/pkg/connection"
	"github.com/nodesync/nodesync/pkg/connection/rews"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/localstore"
	"github.com/nodesync/nodesync/pkg/logger"
	"github.com/nodesync/nodesync/pkg/outbox"
)

// DenialHandler receives mutations the server refused for authorization
// reasons. They are not retried.
type DenialHandler func(entries []*localstore.RejectedEntry)

type SenderOption func(*MutationSender)

func WithSenderLogger(l logger.Logger) SenderOption {
	return func(s *MutationSender) { s.log = l }
}

func WithBatchSize(n int) SenderOption {
	return func(s *MutationSender) { s.batch = n }
}

func WithDenialHandler(h DenialHandler) SenderOption {
	return func(s *MutationSender) { s.onDenied = h }
}

func WithSenderAvailability(av Availability) SenderOption {
	return func(s *MutationSender) { s.avail = av }
}

// WithBackOff sets the factory of the backoff used between failed flushes.
func WithBackOff(newBackOff func() backoff.BackOff) SenderOption {
	return func(s *MutationSender) { s.newBackOff = newBackOff }
}

// WithFlushInterval sets how often the outbox is flushed without a trigger.
func WithFlushInterval(d time.Duration) SenderOption {
	return func(s *MutationSender) { s.interval = d }
}

// MutationSender submits outbox entries in enqueue order and settles them
// with the returned statuses.
type MutationSender struct {
	outbox     *outbox.Outbox
	conn       Transport
	avail      Availability
	batch      int
	interval   time.Duration
	onDenied   DenialHandler
	newBackOff func() backoff.BackOff
	log        logger.Logger
}

func NewMutationSender(o *outbox.Outbox, conn Transport, opts ...SenderOption) *MutationSender {
	s := &MutationSender{
		outbox:   o,
		conn:     conn,
		batch:    constants.DefaultMutationBatchSize,
		interval: 30 * time.Second,
		log:      logger.Nop{},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 5 * time.Minute
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// errRetry reports that some entries of a batch got a retryable status.
var errRetry = errors.New("mutations need to be retried")

// Run flushes the outbox whenever it grows, the connection opens, or the
// flush interval elapses.
func (s *MutationSender) Run(ctx context.Context) error {
	events, err := s.conn.Subscribe(ctx)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.flushWithRetry(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return constants.ErrActorClosed
			}
			if ev.Type != rews.EventOpen {
				continue
			}
		case <-s.outbox.Pending():
		case <-ticker.C:
		}
		s.flushWithRetry(ctx)
	}
}

func (s *MutationSender) flushWithRetry(ctx context.Context) {
	err := backoff.RetryNotify(
		func() error { return s.Flush(ctx) },
		backoff.WithContext(s.newBackOff(), ctx),
		func(err error, d time.Duration) {
			s.log.Debug("synchronizer.MutationSender retrying flush", "retry_in", d, "error", err)
		},
	)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("synchronizer.MutationSender flush failed", "error", err)
	}
}

// Flush submits queued mutations batch by batch until the outbox is empty.
// Failures that only a new connection can fix are returned as
// backoff.Permanent.
func (s *MutationSender) Flush(ctx context.Context) error {
	if s.avail != nil && !s.avail.Available() {
		return backoff.Permanent(constants.ErrUnavailable)
	}

	for {
		entries, err := s.outbox.PeekBatch(s.batch)
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(entries) == 0 {
			return nil
		}

		req := &connection.MutateRequest{WorkspaceID: s.outbox.Identity().WorkspaceID}
		for _, e := range entries {
			req.Mutations = append(req.Mutations, e.Mutation)
		}

		res, err := connection.Mutate(s.conn, ctx, req)
		if err != nil {
			if errors.Is(err, constants.ErrNotConnected) || errors.Is(err, constants.ErrActorClosed) || errors.Is(err, constants.ErrUnauthenticated) {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("mutate: %w", err)
		}

		ack, err := s.outbox.Acknowledge(res.Results)
		if err != nil {
			return backoff.Permanent(err)
		}

		if len(ack.Dropped)+len(ack.Retry)+len(ack.Rejected) == 0 {
			return backoff.Permanent(fmt.Errorf("mutate: no result matched a queued mutation"))
		}

		var denied []*localstore.RejectedEntry
		for _, r := range ack.Rejected {
			if r.Status.IsDenial() {
				denied = append(denied, r)
			}
		}
		if len(denied) > 0 && s.onDenied != nil {
			s.onDenied(denied)
		}

		if len(ack.Retry) > 0 {
			return fmt.Errorf("%w: %d of %d", errRetry, len(ack.Retry), len(entries))
		}
	}
}
