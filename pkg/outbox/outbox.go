// Package outbox records local mutations. Every mutator applies its effect to
// the local replica and appends the matching mutation to the outbox in the
// same local transaction, so neither can exist without the other.
package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/localstore"
	"github.com/nodesync/nodesync/pkg/logger"
	"github.com/nodesync/nodesync/pkg/models"
)

var (
	ErrNodeNotFound     = errors.New("outbox: node not found")
	ErrDocumentNotFound = errors.New("outbox: document not found")
)

// Identity is who the local replica writes as.
type Identity struct {
	WorkspaceID models.WorkspaceID
	UserID      models.UserID
	DeviceID    models.DeviceID
}

type Option func(*Outbox)

func WithLogger(l logger.Logger) Option {
	return func(o *Outbox) { o.log = l }
}

// WithClock replaces the time source used to stamp mutations.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// WithMaxAttempts sets how many retryable failures an entry may collect
// before it is moved to the rejected bucket.
func WithMaxAttempts(n int) Option {
	return func(o *Outbox) { o.maxAttempts = n }
}

// Outbox is safe for concurrent use; bbolt serializes its write transactions.
type Outbox struct {
	store       *localstore.Store
	id          Identity
	log         logger.Logger
	now         func() time.Time
	maxAttempts int
	pending     chan struct{}
}

func New(store *localstore.Store, id Identity, opts ...Option) *Outbox {
	o := &Outbox{
		store:       store,
		id:          id,
		log:         logger.Nop{},
		now:         codec.Now,
		maxAttempts: constants.DefaultMutationMaxAttempts,
		pending:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Outbox) Identity() Identity { return o.id }

// Pending is signalled after every committed enqueue.
func (o *Outbox) Pending() <-chan struct{} { return o.pending }

func (o *Outbox) signal() {
	select {
	case o.pending <- struct{}{}:
	default:
	}
}

// Enqueue validates data and appends it to the outbox within tx. Invalid
// payloads return models.ErrInvalidMutation and write nothing.
func (o *Outbox) Enqueue(tx *localstore.Tx, data models.MutationData) (*localstore.OutboxEntry, error) {
	now := o.now()
	m, err := models.NewMutation(data, now)
	if err != nil {
		return nil, err
	}
	entry, err := tx.AppendOutbox(m, data.TargetID(), now)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", m.Type, err)
	}
	return entry, nil
}

// update runs fn in one local transaction and signals the sender when it
// commits.
func (o *Outbox) update(fn func(tx *localstore.Tx) error) error {
	if err := o.store.Update(fn); err != nil {
		return err
	}
	o.signal()
	return nil
}

// PeekBatch returns up to n entries in enqueue order.
func (o *Outbox) PeekBatch(n int) ([]*localstore.OutboxEntry, error) {
	var batch []*localstore.OutboxEntry
	err := o.store.View(func(tx *localstore.Tx) error {
		var err error
		batch, err = tx.PeekOutbox(n)
		return err
	})
	return batch, err
}

// Drop removes acknowledged entries.
func (o *Outbox) Drop(ids ...models.MutationID) error {
	return o.store.Update(func(tx *localstore.Tx) error {
		return tx.DropOutbox(ids...)
	})
}

// Len returns the number of queued entries.
func (o *Outbox) Len() (int, error) {
	var n int
	err := o.store.View(func(tx *localstore.Tx) error {
		var err error
		n, err = tx.OutboxLen()
		return err
	})
	return n, err
}

// Ack summarizes how a batch of results was settled.
type Ack struct {
	Dropped  []models.MutationID
	Retry    []models.MutationID
	Rejected []*localstore.RejectedEntry
}

// Acknowledge settles server results. Successful entries are dropped; denials
// and other final failures are moved to the rejected bucket; retryable
// failures stay queued with their attempt counter incremented until
// MaxAttempts is reached.
func (o *Outbox) Acknowledge(results []models.MutationResult) (Ack, error) {
	var ack Ack
	now := o.now()
	err := o.store.Update(func(tx *localstore.Tx) error {
		for _, r := range results {
			entry, err := tx.GetOutbox(r.ID)
			if localstore.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}

			switch {
			case r.Status.IsSuccess():
				if err := tx.DropOutbox(r.ID); err != nil {
					return err
				}
				ack.Dropped = append(ack.Dropped, r.ID)
			case r.Status.IsRetryable() && entry.Attempts+1 < o.maxAttempts:
				entry.Attempts++
				entry.LastStatus = r.Status
				if err := tx.UpdateOutbox(entry); err != nil {
					return err
				}
				ack.Retry = append(ack.Retry, r.ID)
			default:
				entry.Attempts++
				if err := tx.RejectOutbox(entry, r.Status, now); err != nil {
					return err
				}
				ack.Rejected = append(ack.Rejected, &localstore.RejectedEntry{OutboxEntry: *entry, Status: r.Status, RejectedAt: now})
			}
		}
		return nil
	})
	if err != nil {
		return Ack{}, err
	}

	for _, r := range ack.Rejected {
		o.log.Warn("outbox.Outbox rejected mutation", "id", r.Mutation.ID, "type", r.Mutation.Type, "status", r.Status.String(), "attempts", r.Attempts)
	}
	return ack, nil
}

// Rejected lists mutations the server refused for good.
func (o *Outbox) Rejected() ([]*localstore.RejectedEntry, error) {
	var out []*localstore.RejectedEntry
	err := o.store.View(func(tx *localstore.Tx) error {
		var err error
		out, err = tx.ListRejected()
		return err
	})
	return out, err
}
