// Package processor applies client mutations to the authoritative store.
//
// Every mutation yields exactly one models.Status; nothing escapes the
// processor as an error or a panic. An accepted mutation commits its effect,
// one change record and a mutation receipt in a single transaction. A
// redelivered mutation is answered from its receipt without being applied
// again.
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/fanout"
	"github.com/nodesync/nodesync/pkg/logger"
	"github.com/nodesync/nodesync/pkg/metrics"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

// serverWriter is the document writer id used for edits made by the server.
const serverWriter = "server"

// Actor is the authenticated author of a batch of mutations.
type Actor struct {
	AccountID   models.AccountID
	DeviceID    models.DeviceID
	WorkspaceID models.WorkspaceID
	UserID      models.UserID
}

type Option func(*Processor)

func WithLogger(l logger.Logger) Option {
	return func(p *Processor) { p.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithCascadeBatchSize sets how many descendants one cascade transaction
// deletes.
func WithCascadeBatchSize(n int) Option {
	return func(p *Processor) { p.cascadeBatch = n }
}

// WithMergeRetries sets how many times a stale-version update is re-merged
// against fresh state before CONFLICT is returned.
func WithMergeRetries(n int) Option {
	return func(p *Processor) { p.mergeRetries = n }
}

// WithOnCommit registers a callback run after every committed change, such
// as a fan-out kick.
func WithOnCommit(fn func()) Option {
	return func(p *Processor) { p.onCommit = fn }
}

type Processor struct {
	store        store.Store
	recorder     *fanout.Recorder
	log          logger.Logger
	now          func() time.Time
	cascadeBatch int
	mergeRetries int
	onCommit     func()
	cascader     *Cascader
}

func New(s store.Store, opts ...Option) *Processor {
	p := &Processor{
		store:        s,
		recorder:     fanout.NewRecorder(),
		log:          logger.Nop{},
		now:          codec.Now,
		cascadeBatch: constants.DefaultCascadeBatchSize,
		mergeRetries: 3,
		onCommit:     func() {},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cascader = &Cascader{
		store:    p.store,
		recorder: p.recorder,
		log:      p.log,
		now:      p.now,
		batch:    p.cascadeBatch,
		onCommit: p.onCommit,
	}
	return p
}

// Cascader returns the sweeper that completes cascading deletes.
func (p *Processor) Cascader() *Cascader { return p.cascader }

// Authorize resolves the workspace membership of an account. It returns
// StatusUnauthorized when the account is not a member.
func (p *Processor) Authorize(ctx context.Context, accountID models.AccountID, deviceID models.DeviceID, workspaceID models.WorkspaceID) (Actor, models.Status) {
	user, err := p.store.GetWorkspaceUser(ctx, workspaceID, accountID)
	if err != nil {
		p.log.Error("processor.Processor failed to load workspace user", "workspace", workspaceID, "error", err)
		return Actor{}, models.StatusInternalServerError
	}
	if user == nil {
		return Actor{}, models.StatusUnauthorized
	}
	return Actor{AccountID: accountID, DeviceID: deviceID, WorkspaceID: workspaceID, UserID: user.ID}, models.StatusOK
}

// ProcessBatch processes mutations in order and returns one result per
// mutation, in the same order. Once a mutation fails with a retryable status,
// later mutations of the same node in the batch are answered with that
// status without being applied, so that the node sees them in enqueue order
// when the client retries.
func (p *Processor) ProcessBatch(ctx context.Context, actor Actor, mutations []models.Mutation) []models.MutationResult {
	results := make([]models.MutationResult, 0, len(mutations))
	blocked := map[models.NodeID]models.Status{}
	for _, m := range mutations {
		target := targetOf(m)
		if status, ok := blocked[target]; ok && target != "" {
			results = append(results, models.MutationResult{ID: m.ID, Status: status})
			continue
		}
		status := p.Process(ctx, actor, m)
		if status.IsRetryable() && target != "" {
			blocked[target] = status
		}
		results = append(results, models.MutationResult{ID: m.ID, Status: status})
	}
	return results
}

func targetOf(m models.Mutation) models.NodeID {
	data, err := m.Decode()
	if err != nil {
		return ""
	}
	return data.TargetID()
}

// Process applies one mutation.
func (p *Processor) Process(ctx context.Context, actor Actor, m models.Mutation) (status models.Status) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("processor.Processor panic", "mutation", m.ID, "type", m.Type, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			status = models.StatusInternalServerError
		}
		metrics.ObserveMutation(string(m.Type), status.String(), time.Since(start))
	}()

	if receipt, err := p.store.GetMutationReceipt(ctx, m.ID); err != nil {
		p.log.Error("processor.Processor failed to load receipt", "mutation", m.ID, "error", err)
		return models.StatusInternalServerError
	} else if receipt != nil {
		return replayStatus(receipt)
	}

	data, err := m.Decode()
	if err != nil {
		p.log.Debug("processor.Processor rejected mutation", "mutation", m.ID, "type", m.Type, "error", err)
		return models.StatusBadRequest
	}

	h := &handler{p: p, ctx: ctx, actor: actor, mutation: m}
	out := models.Dispatch[outcome](data, h)
	if out.err != nil {
		if receipt, rerr := p.store.GetMutationReceipt(ctx, m.ID); rerr == nil && receipt != nil {
			return replayStatus(receipt)
		}
		p.log.Error("processor.Processor failed to apply mutation", "mutation", m.ID, "type", m.Type, "error", out.err)
		return models.StatusInternalServerError
	}
	if out.committed {
		p.onCommit()
	}
	for _, fn := range out.after {
		fn(ctx)
	}
	return out.status
}

// replayStatus answers a mutation that already has a receipt. Only successes
// get receipts, and a replay changes nothing, so it is always OK.
func replayStatus(receipt *models.MutationReceipt) models.Status {
	if receipt.Status.IsSuccess() {
		return models.StatusOK
	}
	return receipt.Status
}

// outcome is what a handler reports back to Process.
type outcome struct {
	status    models.Status
	err       error
	committed bool
	stale     bool
	after     []func(ctx context.Context)
}

var (
	// errRollback aborts a transaction whose status is final but not a success.
	errRollback = errors.New("rollback")
	// errStale aborts a transaction that lost an optimistic version check.
	errStale = errors.New("stale version")
)

type handler struct {
	p        *Processor
	ctx      context.Context
	actor    Actor
	mutation models.Mutation
	after    []func(ctx context.Context)
}

var _ models.Visitor[outcome] = (*handler)(nil)

// tx runs fn in a transaction. Successful statuses commit together with a
// receipt; any other status rolls back whatever fn wrote.
func (h *handler) tx(fn func(tx store.Store) (models.Status, error)) outcome {
	h.after = nil
	var status models.Status
	err := h.p.store.Transaction(h.ctx, func(tx store.Store) error {
		var err error
		status, err = fn(tx)
		if err != nil {
			return err
		}
		if !status.IsSuccess() {
			return errRollback
		}
		return tx.CreateMutationReceipt(h.ctx, &models.MutationReceipt{
			ID:        h.mutation.ID,
			DeviceID:  h.actor.DeviceID,
			Type:      h.mutation.Type,
			Status:    status,
			CreatedAt: h.p.now(),
		})
	})
	switch {
	case errors.Is(err, errRollback):
		return outcome{status: status}
	case errors.Is(err, errStale):
		return outcome{status: models.StatusConflict, stale: true}
	case err != nil:
		return outcome{err: err}
	}
	return outcome{status: status, committed: true, after: h.after}
}

// afterCommit registers fn to run once the current transaction commits.
func (h *handler) afterCommit(fn func(ctx context.Context)) {
	h.after = append(h.after, fn)
}

// retry runs fn through tx until it commits without losing a version check,
// at most mergeRetries extra times.
func (h *handler) retry(fn func(tx store.Store) (models.Status, error)) outcome {
	var out outcome
	for attempt := 0; attempt <= h.p.mergeRetries; attempt++ {
		out = h.tx(fn)
		if !out.stale {
			return out
		}
		h.p.log.Debug("processor.Processor re-merging stale write", "mutation", h.mutation.ID, "attempt", attempt+1)
	}
	return outcome{status: models.StatusConflict}
}

// loadNode returns the node when it exists in the actor's workspace.
func (h *handler) loadNode(tx store.Store, id models.NodeID) (*models.Node, error) {
	n, err := tx.GetNode(h.ctx, id)
	if err != nil || n == nil {
		return nil, err
	}
	if n.WorkspaceID != h.actor.WorkspaceID {
		return nil, nil
	}
	return n, nil
}

func subjectOf(n *models.Node) fanout.Subject {
	return fanout.Subject{WorkspaceID: n.WorkspaceID, NodeID: n.ID, NodeType: n.Type}
}

// change builds a change record attributed to the current mutation.
func (h *handler) change(stream models.Stream, action models.ChangeAction, entityID string, rootID models.NodeID, before, after any) (*models.ChangeRecord, error) {
	id := h.mutation.ID
	c := &models.ChangeRecord{
		WorkspaceID: h.actor.WorkspaceID,
		Stream:      stream,
		Action:      action,
		EntityID:    entityID,
		RootID:      rootID,
		MutationID:  &id,
		CreatedAt:   h.p.now(),
	}
	var err error
	if before != nil {
		if c.Before, err = codec.Marshal(before); err != nil {
			return nil, err
		}
	}
	if after != nil {
		if c.After, err = codec.Marshal(after); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (h *handler) record(tx store.Store, subject *models.Node, stream models.Stream, action models.ChangeAction, entityID string, before, after any, extraUsers ...models.UserID) error {
	c, err := h.change(stream, action, entityID, subject.RootID, before, after)
	if err != nil {
		return err
	}
	return h.p.recorder.Record(h.ctx, tx, c, subjectOf(subject), h.actor.DeviceID, extraUsers...)
}
