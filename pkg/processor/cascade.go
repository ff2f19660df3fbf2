package processor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/authz"
	"github.com/nodesync/nodesync/pkg/fanout"
	"github.com/nodesync/nodesync/pkg/logger"
	"github.com/nodesync/nodesync/pkg/metrics"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

// Cascader removes the descendants of deleted nodes.
//
// A deleted node leaves a tombstone marked CascadePending. Each step deletes
// up to one batch of children of one pending tombstone in its own
// transaction, tombstoning the children as pending in turn, and clears the
// flag once the node has no children left. The set of pending tombstones is
// the resumable frontier: an interrupted sweep continues from it.
type Cascader struct {
	store    store.Store
	recorder *fanout.Recorder
	log      logger.Logger
	now      func() time.Time
	batch    int
	onCommit func()

	mu sync.Mutex
}

// Sweep runs steps until no tombstone is pending.
func (c *Cascader) Sweep(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending, err := c.store.ListPendingTombstones(ctx, c.batch)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		for _, t := range pending {
			if err := c.step(ctx, t); err != nil {
				return err
			}
		}
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (c *Cascader) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("processor.Cascader sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Cascader) step(ctx context.Context, parent *models.Tombstone) error {
	var deleted int
	err := c.store.Transaction(ctx, func(tx store.Store) error {
		children, err := tx.ListChildren(ctx, []models.NodeID{parent.ID}, c.batch)
		if err != nil {
			return err
		}
		deleted = len(children)
		if len(children) < c.batch || c.batch <= 0 {
			if err := tx.ClearCascadePending(ctx, []models.NodeID{parent.ID}); err != nil {
				return err
			}
		}
		if len(children) == 0 {
			return nil
		}

		ids := make([]models.NodeID, 0, len(children))
		for _, n := range children {
			ids = append(ids, n.ID)
		}
		grants, err := tx.ListCollaborations(ctx, ids)
		if err != nil {
			return err
		}
		granted := map[models.NodeID]struct{}{}
		for _, g := range grants {
			granted[g.NodeID] = struct{}{}
		}

		tombstones := make([]*models.Tombstone, 0, len(children))
		for _, n := range children {
			tombstones = append(tombstones, tombstoneOf(n, parent.DeletedAt, parent.DeletedBy))
			// Users reaching the node only through its own grant never saw
			// the delete of the ancestor.
			if _, ok := granted[n.ID]; !ok {
				continue
			}
			if err := c.recordDelete(ctx, tx, n); err != nil {
				return err
			}
		}
		if err := tx.CreateTombstones(ctx, tombstones); err != nil {
			return err
		}
		return tx.DeleteNodes(ctx, ids)
	})
	if err != nil {
		return err
	}
	metrics.IncCascadeBatch()
	if deleted > 0 {
		c.log.Debug("processor.Cascader deleted descendants", "parent", parent.ID, "count", deleted)
		c.onCommit()
	}
	return nil
}

func (c *Cascader) recordDelete(ctx context.Context, tx store.Store, n *models.Node) error {
	before, err := codec.Marshal(n.Ref())
	if err != nil {
		return err
	}
	change := &models.ChangeRecord{
		WorkspaceID: n.WorkspaceID,
		Stream:      models.StreamNodes,
		Action:      models.ChangeActionDelete,
		EntityID:    string(n.ID),
		RootID:      n.RootID,
		Before:      before,
		CreatedAt:   c.now(),
	}
	return c.recorder.Record(ctx, tx, change, subjectOf(n), models.DeviceID{})
}

// backfill appends the existing subtree below root, nodes and documents, to
// the change log for the devices of users that just gained a grant on root.
// Each batch of nodes is recorded in its own transaction.
func (p *Processor) backfill(ctx context.Context, root *models.Node, users []models.UserID, origin models.DeviceID) error {
	devices, err := p.store.ListUserDevices(ctx, users)
	if err != nil || len(devices) == 0 {
		return err
	}

	parents := []models.NodeID{root.ID}
	for depth := 0; len(parents) > 0; depth++ {
		if depth >= authz.MaxDepth {
			return authz.ErrCycle
		}
		children, err := p.store.ListChildren(ctx, parents, 0)
		if err != nil {
			return err
		}
		parents = parents[:0]
		for start := 0; start < len(children); start += p.cascadeBatch {
			end := min(start+p.cascadeBatch, len(children))
			batch := children[start:end]
			if err := p.backfillBatch(ctx, batch, devices, origin); err != nil {
				return err
			}
			for _, n := range batch {
				parents = append(parents, n.ID)
			}
		}
	}
	p.onCommit()
	return nil
}

func (p *Processor) backfillBatch(ctx context.Context, nodes []*models.Node, devices []models.DeviceID, origin models.DeviceID) error {
	return p.store.Transaction(ctx, func(tx store.Store) error {
		for _, n := range nodes {
			if err := p.backfillOne(ctx, tx, models.StreamNodes, string(n.ID), n.WorkspaceID, n.RootID, n, devices, origin); err != nil {
				return err
			}
			doc, err := tx.GetDocument(ctx, n.ID)
			if err != nil {
				return err
			}
			if doc == nil {
				continue
			}
			if err := p.backfillOne(ctx, tx, models.StreamDocuments, string(doc.ID), doc.WorkspaceID, doc.RootID, doc, devices, origin); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Processor) backfillOne(ctx context.Context, tx store.Store, stream models.Stream, entityID string, ws models.WorkspaceID, rootID models.NodeID, v any, devices []models.DeviceID, origin models.DeviceID) error {
	after, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	change := &models.ChangeRecord{
		WorkspaceID: ws,
		Stream:      stream,
		Action:      models.ChangeActionInsert,
		EntityID:    entityID,
		RootID:      rootID,
		After:       after,
		CreatedAt:   p.now(),
	}
	return p.recorder.RecordTo(ctx, tx, change, devices, origin)
}

func tombstoneOf(n *models.Node, deletedAt time.Time, by models.UserID) *models.Tombstone {
	return &models.Tombstone{
		ID:             n.ID,
		Type:           n.Type,
		ParentID:       n.ParentID,
		RootID:         n.RootID,
		WorkspaceID:    n.WorkspaceID,
		CascadePending: true,
		DeletedAt:      deletedAt,
		DeletedBy:      by,
	}
}

func sortedUsers(grants map[models.UserID]models.Role) []models.UserID {
	users := make([]models.UserID, 0, len(grants))
	for u := range grants {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}
