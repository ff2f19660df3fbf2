package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodesync/nodesync/internal/testenv"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

func newNode(ws models.WorkspaceID, typ models.NodeType, parent *models.Node, by models.UserID) *models.Node {
	id := models.NewNodeID(typ)
	n := &models.Node{
		ID:              id,
		Type:            typ,
		RootID:          id,
		WorkspaceID:     ws,
		Attributes:      models.JSONMap{"name": string(typ)},
		State:           []byte{0xa0},
		CreatedAt:       time.Now().UTC(),
		CreatedBy:       by,
		VersionID:       models.NewVersionID(),
		ServerCreatedAt: time.Now().UTC(),
	}
	if parent != nil {
		n.ParentID = &parent.ID
		n.RootID = parent.RootID
	}
	return n
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := testenv.NewStore(t)
	ctx := context.Background()

	n, err := s.GetNode(ctx, models.NewNodeID(models.NodeTypePage))
	require.NoError(t, err)
	assert.Nil(t, n)

	u, err := s.GetWorkspaceUser(ctx, models.NewWorkspaceID(), models.NewAccountID())
	require.NoError(t, err)
	assert.Nil(t, u)

	children, err := s.ListChildren(ctx, nil, 10)
	require.NoError(t, err)
	assert.NotNil(t, children)
	assert.Empty(t, children)
}

func TestUpdateNodeOptimisticConcurrency(t *testing.T) {
	s := testenv.NewStore(t)
	ctx := context.Background()
	ws := testenv.NewWorkspace(t, s)
	m := testenv.AddMember(t, s, ws.ID, 1)

	n := newNode(ws.ID, models.NodeTypePage, nil, m.User.ID)
	require.NoError(t, s.CreateNode(ctx, n))

	base := n.VersionID
	n.VersionID = models.NewVersionID()
	n.Attributes = models.JSONMap{"name": "renamed"}
	ok, err := s.UpdateNode(ctx, n, base)
	require.NoError(t, err)
	assert.True(t, ok)

	stale := *n
	stale.VersionID = models.NewVersionID()
	ok, err = s.UpdateNode(ctx, &stale, base)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.VersionID, got.VersionID)
	assert.Equal(t, "renamed", got.Attributes["name"])
}

func TestTransactionRollsBack(t *testing.T) {
	s := testenv.NewStore(t)
	ctx := context.Background()
	ws := testenv.NewWorkspace(t, s)
	m := testenv.AddMember(t, s, ws.ID, 1)
	n := newNode(ws.ID, models.NodeTypeSpace, nil, m.User.ID)
	boom := errors.New("boom")

	err := s.Transaction(ctx, func(tx store.Store) error {
		require.NoError(t, tx.CreateNode(ctx, n))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteNodesSweepsRelations(t *testing.T) {
	s := testenv.NewStore(t)
	ctx := context.Background()
	ws := testenv.NewWorkspace(t, s)
	m := testenv.AddMember(t, s, ws.ID, 1)
	now := time.Now().UTC()

	n := newNode(ws.ID, models.NodeTypePage, nil, m.User.ID)
	require.NoError(t, s.CreateNode(ctx, n))
	require.NoError(t, s.SaveCollaboration(ctx, &models.Collaboration{NodeID: n.ID, UserID: m.User.ID, WorkspaceID: ws.ID, Role: models.RoleOwner, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.SaveReaction(ctx, &models.Reaction{NodeID: n.ID, UserID: m.User.ID, Reaction: "+1", WorkspaceID: ws.ID, RootID: n.RootID, CreatedAt: now}))
	require.NoError(t, s.SaveInteraction(ctx, &models.Interaction{NodeID: n.ID, UserID: m.User.ID, WorkspaceID: ws.ID, RootID: n.RootID, LastSeenAt: &now}))
	require.NoError(t, s.CreateDocument(ctx, &models.Document{ID: n.ID, WorkspaceID: ws.ID, RootID: n.RootID, State: []byte{0xa0}, VersionID: models.NewVersionID(), CreatedAt: now, CreatedBy: m.User.ID, ServerUpdatedAt: now}))

	require.NoError(t, s.DeleteNodes(ctx, []models.NodeID{n.ID}))

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	collabs, err := s.ListCollaborations(ctx, []models.NodeID{n.ID})
	require.NoError(t, err)
	assert.Empty(t, collabs)
	r, err := s.GetReaction(ctx, n.ID, m.User.ID, "+1")
	require.NoError(t, err)
	assert.Nil(t, r)
	i, err := s.GetInteraction(ctx, n.ID, m.User.ID)
	require.NoError(t, err)
	assert.Nil(t, i)
	d, err := s.GetDocument(ctx, n.ID)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestDevices(t *testing.T) {
	s := testenv.NewStore(t)
	ctx := context.Background()
	ws := testenv.NewWorkspace(t, s)
	other := testenv.NewWorkspace(t, s)
	a := testenv.AddMember(t, s, ws.ID, 2)
	b := testenv.AddMember(t, s, ws.ID, 1)
	c := testenv.AddMember(t, s, other.ID, 1)

	all, err := s.ListWorkspaceDevices(ctx, ws.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, append(a.DeviceIDs(), b.DeviceIDs()...), all)

	some, err := s.ListUserDevices(ctx, []models.UserID{b.User.ID, c.User.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, append(b.DeviceIDs(), c.DeviceIDs()...), some)
}

func TestChangeLogAndDeliveries(t *testing.T) {
	s := testenv.NewStore(t)
	ctx := context.Background()
	ws := testenv.NewWorkspace(t, s)
	m := testenv.AddMember(t, s, ws.ID, 2)
	dev, otherDev := m.Devices[0].ID, m.Devices[1].ID
	now := time.Now().UTC()

	var ids []int64
	for i := 0; i < 5; i++ {
		targets := []models.ChangeTarget{{DeviceID: dev}}
		if i%2 == 0 {
			targets = append(targets, models.ChangeTarget{DeviceID: otherDev})
		}
		c := &models.ChangeRecord{
			WorkspaceID: ws.ID,
			Stream:      models.StreamNodes,
			Action:      models.ChangeActionInsert,
			EntityID:    "n",
			RootID:      "n",
			CreatedAt:   now,
			Targets:     targets,
		}
		require.NoError(t, s.AppendChange(ctx, c))
		require.NotZero(t, c.ID)
		ids = append(ids, c.ID)
		require.NoError(t, s.CreateDeliveries(ctx, []*models.Delivery{{ChangeID: c.ID, DeviceID: dev, WorkspaceID: ws.ID, Stream: models.StreamNodes, CreatedAt: now}}))
	}

	changes, err := s.ListChanges(ctx, dev, ws.ID, models.StreamNodes, ids[1], 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, ids[2], changes[0].ID)
	assert.Equal(t, ids[3], changes[1].ID)

	changes, err = s.ListChanges(ctx, otherDev, ws.ID, models.StreamNodes, 0, 10)
	require.NoError(t, err)
	assert.Len(t, changes, 3)

	last, err := s.LastChangeID(ctx, dev, ws.ID, models.StreamNodes)
	require.NoError(t, err)
	assert.Equal(t, ids[4], last)
	last, err = s.LastChangeID(ctx, dev, ws.ID, models.StreamReactions)
	require.NoError(t, err)
	assert.Zero(t, last)

	pending, err := s.ListPendingDeliveries(ctx, 5, 0)
	require.NoError(t, err)
	require.Len(t, pending, 5)

	pending[0].RetryCount = 5
	require.NoError(t, s.SaveDelivery(ctx, pending[0]))
	pending[1].MarkNotified(now)
	require.NoError(t, s.SaveDelivery(ctx, pending[1]))

	pending, err = s.ListPendingDeliveries(ctx, 5, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	pruned, err := s.PruneDeliveries(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	acked, err := s.AckDeliveries(ctx, dev, ws.ID, models.StreamNodes, ids[3])
	require.NoError(t, err)
	assert.Equal(t, int64(3), acked)

	pending, err = s.ListPendingDeliveries(ctx, 5, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[4], pending[0].ChangeID)
}

func TestPendingTombstones(t *testing.T) {
	s := testenv.NewStore(t)
	ctx := context.Background()
	ws := models.NewWorkspaceID()
	now := time.Now().UTC()

	a := &models.Tombstone{ID: models.NewNodeID(models.NodeTypePage), Type: models.NodeTypePage, WorkspaceID: ws, CascadePending: true, DeletedAt: now}
	b := &models.Tombstone{ID: models.NewNodeID(models.NodeTypePage), Type: models.NodeTypePage, WorkspaceID: ws, CascadePending: true, DeletedAt: now.Add(time.Second)}
	a.RootID, b.RootID = a.ID, b.ID
	require.NoError(t, s.CreateTombstones(ctx, []*models.Tombstone{b, a}))
	require.NoError(t, s.CreateTombstones(ctx, []*models.Tombstone{a}))

	pending, err := s.ListPendingTombstones(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)

	require.NoError(t, s.ClearCascadePending(ctx, []models.NodeID{a.ID}))
	pending, err = s.ListPendingTombstones(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}
