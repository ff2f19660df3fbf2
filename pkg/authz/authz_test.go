package authz_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodesync/nodesync/internal/testenv"
	"github.com/nodesync/nodesync/pkg/authz"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

func createChain(t *testing.T, s store.Store, ws models.WorkspaceID, by models.UserID, depth int) []*models.Node {
	t.Helper()
	var chain []*models.Node
	var parent *models.Node
	now := time.Now().UTC()
	for i := 0; i < depth; i++ {
		id := models.NewNodeID(models.NodeTypePage)
		n := &models.Node{ID: id, Type: models.NodeTypePage, RootID: id, WorkspaceID: ws, State: []byte{0xa0}, CreatedAt: now, CreatedBy: by, VersionID: models.NewVersionID(), ServerCreatedAt: now}
		if parent != nil {
			n.ParentID = &parent.ID
			n.RootID = parent.RootID
		}
		require.NoError(t, s.CreateNode(context.Background(), n))
		chain = append(chain, n)
		parent = n
	}
	return chain
}

func grant(t *testing.T, s store.Store, n *models.Node, user models.UserID, role models.Role) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.SaveCollaboration(context.Background(), &models.Collaboration{
		NodeID: n.ID, UserID: user, WorkspaceID: n.WorkspaceID, Role: role, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestRoleInheritance(t *testing.T) {
	s := testenv.NewStore(t)
	ctx := context.Background()
	ws := testenv.NewWorkspace(t, s)
	owner := testenv.AddMember(t, s, ws.ID, 1)
	admin := testenv.AddMember(t, s, ws.ID, 1)
	viewer := testenv.AddMember(t, s, ws.ID, 1)
	stranger := testenv.AddMember(t, s, ws.ID, 1)

	// root -> a -> b -> leaf
	chain := createChain(t, s, ws.ID, owner.User.ID, 4)
	root, leaf := chain[0], chain[3]
	grant(t, s, root, owner.User.ID, models.RoleOwner)
	grant(t, s, root, admin.User.ID, models.RoleAdmin)
	grant(t, s, chain[1], viewer.User.ID, models.RoleViewer)

	role, err := authz.ResolveRole(ctx, s, leaf.ID, admin.User.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, role)
	assert.True(t, models.HasRole(role, models.RoleCollaborator))

	role, err = authz.ResolveRole(ctx, s, leaf.ID, viewer.User.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleViewer, role)
	assert.False(t, models.HasRole(role, models.RoleAdmin))

	role, err = authz.ResolveRole(ctx, s, leaf.ID, stranger.User.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Role(""), role)
	assert.False(t, models.HasRole(role, models.RoleViewer))
}

func TestNearestGrantWins(t *testing.T) {
	s := testenv.NewStore(t)
	ctx := context.Background()
	ws := testenv.NewWorkspace(t, s)
	m := testenv.AddMember(t, s, ws.ID, 1)

	chain := createChain(t, s, ws.ID, m.User.ID, 3)
	grant(t, s, chain[0], m.User.ID, models.RoleAdmin)
	grant(t, s, chain[1], m.User.ID, models.RoleViewer)

	role, err := authz.ResolveRole(ctx, s, chain[2].ID, m.User.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleViewer, role)

	role, err = authz.ResolveRole(ctx, s, chain[0].ID, m.User.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, role)
}

func TestAncestors(t *testing.T) {
	s := testenv.NewStore(t)
	ctx := context.Background()
	ws := testenv.NewWorkspace(t, s)
	m := testenv.AddMember(t, s, ws.ID, 1)
	chain := createChain(t, s, ws.ID, m.User.ID, 3)

	got, err := authz.Ancestors(ctx, s, chain[2].ID)
	require.NoError(t, err)
	assert.Equal(t, []models.NodeID{chain[2].ID, chain[1].ID, chain[0].ID}, authz.ChainIDs(got))

	got, err = authz.Ancestors(ctx, s, models.NewNodeID(models.NodeTypePage))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGrantees(t *testing.T) {
	s := testenv.NewStore(t)
	ctx := context.Background()
	ws := testenv.NewWorkspace(t, s)
	a := testenv.AddMember(t, s, ws.ID, 1)
	b := testenv.AddMember(t, s, ws.ID, 1)
	chain := createChain(t, s, ws.ID, a.User.ID, 2)
	grant(t, s, chain[0], a.User.ID, models.RoleOwner)
	grant(t, s, chain[1], a.User.ID, models.RoleViewer)
	grant(t, s, chain[1], b.User.ID, models.RoleCollaborator)

	full, err := authz.Ancestors(ctx, s, chain[1].ID)
	require.NoError(t, err)
	users, err := authz.Grantees(ctx, s, full)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.UserID{a.User.ID, b.User.ID}, users)
}
