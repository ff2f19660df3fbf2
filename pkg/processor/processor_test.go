package processor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodesync/nodesync/internal/testenv"
	"github.com/nodesync/nodesync/pkg/docstate"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/processor"
	"github.com/nodesync/nodesync/pkg/store"
)

type env struct {
	t     *testing.T
	ctx   context.Context
	store store.Store
	proc  *processor.Processor
	ws    *models.Workspace
	owner *testenv.Member
}

func newEnv(t *testing.T, opts ...processor.Option) *env {
	t.Helper()
	s := testenv.NewStore(t)
	ws := testenv.NewWorkspace(t, s)
	return &env{
		t:     t,
		ctx:   context.Background(),
		store: s,
		proc:  processor.New(s, opts...),
		ws:    ws,
		owner: testenv.AddMember(t, s, ws.ID, 2),
	}
}

func (e *env) member(devices int) *testenv.Member {
	return testenv.AddMember(e.t, e.store, e.ws.ID, devices)
}

func (e *env) actor(m *testenv.Member) processor.Actor {
	return processor.Actor{
		AccountID:   m.Account.ID,
		DeviceID:    m.Devices[0].ID,
		WorkspaceID: e.ws.ID,
		UserID:      m.User.ID,
	}
}

func (e *env) mutation(data models.MutationData) models.Mutation {
	m, err := models.NewMutation(data, time.Now().UTC())
	require.NoError(e.t, err)
	return m
}

func (e *env) process(by *testenv.Member, data models.MutationData) models.Status {
	return e.proc.Process(e.ctx, e.actor(by), e.mutation(data))
}

func initialState(t *testing.T, writer string, attrs map[string]any) []byte {
	t.Helper()
	st := docstate.New()
	require.NoError(t, st.Edit(writer).SetAll(attrs))
	data, err := st.Encode()
	require.NoError(t, err)
	return data
}

func (e *env) create(by *testenv.Member, typ models.NodeType, parent *models.Node, attrs map[string]any) *models.Node {
	e.t.Helper()
	data := &models.CreateNodeData{
		NodeID:    models.NewNodeID(typ),
		Type:      typ,
		State:     initialState(e.t, by.Devices[0].ID.String(), attrs),
		CreatedAt: time.Now().UTC(),
	}
	if parent != nil {
		data.ParentID = &parent.ID
	}
	require.Equal(e.t, models.StatusOK, e.process(by, data))
	return e.node(data.NodeID)
}

func (e *env) node(id models.NodeID) *models.Node {
	e.t.Helper()
	n, err := e.store.GetNode(e.ctx, id)
	require.NoError(e.t, err)
	require.NotNil(e.t, n)
	return n
}

// fragment edits the current server state of a node as device d would.
func (e *env) fragment(d *models.Device, id models.NodeID, fn func(*docstate.Editor) error) []byte {
	e.t.Helper()
	st, err := docstate.Decode(e.node(id).State)
	require.NoError(e.t, err)
	ed := st.Edit(d.ID.String())
	require.NoError(e.t, fn(ed))
	frag, err := ed.Fragment()
	require.NoError(e.t, err)
	return frag
}

func (e *env) update(by *testenv.Member, id models.NodeID, fn func(*docstate.Editor) error) models.Status {
	return e.process(by, &models.UpdateNodeData{
		NodeID:    id,
		Fragment:  e.fragment(by.Devices[0], id, fn),
		UpdatedAt: time.Now().UTC(),
	})
}

func (e *env) grant(by *testenv.Member, id models.NodeID, user models.UserID, role models.Role) {
	e.t.Helper()
	status := e.update(by, id, func(ed *docstate.Editor) error {
		return ed.Set(models.CollaboratorPath(user), string(role))
	})
	require.Equal(e.t, models.StatusOK, status)
}

func (e *env) changes(d *models.Device, stream models.Stream) []*models.ChangeRecord {
	e.t.Helper()
	out, err := e.store.ListChanges(e.ctx, d.ID, e.ws.ID, stream, 0, 1000)
	require.NoError(e.t, err)
	return out
}

func TestCreateNodeReplay(t *testing.T) {
	e := newEnv(t)
	data := &models.CreateNodeData{
		NodeID:    models.NewNodeID(models.NodeTypeSpace),
		Type:      models.NodeTypeSpace,
		State:     initialState(t, "d1", map[string]any{"name": "Home"}),
		CreatedAt: time.Now().UTC(),
	}
	m := e.mutation(data)

	assert.Equal(t, models.StatusOK, e.proc.Process(e.ctx, e.actor(e.owner), m))
	assert.Equal(t, models.StatusOK, e.proc.Process(e.ctx, e.actor(e.owner), m))
	assert.Equal(t, models.StatusOK, e.process(e.owner, data))

	space := e.node(data.NodeID)
	assert.Equal(t, "Home", space.Attributes["name"])
	assert.Equal(t, space.ID, space.RootID)

	nodes := e.changes(e.owner.Devices[0], models.StreamNodes)
	require.Len(t, nodes, 1)
	require.NotNil(t, nodes[0].MutationID)
	assert.Equal(t, m.ID, *nodes[0].MutationID)
}

func TestReplayedMutationIsOK(t *testing.T) {
	e := newEnv(t)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	m := e.mutation(&models.CreateReactionData{NodeID: space.ID, Reaction: "+1", CreatedAt: time.Now().UTC()})

	assert.Equal(t, models.StatusCreated, e.proc.Process(e.ctx, e.actor(e.owner), m))
	assert.Equal(t, models.StatusOK, e.proc.Process(e.ctx, e.actor(e.owner), m))
	assert.Len(t, e.changes(e.owner.Devices[1], models.StreamReactions), 1)
}

func TestCreateRootGrantsOwner(t *testing.T) {
	e := newEnv(t)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})

	grants, invalid := models.Collaborators(space.Attributes)
	assert.Empty(t, invalid)
	assert.Equal(t, map[models.UserID]models.Role{e.owner.User.ID: models.RoleOwner}, grants)

	rows, err := e.store.ListCollaborations(e.ctx, []models.NodeID{space.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.RoleOwner, rows[0].Role)

	collabs := e.changes(e.owner.Devices[1], models.StreamCollaborations)
	require.Len(t, collabs, 1)
	assert.Nil(t, collabs[0].MutationID)
}

func TestCreateNodeStatuses(t *testing.T) {
	e := newEnv(t)
	other := e.member(1)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})

	t.Run("missing parent", func(t *testing.T) {
		missing := models.NewNodeID(models.NodeTypeFolder)
		status := e.process(e.owner, &models.CreateNodeData{
			NodeID:    models.NewNodeID(models.NodeTypePage),
			ParentID:  &missing,
			Type:      models.NodeTypePage,
			State:     initialState(t, "d1", map[string]any{"name": "x"}),
			CreatedAt: time.Now().UTC(),
		})
		assert.Equal(t, models.StatusNotFound, status)
	})

	t.Run("no role on parent", func(t *testing.T) {
		status := e.process(other, &models.CreateNodeData{
			NodeID:    models.NewNodeID(models.NodeTypePage),
			ParentID:  &space.ID,
			Type:      models.NodeTypePage,
			State:     initialState(t, "d1", map[string]any{"name": "x"}),
			CreatedAt: time.Now().UTC(),
		})
		assert.Equal(t, models.StatusForbidden, status)
	})

	t.Run("foreign user node", func(t *testing.T) {
		status := e.process(other, &models.CreateNodeData{
			NodeID:    e.owner.User.ID.NodeID(),
			Type:      models.NodeTypeUser,
			State:     initialState(t, "d1", map[string]any{"name": "x"}),
			CreatedAt: time.Now().UTC(),
		})
		assert.Equal(t, models.StatusForbidden, status)
	})

	t.Run("own user node", func(t *testing.T) {
		status := e.process(other, &models.CreateNodeData{
			NodeID:    other.User.ID.NodeID(),
			Type:      models.NodeTypeUser,
			State:     initialState(t, "d1", map[string]any{"name": "Other"}),
			CreatedAt: time.Now().UTC(),
		})
		assert.Equal(t, models.StatusOK, status)
		// Every workspace member receives user nodes.
		assert.Len(t, e.changes(e.owner.Devices[0], models.StreamNodes), 2)
	})

	t.Run("corrupt state", func(t *testing.T) {
		status := e.process(e.owner, &models.CreateNodeData{
			NodeID:    models.NewNodeID(models.NodeTypeSpace),
			Type:      models.NodeTypeSpace,
			State:     []byte{0xff, 0x00},
			CreatedAt: time.Now().UTC(),
		})
		assert.Equal(t, models.StatusBadRequest, status)
	})

	t.Run("invalid role", func(t *testing.T) {
		status := e.process(e.owner, &models.CreateNodeData{
			NodeID:    models.NewNodeID(models.NodeTypePage),
			ParentID:  &space.ID,
			Type:      models.NodeTypePage,
			State:     initialState(t, "d1", map[string]any{"collaborators": map[string]any{string(other.User.ID): "superuser"}}),
			CreatedAt: time.Now().UTC(),
		})
		assert.Equal(t, models.StatusBadRequest, status)
	})
}

func TestAuthorize(t *testing.T) {
	e := newEnv(t)

	actor, status := e.proc.Authorize(e.ctx, e.owner.Account.ID, e.owner.Devices[0].ID, e.ws.ID)
	assert.Equal(t, models.StatusOK, status)
	assert.Equal(t, e.owner.User.ID, actor.UserID)

	_, status = e.proc.Authorize(e.ctx, models.NewAccountID(), models.NewDeviceID(), e.ws.ID)
	assert.Equal(t, models.StatusUnauthorized, status)
}

func TestRoleInheritance(t *testing.T) {
	e := newEnv(t)
	admin := e.member(1)
	viewer := e.member(1)

	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	outer := e.create(e.owner, models.NodeTypeFolder, space, map[string]any{"name": "a"})
	inner := e.create(e.owner, models.NodeTypeFolder, outer, map[string]any{"name": "b"})
	page := e.create(e.owner, models.NodeTypePage, inner, map[string]any{"name": "c"})

	e.grant(e.owner, space.ID, admin.User.ID, models.RoleAdmin)
	e.grant(e.owner, space.ID, viewer.User.ID, models.RoleViewer)

	status := e.update(admin, page.ID, func(ed *docstate.Editor) error { return ed.Set("name", "renamed") })
	assert.Equal(t, models.StatusOK, status)
	assert.Equal(t, "renamed", e.node(page.ID).Attributes["name"])

	status = e.update(viewer, page.ID, func(ed *docstate.Editor) error { return ed.Set("name", "nope") })
	assert.Equal(t, models.StatusForbidden, status)

	status = e.process(viewer, &models.DeleteNodeData{NodeID: page.ID, DeletedAt: time.Now().UTC()})
	assert.Equal(t, models.StatusForbidden, status)
	e.node(page.ID)

	// A closer grant overrides the inherited one.
	e.grant(e.owner, inner.ID, admin.User.ID, models.RoleViewer)
	status = e.update(admin, page.ID, func(ed *docstate.Editor) error { return ed.Set("name", "again") })
	assert.Equal(t, models.StatusForbidden, status)
}

func TestUpdateNodeStatuses(t *testing.T) {
	e := newEnv(t)
	collaborator := e.member(1)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	e.grant(e.owner, space.ID, collaborator.User.ID, models.RoleCollaborator)

	t.Run("missing node", func(t *testing.T) {
		status := e.process(e.owner, &models.UpdateNodeData{
			NodeID:    models.NewNodeID(models.NodeTypePage),
			Fragment:  initialState(t, "d1", map[string]any{"name": "x"}),
			UpdatedAt: time.Now().UTC(),
		})
		assert.Equal(t, models.StatusNotFound, status)
	})

	t.Run("corrupt fragment leaves state", func(t *testing.T) {
		before := e.node(space.ID)
		status := e.process(e.owner, &models.UpdateNodeData{NodeID: space.ID, Fragment: []byte{0x9f}, UpdatedAt: time.Now().UTC()})
		assert.Equal(t, models.StatusBadRequest, status)
		assert.Equal(t, before.VersionID, e.node(space.ID).VersionID)
	})

	t.Run("collaborator cannot grant", func(t *testing.T) {
		status := e.update(collaborator, space.ID, func(ed *docstate.Editor) error {
			return ed.Set(models.CollaboratorPath(collaborator.User.ID), string(models.RoleOwner))
		})
		assert.Equal(t, models.StatusForbidden, status)
	})

	t.Run("collaborator edits", func(t *testing.T) {
		before := e.node(space.ID)
		status := e.update(collaborator, space.ID, func(ed *docstate.Editor) error { return ed.Set("name", "Work") })
		assert.Equal(t, models.StatusOK, status)

		after := e.node(space.ID)
		assert.Equal(t, "Work", after.Attributes["name"])
		assert.NotEqual(t, before.VersionID, after.VersionID)
		require.NotNil(t, after.ServerUpdatedAt)
		require.NotNil(t, after.UpdatedBy)
		assert.Equal(t, collaborator.User.ID, *after.UpdatedBy)
	})

	t.Run("redundant fragment", func(t *testing.T) {
		frag := e.fragment(e.owner.Devices[0], space.ID, func(ed *docstate.Editor) error { return ed.Set("icon", "star") })
		first := &models.UpdateNodeData{NodeID: space.ID, Fragment: frag, UpdatedAt: time.Now().UTC()}
		require.Equal(t, models.StatusOK, e.process(e.owner, first))
		count := len(e.changes(e.owner.Devices[0], models.StreamNodes))

		again := &models.UpdateNodeData{NodeID: space.ID, Fragment: frag, UpdatedAt: time.Now().UTC()}
		assert.Equal(t, models.StatusOK, e.process(e.owner, again))
		assert.Len(t, e.changes(e.owner.Devices[0], models.StreamNodes), count)
	})
}

func TestConcurrentEditsConverge(t *testing.T) {
	for _, order := range []string{"ab", "ba"} {
		t.Run(order, func(t *testing.T) {
			e := newEnv(t)
			space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
			page := e.create(e.owner, models.NodeTypePage, space, map[string]any{"title": "base"})

			base, err := docstate.Decode(page.State)
			require.NoError(t, err)
			devA, devB := e.owner.Devices[0], e.owner.Devices[1]
			fragA := e.fragment(devA, page.ID, func(ed *docstate.Editor) error { return ed.Set("title", "A") })
			fragB := e.fragment(devB, page.ID, func(ed *docstate.Editor) error {
				if err := ed.Set("title", "B"); err != nil {
					return err
				}
				return ed.Set("body", "from B")
			})

			updates := map[byte]*models.UpdateNodeData{
				'a': {NodeID: page.ID, Fragment: fragA, UpdatedAt: time.Now().UTC()},
				'b': {NodeID: page.ID, Fragment: fragB, UpdatedAt: time.Now().UTC()},
			}
			for i := range order {
				require.Equal(t, models.StatusOK, e.process(e.owner, updates[order[i]]))
			}

			expected, err := docstate.Apply(base, fragA)
			require.NoError(t, err)
			expected, err = docstate.Apply(expected, fragB)
			require.NoError(t, err)
			want := expected.Project()

			got := e.node(page.ID).Attributes
			assert.Equal(t, want["title"], got["title"])
			assert.Equal(t, "from B", got["body"])
		})
	}
}

func TestDeleteNode(t *testing.T) {
	e := newEnv(t)
	collaborator := e.member(1)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	e.grant(e.owner, space.ID, collaborator.User.ID, models.RoleCollaborator)
	page := e.create(e.owner, models.NodeTypePage, space, map[string]any{"name": "p"})

	del := func(by *testenv.Member, id models.NodeID) models.Status {
		return e.process(by, &models.DeleteNodeData{NodeID: id, DeletedAt: time.Now().UTC()})
	}

	assert.Equal(t, models.StatusForbidden, del(collaborator, page.ID))
	assert.Equal(t, models.StatusOK, del(e.owner, page.ID))
	assert.Equal(t, models.StatusOK, del(e.owner, page.ID))
	assert.Equal(t, models.StatusNotFound, del(e.owner, models.NewNodeID(models.NodeTypePage)))

	tomb, err := e.store.GetTombstone(e.ctx, page.ID)
	require.NoError(t, err)
	require.NotNil(t, tomb)
	assert.False(t, tomb.CascadePending)

	nodes := e.changes(collaborator.Devices[0], models.StreamNodes)
	require.NotEmpty(t, nodes)
	last := nodes[len(nodes)-1]
	assert.Equal(t, models.ChangeActionDelete, last.Action)
	assert.Equal(t, string(page.ID), last.EntityID)
	assert.NotEmpty(t, last.Before)
	assert.Empty(t, last.After)
}

func TestCascadeCompleteness(t *testing.T) {
	for _, batch := range []int{1, 2, 3, 100} {
		t.Run(fmt.Sprintf("batch=%d", batch), func(t *testing.T) {
			e := newEnv(t, processor.WithCascadeBatchSize(batch))
			reader := e.member(1)
			now := time.Now().UTC()

			space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
			all := []models.NodeID{space.ID}
			var granted models.NodeID
			for i := 0; i < 2; i++ {
				folder := e.create(e.owner, models.NodeTypeFolder, space, map[string]any{"name": "f"})
				all = append(all, folder.ID)
				for j := 0; j < 3; j++ {
					page := e.create(e.owner, models.NodeTypePage, folder, map[string]any{"name": "p"})
					all = append(all, page.ID)
					if granted == "" {
						granted = page.ID
						e.grant(e.owner, page.ID, reader.User.ID, models.RoleViewer)
					}
					require.Equal(t, models.StatusCreated, e.process(e.owner, &models.UpdateDocumentData{
						DocumentID: page.ID,
						Fragment:   initialState(t, "d1", map[string]any{"text": "hello"}),
						UpdatedAt:  now,
					}))
					require.Equal(t, models.StatusCreated, e.process(e.owner, &models.CreateReactionData{NodeID: page.ID, Reaction: "+1", CreatedAt: now}))
					require.Equal(t, models.StatusCreated, e.process(e.owner, &models.MarkSeenData{NodeID: page.ID, SeenAt: now}))
					for k := 0; k < 2; k++ {
						msg := e.create(e.owner, models.NodeTypeMessage, page, map[string]any{"text": "m"})
						all = append(all, msg.ID)
					}
				}
			}
			require.Len(t, all, 21)

			status := e.process(e.owner, &models.DeleteNodeData{NodeID: space.ID, DeletedAt: now})
			require.Equal(t, models.StatusOK, status)

			pending, err := e.store.ListPendingTombstones(e.ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, pending)

			collabs, err := e.store.ListCollaborations(e.ctx, all)
			require.NoError(t, err)
			assert.Empty(t, collabs)

			children, err := e.store.ListChildren(e.ctx, all, 0)
			require.NoError(t, err)
			assert.Empty(t, children)

			for _, id := range all {
				n, err := e.store.GetNode(e.ctx, id)
				require.NoError(t, err)
				assert.Nil(t, n, id)

				tomb, err := e.store.GetTombstone(e.ctx, id)
				require.NoError(t, err)
				assert.NotNil(t, tomb, id)

				doc, err := e.store.GetDocument(e.ctx, id)
				require.NoError(t, err)
				assert.Nil(t, doc, id)

				r, err := e.store.GetReaction(e.ctx, id, e.owner.User.ID, "+1")
				require.NoError(t, err)
				assert.Nil(t, r, id)

				i, err := e.store.GetInteraction(e.ctx, id, e.owner.User.ID)
				require.NoError(t, err)
				assert.Nil(t, i, id)
			}

			// The reader only held a grant on one page and learns of its removal
			// from the cascade.
			nodes := e.changes(reader.Devices[0], models.StreamNodes)
			require.NotEmpty(t, nodes)
			last := nodes[len(nodes)-1]
			assert.Equal(t, models.ChangeActionDelete, last.Action)
			assert.Equal(t, string(granted), last.EntityID)
		})
	}
}

func TestResumeCascade(t *testing.T) {
	e := newEnv(t, processor.WithCascadeBatchSize(2))
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	var pages []models.NodeID
	for i := 0; i < 5; i++ {
		pages = append(pages, e.create(e.owner, models.NodeTypePage, space, map[string]any{"name": "p"}).ID)
	}

	// Simulate a crash right after the delete committed.
	now := time.Now().UTC()
	require.NoError(t, e.store.Transaction(e.ctx, func(tx store.Store) error {
		if err := tx.CreateTombstones(e.ctx, []*models.Tombstone{{
			ID: space.ID, Type: space.Type, RootID: space.RootID, WorkspaceID: e.ws.ID,
			CascadePending: true, DeletedAt: now, DeletedBy: e.owner.User.ID,
		}}); err != nil {
			return err
		}
		return tx.DeleteNodes(e.ctx, []models.NodeID{space.ID})
	}))

	require.NoError(t, e.proc.Cascader().Sweep(e.ctx))
	for _, id := range pages {
		n, err := e.store.GetNode(e.ctx, id)
		require.NoError(t, err)
		assert.Nil(t, n)
	}
	pending, err := e.store.ListPendingTombstones(e.ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReactionLastWriterWins(t *testing.T) {
	e := newEnv(t)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }

	react := func(h int) models.Status {
		return e.process(e.owner, &models.CreateReactionData{NodeID: space.ID, Reaction: "heart", CreatedAt: at(h)})
	}
	unreact := func(h int) models.Status {
		return e.process(e.owner, &models.DeleteReactionData{NodeID: space.ID, Reaction: "heart", DeletedAt: at(h)})
	}
	live := func() bool {
		r, err := e.store.GetReaction(e.ctx, space.ID, e.owner.User.ID, "heart")
		require.NoError(t, err)
		require.NotNil(t, r)
		return r.DeletedAt == nil
	}

	assert.Equal(t, models.StatusCreated, react(2))
	assert.Equal(t, models.StatusOK, unreact(1))
	assert.True(t, live())

	assert.Equal(t, models.StatusOK, unreact(3))
	assert.False(t, live())

	assert.Equal(t, models.StatusOK, react(2))
	assert.False(t, live())

	assert.Equal(t, models.StatusCreated, react(4))
	assert.True(t, live())

	reactions := e.changes(e.owner.Devices[1], models.StreamReactions)
	require.Len(t, reactions, 3)
	assert.Equal(t, models.ChangeActionInsert, reactions[0].Action)
	assert.Equal(t, models.ChangeActionDelete, reactions[1].Action)
	assert.Equal(t, models.ChangeActionInsert, reactions[2].Action)
}

func TestRetractionBeforeCreate(t *testing.T) {
	e := newEnv(t)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, models.StatusOK, e.process(e.owner, &models.DeleteReactionData{NodeID: space.ID, Reaction: "x", DeletedAt: now}))
	assert.Equal(t, models.StatusOK, e.process(e.owner, &models.CreateReactionData{NodeID: space.ID, Reaction: "x", CreatedAt: now.Add(-time.Minute)}))

	r, err := e.store.GetReaction(e.ctx, space.ID, e.owner.User.ID, "x")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.NotNil(t, r.DeletedAt)
	assert.Empty(t, e.changes(e.owner.Devices[0], models.StreamReactions))
}

func TestInteractions(t *testing.T) {
	e := newEnv(t)
	viewer := e.member(1)
	outsider := e.member(1)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	e.grant(e.owner, space.ID, viewer.User.ID, models.RoleViewer)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, models.StatusCreated, e.process(viewer, &models.MarkSeenData{NodeID: space.ID, SeenAt: base}))
	assert.Equal(t, models.StatusOK, e.process(viewer, &models.MarkSeenData{NodeID: space.ID, SeenAt: base.Add(-time.Hour)}))
	assert.Equal(t, models.StatusOK, e.process(viewer, &models.MarkOpenedData{NodeID: space.ID, OpenedAt: base.Add(time.Hour)}))
	assert.Equal(t, models.StatusForbidden, e.process(outsider, &models.MarkSeenData{NodeID: space.ID, SeenAt: base}))

	i, err := e.store.GetInteraction(e.ctx, space.ID, viewer.User.ID)
	require.NoError(t, err)
	require.NotNil(t, i)
	require.NotNil(t, i.FirstSeenAt)
	assert.True(t, i.FirstSeenAt.Equal(base))
	assert.True(t, i.LastSeenAt.Equal(base.Add(time.Hour)))
	assert.True(t, i.LastOpenedAt.Equal(base.Add(time.Hour)))

	assert.Len(t, e.changes(e.owner.Devices[0], models.StreamInteractions), 2)
}

func TestUpdateDocument(t *testing.T) {
	e := newEnv(t)
	viewer := e.member(1)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	page := e.create(e.owner, models.NodeTypePage, space, map[string]any{"name": "p"})
	e.grant(e.owner, space.ID, viewer.User.ID, models.RoleViewer)

	doc := docstate.New()
	ed := doc.Edit("d1")
	require.NoError(t, ed.Set("text", "hello"))
	first, err := ed.Fragment()
	require.NoError(t, err)
	ed = doc.Edit("d1")
	require.NoError(t, ed.Set("text", "hello world"))
	second, err := ed.Fragment()
	require.NoError(t, err)

	write := func(by *testenv.Member, frag []byte) models.Status {
		return e.process(by, &models.UpdateDocumentData{DocumentID: page.ID, Fragment: frag, UpdatedAt: time.Now().UTC()})
	}
	assert.Equal(t, models.StatusForbidden, write(viewer, first))
	assert.Equal(t, models.StatusCreated, write(e.owner, first))
	assert.Equal(t, models.StatusOK, write(e.owner, second))
	assert.Equal(t, models.StatusOK, write(e.owner, first))

	stored, err := e.store.GetDocument(e.ctx, page.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "hello world", stored.Content["text"])

	docs := e.changes(viewer.Devices[0], models.StreamDocuments)
	require.Len(t, docs, 2)
	assert.Equal(t, models.ChangeActionInsert, docs[0].Action)
	assert.Equal(t, models.ChangeActionUpdate, docs[1].Action)
}

func TestGrantBackfill(t *testing.T) {
	e := newEnv(t)
	reader := e.member(1)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	folder := e.create(e.owner, models.NodeTypeFolder, space, map[string]any{"name": "f"})
	page := e.create(e.owner, models.NodeTypePage, folder, map[string]any{"name": "p"})
	require.Equal(t, models.StatusCreated, e.process(e.owner, &models.UpdateDocumentData{
		DocumentID: page.ID,
		Fragment:   initialState(t, "d1", map[string]any{"text": "hello"}),
		UpdatedAt:  time.Now().UTC(),
	}))
	assert.Empty(t, e.changes(reader.Devices[0], models.StreamNodes))

	e.grant(e.owner, space.ID, reader.User.ID, models.RoleViewer)

	var entities []string
	for _, c := range e.changes(reader.Devices[0], models.StreamNodes) {
		entities = append(entities, c.EntityID)
	}
	assert.Equal(t, []string{string(space.ID), string(folder.ID), string(page.ID)}, entities)

	docs := e.changes(reader.Devices[0], models.StreamDocuments)
	require.Len(t, docs, 1)
	assert.Equal(t, string(page.ID), docs[0].EntityID)

	collabs := e.changes(reader.Devices[0], models.StreamCollaborations)
	require.Len(t, collabs, 1)
	assert.Equal(t, models.CollaborationEntityID(space.ID, reader.User.ID), collabs[0].EntityID)
}

func TestProcessBatchBlocksNodeAfterRetryableStatus(t *testing.T) {
	e := newEnv(t)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	pageID := models.NewNodeID(models.NodeTypePage)
	now := time.Now().UTC()

	mutations := []models.Mutation{
		e.mutation(&models.UpdateNodeData{NodeID: pageID, Fragment: initialState(t, "d1", map[string]any{"name": "x"}), UpdatedAt: now}),
		e.mutation(&models.CreateNodeData{NodeID: pageID, ParentID: &space.ID, Type: models.NodeTypePage, State: initialState(t, "d1", map[string]any{"name": "x"}), CreatedAt: now}),
		e.mutation(&models.MarkSeenData{NodeID: space.ID, SeenAt: now}),
		{ID: models.NewMutationID(), Type: "node.rename", CreatedAt: now},
	}
	results := e.proc.ProcessBatch(e.ctx, e.actor(e.owner), mutations)
	require.Len(t, results, 4)
	for i, m := range mutations {
		assert.Equal(t, m.ID, results[i].ID)
	}
	assert.Equal(t, models.StatusNotFound, results[0].Status)
	assert.Equal(t, models.StatusNotFound, results[1].Status)
	assert.Equal(t, models.StatusCreated, results[2].Status)
	assert.Equal(t, models.StatusBadRequest, results[3].Status)

	n, err := e.store.GetNode(e.ctx, pageID)
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestOneChangePerAcceptedMutation(t *testing.T) {
	e := newEnv(t)
	space := e.create(e.owner, models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
	page := e.create(e.owner, models.NodeTypePage, space, map[string]any{"name": "p"})
	now := time.Now().UTC()

	accepted := []models.Mutation{
		e.mutation(&models.UpdateNodeData{NodeID: page.ID, Fragment: e.fragment(e.owner.Devices[0], page.ID, func(ed *docstate.Editor) error { return ed.Set("name", "q") }), UpdatedAt: now}),
		e.mutation(&models.CreateReactionData{NodeID: page.ID, Reaction: "+1", CreatedAt: now}),
		e.mutation(&models.MarkOpenedData{NodeID: page.ID, OpenedAt: now}),
		e.mutation(&models.UpdateDocumentData{DocumentID: page.ID, Fragment: initialState(t, "d1", map[string]any{"text": "t"}), UpdatedAt: now}),
		e.mutation(&models.DeleteNodeData{NodeID: page.ID, DeletedAt: now}),
	}
	for _, r := range e.proc.ProcessBatch(e.ctx, e.actor(e.owner), accepted) {
		require.True(t, r.Status.IsSuccess(), r.Status.String())
	}

	counts := map[models.MutationID]int{}
	for _, stream := range models.Streams {
		for _, c := range e.changes(e.owner.Devices[0], stream) {
			if c.MutationID != nil {
				counts[*c.MutationID]++
			}
		}
	}
	for _, m := range accepted {
		assert.Equal(t, 1, counts[m.ID], m.Type)
	}
}
