package fanout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodesync/nodesync/internal/testenv"
	"github.com/nodesync/nodesync/pkg/fanout"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

type fakeHub struct {
	mu        sync.Mutex
	connected map[models.DeviceID]bool
	failing   map[models.DeviceID]bool
	hints     map[models.DeviceID][]fanout.Hint
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		connected: map[models.DeviceID]bool{},
		failing:   map[models.DeviceID]bool{},
		hints:     map[models.DeviceID][]fanout.Hint{},
	}
}

func (h *fakeHub) Connected(id models.DeviceID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected[id]
}

func (h *fakeHub) Notify(_ context.Context, id models.DeviceID, hint fanout.Hint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failing[id] {
		return errors.New("write: broken pipe")
	}
	h.hints[id] = append(h.hints[id], hint)
	return nil
}

type fixture struct {
	store  store.Store
	ws     *models.Workspace
	owner  *testenv.Member
	reader *testenv.Member
	other  *testenv.Member
	space  *models.Node
	page   *models.Node
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s := testenv.NewStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f := &fixture{store: s}
	f.ws = testenv.NewWorkspace(t, s)
	f.owner = testenv.AddMember(t, s, f.ws.ID, 2)
	f.reader = testenv.AddMember(t, s, f.ws.ID, 1)
	f.other = testenv.AddMember(t, s, f.ws.ID, 1)

	spaceID := models.NewNodeID(models.NodeTypeSpace)
	f.space = &models.Node{ID: spaceID, Type: models.NodeTypeSpace, RootID: spaceID, WorkspaceID: f.ws.ID, State: []byte{0xa0}, CreatedAt: now, CreatedBy: f.owner.User.ID, VersionID: models.NewVersionID(), ServerCreatedAt: now}
	pageID := models.NewNodeID(models.NodeTypePage)
	f.page = &models.Node{ID: pageID, Type: models.NodeTypePage, ParentID: &spaceID, RootID: spaceID, WorkspaceID: f.ws.ID, State: []byte{0xa0}, CreatedAt: now, CreatedBy: f.owner.User.ID, VersionID: models.NewVersionID(), ServerCreatedAt: now}
	require.NoError(t, s.CreateNode(ctx, f.space))
	require.NoError(t, s.CreateNode(ctx, f.page))

	for _, c := range []*models.Collaboration{
		{NodeID: spaceID, UserID: f.owner.User.ID, WorkspaceID: f.ws.ID, Role: models.RoleOwner, CreatedAt: now, UpdatedAt: now},
		{NodeID: pageID, UserID: f.reader.User.ID, WorkspaceID: f.ws.ID, Role: models.RoleViewer, CreatedAt: now, UpdatedAt: now},
	} {
		require.NoError(t, s.SaveCollaboration(ctx, c))
	}
	return f
}

func (f *fixture) pageChange() *models.ChangeRecord {
	return &models.ChangeRecord{
		WorkspaceID: f.ws.ID,
		Stream:      models.StreamNodes,
		Action:      models.ChangeActionUpdate,
		EntityID:    string(f.page.ID),
		RootID:      f.page.RootID,
		CreatedAt:   time.Now().UTC(),
	}
}

func (f *fixture) subject(n *models.Node) fanout.Subject {
	return fanout.Subject{WorkspaceID: n.WorkspaceID, NodeID: n.ID, NodeType: n.Type}
}

func TestResolveTargets(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	devices, err := fanout.ResolveTargets(ctx, f.store, f.subject(f.page))
	require.NoError(t, err)
	assert.ElementsMatch(t, append(f.owner.DeviceIDs(), f.reader.DeviceIDs()...), devices)

	devices, err = fanout.ResolveTargets(ctx, f.store, f.subject(f.space))
	require.NoError(t, err)
	assert.ElementsMatch(t, f.owner.DeviceIDs(), devices)

	userNode := fanout.Subject{WorkspaceID: f.ws.ID, NodeID: f.other.User.ID.NodeID(), NodeType: models.NodeTypeUser}
	devices, err = fanout.ResolveTargets(ctx, f.store, userNode)
	require.NoError(t, err)
	assert.Len(t, devices, 4)
}

func TestRecordSkipsOriginDelivery(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	origin := f.owner.Devices[0].ID

	change := f.pageChange()
	require.NoError(t, fanout.NewRecorder().Record(ctx, f.store, change, f.subject(f.page), origin, f.other.User.ID))
	require.Len(t, change.Targets, 4)

	pending, err := f.store.ListPendingDeliveries(ctx, 5, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, d := range pending {
		assert.NotEqual(t, origin, d.DeviceID)
	}

	pulled, err := f.store.ListChanges(ctx, origin, f.ws.ID, models.StreamNodes, 0, 10)
	require.NoError(t, err)
	assert.Len(t, pulled, 1)
}

func TestDispatcherCountsSuccessAndFailureSeparately(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	hub := newFakeHub()
	ok, broken, offline := f.owner.Devices[1].ID, f.reader.Devices[0].ID, f.owner.Devices[0].ID
	hub.connected[ok] = true
	hub.connected[broken] = true
	hub.failing[broken] = true

	rec := fanout.NewRecorder()
	var last *models.ChangeRecord
	for i := 0; i < 3; i++ {
		last = f.pageChange()
		require.NoError(t, rec.Record(ctx, f.store, last, f.subject(f.page), models.DeviceID{}))
	}

	d := fanout.NewDispatcher(f.store, hub, fanout.WithRetryCeiling(5))

	stats, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, fanout.Stats{Notified: 3, Failed: 3, Offline: 3}, stats)

	require.Len(t, hub.hints[ok], 1)
	assert.Equal(t, last.Cursor(), hub.hints[ok][0].Cursor)
	assert.Equal(t, models.StreamNodes, hub.hints[ok][0].Stream)

	pending, err := f.store.ListPendingDeliveries(ctx, 5, 0)
	require.NoError(t, err)
	for _, del := range pending {
		assert.NotEqual(t, ok, del.DeviceID)
		if del.DeviceID == broken {
			assert.Equal(t, 1, del.RetryCount)
		} else {
			assert.Zero(t, del.RetryCount)
		}
	}

	for round := 2; round <= 5; round++ {
		_, err := d.DispatchOnce(ctx)
		require.NoError(t, err)
	}

	pending, err = f.store.ListPendingDeliveries(ctx, 0, 0)
	require.NoError(t, err)
	for _, del := range pending {
		assert.Equal(t, offline, del.DeviceID, "broken deliveries are pruned at the ceiling")
	}

	// The pruned device recovers by pulling.
	changes, err := fanout.NewFeed(f.store).Pull(ctx, broken, f.ws.ID, models.StreamNodes, "", 0)
	require.NoError(t, err)
	assert.Len(t, changes, 3)
}

func TestDispatcherPrunesAfterCeilingIsLowered(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	hub := newFakeHub()
	broken := f.reader.Devices[0].ID
	hub.connected[broken] = true
	hub.failing[broken] = true

	require.NoError(t, fanout.NewRecorder().Record(ctx, f.store, f.pageChange(), f.subject(f.page), models.DeviceID{}))

	d := fanout.NewDispatcher(f.store, hub, fanout.WithRetryCeiling(5))
	for round := 0; round < 2; round++ {
		_, err := d.DispatchOnce(ctx)
		require.NoError(t, err)
	}

	stats, err := fanout.NewDispatcher(f.store, hub, fanout.WithRetryCeiling(2)).DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, fanout.Stats{Pruned: 1, Offline: 2}, stats)

	pending, err := f.store.ListPendingDeliveries(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, del := range pending {
		assert.NotEqual(t, broken, del.DeviceID)
	}
}

func TestHintCarriesStreamHead(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	hub := newFakeHub()
	device := f.owner.Devices[1].ID
	hub.connected[device] = true
	rec := fanout.NewRecorder()

	first := f.pageChange()
	require.NoError(t, rec.Record(ctx, f.store, first, f.subject(f.page), models.DeviceID{}))
	// The device made the second change itself, so it has no delivery for it.
	second := f.pageChange()
	require.NoError(t, rec.Record(ctx, f.store, second, f.subject(f.page), device))

	_, err := fanout.NewDispatcher(f.store, hub).DispatchOnce(ctx)
	require.NoError(t, err)
	require.Len(t, hub.hints[device], 1)
	assert.Equal(t, second.Cursor(), hub.hints[device][0].Cursor)
}

func TestFeedReturnsAccumulatedChangesInOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	device := f.reader.Devices[0].ID
	rec := fanout.NewRecorder()

	var want []int64
	for i := 0; i < 5; i++ {
		c := f.pageChange()
		require.NoError(t, rec.Record(ctx, f.store, c, f.subject(f.page), models.DeviceID{}))
		want = append(want, c.ID)
	}

	feed := fanout.NewFeed(f.store)
	changes, err := feed.Pull(ctx, device, f.ws.ID, models.StreamNodes, "", 100)
	require.NoError(t, err)
	got := make([]int64, 0, len(changes))
	for _, c := range changes {
		got = append(got, c.ID)
	}
	assert.Equal(t, want, got)

	changes, err = feed.Pull(ctx, device, f.ws.ID, models.StreamNodes, models.FormatCursor(want[2]), 100)
	require.NoError(t, err)
	assert.Len(t, changes, 2)

	pending, err := f.store.ListPendingDeliveries(ctx, 5, 0)
	require.NoError(t, err)
	for _, d := range pending {
		if d.DeviceID == device {
			assert.Greater(t, d.ChangeID, want[2])
		}
	}

	_, err = feed.Pull(ctx, device, f.ws.ID, models.StreamNodes, "-1", 100)
	require.Error(t, err)
	_, err = feed.Pull(ctx, device, f.ws.ID, "bogus", "", 100)
	require.Error(t, err)
}
