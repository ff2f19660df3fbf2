package testenv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
	"github.com/nodesync/nodesync/pkg/store/postgres"
)

// NewStore opens a migrated SQLite-backed store that is closed when the test
// ends.
func NewStore(t testing.TB) *postgres.PostgresStore {
	t.Helper()
	s, err := postgres.NewSQLiteStore(filepath.Join(t.TempDir(), "nodesync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// Member is a workspace user with its account and devices.
type Member struct {
	Account *models.Account
	User    *models.User
	Devices []*models.Device
}

// DeviceIDs returns the ids of the member's devices.
func (m *Member) DeviceIDs() []models.DeviceID {
	ids := make([]models.DeviceID, 0, len(m.Devices))
	for _, d := range m.Devices {
		ids = append(ids, d.ID)
	}
	return ids
}

// NewWorkspace creates an empty workspace.
func NewWorkspace(t testing.TB, s store.Store) *models.Workspace {
	t.Helper()
	ws := &models.Workspace{
		ID:        models.NewWorkspaceID(),
		Name:      "workspace",
		CreatedBy: models.NewAccountID(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateWorkspace(context.Background(), ws))
	return ws
}

// AddMember creates an account with the given number of devices and joins it
// to the workspace.
func AddMember(t testing.TB, s store.Store, workspaceID models.WorkspaceID, devices int) *Member {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	account := &models.Account{ID: models.NewAccountID(), CreatedAt: now}
	account.Email = account.ID.String() + "@example.com"
	require.NoError(t, s.CreateAccount(ctx, account))

	user := &models.User{
		ID:          models.NewUserID(),
		WorkspaceID: workspaceID,
		AccountID:   account.ID,
		CreatedAt:   now,
	}
	require.NoError(t, s.CreateUser(ctx, user))

	m := &Member{Account: account, User: user}
	for i := 0; i < devices; i++ {
		d := &models.Device{ID: models.NewDeviceID(), AccountID: account.ID, CreatedAt: now}
		require.NoError(t, s.CreateDevice(ctx, d))
		m.Devices = append(m.Devices, d)
	}
	return m
}
