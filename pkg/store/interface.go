// Package store defines the authoritative server-side persistence layer.
//
// The [Store] interface covers the account directory (accounts, devices,
// workspaces, workspace users), the node tree with its node-scoped relations
// (documents, reactions, interactions, collaborations), tombstones of deleted
// nodes, mutation receipts, and the change log with its delivery state.
//
// Reads follow one convention: Get methods return nil without error for
// missing entities, and List methods return empty slices, never nil.
//
// Every group of writes that must commit together runs through
// [Store.Transaction]. The callback receives a Store bound to the transaction;
// using the outer Store inside the callback escapes the transaction.
//
// The only implementation is
// [github.com/nodesync/nodesync/pkg/store/postgres.PostgresStore], which runs
// on PostgreSQL in production and on SQLite in tests and single-node setups.
package store

import (
	"context"
	"time"

	"github.com/nodesync/nodesync/pkg/models"
)

type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Transaction runs fn inside a database transaction. Returning an error
	// from fn rolls back every write made through tx.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Directory
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id models.AccountID) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id models.DeviceID) (*models.Device, error)
	TouchDevice(ctx context.Context, id models.DeviceID, at time.Time) error
	CreateWorkspace(ctx context.Context, workspace *models.Workspace) error
	GetWorkspace(ctx context.Context, id models.WorkspaceID) (*models.Workspace, error)
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id models.UserID) (*models.User, error)
	GetWorkspaceUser(ctx context.Context, workspaceID models.WorkspaceID, accountID models.AccountID) (*models.User, error)
	ListAccountUsers(ctx context.Context, accountID models.AccountID) ([]*models.User, error)
	// ListWorkspaceDevices returns the devices of every member of a workspace.
	ListWorkspaceDevices(ctx context.Context, workspaceID models.WorkspaceID) ([]models.DeviceID, error)
	// ListUserDevices returns the devices of the accounts behind the given users.
	ListUserDevices(ctx context.Context, userIDs []models.UserID) ([]models.DeviceID, error)

	// Nodes
	CreateNode(ctx context.Context, node *models.Node) error
	GetNode(ctx context.Context, id models.NodeID) (*models.Node, error)
	// UpdateNode replaces the mutable fields of node when its stored version
	// still equals expected. It reports false when another writer got there
	// first.
	UpdateNode(ctx context.Context, node *models.Node, expected models.VersionID) (bool, error)
	// ListChildren returns up to limit children of any of the parents,
	// ordered by id.
	ListChildren(ctx context.Context, parentIDs []models.NodeID, limit int) ([]*models.Node, error)
	// DeleteNodes removes nodes together with their documents, reactions,
	// interactions and collaborations.
	DeleteNodes(ctx context.Context, ids []models.NodeID) error

	// Tombstones
	CreateTombstones(ctx context.Context, tombstones []*models.Tombstone) error
	GetTombstone(ctx context.Context, id models.NodeID) (*models.Tombstone, error)
	// ListPendingTombstones returns the cascade frontier, oldest first.
	ListPendingTombstones(ctx context.Context, limit int) ([]*models.Tombstone, error)
	ClearCascadePending(ctx context.Context, ids []models.NodeID) error

	// Documents
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id models.NodeID) (*models.Document, error)
	UpdateDocument(ctx context.Context, doc *models.Document, expected models.VersionID) (bool, error)

	// Reactions and interactions
	GetReaction(ctx context.Context, nodeID models.NodeID, userID models.UserID, reaction string) (*models.Reaction, error)
	SaveReaction(ctx context.Context, reaction *models.Reaction) error
	GetInteraction(ctx context.Context, nodeID models.NodeID, userID models.UserID) (*models.Interaction, error)
	SaveInteraction(ctx context.Context, interaction *models.Interaction) error

	// Collaborations
	ListCollaborations(ctx context.Context, nodeIDs []models.NodeID) ([]*models.Collaboration, error)
	ListUserCollaborations(ctx context.Context, userID models.UserID, nodeIDs []models.NodeID) ([]*models.Collaboration, error)
	SaveCollaboration(ctx context.Context, collaboration *models.Collaboration) error
	DeleteCollaboration(ctx context.Context, nodeID models.NodeID, userID models.UserID) error

	// Mutation receipts
	GetMutationReceipt(ctx context.Context, id models.MutationID) (*models.MutationReceipt, error)
	CreateMutationReceipt(ctx context.Context, receipt *models.MutationReceipt) error

	// Change log
	// AppendChange inserts the record and its targets. change.ID is set to
	// the assigned cursor position.
	AppendChange(ctx context.Context, change *models.ChangeRecord) error
	// ListChanges returns the changes of a stream targeted at a device, with
	// ids above after, ascending.
	ListChanges(ctx context.Context, deviceID models.DeviceID, workspaceID models.WorkspaceID, stream models.Stream, after int64, limit int) ([]*models.ChangeRecord, error)
	// LastChangeID returns the highest change id of a stream targeted at a
	// device, or 0.
	LastChangeID(ctx context.Context, deviceID models.DeviceID, workspaceID models.WorkspaceID, stream models.Stream) (int64, error)

	// Deliveries
	CreateDeliveries(ctx context.Context, deliveries []*models.Delivery) error
	// ListPendingDeliveries returns deliveries not yet notified and below the
	// retry ceiling, oldest first.
	ListPendingDeliveries(ctx context.Context, ceiling, limit int) ([]*models.Delivery, error)
	SaveDelivery(ctx context.Context, delivery *models.Delivery) error
	DeleteDelivery(ctx context.Context, changeID int64, deviceID models.DeviceID) error
	// AckDeliveries removes the deliveries of a device stream up to and
	// including upTo. It returns the number of rows removed.
	AckDeliveries(ctx context.Context, deviceID models.DeviceID, workspaceID models.WorkspaceID, stream models.Stream, upTo int64) (int64, error)
	// PruneDeliveries removes deliveries that reached the retry ceiling.
	PruneDeliveries(ctx context.Context, ceiling int) (int64, error)
}
