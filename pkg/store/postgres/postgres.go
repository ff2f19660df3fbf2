// Package postgres implements [store.Store] with GORM.
//
// NewPostgresStore connects to PostgreSQL. NewSQLiteStore opens the same
// schema on SQLite for tests and single-node deployments; SQLite allows one
// writer, so that store is limited to a single open connection.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

// PostgresStore implements the Store interface using GORM.
type PostgresStore struct {
	db *gorm.DB
}

var _ store.Store = (*PostgresStore)(nil)

type Option func(*gorm.Config)

// WithLogLevel sets the GORM query log level. The default is silent.
func WithLogLevel(level gormlogger.LogLevel) Option {
	return func(c *gorm.Config) {
		c.Logger = gormlogger.Default.LogMode(level)
	}
}

func gormConfig(opts []Option) *gorm.Config {
	c := &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(dsn string, opts ...Option) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewSQLiteStore opens a SQLite database at path. Use ":memory:" for a
// throwaway database.
func NewSQLiteStore(path string, opts ...Option) (*PostgresStore, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on&_busy_timeout=5000"), gormConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return &PostgresStore{db: db}, nil
}

// Open picks the driver from the DSN: "sqlite:<path>" opens SQLite,
// anything else is handed to PostgreSQL.
func Open(dsn string, opts ...Option) (*PostgresStore, error) {
	const sqlitePrefix = "sqlite:"
	if len(dsn) > len(sqlitePrefix) && dsn[:len(sqlitePrefix)] == sqlitePrefix {
		return NewSQLiteStore(dsn[len(sqlitePrefix):], opts...)
	}
	return NewPostgresStore(dsn, opts...)
}

func (s *PostgresStore) getDB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Migrate creates or extends the schema with GORM's AutoMigrate. It is safe
// to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(
		&models.Account{},
		&models.Device{},
		&models.Workspace{},
		&models.User{},
		&models.Node{},
		&models.Tombstone{},
		&models.Document{},
		&models.Reaction{},
		&models.Interaction{},
		&models.Collaboration{},
		&models.MutationReceipt{},
		&models.ChangeRecord{},
		&models.ChangeTarget{},
		&models.Delivery{},
	)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	return s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&PostgresStore{db: tx})
	})
}

// first loads one row into dst and maps a missing row to found == false.
func first(db *gorm.DB, dst any, query string, args ...any) (bool, error) {
	err := db.Where(query, args...).Take(dst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Directory operations

func (s *PostgresStore) CreateAccount(ctx context.Context, account *models.Account) error {
	return s.getDB(ctx).Create(account).Error
}

func (s *PostgresStore) GetAccount(ctx context.Context, id models.AccountID) (*models.Account, error) {
	var account models.Account
	if ok, err := first(s.getDB(ctx), &account, "id = ?", id); !ok || err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	if ok, err := first(s.getDB(ctx), &account, "email = ?", email); !ok || err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	return s.getDB(ctx).Create(device).Error
}

func (s *PostgresStore) GetDevice(ctx context.Context, id models.DeviceID) (*models.Device, error) {
	var device models.Device
	if ok, err := first(s.getDB(ctx), &device, "id = ?", id); !ok || err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *PostgresStore) TouchDevice(ctx context.Context, id models.DeviceID, at time.Time) error {
	return s.getDB(ctx).Model(&models.Device{}).Where("id = ?", id).Update("last_seen_at", at).Error
}

func (s *PostgresStore) CreateWorkspace(ctx context.Context, workspace *models.Workspace) error {
	return s.getDB(ctx).Create(workspace).Error
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id models.WorkspaceID) (*models.Workspace, error) {
	var workspace models.Workspace
	if ok, err := first(s.getDB(ctx), &workspace, "id = ?", id); !ok || err != nil {
		return nil, err
	}
	return &workspace, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.getDB(ctx).Create(user).Error
}

func (s *PostgresStore) GetUser(ctx context.Context, id models.UserID) (*models.User, error) {
	var user models.User
	if ok, err := first(s.getDB(ctx), &user, "id = ?", id); !ok || err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *PostgresStore) GetWorkspaceUser(ctx context.Context, workspaceID models.WorkspaceID, accountID models.AccountID) (*models.User, error) {
	var user models.User
	if ok, err := first(s.getDB(ctx), &user, "workspace_id = ? AND account_id = ?", workspaceID, accountID); !ok || err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *PostgresStore) ListAccountUsers(ctx context.Context, accountID models.AccountID) ([]*models.User, error) {
	users := []*models.User{}
	err := s.getDB(ctx).Where("account_id = ?", accountID).Order("workspace_id").Find(&users).Error
	return users, err
}

func (s *PostgresStore) ListWorkspaceDevices(ctx context.Context, workspaceID models.WorkspaceID) ([]models.DeviceID, error) {
	ids := []models.DeviceID{}
	err := s.getDB(ctx).Model(&models.Device{}).
		Distinct("devices.id").
		Joins("JOIN users ON users.account_id = devices.account_id").
		Where("users.workspace_id = ?", workspaceID).
		Order("devices.id").
		Pluck("devices.id", &ids).Error
	return ids, err
}

func (s *PostgresStore) ListUserDevices(ctx context.Context, userIDs []models.UserID) ([]models.DeviceID, error) {
	ids := []models.DeviceID{}
	if len(userIDs) == 0 {
		return ids, nil
	}
	err := s.getDB(ctx).Model(&models.Device{}).
		Distinct("devices.id").
		Joins("JOIN users ON users.account_id = devices.account_id").
		Where("users.id IN ?", userIDs).
		Order("devices.id").
		Pluck("devices.id", &ids).Error
	return ids, err
}
