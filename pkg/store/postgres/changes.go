package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"

	"github.com/nodesync/nodesync/pkg/models"
)

// AppendChange holds a per-workspace advisory lock until the surrounding
// transaction ends. Change ids of a workspace are then assigned and committed
// in the same order, so a reader never sees id n+1 before id n and a cursor
// never skips a change committed late.
func (s *PostgresStore) AppendChange(ctx context.Context, change *models.ChangeRecord) error {
	db := s.getDB(ctx)
	if err := lockChangeLog(db, change.WorkspaceID); err != nil {
		return fmt.Errorf("failed to lock change log: %w", err)
	}
	return db.Create(change).Error
}

// lockChangeLog is a no-op on SQLite, which already serializes writers.
func lockChangeLog(db *gorm.DB, workspaceID models.WorkspaceID) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	return db.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "changes:"+string(workspaceID)).Error
}

func (s *PostgresStore) changesFor(ctx context.Context, deviceID models.DeviceID, workspaceID models.WorkspaceID, stream models.Stream) *gorm.DB {
	return s.getDB(ctx).Model(&models.ChangeRecord{}).
		Joins("JOIN change_targets ON change_targets.change_id = changes.id").
		Where("change_targets.device_id = ? AND changes.workspace_id = ? AND changes.stream = ?", deviceID, workspaceID, stream)
}

func (s *PostgresStore) ListChanges(ctx context.Context, deviceID models.DeviceID, workspaceID models.WorkspaceID, stream models.Stream, after int64, limit int) ([]*models.ChangeRecord, error) {
	out := []*models.ChangeRecord{}
	q := s.changesFor(ctx, deviceID, workspaceID, stream).
		Where("changes.id > ?", after).
		Order("changes.id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *PostgresStore) LastChangeID(ctx context.Context, deviceID models.DeviceID, workspaceID models.WorkspaceID, stream models.Stream) (int64, error) {
	var last sql.NullInt64
	err := s.changesFor(ctx, deviceID, workspaceID, stream).
		Select("MAX(changes.id)").
		Scan(&last).Error
	if err != nil {
		return 0, err
	}
	return last.Int64, nil
}

func (s *PostgresStore) CreateDeliveries(ctx context.Context, deliveries []*models.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	return s.getDB(ctx).Create(&deliveries).Error
}

func (s *PostgresStore) ListPendingDeliveries(ctx context.Context, ceiling, limit int) ([]*models.Delivery, error) {
	out := []*models.Delivery{}
	q := s.getDB(ctx).Where("notified_at IS NULL")
	if ceiling > 0 {
		q = q.Where("retry_count < ?", ceiling)
	}
	q = q.Order("change_id, device_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *PostgresStore) SaveDelivery(ctx context.Context, delivery *models.Delivery) error {
	return s.getDB(ctx).Save(delivery).Error
}

func (s *PostgresStore) DeleteDelivery(ctx context.Context, changeID int64, deviceID models.DeviceID) error {
	return s.getDB(ctx).Where("change_id = ? AND device_id = ?", changeID, deviceID).Delete(&models.Delivery{}).Error
}

func (s *PostgresStore) AckDeliveries(ctx context.Context, deviceID models.DeviceID, workspaceID models.WorkspaceID, stream models.Stream, upTo int64) (int64, error) {
	res := s.getDB(ctx).
		Where("device_id = ? AND workspace_id = ? AND stream = ? AND change_id <= ?", deviceID, workspaceID, stream, upTo).
		Delete(&models.Delivery{})
	return res.RowsAffected, res.Error
}

func (s *PostgresStore) PruneDeliveries(ctx context.Context, ceiling int) (int64, error) {
	res := s.getDB(ctx).Where("retry_count >= ?", ceiling).Delete(&models.Delivery{})
	return res.RowsAffected, res.Error
}
