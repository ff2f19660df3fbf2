package postgres

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nodesync/nodesync/pkg/models"
)

func (s *PostgresStore) CreateNode(ctx context.Context, node *models.Node) error {
	return s.getDB(ctx).Create(node).Error
}

func (s *PostgresStore) GetNode(ctx context.Context, id models.NodeID) (*models.Node, error) {
	var node models.Node
	if ok, err := first(s.getDB(ctx), &node, "id = ?", id); !ok || err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *PostgresStore) UpdateNode(ctx context.Context, node *models.Node, expected models.VersionID) (bool, error) {
	res := s.getDB(ctx).Model(&models.Node{}).
		Where("id = ? AND version_id = ?", node.ID, expected).
		Updates(map[string]any{
			"attributes":        node.Attributes,
			"state":             node.State,
			"updated_at":        node.UpdatedAt,
			"updated_by":        node.UpdatedBy,
			"version_id":        node.VersionID,
			"server_updated_at": node.ServerUpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *PostgresStore) ListChildren(ctx context.Context, parentIDs []models.NodeID, limit int) ([]*models.Node, error) {
	nodes := []*models.Node{}
	if len(parentIDs) == 0 {
		return nodes, nil
	}
	q := s.getDB(ctx).Where("parent_id IN ?", parentIDs).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&nodes).Error
	return nodes, err
}

func (s *PostgresStore) DeleteNodes(ctx context.Context, ids []models.NodeID) error {
	if len(ids) == 0 {
		return nil
	}
	db := s.getDB(ctx)
	for _, rel := range []any{
		&models.Collaboration{},
		&models.Reaction{},
		&models.Interaction{},
	} {
		if err := db.Where("node_id IN ?", ids).Delete(rel).Error; err != nil {
			return err
		}
	}
	if err := db.Where("id IN ?", ids).Delete(&models.Document{}).Error; err != nil {
		return err
	}
	return db.Where("id IN ?", ids).Delete(&models.Node{}).Error
}

func (s *PostgresStore) CreateTombstones(ctx context.Context, tombstones []*models.Tombstone) error {
	if len(tombstones) == 0 {
		return nil
	}
	return s.getDB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&tombstones).Error
}

func (s *PostgresStore) GetTombstone(ctx context.Context, id models.NodeID) (*models.Tombstone, error) {
	var t models.Tombstone
	if ok, err := first(s.getDB(ctx), &t, "id = ?", id); !ok || err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListPendingTombstones(ctx context.Context, limit int) ([]*models.Tombstone, error) {
	out := []*models.Tombstone{}
	q := s.getDB(ctx).Where("cascade_pending = ?", true).Order("deleted_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *PostgresStore) ClearCascadePending(ctx context.Context, ids []models.NodeID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.getDB(ctx).Model(&models.Tombstone{}).Where("id IN ?", ids).Update("cascade_pending", false).Error
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	return s.getDB(ctx).Create(doc).Error
}

func (s *PostgresStore) GetDocument(ctx context.Context, id models.NodeID) (*models.Document, error) {
	var doc models.Document
	if ok, err := first(s.getDB(ctx), &doc, "id = ?", id); !ok || err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, doc *models.Document, expected models.VersionID) (bool, error) {
	res := s.getDB(ctx).Model(&models.Document{}).
		Where("id = ? AND version_id = ?", doc.ID, expected).
		Updates(map[string]any{
			"content":           doc.Content,
			"state":             doc.State,
			"updated_at":        doc.UpdatedAt,
			"updated_by":        doc.UpdatedBy,
			"version_id":        doc.VersionID,
			"server_updated_at": doc.ServerUpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *PostgresStore) GetReaction(ctx context.Context, nodeID models.NodeID, userID models.UserID, reaction string) (*models.Reaction, error) {
	var r models.Reaction
	if ok, err := first(s.getDB(ctx), &r, "node_id = ? AND user_id = ? AND reaction = ?", nodeID, userID, reaction); !ok || err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) SaveReaction(ctx context.Context, reaction *models.Reaction) error {
	return upsert(s.getDB(ctx), reaction)
}

func (s *PostgresStore) GetInteraction(ctx context.Context, nodeID models.NodeID, userID models.UserID) (*models.Interaction, error) {
	var i models.Interaction
	if ok, err := first(s.getDB(ctx), &i, "node_id = ? AND user_id = ?", nodeID, userID); !ok || err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *PostgresStore) SaveInteraction(ctx context.Context, interaction *models.Interaction) error {
	return upsert(s.getDB(ctx), interaction)
}

func (s *PostgresStore) ListCollaborations(ctx context.Context, nodeIDs []models.NodeID) ([]*models.Collaboration, error) {
	out := []*models.Collaboration{}
	if len(nodeIDs) == 0 {
		return out, nil
	}
	err := s.getDB(ctx).Where("node_id IN ?", nodeIDs).Order("node_id, user_id").Find(&out).Error
	return out, err
}

func (s *PostgresStore) ListUserCollaborations(ctx context.Context, userID models.UserID, nodeIDs []models.NodeID) ([]*models.Collaboration, error) {
	out := []*models.Collaboration{}
	if len(nodeIDs) == 0 {
		return out, nil
	}
	err := s.getDB(ctx).Where("user_id = ? AND node_id IN ?", userID, nodeIDs).Find(&out).Error
	return out, err
}

func (s *PostgresStore) SaveCollaboration(ctx context.Context, collaboration *models.Collaboration) error {
	return upsert(s.getDB(ctx), collaboration)
}

func (s *PostgresStore) DeleteCollaboration(ctx context.Context, nodeID models.NodeID, userID models.UserID) error {
	return s.getDB(ctx).Where("node_id = ? AND user_id = ?", nodeID, userID).Delete(&models.Collaboration{}).Error
}

func (s *PostgresStore) GetMutationReceipt(ctx context.Context, id models.MutationID) (*models.MutationReceipt, error) {
	var r models.MutationReceipt
	if ok, err := first(s.getDB(ctx), &r, "id = ?", id); !ok || err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateMutationReceipt(ctx context.Context, receipt *models.MutationReceipt) error {
	return s.getDB(ctx).Create(receipt).Error
}

// upsert inserts v or overwrites every column of the row with the same
// primary key.
func upsert(db *gorm.DB, v any) error {
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(v).Error
}
