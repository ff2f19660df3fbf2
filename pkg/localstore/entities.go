package localstore

import (
	"errors"

	"github.com/nodesync/nodesync/pkg/models"
)

func (t *Tx) GetNode(id models.NodeID) (*models.Node, error) {
	var n models.Node
	if err := t.get(bucketNodes, string(id), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (t *Tx) PutNode(n *models.Node) error {
	return t.put(bucketNodes, string(n.ID), n)
}

func (t *Tx) DeleteNode(id models.NodeID) error {
	return t.delete(bucketNodes, string(id))
}

// ListNodes returns every node of a workspace.
func (t *Tx) ListNodes(workspaceID models.WorkspaceID) ([]*models.Node, error) {
	nodes := []*models.Node{}
	err := forEach(t, bucketNodes, "", func(_ string, n *models.Node) error {
		if n.WorkspaceID == workspaceID {
			nodes = append(nodes, n)
		}
		return nil
	})
	return nodes, err
}

// ListChildren returns the direct children of a node.
func (t *Tx) ListChildren(parentID models.NodeID) ([]*models.Node, error) {
	nodes := []*models.Node{}
	err := forEach(t, bucketNodes, "", func(_ string, n *models.Node) error {
		if n.ParentID != nil && *n.ParentID == parentID {
			nodes = append(nodes, n)
		}
		return nil
	})
	return nodes, err
}

// DeleteNodeTree removes a node and every local relation of it and its
// descendants. The tree is walked level by level.
func (t *Tx) DeleteNodeTree(id models.NodeID) ([]models.NodeID, error) {
	var removed []models.NodeID
	frontier := []models.NodeID{id}
	for len(frontier) > 0 {
		var next []models.NodeID
		for _, nodeID := range frontier {
			children, err := t.ListChildren(nodeID)
			if err != nil {
				return removed, err
			}
			for _, c := range children {
				next = append(next, c.ID)
			}
			if err := t.deleteNodeRelations(nodeID); err != nil {
				return removed, err
			}
			removed = append(removed, nodeID)
		}
		frontier = next
	}
	return removed, nil
}

func (t *Tx) deleteNodeRelations(id models.NodeID) error {
	if err := t.DeleteNode(id); err != nil {
		return err
	}
	if err := t.DeleteDocument(id); err != nil {
		return err
	}
	prefix := string(id) + ":"
	for _, name := range [][]byte{bucketReactions, bucketInteractions, bucketCollaborations} {
		if err := t.deletePrefix(name, prefix); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) deletePrefix(name []byte, prefix string) error {
	b, err := t.bucket(name)
	if err != nil {
		return err
	}
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek([]byte(prefix)); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) GetDocument(id models.NodeID) (*models.Document, error) {
	var d models.Document
	if err := t.get(bucketDocuments, string(id), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *Tx) PutDocument(d *models.Document) error {
	return t.put(bucketDocuments, string(d.ID), d)
}

func (t *Tx) DeleteDocument(id models.NodeID) error {
	return t.delete(bucketDocuments, string(id))
}

func (t *Tx) GetReaction(nodeID models.NodeID, userID models.UserID, reaction string) (*models.Reaction, error) {
	var r models.Reaction
	if err := t.get(bucketReactions, models.ReactionEntityID(nodeID, userID, reaction), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *Tx) PutReaction(r *models.Reaction) error {
	return t.put(bucketReactions, models.ReactionEntityID(r.NodeID, r.UserID, r.Reaction), r)
}

func (t *Tx) DeleteReaction(nodeID models.NodeID, userID models.UserID, reaction string) error {
	return t.delete(bucketReactions, models.ReactionEntityID(nodeID, userID, reaction))
}

// ListReactions returns the live reactions on a node.
func (t *Tx) ListReactions(nodeID models.NodeID) ([]*models.Reaction, error) {
	out := []*models.Reaction{}
	err := forEach(t, bucketReactions, string(nodeID)+":", func(_ string, r *models.Reaction) error {
		if r.DeletedAt == nil || r.CreatedAt.After(*r.DeletedAt) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (t *Tx) GetInteraction(nodeID models.NodeID, userID models.UserID) (*models.Interaction, error) {
	var i models.Interaction
	if err := t.get(bucketInteractions, models.InteractionEntityID(nodeID, userID), &i); err != nil {
		return nil, err
	}
	return &i, nil
}

func (t *Tx) PutInteraction(i *models.Interaction) error {
	return t.put(bucketInteractions, models.InteractionEntityID(i.NodeID, i.UserID), i)
}

func (t *Tx) PutCollaboration(c *models.Collaboration) error {
	return t.put(bucketCollaborations, models.CollaborationEntityID(c.NodeID, c.UserID), c)
}

func (t *Tx) DeleteCollaboration(nodeID models.NodeID, userID models.UserID) error {
	return t.delete(bucketCollaborations, models.CollaborationEntityID(nodeID, userID))
}

// ListCollaborations returns the grants on a node.
func (t *Tx) ListCollaborations(nodeID models.NodeID) ([]*models.Collaboration, error) {
	out := []*models.Collaboration{}
	err := forEach(t, bucketCollaborations, string(nodeID)+":", func(_ string, c *models.Collaboration) error {
		out = append(out, c)
		return nil
	})
	return out, err
}

// IsNotFound reports whether err is a missing-entry error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
