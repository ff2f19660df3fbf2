package outbox

import (
	"fmt"

	"github.com/nodesync/nodesync/pkg/docstate"
	"github.com/nodesync/nodesync/pkg/localstore"
	"github.com/nodesync/nodesync/pkg/models"
)

func (o *Outbox) writer() string { return o.id.DeviceID.String() }

// CreateNode creates a node locally with the given attributes and queues its
// create mutation. A non-nil parent must exist in the local replica.
func (o *Outbox) CreateNode(nodeType models.NodeType, parentID *models.NodeID, attrs map[string]any) (*models.Node, error) {
	id := models.NewNodeID(nodeType)
	if nodeType == models.NodeTypeUser {
		id = o.id.UserID.NodeID()
	}
	return o.CreateNodeWithID(id, nodeType, parentID, attrs)
}

// CreateNodeWithID is CreateNode with a caller-chosen id.
func (o *Outbox) CreateNodeWithID(id models.NodeID, nodeType models.NodeType, parentID *models.NodeID, attrs map[string]any) (*models.Node, error) {
	state := docstate.New()
	editor := state.Edit(o.writer())
	if err := editor.SetAll(attrs); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidMutation, err)
	}
	encoded, err := state.Encode()
	if err != nil {
		return nil, err
	}

	now := o.now()
	node := &models.Node{
		ID:          id,
		Type:        nodeType,
		ParentID:    parentID,
		RootID:      id,
		WorkspaceID: o.id.WorkspaceID,
		Attributes:  state.Project(),
		State:       encoded,
		CreatedAt:   now,
		CreatedBy:   o.id.UserID,
		VersionID:   models.NewVersionID(),
	}

	err = o.update(func(tx *localstore.Tx) error {
		if parentID != nil {
			parent, err := tx.GetNode(*parentID)
			if localstore.IsNotFound(err) {
				return fmt.Errorf("%w: parent %s", ErrNodeNotFound, *parentID)
			}
			if err != nil {
				return err
			}
			node.RootID = parent.RootID
		}
		if _, err := o.Enqueue(tx, &models.CreateNodeData{
			NodeID:    id,
			ParentID:  parentID,
			Type:      nodeType,
			State:     encoded,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.PutNode(node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// UpdateNode edits a node's document state through fn and queues the
// resulting fragment. An edit that writes nothing queues nothing.
func (o *Outbox) UpdateNode(id models.NodeID, fn func(e *docstate.Editor) error) (*models.Node, error) {
	var node *models.Node
	err := o.update(func(tx *localstore.Tx) error {
		var err error
		node, err = tx.GetNode(id)
		if localstore.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		if err != nil {
			return err
		}

		state, err := docstate.Decode(node.State)
		if err != nil {
			return err
		}
		editor := state.Edit(o.writer())
		if err := fn(editor); err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidMutation, err)
		}
		if !editor.Changed() {
			return nil
		}
		fragment, err := editor.Fragment()
		if err != nil {
			return err
		}
		encoded, err := state.Encode()
		if err != nil {
			return err
		}

		now := o.now()
		if _, err := o.Enqueue(tx, &models.UpdateNodeData{NodeID: id, Fragment: fragment, UpdatedAt: now}); err != nil {
			return err
		}
		node.State = encoded
		node.Attributes = state.Project()
		node.UpdatedAt = &now
		updatedBy := o.id.UserID
		node.UpdatedBy = &updatedBy
		return tx.PutNode(node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// DeleteNode removes a node and its local subtree and queues the delete.
func (o *Outbox) DeleteNode(id models.NodeID) error {
	return o.update(func(tx *localstore.Tx) error {
		if _, err := tx.GetNode(id); localstore.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		} else if err != nil {
			return err
		}
		if _, err := o.Enqueue(tx, &models.DeleteNodeData{NodeID: id, DeletedAt: o.now()}); err != nil {
			return err
		}
		_, err := tx.DeleteNodeTree(id)
		return err
	})
}

func (o *Outbox) CreateReaction(nodeID models.NodeID, reaction string) error {
	return o.update(func(tx *localstore.Tx) error {
		node, err := tx.GetNode(nodeID)
		if localstore.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
		}
		if err != nil {
			return err
		}

		now := o.now()
		if _, err := o.Enqueue(tx, &models.CreateReactionData{NodeID: nodeID, Reaction: reaction, CreatedAt: now}); err != nil {
			return err
		}
		return tx.PutReaction(&models.Reaction{
			NodeID:      nodeID,
			UserID:      o.id.UserID,
			Reaction:    reaction,
			WorkspaceID: node.WorkspaceID,
			RootID:      node.RootID,
			CreatedAt:   now,
		})
	})
}

func (o *Outbox) DeleteReaction(nodeID models.NodeID, reaction string) error {
	return o.update(func(tx *localstore.Tx) error {
		now := o.now()
		if _, err := o.Enqueue(tx, &models.DeleteReactionData{NodeID: nodeID, Reaction: reaction, DeletedAt: now}); err != nil {
			return err
		}
		r, err := tx.GetReaction(nodeID, o.id.UserID, reaction)
		if localstore.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		r.DeletedAt = &now
		return tx.PutReaction(r)
	})
}

// MarkSeen records that the user saw a node.
func (o *Outbox) MarkSeen(nodeID models.NodeID) error {
	now := o.now()
	return o.interact(nodeID, &models.MarkSeenData{NodeID: nodeID, SeenAt: now}, func(i *models.Interaction) bool {
		return i.Seen(now)
	})
}

// MarkOpened records that the user opened a node.
func (o *Outbox) MarkOpened(nodeID models.NodeID) error {
	now := o.now()
	return o.interact(nodeID, &models.MarkOpenedData{NodeID: nodeID, OpenedAt: now}, func(i *models.Interaction) bool {
		return i.Opened(now)
	})
}

// interact applies an interaction locally and queues data when the
// interaction moved forward.
func (o *Outbox) interact(nodeID models.NodeID, data models.MutationData, apply func(i *models.Interaction) bool) error {
	return o.update(func(tx *localstore.Tx) error {
		node, err := tx.GetNode(nodeID)
		if localstore.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
		}
		if err != nil {
			return err
		}

		i, err := tx.GetInteraction(nodeID, o.id.UserID)
		if localstore.IsNotFound(err) {
			i = &models.Interaction{NodeID: nodeID, UserID: o.id.UserID, WorkspaceID: node.WorkspaceID, RootID: node.RootID}
		} else if err != nil {
			return err
		}

		if !apply(i) {
			return nil
		}
		if _, err := o.Enqueue(tx, data); err != nil {
			return err
		}
		return tx.PutInteraction(i)
	})
}

// UpdateDocument edits the rich document of a node and queues the fragment.
// The document is created on first write.
func (o *Outbox) UpdateDocument(nodeID models.NodeID, fn func(e *docstate.Editor) error) (*models.Document, error) {
	var doc *models.Document
	err := o.update(func(tx *localstore.Tx) error {
		node, err := tx.GetNode(nodeID)
		if localstore.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
		}
		if err != nil {
			return err
		}

		now := o.now()
		doc, err = tx.GetDocument(nodeID)
		if localstore.IsNotFound(err) {
			doc = &models.Document{
				ID:          nodeID,
				WorkspaceID: node.WorkspaceID,
				RootID:      node.RootID,
				CreatedAt:   now,
				CreatedBy:   o.id.UserID,
			}
		} else if err != nil {
			return err
		}

		state, err := docstate.Decode(doc.State)
		if err != nil {
			return err
		}
		editor := state.Edit(o.writer())
		if err := fn(editor); err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidMutation, err)
		}
		if !editor.Changed() {
			return nil
		}
		fragment, err := editor.Fragment()
		if err != nil {
			return err
		}
		encoded, err := state.Encode()
		if err != nil {
			return err
		}

		if _, err := o.Enqueue(tx, &models.UpdateDocumentData{DocumentID: nodeID, Fragment: fragment, UpdatedAt: now}); err != nil {
			return err
		}
		doc.State = encoded
		doc.Content = state.Project()
		doc.UpdatedAt = &now
		updatedBy := o.id.UserID
		doc.UpdatedBy = &updatedBy
		return tx.PutDocument(doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}
