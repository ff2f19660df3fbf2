package processor

import (
	"context"
	"errors"

	"github.com/nodesync/nodesync/pkg/authz"
	"github.com/nodesync/nodesync/pkg/docstate"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

// role returns the actor's role on node. On user nodes the owner is the user
// the node belongs to and every other member is a viewer.
func (h *handler) role(tx store.Store, node *models.Node) (models.Role, error) {
	if node.Type == models.NodeTypeUser {
		if node.ID == h.actor.UserID.NodeID() {
			return models.RoleOwner, nil
		}
		return models.RoleViewer, nil
	}
	return authz.ResolveRole(h.ctx, tx, node.ID, h.actor.UserID)
}

func (h *handler) require(tx store.Store, node *models.Node, minimum models.Role) (models.Status, error) {
	role, err := h.role(tx, node)
	if err != nil {
		return 0, err
	}
	if !models.HasRole(role, minimum) {
		return models.StatusForbidden, nil
	}
	return models.StatusOK, nil
}

func (h *handler) CreateNode(d *models.CreateNodeData) outcome {
	state, err := docstate.Decode(d.State)
	if err != nil {
		return outcome{status: models.StatusBadRequest}
	}
	if d.ParentID == nil && d.Type == models.NodeTypeUser && d.NodeID != h.actor.UserID.NodeID() {
		return outcome{status: models.StatusForbidden}
	}

	return h.tx(func(tx store.Store) (models.Status, error) {
		if existing, err := tx.GetNode(h.ctx, d.NodeID); err != nil || existing != nil {
			return models.StatusOK, err
		}
		if tomb, err := tx.GetTombstone(h.ctx, d.NodeID); err != nil || tomb != nil {
			return models.StatusOK, err
		}

		rootID := d.NodeID
		if d.ParentID != nil {
			parent, err := h.loadNode(tx, *d.ParentID)
			if err != nil {
				return 0, err
			}
			if parent == nil {
				return models.StatusNotFound, nil
			}
			if status, err := h.require(tx, parent, models.RoleAdmin); err != nil || status != models.StatusOK {
				return status, err
			}
			rootID = parent.RootID
		} else if d.Type != models.NodeTypeUser {
			// The creator of a root owns it.
			grant := models.CollaboratorPath(h.actor.UserID)
			if v, ok := state.Get(grant); !ok || v != string(models.RoleOwner) {
				if err := state.Edit(serverWriter).Set(grant, string(models.RoleOwner)); err != nil {
					return 0, err
				}
			}
		}

		encoded, err := state.Encode()
		if err != nil {
			return 0, err
		}
		node := &models.Node{
			ID:              d.NodeID,
			Type:            d.Type,
			ParentID:        d.ParentID,
			RootID:          rootID,
			WorkspaceID:     h.actor.WorkspaceID,
			Attributes:      models.JSONMap(state.Project()),
			State:           encoded,
			CreatedAt:       d.CreatedAt,
			CreatedBy:       h.actor.UserID,
			VersionID:       models.NewVersionID(),
			ServerCreatedAt: h.p.now(),
		}
		if err := tx.CreateNode(h.ctx, node); err != nil {
			return 0, err
		}

		added, status, err := h.syncCollaborations(tx, node, nil)
		if err != nil || status != models.StatusOK {
			return status, err
		}
		if err := h.record(tx, node, models.StreamNodes, models.ChangeActionInsert, string(node.ID), nil, node); err != nil {
			return 0, err
		}
		h.scheduleBackfill(node, added)
		return models.StatusOK, nil
	})
}

func (h *handler) UpdateNode(d *models.UpdateNodeData) outcome {
	fragment, err := docstate.Decode(d.Fragment)
	if err != nil {
		return outcome{status: models.StatusBadRequest}
	}

	return h.retry(func(tx store.Store) (models.Status, error) {
		node, err := h.loadNode(tx, d.NodeID)
		if err != nil {
			return 0, err
		}
		if node == nil {
			return models.StatusNotFound, nil
		}
		current, err := docstate.Decode(node.State)
		if err != nil {
			return 0, err
		}

		changed := current.ChangedPaths(fragment)
		minimum := models.RoleCollaborator
		touchesGrants := false
		for _, path := range changed {
			if models.IsCollaboratorPath(path) {
				touchesGrants = true
				minimum = models.RoleAdmin
				break
			}
		}
		if status, err := h.require(tx, node, minimum); err != nil || status != models.StatusOK {
			return status, err
		}
		if len(changed) == 0 {
			return models.StatusOK, nil
		}

		before, _ := models.Collaborators(node.Attributes)
		current.Merge(fragment)
		encoded, err := current.Encode()
		if err != nil {
			return 0, err
		}

		expected := node.VersionID
		updatedAt, updatedBy, now := d.UpdatedAt, h.actor.UserID, h.p.now()
		node.State = encoded
		node.Attributes = models.JSONMap(current.Project())
		node.VersionID = models.NewVersionID()
		node.UpdatedAt = &updatedAt
		node.UpdatedBy = &updatedBy
		node.ServerUpdatedAt = &now

		ok, err := tx.UpdateNode(h.ctx, node, expected)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errStale
		}

		var added []models.UserID
		if touchesGrants && node.Type != models.NodeTypeUser {
			var status models.Status
			added, status, err = h.syncCollaborations(tx, node, before)
			if err != nil || status != models.StatusOK {
				return status, err
			}
		}
		if err := h.record(tx, node, models.StreamNodes, models.ChangeActionUpdate, string(node.ID), nil, node); err != nil {
			return 0, err
		}
		h.scheduleBackfill(node, added)
		return models.StatusOK, nil
	})
}

func (h *handler) DeleteNode(d *models.DeleteNodeData) outcome {
	return h.tx(func(tx store.Store) (models.Status, error) {
		node, err := h.loadNode(tx, d.NodeID)
		if err != nil {
			return 0, err
		}
		if node == nil {
			tomb, err := tx.GetTombstone(h.ctx, d.NodeID)
			if err != nil {
				return 0, err
			}
			if tomb != nil && tomb.WorkspaceID == h.actor.WorkspaceID {
				return models.StatusOK, nil
			}
			return models.StatusNotFound, nil
		}

		role, err := h.role(tx, node)
		if err != nil {
			return 0, err
		}
		creator := node.CreatedBy == h.actor.UserID && models.HasRole(role, models.RoleCollaborator)
		if !models.HasRole(role, models.RoleAdmin) && !creator {
			return models.StatusForbidden, nil
		}

		if err := h.record(tx, node, models.StreamNodes, models.ChangeActionDelete, string(node.ID), node.Ref(), nil); err != nil {
			return 0, err
		}
		if err := tx.CreateTombstones(h.ctx, []*models.Tombstone{tombstoneOf(node, d.DeletedAt, h.actor.UserID)}); err != nil {
			return 0, err
		}
		if err := tx.DeleteNodes(h.ctx, []models.NodeID{node.ID}); err != nil {
			return 0, err
		}
		h.afterCommit(func(ctx context.Context) {
			if err := h.p.Cascader().Sweep(ctx); err != nil {
				h.p.log.Warn("processor.Processor cascade deferred", "node", node.ID, "error", err)
			}
		})
		return models.StatusOK, nil
	})
}

func (h *handler) CreateReaction(d *models.CreateReactionData) outcome {
	return h.tx(func(tx store.Store) (models.Status, error) {
		node, status, err := h.visibleNode(tx, d.NodeID)
		if err != nil || status != models.StatusOK {
			return status, err
		}

		r, err := tx.GetReaction(h.ctx, d.NodeID, h.actor.UserID, d.Reaction)
		if err != nil {
			return 0, err
		}
		action := models.ChangeActionInsert
		if r == nil {
			r = &models.Reaction{
				NodeID:      d.NodeID,
				UserID:      h.actor.UserID,
				Reaction:    d.Reaction,
				WorkspaceID: node.WorkspaceID,
				RootID:      node.RootID,
			}
		} else {
			if !d.CreatedAt.After(r.LastWriteAt()) {
				return models.StatusOK, nil
			}
			if r.DeletedAt == nil {
				action = models.ChangeActionUpdate
			}
		}
		r.CreatedAt = d.CreatedAt
		r.DeletedAt = nil
		if err := tx.SaveReaction(h.ctx, r); err != nil {
			return 0, err
		}
		entityID := models.ReactionEntityID(r.NodeID, r.UserID, r.Reaction)
		if err := h.record(tx, node, models.StreamReactions, action, entityID, nil, r); err != nil {
			return 0, err
		}
		if action == models.ChangeActionInsert {
			return models.StatusCreated, nil
		}
		return models.StatusOK, nil
	})
}

func (h *handler) DeleteReaction(d *models.DeleteReactionData) outcome {
	return h.tx(func(tx store.Store) (models.Status, error) {
		node, status, err := h.visibleNode(tx, d.NodeID)
		if err != nil || status != models.StatusOK {
			return status, err
		}

		deletedAt := d.DeletedAt
		r, err := tx.GetReaction(h.ctx, d.NodeID, h.actor.UserID, d.Reaction)
		if err != nil {
			return 0, err
		}
		if r == nil {
			// Keep the retraction so an older create arriving later loses.
			return models.StatusOK, tx.SaveReaction(h.ctx, &models.Reaction{
				NodeID:      d.NodeID,
				UserID:      h.actor.UserID,
				Reaction:    d.Reaction,
				WorkspaceID: node.WorkspaceID,
				RootID:      node.RootID,
				CreatedAt:   deletedAt,
				DeletedAt:   &deletedAt,
			})
		}
		if !deletedAt.After(r.LastWriteAt()) {
			return models.StatusOK, nil
		}
		live := r.DeletedAt == nil
		r.DeletedAt = &deletedAt
		if err := tx.SaveReaction(h.ctx, r); err != nil {
			return 0, err
		}
		if !live {
			return models.StatusOK, nil
		}
		entityID := models.ReactionEntityID(r.NodeID, r.UserID, r.Reaction)
		return models.StatusOK, h.record(tx, node, models.StreamReactions, models.ChangeActionDelete, entityID, r, nil)
	})
}

func (h *handler) MarkSeen(d *models.MarkSeenData) outcome {
	return h.interact(d.NodeID, func(i *models.Interaction) bool { return i.Seen(d.SeenAt) })
}

func (h *handler) MarkOpened(d *models.MarkOpenedData) outcome {
	return h.interact(d.NodeID, func(i *models.Interaction) bool { return i.Opened(d.OpenedAt) })
}

func (h *handler) interact(nodeID models.NodeID, apply func(*models.Interaction) bool) outcome {
	return h.tx(func(tx store.Store) (models.Status, error) {
		node, status, err := h.visibleNode(tx, nodeID)
		if err != nil || status != models.StatusOK {
			return status, err
		}

		i, err := tx.GetInteraction(h.ctx, nodeID, h.actor.UserID)
		if err != nil {
			return 0, err
		}
		created := i == nil
		if created {
			i = &models.Interaction{
				NodeID:      nodeID,
				UserID:      h.actor.UserID,
				WorkspaceID: node.WorkspaceID,
				RootID:      node.RootID,
			}
		}
		if !apply(i) {
			return models.StatusOK, nil
		}
		if err := tx.SaveInteraction(h.ctx, i); err != nil {
			return 0, err
		}

		action, status := models.ChangeActionUpdate, models.StatusOK
		if created {
			action, status = models.ChangeActionInsert, models.StatusCreated
		}
		entityID := models.InteractionEntityID(i.NodeID, i.UserID)
		return status, h.record(tx, node, models.StreamInteractions, action, entityID, nil, i)
	})
}

func (h *handler) UpdateDocument(d *models.UpdateDocumentData) outcome {
	fragment, err := docstate.Decode(d.Fragment)
	if err != nil {
		return outcome{status: models.StatusBadRequest}
	}

	return h.retry(func(tx store.Store) (models.Status, error) {
		node, err := h.loadNode(tx, d.DocumentID)
		if err != nil {
			return 0, err
		}
		if node == nil {
			return models.StatusNotFound, nil
		}
		if status, err := h.require(tx, node, models.RoleCollaborator); err != nil || status != models.StatusOK {
			return status, err
		}

		updatedAt, updatedBy, now := d.UpdatedAt, h.actor.UserID, h.p.now()
		doc, err := tx.GetDocument(h.ctx, d.DocumentID)
		if err != nil {
			return 0, err
		}
		if doc == nil {
			state := docstate.New()
			state.Merge(fragment)
			encoded, err := state.Encode()
			if err != nil {
				return 0, err
			}
			doc = &models.Document{
				ID:              node.ID,
				WorkspaceID:     node.WorkspaceID,
				RootID:          node.RootID,
				Content:         models.JSONMap(state.Project()),
				State:           encoded,
				VersionID:       models.NewVersionID(),
				CreatedAt:       updatedAt,
				CreatedBy:       updatedBy,
				ServerUpdatedAt: now,
			}
			if err := tx.CreateDocument(h.ctx, doc); err != nil {
				return 0, err
			}
			return models.StatusCreated, h.record(tx, node, models.StreamDocuments, models.ChangeActionInsert, string(doc.ID), nil, doc)
		}

		current, err := docstate.Decode(doc.State)
		if err != nil {
			return 0, err
		}
		if !current.Merge(fragment) {
			return models.StatusOK, nil
		}
		encoded, err := current.Encode()
		if err != nil {
			return 0, err
		}
		expected := doc.VersionID
		doc.State = encoded
		doc.Content = models.JSONMap(current.Project())
		doc.VersionID = models.NewVersionID()
		doc.UpdatedAt = &updatedAt
		doc.UpdatedBy = &updatedBy
		doc.ServerUpdatedAt = now

		ok, err := tx.UpdateDocument(h.ctx, doc, expected)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errStale
		}
		return models.StatusOK, h.record(tx, node, models.StreamDocuments, models.ChangeActionUpdate, string(doc.ID), nil, doc)
	})
}

// visibleNode loads a node the actor may at least view.
func (h *handler) visibleNode(tx store.Store, id models.NodeID) (*models.Node, models.Status, error) {
	node, err := h.loadNode(tx, id)
	if err != nil {
		return nil, 0, err
	}
	if node == nil {
		return nil, models.StatusNotFound, nil
	}
	status, err := h.require(tx, node, models.RoleViewer)
	return node, status, err
}

// syncCollaborations reconciles the collaboration rows of node with its
// collaborators attribute and records a collaborations change per difference.
// It returns the users that gained a grant.
func (h *handler) syncCollaborations(tx store.Store, node *models.Node, before map[models.UserID]models.Role) ([]models.UserID, models.Status, error) {
	after, invalid := models.Collaborators(node.Attributes)
	if len(invalid) > 0 {
		return nil, models.StatusBadRequest, nil
	}

	rows, err := tx.ListCollaborations(h.ctx, []models.NodeID{node.ID})
	if err != nil {
		return nil, 0, err
	}
	existing := make(map[models.UserID]*models.Collaboration, len(rows))
	for _, c := range rows {
		existing[c.UserID] = c
	}

	var added []models.UserID
	now := h.p.now()
	for _, userID := range sortedUsers(after) {
		role := after[userID]
		c, ok := existing[userID]
		if ok && c.Role == role {
			continue
		}
		user, err := tx.GetUser(h.ctx, userID)
		if err != nil {
			return nil, 0, err
		}
		if user == nil || user.WorkspaceID != node.WorkspaceID {
			return nil, models.StatusBadRequest, nil
		}

		action := models.ChangeActionUpdate
		if !ok {
			action = models.ChangeActionInsert
			c = &models.Collaboration{NodeID: node.ID, UserID: userID, WorkspaceID: node.WorkspaceID, CreatedAt: now}
			if _, had := before[userID]; !had {
				added = append(added, userID)
			}
		}
		c.Role = role
		c.UpdatedAt = now
		if err := tx.SaveCollaboration(h.ctx, c); err != nil {
			return nil, 0, err
		}
		if err := h.recordCollaboration(tx, node, action, c, nil, c); err != nil {
			return nil, 0, err
		}
	}

	for _, c := range rows {
		if _, ok := after[c.UserID]; ok {
			continue
		}
		if err := tx.DeleteCollaboration(h.ctx, c.NodeID, c.UserID); err != nil {
			return nil, 0, err
		}
		if err := h.recordCollaboration(tx, node, models.ChangeActionDelete, c, c, nil); err != nil {
			return nil, 0, err
		}
	}
	return added, models.StatusOK, nil
}

// recordCollaboration records a derived collaborations change. The grantee
// always receives it, including when the grant was just revoked.
func (h *handler) recordCollaboration(tx store.Store, node *models.Node, action models.ChangeAction, c *models.Collaboration, before, after any) error {
	change, err := h.change(models.StreamCollaborations, action, models.CollaborationEntityID(c.NodeID, c.UserID), node.RootID, before, after)
	if err != nil {
		return err
	}
	change.MutationID = nil
	return h.p.recorder.Record(h.ctx, tx, change, subjectOf(node), h.actor.DeviceID, c.UserID)
}

func (h *handler) scheduleBackfill(node *models.Node, users []models.UserID) {
	if len(users) == 0 {
		return
	}
	root := *node
	h.afterCommit(func(ctx context.Context) {
		if err := h.p.backfill(ctx, &root, users, h.actor.DeviceID); err != nil && !errors.Is(err, context.Canceled) {
			h.p.log.Warn("processor.Processor backfill incomplete", "node", root.ID, "error", err)
		}
	})
}
