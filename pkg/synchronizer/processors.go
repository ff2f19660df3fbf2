package synchronizer

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/docstate"
	"github.com/nodesync/nodesync/pkg/localstore"
	"github.com/nodesync/nodesync/pkg/models"
)

// Processor applies one pulled change to the local replica. It runs inside
// the transaction that also advances the stream cursor; returning an error
// rolls back both.
//
// Streams are not ordered against each other, so processors must accept
// changes whose referents have not arrived yet.
type Processor interface {
	Apply(tx *localstore.Tx, item models.ChangeItem) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(tx *localstore.Tx, item models.ChangeItem) error

func (f ProcessorFunc) Apply(tx *localstore.Tx, item models.ChangeItem) error { return f(tx, item) }

// DefaultProcessors returns the processors of every stream.
func DefaultProcessors() map[models.Stream]Processor {
	return map[models.Stream]Processor{
		models.StreamNodes:          ProcessorFunc(applyNode),
		models.StreamDocuments:      ProcessorFunc(applyDocument),
		models.StreamReactions:      ProcessorFunc(applyReaction),
		models.StreamInteractions:   ProcessorFunc(applyInteraction),
		models.StreamCollaborations: ProcessorFunc(applyCollaboration),
	}
}

func decodeSnapshot(raw cbor.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("change has no snapshot")
	}
	return codec.Unmarshal(raw, dst)
}

// mergeState merges the local state into the incoming one so that local
// edits still waiting in the outbox survive the overwrite.
func mergeState(local, incoming []byte) ([]byte, map[string]any, error) {
	merged, err := docstate.Decode(incoming)
	if err != nil {
		return nil, nil, err
	}
	if len(local) > 0 {
		current, err := docstate.Decode(local)
		if err != nil {
			return nil, nil, err
		}
		merged.Merge(current)
	}
	encoded, err := merged.Encode()
	if err != nil {
		return nil, nil, err
	}
	return encoded, merged.Project(), nil
}

func applyNode(tx *localstore.Tx, item models.ChangeItem) error {
	if item.Action == models.ChangeActionDelete {
		var ref models.NodeRef
		if err := decodeSnapshot(item.Before, &ref); err != nil {
			return err
		}
		_, err := tx.DeleteNodeTree(ref.ID)
		return err
	}

	var node models.Node
	if err := decodeSnapshot(item.After, &node); err != nil {
		return err
	}
	local, err := tx.GetNode(node.ID)
	switch {
	case localstore.IsNotFound(err):
	case err != nil:
		return err
	default:
		if node.State, node.Attributes, err = mergeState(local.State, node.State); err != nil {
			return err
		}
	}
	return tx.PutNode(&node)
}

func applyDocument(tx *localstore.Tx, item models.ChangeItem) error {
	if item.Action == models.ChangeActionDelete {
		return tx.DeleteDocument(models.NodeID(item.EntityID))
	}

	var doc models.Document
	if err := decodeSnapshot(item.After, &doc); err != nil {
		return err
	}
	local, err := tx.GetDocument(doc.ID)
	switch {
	case localstore.IsNotFound(err):
	case err != nil:
		return err
	default:
		if doc.State, doc.Content, err = mergeState(local.State, doc.State); err != nil {
			return err
		}
	}
	return tx.PutDocument(&doc)
}

// applyReaction keeps whichever of the local and incoming rows was written
// last. Retracted reactions stay as rows with DeletedAt set.
func applyReaction(tx *localstore.Tx, item models.ChangeItem) error {
	raw := item.After
	if item.Action == models.ChangeActionDelete {
		raw = item.Before
	}
	var r models.Reaction
	if err := decodeSnapshot(raw, &r); err != nil {
		return err
	}
	if item.Action == models.ChangeActionDelete && r.DeletedAt == nil {
		deletedAt := item.CreatedAt
		r.DeletedAt = &deletedAt
	}

	local, err := tx.GetReaction(r.NodeID, r.UserID, r.Reaction)
	switch {
	case localstore.IsNotFound(err):
	case err != nil:
		return err
	case local.LastWriteAt().After(r.LastWriteAt()):
		return nil
	}
	return tx.PutReaction(&r)
}

func applyInteraction(tx *localstore.Tx, item models.ChangeItem) error {
	var incoming models.Interaction
	if err := decodeSnapshot(item.After, &incoming); err != nil {
		return err
	}

	local, err := tx.GetInteraction(incoming.NodeID, incoming.UserID)
	switch {
	case localstore.IsNotFound(err):
		return tx.PutInteraction(&incoming)
	case err != nil:
		return err
	}

	local.FirstSeenAt = earliest(local.FirstSeenAt, incoming.FirstSeenAt)
	local.LastSeenAt = latest(local.LastSeenAt, incoming.LastSeenAt)
	local.FirstOpenedAt = earliest(local.FirstOpenedAt, incoming.FirstOpenedAt)
	local.LastOpenedAt = latest(local.LastOpenedAt, incoming.LastOpenedAt)
	return tx.PutInteraction(local)
}

func applyCollaboration(tx *localstore.Tx, item models.ChangeItem) error {
	if item.Action == models.ChangeActionDelete {
		var c models.Collaboration
		if err := decodeSnapshot(item.Before, &c); err != nil {
			return err
		}
		return tx.DeleteCollaboration(c.NodeID, c.UserID)
	}

	var c models.Collaboration
	if err := decodeSnapshot(item.After, &c); err != nil {
		return err
	}
	return tx.PutCollaboration(&c)
}
