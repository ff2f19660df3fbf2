package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"github.com/nodesync/nodesync/internal/codec"
)

type MutationType string

const (
	MutationCreateNode     MutationType = "node.create"
	MutationUpdateNode     MutationType = "node.update"
	MutationDeleteNode     MutationType = "node.delete"
	MutationCreateReaction MutationType = "reaction.create"
	MutationDeleteReaction MutationType = "reaction.delete"
	MutationMarkSeen       MutationType = "interaction.seen"
	MutationMarkOpened     MutationType = "interaction.opened"
	MutationUpdateDocument MutationType = "document.update"
)

// ErrInvalidMutation wraps every validation failure.
var ErrInvalidMutation = errors.New("invalid mutation")

// Mutation is an immutable intent to change state. Data holds the encoded
// payload matching Type; use Decode to obtain it.
type Mutation struct {
	ID        MutationID      `json:"id" cbor:"id"`
	Type      MutationType    `json:"type" cbor:"type"`
	CreatedAt time.Time       `json:"createdAt" cbor:"createdAt"`
	Data      cbor.RawMessage `json:"-" cbor:"data"`
}

// NewMutation validates and encodes data into a fresh mutation.
func NewMutation(data MutationData, createdAt time.Time) (Mutation, error) {
	if err := data.Validate(); err != nil {
		return Mutation{}, err
	}
	raw, err := codec.Marshal(data)
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to encode %s payload: %w", data.MutationType(), err)
	}
	return Mutation{
		ID:        NewMutationID(),
		Type:      data.MutationType(),
		CreatedAt: createdAt,
		Data:      raw,
	}, nil
}

// Decode returns the validated payload of the mutation.
func (m Mutation) Decode() (MutationData, error) {
	if m.ID.IsZero() {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidMutation)
	}

	var data MutationData
	switch m.Type {
	case MutationCreateNode:
		data = &CreateNodeData{}
	case MutationUpdateNode:
		data = &UpdateNodeData{}
	case MutationDeleteNode:
		data = &DeleteNodeData{}
	case MutationCreateReaction:
		data = &CreateReactionData{}
	case MutationDeleteReaction:
		data = &DeleteReactionData{}
	case MutationMarkSeen:
		data = &MarkSeenData{}
	case MutationMarkOpened:
		data = &MarkOpenedData{}
	case MutationUpdateDocument:
		data = &UpdateDocumentData{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMutation, m.Type)
	}

	if err := codec.Unmarshal(m.Data, data); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidMutation, m.Type, err)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return data, nil
}

// MutationData is the closed union of mutation payloads. Only types in this
// package implement it.
type MutationData interface {
	MutationType() MutationType
	Validate() error
	// TargetID is the node the mutation addresses.
	TargetID() NodeID
	isMutationData()
}

// Visitor handles every mutation kind. Adding a kind to the union adds a
// method here, so every dispatcher must handle it.
type Visitor[R any] interface {
	CreateNode(*CreateNodeData) R
	UpdateNode(*UpdateNodeData) R
	DeleteNode(*DeleteNodeData) R
	CreateReaction(*CreateReactionData) R
	DeleteReaction(*DeleteReactionData) R
	MarkSeen(*MarkSeenData) R
	MarkOpened(*MarkOpenedData) R
	UpdateDocument(*UpdateDocumentData) R
}

// Dispatch calls the visitor method matching the payload kind.
func Dispatch[R any](data MutationData, v Visitor[R]) R {
	switch d := data.(type) {
	case *CreateNodeData:
		return v.CreateNode(d)
	case *UpdateNodeData:
		return v.UpdateNode(d)
	case *DeleteNodeData:
		return v.DeleteNode(d)
	case *CreateReactionData:
		return v.CreateReaction(d)
	case *DeleteReactionData:
		return v.DeleteReaction(d)
	case *MarkSeenData:
		return v.MarkSeen(d)
	case *MarkOpenedData:
		return v.MarkOpened(d)
	case *UpdateDocumentData:
		return v.UpdateDocument(d)
	default:
		panic(fmt.Sprintf("BUG: unhandled mutation payload %T", data))
	}
}

// CreateNodeData carries the full initial document state of a new node.
type CreateNodeData struct {
	NodeID    NodeID    `cbor:"nodeId"`
	ParentID  *NodeID   `cbor:"parentId,omitempty"`
	Type      NodeType  `cbor:"type"`
	State     []byte    `cbor:"state"`
	CreatedAt time.Time `cbor:"createdAt"`
}

func (*CreateNodeData) MutationType() MutationType { return MutationCreateNode }
func (d *CreateNodeData) TargetID() NodeID         { return d.NodeID }
func (*CreateNodeData) isMutationData()            {}

func (d *CreateNodeData) Validate() error {
	if err := validateNodeID(d.NodeID); err != nil {
		return err
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown node type %q", ErrInvalidMutation, d.Type)
	}
	if d.NodeID.Type() != d.Type {
		return fmt.Errorf("%w: node id %s does not match type %s", ErrInvalidMutation, d.NodeID, d.Type)
	}
	if d.ParentID != nil {
		if err := validateNodeID(*d.ParentID); err != nil {
			return err
		}
		if *d.ParentID == d.NodeID {
			return fmt.Errorf("%w: node %s cannot be its own parent", ErrInvalidMutation, d.NodeID)
		}
	}
	if d.Type == NodeTypeUser && d.ParentID != nil {
		return fmt.Errorf("%w: user nodes cannot have a parent", ErrInvalidMutation)
	}
	if len(d.State) == 0 {
		return fmt.Errorf("%w: empty document state", ErrInvalidMutation)
	}
	return validateTime("createdAt", d.CreatedAt)
}

// UpdateNodeData carries a document-state fragment to merge into a node.
type UpdateNodeData struct {
	NodeID    NodeID    `cbor:"nodeId"`
	Fragment  []byte    `cbor:"fragment"`
	UpdatedAt time.Time `cbor:"updatedAt"`
}

func (*UpdateNodeData) MutationType() MutationType { return MutationUpdateNode }
func (d *UpdateNodeData) TargetID() NodeID         { return d.NodeID }
func (*UpdateNodeData) isMutationData()            {}

func (d *UpdateNodeData) Validate() error {
	if err := validateNodeID(d.NodeID); err != nil {
		return err
	}
	if len(d.Fragment) == 0 {
		return fmt.Errorf("%w: empty fragment", ErrInvalidMutation)
	}
	return validateTime("updatedAt", d.UpdatedAt)
}

type DeleteNodeData struct {
	NodeID    NodeID    `cbor:"nodeId"`
	DeletedAt time.Time `cbor:"deletedAt"`
}

func (*DeleteNodeData) MutationType() MutationType { return MutationDeleteNode }
func (d *DeleteNodeData) TargetID() NodeID         { return d.NodeID }
func (*DeleteNodeData) isMutationData()            {}

func (d *DeleteNodeData) Validate() error {
	if err := validateNodeID(d.NodeID); err != nil {
		return err
	}
	return validateTime("deletedAt", d.DeletedAt)
}

type CreateReactionData struct {
	NodeID    NodeID    `cbor:"nodeId"`
	Reaction  string    `cbor:"reaction"`
	CreatedAt time.Time `cbor:"createdAt"`
}

func (*CreateReactionData) MutationType() MutationType { return MutationCreateReaction }
func (d *CreateReactionData) TargetID() NodeID         { return d.NodeID }
func (*CreateReactionData) isMutationData()            {}

func (d *CreateReactionData) Validate() error {
	if err := validateNodeID(d.NodeID); err != nil {
		return err
	}
	if err := validateReaction(d.Reaction); err != nil {
		return err
	}
	return validateTime("createdAt", d.CreatedAt)
}

type DeleteReactionData struct {
	NodeID    NodeID    `cbor:"nodeId"`
	Reaction  string    `cbor:"reaction"`
	DeletedAt time.Time `cbor:"deletedAt"`
}

func (*DeleteReactionData) MutationType() MutationType { return MutationDeleteReaction }
func (d *DeleteReactionData) TargetID() NodeID         { return d.NodeID }
func (*DeleteReactionData) isMutationData()            {}

func (d *DeleteReactionData) Validate() error {
	if err := validateNodeID(d.NodeID); err != nil {
		return err
	}
	if err := validateReaction(d.Reaction); err != nil {
		return err
	}
	return validateTime("deletedAt", d.DeletedAt)
}

type MarkSeenData struct {
	NodeID NodeID    `cbor:"nodeId"`
	SeenAt time.Time `cbor:"seenAt"`
}

func (*MarkSeenData) MutationType() MutationType { return MutationMarkSeen }
func (d *MarkSeenData) TargetID() NodeID         { return d.NodeID }
func (*MarkSeenData) isMutationData()            {}

func (d *MarkSeenData) Validate() error {
	if err := validateNodeID(d.NodeID); err != nil {
		return err
	}
	return validateTime("seenAt", d.SeenAt)
}

type MarkOpenedData struct {
	NodeID   NodeID    `cbor:"nodeId"`
	OpenedAt time.Time `cbor:"openedAt"`
}

func (*MarkOpenedData) MutationType() MutationType { return MutationMarkOpened }
func (d *MarkOpenedData) TargetID() NodeID         { return d.NodeID }
func (*MarkOpenedData) isMutationData()            {}

func (d *MarkOpenedData) Validate() error {
	if err := validateNodeID(d.NodeID); err != nil {
		return err
	}
	return validateTime("openedAt", d.OpenedAt)
}

// UpdateDocumentData carries a fragment of a node's document content.
type UpdateDocumentData struct {
	DocumentID NodeID    `cbor:"documentId"`
	Fragment   []byte    `cbor:"fragment"`
	UpdatedAt  time.Time `cbor:"updatedAt"`
}

func (*UpdateDocumentData) MutationType() MutationType { return MutationUpdateDocument }
func (d *UpdateDocumentData) TargetID() NodeID         { return d.DocumentID }
func (*UpdateDocumentData) isMutationData()            {}

func (d *UpdateDocumentData) Validate() error {
	if err := validateNodeID(d.DocumentID); err != nil {
		return err
	}
	if len(d.Fragment) == 0 {
		return fmt.Errorf("%w: empty fragment", ErrInvalidMutation)
	}
	return validateTime("updatedAt", d.UpdatedAt)
}

func validateNodeID(id NodeID) error {
	if _, err := ParseNodeID(string(id)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	return nil
}

func validateTime(field string, t time.Time) error {
	if t.IsZero() {
		return fmt.Errorf("%w: missing %s", ErrInvalidMutation, field)
	}
	return nil
}

const maxReactionLength = 64

func validateReaction(r string) error {
	if strings.TrimSpace(r) == "" {
		return fmt.Errorf("%w: empty reaction", ErrInvalidMutation)
	}
	if !utf8.ValidString(r) || len(r) > maxReactionLength {
		return fmt.Errorf("%w: reaction must be valid UTF-8 of at most %d bytes", ErrInvalidMutation, maxReactionLength)
	}
	return nil
}
