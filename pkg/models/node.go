package models

import (
	"fmt"
	"time"
)

// NodeType is the kind of a node. The set is closed; every type has an id suffix.
type NodeType string

const (
	NodeTypeSpace    NodeType = "space"
	NodeTypeFolder   NodeType = "folder"
	NodeTypePage     NodeType = "page"
	NodeTypeChannel  NodeType = "channel"
	NodeTypeMessage  NodeType = "message"
	NodeTypeDatabase NodeType = "database"
	NodeTypeRecord   NodeType = "record"
	NodeTypeField    NodeType = "field"
	NodeTypeUser     NodeType = "user"
)

var nodeTypeSuffixes = map[NodeType]string{
	NodeTypeSpace:    "sp",
	NodeTypeFolder:   "fd",
	NodeTypePage:     "pg",
	NodeTypeChannel:  "ch",
	NodeTypeMessage:  "ms",
	NodeTypeDatabase: "db",
	NodeTypeRecord:   "rc",
	NodeTypeField:    "fl",
	NodeTypeUser:     suffixUser,
}

var nodeTypeBySuffix = func() map[string]NodeType {
	m := make(map[string]NodeType, len(nodeTypeSuffixes))
	for t, s := range nodeTypeSuffixes {
		m[s] = t
	}
	return m
}()

func (t NodeType) idSuffix() string {
	if s, ok := nodeTypeSuffixes[t]; ok {
		return s
	}
	panic(fmt.Sprintf("BUG: unknown node type %q", string(t)))
}

func (t NodeType) Valid() bool {
	_, ok := nodeTypeSuffixes[t]
	return ok
}

// Node is a hierarchical entity of the workspace tree.
//
// Attributes is always the projection of State. Writers set both together
// through the docstate package; nothing writes one without the other.
type Node struct {
	ID          NodeID      `gorm:"primaryKey;size:32" json:"id" cbor:"id"`
	Type        NodeType    `gorm:"size:16;not null" json:"type" cbor:"type"`
	ParentID    *NodeID     `gorm:"size:32;index" json:"parentId,omitempty" cbor:"parentId,omitempty"`
	RootID      NodeID      `gorm:"size:32;not null;index" json:"rootId" cbor:"rootId"`
	WorkspaceID WorkspaceID `gorm:"size:32;not null;index" json:"workspaceId" cbor:"workspaceId"`
	Attributes  JSONMap     `json:"attributes" cbor:"attributes"`
	State       []byte      `gorm:"not null" json:"-" cbor:"state"`
	CreatedAt   time.Time   `gorm:"not null;autoCreateTime:false" json:"createdAt" cbor:"createdAt"`
	CreatedBy   UserID      `gorm:"size:32;not null" json:"createdBy" cbor:"createdBy"`
	UpdatedAt   *time.Time  `gorm:"autoUpdateTime:false" json:"updatedAt,omitempty" cbor:"updatedAt,omitempty"`
	UpdatedBy   *UserID     `gorm:"size:32" json:"updatedBy,omitempty" cbor:"updatedBy,omitempty"`
	VersionID   VersionID   `gorm:"size:32;not null" json:"versionId" cbor:"versionId"`

	ServerCreatedAt time.Time  `gorm:"not null;autoCreateTime:false" json:"serverCreatedAt" cbor:"serverCreatedAt"`
	ServerUpdatedAt *time.Time `gorm:"autoUpdateTime:false" json:"serverUpdatedAt,omitempty" cbor:"serverUpdatedAt,omitempty"`
}

func (Node) TableName() string { return "nodes" }

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool { return n.ParentID == nil }

// Ref returns the identity of the node, as carried by delete changes.
func (n *Node) Ref() NodeRef {
	return NodeRef{
		ID:          n.ID,
		Type:        n.Type,
		ParentID:    n.ParentID,
		RootID:      n.RootID,
		WorkspaceID: n.WorkspaceID,
		CreatedBy:   n.CreatedBy,
	}
}

// NodeRef identifies a node without its content.
type NodeRef struct {
	ID          NodeID      `json:"id" cbor:"id"`
	Type        NodeType    `json:"type" cbor:"type"`
	ParentID    *NodeID     `json:"parentId,omitempty" cbor:"parentId,omitempty"`
	RootID      NodeID      `json:"rootId" cbor:"rootId"`
	WorkspaceID WorkspaceID `json:"workspaceId" cbor:"workspaceId"`
	CreatedBy   UserID      `json:"createdBy" cbor:"createdBy"`
}

// Tombstone records a deleted node. CascadePending marks the frontier of an
// unfinished cascade: the node's children may still exist.
type Tombstone struct {
	ID             NodeID      `gorm:"primaryKey;size:32" json:"id" cbor:"id"`
	Type           NodeType    `gorm:"size:16;not null" json:"type" cbor:"type"`
	ParentID       *NodeID     `gorm:"size:32" json:"parentId,omitempty" cbor:"parentId,omitempty"`
	RootID         NodeID      `gorm:"size:32;not null" json:"rootId" cbor:"rootId"`
	WorkspaceID    WorkspaceID `gorm:"size:32;not null;index" json:"workspaceId" cbor:"workspaceId"`
	CascadePending bool        `gorm:"not null;index" json:"cascadePending" cbor:"cascadePending"`
	DeletedAt      time.Time   `gorm:"not null" json:"deletedAt" cbor:"deletedAt"`
	DeletedBy      UserID      `gorm:"size:32;not null" json:"deletedBy" cbor:"deletedBy"`
}

func (Tombstone) TableName() string { return "node_tombstones" }

// Document is the rich content attached to a node, replicated with the same
// document state codec as node attributes.
type Document struct {
	ID          NodeID      `gorm:"primaryKey;size:32" json:"id" cbor:"id"`
	WorkspaceID WorkspaceID `gorm:"size:32;not null;index" json:"workspaceId" cbor:"workspaceId"`
	RootID      NodeID      `gorm:"size:32;not null" json:"rootId" cbor:"rootId"`
	Content     JSONMap     `json:"content" cbor:"content"`
	State       []byte      `gorm:"not null" json:"-" cbor:"state"`
	VersionID   VersionID   `gorm:"size:32;not null" json:"versionId" cbor:"versionId"`
	CreatedAt   time.Time   `gorm:"not null;autoCreateTime:false" json:"createdAt" cbor:"createdAt"`
	CreatedBy   UserID      `gorm:"size:32;not null" json:"createdBy" cbor:"createdBy"`
	UpdatedAt   *time.Time  `gorm:"autoUpdateTime:false" json:"updatedAt,omitempty" cbor:"updatedAt,omitempty"`
	UpdatedBy   *UserID     `gorm:"size:32" json:"updatedBy,omitempty" cbor:"updatedBy,omitempty"`

	ServerUpdatedAt time.Time `gorm:"not null;autoUpdateTime:false" json:"serverUpdatedAt" cbor:"serverUpdatedAt"`
}

func (Document) TableName() string { return "documents" }

// Reaction is a user's emoji reaction on a node. DeletedAt marks a retracted
// reaction; the row stays so later, older writes can be discarded.
type Reaction struct {
	NodeID      NodeID      `gorm:"primaryKey;size:32" json:"nodeId" cbor:"nodeId"`
	UserID      UserID      `gorm:"primaryKey;size:32" json:"userId" cbor:"userId"`
	Reaction    string      `gorm:"primaryKey;size:64" json:"reaction" cbor:"reaction"`
	WorkspaceID WorkspaceID `gorm:"size:32;not null;index" json:"workspaceId" cbor:"workspaceId"`
	RootID      NodeID      `gorm:"size:32;not null" json:"rootId" cbor:"rootId"`
	CreatedAt   time.Time   `gorm:"not null;autoCreateTime:false" json:"createdAt" cbor:"createdAt"`
	DeletedAt   *time.Time  `json:"deletedAt,omitempty" cbor:"deletedAt,omitempty"`
}

func (Reaction) TableName() string { return "node_reactions" }

// LastWriteAt is the timestamp last-writer-wins compares against.
func (r *Reaction) LastWriteAt() time.Time {
	if r.DeletedAt != nil && r.DeletedAt.After(r.CreatedAt) {
		return *r.DeletedAt
	}
	return r.CreatedAt
}

// Interaction tracks when a user first and last saw and opened a node.
type Interaction struct {
	NodeID        NodeID      `gorm:"primaryKey;size:32" json:"nodeId" cbor:"nodeId"`
	UserID        UserID      `gorm:"primaryKey;size:32" json:"userId" cbor:"userId"`
	WorkspaceID   WorkspaceID `gorm:"size:32;not null;index" json:"workspaceId" cbor:"workspaceId"`
	RootID        NodeID      `gorm:"size:32;not null" json:"rootId" cbor:"rootId"`
	FirstSeenAt   *time.Time  `json:"firstSeenAt,omitempty" cbor:"firstSeenAt,omitempty"`
	LastSeenAt    *time.Time  `json:"lastSeenAt,omitempty" cbor:"lastSeenAt,omitempty"`
	FirstOpenedAt *time.Time  `json:"firstOpenedAt,omitempty" cbor:"firstOpenedAt,omitempty"`
	LastOpenedAt  *time.Time  `json:"lastOpenedAt,omitempty" cbor:"lastOpenedAt,omitempty"`
}

func (Interaction) TableName() string { return "node_interactions" }

// Seen records a view at t. It reports false when t is not newer than the
// last recorded view.
func (i *Interaction) Seen(t time.Time) bool {
	if i.LastSeenAt != nil && !t.After(*i.LastSeenAt) {
		return false
	}
	if i.FirstSeenAt == nil || t.Before(*i.FirstSeenAt) {
		i.FirstSeenAt = &t
	}
	i.LastSeenAt = &t
	return true
}

// Opened records an open at t, which also counts as a view.
func (i *Interaction) Opened(t time.Time) bool {
	if i.LastOpenedAt != nil && !t.After(*i.LastOpenedAt) {
		return false
	}
	if i.FirstOpenedAt == nil || t.Before(*i.FirstOpenedAt) {
		i.FirstOpenedAt = &t
	}
	i.LastOpenedAt = &t
	i.Seen(t)
	return true
}
