package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Stream names one ordered, cursor-addressed slice of the change log.
type Stream string

const (
	StreamNodes          Stream = "nodes"
	StreamDocuments      Stream = "documents"
	StreamReactions      Stream = "reactions"
	StreamInteractions   Stream = "interactions"
	StreamCollaborations Stream = "collaborations"
)

// Streams lists every stream a client subscribes to.
var Streams = []Stream{
	StreamNodes,
	StreamDocuments,
	StreamReactions,
	StreamInteractions,
	StreamCollaborations,
}

func (s Stream) Valid() bool {
	for _, known := range Streams {
		if s == known {
			return true
		}
	}
	return false
}

type ChangeAction string

const (
	ChangeActionInsert ChangeAction = "insert"
	ChangeActionUpdate ChangeAction = "update"
	ChangeActionDelete ChangeAction = "delete"
)

// ChangeRecord is the append-only, authoritative effect of an accepted
// mutation. ID is the server-assigned cursor position.
//
// Before and After hold CBOR snapshots of the affected entity; deletes carry
// only Before. Records are never updated after insertion; delivery state
// lives in Delivery rows.
type ChangeRecord struct {
	ID          int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID WorkspaceID  `gorm:"size:32;not null;index:idx_changes_scope,priority:1" json:"workspaceId"`
	Stream      Stream       `gorm:"size:32;not null;index:idx_changes_scope,priority:2" json:"stream"`
	Action      ChangeAction `gorm:"size:16;not null" json:"action"`
	EntityID    string       `gorm:"size:80;not null;index" json:"entityId"`
	RootID      NodeID       `gorm:"size:32;not null" json:"rootId"`
	MutationID  *MutationID  `gorm:"size:32" json:"mutationId,omitempty"`
	Before      []byte       `json:"-"`
	After       []byte       `json:"-"`
	CreatedAt   time.Time    `gorm:"not null;autoCreateTime:false" json:"createdAt"`

	Targets []ChangeTarget `gorm:"foreignKey:ChangeID;constraint:OnDelete:CASCADE" json:"-"`
}

func (ChangeRecord) TableName() string { return "changes" }

// Cursor returns the record position as an opaque cursor.
func (c *ChangeRecord) Cursor() string { return FormatCursor(c.ID) }

// Item converts the record into its pull representation.
func (c *ChangeRecord) Item() ChangeItem {
	return ChangeItem{
		ID:          c.ID,
		Stream:      c.Stream,
		Action:      c.Action,
		EntityID:    c.EntityID,
		WorkspaceID: c.WorkspaceID,
		RootID:      c.RootID,
		Before:      cbor.RawMessage(c.Before),
		After:       cbor.RawMessage(c.After),
		CreatedAt:   c.CreatedAt,
	}
}

// ChangeTarget grants a device the right to pull a change. Rows are permanent.
type ChangeTarget struct {
	ChangeID int64    `gorm:"primaryKey;autoIncrement:false"`
	DeviceID DeviceID `gorm:"primaryKey;index"`
}

func (ChangeTarget) TableName() string { return "change_targets" }

// Delivery is the push obligation of one change to one device.
//
// A successful push sets NotifiedAt and leaves RetryCount untouched; a failed
// push increments RetryCount. Rows that reach the retry ceiling are pruned,
// after which the device recovers the change by pulling.
type Delivery struct {
	ChangeID    int64       `gorm:"primaryKey;autoIncrement:false" json:"changeId"`
	DeviceID    DeviceID    `gorm:"primaryKey;index" json:"deviceId"`
	WorkspaceID WorkspaceID `gorm:"size:32;not null" json:"workspaceId"`
	Stream      Stream      `gorm:"size:32;not null" json:"stream"`
	NotifiedAt  *time.Time  `gorm:"index" json:"notifiedAt,omitempty"`
	RetryCount  int         `gorm:"not null;default:0" json:"retryCount"`
	LastError   string      `gorm:"type:text" json:"lastError,omitempty"`
	CreatedAt   time.Time   `gorm:"not null;autoCreateTime:false" json:"createdAt"`
}

func (Delivery) TableName() string { return "change_deliveries" }

func (d *Delivery) IsNotified() bool { return d.NotifiedAt != nil }

// MarkNotified records a successful push.
func (d *Delivery) MarkNotified(at time.Time) {
	d.NotifiedAt = &at
	d.LastError = ""
}

// MarkFailed records a failed push.
func (d *Delivery) MarkFailed(msg string) {
	d.LastError = msg
	d.RetryCount++
}

// Exhausted reports whether the delivery reached the retry ceiling.
func (d *Delivery) Exhausted(ceiling int) bool {
	return ceiling > 0 && d.RetryCount >= ceiling
}

// ChangeItem is the data of one pulled item.
type ChangeItem struct {
	ID          int64           `cbor:"id"`
	Stream      Stream          `cbor:"stream"`
	Action      ChangeAction    `cbor:"action"`
	EntityID    string          `cbor:"entityId"`
	WorkspaceID WorkspaceID     `cbor:"workspaceId"`
	RootID      NodeID          `cbor:"rootId"`
	Before      cbor.RawMessage `cbor:"before,omitempty"`
	After       cbor.RawMessage `cbor:"after,omitempty"`
	CreatedAt   time.Time       `cbor:"createdAt"`
}

// FormatCursor encodes a change position. Clients treat the result as opaque.
func FormatCursor(pos int64) string {
	return strconv.FormatInt(pos, 10)
}

// ParseCursor decodes a cursor produced by FormatCursor. The empty cursor is
// the beginning of the log.
func ParseCursor(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	pos, err := strconv.ParseInt(s, 10, 64)
	if err != nil || pos < 0 {
		return 0, fmt.Errorf("invalid cursor %q", s)
	}
	return pos, nil
}

// CollaborationEntityID is the entity id of a collaboration change.
func CollaborationEntityID(nodeID NodeID, userID UserID) string {
	return string(nodeID) + ":" + string(userID)
}

// ReactionEntityID is the entity id of a reaction change.
func ReactionEntityID(nodeID NodeID, userID UserID, reaction string) string {
	return string(nodeID) + ":" + string(userID) + ":" + reaction
}

// InteractionEntityID is the entity id of an interaction change.
func InteractionEntityID(nodeID NodeID, userID UserID) string {
	return string(nodeID) + ":" + string(userID)
}

// Cursor is the client-side persisted position of one stream.
type Cursor struct {
	StreamKey string    `cbor:"streamKey"`
	Value     string    `cbor:"value"`
	CreatedAt time.Time `cbor:"createdAt"`
	UpdatedAt time.Time `cbor:"updatedAt"`
}
