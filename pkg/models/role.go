package models

import (
	"strings"
	"time"
)

// Role is a permission level granted on a node and inherited by descendants.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleAdmin        Role = "admin"
	RoleCollaborator Role = "collaborator"
	RoleViewer       Role = "viewer"
)

var roleRank = map[Role]int{
	RoleViewer:       1,
	RoleCollaborator: 2,
	RoleAdmin:        3,
	RoleOwner:        4,
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// HasRole reports whether role is at least minimum, ordered
// owner > admin > collaborator > viewer. The empty role satisfies nothing.
func HasRole(role, minimum Role) bool {
	have, ok := roleRank[role]
	if !ok {
		return false
	}
	return have >= roleRank[minimum]
}

// CollaboratorsKey is the attribute under which node grants are kept:
// attributes.collaborators.<userId> = role.
const CollaboratorsKey = "collaborators"

// CollaboratorPath returns the document path of a user's grant.
func CollaboratorPath(userID UserID) string {
	return CollaboratorsKey + "." + string(userID)
}

// IsCollaboratorPath reports whether a document path addresses a grant.
func IsCollaboratorPath(path string) bool {
	return path == CollaboratorsKey || strings.HasPrefix(path, CollaboratorsKey+".")
}

// Collaborators extracts the grants from node attributes. Entries with an
// invalid role are returned in invalid.
func Collaborators(attrs JSONMap) (grants map[UserID]Role, invalid []string) {
	grants = map[UserID]Role{}
	raw, ok := attrs[CollaboratorsKey].(map[string]any)
	if !ok {
		return grants, nil
	}
	for user, v := range raw {
		s, _ := v.(string)
		role := Role(s)
		if !role.Valid() {
			invalid = append(invalid, user)
			continue
		}
		grants[UserID(user)] = role
	}
	return grants, invalid
}

// Collaboration attaches a role to a (node, user) pair. Rows are materialized
// from the collaborators attribute of the node.
type Collaboration struct {
	NodeID      NodeID      `gorm:"primaryKey;size:32" json:"nodeId" cbor:"nodeId"`
	UserID      UserID      `gorm:"primaryKey;size:32;index" json:"userId" cbor:"userId"`
	WorkspaceID WorkspaceID `gorm:"size:32;not null;index" json:"workspaceId" cbor:"workspaceId"`
	Role        Role        `gorm:"size:16;not null" json:"role" cbor:"role"`
	CreatedAt   time.Time   `gorm:"not null;autoCreateTime:false" json:"createdAt" cbor:"createdAt"`
	UpdatedAt   time.Time   `gorm:"not null;autoUpdateTime:false" json:"updatedAt" cbor:"updatedAt"`
}

func (Collaboration) TableName() string { return "collaborations" }
