package models

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Sortable ids are a lowercase ULID followed by a two letter type suffix,
// e.g. "01hq3v...pg" for a page. They are plain strings on every encoding.
const (
	ulidLength   = 26
	suffixLength = 2
	idLength     = ulidLength + suffixLength
)

const (
	suffixWorkspace = "wc"
	suffixUser      = "us"
	suffixMutation  = "mu"
	suffixVersion   = "ve"
)

func newSortableID(suffix string) string {
	return strings.ToLower(ulid.Make().String()) + suffix
}

func parseSortableID(kind, s string) (string, error) {
	if len(s) != idLength {
		return "", fmt.Errorf("invalid %s ID %q: expected %d characters", kind, s, idLength)
	}
	if _, err := ulid.ParseStrict(strings.ToUpper(s[:ulidLength])); err != nil {
		return "", fmt.Errorf("invalid %s ID %q: %w", kind, s, err)
	}
	return s, nil
}

// IDSuffix returns the type suffix of a sortable id, or "" when s is too short.
func IDSuffix(s string) string {
	if len(s) < suffixLength {
		return ""
	}
	return s[len(s)-suffixLength:]
}

// NodeID identifies a node. The suffix encodes the node type.
type NodeID string

func NewNodeID(t NodeType) NodeID {
	return NodeID(newSortableID(t.idSuffix()))
}

func ParseNodeID(s string) (NodeID, error) {
	id, err := parseSortableID("node", s)
	if err != nil {
		return "", err
	}
	if _, ok := nodeTypeBySuffix[IDSuffix(id)]; !ok {
		return "", fmt.Errorf("invalid node ID %q: unknown type suffix", s)
	}
	return NodeID(id), nil
}

func (id NodeID) String() string { return string(id) }
func (id NodeID) IsZero() bool   { return id == "" }

// Type returns the node type encoded in the id suffix.
func (id NodeID) Type() NodeType {
	return nodeTypeBySuffix[IDSuffix(string(id))]
}

type WorkspaceID string

func NewWorkspaceID() WorkspaceID { return WorkspaceID(newSortableID(suffixWorkspace)) }

func ParseWorkspaceID(s string) (WorkspaceID, error) {
	id, err := parseSortableID("workspace", s)
	return WorkspaceID(id), err
}

func (id WorkspaceID) String() string { return string(id) }
func (id WorkspaceID) IsZero() bool   { return id == "" }

// UserID identifies an account's membership in one workspace. The user's
// profile node shares the same id.
type UserID string

func NewUserID() UserID { return UserID(newSortableID(suffixUser)) }

func ParseUserID(s string) (UserID, error) {
	id, err := parseSortableID("user", s)
	return UserID(id), err
}

func (id UserID) String() string { return string(id) }
func (id UserID) IsZero() bool   { return id == "" }

// NodeID returns the id of the user's profile node.
func (id UserID) NodeID() NodeID { return NodeID(id) }

type MutationID string

func NewMutationID() MutationID { return MutationID(newSortableID(suffixMutation)) }

func ParseMutationID(s string) (MutationID, error) {
	id, err := parseSortableID("mutation", s)
	return MutationID(id), err
}

func (id MutationID) String() string { return string(id) }
func (id MutationID) IsZero() bool   { return id == "" }

// VersionID is the optimistic concurrency token of a node or document.
type VersionID string

func NewVersionID() VersionID { return VersionID(newSortableID(suffixVersion)) }

func (id VersionID) String() string { return string(id) }

// AccountID is a typed ID for accounts
type AccountID struct {
	uuid uuid.UUID
}

func NewAccountID() AccountID {
	return AccountID{uuid: uuid.New()}
}

func ParseAccountID(s string) (AccountID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return AccountID{}, fmt.Errorf("invalid account ID: %w", err)
	}
	return AccountID{uuid: id}, nil
}

func (a AccountID) UUID() uuid.UUID { return a.uuid }
func (a AccountID) String() string  { return a.uuid.String() }
func (a AccountID) IsZero() bool    { return a.uuid == uuid.Nil }

func (a AccountID) MarshalJSON() ([]byte, error) { return json.Marshal(a.uuid.String()) }

func (a *AccountID) UnmarshalJSON(data []byte) error {
	return unmarshalJSONUUID(data, &a.uuid)
}

func (a AccountID) MarshalCBOR() ([]byte, error) { return cbor.Marshal(a.uuid.String()) }

func (a *AccountID) UnmarshalCBOR(data []byte) error {
	return unmarshalCBORUUID(data, &a.uuid)
}

func (a AccountID) Value() (driver.Value, error) {
	if a.IsZero() {
		return nil, nil
	}
	return a.uuid.String(), nil
}

func (a *AccountID) Scan(value any) error {
	return scanUUID(value, &a.uuid)
}

func (AccountID) GormDataType() string { return "varchar(36)" }

// DeviceID is a typed ID for devices
type DeviceID struct {
	uuid uuid.UUID
}

func NewDeviceID() DeviceID {
	return DeviceID{uuid: uuid.New()}
}

func ParseDeviceID(s string) (DeviceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("invalid device ID: %w", err)
	}
	return DeviceID{uuid: id}, nil
}

func (d DeviceID) UUID() uuid.UUID { return d.uuid }
func (d DeviceID) String() string  { return d.uuid.String() }
func (d DeviceID) IsZero() bool    { return d.uuid == uuid.Nil }

func (d DeviceID) MarshalJSON() ([]byte, error) { return json.Marshal(d.uuid.String()) }

func (d *DeviceID) UnmarshalJSON(data []byte) error {
	return unmarshalJSONUUID(data, &d.uuid)
}

func (d DeviceID) MarshalCBOR() ([]byte, error) { return cbor.Marshal(d.uuid.String()) }

func (d *DeviceID) UnmarshalCBOR(data []byte) error {
	return unmarshalCBORUUID(data, &d.uuid)
}

func (d DeviceID) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.uuid.String(), nil
}

func (d *DeviceID) Scan(value any) error {
	return scanUUID(value, &d.uuid)
}

func (DeviceID) GormDataType() string { return "varchar(36)" }

func scanUUID(value any, dst *uuid.UUID) error {
	switch v := value.(type) {
	case nil:
		*dst = uuid.Nil
		return nil
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*dst = id
		return nil
	case []byte:
		id, err := uuid.ParseBytes(v)
		if err != nil {
			return err
		}
		*dst = id
		return nil
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
}

func unmarshalJSONUUID(data []byte, dst *uuid.UUID) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*dst = id
	return nil
}

func unmarshalCBORUUID(data []byte, dst *uuid.UUID) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*dst = uuid.Nil
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*dst = id
	return nil
}
