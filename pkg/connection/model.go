package connection

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nodesync/nodesync/pkg/models"
)

// RPC error codes. They follow HTTP semantics.
const (
	CodeBadRequest     = 400
	CodeUnauthorized   = 401
	CodeMethodNotFound = 404
	CodeDuplicate      = 409
	CodeInternal       = 500
)

// RPCError is the error member of a response frame.
type RPCError struct {
	Code    int    `json:"code" cbor:"code"`
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
}

func (r *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", r.Code, r.Message)
}

func (r *RPCError) Is(target error) bool {
	if target == nil {
		return r == nil
	}

	_, ok := target.(*RPCError)
	return ok
}

// RPCRequest is a request frame. Params holds the encoded parameter object
// of the method.
type RPCRequest struct {
	ID     string          `json:"id" cbor:"id"`
	Method string          `json:"method" cbor:"method"`
	Params cbor.RawMessage `json:"params,omitempty" cbor:"params,omitempty"`
}

// RPCResponse is a response frame. A frame without ID is a push
// notification whose Result is a Notification.
type RPCResponse[T any] struct {
	ID     string    `json:"id,omitempty" cbor:"id,omitempty"`
	Error  *RPCError `json:"error,omitempty" cbor:"error,omitempty"`
	Result *T        `json:"result,omitempty" cbor:"result,omitempty"`
}

// IsNotification reports whether the frame is a server push.
func (r *RPCResponse[T]) IsNotification() bool {
	return r.ID == "" && r.Error == nil && r.Result != nil
}

// Notification hints that a stream of a workspace has new changes up to
// Cursor. It carries no change data.
type Notification struct {
	Stream      models.Stream      `json:"stream" cbor:"stream"`
	WorkspaceID models.WorkspaceID `json:"workspaceId" cbor:"workspaceId"`
	Cursor      string             `json:"cursor" cbor:"cursor"`
}

// StreamInput scopes a stream.
type StreamInput struct {
	WorkspaceID models.WorkspaceID `json:"workspaceId" cbor:"workspaceId"`
}

type PullRequest struct {
	RequestID string        `json:"requestId" cbor:"requestId"`
	StreamID  models.Stream `json:"streamId" cbor:"streamId"`
	Input     StreamInput   `json:"input" cbor:"input"`
	Cursor    string        `json:"cursor" cbor:"cursor"`
	Limit     int           `json:"limit,omitempty" cbor:"limit,omitempty"`
}

// PullItem is one change of a pull response. Cursor is the position to
// persist once the item is applied.
type PullItem struct {
	Cursor string            `json:"cursor" cbor:"cursor"`
	Data   models.ChangeItem `json:"data" cbor:"data"`
}

type PullResponse struct {
	RequestID string        `json:"requestId" cbor:"requestId"`
	StreamID  models.Stream `json:"streamId" cbor:"streamId"`
	Items     []PullItem    `json:"items" cbor:"items"`
}

type MutateRequest struct {
	WorkspaceID models.WorkspaceID `json:"workspaceId" cbor:"workspaceId"`
	Mutations   []models.Mutation  `json:"mutations" cbor:"mutations"`
}

type MutateResponse struct {
	Results []models.MutationResult `json:"results" cbor:"results"`
}

type PingResponse struct {
	Time string `json:"time" cbor:"time"`
}
