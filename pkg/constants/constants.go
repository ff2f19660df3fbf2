package constants

import "time"

const (
	// RequestIDLength is the length of the random id attached to RPC frames.
	RequestIDLength = 16

	// DefaultWSTimeout bounds how long a client waits for an RPC response.
	DefaultWSTimeout = 30 * time.Second

	// CloseMessageCode is the WebSocket close code sent on a graceful close.
	CloseMessageCode = 1000

	// DefaultPullLimit is the maximum number of items returned by one pull.
	DefaultPullLimit = 100

	// DefaultCascadeBatchSize is the number of descendants tombstoned per transaction.
	DefaultCascadeBatchSize = 100

	// DefaultPushRetryCeiling is the number of failed pushes after which a
	// delivery is pruned and the device is left to recover by pulling.
	DefaultPushRetryCeiling = 5

	// DefaultMutationBatchSize is the number of outbox entries sent per mutate call.
	DefaultMutationBatchSize = 50

	// DefaultMutationMaxAttempts is the number of transient failures an outbox
	// entry survives before it is moved to the rejected bucket.
	DefaultMutationMaxAttempts = 20
)

var (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
	HTTPScheme            = "http"
	HTTPSecureScheme      = "https"
)

// Subprotocol is the WebSocket subprotocol negotiated by client and server.
const Subprotocol = "cbor"

// RPC method names.
const (
	MethodPull   = "pull"
	MethodMutate = "mutate"
	MethodPing   = "ping"
)
