package connection

const (
	// AuthorizationHeader carries the device token on the upgrade request.
	AuthorizationHeader = "Authorization"
	// BearerPrefix precedes the token in AuthorizationHeader.
	BearerPrefix = "Bearer "
	// RPCPath is the WebSocket endpoint path.
	RPCPath = "/rpc"
	// HealthPath is the availability endpoint path.
	HealthPath = "/health"
)
