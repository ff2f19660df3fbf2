package connection

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/logger"
)

// Config holds what a WebSocket connection needs to dial a server.
type Config struct {
	URL         url.URL
	BaseURL     string
	Token       string
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	Logger      logger.Logger
}

// NewConfig creates a Config for the server at u, e.g. "ws://localhost:7700".
// http and https URLs are mapped to ws and wss.
func NewConfig(u *url.URL) *Config {
	scheme := u.Scheme
	switch scheme {
	case constants.HTTPScheme:
		scheme = constants.WebsocketScheme
	case constants.HTTPSecureScheme:
		scheme = constants.WebsocketSecureScheme
	}
	c := codec.NewCBOR()
	return &Config{
		URL:         *u,
		BaseURL:     fmt.Sprintf("%s://%s", scheme, u.Host),
		Marshaler:   c,
		Unmarshaler: c,
		Logger:      logger.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}

// HTTPBaseURL returns the http(s) form of BaseURL, for the health endpoint.
func (c *Config) HTTPBaseURL() string {
	scheme := constants.HTTPScheme
	if c.URL.Scheme == constants.WebsocketSecureScheme || c.URL.Scheme == constants.HTTPSecureScheme {
		scheme = constants.HTTPSecureScheme
	}
	return fmt.Sprintf("%s://%s", scheme, c.URL.Host)
}
