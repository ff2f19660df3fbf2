// Package auth issues and verifies device tokens.
//
// A device token is an HS256 JWT naming the account, the device and the
// workspace the device syncs. The server accepts a WebSocket upgrade only
// with a valid token and scopes every request of the connection to it.
package auth

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/nodesync/nodesync/pkg/models"
)

const issuer = "nodesync"

var ErrInvalidToken = errors.New("invalid device token")

// Claims are the claims of a device token.
type Claims struct {
	AccountID   string `json:"account_id"`
	DeviceID    string `json:"device_id"`
	WorkspaceID string `json:"workspace_id"`
	gojwt.RegisteredClaims
}

// Identity is the verified content of a device token.
type Identity struct {
	AccountID   models.AccountID
	DeviceID    models.DeviceID
	WorkspaceID models.WorkspaceID
}

type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer. A zero ttl issues tokens that never expire.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("auth: secret must be at least 16 bytes")
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for a device.
func (s *Signer) Issue(id Identity) (string, error) {
	now := s.now()
	claims := Claims{
		AccountID:   id.AccountID.String(),
		DeviceID:    id.DeviceID.String(),
		WorkspaceID: string(id.WorkspaceID),
		RegisteredClaims: gojwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  id.DeviceID.String(),
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(s.ttl))
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the signature and expiry of a token and returns its identity.
func (s *Signer) Verify(token string) (Identity, error) {
	var claims Claims
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithIssuer(issuer),
		gojwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(token, &claims, func(*gojwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	accountID, err := models.ParseAccountID(claims.AccountID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: account: %v", ErrInvalidToken, err)
	}
	deviceID, err := models.ParseDeviceID(claims.DeviceID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: device: %v", ErrInvalidToken, err)
	}
	workspaceID, err := models.ParseWorkspaceID(claims.WorkspaceID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: workspace: %v", ErrInvalidToken, err)
	}
	return Identity{AccountID: accountID, DeviceID: deviceID, WorkspaceID: workspaceID}, nil
}
