// Package auth resolves the identity behind a connection's auth frame.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/orchestra-mcp/roomcast/src/types"
)

// ErrUnauthorized is returned for any rejected auth frame.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator validates an auth frame.
type Authenticator interface {
	Authenticate(req types.AuthPayload) (types.Identity, error)
}

// Open accepts any auth frame that names a user. Intended for deployments
// where the page session already vouches for the user.
type Open struct{}

func (Open) Authenticate(req types.AuthPayload) (types.Identity, error) {
	return identity(req)
}

// Signed requires token to be the hex HMAC-SHA256 of the user id under one
// of the configured secrets.
type Signed struct {
	Secrets []string
}

func (s Signed) Authenticate(req types.AuthPayload) (types.Identity, error) {
	id, err := identity(req)
	if err != nil {
		return types.Identity{}, err
	}
	if req.Token == "" {
		return types.Identity{}, ErrUnauthorized
	}
	for _, secret := range s.Secrets {
		if secret == "" {
			continue
		}
		if hmac.Equal([]byte(Sign(secret, req.UserID)), []byte(req.Token)) {
			return id, nil
		}
	}
	return types.Identity{}, ErrUnauthorized
}

// Sign returns the token a client presents for userID.
func Sign(secret, userID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// New picks Signed when secrets are configured and Open otherwise.
func New(secrets []string) Authenticator {
	for _, s := range secrets {
		if s != "" {
			return Signed{Secrets: secrets}
		}
	}
	return Open{}
}

func identity(req types.AuthPayload) (types.Identity, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return types.Identity{}, ErrUnauthorized
	}
	name := strings.TrimSpace(req.Username)
	if name == "" {
		name = userID
	}
	return types.Identity{UserID: userID, Username: name}, nil
}
