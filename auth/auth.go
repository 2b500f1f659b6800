package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// StaticTokenAuthenticator accepts a fixed set of bearer tokens, each mapped
// to a user id. Intended for local development and tests; production
// deployments should use the JWT authenticator.
type StaticTokenAuthenticator struct {
	tokens map[string]string // token -> user id
}

// NewStaticTokens builds an authenticator from a token -> user id map.
func NewStaticTokens(tokens map[string]string) *StaticTokenAuthenticator {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticTokenAuthenticator{tokens: cp}
}

// CheckAuthentication implements Authenticator.
func (a *StaticTokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, ErrUnauthorized
	}
	for candidate, uid := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(tok)) == 1 {
			return StaticUserInfo{ID: uid}, nil
		}
	}
	return nil, ErrUnauthorized
}

// StaticUserInfo is a minimal UserInfo carrying just an id and optional claims.
type StaticUserInfo struct {
	ID        string
	RawClaims map[string]any
}

func (u StaticUserInfo) UserID() string { return u.ID }

func (u StaticUserInfo) Claims(ref any) error {
	if u.RawClaims == nil {
		return nil
	}
	b, err := json.Marshal(u.RawClaims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ Authenticator = (*StaticTokenAuthenticator)(nil)
