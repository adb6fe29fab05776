package roomsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims is the claim set of a session token.
type sessionClaims struct {
	UserID   string `json:"user_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

func (c *sessionClaims) identity() (Identity, error) {
	id := Identity{UserID: c.UserID, DisplayName: c.Name}
	if id.UserID == "" {
		id.UserID = c.Subject
	}
	if id.UserID == "" {
		return Identity{}, errors.New("token carries no user id")
	}
	if id.DisplayName == "" {
		id.DisplayName = c.Username
	}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id, nil
}

// IdentityFromToken reads the current user from a session token without
// verifying its signature. The data source verifies it on every request;
// the client only needs to know who it is.
func IdentityFromToken(token string) (Identity, error) {
	claims := &sessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	return claims.identity()
}

// VerifyToken parses an HS256 session token signed with key.
func VerifyToken(token string, key []byte) (Identity, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}
	if !parsed.Valid {
		return Identity{}, errors.New("invalid token")
	}
	return claims.identity()
}

// SignToken issues an HS256 session token for id, valid for ttl.
func SignToken(id Identity, key []byte, ttl time.Duration) (string, error) {
	claims := &sessionClaims{
		UserID: id.UserID,
		Name:   id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// Expired reports whether the token behind the identity has expired at now.
// An identity without an expiry never expires.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}
