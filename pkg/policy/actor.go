package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrBadToken     = errors.New("policy: invalid actor token")
	ErrRoleRequired = errors.New("policy: role not permitted")
)

// Actor is an authenticated principal derived from a bearer token.
type Actor struct {
	Subject string
	Role    string
}

// actorClaims is the JWT payload shape for actor tokens.
type actorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// MintActorToken issues an HS256 token for the given subject and role.
func MintActorToken(key []byte, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := actorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("policy: mint token: %w", err)
	}
	return signed, nil
}

// ParseActor validates a token and extracts the actor. Expired or
// mis-signed tokens fail with ErrBadToken.
func ParseActor(key []byte, token string) (*Actor, error) {
	var claims actorClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrBadToken)
	}
	return &Actor{Subject: claims.Subject, Role: claims.Role}, nil
}

// Authorize enforces role membership for privileged operations, such
// as invoking dangerous-class tools.
func (a *Actor) Authorize(allowedRoles ...string) error {
	if len(allowedRoles) == 0 {
		return nil
	}
	for _, r := range allowedRoles {
		if a.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q needs one of %v", ErrRoleRequired, a.Role, allowedRoles)
}
