// Package auth verifies the JWTs that browsers present on WebSocket
// upgrade. Token issuance lives in the external auth service; this side
// only validates signatures and extracts the session claims.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing token")
)

// Claims are the verified fields the session core cares about. PendingTOTP
// means the user has passed the password step but not yet the TOTP step;
// such tokens must not open sessions.
type Claims struct {
	UserID      uint
	SessionID   string
	PendingTOTP bool
}

type jwtClaims struct {
	UserID      uint   `json:"uid"`
	SessionID   string `json:"sid"`
	PendingTOTP bool   `json:"pending_totp"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed JWTs against a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// VerifyJWT parses and validates the token. It is pure: same token, same
// result (until expiry), so callers may cache per-connection.
func (v *Verifier) VerifyJWT(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == 0 {
		return nil, ErrInvalidToken
	}

	return &Claims{
		UserID:      claims.UserID,
		SessionID:   claims.SessionID,
		PendingTOTP: claims.PendingTOTP,
	}, nil
}
