package adapter

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenInvalid reports a resume token that failed verification or
// expired.
var ErrTokenInvalid = errors.New("invalid resume token")

// ResumeClaims are the verified contents of a resume token: which
// pause the bearer may resolve, and until when.
type ResumeClaims struct {
	ExecutionID string
	NodeID      string
	ExpiresAt   time.Time
}

// TokenSigner issues and verifies the signed resume tokens the webhook
// channel hands out. Tokens are HS256 JWTs binding (execution, node)
// and expiring at the pause deadline, so a leaked token cannot resolve
// anything else or outlive the pause.
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner creates a TokenSigner with the given HMAC secret.
func NewTokenSigner(secret []byte) *TokenSigner {
	return &TokenSigner{secret: secret}
}

// Issue creates a token for one pause.
func (s *TokenSigner) Issue(executionID, nodeID string, deadline time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":  executionID,
		"node": nodeID,
		"iat":  time.Now().Unix(),
	}
	if !deadline.IsZero() {
		claims["exp"] = deadline.Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a token, returning its claims.
func (s *TokenSigner) Verify(token string) (ResumeClaims, error) {
	parsed, err := jwt.Parse(token,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !parsed.Valid {
		return ResumeClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ResumeClaims{}, ErrTokenInvalid
	}
	out := ResumeClaims{}
	out.ExecutionID, _ = claims["sub"].(string)
	out.NodeID, _ = claims["node"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if out.ExecutionID == "" || out.NodeID == "" {
		return ResumeClaims{}, ErrTokenInvalid
	}
	return out, nil
}
