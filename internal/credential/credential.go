// Package credential issues and inspects the signed tokens handed to agents
// that pass verification.
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the token lifetime when none is configured.
const DefaultTTL = time.Hour

const issuerName = "agentcaptcha"

var (
	// ErrTokenExpired is returned by Inspect for a well-signed, expired token.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned by Inspect for any other bad token.
	ErrTokenInvalid = errors.New("invalid token")
)

// Claims is the token payload.
type Claims struct {
	AgentID      string `json:"agent_id"`
	SessionID    string `json:"session_id"`
	StagesPassed []int  `json:"stages_passed"`
	VerifiedAt   int64  `json:"verified_at"`
	ExpiresIn    int64  `json:"expires_in"`
	jwt.RegisteredClaims
}

// Issuer signs HS256 tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. A non-positive ttl selects DefaultTTL.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL returns the token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a credential for a verified session.
func (i *Issuer) Issue(agentID, sessionID string, stagesPassed []int) (string, error) {
	now := i.now().Truncate(time.Second)
	claims := Claims{
		AgentID:      agentID,
		SessionID:    sessionID,
		StagesPassed: append([]int(nil), stagesPassed...),
		VerifiedAt:   now.Unix(),
		ExpiresIn:    int64(i.ttl / time.Second),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Inspect verifies a token and returns its claims. It has no side effects,
// so inspecting the same token twice gives the same answer.
func (i *Issuer) Inspect(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}
