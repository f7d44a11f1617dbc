package jwtx

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/copperline/gatehouse/pkg/idx"
)

// Default token TTLs. Short-lived access tokens keep the revocation store
// small: an entry only ever lives as long as the credential it revokes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Class partitions credentials by what they may be exchanged for. An access
// token admits requests; a refresh token only mints new pairs. Verifiers must
// check the class, otherwise a long-lived refresh token doubles as an access
// token.
type Class string

const (
	ClassAccess  Class = "access"
	ClassRefresh Class = "refresh"
)

// Valid reports whether the class is one we issue.
func (c Class) Valid() bool {
	return c == ClassAccess || c == ClassRefresh
}

// Claims are the credential claims carried by every gatehouse JWT.
type Claims struct {
	jwt.RegisteredClaims

	// Class is the token class ("access" | "refresh").
	Class Class `json:"cls"`

	// PairJTI is set on refresh tokens only: the jti of the access token
	// minted alongside this refresh token. Refresh rotation revokes it so the
	// old access token dies the moment a new pair exists.
	PairJTI string `json:"pjt,omitempty"`

	// PairExpiresAt is the natural expiry of the paired access token. It
	// bounds the revocation entry's TTL during rotation.
	PairExpiresAt *jwt.NumericDate `json:"pxp,omitempty"`
}

// NewClaims builds minimally-correct claims for a fresh credential. The jti
// is a ULID, unique per issuance.
func NewClaims(subject string, class Class, issuer string, ttl time.Duration, now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        idx.New().String(),
		},
		Class: class,
	}
}

// Remaining returns the time until the credential's natural expiry, clamped
// at zero. Used to size revocation entries.
func (c Claims) Remaining(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	return max(c.ExpiresAt.Time.Sub(now), 0)
}
