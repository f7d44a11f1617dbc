// Package assertion implements the gateway-minted internal identity
// assertion. Downstream services trust a subject only because this signature
// verifies, never because of a header's name or the request's network origin.
package assertion

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/copperline/gatehouse/pkg/idx"
	"github.com/copperline/gatehouse/pkg/jwtx"
)

// Header carries the assertion from gateway to downstream services. It is
// opaque to clients: the gateway strips every inbound X-Gatehouse-* header
// before attaching its own, so a downstream service cannot even receive a
// client-forged one.
const Header = "X-Gatehouse-Assertion"

// trustedPrefix marks the internal header namespace scrubbed at the trust
// boundary.
const trustedPrefix = "X-Gatehouse-"

// DefaultMaxAge is how long a minted assertion stays fresh. Assertions live
// for one proxy hop; anything older is a replay.
const DefaultMaxAge = 5 * time.Second

var (
	ErrMissing = errors.New("assertion: missing")
	ErrInvalid = errors.New("assertion: invalid")
	ErrStale   = errors.New("assertion: stale")
)

// Assertion is a verified internal identity statement.
type Assertion struct {
	// Subject is the verified user identifier.
	Subject string
	// Digest fingerprints the original client credential's raw token, tying
	// the assertion to the exact credential the gateway verified.
	Digest string
	// ID is unique per mint.
	ID string
	// IssuedAt is when the gateway minted it.
	IssuedAt time.Time
}

type assertionClaims struct {
	jwt.RegisteredClaims

	Digest string `json:"dig"`
}

// Minter signs assertions at the gateway. The keyring is separate from the
// credential keyring: leaking one secret must not compromise the other
// boundary.
type Minter struct {
	keys   *jwtx.Keyring
	issuer string
	maxAge time.Duration
}

// NewMinter builds a minter. maxAge <= 0 uses DefaultMaxAge.
func NewMinter(keys *jwtx.Keyring, issuer string, maxAge time.Duration) *Minter {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Minter{keys: keys, issuer: issuer, maxAge: maxAge}
}

// Mint signs an assertion for the verified subject.
func (m *Minter) Mint(subject, digest string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalid)
	}

	now := time.Now()
	claims := assertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.maxAge)),
			ID:        idx.New().String(),
		},
		Digest: digest,
	}

	key := m.keys.Signing()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = key.KID
	return t.SignedString(key.Secret())
}

// Verifier re-validates assertions inside every non-gateway service.
type Verifier struct {
	keys   *jwtx.Keyring
	issuer string
	skew   time.Duration
}

// NewVerifier builds a verifier. skew tolerates clock drift between the
// gateway and this service when judging freshness.
func NewVerifier(keys *jwtx.Keyring, issuer string, skew time.Duration) *Verifier {
	if skew < 0 {
		skew = 0
	}
	return &Verifier{keys: keys, issuer: issuer, skew: skew}
}

// Verify checks signature and freshness and returns the assertion.
func (v *Verifier) Verify(raw string) (Assertion, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Assertion{}, ErrMissing
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.skew),
	)

	token, err := parser.ParseWithClaims(raw, &assertionClaims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		secret, ok := v.keys.Lookup(kid)
		if !ok {
			return nil, fmt.Errorf("%w: unknown kid %q", ErrInvalid, kid)
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Assertion{}, fmt.Errorf("%w: %v", ErrStale, err)
		}
		return Assertion{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := token.Claims.(*assertionClaims)
	if !ok || !token.Valid {
		return Assertion{}, ErrInvalid
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Assertion{}, fmt.Errorf("%w: issuer mismatch", ErrInvalid)
	}
	if claims.Subject == "" || claims.ID == "" {
		return Assertion{}, fmt.Errorf("%w: missing subject or id", ErrInvalid)
	}

	return Assertion{
		Subject:  claims.Subject,
		Digest:   claims.Digest,
		ID:       claims.ID,
		IssuedAt: claims.IssuedAt.Time,
	}, nil
}

// StripClientHeaders removes every header in the internal trust namespace.
// The gateway calls this before forwarding, so past the trust boundary a
// forwarded client header and a gateway-minted one are impossible to
// confuse: the former no longer exists.
func StripClientHeaders(h http.Header) {
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), trustedPrefix) {
			h.Del(name)
		}
	}
}
