package jwtx

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures, in decreasing order of suspicion. Revocation is
// deliberately not checked here: cryptographic verification stays pure and
// store-independent, the authentication gate composes the two.
var (
	ErrSignature = errors.New("jwtx: invalid signature")
	ErrExpired   = errors.New("jwtx: token expired")
	ErrMalformed = errors.New("jwtx: malformed claims")
	ErrIssuer    = errors.New("jwtx: issuer mismatch")
)

// Codec signs and verifies gatehouse credentials (HS256). It is stateless
// apart from the read-only keyring, so concurrent use needs no locking.
type Codec struct {
	keys   *Keyring
	issuer string
}

// NewCodec builds a codec over the given keyring.
func NewCodec(keys *Keyring, issuer string) *Codec {
	return &Codec{keys: keys, issuer: issuer}
}

// Issuer returns the issuer claim stamped into every credential.
func (c *Codec) Issuer() string { return c.issuer }

// Issue signs claims with the newest key and returns the compact JWT.
func (c *Codec) Issue(claims Claims) (string, error) {
	if claims.Subject == "" || !claims.Class.Valid() {
		return "", fmt.Errorf("%w: refusing to issue", ErrMalformed)
	}

	key := c.keys.Signing()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = key.KID
	return t.SignedString(key.Secret())
}

// Verify checks signature, expiry, issuer and claim shape, returning the
// parsed claims. Failures map onto ErrSignature, ErrExpired, ErrMalformed or
// ErrIssuer; callers treat all of them as an invalid credential and none are
// retryable.
func (c *Codec) Verify(raw string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	token, err := parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrSignature)
		}
		secret, ok := c.keys.Lookup(kid)
		if !ok {
			return nil, fmt.Errorf("%w: unknown kid %q", ErrSignature, kid)
		}
		return secret, nil
	})
	if err != nil {
		return Claims{}, mapParseError(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Claims{}, ErrMalformed
	}

	if c.issuer != "" && claims.Issuer != c.issuer {
		return Claims{}, ErrIssuer
	}
	if claims.Subject == "" || claims.ID == "" {
		return Claims{}, fmt.Errorf("%w: missing subject or jti", ErrMalformed)
	}
	if !claims.Class.Valid() {
		return Claims{}, fmt.Errorf("%w: unknown token class %q", ErrMalformed, claims.Class)
	}

	return *claims, nil
}

// mapParseError folds golang-jwt's joined errors into our sentinel taxonomy.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, ErrSignature):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
