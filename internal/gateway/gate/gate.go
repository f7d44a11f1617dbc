// Package gate decides whether a presented credential authenticates a
// request. Every rejection carries a reason; store trouble rejects rather
// than admits.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/copperline/gatehouse/pkg/jwtx"
	"github.com/copperline/gatehouse/pkg/revoke"
	"github.com/copperline/gatehouse/pkg/slogx"
)

// Reason classifies why the gate rejected a credential.
type Reason string

const (
	ReasonInvalid     Reason = "invalid"
	ReasonExpired     Reason = "expired"
	ReasonRevoked     Reason = "revoked"
	ReasonUnavailable Reason = "unavailable"
)

// RejectedError reports a failed authentication with its reason. Callers
// branch on Reason to pick a response; the wrapped error stays server-side.
type RejectedError struct {
	Reason Reason
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("gate: rejected (%s)", e.Reason)
	}
	return fmt.Sprintf("gate: rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// RejectionReason extracts the reason from an Authenticate error, if it is
// a gate rejection.
func RejectionReason(err error) (Reason, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// Identity is the result of a successful authentication.
type Identity struct {
	// Subject is the authenticated user identifier.
	Subject string
	// Claims are the verified token claims.
	Claims jwtx.Claims
	// Token is the raw credential, kept so the enforcer can fingerprint it
	// into the internal assertion.
	Token string
}

// Gate authenticates raw bearer tokens against the codec and the
// revocation store.
type Gate struct {
	codec   *jwtx.Codec
	revoked revoke.Store
}

func New(codec *jwtx.Codec, revoked revoke.Store) *Gate {
	return &Gate{codec: codec, revoked: revoked}
}

// Authenticate verifies a raw token of the wanted class. Signature, expiry
// and claim-shape failures reject immediately without touching the store.
// A store error is a rejection too: an unverifiable credential does not
// pass just because the blacklist is unreachable.
func (g *Gate) Authenticate(ctx context.Context, raw string, want jwtx.Class) (Identity, error) {
	log := slogx.FromContext(ctx)

	claims, err := g.codec.Verify(raw)
	if err != nil {
		reason := ReasonInvalid
		if errors.Is(err, jwtx.ErrExpired) {
			reason = ReasonExpired
		}
		log.Warn("authentication rejected",
			slog.String("reason", string(reason)),
		)
		return Identity{}, &RejectedError{Reason: reason, Err: err}
	}

	if claims.Class != want {
		log.Warn("authentication rejected",
			slog.String("reason", string(ReasonInvalid)),
			slog.String("detail", "wrong token class"),
		)
		return Identity{}, &RejectedError{
			Reason: ReasonInvalid,
			Err:    fmt.Errorf("token class %q where %q required", claims.Class, want),
		}
	}

	revoked, err := g.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		log.Error("revocation check failed, rejecting",
			slog.String("jti", claims.ID),
			slogx.Err(err),
		)
		return Identity{}, &RejectedError{Reason: ReasonUnavailable, Err: err}
	}
	if revoked {
		log.Warn("authentication rejected",
			slog.String("reason", string(ReasonRevoked)),
			slog.String("subject", claims.Subject),
			slog.String("jti", claims.ID),
		)
		return Identity{}, &RejectedError{Reason: ReasonRevoked}
	}

	return Identity{Subject: claims.Subject, Claims: claims, Token: raw}, nil
}
