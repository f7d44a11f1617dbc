// Package revoke tracks credentials that were invalidated before their
// natural expiry. Entries are keyed by jti and carry a TTL equal to the
// credential's remaining lifetime, so the store never grows past one maximum
// token lifetime of traffic and a revocation can never outlive the token it
// kills.
package revoke

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that the backing store could not answer. Callers
// must fail closed: an unanswered revocation check is treated as revoked.
var ErrUnavailable = errors.New("revoke: store unavailable")

// Store is the revocation list contract.
type Store interface {
	// Revoke marks a jti revoked for ttl. It is idempotent; a duplicate call
	// never shortens an existing entry (the larger of remaining and new TTL
	// wins). A non-positive ttl is a no-op: the credential is already dead.
	Revoke(ctx context.Context, jti string, ttl time.Duration) error

	// IsRevoked reports whether the jti is currently revoked. It returns
	// ErrUnavailable (possibly wrapped) when the store cannot be reached;
	// it never guesses.
	IsRevoked(ctx context.Context, jti string) (bool, error)

	// Close releases the underlying connection.
	Close() error
}
