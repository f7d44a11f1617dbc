// Package enforce is the gateway's checkpoint: rate limiting and
// authentication run here before any request reaches an upstream service.
package enforce

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/copperline/gatehouse/internal/gateway/gate"
	"github.com/copperline/gatehouse/pkg/assertion"
	"github.com/copperline/gatehouse/pkg/httpx"
	"github.com/copperline/gatehouse/pkg/jwtx"
	"github.com/copperline/gatehouse/pkg/ratelimit"
	"github.com/copperline/gatehouse/pkg/slogx"
)

// Enforcer wires the gate, the rate limiter and the assertion minter into
// HTTP middleware.
type Enforcer struct {
	gate    *gate.Gate
	limiter ratelimit.Limiter
	minter  *assertion.Minter
}

func New(g *gate.Gate, limiter ratelimit.Limiter, minter *assertion.Minter) *Enforcer {
	return &Enforcer{gate: g, limiter: limiter, minter: minter}
}

type identityKey struct{}

// ContextWithIdentity stores the authenticated identity for the forwarding
// layer.
func ContextWithIdentity(ctx context.Context, id gate.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (gate.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(gate.Identity)
	return id, ok
}

// Limit applies the named rate limit class, keyed by the extractor. A
// limiter outage denies: an attacker must not be able to shed the limiter
// by overloading its backend.
func (e *Enforcer) Limit(class ratelimit.Class, key httpx.KeyExtractor) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := e.limiter.Acquire(r.Context(), key(r), class)
			switch d.Outcome {
			case ratelimit.Allowed:
				next.ServeHTTP(w, r)
			case ratelimit.Denied:
				slogx.FromContext(r.Context()).Warn("rate limited",
					slog.String("class", string(class)),
					slog.String("path", r.URL.Path),
				)
				httpx.WriteRateLimited(w, d.RetryAfter)
			default:
				slogx.FromContext(r.Context()).Error("rate limiter unavailable, denying",
					slog.String("class", string(class)),
					slogx.Err(d.Err),
				)
				httpx.WriteError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "try again later")
			}
		})
	}
}

// Protect requires a valid, unrevoked access token. On success the identity
// lands on the request context for handlers and the forwarder.
func (e *Enforcer) Protect() httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := httpx.BearerToken(r)
			if !ok {
				httpx.WriteBearerError(w, "missing bearer token")
				return
			}

			id, err := e.gate.Authenticate(r.Context(), raw, jwtx.ClassAccess)
			if err != nil {
				if reason, ok := gate.RejectionReason(err); ok && reason == gate.ReasonUnavailable {
					httpx.WriteError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "try again later")
					return
				}
				httpx.WriteBearerError(w, "invalid or revoked token")
				return
			}

			ctx := ContextWithIdentity(r.Context(), id)
			ctx = httpx.ContextWithSubject(ctx, id.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
