package assertion

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/copperline/gatehouse/pkg/httpx"
	"github.com/copperline/gatehouse/pkg/slogx"
)

type ctxKey string

const assertionKey ctxKey = "assertion"

// ContextWithAssertion stores a verified assertion on the context.
func ContextWithAssertion(ctx context.Context, a Assertion) context.Context {
	return context.WithValue(ctx, assertionKey, a)
}

// FromContext returns the verified assertion, if any.
func FromContext(ctx context.Context) (Assertion, bool) {
	a, ok := ctx.Value(assertionKey).(Assertion)
	return a, ok
}

// VerifyMiddleware rejects any request that does not carry a fresh, validly
// signed assertion. Downstream handlers behind it can read the subject from
// the context without re-checking anything.
func VerifyMiddleware(v *Verifier) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, err := v.Verify(r.Header.Get(Header))
			if err != nil {
				logRejection(r, err)
				switch {
				case errors.Is(err, ErrMissing):
					httpx.WriteError(w, http.StatusUnauthorized, "invalid_request", "missing internal assertion")
				case errors.Is(err, ErrStale):
					httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "stale internal assertion")
				default:
					httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "invalid internal assertion")
				}
				return
			}

			ctx := ContextWithAssertion(r.Context(), a)
			ctx = httpx.ContextWithSubject(ctx, a.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func logRejection(r *http.Request, err error) {
	slogx.FromContext(r.Context()).Warn("internal assertion rejected",
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("reason", err.Error()),
	)
}
