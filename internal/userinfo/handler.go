package userinfo

import (
	"net/http"
	"time"

	"github.com/copperline/gatehouse/pkg/assertion"
	"github.com/copperline/gatehouse/pkg/httpx"
)

// UserinfoResponse reports the identity the gateway asserted.
type UserinfoResponse struct {
	Subject    string    `json:"sub"`
	AssertedAt time.Time `json:"asserted_at"`
}

// handleUserinfo answers with the verified subject. By the time this runs
// the assertion middleware has already rejected anything unverified.
func handleUserinfo(w http.ResponseWriter, r *http.Request) {
	a, ok := assertion.FromContext(r.Context())
	if !ok {
		// Only reachable if the route is wired without the middleware.
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_request", "no identity")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, UserinfoResponse{
		Subject:    a.Subject,
		AssertedAt: a.IssuedAt,
	})
}
