// Package http wires the gateway's endpoints: the auth surface, the
// WebSocket entry point, health probes and the catch-all proxy to the
// upstream services.
package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/copperline/gatehouse/internal/gateway/enforce"
	"github.com/copperline/gatehouse/internal/gateway/service"
	"github.com/copperline/gatehouse/internal/gateway/ws"
	"github.com/copperline/gatehouse/pkg/httpx"
	"github.com/copperline/gatehouse/pkg/ratelimit"
	"github.com/copperline/gatehouse/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	enforcer     *enforce.Enforcer
	tokens       *service.TokenService
	wsHandler    *ws.Handler
	upstream     *url.URL
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
}

// ReadinessCheck reports whether a named dependency is healthy.
type ReadinessCheck struct {
	Name  string
	Check func() error
}

func NewRouter(
	enforcer *enforce.Enforcer,
	tokens *service.TokenService,
	wsHandler *ws.Handler,
	upstream *url.URL,
	buildVersion string,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		enforcer:     enforcer,
		tokens:       tokens,
		wsHandler:    wsHandler,
		upstream:     upstream,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		logger:       logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

// ApplyRoutes registers every endpoint on the mux.
func (r *Router) ApplyRoutes(checks ...ReadinessCheck) {
	r.registerAuth()
	r.registerWebSocket()
	r.registerSystem(checks)
	r.registerProxy()
}

// ServeHTTP applies the global middleware chain in front of the mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerAuth() {
	auth := &AuthHandler{Tokens: r.tokens}

	r.Mux.Handle("POST /v1/auth/register",
		httpx.Chain(http.HandlerFunc(auth.HandleRegister),
			r.enforcer.Limit(ratelimit.ClassRegister, httpx.IPKeyExtractor),
		),
	)
	r.Mux.Handle("POST /v1/auth/login",
		httpx.Chain(http.HandlerFunc(auth.HandleLogin),
			r.enforcer.Limit(ratelimit.ClassLogin, httpx.IPKeyExtractor),
		),
	)
	r.Mux.Handle("POST /v1/auth/refresh",
		httpx.Chain(http.HandlerFunc(auth.HandleRefresh),
			r.enforcer.Limit(ratelimit.ClassRefresh, httpx.IPKeyExtractor),
		),
	)
	r.Mux.Handle("POST /v1/auth/logout",
		httpx.Chain(http.HandlerFunc(auth.HandleLogout),
			r.enforcer.Limit(ratelimit.ClassDefault, httpx.IPKeyExtractor),
		),
	)
}

func (r *Router) registerWebSocket() {
	r.Mux.Handle("GET /ws",
		httpx.Chain(r.wsHandler,
			r.enforcer.Limit(ratelimit.ClassDefault, httpx.IPKeyExtractor),
		),
	)
}

func (r *Router) registerSystem(checks []ReadinessCheck) {
	r.Mux.Handle("GET /livez", LivezHandler(r.startTime, r.buildVersion))
	r.Mux.Handle("GET /readyz", ReadyzHandler(r.startTime, r.buildVersion, checks))
}

// registerProxy routes everything else through the checkpoint to the
// upstream. The IP-keyed limit sits in front of authentication so a flood
// of invalid credentials is shed before it can hammer the codec and the
// revocation store; behind the gate a second, subject-keyed budget applies
// (falling back to the IP for keyless edge cases).
func (r *Router) registerProxy() {
	if r.upstream == nil {
		return
	}
	subjectKey := httpx.FirstKeyExtractor(httpx.SubjectKeyExtractor, httpx.IPKeyExtractor)
	r.Mux.Handle("/",
		httpx.Chain(r.enforcer.Forward(r.upstream),
			r.enforcer.Limit(ratelimit.ClassDefault, httpx.IPKeyExtractor),
			r.enforcer.Protect(),
			r.enforcer.Limit(ratelimit.ClassDefault, subjectKey),
		),
	)
}
