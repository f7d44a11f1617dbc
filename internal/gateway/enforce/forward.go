package enforce

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/copperline/gatehouse/pkg/assertion"
	"github.com/copperline/gatehouse/pkg/cryptox"
	"github.com/copperline/gatehouse/pkg/httpx"
	"github.com/copperline/gatehouse/pkg/slogx"
)

const defaultUpstreamTimeout = 10 * time.Second

type mintedAssertionKey struct{}

// Forward proxies the request to the upstream service. Before the request
// crosses the trust boundary every client-supplied internal header is
// stripped, the client's bearer token is removed, and a freshly minted
// assertion takes their place. A mint failure stops the request at the
// gateway: forwarding without an assertion would surface downstream as a
// spurious auth rejection and hide the real fault from operators. This must
// be placed behind Protect.
func (e *Enforcer) Forward(upstream *url.URL) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()

			assertion.StripClientHeaders(pr.Out.Header)
			pr.Out.Header.Del("Authorization")

			if raw, ok := pr.In.Context().Value(mintedAssertionKey{}).(string); ok {
				pr.Out.Header.Set(assertion.Header, raw)
			}
		},
		Transport: &retryTransport{base: upstreamTransport()},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slogx.FromContext(r.Context()).Error("upstream request failed",
				slogx.Err(err),
			)
			httpx.WriteError(w, http.StatusBadGateway, "bad_gateway", "upstream unavailable")
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := IdentityFromContext(r.Context()); ok {
			raw, err := e.minter.Mint(id.Subject, cryptox.FingerprintToken(id.Token))
			if err != nil {
				slogx.FromContext(r.Context()).Error("assertion mint failed",
					slogx.Err(err),
				)
				httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), mintedAssertionKey{}, raw))
		}
		proxy.ServeHTTP(w, r)
	})
}

func upstreamTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = defaultUpstreamTimeout
	return t
}

// retryTransport retries a failed round trip exactly once, and only for
// requests that are safe to replay: idempotent method, no request body.
type retryTransport struct {
	base http.RoundTripper
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !replayable(req) {
		return resp, err
	}
	return t.base.RoundTrip(req.Clone(req.Context()))
}

func replayable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody
}
