package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/copperline/gatehouse/internal/gateway/enforce"
	"github.com/copperline/gatehouse/internal/gateway/gate"
	gatewayhttp "github.com/copperline/gatehouse/internal/gateway/http"
	"github.com/copperline/gatehouse/internal/gateway/service"
	"github.com/copperline/gatehouse/internal/gateway/ws"
	"github.com/copperline/gatehouse/pkg/assertion"
	"github.com/copperline/gatehouse/pkg/jwtx"
	"github.com/copperline/gatehouse/pkg/ratelimit"
	"github.com/copperline/gatehouse/pkg/revoke"
	"github.com/copperline/gatehouse/pkg/slogx"
)

const testIssuer = "gatehouse"

type fixture struct {
	mr       *miniredis.Miniredis
	server   *httptest.Server
	upstream *httptest.Server
	verifier *assertion.Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := revoke.NewRedis(client, revoke.Config{})
	t.Cleanup(func() { store.Close() })

	credKeys, err := jwtx.NewKeyring("credential-secret")
	require.NoError(t, err)
	codec := jwtx.NewCodec(credKeys, testIssuer)

	assertKeys, err := jwtx.NewKeyring("assertion-secret")
	require.NoError(t, err)
	minter := assertion.NewMinter(assertKeys, testIssuer, 0)
	verifier := assertion.NewVerifier(assertKeys, testIssuer, time.Second)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"assertion": r.Header.Get(assertion.Header),
			"forged":    r.Header.Get("X-Gatehouse-Subject"),
			"path":      r.URL.Path,
		})
	}))
	t.Cleanup(upstream.Close)
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	limiter := ratelimit.NewRedis(client, ratelimit.DefaultConfig(), ratelimit.RedisConfig{})
	g := gate.New(codec, store)
	enforcer := enforce.New(g, limiter, minter)
	tokens := service.NewTokenService(codec, g, store, service.NewMemoryStore(), service.Config{
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	})

	logger := slogx.New(slogx.Config{Service: "gatehouse", Level: "error", Format: "text"})
	router := gatewayhttp.NewRouter(enforcer, tokens, ws.New(g), upstreamURL, "test", logger)
	router.ApplyRoutes(gatewayhttp.ReadinessCheck{
		Name:  "redis",
		Check: func() error { return client.Ping(t.Context()).Err() },
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fixture{mr: mr, server: server, upstream: upstream, verifier: verifier}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) registerAndLogin(t *testing.T, username string) service.TokenPair {
	t.Helper()
	creds := map[string]string{"username": username, "password": "correct horse battery"}
	resp := f.postJSON(t, "/v1/auth/register", creds)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.postJSON(t, "/v1/auth/login", creds)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[service.TokenPair](t, resp)
}

func TestAuthFlow(t *testing.T) {
	f := newFixture(t)

	pair := f.registerAndLogin(t, "alice")
	require.NotEmpty(t, pair.AccessToken)
	require.Equal(t, "Bearer", pair.TokenType)

	t.Run("duplicate register conflicts", func(t *testing.T) {
		resp := f.postJSON(t, "/v1/auth/register", map[string]string{
			"username": "alice", "password": "correct horse battery",
		})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("wrong password unauthorized", func(t *testing.T) {
		resp := f.postJSON(t, "/v1/auth/login", map[string]string{
			"username": "alice", "password": "wrong password!",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("refresh rotates and retires", func(t *testing.T) {
		resp := f.postJSON(t, "/v1/auth/refresh", map[string]string{"refresh_token": pair.RefreshToken})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		fresh := decode[service.TokenPair](t, resp)
		require.NotEqual(t, pair.AccessToken, fresh.AccessToken)

		// The old refresh token is spent.
		resp = f.postJSON(t, "/v1/auth/refresh", map[string]string{"refresh_token": pair.RefreshToken})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		// And the old access token no longer opens the proxy.
		req, err := http.NewRequest(http.MethodGet, f.server.URL+"/v1/things", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		proxied, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer proxied.Body.Close()
		require.Equal(t, http.StatusUnauthorized, proxied.StatusCode)
	})

	t.Run("logout is idempotent", func(t *testing.T) {
		p := f.registerAndLogin(t, "bob")
		logout := func() *http.Response {
			body, err := json.Marshal(map[string]string{"refresh_token": p.RefreshToken})
			require.NoError(t, err)
			req, err := http.NewRequest(http.MethodPost, f.server.URL+"/v1/auth/logout", bytes.NewReader(body))
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+p.AccessToken)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			t.Cleanup(func() { resp.Body.Close() })
			return resp
		}
		require.Equal(t, http.StatusOK, logout().StatusCode)
		require.Equal(t, http.StatusOK, logout().StatusCode)
	})

	t.Run("logout without a bearer token", func(t *testing.T) {
		resp := f.postJSON(t, "/v1/auth/logout", map[string]string{})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(f.server.URL+"/v1/auth/login", "application/json", bytes.NewReader([]byte("{")))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestLoginRateLimit(t *testing.T) {
	f := newFixture(t)

	creds := map[string]string{"username": "nobody", "password": "wrong password!"}
	for i := 0; i < 5; i++ {
		resp := f.postJSON(t, "/v1/auth/login", creds)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}

	resp := f.postJSON(t, "/v1/auth/login", creds)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestProxy(t *testing.T) {
	f := newFixture(t)
	pair := f.registerAndLogin(t, "alice")

	t.Run("forwards with assertion, strips forgeries", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, f.server.URL+"/v1/things/42", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		req.Header.Set("X-Gatehouse-Subject", "admin")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decode[map[string]string](t, resp)
		require.Empty(t, body["forged"])
		require.Equal(t, "/v1/things/42", body["path"])

		a, err := f.verifier.Verify(body["assertion"])
		require.NoError(t, err)
		require.NotEmpty(t, a.Subject)
	})

	t.Run("anonymous request never reaches upstream", func(t *testing.T) {
		resp, err := http.Get(f.server.URL + "/v1/things/42")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

// A flood of guessed bearer tokens must be throttled by the IP-keyed limit
// in front of the gate, not answered with an endless stream of 401s.
func TestProxyRateLimitsInvalidTokens(t *testing.T) {
	f := newFixture(t)

	do := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, f.server.URL+"/v1/things", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer invalid-token-guess")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	limit := ratelimit.DefaultConfig().For(ratelimit.ClassDefault).Limit
	for i := 0; i < limit; i++ {
		require.Equal(t, http.StatusUnauthorized, do().StatusCode, "request %d", i+1)
	}

	resp := do()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	t.Run("livez", func(t *testing.T) {
		resp, err := http.Get(f.server.URL + "/livez")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("readyz degrades on store outage", func(t *testing.T) {
		resp, err := http.Get(f.server.URL + "/readyz")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		f.mr.Close()
		resp, err = http.Get(f.server.URL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var health gatewayhttp.HealthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		require.Equal(t, "degraded", health.Status)
	})
}

func TestRequestTooLarge(t *testing.T) {
	f := newFixture(t)

	huge := fmt.Sprintf(`{"username":"a","password":%q}`, bytes.Repeat([]byte("x"), 128*1024))
	resp, err := http.Post(f.server.URL+"/v1/auth/register", "application/json", io.NopCloser(bytes.NewReader([]byte(huge))))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
