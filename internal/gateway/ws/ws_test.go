package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/copperline/gatehouse/internal/gateway/gate"
	"github.com/copperline/gatehouse/internal/gateway/ws"
	"github.com/copperline/gatehouse/pkg/jwtx"
	"github.com/copperline/gatehouse/pkg/revoke"
)

const testIssuer = "gatehouse"

type fixture struct {
	codec  *jwtx.Codec
	store  revoke.Store
	server *httptest.Server
	wsURL  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := revoke.NewRedis(client, revoke.Config{})
	t.Cleanup(func() { store.Close() })

	keys, err := jwtx.NewKeyring("credential-secret")
	require.NoError(t, err)
	codec := jwtx.NewCodec(keys, testIssuer)

	handler := ws.New(gate.New(codec, store))
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &fixture{
		codec:  codec,
		store:  store,
		server: server,
		wsURL:  "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (f *fixture) accessToken(t *testing.T, subject string) string {
	t.Helper()
	raw, err := f.codec.Issue(jwtx.NewClaims(subject, jwtx.ClassAccess, testIssuer, time.Minute, time.Now()))
	require.NoError(t, err)
	return raw
}

func TestHandshake(t *testing.T) {
	t.Run("authorization header", func(t *testing.T) {
		f := newFixture(t)
		header := http.Header{"Authorization": {"Bearer " + f.accessToken(t, "user-1")}}

		conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL, header)
		require.NoError(t, err)
		defer conn.Close()
		require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, "hello", string(payload))
	})

	t.Run("bearer subprotocol", func(t *testing.T) {
		f := newFixture(t)
		token := f.accessToken(t, "user-1")
		dialer := websocket.Dialer{Subprotocols: []string{"bearer." + token}}

		conn, resp, err := dialer.Dial(f.wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.Equal(t, "bearer."+token, resp.Header.Get("Sec-WebSocket-Protocol"))

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping?")))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, "ping?", string(payload))
	})

	t.Run("no credential rejected before upgrade", func(t *testing.T) {
		f := newFixture(t)
		_, resp, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
		require.Error(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("token in query string is ignored", func(t *testing.T) {
		f := newFixture(t)
		_, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"/?access_token="+f.accessToken(t, "user-1"), nil)
		require.Error(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("revoked token rejected", func(t *testing.T) {
		f := newFixture(t)
		token := f.accessToken(t, "user-1")
		claims, err := f.codec.Verify(token)
		require.NoError(t, err)
		require.NoError(t, f.store.Revoke(context.Background(), claims.ID, time.Minute))

		header := http.Header{"Authorization": {"Bearer " + token}}
		_, resp, err := websocket.DefaultDialer.Dial(f.wsURL, header)
		require.Error(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		f := newFixture(t)
		raw, err := f.codec.Issue(jwtx.NewClaims("user-1", jwtx.ClassAccess, testIssuer, -time.Minute, time.Now()))
		require.NoError(t, err)

		header := http.Header{"Authorization": {"Bearer " + raw}}
		_, resp, err := websocket.DefaultDialer.Dial(f.wsURL, header)
		require.Error(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestEchoConcurrentWrites(t *testing.T) {
	f := newFixture(t)
	header := http.Header{"Authorization": {"Bearer " + f.accessToken(t, "user-1")}}

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("msg")))
	}
	for i := 0; i < n; i++ {
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, "msg", string(payload))
	}
}
