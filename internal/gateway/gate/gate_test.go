package gate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/copperline/gatehouse/internal/gateway/gate"
	"github.com/copperline/gatehouse/pkg/jwtx"
	"github.com/copperline/gatehouse/pkg/revoke"
)

const testIssuer = "gatehouse"

func newCodec(t *testing.T) *jwtx.Codec {
	t.Helper()
	keys, err := jwtx.NewKeyring("credential-secret")
	require.NoError(t, err)
	return jwtx.NewCodec(keys, testIssuer)
}

func newStore(t *testing.T) (*miniredis.Miniredis, revoke.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := revoke.NewRedis(client, revoke.Config{})
	t.Cleanup(func() { store.Close() })
	return mr, store
}

func issue(t *testing.T, codec *jwtx.Codec, class jwtx.Class, ttl time.Duration) (string, jwtx.Claims) {
	t.Helper()
	claims := jwtx.NewClaims("user-1", class, testIssuer, ttl, time.Now())
	raw, err := codec.Issue(claims)
	require.NoError(t, err)
	return raw, claims
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	codec := newCodec(t)

	t.Run("valid token passes", func(t *testing.T) {
		_, store := newStore(t)
		g := gate.New(codec, store)

		raw, claims := issue(t, codec, jwtx.ClassAccess, time.Minute)
		id, err := g.Authenticate(ctx, raw, jwtx.ClassAccess)
		require.NoError(t, err)
		require.Equal(t, "user-1", id.Subject)
		require.Equal(t, claims.ID, id.Claims.ID)
		require.Equal(t, raw, id.Token)
	})

	t.Run("garbage rejected as invalid", func(t *testing.T) {
		_, store := newStore(t)
		g := gate.New(codec, store)

		_, err := g.Authenticate(ctx, "not-a-token", jwtx.ClassAccess)
		reason, ok := gate.RejectionReason(err)
		require.True(t, ok)
		require.Equal(t, gate.ReasonInvalid, reason)
	})

	t.Run("expired rejected as expired", func(t *testing.T) {
		_, store := newStore(t)
		g := gate.New(codec, store)

		raw, _ := issue(t, codec, jwtx.ClassAccess, -time.Minute)
		_, err := g.Authenticate(ctx, raw, jwtx.ClassAccess)
		reason, ok := gate.RejectionReason(err)
		require.True(t, ok)
		require.Equal(t, gate.ReasonExpired, reason)
	})

	t.Run("wrong class rejected as invalid", func(t *testing.T) {
		_, store := newStore(t)
		g := gate.New(codec, store)

		raw, _ := issue(t, codec, jwtx.ClassRefresh, time.Minute)
		_, err := g.Authenticate(ctx, raw, jwtx.ClassAccess)
		reason, ok := gate.RejectionReason(err)
		require.True(t, ok)
		require.Equal(t, gate.ReasonInvalid, reason)
	})

	t.Run("revoked token rejected", func(t *testing.T) {
		_, store := newStore(t)
		g := gate.New(codec, store)

		raw, claims := issue(t, codec, jwtx.ClassAccess, time.Minute)
		require.NoError(t, store.Revoke(ctx, claims.ID, time.Minute))

		_, err := g.Authenticate(ctx, raw, jwtx.ClassAccess)
		reason, ok := gate.RejectionReason(err)
		require.True(t, ok)
		require.Equal(t, gate.ReasonRevoked, reason)
	})

	t.Run("store outage rejects, never admits", func(t *testing.T) {
		mr, store := newStore(t)
		g := gate.New(codec, store)

		raw, _ := issue(t, codec, jwtx.ClassAccess, time.Minute)
		mr.Close()

		_, err := g.Authenticate(ctx, raw, jwtx.ClassAccess)
		reason, ok := gate.RejectionReason(err)
		require.True(t, ok)
		require.Equal(t, gate.ReasonUnavailable, reason)
		require.ErrorIs(t, err, revoke.ErrUnavailable)
	})

	t.Run("invalid token skips the store", func(t *testing.T) {
		mr, store := newStore(t)
		g := gate.New(codec, store)
		mr.Close()

		// Signature failure must answer without a store round trip.
		_, err := g.Authenticate(ctx, "junk", jwtx.ClassAccess)
		reason, ok := gate.RejectionReason(err)
		require.True(t, ok)
		require.Equal(t, gate.ReasonInvalid, reason)
	})

	t.Run("reason extraction on foreign error", func(t *testing.T) {
		_, ok := gate.RejectionReason(errors.New("plain"))
		require.False(t, ok)
	})
}
