package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestHasOverrideAuthorityCachesGrant(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/actors/charge-nurse/override-authority":
			_, _ = w.Write([]byte(`{"granted":true}`))
		case "/actors/nurse-1/override-authority":
			_, _ = w.Write([]byte(`{"granted":false}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewClient(srv.URL, cache, time.Minute)
	ctx := context.Background()

	granted, err := client.HasOverrideAuthority(ctx, "charge-nurse")
	require.NoError(t, err)
	require.True(t, granted)
	require.EqualValues(t, 1, hits.Load())

	granted, err = client.HasOverrideAuthority(ctx, "charge-nurse")
	require.NoError(t, err)
	require.True(t, granted)
	require.EqualValues(t, 1, hits.Load())

	granted, err = client.HasOverrideAuthority(ctx, "nurse-1")
	require.NoError(t, err)
	require.False(t, granted)
	require.EqualValues(t, 2, hits.Load())

	// Revocation takes effect once the cached grant expires.
	mr.FastForward(2 * time.Minute)
	_, err = client.HasOverrideAuthority(ctx, "charge-nurse")
	require.NoError(t, err)
	require.EqualValues(t, 3, hits.Load())
}

func TestHasOverrideAuthorityUnknownActor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, nil, time.Minute)

	granted, err := client.HasOverrideAuthority(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, granted)
}
