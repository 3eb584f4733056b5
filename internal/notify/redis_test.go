package notify

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFlags(t *testing.T) (*RedisFlags, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisFlags(client, ""), s
}

func TestFlagKeyLayout(t *testing.T) {
	f, _ := newTestFlags(t)
	assert.Equal(t, "notify:trip:paris:late:louvre", f.key("paris", "late:louvre"))

	custom := NewRedisFlags(f.client, "flags")
	assert.Equal(t, "flags:paris:late:louvre", custom.key("paris", "late:louvre"))
}

func TestClearTripNotificationFlags(t *testing.T) {
	f, s := newTestFlags(t)
	ctx := context.Background()
	require.NoError(t, f.Ping(ctx))

	// more keys than one SCAN page
	for i := 0; i < 250; i++ {
		require.NoError(t, s.Set(f.key("paris", fmt.Sprintf("step-%03d", i)), "1"))
	}
	require.NoError(t, s.Set(f.key("lyon", "late:bellecour"), "1"))

	require.NoError(t, f.ClearTripNotificationFlags(ctx, "paris"))
	assert.Len(t, s.Keys(), 1)
	assert.True(t, s.Exists("notify:trip:lyon:late:bellecour"))

	require.NoError(t, f.ClearTripNotificationFlags(ctx, "rome"), "clearing a trip without flags is fine")
}

func TestConnectWithoutAddr(t *testing.T) {
	assert.Nil(t, Connect("", ""))
}
