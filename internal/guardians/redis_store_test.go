package guardians

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/infra"
)

// Интеграционный тест: нужен живой Redis в GUARDIAN_TEST_REDIS_ADDR.
func TestRedisStoreCompareAndSwap(t *testing.T) {
	addr := os.Getenv("GUARDIAN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GUARDIAN_TEST_REDIS_ADDR is not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	key := Key{Org: "test", Account: uuid.NewString()}
	t.Cleanup(func() { rdb.Del(ctx, infra.GuardiansKey(key.String())) })

	sub := rdb.Subscribe(ctx, infra.RedisChanGuardiansUpdate)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	store := NewRedisStore(rdb, zap.NewNop())

	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	rec := Record{State: domain.NewGuardiansState(t0)}
	rec.State.TradeCount = 2
	require.NoError(t, store.CompareAndSwap(ctx, key, 0, rec))
	require.ErrorIs(t, store.CompareAndSwap(ctx, key, 0, rec), domain.ErrConflict)

	got, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 2, got.State.TradeCount)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, key.String(), msg.Payload)
}
