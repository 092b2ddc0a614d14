package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/cache"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *cache.RedisKVStore) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = redisClient.Close() })

	return mr, cache.NewRedisKVStore(redisClient)
}

func TestRedisKVStore_GetSet(t *testing.T) {
	mr, kv := setupTestRedis(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	require.NoError(t, kv.Set(ctx, "k", "v", time.Minute))
	val, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	// TTL 到期
	mr.FastForward(2 * time.Minute)
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestRedisKVStore_SetNXAndDelIfEqual(t *testing.T) {
	_, kv := setupTestRedis(t)
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := kv.DelIfEqual(ctx, "lock", "b")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = kv.DelIfEqual(ctx, "lock", "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = kv.Get(ctx, "lock")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestBuildLock_AcquireRelease(t *testing.T) {
	_, kv := setupTestRedis(t)
	lock := cache.NewBuildLock(kv, "devicetalk:build:", time.Minute, zap.NewNop())
	ctx := context.Background()

	release, err := lock.Acquire(ctx, 7)
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, 7)
	assert.ErrorIs(t, err, cache.ErrLocked)

	// 其他设备不受影响
	other, err := lock.Acquire(ctx, 8)
	require.NoError(t, err)
	other()

	release()
	again, err := lock.Acquire(ctx, 7)
	require.NoError(t, err)
	again()
}

func TestBuildLock_ReleaseDoesNotStealExpiredLock(t *testing.T) {
	mr, kv := setupTestRedis(t)
	lock := cache.NewBuildLock(kv, "devicetalk:build:", time.Second, zap.NewNop())
	ctx := context.Background()

	release, err := lock.Acquire(ctx, 1)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = lock.Acquire(ctx, 1)
	require.NoError(t, err)

	// 旧的持有者释放时不会删除新锁
	release()
	assert.True(t, mr.Exists(lock.Key(1)))
}

func TestSkeletonCache_GetOrRender(t *testing.T) {
	kv := newFakeKVStore()
	c := cache.NewSkeletonCache(kv, "devicetalk:skeleton:", time.Hour, zap.NewNop())
	ctx := context.Background()

	calls := 0
	render := func() models.CodeUnit {
		calls++
		return models.NewCodeUnit("", "def f():\n    pass", []int{0, 1})
	}

	key := c.Key("def f():", "idf", "int")
	first := c.GetOrRender(ctx, key, render)
	second := c.GetOrRender(ctx, key, render)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
	assert.Equal(t, models.LineSet{0, 1}, second.ReadonlyLines)
}

func TestSkeletonCache_Key(t *testing.T) {
	c := cache.NewSkeletonCache(newFakeKVStore(), "p:", time.Hour, zap.NewNop())

	assert.Equal(t, c.Key("a", "b"), c.Key("a", "b"))
	// 拼接相同但分段不同
	assert.NotEqual(t, c.Key("ab", ""), c.Key("a", "b"))
	assert.Regexp(t, `^p:[0-9a-f]{64}$`, c.Key("x"))
}

func TestSkeletonCache_InvalidEntryRerenders(t *testing.T) {
	kv := newFakeKVStore()
	c := cache.NewSkeletonCache(kv, "p:", time.Hour, zap.NewNop())
	ctx := context.Background()

	key := c.Key("t")
	require.NoError(t, kv.Set(ctx, key, "{not json", 0))

	u := c.GetOrRender(ctx, key, func() models.CodeUnit {
		return models.NewCodeUnit("", "x", []int{0})
	})
	assert.Equal(t, []string{"x"}, u.Code)

	val, err := kv.Get(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, val, `"Code":["x"]`)
}
