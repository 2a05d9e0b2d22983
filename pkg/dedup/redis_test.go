package dedup

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"aetherupload/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisIndex_Integration(t *testing.T) {
	// A. 环境检查: 确保 Redis 在运行
	redisAddr := "localhost:6379"
	conn, err := net.DialTimeout("tcp", redisAddr, 1*time.Second)
	if err != nil {
		t.Skipf("Skipping Redis integration test: %v", err)
	}
	conn.Close()

	// B. 初始化
	ctx := context.Background()
	spy := NewSpyStore()
	cfg := Config{
		RedisURL: fmt.Sprintf("redis://%s/0", redisAddr),
		TTL:      1 * time.Hour,
	}
	idx, err := NewRedisIndex(spy, cfg)
	require.NoError(t, err)

	// 清理 Redis (防止上次测试残留)
	idx.client.FlushDB(ctx)

	hash := types.HashOf([]byte("dedup target chunk"))

	// --- Step 1: Index Miss ---
	t.Log("Step 1: Check non-existent chunk (Index Miss)")
	exists, err := idx.Has(ctx, hash)
	require.NoError(t, err)
	assert.False(t, exists)

	// 验证：底层 Spy 的 Has 应该被调用了 1 次
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.hasCount), "Backend Has() should be called on miss")

	// --- Step 2: 入库并写索引 ---
	t.Log("Step 2: Store chunk and Add to index")
	require.NoError(t, spy.Put(ctx, hash, []byte("dedup target chunk")))
	require.NoError(t, idx.Add(ctx, hash))

	// 验证：Redis 应该有这个 Key 了
	redisVal, err := idx.client.Exists(ctx, idx.indexKey(hash)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), redisVal, "Redis key should be set after Add")

	// --- Step 3: Index Hit (The Moment of Truth) ---
	t.Log("Step 3: Check existing chunk again (Index Hit)")
	exists, err = idx.Has(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists)

	// 核心断言：Spy 的 Has 调用次数应该 *依然是 1*
	// 这证明了请求被 Redis 拦截，根本没到底层
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.hasCount), "Backend Has() should NOT be called on hit")

	if atomic.LoadInt32(&spy.hasCount) == 1 {
		t.Log("✅ SUCCESS: Traffic intercepted by Redis!")
	} else {
		t.Fatal("❌ FAILURE: Leaky abstraction, traffic hit the backend.")
	}

	// --- Step 4: FilterMissing 批量判断 ---
	t.Log("Step 4: FilterMissing mixed batch")
	absentA := types.HashOf([]byte("never uploaded A"))
	absentB := types.HashOf([]byte("never uploaded B"))

	before := atomic.LoadInt32(&spy.hasCount)
	missing, err := idx.FilterMissing(ctx, []types.Hash{hash, absentA, hash, absentB})
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{absentA, absentB}, missing, "missing list keeps first-seen order")

	// 已索引的块走 MGET 快路径，只有两个缺失块需要问底层
	assert.Equal(t, before+2, atomic.LoadInt32(&spy.hasCount), "only unindexed hashes should hit the backend")
}
