// 文件: pkg/position/trigger_index_test.go
// SL/TP 触发索引集成测试 (需要本地 Redis)

package position

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试品种与持仓号都带 ZZT/98765 前缀，清理时只动自己的 Key
var triggerTestSymbols = []string{"ZZTAUS", "ZZTBUS", "ZZTCUS", "ZZTDUS", "ZZTEUS"}

func setupTriggerRedis(t *testing.T) (*TriggerIndex, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping test; redis not available: %v", err)
	}

	cleanupTriggerKeys(client)
	t.Cleanup(func() {
		cleanupTriggerKeys(client)
		client.Close()
	})
	return NewTriggerIndex(client), client
}

func cleanupTriggerKeys(client *redis.Client) {
	ctx := context.Background()
	for _, sym := range triggerTestSymbols {
		client.Del(ctx, triggerKey(sym, SideLong), triggerKey(sym, SideShort))
	}
	if keys, err := client.Keys(ctx, triggerCooldownPrefix+"98765*").Result(); err == nil && len(keys) > 0 {
		client.Del(ctx, keys...)
	}
}

func protectedPosition(id int64, symbol string, side Side, sl, tp float64) *Position {
	return &Position{ID: id, Symbol: symbol, Side: side, StopLoss: sl, TakeProfit: tp}
}

func TestTriggerIndexLongStopLoss(t *testing.T) {
	idx, _ := setupTriggerRedis(t)
	ctx := context.Background()

	p := protectedPosition(987650001, "ZZTAUS", SideLong, 1.0950, 1.1100)
	require.NoError(t, idx.Register(ctx, p))

	// Bid 跌破止损价: [bid, +inf) 范围命中
	hits, err := idx.Triggered(ctx, "ZZTAUS", 1.0940, 1.0941)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(987650001), hits[0].PositionID)
	assert.Equal(t, SideLong, hits[0].Side)
	assert.Equal(t, kindStopLoss, hits[0].Kind)
	assert.InDelta(t, 1.0950, hits[0].Price, 1e-9)

	// 冷却窗口内同一持仓不再触发
	hits, err = idx.Triggered(ctx, "ZZTAUS", 1.0940, 1.0941)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTriggerIndexLongTakeProfit(t *testing.T) {
	idx, _ := setupTriggerRedis(t)
	ctx := context.Background()

	p := protectedPosition(987650002, "ZZTBUS", SideLong, 1.0950, 1.1100)
	require.NoError(t, idx.Register(ctx, p))

	// Bid 冲上止盈价: 只有 TP 命中，SL 不受影响
	hits, err := idx.Triggered(ctx, "ZZTBUS", 1.1150, 1.1151)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, kindTakeProfit, hits[0].Kind)
	assert.InDelta(t, 1.1100, hits[0].Price, 1e-9)
}

func TestTriggerIndexShortSides(t *testing.T) {
	idx, _ := setupTriggerRedis(t)
	ctx := context.Background()

	// 空头止损: Ask 涨到 1.1060 >= 1.1050 命中
	pSL := protectedPosition(987650003, "ZZTCUS", SideShort, 1.1050, 0)
	require.NoError(t, idx.Register(ctx, pSL))

	hits, err := idx.Triggered(ctx, "ZZTCUS", 1.1059, 1.1060)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(987650003), hits[0].PositionID)
	assert.Equal(t, kindStopLoss, hits[0].Kind)

	// 空头止盈: Ask 跌到 1.0890 <= 1.0900 命中
	pTP := protectedPosition(987650004, "ZZTCUS", SideShort, 0, 1.0900)
	require.NoError(t, idx.Register(ctx, pTP))

	hits, err = idx.Triggered(ctx, "ZZTCUS", 1.0889, 1.0890)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(987650004), hits[0].PositionID)
	assert.Equal(t, kindTakeProfit, hits[0].Kind)
}

func TestTriggerIndexRemove(t *testing.T) {
	idx, _ := setupTriggerRedis(t)
	ctx := context.Background()

	p := protectedPosition(987650005, "ZZTDUS", SideLong, 1.0950, 1.1100)
	require.NoError(t, idx.Register(ctx, p))
	require.NoError(t, idx.Remove(ctx, p))

	hits, err := idx.Triggered(ctx, "ZZTDUS", 1.0940, 1.0941)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Triggered(ctx, "ZZTDUS", 1.1150, 1.1151)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTriggerIndexRemoveBySymbol(t *testing.T) {
	idx, _ := setupTriggerRedis(t)
	ctx := context.Background()

	// 不知道方向也能摘: 两个方向的 Key 都删一遍
	p := protectedPosition(987650006, "ZZTDUS", SideShort, 1.1050, 1.0900)
	require.NoError(t, idx.Register(ctx, p))
	require.NoError(t, idx.RemoveBySymbol(ctx, "ZZTDUS", 987650006))

	hits, err := idx.Triggered(ctx, "ZZTDUS", 1.0890, 1.1060)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTriggerIndexRebuild(t *testing.T) {
	idx, _ := setupTriggerRedis(t)
	ctx := context.Background()

	// 预埋陈旧成员，重建后只剩传入的持仓
	stale := protectedPosition(987650007, "ZZTEUS", SideLong, 1.0950, 0)
	require.NoError(t, idx.Register(ctx, stale))

	current := protectedPosition(987650008, "ZZTEUS", SideLong, 1.0960, 0)
	require.NoError(t, idx.Rebuild(ctx, []*Position{current}))

	hits, err := idx.Triggered(ctx, "ZZTEUS", 1.0940, 1.0941)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(987650008), hits[0].PositionID)
}

func TestTriggerIndexSkipsUnprotected(t *testing.T) {
	idx, _ := setupTriggerRedis(t)
	ctx := context.Background()

	p := protectedPosition(987650009, "ZZTAUS", SideLong, 0, 0)
	require.NoError(t, idx.Register(ctx, p))

	hits, err := idx.Triggered(ctx, "ZZTAUS", 0.0001, 99999)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
