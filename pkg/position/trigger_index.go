// 文件: pkg/position/trigger_index.go
// 止损止盈触发索引 (Redis ZSET)
//
// 【索引结构】
// - 键:   sltp:{symbol}:{long|short}
// - 成员: "{positionID}:{sl|tp}"，score = 触发价
// - 多头按 Bid 判定: SL 当 bid <= 价，TP 当 bid >= 价
// - 空头按 Ask 判定: SL 当 ask >= 价，TP 当 ask <= 价
//
// 行情每次更新只做 4 次范围查询，不扫持仓表；
// DB 巡检是兜底，索引丢成员最多慢一个巡检周期补上。

package position

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	triggerKeyPrefix      = "sltp:"
	triggerCooldownPrefix = "sltp:cooldown:"

	// triggerCooldown 触发到摘除之间的重复行情冷却窗口
	triggerCooldown = 30 * time.Second

	triggerBatchSize = 100

	kindStopLoss   = "sl"
	kindTakeProfit = "tp"
)

// luaRegister 注册脚本: 一次写入 SL/TP 两个成员 (0 = 未设置，跳过)
// KEYS[1]: 索引键 (sltp:{symbol}:{side})
// ARGV[1]: positionID
// ARGV[2]: 止损价
// ARGV[3]: 止盈价
const luaRegister = `
	if tonumber(ARGV[2]) > 0 then
		redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1] .. ':sl')
	end
	if tonumber(ARGV[3]) > 0 then
		redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1] .. ':tp')
	end
	return 1
`

// Trigger 命中的触发点
type Trigger struct {
	PositionID int64
	Side       Side
	Kind       string  // sl / tp
	Price      float64 // 登记的触发价
}

// TriggerIndex 保护单触发索引
type TriggerIndex struct {
	client *redis.Client
}

// NewTriggerIndex 创建触发索引
func NewTriggerIndex(client *redis.Client) *TriggerIndex {
	return &TriggerIndex{client: client}
}

func triggerKey(symbol string, side Side) string {
	return triggerKeyPrefix + symbol + ":" + side.String()
}

func cooldownKey(positionID int64) string {
	return triggerCooldownPrefix + strconv.FormatInt(positionID, 10)
}

// Register 登记持仓的保护单触发点 (无保护单为空操作)
func (t *TriggerIndex) Register(ctx context.Context, p *Position) error {
	if !p.HasProtection() {
		return nil
	}
	return t.client.Eval(ctx, luaRegister, []string{triggerKey(p.Symbol, p.Side)},
		p.ID, p.StopLoss, p.TakeProfit).Err()
}

// Remove 摘除持仓的触发点 (平仓后调用)
func (t *TriggerIndex) Remove(ctx context.Context, p *Position) error {
	idStr := strconv.FormatInt(p.ID, 10)
	return t.client.ZRem(ctx, triggerKey(p.Symbol, p.Side),
		idStr+":"+kindStopLoss, idStr+":"+kindTakeProfit).Err()
}

// RemoveBySymbol 只知道品种时摘除触发点 (陈旧成员自愈用)
func (t *TriggerIndex) RemoveBySymbol(ctx context.Context, symbol string, positionID int64) error {
	idStr := strconv.FormatInt(positionID, 10)
	members := []interface{}{idStr + ":" + kindStopLoss, idStr + ":" + kindTakeProfit}
	if err := t.client.ZRem(ctx, triggerKey(symbol, SideLong), members...).Err(); err != nil {
		return err
	}
	return t.client.ZRem(ctx, triggerKey(symbol, SideShort), members...).Err()
}

// Triggered 按最新报价查询命中的触发点
//
// 四个价格区间各查一次:
// 多头 SL [bid, +inf)、多头 TP (-inf, bid]、空头 SL (-inf, ask]、空头 TP [ask, +inf)
func (t *TriggerIndex) Triggered(ctx context.Context, symbol string, bid, ask float64) ([]Trigger, error) {
	bidStr := formatScore(bid)
	askStr := formatScore(ask)

	queries := []struct {
		side Side
		kind string
		min  string
		max  string
	}{
		{SideLong, kindStopLoss, bidStr, "+inf"},
		{SideLong, kindTakeProfit, "-inf", bidStr},
		{SideShort, kindStopLoss, "-inf", askStr},
		{SideShort, kindTakeProfit, askStr, "+inf"},
	}

	triggered := make([]Trigger, 0, 16)
	for _, q := range queries {
		hits, err := t.rangeQuery(ctx, triggerKey(symbol, q.side), q.side, q.kind, q.min, q.max)
		if err != nil {
			return nil, err
		}
		triggered = append(triggered, hits...)
	}
	return triggered, nil
}

// rangeQuery 分页范围查询 + 成员类型过滤 + 冷却去重
func (t *TriggerIndex) rangeQuery(ctx context.Context, key string, side Side, kind, min, max string) ([]Trigger, error) {
	var out []Trigger
	offset := 0

	for {
		members, err := t.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:    min,
			Max:    max,
			Offset: int64(offset),
			Count:  triggerBatchSize,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			break
		}

		for _, m := range members {
			member, ok := m.Member.(string)
			if !ok {
				continue
			}
			idStr, memberKind, found := strings.Cut(member, ":")
			if !found || memberKind != kind {
				continue
			}
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				continue
			}
			// SetNX 冷却: 首次命中放行，摘除前的重复行情吞掉
			allowed, _ := t.client.SetNX(ctx, cooldownKey(id), "1", triggerCooldown).Result()
			if !allowed {
				continue
			}
			out = append(out, Trigger{PositionID: id, Side: side, Kind: kind, Price: m.Score})
		}

		offset += triggerBatchSize
	}

	return out, nil
}

// Rebuild 用全量保护单重建索引 (启动时调用)
//
// 只清涉及品种的键；别的品种若残留陈旧成员，
// 触发时查不到持仓会被自愈逻辑摘掉。
func (t *TriggerIndex) Rebuild(ctx context.Context, positions []*Position) error {
	keys := make(map[string]struct{})
	for _, p := range positions {
		keys[triggerKey(p.Symbol, p.Side)] = struct{}{}
	}
	for key := range keys {
		if err := t.client.Del(ctx, key).Err(); err != nil {
			return err
		}
	}

	registered := 0
	for _, p := range positions {
		if err := t.Register(ctx, p); err != nil {
			return err
		}
		registered++
	}

	log.Printf("[TriggerIndex] rebuilt: keys=%d, positions=%d", len(keys), registered)
	return nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
