// 文件: pkg/events/trade_record.go
// 事件总线 - 成交分析流水
//
// 每笔平仓生成一条 TradeRecord，经 Kafka 发往分析侧
// (行为分析/镜像交易检测均为纯消费方，不回写核心)
// TradeRecord 实现 kafka.Message 接口

package events

import (
	"encoding/json"
	"fmt"
)

// TopicContestTrades 成交流水 topic
const TopicContestTrades = "contest.trades"

// TradeRecord 成交分析流水 (TradeHistory 的对外副本)
type TradeRecord struct {
	TradeID     int64   `json:"trade_id"`
	ContestID   int64   `json:"contest_id"`
	UserID      int64   `json:"user_id"`
	PositionID  int64   `json:"position_id"`
	Symbol      string  `json:"symbol"`
	Direction   string  `json:"direction"` // long / short
	Quantity    float64 `json:"quantity"`  // 手数
	EntryPrice  float64 `json:"entry_price"`
	ExitPrice   float64 `json:"exit_price"`
	RealizedPnl float64 `json:"realized_pnl"`
	CloseReason string  `json:"close_reason"`
	OpenedAt    int64   `json:"opened_at"` // unix ms
	ClosedAt    int64   `json:"closed_at"` // unix ms
}

// Topic 返回 Kafka topic
func (r *TradeRecord) Topic() string {
	return TopicContestTrades
}

// Key 返回分区 key (按竞赛分区保证同场次有序)
func (r *TradeRecord) Key() string {
	return fmt.Sprintf("%d", r.ContestID)
}

// Value 返回序列化后的消息体
func (r *TradeRecord) Value() ([]byte, error) {
	return json.Marshal(r)
}
