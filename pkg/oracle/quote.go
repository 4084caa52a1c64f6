// 文件: pkg/oracle/quote.go
// 报价模型 - 外汇双边报价 (Bid/Ask) 快照

package oracle

import "time"

// 报价来源标识，写入 price_logs 审计
const (
	SourceREST  = "rest"
	SourceWS    = "ws"
	SourceCache = "cache"
	SourceSim   = "sim"
)

// Quote 单品种双边报价快照
//
// 【可信度标记】
// IsFallback: 由备援源产生 (主源降级期间)
// IsStale:    读取时距产生时间已超过缓存 TTL
// 适配器只做标注、永不拒绝响应；是否采信由持仓引擎的安全检查决定
type Quote struct {
	Symbol     string
	Bid        float64
	Ask        float64
	Mid        float64
	Spread     float64
	Timestamp  time.Time // 生产方时间戳
	IsFallback bool
	IsStale    bool
	Source     string
}

// NewQuote 由 Bid/Ask 构造报价，自动补齐 Mid 和 Spread
func NewQuote(symbol string, bid, ask float64, source string) Quote {
	return Quote{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Mid:       (bid + ask) / 2,
		Spread:    ask - bid,
		Timestamp: time.Now(),
		Source:    source,
	}
}

// Age 报价距现在的时长
func (q *Quote) Age() time.Duration {
	return time.Since(q.Timestamp)
}

// Fresh 报价是否新鲜可信: 未降级、未过期、且在 maxAge 之内
// 自动平仓路径 (SL/TP/强平) 以此作为前置判断
func (q *Quote) Fresh(maxAge time.Duration) bool {
	if q.IsFallback || q.IsStale {
		return false
	}
	return q.Age() <= maxAge
}
