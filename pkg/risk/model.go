// 文件: pkg/risk/model.go
// 风控输入模型与拒绝错误

package risk

import (
	"errors"

	"fxarena.com/pkg/contest"
	"fxarena.com/pkg/oracle"
)

// ErrRejected 风控拒绝
// 所有校验失败都包装它并附带具体原因，调用方不重试
var ErrRejected = errors.New("risk policy rejected")

// OrderCheck 下单校验输入
//
// Margin 为调用方按报价预算出的所需保证金；
// Quote 为当前报价，限价方向与 SL/TP 校验以它为参照。
type OrderCheck struct {
	Contest     *contest.Contest
	Participant *contest.Participant

	Symbol     string
	Long       bool
	Limit      bool    // false = 市价单
	Quantity   float64 // 手
	LimitPrice float64
	StopLoss   float64 // 0 = 未设置
	TakeProfit float64 // 0 = 未设置
	Leverage   float64
	Margin     float64

	Quote oracle.Quote
}

// entryReference 校验用的参考入场价: 限价单看挂单价，市价单看即时成交价
func (c *OrderCheck) entryReference() float64 {
	if c.Limit {
		return c.LimitPrice
	}
	if c.Long {
		return c.Quote.Ask
	}
	return c.Quote.Bid
}

// OpenExposure 在手持仓的最小视图，供赛事级限额计算权益
type OpenExposure struct {
	Symbol   string
	Long     bool
	Entry    float64
	Quantity float64
}
