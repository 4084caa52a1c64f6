// 文件: pkg/oracle/market_hours.go
// 外汇交易时段 - 周五 22:00 UTC 收盘, 周日 22:00 UTC 开盘

package oracle

import "time"

// 市场状态
const (
	StatusOpen          = "open"
	StatusClosedWeekend = "closed_weekend"
)

// MarketCalendar 外汇市场日历
//
// 全球外汇市场一周连续交易，仅周末休市:
// 纽约周五 17:00 (约 22:00 UTC) 收盘，悉尼周一早晨 (周日 22:00 UTC) 开盘
type MarketCalendar struct{}

// NewMarketCalendar 创建市场日历
func NewMarketCalendar() *MarketCalendar {
	return &MarketCalendar{}
}

// IsMarketOpen 当前市场是否开放
func (c *MarketCalendar) IsMarketOpen() bool {
	return c.IsOpenAt(time.Now())
}

// MarketStatus 当前市场状态描述
func (c *MarketCalendar) MarketStatus() string {
	if c.IsMarketOpen() {
		return StatusOpen
	}
	return StatusClosedWeekend
}

// IsOpenAt 指定时刻市场是否开放 (按 UTC 判定)
func (c *MarketCalendar) IsOpenAt(t time.Time) bool {
	utc := t.UTC()
	switch utc.Weekday() {
	case time.Saturday:
		return false
	case time.Friday:
		return utc.Hour() < 22
	case time.Sunday:
		return utc.Hour() >= 22
	default:
		return true
	}
}

// NextOpen 下一次开盘时刻，若当前已开盘返回 t 本身
func (c *MarketCalendar) NextOpen(t time.Time) time.Time {
	utc := t.UTC()
	if c.IsOpenAt(utc) {
		return utc
	}

	// 休市只有一种情况: 落在周五 22:00 至周日 22:00 之间
	open := time.Date(utc.Year(), utc.Month(), utc.Day(), 22, 0, 0, 0, time.UTC)
	switch utc.Weekday() {
	case time.Friday:
		return open.AddDate(0, 0, 2)
	case time.Saturday:
		return open.AddDate(0, 0, 1)
	default: // Sunday 22:00 之前
		return open
	}
}
