// 文件: pkg/risk/limits.go
// 赛事级风控限额
//
// 仅当赛事显式开启 riskLimits.enabled 时评估，在下单校验之后、落库之前执行。
// 三道限额:
// 1. 最大回撤: 已实现资金跌破本金 * (1 - maxDrawdown%)
// 2. 当日亏损: 当日 (UTC) 已实现亏损额达到本金 * dailyLossLimit%
// 3. 权益回撤 (需单独开启): 动态权益跌破本金 * (1 - equityDrawdown%)

package risk

import (
	"fmt"

	"fxarena.com/pkg/contest"
	"fxarena.com/pkg/oracle"
	"fxarena.com/pkg/risk/fx"
)

// LimitChecker 赛事限额检查器
type LimitChecker struct{}

// NewLimitChecker 创建限额检查器
func NewLimitChecker() *LimitChecker {
	return &LimitChecker{}
}

// CheckContestLimits 评估赛事级限额
//
// dailyRealizedPnl 为当日 00:00 UTC 以来的已实现盈亏合计 (亏损为负)；
// exposures/quotes 用于权益回撤的未实现盈亏重算，缺报价的持仓跳过不计。
func (l *LimitChecker) CheckContestLimits(
	c *contest.Contest,
	p *contest.Participant,
	exposures []OpenExposure,
	quotes map[string]oracle.Quote,
	dailyRealizedPnl float64,
) error {
	limits := c.RiskLimits
	if !limits.Enabled {
		return nil
	}

	// 1. 最大回撤
	if limits.MaxDrawdownPercent > 0 {
		floor := p.StartingCapital * (1 - limits.MaxDrawdownPercent/100)
		if p.CurrentCapital <= floor {
			return fmt.Errorf("%w: max drawdown breached, capital %.2f at or below floor %.2f",
				ErrRejected, p.CurrentCapital, floor)
		}
	}

	// 2. 当日亏损
	if limits.DailyLossLimitPercent > 0 && dailyRealizedPnl < 0 {
		budget := p.StartingCapital * limits.DailyLossLimitPercent / 100
		if -dailyRealizedPnl >= budget {
			return fmt.Errorf("%w: daily loss %.2f reached limit %.2f",
				ErrRejected, -dailyRealizedPnl, budget)
		}
	}

	// 3. 权益回撤
	if limits.EquityCheckEnabled && limits.EquityDrawdownPercent > 0 {
		equity := fx.Equity(p.CurrentCapital, unrealizedTotal(exposures, quotes))
		floor := p.StartingCapital * (1 - limits.EquityDrawdownPercent/100)
		if equity <= floor {
			return fmt.Errorf("%w: equity drawdown breached, equity %.2f at or below floor %.2f",
				ErrRejected, equity, floor)
		}
	}

	return nil
}

// unrealizedTotal 按平仓侧报价重算在手持仓的未实现盈亏合计
func unrealizedTotal(exposures []OpenExposure, quotes map[string]oracle.Quote) float64 {
	var total float64
	for _, e := range exposures {
		q, ok := quotes[e.Symbol]
		if !ok {
			continue
		}
		mark := fx.ExitPrice(e.Long, q.Bid, q.Ask)
		total += fx.UnrealizedPnL(e.Long, e.Entry, mark, e.Quantity, e.Symbol)
	}
	return total
}
