// 文件: pkg/risk/policy.go
// 下单风控校验
//
// 【校验顺序】固定，第一条不过即返回:
// 1. 手数在管理员配置区间内
// 2. 品种属于赛事开放的资产类别且未被屏蔽
// 3. 杠杆在赛事区间内
// 4. 限价单: 价格方向正确 (买挂低于卖价 / 卖挂高于买价)，距中间价点数在区间内
// 5. SL/TP 方向: 多头 SL < 入场 < TP，空头镜像
// 6. 在手持仓数未达赛事上限
// 7. 所需保证金不超过可用资金
//
// 全部为纯校验，不读库、不产生副作用

package risk

import (
	"fmt"
	"math"

	"fxarena.com/pkg/config"
	"fxarena.com/pkg/contest"
	"fxarena.com/pkg/risk/fx"
)

// Validator 下单校验器
type Validator struct {
	cfg config.TradingConfig
}

// NewValidator 创建校验器
func NewValidator(cfg config.TradingConfig) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateOrder 按固定顺序执行全部下单校验
func (v *Validator) ValidateOrder(chk *OrderCheck) error {
	c := chk.Contest
	p := chk.Participant

	// 1. 手数区间
	if chk.Quantity < v.cfg.MinPositionSize {
		return fmt.Errorf("%w: quantity %.2f below minimum %.2f lots", ErrRejected, chk.Quantity, v.cfg.MinPositionSize)
	}
	maxSize := v.cfg.MaxPositionSize
	if c.MaxPositionSize > 0 && c.MaxPositionSize < maxSize {
		maxSize = c.MaxPositionSize
	}
	if chk.Quantity > maxSize {
		return fmt.Errorf("%w: quantity %.2f exceeds maximum %.2f lots", ErrRejected, chk.Quantity, maxSize)
	}

	// 2. 品种可交易
	if !classAllowed(c.AssetClasses, fx.AssetClass(chk.Symbol)) {
		return fmt.Errorf("%w: asset class %s is not open in this contest", ErrRejected, fx.AssetClass(chk.Symbol))
	}
	if !c.SymbolAllowed(chk.Symbol) {
		return fmt.Errorf("%w: symbol %s is not tradable in this contest", ErrRejected, chk.Symbol)
	}

	// 3. 杠杆区间
	if chk.Leverage < c.MinLeverage || chk.Leverage > c.MaxLeverage {
		return fmt.Errorf("%w: leverage %.0f outside [%.0f, %.0f]", ErrRejected, chk.Leverage, c.MinLeverage, c.MaxLeverage)
	}

	// 4. 限价方向与距离
	if chk.Limit {
		if err := v.checkLimitPrice(chk); err != nil {
			return err
		}
	}

	// 5. SL/TP 方向
	if err := checkProtectivePrices(chk); err != nil {
		return err
	}

	// 6. 在手持仓数
	if c.MaxOpenPositions > 0 && p.CurrentOpenPositions >= c.MaxOpenPositions {
		return fmt.Errorf("%w: open positions %d at contest limit %d", ErrRejected, p.CurrentOpenPositions, c.MaxOpenPositions)
	}

	// 7. 保证金 vs 可用资金
	if chk.Margin > p.AvailableCapital {
		return fmt.Errorf("%w: margin %.2f exceeds available capital %.2f", contest.ErrInsufficientCapital, chk.Margin, p.AvailableCapital)
	}

	return nil
}

// checkLimitPrice 限价单价格校验
func (v *Validator) checkLimitPrice(chk *OrderCheck) error {
	if chk.LimitPrice <= 0 {
		return fmt.Errorf("%w: limit price must be positive", ErrRejected)
	}
	if chk.Long && chk.LimitPrice >= chk.Quote.Ask {
		return fmt.Errorf("%w: buy limit %.5f must be below current ask %.5f", ErrRejected, chk.LimitPrice, chk.Quote.Ask)
	}
	if !chk.Long && chk.LimitPrice <= chk.Quote.Bid {
		return fmt.Errorf("%w: sell limit %.5f must be above current bid %.5f", ErrRejected, chk.LimitPrice, chk.Quote.Bid)
	}

	distancePips := math.Abs(fx.PriceToPips(chk.Symbol, chk.LimitPrice-chk.Quote.Mid))
	if distancePips < v.cfg.MinLimitDistancePips {
		return fmt.Errorf("%w: limit price %.1f pips from market, minimum %.1f", ErrRejected, distancePips, v.cfg.MinLimitDistancePips)
	}
	if distancePips > v.cfg.MaxLimitDistancePips {
		return fmt.Errorf("%w: limit price %.1f pips from market, maximum %.1f", ErrRejected, distancePips, v.cfg.MaxLimitDistancePips)
	}
	return nil
}

// checkProtectivePrices SL/TP 方向合理性
func checkProtectivePrices(chk *OrderCheck) error {
	entry := chk.entryReference()
	if chk.Long {
		if chk.StopLoss > 0 && chk.StopLoss >= entry {
			return fmt.Errorf("%w: stop loss %.5f must be below entry %.5f for long", ErrRejected, chk.StopLoss, entry)
		}
		if chk.TakeProfit > 0 && chk.TakeProfit <= entry {
			return fmt.Errorf("%w: take profit %.5f must be above entry %.5f for long", ErrRejected, chk.TakeProfit, entry)
		}
		return nil
	}
	if chk.StopLoss > 0 && chk.StopLoss <= entry {
		return fmt.Errorf("%w: stop loss %.5f must be above entry %.5f for short", ErrRejected, chk.StopLoss, entry)
	}
	if chk.TakeProfit > 0 && chk.TakeProfit >= entry {
		return fmt.Errorf("%w: take profit %.5f must be below entry %.5f for short", ErrRejected, chk.TakeProfit, entry)
	}
	return nil
}

func classAllowed(classes []string, class string) bool {
	if len(classes) == 0 {
		return class == "forex" // 未配置时按平台缺省只放外汇
	}
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}
