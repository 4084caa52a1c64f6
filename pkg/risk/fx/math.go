// 文件: pkg/risk/fx/math.go
// 外汇纯计算模块 - 保证金 / 盈亏 / 点值 / 保证金水平
//
// 全部为无状态纯函数，值传递，不依赖任何外部包。
// 所有金额使用 float64 (模拟盘资金)，精度要求: 相对误差 <= 1e-6。

package fx

import (
	"math"
	"strings"
)

// =============================================================================
// 合约面值与点值
// =============================================================================

// StandardLot 外汇标准手: 10万单位基础货币
const StandardLot = 100000.0

// ContractSize 返回品种的合约面值
//
// 外汇对(6字符)为标准手 100000；贵金属和加密品种按行业惯例。
// 平台默认只开放外汇资产类别，其余条目仅在配置显式允许时生效。
func ContractSize(symbol string) float64 {
	switch symbol {
	case "XAUUSD":
		return 100.0
	case "XAGUSD":
		return 5000.0
	case "BTCUSD", "ETHUSD":
		return 1.0
	default:
		if len(symbol) == 6 {
			return StandardLot
		}
		return 1.0
	}
}

// PipSize 返回品种的最小报价单位 (点)
// JPY 报价对为 0.01，其余外汇对为 0.0001
func PipSize(symbol string) float64 {
	if strings.Contains(symbol, "JPY") {
		return 0.01
	}
	return 0.0001
}

// AssetClass 返回品种所属资产类别，与 ContractSize 的分支保持一致
func AssetClass(symbol string) string {
	switch symbol {
	case "XAUUSD", "XAGUSD":
		return "metals"
	case "BTCUSD", "ETHUSD":
		return "crypto"
	default:
		if len(symbol) == 6 {
			return "forex"
		}
		return "other"
	}
}

// PriceToPips 将价格差换算为点数
func PriceToPips(symbol string, priceDiff float64) float64 {
	return priceDiff / PipSize(symbol)
}

// =============================================================================
// 方向
// =============================================================================

// Sign 返回方向系数: 多头 +1, 空头 -1
func Sign(long bool) float64 {
	if long {
		return 1
	}
	return -1
}

// EntryPrice 开仓成交价: 多头吃卖价(Ask)，空头吃买价(Bid)
func EntryPrice(long bool, bid, ask float64) float64 {
	if long {
		return ask
	}
	return bid
}

// ExitPrice 平仓成交价: 与开仓镜像，多头打到买价(Bid)，空头打到卖价(Ask)
func ExitPrice(long bool, bid, ask float64) float64 {
	if long {
		return bid
	}
	return ask
}

// =============================================================================
// 保证金与盈亏
// =============================================================================

// MarginRequired 计算开仓所需保证金
//
// 公式: Margin = Qty * ContractSize * Price / Leverage
//
//	1手 EURUSD @ 1.10010, 100倍杠杆 => 1 * 100000 * 1.10010 / 100 = 1100.10
func MarginRequired(qty, price, leverage float64, symbol string) float64 {
	if leverage <= 0 {
		return 0
	}
	return qty * ContractSize(symbol) * price / leverage
}

// UnrealizedPnL 计算未实现盈亏
//
// 公式: uPnL = sign(side) * (Mark - Entry) * Qty * ContractSize
// 空头时 (Mark < Entry) 结果为正，逻辑自洽。
func UnrealizedPnL(long bool, entry, mark, qty float64, symbol string) float64 {
	return Sign(long) * (mark - entry) * qty * ContractSize(symbol)
}

// PnLPercent 盈亏占用保证金的百分比
func PnLPercent(pnl, marginUsed float64) float64 {
	if marginUsed == 0 {
		return 0
	}
	return 100 * pnl / marginUsed
}

// Equity 动态权益 = 已实现资金 + 未实现盈亏合计
func Equity(currentCapital, totalUnrealizedPnL float64) float64 {
	return currentCapital + totalUnrealizedPnL
}

// =============================================================================
// 保证金水平分级
// =============================================================================

// MarginStatus 保证金水平分级
type MarginStatus int8

const (
	MarginSafe        MarginStatus = 0 // 安全
	MarginWarning     MarginStatus = 1 // 预警
	MarginCall        MarginStatus = 2 // 追加保证金通知
	MarginLiquidation MarginStatus = 3 // 强平区间
)

func (s MarginStatus) String() string {
	switch s {
	case MarginSafe:
		return "safe"
	case MarginWarning:
		return "warning"
	case MarginCall:
		return "margin_call"
	case MarginLiquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

// MarginThresholds 管理端配置的分级阈值 (百分比)
// 约束: Safe >= Warning >= MarginCall >= Liquidation
type MarginThresholds struct {
	Safe        float64
	Warning     float64
	MarginCall  float64
	Liquidation float64
}

// DefaultMarginThresholds 缺省阈值
var DefaultMarginThresholds = MarginThresholds{
	Safe:        200,
	Warning:     150,
	MarginCall:  100,
	Liquidation: 50,
}

// MarginLevel 计算保证金水平 (百分比)
//
// 公式: Level = 100 * Equity / UsedMargin
// 无持仓 (UsedMargin = 0) 时返回 +Inf，视为绝对安全。
func MarginLevel(equity, usedMargin float64) float64 {
	if usedMargin == 0 {
		return math.Inf(1)
	}
	return 100 * equity / usedMargin
}

// ClassifyMarginLevel 按阈值对保证金水平分档
func ClassifyMarginLevel(level float64, th MarginThresholds) MarginStatus {
	switch {
	case level <= th.Liquidation:
		return MarginLiquidation
	case level <= th.MarginCall:
		return MarginCall
	case level <= th.Warning:
		return MarginWarning
	default:
		return MarginSafe
	}
}

// =============================================================================
// 强平价格估算
// =============================================================================

// EstimatedLiquidationPrice 估算单仓参赛者的强平触发价
//
// 【推导】
// 强平条件: MarginLevel <= LiqThreshold
//
//	100 * Equity / UsedMargin <= LiqThreshold
//	Equity <= UsedMargin * LiqThreshold / 100
//
// 其中:
//
//	Equity = Capital + sign * (P - Entry) * Qty * CS
//
// 设临界权益 E* = UsedMargin * LiqThreshold / 100，解出 P:
//
// 【多仓】 P = Entry + (E* - Capital) / (Qty * CS)
// 【空仓】 P = Entry - (E* - Capital) / (Qty * CS)
//
// 多仓时 (E* - Capital) 为负，P 低于开仓价；空仓镜像。
// 仅对"该参赛者只有这一张持仓"的情形精确，多仓位时作为展示参考。
func EstimatedLiquidationPrice(long bool, entry, qty, capital, usedMargin, liqThresholdPct float64, symbol string) float64 {
	cs := ContractSize(symbol)
	if qty <= 0 || cs <= 0 {
		return 0
	}

	criticalEquity := usedMargin * liqThresholdPct / 100
	delta := (criticalEquity - capital) / (qty * cs)

	price := entry + Sign(long)*delta
	if price < 0 {
		return 0
	}
	return price
}
