// 文件: pkg/position/model.go
// 持仓数据模型
//
// 持仓状态机 (单向): open -> closed | liquidated
// 任何持仓至多平一次，权威序列化点是平仓事务里对 status 的守卫更新，
// 并发平仓只有一个事务能过，其余拿到 ErrPositionNotOpen。
//
// 【三张表】
// - positions:     持仓主表，开仓插入、重估更新、平仓一次性定格
// - trade_history: 平仓时刻的不可变快照，只插不改，排行榜与分析共用
// - price_logs:    执行价审计流水，每次按报价成交都落一行

package position

import (
	"errors"
	"time"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionNotOpen  = errors.New("position not found or already closed")
	ErrNotOwner         = errors.New("position belongs to another user")
	ErrQuoteUnavailable = errors.New("no quote available for symbol")
)

// =============================================================================
// 方向 / 状态 / 平仓原因
// =============================================================================

// Side 持仓方向
type Side int8

const (
	SideLong  Side = 1 // 多头
	SideShort Side = 2 // 空头
)

// String 返回方向名称
func (s Side) String() string {
	if s == SideLong {
		return "long"
	}
	return "short"
}

// IsLong 是否多头
func (s Side) IsLong() bool {
	return s == SideLong
}

// Status 持仓状态
type Status int8

const (
	StatusOpen       Status = 1 // 持仓中
	StatusClosed     Status = 2 // 已平仓
	StatusLiquidated Status = 3 // 保证金强平
)

// String 返回状态名称
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// CloseReason 平仓原因
type CloseReason int8

const (
	CloseNone           CloseReason = 0 // 未平仓
	CloseUser           CloseReason = 1 // 用户手动
	CloseStopLoss       CloseReason = 2 // 止损触发
	CloseTakeProfit     CloseReason = 3 // 止盈触发
	CloseMarginCall     CloseReason = 4 // 保证金强平
	CloseChallengeEnd   CloseReason = 5 // 挑战结束清仓
	CloseCompetitionEnd CloseReason = 6 // 竞赛结束清仓
)

// String 返回原因名称
func (r CloseReason) String() string {
	switch r {
	case CloseUser:
		return "user"
	case CloseStopLoss:
		return "stop_loss"
	case CloseTakeProfit:
		return "take_profit"
	case CloseMarginCall:
		return "margin_call"
	case CloseChallengeEnd:
		return "challenge_end"
	case CloseCompetitionEnd:
		return "competition_end"
	default:
		return "none"
	}
}

// CloseReasonFromString 字符串 -> 平仓原因 (赛务侧清仓入口透传字符串常量)
func CloseReasonFromString(s string) CloseReason {
	switch s {
	case "stop_loss":
		return CloseStopLoss
	case "take_profit":
		return CloseTakeProfit
	case "margin_call":
		return CloseMarginCall
	case "challenge_end":
		return CloseChallengeEnd
	case "competition_end":
		return CloseCompetitionEnd
	default:
		return CloseUser
	}
}

// =============================================================================
// Position - 持仓
// =============================================================================

// Position 持仓
//
// 【关键概念区分】
// - 未实现盈亏 (UnrealizedPnl): 重估任务按最新报价刷新，随价格变化
// - 已实现盈亏 (RealizedPnl): 只在平仓事务里写入一次，之后不再变
type Position struct {
	ID            int64 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ContestID     int64 `gorm:"column:contest_id;index:idx_position_status_contest,priority:2" json:"contest_id"`
	ParticipantID int64 `gorm:"column:participant_id;index:idx_position_participant_status,priority:1" json:"participant_id"`
	UserID        int64 `gorm:"column:user_id;index" json:"user_id"`

	// ===== 开仓要素 =====
	Symbol     string  `gorm:"column:symbol;type:varchar(16);index" json:"symbol"`
	Side       Side    `gorm:"column:side" json:"side"`
	Quantity   float64 `gorm:"column:quantity" json:"quantity"` // 手
	Leverage   float64 `gorm:"column:leverage" json:"leverage"`
	EntryPrice float64 `gorm:"column:entry_price" json:"entry_price"`
	MarginUsed float64 `gorm:"column:margin_used" json:"margin_used"`

	// ===== 保护单 (0 = 未设置) =====
	StopLoss   float64 `gorm:"column:stop_loss" json:"stop_loss"`
	TakeProfit float64 `gorm:"column:take_profit" json:"take_profit"`

	// ===== 状态与实时重估 =====
	Status                  Status     `gorm:"column:status;index:idx_position_status_contest,priority:1;index:idx_position_participant_status,priority:2" json:"status"`
	CurrentPrice            float64    `gorm:"column:current_price" json:"current_price"`
	UnrealizedPnl           float64    `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	UnrealizedPnlPercentage float64    `gorm:"column:unrealized_pnl_percentage" json:"unrealized_pnl_percentage"`
	LastPriceUpdate         *time.Time `gorm:"column:last_price_update" json:"last_price_update"`
	PriceUpdateCount        int64      `gorm:"column:price_update_count" json:"price_update_count"`

	// ===== 平仓结果 (平仓事务一次性写入) =====
	RealizedPnl           float64     `gorm:"column:realized_pnl" json:"realized_pnl"`
	RealizedPnlPercentage float64     `gorm:"column:realized_pnl_percentage" json:"realized_pnl_percentage"`
	CloseReason           CloseReason `gorm:"column:close_reason" json:"close_reason"`
	HoldingTimeSeconds    int64       `gorm:"column:holding_time_seconds" json:"holding_time_seconds"`

	// ===== 关联订单 (雪花单号) =====
	OpenOrderID  int64 `gorm:"column:open_order_id" json:"open_order_id"`
	CloseOrderID int64 `gorm:"column:close_order_id" json:"close_order_id"` // 0 = 未平仓

	// ===== 时间 =====
	OpenedAt  time.Time  `gorm:"column:opened_at" json:"opened_at"`
	ClosedAt  *time.Time `gorm:"column:closed_at" json:"closed_at"`
	CreatedAt time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (Position) TableName() string {
	return "positions"
}

// Long 是否多头
func (p *Position) Long() bool {
	return p.Side == SideLong
}

// MaintenanceMargin 维持保证金 (占用保证金的一半)
func (p *Position) MaintenanceMargin() float64 {
	return p.MarginUsed / 2
}

// HasProtection 是否设置了止损或止盈
func (p *Position) HasProtection() bool {
	return p.StopLoss > 0 || p.TakeProfit > 0
}

// =============================================================================
// TradeHistory - 成交历史
// =============================================================================

// TradeHistory 成交历史 (平仓快照，只插不改)
type TradeHistory struct {
	ID            int64 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PositionID    int64 `gorm:"column:position_id;index" json:"position_id"`
	ContestID     int64 `gorm:"column:contest_id;index" json:"contest_id"`
	ParticipantID int64 `gorm:"column:participant_id;index:idx_trade_participant_time,priority:1" json:"participant_id"`
	UserID        int64 `gorm:"column:user_id;index" json:"user_id"`

	Symbol     string  `gorm:"column:symbol;type:varchar(16)" json:"symbol"`
	Side       Side    `gorm:"column:side" json:"side"`
	Quantity   float64 `gorm:"column:quantity" json:"quantity"`
	Leverage   float64 `gorm:"column:leverage" json:"leverage"`
	EntryPrice float64 `gorm:"column:entry_price" json:"entry_price"`
	ExitPrice  float64 `gorm:"column:exit_price" json:"exit_price"`
	MarginUsed float64 `gorm:"column:margin_used" json:"margin_used"`

	RealizedPnl           float64     `gorm:"column:realized_pnl" json:"realized_pnl"`
	RealizedPnlPercentage float64     `gorm:"column:realized_pnl_percentage" json:"realized_pnl_percentage"`
	CloseReason           CloseReason `gorm:"column:close_reason" json:"close_reason"`
	IsWinner              bool        `gorm:"column:is_winner" json:"is_winner"`

	OpenedAt           time.Time `gorm:"column:opened_at" json:"opened_at"`
	ClosedAt           time.Time `gorm:"column:closed_at;index:idx_trade_participant_time,priority:2" json:"closed_at"`
	HoldingTimeSeconds int64     `gorm:"column:holding_time_seconds" json:"holding_time_seconds"`
	CreatedAt          time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName 指定表名
func (TradeHistory) TableName() string {
	return "trade_history"
}

// =============================================================================
// PriceLog - 执行价审计
// =============================================================================

// PriceLog 执行价审计流水
//
// 记录期望价与实际执行价的滑点，锁定报价被拒时尤其有用
type PriceLog struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	OrderID    int64  `gorm:"column:order_id;index" json:"order_id"` // 雪花单号，0 = 无关联
	PositionID int64  `gorm:"column:position_id" json:"position_id"`
	Symbol     string `gorm:"column:symbol;type:varchar(16);index" json:"symbol"`

	Bid    float64 `gorm:"column:bid" json:"bid"`
	Ask    float64 `gorm:"column:ask" json:"ask"`
	Mid    float64 `gorm:"column:mid" json:"mid"`
	Spread float64 `gorm:"column:spread" json:"spread"`

	ExpectedPrice  float64 `gorm:"column:expected_price" json:"expected_price"` // 客户端期望价 (0 = 未提供)
	ExecutionPrice float64 `gorm:"column:execution_price" json:"execution_price"`
	SlippagePips   float64 `gorm:"column:slippage_pips" json:"slippage_pips"`
	PriceSource    string  `gorm:"column:price_source;type:varchar(16)" json:"price_source"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName 指定表名
func (PriceLog) TableName() string {
	return "price_logs"
}
