// 文件: pkg/order/model.go
// 订单数据模型
//
// 订单状态机 (单向): pending -> filled | cancelled
// pending 只存在于限价单，市价单在下单事务里直接落成交行；
// 成交与撤单都走守卫更新，并发触发只有一个赢家。

package order

import (
	"errors"
	"fmt"
	"time"

	"fxarena.com/pkg/contest"
	"fxarena.com/pkg/risk"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderNotPending  = errors.New("order is not pending")
	ErrNotOwner         = errors.New("order belongs to another user")
	ErrMarketClosed     = errors.New("market is closed")
	ErrContestNotActive = errors.New("contest is not active")
	ErrValidation       = errors.New("invalid order request")
	ErrQuoteUnavailable = errors.New("no quote available for symbol")

	// ErrConflict 数据库死锁/锁等待超时，调用方可原样重试
	ErrConflict = errors.New("transaction conflict, retry")

	// 跨包哨兵的别名，调用方在本包即可 errors.Is 兜住全部下单失败
	ErrInsufficientCapital = contest.ErrInsufficientCapital
	ErrUserRestricted      = contest.ErrUserRestricted
	ErrRiskRejected        = risk.ErrRejected
)

// =============================================================================
// 状态 / 方向 / 类型 / 来源
// =============================================================================

// OrderStatus 订单状态
type OrderStatus int8

const (
	StatusPending   OrderStatus = 1 // 挂单中 (仅限价单)
	StatusFilled    OrderStatus = 2 // 已成交
	StatusCancelled OrderStatus = 3 // 已撤销
)

// String 返回状态名称
func (s OrderStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// OrderSide 订单方向
type OrderSide int8

const (
	SideBuy  OrderSide = 1 // 买入开多
	SideSell OrderSide = 2 // 卖出开空
)

// String 返回方向名称
func (s OrderSide) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// Long 买单开多头
func (s OrderSide) Long() bool {
	return s == SideBuy
}

// SideFromString 字符串 -> 方向
func SideFromString(s string) (OrderSide, error) {
	switch s {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("%w: unknown side %q", ErrValidation, s)
	}
}

// OrderType 订单类型
type OrderType int8

const (
	TypeMarket OrderType = 1 // 市价单
	TypeLimit  OrderType = 2 // 限价单
)

// String 返回类型名称
func (t OrderType) String() string {
	if t == TypeMarket {
		return "market"
	}
	return "limit"
}

// TypeFromString 字符串 -> 订单类型
func TypeFromString(s string) (OrderType, error) {
	switch s {
	case "market":
		return TypeMarket, nil
	case "limit":
		return TypeLimit, nil
	default:
		return 0, fmt.Errorf("%w: unknown order type %q", ErrValidation, s)
	}
}

// OrderSource 订单来源
type OrderSource int8

const (
	SourceWeb    OrderSource = 1 // 用户下单
	SourceSystem OrderSource = 2 // 系统自动 (止损止盈/强平/清仓)
)

// String 返回来源名称
func (s OrderSource) String() string {
	if s == SourceSystem {
		return "system"
	}
	return "web"
}

// =============================================================================
// Order - 订单
// =============================================================================

// Order 订单
//
// 市价单: 下单事务里直接 filled，并带上开出的持仓 ID
// 限价单: 先落 pending 行 (不锁保证金)，限价巡检触发后转 filled
// 平仓单: 持仓引擎平仓事务里由 Writer 落入，方向与持仓相反
type Order struct {
	ID      int64 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	OrderID int64 `gorm:"column:order_id;uniqueIndex" json:"order_id"` // 雪花单号

	ContestID     int64 `gorm:"column:contest_id;index:idx_order_scan,priority:3" json:"contest_id"`
	ParticipantID int64 `gorm:"column:participant_id;index" json:"participant_id"`
	UserID        int64 `gorm:"column:user_id;index" json:"user_id"`

	// ===== 下单要素 =====
	Symbol    string      `gorm:"column:symbol;type:varchar(16);index" json:"symbol"`
	Side      OrderSide   `gorm:"column:side" json:"side"`
	OrderType OrderType   `gorm:"column:order_type;index:idx_order_scan,priority:2" json:"order_type"`
	Source    OrderSource `gorm:"column:order_source" json:"order_source"`
	Quantity  float64     `gorm:"column:quantity" json:"quantity"` // 手
	Leverage  float64     `gorm:"column:leverage" json:"leverage"`

	// ===== 价格 =====
	RequestedPrice float64 `gorm:"column:requested_price" json:"requested_price"` // 限价单挂单价
	ExecutedPrice  float64 `gorm:"column:executed_price" json:"executed_price"`   // 成交价 (0 = 未成交)

	// ===== 保护单与保证金 (0 = 未设置) =====
	StopLoss       float64 `gorm:"column:stop_loss" json:"stop_loss"`
	TakeProfit     float64 `gorm:"column:take_profit" json:"take_profit"`
	MarginRequired float64 `gorm:"column:margin_required" json:"margin_required"`

	// ===== 状态 =====
	Status OrderStatus `gorm:"column:status;index:idx_order_scan,priority:1" json:"status"`
	Reason string      `gorm:"column:reason;type:varchar(128)" json:"reason"` // 撤单原因或自动平仓原因

	// PositionID 成交对应的持仓 (0 = 未成交)
	PositionID int64 `gorm:"column:position_id" json:"position_id"`

	// ===== 时间 =====
	PlacedAt    time.Time  `gorm:"column:placed_at" json:"placed_at"`
	ExecutedAt  *time.Time `gorm:"column:executed_at" json:"executed_at"`
	CancelledAt *time.Time `gorm:"column:cancelled_at" json:"cancelled_at"`
	CreatedAt   time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (Order) TableName() string {
	return "orders"
}

// Pending 是否还在挂单中
func (o *Order) Pending() bool {
	return o.Status == StatusPending
}

// Long 成交后开出的是多头
func (o *Order) Long() bool {
	return o.Side.Long()
}
