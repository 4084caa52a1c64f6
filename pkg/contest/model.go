// 文件: pkg/contest/model.go
// 竞赛数据模型
//
// 两类竞赛共用一张表，用 Kind 区分:
// - competition: 多人竞赛，按报名时间窗开赛
// - challenge:   1v1 挑战，挑战方先付费创建，被挑战方接受后才开赛
//
// 【金额口径】
// - 报名费/奖池/奖金: int64 积分，与钱包账本同一单位
// - 模拟交易资金 (startingCapital 等): float64，属于行情域

package contest

import (
	"errors"
	"time"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrValidation          = errors.New("validation failed")
	ErrContestNotFound     = errors.New("contest not found")
	ErrContestNotJoinable  = errors.New("contest is not open for entry")
	ErrContestFull         = errors.New("contest is full")
	ErrContestNotEnded     = errors.New("contest has not ended yet")
	ErrAlreadyJoined       = errors.New("user already joined this contest")
	ErrNotParticipant      = errors.New("user is not a participant")
	ErrInsufficientCapital = errors.New("insufficient available capital")
	ErrInvalidTransition   = errors.New("invalid contest status transition")
	ErrPrizeDistribution   = errors.New("prize distribution percentages must sum to 100")
	ErrUserRestricted      = errors.New("user is restricted from this action")
	ErrEntryFeeOutOfRange  = errors.New("entry fee out of allowed range")
	ErrDurationOutOfRange  = errors.New("challenge duration out of allowed range")
	ErrSelfChallenge       = errors.New("cannot challenge yourself")
	ErrNotChallenged       = errors.New("challenge is reserved for another user")
	ErrChallengeNotPending = errors.New("challenge is not pending")
	ErrChallengeExpired    = errors.New("challenge accept deadline has passed")
	ErrTooManyPending      = errors.New("too many pending challenges")
	ErrTooManyActive       = errors.New("too many active challenges")
	ErrChallengeCooldown   = errors.New("challenge creation cooldown in effect")
)

// =============================================================================
// 竞赛类型与状态
// =============================================================================

// ContestKind 竞赛类型
type ContestKind int8

const (
	KindCompetition ContestKind = 1 // 多人竞赛
	KindChallenge   ContestKind = 2 // 1v1 挑战
)

// String 返回类型名称
func (k ContestKind) String() string {
	switch k {
	case KindCompetition:
		return "competition"
	case KindChallenge:
		return "challenge"
	default:
		return "unknown"
	}
}

// ContestStatus 竞赛状态
//
// 状态机 (单向):
//
//	draft -> upcoming -> active -> completed
//	upcoming -> cancelled
//	pending -> active | cancelled | expired   (挑战)
type ContestStatus int8

const (
	StatusDraft     ContestStatus = 0 // 草稿 (未发布)
	StatusPending   ContestStatus = 1 // 待接受 (挑战)
	StatusUpcoming  ContestStatus = 2 // 报名中
	StatusActive    ContestStatus = 3 // 进行中
	StatusCompleted ContestStatus = 4 // 已结算
	StatusCancelled ContestStatus = 5 // 已取消 (退款)
	StatusExpired   ContestStatus = 6 // 已过期 (挑战无人接受)
)

// String 返回状态名称
func (s ContestStatus) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusPending:
		return "pending"
	case StatusUpcoming:
		return "upcoming"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// =============================================================================
// 规则常量
// =============================================================================

// 排名方法
const (
	RankByPnl          = "pnl"
	RankByROI          = "roi"
	RankByTotalCapital = "total_capital"
	RankByWinRate      = "win_rate"
	RankByTotalWins    = "total_wins"
	RankByProfitFactor = "profit_factor"
)

// 平局裁决维度
const (
	TieByTradesCount  = "trades_count" // 笔数少者胜
	TieByWinRate      = "win_rate"
	TieByTotalCapital = "total_capital"
	TieByROI          = "roi"
	TieByJoinTime     = "join_time" // 先报名者胜
	TieBySplitPrize   = "split_prize"
)

// 挑战平局奖金分配
const (
	TieSplitEqually   = "split_equally"
	TieChallengerWins = "challenger_wins"
	TieBothLose       = "both_lose"
)

// =============================================================================
// 嵌入结构 (serializer:json)
// =============================================================================

// RankShare 名次奖金占比
type RankShare struct {
	Rank       int     `json:"rank"`
	Percentage float64 `json:"percentage"`
}

// ValidateDistribution 校验占比之和恰好为 100 且名次不重复
func ValidateDistribution(shares []RankShare) error {
	if len(shares) == 0 {
		return ErrPrizeDistribution
	}
	seen := make(map[int]bool, len(shares))
	var sum float64
	for _, s := range shares {
		if s.Rank <= 0 || s.Percentage <= 0 || seen[s.Rank] {
			return ErrPrizeDistribution
		}
		seen[s.Rank] = true
		sum += s.Percentage
	}
	if sum < 99.999 || sum > 100.001 {
		return ErrPrizeDistribution
	}
	return nil
}

// RiskLimits 每场竞赛的可选风控限制
type RiskLimits struct {
	Enabled               bool    `json:"enabled"`
	MaxDrawdownPercent    float64 `json:"max_drawdown_percent"`
	DailyLossLimitPercent float64 `json:"daily_loss_limit_percent"`
	EquityDrawdownPercent float64 `json:"equity_drawdown_percent"`
	EquityCheckEnabled    bool    `json:"equity_check_enabled"`
}

// =============================================================================
// Contest - 竞赛
// =============================================================================

// Contest 竞赛 (competition / challenge 共用)
type Contest struct {
	// ===== 标识 =====
	ID   int64       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Slug string      `gorm:"column:slug;type:varchar(64);uniqueIndex" json:"slug"`
	Name string      `gorm:"column:name;type:varchar(128)" json:"name"`
	Kind ContestKind `gorm:"column:kind;index" json:"kind"`

	// ===== 生命周期 =====
	Status       ContestStatus `gorm:"column:status;index" json:"status"`
	StartTime    time.Time     `gorm:"column:start_time;index" json:"start_time"`
	EndTime      time.Time     `gorm:"column:end_time;index" json:"end_time"`
	CancelReason string        `gorm:"column:cancel_reason;type:varchar(255)" json:"cancel_reason"`

	// ===== 挑战专用 =====
	ChallengerID    int64      `gorm:"column:challenger_id;index" json:"challenger_id"` // 发起方
	OpponentID      int64      `gorm:"column:opponent_id" json:"opponent_id"`           // 被挑战方 (0 = 公开挑战)
	AcceptDeadline  *time.Time `gorm:"column:accept_deadline" json:"accept_deadline"`
	DurationMinutes int        `gorm:"column:duration_minutes" json:"duration_minutes"` // 接受后开赛时长

	// ===== 经济 =====
	EntryFee              int64       `gorm:"column:entry_fee" json:"entry_fee"`   // 积分
	StartingCapital       float64     `gorm:"column:starting_capital" json:"starting_capital"`
	PrizePool             int64       `gorm:"column:prize_pool" json:"prize_pool"`
	PlatformFeePercentage float64     `gorm:"column:platform_fee_percentage" json:"platform_fee_percentage"`
	PlatformFeeAmount     int64       `gorm:"column:platform_fee_amount" json:"platform_fee_amount"` // 结算时落定
	WinnerPrize           int64       `gorm:"column:winner_prize" json:"winner_prize"`               // 挑战: 扣费后全池
	PrizeDistribution     []RankShare `gorm:"column:prize_distribution;serializer:json" json:"prize_distribution"`
	MinParticipants       int         `gorm:"column:min_participants" json:"min_participants"`
	MaxParticipants       int         `gorm:"column:max_participants" json:"max_participants"`
	CurrentParticipants   int         `gorm:"column:current_participants" json:"current_participants"`

	// ===== 交易配置 =====
	AssetClasses     []string `gorm:"column:asset_classes;serializer:json" json:"asset_classes"`
	AllowedSymbols   []string `gorm:"column:allowed_symbols;serializer:json" json:"allowed_symbols"` // 空 = 资产类内全部
	BlockedSymbols   []string `gorm:"column:blocked_symbols;serializer:json" json:"blocked_symbols"`
	MinLeverage      float64  `gorm:"column:min_leverage" json:"min_leverage"`
	MaxLeverage      float64  `gorm:"column:max_leverage" json:"max_leverage"`
	DefaultLeverage  float64  `gorm:"column:default_leverage" json:"default_leverage"`
	MaxOpenPositions int      `gorm:"column:max_open_positions" json:"max_open_positions"`
	MaxPositionSize  float64  `gorm:"column:max_position_size" json:"max_position_size"`

	// MarginCallThreshold 仅存档展示，分级判定用管理员全局阈值
	MarginCallThreshold float64 `gorm:"column:margin_call_threshold" json:"margin_call_threshold"`

	// ===== 规则 =====
	RankingMethod           string     `gorm:"column:ranking_method;type:varchar(32)" json:"ranking_method"`
	TieBreaker1             string     `gorm:"column:tie_breaker1;type:varchar(32)" json:"tie_breaker1"`
	TieBreaker2             string     `gorm:"column:tie_breaker2;type:varchar(32)" json:"tie_breaker2"`
	MinimumTrades           int        `gorm:"column:minimum_trades" json:"minimum_trades"`
	TiePrizeDistribution    string     `gorm:"column:tie_prize_distribution;type:varchar(32)" json:"tie_prize_distribution"`
	DisqualifyOnLiquidation bool       `gorm:"column:disqualify_on_liquidation" json:"disqualify_on_liquidation"`
	RiskLimits              RiskLimits `gorm:"column:risk_limits;serializer:json" json:"risk_limits"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (Contest) TableName() string {
	return "contests"
}

// IsChallenge 是否为 1v1 挑战
func (c *Contest) IsChallenge() bool {
	return c.Kind == KindChallenge
}

// Joinable 当前状态是否可报名
// 竞赛在报名中/进行中可入场，挑战只在待接受状态可入场
func (c *Contest) Joinable() bool {
	if c.IsChallenge() {
		return c.Status == StatusPending
	}
	return c.Status == StatusUpcoming || c.Status == StatusActive
}

// Full 是否满员
func (c *Contest) Full() bool {
	return c.MaxParticipants > 0 && c.CurrentParticipants >= c.MaxParticipants
}

// Ended 是否已到结束时间
func (c *Contest) Ended(now time.Time) bool {
	return !c.EndTime.IsZero() && !now.Before(c.EndTime)
}

// SymbolAllowed 交易对是否可交易 (白名单非空时须在内，黑名单恒优先)
func (c *Contest) SymbolAllowed(symbol string) bool {
	for _, b := range c.BlockedSymbols {
		if b == symbol {
			return false
		}
	}
	if len(c.AllowedSymbols) == 0 {
		return true
	}
	for _, a := range c.AllowedSymbols {
		if a == symbol {
			return true
		}
	}
	return false
}

// =============================================================================
// Participant - 参赛者
// =============================================================================

// ParticipantStatus 参赛者状态
type ParticipantStatus int8

const (
	ParticipantActive       ParticipantStatus = 1 // 参赛中
	ParticipantCompleted    ParticipantStatus = 2 // 已完赛
	ParticipantDisqualified ParticipantStatus = 3 // 取消资格
	ParticipantLiquidated   ParticipantStatus = 4 // 已爆仓
)

// String 返回状态名称
func (s ParticipantStatus) String() string {
	switch s {
	case ParticipantActive:
		return "active"
	case ParticipantCompleted:
		return "completed"
	case ParticipantDisqualified:
		return "disqualified"
	case ParticipantLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// Participant 参赛者
//
// 【资金恒等式】
// currentCapital = startingCapital + realizedPnl
// availableCapital + usedMargin = currentCapital (+ 未实现盈亏，重估时近似)
type Participant struct {
	ID        int64 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ContestID int64 `gorm:"column:contest_id;uniqueIndex:uk_contest_user,priority:1;index:idx_participant_contest_status,priority:1" json:"contest_id"`
	UserID    int64 `gorm:"column:user_id;uniqueIndex:uk_contest_user,priority:2;index" json:"user_id"`

	// ===== 资金 =====
	StartingCapital  float64 `gorm:"column:starting_capital" json:"starting_capital"`
	CurrentCapital   float64 `gorm:"column:current_capital" json:"current_capital"`
	AvailableCapital float64 `gorm:"column:available_capital" json:"available_capital"`
	UsedMargin       float64 `gorm:"column:used_margin" json:"used_margin"`
	RealizedPnl      float64 `gorm:"column:realized_pnl" json:"realized_pnl"`
	UnrealizedPnl    float64 `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	Pnl              float64 `gorm:"column:pnl" json:"pnl"`
	PnlPercentage    float64 `gorm:"column:pnl_percentage" json:"pnl_percentage"`

	// ===== 交易统计 =====
	TotalTrades          int     `gorm:"column:total_trades" json:"total_trades"`
	WinningTrades        int     `gorm:"column:winning_trades" json:"winning_trades"`
	LosingTrades         int     `gorm:"column:losing_trades" json:"losing_trades"`
	WinRate              float64 `gorm:"column:win_rate" json:"win_rate"`
	AverageWin           float64 `gorm:"column:average_win" json:"average_win"`
	AverageLoss          float64 `gorm:"column:average_loss" json:"average_loss"`
	LargestWin           float64 `gorm:"column:largest_win" json:"largest_win"`
	LargestLoss          float64 `gorm:"column:largest_loss" json:"largest_loss"`
	CurrentOpenPositions int     `gorm:"column:current_open_positions" json:"current_open_positions"`

	// ===== 状态与结果 =====
	Status                 ParticipantStatus `gorm:"column:status;index:idx_participant_contest_status,priority:2" json:"status"`
	DisqualificationReason string            `gorm:"column:disqualification_reason;type:varchar(255)" json:"disqualification_reason"`
	LiquidationReason      string            `gorm:"column:liquidation_reason;type:varchar(255)" json:"liquidation_reason"`
	IsWinner               bool              `gorm:"column:is_winner" json:"is_winner"`
	FinalRank              int               `gorm:"column:final_rank" json:"final_rank"` // 0 = 未结算
	PrizeReceived          int64             `gorm:"column:prize_received" json:"prize_received"`

	EnteredAt time.Time `gorm:"column:entered_at" json:"entered_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (Participant) TableName() string {
	return "participants"
}

// Equity 权益 = 本金 + 未实现盈亏 (以最近一次重估值计)
func (p *Participant) Equity() float64 {
	return p.CurrentCapital + p.UnrealizedPnl
}
