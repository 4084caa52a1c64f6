// 文件: pkg/wallet/model.go
// 钱包账本 - 积分余额 + 只追加流水
//
// 【记账规则】
// 1. 余额只通过带流水的事务操作变动，每次变动恰好追加一条 WalletTransaction
// 2. 流水满足 balance_after = balance_before + amount (amount 带符号)
// 3. EventID 为幂等键: 同一业务事件重放不产生第二条流水
// 4. 积分为整数，不存在小数位

package wallet

import (
	"errors"
	"time"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrAmountInvalid       = errors.New("amount must be positive")
)

// =============================================================================
// 流水类型
// =============================================================================

type TxnType int8

const (
	TxnCompetitionEntry TxnType = 1 // 竞赛报名费
	TxnChallengeEntry   TxnType = 2 // 1v1 挑战报名费
	TxnPrize            TxnType = 3 // 奖金发放
	TxnRefund           TxnType = 4 // 取消退款
	TxnAdminAdjust      TxnType = 5 // 管理员调整
)

func (t TxnType) String() string {
	switch t {
	case TxnCompetitionEntry:
		return "competition_entry"
	case TxnChallengeEntry:
		return "challenge_entry"
	case TxnPrize:
		return "prize"
	case TxnRefund:
		return "refund"
	case TxnAdminAdjust:
		return "admin_adjust"
	default:
		return "unknown"
	}
}

type TxnStatus int8

const (
	TxnStatusPending   TxnStatus = 0
	TxnStatusCompleted TxnStatus = 1
)

func (s TxnStatus) String() string {
	if s == TxnStatusCompleted {
		return "COMPLETED"
	}
	return "PENDING"
}

// =============================================================================
// 平台流水类型
// =============================================================================

type PlatformTxnType int8

const (
	PlatformFee           PlatformTxnType = 1 // 平台手续费
	PlatformUnclaimedPool PlatformTxnType = 2 // 无人认领的奖池
	PlatformResidue       PlatformTxnType = 3 // 奖金取整余数
)

func (t PlatformTxnType) String() string {
	switch t {
	case PlatformFee:
		return "platform_fee"
	case PlatformUnclaimedPool:
		return "unclaimed_pool"
	case PlatformResidue:
		return "residue"
	default:
		return "unknown"
	}
}

// =============================================================================
// 数据模型
// =============================================================================

// Wallet 用户钱包
// CreditBalance 恒等于该用户全部流水 amount 之和
type Wallet struct {
	ID     uint  `gorm:"primaryKey;autoIncrement"`
	UserID int64 `gorm:"column:user_id;uniqueIndex"`

	CreditBalance int64 `gorm:"column:credit_balance"`

	// ===== 聚合统计 (与流水同事务维护) =====
	TotalSpentOnCompetitions int64 `gorm:"column:total_spent_on_competitions"`
	TotalSpentOnChallenges   int64 `gorm:"column:total_spent_on_challenges"`
	TotalWonFromCompetitions int64 `gorm:"column:total_won_from_competitions"`
	TotalWonFromChallenges   int64 `gorm:"column:total_won_from_challenges"`
	TotalRefunded            int64 `gorm:"column:total_refunded"`

	Version   int       `gorm:"column:version"` // 乐观锁
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Wallet) TableName() string {
	return "wallets"
}

// WalletTransaction 钱包流水 (只追加)
type WalletTransaction struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	EventID string `gorm:"column:event_id;type:varchar(128);uniqueIndex"` // 幂等键
	UserID  int64  `gorm:"column:user_id;index:idx_wallet_txn_user_time,priority:1"`

	Type   TxnType `gorm:"column:type"`
	Amount int64   `gorm:"column:amount"` // 带符号: 入账为正，扣款为负

	BalanceBefore int64 `gorm:"column:balance_before"`
	BalanceAfter  int64 `gorm:"column:balance_after"`

	ContestID   int64  `gorm:"column:contest_id;index"` // 0 = 与赛事无关
	Description string `gorm:"column:description;type:varchar(255)"`

	Status      TxnStatus `gorm:"column:status"`
	ProcessedAt time.Time `gorm:"column:processed_at;index:idx_wallet_txn_user_time,priority:2"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transactions"
}

// PlatformTransaction 平台侧流水 (手续费 / 无人认领奖池 / 取整余数)
type PlatformTransaction struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Type      PlatformTxnType `gorm:"column:type"`
	Amount    int64           `gorm:"column:amount"`
	ContestID int64           `gorm:"column:contest_id;index"`
	Reason    string          `gorm:"column:reason;type:varchar(128)"`
	CreatedAt time.Time       `gorm:"column:created_at"`
}

func (PlatformTransaction) TableName() string {
	return "platform_transactions"
}

// =============================================================================
// 记账请求
// =============================================================================

// Entry 一次记账的业务上下文
// EventID 留空时自动生成 UUID (无自然业务键的场景)；
// 退款等可重放的操作必须传确定性键，例如 "refund:{contestID}:{userID}"
type Entry struct {
	EventID     string
	Type        TxnType
	ContestID   int64
	Challenge   bool // 聚合统计路由: 挑战 or 竞赛
	Description string
}
