// 文件: pkg/wallet/wallet_repo.go
// 钱包仓库 (GORM 实现)
//
// 【并发正确性】
// Credit/Debit 的守卫 UPDATE 会拿行锁直到事务提交，同一用户的记账天然串行。
// 两者都应在 Transaction(ctx, fn) 内调用，余额变动与流水要么同时落库要么都不落

package wallet

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =============================================================================
// Repo - 钱包仓库
// =============================================================================

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Transaction 执行事务，fn 内拿到的是事务级仓库
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

// =============================================================================
// 钱包查询
// =============================================================================

// Get 获取用户钱包，不存在返回 (nil, nil)
func (r *Repo) Get(ctx context.Context, userID int64) (*Wallet, error) {
	var w Wallet
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&w).Error

	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetOrCreate 获取钱包，不存在则建零余额钱包
func (r *Repo) GetOrCreate(ctx context.Context, userID int64) (*Wallet, error) {
	now := time.Now()
	record := &Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(record).Error
	if err != nil {
		return nil, err
	}

	return r.mustGet(ctx, userID)
}

func (r *Repo) mustGet(ctx context.Context, userID int64) (*Wallet, error) {
	w, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWalletNotFound
	}
	return w, nil
}

// =============================================================================
// 记账操作
// =============================================================================

// Credit 入账 amount (正数) 并追加流水
// 返回 applied=false 表示该 EventID 已处理过，本次为幂等跳过
func (r *Repo) Credit(ctx context.Context, userID, amount int64, e Entry) (bool, error) {
	return r.apply(ctx, userID, amount, e, false)
}

// Debit 扣款 amount (正数) 并追加流水，余额不足返回 ErrInsufficientBalance
func (r *Repo) Debit(ctx context.Context, userID, amount int64, e Entry) (bool, error) {
	return r.apply(ctx, userID, amount, e, true)
}

func (r *Repo) apply(ctx context.Context, userID, amount int64, e Entry, debit bool) (bool, error) {
	if amount <= 0 {
		return false, ErrAmountInvalid
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}

	// 幂等检查: 同 EventID 的流水已存在则整体跳过
	// 并发重放由 event_id 唯一索引兜底 (后到的事务整体回滚)
	processed, err := r.HasTransaction(ctx, e.EventID)
	if err != nil {
		return false, err
	}
	if processed {
		return false, nil
	}

	updates := map[string]interface{}{
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	}

	query := r.db.WithContext(ctx).Model(&Wallet{})
	if debit {
		updates["credit_balance"] = gorm.Expr("credit_balance - ?", amount)
		query = query.Where("user_id = ? AND credit_balance >= ?", userID, amount)
	} else {
		updates["credit_balance"] = gorm.Expr("credit_balance + ?", amount)
		query = query.Where("user_id = ?", userID)
	}
	for col, expr := range aggregateDeltas(e, amount) {
		updates[col] = expr
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		if debit {
			return false, ErrInsufficientBalance // 余额不足或钱包不存在
		}
		return false, ErrWalletNotFound
	}

	// 回读变更后余额，推算流水的前后值
	w, err := r.mustGet(ctx, userID)
	if err != nil {
		return false, err
	}

	signed := amount
	if debit {
		signed = -amount
	}
	txn := &WalletTransaction{
		EventID:       e.EventID,
		UserID:        userID,
		Type:          e.Type,
		Amount:        signed,
		BalanceBefore: w.CreditBalance - signed,
		BalanceAfter:  w.CreditBalance,
		ContestID:     e.ContestID,
		Description:   e.Description,
		Status:        TxnStatusCompleted,
		ProcessedAt:   time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(txn).Error; err != nil {
		return false, err
	}
	return true, nil
}

// aggregateDeltas 按流水类型维护聚合字段
// 报名费进 spent，退款回冲 spent 并计入 refunded，奖金进 won
func aggregateDeltas(e Entry, amount int64) map[string]interface{} {
	m := make(map[string]interface{})
	switch e.Type {
	case TxnCompetitionEntry:
		m["total_spent_on_competitions"] = gorm.Expr("total_spent_on_competitions + ?", amount)
	case TxnChallengeEntry:
		m["total_spent_on_challenges"] = gorm.Expr("total_spent_on_challenges + ?", amount)
	case TxnRefund:
		m["total_refunded"] = gorm.Expr("total_refunded + ?", amount)
		if e.Challenge {
			m["total_spent_on_challenges"] = gorm.Expr("total_spent_on_challenges - ?", amount)
		} else {
			m["total_spent_on_competitions"] = gorm.Expr("total_spent_on_competitions - ?", amount)
		}
	case TxnPrize:
		if e.Challenge {
			m["total_won_from_challenges"] = gorm.Expr("total_won_from_challenges + ?", amount)
		} else {
			m["total_won_from_competitions"] = gorm.Expr("total_won_from_competitions + ?", amount)
		}
	}
	return m
}

// =============================================================================
// 流水查询
// =============================================================================

// HasTransaction 指定幂等键的流水是否已存在
func (r *Repo) HasTransaction(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&WalletTransaction{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	return count > 0, err
}

// SumTransactions 用户全部流水之和，审计用: 应恒等于 credit_balance
func (r *Repo) SumTransactions(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&WalletTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// ListTransactions 用户流水，时间倒序
func (r *Repo) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]*WalletTransaction, error) {
	var records []*WalletTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("processed_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	return records, err
}

// ListTransactionsByContest 某赛事产生的全部流水
func (r *Repo) ListTransactionsByContest(ctx context.Context, contestID int64) ([]*WalletTransaction, error) {
	var records []*WalletTransaction
	err := r.db.WithContext(ctx).
		Where("contest_id = ?", contestID).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

// =============================================================================
// 平台流水
// =============================================================================

// InsertPlatform 追加平台流水
func (r *Repo) InsertPlatform(ctx context.Context, txn *PlatformTransaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(txn).Error
}

// SumPlatformByContest 某赛事的平台侧总额 (奖池完整性审计用)
func (r *Repo) SumPlatformByContest(ctx context.Context, contestID int64) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&PlatformTransaction{}).
		Where("contest_id = ?", contestID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// ListPlatformByContest 某赛事的平台流水
func (r *Repo) ListPlatformByContest(ctx context.Context, contestID int64) ([]*PlatformTransaction, error) {
	var records []*PlatformTransaction
	err := r.db.WithContext(ctx).
		Where("contest_id = ?", contestID).
		Order("id ASC").
		Find(&records).Error
	return records, err
}
