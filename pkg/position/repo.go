// 文件: pkg/position/repo.go
// 持仓存储层 (MySQL)
//
// 平仓走守卫更新: WHERE 里带 status=open 前置条件，
// RowsAffected=0 即并发平仓输家，调用方拿 ErrPositionNotOpen 静默退出。

package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Repo 持仓/成交/审计三表的存储层
type Repo struct {
	db *gorm.DB
}

// NewRepo 创建存储层，事务内用 NewRepo(tx) 复用全部方法
func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// =============================================================================
// 持仓
// =============================================================================

// Create 插入持仓 (开仓事务内调用)
func (r *Repo) Create(ctx context.Context, p *Position) error {
	now := time.Now()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == 0 {
		p.Status = StatusOpen
	}
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create position: %w", err)
	}
	return nil
}

// GetByID 按主键查持仓，不存在返回 (nil, nil)
func (r *Repo) GetByID(ctx context.Context, id int64) (*Position, error) {
	var p Position
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return &p, nil
}

// ListOpenByContest 竞赛全部未平仓位
func (r *Repo) ListOpenByContest(ctx context.Context, contestID int64) ([]*Position, error) {
	var positions []*Position
	err := r.db.WithContext(ctx).
		Where("status = ? AND contest_id = ?", StatusOpen, contestID).
		Order("id ASC").
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	return positions, nil
}

// ListOpenByParticipant 参赛者未平仓位
func (r *Repo) ListOpenByParticipant(ctx context.Context, participantID int64) ([]*Position, error) {
	var positions []*Position
	err := r.db.WithContext(ctx).
		Where("participant_id = ? AND status = ?", participantID, StatusOpen).
		Order("id ASC").
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("list participant positions: %w", err)
	}
	return positions, nil
}

// ListOpenWithProtection 竞赛内带止损/止盈的未平仓位 (保护单巡检用)
func (r *Repo) ListOpenWithProtection(ctx context.Context, contestID int64) ([]*Position, error) {
	var positions []*Position
	err := r.db.WithContext(ctx).
		Where("status = ? AND contest_id = ? AND (stop_loss > 0 OR take_profit > 0)", StatusOpen, contestID).
		Order("id ASC").
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("list protected positions: %w", err)
	}
	return positions, nil
}

// ListAllProtected 全库带保护单的未平仓位 (启动时重建触发索引用)
func (r *Repo) ListAllProtected(ctx context.Context) ([]*Position, error) {
	var positions []*Position
	err := r.db.WithContext(ctx).
		Where("status = ? AND (stop_loss > 0 OR take_profit > 0)", StatusOpen).
		Order("id ASC").
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("list all protected positions: %w", err)
	}
	return positions, nil
}

// OpenSymbols 竞赛内未平仓位涉及的品种去重列表
func (r *Repo) OpenSymbols(ctx context.Context, contestID int64) ([]string, error) {
	var symbols []string
	err := r.db.WithContext(ctx).
		Model(&Position{}).
		Where("status = ? AND contest_id = ?", StatusOpen, contestID).
		Distinct("symbol").
		Pluck("symbol", &symbols).Error
	if err != nil {
		return nil, fmt.Errorf("list open symbols: %w", err)
	}
	return symbols, nil
}

// UpdateMark 重估: 刷新标记价与未实现盈亏
// 已平仓位自然落空 (status 前置条件)，不报错
func (r *Repo) UpdateMark(ctx context.Context, id int64, mark, unrealized, unrealizedPct float64) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&Position{}).
		Where("id = ? AND status = ?", id, StatusOpen).
		Updates(map[string]any{
			"current_price":             mark,
			"unrealized_pnl":            unrealized,
			"unrealized_pnl_percentage": unrealizedPct,
			"last_price_update":         now,
			"price_update_count":        gorm.Expr("price_update_count + 1"),
			"updated_at":                now,
		}).Error
	if err != nil {
		return fmt.Errorf("update mark: %w", err)
	}
	return nil
}

// CloseResult 平仓定格要素
type CloseResult struct {
	Status                Status
	Reason                CloseReason
	ExitPrice             float64
	RealizedPnl           float64
	RealizedPnlPercentage float64
	CloseOrderID          int64
	ClosedAt              time.Time
	HoldingTimeSeconds    int64
}

// CasClose 守卫平仓: 只有仍在 open 的持仓能被定格
// 并发平仓的输家拿 ErrPositionNotOpen
func (r *Repo) CasClose(ctx context.Context, id int64, res CloseResult) error {
	result := r.db.WithContext(ctx).Model(&Position{}).
		Where("id = ? AND status = ?", id, StatusOpen).
		Updates(map[string]any{
			"status":                    res.Status,
			"close_reason":              res.Reason,
			"current_price":             res.ExitPrice,
			"unrealized_pnl":            0,
			"unrealized_pnl_percentage": 0,
			"realized_pnl":              res.RealizedPnl,
			"realized_pnl_percentage":   res.RealizedPnlPercentage,
			"close_order_id":            res.CloseOrderID,
			"closed_at":                 res.ClosedAt,
			"holding_time_seconds":      res.HoldingTimeSeconds,
			"updated_at":                time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("close position: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPositionNotOpen
	}
	return nil
}

// =============================================================================
// 成交历史
// =============================================================================

// InsertTrade 插入成交快照 (平仓事务内调用)
func (r *Repo) InsertTrade(ctx context.Context, t *TradeHistory) error {
	t.CreatedAt = time.Now()
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("insert trade history: %w", err)
	}
	return nil
}

// SumRealizedSince 参赛者自 since 以来的已实现盈亏合计 (当日亏损限额用)
func (r *Repo) SumRealizedSince(ctx context.Context, participantID int64, since time.Time) (float64, error) {
	var sum float64
	err := r.db.WithContext(ctx).
		Model(&TradeHistory{}).
		Where("participant_id = ? AND closed_at >= ?", participantID, since).
		Select("COALESCE(SUM(realized_pnl), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("sum realized since: %w", err)
	}
	return sum, nil
}

// ListTrades 竞赛内某用户的成交历史，平仓时间倒序
func (r *Repo) ListTrades(ctx context.Context, contestID, userID int64, limit int) ([]*TradeHistory, error) {
	var trades []*TradeHistory
	err := r.db.WithContext(ctx).
		Where("contest_id = ? AND user_id = ?", contestID, userID).
		Order("closed_at DESC, id DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return trades, nil
}

// =============================================================================
// 执行价审计
// =============================================================================

// InsertPriceLog 插入执行价流水
func (r *Repo) InsertPriceLog(ctx context.Context, l *PriceLog) error {
	l.CreatedAt = time.Now()
	if err := r.db.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("insert price log: %w", err)
	}
	return nil
}
