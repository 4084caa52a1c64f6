// 文件: pkg/contest/participant_repo.go
// 参赛者仓储
//
// 资金与统计的写入全部是条件更新或单条原子 UPDATE，读-改-写不出数据库。
// 平仓结转 (ApplyClose) 用一条手写 SQL 完成全部统计更新，
// 每个赋值右侧只引用本语句尚未赋值的列，求值顺序与结果无关。

package contest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ParticipantRepo 参赛者仓储，db 可以是事务句柄
type ParticipantRepo struct {
	db *gorm.DB
}

// NewParticipantRepo 创建参赛者仓储
func NewParticipantRepo(db *gorm.DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

// =============================================================================
// 基础读写
// =============================================================================

// Create 创建参赛者，(contest_id, user_id) 冲突返回 ErrAlreadyJoined
func (r *ParticipantRepo) Create(ctx context.Context, p *Participant) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		if isDuplicateEntry(err) {
			return ErrAlreadyJoined
		}
		return fmt.Errorf("create participant: %w", err)
	}
	return nil
}

// GetByID 按主键查询，未找到返回 (nil, nil)
func (r *ParticipantRepo) GetByID(ctx context.Context, id int64) (*Participant, error) {
	var p Participant
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return &p, nil
}

// Get 按 (contestID, userID) 查询，未找到返回 (nil, nil)
func (r *ParticipantRepo) Get(ctx context.Context, contestID, userID int64) (*Participant, error) {
	var p Participant
	err := r.db.WithContext(ctx).
		Where("contest_id = ? AND user_id = ?", contestID, userID).
		First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return &p, nil
}

// ListByContest 竞赛全部参赛者，按报名时间排序
func (r *ParticipantRepo) ListByContest(ctx context.Context, contestID int64) ([]*Participant, error) {
	var participants []*Participant
	err := r.db.WithContext(ctx).
		Where("contest_id = ?", contestID).
		Order("entered_at ASC, id ASC").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return participants, nil
}

// ListActiveByContest 竞赛中仍在参赛的参赛者
func (r *ParticipantRepo) ListActiveByContest(ctx context.Context, contestID int64) ([]*Participant, error) {
	var participants []*Participant
	err := r.db.WithContext(ctx).
		Where("contest_id = ? AND status = ?", contestID, ParticipantActive).
		Order("id ASC").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("list active participants: %w", err)
	}
	return participants, nil
}

// ListWithOpenPositions 有持仓的参赛者 (保证金巡检用)
func (r *ParticipantRepo) ListWithOpenPositions(ctx context.Context, contestID int64) ([]*Participant, error) {
	var participants []*Participant
	err := r.db.WithContext(ctx).
		Where("contest_id = ? AND status = ? AND current_open_positions > 0", contestID, ParticipantActive).
		Order("id ASC").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("list participants with open positions: %w", err)
	}
	return participants, nil
}

// CountByUserKindStatus 用户参与的指定类型+状态竞赛数量
func (r *ParticipantRepo) CountByUserKindStatus(ctx context.Context, userID int64, kind ContestKind, status ContestStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Table("participants").
		Joins("JOIN contests ON contests.id = participants.contest_id").
		Where("participants.user_id = ? AND contests.kind = ? AND contests.status = ?", userID, kind, status).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count participant contests: %w", err)
	}
	return count, nil
}

// =============================================================================
// 资金结转
// =============================================================================

// ApplyOpen 开仓占用保证金
// 可用资金不足或参赛者不在参赛状态时整体拒绝 (条件内联在 WHERE)
func (r *ParticipantRepo) ApplyOpen(ctx context.Context, participantID int64, margin float64) error {
	result := r.db.WithContext(ctx).Model(&Participant{}).
		Where("id = ? AND status = ? AND available_capital >= ?", participantID, ParticipantActive, margin).
		Updates(map[string]any{
			"available_capital":      gorm.Expr("available_capital - ?", margin),
			"used_margin":            gorm.Expr("used_margin + ?", margin),
			"current_open_positions": gorm.Expr("current_open_positions + 1"),
			"total_trades":           gorm.Expr("total_trades + 1"),
			"updated_at":             time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("apply open: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		p, err := r.GetByID(ctx, participantID)
		if err != nil {
			return err
		}
		if p == nil || p.Status != ParticipantActive {
			return ErrNotParticipant
		}
		return ErrInsufficientCapital
	}
	return nil
}

// ApplyClose 平仓结转: 统计、胜率、资金一条 SQL 全量更新
//
// 赋值顺序约束: 衍生统计 (均值/胜率/盈亏) 先于计数器与资金列，
// 右侧永远只读旧值，MySQL 从左到右求值也不会串值。
func (r *ParticipantRepo) ApplyClose(ctx context.Context, participantID int64, realizedPnl, marginUsed float64) error {
	isWin := 0
	winDelta := 0
	lossDelta := 1
	if realizedPnl > 0 {
		isWin = 1
		winDelta = 1
		lossDelta = 0
	}

	const closeSQL = `
UPDATE participants SET
  average_win    = CASE WHEN ? = 1 THEN (average_win * winning_trades + ?) / (winning_trades + 1) ELSE average_win END,
  average_loss   = CASE WHEN ? = 0 THEN (average_loss * losing_trades + ?) / (losing_trades + 1) ELSE average_loss END,
  win_rate       = 100.0 * (winning_trades + ?) / (total_trades + 1),
  largest_win    = GREATEST(largest_win, ?),
  largest_loss   = LEAST(largest_loss, ?),
  pnl            = realized_pnl + ? + unrealized_pnl,
  pnl_percentage = CASE WHEN starting_capital > 0 THEN 100.0 * (realized_pnl + ? + unrealized_pnl) / starting_capital ELSE 0 END,
  winning_trades = winning_trades + ?,
  losing_trades  = losing_trades + ?,
  total_trades   = total_trades + 1,
  available_capital = available_capital + ?,
  used_margin       = used_margin - ?,
  current_capital   = current_capital + ?,
  realized_pnl      = realized_pnl + ?,
  current_open_positions = current_open_positions - 1,
  updated_at = ?
WHERE id = ?`

	result := r.db.WithContext(ctx).Exec(closeSQL,
		isWin, realizedPnl,
		isWin, realizedPnl,
		winDelta,
		realizedPnl,
		realizedPnl,
		realizedPnl,
		realizedPnl,
		winDelta,
		lossDelta,
		marginUsed+realizedPnl,
		marginUsed,
		realizedPnl,
		realizedPnl,
		time.Now(),
		participantID,
	)
	if result.Error != nil {
		return fmt.Errorf("apply close: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotParticipant
	}
	return nil
}

// UpdateUnrealized 重估后刷新未实现盈亏聚合
func (r *ParticipantRepo) UpdateUnrealized(ctx context.Context, participantID int64, unrealized float64) error {
	result := r.db.WithContext(ctx).Model(&Participant{}).
		Where("id = ?", participantID).
		Updates(map[string]any{
			"unrealized_pnl": unrealized,
			"pnl":            gorm.Expr("realized_pnl + ?", unrealized),
			"pnl_percentage": gorm.Expr("CASE WHEN starting_capital > 0 THEN 100.0 * (realized_pnl + ?) / starting_capital ELSE 0 END", unrealized),
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("update unrealized: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotParticipant
	}
	return nil
}

// =============================================================================
// 状态流转
// =============================================================================

// MarkLiquidated 标记爆仓 (幂等，重复触发为空操作)
func (r *ParticipantRepo) MarkLiquidated(ctx context.Context, participantID int64, reason string) error {
	result := r.db.WithContext(ctx).Model(&Participant{}).
		Where("id = ? AND status = ?", participantID, ParticipantActive).
		Updates(map[string]any{
			"status":             ParticipantLiquidated,
			"liquidation_reason": reason,
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("mark liquidated: %w", result.Error)
	}
	return nil
}

// MarkDisqualified 取消资格 (参赛中或已爆仓的参赛者)
func (r *ParticipantRepo) MarkDisqualified(ctx context.Context, participantID int64, reason string) error {
	result := r.db.WithContext(ctx).Model(&Participant{}).
		Where("id = ? AND status IN ?", participantID, []ParticipantStatus{ParticipantActive, ParticipantLiquidated}).
		Updates(map[string]any{
			"status":                  ParticipantDisqualified,
			"disqualification_reason": reason,
			"updated_at":              time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("mark disqualified: %w", result.Error)
	}
	return nil
}

// SetFinalResult 结算写入名次与奖金，不改状态
func (r *ParticipantRepo) SetFinalResult(ctx context.Context, participantID int64, rank int, prize int64, winner bool) error {
	result := r.db.WithContext(ctx).Model(&Participant{}).
		Where("id = ?", participantID).
		Updates(map[string]any{
			"final_rank":     rank,
			"prize_received": prize,
			"is_winner":      winner,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("set final result: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotParticipant
	}
	return nil
}

// MarkCompletedBulk 结算收尾: 仍在参赛的批量转为已完赛
// 已爆仓/已取消资格的保留原状态
func (r *ParticipantRepo) MarkCompletedBulk(ctx context.Context, contestID int64) error {
	err := r.db.WithContext(ctx).Model(&Participant{}).
		Where("contest_id = ? AND status = ?", contestID, ParticipantActive).
		Updates(map[string]any{
			"status":     ParticipantCompleted,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("mark participants completed: %w", err)
	}
	return nil
}

// isDuplicateEntry 唯一键冲突判定 (MySQL 1062)
func isDuplicateEntry(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "1062")
}
