// 文件: pkg/contest/mysql_repo.go
// 竞赛仓储 MySQL 实现
//
// 状态流转与入场预占全部走条件更新 (WHERE 带前置状态)，
// RowsAffected == 0 即判定前置条件失败，不依赖行锁读。

package contest

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// MySQLContestRepository 竞赛仓储 MySQL 实现
type MySQLContestRepository struct {
	db *gorm.DB
}

var _ ContestRepository = (*MySQLContestRepository)(nil)

// NewMySQLContestRepository 创建仓储，db 可以是事务句柄
func NewMySQLContestRepository(db *gorm.DB) *MySQLContestRepository {
	return &MySQLContestRepository{db: db}
}

// Create 创建竞赛
func (r *MySQLContestRepository) Create(ctx context.Context, c *Contest) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create contest: %w", err)
	}
	return nil
}

// GetByID 按 ID 查询，未找到返回 (nil, nil)
func (r *MySQLContestRepository) GetByID(ctx context.Context, id int64) (*Contest, error) {
	var c Contest
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contest by id: %w", err)
	}
	return &c, nil
}

// GetBySlug 按 slug 查询，未找到返回 (nil, nil)
func (r *MySQLContestRepository) GetBySlug(ctx context.Context, slug string) (*Contest, error) {
	var c Contest
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&c).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contest by slug: %w", err)
	}
	return &c, nil
}

// UpdateStatus 状态 CAS 流转
func (r *MySQLContestRepository) UpdateStatus(ctx context.Context, id int64, from, to ContestStatus) error {
	result := r.db.WithContext(ctx).Model(&Contest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("update contest status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// SetCancelled 取消竞赛并记录原因
func (r *MySQLContestRepository) SetCancelled(ctx context.Context, id int64, reason string, from ...ContestStatus) error {
	result := r.db.WithContext(ctx).Model(&Contest{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{
			"status":        StatusCancelled,
			"cancel_reason": reason,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("cancel contest: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkCompleted 结算完成并落定平台抽成
func (r *MySQLContestRepository) MarkCompleted(ctx context.Context, id int64, platformFeeAmount int64) error {
	result := r.db.WithContext(ctx).Model(&Contest{}).
		Where("id = ? AND status = ?", id, StatusActive).
		Updates(map[string]any{
			"status":              StatusCompleted,
			"platform_fee_amount": platformFeeAmount,
			"updated_at":          time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("complete contest: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ActivateChallenge 挑战被接受: pending -> active
func (r *MySQLContestRepository) ActivateChallenge(ctx context.Context, id int64, start, end time.Time, winnerPrize int64) error {
	result := r.db.WithContext(ctx).Model(&Contest{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":       StatusActive,
			"start_time":   start,
			"end_time":     end,
			"winner_prize": winnerPrize,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("activate challenge: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrChallengeNotPending
	}
	return nil
}

// ListByStatus 按状态列出
func (r *MySQLContestRepository) ListByStatus(ctx context.Context, status ContestStatus, limit int) ([]*Contest, error) {
	var contests []*Contest
	query := r.db.WithContext(ctx).Where("status = ?", status).Order("start_time ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&contests).Error; err != nil {
		return nil, fmt.Errorf("list contests by status: %w", err)
	}
	return contests, nil
}

// ListActivatable 到达开赛时间的报名中竞赛
func (r *MySQLContestRepository) ListActivatable(ctx context.Context, now time.Time) ([]*Contest, error) {
	var contests []*Contest
	err := r.db.WithContext(ctx).
		Where("status = ? AND start_time <= ?", StatusUpcoming, now).
		Order("start_time ASC").
		Find(&contests).Error
	if err != nil {
		return nil, fmt.Errorf("list activatable contests: %w", err)
	}
	return contests, nil
}

// ListFinalizable 到达结束时间的进行中竞赛
func (r *MySQLContestRepository) ListFinalizable(ctx context.Context, now time.Time) ([]*Contest, error) {
	var contests []*Contest
	err := r.db.WithContext(ctx).
		Where("status = ? AND end_time <= ?", StatusActive, now).
		Order("end_time ASC").
		Find(&contests).Error
	if err != nil {
		return nil, fmt.Errorf("list finalizable contests: %w", err)
	}
	return contests, nil
}

// ListExpiredPending 超过接受期限的待接受挑战
func (r *MySQLContestRepository) ListExpiredPending(ctx context.Context, now time.Time) ([]*Contest, error) {
	var contests []*Contest
	err := r.db.WithContext(ctx).
		Where("status = ? AND accept_deadline IS NOT NULL AND accept_deadline < ?", StatusPending, now).
		Order("accept_deadline ASC").
		Find(&contests).Error
	if err != nil {
		return nil, fmt.Errorf("list expired pending challenges: %w", err)
	}
	return contests, nil
}

// RegisterJoin 入场预占
// 人数上限与状态校验内联在 UPDATE 条件里，并发报名时数据库自行串行化
func (r *MySQLContestRepository) RegisterJoin(ctx context.Context, id int64, entryFee int64, allowed ...ContestStatus) error {
	result := r.db.WithContext(ctx).Model(&Contest{}).
		Where("id = ? AND status IN ? AND (max_participants = 0 OR current_participants < max_participants)", id, allowed).
		Updates(map[string]any{
			"current_participants": gorm.Expr("current_participants + 1"),
			"prize_pool":           gorm.Expr("prize_pool + ?", entryFee),
			"updated_at":           time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("register join: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// 区分满员与状态不符
		c, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrContestNotFound
		}
		if c.Full() {
			return ErrContestFull
		}
		return ErrContestNotJoinable
	}
	return nil
}

// CountByChallenger 用户作为挑战方处于指定状态的挑战数量
func (r *MySQLContestRepository) CountByChallenger(ctx context.Context, userID int64, status ContestStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Contest{}).
		Where("kind = ? AND challenger_id = ? AND status = ?", KindChallenge, userID, status).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count challenges by challenger: %w", err)
	}
	return count, nil
}

// LastChallengeCreatedAt 用户最近一次创建挑战的时间
func (r *MySQLContestRepository) LastChallengeCreatedAt(ctx context.Context, userID int64) (time.Time, error) {
	var c Contest
	err := r.db.WithContext(ctx).
		Where("kind = ? AND challenger_id = ?", KindChallenge, userID).
		Order("created_at DESC").
		First(&c).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last challenge created at: %w", err)
	}
	return c.CreatedAt, nil
}
