// 文件: pkg/order/repo.go
// 订单存储层 (MySQL)
//
// 成交和撤单都是守卫更新: WHERE 带 status=pending 前置条件，
// RowsAffected=0 返回 ErrOrderNotPending，并发触发只有一个赢家。

package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Repo 订单存储层
type Repo struct {
	db *gorm.DB
}

// NewRepo 创建存储层，事务内用 NewRepo(tx) 复用全部方法
func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Create 插入订单
func (r *Repo) Create(ctx context.Context, o *Order) error {
	now := time.Now()
	if o.PlacedAt.IsZero() {
		o.PlacedAt = now
	}
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.Status == 0 {
		o.Status = StatusPending
	}
	if err := r.db.WithContext(ctx).Create(o).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetByOrderID 按雪花单号查询，不存在返回 (nil, nil)
func (r *Repo) GetByOrderID(ctx context.Context, orderID int64) (*Order, error) {
	var o Order
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// ListPendingLimitByContest 赛事全部挂单中的限价单，按下单先后排序
// 排序保证同一 (参赛者, 品种) 的多张可触发挂单按下单顺序成交
func (r *Repo) ListPendingLimitByContest(ctx context.Context, contestID int64) ([]*Order, error) {
	var orders []*Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND order_type = ? AND contest_id = ?", StatusPending, TypeLimit, contestID).
		Order("placed_at ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list pending limit orders: %w", err)
	}
	return orders, nil
}

// ListPendingByParticipant 参赛者的在途挂单
func (r *Repo) ListPendingByParticipant(ctx context.Context, participantID int64) ([]*Order, error) {
	var orders []*Order
	err := r.db.WithContext(ctx).
		Where("participant_id = ? AND status = ?", participantID, StatusPending).
		Order("placed_at ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	return orders, nil
}

// ListByUser 用户在赛事内的订单，按下单时间倒序
func (r *Repo) ListByUser(ctx context.Context, contestID, userID int64, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var orders []*Order
	err := r.db.WithContext(ctx).
		Where("contest_id = ? AND user_id = ?", contestID, userID).
		Order("placed_at DESC, id DESC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// CasFill 挂单成交定格 (成交事务内调用)
// 保证金按实际成交价重算后一并落定
func (r *Repo) CasFill(ctx context.Context, orderID int64, execPrice float64, positionID int64, margin float64) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&Order{}).
		Where("order_id = ? AND status = ?", orderID, StatusPending).
		Updates(map[string]any{
			"status":          StatusFilled,
			"executed_price":  execPrice,
			"position_id":     positionID,
			"margin_required": margin,
			"executed_at":     now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return fmt.Errorf("fill order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOrderNotPending
	}
	return nil
}

// CasCancel 挂单撤销定格，reason 记入订单行
func (r *Repo) CasCancel(ctx context.Context, orderID int64, reason string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&Order{}).
		Where("order_id = ? AND status = ?", orderID, StatusPending).
		Updates(map[string]any{
			"status":       StatusCancelled,
			"reason":       reason,
			"cancelled_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("cancel order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOrderNotPending
	}
	return nil
}
