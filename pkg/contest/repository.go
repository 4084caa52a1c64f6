// 文件: pkg/contest/repository.go
// 竞赛仓储接口

package contest

import (
	"context"
	"time"
)

// ContestRepository 竞赛仓储
type ContestRepository interface {
	// Create 创建竞赛
	Create(ctx context.Context, c *Contest) error

	// GetByID 按 ID 查询，未找到返回 (nil, nil)
	GetByID(ctx context.Context, id int64) (*Contest, error)

	// GetBySlug 按 slug 查询，未找到返回 (nil, nil)
	GetBySlug(ctx context.Context, slug string) (*Contest, error)

	// UpdateStatus 状态 CAS 流转，当前状态不是 from 时返回 ErrInvalidTransition
	UpdateStatus(ctx context.Context, id int64, from, to ContestStatus) error

	// SetCancelled 取消竞赛并记录原因，当前状态不在 from 集合内时返回 ErrInvalidTransition
	SetCancelled(ctx context.Context, id int64, reason string, from ...ContestStatus) error

	// MarkCompleted 结算完成: active -> completed，并落定平台抽成
	MarkCompleted(ctx context.Context, id int64, platformFeeAmount int64) error

	// ActivateChallenge 挑战被接受: pending -> active，写入赛程与赛后全额奖金
	ActivateChallenge(ctx context.Context, id int64, start, end time.Time, winnerPrize int64) error

	// ListByStatus 按状态列出
	ListByStatus(ctx context.Context, status ContestStatus, limit int) ([]*Contest, error)

	// ListActivatable 到达开赛时间的报名中竞赛
	ListActivatable(ctx context.Context, now time.Time) ([]*Contest, error)

	// ListFinalizable 到达结束时间的进行中竞赛
	ListFinalizable(ctx context.Context, now time.Time) ([]*Contest, error)

	// ListExpiredPending 超过接受期限的待接受挑战
	ListExpiredPending(ctx context.Context, now time.Time) ([]*Contest, error)

	// RegisterJoin 入场预占: 校验状态与满员后原子递增人数并追加奖池
	// 满员返回 ErrContestFull，状态不符返回 ErrContestNotJoinable
	RegisterJoin(ctx context.Context, id int64, entryFee int64, allowed ...ContestStatus) error

	// CountByChallenger 用户作为挑战方处于指定状态的挑战数量
	CountByChallenger(ctx context.Context, userID int64, status ContestStatus) (int64, error)

	// LastChallengeCreatedAt 用户最近一次创建挑战的时间，无记录返回零值
	LastChallengeCreatedAt(ctx context.Context, userID int64) (time.Time, error)
}
