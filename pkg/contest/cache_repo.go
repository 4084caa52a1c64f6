// 文件: pkg/contest/cache_repo.go
// 竞赛 Redis 缓存层
//
// 【缓存策略】
// - 读: 先查 Redis，miss 则查 DB 并异步回填
// - 写: 先写 DB，成功后删除缓存 (Cache Aside)
// - slug 只缓存 slug -> id 映射: 绑定关系不可变，永不失效
//
// 下单校验高频读竞赛配置，走这层可以把热门竞赛的读压力挡在 DB 外。

package contest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 确保实现了接口
var _ ContestRepository = (*CachedContestRepository)(nil)

// =============================================================================
// 缓存配置
// =============================================================================

const (
	// 缓存 Key 前缀
	contestCachePrefix = "contest:cache:"

	// 单场竞赛: contest:cache:id:{id}
	contestCacheKeyID = contestCachePrefix + "id:%d"

	// slug 映射: contest:cache:slug:{slug} -> id
	contestCacheKeySlug = contestCachePrefix + "slug:%s"

	// 进行中列表: contest:cache:active
	contestCacheKeyActive = contestCachePrefix + "active"

	// 单场缓存过期时间
	contestCacheTTL = 5 * time.Minute

	// slug 映射不可变，可以放很久
	slugCacheTTL = 24 * time.Hour

	// 进行中列表变化频繁，只做短暂挡板
	activeListTTL = 15 * time.Second
)

// =============================================================================
// CachedContestRepository - 带缓存的仓储
// =============================================================================

// CachedContestRepository Redis 缓存装饰器
type CachedContestRepository struct {
	repo  ContestRepository // 被装饰的底层仓储
	redis *redis.Client
}

// NewCachedContestRepository 创建带缓存的仓储
//
// 用法:
//
//	mysqlRepo := NewMySQLContestRepository(db)
//	cachedRepo := NewCachedContestRepository(mysqlRepo, redisClient)
func NewCachedContestRepository(repo ContestRepository, rds *redis.Client) *CachedContestRepository {
	return &CachedContestRepository{
		repo:  repo,
		redis: rds,
	}
}

// =============================================================================
// 读操作 (带缓存)
// =============================================================================

// GetByID 按 ID 查询 (带缓存)
func (r *CachedContestRepository) GetByID(ctx context.Context, id int64) (*Contest, error) {
	cacheKey := fmt.Sprintf(contestCacheKeyID, id)

	// 1. 查缓存
	data, err := r.redis.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var c Contest
		if json.Unmarshal(data, &c) == nil {
			return &c, nil // Cache hit
		}
	}

	// 2. Cache miss, 查底层
	c, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil // 不缓存未命中
	}

	// 3. 回填缓存 (异步，不阻塞主流程)
	go r.setCache(context.Background(), cacheKey, c, contestCacheTTL)

	return c, nil
}

// GetBySlug 按 slug 查询 (缓存 slug -> id 映射后走 GetByID)
func (r *CachedContestRepository) GetBySlug(ctx context.Context, slug string) (*Contest, error) {
	slugKey := fmt.Sprintf(contestCacheKeySlug, slug)

	// 1. 查映射
	if idStr, err := r.redis.Get(ctx, slugKey).Result(); err == nil {
		if id, perr := strconv.ParseInt(idStr, 10, 64); perr == nil {
			return r.GetByID(ctx, id)
		}
	}

	// 2. 查底层
	c, err := r.repo.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}

	// 3. 回填映射与实体
	go func() {
		bg := context.Background()
		r.redis.Set(bg, slugKey, strconv.FormatInt(c.ID, 10), slugCacheTTL)
		r.setCache(bg, fmt.Sprintf(contestCacheKeyID, c.ID), c, contestCacheTTL)
	}()

	return c, nil
}

// ListByStatus 按状态查询，只缓存进行中列表
func (r *CachedContestRepository) ListByStatus(ctx context.Context, status ContestStatus, limit int) ([]*Contest, error) {
	if status == StatusActive && limit <= 0 {
		return r.getActiveListCached(ctx)
	}
	return r.repo.ListByStatus(ctx, status, limit)
}

// getActiveListCached 获取进行中列表 (带缓存)
func (r *CachedContestRepository) getActiveListCached(ctx context.Context) ([]*Contest, error) {
	data, err := r.redis.Get(ctx, contestCacheKeyActive).Bytes()
	if err == nil {
		var contests []*Contest
		if json.Unmarshal(data, &contests) == nil {
			return contests, nil
		}
	}

	contests, err := r.repo.ListByStatus(ctx, StatusActive, 0)
	if err != nil {
		return nil, err
	}

	go r.setCacheList(context.Background(), contestCacheKeyActive, contests, activeListTTL)

	return contests, nil
}

// ListActivatable 调度扫描，不走缓存
func (r *CachedContestRepository) ListActivatable(ctx context.Context, now time.Time) ([]*Contest, error) {
	return r.repo.ListActivatable(ctx, now)
}

// ListFinalizable 调度扫描，不走缓存
func (r *CachedContestRepository) ListFinalizable(ctx context.Context, now time.Time) ([]*Contest, error) {
	return r.repo.ListFinalizable(ctx, now)
}

// ListExpiredPending 调度扫描，不走缓存
func (r *CachedContestRepository) ListExpiredPending(ctx context.Context, now time.Time) ([]*Contest, error) {
	return r.repo.ListExpiredPending(ctx, now)
}

// CountByChallenger 计数查询，不走缓存
func (r *CachedContestRepository) CountByChallenger(ctx context.Context, userID int64, status ContestStatus) (int64, error) {
	return r.repo.CountByChallenger(ctx, userID, status)
}

// LastChallengeCreatedAt 冷却判定，不走缓存
func (r *CachedContestRepository) LastChallengeCreatedAt(ctx context.Context, userID int64) (time.Time, error) {
	return r.repo.LastChallengeCreatedAt(ctx, userID)
}

// =============================================================================
// 写操作 (写穿 + 删缓存)
// =============================================================================

// Create 创建竞赛
func (r *CachedContestRepository) Create(ctx context.Context, c *Contest) error {
	if err := r.repo.Create(ctx, c); err != nil {
		return err
	}
	r.invalidateListCache(ctx)
	return nil
}

// UpdateStatus 状态 CAS 流转
func (r *CachedContestRepository) UpdateStatus(ctx context.Context, id int64, from, to ContestStatus) error {
	if err := r.repo.UpdateStatus(ctx, id, from, to); err != nil {
		return err
	}
	r.invalidateCache(ctx, id)
	return nil
}

// SetCancelled 取消竞赛
func (r *CachedContestRepository) SetCancelled(ctx context.Context, id int64, reason string, from ...ContestStatus) error {
	if err := r.repo.SetCancelled(ctx, id, reason, from...); err != nil {
		return err
	}
	r.invalidateCache(ctx, id)
	return nil
}

// MarkCompleted 结算完成
func (r *CachedContestRepository) MarkCompleted(ctx context.Context, id int64, platformFeeAmount int64) error {
	if err := r.repo.MarkCompleted(ctx, id, platformFeeAmount); err != nil {
		return err
	}
	r.invalidateCache(ctx, id)
	return nil
}

// ActivateChallenge 挑战被接受
func (r *CachedContestRepository) ActivateChallenge(ctx context.Context, id int64, start, end time.Time, winnerPrize int64) error {
	if err := r.repo.ActivateChallenge(ctx, id, start, end, winnerPrize); err != nil {
		return err
	}
	r.invalidateCache(ctx, id)
	return nil
}

// RegisterJoin 入场预占
func (r *CachedContestRepository) RegisterJoin(ctx context.Context, id int64, entryFee int64, allowed ...ContestStatus) error {
	if err := r.repo.RegisterJoin(ctx, id, entryFee, allowed...); err != nil {
		return err
	}
	r.invalidateCache(ctx, id)
	return nil
}

// InvalidateContest 主动失效 (事务内绕过装饰器写库后由调用方补偿)
func (r *CachedContestRepository) InvalidateContest(ctx context.Context, id int64) {
	r.invalidateCache(ctx, id)
}

// =============================================================================
// 缓存操作
// =============================================================================

// setCache 设置单场缓存
func (r *CachedContestRepository) setCache(ctx context.Context, key string, c *Contest, ttl time.Duration) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	r.redis.Set(ctx, key, data, ttl)
}

// setCacheList 设置列表缓存
func (r *CachedContestRepository) setCacheList(ctx context.Context, key string, contests []*Contest, ttl time.Duration) {
	data, err := json.Marshal(contests)
	if err != nil {
		return
	}
	r.redis.Set(ctx, key, data, ttl)
}

// invalidateCache 删除指定竞赛的缓存 (slug 映射不动)
func (r *CachedContestRepository) invalidateCache(ctx context.Context, id int64) {
	r.redis.Del(ctx, fmt.Sprintf(contestCacheKeyID, id))
	r.invalidateListCache(ctx)
}

// invalidateListCache 删除列表缓存
func (r *CachedContestRepository) invalidateListCache(ctx context.Context) {
	r.redis.Del(ctx, contestCacheKeyActive)
}
