// 文件: pkg/scheduler/tasks.go
// 标准任务表 - 把各领域组件装配成调度任务
//
// 【扇出模型】
// 逐赛事任务 (重估/止损止盈/保证金/限价单) 每个 tick 先列出进行中的竞赛，
// 再经信号量并发扫描; 不同竞赛并行，同一竞赛的扫描经 guard 串行，
// 避免两个扫描同时对一场竞赛触发重复自动平仓。
// guard 占用中的竞赛本轮直接跳过，下个周期再扫。

package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"fxarena.com/pkg/config"
	"fxarena.com/pkg/contest"
	"fxarena.com/pkg/order"
	"fxarena.com/pkg/position"
)

const (
	// scanWorkers 逐赛事扇出的并发上限
	scanWorkers = 8

	// listLimit 单个 tick 最多处理的竞赛数
	listLimit = 256
)

// Deps 任务表依赖的领域组件
type Deps struct {
	Contests  contest.ContestRepository
	Manager   *contest.Manager
	Finalizer *contest.Finalizer

	Revaluer *position.Revaluer
	StopTake *position.SLTPScanner
	Margin   *position.MarginScanner
	Limits   *order.LimitScanner
}

// BuildTasks 按扫描配置构造标准任务表
// 为 nil 的组件不生成对应任务 (部分装配的测试/模拟场景)
func BuildTasks(cfg config.ScanConfig, d Deps) []Task {
	g := &contestGuard{}
	var tasks []Task

	if d.Revaluer != nil {
		tasks = append(tasks, g.perContest("revaluation", seconds(cfg.RevaluationSeconds),
			d.Contests, d.Revaluer.UpdateAllPositionsPnL))
	}
	if d.StopTake != nil {
		tasks = append(tasks, g.perContest("stop_take_scan", seconds(cfg.StopTakeSeconds),
			d.Contests, d.StopTake.CheckStopLossTakeProfit))
	}
	if d.Margin != nil {
		tasks = append(tasks, g.perContest("margin_scan", seconds(cfg.MarginSeconds),
			d.Contests, d.Margin.CheckMarginCalls))
	}
	if d.Limits != nil {
		tasks = append(tasks, g.perContest("limit_order_scan", seconds(cfg.LimitOrderSeconds),
			d.Contests, d.Limits.CheckLimitOrders))
	}

	if d.Manager != nil {
		tasks = append(tasks,
			Task{
				Name:     "contest_activation",
				Interval: seconds(cfg.ActivationSeconds),
				Run: func(ctx context.Context) error {
					d.Manager.ActivateDueContests(ctx)
					return ctx.Err()
				},
			},
			Task{
				Name:     "challenge_expiry",
				Interval: seconds(cfg.ChallengeExpirySeconds),
				Run: func(ctx context.Context) error {
					d.Manager.ExpirePendingChallenges(ctx)
					return ctx.Err()
				},
			},
		)
	}

	if d.Finalizer != nil {
		tasks = append(tasks, Task{
			Name:     "finalization",
			Interval: seconds(cfg.FinalizationSeconds),
			// 结算含全量清仓，给足额度
			Timeout: 30 * time.Second,
			Run: func(ctx context.Context) error {
				d.Finalizer.FinalizeDueContests(ctx)
				return ctx.Err()
			},
		})
	}

	return tasks
}

func seconds(n int) time.Duration {
	if n <= 0 {
		n = 5
	}
	return time.Duration(n) * time.Second
}

// =============================================================================
// 逐赛事扇出
// =============================================================================

// contestScan 逐赛事扫描函数，返回本场触发/更新的条目数
type contestScan func(ctx context.Context, contestID int64) (int, error)

// contestGuard 同一竞赛的扫描串行化
// 各逐赛事任务共享一个 guard: LoadOrStore 占位，占用中的竞赛直接跳过
type contestGuard struct {
	inflight sync.Map // contestID -> struct{}
}

// tryLock 尝试占用竞赛，占用成功返回 true
func (g *contestGuard) tryLock(contestID int64) bool {
	_, loaded := g.inflight.LoadOrStore(contestID, struct{}{})
	return !loaded
}

func (g *contestGuard) unlock(contestID int64) {
	g.inflight.Delete(contestID)
}

// perContest 把逐赛事扫描包装成任务: 列出进行中竞赛 -> 信号量并发 -> 逐场扫描
func (g *contestGuard) perContest(name string, interval time.Duration, contests contest.ContestRepository, scan contestScan) Task {
	return Task{
		Name:     name,
		Interval: interval,
		Run: func(ctx context.Context) error {
			list, err := contests.ListByStatus(ctx, contest.StatusActive, listLimit)
			if err != nil {
				return fmt.Errorf("list active contests: %w", err)
			}
			if len(list) == 0 {
				return nil
			}

			sem := make(chan struct{}, scanWorkers)
			var wg sync.WaitGroup

			for _, c := range list {
				if !g.tryLock(c.ID) {
					// 同一竞赛另一扫描在途，本轮跳过
					continue
				}

				wg.Add(1)
				sem <- struct{}{}
				go func(id int64) {
					defer wg.Done()
					defer func() { <-sem }()
					defer g.unlock(id)

					n, err := scan(ctx, id)
					if err != nil {
						// 单场失败不中断其它竞赛，下个周期重试
						log.Printf("[Scheduler] %s failed: contest=%d, err=%v", name, id, err)
						return
					}
					if n > 0 {
						log.Printf("[Scheduler] %s: contest=%d, processed=%d", name, id, n)
					}
				}(c.ID)
			}

			wg.Wait()
			return ctx.Err()
		},
	}
}
