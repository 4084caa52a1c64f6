// 文件: pkg/scheduler/scheduler.go
// 周期任务调度器
//
// 【职责】
// 以固定周期驱动各扫描任务: 持仓重估、止损止盈、保证金、限价单、
// 开赛/结算巡检、挑战过期。每个任务独立 goroutine + ticker，
// 单次 tick 带超时上下文，超时或可重试错误只记日志，下个周期自然重试。
//
// 【约束】
// - 任务之间互不阻塞: 某任务的 tick 卡在慢查询上，不影响其它任务
// - 同一任务的 tick 串行: ticker 循环天然保证，不会自我重入

package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"fxarena.com/pkg/order"
)

// DefaultTickTimeout 单次 tick 的默认超时
const DefaultTickTimeout = 3 * time.Second

// Task 周期任务
type Task struct {
	// Name 任务名，用于日志
	Name string

	// Interval 执行周期
	Interval time.Duration

	// Timeout 单次 tick 超时，<= 0 时用 DefaultTickTimeout
	Timeout time.Duration

	// Run 任务体，ctx 带本次 tick 的截止时间
	Run func(ctx context.Context) error
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler 任务调度器
type Scheduler struct {
	mu      sync.Mutex
	running bool
	tasks   []Task

	stopCh chan struct{}
	wg     sync.WaitGroup

	ticks    atomic.Int64
	failures atomic.Int64
	timeouts atomic.Int64
}

// New 创建调度器
func New() *Scheduler {
	return &Scheduler{}
}

// Register 注册任务，只能在 Start 前调用
func (s *Scheduler) Register(tasks ...Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, tasks...)
}

// Start 启动全部任务循环
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(t Task) {
			defer s.wg.Done()
			s.runLoop(t)
		}(t)
		log.Printf("[Scheduler] task registered: name=%s, interval=%v", t.Name, t.Interval)
	}

	log.Printf("[Scheduler] started: tasks=%d", len(s.tasks))
}

// Stop 停止调度并等待在途 tick 结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	close(s.stopCh)
	s.wg.Wait()

	s.running = false
	log.Println("[Scheduler] stopped")
}

// =============================================================================
// 任务循环
// =============================================================================

func (s *Scheduler) runLoop(t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(t)
		}
	}
}

// tick 执行一次任务，超时/冲突类错误留给下个周期重试
func (s *Scheduler) tick(t Task) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTickTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.ticks.Add(1)

	err := t.Run(ctx)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.timeouts.Add(1)
		log.Printf("[Scheduler] tick timed out, skipping: task=%s, timeout=%v", t.Name, timeout)
	case errors.Is(err, order.ErrConflict):
		s.failures.Add(1)
		log.Printf("[Scheduler] tick conflicted, will retry next tick: task=%s, err=%v", t.Name, err)
	default:
		s.failures.Add(1)
		log.Printf("[Scheduler] tick failed: task=%s, err=%v", t.Name, err)
	}
}

// =============================================================================
// 监控接口
// =============================================================================

// Stats 调度统计快照
type Stats struct {
	Tasks    int
	Ticks    int64
	Failures int64
	Timeouts int64
}

// Stats 获取统计快照
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	tasks := len(s.tasks)
	s.mu.Unlock()

	return Stats{
		Tasks:    tasks,
		Ticks:    s.ticks.Load(),
		Failures: s.failures.Load(),
		Timeouts: s.timeouts.Load(),
	}
}
