// 文件: pkg/oracle/service.go
// 价格服务 - 管理各品种的最新报价缓存

package oracle

import (
	"sync"
	"time"
)

// =============================================================================
// PriceService - 报价缓存服务
// =============================================================================

// PriceService 报价缓存管理服务
//
// 【职责】
// 1. 存储各品种的最新双边报价
// 2. 提供单查 / 批查接口 (批查只加一次锁，扫描器优先走批查)
// 3. 读取时按 cacheTTL 盖 IsStale 标记
// 4. 发布报价更新事件 (用于 SL/TP 触发索引)
//
// 【报价来源】
// 上游由 SimFeed / APIFeed / WSFeed 推送；both 模式下 WS 为主源、REST 为备援，
// 备援源的报价带 IsFallback 标记。乱序推送 (时间戳早于缓存) 直接丢弃。
type PriceService struct {
	mu     sync.RWMutex
	quotes map[string]Quote

	cacheTTL time.Duration

	// 主源降级标记: 置位后所有读取结果都带 IsFallback
	degraded bool

	// 报价更新回调
	callbacks []func(Quote)
}

// NewPriceService 创建报价缓存服务
func NewPriceService(cacheTTL time.Duration) *PriceService {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &PriceService{
		quotes:   make(map[string]Quote),
		cacheTTL: cacheTTL,
	}
}

// Quote 获取单个品种的报价，不存在返回 (zero, false)
func (s *PriceService) Quote(symbol string) (Quote, bool) {
	s.mu.RLock()
	q, ok := s.quotes[symbol]
	degraded := s.degraded
	s.mu.RUnlock()

	if !ok {
		return Quote{}, false
	}
	return s.stamp(q, degraded), true
}

// QuoteBatch 批量获取报价，缺失的品种不出现在结果里
// 一次锁内完成全部读取，扫描器永远优先用它而不是 N 次单查
func (s *PriceService) QuoteBatch(symbols []string) map[string]Quote {
	s.mu.RLock()
	degraded := s.degraded
	result := make(map[string]Quote, len(symbols))
	for _, sym := range symbols {
		if q, ok := s.quotes[sym]; ok {
			result[sym] = s.stamp(q, degraded)
		}
	}
	s.mu.RUnlock()
	return result
}

// stamp 读取时刻的标记盖章: TTL 过期 -> IsStale, 服务降级 -> IsFallback
func (s *PriceService) stamp(q Quote, degraded bool) Quote {
	if time.Since(q.Timestamp) > s.cacheTTL {
		q.IsStale = true
	}
	if degraded {
		q.IsFallback = true
	}
	return q
}

// Update 推入一条新报价
// 时间戳早于缓存中现值的更新视为乱序，丢弃 (REST 备援与 WS 主源并行推送时会发生)
func (s *PriceService) Update(q Quote) {
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}
	if q.Mid == 0 && q.Bid > 0 && q.Ask > 0 {
		q.Mid = (q.Bid + q.Ask) / 2
		q.Spread = q.Ask - q.Bid
	}

	s.mu.Lock()
	if cur, ok := s.quotes[q.Symbol]; ok && q.Timestamp.Before(cur.Timestamp) {
		s.mu.Unlock()
		return
	}
	s.quotes[q.Symbol] = q
	cbs := s.callbacks
	s.mu.Unlock()

	// 锁外触发回调，回调方慢不拖累推送方
	for _, cb := range cbs {
		cb(q)
	}
}

// OnQuoteUpdate 注册报价更新回调
// 回调在推送 Goroutine 内同步执行，重活应自行转异步
func (s *PriceService) OnQuoteUpdate(cb func(Quote)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// SetFallback 标记/解除主源降级
// WS 主源断线时置位，重连成功后解除
func (s *PriceService) SetFallback(on bool) {
	s.mu.Lock()
	s.degraded = on
	s.mu.Unlock()
}

// Symbols 当前缓存里的所有品种
func (s *PriceService) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]string, 0, len(s.quotes))
	for sym := range s.quotes {
		result = append(result, sym)
	}
	return result
}
