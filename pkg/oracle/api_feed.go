// 文件: pkg/oracle/api_feed.go
// REST 行情源 - 限速轮询上游报价接口

package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	apiRequestTimeout = 3 * time.Second
)

// APIFeed REST 轮询行情源
//
// 【轮询策略】
// 1. 固定周期批量拉取全部品种 (一次请求)
// 2. rate.Limiter 限制对上游的请求速率，轮询间隔调小也不会打爆配额
// 3. 每次请求带 3 秒硬超时，超时只记数、下一轮重试
//
// both 模式下作为 WS 主源的备援运行，推送的报价带 IsFallback 标记
type APIFeed struct {
	service *PriceService

	baseURL  string
	symbols  []string
	interval time.Duration
	limiter  *rate.Limiter
	client   *http.Client

	// 备援模式: 推送的报价都打降级标记
	markFallback bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	fetchCount int64
	errorCount int64
}

// apiQuoteResponse 上游批量报价接口的响应体
type apiQuoteResponse struct {
	Quotes []struct {
		Symbol    string  `json:"symbol"`
		Bid       float64 `json:"bid"`
		Ask       float64 `json:"ask"`
		Timestamp int64   `json:"ts"` // Unix 毫秒
	} `json:"quotes"`
}

// NewAPIFeed 创建 REST 行情源
// rps 为上游允许的每秒请求数上限
func NewAPIFeed(service *PriceService, baseURL string, symbols []string, interval time.Duration, rps float64) *APIFeed {
	if interval <= 0 {
		interval = time.Second
	}
	if rps <= 0 {
		rps = 2
	}
	return &APIFeed{
		service:  service,
		baseURL:  strings.TrimRight(baseURL, "/"),
		symbols:  symbols,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		client:   &http.Client{Timeout: apiRequestTimeout},
		stopCh:   make(chan struct{}),
	}
}

// MarkFallback 标记为备援源 (both 模式)
func (f *APIFeed) MarkFallback(on bool) {
	f.markFallback = on
}

// Start 启动轮询
func (f *APIFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.pollLoop()

	log.Printf("[Oracle] api feed started: url=%s symbols=%d interval=%v fallback=%v",
		f.baseURL, len(f.symbols), f.interval, f.markFallback)
}

// Stop 停止轮询
func (f *APIFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopCh)
	f.wg.Wait()
	log.Printf("[Oracle] api feed stopped: fetches=%d errors=%d",
		atomic.LoadInt64(&f.fetchCount), atomic.LoadInt64(&f.errorCount))
}

// Stats 运行统计快照
func (f *APIFeed) Stats() map[string]int64 {
	return map[string]int64{
		"fetch_count": atomic.LoadInt64(&f.fetchCount),
		"error_count": atomic.LoadInt64(&f.errorCount),
	}
}

func (f *APIFeed) pollLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	// 启动先拉一轮
	f.fetchOnce()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.fetchOnce()
		}
	}
}

// fetchOnce 限速 + 超时控制下的一次批量拉取
func (f *APIFeed) fetchOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), apiRequestTimeout)
	defer cancel()

	if err := f.limiter.Wait(ctx); err != nil {
		return // 限速等待被超时打断，下一轮再试
	}

	resp, err := f.fetch(ctx)
	if err != nil {
		atomic.AddInt64(&f.errorCount, 1)
		log.Printf("[Oracle] api fetch failed: %v", err)
		return
	}
	atomic.AddInt64(&f.fetchCount, 1)

	now := time.Now()
	for _, raw := range resp.Quotes {
		if raw.Bid <= 0 || raw.Ask <= 0 || raw.Ask < raw.Bid {
			continue // 上游脏数据，跳过
		}

		q := NewQuote(raw.Symbol, raw.Bid, raw.Ask, SourceREST)
		if raw.Timestamp > 0 {
			q.Timestamp = time.UnixMilli(raw.Timestamp)
		} else {
			q.Timestamp = now
		}
		q.IsFallback = f.markFallback
		f.service.Update(q)
	}
}

func (f *APIFeed) fetch(ctx context.Context) (*apiQuoteResponse, error) {
	url := fmt.Sprintf("%s/quotes?symbols=%s", f.baseURL, strings.Join(f.symbols, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	var parsed apiQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}
