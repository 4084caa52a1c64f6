// 文件: pkg/oracle/sim_feed.go
// 模拟行情源 - 几何布朗运动 (GBM) 生成逼真外汇报价

package oracle

import (
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"fxarena.com/pkg/risk/fx"
)

// SimSymbol 模拟品种配置
type SimSymbol struct {
	Symbol     string
	StartPrice float64
	Volatility float64 // 年化波动率，外汇典型值 0.08~0.12
	SpreadPips float64 // 固定点差 (点)，主流货币对 1~2 点
}

// SimFeed 模拟行情源
//
// 【用途】
// 1. 测试与端到端模拟不依赖真实行情供应商
// 2. 可通过 SetPrice 强制推送特定价格，构造 SL/强平场景
//
// 【GBM 价格生成】
// S_new = S * exp((μ - 0.5*σ²)*dt + σ*sqrt(dt)*Z), Z ~ N(0,1)
// 乘法演化保证价格恒正，且符合对数正态分布；dt 按年化折算
type SimFeed struct {
	service *PriceService

	interval time.Duration
	drift    float64 // μ，默认 0 (无漂移)

	mu          sync.Mutex
	symbols     []SimSymbol
	prices      map[string]float64
	lastUpdated time.Time

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSimFeed 创建模拟行情源
func NewSimFeed(service *PriceService, symbols []SimSymbol, interval time.Duration) *SimFeed {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	prices := make(map[string]float64, len(symbols))
	for i := range symbols {
		if symbols[i].Volatility <= 0 {
			symbols[i].Volatility = 0.10
		}
		if symbols[i].SpreadPips <= 0 {
			symbols[i].SpreadPips = 1.5
		}
		prices[symbols[i].Symbol] = symbols[i].StartPrice
	}

	return &SimFeed{
		service:     service,
		interval:    interval,
		symbols:     symbols,
		prices:      prices,
		lastUpdated: time.Now(),
		stopChan:    make(chan struct{}),
	}
}

// Start 启动模拟行情推送
func (f *SimFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	// 启动即推一轮初始报价，消费方无需等首个 tick
	f.pushAll(time.Now())

	f.wg.Add(1)
	go f.loop()

	log.Printf("[Oracle] sim feed started: symbols=%d interval=%v", len(f.symbols), f.interval)
}

// Stop 停止模拟行情推送
func (f *SimFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopChan)
	f.wg.Wait()
	log.Printf("[Oracle] sim feed stopped")
}

// SetPrice 强制设置某品种的中间价并立即推送
// 模拟器用它构造行情急跌 / SL 触发场景
func (f *SimFeed) SetPrice(symbol string, mid float64) {
	f.mu.Lock()
	f.prices[symbol] = mid
	var spreadPips float64
	for _, s := range f.symbols {
		if s.Symbol == symbol {
			spreadPips = s.SpreadPips
			break
		}
	}
	f.mu.Unlock()

	f.service.Update(f.makeQuote(symbol, mid, spreadPips, time.Now()))
}

// pushAll 按当前价推送全部品种一轮报价
func (f *SimFeed) pushAll(now time.Time) {
	f.mu.Lock()
	type update struct {
		symbol     string
		mid        float64
		spreadPips float64
	}
	updates := make([]update, 0, len(f.symbols))
	for _, s := range f.symbols {
		updates = append(updates, update{s.Symbol, f.prices[s.Symbol], s.SpreadPips})
	}
	f.mu.Unlock()

	for _, u := range updates {
		f.service.Update(f.makeQuote(u.symbol, u.mid, u.spreadPips, now))
	}
}

func (f *SimFeed) loop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopChan:
			return
		case now := <-ticker.C:
			f.tick(now)
		}
	}
}

// tick 一轮 GBM 演化 + 推送
func (f *SimFeed) tick(now time.Time) {
	f.mu.Lock()
	dt := now.Sub(f.lastUpdated).Hours() / 24 / 365
	if dt <= 0 {
		dt = 1e-9
	}
	f.lastUpdated = now

	type update struct {
		symbol     string
		mid        float64
		spreadPips float64
	}
	updates := make([]update, 0, len(f.symbols))

	for _, s := range f.symbols {
		sigma := s.Volatility
		z := rand.NormFloat64()
		change := math.Exp((f.drift-0.5*sigma*sigma)*dt + sigma*math.Sqrt(dt)*z)

		mid := f.prices[s.Symbol] * change
		f.prices[s.Symbol] = mid
		updates = append(updates, update{s.Symbol, mid, s.SpreadPips})
	}
	f.mu.Unlock()

	// 锁外推送，Update 内部有自己的锁
	for _, u := range updates {
		f.service.Update(f.makeQuote(u.symbol, u.mid, u.spreadPips, now))
	}
}

// makeQuote 中间价 ± 半点差 -> 双边报价
func (f *SimFeed) makeQuote(symbol string, mid, spreadPips float64, ts time.Time) Quote {
	half := spreadPips * fx.PipSize(symbol) / 2
	q := NewQuote(symbol, mid-half, mid+half, SourceSim)
	q.Timestamp = ts
	return q
}
