// 文件: pkg/order/limit_scanner.go
// 限价单巡检
//
// 按赛事扫描挂单中的限价单，价格触及即转成交:
// 买单看卖价回落到挂单价，卖单看买价上穿挂单价。
// 列表按下单时间升序，同一撮 (参赛者, 品种) 的挂单天然按先后成交。

package order

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"fxarena.com/pkg/oracle"
)

// limitQuoteMaxAge 触发判定可接受的报价最大年龄，与保护单巡检同一口径
const limitQuoteMaxAge = 60 * time.Second

// LimitScanner 限价单巡检器
type LimitScanner struct {
	orders  *Repo
	prices  *oracle.PriceService
	service *Service
}

// NewLimitScanner 创建巡检器
func NewLimitScanner(db *gorm.DB, prices *oracle.PriceService, service *Service) *LimitScanner {
	return &LimitScanner{
		orders:  NewRepo(db),
		prices:  prices,
		service: service,
	}
}

// CheckLimitOrders 扫描一个赛事的挂单并触发成交，返回成交笔数
// 降级或过期报价不触发，挂单留给下一轮
func (s *LimitScanner) CheckLimitOrders(ctx context.Context, contestID int64) (int, error) {
	pending, err := s.orders.ListPendingLimitByContest(ctx, contestID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	quotes := s.prices.QuoteBatch(distinctSymbols(pending))

	filled := 0
	for _, o := range pending {
		q, ok := quotes[o.Symbol]
		if !ok || !q.Fresh(limitQuoteMaxAge) {
			continue
		}
		if !limitTriggered(o, q) {
			continue
		}

		if _, err := s.service.ExecuteLimitOrder(ctx, o.OrderID, q); err != nil {
			// 并发巡检输家静默跳过，其余记日志留给下一轮或已按原因撤销
			if errors.Is(err, ErrOrderNotPending) {
				continue
			}
			log.Printf("[LimitScanner] execute failed: order=%d, err=%v", o.OrderID, err)
			continue
		}
		filled++
	}
	return filled, nil
}

// limitTriggered 触发判定: 买单看 Ask，卖单看 Bid
func limitTriggered(o *Order, q oracle.Quote) bool {
	if o.Side == SideBuy {
		return q.Ask <= o.RequestedPrice
	}
	return q.Bid >= o.RequestedPrice
}

// distinctSymbols 挂单品种去重
func distinctSymbols(orders []*Order) []string {
	seen := make(map[string]bool, len(orders))
	symbols := make([]string, 0, len(orders))
	for _, o := range orders {
		if !seen[o.Symbol] {
			seen[o.Symbol] = true
			symbols = append(symbols, o.Symbol)
		}
	}
	return symbols
}
