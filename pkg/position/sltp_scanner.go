// 文件: pkg/position/sltp_scanner.go
// 保护单巡检 (止损/止盈)
//
// 触发索引的数据库兜底: 索引丢成员、Redis 降级时，
// 巡检按周期逐仓核对，最多慢一个周期补触发。
//
// 【行情安全】降级 (fallback)、陈旧 (stale)、超过 60 秒的报价
// 一律不触发自动平仓，宁可慢也不能按坏价平仓。

package position

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"fxarena.com/pkg/oracle"
	"fxarena.com/pkg/risk/fx"
)

// protectionQuoteMaxAge 自动平仓可采信的报价最大年龄
const protectionQuoteMaxAge = 60 * time.Second

// SLTPScanner 保护单巡检器
type SLTPScanner struct {
	positions *Repo
	prices    *oracle.PriceService
	service   *Service
}

// NewSLTPScanner 创建保护单巡检器
func NewSLTPScanner(db *gorm.DB, prices *oracle.PriceService, service *Service) *SLTPScanner {
	return &SLTPScanner{
		positions: NewRepo(db),
		prices:    prices,
		service:   service,
	}
}

// CheckStopLossTakeProfit 逐仓核对止损止盈，返回触发平仓笔数
func (sc *SLTPScanner) CheckStopLossTakeProfit(ctx context.Context, contestID int64) (int, error) {
	positions, err := sc.positions.ListOpenWithProtection(ctx, contestID)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, p := range positions {
		q, ok := sc.prices.Quote(p.Symbol)
		if !ok {
			continue
		}
		if q.IsFallback || q.IsStale || !q.Fresh(protectionQuoteMaxAge) {
			continue
		}

		mark := fx.ExitPrice(p.Long(), q.Bid, q.Ask)
		reason := protectionHit(p, mark)
		if reason == CloseNone {
			continue
		}

		if _, err := sc.service.CloseAutomatic(ctx, p.ID, mark, reason); err != nil {
			if errors.Is(err, ErrPositionNotOpen) {
				continue // 触发索引或并发请求抢先平掉了
			}
			log.Printf("[SLTPScanner] close failed: position=%d, reason=%s, err=%v", p.ID, reason, err)
			continue
		}
		closed++
	}

	return closed, nil
}

// protectionHit 判定保护单命中
// 多头按 Bid: SL 当 mark <= 止损价，TP 当 mark >= 止盈价；空头按 Ask 镜像
func protectionHit(p *Position, mark float64) CloseReason {
	if p.Long() {
		if p.StopLoss > 0 && mark <= p.StopLoss {
			return CloseStopLoss
		}
		if p.TakeProfit > 0 && mark >= p.TakeProfit {
			return CloseTakeProfit
		}
		return CloseNone
	}
	if p.StopLoss > 0 && mark >= p.StopLoss {
		return CloseStopLoss
	}
	if p.TakeProfit > 0 && mark <= p.TakeProfit {
		return CloseTakeProfit
	}
	return CloseNone
}
