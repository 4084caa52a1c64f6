// 文件: pkg/position/margin_scanner.go
// 保证金巡检
//
// 按参赛者重算动态权益与保证金水平，用管理员阈值分级:
// safe / warning / margin_call / liquidation。
// warning 与 margin_call 只发通知意图 (带冷却)；
// liquidation 先过安全闸门，闸门全过才全仓强平。
//
// 【安全闸门】涉及品种中任何一个报价满足以下条件即拒绝强平:
// - 降级 (fallback) 或陈旧 (stale)
// - 距产生时间超过 60 秒
// - 中间价偏离该仓开仓价超过 10% (疑似坏数据)

package position

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"gorm.io/gorm"

	"fxarena.com/pkg/config"
	"fxarena.com/pkg/contest"
	"fxarena.com/pkg/events"
	"fxarena.com/pkg/oracle"
	"fxarena.com/pkg/risk/fx"
)

const (
	// marginQuoteMaxAge 强平可采信的报价最大年龄
	marginQuoteMaxAge = 60 * time.Second

	// marginDivergenceLimit 报价偏离开仓价的上限 (比例)
	marginDivergenceLimit = 0.10

	// marginNotifyCooldown 同一参赛者保证金预警的最小间隔
	marginNotifyCooldown = 5 * time.Minute

	// liquidationReasonMarginCall 参赛者爆仓原因
	liquidationReasonMarginCall = "Margin call"
)

// MarginScanner 保证金巡检器
type MarginScanner struct {
	positions    *Repo
	participants *contest.ParticipantRepo
	prices       *oracle.PriceService
	service      *Service
	sink         events.Sink
	thresholds   fx.MarginThresholds

	notifiedAt sync.Map // participantID -> time.Time 上次预警时间
}

// NewMarginScanner 创建保证金巡检器，sink 可为 nil
func NewMarginScanner(db *gorm.DB, prices *oracle.PriceService, service *Service, sink events.Sink, cfg config.MarginConfig) *MarginScanner {
	if sink == nil {
		sink = events.NopSink{}
	}
	thresholds := fx.MarginThresholds{
		Safe:        cfg.SafeThreshold,
		Warning:     cfg.WarningThreshold,
		MarginCall:  cfg.MarginCallThreshold,
		Liquidation: cfg.LiquidationThreshold,
	}
	if thresholds.Liquidation <= 0 {
		thresholds = fx.DefaultMarginThresholds
	}
	return &MarginScanner{
		positions:    NewRepo(db),
		participants: contest.NewParticipantRepo(db),
		prices:       prices,
		service:      service,
		sink:         sink,
		thresholds:   thresholds,
	}
}

// CheckMarginCalls 逐参赛者核对保证金水平，返回强平人数
func (m *MarginScanner) CheckMarginCalls(ctx context.Context, contestID int64) (int, error) {
	participants, err := m.participants.ListWithOpenPositions(ctx, contestID)
	if err != nil {
		return 0, err
	}

	liquidated := 0
	for _, part := range participants {
		positions, err := m.positions.ListOpenByParticipant(ctx, part.ID)
		if err != nil {
			log.Printf("[MarginScanner] list positions failed: participant=%d, err=%v", part.ID, err)
			continue
		}
		if len(positions) == 0 {
			continue
		}

		quotes := m.prices.QuoteBatch(distinctSymbols(positions))
		level := m.marginLevel(part, positions, quotes)
		status := fx.ClassifyMarginLevel(level, m.thresholds)

		switch status {
		case fx.MarginLiquidation:
			if reason := gateRefusal(positions, quotes); reason != "" {
				log.Printf("[MarginScanner] safety gate refused liquidation: participant=%d, level=%.1f%%, reason=%s",
					part.ID, level, reason)
				continue
			}
			if err := m.liquidate(ctx, part, positions, quotes, level); err != nil {
				log.Printf("[MarginScanner] liquidation failed: participant=%d, err=%v", part.ID, err)
				continue
			}
			liquidated++
		case fx.MarginCall, fx.MarginWarning:
			m.notify(part, status, level)
		}
	}

	return liquidated, nil
}

// marginLevel 按最新报价重算保证金水平
// 缺报价的仓位沿用上次标记的未实现盈亏
func (m *MarginScanner) marginLevel(part *contest.Participant, positions []*Position, quotes map[string]oracle.Quote) float64 {
	var unrealized float64
	for _, p := range positions {
		q, ok := quotes[p.Symbol]
		if !ok {
			unrealized += p.UnrealizedPnl
			continue
		}
		mark := fx.ExitPrice(p.Long(), q.Bid, q.Ask)
		unrealized += fx.UnrealizedPnL(p.Long(), p.EntryPrice, mark, p.Quantity, p.Symbol)
	}
	equity := fx.Equity(part.CurrentCapital, unrealized)
	return fx.MarginLevel(equity, part.UsedMargin)
}

// gateRefusal 强平安全闸门，返回空串表示放行
func gateRefusal(positions []*Position, quotes map[string]oracle.Quote) string {
	for _, p := range positions {
		q, ok := quotes[p.Symbol]
		if !ok {
			return fmt.Sprintf("no quote for %s", p.Symbol)
		}
		if q.IsFallback {
			return fmt.Sprintf("fallback quote for %s", p.Symbol)
		}
		if q.IsStale || !q.Fresh(marginQuoteMaxAge) {
			return fmt.Sprintf("stale quote for %s", p.Symbol)
		}
		if p.EntryPrice > 0 && math.Abs(q.Mid-p.EntryPrice)/p.EntryPrice > marginDivergenceLimit {
			return fmt.Sprintf("quote for %s diverges %.1f%% from entry", p.Symbol,
				100*math.Abs(q.Mid-p.EntryPrice)/p.EntryPrice)
		}
	}
	return ""
}

// liquidate 全仓强平
//
// 逐仓走共享平仓事务 (reason=margin_call)；全部平完后若资金已打穿，
// 参赛者标记 liquidated，出局与否交给竞赛的清算取消资格规则。
func (m *MarginScanner) liquidate(ctx context.Context, part *contest.Participant, positions []*Position, quotes map[string]oracle.Quote, level float64) error {
	log.Printf("[MarginScanner] liquidating participant: id=%d, contest=%d, level=%.1f%%, positions=%d",
		part.ID, part.ContestID, level, len(positions))

	var firstErr error
	for _, p := range positions {
		q := quotes[p.Symbol] // 闸门已保证存在
		exitPrice := fx.ExitPrice(p.Long(), q.Bid, q.Ask)
		if _, err := m.service.CloseAutomatic(ctx, p.ID, exitPrice, CloseMarginCall); err != nil {
			if errors.Is(err, ErrPositionNotOpen) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}

	// 平仓结转后重读资金，打穿即爆仓出局
	fresh, err := m.participants.GetByID(ctx, part.ID)
	if err != nil {
		return err
	}
	if fresh != nil && fresh.CurrentCapital <= 0 {
		if err := m.participants.MarkLiquidated(ctx, part.ID, liquidationReasonMarginCall); err != nil {
			return err
		}
		log.Printf("[MarginScanner] participant liquidated: id=%d, capital=%.2f", part.ID, fresh.CurrentCapital)
	}

	m.sink.EmitIntent(&events.NotificationIntent{
		UserID: part.UserID,
		Kind:   events.KindLiquidation,
		Title:  "Positions liquidated",
		Body: fmt.Sprintf("Margin level fell to %.1f%%, all %d open positions were closed at market",
			level, len(positions)),
	})
	return nil
}

// notify 保证金预警 (同一参赛者 5 分钟内只发一次)
func (m *MarginScanner) notify(part *contest.Participant, status fx.MarginStatus, level float64) {
	if last, ok := m.notifiedAt.Load(part.ID); ok {
		if time.Since(last.(time.Time)) < marginNotifyCooldown {
			return
		}
	}
	m.notifiedAt.Store(part.ID, time.Now())

	kind := events.KindMarginWarning
	title := "Margin level warning"
	if status == fx.MarginCall {
		kind = events.KindMarginCall
		title = "Margin call"
	}
	m.sink.EmitIntent(&events.NotificationIntent{
		UserID: part.UserID,
		Kind:   kind,
		Title:  title,
		Body:   fmt.Sprintf("Margin level is %.1f%%, consider reducing exposure", level),
	})
}
