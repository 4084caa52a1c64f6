// 文件: pkg/position/service.go
// 持仓平仓服务
//
// 手动/自动平仓共用一条事务路径:
// 守卫定格持仓 -> 平仓单 -> 成交快照 -> 参赛者结转 -> 执行价流水。
// 提交后才发事件和通知意图，发射失败只记日志，绝不反噬核心。

package position

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"fxarena.com/pkg/contest"
	"fxarena.com/pkg/events"
	"fxarena.com/pkg/oracle"
	"fxarena.com/pkg/risk/fx"
)

const (
	// lockedQuoteMaxAge 客户端锁定报价的采信窗口
	lockedQuoteMaxAge = 2 * time.Second

	// priceSourceLocked 采信锁定报价时的审计来源标记
	priceSourceLocked = "locked"
	// priceSourceMark 无行情时退回最后标记价的审计来源标记
	priceSourceMark = "mark"

	// defaultSweepWorkers 清仓并发度
	defaultSweepWorkers = 4

	// triggerOpTimeout 触发索引回调里单次平仓的超时
	triggerOpTimeout = 3 * time.Second
)

// =============================================================================
// 平仓单写入接口 (由订单引擎实现)
// =============================================================================

// CloseOrderSpec 平仓单要素
type CloseOrderSpec struct {
	ContestID     int64
	ParticipantID int64
	UserID        int64
	PositionID    int64
	Symbol        string
	Long          bool // 持仓方向，平仓单方向与其相反
	Quantity      float64
	Price         float64
	System        bool   // true = 自动平仓 (订单来源 system)
	Reason        string // 平仓原因
}

// OrderWriter 平仓单写入，在平仓事务内同步落单
type OrderWriter interface {
	// CreateCloseOrder 在 tx 内插入已成交的平仓单，返回雪花单号
	CreateCloseOrder(ctx context.Context, tx *gorm.DB, spec CloseOrderSpec) (int64, error)
}

// =============================================================================
// Service
// =============================================================================

// Service 平仓服务
type Service struct {
	db           *gorm.DB
	positions    *Repo
	prices       *oracle.PriceService
	orders       OrderWriter
	sink         events.Sink
	triggers     *TriggerIndex
	sweepWorkers int
}

// 赛务侧清仓入口由本服务承接
var _ contest.PositionCloser = (*Service)(nil)

// NewService 创建平仓服务，orders/sink 可为 nil
func NewService(db *gorm.DB, prices *oracle.PriceService, orders OrderWriter, sink events.Sink) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{
		db:           db,
		positions:    NewRepo(db),
		prices:       prices,
		orders:       orders,
		sink:         sink,
		sweepWorkers: defaultSweepWorkers,
	}
}

// Repo 暴露存储层 (巡检与只读查询共用)
func (s *Service) Repo() *Repo {
	return s.positions
}

// AttachTriggerIndex 挂载触发索引并用全量保护单重建
func (s *Service) AttachTriggerIndex(ctx context.Context, idx *TriggerIndex) error {
	protected, err := s.positions.ListAllProtected(ctx)
	if err != nil {
		return err
	}
	if err := idx.Rebuild(ctx, protected); err != nil {
		return fmt.Errorf("rebuild trigger index: %w", err)
	}
	s.triggers = idx
	return nil
}

// =============================================================================
// 手动平仓
// =============================================================================

// CloseRequest 用户平仓请求
type CloseRequest struct {
	PositionID int64
	UserID     int64
	Locked     *oracle.Quote // 客户端锁定报价 (可选)
}

// ClosePosition 用户手动平仓
//
// 【执行步骤】
// 1. 归属与状态校验
// 2. 报价决议: 锁定报价 2 秒内采信，过期改用最新报价并记录滑点
// 3. 按方向取平仓价 (多头 Bid / 空头 Ask)
// 4. 共享平仓事务
func (s *Service) ClosePosition(ctx context.Context, req CloseRequest) (*Position, error) {
	// 1. 校验
	p, err := s.positions.GetByID(ctx, req.PositionID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPositionNotFound
	}
	if p.UserID != req.UserID {
		return nil, ErrNotOwner
	}
	if p.Status != StatusOpen {
		return nil, ErrPositionNotOpen
	}

	// 2. 报价决议
	q, expected, usedLocked, err := s.resolveExitQuote(p, req.Locked)
	if err != nil {
		return nil, err
	}

	// 3. 平仓价
	exitPrice := fx.ExitPrice(p.Long(), q.Bid, q.Ask)
	if expected > 0 && !usedLocked {
		slippage := fx.PriceToPips(p.Symbol, exitPrice-expected)
		log.Printf("[Position] locked quote expired: position=%d, expected=%.5f, executed=%.5f, slippage=%.1f pips",
			p.ID, expected, exitPrice, slippage)
	}

	// 4. 共享平仓事务
	return s.executeClose(ctx, p, q, exitPrice, expected, CloseUser, false)
}

// resolveExitQuote 平仓报价决议
// 返回 (采用的报价, 客户端期望平仓价, 是否采信锁定报价)
func (s *Service) resolveExitQuote(p *Position, locked *oracle.Quote) (oracle.Quote, float64, bool, error) {
	var expected float64
	if locked != nil {
		expected = fx.ExitPrice(p.Long(), locked.Bid, locked.Ask)
		if locked.Fresh(lockedQuoteMaxAge) {
			q := *locked
			q.Source = priceSourceLocked
			return q, expected, true, nil
		}
	}
	q, ok := s.prices.Quote(p.Symbol)
	if !ok {
		return oracle.Quote{}, 0, false, fmt.Errorf("%w: %s", ErrQuoteUnavailable, p.Symbol)
	}
	return q, expected, false, nil
}

// =============================================================================
// 自动平仓
// =============================================================================

// CloseAutomatic 自动平仓 (巡检与触发索引入口)
// exitPrice 已由调用方按持仓方向选好价侧
func (s *Service) CloseAutomatic(ctx context.Context, positionID int64, exitPrice float64, reason CloseReason) (*Position, error) {
	if exitPrice <= 0 {
		return nil, fmt.Errorf("%w: invalid exit price %.5f", ErrQuoteUnavailable, exitPrice)
	}
	p, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPositionNotFound
	}
	if p.Status != StatusOpen {
		return nil, ErrPositionNotOpen
	}

	// 审计流水尽量带上当时的完整报价
	q, ok := s.prices.Quote(p.Symbol)
	if !ok {
		q = oracle.Quote{}
	}
	return s.executeClose(ctx, p, q, exitPrice, 0, reason, true)
}

// =============================================================================
// 共享平仓事务
// =============================================================================

// executeClose 平仓事务 + 提交后发射
//
// 【执行步骤】
// 1. 计算已实现盈亏与定格要素
// 2. 事务: 守卫定格 -> 平仓单 -> 成交快照 -> 参赛者结转 -> 执行价流水
// 3. 提交后: 摘触发索引 + 事件 + 通知意图 + 分析流水
func (s *Service) executeClose(
	ctx context.Context,
	p *Position,
	q oracle.Quote,
	exitPrice float64,
	expectedPrice float64,
	reason CloseReason,
	system bool,
) (*Position, error) {
	// 1. 定格要素
	realized := fx.UnrealizedPnL(p.Long(), p.EntryPrice, exitPrice, p.Quantity, p.Symbol)
	realizedPct := fx.PnLPercent(realized, p.MarginUsed)
	closedAt := time.Now()
	holding := int64(closedAt.Sub(p.OpenedAt).Seconds())
	status := StatusClosed
	if reason == CloseMarginCall {
		status = StatusLiquidated
	}

	trade := &TradeHistory{
		PositionID:            p.ID,
		ContestID:             p.ContestID,
		ParticipantID:         p.ParticipantID,
		UserID:                p.UserID,
		Symbol:                p.Symbol,
		Side:                  p.Side,
		Quantity:              p.Quantity,
		Leverage:              p.Leverage,
		EntryPrice:            p.EntryPrice,
		ExitPrice:             exitPrice,
		MarginUsed:            p.MarginUsed,
		RealizedPnl:           realized,
		RealizedPnlPercentage: realizedPct,
		CloseReason:           reason,
		IsWinner:              realized > 0,
		OpenedAt:              p.OpenedAt,
		ClosedAt:              closedAt,
		HoldingTimeSeconds:    holding,
	}

	// 2. 平仓事务
	var closeOrderID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rtx := NewRepo(tx)

		// 2.1 守卫定格: 并发平仓在这里分出胜负
		if err := rtx.CasClose(ctx, p.ID, CloseResult{
			Status:                status,
			Reason:                reason,
			ExitPrice:             exitPrice,
			RealizedPnl:           realized,
			RealizedPnlPercentage: realizedPct,
			ClosedAt:              closedAt,
			HoldingTimeSeconds:    holding,
		}); err != nil {
			return err
		}

		// 2.2 平仓单
		if s.orders != nil {
			id, err := s.orders.CreateCloseOrder(ctx, tx, CloseOrderSpec{
				ContestID:     p.ContestID,
				ParticipantID: p.ParticipantID,
				UserID:        p.UserID,
				PositionID:    p.ID,
				Symbol:        p.Symbol,
				Long:          p.Long(),
				Quantity:      p.Quantity,
				Price:         exitPrice,
				System:        system,
				Reason:        reason.String(),
			})
			if err != nil {
				return err
			}
			closeOrderID = id
			err = tx.Model(&Position{}).Where("id = ?", p.ID).
				Update("close_order_id", closeOrderID).Error
			if err != nil {
				return fmt.Errorf("link close order: %w", err)
			}
		}

		// 2.3 成交快照
		if err := rtx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		// 2.4 参赛者结转 (统计、胜率、资金)
		if err := contest.NewParticipantRepo(tx).ApplyClose(ctx, p.ParticipantID, realized, p.MarginUsed); err != nil {
			return err
		}

		// 2.5 执行价流水
		return rtx.InsertPriceLog(ctx, s.buildPriceLog(p, q, exitPrice, expectedPrice, closeOrderID))
	})
	if err != nil {
		return nil, err
	}

	// 本地副本同步定格，调用方拿到的就是落库后的样子
	p.Status = status
	p.CloseReason = reason
	p.CurrentPrice = exitPrice
	p.UnrealizedPnl = 0
	p.UnrealizedPnlPercentage = 0
	p.RealizedPnl = realized
	p.RealizedPnlPercentage = realizedPct
	p.CloseOrderID = closeOrderID
	p.ClosedAt = &closedAt
	p.HoldingTimeSeconds = holding

	// 3. 提交后发射
	s.afterClose(p, trade, exitPrice, realized, reason)

	return p, nil
}

// buildPriceLog 组装执行价流水
// 无行情兜底时报价为零值，来源标记 mark
func (s *Service) buildPriceLog(p *Position, q oracle.Quote, exitPrice, expectedPrice float64, orderID int64) *PriceLog {
	source := q.Source
	if q.Symbol == "" {
		source = priceSourceMark
	}
	slippage := 0.0
	if expectedPrice > 0 {
		slippage = fx.PriceToPips(p.Symbol, exitPrice-expectedPrice)
	}
	return &PriceLog{
		OrderID:        orderID,
		PositionID:     p.ID,
		Symbol:         p.Symbol,
		Bid:            q.Bid,
		Ask:            q.Ask,
		Mid:            q.Mid,
		Spread:         q.Spread,
		ExpectedPrice:  expectedPrice,
		ExecutionPrice: exitPrice,
		SlippagePips:   slippage,
		PriceSource:    source,
	}
}

// afterClose 提交后发射: 触发索引清理、事件、通知意图、分析流水
func (s *Service) afterClose(p *Position, trade *TradeHistory, exitPrice, realized float64, reason CloseReason) {
	if s.triggers != nil && p.HasProtection() {
		ctx, cancel := context.WithTimeout(context.Background(), triggerOpTimeout)
		if err := s.triggers.Remove(ctx, p); err != nil {
			log.Printf("[Position] trigger index remove failed: position=%d, err=%v", p.ID, err)
		}
		cancel()
	}

	payload := map[string]any{
		"symbol":       p.Symbol,
		"side":         p.Side.String(),
		"quantity":     p.Quantity,
		"entry_price":  p.EntryPrice,
		"exit_price":   exitPrice,
		"realized_pnl": realized,
		"close_reason": reason.String(),
	}

	eventType := events.TypePositionClosed
	if p.Status == StatusLiquidated {
		eventType = events.TypePositionLiquidated
	}
	s.sink.Emit(events.NewPositionEvent(eventType, p.UserID, p.ContestID, p.ID, payload))

	switch reason {
	case CloseStopLoss, CloseTakeProfit:
		s.sink.Emit(events.NewPositionEvent(events.TypeTPSLTriggered, p.UserID, p.ContestID, p.ID, payload))
		s.sink.EmitIntent(&events.NotificationIntent{
			UserID: p.UserID,
			Kind:   events.KindAutoClose,
			Title:  autoCloseTitle(reason),
			Body: fmt.Sprintf("%s %s %.2f lots closed at %.5f, P&L %.2f",
				p.Symbol, p.Side, p.Quantity, exitPrice, realized),
		})
	}

	s.sink.RecordTrade(&events.TradeRecord{
		TradeID:     trade.ID,
		ContestID:   p.ContestID,
		UserID:      p.UserID,
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Direction:   p.Side.String(),
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   exitPrice,
		RealizedPnl: realized,
		CloseReason: reason.String(),
		OpenedAt:    p.OpenedAt.UnixMilli(),
		ClosedAt:    p.ClosedAt.UnixMilli(),
	})
}

func autoCloseTitle(reason CloseReason) string {
	if reason == CloseStopLoss {
		return "Stop loss triggered"
	}
	return "Take profit triggered"
}

// =============================================================================
// 赛务清仓 (contest.PositionCloser)
// =============================================================================

// CloseContestPositions 平掉竞赛全部未平仓位，返回平仓笔数
//
// 信号量限并发，逐仓走共享平仓事务；
// 无行情的仓位按最后标记价定格，保证清仓一定能完成。
func (s *Service) CloseContestPositions(ctx context.Context, contestID int64, reason string) (int, error) {
	positions, err := s.positions.ListOpenByContest(ctx, contestID)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, nil
	}

	closeReason := CloseReasonFromString(reason)
	sem := make(chan struct{}, s.sweepWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	closed := 0
	var firstErr error

	for _, p := range positions {
		wg.Add(1)
		sem <- struct{}{}

		go func(p *Position) {
			defer wg.Done()
			defer func() { <-sem }()

			q, ok := s.prices.Quote(p.Symbol)
			var exitPrice float64
			if ok {
				exitPrice = fx.ExitPrice(p.Long(), q.Bid, q.Ask)
			} else {
				// 行情缺失按最后标记价定格
				q = oracle.Quote{}
				exitPrice = p.CurrentPrice
				if exitPrice <= 0 {
					exitPrice = p.EntryPrice
				}
				log.Printf("[Position] sweep without quote: position=%d, symbol=%s, mark=%.5f",
					p.ID, p.Symbol, exitPrice)
			}

			_, err := s.executeClose(ctx, p, q, exitPrice, 0, closeReason, true)

			mu.Lock()
			switch {
			case err == nil:
				closed++
			case errors.Is(err, ErrPositionNotOpen):
				// 并发已平，不算失败
			default:
				if firstErr == nil {
					firstErr = err
				}
			}
			mu.Unlock()
		}(p)
	}

	wg.Wait()

	if firstErr != nil {
		return closed, fmt.Errorf("sweep contest %d: %w", contestID, firstErr)
	}
	return closed, nil
}

// =============================================================================
// 触发索引回调
// =============================================================================

// HandleQuote 行情更新回调，注册到 PriceService.OnQuoteUpdate
// 索引查询与平仓放独立 goroutine，不阻塞行情链路
func (s *Service) HandleQuote(q oracle.Quote) {
	if s.triggers == nil || q.IsFallback {
		return
	}
	go s.fireTriggers(q)
}

func (s *Service) fireTriggers(q oracle.Quote) {
	ctx, cancel := context.WithTimeout(context.Background(), triggerOpTimeout)
	defer cancel()

	hits, err := s.triggers.Triggered(ctx, q.Symbol, q.Bid, q.Ask)
	if err != nil {
		log.Printf("[Position] trigger query failed: symbol=%s, err=%v", q.Symbol, err)
		return
	}

	for _, hit := range hits {
		exitPrice := q.Bid
		if hit.Side == SideShort {
			exitPrice = q.Ask
		}
		reason := CloseStopLoss
		if hit.Kind == kindTakeProfit {
			reason = CloseTakeProfit
		}

		if _, err := s.CloseAutomatic(ctx, hit.PositionID, exitPrice, reason); err != nil {
			if errors.Is(err, ErrPositionNotOpen) || errors.Is(err, ErrPositionNotFound) {
				// 陈旧成员自愈: 持仓早已不在，摘掉索引
				if rerr := s.triggers.RemoveBySymbol(ctx, q.Symbol, hit.PositionID); rerr != nil {
					log.Printf("[Position] stale trigger cleanup failed: position=%d, err=%v", hit.PositionID, rerr)
				}
				continue
			}
			log.Printf("[Position] trigger close failed: position=%d, kind=%s, err=%v", hit.PositionID, hit.Kind, err)
			continue
		}
		log.Printf("[Position] trigger fired: position=%d, kind=%s, price=%.5f", hit.PositionID, hit.Kind, exitPrice)
	}
}
