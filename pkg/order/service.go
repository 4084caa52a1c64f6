// 文件: pkg/order/service.go
// 下单服务
//
// 市价单在一个事务里完成 订单行 + 持仓行 + 保证金占用 三件事；
// 限价单只落 pending 行，不锁保证金，成交由限价巡检驱动。
// 提交后才发事件和注册触发索引，发射失败只记日志，不反噬核心。

package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"fxarena.com/pkg/config"
	"fxarena.com/pkg/contest"
	"fxarena.com/pkg/events"
	"fxarena.com/pkg/oracle"
	"fxarena.com/pkg/position"
	"fxarena.com/pkg/risk"
	"fxarena.com/pkg/risk/fx"
)

const (
	// lockedQuoteMaxAge 客户端锁定报价的采信窗口
	lockedQuoteMaxAge = 2 * time.Second

	// priceSourceLocked 采信锁定报价时的审计来源标记
	priceSourceLocked = "locked"
)

// 系统撤单原因
const (
	cancelReasonUser      = "Cancelled by user"
	cancelReasonNoCapital = "Insufficient capital"
	cancelReasonInactive  = "Participant no longer active"
)

// MarketClock 开市判定 (测试与模拟注入用)
type MarketClock interface {
	IsOpenAt(t time.Time) bool
}

// =============================================================================
// Service
// =============================================================================

// Service 下单服务
type Service struct {
	db           *gorm.DB
	cfg          config.TradingConfig
	orders       *Repo
	contests     contest.ContestRepository
	participants *contest.ParticipantRepo
	positions    *position.Repo
	prices       *oracle.PriceService
	calendar     MarketClock
	validator    *risk.Validator
	limits       *risk.LimitChecker
	restrict     contest.Restrictor
	sink         events.Sink
	triggers     *position.TriggerIndex
}

// NewService 创建下单服务
// calendar/restrict/sink 可为 nil: 分别退回真实外汇日历、跳过限制检查、空发射器
func NewService(
	db *gorm.DB,
	contests contest.ContestRepository,
	prices *oracle.PriceService,
	calendar MarketClock,
	restrict contest.Restrictor,
	sink events.Sink,
	cfg config.TradingConfig,
) *Service {
	if calendar == nil {
		calendar = oracle.NewMarketCalendar()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{
		db:           db,
		cfg:          cfg,
		orders:       NewRepo(db),
		contests:     contests,
		participants: contest.NewParticipantRepo(db),
		positions:    position.NewRepo(db),
		prices:       prices,
		calendar:     calendar,
		validator:    risk.NewValidator(cfg),
		limits:       risk.NewLimitChecker(),
		restrict:     restrict,
		sink:         sink,
	}
}

// Repo 暴露订单存储层 (巡检与只读查询共用)
func (s *Service) Repo() *Repo {
	return s.orders
}

// AttachTriggerIndex 挂载触发索引，成交后的保护单即时注册
func (s *Service) AttachTriggerIndex(idx *position.TriggerIndex) {
	s.triggers = idx
}

// =============================================================================
// 下单
// =============================================================================

// PlaceRequest 下单请求
type PlaceRequest struct {
	ContestID int64
	UserID    int64

	Symbol    string
	Side      OrderSide
	OrderType OrderType
	Quantity  float64 // 手
	Leverage  float64 // 0 = 用全局默认杠杆

	LimitPrice float64 // 限价单挂单价
	StopLoss   float64 // 0 = 未设置
	TakeProfit float64

	Locked *oracle.Quote // 客户端锁定报价 (可选，仅市价单采信)
}

// validate 请求面校验 (不读库)
func (r *PlaceRequest) validate() error {
	if r.ContestID <= 0 || r.UserID <= 0 {
		return fmt.Errorf("%w: contest and user are required", ErrValidation)
	}
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: unknown side %d", ErrValidation, r.Side)
	}
	if r.OrderType != TypeMarket && r.OrderType != TypeLimit {
		return fmt.Errorf("%w: unknown order type %d", ErrValidation, r.OrderType)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if r.OrderType == TypeLimit && r.LimitPrice <= 0 {
		return fmt.Errorf("%w: limit price is required for limit orders", ErrValidation)
	}
	if r.StopLoss < 0 || r.TakeProfit < 0 {
		return fmt.Errorf("%w: protective prices cannot be negative", ErrValidation)
	}
	return nil
}

// PlaceResult 下单结果，市价单附带即时开出的持仓
type PlaceResult struct {
	Order    *Order
	Position *position.Position // 限价单为 nil
}

// PlaceOrder 下单
//
// 【执行步骤】
// 1. 请求面校验，默认杠杆回填
// 2. 用户限制检查
// 3. 赛事与参赛者加载
// 4. 开市检查
// 5. 报价决议: 锁定报价仅市价单 2 秒内采信，过期改用最新报价并记录滑点
// 6. 下单风控 + 赛事级限额
// 7. 限价单落 pending 行即返回 (不锁保证金)；市价单进成交事务
func (s *Service) PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	// 1. 请求面
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Leverage <= 0 {
		req.Leverage = s.cfg.DefaultLeverage
	}

	// 2. 用户限制
	if err := s.checkRestriction(ctx, req.UserID); err != nil {
		return nil, err
	}

	// 3. 赛事与参赛者
	c, err := s.contests.GetByID(ctx, req.ContestID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, contest.ErrContestNotFound
	}
	if c.Status != contest.StatusActive {
		return nil, fmt.Errorf("%w: status is %s", ErrContestNotActive, c.Status)
	}
	part, err := s.participants.Get(ctx, req.ContestID, req.UserID)
	if err != nil {
		return nil, err
	}
	if part == nil {
		return nil, contest.ErrNotParticipant
	}
	if part.Status != contest.ParticipantActive {
		return nil, fmt.Errorf("%w: participant status is %s", contest.ErrNotParticipant, part.Status)
	}

	// 4. 开市
	if !s.calendar.IsOpenAt(time.Now()) {
		return nil, fmt.Errorf("%w: forex market is closed for the weekend", ErrMarketClosed)
	}

	// 5. 报价决议
	q, expected, usedLocked, err := s.resolveEntryQuote(req)
	if err != nil {
		return nil, err
	}

	// 6. 风控: 保证金按参照入场价预算
	long := req.Side.Long()
	refPrice := fx.EntryPrice(long, q.Bid, q.Ask)
	if req.OrderType == TypeLimit {
		refPrice = req.LimitPrice
	}
	margin := fx.MarginRequired(req.Quantity, refPrice, req.Leverage, req.Symbol)

	if err := s.validator.ValidateOrder(&risk.OrderCheck{
		Contest:     c,
		Participant: part,
		Symbol:      req.Symbol,
		Long:        long,
		Limit:       req.OrderType == TypeLimit,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		Leverage:    req.Leverage,
		Margin:      margin,
		Quote:       q,
	}); err != nil {
		return nil, err
	}
	if err := s.checkContestLimits(ctx, c, part); err != nil {
		return nil, err
	}

	// 7. 落库
	o := &Order{
		OrderID:        GenerateOrderID(),
		ContestID:      c.ID,
		ParticipantID:  part.ID,
		UserID:         req.UserID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Source:         SourceWeb,
		Quantity:       req.Quantity,
		Leverage:       req.Leverage,
		RequestedPrice: req.LimitPrice,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		MarginRequired: margin,
		Status:         StatusPending,
		PlacedAt:       time.Now(),
	}

	if req.OrderType == TypeLimit {
		if err := s.orders.Create(ctx, o); err != nil {
			return nil, err
		}
		log.Printf("[Order] limit order placed: order=%d, user=%d, %s %s %.2f lots @ %.5f",
			o.OrderID, o.UserID, o.Side, o.Symbol, o.Quantity, o.RequestedPrice)
		return &PlaceResult{Order: o}, nil
	}

	execPrice := fx.EntryPrice(long, q.Bid, q.Ask)
	if expected > 0 && !usedLocked {
		slippage := fx.PriceToPips(req.Symbol, execPrice-expected)
		log.Printf("[Order] locked quote expired: order=%d, expected=%.5f, executed=%.5f, slippage=%.1f pips",
			o.OrderID, expected, execPrice, slippage)
	}
	p, err := s.fill(ctx, o, q, execPrice, expected)
	if err != nil {
		return nil, err
	}
	return &PlaceResult{Order: o, Position: p}, nil
}

// resolveEntryQuote 入场报价决议
// 返回 (采用的报价, 客户端期望入场价, 是否采信锁定报价)
func (s *Service) resolveEntryQuote(req PlaceRequest) (oracle.Quote, float64, bool, error) {
	var expected float64
	if req.Locked != nil && req.OrderType == TypeMarket {
		expected = fx.EntryPrice(req.Side.Long(), req.Locked.Bid, req.Locked.Ask)
		if req.Locked.Fresh(lockedQuoteMaxAge) {
			q := *req.Locked
			q.Source = priceSourceLocked
			return q, expected, true, nil
		}
	}
	q, ok := s.prices.Quote(req.Symbol)
	if !ok {
		return oracle.Quote{}, 0, false, fmt.Errorf("%w: %s", ErrQuoteUnavailable, req.Symbol)
	}
	return q, expected, false, nil
}

// checkRestriction 用户限制检查，restrict 未配置时放行
func (s *Service) checkRestriction(ctx context.Context, userID int64) error {
	if s.restrict == nil {
		return nil
	}
	allowed, reason, err := s.restrict.CanUserPerformAction(ctx, userID, contest.ActionTrade)
	if err != nil {
		return fmt.Errorf("restriction check: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrUserRestricted, reason)
	}
	return nil
}

// checkContestLimits 赛事级限额 (仅赛事显式开启时评估)
func (s *Service) checkContestLimits(ctx context.Context, c *contest.Contest, part *contest.Participant) error {
	if !c.RiskLimits.Enabled {
		return nil
	}

	// 当日 00:00 UTC 以来的已实现盈亏
	since := time.Now().UTC().Truncate(24 * time.Hour)
	daily, err := s.positions.SumRealizedSince(ctx, part.ID, since)
	if err != nil {
		return err
	}

	var exposures []risk.OpenExposure
	var quotes map[string]oracle.Quote
	if c.RiskLimits.EquityCheckEnabled {
		open, err := s.positions.ListOpenByParticipant(ctx, part.ID)
		if err != nil {
			return err
		}
		symbols := make([]string, 0, len(open))
		seen := make(map[string]bool, len(open))
		for _, p := range open {
			exposures = append(exposures, risk.OpenExposure{
				Symbol:   p.Symbol,
				Long:     p.Long(),
				Entry:    p.EntryPrice,
				Quantity: p.Quantity,
			})
			if !seen[p.Symbol] {
				seen[p.Symbol] = true
				symbols = append(symbols, p.Symbol)
			}
		}
		quotes = s.prices.QuoteBatch(symbols)
	}

	return s.limits.CheckContestLimits(c, part, exposures, quotes, daily)
}

// =============================================================================
// 撤单
// =============================================================================

// CancelOrder 用户撤单，仅限挂单中的限价单
// 挂单不锁保证金，撤单只定格状态，没有资金动作
func (s *Service) CancelOrder(ctx context.Context, orderID, userID int64) (*Order, error) {
	o, err := s.orders.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrOrderNotFound
	}
	if o.UserID != userID {
		return nil, ErrNotOwner
	}
	if o.Status != StatusPending {
		return nil, ErrOrderNotPending
	}

	if err := s.orders.CasCancel(ctx, orderID, cancelReasonUser); err != nil {
		return nil, err
	}
	log.Printf("[Order] order cancelled: order=%d, user=%d", orderID, userID)
	return s.orders.GetByOrderID(ctx, orderID)
}

// =============================================================================
// 限价单成交 (限价巡检入口)
// =============================================================================

// ExecuteLimitOrder 触发限价单成交
//
// 成交价取报价的方向侧 (买看 Ask / 卖看 Bid)，保证金按成交价重算；
// 资金在事务内重验，不足时改为撤单并记录原因。
func (s *Service) ExecuteLimitOrder(ctx context.Context, orderID int64, q oracle.Quote) (*position.Position, error) {
	o, err := s.orders.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusPending {
		return nil, ErrOrderNotPending
	}
	if o.OrderType != TypeLimit {
		return nil, fmt.Errorf("%w: order %d is not a limit order", ErrValidation, orderID)
	}

	execPrice := fx.EntryPrice(o.Long(), q.Bid, q.Ask)
	if execPrice <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, o.Symbol)
	}

	p, err := s.fill(ctx, o, q, execPrice, o.RequestedPrice)
	if err == nil {
		return p, nil
	}

	// 下单到触发之间资金被其他持仓占走，或参赛者已出局: 挂单按原因撤销
	switch {
	case errors.Is(err, contest.ErrInsufficientCapital):
		s.cancelWithReason(ctx, orderID, cancelReasonNoCapital)
	case errors.Is(err, contest.ErrNotParticipant):
		s.cancelWithReason(ctx, orderID, cancelReasonInactive)
	}
	return nil, err
}

func (s *Service) cancelWithReason(ctx context.Context, orderID int64, reason string) {
	if err := s.orders.CasCancel(ctx, orderID, reason); err != nil {
		log.Printf("[Order] cancel after failed fill: order=%d, err=%v", orderID, err)
		return
	}
	log.Printf("[Order] limit order cancelled: order=%d, reason=%s", orderID, reason)
}

// =============================================================================
// 共享成交事务
// =============================================================================

// fill 成交事务 + 提交后发射
//
// 【执行步骤】
// 1. 事务: 开出持仓 -> 定格订单 -> 占用保证金 -> 执行价流水
// 2. 提交后: 注册触发索引 + 成交与开仓事件
//
// ApplyOpen 的 WHERE 前置条件兜底资金与参赛状态，
// 任一步失败整个事务回滚，订单保持原状。
func (s *Service) fill(ctx context.Context, o *Order, q oracle.Quote, execPrice, expectedPrice float64) (*position.Position, error) {
	now := time.Now()
	side := position.SideLong
	if o.Side == SideSell {
		side = position.SideShort
	}
	margin := fx.MarginRequired(o.Quantity, execPrice, o.Leverage, o.Symbol)

	p := &position.Position{
		ContestID:     o.ContestID,
		ParticipantID: o.ParticipantID,
		UserID:        o.UserID,
		Symbol:        o.Symbol,
		Side:          side,
		Quantity:      o.Quantity,
		Leverage:      o.Leverage,
		EntryPrice:    execPrice,
		MarginUsed:    margin,
		StopLoss:      o.StopLoss,
		TakeProfit:    o.TakeProfit,
		Status:        position.StatusOpen,
		CurrentPrice:  execPrice,
		OpenOrderID:   o.OrderID,
		OpenedAt:      now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 开出持仓
		if err := position.NewRepo(tx).Create(ctx, p); err != nil {
			return err
		}

		// 2. 定格订单: 市价单直接落成交行，限价单守卫更新
		if o.ID == 0 {
			o.Status = StatusFilled
			o.ExecutedPrice = execPrice
			o.PositionID = p.ID
			o.MarginRequired = margin
			o.ExecutedAt = &now
			if err := NewRepo(tx).Create(ctx, o); err != nil {
				return err
			}
		} else {
			if err := NewRepo(tx).CasFill(ctx, o.OrderID, execPrice, p.ID, margin); err != nil {
				return err
			}
			o.Status = StatusFilled
			o.ExecutedPrice = execPrice
			o.PositionID = p.ID
			o.MarginRequired = margin
			o.ExecutedAt = &now
		}

		// 3. 占用保证金
		if err := contest.NewParticipantRepo(tx).ApplyOpen(ctx, o.ParticipantID, margin); err != nil {
			return err
		}

		// 4. 执行价流水
		return position.NewRepo(tx).InsertPriceLog(ctx, s.buildPriceLog(o, p.ID, q, execPrice, expectedPrice))
	})
	if err != nil {
		return nil, wrapConflict(err)
	}

	s.afterFill(ctx, o, p)
	return p, nil
}

// buildPriceLog 执行价审计流水
func (s *Service) buildPriceLog(o *Order, positionID int64, q oracle.Quote, execPrice, expectedPrice float64) *position.PriceLog {
	var slippage float64
	if expectedPrice > 0 {
		slippage = fx.PriceToPips(o.Symbol, execPrice-expectedPrice)
	}
	return &position.PriceLog{
		OrderID:        o.OrderID,
		PositionID:     positionID,
		Symbol:         o.Symbol,
		Bid:            q.Bid,
		Ask:            q.Ask,
		Mid:            q.Mid,
		Spread:         q.Spread,
		ExpectedPrice:  expectedPrice,
		ExecutionPrice: execPrice,
		SlippagePips:   slippage,
		PriceSource:    q.Source,
	}
}

// afterFill 提交后发射: 触发索引注册、成交与开仓事件
func (s *Service) afterFill(ctx context.Context, o *Order, p *position.Position) {
	if s.triggers != nil && p.HasProtection() {
		if err := s.triggers.Register(ctx, p); err != nil {
			log.Printf("[Order] trigger register failed: position=%d, err=%v", p.ID, err)
		}
	}

	s.sink.Emit(events.NewPositionEvent(events.TypeOrderFilled, o.UserID, o.ContestID, p.ID, map[string]any{
		"order_id":   o.OrderID,
		"symbol":     o.Symbol,
		"side":       o.Side.String(),
		"order_type": o.OrderType.String(),
		"quantity":   o.Quantity,
		"price":      o.ExecutedPrice,
	}))
	s.sink.Emit(events.NewPositionEvent(events.TypePositionOpened, o.UserID, o.ContestID, p.ID, map[string]any{
		"symbol":      p.Symbol,
		"side":        p.Side.String(),
		"entry_price": p.EntryPrice,
		"quantity":    p.Quantity,
		"leverage":    p.Leverage,
		"margin_used": p.MarginUsed,
	}))

	log.Printf("[Order] order filled: order=%d, position=%d, user=%d, %s %s %.2f lots @ %.5f, margin=%.2f",
		o.OrderID, p.ID, o.UserID, o.Side, o.Symbol, o.Quantity, o.ExecutedPrice, o.MarginRequired)
}

// wrapConflict 死锁/锁等待超时归一为可重试冲突
func wrapConflict(err error) error {
	var my *mysql.MySQLError
	if errors.As(err, &my) && (my.Number == 1213 || my.Number == 1205) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
