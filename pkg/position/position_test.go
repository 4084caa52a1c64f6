// 文件: pkg/position/position_test.go
// 平仓服务与巡检器集成测试 (需要本地 MySQL)

package position

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fxarena.com/pkg/config"
	"fxarena.com/pkg/contest"
	"fxarena.com/pkg/events"
	"fxarena.com/pkg/oracle"
	"fxarena.com/pkg/risk/fx"
)

const testDSN = "root:123456@tcp(127.0.0.1:3307)/fxarena?charset=utf8mb4&parseTime=True&loc=Local"

// 测试用户段 98xxxx，与赛务包的测试数据错开
const testUserBase = int64(980000)

var testRunID = time.Now().UnixNano() % 1_000_000_000

func testSlug(name string) string {
	return fmt.Sprintf("zz-postest-%s-%d", name, testRunID)
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(mysql.Open(testDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("mysql not available: %v", err)
	}

	require.NoError(t, db.AutoMigrate(
		&contest.Contest{}, &contest.Participant{},
		&Position{}, &TradeHistory{}, &PriceLog{},
	))
	return db
}

func cleanupTestData(db *gorm.DB) {
	db.Exec(`DELETE pl FROM price_logs pl JOIN positions p ON p.id = pl.position_id
		WHERE p.user_id >= ? AND p.user_id < ?`, testUserBase, testUserBase+1000)
	db.Exec("DELETE FROM trade_history WHERE user_id >= ? AND user_id < ?", testUserBase, testUserBase+1000)
	db.Exec("DELETE FROM positions WHERE user_id >= ? AND user_id < ?", testUserBase, testUserBase+1000)
	db.Exec("DELETE FROM participants WHERE user_id >= ? AND user_id < ?", testUserBase, testUserBase+1000)
	db.Exec("DELETE FROM contests WHERE slug LIKE 'zz-postest-%'")
}

// seedContest 进行中的基础竞赛
func seedContest(t *testing.T, db *gorm.DB, slug string) *contest.Contest {
	t.Helper()
	now := time.Now()
	c := &contest.Contest{
		Slug:              slug,
		Name:              "Position Test " + slug,
		Kind:              contest.KindCompetition,
		Status:            contest.StatusActive,
		StartTime:         now.Add(-time.Hour),
		EndTime:           now.Add(time.Hour),
		EntryFee:          100,
		StartingCapital:   10000,
		PrizeDistribution: []contest.RankShare{{Rank: 1, Percentage: 100}},
		MinParticipants:   1,
		MaxParticipants:   10,
		AssetClasses:      []string{"forex"},
		MinLeverage:       1,
		MaxLeverage:       500,
		DefaultLeverage:   100,
		MaxOpenPositions:  10,
		MaxPositionSize:   50,
		RankingMethod:     contest.RankByPnl,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, contest.NewMySQLContestRepository(db).Create(context.Background(), c))
	return c
}

func seedParticipant(t *testing.T, db *gorm.DB, contestID, userID int64, capital float64) *contest.Participant {
	t.Helper()
	p := &contest.Participant{
		ContestID:        contestID,
		UserID:           userID,
		StartingCapital:  capital,
		CurrentCapital:   capital,
		AvailableCapital: capital,
		Status:           contest.ParticipantActive,
		EnteredAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	require.NoError(t, contest.NewParticipantRepo(db).Create(context.Background(), p))
	return p
}

// openTestPosition 建仓并走保证金占用，保证参赛者计数器与真实开仓一致
func openTestPosition(t *testing.T, db *gorm.DB, part *contest.Participant, side Side, symbol string, qty, entry, lev, sl, tp float64) *Position {
	t.Helper()
	ctx := context.Background()
	margin := entry * qty * fx.ContractSize(symbol) / lev
	p := &Position{
		ContestID:     part.ContestID,
		ParticipantID: part.ID,
		UserID:        part.UserID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Leverage:      lev,
		EntryPrice:    entry,
		MarginUsed:    margin,
		StopLoss:      sl,
		TakeProfit:    tp,
		Status:        StatusOpen,
		OpenedAt:      time.Now(),
	}
	require.NoError(t, NewRepo(db).Create(ctx, p))
	require.NoError(t, contest.NewParticipantRepo(db).ApplyOpen(ctx, part.ID, margin))
	return p
}

func pushQuote(ps *oracle.PriceService, symbol string, bid, ask float64) {
	ps.Update(oracle.NewQuote(symbol, bid, ask, oracle.SourceSim))
}

func reloadParticipant(t *testing.T, db *gorm.DB, id int64) *contest.Participant {
	t.Helper()
	p, err := contest.NewParticipantRepo(db).GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func reloadPosition(t *testing.T, db *gorm.DB, id int64) *Position {
	t.Helper()
	p, err := NewRepo(db).GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

// captureSink 收集通知意图，断言用
type captureSink struct {
	mu      sync.Mutex
	intents []*events.NotificationIntent
}

func (c *captureSink) Emit(*events.PositionEvent) {}

func (c *captureSink) EmitIntent(n *events.NotificationIntent) {
	c.mu.Lock()
	c.intents = append(c.intents, n)
	c.mu.Unlock()
}

func (c *captureSink) RecordTrade(*events.TradeRecord) {}

func (c *captureSink) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.intents))
	for _, n := range c.intents {
		out = append(out, n.Kind)
	}
	return out
}

func TestClosePositionFlow(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	ctx := context.Background()
	ps := oracle.NewPriceService(time.Minute)
	svc := NewService(db, ps, nil, nil)

	c := seedContest(t, db, testSlug("close"))
	part := seedParticipant(t, db, c.ID, testUserBase+101, 10000)
	p := openTestPosition(t, db, part, SideLong, "EURUSD", 1, 1.10010, 100, 0, 0)

	// 多头平仓吃 Bid: +500
	pushQuote(ps, "EURUSD", 1.10510, 1.10520)
	closed, err := svc.ClosePosition(ctx, CloseRequest{PositionID: p.ID, UserID: part.UserID})
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.Equal(t, CloseUser, closed.CloseReason)
	assert.InDelta(t, 500, closed.RealizedPnl, 1e-6)
	assert.InDelta(t, 1.10510, closed.CurrentPrice, 1e-9)
	require.NotNil(t, closed.ClosedAt)

	// 落库定格: 未实现清零，已实现写死
	got := reloadPosition(t, db, p.ID)
	assert.Equal(t, StatusClosed, got.Status)
	assert.InDelta(t, 500, got.RealizedPnl, 1e-6)
	assert.InDelta(t, 0, got.UnrealizedPnl, 1e-9)
	assert.InDelta(t, fx.PnLPercent(500, p.MarginUsed), got.RealizedPnlPercentage, 1e-6)

	// 参赛者结转: 保证金释放 + 盈亏入账 + 胜率
	pp := reloadParticipant(t, db, part.ID)
	assert.InDelta(t, 10500, pp.CurrentCapital, 1e-6)
	assert.InDelta(t, 10500, pp.AvailableCapital, 1e-6)
	assert.InDelta(t, 0, pp.UsedMargin, 1e-6)
	assert.Equal(t, 0, pp.CurrentOpenPositions)
	assert.Equal(t, 2, pp.TotalTrades)
	assert.Equal(t, 1, pp.WinningTrades)
	assert.InDelta(t, 50, pp.WinRate, 1e-6)

	// 成交快照
	trades, err := NewRepo(db).ListTrades(ctx, c.ID, part.UserID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, p.ID, trades[0].PositionID)
	assert.InDelta(t, 500, trades[0].RealizedPnl, 1e-6)
	assert.InDelta(t, 1.10510, trades[0].ExitPrice, 1e-9)
	assert.True(t, trades[0].IsWinner)
	assert.Equal(t, CloseUser, trades[0].CloseReason)

	// 执行价流水
	var logs []*PriceLog
	require.NoError(t, db.Where("position_id = ?", p.ID).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.InDelta(t, 1.10510, logs[0].ExecutionPrice, 1e-9)
	assert.Equal(t, oracle.SourceSim, logs[0].PriceSource)
	assert.InDelta(t, 0, logs[0].ExpectedPrice, 1e-9)

	// 重复平仓: 守卫更新落空
	_, err = svc.ClosePosition(ctx, CloseRequest{PositionID: p.ID, UserID: part.UserID})
	assert.ErrorIs(t, err, ErrPositionNotOpen)

	t.Log("✅ 手动平仓全链路")
}

func TestClosePositionLockedQuote(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	ctx := context.Background()
	ps := oracle.NewPriceService(time.Minute)
	svc := NewService(db, ps, nil, nil)

	c := seedContest(t, db, testSlug("locked"))
	part := seedParticipant(t, db, c.ID, testUserBase+111, 10000)

	t.Run("Fresh Locked Quote Honored", func(t *testing.T) {
		p := openTestPosition(t, db, part, SideLong, "EURUSD", 1, 1.10010, 100, 0, 0)
		pushQuote(ps, "EURUSD", 1.10300, 1.10310)

		lq := oracle.NewQuote("EURUSD", 1.10400, 1.10410, oracle.SourceWS)
		closed, err := svc.ClosePosition(ctx, CloseRequest{PositionID: p.ID, UserID: part.UserID, Locked: &lq})
		require.NoError(t, err)
		assert.InDelta(t, 1.10400, closed.CurrentPrice, 1e-9)

		var logs []*PriceLog
		require.NoError(t, db.Where("position_id = ?", p.ID).Find(&logs).Error)
		require.Len(t, logs, 1)
		assert.Equal(t, "locked", logs[0].PriceSource)
		assert.InDelta(t, 1.10400, logs[0].ExpectedPrice, 1e-9)
		assert.InDelta(t, 1.10400, logs[0].ExecutionPrice, 1e-9)
		assert.InDelta(t, 0, logs[0].SlippagePips, 1e-6)
	})

	t.Run("Expired Locked Quote Slips To Market", func(t *testing.T) {
		p := openTestPosition(t, db, part, SideLong, "EURUSD", 1, 1.10010, 100, 0, 0)
		pushQuote(ps, "EURUSD", 1.10300, 1.10310)

		lq := oracle.NewQuote("EURUSD", 1.10400, 1.10410, oracle.SourceWS)
		lq.Timestamp = time.Now().Add(-5 * time.Second)
		closed, err := svc.ClosePosition(ctx, CloseRequest{PositionID: p.ID, UserID: part.UserID, Locked: &lq})
		require.NoError(t, err)
		assert.InDelta(t, 1.10300, closed.CurrentPrice, 1e-9)

		// 期望价与滑点都留痕: 1.10400 -> 1.10300 = -10 pips
		var logs []*PriceLog
		require.NoError(t, db.Where("position_id = ?", p.ID).Find(&logs).Error)
		require.Len(t, logs, 1)
		assert.Equal(t, oracle.SourceSim, logs[0].PriceSource)
		assert.InDelta(t, 1.10400, logs[0].ExpectedPrice, 1e-9)
		assert.InDelta(t, -10, logs[0].SlippagePips, 1e-6)
	})

	t.Log("✅ 锁定报价采信与过期滑点")
}

func TestClosePositionGuards(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	ctx := context.Background()
	ps := oracle.NewPriceService(time.Minute)
	svc := NewService(db, ps, nil, nil)

	c := seedContest(t, db, testSlug("guards"))
	part := seedParticipant(t, db, c.ID, testUserBase+121, 10000)
	p := openTestPosition(t, db, part, SideLong, "EURUSD", 1, 1.10010, 100, 0, 0)

	// 不存在
	_, err := svc.ClosePosition(ctx, CloseRequest{PositionID: 99_999_999_999, UserID: part.UserID})
	assert.ErrorIs(t, err, ErrPositionNotFound)

	// 他人持仓
	_, err = svc.ClosePosition(ctx, CloseRequest{PositionID: p.ID, UserID: part.UserID + 1})
	assert.ErrorIs(t, err, ErrNotOwner)

	// 无行情且无锁定报价
	_, err = svc.ClosePosition(ctx, CloseRequest{PositionID: p.ID, UserID: part.UserID})
	assert.ErrorIs(t, err, ErrQuoteUnavailable)

	// 自动平仓非法价
	_, err = svc.CloseAutomatic(ctx, p.ID, 0, CloseStopLoss)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)

	// 持仓原封不动
	got := reloadPosition(t, db, p.ID)
	assert.Equal(t, StatusOpen, got.Status)

	t.Log("✅ 平仓入口守卫")
}

func TestCloseAutomaticReasons(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	ctx := context.Background()
	ps := oracle.NewPriceService(time.Minute)
	svc := NewService(db, ps, nil, nil)

	c := seedContest(t, db, testSlug("auto"))
	part := seedParticipant(t, db, c.ID, testUserBase+131, 20000)
	pushQuote(ps, "EURUSD", 1.09500, 1.09510)

	// 止损平仓: 状态 closed
	p1 := openTestPosition(t, db, part, SideLong, "EURUSD", 1, 1.10010, 100, 1.09500, 0)
	got1, err := svc.CloseAutomatic(ctx, p1.ID, 1.09500, CloseStopLoss)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got1.Status)
	assert.Equal(t, CloseStopLoss, got1.CloseReason)
	assert.InDelta(t, -510, got1.RealizedPnl, 1e-6)

	// 强平: 状态 liquidated
	p2 := openTestPosition(t, db, part, SideLong, "EURUSD", 1, 1.10010, 100, 0, 0)
	got2, err := svc.CloseAutomatic(ctx, p2.ID, 1.09500, CloseMarginCall)
	require.NoError(t, err)
	assert.Equal(t, StatusLiquidated, got2.Status)
	assert.Equal(t, CloseMarginCall, got2.CloseReason)

	// 成交快照同样落两行
	trades, err := NewRepo(db).ListTrades(ctx, c.ID, part.UserID, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	t.Log("✅ 自动平仓原因与状态映射")
}

func TestCloseContestPositionsSweep(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	ctx := context.Background()
	ps := oracle.NewPriceService(time.Minute)
	svc := NewService(db, ps, nil, nil)

	c := seedContest(t, db, testSlug("sweep"))
	partA := seedParticipant(t, db, c.ID, testUserBase+141, 10000)
	partB := seedParticipant(t, db, c.ID, testUserBase+142, 10000)

	pA1 := openTestPosition(t, db, partA, SideLong, "EURUSD", 1, 1.10010, 100, 0, 0)
	pA2 := openTestPosition(t, db, partA, SideShort, "GBPUSD", 1, 1.25500, 100, 0, 0)
	pB1 := openTestPosition(t, db, partB, SideLong, "AUDUSD", 2, 0.65000, 100, 0, 0)

	// AUDUSD 故意不给行情，走最后标记价兜底
	pushQuote(ps, "EURUSD", 1.10210, 1.10220)
	pushQuote(ps, "GBPUSD", 1.25400, 1.25410)

	closed, err := svc.CloseContestPositions(ctx, c.ID, contest.CloseReasonCompetitionEnd)
	require.NoError(t, err)
	assert.Equal(t, 3, closed)

	// 多头吃 Bid +200, 空头吃 Ask +90, 无行情按开仓价 0
	gA1 := reloadPosition(t, db, pA1.ID)
	assert.Equal(t, StatusClosed, gA1.Status)
	assert.Equal(t, CloseCompetitionEnd, gA1.CloseReason)
	assert.InDelta(t, 200, gA1.RealizedPnl, 1e-6)

	gA2 := reloadPosition(t, db, pA2.ID)
	assert.InDelta(t, 90, gA2.RealizedPnl, 1e-6)

	gB1 := reloadPosition(t, db, pB1.ID)
	assert.Equal(t, StatusClosed, gB1.Status)
	assert.InDelta(t, 0, gB1.RealizedPnl, 1e-9)
	assert.InDelta(t, 0.65000, gB1.CurrentPrice, 1e-9)

	// 兜底平仓的执行价流水来源是 mark
	var logs []*PriceLog
	require.NoError(t, db.Where("position_id = ?", pB1.ID).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "mark", logs[0].PriceSource)

	// 资金结转
	ppA := reloadParticipant(t, db, partA.ID)
	assert.InDelta(t, 10290, ppA.CurrentCapital, 1e-6)
	assert.InDelta(t, 0, ppA.UsedMargin, 1e-6)
	assert.Equal(t, 0, ppA.CurrentOpenPositions)

	// 再清一遍: 幂等，无仓可平
	closed, err = svc.CloseContestPositions(ctx, c.ID, contest.CloseReasonCompetitionEnd)
	require.NoError(t, err)
	assert.Equal(t, 0, closed)

	t.Log("✅ 赛务清仓与行情缺失兜底")
}

func TestRevaluerMarksAndResidue(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	ctx := context.Background()
	ps := oracle.NewPriceService(time.Minute)
	svc := NewService(db, ps, nil, nil)
	rev := NewRevaluer(db, ps)

	c := seedContest(t, db, testSlug("reval"))
	part := seedParticipant(t, db, c.ID, testUserBase+151, 10000)
	pLong := openTestPosition(t, db, part, SideLong, "EURUSD", 1, 1.10010, 100, 0, 0)
	pShort := openTestPosition(t, db, part, SideShort, "EURUSD", 1, 1.10010, 100, 0, 0)

	pushQuote(ps, "EURUSD", 1.10500, 1.10510)
	updated, err := rev.UpdateAllPositionsPnL(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	// 多头按 Bid 标记 +490，空头按 Ask 标记 -500
	gLong := reloadPosition(t, db, pLong.ID)
	assert.InDelta(t, 1.10500, gLong.CurrentPrice, 1e-9)
	assert.InDelta(t, 490, gLong.UnrealizedPnl, 1e-6)
	assert.Equal(t, int64(1), gLong.PriceUpdateCount)
	require.NotNil(t, gLong.LastPriceUpdate)

	gShort := reloadPosition(t, db, pShort.ID)
	assert.InDelta(t, 1.10510, gShort.CurrentPrice, 1e-9)
	assert.InDelta(t, -500, gShort.UnrealizedPnl, 1e-6)

	// 参赛者浮动盈亏 = 两仓合计 -10
	pp := reloadParticipant(t, db, part.ID)
	assert.InDelta(t, -10, pp.UnrealizedPnl, 1e-6)

	// 全部平掉后再重估: 残留浮动盈亏清零
	_, err = svc.CloseAutomatic(ctx, pLong.ID, 1.10500, CloseUser)
	require.NoError(t, err)
	_, err = svc.CloseAutomatic(ctx, pShort.ID, 1.10510, CloseUser)
	require.NoError(t, err)

	updated, err = rev.UpdateAllPositionsPnL(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated)

	pp = reloadParticipant(t, db, part.ID)
	assert.InDelta(t, 0, pp.UnrealizedPnl, 1e-9)

	t.Log("✅ 重估标记与残值清零")
}

func TestSLTPScannerCloses(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	ctx := context.Background()
	ps := oracle.NewPriceService(time.Minute)
	svc := NewService(db, ps, nil, nil)
	scanner := NewSLTPScanner(db, ps, svc)

	c := seedContest(t, db, testSlug("sltp"))
	part := seedParticipant(t, db, c.ID, testUserBase+161, 50000)

	pSL := openTestPosition(t, db, part, SideLong, "EURUSD", 1, 1.10010, 100, 1.09500, 1.11000)
	pTP := openTestPosition(t, db, part, SideLong, "EURUSD", 1, 1.10010, 100, 0, 1.11000)
	pShort := openTestPosition(t, db, part, SideShort, "EURUSD", 1, 1.10010, 100, 1.10500, 0)
	pBare := openTestPosition(t, db, part, SideLong, "EURUSD", 1, 1.10010, 100, 0, 0)

	// 下行行情: 只有多头止损被触发
	pushQuote(ps, "EURUSD", 1.09400, 1.09410)
	closed, err := scanner.CheckStopLossTakeProfit(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	g := reloadPosition(t, db, pSL.ID)
	assert.Equal(t, StatusClosed, g.Status)
	assert.Equal(t, CloseStopLoss, g.CloseReason)
	assert.InDelta(t, 1.09400, g.CurrentPrice, 1e-9)

	assert.Equal(t, StatusOpen, reloadPosition(t, db, pTP.ID).Status)
	assert.Equal(t, StatusOpen, reloadPosition(t, db, pShort.ID).Status)

	// 降级行情不触发
	pushQuote(ps, "EURUSD", 1.11500, 1.11510)
	ps.SetFallback(true)
	closed, err = scanner.CheckStopLossTakeProfit(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
	ps.SetFallback(false)

	// 上行行情: 多头止盈 + 空头止损一起触发
	closed, err = scanner.CheckStopLossTakeProfit(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, closed)

	gTP := reloadPosition(t, db, pTP.ID)
	assert.Equal(t, CloseTakeProfit, gTP.CloseReason)
	assert.InDelta(t, 1.11500, gTP.CurrentPrice, 1e-9) // 多头吃 Bid

	gShort := reloadPosition(t, db, pShort.ID)
	assert.Equal(t, CloseStopLoss, gShort.CloseReason)
	assert.InDelta(t, 1.11510, gShort.CurrentPrice, 1e-9) // 空头吃 Ask

	// 无保护单的仓位始终不碰
	assert.Equal(t, StatusOpen, reloadPosition(t, db, pBare.ID).Status)

	t.Log("✅ 保护单巡检触发")
}

func TestMarginScannerScenarios(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	ctx := context.Background()
	ps := oracle.NewPriceService(time.Minute)
	svc := NewService(db, ps, nil, nil)
	mcfg := config.MarginConfig{
		SafeThreshold:        200,
		WarningThreshold:     150,
		MarginCallThreshold:  100,
		LiquidationThreshold: 50,
	}

	newScanner := func() (*MarginScanner, *captureSink) {
		sink := &captureSink{}
		return NewMarginScanner(db, ps, svc, sink, mcfg), sink
	}

	t.Run("Safe Level No Action", func(t *testing.T) {
		c := seedContest(t, db, testSlug("msafe"))
		part := seedParticipant(t, db, c.ID, testUserBase+171, 10000)
		openTestPosition(t, db, part, SideLong, "EURUSD", 5, 1.10000, 100, 0, 0)

		pushQuote(ps, "EURUSD", 1.09990, 1.10000)
		ms, sink := newScanner()
		liquidated, err := ms.CheckMarginCalls(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, liquidated)
		assert.Empty(t, sink.kinds())
	})

	t.Run("Warning Intent With Cooldown", func(t *testing.T) {
		c := seedContest(t, db, testSlug("mwarn"))
		part := seedParticipant(t, db, c.ID, testUserBase+172, 10000)
		openTestPosition(t, db, part, SideLong, "EURUSD", 5, 1.10000, 100, 0, 0)

		// equity 7150 / margin 5500 = 130% -> warning
		pushQuote(ps, "EURUSD", 1.09430, 1.09440)
		ms, sink := newScanner()
		liquidated, err := ms.CheckMarginCalls(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, liquidated)
		assert.Equal(t, []string{events.KindMarginWarning}, sink.kinds())

		// 冷却窗口内重复巡检不再发
		_, err = ms.CheckMarginCalls(ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, sink.kinds(), 1)
	})

	t.Run("Margin Call Intent", func(t *testing.T) {
		c := seedContest(t, db, testSlug("mcall"))
		part := seedParticipant(t, db, c.ID, testUserBase+173, 10000)
		p := openTestPosition(t, db, part, SideLong, "EURUSD", 5, 1.10000, 100, 0, 0)

		// equity 4400 / margin 5500 = 80% -> margin call
		pushQuote(ps, "EURUSD", 1.08880, 1.08890)
		ms, sink := newScanner()
		liquidated, err := ms.CheckMarginCalls(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, liquidated)
		assert.Equal(t, []string{events.KindMarginCall}, sink.kinds())
		assert.Equal(t, StatusOpen, reloadPosition(t, db, p.ID).Status)
	})

	t.Run("Liquidation Keeps Solvent Participant Active", func(t *testing.T) {
		c := seedContest(t, db, testSlug("mliq"))
		part := seedParticipant(t, db, c.ID, testUserBase+174, 10000)
		p := openTestPosition(t, db, part, SideLong, "EURUSD", 5, 1.10000, 100, 0, 0)

		// equity 500 / margin 5500 = 9% -> liquidation
		pushQuote(ps, "EURUSD", 1.08100, 1.08110)
		ms, sink := newScanner()
		liquidated, err := ms.CheckMarginCalls(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, liquidated)
		assert.Equal(t, []string{events.KindLiquidation}, sink.kinds())

		g := reloadPosition(t, db, p.ID)
		assert.Equal(t, StatusLiquidated, g.Status)
		assert.Equal(t, CloseMarginCall, g.CloseReason)
		assert.InDelta(t, -9500, g.RealizedPnl, 1e-6)

		// 还有 500 本金: 不出局，可以继续交易
		pp := reloadParticipant(t, db, part.ID)
		assert.Equal(t, contest.ParticipantActive, pp.Status)
		assert.InDelta(t, 500, pp.CurrentCapital, 1e-6)
		assert.InDelta(t, 0, pp.UsedMargin, 1e-6)
	})

	t.Run("Liquidation Marks Wiped Participant", func(t *testing.T) {
		c := seedContest(t, db, testSlug("mwipe"))
		part := seedParticipant(t, db, c.ID, testUserBase+175, 10000)
		p := openTestPosition(t, db, part, SideLong, "EURUSD", 5, 1.10000, 500, 0, 0)

		// 亏损 11000 > 本金: 平完资金打穿
		pushQuote(ps, "EURUSD", 1.07800, 1.07810)
		ms, sink := newScanner()
		liquidated, err := ms.CheckMarginCalls(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, liquidated)
		assert.Equal(t, []string{events.KindLiquidation}, sink.kinds())

		assert.Equal(t, StatusLiquidated, reloadPosition(t, db, p.ID).Status)

		pp := reloadParticipant(t, db, part.ID)
		assert.Equal(t, contest.ParticipantLiquidated, pp.Status)
		assert.Equal(t, "Margin call", pp.LiquidationReason)
		assert.InDelta(t, -1000, pp.CurrentCapital, 1e-6)
	})

	t.Run("Fallback Quote Blocks Gate", func(t *testing.T) {
		c := seedContest(t, db, testSlug("mgate"))
		part := seedParticipant(t, db, c.ID, testUserBase+176, 10000)
		p := openTestPosition(t, db, part, SideLong, "EURUSD", 5, 1.10000, 100, 0, 0)

		pushQuote(ps, "EURUSD", 1.08100, 1.08110)
		ps.SetFallback(true)
		ms, sink := newScanner()
		liquidated, err := ms.CheckMarginCalls(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, liquidated)
		assert.Empty(t, sink.kinds())
		assert.Equal(t, StatusOpen, reloadPosition(t, db, p.ID).Status)

		// 主源恢复后按原价强平
		ps.SetFallback(false)
		liquidated, err = ms.CheckMarginCalls(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, liquidated)
		assert.Equal(t, StatusLiquidated, reloadPosition(t, db, p.ID).Status)
	})

	t.Log("✅ 保证金分级与强平闸门")
}
