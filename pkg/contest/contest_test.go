// 文件: pkg/contest/contest_test.go
// 竞赛仓储集成测试 (需要本地 MySQL)

package contest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fxarena.com/pkg/wallet"
)

const testDSN = "root:123456@tcp(127.0.0.1:3307)/fxarena?charset=utf8mb4&parseTime=True&loc=Local"

// 测试用户段 99xxxx，避免和其他测试数据冲突
const testUserBase = int64(990000)

// testRunID 保证多次运行的 slug 不冲突
var testRunID = time.Now().UnixNano() % 1_000_000_000

func testSlug(name string) string {
	return fmt.Sprintf("zz-test-%s-%d", name, testRunID)
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(mysql.Open(testDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("mysql not available: %v", err)
	}

	// 自动迁移 (含管理器测试用到的钱包表)
	require.NoError(t, db.AutoMigrate(
		&Contest{}, &Participant{},
		&wallet.Wallet{}, &wallet.WalletTransaction{}, &wallet.PlatformTransaction{},
	))
	return db
}

func cleanupTestData(db *gorm.DB) {
	db.Exec(`DELETE pt FROM platform_transactions pt
		JOIN contests c ON c.id = pt.contest_id
		WHERE c.slug LIKE 'zz-test-%' OR (c.challenger_id >= ? AND c.challenger_id < ?)`,
		testUserBase, testUserBase+1000)
	db.Exec("DELETE FROM wallet_transactions WHERE user_id >= ? AND user_id < ?", testUserBase, testUserBase+1000)
	db.Exec("DELETE FROM wallets WHERE user_id >= ? AND user_id < ?", testUserBase, testUserBase+1000)
	db.Exec("DELETE FROM participants WHERE user_id >= ? AND user_id < ?", testUserBase, testUserBase+1000)
	db.Exec("DELETE FROM contests WHERE slug LIKE 'zz-test-%' OR (challenger_id >= ? AND challenger_id < ?)",
		testUserBase, testUserBase+1000)
}

// newTestContest 报名中的基础竞赛
func newTestContest(slug string) *Contest {
	now := time.Now()
	return &Contest{
		Slug:              slug,
		Name:              "Test Contest " + slug,
		Kind:              KindCompetition,
		Status:            StatusUpcoming,
		StartTime:         now.Add(time.Hour),
		EndTime:           now.Add(2 * time.Hour),
		EntryFee:          100,
		StartingCapital:   10000,
		PrizeDistribution: []RankShare{{Rank: 1, Percentage: 100}},
		MinParticipants:   1,
		MaxParticipants:   10,
		AssetClasses:      []string{"forex"},
		MinLeverage:       1,
		MaxLeverage:       500,
		DefaultLeverage:   100,
		MaxOpenPositions:  10,
		MaxPositionSize:   50,
		RankingMethod:     RankByPnl,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func createParticipant(t *testing.T, repo *ParticipantRepo, contestID, userID int64, capital float64) *Participant {
	p := &Participant{
		ContestID:        contestID,
		UserID:           userID,
		StartingCapital:  capital,
		CurrentCapital:   capital,
		AvailableCapital: capital,
		Status:           ParticipantActive,
		EnteredAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	require.NoError(t, repo.Create(context.Background(), p))
	return p
}

func TestContestStatusTransitions(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	repo := NewMySQLContestRepository(db)
	ctx := context.Background()

	c := newTestContest(testSlug("status"))
	c.Status = StatusDraft
	require.NoError(t, repo.Create(ctx, c))
	require.NotZero(t, c.ID)

	// 合法流转
	require.NoError(t, repo.UpdateStatus(ctx, c.ID, StatusDraft, StatusUpcoming))

	// 非法流转: 当前不是 draft
	err := repo.UpdateStatus(ctx, c.ID, StatusDraft, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// 取消并记录原因
	require.NoError(t, repo.SetCancelled(ctx, c.ID, "Minimum participants not met", StatusUpcoming, StatusPending))
	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "Minimum participants not met", got.CancelReason)

	// 已取消后不可再流转
	err = repo.UpdateStatus(ctx, c.ID, StatusUpcoming, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	t.Log("✅ 状态机单向流转")
}

func TestGetBySlugAndMissing(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	repo := NewMySQLContestRepository(db)
	ctx := context.Background()

	slug := testSlug("slug")
	c := newTestContest(slug)
	require.NoError(t, repo.Create(ctx, c))

	got, err := repo.GetBySlug(ctx, slug)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, []string{"forex"}, got.AssetClasses)
	assert.Equal(t, 100.0, got.PrizeDistribution[0].Percentage)

	// 未命中返回 (nil, nil)
	missing, err := repo.GetBySlug(ctx, testSlug("missing"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	missingByID, err := repo.GetByID(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, missingByID)

	t.Log("✅ slug 查询与未命中语义")
}

func TestRegisterJoinGuards(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	repo := NewMySQLContestRepository(db)
	ctx := context.Background()

	c := newTestContest(testSlug("join"))
	c.MaxParticipants = 2
	require.NoError(t, repo.Create(ctx, c))

	// 两个名额
	require.NoError(t, repo.RegisterJoin(ctx, c.ID, 100, StatusUpcoming, StatusActive))
	require.NoError(t, repo.RegisterJoin(ctx, c.ID, 100, StatusUpcoming, StatusActive))

	// 满员
	err := repo.RegisterJoin(ctx, c.ID, 100, StatusUpcoming, StatusActive)
	assert.ErrorIs(t, err, ErrContestFull)

	got, _ := repo.GetByID(ctx, c.ID)
	assert.Equal(t, 2, got.CurrentParticipants)
	assert.Equal(t, int64(200), got.PrizePool)

	// 状态不符
	require.NoError(t, repo.SetCancelled(ctx, c.ID, "test", StatusUpcoming))
	err = repo.RegisterJoin(ctx, c.ID, 100, StatusUpcoming, StatusActive)
	assert.ErrorIs(t, err, ErrContestNotJoinable)

	t.Log("✅ 入场预占守卫")
}

func TestParticipantCapitalFlow(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	crepo := NewMySQLContestRepository(db)
	prepo := NewParticipantRepo(db)
	ctx := context.Background()

	c := newTestContest(testSlug("capital"))
	require.NoError(t, crepo.Create(ctx, c))
	p := createParticipant(t, prepo, c.ID, testUserBase+101, 10000)

	// 开仓: 1 手 EURUSD @1.10010 杠杆 100 -> 保证金 1100.10
	margin := 1100.10
	require.NoError(t, prepo.ApplyOpen(ctx, p.ID, margin))

	got, err := prepo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 8899.90, got.AvailableCapital, 1e-6)
	assert.InDelta(t, 1100.10, got.UsedMargin, 1e-6)
	assert.Equal(t, 1, got.CurrentOpenPositions)
	assert.Equal(t, 1, got.TotalTrades)

	// 止损平仓亏 120
	require.NoError(t, prepo.ApplyClose(ctx, p.ID, -120, margin))

	got, err = prepo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 9880.00, got.AvailableCapital, 1e-6)
	assert.InDelta(t, 0, got.UsedMargin, 1e-6)
	assert.InDelta(t, 9880.00, got.CurrentCapital, 1e-6)
	assert.InDelta(t, -120, got.RealizedPnl, 1e-6)
	assert.Equal(t, 2, got.TotalTrades) // 开仓一笔 + 平仓一笔
	assert.Equal(t, 1, got.LosingTrades)
	assert.Equal(t, 0, got.WinningTrades)
	assert.InDelta(t, 0, got.WinRate, 1e-6)
	assert.InDelta(t, -120, got.AverageLoss, 1e-6)
	assert.InDelta(t, -120, got.LargestLoss, 1e-6)
	assert.Equal(t, 0, got.CurrentOpenPositions)

	// 资金恒等式: currentCapital = startingCapital + realizedPnl
	assert.InDelta(t, got.StartingCapital+got.RealizedPnl, got.CurrentCapital, 1e-6)
	// 无持仓时: availableCapital == currentCapital, usedMargin == 0
	assert.InDelta(t, got.CurrentCapital, got.AvailableCapital, 1e-6)

	t.Log("✅ 开平仓资金结转与恒等式")
}

func TestApplyCloseRollingStats(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	crepo := NewMySQLContestRepository(db)
	prepo := NewParticipantRepo(db)
	ctx := context.Background()

	c := newTestContest(testSlug("stats"))
	require.NoError(t, crepo.Create(ctx, c))
	p := createParticipant(t, prepo, c.ID, testUserBase+102, 10000)

	// 第一轮: +250
	require.NoError(t, prepo.ApplyOpen(ctx, p.ID, 500))
	require.NoError(t, prepo.ApplyClose(ctx, p.ID, 250, 500))

	got, _ := prepo.GetByID(ctx, p.ID)
	assert.Equal(t, 1, got.WinningTrades)
	assert.InDelta(t, 50, got.WinRate, 1e-6) // 1 胜 / 2 笔
	assert.InDelta(t, 250, got.AverageWin, 1e-6)
	assert.InDelta(t, 250, got.LargestWin, 1e-6)

	// 第二轮: +150，均值滚动
	require.NoError(t, prepo.ApplyOpen(ctx, p.ID, 400))
	require.NoError(t, prepo.ApplyClose(ctx, p.ID, 150, 400))

	got, _ = prepo.GetByID(ctx, p.ID)
	assert.Equal(t, 2, got.WinningTrades)
	assert.Equal(t, 4, got.TotalTrades)
	assert.InDelta(t, 50, got.WinRate, 1e-6) // 2 胜 / 4 笔
	assert.InDelta(t, 200, got.AverageWin, 1e-6)
	assert.InDelta(t, 250, got.LargestWin, 1e-6)
	assert.InDelta(t, 400, got.RealizedPnl, 1e-6)
	assert.InDelta(t, 10400, got.CurrentCapital, 1e-6)
	assert.InDelta(t, 4.0, got.PnlPercentage, 1e-6) // 400 / 10000

	t.Log("✅ 胜率与滚动均值")
}

func TestApplyOpenGuards(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	crepo := NewMySQLContestRepository(db)
	prepo := NewParticipantRepo(db)
	ctx := context.Background()

	c := newTestContest(testSlug("guards"))
	require.NoError(t, crepo.Create(ctx, c))
	p := createParticipant(t, prepo, c.ID, testUserBase+103, 1000)

	// 可用资金不足
	err := prepo.ApplyOpen(ctx, p.ID, 1500)
	assert.ErrorIs(t, err, ErrInsufficientCapital)

	// 非参赛状态整体拒绝
	require.NoError(t, prepo.MarkLiquidated(ctx, p.ID, "Margin call"))
	err = prepo.ApplyOpen(ctx, p.ID, 100)
	assert.ErrorIs(t, err, ErrNotParticipant)

	got, _ := prepo.GetByID(ctx, p.ID)
	assert.Equal(t, ParticipantLiquidated, got.Status)
	assert.Equal(t, "Margin call", got.LiquidationReason)
	assert.InDelta(t, 1000, got.AvailableCapital, 1e-6) // 分文未动

	t.Log("✅ 开仓守卫")
}

func TestDuplicateParticipant(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	crepo := NewMySQLContestRepository(db)
	prepo := NewParticipantRepo(db)
	ctx := context.Background()

	c := newTestContest(testSlug("dup"))
	require.NoError(t, crepo.Create(ctx, c))
	createParticipant(t, prepo, c.ID, testUserBase+104, 10000)

	err := prepo.Create(ctx, &Participant{
		ContestID: c.ID,
		UserID:    testUserBase + 104,
		Status:    ParticipantActive,
		EnteredAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	t.Log("✅ 重复报名唯一键拦截")
}

func TestScanQueries(t *testing.T) {
	db := setupTestDB(t)
	cleanupTestData(db)
	defer cleanupTestData(db)

	repo := NewMySQLContestRepository(db)
	ctx := context.Background()
	now := time.Now()

	// 到点未开赛
	due := newTestContest(testSlug("due"))
	due.StartTime = now.Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, due))

	// 未到点
	future := newTestContest(testSlug("future"))
	require.NoError(t, repo.Create(ctx, future))

	// 进行中已到期
	ended := newTestContest(testSlug("ended"))
	ended.Status = StatusActive
	ended.StartTime = now.Add(-2 * time.Hour)
	ended.EndTime = now.Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, ended))

	// 过期的待接受挑战
	deadline := now.Add(-time.Minute)
	stale := newTestContest(testSlug("stale"))
	stale.Kind = KindChallenge
	stale.Status = StatusPending
	stale.ChallengerID = testUserBase + 105
	stale.AcceptDeadline = &deadline
	require.NoError(t, repo.Create(ctx, stale))

	activatable, err := repo.ListActivatable(ctx, now)
	require.NoError(t, err)
	assert.True(t, containsContest(activatable, due.ID))
	assert.False(t, containsContest(activatable, future.ID))

	finalizable, err := repo.ListFinalizable(ctx, now)
	require.NoError(t, err)
	assert.True(t, containsContest(finalizable, ended.ID))
	assert.False(t, containsContest(finalizable, due.ID))

	expired, err := repo.ListExpiredPending(ctx, now)
	require.NoError(t, err)
	assert.True(t, containsContest(expired, stale.ID))

	count, err := repo.CountByChallenger(ctx, testUserBase+105, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	t.Log("✅ 调度扫描查询")
}

func containsContest(contests []*Contest, id int64) bool {
	for _, c := range contests {
		if c.ID == id {
			return true
		}
	}
	return false
}
