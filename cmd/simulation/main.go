// 端到端模拟器
//
// 跑一场完整竞赛: 建赛 -> 报名 -> 开赛 -> 下单 -> 暴跌触发止损 -> 结算发奖。
// 行情用内置 GBM 模拟源，可强制推送暴跌价格构造止损/保证金场景。
//
// 依赖: 本地 MySQL (必须)；Redis / NATS / Kafka 可缺省，
// 缺省时对应组件降级 (无竞赛缓存 / 无总线广播 / 无成交流水)。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fxarena.com/pkg/config"
	"fxarena.com/pkg/contest"
	"fxarena.com/pkg/events"
	"fxarena.com/pkg/kafka"
	natspkg "fxarena.com/pkg/nats"
	"fxarena.com/pkg/oracle"
	"fxarena.com/pkg/order"
	"fxarena.com/pkg/position"
	"fxarena.com/pkg/scheduler"
	"fxarena.com/pkg/wallet"
)

// 模拟参与者
const (
	userAlice = int64(1001)
	userBob   = int64(1002)
	userCarol = int64(1003)
)

// simClock 模拟场景全天开市 (周末跑模拟器也要能成交)
type simClock struct{}

func (simClock) IsOpenAt(time.Time) bool { return true }

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Println("🚀 Starting contest simulation...")

	cfg, err := config.Load(os.Getenv("FXARENA_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// 模拟器用短周期，肉眼可见地推进
	cfg.Scan.RevaluationSeconds = 1
	cfg.Scan.StopTakeSeconds = 1
	cfg.Scan.MarginSeconds = 2
	cfg.Scan.LimitOrderSeconds = 1
	cfg.Scan.ActivationSeconds = 1
	cfg.Scan.FinalizationSeconds = 2
	cfg.Scan.ChallengeExpirySeconds = 5

	// 1. 存储
	// -------------------------------------------------------------------------
	db, err := gorm.Open(mysql.Open(cfg.Database.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("mysql unavailable (simulation needs a local database): %v", err)
	}
	if err := db.AutoMigrate(
		&contest.Contest{}, &contest.Participant{},
		&order.Order{},
		&position.Position{}, &position.TradeHistory{}, &position.PriceLog{},
		&wallet.Wallet{}, &wallet.WalletTransaction{}, &wallet.PlatformTransaction{},
		&events.PositionEvent{}, &events.NotificationIntent{},
	); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("✅ MySQL ready")

	// 2. 可缺省的外部件: Redis / NATS / Kafka
	// -------------------------------------------------------------------------
	ctx := context.Background()

	var rds *redis.Client
	{
		c := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
		})
		if err := c.Ping(ctx).Err(); err != nil {
			log.Printf("⚠️ redis unavailable, running without contest cache / trigger index: %v", err)
		} else {
			rds = c
			log.Println("✅ Redis ready")
		}
	}

	var bus *natspkg.Publisher
	var intents *events.IntentWriter
	if p, err := natspkg.NewPublisher(cfg.NATS.URL); err != nil {
		log.Printf("⚠️ nats unavailable, events persist without broadcast: %v", err)
	} else {
		bus = p
		defer bus.Close()
		if w, err := events.NewIntentWriter(db, cfg.NATS.URL); err == nil {
			if err := w.Start(); err == nil {
				intents = w
				defer intents.Stop()
			}
		}
		log.Println("✅ NATS ready")
	}

	var trades *kafka.Producer
	{
		pc := kafka.DefaultProducerConfig(cfg.Kafka.Brokers)
		if p, err := kafka.NewProducer(pc); err != nil {
			log.Printf("⚠️ kafka unavailable, trade records skipped: %v", err)
		} else {
			trades = p
			defer trades.Close()
			log.Println("✅ Kafka ready")
		}
	}

	sink := events.NewRecorder(db, bus, trades)

	// 3. 行情: 模拟源 + 报价缓存
	// -------------------------------------------------------------------------
	prices := oracle.NewPriceService(cfg.PriceFeed.CacheTTL())
	feed := oracle.NewSimFeed(prices, []oracle.SimSymbol{
		{Symbol: "EURUSD", StartPrice: 1.1000, Volatility: 0.08, SpreadPips: 1},
		{Symbol: "GBPUSD", StartPrice: 1.2700, Volatility: 0.09, SpreadPips: 1.5},
		{Symbol: "USDJPY", StartPrice: 149.50, Volatility: 0.08, SpreadPips: 1.5},
	}, 200*time.Millisecond)
	feed.Start()
	defer feed.Stop()
	log.Println("✅ Price feed started (sim)")

	// 4. 领域装配
	// -------------------------------------------------------------------------
	wallets := wallet.NewRepo(db)

	var contests contest.ContestRepository = contest.NewMySQLContestRepository(db)
	if rds != nil {
		contests = contest.NewCachedContestRepository(contests, rds)
	}

	manager := contest.NewManager(db, contests, wallets, sink, nil, cfg.Challenge, cfg.Trading)

	posService := position.NewService(db, prices, order.NewWriter(), sink)
	if rds != nil {
		idx := position.NewTriggerIndex(rds)
		if err := posService.AttachTriggerIndex(ctx, idx); err != nil {
			log.Printf("⚠️ trigger index rebuild failed: %v", err)
		}
	}

	orderService := order.NewService(db, contests, prices, simClock{}, nil, sink, cfg.Trading)
	finalizer := contest.NewFinalizer(db, contests, wallets, posService, sink)

	sched := scheduler.New()
	sched.Register(scheduler.BuildTasks(cfg.Scan, scheduler.Deps{
		Contests:  contests,
		Manager:   manager,
		Finalizer: finalizer,
		Revaluer:  position.NewRevaluer(db, prices),
		StopTake:  position.NewSLTPScanner(db, prices, posService),
		Margin:    position.NewMarginScanner(db, prices, posService, sink, cfg.Margin),
		Limits:    order.NewLimitScanner(db, prices, orderService),
	})...)
	sched.Start()
	defer sched.Stop()

	// 5. 剧本
	// -------------------------------------------------------------------------
	go func() {
		if err := runScenario(ctx, db, manager, orderService, posService, wallets, feed, prices); err != nil {
			log.Printf("❌ scenario failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("🛑 Shutting down...")
	log.Printf("[EventSink] final stats: %+v", sink.Stats())
	log.Printf("[Scheduler] final stats: %+v", sched.Stats())
}

// runScenario 一场 40 秒的速成竞赛
func runScenario(
	ctx context.Context,
	db *gorm.DB,
	manager *contest.Manager,
	orders *order.Service,
	positions *position.Service,
	wallets *wallet.Repo,
	feed *oracle.SimFeed,
	prices *oracle.PriceService,
) error {
	now := time.Now()

	// 5.1 发钱
	for _, uid := range []int64{userAlice, userBob, userCarol} {
		if _, err := wallets.GetOrCreate(ctx, uid); err != nil {
			return fmt.Errorf("wallet %d: %w", uid, err)
		}
		_, err := wallets.Credit(ctx, uid, 1000, wallet.Entry{
			EventID:     fmt.Sprintf("sim:topup:%d:%d", uid, now.UnixNano()),
			Type:        wallet.TxnAdminAdjust,
			Description: "simulation top-up",
		})
		if err != nil {
			return fmt.Errorf("top up %d: %w", uid, err)
		}
	}
	log.Println("💰 Wallets funded: 3 users x 1000 credits")

	// 5.2 建赛并报名
	c, err := manager.CreateCompetition(ctx, &contest.CreateCompetitionRequest{
		Slug:            fmt.Sprintf("sim-sprint-%d", now.Unix()),
		Name:            "Simulation Sprint",
		StartTime:       now.Add(3 * time.Second),
		EndTime:         now.Add(40 * time.Second),
		EntryFee:        100,
		StartingCapital: 10_000,

		PlatformFeePercentage: 10,
		PrizeDistribution:     []contest.RankShare{{Rank: 1, Percentage: 70}, {Rank: 2, Percentage: 30}},
		MinParticipants:       2,
		MaxParticipants:       10,

		AssetClasses:     []string{"forex"},
		MaxOpenPositions: 5,
		MaxPositionSize:  10,

		RankingMethod: contest.RankByPnl,
		TieBreaker1:   contest.TieByTradesCount,
		TieBreaker2:   contest.TieByWinRate,

		Publish: true,
	})
	if err != nil {
		return fmt.Errorf("create competition: %w", err)
	}
	log.Printf("🏁 Competition created: id=%d slug=%s", c.ID, c.Slug)

	for _, uid := range []int64{userAlice, userBob, userCarol} {
		if _, err := manager.EnterCompetition(ctx, c.ID, uid); err != nil {
			return fmt.Errorf("enter %d: %w", uid, err)
		}
	}
	log.Println("👥 3 participants entered")

	// 5.3 等调度器开赛
	if err := waitForStatus(ctx, manager, c.ID, contest.StatusActive, 15*time.Second); err != nil {
		return err
	}
	log.Println("🟢 Competition active")

	// 5.4 下单
	// Alice: 买 1 手 EURUSD，止损紧贴，暴跌时必然触发
	if _, err := orders.PlaceOrder(ctx, order.PlaceRequest{
		ContestID: c.ID, UserID: userAlice,
		Symbol: "EURUSD", Side: order.SideBuy, OrderType: order.TypeMarket,
		Quantity: 1, Leverage: 100,
		StopLoss: 1.0940, TakeProfit: 1.1200,
	}); err != nil {
		return fmt.Errorf("alice order: %w", err)
	}

	// Bob: 卖 0.5 手 GBPUSD，暴跌行情下盈利
	if _, err := orders.PlaceOrder(ctx, order.PlaceRequest{
		ContestID: c.ID, UserID: userBob,
		Symbol: "GBPUSD", Side: order.SideSell, OrderType: order.TypeMarket,
		Quantity: 0.5, Leverage: 50,
	}); err != nil {
		return fmt.Errorf("bob order: %w", err)
	}

	// Carol: 限价买单挂在市场下方，等暴跌成交
	if _, err := orders.PlaceOrder(ctx, order.PlaceRequest{
		ContestID: c.ID, UserID: userCarol,
		Symbol: "EURUSD", Side: order.SideBuy, OrderType: order.TypeLimit,
		Quantity: 0.5, Leverage: 100,
		LimitPrice: 1.0960,
	}); err != nil {
		return fmt.Errorf("carol order: %w", err)
	}
	log.Println("📈 Orders placed: 2 market + 1 limit")

	// 5.5 暴跌: EURUSD 直落 80 点，触发 Alice 止损和 Carol 限价单
	time.Sleep(5 * time.Second)
	log.Println("📉 FORCED CRASH! EURUSD 1.1000 -> 1.0920, GBPUSD -120 pips")
	feed.SetPrice("EURUSD", 1.0920)
	feed.SetPrice("GBPUSD", 1.2580)

	// 5.6 等结算 (调度器在 endTime 后自动清仓 + 发奖)
	if err := waitForStatus(ctx, manager, c.ID, contest.StatusCompleted, 90*time.Second); err != nil {
		return err
	}
	log.Println("🏆 Competition completed")

	printLeaderboard(ctx, manager, c.ID)
	printWallets(ctx, wallets)
	return nil
}

// waitForStatus 轮询等待竞赛到达目标状态
func waitForStatus(ctx context.Context, manager *contest.Manager, contestID int64, want contest.ContestStatus, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := manager.GetContest(ctx, contestID)
		if err != nil {
			return err
		}
		if c.Status == want {
			return nil
		}
		if c.Status == contest.StatusCancelled {
			return errors.New("competition was cancelled")
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("contest %d never reached %s within %v", contestID, want, timeout)
}

func printLeaderboard(ctx context.Context, manager *contest.Manager, contestID int64) {
	ranked, err := manager.GetLeaderboard(ctx, contestID)
	if err != nil {
		log.Printf("leaderboard: %v", err)
		return
	}

	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rank", "User", "PnL", "Trades", "Win%", "Status", "Prize")
	for _, r := range ranked {
		p := r.Participant
		status := p.Status.String()
		if !r.Qualified {
			status = "DQ: " + r.DQReason
		}
		table.Append(
			fmt.Sprintf("%d", r.Rank),
			fmt.Sprintf("%d", p.UserID),
			fmt.Sprintf("%+.2f", p.Pnl),
			fmt.Sprintf("%d", p.TotalTrades),
			fmt.Sprintf("%.1f", p.WinRate),
			status,
			fmt.Sprintf("%d", p.PrizeReceived),
		)
	}
	table.Render()
	fmt.Println()
}

func printWallets(ctx context.Context, wallets *wallet.Repo) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("User", "Balance", "Journal Sum")
	for _, uid := range []int64{userAlice, userBob, userCarol} {
		w, err := wallets.Get(ctx, uid)
		if err != nil || w == nil {
			continue
		}
		sum, _ := wallets.SumTransactions(ctx, uid)
		table.Append(fmt.Sprintf("%d", uid), fmt.Sprintf("%d", w.CreditBalance), fmt.Sprintf("%d", sum))
	}
	table.Render()
}
