// 文件: pkg/contest/manager.go
// 竞赛生命周期管理
//
// 【职责】
// - 创建/发布竞赛，创建/接受 1v1 挑战
// - 报名: 钱包扣费 + 占位 + 参赛者建档，单事务完成
// - 到点开赛或人数不足取消退款 (调度器驱动，读边界时懒校验兜底)
// - 待接受挑战过期 (报名费在接受时才扣，过期不产生任何账务)
//
// 【事务边界】
// 跨钱包/竞赛/参赛者的写入共用一个 gorm 事务，
// 仓储在事务内用 tx 句柄重新实例化，提交失败整体回滚。

package contest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fxarena.com/pkg/config"
	"fxarena.com/pkg/events"
	"fxarena.com/pkg/wallet"
)

// 受限用户动作
const (
	ActionTrade            = "trade"
	ActionEnterCompetition = "enter_competition"
)

// Restrictor 用户限制检查 (外部能力，可为 nil)
type Restrictor interface {
	CanUserPerformAction(ctx context.Context, userID int64, action string) (allowed bool, reason string, err error)
}

// cacheInvalidator 缓存装饰器的可选失效入口
type cacheInvalidator interface {
	InvalidateContest(ctx context.Context, id int64)
}

// =============================================================================
// Manager
// =============================================================================

// Manager 竞赛生命周期管理器
type Manager struct {
	db           *gorm.DB
	contests     ContestRepository
	participants *ParticipantRepo
	wallets      *wallet.Repo
	sink         events.Sink
	restrict     Restrictor

	challengeCfg config.ChallengeConfig
	tradingCfg   config.TradingConfig
}

// NewManager 创建管理器，restrict 可为 nil (跳过限制检查)
func NewManager(
	db *gorm.DB,
	contests ContestRepository,
	wallets *wallet.Repo,
	sink events.Sink,
	restrict Restrictor,
	challengeCfg config.ChallengeConfig,
	tradingCfg config.TradingConfig,
) *Manager {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Manager{
		db:           db,
		contests:     contests,
		participants: NewParticipantRepo(db),
		wallets:      wallets,
		sink:         sink,
		restrict:     restrict,
		challengeCfg: challengeCfg,
		tradingCfg:   tradingCfg,
	}
}

// =============================================================================
// 竞赛创建
// =============================================================================

// CreateCompetitionRequest 创建多人竞赛请求
type CreateCompetitionRequest struct {
	Slug string
	Name string

	StartTime time.Time
	EndTime   time.Time

	EntryFee              int64
	StartingCapital       float64
	PlatformFeePercentage float64
	PrizeDistribution     []RankShare
	MinParticipants       int
	MaxParticipants       int

	AssetClasses     []string
	AllowedSymbols   []string
	BlockedSymbols   []string
	MinLeverage      float64
	MaxLeverage      float64
	DefaultLeverage  float64
	MaxOpenPositions int
	MaxPositionSize  float64

	RankingMethod           string
	TieBreaker1             string
	TieBreaker2             string
	MinimumTrades           int
	DisqualifyOnLiquidation bool
	RiskLimits              RiskLimits

	// Publish 为 true 时跳过草稿直接进入报名中
	Publish bool
}

// CreateCompetition 创建多人竞赛
func (m *Manager) CreateCompetition(ctx context.Context, req *CreateCompetitionRequest) (*Contest, error) {
	// 1. 基础校验
	if req.Slug == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: slug and name are required", ErrValidation)
	}
	if !req.EndTime.After(req.StartTime) {
		return nil, fmt.Errorf("%w: end time must be after start time", ErrValidation)
	}
	if req.StartingCapital <= 0 {
		return nil, fmt.Errorf("%w: starting capital must be positive", ErrValidation)
	}
	if req.EntryFee < 0 {
		return nil, fmt.Errorf("%w: entry fee cannot be negative", ErrValidation)
	}
	if err := ValidateDistribution(req.PrizeDistribution); err != nil {
		return nil, err
	}

	// 2. slug 预检 (唯一索引兜底并发)
	if existing, err := m.contests.GetBySlug(ctx, req.Slug); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: slug already exists", ErrValidation)
	}

	// 3. 未填项落默认值
	c := &Contest{
		Slug:                    req.Slug,
		Name:                    req.Name,
		Kind:                    KindCompetition,
		Status:                  StatusDraft,
		StartTime:               req.StartTime,
		EndTime:                 req.EndTime,
		EntryFee:                req.EntryFee,
		StartingCapital:         req.StartingCapital,
		PlatformFeePercentage:   req.PlatformFeePercentage,
		PrizeDistribution:       req.PrizeDistribution,
		MinParticipants:         req.MinParticipants,
		MaxParticipants:         req.MaxParticipants,
		AssetClasses:            m.defaultAssetClasses(req.AssetClasses),
		AllowedSymbols:          req.AllowedSymbols,
		BlockedSymbols:          req.BlockedSymbols,
		MinLeverage:             defaultFloat(req.MinLeverage, m.tradingCfg.MinLeverage),
		MaxLeverage:             defaultFloat(req.MaxLeverage, m.tradingCfg.MaxLeverage),
		DefaultLeverage:         defaultFloat(req.DefaultLeverage, m.tradingCfg.DefaultLeverage),
		MaxOpenPositions:        req.MaxOpenPositions,
		MaxPositionSize:         defaultFloat(req.MaxPositionSize, m.tradingCfg.MaxPositionSize),
		RankingMethod:           defaultString(req.RankingMethod, RankByPnl),
		TieBreaker1:             req.TieBreaker1,
		TieBreaker2:             req.TieBreaker2,
		MinimumTrades:           req.MinimumTrades,
		DisqualifyOnLiquidation: req.DisqualifyOnLiquidation,
		RiskLimits:              req.RiskLimits,
		CreatedAt:               time.Now(),
		UpdatedAt:               time.Now(),
	}
	if req.Publish {
		c.Status = StatusUpcoming
	}

	// 4. 落库
	if err := m.contests.Create(ctx, c); err != nil {
		return nil, err
	}

	log.Printf("[Contest] competition created: id=%d, slug=%s, start=%s, fee=%d",
		c.ID, c.Slug, c.StartTime.Format(time.RFC3339), c.EntryFee)
	return c, nil
}

// PublishDraft 发布草稿进入报名
func (m *Manager) PublishDraft(ctx context.Context, contestID int64) error {
	return m.contests.UpdateStatus(ctx, contestID, StatusDraft, StatusUpcoming)
}

// =============================================================================
// 竞赛报名
// =============================================================================

// EnterCompetition 报名多人竞赛
//
// 事务内: 钱包扣报名费 -> 竞赛占位 -> 参赛者建档。
// 任一步失败整体回滚，扣费流水带确定性幂等键可安全重试。
func (m *Manager) EnterCompetition(ctx context.Context, contestID, userID int64) (*Participant, error) {
	// 1. 用户限制
	if err := m.checkRestriction(ctx, userID, ActionEnterCompetition); err != nil {
		return nil, err
	}

	// 2. 读竞赛并懒校验开赛边界
	c, err := m.contests.GetByID(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrContestNotFound
	}
	if c.IsChallenge() {
		return nil, fmt.Errorf("%w: use AcceptChallenge for challenges", ErrValidation)
	}
	if c, err = m.EnsureBoundary(ctx, c); err != nil {
		return nil, err
	}

	// 3. 预检 (权威校验在事务内的条件更新)
	if !c.Joinable() {
		return nil, ErrContestNotJoinable
	}
	if c.Full() {
		return nil, ErrContestFull
	}

	// 4. 单事务: 扣费 + 占位 + 建档
	now := time.Now()
	p := &Participant{
		ContestID:        contestID,
		UserID:           userID,
		StartingCapital:  c.StartingCapital,
		CurrentCapital:   c.StartingCapital,
		AvailableCapital: c.StartingCapital,
		Status:           ParticipantActive,
		EnteredAt:        now,
		UpdatedAt:        now,
	}
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.EntryFee > 0 {
			wtx := wallet.NewRepo(tx)
			_, derr := wtx.Debit(ctx, userID, c.EntryFee, wallet.Entry{
				EventID:     fmt.Sprintf("competition_entry:%d:%d", contestID, userID),
				Type:        wallet.TxnCompetitionEntry,
				ContestID:   contestID,
				Description: fmt.Sprintf("Entry fee for %s", c.Name),
			})
			if derr != nil {
				return derr
			}
		}
		crepo := NewMySQLContestRepository(tx)
		if jerr := crepo.RegisterJoin(ctx, contestID, c.EntryFee, StatusUpcoming, StatusActive); jerr != nil {
			return jerr
		}
		return NewParticipantRepo(tx).Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	// 5. 提交后: 失效缓存 + 发事件
	m.invalidateContest(ctx, contestID)
	m.sink.Emit(events.NewPositionEvent(events.TypeContestJoined, userID, contestID, 0, map[string]any{
		"contest_name":     c.Name,
		"entry_fee":        c.EntryFee,
		"starting_capital": c.StartingCapital,
	}))

	log.Printf("[Contest] user joined: contest=%d, user=%d, fee=%d", contestID, userID, c.EntryFee)
	return p, nil
}

// =============================================================================
// 1v1 挑战
// =============================================================================

// CreateChallengeRequest 创建挑战请求
type CreateChallengeRequest struct {
	ChallengerID int64
	OpponentID   int64 // 0 = 公开挑战，任何人可接
	Name         string

	EntryFee        int64
	StartingCapital float64
	DurationMinutes int

	AssetClasses   []string
	AllowedSymbols []string
	BlockedSymbols []string

	RankingMethod string
	TieBreaker1   string
	TieBreaker2   string
	MinimumTrades int

	MaxOpenPositions int
	MaxPositionSize  float64
}

// CreateChallenge 创建 1v1 挑战
//
// 创建只是下战书: 不扣费、不建档。双方报名费在接受时的同一事务内扣除，
// 所以无人接受的挑战过期时没有任何账务需要回滚。
func (m *Manager) CreateChallenge(ctx context.Context, req *CreateChallengeRequest) (*Contest, error) {
	cfg := m.challengeCfg

	// 1. 用户限制
	if err := m.checkRestriction(ctx, req.ChallengerID, ActionEnterCompetition); err != nil {
		return nil, err
	}

	// 2. 参数校验
	if req.EntryFee < cfg.MinEntryFee || req.EntryFee > cfg.MaxEntryFee {
		return nil, ErrEntryFeeOutOfRange
	}
	if req.DurationMinutes < cfg.MinDurationMinutes || req.DurationMinutes > cfg.MaxDurationMinutes {
		return nil, ErrDurationOutOfRange
	}
	if req.StartingCapital <= 0 {
		return nil, fmt.Errorf("%w: starting capital must be positive", ErrValidation)
	}
	if req.OpponentID != 0 && req.OpponentID == req.ChallengerID {
		return nil, ErrSelfChallenge
	}

	// 3. 频控: 待接受上限 / 进行中上限 / 创建冷却
	pending, err := m.contests.CountByChallenger(ctx, req.ChallengerID, StatusPending)
	if err != nil {
		return nil, err
	}
	if cfg.MaxPendingChallenges > 0 && pending >= int64(cfg.MaxPendingChallenges) {
		return nil, ErrTooManyPending
	}
	active, err := m.participants.CountByUserKindStatus(ctx, req.ChallengerID, KindChallenge, StatusActive)
	if err != nil {
		return nil, err
	}
	if cfg.MaxActiveChallenges > 0 && active >= int64(cfg.MaxActiveChallenges) {
		return nil, ErrTooManyActive
	}
	if cfg.CooldownMinutes > 0 {
		last, lerr := m.contests.LastChallengeCreatedAt(ctx, req.ChallengerID)
		if lerr != nil {
			return nil, lerr
		}
		if !last.IsZero() && time.Since(last) < cfg.Cooldown() {
			return nil, ErrChallengeCooldown
		}
	}

	// 4. 落库 (pending，等待接受)
	now := time.Now()
	deadline := now.Add(cfg.AcceptDeadline())
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("Challenge by user %d", req.ChallengerID)
	}
	c := &Contest{
		Slug:                  fmt.Sprintf("challenge-%s", uuid.NewString()[:8]),
		Name:                  name,
		Kind:                  KindChallenge,
		Status:                StatusPending,
		ChallengerID:          req.ChallengerID,
		OpponentID:            req.OpponentID,
		AcceptDeadline:        &deadline,
		DurationMinutes:       req.DurationMinutes,
		EntryFee:              req.EntryFee,
		StartingCapital:       req.StartingCapital,
		PlatformFeePercentage: cfg.PlatformFeePercentage,
		MinParticipants:       2,
		MaxParticipants:       2,
		AssetClasses:          m.defaultAssetClasses(req.AssetClasses),
		AllowedSymbols:        req.AllowedSymbols,
		BlockedSymbols:        req.BlockedSymbols,
		MinLeverage:           m.tradingCfg.MinLeverage,
		MaxLeverage:           m.tradingCfg.MaxLeverage,
		DefaultLeverage:       m.tradingCfg.DefaultLeverage,
		MaxOpenPositions:      req.MaxOpenPositions,
		MaxPositionSize:       defaultFloat(req.MaxPositionSize, m.tradingCfg.MaxPositionSize),
		RankingMethod:         defaultString(req.RankingMethod, RankByPnl),
		TieBreaker1:           defaultString(req.TieBreaker1, TieByTradesCount),
		TieBreaker2:           defaultString(req.TieBreaker2, TieByWinRate),
		MinimumTrades:         req.MinimumTrades,
		TiePrizeDistribution:  defaultString(cfg.TiePrizeDistribution, TieSplitEqually),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := m.contests.Create(ctx, c); err != nil {
		return nil, err
	}

	log.Printf("[Contest] challenge created: id=%d, challenger=%d, opponent=%d, fee=%d, deadline=%s",
		c.ID, c.ChallengerID, c.OpponentID, c.EntryFee, deadline.Format(time.RFC3339))
	return c, nil
}

// AcceptChallenge 接受挑战
//
// 单事务: 扣挑战方报名费 -> 扣接受方报名费 -> 双方建档 -> 占位 x2 ->
// pending CAS 转 active 并写入赛程。挑战方先锁定钱包行，
// 并发接受同一挑战时第二个事务在 CAS 处失败并整体回滚。
func (m *Manager) AcceptChallenge(ctx context.Context, challengeID, userID int64) (*Participant, error) {
	// 1. 用户限制
	if err := m.checkRestriction(ctx, userID, ActionEnterCompetition); err != nil {
		return nil, err
	}

	// 2. 读挑战并校验
	c, err := m.contests.GetByID(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrContestNotFound
	}
	if !c.IsChallenge() {
		return nil, fmt.Errorf("%w: contest is not a challenge", ErrValidation)
	}
	if c.Status != StatusPending {
		return nil, ErrChallengeNotPending
	}
	if c.AcceptDeadline != nil && time.Now().After(*c.AcceptDeadline) {
		// 懒过期，正式过期由调度器负责
		if uerr := m.contests.UpdateStatus(ctx, challengeID, StatusPending, StatusExpired); uerr != nil && !errors.Is(uerr, ErrInvalidTransition) {
			log.Printf("[Contest] lazy expire failed: challenge=%d, err=%v", challengeID, uerr)
		}
		return nil, ErrChallengeExpired
	}
	if userID == c.ChallengerID {
		return nil, ErrSelfChallenge
	}
	if c.OpponentID != 0 && c.OpponentID != userID {
		return nil, ErrNotChallenged
	}
	if m.challengeCfg.MaxActiveChallenges > 0 {
		active, cerr := m.participants.CountByUserKindStatus(ctx, userID, KindChallenge, StatusActive)
		if cerr != nil {
			return nil, cerr
		}
		if active >= int64(m.challengeCfg.MaxActiveChallenges) {
			return nil, ErrTooManyActive
		}
	}

	// 3. 赛后全额奖金 = 总池 - 平台抽成
	pool := 2 * c.EntryFee
	winnerPrize := pool - platformCut(pool, c.PlatformFeePercentage)

	now := time.Now()
	start := now
	end := now.Add(time.Duration(c.DurationMinutes) * time.Minute)

	challenger := &Participant{
		ContestID:        challengeID,
		UserID:           c.ChallengerID,
		StartingCapital:  c.StartingCapital,
		CurrentCapital:   c.StartingCapital,
		AvailableCapital: c.StartingCapital,
		Status:           ParticipantActive,
		EnteredAt:        c.CreatedAt, // 挑战方视为先入场
		UpdatedAt:        now,
	}
	acceptor := &Participant{
		ContestID:        challengeID,
		UserID:           userID,
		StartingCapital:  c.StartingCapital,
		CurrentCapital:   c.StartingCapital,
		AvailableCapital: c.StartingCapital,
		Status:           ParticipantActive,
		EnteredAt:        now,
		UpdatedAt:        now,
	}

	// 4. 单事务完成全部账务与状态流转
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wtx := wallet.NewRepo(tx)
		if _, derr := wtx.Debit(ctx, c.ChallengerID, c.EntryFee, wallet.Entry{
			EventID:     fmt.Sprintf("challenge_entry:%d:%d", challengeID, c.ChallengerID),
			Type:        wallet.TxnChallengeEntry,
			ContestID:   challengeID,
			Challenge:   true,
			Description: fmt.Sprintf("Challenge entry fee for %s", c.Name),
		}); derr != nil {
			if errors.Is(derr, wallet.ErrInsufficientBalance) {
				return fmt.Errorf("challenger cannot cover entry fee: %w", derr)
			}
			return derr
		}
		if _, derr := wtx.Debit(ctx, userID, c.EntryFee, wallet.Entry{
			EventID:     fmt.Sprintf("challenge_entry:%d:%d", challengeID, userID),
			Type:        wallet.TxnChallengeEntry,
			ContestID:   challengeID,
			Challenge:   true,
			Description: fmt.Sprintf("Challenge entry fee for %s", c.Name),
		}); derr != nil {
			return derr
		}

		ptx := NewParticipantRepo(tx)
		if perr := ptx.Create(ctx, challenger); perr != nil {
			return perr
		}
		if perr := ptx.Create(ctx, acceptor); perr != nil {
			return perr
		}

		crepo := NewMySQLContestRepository(tx)
		if jerr := crepo.RegisterJoin(ctx, challengeID, c.EntryFee, StatusPending); jerr != nil {
			return jerr
		}
		if jerr := crepo.RegisterJoin(ctx, challengeID, c.EntryFee, StatusPending); jerr != nil {
			return jerr
		}
		return crepo.ActivateChallenge(ctx, challengeID, start, end, winnerPrize)
	})
	if err != nil {
		return nil, err
	}

	// 5. 提交后: 失效缓存 + 双方事件
	m.invalidateContest(ctx, challengeID)
	for _, p := range []*Participant{challenger, acceptor} {
		m.sink.Emit(events.NewPositionEvent(events.TypeContestJoined, p.UserID, challengeID, 0, map[string]any{
			"contest_name":     c.Name,
			"entry_fee":        c.EntryFee,
			"starting_capital": c.StartingCapital,
		}))
	}

	log.Printf("[Contest] challenge accepted: id=%d, challenger=%d, acceptor=%d, ends=%s",
		challengeID, c.ChallengerID, userID, end.Format(time.RFC3339))
	return acceptor, nil
}

// =============================================================================
// 调度入口
// =============================================================================

// ActivateDueContests 到点开赛或取消
// 人数达标转 active，不达标走取消退款。逐场处理，单场失败不阻塞其他场次
func (m *Manager) ActivateDueContests(ctx context.Context) (started, cancelled int) {
	contests, err := m.contests.ListActivatable(ctx, time.Now())
	if err != nil {
		log.Printf("[Contest] list activatable failed: %v", err)
		return 0, 0
	}
	for _, c := range contests {
		if c.CurrentParticipants >= c.MinParticipants {
			if err := m.contests.UpdateStatus(ctx, c.ID, StatusUpcoming, StatusActive); err != nil {
				if !errors.Is(err, ErrInvalidTransition) {
					log.Printf("[Contest] activate failed: contest=%d, err=%v", c.ID, err)
				}
				continue
			}
			started++
			log.Printf("[Contest] contest started: id=%d, participants=%d", c.ID, c.CurrentParticipants)
			continue
		}
		if err := m.CancelWithRefunds(ctx, c.ID, "Minimum participants not met"); err != nil {
			log.Printf("[Contest] auto-cancel failed: contest=%d, err=%v", c.ID, err)
			continue
		}
		cancelled++
	}
	return started, cancelled
}

// EnsureBoundary 懒校验开赛边界 (读到越界的报名中竞赛时兜底)
// 返回校验后的最新竞赛
func (m *Manager) EnsureBoundary(ctx context.Context, c *Contest) (*Contest, error) {
	if c.Status != StatusUpcoming || time.Now().Before(c.StartTime) {
		return c, nil
	}
	if c.CurrentParticipants >= c.MinParticipants {
		err := m.contests.UpdateStatus(ctx, c.ID, StatusUpcoming, StatusActive)
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
	} else {
		if err := m.CancelWithRefunds(ctx, c.ID, "Minimum participants not met"); err != nil {
			return nil, err
		}
	}
	fresh, err := m.contests.GetByID(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, ErrContestNotFound
	}
	return fresh, nil
}

// CancelWithRefunds 取消竞赛并退还全部报名费
//
// 退款逐人单事务，幂等键 refund:{contestID}:{userID} 保证重试不重复入账。
// 全部退款成功后才翻状态；中途失败竞赛留在原状态，下个调度周期重试。
func (m *Manager) CancelWithRefunds(ctx context.Context, contestID int64, reason string) error {
	c, err := m.contests.GetByID(ctx, contestID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrContestNotFound
	}
	if c.Status == StatusCancelled {
		return nil // 幂等
	}
	if c.Status != StatusUpcoming && c.Status != StatusPending {
		return ErrInvalidTransition
	}

	participants, err := m.participants.ListByContest(ctx, contestID)
	if err != nil {
		return err
	}

	// 1. 逐人退款，入账和流水同一事务落库
	if c.EntryFee > 0 {
		for _, p := range participants {
			userID := p.UserID
			rerr := m.wallets.Transaction(ctx, func(tx *wallet.Repo) error {
				_, err := tx.Credit(ctx, userID, c.EntryFee, wallet.Entry{
					EventID:     fmt.Sprintf("refund:%d:%d", contestID, userID),
					Type:        wallet.TxnRefund,
					ContestID:   contestID,
					Challenge:   c.IsChallenge(),
					Description: fmt.Sprintf("Refund for cancelled contest %s", c.Name),
				})
				return err
			})
			if rerr != nil {
				return fmt.Errorf("refund user %d: %w", userID, rerr)
			}
		}
	}

	// 2. 平台抽成若已落定，补一笔冲销
	if c.PlatformFeeAmount > 0 {
		if perr := m.wallets.InsertPlatform(ctx, &wallet.PlatformTransaction{
			Type:      wallet.PlatformFee,
			Amount:    -c.PlatformFeeAmount,
			ContestID: contestID,
			Reason:    "cancellation_offset",
			CreatedAt: time.Now(),
		}); perr != nil {
			return perr
		}
	}

	// 3. 状态落定; CAS 落败且已是取消态说明另一取消方抢先，按幂等成功处理
	if err := m.contests.SetCancelled(ctx, contestID, reason, StatusUpcoming, StatusPending); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			fresh, gerr := m.contests.GetByID(ctx, contestID)
			if gerr == nil && fresh != nil && fresh.Status == StatusCancelled {
				return nil
			}
		}
		return err
	}

	// 4. 提交后事件 (IntentWriter 转退款通知)
	for _, p := range participants {
		m.sink.Emit(events.NewPositionEvent(events.TypeContestCancelled, p.UserID, contestID, 0, map[string]any{
			"contest_name": c.Name,
			"reason":       reason,
			"refund":       c.EntryFee,
		}))
	}

	log.Printf("[Contest] contest cancelled: id=%d, reason=%q, refunded=%d", contestID, reason, len(participants))
	return nil
}

// ExpirePendingChallenges 过期无人接受的挑战
// 报名费在接受时才扣，这里只翻状态，没有账务
func (m *Manager) ExpirePendingChallenges(ctx context.Context) int {
	contests, err := m.contests.ListExpiredPending(ctx, time.Now())
	if err != nil {
		log.Printf("[Contest] list expired pending failed: %v", err)
		return 0
	}
	expired := 0
	for _, c := range contests {
		if err := m.contests.UpdateStatus(ctx, c.ID, StatusPending, StatusExpired); err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				log.Printf("[Contest] expire failed: challenge=%d, err=%v", c.ID, err)
			}
			continue
		}
		expired++
		log.Printf("[Contest] challenge expired: id=%d, challenger=%d", c.ID, c.ChallengerID)
	}
	return expired
}

// =============================================================================
// 查询
// =============================================================================

// GetContest 读竞赛
func (m *Manager) GetContest(ctx context.Context, contestID int64) (*Contest, error) {
	return m.contests.GetByID(ctx, contestID)
}

// GetParticipant 读参赛者
func (m *Manager) GetParticipant(ctx context.Context, contestID, userID int64) (*Participant, error) {
	return m.participants.Get(ctx, contestID, userID)
}

// GetLeaderboard 实时排行榜 (不做最低笔数过滤)
func (m *Manager) GetLeaderboard(ctx context.Context, contestID int64) ([]*RankedParticipant, error) {
	c, err := m.contests.GetByID(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrContestNotFound
	}
	participants, err := m.participants.ListByContest(ctx, contestID)
	if err != nil {
		return nil, err
	}
	return CalculateRankings(participants, c, false), nil
}

// =============================================================================
// 内部工具
// =============================================================================

func (m *Manager) checkRestriction(ctx context.Context, userID int64, action string) error {
	if m.restrict == nil {
		return nil
	}
	allowed, reason, err := m.restrict.CanUserPerformAction(ctx, userID, action)
	if err != nil {
		return fmt.Errorf("restriction check: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrUserRestricted, reason)
	}
	return nil
}

func (m *Manager) invalidateContest(ctx context.Context, id int64) {
	if inv, ok := m.contests.(cacheInvalidator); ok {
		inv.InvalidateContest(ctx, id)
	}
}

func (m *Manager) defaultAssetClasses(classes []string) []string {
	if len(classes) > 0 {
		return classes
	}
	if len(m.challengeCfg.DefaultAssetClasses) > 0 {
		return m.challengeCfg.DefaultAssetClasses
	}
	return []string{"forex"}
}

// platformCut 平台抽成，向下取整
func platformCut(pool int64, percentage float64) int64 {
	if pool <= 0 || percentage <= 0 {
		return 0
	}
	return int64(float64(pool) * percentage / 100.0)
}

func defaultFloat(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func defaultString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
