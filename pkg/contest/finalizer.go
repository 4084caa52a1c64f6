// 文件: pkg/contest/finalizer.go
// 竞赛结算
//
// 【结算流程】
// 1. 清仓: 调用持仓引擎平掉全部未平仓位 (每笔平仓独立事务，与用户平仓同路径)
// 2. 终榜: 重算排名，笔数不足/爆仓的取消资格
// 3. 分账: 平台抽成向下取整，并列组均分所覆盖名次的份额之和，
//    无人认领的名次与取整余数全部归平台
// 4. 落库: 状态 CAS + 名次 + 奖金入账 + 平台流水，单事务
// 5. 事件: 提交后逐人发胜负/平局/取消资格事件
//
// 【账务恒等】
// Σ 个人奖金 + 平台抽成 + 无人认领 + 取整余数 == 奖池，逐分对账

package contest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"fxarena.com/pkg/events"
	"fxarena.com/pkg/wallet"
)

// 平仓原因 (透传给持仓引擎)
const (
	CloseReasonCompetitionEnd = "competition_end"
	CloseReasonChallengeEnd   = "challenge_end"
)

// PositionCloser 持仓引擎的清仓能力 (可为 nil，纯赛务场景)
type PositionCloser interface {
	// CloseContestPositions 平掉竞赛全部未平仓位，返回平仓笔数
	CloseContestPositions(ctx context.Context, contestID int64, reason string) (int, error)
}

// errAlreadyFinalized 并发结算时后到者的静默出口
var errAlreadyFinalized = errors.New("contest already finalized")

// =============================================================================
// Finalizer
// =============================================================================

// Finalizer 竞赛结算器
type Finalizer struct {
	db           *gorm.DB
	contests     ContestRepository
	participants *ParticipantRepo
	wallets      *wallet.Repo
	closer       PositionCloser
	sink         events.Sink
}

// NewFinalizer 创建结算器，closer/sink 可为 nil
func NewFinalizer(db *gorm.DB, contests ContestRepository, wallets *wallet.Repo, closer PositionCloser, sink events.Sink) *Finalizer {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Finalizer{
		db:           db,
		contests:     contests,
		participants: NewParticipantRepo(db),
		wallets:      wallets,
		closer:       closer,
		sink:         sink,
	}
}

// FinalizeDueContests 结算全部到期竞赛 (调度入口)
// 逐场处理，单场失败记日志后继续，下个周期重试
func (f *Finalizer) FinalizeDueContests(ctx context.Context) (finalized int) {
	contests, err := f.contests.ListFinalizable(ctx, time.Now())
	if err != nil {
		log.Printf("[Finalizer] list finalizable failed: %v", err)
		return 0
	}
	for _, c := range contests {
		if err := f.Finalize(ctx, c.ID); err != nil {
			log.Printf("[Finalizer] finalize failed: contest=%d, err=%v", c.ID, err)
			continue
		}
		finalized++
	}
	return finalized
}

// Finalize 结算单场竞赛
func (f *Finalizer) Finalize(ctx context.Context, contestID int64) error {
	c, err := f.contests.GetByID(ctx, contestID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrContestNotFound
	}
	if c.Status == StatusCompleted {
		return nil // 幂等
	}
	if c.Status != StatusActive {
		return ErrInvalidTransition
	}
	if !c.Ended(time.Now()) {
		return ErrContestNotEnded
	}

	if c.IsChallenge() {
		return f.finalizeChallenge(ctx, c)
	}
	return f.finalizeCompetition(ctx, c)
}

// =============================================================================
// 多人竞赛结算
// =============================================================================

func (f *Finalizer) finalizeCompetition(ctx context.Context, c *Contest) error {
	// 1. 清仓 (失败则整场推迟到下个周期)
	if err := f.sweepPositions(ctx, c.ID, CloseReasonCompetitionEnd); err != nil {
		return err
	}

	// 2. 终榜
	participants, err := f.participants.ListByContest(ctx, c.ID)
	if err != nil {
		return err
	}
	ranked := CalculateRankings(participants, c, true)

	// 3. 分账
	platformFee := platformCut(c.PrizePool, c.PlatformFeePercentage)
	distributable := c.PrizePool - platformFee
	awards, unclaimed, residue := allocatePrizes(ranked, c.PrizeDistribution, distributable)

	unclaimedReason := "unclaimed_ranks"
	if countQualified(ranked) == 0 {
		unclaimedReason = "all_disqualified"
	}

	// 4. 单事务落库
	if err := f.applyResults(ctx, c, ranked, awards, platformFee, unclaimed, unclaimedReason, residue); err != nil {
		if errors.Is(err, errAlreadyFinalized) {
			return nil
		}
		return err
	}

	// 5. 提交后事件
	for _, r := range ranked {
		p := r.Participant
		prize := awards[p.ID]
		switch {
		case !r.Qualified:
			f.sink.Emit(events.NewPositionEvent(events.TypeChallengeDisqualified, p.UserID, c.ID, 0, map[string]any{
				"contest_name": c.Name,
				"reason":       r.DQReason,
			}))
		case prize > 0:
			f.sink.Emit(events.NewPositionEvent(events.TypeContestWon, p.UserID, c.ID, 0, map[string]any{
				"contest_name": c.Name,
				"rank":         r.Rank,
				"prize":        prize,
			}))
		default:
			f.sink.Emit(events.NewPositionEvent(events.TypeContestLost, p.UserID, c.ID, 0, map[string]any{
				"contest_name": c.Name,
				"rank":         r.Rank,
			}))
		}
	}

	log.Printf("[Finalizer] competition finalized: id=%d, pool=%d, fee=%d, unclaimed=%d, residue=%d",
		c.ID, c.PrizePool, platformFee, unclaimed, residue)
	return nil
}

// =============================================================================
// 1v1 挑战结算
// =============================================================================

func (f *Finalizer) finalizeChallenge(ctx context.Context, c *Contest) error {
	// 1. 清仓
	if err := f.sweepPositions(ctx, c.ID, CloseReasonChallengeEnd); err != nil {
		return err
	}

	// 2. 终榜
	participants, err := f.participants.ListByContest(ctx, c.ID)
	if err != nil {
		return err
	}
	ranked := CalculateRankings(participants, c, true)

	// 3. 分账: 平台先抽成，余下按胜负或平局规则派发
	platformFee := platformCut(c.PrizePool, c.PlatformFeePercentage)
	winnerPrize := c.PrizePool - platformFee

	awards := make(map[int64]int64)
	var unclaimed, residue int64
	unclaimedReason := ""
	isTie := false

	qualified := countQualified(ranked)
	switch {
	case qualified == 0:
		// 双方都被取消资格，全额归平台
		unclaimed = winnerPrize
		unclaimedReason = "all_disqualified"

	case qualified == 1:
		// 一方被取消资格，另一方不战而胜
		awards[ranked[0].Participant.ID] = winnerPrize

	case ranked[0].IsTied:
		isTie = true
		switch c.TiePrizeDistribution {
		case TieChallengerWins:
			for _, r := range ranked {
				if r.Participant.UserID == c.ChallengerID {
					awards[r.Participant.ID] = winnerPrize
				}
			}
		case TieBothLose:
			unclaimed = winnerPrize
			unclaimedReason = "both_lose"
		default: // split_equally
			half := winnerPrize / 2
			for _, r := range ranked {
				awards[r.Participant.ID] = half
			}
			residue = winnerPrize - 2*half
		}

	default:
		awards[ranked[0].Participant.ID] = winnerPrize
	}

	// 4. 单事务落库
	if err := f.applyResults(ctx, c, ranked, awards, platformFee, unclaimed, unclaimedReason, residue); err != nil {
		if errors.Is(err, errAlreadyFinalized) {
			return nil
		}
		return err
	}

	// 5. 提交后事件
	for _, r := range ranked {
		p := r.Participant
		prize := awards[p.ID]
		switch {
		case !r.Qualified:
			f.sink.Emit(events.NewPositionEvent(events.TypeChallengeDisqualified, p.UserID, c.ID, 0, map[string]any{
				"contest_name": c.Name,
				"reason":       r.DQReason,
			}))
		case isTie:
			f.sink.Emit(events.NewPositionEvent(events.TypeChallengeTie, p.UserID, c.ID, 0, map[string]any{
				"contest_name": c.Name,
				"resolution":   c.TiePrizeDistribution,
				"prize":        prize,
			}))
		case prize > 0:
			f.sink.Emit(events.NewPositionEvent(events.TypeContestWon, p.UserID, c.ID, 0, map[string]any{
				"contest_name": c.Name,
				"rank":         r.Rank,
				"prize":        prize,
			}))
		default:
			f.sink.Emit(events.NewPositionEvent(events.TypeContestLost, p.UserID, c.ID, 0, map[string]any{
				"contest_name": c.Name,
				"rank":         r.Rank,
			}))
		}
	}

	log.Printf("[Finalizer] challenge finalized: id=%d, pool=%d, fee=%d, tie=%v, unclaimed=%d",
		c.ID, c.PrizePool, platformFee, isTie, unclaimed)
	return nil
}

// =============================================================================
// 共享步骤
// =============================================================================

// sweepPositions 平掉竞赛全部未平仓位
func (f *Finalizer) sweepPositions(ctx context.Context, contestID int64, reason string) error {
	if f.closer == nil {
		return nil
	}
	closed, err := f.closer.CloseContestPositions(ctx, contestID, reason)
	if err != nil {
		return fmt.Errorf("close contest positions: %w", err)
	}
	if closed > 0 {
		log.Printf("[Finalizer] positions swept: contest=%d, closed=%d, reason=%s", contestID, closed, reason)
	}
	return nil
}

// applyResults 结算落库事务
//
// 状态 CAS 放在第一步: 并发结算只有一个事务能过，
// 后到者整体回滚并拿到 errAlreadyFinalized
func (f *Finalizer) applyResults(
	ctx context.Context,
	c *Contest,
	ranked []*RankedParticipant,
	awards map[int64]int64,
	platformFee, unclaimed int64,
	unclaimedReason string,
	residue int64,
) error {
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		crepo := NewMySQLContestRepository(tx)
		if cerr := crepo.MarkCompleted(ctx, c.ID, platformFee); cerr != nil {
			if errors.Is(cerr, ErrInvalidTransition) {
				return errAlreadyFinalized
			}
			return cerr
		}

		ptx := NewParticipantRepo(tx)
		wtx := wallet.NewRepo(tx)
		for _, r := range ranked {
			p := r.Participant
			if !r.Qualified && p.Status != ParticipantDisqualified {
				if derr := ptx.MarkDisqualified(ctx, p.ID, r.DQReason); derr != nil {
					return derr
				}
			}
			prize := awards[p.ID]
			if serr := ptx.SetFinalResult(ctx, p.ID, r.Rank, prize, prize > 0); serr != nil {
				return serr
			}
			if prize > 0 {
				if _, werr := wtx.Credit(ctx, p.UserID, prize, wallet.Entry{
					EventID:     fmt.Sprintf("prize:%d:%d", c.ID, p.UserID),
					Type:        wallet.TxnPrize,
					ContestID:   c.ID,
					Challenge:   c.IsChallenge(),
					Description: fmt.Sprintf("Prize for rank %d in %s", r.Rank, c.Name),
				}); werr != nil {
					return werr
				}
			}
		}
		if berr := ptx.MarkCompletedBulk(ctx, c.ID); berr != nil {
			return berr
		}

		now := time.Now()
		if platformFee > 0 {
			if perr := insertPlatformTx(ctx, wtx, wallet.PlatformFee, platformFee, c.ID, "platform_fee", now); perr != nil {
				return perr
			}
		}
		if unclaimed > 0 {
			if perr := insertPlatformTx(ctx, wtx, wallet.PlatformUnclaimedPool, unclaimed, c.ID, unclaimedReason, now); perr != nil {
				return perr
			}
		}
		if residue > 0 {
			if perr := insertPlatformTx(ctx, wtx, wallet.PlatformResidue, residue, c.ID, "rounding_residue", now); perr != nil {
				return perr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// 提交后失效缓存
	if inv, ok := f.contests.(cacheInvalidator); ok {
		inv.InvalidateContest(ctx, c.ID)
	}
	return nil
}

func insertPlatformTx(ctx context.Context, w *wallet.Repo, typ wallet.PlatformTxnType, amount, contestID int64, reason string, now time.Time) error {
	return w.InsertPlatform(ctx, &wallet.PlatformTransaction{
		Type:      typ,
		Amount:    amount,
		ContestID: contestID,
		Reason:    reason,
		CreatedAt: now,
	})
}

// =============================================================================
// 奖金分配
// =============================================================================

// allocatePrizes 按并列组分配奖金
//
// 名次 r 上 n 人并列的组覆盖名次 r..r+n-1，组奖金为这些名次份额之和，
// 组内向下取整均分。无人认领的名次份额与一切取整余数分别归平台。
// 恒等式: Σ 个人奖金 + unclaimed + residue == distributable
func allocatePrizes(ranked []*RankedParticipant, dist []RankShare, distributable int64) (awards map[int64]int64, unclaimed, residue int64) {
	awards = make(map[int64]int64)
	if distributable <= 0 {
		return awards, 0, 0
	}

	// 每个名次的整数份额
	shares := make(map[int]int64, len(dist))
	var totalShares int64
	for _, s := range dist {
		share := int64(float64(distributable) * s.Percentage / 100.0)
		shares[s.Rank] = share
		totalShares += share
	}
	// 百分比取整后分不干净的部分直接进余数
	residue = distributable - totalShares

	// 合格者按并列组派发
	claimed := make(map[int]bool, len(dist))
	i := 0
	for i < len(ranked) {
		if !ranked[i].Qualified {
			break // 取消资格者排在队尾，不参与分奖
		}
		j := i + 1
		for j < len(ranked) && ranked[j].Qualified && ranked[j].Rank == ranked[i].Rank {
			j++
		}
		groupSize := j - i
		baseRank := ranked[i].Rank

		var groupSum int64
		for k := 0; k < groupSize; k++ {
			if share, ok := shares[baseRank+k]; ok {
				groupSum += share
				claimed[baseRank+k] = true
			}
		}
		if groupSum > 0 {
			per := groupSum / int64(groupSize)
			for k := i; k < j; k++ {
				awards[ranked[k].Participant.ID] = per
			}
			residue += groupSum - per*int64(groupSize)
		}
		i = j
	}

	// 无人覆盖的名次份额归平台
	for rank, share := range shares {
		if !claimed[rank] {
			unclaimed += share
		}
	}
	return awards, unclaimed, residue
}

func countQualified(ranked []*RankedParticipant) int {
	n := 0
	for _, r := range ranked {
		if r.Qualified {
			n++
		}
	}
	return n
}
