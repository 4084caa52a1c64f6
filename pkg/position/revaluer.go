// 文件: pkg/position/revaluer.go
// 持仓重估
//
// 周期任务: 按最新报价刷新竞赛内全部未平仓位的标记价与未实现盈亏，
// 再把逐仓结果聚合回参赛者 (unrealized_pnl / pnl / pnl_percentage)。
// 缺报价的仓位沿用上次标记，不清零也不乱写。

package position

import (
	"context"
	"log"

	"gorm.io/gorm"

	"fxarena.com/pkg/contest"
	"fxarena.com/pkg/oracle"
	"fxarena.com/pkg/risk/fx"
)

// Revaluer 持仓重估器
type Revaluer struct {
	positions    *Repo
	participants *contest.ParticipantRepo
	prices       *oracle.PriceService
}

// NewRevaluer 创建重估器
func NewRevaluer(db *gorm.DB, prices *oracle.PriceService) *Revaluer {
	return &Revaluer{
		positions:    NewRepo(db),
		participants: contest.NewParticipantRepo(db),
		prices:       prices,
	}
}

// UpdateAllPositionsPnL 重估竞赛内全部未平仓位，返回刷新笔数
func (r *Revaluer) UpdateAllPositionsPnL(ctx context.Context, contestID int64) (int, error) {
	positions, err := r.positions.ListOpenByContest(ctx, contestID)
	if err != nil {
		return 0, err
	}

	// 1. 批量取报价
	symbols := distinctSymbols(positions)
	quotes := r.prices.QuoteBatch(symbols)

	// 2. 逐仓刷新标记价，按参赛者聚合
	updated := 0
	aggregate := make(map[int64]float64, 8)
	for _, p := range positions {
		q, ok := quotes[p.Symbol]
		if !ok {
			// 缺报价沿用上次标记
			aggregate[p.ParticipantID] += p.UnrealizedPnl
			continue
		}

		mark := fx.ExitPrice(p.Long(), q.Bid, q.Ask)
		unrealized := fx.UnrealizedPnL(p.Long(), p.EntryPrice, mark, p.Quantity, p.Symbol)
		unrealizedPct := fx.PnLPercent(unrealized, p.MarginUsed)

		if err := r.positions.UpdateMark(ctx, p.ID, mark, unrealized, unrealizedPct); err != nil {
			log.Printf("[Revaluer] update mark failed: position=%d, err=%v", p.ID, err)
			aggregate[p.ParticipantID] += p.UnrealizedPnl
			continue
		}
		aggregate[p.ParticipantID] += unrealized
		updated++
	}

	// 3. 参赛者聚合刷新
	// 无持仓但聚合非零的参赛者也要清零 (最后一仓平掉后的残值)
	participants, err := r.participants.ListActiveByContest(ctx, contestID)
	if err != nil {
		return updated, err
	}
	for _, part := range participants {
		sum, has := aggregate[part.ID]
		switch {
		case has:
			err = r.participants.UpdateUnrealized(ctx, part.ID, sum)
		case part.UnrealizedPnl != 0:
			err = r.participants.UpdateUnrealized(ctx, part.ID, 0)
		default:
			continue
		}
		if err != nil {
			log.Printf("[Revaluer] update participant aggregate failed: participant=%d, err=%v", part.ID, err)
		}
	}

	return updated, nil
}

func distinctSymbols(positions []*Position) []string {
	seen := make(map[string]struct{}, 8)
	symbols := make([]string, 0, 8)
	for _, p := range positions {
		if _, ok := seen[p.Symbol]; ok {
			continue
		}
		seen[p.Symbol] = struct{}{}
		symbols = append(symbols, p.Symbol)
	}
	return symbols
}
