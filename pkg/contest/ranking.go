// 文件: pkg/contest/ranking.go
// 排名计算 (纯内存，无 IO)
//
// 【排序规则】
// - 主指标降序，差值在 epsilon 内视为并列
// - 并列依次用 tieBreaker1 / tieBreaker2 裁决 (同样的 epsilon 语义)
// - trades_count 笔数少者优先、join_time 先报名者优先 (取负号统一为降序)
// - 仍分不出的标记 isTied 并互相记录 tiedWith
// - 最终兜底按参赛者 ID 升序，保证两次计算结果逐位一致

package contest

import (
	"sort"
)

const (
	// rankEpsilon 指标并列判定阈值
	rankEpsilon = 0.001

	// profitFactorInfinity 只赢不输时的盈亏比哨兵值
	profitFactorInfinity = 9999
)

// RankedParticipant 排名结果
type RankedParticipant struct {
	Participant *Participant `json:"participant"`
	Rank        int          `json:"rank"`
	Score       float64      `json:"score"`
	IsTied      bool         `json:"is_tied"`
	TiedWith    []int64      `json:"tied_with,omitempty"` // 并列对手的 userID
	Qualified   bool         `json:"qualified"`
	DQReason    string       `json:"dq_reason,omitempty"`

	// 预先解析的裁决指标
	breaker1 float64
	breaker2 float64
}

// CalculateRankings 计算排名
//
// final=false 为实时榜: 不做最低笔数过滤，所有人都上榜。
// final=true 为结算榜: 笔数不足/爆仓取消资格的排在全部合格者之后。
func CalculateRankings(participants []*Participant, c *Contest, final bool) []*RankedParticipant {
	ranked := make([]*RankedParticipant, 0, len(participants))
	for _, p := range participants {
		r := &RankedParticipant{
			Participant: p,
			Score:       metricValue(p, c.RankingMethod),
			breaker1:    breakerValue(p, c.TieBreaker1),
			breaker2:    breakerValue(p, c.TieBreaker2),
		}
		r.Qualified, r.DQReason = qualify(p, c, final)
		ranked = append(ranked, r)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		// 合格者永远排在取消资格者之前
		if a.Qualified != b.Qualified {
			return a.Qualified
		}
		if diff := a.Score - b.Score; diff > rankEpsilon || diff < -rankEpsilon {
			return diff > 0
		}
		if diff := a.breaker1 - b.breaker1; diff > rankEpsilon || diff < -rankEpsilon {
			return diff > 0
		}
		if diff := a.breaker2 - b.breaker2; diff > rankEpsilon || diff < -rankEpsilon {
			return diff > 0
		}
		return a.Participant.ID < b.Participant.ID
	})

	// 标准竞赛名次 (1,1,3): 与前一名完全并列则共享名次
	for i, r := range ranked {
		if i == 0 {
			r.Rank = 1
			continue
		}
		if sameRankGroup(ranked[i-1], r) {
			r.Rank = ranked[i-1].Rank
		} else {
			r.Rank = i + 1
		}
	}

	// 回填并列关系
	for i := 0; i < len(ranked); {
		j := i + 1
		for j < len(ranked) && ranked[j].Rank == ranked[i].Rank {
			j++
		}
		if j-i > 1 {
			for k := i; k < j; k++ {
				ranked[k].IsTied = true
				for m := i; m < j; m++ {
					if m != k {
						ranked[k].TiedWith = append(ranked[k].TiedWith, ranked[m].Participant.UserID)
					}
				}
			}
		}
		i = j
	}

	return ranked
}

// qualify 结算资格判定
func qualify(p *Participant, c *Contest, final bool) (bool, string) {
	if p.Status == ParticipantDisqualified {
		reason := p.DisqualificationReason
		if reason == "" {
			reason = "Disqualified"
		}
		return false, reason
	}
	if !final {
		return true, ""
	}
	if p.TotalTrades < c.MinimumTrades {
		return false, "Minimum trades not met"
	}
	if c.DisqualifyOnLiquidation && p.Status == ParticipantLiquidated {
		return false, "Liquidated"
	}
	return true, ""
}

// sameRankGroup 两个相邻参赛者是否完全并列
func sameRankGroup(a, b *RankedParticipant) bool {
	if a.Qualified != b.Qualified {
		return false
	}
	return withinEpsilon(a.Score, b.Score) &&
		withinEpsilon(a.breaker1, b.breaker1) &&
		withinEpsilon(a.breaker2, b.breaker2)
}

func withinEpsilon(a, b float64) bool {
	diff := a - b
	return diff <= rankEpsilon && diff >= -rankEpsilon
}

// metricValue 主指标取值
func metricValue(p *Participant, method string) float64 {
	switch method {
	case RankByROI:
		return p.PnlPercentage
	case RankByTotalCapital:
		return p.CurrentCapital
	case RankByWinRate:
		return p.WinRate
	case RankByTotalWins:
		return float64(p.WinningTrades)
	case RankByProfitFactor:
		return profitFactor(p)
	default: // RankByPnl
		return p.Pnl
	}
}

// profitFactor 胜负笔数比，只赢不输取哨兵值，零交易取 0
func profitFactor(p *Participant) float64 {
	if p.LosingTrades == 0 {
		if p.WinningTrades > 0 {
			return profitFactorInfinity
		}
		return 0
	}
	return float64(p.WinningTrades) / float64(p.LosingTrades)
}

// breakerValue 裁决指标取值 (少者/早者优先的取负号)
func breakerValue(p *Participant, breaker string) float64 {
	switch breaker {
	case TieByTradesCount:
		return -float64(p.TotalTrades)
	case TieByJoinTime:
		return -float64(p.EnteredAt.Unix())
	case TieByWinRate:
		return p.WinRate
	case TieByTotalCapital:
		return p.CurrentCapital
	case TieByROI:
		return p.PnlPercentage
	default: // split_prize 或未配置: 不参与裁决
		return 0
	}
}
