package decision

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrNoOpinions 合并时没有任何意见。
var ErrNoOpinions = errors.New("no opinions to merge")

const scoreEpsilon = 1e-9

// Merged 是合并规则的输出。
type Merged struct {
	Action     Action
	Confidence float64
	Rationale  string
}

// Merger 把所有意见（含失败占位）合并成一个结果。
type Merger interface {
	Name() string
	Merge(opinions []Opinion) (Merged, error)
}

func weightOf(weights map[string]float64, source string) float64 {
	if weights != nil {
		if w, ok := weights[source]; ok && w > 0 {
			return w
		}
	}
	return 1
}

// WeightedVote：按 权重×置信度 对动作累加得分，得分最高者胜出；
// 最高分并列时观望。置信度 = 胜者得分 / 全部顾问权重之和，失败的顾问
// 计入分母，从而拉低结果置信度。
type WeightedVote struct {
	Weights map[string]float64
}

func (WeightedVote) Name() string { return "weighted" }

func (m WeightedVote) Merge(opinions []Opinion) (Merged, error) {
	if len(opinions) == 0 {
		return Merged{}, ErrNoOpinions
	}
	scores := make(map[Action]float64)
	total := 0.0
	for _, o := range opinions {
		w := weightOf(m.Weights, o.Source)
		total += w
		if o.Failed {
			continue
		}
		scores[o.Action] += w * o.Confidence
	}
	if total <= 0 || len(scores) == 0 {
		return Merged{Action: ActionHold, Rationale: "weighted vote: no usable opinions"}, nil
	}
	ranked := rankScores(scores)
	top := ranked[0]
	summary := formatScores(ranked, total)
	if top.score <= scoreEpsilon {
		return Merged{Action: ActionHold, Rationale: "weighted vote: zero conviction (" + summary + ")"}, nil
	}
	if len(ranked) > 1 && math.Abs(ranked[1].score-top.score) <= scoreEpsilon {
		return Merged{
			Action:     ActionHold,
			Confidence: clamp01(top.score / total),
			Rationale:  fmt.Sprintf("weighted vote: tie between %s and %s (%s)", top.action, ranked[1].action, summary),
		}, nil
	}
	return Merged{
		Action:     top.action,
		Confidence: clamp01(top.score / total),
		Rationale:  "weighted vote: " + summary,
	}, nil
}

// Consensus：按方向（看多/看空/观望）统计权重占比，达到 Quorum 才采纳；
// 方向内全部为强信号时输出 STRONG_*。
type Consensus struct {
	Quorum  float64
	Weights map[string]float64
}

func (Consensus) Name() string { return "consensus" }

type direction int

const (
	dirHold direction = iota
	dirBull
	dirBear
)

func directionOf(a Action) direction {
	switch {
	case a.IsBuy():
		return dirBull
	case a.IsSell():
		return dirBear
	default:
		return dirHold
	}
}

func (m Consensus) Merge(opinions []Opinion) (Merged, error) {
	if len(opinions) == 0 {
		return Merged{}, ErrNoOpinions
	}
	quorum := m.Quorum
	if quorum <= 0 || quorum > 1 {
		quorum = 0.6
	}
	type bucket struct {
		weight  float64
		confSum float64
		allStrg bool
		members int
	}
	buckets := map[direction]*bucket{}
	total := 0.0
	for _, o := range opinions {
		w := weightOf(m.Weights, o.Source)
		total += w
		if o.Failed {
			continue
		}
		d := directionOf(o.Action)
		b := buckets[d]
		if b == nil {
			b = &bucket{allStrg: true}
			buckets[d] = b
		}
		b.weight += w
		b.confSum += w * o.Confidence
		b.members++
		if !o.Action.IsStrong() {
			b.allStrg = false
		}
	}
	for _, d := range []direction{dirBull, dirBear, dirHold} {
		b := buckets[d]
		if b == nil || b.weight/total < quorum-scoreEpsilon {
			continue
		}
		conf := clamp01(b.confSum / b.weight)
		share := fmt.Sprintf("consensus: %d advisors, %.0f%% of weight", b.members, b.weight/total*100)
		switch d {
		case dirBull:
			if b.allStrg {
				return Merged{Action: ActionStrongBuy, Confidence: conf, Rationale: share}, nil
			}
			return Merged{Action: ActionBuy, Confidence: conf, Rationale: share}, nil
		case dirBear:
			if b.allStrg {
				return Merged{Action: ActionStrongSell, Confidence: conf, Rationale: share}, nil
			}
			return Merged{Action: ActionSell, Confidence: conf, Rationale: share}, nil
		default:
			return Merged{Action: ActionHold, Confidence: conf, Rationale: share}, nil
		}
	}
	return Merged{Action: ActionHold, Rationale: fmt.Sprintf("consensus: no direction reached quorum %.2f", quorum)}, nil
}

// NewMerger 根据配置名称返回合并规则。
func NewMerger(method string, quorum float64, weights map[string]float64) (Merger, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", "weighted":
		return WeightedVote{Weights: weights}, nil
	case "consensus":
		return Consensus{Quorum: quorum, Weights: weights}, nil
	default:
		return nil, fmt.Errorf("unknown merge method %q", method)
	}
}

type actionScore struct {
	action Action
	score  float64
}

func rankScores(scores map[Action]float64) []actionScore {
	out := make([]actionScore, 0, len(scores))
	for a, s := range scores {
		out = append(out, actionScore{action: a, score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if math.Abs(out[i].score-out[j].score) > scoreEpsilon {
			return out[i].score > out[j].score
		}
		return out[i].action < out[j].action
	})
	return out
}

func formatScores(ranked []actionScore, total float64) string {
	parts := make([]string, 0, len(ranked))
	for _, r := range ranked {
		parts = append(parts, fmt.Sprintf("%s=%.2f", r.action, r.score))
	}
	return fmt.Sprintf("%s of %.2f", strings.Join(parts, " "), total)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
