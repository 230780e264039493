package app

import (
	"fmt"

	"autotrader/internal/advisor"
	"autotrader/internal/config"
	"autotrader/internal/decision"
	"autotrader/internal/engine"
	"autotrader/internal/logger"
	"autotrader/internal/pkg/circuit"
)

// buildCoordinator 按配置构造顾问、断路器与合并器。
func buildCoordinator(cfg *config.Config) (engine.Coordinator, []string, error) {
	enabled := cfg.EnabledAdvisors()
	if len(enabled) == 0 {
		return nil, nil, fmt.Errorf("no enabled advisors")
	}
	participants := make([]decision.Participant, 0, len(enabled))
	weights := make(map[string]float64, len(enabled))
	names := make([]string, 0, len(enabled))
	for _, ac := range enabled {
		adv, err := advisor.Build(ac)
		if err != nil {
			return nil, nil, err
		}
		p := decision.Participant{Advisor: adv, Timeout: ac.Timeout()}
		if ac.BreakerFailures > 0 {
			p.Breaker = circuit.New(ac.Name, ac.BreakerFailures, ac.BreakerCooldown(),
				circuit.WithStateChangeHandler(func(name string, from, to circuit.State) {
					logger.Warnf("advisor %s breaker %s -> %s", name, from, to)
				}))
		}
		participants = append(participants, p)
		weights[ac.Name] = ac.Weight
		names = append(names, fmt.Sprintf("%s(%s, w=%.2g)", ac.Name, ac.Type, ac.Weight))
	}
	merger, err := decision.NewMerger(cfg.Merge.Method, cfg.Merge.Quorum, weights)
	if err != nil {
		return nil, nil, err
	}
	logger.Infof("✓ 已加载 %d 个顾问，合并方式=%s", len(participants), cfg.Merge.Method)
	return decision.NewCoordinator(merger, participants), names, nil
}
