package engine

// State 单个周期内的阶段。
type State string

const (
	StateIdle              State = "idle"
	StateCollectingData    State = "collecting_data"
	StateCoordinating      State = "coordinating"
	StateStrategyFiltering State = "strategy_filtering"
	StateRiskChecking      State = "risk_checking"
	StateExecuting         State = "executing"
	StateSkipped           State = "skipped"
	StatePersisting        State = "persisting"
)

// Outcome 周期结果，写入决策日志的 state 字段。
type Outcome string

const (
	OutcomeExecuted        Outcome = "executed"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeRejected        Outcome = "risk_rejected"
	OutcomeExecutionFailed Outcome = "execution_failed"
	OutcomeAborted         Outcome = "aborted"
)
