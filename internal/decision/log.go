package decision

import "time"

// Trigger 周期来源。
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerEmergency Trigger = "emergency"
)

// LogEntry 每个周期（包括中途失败的周期）恰好写一条。
// 风控与订单字段以原始值保存，避免依赖 risk / executor 包。
type LogEntry struct {
	ID          int64     `json:"id"`
	TraceID     string    `json:"trace_id"`
	UserID      string    `json:"user_id"`
	Symbol      string    `json:"symbol"`
	Strategy    string    `json:"strategy,omitempty"`
	Trigger     Trigger   `json:"trigger"`
	State       string    `json:"state"`
	Preliminary *Decision `json:"preliminary,omitempty"`
	Final       *Decision `json:"final,omitempty"`
	Approved    bool      `json:"approved"`
	RiskRule    string    `json:"risk_rule,omitempty"`
	RiskReason  string    `json:"risk_reason,omitempty"`
	OrderID     string    `json:"order_id,omitempty"`
	OrderStatus string    `json:"order_status,omitempty"`
	Quantity    float64   `json:"quantity,omitempty"`
	Price       float64   `json:"price,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Action 返回最终动作，没有最终决策时返回空。
func (e LogEntry) Action() Action {
	if e.Final != nil {
		return e.Final.Action
	}
	return ""
}
