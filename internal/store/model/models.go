// Package model 定义落库的 gorm 表结构。
package model

import (
	"gorm.io/datatypes"
)

type TradeModel struct {
	ID               int64   `gorm:"column:id;primaryKey"`
	OrderID          string  `gorm:"column:order_id;uniqueIndex"`
	ExchangeOrderID  string  `gorm:"column:exchange_order_id"`
	UserID           string  `gorm:"column:user_id;index:idx_trades_user_symbol,priority:1"`
	Symbol           string  `gorm:"column:symbol;index:idx_trades_user_symbol,priority:2"`
	Side             string  `gorm:"column:side"`
	Action           string  `gorm:"column:action"`
	Status           string  `gorm:"column:status"`
	Quantity         float64 `gorm:"column:quantity"`
	ExecutedQuantity float64 `gorm:"column:executed_quantity"`
	RequestedPrice   float64 `gorm:"column:requested_price"`
	ExecutedPrice    float64 `gorm:"column:executed_price"`
	TotalCost        float64 `gorm:"column:total_cost"`
	Leverage         int     `gorm:"column:leverage"`
	DecisionID       string  `gorm:"column:decision_id;index"`
	Emergency        bool    `gorm:"column:emergency"`
	Error            string  `gorm:"column:error"`
	CreatedAtUnix    int64   `gorm:"column:created_at;index"`
	UpdatedAtUnix    int64   `gorm:"column:updated_at"`
}

func (TradeModel) TableName() string { return "trades" }

type DecisionLogModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	TraceID        string         `gorm:"column:trace_id;index"`
	UserID         string         `gorm:"column:user_id"`
	Symbol         string         `gorm:"column:symbol"`
	Strategy       string         `gorm:"column:strategy"`
	Trigger        string         `gorm:"column:trigger_source"`
	State          string         `gorm:"column:state"`
	Action         string         `gorm:"column:action"`
	Confidence     float64        `gorm:"column:confidence"`
	Approved       bool           `gorm:"column:approved"`
	RiskRule       string         `gorm:"column:risk_rule"`
	RiskReason     string         `gorm:"column:risk_reason"`
	OrderID        string         `gorm:"column:order_id"`
	OrderStatus    string         `gorm:"column:order_status"`
	Quantity       float64        `gorm:"column:quantity"`
	Price          float64        `gorm:"column:price"`
	Error          string         `gorm:"column:error"`
	ContextJSON    datatypes.JSON `gorm:"column:context_json"`
	StartedAtUnix  int64          `gorm:"column:started_at;index"`
	FinishedAtUnix int64          `gorm:"column:finished_at"`
}

func (DecisionLogModel) TableName() string { return "decision_logs" }
