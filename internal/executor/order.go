// Package executor 负责把已批准的决策变成市价单，并独占订单状态流转。
package executor

import (
	"fmt"
	"time"
)

// OrderStatus 订单状态：pending -> submitted -> filled|rejected|failed。
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusSubmitted OrderStatus = "submitted"
	StatusFilled    OrderStatus = "filled"
	StatusRejected  OrderStatus = "rejected"
	StatusFailed    OrderStatus = "failed"
)

func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusFailed
}

var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:   {StatusSubmitted, StatusRejected, StatusFailed},
	StatusSubmitted: {StatusFilled, StatusRejected, StatusFailed},
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const OrderTypeMarket = "MARKET"

// Order 描述一条执行记录。字段可读，状态只能由本包推进。
type Order struct {
	ID               string      `json:"id"`
	ExchangeOrderID  string      `json:"exchange_order_id,omitempty"`
	Symbol           string      `json:"symbol"`
	Side             Side        `json:"side"`
	Type             string      `json:"type"`
	Status           OrderStatus `json:"status"`
	Quantity         float64     `json:"quantity"`
	RequestedPrice   float64     `json:"requested_price"`
	ExecutedPrice    float64     `json:"executed_price"`
	ExecutedQuantity float64     `json:"executed_quantity"`
	Leverage         int         `json:"leverage"`
	TotalCost        float64     `json:"total_cost"`
	DecisionID       string      `json:"decision_id"`
	Action           string      `json:"action"`
	Emergency        bool        `json:"emergency,omitempty"`
	Error            string      `json:"error,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	SubmittedAt      time.Time   `json:"submitted_at,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (o *Order) transition(to OrderStatus, at time.Time) error {
	for _, next := range allowedTransitions[o.Status] {
		if next == to {
			o.Status = to
			o.UpdatedAt = at
			if to == StatusSubmitted {
				o.SubmittedAt = at
			}
			return nil
		}
	}
	return fmt.Errorf("order %s: illegal transition %s -> %s", o.ID, o.Status, to)
}

func (o Order) IsFilled() bool { return o.Status == StatusFilled }
