package market

import "time"

const (
	AccountSourceExchange = "exchange"
	AccountSourceLedger   = "ledger"
)

// AccountState is a point-in-time snapshot; build a new one instead of editing fields.
type AccountState struct {
	TotalBalance     float64   `json:"total_balance"`
	AvailableBalance float64   `json:"available_balance"`
	HoldingQuantity  float64   `json:"holding_quantity"`
	HoldingValue     float64   `json:"holding_value"`
	InvestedAmount   float64   `json:"invested_amount"`
	PnLPercent       float64   `json:"pnl_percent"`
	Source           string    `json:"source"`
	AsOf             time.Time `json:"as_of"`
}

// NewAccountState derives holding value and P&L percent from quantity, mark
// price and invested amount.
func NewAccountState(total, available, quantity, price, invested float64, source string, asOf time.Time) AccountState {
	value := quantity * price
	pnl := 0.0
	if invested > 0 {
		pnl = (value - invested) / invested * 100
	}
	return AccountState{
		TotalBalance:     total,
		AvailableBalance: available,
		HoldingQuantity:  quantity,
		HoldingValue:     value,
		InvestedAmount:   invested,
		PnLPercent:       pnl,
		Source:           source,
		AsOf:             asOf,
	}
}

func (a AccountState) HasPosition() bool {
	return a.HoldingQuantity > 0
}
