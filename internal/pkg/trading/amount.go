// Package trading 提供下单金额与数量的换算。
package trading

import "math"

// OrderAmount 按余额比例计算下单金额：强信号满额，普通信号半额。
func OrderAmount(totalBalance, sizePercent float64, strong bool) float64 {
	if totalBalance <= 0 || sizePercent <= 0 {
		return 0
	}
	amount := totalBalance * sizePercent / 100
	if !strong {
		amount /= 2
	}
	return amount
}

// BuyQuantity 把保证金金额换算成合约数量（名义价值 = 金额 × 杠杆）。
func BuyQuantity(amount float64, leverage int, price float64) float64 {
	if amount <= 0 || price <= 0 {
		return 0
	}
	if leverage < 1 {
		leverage = 1
	}
	qty := amount * float64(leverage) / price
	if math.IsInf(qty, 0) || math.IsNaN(qty) {
		return 0
	}
	return qty
}

// CalcCloseAmount 按比例计算平仓数量，结果不超过当前持仓。
func CalcCloseAmount(currentAmount, ratio float64) float64 {
	if currentAmount <= 0 || ratio <= 0 {
		return 0
	}
	amount := currentAmount * ratio
	if amount > currentAmount {
		amount = currentAmount
	}
	return amount
}
