package executor

import (
	"context"
	"errors"
	"fmt"
)

// OrderRequest 提交给交易场所的市价单。
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      float64
	Leverage      int
	ReduceOnly    bool
}

// Fill 场所返回的成交结果。
type Fill struct {
	ExchangeOrderID  string
	ExecutedQuantity float64
	AvgPrice         float64
	CumQuote         float64
}

// Placer 把市价单送到交易场所（实盘或模拟），必须支持并发的不同订单。
type Placer interface {
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (Fill, error)
}

// RejectError 表示场所明确拒单（保证金不足、精度错误等），区别于传输失败。
type RejectError struct {
	Code   int64
	Reason string
}

func (e *RejectError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("order rejected (code=%d): %s", e.Code, e.Reason)
	}
	return "order rejected: " + e.Reason
}

func IsReject(err error) bool {
	var rej *RejectError
	return errors.As(err, &rej)
}

// PartialFillError 订单在场所部分成交后停止（轮询超时或被撤销），已成交部分记录在 Fill 中。
type PartialFillError struct {
	ExchangeOrderID string
	Status          string
	Executed        float64
	Requested       float64
}

func (e *PartialFillError) Error() string {
	return fmt.Sprintf("order %s partially filled %.8g/%.8g, last status %s",
		e.ExchangeOrderID, e.Executed, e.Requested, e.Status)
}

func IsPartialFill(err error) bool {
	var pf *PartialFillError
	return errors.As(err, &pf)
}
