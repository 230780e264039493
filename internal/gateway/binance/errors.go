package binance

import (
	"context"
	"errors"
	"net"

	"autotrader/internal/executor"
	"autotrader/internal/retry"

	"github.com/adshao/go-binance/v2/common"
)

// Binance 错误码，参见 https://developers.binance.com/docs/derivatives/usds-margined-futures/error-code
const (
	codeUnknown         int64 = -1000
	codeDisconnected    int64 = -1001
	codeTooManyRequests int64 = -1003
	codeUnexpectedResp  int64 = -1006
	codeTimeout         int64 = -1007
	codeServerBusy      int64 = -1008
	codeTooManyOrders   int64 = -1015
)

func kindForCode(code int64) retry.Kind {
	switch code {
	case 0, codeUnknown, codeUnexpectedResp, codeServerBusy:
		// code=0: 响应体不是 JSON，通常是网关层 5xx
		return retry.KindServer
	case codeDisconnected:
		return retry.KindNetwork
	case codeTooManyRequests, codeTooManyOrders:
		return retry.KindRateLimited
	case codeTimeout:
		return retry.KindTimeout
	default:
		return retry.KindClient
	}
}

// convertError 把 SDK 错误转成带分类的 *retry.Error，供重试层判断。
func convertError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &retry.Error{Op: op, Kind: kindForCode(apiErr.Code), Code: apiErr.Code, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		kind := retry.KindNetwork
		if netErr.Timeout() {
			kind = retry.KindTimeout
		}
		return &retry.Error{Op: op, Kind: kind, Err: err}
	}
	return err
}

// convertOrderError 下单时把业务拒绝（保证金不足、精度等）映射为 RejectError。
func convertOrderError(op string, err error) error {
	converted := convertError(op, err)
	var rerr *retry.Error
	if errors.As(converted, &rerr) && rerr.Kind == retry.KindClient {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			return &executor.RejectError{Code: apiErr.Code, Reason: apiErr.Message}
		}
	}
	return converted
}
