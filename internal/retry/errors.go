package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Kind is the transport-level failure category used for retry decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindNetwork
	KindRateLimited
	KindServer
	KindClient
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error carries a classified transport failure. Status is the HTTP status when known
// and Code the upstream API code when the remote side supplied one.
type Error struct {
	Op     string
	Kind   Kind
	Status int
	Code   int64
	Err    error
}

func (e *Error) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Status > 0 && e.Code != 0:
		return fmt.Sprintf("%s: %s (status=%d code=%d): %s", e.Op, e.Kind, e.Status, e.Code, msg)
	case e.Status > 0:
		return fmt.Sprintf("%s: %s (status=%d): %s", e.Op, e.Kind, e.Status, msg)
	case e.Code != 0:
		return fmt.Sprintf("%s: %s (code=%d): %s", e.Op, e.Kind, e.Code, msg)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with an explicit kind.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// FromStatus tags err with the kind implied by an HTTP status code.
func FromStatus(op string, status int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	return &Error{Op: op, Kind: KindForStatus(status), Status: status, Err: err}
}

func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Retryable reports whether err is worth another attempt: timeouts, network
// failures and HTTP 429/500/502/503/504. Classification only inspects error
// types and codes.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		switch re.Kind {
		case KindTimeout, KindNetwork, KindRateLimited:
			return true
		case KindServer:
			return re.Status == 0 || retryableStatus[re.Status]
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
