package market

import "context"

// DataProvider is the exchange-facing read side. Implementations must be
// side-effect free and return errors the retry package can classify.
type DataProvider interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	Account(ctx context.Context, symbol string) (AccountState, error)
}

// LedgerAccounts rebuilds an AccountState from persisted trades when the
// exchange account endpoint is unavailable or not used (paper mode).
type LedgerAccounts interface {
	AccountFromLedger(ctx context.Context, symbol string, price float64) (AccountState, error)
}
