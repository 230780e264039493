package binance

import (
	"strings"
	"time"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
)

type Config struct {
	BaseURL     string
	APIKey      string
	SecretKey   string
	Testnet     bool
	HTTPTimeout time.Duration
	ProxyURL    string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.BaseURL = strings.TrimSpace(out.BaseURL)
	if out.BaseURL == "" {
		out.BaseURL = mainnetBaseURL
		if out.Testnet {
			out.BaseURL = testnetBaseURL
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.APIKey = strings.TrimSpace(out.APIKey)
	out.SecretKey = strings.TrimSpace(out.SecretKey)
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	return out
}
