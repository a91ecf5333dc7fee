package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is the result of one successful fetch. Never mutated after creation.
type PriceQuote struct {
	Symbol    string          `json:"symbol"` // API pair string
	Price     float64         `json:"price"`
	Exact     decimal.Decimal `json:"exact"` // Price as sent by the exchange
	FetchedAt time.Time       `json:"fetched_at"`
}

// FetchState is the observable state of the active symbol's polling.
// Price 0 means no value yet.
type FetchState struct {
	Symbol    Symbol
	Price     float64
	Fetching  bool
	LastError error
	UpdatedAt time.Time
}

// HasPrice reports whether a price has been received for the current symbol.
func (s FetchState) HasPrice() bool {
	return s.Price != 0
}

// FetchResult is one entry of a fan-out fetch: either a price or an error message.
type FetchResult struct {
	Price float64 `json:"price,omitempty"`
	Err   string  `json:"error,omitempty"`
}

// OK reports whether the result carries a price.
func (r FetchResult) OK() bool {
	return r.Err == ""
}
