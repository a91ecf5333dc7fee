package feed

import (
	"time"

	"pricebar/internal/domain"
)

// Snapshot is the wire form of an engine FetchState.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	Fetching  bool      `json:"fetching"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSnapshot converts engine state for UI clients.
func NewSnapshot(s domain.FetchState) Snapshot {
	snap := Snapshot{
		Price:     s.Price,
		Fetching:  s.Fetching,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Symbol != nil {
		snap.Symbol = s.Symbol.Code()
		snap.Pair = s.Symbol.PairDisplay()
	}
	if s.LastError != nil {
		snap.Error = s.LastError.Error()
		snap.ErrorKind = domain.ErrorKind(s.LastError)
	}
	return snap
}
