package domain

import (
	"fmt"
	"strings"
)

// QuoteAsset is the quote side of every pair the ticker endpoint is asked for.
const QuoteAsset = "USDT"

// Symbol is a tradable pair identifier. Implemented by BuiltinSymbol and CustomSymbol only.
type Symbol interface {
	// Code is the upper-case base asset code (e.g., "BTC").
	Code() string
	DisplayName() string
	// APISymbol is the pair string sent to the ticker endpoint (e.g., "BTCUSDT").
	APISymbol() string
	// PairDisplay is the human form of the pair (e.g., "BTC/USDT").
	PairDisplay() string
	IconHint() string
	IsCustom() bool

	isSymbol()
}

// BuiltinSymbol enumerates the symbols shipped with the app.
type BuiltinSymbol int

const (
	BTC BuiltinSymbol = iota
	ETH
	BNB
	SOL
	XRP
	DOGE
)

type builtinInfo struct {
	code     string
	name     string
	iconHint string
}

var builtins = [...]builtinInfo{
	BTC:  {"BTC", "Bitcoin", "btc"},
	ETH:  {"ETH", "Ethereum", "eth"},
	BNB:  {"BNB", "BNB", "bnb"},
	SOL:  {"SOL", "Solana", "sol"},
	XRP:  {"XRP", "XRP", "xrp"},
	DOGE: {"DOGE", "Dogecoin", "doge"},
}

// BuiltinSymbols returns every built-in symbol in display order.
func BuiltinSymbols() []BuiltinSymbol {
	out := make([]BuiltinSymbol, len(builtins))
	for i := range builtins {
		out[i] = BuiltinSymbol(i)
	}
	return out
}

// ParseBuiltinSymbol looks up a built-in by code, case-insensitively.
func ParseBuiltinSymbol(code string) (BuiltinSymbol, bool) {
	code = strings.TrimSpace(code)
	for i, b := range builtins {
		if strings.EqualFold(b.code, code) {
			return BuiltinSymbol(i), true
		}
	}
	return 0, false
}

// Valid reports whether b is one of the enumerated built-ins.
func (b BuiltinSymbol) Valid() bool {
	return b >= 0 && int(b) < len(builtins)
}

func (b BuiltinSymbol) info() builtinInfo {
	if !b.Valid() {
		return builtins[BTC]
	}
	return builtins[b]
}

func (b BuiltinSymbol) Code() string        { return b.info().code }
func (b BuiltinSymbol) DisplayName() string { return b.info().name }
func (b BuiltinSymbol) APISymbol() string   { return b.info().code + QuoteAsset }
func (b BuiltinSymbol) PairDisplay() string { return b.info().code + "/" + QuoteAsset }
func (b BuiltinSymbol) IconHint() string    { return b.info().iconHint }
func (b BuiltinSymbol) IsCustom() bool      { return false }
func (b BuiltinSymbol) String() string      { return b.Code() }
func (BuiltinSymbol) isSymbol()             {}

// CustomSymbol is a user-defined base asset code. Construct with NewCustomSymbol.
type CustomSymbol struct {
	code string
}

// NewCustomSymbol validates a user supplied code: 3-5 ASCII letters, not a built-in.
// The stored code is upper-case.
func NewCustomSymbol(code string) (CustomSymbol, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < 3 || len(code) > 5 {
		return CustomSymbol{}, fmt.Errorf("%w: %q must be 3-5 letters", ErrInvalidSymbol, code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return CustomSymbol{}, fmt.Errorf("%w: %q must contain only letters", ErrInvalidSymbol, code)
		}
	}
	if _, ok := ParseBuiltinSymbol(code); ok {
		return CustomSymbol{}, fmt.Errorf("%w: %q is already a built-in symbol", ErrInvalidSymbol, code)
	}
	return CustomSymbol{code: code}, nil
}

func (c CustomSymbol) Code() string        { return c.code }
func (c CustomSymbol) DisplayName() string { return c.code }
func (c CustomSymbol) APISymbol() string   { return c.code + QuoteAsset }
func (c CustomSymbol) PairDisplay() string { return c.code + "/" + QuoteAsset }
func (c CustomSymbol) IconHint() string    { return strings.ToLower(c.code) }
func (c CustomSymbol) IsCustom() bool      { return true }
func (c CustomSymbol) String() string      { return c.code }
func (CustomSymbol) isSymbol()             {}

// SameSymbol compares two symbols case-insensitively on the base code.
func SameSymbol(a, b Symbol) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return strings.EqualFold(a.Code(), b.Code())
}

// SymbolKey is the canonical map key for a symbol.
func SymbolKey(s Symbol) string {
	if s == nil {
		return ""
	}
	return strings.ToUpper(s.Code())
}

// AllSymbols returns the built-ins followed by the given custom symbols.
func AllSymbols(custom []CustomSymbol) []Symbol {
	out := make([]Symbol, 0, len(builtins)+len(custom))
	for _, b := range BuiltinSymbols() {
		out = append(out, b)
	}
	for _, c := range custom {
		out = append(out, c)
	}
	return out
}
