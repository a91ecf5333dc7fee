package service

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"pricebar/internal/domain"
)

// Persisted setting keys
const (
	keyRefreshInterval    = "refreshInterval"
	keyActiveSymbol       = "activeSymbol"
	keyUseCustomSymbol    = "useCustomSymbol"
	keySelectedCustomIdx  = "selectedCustomSymbolIndex"
	keyCustomSymbols      = "customSymbols"
	keyProxyEnabled       = "proxyEnabled"
	keyProxyHost          = "proxyHost"
	keyProxyPort          = "proxyPort"
	keyProxyUsername      = "proxyUsername"
	keyProxyPassword      = "proxyPassword"
	customSymbolSeparator = ","
)

// MaxCustomSymbols caps user-defined symbols so the fan-out set stays small.
const MaxCustomSymbols = 5

// Settings is the user-facing configuration consumed by the engine.
type Settings struct {
	RefreshInterval           time.Duration
	ActiveSymbol              domain.BuiltinSymbol
	UseCustomSymbol           bool
	SelectedCustomSymbolIndex int
	CustomSymbols             []domain.CustomSymbol
	Proxy                     domain.ProxyConfig
}

// Active resolves the symbol that should drive polling.
func (s Settings) Active() domain.Symbol {
	if s.UseCustomSymbol && s.SelectedCustomSymbolIndex >= 0 && s.SelectedCustomSymbolIndex < len(s.CustomSymbols) {
		return s.CustomSymbols[s.SelectedCustomSymbolIndex]
	}
	return s.ActiveSymbol
}

// AllSymbols is the built-ins plus custom symbols.
func (s Settings) AllSymbols() []domain.Symbol {
	return domain.AllSymbols(s.CustomSymbols)
}

func (s Settings) clone() Settings {
	s.CustomSymbols = slices.Clone(s.CustomSymbols)
	return s
}

// ChangeKind flags which aspects of Settings changed.
type ChangeKind uint8

const (
	ChangeInterval ChangeKind = 1 << iota
	ChangeSymbol
	ChangeProxy
	ChangeCustomSymbols
	ChangeReset
)

// Has reports whether k includes flag.
func (k ChangeKind) Has(flag ChangeKind) bool {
	return k&flag != 0
}

func (k ChangeKind) String() string {
	var parts []string
	names := []struct {
		flag ChangeKind
		name string
	}{
		{ChangeInterval, "interval"},
		{ChangeSymbol, "symbol"},
		{ChangeProxy, "proxy"},
		{ChangeCustomSymbols, "custom_symbols"},
		{ChangeReset, "reset"},
	}
	for _, n := range names {
		if k.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Change is published to subscribers after every effective settings write.
type Change struct {
	Kinds    ChangeKind
	Settings Settings
}

func diff(prev, next Settings) ChangeKind {
	var k ChangeKind
	if prev.RefreshInterval != next.RefreshInterval {
		k |= ChangeInterval
	}
	if !domain.SameSymbol(prev.Active(), next.Active()) {
		k |= ChangeSymbol
	}
	if prev.Proxy != next.Proxy {
		k |= ChangeProxy
	}
	if !slices.Equal(prev.CustomSymbols, next.CustomSymbols) {
		k |= ChangeCustomSymbols
	}
	return k
}

// encode flattens settings into the key-value store format.
func encode(s Settings) map[string]string {
	codes := make([]string, len(s.CustomSymbols))
	for i, c := range s.CustomSymbols {
		codes[i] = c.Code()
	}
	return map[string]string{
		keyRefreshInterval:   strconv.Itoa(int(s.RefreshInterval / time.Second)),
		keyActiveSymbol:      s.ActiveSymbol.Code(),
		keyUseCustomSymbol:   strconv.FormatBool(s.UseCustomSymbol),
		keySelectedCustomIdx: strconv.Itoa(s.SelectedCustomSymbolIndex),
		keyCustomSymbols:     strings.Join(codes, customSymbolSeparator),
		keyProxyEnabled:      strconv.FormatBool(s.Proxy.Enabled),
		keyProxyHost:         s.Proxy.Host,
		keyProxyPort:         strconv.Itoa(s.Proxy.Port),
		keyProxyUsername:     s.Proxy.Username,
		keyProxyPassword:     s.Proxy.Password,
	}
}

// decode overlays stored values onto defaults. Invalid values are reported by key
// and left at their default.
func decode(values map[string]string, defaults Settings) (Settings, []string) {
	s := defaults.clone()
	var invalid []string

	if v, ok := values[keyRefreshInterval]; ok {
		sec, err := strconv.Atoi(v)
		if d := time.Duration(sec) * time.Second; err == nil && domain.ValidRefreshInterval(d) {
			s.RefreshInterval = d
		} else {
			invalid = append(invalid, keyRefreshInterval)
		}
	}
	if v, ok := values[keyActiveSymbol]; ok {
		if sym, found := domain.ParseBuiltinSymbol(v); found {
			s.ActiveSymbol = sym
		} else {
			invalid = append(invalid, keyActiveSymbol)
		}
	}
	if v, ok := values[keyCustomSymbols]; ok && v != "" {
		s.CustomSymbols = nil
		for _, code := range strings.Split(v, customSymbolSeparator) {
			sym, err := domain.NewCustomSymbol(code)
			if err != nil || slices.Contains(s.CustomSymbols, sym) {
				invalid = append(invalid, keyCustomSymbols)
				continue
			}
			s.CustomSymbols = append(s.CustomSymbols, sym)
		}
	}
	if v, ok := values[keyUseCustomSymbol]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.UseCustomSymbol = b
		} else {
			invalid = append(invalid, keyUseCustomSymbol)
		}
	}
	if v, ok := values[keySelectedCustomIdx]; ok {
		if idx, err := strconv.Atoi(v); err == nil {
			s.SelectedCustomSymbolIndex = idx
		} else {
			invalid = append(invalid, keySelectedCustomIdx)
		}
	}
	if s.SelectedCustomSymbolIndex < 0 || s.SelectedCustomSymbolIndex >= len(s.CustomSymbols) {
		s.SelectedCustomSymbolIndex = 0
		if len(s.CustomSymbols) == 0 {
			s.UseCustomSymbol = false
		}
	}

	proxy := s.Proxy
	if v, ok := values[keyProxyEnabled]; ok {
		proxy.Enabled, _ = strconv.ParseBool(v)
	}
	if v, ok := values[keyProxyHost]; ok {
		proxy.Host = v
	}
	if v, ok := values[keyProxyPort]; ok {
		proxy.Port, _ = strconv.Atoi(v)
	}
	if v, ok := values[keyProxyUsername]; ok {
		proxy.Username = v
	}
	if v, ok := values[keyProxyPassword]; ok {
		proxy.Password = v
	}
	if proxy.Validate() == nil {
		s.Proxy = proxy
	} else {
		invalid = append(invalid, keyProxyHost)
	}

	return s, invalid
}
