package app

import (
	"context"
	"log/slog"
	"time"

	"pricebar/internal/domain"
	"pricebar/internal/service"
)

// EngineControl is the part of the polling engine driven by settings.
type EngineControl interface {
	SetRefreshInterval(interval time.Duration)
	SetActiveSymbol(sym domain.Symbol)
	Refresh()
	Running() bool
}

// ProxySetter swaps the ticker transport.
type ProxySetter interface {
	SetProxy(proxy domain.ProxyConfig) error
}

// CacheClearer drops memoized quotes.
type CacheClearer interface {
	Clear()
}

// Wiring pushes settings changes into the engine and ticker client.
type Wiring struct {
	engine EngineControl
	client ProxySetter
	cache  CacheClearer
	logger *slog.Logger
}

// NewWiring creates the settings-to-engine bridge. cache may be nil.
func NewWiring(engine EngineControl, client ProxySetter, cache CacheClearer) *Wiring {
	return &Wiring{
		engine: engine,
		client: client,
		cache:  cache,
		logger: slog.Default().With("module", "wiring"),
	}
}

// Run applies every change until ctx is done or changes is closed.
func (w *Wiring) Run(ctx context.Context, changes <-chan service.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			w.Apply(c)
		}
	}
}

// Apply maps one change onto the engine. A proxy change triggers a refresh
// unless a symbol switch or a timer restart already started a fetch.
func (w *Wiring) Apply(c service.Change) {
	reset := c.Kinds.Has(service.ChangeReset)
	s := c.Settings

	if reset && w.cache != nil {
		w.cache.Clear()
	}

	refresh := false
	if reset || c.Kinds.Has(service.ChangeProxy) {
		if err := w.client.SetProxy(s.Proxy); err != nil {
			w.logger.Error("Failed to apply proxy", slog.Any("error", err))
		} else {
			refresh = true
		}
	}

	if reset || c.Kinds.Has(service.ChangeInterval) {
		w.engine.SetRefreshInterval(s.RefreshInterval)
		// A running timer restarts and fetches on its own
		if c.Kinds.Has(service.ChangeInterval) && w.engine.Running() {
			refresh = false
		}
	}

	if reset || c.Kinds.Has(service.ChangeSymbol) {
		w.engine.SetActiveSymbol(s.Active())
		if c.Kinds.Has(service.ChangeSymbol) {
			refresh = false
		}
	}

	if refresh {
		w.engine.Refresh()
	}

	w.logger.Debug("Settings applied", slog.String("changed", c.Kinds.String()))
}
