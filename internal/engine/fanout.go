package engine

import (
	"context"
	"log/slog"
	"sync"

	"pricebar/internal/domain"
)

// FetchAll fetches every symbol concurrently, one attempt each, and waits for all.
// The result has one entry per distinct symbol. The cache is bypassed.
func (e *Engine) FetchAll(ctx context.Context, symbols []domain.Symbol) map[domain.Symbol]domain.FetchResult {
	unique := make([]domain.Symbol, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		if sym == nil || seen[domain.SymbolKey(sym)] {
			continue
		}
		seen[domain.SymbolKey(sym)] = true
		unique = append(unique, sym)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[domain.Symbol]domain.FetchResult, len(unique))
	)
	for _, sym := range unique {
		wg.Add(1)
		go func(sym domain.Symbol) {
			defer wg.Done()

			var res domain.FetchResult
			quote, err := e.fetcher.Fetch(ctx, sym.APISymbol())
			if err != nil {
				res.Err = err.Error()
			} else {
				res.Price = quote.Price
			}

			mu.Lock()
			results[sym] = res
			mu.Unlock()
		}(sym)
	}
	wg.Wait()

	e.logger.Debug("Fetched all symbols", slog.Int("count", len(results)))
	return results
}

// FetchOne makes a single best-effort fetch. Any failure yields ok=false.
func (e *Engine) FetchOne(ctx context.Context, sym domain.Symbol) (float64, bool) {
	if sym == nil {
		return 0, false
	}
	quote, err := e.fetcher.Fetch(ctx, sym.APISymbol())
	if err != nil {
		e.logger.Debug("On-demand fetch failed", slog.String("symbol", sym.APISymbol()), slog.Any("error", err))
		return 0, false
	}
	return quote.Price, true
}

// FetchWithCache serves a fresh cached quote, otherwise fetches once and writes through.
func (e *Engine) FetchWithCache(ctx context.Context, sym domain.Symbol) (float64, bool) {
	if sym == nil {
		return 0, false
	}
	key := sym.APISymbol()
	if e.cache != nil {
		if quote, ok := e.cache.Get(key); ok {
			e.metrics.RecordCacheLookup(true)
			return quote.Price, true
		}
		e.metrics.RecordCacheLookup(false)
	}

	quote, err := e.fetcher.Fetch(ctx, key)
	if err != nil {
		e.logger.Debug("Cached fetch failed", slog.String("symbol", key), slog.Any("error", err))
		return 0, false
	}
	if e.cache != nil {
		e.cache.Put(key, quote)
	}
	return quote.Price, true
}
