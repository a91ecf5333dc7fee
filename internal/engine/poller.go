package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pricebar/internal/domain"
	"pricebar/internal/infra"
)

const (
	// DefaultMaxAttempts bounds the active-symbol retry sequence
	DefaultMaxAttempts = 3
	// DefaultBackoffUnit is multiplied by the attempt number: 1s, then 2s
	DefaultBackoffUnit = time.Second
)

// Fetcher performs one ticker round trip for an API pair string. No retries.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (domain.PriceQuote, error)
}

// QuoteCache memoizes quotes for secondary symbols.
type QuoteCache interface {
	Get(symbol string) (domain.PriceQuote, bool)
	Put(symbol string, quote domain.PriceQuote)
}

// Config configures an Engine. Zero values fall back to defaults.
type Config struct {
	Symbol      domain.Symbol
	Interval    time.Duration
	MaxAttempts int
	BackoffUnit time.Duration
	Metrics     *infra.Metrics
	Logger      *slog.Logger
}

// fetchOp identifies one active-symbol fetch operation.
type fetchOp struct {
	target domain.Symbol
	gen    uint64 // symbol generation the op was started in
}

// Engine polls the active symbol on a timer and owns its FetchState.
// All FetchState mutations happen under mu, so the stale-symbol check in
// finish is atomic with respect to SetActiveSymbol.
type Engine struct {
	fetcher     Fetcher
	cache       QuoteCache
	metrics     *infra.Metrics
	logger      *slog.Logger
	maxAttempts int
	backoffUnit time.Duration

	// ctx bounds fetch operations; cancelled only by Close
	ctx    context.Context
	cancel context.CancelFunc
	ops    sync.WaitGroup

	// lifecycle serializes Start/Stop/SetRefreshInterval/Close
	lifecycle sync.Mutex

	mu          sync.Mutex
	active      domain.Symbol
	gen         uint64
	inflight    int // ops of the current generation still running
	interval    time.Duration
	state       domain.FetchState
	timerCancel context.CancelFunc
	timerDone   chan struct{}
	closed      bool
	subs        map[int]chan domain.FetchState
	nextSubID   int
}

// New creates an engine. cache may be nil, in which case FetchWithCache always hits the network.
func New(fetcher Fetcher, cache QuoteCache, cfg Config) *Engine {
	if cfg.Symbol == nil {
		cfg.Symbol = domain.BTC
	}
	if cfg.Interval <= 0 {
		cfg.Interval = domain.DefaultRefreshInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = DefaultBackoffUnit
	}
	if cfg.Metrics == nil {
		cfg.Metrics = infra.GlobalMetrics
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		fetcher:     fetcher,
		cache:       cache,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("module", "engine"),
		maxAttempts: cfg.MaxAttempts,
		backoffUnit: cfg.BackoffUnit,
		ctx:         ctx,
		cancel:      cancel,
		active:      cfg.Symbol,
		interval:    cfg.Interval,
		state:       domain.FetchState{Symbol: cfg.Symbol},
		subs:        make(map[int]chan domain.FetchState),
	}
}

// ======================================================================================
// Timer lifecycle
// ======================================================================================

// Start fetches the active symbol immediately, then on every interval tick.
// Calling Start while running restarts the timer.
func (e *Engine) Start() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.startLocked()
}

func (e *Engine) startLocked() {
	e.stopTimer()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	interval := e.interval
	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan struct{})
	e.timerCancel = cancel
	e.timerDone = done
	op, ok := e.beginFetchLocked()
	e.mu.Unlock()

	if ok {
		go e.runFetch(op)
	}
	go e.timerLoop(ctx, interval, done)

	e.logger.Info("Polling started",
		slog.String("symbol", e.ActiveSymbol().APISymbol()),
		slog.Duration("interval", interval),
	)
}

// Stop cancels future ticks. In-flight fetches run to completion.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.stopTimer() {
		e.logger.Info("Polling stopped")
	}
}

// stopTimer cancels the timer goroutine and waits for it to exit.
// Reports whether a timer was running.
func (e *Engine) stopTimer() bool {
	e.mu.Lock()
	cancel, done := e.timerCancel, e.timerDone
	e.timerCancel, e.timerDone = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (e *Engine) timerLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Polling timer panic recovered", slog.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick starts a fetch unless one for the active symbol is still running.
func (e *Engine) tick() {
	e.mu.Lock()
	if e.inflight > 0 {
		e.mu.Unlock()
		e.logger.Debug("Tick skipped, fetch in flight")
		return
	}
	op, ok := e.beginFetchLocked()
	e.mu.Unlock()

	if ok {
		go e.runFetch(op)
	}
}

// Running reports whether the timer is armed.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timerCancel != nil
}

// Close stops the timer, cancels in-flight fetches and closes all subscriptions.
func (e *Engine) Close() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.stopTimer()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.ops.Wait()

	e.mu.Lock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.mu.Unlock()
}

// ======================================================================================
// Active symbol operations
// ======================================================================================

// Refresh fetches the active symbol now without touching the timer.
func (e *Engine) Refresh() {
	e.mu.Lock()
	op, ok := e.beginFetchLocked()
	e.mu.Unlock()

	if ok {
		go e.runFetch(op)
	}
}

// SetActiveSymbol switches the polled symbol. The price is reset to 0 and the
// last error cleared before returning; a fetch for sym starts immediately.
func (e *Engine) SetActiveSymbol(sym domain.Symbol) {
	if sym == nil {
		return
	}

	e.mu.Lock()
	if domain.SameSymbol(sym, e.active) {
		e.mu.Unlock()
		return
	}
	prev := e.active
	e.active = sym
	e.gen++
	e.inflight = 0
	e.state = domain.FetchState{Symbol: sym}
	op, ok := e.beginFetchLocked()
	if !ok {
		e.publishLocked()
	}
	e.mu.Unlock()

	e.logger.Info("Active symbol changed",
		slog.String("from", prev.APISymbol()),
		slog.String("to", sym.APISymbol()),
	)
	if ok {
		go e.runFetch(op)
	}
}

// SetRefreshInterval changes the cadence. A running timer is restarted, which
// also fetches immediately.
func (e *Engine) SetRefreshInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if interval == e.interval {
		e.mu.Unlock()
		return
	}
	e.interval = interval
	running := e.timerCancel != nil
	e.mu.Unlock()

	e.logger.Info("Refresh interval changed", slog.Duration("interval", interval))
	if running {
		e.startLocked()
	}
}

// ActiveSymbol returns the symbol currently driving FetchState.
func (e *Engine) ActiveSymbol() domain.Symbol {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Interval returns the configured refresh interval.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// State returns a copy of the current FetchState.
func (e *Engine) State() domain.FetchState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// beginFetchLocked registers a new op for the active symbol. Must be called with mu held.
func (e *Engine) beginFetchLocked() (fetchOp, bool) {
	if e.closed {
		return fetchOp{}, false
	}
	e.inflight++
	e.state.Fetching = true
	e.ops.Add(1)
	e.publishLocked()
	return fetchOp{target: e.active, gen: e.gen}, true
}

// runFetch makes up to maxAttempts attempts with linear backoff between them.
func (e *Engine) runFetch(op fetchOp) {
	defer e.ops.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Fetch panic recovered", slog.Any("panic", r))
			e.finish(op, nil, nil)
		}
	}()

	symbol := op.target.APISymbol()
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		quote, err := e.fetcher.Fetch(e.ctx, symbol)
		if err == nil {
			e.finish(op, &quote, nil)
			return
		}
		lastErr = err

		if attempt == e.maxAttempts {
			break
		}
		if e.isStale(op) {
			e.logger.Debug("Abandoning retries for previous symbol", slog.String("symbol", symbol))
			e.finish(op, nil, nil)
			return
		}

		delay := time.Duration(attempt) * e.backoffUnit
		e.metrics.RecordRetry()
		e.logger.Warn("Fetch attempt failed, retrying",
			slog.String("symbol", symbol),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		select {
		case <-e.ctx.Done():
			e.finish(op, nil, nil)
			return
		case <-time.After(delay):
		}
	}

	e.logger.Warn("Fetch failed",
		slog.String("symbol", symbol),
		slog.Int("attempts", e.maxAttempts),
		slog.String("kind", domain.ErrorKind(lastErr)),
		slog.Any("error", lastErr),
	)
	e.finish(op, nil, lastErr)
}

func (e *Engine) isStale(op fetchOp) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !domain.SameSymbol(op.target, e.active)
}

// finish commits a terminal result. Results for a symbol that is no longer
// active are dropped. quote and err both nil means abandoned.
func (e *Engine) finish(op fetchOp, quote *domain.PriceQuote, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if op.gen == e.gen && e.inflight > 0 {
		e.inflight--
	}
	e.state.Fetching = e.inflight > 0

	switch {
	case !domain.SameSymbol(op.target, e.active):
		if quote != nil || err != nil {
			e.metrics.RecordStaleDiscard()
			e.logger.Debug("Discarding result for previous symbol",
				slog.String("symbol", op.target.APISymbol()),
			)
		}
	case quote != nil:
		e.state.Price = quote.Price
		e.state.LastError = nil
		e.state.UpdatedAt = quote.FetchedAt
	case err != nil:
		e.state.LastError = err
	}
	e.publishLocked()
}

// ======================================================================================
// Subscriptions
// ======================================================================================

// Subscribe returns a channel that receives every state transition, latest-wins.
// The current state is delivered immediately. Call cancel to unsubscribe.
func (e *Engine) Subscribe() (<-chan domain.FetchState, func()) {
	ch := make(chan domain.FetchState, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = ch
	ch <- e.state
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

// publishLocked delivers the state to every subscriber without blocking.
// A slow subscriber only ever sees the newest state. Must be called with mu held.
func (e *Engine) publishLocked() {
	snapshot := e.state
	for _, ch := range e.subs {
		select {
		case ch <- snapshot:
			continue
		default:
		}
		// Drop the stale value and retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}
