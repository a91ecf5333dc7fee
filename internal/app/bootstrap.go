package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pricebar/internal/domain"
	"pricebar/internal/engine"
	"pricebar/internal/infra"
	"pricebar/internal/infra/cache"
	"pricebar/internal/infra/feed"
	"pricebar/internal/infra/storage"
	"pricebar/internal/infra/ticker"
	"pricebar/internal/service"
)

// DefaultConfigPath is read by Initialize.
const DefaultConfigPath = "configs/config.yaml"

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config     *infra.Config
	Metrics    *infra.Metrics
	Storage    *storage.Storage
	Settings   *service.SettingsService
	Client     *ticker.Client
	Cache      *cache.PriceCache
	Engine     *engine.Engine
	Downloader *infra.IconDownloader
	Feed       *feed.Hub
	Wiring     *Wiring
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the config file at path and builds every component.
func (b *Bootstrap) Initialize(path string) error {
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		return err
	}
	slog.SetDefault(infra.NewLogger(cfg))
	return b.InitializeWith(cfg)
}

// InitializeWith builds every component from cfg. Nothing is started.
func (b *Bootstrap) InitializeWith(cfg *infra.Config) error {
	slog.Info("🚀 Bootstrapping PriceBar...", slog.String("version", cfg.App.Version))
	b.Config = cfg
	if b.Metrics == nil {
		b.Metrics = infra.GlobalMetrics
	}

	// 1. Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 2. Persisted settings on top of config defaults
	settings, err := service.NewSettingsService(store, service.Settings{
		RefreshInterval: cfg.RefreshInterval(),
		ActiveSymbol:    cfg.DefaultSymbol(),
		Proxy:           cfg.DefaultProxy(),
	})
	if err != nil {
		return err
	}
	b.Settings = settings
	current := settings.Get()

	// 3. Ticker client with the persisted proxy
	client, err := ticker.NewClient(ticker.Options{
		BaseURL:        cfg.API.BaseURL,
		ConnectTimeout: time.Duration(cfg.API.ConnectTimeoutSec) * time.Second,
		TotalTimeout:   time.Duration(cfg.API.TotalTimeoutSec) * time.Second,
		Proxy:          current.Proxy,
		Metrics:        b.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create ticker client: %w", err)
	}
	b.Client = client

	// 4. Cache and engine
	b.Cache = cache.NewPriceCache(cfg.CacheTTL())
	b.Engine = engine.New(client, b.Cache, engine.Config{
		Symbol:      current.Active(),
		Interval:    current.RefreshInterval,
		MaxAttempts: cfg.Engine.MaxAttempts,
		BackoffUnit: cfg.BackoffUnit(),
		Metrics:     b.Metrics,
	})
	b.Wiring = NewWiring(b.Engine, client, b.Cache)
	settings.SetProxyVerifier(&proxyProbe{client: client, symbol: cfg.API.ProbeSymbol})
	slog.Info("✅ Polling engine ready",
		slog.String("symbol", current.Active().APISymbol()),
		slog.Duration("interval", current.RefreshInterval),
	)

	// 5. Icon downloader
	iconDir := cfg.Icons.Dir
	if iconDir == "" {
		appDir, err := storage.AppDataDir()
		if err != nil {
			return fmt.Errorf("failed to resolve assets path: %w", err)
		}
		iconDir = filepath.Join(appDir, "assets", "icons")
	}
	downloader, err := infra.NewIconDownloader(iconDir, cfg.Icons.BaseURL, cfg.Icons.Size)
	if err != nil {
		return err
	}
	b.Downloader = downloader
	slog.Info("✅ Icon downloader ready")

	// 6. State feed
	b.Feed = feed.NewHub(nil)
	b.Feed.SetPriceLister(b.ListPrices)
	b.Feed.SetPriceLookup(b.LookupPrice)

	return nil
}

// Run starts polling, the settings wiring and the state feed, and blocks until ctx is done.
func (b *Bootstrap) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, unsubscribe := b.Settings.Subscribe()
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.Wiring.Run(ctx, changes)
	}()
	go func() {
		defer wg.Done()
		b.Feed.Run(ctx, b.Engine)
	}()

	b.Engine.Start()
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.SyncAssets(ctx)
	}()

	var err error
	if addr := b.Config.Feed.ListenAddr; addr != "" {
		err = b.Feed.ListenAndServe(ctx, addr)
	} else {
		<-ctx.Done()
	}

	cancel()
	b.Engine.Stop()
	b.Feed.Close()
	wg.Wait()
	return err
}

// ListPrices fetches every known symbol once, keyed by code.
func (b *Bootstrap) ListPrices(ctx context.Context) map[string]domain.FetchResult {
	results := b.Engine.FetchAll(ctx, b.Settings.Get().AllSymbols())
	out := make(map[string]domain.FetchResult, len(results))
	for sym, res := range results {
		out[sym.Code()] = res
	}
	return out
}

// LookupPrice resolves code against the built-in and custom symbols and fetches it once.
// Unless fresh, a cached quote younger than the cache TTL is returned.
func (b *Bootstrap) LookupPrice(ctx context.Context, code string, fresh bool) (float64, bool, error) {
	sym, err := b.resolveSymbol(code)
	if err != nil {
		return 0, false, err
	}
	if fresh {
		price, ok := b.Engine.FetchOne(ctx, sym)
		return price, ok, nil
	}
	price, ok := b.Engine.FetchWithCache(ctx, sym)
	return price, ok, nil
}

func (b *Bootstrap) resolveSymbol(code string) (domain.Symbol, error) {
	if sym, ok := domain.ParseBuiltinSymbol(code); ok {
		return sym, nil
	}
	for _, c := range b.Settings.Get().CustomSymbols {
		if strings.EqualFold(c.Code(), code) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %q is not a known symbol", domain.ErrInvalidSymbol, code)
}

// SyncAssets records every known symbol and caches its icon.
// Failures are logged and never abort the sync.
func (b *Bootstrap) SyncAssets(ctx context.Context) {
	slog.Info("🔄 Starting asset synchronization...")

	symbols := b.Settings.Get().AllSymbols()

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 5) // Limit concurrent downloads

	for _, sym := range symbols {
		wg.Add(1)
		go func(sym domain.Symbol) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}:
			}
			defer func() { <-semaphore }()

			asset := &domain.SymbolAsset{
				Code:     sym.Code(),
				Name:     sym.DisplayName(),
				IsCustom: sym.IsCustom(),
			}
			if existing, _ := b.Storage.GetAsset(sym.Code()); existing != nil {
				asset.IconPath = existing.IconPath
				asset.LastSyncedAt = existing.LastSyncedAt
				asset.CreatedAt = existing.CreatedAt
			}

			path, err := b.Downloader.DownloadIcon(ctx, sym)
			if err != nil {
				slog.Warn("Failed to download icon", slog.String("symbol", sym.Code()), slog.Any("error", err))
			} else {
				asset.IconPath = path
				asset.LastSyncedAt = time.Now()
			}

			if err := b.Storage.UpsertAsset(asset); err != nil {
				slog.Error("Failed to upsert asset", slog.String("symbol", sym.Code()), slog.Any("error", err))
			}
		}(sym)
	}

	wg.Wait()
	slog.Info("✨ Asset synchronization completed", slog.Int("symbols", len(symbols)))
}

// Close stops the engine and releases storage. Safe after a partial Initialize.
func (b *Bootstrap) Close() {
	if b.Engine != nil {
		b.Engine.Close()
	}
	if b.Feed != nil {
		b.Feed.Close()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Error("Failed to close storage", slog.Any("error", err))
		}
		b.Storage = nil
	}
}

const proxyProbeTimeout = 10 * time.Second

// proxyProbe verifies a candidate proxy by fetching the probe symbol through it.
type proxyProbe struct {
	client *ticker.Client
	symbol string
}

func (p *proxyProbe) VerifyProxy(ctx context.Context, proxy domain.ProxyConfig) error {
	ctx, cancel := context.WithTimeout(ctx, proxyProbeTimeout)
	defer cancel()
	if !p.client.TestProxy(ctx, proxy, p.symbol) {
		return fmt.Errorf("test fetch of %s via %s:%d failed", p.symbol, proxy.Host, proxy.Port)
	}
	return nil
}
