package ticker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"pricebar/internal/domain"
	"pricebar/internal/infra"

	"github.com/shopspring/decimal"
)

const (
	// DefaultBaseURL is the public Binance spot REST endpoint
	DefaultBaseURL = "https://api.binance.com/api/v3"

	defaultConnectTimeout = 15 * time.Second
	defaultTotalTimeout   = 30 * time.Second
	maxBodyBytes          = 1 << 20
)

// priceResponse is the body of GET /ticker/price?symbol=...
type priceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	BaseURL        string
	ConnectTimeout time.Duration // dial, TLS handshake and response header wait
	TotalTimeout   time.Duration // whole request including body
	Proxy          domain.ProxyConfig
	Metrics        *infra.Metrics
	Logger         *slog.Logger
}

// Client fetches a single ticker price per call. It never retries.
type Client struct {
	baseURL        *url.URL
	connectTimeout time.Duration
	totalTimeout   time.Duration
	metrics        *infra.Metrics
	logger         *slog.Logger

	mu         sync.RWMutex
	httpClient *http.Client
	proxy      domain.ProxyConfig
}

// NewClient creates a ticker client. The base URL must be absolute http(s).
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidURL, opts.BaseURL)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = defaultTotalTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.GlobalMetrics
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := opts.Proxy.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:        base,
		connectTimeout: opts.ConnectTimeout,
		totalTimeout:   opts.TotalTimeout,
		metrics:        opts.Metrics,
		logger:         opts.Logger.With("module", "ticker_client"),
		proxy:          opts.Proxy,
	}
	c.httpClient = c.newHTTPClient(opts.Proxy)
	return c, nil
}

// newHTTPClient builds a client whose transport routes through proxy when enabled.
func (c *Client) newHTTPClient(proxy domain.ProxyConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   c.connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = c.connectTimeout
	transport.ResponseHeaderTimeout = c.connectTimeout
	transport.MaxIdleConns = 10
	transport.IdleConnTimeout = 30 * time.Second
	if u := proxy.URL(); u != nil {
		transport.Proxy = http.ProxyURL(u)
	} else {
		transport.Proxy = nil
	}

	return &http.Client{
		Timeout:   c.totalTimeout,
		Transport: transport,
	}
}

// SetProxy replaces the transport. Requests already in flight keep the old one.
func (c *Client) SetProxy(proxy domain.ProxyConfig) error {
	if err := proxy.Validate(); err != nil {
		return err
	}
	next := c.newHTTPClient(proxy)

	c.mu.Lock()
	prev := c.httpClient
	c.httpClient = next
	c.proxy = proxy
	c.mu.Unlock()

	prev.CloseIdleConnections()
	c.logger.Info("Ticker transport reconfigured",
		slog.Bool("proxy", proxy.Enabled),
		slog.String("proxy_host", proxy.Host),
	)
	return nil
}

// Proxy returns the proxy settings currently applied.
func (c *Client) Proxy() domain.ProxyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proxy
}

// Fetch performs one GET for the API pair string and parses the price.
func (c *Client) Fetch(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	start := time.Now()
	quote, err := c.doFetch(ctx, symbol)
	c.metrics.RecordFetch(time.Since(start), err)
	if err != nil {
		c.logger.Debug("Ticker fetch failed",
			slog.String("symbol", symbol),
			slog.String("kind", domain.ErrorKind(err)),
			slog.Any("error", err),
		)
	}
	return quote, err
}

func (c *Client) doFetch(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	reqURL, err := c.requestURL(symbol)
	if err != nil {
		return domain.PriceQuote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	httpClient := c.httpClient
	c.mu.RUnlock()

	resp, err := httpClient.Do(req)
	if err != nil {
		return domain.PriceQuote{}, domain.NewNetworkError("request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return domain.PriceQuote{}, &domain.ServerError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.PriceQuote{}, domain.NewNetworkError("read", err)
	}

	return parseQuote(body, time.Now())
}

// requestURL appends /ticker/price and the symbol query parameter to the base URL.
func (c *Client) requestURL(symbol string) (string, error) {
	if symbol == "" {
		return "", fmt.Errorf("%w: empty symbol", domain.ErrInvalidURL)
	}
	u := c.baseURL.JoinPath("ticker", "price")
	q := u.Query()
	q.Set("symbol", symbol)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseQuote(body []byte, now time.Time) (domain.PriceQuote, error) {
	var data priceResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("%w: %v", domain.ErrInvalidResponse, err)
	}
	if data.Symbol == "" || data.Price == "" {
		return domain.PriceQuote{}, fmt.Errorf("%w: missing symbol or price", domain.ErrInvalidResponse)
	}

	exact, err := decimal.NewFromString(data.Price)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("%w: %q", domain.ErrInvalidPrice, data.Price)
	}

	price := exact.InexactFloat64()
	if math.IsInf(price, 0) || math.IsNaN(price) {
		return domain.PriceQuote{}, fmt.Errorf("%w: %q", domain.ErrInvalidPrice, data.Price)
	}

	return domain.PriceQuote{
		Symbol:    data.Symbol,
		Price:     price,
		Exact:     exact,
		FetchedAt: now,
	}, nil
}

// TestConnection issues one fetch for symbol and reports whether it succeeded.
// Used to validate proxy settings before they are saved.
func (c *Client) TestConnection(ctx context.Context, symbol string) bool {
	_, err := c.Fetch(ctx, symbol)
	return err == nil
}

// TestProxy checks reachability through a candidate proxy without applying it.
func (c *Client) TestProxy(ctx context.Context, proxy domain.ProxyConfig, symbol string) bool {
	if err := proxy.Validate(); err != nil {
		return false
	}
	probe := &Client{
		baseURL:        c.baseURL,
		connectTimeout: c.connectTimeout,
		totalTimeout:   c.totalTimeout,
		metrics:        c.metrics,
		logger:         c.logger,
		proxy:          proxy,
	}
	probe.httpClient = probe.newHTTPClient(proxy)
	defer probe.httpClient.CloseIdleConnections()
	return probe.TestConnection(ctx, symbol)
}
