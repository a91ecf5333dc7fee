package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"pricebar/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 4
)

// StateSource is anything that publishes FetchState transitions (the engine).
type StateSource interface {
	Subscribe() (<-chan domain.FetchState, func())
}

// Hub fans engine state out to websocket clients. New clients get the latest snapshot first.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	latest  []byte
	clients map[*client]struct{}
	closed  bool
	prices  PriceLister
	lookup  PriceLookup
}

// PriceLister returns a one-shot snapshot of every known symbol keyed by code.
type PriceLister func(ctx context.Context) map[string]domain.FetchResult

// PriceLookup resolves one symbol code. fresh skips the cache.
// Unknown codes return an error wrapping domain.ErrInvalidSymbol; ok=false means the fetch failed.
type PriceLookup func(ctx context.Context, code string, fresh bool) (price float64, ok bool, err error)

// PriceReply is the body of GET /price.
type PriceReply struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,omitempty"`
	Fresh  bool    `json:"fresh"`
	Error  string  `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates a hub. logger may be nil.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("module", "feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     localOrigin,
		},
		clients: make(map[*client]struct{}),
	}
}

// localOrigin admits non-browser clients and pages served from loopback.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Run broadcasts every state from src until ctx is done or src closes its channel.
func (h *Hub) Run(ctx context.Context, src StateSource) {
	states, cancel := src.Subscribe()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Feed loop panic", slog.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			h.Broadcast(NewSnapshot(st))
		}
	}
}

// Broadcast records snap as the latest and queues it for every client.
// A client that falls behind skips intermediate snapshots.
func (h *Hub) Broadcast(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("Failed to encode snapshot", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest = data
	for c := range h.clients {
		enqueue(c, data)
	}
}

func enqueue(c *client, data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

// SetPriceLister enables GET /prices.
func (h *Hub) SetPriceLister(fn PriceLister) {
	h.mu.Lock()
	h.prices = fn
	h.mu.Unlock()
}

// SetPriceLookup enables GET /price.
func (h *Hub) SetPriceLookup(fn PriceLookup) {
	h.mu.Lock()
	h.lookup = fn
	h.mu.Unlock()
}

// Handler serves the websocket feed at /ws, the latest snapshot at /state,
// the all-symbols listing at /prices and single lookups at /price.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("GET /state", h.ServeState)
	mux.HandleFunc("GET /prices", h.ServePrices)
	mux.HandleFunc("GET /price", h.ServePrice)
	return mux
}

// ServePrice answers GET /price?symbol=<CODE>[&fresh=1].
// Without fresh the lookup may be served from the quote cache.
func (h *Hub) ServePrice(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	lookup := h.lookup
	h.mu.RUnlock()

	if lookup == nil {
		http.NotFound(w, r)
		return
	}
	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if code == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))

	reply := PriceReply{Symbol: code, Fresh: fresh}
	status := http.StatusOK
	price, ok, err := lookup(r.Context(), code, fresh)
	switch {
	case err != nil:
		reply.Error = err.Error()
		status = http.StatusNotFound
	case !ok:
		reply.Error = "price unavailable"
		status = http.StatusBadGateway
	default:
		reply.Price = price
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		h.logger.Warn("Failed to write price", slog.Any("error", err))
	}
}

// ServePrices runs the price lister and writes its result map.
func (h *Hub) ServePrices(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	list := h.prices
	h.mu.RUnlock()

	if list == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list(r.Context())); err != nil {
		h.logger.Warn("Failed to write prices", slog.Any("error", err))
	}
}

// ServeState writes the latest snapshot as JSON, or 503 before the first one.
func (h *Hub) ServeState(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	data := h.latest
	h.mu.RUnlock()

	if data == nil {
		http.Error(w, "no state yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	if h.latest != nil {
		c.send <- h.latest
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("Feed client connected", slog.String("remote", r.RemoteAddr), slog.Int("clients", count))

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop drains client frames so pongs and close frames are processed.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Feed client read error", slog.Any("error", err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.stop()
	}
}

// ListenAndServe serves Handler on addr until ctx is done.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("State feed listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
