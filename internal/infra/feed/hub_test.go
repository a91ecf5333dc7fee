package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"pricebar/internal/domain"
)

type chanSource struct {
	ch chan domain.FetchState
}

func (s *chanSource) Subscribe() (<-chan domain.FetchState, func()) {
	return s.ch, func() {}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) Snapshot {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var snap Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	return snap
}

func TestNewSnapshot(t *testing.T) {
	now := time.Now()
	snap := NewSnapshot(domain.FetchState{
		Symbol:    domain.ETH,
		Price:     3100.5,
		LastError: &domain.ServerError{StatusCode: 502},
		UpdatedAt: now,
	})

	if snap.Symbol != "ETH" || snap.Pair != "ETH/USDT" {
		t.Errorf("symbol = %q pair = %q", snap.Symbol, snap.Pair)
	}
	if snap.Price != 3100.5 {
		t.Errorf("Price = %v", snap.Price)
	}
	if snap.Error != "server error: status 502" || snap.ErrorKind != "server" {
		t.Errorf("Error = %q kind = %q", snap.Error, snap.ErrorKind)
	}
}

func TestHubSendsLatestOnConnect(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	defer hub.Close()

	hub.Broadcast(Snapshot{Symbol: "BTC", Pair: "BTC/USDT", Price: 50000})

	conn := dial(t, srv)
	snap := readSnapshot(t, conn)
	require.Equal(t, "BTC", snap.Symbol)
	require.Equal(t, 50000.0, snap.Price)

	hub.Broadcast(Snapshot{Symbol: "BTC", Pair: "BTC/USDT", Price: 50001})
	snap = readSnapshot(t, conn)
	require.Equal(t, 50001.0, snap.Price)
}

func TestHubRunForwardsEngineStates(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	defer hub.Close()

	src := &chanSource{ch: make(chan domain.FetchState, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src.ch <- domain.FetchState{Symbol: domain.BTC, Fetching: true}
	done := make(chan struct{})
	go func() {
		hub.Run(ctx, src)
		close(done)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/state")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	conn := dial(t, srv)
	snap := readSnapshot(t, conn)
	require.True(t, snap.Fetching)

	src.ch <- domain.FetchState{Symbol: domain.BTC, Price: 42, UpdatedAt: time.Now()}
	snap = readSnapshot(t, conn)
	require.False(t, snap.Fetching)
	require.Equal(t, 42.0, snap.Price)

	close(src.ch)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after source closed")
	}
}

func TestServeState(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	hub.Broadcast(Snapshot{Symbol: "SOL", Pair: "SOL/USDT", Price: 150, Error: "network error: request: timeout", ErrorKind: "network"})

	resp, err = http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, "SOL", snap.Symbol)
	require.Equal(t, "network", snap.ErrorKind)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	require.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	require.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestClientDisconnectIsRemoved(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRejectsForeignOrigin(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	header = http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	resp.Body.Close()
	conn.Close()
}

func TestServePrices(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/prices")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	hub.SetPriceLister(func(context.Context) map[string]domain.FetchResult {
		return map[string]domain.FetchResult{
			"BTC":  {Price: 50000},
			"PEPE": {Err: "server error: status 400"},
		}
	})

	resp, err = http.Get(srv.URL + "/prices")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]domain.FetchResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 2)
	require.True(t, got["BTC"].OK())
	require.Equal(t, 50000.0, got["BTC"].Price)
	require.False(t, got["PEPE"].OK())
}

func TestServePrice(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	var (
		mu    sync.Mutex
		calls []bool
	)
	hub.SetPriceLookup(func(_ context.Context, code string, fresh bool) (float64, bool, error) {
		mu.Lock()
		calls = append(calls, fresh)
		mu.Unlock()
		switch code {
		case "BTC":
			return 50000, true, nil
		case "PEPE":
			return 0, false, nil
		default:
			return 0, false, fmt.Errorf("%w: %q", domain.ErrInvalidSymbol, code)
		}
	})

	get := func(query string) (int, PriceReply) {
		t.Helper()
		resp, err := http.Get(srv.URL + "/price" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		var reply PriceReply
		if resp.StatusCode != http.StatusBadRequest {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
		}
		return resp.StatusCode, reply
	}

	status, reply := get("?symbol=btc")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "BTC", reply.Symbol)
	require.Equal(t, 50000.0, reply.Price)
	require.False(t, reply.Fresh)

	status, reply = get("?symbol=BTC&fresh=1")
	require.Equal(t, http.StatusOK, status)
	require.True(t, reply.Fresh)

	status, reply = get("?symbol=PEPE")
	require.Equal(t, http.StatusBadGateway, status)
	require.NotEmpty(t, reply.Error)

	status, _ = get("?symbol=NOPE")
	require.Equal(t, http.StatusNotFound, status)

	status, _ = get("")
	require.Equal(t, http.StatusBadRequest, status)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{false, true, false, false}, calls)
}
