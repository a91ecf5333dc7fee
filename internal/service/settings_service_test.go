package service

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pricebar/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	values  map[string]string
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (m *memStore) LoadConfigMap() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.values), nil
}

func (m *memStore) SaveConfigs(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	maps.Copy(m.values, values)
	return nil
}

func (m *memStore) ClearConfig() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}

func testDefaults() Settings {
	return Settings{
		RefreshInterval: 10 * time.Second,
		ActiveSymbol:    domain.BTC,
	}
}

func newTestService(t *testing.T, store *memStore) *SettingsService {
	t.Helper()
	svc, err := NewSettingsService(store, testDefaults())
	require.NoError(t, err)
	return svc
}

func recv(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("no change published")
		return Change{}
	}
}

func assertNoChange(t *testing.T, ch <-chan Change) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %s", c.Kinds)
	default:
	}
}

func TestSettingsDefaults(t *testing.T) {
	svc := newTestService(t, newMemStore())
	s := svc.Get()

	require.Equal(t, 10*time.Second, s.RefreshInterval)
	require.Equal(t, domain.BTC, s.Active())
	require.False(t, s.UseCustomSymbol)
	require.Len(t, s.AllSymbols(), len(domain.BuiltinSymbols()))
}

func TestSetRefreshInterval(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ch, cancel := svc.Subscribe()
	defer cancel()

	require.NoError(t, svc.SetRefreshInterval(30*time.Second))
	c := recv(t, ch)
	require.True(t, c.Kinds.Has(ChangeInterval))
	require.False(t, c.Kinds.Has(ChangeSymbol))
	require.Equal(t, 30*time.Second, c.Settings.RefreshInterval)
	require.Equal(t, "30", store.values[keyRefreshInterval])

	// Same value is a no-op
	require.NoError(t, svc.SetRefreshInterval(30*time.Second))
	assertNoChange(t, ch)

	var cfgErr *domain.ConfigError
	require.ErrorAs(t, svc.SetRefreshInterval(7*time.Second), &cfgErr)
	require.Equal(t, 30*time.Second, svc.Get().RefreshInterval)
}

func TestSetActiveSymbol(t *testing.T) {
	svc := newTestService(t, newMemStore())
	ch, cancel := svc.Subscribe()
	defer cancel()

	require.NoError(t, svc.SetActiveSymbol(domain.ETH))
	c := recv(t, ch)
	require.Equal(t, ChangeSymbol, c.Kinds)
	require.Equal(t, domain.ETH, c.Settings.Active())

	require.ErrorIs(t, svc.SetActiveSymbol(domain.BuiltinSymbol(99)), domain.ErrInvalidSymbol)
}

func TestCustomSymbolLifecycle(t *testing.T) {
	svc := newTestService(t, newMemStore())
	ch, cancel := svc.Subscribe()
	defer cancel()

	sym, err := svc.AddCustomSymbol("pepe")
	require.NoError(t, err)
	require.Equal(t, "PEPE", sym.Code())
	c := recv(t, ch)
	require.Equal(t, ChangeCustomSymbols, c.Kinds)

	_, err = svc.AddCustomSymbol("PEPE")
	require.ErrorIs(t, err, domain.ErrInvalidSymbol)
	_, err = svc.AddCustomSymbol("BTC")
	require.ErrorIs(t, err, domain.ErrInvalidSymbol)

	_, err = svc.AddCustomSymbol("WIF")
	require.NoError(t, err)
	recv(t, ch)

	require.NoError(t, svc.SelectCustomSymbol(1))
	c = recv(t, ch)
	require.True(t, c.Kinds.Has(ChangeSymbol))
	require.Equal(t, "WIF", c.Settings.Active().Code())

	// Removing an earlier entry keeps the same active symbol
	require.NoError(t, svc.RemoveCustomSymbol(0))
	c = recv(t, ch)
	require.False(t, c.Kinds.Has(ChangeSymbol))
	require.Equal(t, "WIF", svc.Get().Active().Code())
	require.Equal(t, 0, svc.Get().SelectedCustomSymbolIndex)

	// Removing the active one falls back to the built-in
	require.NoError(t, svc.RemoveCustomSymbol(0))
	c = recv(t, ch)
	require.True(t, c.Kinds.Has(ChangeSymbol))
	require.Equal(t, domain.BTC, c.Settings.Active())

	require.Error(t, svc.SelectCustomSymbol(0))
	require.ErrorIs(t, svc.UseCustomSymbol(true), ErrNoCustomSymbols)
}

func TestAddCustomSymbolLimit(t *testing.T) {
	svc := newTestService(t, newMemStore())
	for _, code := range []string{"AAA", "BBB", "CCC", "DDD", "EEE"} {
		_, err := svc.AddCustomSymbol(code)
		require.NoError(t, err)
	}
	_, err := svc.AddCustomSymbol("FFF")
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Len(t, svc.Get().CustomSymbols, MaxCustomSymbols)
}

func TestSetProxy(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	ch, cancel := svc.Subscribe()
	defer cancel()

	p := domain.ProxyConfig{Enabled: true, Host: "127.0.0.1", Port: 8080, Username: "u", Password: "p"}
	require.NoError(t, svc.SetProxy(context.Background(), p))
	c := recv(t, ch)
	require.Equal(t, ChangeProxy, c.Kinds)
	require.Equal(t, p, c.Settings.Proxy)
	require.Equal(t, "8080", store.values[keyProxyPort])

	require.Error(t, svc.SetProxy(context.Background(), domain.ProxyConfig{Enabled: true, Port: 8080}))
	require.Equal(t, p, svc.Get().Proxy)
}

func TestSettingsPersistAcrossRestart(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)

	require.NoError(t, svc.SetRefreshInterval(60*time.Second))
	_, err := svc.AddCustomSymbol("PEPE")
	require.NoError(t, err)
	require.NoError(t, svc.SelectCustomSymbol(0))

	reloaded := newTestService(t, store)
	s := reloaded.Get()
	require.Equal(t, 60*time.Second, s.RefreshInterval)
	require.True(t, s.UseCustomSymbol)
	require.Equal(t, "PEPE", s.Active().Code())
}

func TestInvalidStoredValuesFallBack(t *testing.T) {
	store := newMemStore()
	store.values[keyRefreshInterval] = "7"
	store.values[keyActiveSymbol] = "NOPE"
	store.values[keyCustomSymbols] = "PEPE,x1,PEPE"
	store.values[keyUseCustomSymbol] = "true"
	store.values[keySelectedCustomIdx] = "4"

	s := newTestService(t, store).Get()
	require.Equal(t, 10*time.Second, s.RefreshInterval)
	require.Equal(t, domain.BTC, s.ActiveSymbol)
	require.Len(t, s.CustomSymbols, 1)
	require.Equal(t, 0, s.SelectedCustomSymbolIndex)
	require.Equal(t, "PEPE", s.Active().Code())
}

func TestResetAlwaysPublishes(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	require.NoError(t, svc.SetActiveSymbol(domain.SOL))

	ch, cancel := svc.Subscribe()
	defer cancel()

	require.NoError(t, svc.Reset())
	c := recv(t, ch)
	require.True(t, c.Kinds.Has(ChangeReset))
	require.True(t, c.Kinds.Has(ChangeSymbol))
	require.Equal(t, domain.BTC, c.Settings.Active())
	require.Empty(t, store.values)

	require.NoError(t, svc.Reset())
	c = recv(t, ch)
	require.Equal(t, ChangeReset, c.Kinds)
}

func TestSaveFailureLeavesSettingsUnchanged(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	svc := newTestService(t, store)
	ch, cancel := svc.Subscribe()
	defer cancel()

	require.Error(t, svc.SetActiveSymbol(domain.ETH))
	require.Equal(t, domain.BTC, svc.Get().Active())
	assertNoChange(t, ch)
}

func TestSlowSubscriberGetsMergedChange(t *testing.T) {
	svc := newTestService(t, newMemStore())
	ch, cancel := svc.Subscribe()
	defer cancel()

	require.NoError(t, svc.SetRefreshInterval(5*time.Second))
	require.NoError(t, svc.SetActiveSymbol(domain.DOGE))

	c := recv(t, ch)
	require.True(t, c.Kinds.Has(ChangeInterval))
	require.True(t, c.Kinds.Has(ChangeSymbol))
	require.Equal(t, 5*time.Second, c.Settings.RefreshInterval)
	require.Equal(t, domain.DOGE, c.Settings.Active())
	assertNoChange(t, ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	svc := newTestService(t, newMemStore())
	ch, cancel := svc.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)
	require.NoError(t, svc.SetActiveSymbol(domain.ETH))
}

func TestChangeKindString(t *testing.T) {
	require.Equal(t, "none", ChangeKind(0).String())
	require.Equal(t, "interval|proxy", (ChangeInterval | ChangeProxy).String())
}

type stubVerifier struct {
	err   error
	calls int
}

func (v *stubVerifier) VerifyProxy(context.Context, domain.ProxyConfig) error {
	v.calls++
	return v.err
}

func TestSetProxyVerification(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	verifier := &stubVerifier{err: errors.New("connect: connection refused")}
	svc.SetProxyVerifier(verifier)
	ch, cancel := svc.Subscribe()
	defer cancel()

	p := domain.ProxyConfig{Enabled: true, Host: "127.0.0.1", Port: 3128}
	err := svc.SetProxy(context.Background(), p)
	require.ErrorIs(t, err, ErrProxyUnreachable)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.False(t, svc.Get().Proxy.Enabled)
	require.Zero(t, store.saves)
	assertNoChange(t, ch)

	verifier.err = nil
	require.NoError(t, svc.SetProxy(context.Background(), p))
	require.Equal(t, ChangeProxy, recv(t, ch).Kinds)

	// Disabling never probes
	require.NoError(t, svc.SetProxy(context.Background(), domain.ProxyConfig{}))
	recv(t, ch)
	require.Equal(t, 2, verifier.calls)
}
