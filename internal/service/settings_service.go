package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"pricebar/internal/domain"
)

// ProxyVerifier checks that a candidate proxy can reach the price API.
type ProxyVerifier interface {
	VerifyProxy(ctx context.Context, proxy domain.ProxyConfig) error
}

// ErrProxyUnreachable is returned when a proxy fails verification.
var ErrProxyUnreachable = errors.New("proxy unreachable")

// SettingsStore persists key-value settings.
type SettingsStore interface {
	LoadConfigMap() (map[string]string, error)
	SaveConfigs(values map[string]string) error
	ClearConfig() error
}

// SettingsService owns the live settings and pushes every effective change to subscribers.
type SettingsService struct {
	store    SettingsStore
	defaults Settings
	logger   *slog.Logger
	verifier ProxyVerifier

	mu        sync.RWMutex
	current   Settings
	subs      map[int]chan Change
	nextSubID int
}

// NewSettingsService loads persisted settings on top of defaults.
func NewSettingsService(store SettingsStore, defaults Settings) (*SettingsService, error) {
	if defaults.RefreshInterval == 0 {
		defaults.RefreshInterval = domain.DefaultRefreshInterval
	}
	s := &SettingsService{
		store:    store,
		defaults: defaults.clone(),
		logger:   slog.Default().With("module", "settings"),
		subs:     make(map[int]chan Change),
	}

	values, err := store.LoadConfigMap()
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	current, invalid := decode(values, s.defaults)
	if len(invalid) > 0 {
		s.logger.Warn("Ignoring invalid stored settings", slog.Any("keys", invalid))
	}
	s.current = current
	return s, nil
}

// SetProxyVerifier makes SetProxy probe enabled proxies before saving them.
func (s *SettingsService) SetProxyVerifier(v ProxyVerifier) {
	s.mu.Lock()
	s.verifier = v
	s.mu.Unlock()
}

// Get returns a copy of the current settings.
func (s *SettingsService) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// SetRefreshInterval accepts only the fixed interval set.
func (s *SettingsService) SetRefreshInterval(d time.Duration) error {
	if !domain.ValidRefreshInterval(d) {
		return &domain.ConfigError{Field: keyRefreshInterval, Err: fmt.Errorf("unsupported interval %v", d)}
	}
	return s.update(func(next *Settings) error {
		next.RefreshInterval = d
		return nil
	})
}

// SetActiveSymbol selects a built-in and turns custom selection off.
func (s *SettingsService) SetActiveSymbol(sym domain.BuiltinSymbol) error {
	if !sym.Valid() {
		return &domain.ConfigError{Field: keyActiveSymbol, Err: domain.ErrInvalidSymbol}
	}
	return s.update(func(next *Settings) error {
		next.ActiveSymbol = sym
		next.UseCustomSymbol = false
		return nil
	})
}

// SelectCustomSymbol makes the custom symbol at index active.
func (s *SettingsService) SelectCustomSymbol(index int) error {
	return s.update(func(next *Settings) error {
		if index < 0 || index >= len(next.CustomSymbols) {
			return &domain.ConfigError{Field: keySelectedCustomIdx, Err: fmt.Errorf("index %d out of range", index)}
		}
		next.SelectedCustomSymbolIndex = index
		next.UseCustomSymbol = true
		return nil
	})
}

// AddCustomSymbol validates and appends a user-defined symbol.
func (s *SettingsService) AddCustomSymbol(code string) (domain.CustomSymbol, error) {
	sym, err := domain.NewCustomSymbol(code)
	if err != nil {
		return domain.CustomSymbol{}, err
	}
	err = s.update(func(next *Settings) error {
		if slices.Contains(next.CustomSymbols, sym) {
			return fmt.Errorf("%w: %q already added", domain.ErrInvalidSymbol, sym.Code())
		}
		if len(next.CustomSymbols) >= MaxCustomSymbols {
			return &domain.ConfigError{Field: keyCustomSymbols, Err: fmt.Errorf("at most %d custom symbols", MaxCustomSymbols)}
		}
		next.CustomSymbols = append(next.CustomSymbols, sym)
		return nil
	})
	if err != nil {
		return domain.CustomSymbol{}, err
	}
	return sym, nil
}

// RemoveCustomSymbol deletes the custom symbol at index and fixes up the selection.
// Removing the active custom symbol falls back to the built-in.
func (s *SettingsService) RemoveCustomSymbol(index int) error {
	return s.update(func(next *Settings) error {
		if index < 0 || index >= len(next.CustomSymbols) {
			return &domain.ConfigError{Field: keyCustomSymbols, Err: fmt.Errorf("index %d out of range", index)}
		}
		next.CustomSymbols = slices.Delete(next.CustomSymbols, index, index+1)

		switch {
		case len(next.CustomSymbols) == 0:
			next.UseCustomSymbol = false
			next.SelectedCustomSymbolIndex = 0
		case index == next.SelectedCustomSymbolIndex:
			next.UseCustomSymbol = false
			next.SelectedCustomSymbolIndex = 0
		case index < next.SelectedCustomSymbolIndex:
			next.SelectedCustomSymbolIndex--
		}
		return nil
	})
}

// SetProxy validates and stores proxy settings. An enabled proxy must pass the
// verifier, when one is set, before anything is saved.
func (s *SettingsService) SetProxy(ctx context.Context, p domain.ProxyConfig) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.RLock()
	verifier := s.verifier
	unchanged := s.current.Proxy == p
	s.mu.RUnlock()

	if p.Enabled && verifier != nil && !unchanged {
		if err := verifier.VerifyProxy(ctx, p); err != nil {
			s.logger.Warn("Proxy rejected", slog.String("host", p.Host), slog.Any("error", err))
			return &domain.ConfigError{Field: keyProxyHost, Err: fmt.Errorf("%w: %v", ErrProxyUnreachable, err)}
		}
	}
	return s.update(func(next *Settings) error {
		next.Proxy = p
		return nil
	})
}

// Reset clears persisted settings and returns to defaults. Always publishes.
func (s *SettingsService) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.ClearConfig(); err != nil {
		return fmt.Errorf("failed to reset settings: %w", err)
	}
	prev := s.current
	s.current = s.defaults.clone()
	kinds := diff(prev, s.current) | ChangeReset

	s.logger.Info("Settings reset", slog.String("changed", kinds.String()))
	s.publishLocked(Change{Kinds: kinds, Settings: s.current.clone()})
	return nil
}

// update applies fn to a copy, persists it and publishes the diff.
// Nothing is published when fn leaves settings unchanged.
func (s *SettingsService) update(fn func(next *Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.clone()
	if err := fn(&next); err != nil {
		return err
	}
	kinds := diff(s.current, next)
	if kinds == 0 && encodedEqual(s.current, next) {
		return nil
	}

	if err := s.store.SaveConfigs(encode(next)); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	s.current = next

	if kinds != 0 {
		s.logger.Info("Settings changed", slog.String("changed", kinds.String()))
		s.publishLocked(Change{Kinds: kinds, Settings: next.clone()})
	}
	return nil
}

func encodedEqual(a, b Settings) bool {
	ea, eb := encode(a), encode(b)
	for k, v := range ea {
		if eb[k] != v {
			return false
		}
	}
	return true
}

// Subscribe returns a channel of changes. Undelivered changes are merged so a
// slow subscriber sees the latest settings with every changed kind flagged.
func (s *SettingsService) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 1)

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// publishLocked must be called with mu held.
func (s *SettingsService) publishLocked(c Change) {
	for _, ch := range s.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		merged := c
		select {
		case old := <-ch:
			merged.Kinds |= old.Kinds
		default:
		}
		select {
		case ch <- merged:
		default:
			s.logger.Warn("Dropping settings change for slow subscriber")
		}
	}
}

// ErrNoCustomSymbols is returned when a custom selection is requested without any defined.
var ErrNoCustomSymbols = errors.New("no custom symbols defined")

// UseCustomSymbol toggles between the selected custom symbol and the built-in.
func (s *SettingsService) UseCustomSymbol(use bool) error {
	return s.update(func(next *Settings) error {
		if use && len(next.CustomSymbols) == 0 {
			return ErrNoCustomSymbols
		}
		next.UseCustomSymbol = use
		return nil
	})
}
