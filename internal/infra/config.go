package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"pricebar/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent with every outbound request
	DefaultUserAgent = "PriceBar/1.0 (+https://github.com/pricebar)"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	API struct {
		BaseURL           string `yaml:"base_url"`
		ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
		TotalTimeoutSec   int    `yaml:"total_timeout_sec"`
		ProbeSymbol       string `yaml:"probe_symbol"`
		Proxy             struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
		} `yaml:"proxy"`
	} `yaml:"api"`

	Engine struct {
		MaxAttempts   int `yaml:"max_attempts"`
		BackoffUnitMS int `yaml:"backoff_unit_ms"`
	} `yaml:"engine"`

	Cache struct {
		TTLSec int `yaml:"ttl_sec"`
	} `yaml:"cache"`

	Defaults struct {
		RefreshIntervalSec int    `yaml:"refresh_interval_sec"`
		Symbol             string `yaml:"symbol"`
	} `yaml:"defaults"`

	Feed struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"feed"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Icons struct {
		BaseURL string `yaml:"base_url"`
		Size    int    `yaml:"size"`
		Dir     string `yaml:"dir"` // empty: <app data>/assets/icons
	} `yaml:"icons"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML bytes, applies defaults and environment overrides, then validates.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	loadDotenv()
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the built-in settings used for any key the file leaves out.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "PriceBar"
	cfg.API.BaseURL = "https://api.binance.com/api/v3"
	cfg.API.ConnectTimeoutSec = 15
	cfg.API.TotalTimeoutSec = 30
	cfg.API.ProbeSymbol = "BTCUSDT"
	cfg.Engine.MaxAttempts = 3
	cfg.Engine.BackoffUnitMS = 1000
	cfg.Cache.TTLSec = 30
	cfg.Defaults.RefreshIntervalSec = int(domain.DefaultRefreshInterval / time.Second)
	cfg.Defaults.Symbol = domain.BTC.Code()
	cfg.Feed.ListenAddr = "127.0.0.1:7465"
	cfg.Icons.BaseURL = "https://assets.coincap.io/assets/icons"
	cfg.Icons.Size = 18
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return cfg
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return &domain.ConfigError{Field: "api.base_url", Err: fmt.Errorf("unsupported URL %q", c.API.BaseURL)}
	}
	if c.API.ConnectTimeoutSec <= 0 || c.API.TotalTimeoutSec <= 0 {
		return &domain.ConfigError{Field: "api.timeouts", Err: errors.New("timeouts must be positive")}
	}
	if c.Engine.MaxAttempts < 1 {
		return &domain.ConfigError{Field: "engine.max_attempts", Err: errors.New("at least one attempt is required")}
	}
	if c.Engine.BackoffUnitMS < 0 {
		return &domain.ConfigError{Field: "engine.backoff_unit_ms", Err: errors.New("must not be negative")}
	}
	if c.Cache.TTLSec <= 0 {
		return &domain.ConfigError{Field: "cache.ttl_sec", Err: errors.New("must be positive")}
	}
	if !domain.ValidRefreshInterval(c.RefreshInterval()) {
		return &domain.ConfigError{Field: "defaults.refresh_interval_sec", Err: fmt.Errorf("unsupported interval %ds", c.Defaults.RefreshIntervalSec)}
	}
	if _, ok := domain.ParseBuiltinSymbol(c.Defaults.Symbol); !ok {
		return &domain.ConfigError{Field: "defaults.symbol", Err: fmt.Errorf("%w: %q", domain.ErrInvalidSymbol, c.Defaults.Symbol)}
	}
	if err := c.DefaultProxy().Validate(); err != nil {
		return err
	}
	return nil
}

// RefreshInterval returns the default polling cadence.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Defaults.RefreshIntervalSec) * time.Second
}

// BackoffUnit is the delay multiplied by the attempt number between retries.
func (c *Config) BackoffUnit() time.Duration {
	return time.Duration(c.Engine.BackoffUnitMS) * time.Millisecond
}

// CacheTTL returns the secondary symbol cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSec) * time.Second
}

// DefaultSymbol returns the configured default active symbol.
func (c *Config) DefaultSymbol() domain.BuiltinSymbol {
	sym, _ := domain.ParseBuiltinSymbol(c.Defaults.Symbol)
	return sym
}

// DefaultProxy returns proxy settings from the file/environment. Enabled when a host is set.
func (c *Config) DefaultProxy() domain.ProxyConfig {
	p := c.API.Proxy
	return domain.ProxyConfig{
		Enabled:  p.Host != "",
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
	}
}

// loadDotenv loads .env (or ENV_FILE) without overriding existing variables.
// Skips when NO_DOTENV=1.
func loadDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			slog.Warn("Failed to load ENV_FILE", slog.String("path", envFile), slog.Any("error", err))
		}
		return
	}
	_ = godotenv.Load()
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("PRICEBAR_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("PRICEBAR_PROXY_HOST"); v != "" {
		cfg.API.Proxy.Host = v
	}
	if v := os.Getenv("PRICEBAR_PROXY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Proxy.Port = port
		}
	}
	if v := os.Getenv("PRICEBAR_PROXY_USER"); v != "" {
		cfg.API.Proxy.Username = v
	}
	if v := os.Getenv("PRICEBAR_PROXY_PASSWORD"); v != "" {
		cfg.API.Proxy.Password = v
	}
	if v := os.Getenv("PRICEBAR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
