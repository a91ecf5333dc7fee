package domain

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// RefreshIntervals is the fixed set of selectable polling cadences.
var RefreshIntervals = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// DefaultRefreshInterval is used when nothing has been configured.
const DefaultRefreshInterval = 10 * time.Second

// ValidRefreshInterval reports whether d is one of RefreshIntervals.
func ValidRefreshInterval(d time.Duration) bool {
	for _, v := range RefreshIntervals {
		if v == d {
			return true
		}
	}
	return false
}

// ProxyConfig describes an optional HTTP proxy for ticker requests.
type ProxyConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Validate checks host and port when the proxy is enabled.
func (p ProxyConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Host == "" {
		return &ConfigError{Field: "proxy_host", Err: errors.New("host is required")}
	}
	if p.Port <= 0 || p.Port > 65535 {
		return &ConfigError{Field: "proxy_port", Err: fmt.Errorf("port %d out of range", p.Port)}
	}
	return nil
}

// URL returns the proxy URL, or nil when the proxy is disabled.
func (p ProxyConfig) URL() *url.URL {
	if !p.Enabled {
		return nil
	}
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}
