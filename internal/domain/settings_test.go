package domain

import (
	"testing"
	"time"
)

func TestValidRefreshInterval(t *testing.T) {
	for _, d := range []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second, time.Minute} {
		if !ValidRefreshInterval(d) {
			t.Errorf("%v should be valid", d)
		}
	}
	if ValidRefreshInterval(7 * time.Second) {
		t.Error("7s should be rejected")
	}
}

func TestProxyConfig(t *testing.T) {
	t.Run("disabled proxy has no URL", func(t *testing.T) {
		p := ProxyConfig{Host: "proxy.local", Port: 8080}
		if p.URL() != nil {
			t.Error("disabled proxy should return nil URL")
		}
		if err := p.Validate(); err != nil {
			t.Errorf("disabled proxy should validate: %v", err)
		}
	})

	t.Run("credentials in URL", func(t *testing.T) {
		p := ProxyConfig{Enabled: true, Host: "proxy.local", Port: 8080, Username: "u", Password: "p"}
		u := p.URL()
		if u == nil || u.Host != "proxy.local:8080" {
			t.Fatalf("unexpected URL %v", u)
		}
		if pw, _ := u.User.Password(); u.User.Username() != "u" || pw != "p" {
			t.Error("credentials not carried into URL")
		}
	})

	t.Run("invalid port", func(t *testing.T) {
		p := ProxyConfig{Enabled: true, Host: "proxy.local", Port: 70000}
		if p.Validate() == nil {
			t.Error("expected port validation error")
		}
	})

	t.Run("missing host", func(t *testing.T) {
		p := ProxyConfig{Enabled: true, Port: 8080}
		if p.Validate() == nil {
			t.Error("expected host validation error")
		}
	})
}
