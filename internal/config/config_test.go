package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.GatewayURL != "wss://gateway.iploop.io:9443/ws" {
		t.Errorf("gateway %q", cfg.GatewayURL)
	}
	if cfg.KeepaliveInterval != 55*time.Second {
		t.Errorf("keepalive %v", cfg.KeepaliveInterval)
	}
	if cfg.ReconnectFastAttempts != 15 {
		t.Errorf("fast attempts %d", cfg.ReconnectFastAttempts)
	}
	if cfg.ReconnectMax != 30*time.Second {
		t.Errorf("reconnect max %v", cfg.ReconnectMax)
	}
	if cfg.ReconnectSlow != 10*time.Minute {
		t.Errorf("reconnect slow %v", cfg.ReconnectSlow)
	}
	if cfg.IPCheckCooldown != time.Hour {
		t.Errorf("ip cooldown %v", cfg.IPCheckCooldown)
	}
	if cfg.StateDir == "" {
		t.Error("empty state dir")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GATEWAY_URL", "wss://staging.example.com/ws")
	t.Setenv("KEEPALIVE_INTERVAL", "10s")
	t.Setenv("RECONNECT_FAST_ATTEMPTS", "3")
	t.Setenv("DNS_SERVERS", "1.1.1.1, 8.8.8.8:53 ,")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	if cfg.GatewayURL != "wss://staging.example.com/ws" {
		t.Errorf("gateway %q", cfg.GatewayURL)
	}
	if cfg.KeepaliveInterval != 10*time.Second {
		t.Errorf("keepalive %v", cfg.KeepaliveInterval)
	}
	if cfg.ReconnectFastAttempts != 3 {
		t.Errorf("fast attempts %d", cfg.ReconnectFastAttempts)
	}
	if want := []string{"1.1.1.1", "8.8.8.8:53"}; !reflect.DeepEqual(cfg.DNSServers, want) {
		t.Errorf("dns servers %v", cfg.DNSServers)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level %q", cfg.LogLevel)
	}
}

func TestLoadIgnoresJunkValues(t *testing.T) {
	t.Setenv("KEEPALIVE_INTERVAL", "soon")
	t.Setenv("RECONNECT_FAST_ATTEMPTS", "many")

	cfg := Load()

	if cfg.KeepaliveInterval != 55*time.Second {
		t.Errorf("keepalive %v", cfg.KeepaliveInterval)
	}
	if cfg.ReconnectFastAttempts != 15 {
		t.Errorf("fast attempts %d", cfg.ReconnectFastAttempts)
	}
}
