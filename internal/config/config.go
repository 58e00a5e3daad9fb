package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the node agent settings. Everything comes from the
// environment, optionally seeded from a .env file.
type Config struct {
	GatewayURL string
	StateDir   string
	RedisAddr  string
	StatusAddr string

	LogLevel string
	LogFile  string

	DNSServers []string

	KeepaliveInterval     time.Duration
	SessionDialTimeout    time.Duration
	TunnelDialTimeout     time.Duration
	ProxyDefaultTimeout   time.Duration
	ReconnectFastAttempts int
	ReconnectBase         time.Duration
	ReconnectMax          time.Duration
	ReconnectSlow         time.Duration
	IPCheckCooldown       time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() *Config {
	godotenv.Load()

	return &Config{
		GatewayURL: getEnv("GATEWAY_URL", "wss://gateway.iploop.io:9443/ws"),
		StateDir:   getEnv("STATE_DIR", defaultStateDir()),
		RedisAddr:  getEnv("REDIS_ADDR", ""),
		StatusAddr: getEnv("STATUS_ADDR", "127.0.0.1:8088"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		DNSServers: splitList(getEnv("DNS_SERVERS", "")),

		KeepaliveInterval:     getDuration("KEEPALIVE_INTERVAL", 55*time.Second),
		SessionDialTimeout:    getDuration("SESSION_DIAL_TIMEOUT", 15*time.Second),
		TunnelDialTimeout:     getDuration("TUNNEL_DIAL_TIMEOUT", 10*time.Second),
		ProxyDefaultTimeout:   getDuration("PROXY_DEFAULT_TIMEOUT", 30*time.Second),
		ReconnectFastAttempts: getInt("RECONNECT_FAST_ATTEMPTS", 15),
		ReconnectBase:         getDuration("RECONNECT_BASE", time.Second),
		ReconnectMax:          getDuration("RECONNECT_MAX", 30*time.Second),
		ReconnectSlow:         getDuration("RECONNECT_SLOW", 10*time.Minute),
		IPCheckCooldown:       getDuration("IP_CHECK_COOLDOWN", time.Hour),
	}
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home + "/.iploop-node"
	}
	return "./state"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func readEnvFile(path string) (map[string]string, error) {
	return godotenv.Read(path)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
