// Package config centralizes the gateway's environment-variable surface.
// Other packages take their settings as constructor arguments; the one
// exception is internal/providers, which reads NEXUS_MODEL_ROUTES_FILE itself.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable read from the environment at startup.
type Config struct {
	DBPath           string
	EncryptionKey    string
	AdminToken       string
	AdminAuthMode    string // "token", "local" (loopback bypass), or "off"
	Host             string
	Port             string
	Verbose          bool
	RefreshEndpoint  string
	UpstreamBaseURLs []string
	ModelRoutesFile  string

	PoolRefreshInterval time.Duration
	Cooldown            time.Duration
	QuotaCooldown       time.Duration
	HFailThreshold      int64
	FThreshold          int64
	MaxAccountsPerReq   int
}

// Load reads every variable, applying the defaults documented for the
// gateway's runtime configuration.
func Load() Config {
	cfg := Config{
		DBPath:          getenv("TOKEN_DB_PATH", "tokengate.db"),
		EncryptionKey:   os.Getenv("TOKEN_ENCRYPTION_KEY"),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
		AdminAuthMode:   getenv("ADMIN_AUTH_MODE", "token"),
		Host:            getenv("HOST", "127.0.0.1"),
		Port:            getenv("PORT", "8080"),
		Verbose:         os.Getenv("NEXUS_VERBOSE") == "1",
		RefreshEndpoint:  os.Getenv("REFRESH_ENDPOINT_URL"),
		UpstreamBaseURLs: splitList(getenv("UPSTREAM_BASE_URLS", os.Getenv("REFRESH_ENDPOINT_URL"))),
		ModelRoutesFile:  os.Getenv("NEXUS_MODEL_ROUTES_FILE"),

		PoolRefreshInterval: getenvSeconds("POOL_REFRESH_INTERVAL_SECONDS", 3600),
		Cooldown:            getenvSeconds("TOKEN_COOLDOWN_SECONDS", 120),
		QuotaCooldown:       getenvSeconds("TOKEN_QUOTA_COOLDOWN_SECONDS", 1800),
		HFailThreshold:      getenvInt64("H_FAIL_THRESHOLD", 3),
		FThreshold:          getenvInt64("F_THRESHOLD", 5),
		MaxAccountsPerReq:   int(getenvInt64("MAX_ACCOUNTS_PER_REQUEST", 4)),
	}
	return cfg
}

// Addr returns the host:port pair for http.ListenAndServe.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func getenvSeconds(key string, fallbackSeconds int64) time.Duration {
	return time.Duration(getenvInt64(key, fallbackSeconds)) * time.Second
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
