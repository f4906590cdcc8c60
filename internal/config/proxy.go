package config

import (
	"os"
	"time"
)

// Proxy is the configuration of the token proxy and static widget server.
type Proxy struct {
	Port         string
	BackendURL   string
	StaticDir    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func LoadProxy() *Proxy {
	return &Proxy{
		Port:         getEnv("PORT", "3003"),
		BackendURL:   getEnv("BACKEND_URL", "http://localhost:8765"),
		StaticDir:    getEnv("STATIC_DIR", "./dist"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 20*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
