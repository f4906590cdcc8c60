package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Check kinds accepted in restriction_checks.
const (
	CheckKindHTTP = "http"
	CheckKindSTUN = "stun"
)

// Client is the configuration of the call client.
type Client struct {
	Endpoints         []Endpoint    `mapstructure:"endpoints"`
	RestrictionChecks []Check       `mapstructure:"restriction_checks"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	CheckTimeout      time.Duration `mapstructure:"check_timeout"`
	TokenTimeout      time.Duration `mapstructure:"token_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	UserID            string        `mapstructure:"user_id"`
	Room              string        `mapstructure:"room"`

	FallbackMaxRetries int `mapstructure:"fallback_max_retries"`

	BridgeAddr     string   `mapstructure:"bridge_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	HistorySize    int      `mapstructure:"history_size"`
	RecordDir      string   `mapstructure:"record_dir"`
	Debug          bool     `mapstructure:"debug"`
}

// Endpoint is one candidate token backend.
type Endpoint struct {
	Name         string `mapstructure:"name"`
	BaseURL      string `mapstructure:"base_url"`
	TokenPath    string `mapstructure:"token_path"`
	TransportURL string `mapstructure:"transport_url"`
}

// Check is one entry of the restriction battery.
type Check struct {
	Kind   string `mapstructure:"kind"`
	Target string `mapstructure:"target"`
}

// Load reads the client configuration. An empty path selects
// config/callclient.<CONFIG_ENV>.yaml, which may be absent; an explicit path
// must exist. VOICECALL_* environment variables override scalar keys.
func Load(path string) (*Client, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VOICECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/callclient.%s.yaml", env)
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoints", []map[string]any{
		{
			"name":          "primary",
			"base_url":      "http://localhost:3003",
			"token_path":    "/api/token",
			"transport_url": "wss://test.livekit.cloud",
		},
		{
			"name":          "backup-vercel",
			"base_url":      "https://mm-agent-v2-0-alternative.vercel.app",
			"token_path":    "/api/token",
			"transport_url": "wss://eu.livekit.cloud",
		},
	})
	v.SetDefault("restriction_checks", []map[string]any{
		{"kind": CheckKindHTTP, "target": "https://1.1.1.1"},
		{"kind": CheckKindHTTP, "target": "https://8.8.8.8"},
		{"kind": CheckKindHTTP, "target": "https://cloudflare.com"},
	})
	v.SetDefault("probe_timeout", "3s")
	v.SetDefault("check_timeout", "2s")
	v.SetDefault("token_timeout", "10s")
	v.SetDefault("connect_timeout", "15s")
	v.SetDefault("user_id", "")
	v.SetDefault("room", "voice-assistant-room")
	v.SetDefault("fallback_max_retries", 2)
	v.SetDefault("bridge_addr", "127.0.0.1:3005")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("history_size", 16)
	v.SetDefault("record_dir", "")
	v.SetDefault("debug", false)
}

// Validate checks structural invariants. Endpoint URLs are validated by the
// endpoint package.
func (c *Client) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("config: at least one endpoint is required")
	}
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("config: endpoints[%d]: name is required", i)
		}
		if ep.TokenPath == "" {
			return fmt.Errorf("config: endpoint %q: token_path is required", ep.Name)
		}
	}
	if len(c.RestrictionChecks) == 0 {
		return errors.New("config: restriction_checks must not be empty")
	}
	for i, ch := range c.RestrictionChecks {
		switch ch.Kind {
		case CheckKindHTTP, CheckKindSTUN:
		default:
			return fmt.Errorf("config: restriction_checks[%d]: unknown kind %q", i, ch.Kind)
		}
		if ch.Target == "" {
			return fmt.Errorf("config: restriction_checks[%d]: target is required", i)
		}
	}
	if c.ProbeTimeout <= 0 || c.CheckTimeout <= 0 || c.TokenTimeout <= 0 || c.ConnectTimeout <= 0 {
		return errors.New("config: timeouts must be positive")
	}
	if c.HistorySize <= 0 {
		return errors.New("config: history_size must be positive")
	}
	if c.FallbackMaxRetries < 0 {
		return errors.New("config: fallback_max_retries must not be negative")
	}
	return nil
}
