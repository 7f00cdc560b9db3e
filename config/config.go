package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Contracts carries the on-chain addresses the flows interact with.
type Contracts struct {
	Exchange     string            `toml:"Exchange"`
	Registrar    string            `toml:"Registrar"`
	Resolver     string            `toml:"Resolver"`
	PaymentToken string            `toml:"PaymentToken"`
	Conduits     map[string]string `toml:"Conduits"`
}

// GatewayConfig tunes the HTTP front-end.
type GatewayConfig struct {
	ListenAddress     string   `toml:"ListenAddress"`
	AuthSecret        string   `toml:"AuthSecret"`
	AuthIssuer        string   `toml:"AuthIssuer"`
	RequestsPerMinute float64  `toml:"RequestsPerMinute"`
	RateBurst         int      `toml:"RateBurst"`
	SessionTTL        Duration `toml:"SessionTTL"`
}

// LogConfig controls the optional rotating file sink.
type LogConfig struct {
	Path       string `toml:"Path"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Config captures runtime configuration for the marketplace gateway.
type Config struct {
	ChainRPCURL         string        `toml:"ChainRPCURL"`
	ChainID             uint64        `toml:"ChainID"`
	KeystorePath        string        `toml:"KeystorePath"`
	PassphraseEnv       string        `toml:"PassphraseEnv"`
	DataAPIBaseURL      string        `toml:"DataAPIBaseURL"`
	StoragePath         string        `toml:"StoragePath"`
	PostgresDSN         string        `toml:"PostgresDSN"`
	PricingSchedulePath string        `toml:"PricingSchedulePath"`
	ExportDir           string        `toml:"ExportDir"`
	Confirmations       uint64        `toml:"Confirmations"`
	Contracts           Contracts     `toml:"Contracts"`
	Gateway             GatewayConfig `toml:"Gateway"`
	Log                 LogConfig     `toml:"Log"`
}

// Load reads the configuration from path and applies defaults. A missing file
// is an error; operators are expected to start from the sample config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown keys: %v", path, undecoded)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Gateway.ListenAddress) == "" {
		c.Gateway.ListenAddress = ":8690"
	}
	if c.Gateway.RequestsPerMinute <= 0 {
		c.Gateway.RequestsPerMinute = 240
	}
	if c.Gateway.RateBurst <= 0 {
		c.Gateway.RateBurst = 20
	}
	if c.Gateway.SessionTTL.Duration <= 0 {
		c.Gateway.SessionTTL.Duration = 30 * time.Minute
	}
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ChainRPCURL) == "" {
		return fmt.Errorf("ChainRPCURL is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("ChainID is required")
	}
	if strings.TrimSpace(c.Contracts.Exchange) == "" {
		return fmt.Errorf("Contracts.Exchange is required")
	}
	if strings.TrimSpace(c.Contracts.Registrar) == "" {
		return fmt.Errorf("Contracts.Registrar is required")
	}
	return nil
}
