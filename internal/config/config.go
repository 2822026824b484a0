// Package config is used to load the configuration file
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

type daemon struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Socket string `json:"socket"`
	Debug  bool   `json:"debug"`
}

type database struct {
	Driver   string `json:"driver"` // memory, sqlite or postgres
	Path     string `json:"path"`   // sqlite file or memory snapshot
	Name     string `json:"database"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslmode"`
}

type repo struct {
	Endpoint string `json:"endpoint"`
	Bucket   string `json:"bucket"`
	Insecure bool   `json:"insecure"`
}

type tool struct {
	Binary     string `json:"binary"`
	Signatures string `json:"signatures"`
	Timeout    string `json:"timeout"`
}

type symcache struct {
	Dir            string   `json:"dir"`
	Budget         string   `json:"budget"` // e.g. "10GB"
	TTL            string   `json:"ttl"`
	MaxAge         string   `json:"max_age" mapstructure:"max_age"`
	Interval       string   `json:"interval"`
	FallbackBuilds []string `json:"fallback_builds" mapstructure:"fallback_builds"`
}

// Config is the configuration struct
type Config struct {
	Daemon   daemon   `json:"daemon"`
	Database database `json:"database"`
	Repo     repo     `json:"repo"`
	Tool     tool     `json:"tool"`
	Cache    symcache `json:"cache"`
}

func (c *Config) verify() error {
	if c.Daemon.Host == "" && c.Daemon.Port == 0 && c.Daemon.Socket == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: failed to get user home directory: %v", err)
		}
		c.Daemon.Socket = filepath.Join(home, ".config", "symserver", "symserver.sock")
	} else if c.Daemon.Host != "" && c.Daemon.Socket != "" {
		return fmt.Errorf("config: host and socket cannot be set at the same time")
	} else if c.Daemon.Host != "" && c.Daemon.Port == 0 {
		return fmt.Errorf("config: port must be set if host is set")
	} else if c.Daemon.Host == "" && c.Daemon.Port != 0 {
		c.Daemon.Host = "localhost"
	}

	switch c.Database.Driver {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" {
		if c.Database.Host == "" || c.Database.Name == "" {
			return fmt.Errorf("config: postgres driver requires database host and name")
		}
	}

	if c.Repo.Endpoint == "" {
		return fmt.Errorf("config: firmware repo endpoint must be set")
	}
	if c.Tool.Binary == "" {
		c.Tool.Binary = "ipsw"
	}
	if c.Cache.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: failed to get user home directory: %v", err)
		}
		c.Cache.Dir = filepath.Join(home, ".cache", "symserver")
	}
	if err := os.MkdirAll(c.Cache.Dir, 0o755); err != nil {
		return fmt.Errorf("config: failed to create cache dir: %v", err)
	}
	if c.Cache.Budget != "" {
		if _, err := humanize.ParseBytes(c.Cache.Budget); err != nil {
			return fmt.Errorf("config: invalid cache budget %q: %v", c.Cache.Budget, err)
		}
	}

	return nil
}

// BudgetBytes returns the cache capacity budget, zero when unset.
func (c *Config) BudgetBytes() int64 {
	if c.Cache.Budget == "" {
		return 0
	}
	n, err := humanize.ParseBytes(c.Cache.Budget)
	if err != nil {
		return 0
	}
	return int64(n)
}

// ToolTimeout returns the external tool timeout, zero when unset.
func (c *Config) ToolTimeout() time.Duration { return parseDuration(c.Tool.Timeout) }

// CacheTTL returns the symbol table TTL, zero when unset.
func (c *Config) CacheTTL() time.Duration { return parseDuration(c.Cache.TTL) }

// EvictionMaxAge returns the single-access age threshold, zero when unset.
func (c *Config) EvictionMaxAge() time.Duration { return parseDuration(c.Cache.MaxAge) }

// EvictionInterval returns the background pass period, zero when unset.
func (c *Config) EvictionInterval() time.Duration { return parseDuration(c.Cache.Interval) }

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
