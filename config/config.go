// Package config loads gateway configuration from a YAML file with
// CLUSTERGATE_-prefixed environment overrides. Every knob has a default, so
// the gateway boots with no file at all.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Listen struct {
		Port        int    `mapstructure:"port"`
		ControlPort int    `mapstructure:"control_port"`
		SiteURL     string `mapstructure:"site_url"`
	} `mapstructure:"listen"`

	Workers struct {
		Cap int `mapstructure:"cap"`
	} `mapstructure:"workers"`

	Health struct {
		Interval      time.Duration `mapstructure:"interval"`
		ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
		FailThreshold int           `mapstructure:"fail_threshold"`
		Path          string        `mapstructure:"path"`
	} `mapstructure:"health"`

	Proxy struct {
		ForwardTimeout time.Duration `mapstructure:"forward_timeout"`
		RateRPS        float64       `mapstructure:"rate_rps"`
		RateBurst      int           `mapstructure:"rate_burst"`
	} `mapstructure:"proxy"`

	TLS struct {
		Enabled bool   `mapstructure:"enabled"`
		Dir     string `mapstructure:"dir"`
	} `mapstructure:"tls"`

	Auth struct {
		SharedSecret string `mapstructure:"shared_secret"`
	} `mapstructure:"auth"`

	Registry struct {
		File          string   `mapstructure:"file"`
		EtcdEndpoints []string `mapstructure:"etcd_endpoints"`
		Node          string   `mapstructure:"node"`
	} `mapstructure:"registry"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	v    *viper.Viper
	path string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.port", 8080)
	v.SetDefault("listen.control_port", 8443)
	v.SetDefault("listen.site_url", "http://localhost:8080")
	v.SetDefault("workers.cap", 8)
	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.probe_timeout", "5s")
	v.SetDefault("health.fail_threshold", 3)
	v.SetDefault("health.path", "/health")
	v.SetDefault("proxy.forward_timeout", "5s")
	v.SetDefault("proxy.rate_rps", 0) // 0 disables the limiter
	v.SetDefault("proxy.rate_burst", 0)
	v.SetDefault("tls.enabled", true)
	v.SetDefault("tls.dir", "./data/tls")
	v.SetDefault("auth.shared_secret", "")
	v.SetDefault("registry.file", "./data/registry.json")
	v.SetDefault("registry.node", hostname())
	v.SetDefault("log.level", "info")
}

// Load reads path (optional: empty means defaults + env only).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CLUSTERGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.v = v
	c.path = path
	return &c, nil
}

// Apply mutates the persisted configuration (the /config endpoint). Nil
// fields stay as they are. Changes land in the YAML file when one is
// configured; the live restart is the caller's job.
func (c *Config) Apply(port *int, sslEnabled *bool, siteURL *string) error {
	if port != nil {
		c.Listen.Port = *port
		c.v.Set("listen.port", *port)
	}
	if sslEnabled != nil {
		c.TLS.Enabled = *sslEnabled
		c.v.Set("tls.enabled", *sslEnabled)
	}
	if siteURL != nil {
		c.Listen.SiteURL = *siteURL
		c.v.Set("listen.site_url", *siteURL)
	}
	if c.path == "" {
		return nil // env/defaults-only deployment, nothing durable to write
	}
	if err := c.v.WriteConfigAs(c.path); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "clustergate"
	}
	return h
}
