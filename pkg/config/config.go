// Package config loads honeypot configuration from the environment with
// sensible defaults, via viper. Every key can also come from an optional
// config file, but the environment wins.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// Host is the bind address for every listener.
	Host string `mapstructure:"host"`

	// Per-protocol listener ports.
	SSHPort    int `mapstructure:"ssh_port"`
	TelnetPort int `mapstructure:"telnet_port"`
	FTPPort    int `mapstructure:"ftp_port"`
	SMTPPort   int `mapstructure:"smtp_port"`
	RDPPort    int `mapstructure:"rdp_port"`
	SIPPort    int `mapstructure:"sip_port"`
	MySQLPort  int `mapstructure:"mysql_port"`

	// WebPort serves the WebSocket observer endpoint.
	WebPort int `mapstructure:"web_port"`

	// MetricsPort serves Prometheus metrics; 0 disables the server.
	MetricsPort int `mapstructure:"metrics_port"`

	// MaxThreads is the scheduler worker pool size.
	MaxThreads int `mapstructure:"max_threads"`

	// MaxConnectionsPerIP caps concurrent connections from one IP.
	MaxConnectionsPerIP int `mapstructure:"max_connections_per_ip"`

	// ConnectionTimeout is the idle eviction cutoff in seconds.
	ConnectionTimeout int `mapstructure:"connection_timeout"`

	// MaxQueuedConnections bounds the admission queue.
	MaxQueuedConnections int `mapstructure:"max_queued_connections"`

	// DatabaseURL selects the event store backend.
	DatabaseURL string `mapstructure:"database_url"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// LogFile is the rotating log destination; "stdout" logs to the console.
	LogFile string `mapstructure:"log_file"`

	// GeoIPCacheFile persists resolved locations across restarts.
	GeoIPCacheFile string `mapstructure:"geoip_cache_file"`

	// GeoIPAPIURL is the upstream lookup endpoint, with a %s for the IP.
	GeoIPAPIURL string `mapstructure:"geoip_api_url"`
}

// IdleTimeout returns ConnectionTimeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("ssh_port", 22)
	v.SetDefault("telnet_port", 23)
	v.SetDefault("ftp_port", 21)
	v.SetDefault("smtp_port", 25)
	v.SetDefault("rdp_port", 3389)
	v.SetDefault("sip_port", 5060)
	v.SetDefault("mysql_port", 3306)
	v.SetDefault("web_port", 8080)
	v.SetDefault("metrics_port", 0)
	v.SetDefault("max_threads", 50)
	v.SetDefault("max_connections_per_ip", 5)
	v.SetDefault("connection_timeout", 15)
	v.SetDefault("max_queued_connections", 100)
	v.SetDefault("database_url", "credtrap.db")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_file", "honeypot.log")
	v.SetDefault("geoip_cache_file", "geoip_cache.json")
	v.SetDefault("geoip_api_url", "http://ip-api.com/json/%s")
}

// Load reads configuration from the environment and, when path is
// non-empty, from a config file underneath it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	ports := map[string]int{
		"ssh_port":    c.SSHPort,
		"telnet_port": c.TelnetPort,
		"ftp_port":    c.FTPPort,
		"smtp_port":   c.SMTPPort,
		"rdp_port":    c.RDPPort,
		"sip_port":    c.SIPPort,
		"mysql_port":  c.MySQLPort,
		"web_port":    c.WebPort,
	}
	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics_port: %d", c.MetricsPort)
	}
	if c.MaxThreads < 1 {
		return fmt.Errorf("max_threads must be at least 1, got %d", c.MaxThreads)
	}
	if c.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("max_connections_per_ip must be at least 1, got %d", c.MaxConnectionsPerIP)
	}
	if c.ConnectionTimeout < 1 {
		return fmt.Errorf("connection_timeout must be at least 1 second, got %d", c.ConnectionTimeout)
	}
	if c.MaxQueuedConnections < 1 {
		return fmt.Errorf("max_queued_connections must be at least 1, got %d", c.MaxQueuedConnections)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url must not be empty")
	}
	return nil
}
