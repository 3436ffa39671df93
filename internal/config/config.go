// Package config provides configuration loading and management for sniproxy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/munichmade/sniproxy/internal/paths"
)

// Config represents the complete sniproxy configuration.
type Config struct {
	Server ServerConfig `toml:"server" yaml:"server"`
	Socks5 Socks5Config `toml:"socks5" yaml:"socks5"`
	Rules  RulesConfig  `toml:"rules" yaml:"rules"`
	DNS    DNSConfig    `toml:"dns" yaml:"dns"`
}

// ServerConfig configures the listening edge and logging.
type ServerConfig struct {
	// ListenHTTPSAddr is the TCP endpoint for TLS SNI proxying. Empty
	// disables the listener.
	ListenHTTPSAddr string `toml:"listen_https_addr" yaml:"listen_https_addr"`

	// ListenHTTPAddr is the TCP endpoint for HTTP Host proxying.
	ListenHTTPAddr string `toml:"listen_http_addr" yaml:"listen_http_addr"`

	// ListenQUICAddr is the UDP endpoint for QUIC SNI proxying.
	ListenQUICAddr string `toml:"listen_quic_addr" yaml:"listen_quic_addr"`

	// LogLevel is one of: error, warn, info, debug, trace.
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// LogFormat is one of: pretty, json.
	LogFormat string `toml:"log_format" yaml:"log_format"`

	// QUICIdleTimeout expires idle QUIC flows, in seconds.
	QUICIdleTimeout int `toml:"quic_idle_timeout" yaml:"quic_idle_timeout"`
}

// Socks5Config configures the upstream SOCKS5 proxy.
type Socks5Config struct {
	// Addr is the upstream SOCKS5 endpoint. Required.
	Addr string `toml:"addr" yaml:"addr"`

	// Timeout bounds the SOCKS5 dial and handshake, in seconds.
	Timeout int `toml:"timeout" yaml:"timeout"`

	// MaxConnections bounds concurrent egress tunnels (active + idle).
	MaxConnections int `toml:"max_connections" yaml:"max_connections"`

	// Username and Password enable RFC 1929 authentication when both are
	// set.
	Username string `toml:"username" yaml:"username"`
	Password string `toml:"password" yaml:"password"`
}

// RulesConfig configures the hostname whitelist.
type RulesConfig struct {
	// Allow is the pattern whitelist. Empty or missing means allow all.
	Allow []string `toml:"allow" yaml:"allow"`
}

// DNSConfig configures the optional DNS override server that steers
// clients into the proxy.
type DNSConfig struct {
	// Listen is the DNS listen address. Empty disables the server.
	Listen string `toml:"listen" yaml:"listen"`

	// ResolveIP is the address whitelisted hostnames resolve to,
	// normally the proxy's own public address.
	ResolveIP string `toml:"resolve_ip" yaml:"resolve_ip"`

	// Upstream is where all other queries are forwarded.
	Upstream string `toml:"upstream" yaml:"upstream"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenHTTPSAddr: "0.0.0.0:443",
			ListenHTTPAddr:  "0.0.0.0:80",
			ListenQUICAddr:  "0.0.0.0:443",
			LogLevel:        "info",
			LogFormat:       "pretty",
			QUICIdleTimeout: 120,
		},
		Socks5: Socks5Config{
			Addr:           "127.0.0.1:1080",
			Timeout:        10,
			MaxConnections: 128,
		},
		DNS: DNSConfig{
			Upstream: "8.8.8.8:53",
		},
	}
}

// Load reads the configuration from the default config file.
func Load() (*Config, error) {
	return LoadFromFile(paths.ConfigFile())
}

// LoadFromFile reads the configuration from the specified file path. TOML
// is the native format; a .yaml/.yml extension switches to YAML decoding of
// the same schema.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with defaults and overlay with file values.
	cfg := Default()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.ListenHTTPSAddr == "" && c.Server.ListenHTTPAddr == "" && c.Server.ListenQUICAddr == "" {
		return fmt.Errorf("at least one of server.listen_https_addr, server.listen_http_addr, server.listen_quic_addr is required")
	}

	if c.Server.QUICIdleTimeout < 0 {
		return fmt.Errorf("server.quic_idle_timeout must not be negative")
	}

	if c.Socks5.Addr == "" {
		return fmt.Errorf("socks5.addr is required")
	}
	if c.Socks5.Timeout < 0 {
		return fmt.Errorf("socks5.timeout must not be negative")
	}
	if c.Socks5.MaxConnections < 0 {
		return fmt.Errorf("socks5.max_connections must not be negative")
	}
	if (c.Socks5.Username == "") != (c.Socks5.Password == "") {
		return fmt.Errorf("socks5.username and socks5.password must be set together")
	}

	validLevels := map[string]bool{"error": true, "warn": true, "info": true, "debug": true, "trace": true}
	if !validLevels[c.Server.LogLevel] {
		return fmt.Errorf("server.log_level must be one of: error, warn, info, debug, trace")
	}
	validFormats := map[string]bool{"pretty": true, "json": true}
	if !validFormats[c.Server.LogFormat] {
		return fmt.Errorf("server.log_format must be one of: pretty, json")
	}

	for _, pattern := range c.Rules.Allow {
		if pattern == "" {
			return fmt.Errorf("rules.allow must not contain empty patterns")
		}
	}

	if c.DNS.Listen != "" && c.DNS.ResolveIP == "" {
		return fmt.Errorf("dns.resolve_ip is required when dns.listen is set")
	}

	return nil
}
