// Package config provides configuration management for the POP3 server.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModePop3 is standard POP3 on port 110 with optional STLS.
	ModePop3 ListenerMode = "pop3"
	// ModePop3s is implicit TLS on port 995.
	ModePop3s ListenerMode = "pop3s"
)

// FileConfig is the top-level wrapper for the shared configuration file.
// This allows smtpd, pop3d, and msgstore to share a single config file.
type FileConfig struct {
	Server ServerConfig `toml:"server"`
	Pop3d  Config       `toml:"pop3d"`
}

// ServerConfig holds shared settings used by all mail services.
type ServerConfig struct {
	Hostname    string    `toml:"hostname"`
	Maildir     string    `toml:"maildir"`
	DomainsPath string    `toml:"domains_path"`
	TLS         TLSConfig `toml:"tls"`
}

// Config holds the POP3-specific server configuration.
type Config struct {
	Hostname        string           `toml:"hostname"`
	LogLevel        string           `toml:"log_level"`
	Listeners       []ListenerConfig `toml:"listeners"`
	TLS             TLSConfig        `toml:"tls"`
	Timeouts        TimeoutsConfig   `toml:"timeouts"`
	Limits          LimitsConfig     `toml:"limits"`
	Metrics         MetricsConfig    `toml:"metrics"`
	Auth            AuthConfig       `toml:"auth"`
	Maildir         string           `toml:"maildir"`
	DomainsPath     string           `toml:"domains_path"`
	DomainsDataPath string           `toml:"domains_data_path"`
	AppendDomain    string           `toml:"append_domain"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
	Idle       string `toml:"idle"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxConnections  int    `toml:"max_connections"`
	MaxChildren     int    `toml:"max_children"`
	ErrorBudget     int    `toml:"error_budget"`
	MaxAuthAttempts int    `toml:"max_auth_attempts"`
	TCPWrappersName string `toml:"tcp_wrappers_name"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// AuthConfig configures the authentication switch: driver ordering and the
// optional result cache sitting in front of it.
type AuthConfig struct {
	Order   []string           `toml:"order"`
	Cache   AuthCacheConfig    `toml:"cache"`
	Drivers []AuthDriverConfig `toml:"drivers"`
}

// AuthCacheConfig configures the auth-result cache (internal/auth.Cache).
type AuthCacheConfig struct {
	Enabled       bool   `toml:"enabled"`
	EntryLifetime string `toml:"entry_lifetime"`
	UseClientHost bool   `toml:"use_client_host"`
}

// AuthDriverConfig configures a single entry in the auth switch chain. Not
// every field applies to every driver Type; unused fields are ignored.
type AuthDriverConfig struct {
	Name   string `toml:"name"`
	Type   string `toml:"type"`
	Enable bool   `toml:"enable"`

	// passwd
	Mailbox    string `toml:"mailbox"`
	ShadowPath string `toml:"shadow_path"`
	PasswdPath string `toml:"passwd_path"`
	MailGID    int    `toml:"mail_gid"`

	// sql
	Driver     string `toml:"driver"`
	DSN        string `toml:"dsn"`
	AuthQuery  string `toml:"auth_query"`
	APOPQuery  string `toml:"apop_query"`
	DefaultGID int    `toml:"default_gid"`

	// ldap
	URL            string `toml:"url"`
	BindDN         string `toml:"bind_dn"`
	BindPassword   string `toml:"bind_password"`
	BaseDN         string `toml:"base_dn"`
	Filter         string `toml:"filter"`
	MailboxAttr    string `toml:"mailbox_attr"`
	MboxTypeAttr   string `toml:"mboxtype_attr"`
	UserAttr       string `toml:"user_attr"`
	GroupAttr      string `toml:"group_attr"`
	UseTLS         bool   `toml:"use_tls"`
	DefaultUID     int    `toml:"default_uid"`
	LDAPDefaultGID int    `toml:"default_gid_ldap"`

	// flatfile
	PathTemplate string `toml:"path_template"`
	UID          int    `toml:"uid"`
	GID          int    `toml:"gid"`

	// external
	Program string `toml:"program"`
	Timeout string `toml:"timeout"`
	RunUID  uint32 `toml:"run_uid"`
	RunGID  uint32 `toml:"run_gid"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":110", Mode: ModePop3},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Timeouts: TimeoutsConfig{
			Connection: "10m",
			Command:    "1m",
			Idle:       "30m",
		},
		Limits: LimitsConfig{
			MaxConnections:  100,
			MaxChildren:     16,
			ErrorBudget:     8,
			MaxAuthAttempts: 3,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9101",
			Path:    "/metrics",
		},
		Auth: AuthConfig{
			Order: []string{"passwd"},
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}

	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}

	if c.Timeouts.Command != "" {
		if _, err := time.ParseDuration(c.Timeouts.Command); err != nil {
			return fmt.Errorf("invalid command timeout: %w", err)
		}
	}

	if c.Timeouts.Idle != "" {
		if _, err := time.ParseDuration(c.Timeouts.Idle); err != nil {
			return fmt.Errorf("invalid idle timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	if c.Auth.Cache.Enabled && c.Auth.Cache.EntryLifetime != "" {
		if _, err := time.ParseDuration(c.Auth.Cache.EntryLifetime); err != nil {
			return fmt.Errorf("invalid auth cache entry_lifetime: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Auth.Drivers))
	for i, d := range c.Auth.Drivers {
		if d.Name == "" {
			return fmt.Errorf("auth driver %d: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("auth driver %d: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
		if d.Enable && d.Timeout != "" {
			if _, err := time.ParseDuration(d.Timeout); err != nil {
				return fmt.Errorf("auth driver %q: invalid timeout: %w", d.Name, err)
			}
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
// Returns 10 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	if c.Connection == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(c.Connection)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// CommandTimeout returns the command timeout as a time.Duration.
// Returns 1 minute if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	if c.Command == "" {
		return 1 * time.Minute
	}
	d, err := time.ParseDuration(c.Command)
	if err != nil {
		return 1 * time.Minute
	}
	return d
}

// IdleTimeout returns the idle timeout as a time.Duration.
// Returns 30 minutes if not configured or invalid.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	if c.Idle == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(c.Idle)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// Lifetime returns the auth cache entry lifetime as a time.Duration.
// Returns 1 hour if not configured or invalid.
func (c *AuthCacheConfig) Lifetime() time.Duration {
	if c.EntryLifetime == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(c.EntryLifetime)
	if err != nil {
		return time.Hour
	}
	return d
}

// Duration returns the driver's request timeout, defaulting to 750ms,
// matching the external auth driver's original default.
func (d *AuthDriverConfig) Duration() time.Duration {
	if d.Timeout == "" {
		return 750 * time.Millisecond
	}
	parsed, err := time.ParseDuration(d.Timeout)
	if err != nil {
		return 750 * time.Millisecond
	}
	return parsed
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModePop3, ModePop3s:
		return true
	default:
		return false
	}
}
