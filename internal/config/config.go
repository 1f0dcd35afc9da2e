// Package config provides configuration management for mailstackd.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for an SMTP/LMTP listener.
type ListenerMode string

const (
	// ModeSmtp is standard SMTP on port 25; never requires AUTH.
	ModeSmtp ListenerMode = "smtp"
	// ModeSubmission is authenticated submission on port 587.
	ModeSubmission ListenerMode = "submission"
	// ModeSmtps is implicit TLS submission on port 465.
	ModeSmtps ListenerMode = "smtps"
	// ModeLmtp is LMTP, normally reached over a unix socket or port 24.
	ModeLmtp ListenerMode = "lmtp"
)

// FileConfig is the top-level wrapper for the TOML configuration file.
type FileConfig struct {
	Server ServerConfig `toml:"server"`
	Smtpd  Config       `toml:"smtpd"`
}

// ServerConfig holds settings shared by every wire protocol mailstackd
// speaks, mirroring the teacher's [server]/[smtpd] split so a single file
// covers the whole deployment.
type ServerConfig struct {
	Hostname string    `toml:"hostname"`
	TLS      TLSConfig `toml:"tls"`
}

// Config holds the complete mailstackd server configuration.
type Config struct {
	Hostname  string            `toml:"hostname"`
	LogLevel  string            `toml:"log_level"`
	Listeners []ListenerConfig  `toml:"listeners"`
	IMAP      IMAPConfig        `toml:"imap"`
	Auth      AuthConfig        `toml:"auth"`
	TLS       TLSConfig         `toml:"tls"`
	Limits    LimitsConfig      `toml:"limits"`
	Timeouts  TimeoutsConfig    `toml:"timeouts"`
	Metrics   MetricsConfig     `toml:"metrics"`
	Database  DatabaseConfig    `toml:"database"`
	SpamCheck SpamCheckConfig   `toml:"spamcheck"`
	DKIM      DKIMConfig        `toml:"dkim"`
	Queue     QueueConfig       `toml:"queue"`
	Webhook   WebhookConfig     `toml:"webhook"`
	IPSelect  IPSelectionConfig `toml:"ip_selection"`
	Forward25 Forward25Config   `toml:"forward25"`
}

// ListenerConfig defines settings for a single SMTP/LMTP listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// IMAPConfig configures the IMAP4rev1 listeners.
type IMAPConfig struct {
	Enabled      bool     `toml:"enabled"`
	Listeners    []string `toml:"listeners"`     // plain/STARTTLS addresses, e.g. ":143"
	TLSListeners []string `toml:"tls_listeners"` // implicit-TLS addresses, e.g. ":993"
	IdleTimeout  string   `toml:"idle_timeout"`
}

func (c *IMAPConfig) GetIdleTimeout() time.Duration {
	if c.IdleTimeout == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// AuthConfig controls authorization rules applied after SASL authentication
// succeeds (credential verification itself lives in internal/auth).
type AuthConfig struct {
	// StrictSenderMatch requires the MAIL FROM address to equal the
	// authenticated username exactly, instead of the default domain-level
	// match (same registered domain, any local-part).
	StrictSenderMatch bool `toml:"strict_sender_match"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxMessageSize int `toml:"max_message_size"`
	MaxRecipients  int `toml:"max_recipients"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// DatabaseConfig points at the mailstore's backing sqlite database.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// DKIMConfig configures outbound DKIM signing.
type DKIMConfig struct {
	Enabled       bool     `toml:"enabled"`
	KeySource     string   `toml:"key_source"` // "file", currently the only implementation
	KeyDir        string   `toml:"key_dir"`
	Selector      string   `toml:"selector"`
	HeadersToSign []string `toml:"headers_to_sign"`
}

func (c *DKIMConfig) SignedHeaders() []string {
	if len(c.HeadersToSign) > 0 {
		return c.HeadersToSign
	}
	return []string{"From", "To", "Subject", "Date", "Message-Id"}
}

// QueueConfig configures the outbound send-queue worker.
type QueueConfig struct {
	MaxRetries     int    `toml:"max_retries"`
	WorkerPoolSize int    `toml:"worker_pool_size"`
	RedisURL       string `toml:"redis_url"`
	PollInterval   string `toml:"poll_interval"`
}

func (c *QueueConfig) GetMaxRetries() int {
	if c.MaxRetries <= 0 {
		return 3
	}
	return c.MaxRetries
}

func (c *QueueConfig) GetWorkerPoolSize() int {
	if c.WorkerPoolSize <= 0 {
		return 4
	}
	return c.WorkerPoolSize
}

func (c *QueueConfig) GetPollInterval() time.Duration {
	if c.PollInterval == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// RetrySchedule is the fixed backoff schedule applied after each failed
// delivery attempt (index 0 is the delay before the 2nd attempt).
var RetrySchedule = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	1 * time.Hour,
}

// WebhookConfig configures delivery-outcome notifications.
type WebhookConfig struct {
	Enabled    bool   `toml:"enabled"`
	SuccessURL string `toml:"success_url"`
	FailureURL string `toml:"failure_url"`
	Timeout    string `toml:"timeout"`
	Retries    int    `toml:"retries"`
}

func (c *WebhookConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

func (c *WebhookConfig) GetRetries() int {
	if c.Retries <= 0 {
		return 3
	}
	return c.Retries
}

// IPSelectionConfig configures the outbound source-IP selection collaborator.
type IPSelectionConfig struct {
	Enabled    bool   `toml:"enabled"`
	APIURL     string `toml:"api_url"`
	Timeout    string `toml:"timeout"`
	Retries    int    `toml:"retries"`
	FallbackIP string `toml:"fallback_ip"`
	CacheTTL   string `toml:"cache_ttl"`
}

func (c *IPSelectionConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

func (c *IPSelectionConfig) GetCacheTTL() time.Duration {
	if c.CacheTTL == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.CacheTTL)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// Forward25Config optionally routes all outbound mail through a smarthost
// instead of resolving MX records directly.
type Forward25Config struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Secure   bool   `toml:"secure"`
}

// SpamCheckFailMode defines the behavior when spam checkers are unavailable or error.
type SpamCheckFailMode string

const (
	SpamCheckFailOpen     SpamCheckFailMode = "open"
	SpamCheckFailTempFail SpamCheckFailMode = "tempfail"
	SpamCheckFailReject   SpamCheckFailMode = "reject"
)

// SpamCheckConfig holds configuration for spam filtering.
type SpamCheckConfig struct {
	Enabled           bool                `toml:"enabled"`
	Inbound           *bool               `toml:"inbound"`
	Outbound          *bool               `toml:"outbound"`
	Checkers          []SpamCheckerConfig `toml:"checkers"`
	Mode              string              `toml:"mode"`
	FailMode          SpamCheckFailMode   `toml:"fail_mode"`
	RejectThreshold   float64             `toml:"reject_threshold"`
	TempFailThreshold float64             `toml:"tempfail_threshold"`
	AddHeaders        bool                `toml:"add_headers"`
}

// SpamCheckerConfig holds configuration for a single spam checker.
type SpamCheckerConfig struct {
	Type     string            `toml:"type"`
	Enabled  *bool             `toml:"enabled"`
	URL      string            `toml:"url"`
	Password string            `toml:"password"`
	Timeout  string            `toml:"timeout"`
	Options  map[string]string `toml:"options"`
}

func (c *SpamCheckConfig) IsEnabled() bool {
	if !c.Enabled {
		return false
	}
	for _, checker := range c.Checkers {
		if checker.IsEnabled() {
			return true
		}
	}
	return false
}

func (c *SpamCheckConfig) InboundEnabled() bool {
	return c.Inbound == nil || *c.Inbound
}

func (c *SpamCheckConfig) OutboundEnabled() bool {
	return c.Outbound != nil && *c.Outbound
}

func (c *SpamCheckConfig) GetFailMode() SpamCheckFailMode {
	switch c.FailMode {
	case SpamCheckFailOpen, SpamCheckFailTempFail, SpamCheckFailReject:
		return c.FailMode
	default:
		return SpamCheckFailOpen
	}
}

func (c *SpamCheckerConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

func (c *SpamCheckerConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeSmtp},
			{Address: ":587", Mode: ModeSubmission},
			{Address: ":24", Mode: ModeLmtp},
		},
		IMAP: IMAPConfig{
			Enabled:   true,
			Listeners: []string{":143"},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Limits: LimitsConfig{
			MaxMessageSize: 26214400, // 25 MB
			MaxRecipients:  100,
		},
		Timeouts: TimeoutsConfig{
			Connection: "5m",
			Command:    "1m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
		Database: DatabaseConfig{
			URL: "mailstackd.db",
		},
		Queue: QueueConfig{
			MaxRetries:     3,
			WorkerPoolSize: 4,
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

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}

	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
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

	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}

	if c.DKIM.Enabled {
		if c.DKIM.Selector == "" {
			return errors.New("dkim.selector is required when DKIM is enabled")
		}
		if c.DKIM.KeyDir == "" {
			return errors.New("dkim.key_dir is required when DKIM is enabled")
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.SuccessURL == "" && c.Webhook.FailureURL == "" {
			return errors.New("webhook.success_url or webhook.failure_url is required when webhooks are enabled")
		}
	}

	if c.SpamCheck.Enabled {
		for i, checker := range c.SpamCheck.Checkers {
			if checker.Type == "" {
				return fmt.Errorf("spamcheck.checkers[%d].type is required", i)
			}
			if checker.Timeout != "" {
				if _, err := time.ParseDuration(checker.Timeout); err != nil {
					return fmt.Errorf("invalid spamcheck.checkers[%d].timeout: %w", i, err)
				}
			}
			switch checker.Type {
			case "rspamd", "spamassassin":
				if checker.URL == "" {
					return fmt.Errorf("spamcheck.checkers[%d].url is required for %s", i, checker.Type)
				}
			}
		}
		switch c.SpamCheck.FailMode {
		case "", SpamCheckFailOpen, SpamCheckFailTempFail, SpamCheckFailReject:
			// valid
		default:
			return fmt.Errorf("invalid spamcheck.fail_mode %q (valid: open, tempfail, reject)", c.SpamCheck.FailMode)
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	if c.Connection == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.Connection)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// CommandTimeout returns the command timeout as a time.Duration.
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

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSmtp, ModeSubmission, ModeSmtps, ModeLmtp:
		return true
	default:
		return false
	}
}
