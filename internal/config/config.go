// Package config loads and validates the two gateway configuration files:
// the main INI (server, API, mail, pool, logging, seccomp sections) and the
// SIM card INI with one section per modem.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ini "github.com/vaughan0/go-ini"
)

// Config represents the complete main configuration.
type Config struct {
	Server  ServerConfig
	API     APIConfig
	Mail    MailConfig
	Pool    PoolConfig
	Logging LoggingConfig
	Seccomp SeccompConfig

	ConfigPath string
}

// ServerConfig contains the TLS RPC listener settings.
type ServerConfig struct {
	Host        string
	Port        int
	Certificate string
	Key         string
	Ciphers     []string
}

// APIConfig contains feature switches and the per-method token hash lists.
// Each list holds bcrypt hashes; a presented token passes a check when it
// matches any hash in the list.
type APIConfig struct {
	EnableSendSMS  bool
	EnableSendUSSD bool

	TokenSendSMS        []string
	TokenSendUSSD       []string
	TokenGetHealthState []string
	TokenGetStats       []string

	// TokenGetSMS maps a modem identifier to its token list, collected
	// from token_<identifier>_get_sms keys.
	TokenGetSMS map[string][]string
}

// MailConfig contains the SMTP forwarding settings.
type MailConfig struct {
	Enabled             bool
	Server              string
	Port                int
	User                string
	Password            string
	Recipient           string
	HealthCheckInterval time.Duration
}

// PoolConfig contains modem pool wide settings.
type PoolConfig struct {
	HealthCheckInterval time.Duration
	SelfTestInterval    string
	SerialPortsHintFile string
}

// LoggingConfig mirrors the [logging] section.
type LoggingConfig struct {
	Level      string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Console    bool
}

// SeccompConfig mirrors the [seccomp] section.
type SeccompConfig struct {
	Enabled bool
}

// DefaultCiphers is the AEAD-only suite list offered when [server] ciphers
// is not set.
var DefaultCiphers = []string{
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
}

// Load reads the main configuration file, applies defaults and validates
// the result.
func Load(path string) (*Config, error) {
	file, err := ini.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{ConfigPath: path}

	cfg.Server.Host = getString(file, "server", "host", "localhost")
	cfg.Server.Port = getInt(file, "server", "port", 7000)
	cfg.Server.Certificate = getString(file, "server", "certificate", "")
	cfg.Server.Key = getString(file, "server", "key", "")
	if raw, ok := file.Get("server", "ciphers"); ok {
		cfg.Server.Ciphers = splitCiphers(raw)
	} else {
		cfg.Server.Ciphers = DefaultCiphers
	}

	cfg.API.EnableSendSMS = getBool(file, "api", "enable_send_sms", false)
	cfg.API.EnableSendUSSD = getBool(file, "api", "enable_send_ussd", false)
	cfg.API.TokenSendSMS = getTokens(file, "api", "token_send_sms")
	cfg.API.TokenSendUSSD = getTokens(file, "api", "token_send_ussd")
	cfg.API.TokenGetHealthState = getTokens(file, "api", "token_get_health_state")
	cfg.API.TokenGetStats = getTokens(file, "api", "token_get_stats")
	cfg.API.TokenGetSMS = collectGetSMSTokens(file)

	cfg.Mail.Enabled = getBool(file, "mail", "enabled", true)
	cfg.Mail.Server = getString(file, "mail", "server", "")
	cfg.Mail.Port = getInt(file, "mail", "port", 465)
	cfg.Mail.User = getString(file, "mail", "user", "")
	cfg.Mail.Password = getString(file, "mail", "password", "")
	cfg.Mail.Recipient = getString(file, "mail", "recipient", "")
	cfg.Mail.HealthCheckInterval = time.Duration(getInt(file, "mail", "health_check_interval", 600)) * time.Second

	cfg.Pool.HealthCheckInterval = time.Duration(getInt(file, "modempool", "health_check_interval", 600)) * time.Second
	cfg.Pool.SelfTestInterval = getString(file, "modempool", "sms_self_test_interval", "")
	cfg.Pool.SerialPortsHintFile = getString(file, "modempool", "serial_ports_hint_file", "")

	cfg.Logging.Level = getString(file, "logging", "level", "info")
	cfg.Logging.File = getString(file, "logging", "file", "")
	cfg.Logging.MaxSize = getInt(file, "logging", "max_size", 100)
	cfg.Logging.MaxBackups = getInt(file, "logging", "max_backups", 3)
	cfg.Logging.MaxAge = getInt(file, "logging", "max_age", 28)
	cfg.Logging.Console = getBool(file, "logging", "console", true)

	cfg.Seccomp.Enabled = getBool(file, "seccomp", "enabled", true)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings a running gateway cannot do without.
func (c *Config) Validate() error {
	if c.Server.Certificate == "" {
		return fmt.Errorf("[server] certificate is not set")
	}
	if c.Server.Key == "" {
		return fmt.Errorf("[server] key is not set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("[server] port %d out of range", c.Server.Port)
	}
	if len(c.API.TokenSendSMS) == 0 {
		return fmt.Errorf("[api] token_send_sms is not set")
	}
	if len(c.API.TokenSendUSSD) == 0 {
		return fmt.Errorf("[api] token_send_ussd is not set")
	}
	if len(c.API.TokenGetHealthState) == 0 {
		return fmt.Errorf("[api] token_get_health_state is not set")
	}
	if len(c.API.TokenGetStats) == 0 {
		return fmt.Errorf("[api] token_get_stats is not set")
	}
	if c.Mail.Enabled {
		if c.Mail.Server == "" {
			return fmt.Errorf("[mail] server is not set")
		}
		if c.Mail.Recipient == "" {
			return fmt.Errorf("[mail] recipient is not set")
		}
	}
	return nil
}

// CheckFilePermissions refuses configuration files readable by other
// users; they carry token hashes and SMTP credentials.
func CheckFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Mode().Perm()&0o004 != 0 {
		return fmt.Errorf("configuration file %s is readable by others", path)
	}
	return nil
}

func getString(f ini.File, section, key, fallback string) string {
	if v, ok := f.Get(section, key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getInt(f ini.File, section, key string, fallback int) int {
	if v, ok := f.Get(section, key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(f ini.File, section, key string, fallback float64) float64 {
	if v, ok := f.Get(section, key); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(f ini.File, section, key string, fallback bool) bool {
	if v, ok := f.Get(section, key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

// getTokens splits a whitespace-separated hash list.
func getTokens(f ini.File, section, key string) []string {
	v, ok := f.Get(section, key)
	if !ok {
		return nil
	}
	return strings.Fields(v)
}

// collectGetSMSTokens gathers all token_<identifier>_get_sms keys from the
// [api] section.
func collectGetSMSTokens(f ini.File) map[string][]string {
	tokens := make(map[string][]string)
	for key, value := range f.Section("api") {
		if !strings.HasPrefix(key, "token_") || !strings.HasSuffix(key, "_get_sms") {
			continue
		}
		identifier := strings.TrimSuffix(strings.TrimPrefix(key, "token_"), "_get_sms")
		if identifier == "" {
			continue
		}
		tokens[identifier] = strings.Fields(value)
	}
	return tokens
}

func splitCiphers(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ':' || r == ' ' || r == '\t' || r == ','
	})
	var out []string
	for _, f := range fields {
		if f != "" && f != "@STRENGTH" {
			out = append(out, f)
		}
	}
	return out
}
