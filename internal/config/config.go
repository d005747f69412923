// Package config loads droidvault.env, a KEY=VALUE configuration file.
// Environment variables with the same names override file values.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/droidvault/droidvault/internal/types"
	"github.com/droidvault/droidvault/pkg/utils"
)

// DefaultConfigPath is where the configuration file is looked up when the
// operator does not pass one.
const DefaultConfigPath = "/etc/droidvault/droidvault.env"

// Config holds the parsed application configuration.
type Config struct {
	ConfigPath string

	// Bridge
	ADBPath string

	// Paths
	BackupDir  string
	StagingDir string
	LogDir     string
	LockPath   string

	// Run behavior
	MaxLockAge      time.Duration
	QueryTimeout    time.Duration
	TransferTimeout time.Duration
	TransferWorkers int
	SafetyFactor    float64
	DefaultSource   string
	MaxLocalBackups int
	DryRun          bool

	// Archive
	Compression types.CompressionType
	Encryption  types.EncryptionMode

	// age key material
	AgeRecipientFile string
	AgeIdentityFile  string

	// Metrics
	MetricsEnabled bool
	MetricsDir     string

	// Notifications
	WebhookURL     string
	WebhookTimeout time.Duration

	// Logging
	DebugLevel types.LogLevel
	UseColor   bool

	raw map[string]string
}

// envKeys lists every configuration key that may be overridden through the
// process environment.
var envKeys = []string{
	"ADB_PATH",
	"BACKUP_PATH", "STAGING_PATH", "LOG_PATH", "LOCK_PATH",
	"MAX_LOCK_AGE_MINUTES", "QUERY_TIMEOUT_SECONDS", "TRANSFER_TIMEOUT_SECONDS",
	"TRANSFER_WORKERS", "SAFETY_FACTOR", "DEFAULT_SOURCE", "MAX_LOCAL_BACKUPS",
	"DRY_RUN",
	"COMPRESSION_TYPE", "ENCRYPTION_MODE",
	"AGE_RECIPIENT_FILE", "AGE_IDENTITY_FILE",
	"METRICS_ENABLED", "METRICS_PATH",
	"WEBHOOK_URL", "WEBHOOK_TIMEOUT_SECONDS",
	"DEBUG_LEVEL", "USE_COLOR",
}

// Default returns the built-in configuration, used when no config file
// exists.
func Default() *Config {
	cfg := &Config{raw: map[string]string{}}
	cfg.loadEnvOverrides()
	cfg.parse()
	return cfg
}

// LoadConfig reads the configuration file at configPath.
func LoadConfig(configPath string) (*Config, error) {
	if !utils.FileExists(configPath) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	raw, err := parseEnvFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ConfigPath: configPath,
		raw:        raw,
	}

	// Environment variables take precedence over file values.
	cfg.loadEnvOverrides()
	cfg.parse()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault reads configPath if it exists and falls back to the built-in
// defaults otherwise.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	if !utils.FileExists(configPath) {
		return Default(), nil
	}
	return LoadConfig(configPath)
}

func (c *Config) loadEnvOverrides() {
	for _, key := range envKeys {
		if envValue := os.Getenv(key); envValue != "" {
			c.raw[key] = envValue
		}
	}
}

func (c *Config) parse() {
	dataDir := defaultDataDir()

	c.ADBPath = c.getString("ADB_PATH", "adb")

	c.BackupDir = c.getString("BACKUP_PATH", filepath.Join(dataDir, "backups"))
	c.StagingDir = c.getString("STAGING_PATH", filepath.Join(os.TempDir(), "droidvault"))
	c.LogDir = c.getString("LOG_PATH", filepath.Join(dataDir, "logs"))
	c.LockPath = c.getString("LOCK_PATH", filepath.Join(c.BackupDir, ".droidvault.lock"))

	c.MaxLockAge = time.Duration(c.ensurePositiveInt("MAX_LOCK_AGE_MINUTES", 120)) * time.Minute
	c.QueryTimeout = time.Duration(c.ensurePositiveInt("QUERY_TIMEOUT_SECONDS", 10)) * time.Second
	c.TransferTimeout = time.Duration(c.ensurePositiveInt("TRANSFER_TIMEOUT_SECONDS", 120)) * time.Second
	c.TransferWorkers = c.ensurePositiveInt("TRANSFER_WORKERS", 4)
	c.SafetyFactor = c.getFloat("SAFETY_FACTOR", 1.5)
	if c.SafetyFactor < 1.0 {
		c.SafetyFactor = 1.5
	}
	c.DefaultSource = c.getString("DEFAULT_SOURCE", "/sdcard")
	c.MaxLocalBackups = c.getInt("MAX_LOCAL_BACKUPS", 0) // 0 = keep everything
	if c.MaxLocalBackups < 0 {
		c.MaxLocalBackups = 0
	}
	c.DryRun = c.getBool("DRY_RUN", false)

	c.Compression = c.getCompressionType("COMPRESSION_TYPE", types.CompressionGzip)
	c.Encryption = c.getEncryptionMode("ENCRYPTION_MODE", types.EncryptionPassphrase)

	c.AgeRecipientFile = c.getString("AGE_RECIPIENT_FILE", "")
	c.AgeIdentityFile = c.getString("AGE_IDENTITY_FILE", "")

	c.MetricsEnabled = c.getBool("METRICS_ENABLED", false)
	c.MetricsDir = c.getString("METRICS_PATH", "/var/lib/prometheus/node-exporter")

	c.WebhookURL = c.getString("WEBHOOK_URL", "")
	c.WebhookTimeout = time.Duration(c.ensurePositiveInt("WEBHOOK_TIMEOUT_SECONDS", 30)) * time.Second

	c.DebugLevel = c.getLogLevel("DEBUG_LEVEL", types.LogLevelInfo)
	c.UseColor = c.getBool("USE_COLOR", true)
}

// Validate rejects combinations the workflows cannot run with.
func (c *Config) Validate() error {
	if c.BackupDir == "" {
		return fmt.Errorf("BACKUP_PATH cannot be empty")
	}
	if c.StagingDir == "" {
		return fmt.Errorf("STAGING_PATH cannot be empty")
	}
	switch c.Encryption {
	case types.EncryptionNone, types.EncryptionPassphrase:
	case types.EncryptionAge:
		if c.AgeRecipientFile == "" {
			return fmt.Errorf("ENCRYPTION_MODE=age requires AGE_RECIPIENT_FILE")
		}
	default:
		return fmt.Errorf("unknown ENCRYPTION_MODE %q", c.Encryption)
	}
	return nil
}

// Get returns the raw value for a key, if present.
func (c *Config) Get(key string) (string, bool) {
	value, ok := c.raw[key]
	return value, ok
}

// Set overrides a raw value. Used by CLI flags that map onto config keys.
func (c *Config) Set(key, value string) {
	c.raw[key] = value
}

func (c *Config) getString(key, defaultValue string) string {
	if value, ok := c.raw[key]; ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func (c *Config) getBool(key string, defaultValue bool) bool {
	if value, ok := c.raw[key]; ok {
		return utils.ParseBool(value)
	}
	return defaultValue
}

func (c *Config) getInt(key string, defaultValue int) int {
	if value, ok := c.raw[key]; ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (c *Config) ensurePositiveInt(key string, defaultValue int) int {
	value := c.getInt(key, defaultValue)
	if value <= 0 {
		return defaultValue
	}
	return value
}

func (c *Config) getFloat(key string, defaultValue float64) float64 {
	if value, ok := c.raw[key]; ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (c *Config) getLogLevel(key string, defaultValue types.LogLevel) types.LogLevel {
	value, ok := c.raw[key]
	if !ok {
		return defaultValue
	}
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return defaultValue
	}
	if numeric, err := strconv.Atoi(value); err == nil {
		if numeric >= int(types.LogLevelNone) && numeric <= int(types.LogLevelDebug) {
			return types.LogLevel(numeric)
		}
		return defaultValue
	}
	return types.ParseLogLevel(value)
}

func (c *Config) getCompressionType(key string, defaultValue types.CompressionType) types.CompressionType {
	switch strings.ToLower(c.getString(key, "")) {
	case "gz", "gzip":
		return types.CompressionGzip
	case "none":
		return types.CompressionNone
	default:
		return defaultValue
	}
}

func (c *Config) getEncryptionMode(key string, defaultValue types.EncryptionMode) types.EncryptionMode {
	switch strings.ToLower(c.getString(key, "")) {
	case "none", "plain":
		return types.EncryptionNone
	case "passphrase", "password":
		return types.EncryptionPassphrase
	case "age":
		return types.EncryptionAge
	default:
		return defaultValue
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".droidvault")
	}
	return filepath.Join(os.TempDir(), "droidvault-data")
}

func parseEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %w", err)
	}
	defer file.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if utils.IsComment(trimmed) {
			continue
		}

		key, value, ok := utils.SplitKeyValue(line)
		if !ok {
			continue
		}
		raw[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return raw, nil
}
