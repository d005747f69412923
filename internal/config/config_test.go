package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/droidvault/droidvault/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "droidvault.env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
# droidvault configuration
ADB_PATH=/usr/local/bin/adb
BACKUP_PATH="/srv/backups"   # quoted with inline comment
STAGING_PATH=/var/tmp/droidvault
TRANSFER_WORKERS=8
TRANSFER_TIMEOUT_SECONDS=300
SAFETY_FACTOR=2.0
COMPRESSION_TYPE=none
ENCRYPTION_MODE=passphrase
DEBUG_LEVEL=debug
USE_COLOR=false
DRY_RUN=yes
MAX_LOCAL_BACKUPS=5
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.ADBPath != "/usr/local/bin/adb" {
		t.Errorf("ADBPath = %s", cfg.ADBPath)
	}
	if cfg.BackupDir != "/srv/backups" {
		t.Errorf("BackupDir = %s (quotes or comment not stripped)", cfg.BackupDir)
	}
	if cfg.TransferWorkers != 8 {
		t.Errorf("TransferWorkers = %d", cfg.TransferWorkers)
	}
	if cfg.TransferTimeout != 5*time.Minute {
		t.Errorf("TransferTimeout = %v", cfg.TransferTimeout)
	}
	if cfg.SafetyFactor != 2.0 {
		t.Errorf("SafetyFactor = %v", cfg.SafetyFactor)
	}
	if cfg.Compression != types.CompressionNone {
		t.Errorf("Compression = %v", cfg.Compression)
	}
	if cfg.Encryption != types.EncryptionPassphrase {
		t.Errorf("Encryption = %v", cfg.Encryption)
	}
	if cfg.DebugLevel != types.LogLevelDebug {
		t.Errorf("DebugLevel = %v", cfg.DebugLevel)
	}
	if cfg.UseColor {
		t.Error("UseColor should be false")
	}
	if !cfg.DryRun {
		t.Error("DryRun should be true")
	}
	if cfg.MaxLocalBackups != 5 {
		t.Errorf("MaxLocalBackups = %d", cfg.MaxLocalBackups)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if cfg.ADBPath != "adb" {
		t.Errorf("default ADBPath = %s", cfg.ADBPath)
	}
	if cfg.TransferWorkers != 4 {
		t.Errorf("default TransferWorkers = %d", cfg.TransferWorkers)
	}
	if cfg.Encryption != types.EncryptionPassphrase {
		t.Errorf("default Encryption = %v", cfg.Encryption)
	}
	if cfg.Compression != types.CompressionGzip {
		t.Errorf("default Compression = %v", cfg.Compression)
	}
	if cfg.QueryTimeout != 10*time.Second {
		t.Errorf("default QueryTimeout = %v", cfg.QueryTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "TRANSFER_WORKERS=2\n")
	t.Setenv("TRANSFER_WORKERS", "16")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.TransferWorkers != 16 {
		t.Errorf("TransferWorkers = %d, want env override 16", cfg.TransferWorkers)
	}
}

func TestInvalidValuesFallBackToDefaults(t *testing.T) {
	path := writeConfig(t, `
TRANSFER_WORKERS=-3
QUERY_TIMEOUT_SECONDS=banana
SAFETY_FACTOR=0.1
COMPRESSION_TYPE=rar
MAX_LOCAL_BACKUPS=-1
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.TransferWorkers != 4 {
		t.Errorf("TransferWorkers = %d, want default 4", cfg.TransferWorkers)
	}
	if cfg.QueryTimeout != 10*time.Second {
		t.Errorf("QueryTimeout = %v, want default", cfg.QueryTimeout)
	}
	if cfg.SafetyFactor != 1.5 {
		t.Errorf("SafetyFactor = %v, want default", cfg.SafetyFactor)
	}
	if cfg.Compression != types.CompressionGzip {
		t.Errorf("Compression = %v, want default", cfg.Compression)
	}
	if cfg.MaxLocalBackups != 0 {
		t.Errorf("MaxLocalBackups = %d, want 0", cfg.MaxLocalBackups)
	}
}

func TestAgeModeRequiresRecipientFile(t *testing.T) {
	path := writeConfig(t, "ENCRYPTION_MODE=age\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for age mode without recipient file")
	}

	path = writeConfig(t, "ENCRYPTION_MODE=age\nAGE_RECIPIENT_FILE=/etc/droidvault/recipients.txt\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Encryption != types.EncryptionAge {
		t.Errorf("Encryption = %v", cfg.Encryption)
	}
}

func TestNumericDebugLevel(t *testing.T) {
	path := writeConfig(t, "DEBUG_LEVEL=5\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DebugLevel != types.LogLevelDebug {
		t.Errorf("DebugLevel = %v, want debug", cfg.DebugLevel)
	}
}

func TestWebhookSettings(t *testing.T) {
	path := writeConfig(t, "WEBHOOK_URL=https://hooks.example.com/droidvault\nWEBHOOK_TIMEOUT_SECONDS=10\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WebhookURL != "https://hooks.example.com/droidvault" {
		t.Errorf("WebhookURL = %q", cfg.WebhookURL)
	}
	if cfg.WebhookTimeout != 10*time.Second {
		t.Errorf("WebhookTimeout = %v", cfg.WebhookTimeout)
	}
	if Default().WebhookURL != "" {
		t.Error("webhook should be disabled by default")
	}
}

func TestGetSet(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.Get("CUSTOM_KEY"); ok {
		t.Error("unexpected raw value")
	}
	cfg.Set("CUSTOM_KEY", "v")
	if value, ok := cfg.Get("CUSTOM_KEY"); !ok || value != "v" {
		t.Errorf("Get after Set = %q, %v", value, ok)
	}
}
