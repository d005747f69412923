package types

import "time"

// TransportState represents the transport state a device reports to the
// command bridge.
type TransportState string

const (
	// StateAttached - device is connected and authorized
	StateAttached TransportState = "attached"

	// StateUnauthorized - device is connected but USB debugging was not approved
	StateUnauthorized TransportState = "unauthorized"

	// StateOffline - device is known to the bridge but not responding
	StateOffline TransportState = "offline"

	// StateUnknown - state string not recognized
	StateUnknown TransportState = "unknown"
)

// String returns the string representation of the transport state.
func (s TransportState) String() string {
	return string(s)
}

// CompressionType represents the compression applied to the plaintext archive.
type CompressionType string

const (
	// CompressionGzip - gzip compression
	CompressionGzip CompressionType = "gz"

	// CompressionNone - no compression
	CompressionNone CompressionType = "none"
)

// String returns the string representation of the compression type.
func (c CompressionType) String() string {
	return string(c)
}

// EncryptionMode selects how the final archive is protected.
type EncryptionMode string

const (
	// EncryptionNone - archive is stored as plaintext
	EncryptionNone EncryptionMode = "none"

	// EncryptionPassphrase - DroidVault passphrase format (argon2id + AES-256-GCM)
	EncryptionPassphrase EncryptionMode = "passphrase"

	// EncryptionAge - age recipient/identity encryption
	EncryptionAge EncryptionMode = "age"
)

// String returns the string representation of the encryption mode.
func (m EncryptionMode) String() string {
	return string(m)
}

// ArchiveInfo contains information about a produced backup artifact.
type ArchiveInfo struct {
	// Device serial the archive was pulled from
	DeviceSerial string

	// Creation timestamp
	Timestamp time.Time

	// Full file path of the artifact
	Path string

	// File size in bytes
	Size int64

	// SHA256 checksum of the artifact
	Checksum string

	// Compression applied to the plaintext archive
	Compression CompressionType

	// Encryption mode of the artifact
	Encryption EncryptionMode
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a user-supplied level name to a LogLevel.
// Unrecognized names fall back to LogLevelInfo.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warning", "warn":
		return LogLevelWarning
	case "error":
		return LogLevelError
	case "critical":
		return LogLevelCritical
	case "none":
		return LogLevelNone
	default:
		return LogLevelInfo
	}
}
