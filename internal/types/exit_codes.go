// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Configuration error.
	ExitConfigError ExitCode = 2

	// ExitBridgeError - The command bridge is unavailable or misbehaving.
	ExitBridgeError ExitCode = 3

	// ExitDeviceError - Device not found or unauthorized.
	ExitDeviceError ExitCode = 4

	// ExitBackupError - Error during the backup operation (generic).
	ExitBackupError ExitCode = 5

	// ExitCryptoError - Error during encryption or decryption.
	ExitCryptoError ExitCode = 6

	// ExitRestoreError - Error during the restore operation.
	ExitRestoreError ExitCode = 7

	// ExitVerificationError - Error during integrity verification.
	ExitVerificationError ExitCode = 8

	// ExitDiskSpaceError - Insufficient local disk space.
	ExitDiskSpaceError ExitCode = 9

	// ExitLockError - Another operation holds the run lock.
	ExitLockError ExitCode = 10

	// ExitCancelled - Operation cancelled by the operator.
	ExitCancelled ExitCode = 11

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 12
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitBridgeError:
		return "bridge error"
	case ExitDeviceError:
		return "device error"
	case ExitBackupError:
		return "backup error"
	case ExitCryptoError:
		return "crypto error"
	case ExitRestoreError:
		return "restore error"
	case ExitVerificationError:
		return "verification error"
	case ExitDiskSpaceError:
		return "disk space error"
	case ExitLockError:
		return "lock error"
	case ExitCancelled:
		return "cancelled"
	case ExitPanicError:
		return "panic error"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an integer.
func (e ExitCode) Int() int {
	return int(e)
}
