package cryptox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// ageIntro is the first line of every age file.
const ageIntro = "age-encryption.org/v1"

// ParseRecipients reads X25519 recipients from a file, one per line.
// Blank lines and # comments are ignored.
func ParseRecipients(path string) ([]age.Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipient file %s: %w", path, err)
	}

	var recipients []age.Recipient
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		recipient, err := age.ParseX25519Recipient(line)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q in %s: %w", line, path, err)
		}
		recipients = append(recipients, recipient)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in %s", path)
	}
	return recipients, nil
}

// ParseIdentities reads age identities from a key file.
func ParseIdentities(path string) ([]age.Identity, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity file %s: %w", path, err)
	}
	defer file.Close()

	identities, err := age.ParseIdentities(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identities from %s: %w", path, err)
	}
	return identities, nil
}

// EncryptFileAge seals srcPath into destPath for the given recipients.
func EncryptFileAge(srcPath, destPath string, recipients []age.Recipient) (err error) {
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients for encryption")
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer func() {
		if closeErr := dest.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(destPath)
		}
	}()

	w, err := age.Encrypt(dest, recipients...)
	if err != nil {
		return fmt.Errorf("failed to start encryption: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize encryption: %w", err)
	}
	return nil
}

// DecryptFileAge opens an age file with the given identities. A file none of
// the identities can open reports ErrIntegrityCheckFailed, the same as a
// wrong passphrase would.
func DecryptFileAge(srcPath, destPath string, identities []age.Identity) (err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer src.Close()

	r, err := age.Decrypt(src, identities...)
	if err != nil {
		var noIdentity *age.NoIdentityMatchError
		if errors.As(err, &noIdentity) {
			return ErrIntegrityCheckFailed
		}
		return fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer func() {
		if closeErr := dest.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(destPath)
		}
	}()

	if _, err := io.Copy(dest, r); err != nil {
		// Payload authentication happens during the copy.
		return ErrIntegrityCheckFailed
	}
	return nil
}

// Format classifies a file for the decrypt path.
type Format int

const (
	// FormatPlain - not an encrypted container
	FormatPlain Format = iota

	// FormatPassphrase - passphrase container
	FormatPassphrase

	// FormatAge - age encrypted file
	FormatAge
)

func (f Format) String() string {
	switch f {
	case FormatPassphrase:
		return "passphrase"
	case FormatAge:
		return "age"
	default:
		return "plain"
	}
}

// DetectFormat sniffs the first bytes of a file to decide how to decrypt it.
func DetectFormat(path string) (Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return FormatPlain, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	head := make([]byte, len(ageIntro))
	n, err := file.Read(head)
	if err != nil && err != io.EOF {
		return FormatPlain, fmt.Errorf("failed to read %s: %w", path, err)
	}
	head = head[:n]

	if bytes.HasPrefix(head, containerMagic) {
		return FormatPassphrase, nil
	}
	if strings.HasPrefix(string(head), ageIntro) {
		return FormatAge, nil
	}
	return FormatPlain, nil
}
