// Package cryptox encrypts and decrypts backup archives. Two backends are
// supported: a passphrase-based container using argon2id key derivation with
// AES-256-GCM, and age recipient/identity encryption.
package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrEmptySecret is returned when an encryption or decryption secret is
	// empty or whitespace-free empty.
	ErrEmptySecret = errors.New("secret cannot be empty")

	// ErrIntegrityCheckFailed indicates the ciphertext failed authentication:
	// tampered data or a wrong secret. The two cases are deliberately
	// indistinguishable.
	ErrIntegrityCheckFailed = errors.New("integrity check failed")

	// ErrMalformedArchive indicates the input is not a recognizable encrypted
	// container.
	ErrMalformedArchive = errors.New("malformed encrypted archive")
)

// containerMagic identifies the passphrase container format.
var containerMagic = []byte("DVLT")

// containerVersion is the current container layout version.
const containerVersion uint16 = 1

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	tagSize   = 16
)

// EncryptedExtension is appended to archives after encryption.
const EncryptedExtension = ".enc"

// argon2id parameters. Chosen to match common interactive-use guidance:
// 1 pass over 64 MiB with 4 lanes.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// deriveKey stretches a passphrase into an AES-256 key.
func deriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, keySize)
}

func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Encrypt seals plaintext with a passphrase-derived key. The returned
// container carries everything needed for decryption except the secret.
func Encrypt(plaintext, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := deriveKey(secret, salt)
	defer zeroKey(key)

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aesgcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	var buf bytes.Buffer
	buf.Grow(len(containerMagic) + 2 + saltSize + nonceSize + 8 + len(sealed))
	buf.Write(containerMagic)
	binary.Write(&buf, binary.BigEndian, containerVersion)
	buf.Write(salt)
	buf.Write(nonce)
	binary.Write(&buf, binary.BigEndian, uint64(len(ciphertext)))
	buf.Write(ciphertext)
	buf.Write(tag)
	return buf.Bytes(), nil
}

// Decrypt opens a passphrase container. Authentication failure, whether from
// tampering or a wrong secret, yields ErrIntegrityCheckFailed.
func Decrypt(container, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	r := bytes.NewReader(container)

	magic := make([]byte, len(containerMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, containerMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedArchive)
	}

	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedArchive)
	}
	if version != containerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedArchive, version)
	}

	salt := make([]byte, saltSize)
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("%w: truncated salt", ErrMalformedArchive)
	}
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("%w: truncated nonce", ErrMalformedArchive)
	}

	var ciphertextLen uint64
	if err := binary.Read(r, binary.BigEndian, &ciphertextLen); err != nil {
		return nil, fmt.Errorf("%w: truncated length", ErrMalformedArchive)
	}
	if r.Len() < tagSize || ciphertextLen != uint64(r.Len()-tagSize) {
		return nil, fmt.Errorf("%w: length mismatch", ErrMalformedArchive)
	}

	sealed := make([]byte, r.Len())
	if _, err := io.ReadFull(r, sealed); err != nil {
		return nil, fmt.Errorf("%w: truncated ciphertext", ErrMalformedArchive)
	}

	key := deriveKey(secret, salt)
	defer zeroKey(key)

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrIntegrityCheckFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesgcm, nil
}

// EncryptFile seals srcPath into destPath with a passphrase.
func EncryptFile(srcPath, destPath string, secret []byte) error {
	plaintext, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", srcPath, err)
	}

	container, err := Encrypt(plaintext, secret)
	if err != nil {
		return err
	}

	if err := os.WriteFile(destPath, container, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	return nil
}

// DecryptFile opens the container at srcPath and writes the plaintext to
// destPath. On any error the destination is removed.
func DecryptFile(srcPath, destPath string, secret []byte) error {
	container, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", srcPath, err)
	}

	plaintext, err := Decrypt(container, secret)
	if err != nil {
		return err
	}

	if err := os.WriteFile(destPath, plaintext, 0o600); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	return nil
}
