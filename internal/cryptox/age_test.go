package cryptox

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
)

func newKeypair(t *testing.T) *age.X25519Identity {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	return identity
}

func TestAgeFileRoundTrip(t *testing.T) {
	identity := newKeypair(t)
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "archive.dvbackup")
	encPath := srcPath + EncryptedExtension
	outPath := filepath.Join(dir, "restored.dvbackup")

	payload := []byte("age payload")
	if err := os.WriteFile(srcPath, payload, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := EncryptFileAge(srcPath, encPath, []age.Recipient{identity.Recipient()}); err != nil {
		t.Fatalf("EncryptFileAge failed: %v", err)
	}
	if err := DecryptFileAge(encPath, outPath, []age.Identity{identity}); err != nil {
		t.Fatalf("DecryptFileAge failed: %v", err)
	}

	restored, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, payload) {
		t.Errorf("age round trip mismatch: %q", restored)
	}
}

func TestAgeWrongIdentity(t *testing.T) {
	owner := newKeypair(t)
	stranger := newKeypair(t)
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "archive.dvbackup")
	encPath := srcPath + EncryptedExtension
	if err := os.WriteFile(srcPath, []byte("secret data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := EncryptFileAge(srcPath, encPath, []age.Recipient{owner.Recipient()}); err != nil {
		t.Fatal(err)
	}

	err := DecryptFileAge(encPath, filepath.Join(dir, "out"), []age.Identity{stranger})
	if !errors.Is(err, ErrIntegrityCheckFailed) {
		t.Errorf("wrong identity = %v, want ErrIntegrityCheckFailed", err)
	}
}

func TestParseRecipients(t *testing.T) {
	identity := newKeypair(t)
	path := filepath.Join(t.TempDir(), "recipients.txt")

	content := fmt.Sprintf("# backup key\n\n%s\n", identity.Recipient())
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	recipients, err := ParseRecipients(path)
	if err != nil {
		t.Fatalf("ParseRecipients failed: %v", err)
	}
	if len(recipients) != 1 {
		t.Errorf("expected 1 recipient, got %d", len(recipients))
	}
}

func TestParseRecipientsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipients.txt")
	if err := os.WriteFile(path, []byte("# only comments\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseRecipients(path); err == nil {
		t.Fatal("expected error for recipient file without recipients")
	}
}

func TestParseIdentities(t *testing.T) {
	identity := newKeypair(t)
	path := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	identities, err := ParseIdentities(path)
	if err != nil {
		t.Fatalf("ParseIdentities failed: %v", err)
	}
	if len(identities) != 1 {
		t.Errorf("expected 1 identity, got %d", len(identities))
	}
}

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()

	passphrasePath := filepath.Join(dir, "p.enc")
	container, err := Encrypt([]byte("data"), []byte("pw123"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(passphrasePath, container, 0o600); err != nil {
		t.Fatal(err)
	}

	identity := newKeypair(t)
	plainPath := filepath.Join(dir, "plain.dvbackup")
	agePath := filepath.Join(dir, "a.enc")
	if err := os.WriteFile(plainPath, []byte("just a tar stream"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := EncryptFileAge(plainPath, agePath, []age.Recipient{identity.Recipient()}); err != nil {
		t.Fatal(err)
	}

	emptyPath := filepath.Join(dir, "empty")
	if err := os.WriteFile(emptyPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want Format
	}{
		{passphrasePath, FormatPassphrase},
		{agePath, FormatAge},
		{plainPath, FormatPlain},
		{emptyPath, FormatPlain},
	}
	for _, tt := range tests {
		got, err := DetectFormat(tt.path)
		if err != nil {
			t.Errorf("DetectFormat(%s) failed: %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DetectFormat(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
