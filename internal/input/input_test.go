package input

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMapInputError(t *testing.T) {
	if mapInputError(nil) != nil {
		t.Fatal("expected nil")
	}
	if !errors.Is(mapInputError(io.EOF), ErrAborted) {
		t.Fatal("expected ErrAborted for EOF")
	}
	if !errors.Is(mapInputError(os.ErrClosed), ErrAborted) {
		t.Fatal("expected ErrAborted for ErrClosed")
	}

	for _, msg := range []string{
		"use of closed file",
		"bad file descriptor",
		"file already closed",
		"Use Of Closed File",
	} {
		if !errors.Is(mapInputError(errors.New(msg)), ErrAborted) {
			t.Fatalf("expected ErrAborted for %q", msg)
		}
	}

	sentinel := errors.New("some other error")
	if mapInputError(sentinel) != sentinel {
		t.Fatal("expected passthrough for non-mapped errors")
	}
}

func TestIsAborted(t *testing.T) {
	if IsAborted(nil) {
		t.Fatal("expected false for nil")
	}
	if !IsAborted(ErrAborted) {
		t.Fatal("expected true for ErrAborted")
	}
	if !IsAborted(context.Canceled) {
		t.Fatal("expected true for context.Canceled")
	}
	if IsAborted(errors.New("other")) {
		t.Fatal("expected false for non-abort errors")
	}
}

func TestReadLine(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("hello\n"))
	got, err := ReadLine(context.Background(), reader)
	if err != nil {
		t.Fatalf("ReadLine failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("ReadLine = %q, want hello", got)
	}
}

func TestReadLineTrimsCRLF(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("value\r\n"))
	got, err := ReadLine(context.Background(), reader)
	if err != nil {
		t.Fatal(err)
	}
	if got != "value" {
		t.Errorf("ReadLine = %q, want value", got)
	}
}

func TestReadLineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A reader that blocks forever.
	pr, pw := io.Pipe()
	defer pw.Close()
	reader := bufio.NewReader(pr)

	_, err := ReadLine(ctx, reader)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestReadLineEOF(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader(""))
	_, err := ReadLine(context.Background(), reader)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted on EOF, got %v", err)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		answer     string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"no\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"maybe\ny\n", false, true}, // retries until a valid answer
	}
	for _, tt := range tests {
		reader := bufio.NewReader(strings.NewReader(tt.answer))
		var out bytes.Buffer
		got, err := Confirm(context.Background(), reader, &out, "Proceed?", tt.defaultYes)
		if err != nil {
			t.Fatalf("Confirm(%q) failed: %v", tt.answer, err)
		}
		if got != tt.want {
			t.Errorf("Confirm(%q, default=%v) = %v, want %v", tt.answer, tt.defaultYes, got, tt.want)
		}
	}
}

func TestReadSecret(t *testing.T) {
	orig := readPassword
	readPassword = func(int) ([]byte, error) { return []byte("hunter2"), nil }
	defer func() { readPassword = orig }()

	var out bytes.Buffer
	secret, err := ReadSecret(context.Background(), &out, "Passphrase", 0)
	if err != nil {
		t.Fatalf("ReadSecret failed: %v", err)
	}
	if string(secret) != "hunter2" {
		t.Errorf("secret = %q", secret)
	}
	if !strings.Contains(out.String(), "Passphrase: ") {
		t.Errorf("prompt missing from output: %q", out.String())
	}
}

func TestReadSecretCancelled(t *testing.T) {
	orig := readPassword
	readPassword = func(int) ([]byte, error) {
		time.Sleep(time.Second)
		return nil, nil
	}
	defer func() { readPassword = orig }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, err := ReadSecret(ctx, &out, "Passphrase", 0)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestReadSecretConfirmed(t *testing.T) {
	orig := readPassword
	defer func() { readPassword = orig }()

	answers := [][]byte{[]byte("pw123"), []byte("pw123")}
	readPassword = func(int) ([]byte, error) {
		next := answers[0]
		answers = answers[1:]
		return append([]byte(nil), next...), nil
	}

	var out bytes.Buffer
	secret, err := ReadSecretConfirmed(context.Background(), &out, 0)
	if err != nil {
		t.Fatalf("ReadSecretConfirmed failed: %v", err)
	}
	if string(secret) != "pw123" {
		t.Errorf("secret = %q", secret)
	}
}

func TestReadSecretConfirmedMismatch(t *testing.T) {
	orig := readPassword
	defer func() { readPassword = orig }()

	answers := [][]byte{[]byte("one"), []byte("two")}
	readPassword = func(int) ([]byte, error) {
		next := answers[0]
		answers = answers[1:]
		return append([]byte(nil), next...), nil
	}

	var out bytes.Buffer
	if _, err := ReadSecretConfirmed(context.Background(), &out, 0); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestReadSecretConfirmedEmpty(t *testing.T) {
	orig := readPassword
	readPassword = func(int) ([]byte, error) { return nil, nil }
	defer func() { readPassword = orig }()

	var out bytes.Buffer
	if _, err := ReadSecretConfirmed(context.Background(), &out, 0); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestReadSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("pw123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	secret, err := ReadSecretFile(path)
	if err != nil {
		t.Fatalf("ReadSecretFile failed: %v", err)
	}
	if string(secret) != "pw123" {
		t.Errorf("secret = %q, trailing newline not trimmed", secret)
	}
}

func TestReadSecretFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSecretFile(path); err == nil {
		t.Fatal("expected error for empty secret file")
	}
}

func TestReadSecretFileMissing(t *testing.T) {
	if _, err := ReadSecretFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
