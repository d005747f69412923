// Package input provides interactive prompt helpers used by the CLI:
// cancellation-aware line reading, confirmation prompts, and no-echo
// passphrase entry.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrAborted signals that interactive input was interrupted, typically via
// Ctrl+C causing context cancellation or stdin closure.
var ErrAborted = errors.New("input aborted")

// readPassword is swapped in tests.
var readPassword = term.ReadPassword

// IsAborted reports whether an operation was aborted by the user, checking
// for ErrAborted and context cancellation.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

// mapInputError normalizes stdin errors (EOF, closed fd) into ErrAborted.
func mapInputError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return ErrAborted
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "use of closed file") ||
		strings.Contains(errStr, "bad file descriptor") ||
		strings.Contains(errStr, "file already closed") {
		return ErrAborted
	}
	return err
}

// ReadLine reads one line and supports cancellation. On ctx cancellation or
// stdin closure it returns ErrAborted.
func ReadLine(ctx context.Context, reader *bufio.Reader) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := reader.ReadString('\n')
		ch <- result{line: line, err: mapInputError(err)}
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", context.DeadlineExceeded
		}
		return "", ErrAborted
	case res := <-ch:
		return strings.TrimRight(res.line, "\r\n"), res.err
	}
}

// Confirm asks a yes/no question and returns the answer. An empty reply
// picks defaultYes.
func Confirm(ctx context.Context, reader *bufio.Reader, out io.Writer, prompt string, defaultYes bool) (bool, error) {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	for {
		fmt.Fprintf(out, "%s %s: ", prompt, hint)
		line, err := ReadLine(ctx, reader)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "":
			return defaultYes, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(out, "Please answer y or n.")
	}
}

// ReadSecret reads a passphrase from the terminal without echo. On ctx
// cancellation it returns ErrAborted. The caller owns the returned bytes and
// should zero them when done.
func ReadSecret(ctx context.Context, out io.Writer, prompt string, fd int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Fprintf(out, "%s: ", prompt)

	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := readPassword(fd)
		ch <- result{b: b, err: mapInputError(err)}
	}()
	select {
	case <-ctx.Done():
		fmt.Fprintln(out)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, ErrAborted
	case res := <-ch:
		fmt.Fprintln(out)
		return res.b, res.err
	}
}

// ReadSecretConfirmed prompts for a passphrase twice and verifies both
// entries match. Used when creating new encrypted archives.
func ReadSecretConfirmed(ctx context.Context, out io.Writer, fd int) ([]byte, error) {
	first, err := ReadSecret(ctx, out, "Enter passphrase", fd)
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	second, err := ReadSecret(ctx, out, "Confirm passphrase", fd)
	if err != nil {
		zero(first)
		return nil, err
	}
	if string(first) != string(second) {
		zero(first)
		zero(second)
		return nil, errors.New("passphrases do not match")
	}
	zero(second)
	return first, nil
}

// ReadSecretFile loads a secret from a file, trimming one trailing newline.
// Used by the --secret-file flag for unattended runs.
func ReadSecretFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read secret file: %w", err)
	}
	data = []byte(strings.TrimRight(string(data), "\r\n"))
	if len(data) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", path)
	}
	return data, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
