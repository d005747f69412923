package content

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const contactsURI = "content://com.android.contacts/data/phones"

// Contact is one name/phone pair from the contacts provider.
type Contact struct {
	Name  string
	Phone string
}

// QueryContacts reads the phone rows of the contacts provider. Rows without
// both a display name and a number are dropped.
func (s *Store) QueryContacts(ctx context.Context, serial string) ([]Contact, error) {
	result, err := s.bridge.Run(ctx, serial, s.timeout,
		"content", "query", "--uri", contactsURI,
		"--projection", "display_name:data1")
	if err != nil {
		return nil, fmt.Errorf("contacts query failed: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("contacts query exited %d", result.ExitCode)
	}

	var contacts []Contact
	for _, line := range strings.Split(result.Stdout, "\n") {
		if !strings.Contains(line, "Row:") {
			continue
		}
		row := parseRow(line, []string{"display_name", "data1"})
		if row["display_name"] == "" || row["data1"] == "" {
			continue
		}
		contacts = append(contacts, Contact{Name: row["display_name"], Phone: row["data1"]})
	}
	return contacts, nil
}

// FormatVCard renders contacts as a version 2.1 vCard stream, one card per
// contact.
func FormatVCard(contacts []Contact) string {
	var b strings.Builder
	for _, c := range contacts {
		b.WriteString("BEGIN:VCARD\n")
		b.WriteString("VERSION:2.1\n")
		b.WriteString("FN:" + c.Name + "\n")
		b.WriteString("TEL;CELL:" + c.Phone + "\n")
		b.WriteString("END:VCARD\n")
	}
	return b.String()
}

// ExportContacts queries the device and writes
// contacts_<serial>_<timestamp>.vcf under destDir. Returns the file path.
func (s *Store) ExportContacts(ctx context.Context, serial, destDir string) (string, error) {
	contacts, err := s.QueryContacts(ctx, serial)
	if err != nil {
		return "", err
	}
	if len(contacts) == 0 {
		s.logger.Warning("No contacts found on %s", serial)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", destDir, err)
	}
	path := filepath.Join(destDir, fmt.Sprintf("contacts_%s_%s.vcf", serial, timestampSuffix()))
	if err := os.WriteFile(path, []byte(FormatVCard(contacts)), 0o600); err != nil {
		return "", fmt.Errorf("cannot write %s: %w", path, err)
	}

	s.logger.Step("Exported %d contact(s) to %s", len(contacts), path)
	return path, nil
}

// RestoreContacts pushes a vCard file onto the device and fires the import
// intent. The import itself must be confirmed on the device screen.
func (s *Store) RestoreContacts(ctx context.Context, serial, vcfPath string) error {
	remote := "/sdcard/" + filepath.Base(vcfPath)
	if err := s.bridge.PushFile(ctx, serial, vcfPath, remote, s.timeout); err != nil {
		return fmt.Errorf("cannot push %s: %w", vcfPath, err)
	}

	result, err := s.bridge.Run(ctx, serial, s.timeout,
		"am", "start",
		"-t", "text/x-vcard",
		"-d", "file://"+remote,
		"-a", "android.intent.action.VIEW")
	if err != nil {
		return fmt.Errorf("cannot start contact import: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("contact import intent exited %d", result.ExitCode)
	}

	s.logger.Step("Contact import started on %s; confirm it on the device screen", serial)
	return nil
}
