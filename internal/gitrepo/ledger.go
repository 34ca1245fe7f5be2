package gitrepo

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LedgerFile is the ledger's name in the working copy.
const LedgerFile = "LEDGER.txt"

// ErrInvalidUser is returned for names that would corrupt the ledger.
var ErrInvalidUser = errors.New("gitrepo: invalid ledger user")

// Ledger is a text file of "user: balance" lines.
type Ledger struct {
	Path string
}

// NewLedger returns the ledger in a working copy.
func NewLedger(workdir string) *Ledger {
	return &Ledger{Path: filepath.Join(workdir, LedgerFile)}
}

// Credit adds one to user's balance, appending "user: 1" when the user has
// no line yet. A missing file is created.
func (l *Ledger) Credit(user string) error {
	if err := validUser(user); err != nil {
		return err
	}

	data, err := os.ReadFile(l.Path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	lines := splitLines(data)
	found := false
	for i, line := range lines {
		name, n, ok := parseEntry(line)
		if !ok || name != user {
			continue
		}
		lines[i] = formatEntry(user, n+1)
		found = true
		break
	}
	if !found {
		lines = append(lines, formatEntry(user, 1))
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(l.Path, buf.Bytes(), 0644)
}

// Balance returns user's balance, zero when absent.
func (l *Ledger) Balance(user string) (int, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read ledger: %w", err)
	}
	for _, line := range splitLines(data) {
		if name, n, ok := parseEntry(line); ok && name == user {
			return n, nil
		}
	}
	return 0, nil
}

func validUser(user string) error {
	if user == "" || strings.ContainsAny(user, ":\n\r\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidUser, user)
	}
	return nil
}

func splitLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

// parseEntry splits "name: n".
func parseEntry(line string) (string, int, bool) {
	name, count, ok := strings.Cut(line, ": ")
	if !ok {
		return "", 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil {
		return "", 0, false
	}
	return name, n, true
}

func formatEntry(user string, n int) string {
	return user + ": " + strconv.Itoa(n)
}

// writeFileAtomic writes data to a temp file next to path, syncs it and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
