package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/adrg/xdg"
)

// warningShown checks if the file-store warning has already been shown.
// Uses a marker file in the data directory to avoid repeating on every command.
func warningShown() bool {
	_, err := os.Stat(warningMarkerPath())
	return err == nil
}

func markWarningShown() {
	_ = os.MkdirAll(filepath.Dir(warningMarkerPath()), 0700)
	_ = os.WriteFile(warningMarkerPath(), []byte("1"), 0600)
}

func warningMarkerPath() string {
	return filepath.Join(xdg.DataHome, ServiceName, ".file-store-warning-shown")
}

// quietMode returns true if warnings are suppressed via CREDKEEP_QUIET.
func quietMode() bool {
	v := os.Getenv("CREDKEEP_QUIET")
	return v == "1" || v == "true"
}

// warnOnce prints msg to stderr the first time only.
func warnOnce(msg string) {
	if quietMode() || warningShown() {
		return
	}
	fmt.Fprintln(os.Stderr, msg)
}

// NewStore picks a Store backend for this machine.
// It tries the OS keyring first and falls back to the encrypted file, which
// is always used under WSL and on headless hosts. password protects the
// file backend; it is ignored for the keyring.
func NewStore(password string) (Store, Backend, error) {
	if IsWSL() || IsHeadless() {
		warnOnce("Detected WSL/headless environment, using encrypted file storage")
		store, err := NewFileStore("", password)
		if err != nil {
			return nil, "", err
		}
		markWarningShown()
		return store, BackendFile, nil
	}

	store, err := NewKeyringStore()
	if err != nil {
		warnOnce(fmt.Sprintf("Keyring unavailable (%v), falling back to encrypted file", err))
		fstore, ferr := NewFileStore("", password)
		if ferr != nil {
			return nil, "", ferr
		}
		markWarningShown()
		return fstore, BackendFile, nil
	}

	return store, BackendKeyring, nil
}

// Backend names the storage NewStore selected.
type Backend string

const (
	BackendKeyring Backend = "keyring"
	BackendFile    Backend = "encrypted file"
)

// IsWSL returns true if running under Windows Subsystem for Linux.
func IsWSL() bool {
	if runtime.GOOS != "linux" {
		return false
	}

	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}

	version := strings.ToLower(string(data))
	return strings.Contains(version, "microsoft") || strings.Contains(version, "wsl")
}

// IsHeadless returns true on Linux hosts without a display server, where the
// Secret Service keyring is usually not running.
func IsHeadless() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	return os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == ""
}
