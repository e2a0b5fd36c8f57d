package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// AppName names the credkeep directories under each XDG base.
const AppName = "credkeep"

// ConfigDir returns the XDG-compliant config directory
// Typically ~/.config/credkeep/ on Linux
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// ConfigPath returns the full path to the config file
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json5")
}

// CacheDir returns the XDG-compliant cache directory
// Typically ~/.cache/credkeep/ on Linux
func CacheDir() string {
	return filepath.Join(xdg.CacheHome, AppName)
}

// DataDir returns the XDG-compliant data directory
// Typically ~/.local/share/credkeep/ on Linux (sqlite store, secrets file)
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// StateDir returns the XDG-compliant state directory
// Typically ~/.local/state/credkeep/ on Linux (local credential files, locks)
func StateDir() string {
	return filepath.Join(xdg.StateHome, AppName)
}
