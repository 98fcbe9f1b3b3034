package config

import (
	"os"
	"path/filepath"
)

// DefaultPath returns $XDG_CONFIG_HOME/audioguard/config.toml (or a file in
// the working directory when no config dir is known).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err == nil && dir != "" {
		return filepath.Join(dir, "audioguard", "config.toml")
	}
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, "audioguard-config.toml")
}

// ResolvePath returns p relative to the directory of the config file at
// configPath, leaving absolute and empty paths alone.
func ResolvePath(configPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
