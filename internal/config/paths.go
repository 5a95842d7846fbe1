package config

import (
	"os"
	"path/filepath"
)

const (
	// EnvConfigPath names a config file explicitly.
	EnvConfigPath = "LOSTFOUND_CONFIG"
	// ConfigFileName is looked up in the working directory.
	ConfigFileName = "lostfound.yaml"
	// ConfigDirName is the directory under the config roots.
	ConfigDirName = "lostfound"
)

// FindConfigPath returns the first existing config file in priority order,
// or "" if there is none.
func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		if fileExists(path) {
			return path
		}
	}

	if fileExists(ConfigFileName) {
		if abs, err := filepath.Abs(ConfigFileName); err == nil {
			return abs
		}
		return ConfigFileName
	}

	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		path := filepath.Join(xdgHome, ConfigDirName, "config.yaml")
		if fileExists(path) {
			return path
		}
	}

	if home := os.Getenv("HOME"); home != "" {
		path := filepath.Join(home, ".config", ConfigDirName, "config.yaml")
		if fileExists(path) {
			return path
		}
	}

	path := filepath.Join("/etc", ConfigDirName, "config.yaml")
	if fileExists(path) {
		return path
	}
	return ""
}

// EnsureConfigDir creates the directory that will hold configPath.
func EnsureConfigDir(configPath string) error {
	return os.MkdirAll(filepath.Dir(configPath), 0o755)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
