package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultHost is the well-known host the preview server binds to unless the
// user picked another one. Host resets (see connection.ResetHostToDefault)
// fall back to this value.
const DefaultHost = "127.0.0.1"

// DefaultPort is the first port tried when the user did not configure one.
const DefaultPort = 3000

// RefreshMode selects when connected browsers are told to reload.
type RefreshMode string

const (
	// RefreshOnAnyChange reloads on every workspace mutation, including
	// unsaved editor changes forwarded by the host.
	RefreshOnAnyChange RefreshMode = "onAnyChange"
	// RefreshOnSave reloads only when a file is saved to disk.
	RefreshOnSave RefreshMode = "onSave"
	// RefreshNever disables automatic reloads.
	RefreshNever RefreshMode = "never"
)

// ParseRefreshMode parses a string into a RefreshMode, defaulting to
// RefreshOnAnyChange for unknown values.
func ParseRefreshMode(s string) RefreshMode {
	switch RefreshMode(strings.TrimSpace(s)) {
	case RefreshOnSave:
		return RefreshOnSave
	case RefreshNever:
		return RefreshNever
	default:
		return RefreshOnAnyChange
	}
}

// Config represents the preview server configuration
type Config struct {
	Host                          string      `json:"host"`
	PreferredPort                 int         `json:"preferred_port"`
	RootPrefix                    string      `json:"root_prefix"`
	AutoRefreshMode               RefreshMode `json:"auto_refresh_mode"`
	ShowServerStatusNotifications bool        `json:"show_server_status_notifications"`
	IgnoreGlobs                   []string    `json:"ignore_globs,omitempty"`
	OpenBrowser                   bool        `json:"open_browser"`
	LogLevel                      string      `json:"log_level"` // debug, info, warn, error, none
	LogPath                       string      `json:"log_path,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "previewd")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "previewd")
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", "previewd")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "previewd")
	}
}

// DefaultConfig returns the configuration used when no file exists
func DefaultConfig() *Config {
	return &Config{
		Host:                          DefaultHost,
		PreferredPort:                 DefaultPort,
		RootPrefix:                    "",
		AutoRefreshMode:               RefreshOnAnyChange,
		ShowServerStatusNotifications: true,
		IgnoreGlobs:                   []string{"**/node_modules/**", "**/.git/**"},
		OpenBrowser:                   true,
		LogLevel:                      "info",
	}
}

// GetConfigPath returns the path of the configuration file
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	// Start with default config
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return cfg, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Ensure critical fields have defaults if still empty
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.PreferredPort <= 0 {
		cfg.PreferredPort = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.AutoRefreshMode = ParseRefreshMode(string(cfg.AutoRefreshMode))

	return cfg, nil
}

// Save writes the configuration to file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
