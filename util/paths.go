package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/stegofed"
)

// GetConfigDir returns the stegofed config directory path (~/.config/stegofed/)
// and creates it if it doesn't exist
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, AppConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// ResolveFilePath resolves a file path with the following priority:
// 1. Local working directory (e.g., ./database.db)
// 2. User config directory (e.g., ~/.config/stegofed/database.db)
// 3. Returns the user config directory path if neither exists (for creation)
//
// Absolute paths and in-memory sqlite names are returned unchanged.
func ResolveFilePath(filename string) string {
	if filepath.IsAbs(filename) || filename == ":memory:" {
		return filename
	}

	if _, err := os.Stat(filename); err == nil {
		return filename
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}

	return filepath.Join(configDir, filename)
}
