package session

import (
	"fmt"
	"os"
	"strings"
)

// SaveToken writes the session credential with owner-only permissions.
func SaveToken(name, token string) error {
	if err := EnsureDir(name); err != nil {
		return fmt.Errorf("ensure session dir: %w", err)
	}
	if err := os.WriteFile(TokenPath(name), []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// LoadToken reads the stored credential. Returns "" when no token exists.
func LoadToken(name string) (string, error) {
	raw, err := os.ReadFile(TokenPath(name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// ClearToken removes the stored credential, typically after the server
// rejects it.
func ClearToken(name string) error {
	err := os.Remove(TokenPath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
