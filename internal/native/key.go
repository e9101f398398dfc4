// Package native fetches usage metrics from the independently tracked
// management source for side-by-side comparison with local telemetry.
package native

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

type managedKeyFile struct {
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

// LoadOrCreateKey returns the managed management-API key, generating and
// persisting a fresh one on first use.
func LoadOrCreateKey(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		var file managedKeyFile
		if err := json.Unmarshal(data, &file); err == nil && file.Key != "" {
			return file.Key, nil
		}
	}

	key := uuid.NewString()
	payload, err := json.MarshalIndent(managedKeyFile{
		Key:       key,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize managed key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", fmt.Errorf("create managed key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, payload, 0600); err != nil {
		return "", fmt.Errorf("write managed key file: %w", err)
	}
	return key, nil
}
