package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const apiTokenAccount = "api_token"

// SecretStore reads and writes secrets outside the config file.
type SecretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

// FileSecrets keeps secrets in a 0600 JSON file, by default
// $XDG_DATA_HOME/passwright/secrets.json.
type FileSecrets struct {
	Path string
}

// NewSecrets returns the default secret store.
func NewSecrets() FileSecrets {
	return FileSecrets{Path: filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), appName, "secrets.json")}
}

func (s FileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

// Get returns a stored secret.
func (s FileSecrets) Get(account string) (string, error) {
	secrets, err := s.read()
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	val, ok := secrets[account]
	if !ok {
		return "", fmt.Errorf("secret %q not found", account)
	}
	return val, nil
}

// Set stores a secret, creating the file when needed.
func (s FileSecrets) Set(account, value string) error {
	secrets, err := s.read()
	if err != nil || secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[account] = value

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, out, 0o600)
}

// GetAPIToken returns the bearer token for the HTTP API, generating and
// storing one on first use. PASSWRIGHT_API_TOKEN takes precedence.
func GetAPIToken(s SecretStore) (string, error) {
	if tok := os.Getenv("PASSWRIGHT_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := s.Get(apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.New().String()
	if err := s.Set(apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
