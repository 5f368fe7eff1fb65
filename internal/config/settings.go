package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotConfigured is returned when no settings directory has been recorded.
var ErrNotConfigured = errors.New("configuration is not set")

// FileName is the config file kept inside the settings directory.
const FileName = "config.yaml"

// Settings records which directory holds config.yaml. The pointer lives in
// a one-line file under the user's config directory.
type Settings struct {
	pointer string
}

// NewSettings uses <os.UserConfigDir>/gloader/settings as the pointer file.
func NewSettings() (*Settings, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return &Settings{pointer: filepath.Join(dir, "gloader", "settings")}, nil
}

// NewSettingsAt uses an explicit pointer file.
func NewSettingsAt(pointer string) *Settings {
	return &Settings{pointer: pointer}
}

// ConfigPath returns the recorded config file path.
func (s *Settings) ConfigPath() (string, error) {
	data, err := os.ReadFile(s.pointer)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotConfigured
	}
	if err != nil {
		return "", fmt.Errorf("failed to read settings pointer: %w", err)
	}

	dir := strings.TrimSpace(string(data))
	if dir == "" {
		return "", ErrNotConfigured
	}
	return filepath.Join(dir, FileName), nil
}

// Set records dir and seeds a default config.yaml there when none exists.
// It returns the config path.
func (s *Settings) Set(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve settings directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create settings directory: %w", err)
	}

	cfgPath := filepath.Join(dir, FileName)
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefault(cfgPath, dir); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.pointer), 0o700); err != nil {
		return "", fmt.Errorf("failed to create settings pointer directory: %w", err)
	}
	if err := os.WriteFile(s.pointer, []byte(dir+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write settings pointer: %w", err)
	}
	return cfgPath, nil
}

// Drop forgets the recorded directory. The config file itself is kept.
func (s *Settings) Drop() error {
	if err := os.Remove(s.pointer); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove settings pointer: %w", err)
	}
	return nil
}

// WriteDefault writes a starter config at path whose state lives in dir.
func WriteDefault(path, dir string) error {
	cfg := Config{
		Local: LocalConfig{
			Path: "$HOME/gloader",
		},
		Remote: RemoteConfig{
			Backend:  BackendDrive,
			Folder:   "gloader",
			ParentID: "root",
			Create:   true,
		},
		Drive: DriveConfig{
			CredentialsFile: filepath.Join(dir, "credentials.json"),
			Scopes:          DefaultDriveScopes,
		},
		Sync: SyncConfig{
			Confirm: ConfirmPrompt,
		},
		Paths: PathsConfig{
			StateDir: filepath.Join(dir, "state"),
		},
		Logs: LogsConfig{
			Dir:  filepath.Join(dir, "logs"),
			Keep: true,
		},
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}
