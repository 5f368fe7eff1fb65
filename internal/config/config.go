package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfirmPolicy defines whether pull and push ask before applying changes
type ConfirmPolicy string

const (
	ConfirmAlways ConfirmPolicy = "always"
	ConfirmNever  ConfirmPolicy = "never"
	ConfirmPrompt ConfirmPolicy = "prompt"
)

// Backend selects the remote store implementation
type Backend string

const (
	BackendDrive Backend = "drive"
	BackendS3    Backend = "s3"
)

// DefaultDriveScopes grants full Drive access
var DefaultDriveScopes = []string{"https://www.googleapis.com/auth/drive"}

// Config represents the complete gloader configuration
type Config struct {
	Local   LocalConfig   `yaml:"local"`
	Remote  RemoteConfig  `yaml:"remote"`
	Drive   DriveConfig   `yaml:"drive"`
	S3      S3Config      `yaml:"s3"`
	Sync    SyncConfig    `yaml:"sync"`
	Paths   PathsConfig   `yaml:"paths"`
	Logs    LogsConfig    `yaml:"logs"`
	Metrics MetricsConfig `yaml:"metrics"`
	Serve   ServeConfig   `yaml:"serve"`
}

// LocalConfig configures the local side of the sync
type LocalConfig struct {
	Path      string   `yaml:"path"`
	BackupDir string   `yaml:"backup_dir"`
	Ignore    []string `yaml:"ignore"`
}

// RemoteConfig selects the remote folder to reconcile against
type RemoteConfig struct {
	Backend  Backend `yaml:"backend"`
	Folder   string  `yaml:"folder"`    // slash path below parent_id
	ParentID string  `yaml:"parent_id"` // defaults to the backend root
	Create   bool    `yaml:"create"`    // create missing folders in Folder
	RootName string  `yaml:"root_name"` // label shared by both trees
}

// DriveConfig configures Google Drive access
type DriveConfig struct {
	CredentialsFile string   `yaml:"credentials_file"`
	UseToken        bool     `yaml:"use_token"`
	TokenFile       string   `yaml:"token_file"`
	Scopes          []string `yaml:"scopes"`
	ChunkSize       int      `yaml:"chunk_size"`
}

// S3Config configures an S3-compatible bucket used as a hierarchy
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	PartSize     int64  `yaml:"part_size"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Confirm ConfirmPolicy `yaml:"confirm"`
	Retry   RetryConfig   `yaml:"retry"`
}

// RetryConfig configures retries around remote calls
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// PathsConfig configures local state paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// LogsConfig configures the dated log file
type LogsConfig struct {
	Dir  string `yaml:"dir"`
	Keep bool   `yaml:"keep"`
}

// MetricsConfig configures the metrics textfile
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// ServeConfig configures the change notification receiver
type ServeConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	ChannelTokenFile string        `yaml:"channel_token_file"`
	NotifyAddress    string        `yaml:"notify_address"`
	Debounce         time.Duration `yaml:"debounce"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	cfg.Logs.Keep = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Local.Path = os.ExpandEnv(c.Local.Path)
	c.Local.BackupDir = os.ExpandEnv(c.Local.BackupDir)
	c.Remote.Folder = os.ExpandEnv(c.Remote.Folder)
	c.Remote.ParentID = os.ExpandEnv(c.Remote.ParentID)
	c.Drive.CredentialsFile = os.ExpandEnv(c.Drive.CredentialsFile)
	c.Drive.TokenFile = os.ExpandEnv(c.Drive.TokenFile)
	c.S3.Bucket = os.ExpandEnv(c.S3.Bucket)
	c.S3.Endpoint = os.ExpandEnv(c.S3.Endpoint)
	c.S3.AccessKey = os.ExpandEnv(c.S3.AccessKey)
	c.S3.SecretKey = os.ExpandEnv(c.S3.SecretKey)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Logs.Dir = os.ExpandEnv(c.Logs.Dir)
	c.Metrics.Textfile = os.ExpandEnv(c.Metrics.Textfile)
	c.Serve.ChannelTokenFile = os.ExpandEnv(c.Serve.ChannelTokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Remote.Backend == "" {
		c.Remote.Backend = BackendDrive
	}
	if c.Remote.ParentID == "" && c.Remote.Backend == BackendDrive {
		c.Remote.ParentID = "root"
	}
	if c.Remote.RootName == "" && c.Local.Path != "" {
		c.Remote.RootName = filepath.Base(c.Local.Path)
	}
	if c.Sync.Confirm == "" {
		c.Sync.Confirm = ConfirmPrompt
	}
	if c.Sync.Retry.MaxAttempts == 0 {
		c.Sync.Retry.MaxAttempts = 5
	}
	if c.Sync.Retry.InitialInterval == 0 {
		c.Sync.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Sync.Retry.MaxInterval == 0 {
		c.Sync.Retry.MaxInterval = 30 * time.Second
	}
	if len(c.Drive.Scopes) == 0 {
		c.Drive.Scopes = DefaultDriveScopes
	}
	if c.Drive.TokenFile == "" && c.Paths.StateDir != "" {
		c.Drive.TokenFile = filepath.Join(c.Paths.StateDir, "token.json")
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.S3.PartSize == 0 {
		c.S3.PartSize = 8 << 20
	}
	if c.Local.BackupDir == "" && c.Paths.StateDir != "" {
		c.Local.BackupDir = filepath.Join(c.Paths.StateDir, "backup")
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = 5 * time.Second
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Local.Path == "" {
		return fmt.Errorf("local.path is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Local.Path) {
		return fmt.Errorf("local.path must be an absolute path: %s", c.Local.Path)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if c.Local.BackupDir != "" && !filepath.IsAbs(c.Local.BackupDir) {
		return fmt.Errorf("local.backup_dir must be an absolute path: %s", c.Local.BackupDir)
	}

	if filepath.Clean(c.Paths.StateDir) == filepath.Clean(c.Local.Path) {
		return fmt.Errorf("paths.state_dir must differ from local.path")
	}
	if c.Local.BackupDir != "" && filepath.Clean(c.Local.BackupDir) == filepath.Clean(c.Local.Path) {
		return fmt.Errorf("local.backup_dir must differ from local.path")
	}

	switch c.Sync.Confirm {
	case ConfirmAlways, ConfirmNever, ConfirmPrompt:
		// valid
	default:
		return fmt.Errorf("invalid sync.confirm policy: %s (must be always, never, or prompt)", c.Sync.Confirm)
	}

	if c.Sync.Retry.MaxAttempts < 1 {
		return fmt.Errorf("sync.retry.max_attempts must be at least 1")
	}

	switch c.Remote.Backend {
	case BackendDrive:
		if c.Drive.CredentialsFile == "" {
			return fmt.Errorf("drive.credentials_file is required for the drive backend")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for the s3 backend")
		}
		if c.S3.PartSize < 5<<20 {
			return fmt.Errorf("s3.part_size must be at least 5 MiB")
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
			return fmt.Errorf("s3: access_key and secret_key must be set together")
		}
	default:
		return fmt.Errorf("invalid remote.backend: %s (must be drive or s3)", c.Remote.Backend)
	}

	return nil
}

// RootName returns the label shared by the local and remote trees
func (c *Config) RootName() string {
	if c.Remote.RootName != "" {
		return c.Remote.RootName
	}
	return filepath.Base(c.Local.Path)
}

// LockPath returns the path of the single-run lock file
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "gloader.lock")
}

// ReportPath returns the path of the last run report
func (c *Config) ReportPath() string {
	return filepath.Join(c.Paths.StateDir, "last-run.json")
}

// IgnoreLines returns local.ignore plus anchored patterns for the backup and
// state directories when they lie inside root.
func (c *Config) IgnoreLines(root string) []string {
	lines := append([]string(nil), c.Local.Ignore...)
	for _, dir := range []string{c.Local.BackupDir, c.Paths.StateDir} {
		if rel, ok := within(root, dir); ok {
			lines = append(lines, "/"+rel+"/")
		}
	}
	return lines
}

// within returns dir relative to root in slash form when dir lies strictly
// below root.
func within(root, dir string) (string, bool) {
	if root == "" || dir == "" {
		return "", false
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
