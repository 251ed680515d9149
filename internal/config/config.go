package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for docsync.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Database   DatabaseConfig   `toml:"database"`
	Store      StoreConfig      `toml:"store"`
	Vault      VaultConfig      `toml:"vault"`
	Encryption EncryptionConfig `toml:"encryption"`
	Engine     EngineConfig     `toml:"engine"`
	Backups    BackupsConfig    `toml:"backups"`
	Watch      WatchConfig      `toml:"watch"`
}

// DatabaseConfig configures the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StoreConfig configures the primary document store the engine reconciles
// against.
type StoreConfig struct {
	Type string `toml:"type"` // "filesystem" or "memory"

	// Root of the document tree (only used when Type == "filesystem").
	Root string `toml:"root,omitempty"`
}

// VaultConfig configures the backup blob store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "filesystem", "s3", or "memory"

	// Filesystem-specific (only used when Type == "filesystem").
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`

	// S3-specific (only used when Type == "s3").
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`
}

// EncryptionConfig holds paths to the age key pair protecting backup blobs.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// EngineConfig tunes the executor and conflict resolution.
type EngineConfig struct {
	WorkerWidth    int      `toml:"worker_width"`    // concurrent operations, default 10
	MaxRetries     int      `toml:"max_retries"`     // attempts before failed, default 5
	AttemptTimeout Duration `toml:"attempt_timeout"` // per-attempt bound, default 30s
	StaleAfter     Duration `toml:"stale_after"`     // executing-reclaim threshold, default 5m
	PollInterval   Duration `toml:"poll_interval"`   // queue poll period, default 1s

	// ConflictStrategy is the default resolution strategy:
	// "last-writer-wins", "three-way-merge", or "user-choice".
	ConflictStrategy string `toml:"conflict_strategy"`

	// StrategyOverrides map path patterns to strategies; first match wins.
	StrategyOverrides []StrategyOverride `toml:"strategy_overrides"`
}

// StrategyOverride binds a filepath.Match pattern to a strategy.
type StrategyOverride struct {
	Pattern  string `toml:"pattern"`
	Strategy string `toml:"strategy"`
}

// BackupsConfig bounds backup retention.
type BackupsConfig struct {
	MaxAge     Duration `toml:"max_age"`      // zero means unbounded
	MaxPerPath int      `toml:"max_per_path"` // zero means unbounded
}

// WatchConfig configures the filesystem watcher that turns local edits into
// queued operations.
type WatchConfig struct {
	Enabled  bool     `toml:"enabled"`
	Debounce Duration `toml:"debounce"` // default 500ms
}

// Duration wraps time.Duration so TOML values read as "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a Config with sensible defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Store: StoreConfig{
			Type: "filesystem",
			Root: filepath.Join(baseDir, "documents"),
		},
		Vault: VaultConfig{
			Type:        "filesystem",
			FSVaultRoot: filepath.Join(baseDir, "vault"),
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "docsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "docsync.key"),
		},
		Engine: EngineConfig{
			WorkerWidth:      10,
			MaxRetries:       5,
			AttemptTimeout:   Duration{30 * time.Second},
			StaleAfter:       Duration{5 * time.Minute},
			PollInterval:     Duration{time.Second},
			ConflictStrategy: "user-choice",
		},
		Watch: WatchConfig{
			Debounce: Duration{500 * time.Millisecond},
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
