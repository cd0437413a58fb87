package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix namespaces environment overrides, e.g. STMTX_IMAP_USERNAME.
const envPrefix = "STMTX"

// Cache backends.
const (
	CacheBackendJSON   = "json"
	CacheBackendSQLite = "sqlite"
)

// IMAPConfig holds the mailbox connection settings. The app secret is not
// part of the file; it comes from the environment or the keyring.
type IMAPConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      string `mapstructure:"port" yaml:"port"`
	Username  string `mapstructure:"username" yaml:"username"`
	Secret    string `mapstructure:"secret" yaml:"-"`
	Mailbox   string `mapstructure:"mailbox" yaml:"mailbox"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`
}

// CacheConfig selects where passwords and the extraction ledger live.
type CacheConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ExtractionConfig controls which messages count as statements.
type ExtractionConfig struct {
	SubjectTerm string `mapstructure:"subject_term" yaml:"subject_term"`
	WindowDays  int    `mapstructure:"window_days" yaml:"window_days"`
}

// Window returns the trailing search window for bulk extraction.
func (c ExtractionConfig) Window() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}

// KeyringConfig configures the keyring used for the IMAP app secret.
type KeyringConfig struct {
	FileDir string `mapstructure:"file_dir" yaml:"file_dir"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	IMAP       IMAPConfig       `mapstructure:"imap" yaml:"imap"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Extraction ExtractionConfig `mapstructure:"extraction" yaml:"extraction"`
	Keyring    KeyringConfig    `mapstructure:"keyring" yaml:"keyring"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// ConfigDir returns ~/.config/statement-extractor.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "statement-extractor")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/statement-extractor/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		IMAP: IMAPConfig{
			Host:      "imap.gmail.com",
			Port:      "993",
			Mailbox:   "INBOX",
			BatchSize: 50,
		},
		Cache: CacheConfig{
			Backend: CacheBackendJSON,
			Path:    filepath.Join(ConfigDir(), "cache.json"),
		},
		Extraction: ExtractionConfig{
			SubjectTerm: "statement",
			WindowDays:  730,
		},
		Keyring: KeyringConfig{
			FileDir: filepath.Join(ConfigDir(), "credentials"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func setDefaults(v *viper.Viper, cfg *AppConfig) {
	v.SetDefault("imap.host", cfg.IMAP.Host)
	v.SetDefault("imap.port", cfg.IMAP.Port)
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.secret", "")
	v.SetDefault("imap.mailbox", cfg.IMAP.Mailbox)
	v.SetDefault("imap.batch_size", cfg.IMAP.BatchSize)
	v.SetDefault("cache.backend", cfg.Cache.Backend)
	v.SetDefault("cache.path", cfg.Cache.Path)
	v.SetDefault("extraction.subject_term", cfg.Extraction.SubjectTerm)
	v.SetDefault("extraction.window_days", cfg.Extraction.WindowDays)
	v.SetDefault("keyring.file_dir", cfg.Keyring.FileDir)
	v.SetDefault("log.level", cfg.Log.Level)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with STMTX_ override file values. If the
// file does not exist, defaults plus environment are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := defaultAppConfig()
	setDefaults(v, defaults)

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	cfg.Cache.Path = expandHome(cfg.Cache.Path)
	cfg.Keyring.FileDir = expandHome(cfg.Keyring.FileDir)

	return cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.Cache.Backend {
	case CacheBackendJSON, CacheBackendSQLite:
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.IMAP.BatchSize < 1 {
		return fmt.Errorf("imap.batch_size must be positive, got %d", c.IMAP.BatchSize)
	}
	if c.Extraction.WindowDays < 1 {
		return fmt.Errorf("extraction.window_days must be positive, got %d", c.Extraction.WindowDays)
	}
	if strings.TrimSpace(c.Extraction.SubjectTerm) == "" {
		return fmt.Errorf("extraction.subject_term must not be empty")
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed. The IMAP secret is never written.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("imap.host", cfg.IMAP.Host)
	v.Set("imap.port", cfg.IMAP.Port)
	v.Set("imap.username", cfg.IMAP.Username)
	v.Set("imap.mailbox", cfg.IMAP.Mailbox)
	v.Set("imap.batch_size", cfg.IMAP.BatchSize)
	v.Set("cache", cfg.Cache)
	v.Set("extraction", cfg.Extraction)
	v.Set("keyring", cfg.Keyring)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
