// Package config loads the agent's configuration file, shaped after
// theMichaelB-obsync's internal/config package (the pack's clearest
// example of a defaults+validate+ensure-directories config object) but
// serialized with gopkg.in/yaml.v3, the teacher's own YAML dependency,
// rather than viper (which the teacher never imports).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named across spec §4 and §6.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Sig      SignatureConfig `yaml:"signature"`
	Scan     ScanConfig     `yaml:"scan"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Op       OpConfig       `yaml:"op"`
	Log      LogConfig      `yaml:"log"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Security SecurityConfig `yaml:"security"`
	Roots    []RootConfig   `yaml:"roots"`
}

// RootConfig names one subtree to mount at startup — spec.md has no RPC
// verb for mounting a device, so the config file is where a root's
// tree_type/path/remote is declared, the same "config content is
// in-scope, its loading mechanics aren't" split SPEC_FULL.md draws for
// this package as a whole.
type RootConfig struct {
	TreeType     string `yaml:"tree_type"` // "LOCAL" or "GDRIVE"
	Path         string `yaml:"path,omitempty"`   // LOCAL: absolute filesystem path
	Remote       string `yaml:"remote,omitempty"` // GDRIVE: rclone remote string, e.g. "gdrive:"
	FriendlyName string `yaml:"friendly_name"`

	// Encrypt wraps the GDRIVE remote in a temporary rclone crypt remote
	// (backend/clouddrive.WrapWithCrypt) before mounting, so the cloud
	// side ever only sees ciphertext content and (optionally) obfuscated
	// names. Validate rejects a LOCAL root with encrypt.enabled set.
	Encrypt EncryptConfig `yaml:"encrypt"`
}

type EncryptConfig struct {
	Enabled          bool   `yaml:"enabled"`
	PasswordEnvVar   string `yaml:"password_env_var"`   // env var holding the crypt password; never stored in the config file itself
	Password2EnvVar  string `yaml:"password2_env_var"`  // optional salt password, same convention
	FilenameEncrypt  string `yaml:"filename_encrypt"`   // "standard" | "obfuscate" | "off"
	DirNameEncrypt   bool   `yaml:"dir_name_encrypt"`
}

type ServerConfig struct {
	Port                 int    `yaml:"port"`
	ConnectionTimeoutSec int    `yaml:"connection_timeout_sec"`
	NoServerLaunch       bool   `yaml:"-"` // CLI-only flag, never persisted
}

type StorageConfig struct {
	CacheDirPath string `yaml:"cache_dir_path"`
}

type CacheConfig struct {
	UIDReservationBlockSize    uint32 `yaml:"uid_reservation_block_size"`
	SyncFromLocalDiskOnLoad    bool   `yaml:"sync_from_local_disk_on_cache_load"`
	SyncFromGDriveOnLoad       bool   `yaml:"sync_from_gdrive_on_cache_load"`
}

type SignatureConfig struct {
	BytesPerBatchHighWatermark int64 `yaml:"bytes_per_batch_high_watermark"`
	BatchIntervalMs            int   `yaml:"batch_interval_ms"`
}

type ScanConfig struct {
	LocalChangeBatchIntervalMs int  `yaml:"local_change_batch_interval_ms"`
	EnableLiveMonitor          bool `yaml:"enable_live_monitor"`
	// PeriodicRescanIntervalSec, when > 0, schedules a full rescan on top
	// of live-monitor events via cachemgr.Manager.ScheduleRefresh's
	// robfig/cron backing — a safety net for changes a live monitor can
	// miss (e.g. events dropped during a brief fsnotify buffer overflow).
	PeriodicRescanIntervalSec int `yaml:"periodic_rescan_interval_sec"`
}

type CloudConfig struct {
	PollIntervalSec int  `yaml:"poll_interval_sec"`
	PollingEnabled  bool `yaml:"polling_enabled"`
}

type OpConfig struct {
	CancelAllPendingOpsOnStartup bool   `yaml:"cancel_all_pending_ops_on_startup"`
	UpdateMetaForDstNodes        bool   `yaml:"update_meta_for_dst_nodes"`
	IsSecondsPrecisionEnough     bool   `yaml:"is_seconds_precision_enough"`
	DirConflictPolicy            string `yaml:"dir_conflict_policy"`
	FileConflictPolicy           string `yaml:"file_conflict_policy"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type DiscoveryConfig struct {
	ZeroconfDiscoveryTimeoutSec int `yaml:"zeroconf_discovery_timeout_sec"`
}

// Default returns a Config with the defaults spec.md's tunables imply.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	cacheDir := filepath.Join(home, ".syncagent", "cache")

	return &Config{
		Server: ServerConfig{Port: 47990, ConnectionTimeoutSec: 30},
		Storage: StorageConfig{CacheDirPath: cacheDir},
		Cache: CacheConfig{
			UIDReservationBlockSize: 100,
			SyncFromLocalDiskOnLoad: true,
			SyncFromGDriveOnLoad:    false,
		},
		Sig: SignatureConfig{
			BytesPerBatchHighWatermark: 64 * 1024 * 1024,
			BatchIntervalMs:            250,
		},
		Scan: ScanConfig{
			LocalChangeBatchIntervalMs: 500,
			EnableLiveMonitor:          true,
		},
		Cloud: CloudConfig{
			PollIntervalSec: 60,
			PollingEnabled:  false,
		},
		Op: OpConfig{
			CancelAllPendingOpsOnStartup: false,
			UpdateMetaForDstNodes:        true,
			IsSecondsPrecisionEnough:     true,
			DirConflictPolicy:            "SKIP",
			FileConflictPolicy:           "SKIP",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Discovery: DiscoveryConfig{ZeroconfDiscoveryTimeoutSec: 5},
		Security: SecurityConfig{CredentialProtectionEnabled: false},
	}
}

// Load reads path (interpolating $PROJECT_DIR per spec §6), falling back
// to defaults for any field the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(interpolate(path))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Storage.CacheDirPath = interpolate(cfg.Storage.CacheDirPath)
	return cfg, cfg.Validate()
}

// interpolate expands $PROJECT_DIR in config path strings, per spec §6.
func interpolate(s string) string {
	if !strings.Contains(s, "$PROJECT_DIR") {
		return s
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return strings.ReplaceAll(s, "$PROJECT_DIR", wd)
}

// Validate checks configuration validity before startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range: %d", c.Server.Port)
	}
	if c.Storage.CacheDirPath == "" {
		return fmt.Errorf("config: storage.cache_dir_path is required")
	}
	if c.Cache.UIDReservationBlockSize == 0 {
		return fmt.Errorf("config: cache.uid_reservation_block_size must be positive")
	}
	validPolicy := map[string]bool{"OVERWRITE": true, "SKIP": true, "RENAME": true, "FAIL": true}
	if !validPolicy[c.Op.DirConflictPolicy] {
		return fmt.Errorf("config: invalid op.dir_conflict_policy: %s", c.Op.DirConflictPolicy)
	}
	if !validPolicy[c.Op.FileConflictPolicy] {
		return fmt.Errorf("config: invalid op.file_conflict_policy: %s", c.Op.FileConflictPolicy)
	}
	for i, root := range c.Roots {
		switch root.TreeType {
		case "LOCAL":
			if root.Path == "" {
				return fmt.Errorf("config: roots[%d]: LOCAL root requires path", i)
			}
		case "GDRIVE":
			if root.Remote == "" {
				return fmt.Errorf("config: roots[%d]: GDRIVE root requires remote", i)
			}
		default:
			return fmt.Errorf("config: roots[%d]: invalid tree_type %q", i, root.TreeType)
		}
		if root.Encrypt.Enabled {
			if root.TreeType != "GDRIVE" {
				return fmt.Errorf("config: roots[%d]: encrypt.enabled only applies to GDRIVE roots", i)
			}
			if root.Encrypt.PasswordEnvVar == "" {
				return fmt.Errorf("config: roots[%d]: encrypt.enabled requires password_env_var", i)
			}
		}
	}
	return nil
}

// EnsureDirectories creates cache_dir_path if absent.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.CacheDirPath, 0700); err != nil {
		return fmt.Errorf("config: create cache dir: %w", err)
	}
	return nil
}

// ConnectionTimeout returns the configured RPC timeout as a duration.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.Server.ConnectionTimeoutSec) * time.Second
}

// Save validates and writes c back to path, the put_config RPC's
// persistence half.
func (c *Config) Save(path string) error {
	if path == "" {
		return fmt.Errorf("config: no path to save to")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(interpolate(path)), 0700); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}
	return os.WriteFile(interpolate(path), data, 0600)
}
