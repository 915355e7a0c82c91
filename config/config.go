package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "meshcoord"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "MESHCOORD_DATA_DIR"
	// AdminSecretEnv overrides the configured admin secret without writing it
	// to disk.
	AdminSecretEnv = "MESHCOORD_ADMIN_SECRET"
	// DefaultListenAddress is used when no address is configured.
	DefaultListenAddress = ":8080"

	LogFormatJSON    = "json"
	LogFormatConsole = "console"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Duration is a time.Duration persisted as a Go duration string ("90s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Limits are the size and count caps enforced at the edges.
type Limits struct {
	MaxConnections     int   `json:"max_connections"`
	MaxFrameSize       int   `json:"max_frame_size"`
	MaxSignalFrameSize int   `json:"max_signal_frame_size"`
	ConnectionsPerMin  int   `json:"connections_per_minute"`
	ChunkCacheEntries  int   `json:"chunk_cache_entries"`
	ChunkCacheBytes    int64 `json:"chunk_cache_bytes"`
	MaxRooms           int   `json:"max_rooms"`
	MaxRoomMembers     int   `json:"max_room_members"`
}

// TTLs are the expiry horizons of coordinator state.
type TTLs struct {
	RelayStale      Duration `json:"relay_stale"`
	ChunkCache      Duration `json:"chunk_cache"`
	Rendezvous      Duration `json:"rendezvous"`
	Nonce           Duration `json:"nonce"`
	Session         Duration `json:"session"`
	Server          Duration `json:"server"`
	SecurityEvents  Duration `json:"security_events"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// Config contains persistent coordinator settings.
type Config struct {
	InstanceID   string `json:"instance_id"`
	InstanceName string `json:"instance_name"`

	ListenAddress string `json:"listen_address"`
	TLSCertFile   string `json:"tls_cert_file,omitempty"`
	TLSKeyFile    string `json:"tls_key_file,omitempty"`
	EnableHTTP3   bool   `json:"enable_http3"`

	AdminSecret string `json:"admin_secret,omitempty"`

	SessionPrivateKeyPath string `json:"session_private_key_path"`
	SessionPublicKeyPath  string `json:"session_public_key_path"`
	BuildPublicKeyPath    string `json:"build_public_key_path"`

	AdvertiseMDNS bool `json:"advertise_mdns"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	Limits Limits `json:"limits"`
	TTLs   TTLs   `json:"ttls"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MESHCOORD_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// config, its path and the data directory.
func LoadOrCreate() (*Config, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	case err != nil:
		return nil, "", "", err
	default:
		if normalizeDefaults(cfg, dataDir) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", "", err
			}
		}
	}

	if secret := os.Getenv(AdminSecretEnv); secret != "" {
		cfg.AdminSecret = secret
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", "", err
	}
	return cfg, cfgPath, dataDir, nil
}

// Validate reports settings that cannot be served.
func (c *Config) Validate() error {
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}
	if c.EnableHTTP3 && c.TLSCertFile == "" {
		return errors.New("enable_http3 requires TLS")
	}
	switch c.LogFormat {
	case LogFormatJSON, LogFormatConsole:
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	if c.AdminSecret != "" && len(c.AdminSecret) < 16 {
		return errors.New("admin_secret must be at least 16 characters")
	}
	return nil
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

// normalizeDefaults fills unset fields and reports whether anything changed.
func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if *field <= 0 {
			*field = Duration(value)
			updated = true
		}
	}

	setString(&cfg.InstanceID, uuid.NewString())
	instanceName := "meshcoord"
	if host, err := os.Hostname(); err == nil && host != "" {
		instanceName = host
	}
	setString(&cfg.InstanceName, instanceName)
	setString(&cfg.ListenAddress, DefaultListenAddress)
	setString(&cfg.SessionPrivateKeyPath, filepath.Join(keysDir, "session_ed25519_private.pem"))
	setString(&cfg.SessionPublicKeyPath, filepath.Join(keysDir, "session_ed25519_public.pem"))
	setString(&cfg.BuildPublicKeyPath, filepath.Join(keysDir, "build_ed25519_public.pem"))
	setString(&cfg.LogLevel, "info")
	setString(&cfg.LogFormat, LogFormatJSON)

	l := &cfg.Limits
	setInt(&l.MaxConnections, 4096)
	setInt(&l.MaxFrameSize, 512<<10)
	setInt(&l.MaxSignalFrameSize, 80<<10)
	setInt(&l.ConnectionsPerMin, 60)
	setInt(&l.ChunkCacheEntries, 512)
	setInt(&l.MaxRooms, 1024)
	setInt(&l.MaxRoomMembers, 8)
	if l.ChunkCacheBytes <= 0 {
		l.ChunkCacheBytes = 32 << 20
		updated = true
	}

	ttl := &cfg.TTLs
	setDuration(&ttl.RelayStale, 90*time.Second)
	setDuration(&ttl.ChunkCache, 30*time.Minute)
	setDuration(&ttl.Rendezvous, 5*time.Minute)
	setDuration(&ttl.Nonce, 5*time.Minute)
	setDuration(&ttl.Session, 24*time.Hour)
	setDuration(&ttl.Server, 5*time.Minute)
	setDuration(&ttl.SecurityEvents, 90*24*time.Hour)
	setDuration(&ttl.ShutdownTimeout, 15*time.Second)

	return updated
}
