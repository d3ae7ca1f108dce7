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
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanphone"
	// DefaultSignalPort is the TCP call-setup port used in fixed port mode.
	DefaultSignalPort = 12345
	// DefaultMediaPort is the UDP port this node receives call audio on.
	DefaultMediaPort = 12346
	// DefaultDiscoveryPort is the UDP port presence beacons are broadcast to.
	DefaultDiscoveryPort = 12347
	// DefaultAnnounceIntervalMS is the presence re-announce cadence.
	DefaultAnnounceIntervalMS = 2000
	// DefaultRingTimeoutMS bounds how long an outbound invite waits for an answer.
	DefaultRingTimeoutMS = 15000
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// PortModeAutomatic picks an available signaling port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured signaling port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// dataDirEnv overrides the resolved data directory.
	dataDirEnv = "LANPHONE_DATA_DIR"
)

// DeviceConfig contains persistent local-node settings. Fields tagged with env
// can be overridden per launch without touching the file.
type DeviceConfig struct {
	DeviceID           string `json:"device_id"`
	DeviceName         string `json:"device_name" env:"LANPHONE_NAME"`
	PortMode           string `json:"port_mode" env:"LANPHONE_PORT_MODE"`
	SignalPort         int    `json:"signal_port" env:"LANPHONE_SIGNAL_PORT"`
	MediaPort          int    `json:"media_port" env:"LANPHONE_MEDIA_PORT"`
	DiscoveryPort      int    `json:"discovery_port" env:"LANPHONE_DISCOVERY_PORT"`
	AnnounceIntervalMS int    `json:"announce_interval_ms" env:"LANPHONE_ANNOUNCE_INTERVAL_MS"`
	PeerTTLMS          int    `json:"peer_ttl_ms" env:"LANPHONE_PEER_TTL_MS"`
	RingTimeoutMS      int    `json:"ring_timeout_ms" env:"LANPHONE_RING_TIMEOUT_MS"`
	MDNSEnabled        bool   `json:"mdns_enabled" env:"LANPHONE_MDNS"`
	LogLevel           string `json:"log_level" env:"LANPHONE_LOG_LEVEL"`
}

// AnnounceInterval returns the configured presence cadence.
func (c *DeviceConfig) AnnounceInterval() time.Duration {
	return time.Duration(c.AnnounceIntervalMS) * time.Millisecond
}

// PeerTTL returns how long a silent peer stays visible. Zero means three
// announce intervals.
func (c *DeviceConfig) PeerTTL() time.Duration {
	if c.PeerTTLMS <= 0 {
		return 3 * c.AnnounceInterval()
	}
	return time.Duration(c.PeerTTLMS) * time.Millisecond
}

// RingTimeout bounds the Connecting/Ringing phase of an outbound call.
func (c *DeviceConfig) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutMS) * time.Millisecond
}

// SignalListenAddress is the TCP address the call-setup server binds.
func (c *DeviceConfig) SignalListenAddress() string {
	if c.PortMode == PortModeAutomatic {
		return ":0"
	}
	return fmt.Sprintf(":%d", c.SignalPort)
}

// Validate reports settings that cannot be used to start a node.
func (c *DeviceConfig) Validate() error {
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if len(c.DeviceName) > 64 {
		return fmt.Errorf("device name is longer than 64 bytes")
	}
	for name, port := range map[string]int{
		"media_port":     c.MediaPort,
		"discovery_port": c.DiscoveryPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.PortMode == PortModeFixed && (c.SignalPort <= 0 || c.SignalPort > 65535) {
		return fmt.Errorf("signal_port out of range: %d", c.SignalPort)
	}
	if c.AnnounceIntervalMS <= 0 {
		return errors.New("announce interval must be > 0")
	}
	if c.PeerTTLMS > 0 && c.PeerTTLMS <= c.AnnounceIntervalMS {
		return errors.New("peer ttl must exceed the announce interval")
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANPHONE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(dataDirEnv); override != "" {
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

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk without env overrides.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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

// ApplyEnv overlays LANPHONE_* environment variables onto cfg.
func ApplyEnv(cfg *DeviceConfig) error {
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return fmt.Errorf("read env overrides: %w", err)
	}
	cfg.PortMode = normalizePortMode(cfg.PortMode)
	if cfg.PortMode == "" {
		cfg.PortMode = PortModeFixed
	}
	return nil
}

// LoadOrCreate ensures the data directory and config exist, applies env
// overrides on top of the persisted values, and returns the result.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case err == nil:
		if normalizeDefaults(cfg) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *DeviceConfig {
	return &DeviceConfig{
		DeviceID:           uuid.NewString(),
		DeviceName:         defaultDeviceName(),
		PortMode:           PortModeFixed,
		SignalPort:         DefaultSignalPort,
		MediaPort:          DefaultMediaPort,
		DiscoveryPort:      DefaultDiscoveryPort,
		AnnounceIntervalMS: DefaultAnnounceIntervalMS,
		RingTimeoutMS:      DefaultRingTimeoutMS,
		LogLevel:           DefaultLogLevel,
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		if len(host) > 64 {
			host = host[:64]
		}
		return host
	}
	return "LAN Phone"
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if _, err := uuid.Parse(cfg.DeviceID); err != nil {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.SignalPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.SignalPort == 0 {
		cfg.SignalPort = DefaultSignalPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.SignalPort < 0 {
		cfg.SignalPort = 0
		updated = true
	}

	if cfg.MediaPort == 0 {
		cfg.MediaPort = DefaultMediaPort
		updated = true
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}
	if cfg.AnnounceIntervalMS <= 0 {
		cfg.AnnounceIntervalMS = DefaultAnnounceIntervalMS
		updated = true
	}
	if cfg.RingTimeoutMS <= 0 {
		cfg.RingTimeoutMS = DefaultRingTimeoutMS
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
