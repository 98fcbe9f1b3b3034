package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration read from strings like "5s" or "1m30s".
// Bare integers are taken as milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: must be like '5s', '1m' or milliseconds: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the application configuration, loaded from
// ~/.config/audioguard/config.toml.
type Config struct {
	Microphone MicrophoneConfig `toml:"microphone"`
	Session    SessionConfig    `toml:"session"`
	Server     ServerConfig     `toml:"server"`
	Log        LogConfig        `toml:"log"`
	Storage    StorageConfig    `toml:"storage"`
	Backend    BackendConfig    `toml:"backend"`
	Policies   []PolicyConfig   `toml:"policy"`
}

// MicrophoneConfig tunes the self-correction loop. Volumes are percentages.
type MicrophoneConfig struct {
	TargetVolume    float64  `toml:"target_volume"`
	SmallHysteresis float64  `toml:"small_hysteresis"`
	Hysteresis      float64  `toml:"hysteresis"`
	AdjustDelay     Duration `toml:"adjust_delay"`
	// ControlEnabled is written into the preferences of a device seen for
	// the first time. Afterwards each device's own flag applies.
	ControlEnabled bool `toml:"control_enabled"`
}

// SessionConfig tunes session enforcement.
type SessionConfig struct {
	LogAdjustments bool `toml:"log_adjustments"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// LogConfig sets the initial log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// StorageConfig locates persisted state. Empty means the default path.
type StorageConfig struct {
	Preferences string `toml:"preferences"`
}

// BackendConfig selects the native endpoint backend.
type BackendConfig struct {
	// Kind is "simulator", "applescript" or "none".
	Kind string `toml:"kind"`
	// Scenario is an optional YAML scenario for the simulator.
	Scenario string `toml:"scenario"`
}

// PolicyConfig is one [[policy]] entry. Volume is a percentage.
type PolicyConfig struct {
	Process  string  `toml:"process"`
	Strategy string  `toml:"strategy"`
	Volume   float64 `toml:"volume"`
}

const (
	BackendSimulator   = "simulator"
	BackendAppleScript = "applescript"
	BackendNone        = "none"
)

var (
	// DefaultVolume is the fallback microphone target percentage.
	DefaultVolume = 50.0
	// DefaultAdjustDelay is how long a drift must settle before correction.
	DefaultAdjustDelay = 5 * time.Second
	// DefaultAddr is the HTTP listen address.
	DefaultAddr = "127.0.0.1:8787"
)

// DefaultConfig returns the initial configuration.
func DefaultConfig() Config {
	return Config{
		Microphone: MicrophoneConfig{
			TargetVolume:    DefaultVolume,
			SmallHysteresis: 1,
			Hysteresis:      5,
			AdjustDelay:     Duration(DefaultAdjustDelay),
			ControlEnabled:  true,
		},
		Server:  ServerConfig{Addr: DefaultAddr},
		Log:     LogConfig{Level: "info"},
		Backend: BackendConfig{Kind: BackendSimulator},
	}
}

// Parse decodes TOML over the defaults and normalizes the result.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return Normalize(cfg)
}

// Store persists configuration so the CLI and the web interface share it.
type Store interface {
	Load() (Config, error)
	Save(Config) error
}

// FileStore implements Store using a TOML file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store under the supplied path. Parent directories are created automatically.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the configuration file or returns defaults if it does not exist.
func (s *FileStore) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Save writes the configuration to disk atomically.
func (s *FileStore) Save(cfg Config) error {
	cfg, err := Normalize(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename tmp: %w", err)
	}
	return nil
}
