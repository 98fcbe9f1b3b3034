package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[microphone]
target_volume = 65
small_hysteresis = 2
hysteresis = 8
adjust_delay = "2s"
control_enabled = false

[session]
log_adjustments = true

[server]
addr = ":9000"

[log]
level = "debug"

[[policy]]
process = "game.exe"
strategy = "decrease_from_full"
volume = 40

[[policy]]
process = "spotify"
strategy = "Force"
volume = 60
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 65.0, cfg.Microphone.TargetVolume)
	assert.Equal(t, 2.0, cfg.Microphone.SmallHysteresis)
	assert.Equal(t, 8.0, cfg.Microphone.Hysteresis)
	assert.Equal(t, 2*time.Second, cfg.Microphone.AdjustDelay.Duration())
	assert.False(t, cfg.Microphone.ControlEnabled)
	assert.True(t, cfg.Session.LogAdjustments)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, BackendSimulator, cfg.Backend.Kind)

	require.Len(t, cfg.Policies, 2)
	assert.Equal(t, "decrease-from-full", cfg.Policies[0].Strategy)
	assert.Equal(t, "force", cfg.Policies[1].Strategy)
	assert.Equal(t, 60.0, cfg.Policies[1].Volume)
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("[session]\nlog_adjustments = true\n"))
	require.NoError(t, err)
	def := DefaultConfig()
	assert.Equal(t, def.Microphone, cfg.Microphone)
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
}

func TestDurationMilliseconds(t *testing.T) {
	cfg, err := Parse([]byte("[microphone]\nadjust_delay = \"1500\"\n"))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Microphone.AdjustDelay.Duration())

	_, err = Parse([]byte("[microphone]\nadjust_delay = \"soon\"\n"))
	assert.Error(t, err)
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"target too high", func(c *Config) { c.Microphone.TargetVolume = 120 }},
		{"negative small hysteresis", func(c *Config) { c.Microphone.SmallHysteresis = -1 }},
		{"hysteresis below small", func(c *Config) { c.Microphone.SmallHysteresis = 6; c.Microphone.Hysteresis = 5 }},
		{"negative delay", func(c *Config) { c.Microphone.AdjustDelay = Duration(-time.Second) }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"backend", func(c *Config) { c.Backend.Kind = "wasapi" }},
		{"policy without process", func(c *Config) { c.Policies = []PolicyConfig{{Strategy: "force", Volume: 10}} }},
		{"policy strategy", func(c *Config) { c.Policies = []PolicyConfig{{Process: "a", Strategy: "louder", Volume: 10}} }},
		{"policy volume", func(c *Config) { c.Policies = []PolicyConfig{{Process: "a", Strategy: "force", Volume: 101}} }},
		{"duplicate policy", func(c *Config) {
			c.Policies = []PolicyConfig{{Process: "a", Strategy: "force"}, {Process: "A", Strategy: "ignore"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := Normalize(cfg)
			assert.Error(t, err)
		})
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audioguard", "config.toml")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	cfg, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg.Microphone.TargetVolume = 72
	cfg.Policies = []PolicyConfig{{Process: "zoom", Strategy: "increase-from-mute", Volume: 80}}
	require.NoError(t, store.Save(cfg))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	cfg.Microphone.TargetVolume = -3
	assert.Error(t, store.Save(cfg))
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "", ResolvePath("/etc/audioguard/config.toml", ""))
	assert.Equal(t, "/abs/devices.yaml", ResolvePath("/etc/audioguard/config.toml", "/abs/devices.yaml"))
	assert.Equal(t, filepath.Join("/etc/audioguard", "scenario.yaml"), ResolvePath("/etc/audioguard/config.toml", "scenario.yaml"))
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []Config
	w, err := NewWatcher(store, func(c Config) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer func() { assert.NoError(t, w.Stop()) }()

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.toml"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("[microphone]\ntarget_volume = 300\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range got {
			if c.Microphone.TargetVolume == 65 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, c := range got {
		assert.NotEqual(t, 300.0, c.Microphone.TargetVolume, "invalid config must not be delivered")
	}
}
