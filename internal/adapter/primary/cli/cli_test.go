package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioguard/internal/adapter/secondary/repository"
	"audioguard/internal/config"
	"audioguard/internal/domain"
	"audioguard/internal/logging"
)

const testScenario = `endpoints:
  - id: spk
    name: Speakers
    flow: render
    volume: 60
  - id: mic
    name: Microphone
    flow: capture
    volume: 80
defaults:
  console: spk
  multimedia: spk
  communications: mic
`

const testConfig = `[microphone]
target_volume = 50
adjust_delay = "10ms"

[storage]
preferences = "devices.yaml"

[backend]
kind = "simulator"
scenario = "host.yaml"

[[policy]]
process = "game.exe"
strategy = "decrease-from-full"
volume = 40

[[policy]]
process = "music"
strategy = "force"
volume = 60
`

// writeConfig lays out a config, scenario and preferences file in a temp dir
// and returns the config path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "host.yaml"), []byte(testScenario), 0o644))
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	t.Cleanup(func() {
		verbosity = 0
		logging.SetVerbosity(0)
	})
	return path
}

func run(t *testing.T, path string, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--config", path}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestOptionsFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Microphone.SmallHysteresis = 2
	cfg.Microphone.Hysteresis = 7
	cfg.Microphone.AdjustDelay = config.Duration(3 * time.Second)
	cfg.Microphone.TargetVolume = 65
	cfg.Microphone.ControlEnabled = false
	cfg.Session.LogAdjustments = true

	opts := optionsFrom(cfg)
	assert.Equal(t, 2.0, opts.Microphone.SmallHysteresis)
	assert.Equal(t, 7.0, opts.Microphone.Hysteresis)
	assert.Equal(t, 3*time.Second, opts.Microphone.Delay)
	assert.Equal(t, 65.0, opts.DefaultTarget)
	assert.False(t, opts.DefaultControl)
	assert.True(t, opts.LogAdjustments)
}

func TestRulesFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Policies = []config.PolicyConfig{
		{Process: "game.exe", Strategy: "decrease_from_full", Volume: 40},
		{Process: "call", Strategy: "increase-from-mute", Volume: 70},
	}
	rules, err := rulesFrom(cfg)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, domain.StrategyDecreaseFromFull, rules[0].Strategy)
	assert.InDelta(t, 0.4, rules[0].Volume, 1e-9)
	assert.Equal(t, domain.StrategyIncreaseFromMute, rules[1].Strategy)
	assert.InDelta(t, 0.7, rules[1].Volume, 1e-9)

	cfg.Policies = []config.PolicyConfig{{Process: "x", Strategy: "louder"}}
	_, err = rulesFrom(cfg)
	assert.ErrorIs(t, err, domain.ErrUnknownStrategy)
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "host.yaml"), []byte(testScenario), 0o644))

	cfg := config.DefaultConfig()

	cfg.Backend.Kind = config.BackendAppleScript
	enum, sim, err := openBackend(cfg, configPath)
	require.NoError(t, err)
	assert.NotNil(t, enum)
	assert.Nil(t, sim)

	cfg.Backend.Kind = config.BackendNone
	enum, sim, err = openBackend(cfg, configPath)
	require.NoError(t, err)
	assert.NotNil(t, enum)
	assert.Nil(t, sim)

	cfg.Backend.Kind = config.BackendSimulator
	_, sim, err = openBackend(cfg, configPath)
	require.NoError(t, err)
	require.NotNil(t, sim)
	assert.Len(t, sim.EndpointIDs(), 3, "demo scenario")

	cfg.Backend.Scenario = "host.yaml"
	_, sim, err = openBackend(cfg, configPath)
	require.NoError(t, err)
	require.NotNil(t, sim)
	assert.ElementsMatch(t, []string{"spk", "mic"}, sim.EndpointIDs())

	cfg.Backend.Scenario = "missing.yaml"
	_, _, err = openBackend(cfg, configPath)
	assert.Error(t, err)
}

func TestPreferencesPath(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, repository.DefaultPath(), preferencesPath(cfg, "/etc/audioguard/config.toml"))

	cfg.Storage.Preferences = "devices.yaml"
	assert.Equal(t, filepath.Join("/etc/audioguard", "devices.yaml"), preferencesPath(cfg, "/etc/audioguard/config.toml"))

	cfg.Storage.Preferences = "/var/lib/audioguard/devices.yaml"
	assert.Equal(t, "/var/lib/audioguard/devices.yaml", preferencesPath(cfg, "/etc/audioguard/config.toml"))
}

func TestPrefsSetAndGet(t *testing.T) {
	path := writeConfig(t)
	id := domain.DeriveDeviceID("mic").String()

	out, err := run(t, path, "prefs", "get")
	require.NoError(t, err)
	assert.Contains(t, out, "no stored preferences")

	out, err = run(t, path, "prefs", "set", id, "--target", "30", "--control", "false", "--name", "Desk")
	require.NoError(t, err)
	assert.Contains(t, out, "target=30%")
	assert.Contains(t, out, "control=false")

	out, err = run(t, path, "prefs", "get", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Desk")
	assert.Contains(t, out, "30%")

	store, err := repository.NewFilePreferenceStore(filepath.Join(filepath.Dir(path), "devices.yaml"))
	require.NoError(t, err)
	pref, ok, err := store.Load(domain.DeriveDeviceID("mic"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30.0, pref.TargetVolume)
	assert.False(t, pref.ControlEnabled)

	_, err = run(t, path, "prefs", "set", id, "--target", "120")
	assert.ErrorIs(t, err, domain.ErrInvalidVolume)
	_, err = run(t, path, "prefs", "set", id, "--control", "maybe")
	assert.Error(t, err)
	_, err = run(t, path, "prefs", "get", domain.DeriveDeviceID("gone").String())
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
	_, err = run(t, path, "prefs", "get", "not-a-uuid")
	assert.Error(t, err)
}

func TestConfigSetAndGet(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, path, "config", "set", "--hysteresis", "8", "--delay", "2s", "--log-adjustments", "true")
	require.NoError(t, err)
	assert.Contains(t, out, "hysteresis=1%/8%")
	assert.Contains(t, out, "delay=2s")

	out, err = run(t, path, "config", "get")
	require.NoError(t, err)
	assert.Contains(t, out, "[microphone]")
	cfg, err := config.Parse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, 8.0, cfg.Microphone.Hysteresis)
	assert.Equal(t, 2*time.Second, cfg.Microphone.AdjustDelay.Duration())
	assert.True(t, cfg.Session.LogAdjustments)
	assert.Len(t, cfg.Policies, 2, "policies survive a rewrite")
	assert.Equal(t, "devices.yaml", cfg.Storage.Preferences)

	out, err = run(t, path, "config", "get", "--json")
	require.NoError(t, err)
	var fromJSON config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &fromJSON))
	assert.Equal(t, cfg, fromJSON)

	tests := []struct {
		name string
		args []string
	}{
		{"hysteresis below small", []string{"--hysteresis", "0.5"}},
		{"bad control", []string{"--control", "maybe"}},
		{"bad backend", []string{"--backend", "alsa"}},
		{"target out of range", []string{"--target", "101"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, path, append([]string{"config", "set"}, tt.args...)...)
			assert.Error(t, err)
		})
	}
}

func TestDecide(t *testing.T) {
	path := writeConfig(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"full game is lowered", []string{"game.exe", "100"}, "game.exe: decrease-from-full sets 100% -> 40%"},
		{"quiet game is left alone", []string{"game.exe", "80"}, "game.exe: decrease-from-full leaves 80% unchanged"},
		{"process names ignore case", []string{"GAME.EXE", "100"}, "decrease-from-full sets 100% -> 40%"},
		{"force always applies", []string{"music", "10"}, "music: force sets 10% -> 60%"},
		{"no policy", []string{"editor", "25"}, "editor: no policy, volume stays at 25%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, path, append([]string{"decide"}, tt.args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
		})
	}

	_, err := run(t, path, "decide", "game.exe", "loud")
	assert.Error(t, err)
	_, err = run(t, path, "decide", "game.exe", "150")
	assert.ErrorIs(t, err, domain.ErrInvalidVolume)
}

func TestDevices(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, path, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "Speakers")
	assert.Contains(t, out, "Microphone")
	assert.Contains(t, out, "recording")

	out, err = run(t, path, "devices", "--json")
	require.NoError(t, err)
	var payload struct {
		Status struct {
			Devices    int `json:"devices"`
			Microphone struct {
				Bound bool `json:"bound"`
			} `json:"microphone"`
		} `json:"status"`
		Devices []json.RawMessage `json:"devices"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, 2, payload.Status.Devices)
	assert.True(t, payload.Status.Microphone.Bound)
	assert.Len(t, payload.Devices, 2)
}

func TestApplyCommand(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, path, "apply")
	require.NoError(t, err)
	assert.Contains(t, out, "Microphone")
	assert.Contains(t, out, "50%")
}

func TestShell(t *testing.T) {
	cfgPath = writeConfig(t)
	var buf bytes.Buffer
	sh := newShell(&buf)
	t.Cleanup(sh.close)

	exec := func(line string) string {
		buf.Reset()
		assert.False(t, sh.exec(line), line)
		return buf.String()
	}

	assert.Contains(t, exec("log --level debug"), "log level set to debug")
	assert.Contains(t, exec("log --show"), "debug")
	assert.Empty(t, exec("   "))
	assert.Contains(t, exec("shell"), "Already in the shell")
	assert.Contains(t, exec(`sim volume "unterminated`), "Parse error")
	assert.Contains(t, exec("help"), "sim session")

	assert.Empty(t, exec(`sim add usb "USB Mic" capture 70`))
	out := exec("sim list")
	assert.Contains(t, out, "usb")
	assert.Contains(t, out, domain.DeriveDeviceID("usb").String())

	assert.Empty(t, exec("sim default communications usb"))
	out = exec("status")
	assert.Contains(t, out, "USB Mic")

	assert.Contains(t, exec("sim session spk game.exe 100"), "(game.exe): 100% -> 40%")
	assert.Contains(t, exec("sim session spk notepad 30"), "(notepad): 30% -> 30%")
	assert.Contains(t, exec("sim session spk game.exe 300"), "sim:")

	assert.Contains(t, exec("sim state usb bogus"), "sim:")
	assert.Contains(t, exec("sim default nowhere usb"), "sim:")
	assert.Contains(t, exec("sim frobnicate"), "unknown sim command")
	assert.Empty(t, exec("sim remove usb"))

	assert.Contains(t, exec("decide music 10"), "force sets 10% -> 60%")
	assert.Contains(t, exec("prefs get not-a-uuid"), "command error")

	buf.Reset()
	assert.True(t, sh.exec("exit"))
	assert.True(t, strings.HasPrefix(buf.String(), "Bye!"))
}

func TestShellSubcommandsKeepConfigAndLogLevel(t *testing.T) {
	path := writeConfig(t)
	cfgPath = path
	var buf bytes.Buffer
	sh := newShell(&buf)
	t.Cleanup(sh.close)

	require.False(t, sh.exec("log -vv"))
	for i := 0; i < 2; i++ {
		buf.Reset()
		require.False(t, sh.exec("decide music 10"))
		assert.Contains(t, buf.String(), "music: force sets 10% -> 60%")
		assert.Equal(t, path, cfgPath)
	}
	assert.Equal(t, 2, logging.Verbosity())

	buf.Reset()
	require.False(t, sh.exec("status"))
	assert.Contains(t, buf.String(), "Speakers")
	assert.NotContains(t, buf.String(), "Headphones", "the demo host must not be used")
}
