// Package repository persists per-device preferences.
package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"audioguard/internal/domain"
)

// FilePreferenceStore implements domain.PreferenceStore using a YAML file.
// The file is read on every Load so edits made while the daemon runs are
// picked up.
type FilePreferenceStore struct {
	path string
	mu   sync.Mutex
}

var _ domain.PreferenceStore = (*FilePreferenceStore)(nil)

// NewFilePreferenceStore creates a store at path. Parent directories are
// created automatically.
func NewFilePreferenceStore(path string) (*FilePreferenceStore, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create preferences dir: %w", err)
	}
	return &FilePreferenceStore{path: path}, nil
}

// Path returns the backing file.
func (f *FilePreferenceStore) Path() string {
	return f.path
}

// persistedDevice is the YAML form of one preference.
type persistedDevice struct {
	ID             string  `yaml:"id"`
	Name           string  `yaml:"name,omitempty"`
	ControlEnabled bool    `yaml:"control_enabled"`
	TargetVolume   float64 `yaml:"target_volume"`
}

type persistedData struct {
	Devices []persistedDevice `yaml:"devices"`
}

func (f *FilePreferenceStore) readLocked() (map[domain.DeviceID]domain.DevicePreference, error) {
	prefs := make(map[domain.DeviceID]domain.DevicePreference)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return prefs, nil
		}
		return nil, fmt.Errorf("read preferences: %w", err)
	}

	var persisted persistedData
	if err := yaml.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("unmarshal preferences: %w", err)
	}
	for _, d := range persisted.Devices {
		id, err := domain.ParseDeviceID(d.ID)
		if err != nil {
			return nil, fmt.Errorf("preferences: %w", err)
		}
		prefs[id] = domain.DevicePreference{
			ID:             id,
			Name:           d.Name,
			ControlEnabled: d.ControlEnabled,
			TargetVolume:   domain.ClampPercent(d.TargetVolume),
		}
	}
	return prefs, nil
}

func (f *FilePreferenceStore) writeLocked(prefs map[domain.DeviceID]domain.DevicePreference) error {
	persisted := persistedData{Devices: make([]persistedDevice, 0, len(prefs))}
	for _, p := range sortedPrefs(prefs) {
		persisted.Devices = append(persisted.Devices, persistedDevice{
			ID:             p.ID.String(),
			Name:           p.Name,
			ControlEnabled: p.ControlEnabled,
			TargetVolume:   p.TargetVolume,
		})
	}

	data, err := yaml.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	// Atomic write
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename tmp: %w", err)
	}
	return nil
}

func (f *FilePreferenceStore) Load(id domain.DeviceID) (domain.DevicePreference, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefs, err := f.readLocked()
	if err != nil {
		return domain.DevicePreference{}, false, err
	}
	p, ok := prefs[id]
	return p, ok, nil
}

func (f *FilePreferenceStore) Save(pref domain.DevicePreference) error {
	if pref.ID.IsNil() {
		return errors.New("preference without device id")
	}
	if err := domain.CheckPercent(pref.TargetVolume); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prefs, err := f.readLocked()
	if err != nil {
		return err
	}
	prefs[pref.ID] = pref
	return f.writeLocked(prefs)
}

// List returns every stored preference sorted by name, then id.
func (f *FilePreferenceStore) List() ([]domain.DevicePreference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefs, err := f.readLocked()
	if err != nil {
		return nil, err
	}
	return sortedPrefs(prefs), nil
}

func sortedPrefs(prefs map[domain.DeviceID]domain.DevicePreference) []domain.DevicePreference {
	list := make([]domain.DevicePreference, 0, len(prefs))
	for _, p := range prefs {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID.String() < list[j].ID.String()
	})
	return list
}

// DefaultPath returns ~/.config/audioguard/devices.yaml, honouring
// XDG_CONFIG_HOME.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "audioguard", "devices.yaml")
	}
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, "audioguard-devices.yaml")
}
