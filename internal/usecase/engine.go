// Package usecase wires the registry, the microphone correction loop and
// session enforcement into the application's primary port.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"audioguard/internal/core"
	"audioguard/internal/domain"
	"audioguard/internal/logging"
	"audioguard/internal/registry"
)

// EngineUseCase is the primary port used by the CLI and web adapters.
type EngineUseCase interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Snapshot() Snapshot
	Devices() []registry.DeviceSnapshot
	Device(id domain.DeviceID) (registry.DeviceSnapshot, bool)
	UpdateDevice(ctx context.Context, id domain.DeviceID, update DeviceUpdate) (registry.DeviceSnapshot, error)
	ApplyNow(ctx context.Context) error
	Reconfigure(opts Options)
	Subscribe(h registry.Handler) func()
	// Sync waits until notifications queued so far have been handled.
	Sync(ctx context.Context) error
}

// Options are the tunables mapped from the application config.
type Options struct {
	Microphone core.Settings
	// DefaultTarget and DefaultControl seed the preference record of a
	// device seen for the first time.
	DefaultTarget  float64
	DefaultControl bool
	LogAdjustments bool
}

// Dependencies are the secondary ports the engine drives.
type Dependencies struct {
	Enumerator  domain.Enumerator
	Preferences domain.PreferenceStore
	Resolver    domain.ProcessResolver
	Policies    domain.PolicyLookup
}

// DeviceUpdate changes a device's preference. Nil fields are left alone.
type DeviceUpdate struct {
	Name           *string  `json:"name,omitempty"`
	ControlEnabled *bool    `json:"controlEnabled,omitempty"`
	TargetVolume   *float64 `json:"targetVolume,omitempty"`
}

// Snapshot is the engine status.
type Snapshot struct {
	StartedAt          time.Time         `json:"startedAt"`
	Devices            int               `json:"devices"`
	IgnoredDevices     int64             `json:"ignoredDevices"`
	Defaults           map[string]string `json:"defaults"`
	Microphone         core.Status       `json:"microphone"`
	SessionAdjustments int64             `json:"sessionAdjustments"`
}

type engine struct {
	home     *registry.Home
	registry *registry.Registry
	mic      *core.Manager
	sessions *SessionEnforcer
	prefs    domain.PreferenceStore

	mu        sync.Mutex
	startedAt time.Time
	closed    bool
}

// NewEngine builds the engine and its home context. Nothing is touched on
// the native side until Start.
func NewEngine(deps Dependencies, opts Options) (EngineUseCase, error) {
	if deps.Enumerator == nil || deps.Resolver == nil || deps.Policies == nil {
		return nil, errors.New("enumerator, process resolver and policy lookup are required")
	}
	home := registry.NewHome()
	reg, err := registry.New(deps.Enumerator, home, deps.Preferences, registry.Options{
		DefaultTarget:  opts.DefaultTarget,
		DefaultControl: opts.DefaultControl,
	})
	if err != nil {
		home.Close()
		return nil, err
	}
	mic, err := core.NewManager(reg, opts.Microphone)
	if err != nil {
		home.Close()
		return nil, err
	}
	sessions, err := NewSessionEnforcer(reg, deps.Resolver, deps.Policies)
	if err != nil {
		home.Close()
		return nil, err
	}
	sessions.SetLogAdjustments(opts.LogAdjustments)

	return &engine{
		home:     home,
		registry: reg,
		mic:      mic,
		sessions: sessions,
		prefs:    deps.Preferences,
	}, nil
}

func (e *engine) Start(ctx context.Context) error {
	if err := e.registry.Start(ctx); err != nil {
		return fmt.Errorf("start device registry: %w", err)
	}
	if err := e.mic.Start(ctx); err != nil {
		return fmt.Errorf("start microphone loop: %w", err)
	}
	if err := e.sessions.Start(ctx); err != nil {
		return fmt.Errorf("start session enforcement: %w", err)
	}
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()
	logging.Infof("engine started with %d device(s)", e.registry.Len())
	return nil
}

// Close tears the engine down in reverse start order and stops the home
// context.
func (e *engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if err := e.sessions.Dispose(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.mic.Dispose(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.registry.Dispose(ctx); err != nil {
		errs = append(errs, err)
	}
	e.home.Close()
	return errors.Join(errs...)
}

func (e *engine) Snapshot() Snapshot {
	e.mu.Lock()
	started := e.startedAt
	e.mu.Unlock()

	defaults := make(map[string]string)
	for _, slot := range []domain.Slot{domain.SlotConsole, domain.SlotMultimedia, domain.SlotRecording} {
		if dev, ok := e.registry.Default(slot); ok {
			defaults[slot.String()] = dev.ID().String()
		}
	}
	return Snapshot{
		StartedAt:          started,
		Devices:            e.registry.Len(),
		IgnoredDevices:     e.registry.IgnoredDevices(),
		Defaults:           defaults,
		Microphone:         e.mic.GetSnapshot(),
		SessionAdjustments: e.sessions.Adjustments(),
	}
}

func (e *engine) Devices() []registry.DeviceSnapshot {
	devices := e.registry.Devices()
	out := make([]registry.DeviceSnapshot, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Snapshot())
	}
	return out
}

func (e *engine) Device(id domain.DeviceID) (registry.DeviceSnapshot, bool) {
	dev, ok := e.registry.Device(id)
	if !ok {
		return registry.DeviceSnapshot{}, false
	}
	return dev.Snapshot(), true
}

// UpdateDevice applies update to the live device, persists the preference
// and re-evaluates the microphone loop when the target changed.
func (e *engine) UpdateDevice(ctx context.Context, id domain.DeviceID, update DeviceUpdate) (registry.DeviceSnapshot, error) {
	dev, ok := e.registry.Device(id)
	if !ok {
		return registry.DeviceSnapshot{}, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	if update.TargetVolume != nil {
		if err := domain.CheckPercent(*update.TargetVolume); err != nil {
			return registry.DeviceSnapshot{}, err
		}
	}

	if update.Name != nil {
		dev.SetName(*update.Name)
	}
	if update.ControlEnabled != nil {
		if err := dev.SetControlEnabled(*update.ControlEnabled); err != nil {
			return registry.DeviceSnapshot{}, err
		}
	}
	if update.TargetVolume != nil {
		if err := dev.SetTarget(*update.TargetVolume); err != nil {
			return registry.DeviceSnapshot{}, err
		}
	}

	if e.prefs != nil {
		if err := e.prefs.Save(dev.Preference()); err != nil {
			return dev.Snapshot(), fmt.Errorf("save preferences: %w", err)
		}
	}
	if update.TargetVolume != nil {
		if err := e.mic.UpdateTarget(ctx, id, *update.TargetVolume); err != nil {
			return dev.Snapshot(), err
		}
	}
	logging.Infof("updated device %q", dev.Name())
	return dev.Snapshot(), nil
}

func (e *engine) ApplyNow(ctx context.Context) error {
	return e.mic.ApplyNow(ctx)
}

// Reconfigure applies reloaded settings. Device defaults only affect devices
// registered afterwards and are ignored here.
func (e *engine) Reconfigure(opts Options) {
	e.mic.UpdateSettings(opts.Microphone)
	e.sessions.SetLogAdjustments(opts.LogAdjustments)
}

func (e *engine) Subscribe(h registry.Handler) func() {
	return e.registry.Subscribe(h)
}

func (e *engine) Sync(ctx context.Context) error {
	return e.registry.Sync(ctx)
}
