package core

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"audioguard/internal/domain"
	"audioguard/internal/logging"
	"audioguard/internal/metrics"
	"audioguard/internal/registry"
)

// Manager binds the correction loop to the registry's Recording slot and
// executes the effects HandleEvent produces.
//
// Bus events and device disposal arrive on the home context. Volume watcher
// callbacks may arrive on any goroutine. Dispose, ApplyNow and UpdateTarget
// must not be called from a home-context job.
type Manager struct {
	reg *registry.Registry
	now func() time.Time

	mu        sync.Mutex
	state     State
	device    *registry.Device
	unwatch   func()
	undispose func()
	cancel    context.CancelFunc

	unsubscribe func()
	timers      sync.WaitGroup
	disposed    atomic.Bool
}

// NewManager prepares a manager for reg. Start binds it.
func NewManager(reg *registry.Registry, settings Settings) (*Manager, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	return &Manager{
		reg:   reg,
		now:   time.Now,
		state: NewState(settings),
	}, nil
}

// Start subscribes to registry events and binds the current recording
// default, if any.
func (m *Manager) Start(ctx context.Context) error {
	if m.disposed.Load() {
		return domain.ErrDisposed
	}
	unsubscribe := m.reg.Subscribe(m.handleRegistryEvent)
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	return m.reg.Home().Do(ctx, func() error {
		if dev, ok := m.reg.Default(domain.SlotRecording); ok {
			m.bind(dev)
		}
		return nil
	})
}

func (m *Manager) handleRegistryEvent(e registry.Event) {
	if m.disposed.Load() {
		return
	}
	switch data := e.Data.(type) {
	case registry.DefaultDeviceChangedData:
		if data.Slot != domain.SlotRecording {
			return
		}
		if data.Device == nil {
			m.unbind(nil)
			return
		}
		m.bind(data.Device)
	case registry.DeviceRemovedData:
		m.unbind(data.Device)
	}
}

// bind switches the loop to dev. It runs on the home context.
func (m *Manager) bind(dev *registry.Device) {
	m.mu.Lock()
	same := m.device == dev
	m.mu.Unlock()
	if same || m.disposed.Load() {
		return
	}
	m.unbind(nil)
	if dev.Disposed() {
		return
	}

	volume, err := dev.Refresh()
	if err != nil {
		logging.Warnf("read microphone volume: %v", err)
		volume = math.NaN()
	}

	m.mu.Lock()
	m.device = dev
	m.mu.Unlock()
	if err := m.dispatch(context.Background(), Event{Type: EventBind, Data: BindData{
		DeviceID: dev.ID(),
		Volume:   volume,
		Target:   dev.Target(),
	}}); err != nil {
		logging.Warnf("bind microphone %q: %v", dev.Name(), err)
	}

	m.mu.Lock()
	generation := m.state.Generation
	m.mu.Unlock()

	unwatch, err := dev.WatchVolume(func(percent float64) {
		m.onVolume(generation, percent)
	})
	if err != nil {
		logging.Warnf("watch microphone %q: %v", dev.Name(), err)
	}
	undispose := dev.OnDispose(func() { m.unbind(dev) })

	m.mu.Lock()
	if m.device == dev {
		m.unwatch, m.undispose = unwatch, undispose
		unwatch, undispose = nil, nil
	}
	m.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	if undispose != nil {
		undispose()
	}

	if !math.IsNaN(volume) {
		metrics.SetMicrophoneVolume(volume)
	}
	logging.Infof("tracking microphone %q (volume %.1f%%, target %.1f%%)", dev.Name(), volume, dev.Target())
}

// unbind stops tracking dev, or the current device when dev is nil.
func (m *Manager) unbind(dev *registry.Device) {
	m.mu.Lock()
	if m.device == nil || (dev != nil && m.device != dev) {
		m.mu.Unlock()
		return
	}
	current := m.device
	unwatch, undispose := m.unwatch, m.undispose
	m.device, m.unwatch, m.undispose = nil, nil, nil
	m.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if undispose != nil {
		undispose()
	}
	_ = m.dispatch(context.Background(), Event{Type: EventUnbind})
	logging.Infof("stopped tracking microphone %q", current.Name())
}

func (m *Manager) onVolume(generation uint64, percent float64) {
	metrics.SetMicrophoneVolume(percent)
	_ = m.dispatch(context.Background(), Event{Type: EventVolumeChanged, Data: VolumeChangedData{
		Generation: generation,
		Volume:     percent,
	}})

	m.mu.Lock()
	drift, pending := m.state.LastDrift, m.state.Pending
	m.mu.Unlock()
	switch drift {
	case domain.DriftMinor:
		logging.Debugf("microphone volume %.1f%% is off target but within hysteresis", percent)
	case domain.DriftMajor:
		logging.Debugf("microphone volume %.1f%% needs correction (pending=%t)", percent, pending)
	default:
		logging.Tracef("microphone volume %.1f%%", percent)
	}
}

// dispatch feeds an event through HandleEvent. Timer effects run under the
// lock; volume changes run afterwards on the home context.
func (m *Manager) dispatch(ctx context.Context, ev Event) error {
	m.mu.Lock()
	newState, effects, err := HandleEvent(m.state, ev)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = newState

	var applies []Effect
	for _, eff := range effects {
		switch eff.Type {
		case EffectScheduleCorrection:
			m.scheduleLocked(eff)
		case EffectCancelCorrection:
			m.cancelLocked()
		case EffectApplyVolume:
			applies = append(applies, eff)
		}
	}
	m.mu.Unlock()

	var lastErr error
	for _, eff := range applies {
		if err := m.apply(ctx, eff); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) cancelLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// scheduleLocked starts the debounce timer for eff. The pending flag is
// released when the timer goroutine exits. A cancelled timer leaves it to the
// event that cancelled it.
func (m *Manager) scheduleLocked(eff Effect) {
	m.cancelLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.timers.Add(1)
	go func() {
		defer m.timers.Done()
		defer func() {
			if ctx.Err() != nil {
				return
			}
			_ = m.dispatch(context.Background(), Event{Type: EventCorrectionDone, Data: CorrectionDoneData{
				Generation: eff.Generation,
			}})
		}()

		timer := time.NewTimer(eff.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if m.disposed.Load() || ctx.Err() != nil {
			return
		}

		err := m.dispatch(ctx, Event{Type: EventCorrectionDue, Data: CorrectionDueData{
			Generation:     eff.Generation,
			ControlEnabled: m.controlEnabled(),
		}})
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, domain.ErrNotBound),
			errors.Is(err, domain.ErrControlDisabled), errors.Is(err, domain.ErrDisposed):
			logging.Debugf("microphone correction skipped: %v", err)
		default:
			logging.Warnf("microphone correction failed: %v", err)
		}
	}()
}

func (m *Manager) controlEnabled() bool {
	m.mu.Lock()
	dev := m.device
	m.mu.Unlock()
	if dev == nil {
		return false
	}
	enabled := dev.ControlEnabled()
	if !enabled {
		logging.Debugf("volume control disabled for %q, leaving volume alone", dev.Name())
	}
	return enabled
}

// apply sets the hardware volume on the home context after re-checking that
// the binding is still current and control is enabled.
func (m *Manager) apply(ctx context.Context, eff Effect) error {
	return m.reg.Home().Do(ctx, func() error {
		if m.disposed.Load() {
			return domain.ErrDisposed
		}
		m.mu.Lock()
		dev := m.device
		current := m.state.Bound && m.state.Generation == eff.Generation
		m.mu.Unlock()
		if dev == nil || !current || dev.Disposed() {
			return domain.ErrNotBound
		}
		if !dev.ControlEnabled() {
			return domain.ErrControlDisabled
		}

		old := dev.Volume()
		applyErr := dev.ApplyVolume(eff.Volume)

		m.mu.Lock()
		m.state = HandleEffectResult(m.state, eff, applyErr, m.now())
		count := m.state.Corrections
		m.mu.Unlock()
		if applyErr != nil {
			return applyErr
		}

		metrics.IncMicrophoneCorrection()
		metrics.SetMicrophoneVolume(eff.Volume)
		logging.Infof("microphone %q volume corrected %.1f%% -> %.1f%% (%d)", dev.Name(), old, eff.Volume, count)
		m.reg.Bus().Publish(registry.Event{
			Type: registry.EventMicrophoneVolumeCorrected,
			Data: registry.MicrophoneVolumeCorrectedData{ID: dev.ID(), Old: old, New: eff.Volume, Count: count},
		})
		return nil
	})
}

// ApplyNow sets the bound microphone to its target immediately, bypassing
// the debounce. The device's control flag is still honoured.
func (m *Manager) ApplyNow(ctx context.Context) error {
	if m.disposed.Load() {
		return domain.ErrDisposed
	}
	return m.dispatch(ctx, Event{Type: EventApplyOnce, Data: ApplyOnceData{
		ControlEnabled: m.controlEnabled(),
	}})
}

// UpdateTarget re-evaluates the loop after the target of id changed.
func (m *Manager) UpdateTarget(ctx context.Context, id domain.DeviceID, percent float64) error {
	if m.disposed.Load() {
		return domain.ErrDisposed
	}
	return m.dispatch(ctx, Event{Type: EventUpdateTarget, Data: UpdateTargetData{
		DeviceID: id,
		Target:   percent,
	}})
}

// UpdateSettings replaces the thresholds and delay. A running timer keeps
// its original delay.
func (m *Manager) UpdateSettings(settings Settings) {
	_ = m.dispatch(context.Background(), Event{Type: EventUpdateSettings, Data: UpdateSettingsData{
		Settings: settings,
	}})
}

// GetSnapshot returns the loop status.
func (m *Manager) GetSnapshot() Status {
	m.mu.Lock()
	state := m.state
	dev := m.device
	m.mu.Unlock()

	st := state.StateSnapshot()
	if dev != nil {
		st.DeviceName = dev.Name()
		st.ControlEnabled = dev.ControlEnabled()
	}
	return st
}

// Device returns the bound device.
func (m *Manager) Device() (*registry.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device, m.device != nil
}

// Dispose cancels any pending correction, unbinds and waits for the timer
// goroutine to exit.
func (m *Manager) Dispose(ctx context.Context) error {
	if !m.disposed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	m.cancelLocked()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	err := m.reg.Home().Do(ctx, func() error {
		m.unbind(nil)
		return nil
	})
	if errors.Is(err, registry.ErrHomeClosed) {
		m.unbind(nil)
		err = nil
	}
	m.timers.Wait()
	return err
}

// Disposed reports whether Dispose has been called.
func (m *Manager) Disposed() bool {
	return m.disposed.Load()
}
