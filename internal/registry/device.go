package registry

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"audioguard/internal/domain"
)

// Device wraps one native endpoint. The identifier, native id and flow never
// change; volume and target are NaN or finite percentages in [0,100].
//
// Methods that reach the native endpoint (Refresh, ApplyVolume, WatchVolume,
// WatchSessions, Dispose) must run on the home context.
type Device struct {
	id       domain.DeviceID
	nativeID string
	flow     domain.Flow
	endpoint domain.Endpoint

	state atomic.Int32

	mu             sync.RWMutex
	name           string
	volume         float64
	target         float64
	controlEnabled bool
	disposers      map[uint64]func()
	nextDisposer   uint64

	disposed atomic.Bool
}

// DeviceSnapshot is a serializable copy of a Device.
type DeviceSnapshot struct {
	ID             domain.DeviceID `json:"id"`
	NativeID       string          `json:"nativeId"`
	Name           string          `json:"name"`
	Flow           string          `json:"flow"`
	State          string          `json:"state"`
	Volume         *float64        `json:"volume"`
	TargetVolume   float64         `json:"targetVolume"`
	ControlEnabled bool            `json:"controlEnabled"`
}

// newDevice reads the endpoint metadata. A missing name is allowed; a failing
// state query is not.
func newDevice(ep domain.Endpoint) (*Device, error) {
	nativeID := ep.NativeID()
	if nativeID == "" {
		return nil, fmt.Errorf("endpoint without id: %w", domain.ErrDeviceNotFound)
	}
	state, err := ep.State()
	if err != nil {
		return nil, fmt.Errorf("read state of %s: %w", nativeID, err)
	}
	name, err := ep.Name()
	if err != nil {
		return nil, fmt.Errorf("read name of %s: %w", nativeID, err)
	}

	d := &Device{
		id:             domain.DeriveDeviceID(nativeID),
		nativeID:       nativeID,
		flow:           ep.Flow(),
		endpoint:       ep,
		name:           name,
		volume:         math.NaN(),
		target:         math.NaN(),
		controlEnabled: false,
		disposers:      make(map[uint64]func()),
	}
	d.state.Store(int32(state))

	if scalar, err := ep.Volume(); err == nil {
		d.volume = domain.ScalarToPercent(scalar)
	}
	return d, nil
}

func (d *Device) ID() domain.DeviceID {
	return d.id
}

func (d *Device) NativeID() string {
	return d.nativeID
}

func (d *Device) Flow() domain.Flow {
	return d.flow
}

func (d *Device) State() domain.DeviceState {
	return domain.DeviceState(d.state.Load())
}

// setState stores s and reports whether it differed from the previous state.
func (d *Device) setState(s domain.DeviceState) bool {
	return d.state.Swap(int32(s)) != int32(s)
}

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// SetName replaces the display name. Empty names are ignored.
func (d *Device) SetName(name string) {
	if name == "" {
		return
	}
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

// Volume returns the cached hardware volume, NaN if unknown.
func (d *Device) Volume() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.volume
}

// Target returns the configured target volume, NaN if none is configured.
func (d *Device) Target() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.target
}

// SetTarget sets the target volume in percent.
func (d *Device) SetTarget(percent float64) error {
	if d.disposed.Load() {
		return domain.ErrDisposed
	}
	if err := domain.CheckPercent(percent); err != nil {
		return err
	}
	d.mu.Lock()
	d.target = percent
	d.mu.Unlock()
	return nil
}

// ControlEnabled is the single source of truth for whether the engine may
// change this device's hardware volume.
func (d *Device) ControlEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.controlEnabled
}

func (d *Device) SetControlEnabled(enabled bool) error {
	if d.disposed.Load() {
		return domain.ErrDisposed
	}
	d.mu.Lock()
	d.controlEnabled = enabled
	d.mu.Unlock()
	return nil
}

// Preference returns the persisted view of the device.
func (d *Device) Preference() domain.DevicePreference {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return domain.DevicePreference{
		ID:             d.id,
		Name:           d.name,
		ControlEnabled: d.controlEnabled,
		TargetVolume:   d.target,
	}
}

func (d *Device) applyPreference(pref domain.DevicePreference) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pref.Name != "" {
		d.name = pref.Name
	}
	d.controlEnabled = pref.ControlEnabled
	if domain.CheckPercent(pref.TargetVolume) == nil {
		d.target = pref.TargetVolume
	} else if !math.IsNaN(pref.TargetVolume) {
		d.target = domain.ClampPercent(pref.TargetVolume)
	}
}

func (d *Device) setCachedVolume(percent float64) {
	d.mu.Lock()
	d.volume = percent
	d.mu.Unlock()
}

// Refresh reads the hardware volume and updates the cache.
func (d *Device) Refresh() (float64, error) {
	if d.disposed.Load() {
		return math.NaN(), domain.ErrDisposed
	}
	scalar, err := d.endpoint.Volume()
	if err != nil {
		d.setCachedVolume(math.NaN())
		return math.NaN(), fmt.Errorf("read volume of %s: %w", d.nativeID, err)
	}
	percent := domain.ScalarToPercent(scalar)
	d.setCachedVolume(percent)
	return percent, nil
}

// ApplyVolume sets the hardware volume in percent.
func (d *Device) ApplyVolume(percent float64) error {
	if d.disposed.Load() {
		return domain.ErrDisposed
	}
	if err := domain.CheckPercent(percent); err != nil {
		return err
	}
	if err := d.endpoint.SetVolume(domain.PercentToScalar(percent)); err != nil {
		return fmt.Errorf("set volume of %s: %w", d.nativeID, err)
	}
	d.setCachedVolume(percent)
	return nil
}

// WatchVolume forwards hardware volume changes in percent to fn. The watch
// is removed by the returned func or when the device is disposed.
func (d *Device) WatchVolume(fn func(percent float64)) (func(), error) {
	if d.disposed.Load() {
		return nil, domain.ErrDisposed
	}
	unwatch, err := d.endpoint.WatchVolume(func(scalar float64) {
		if d.disposed.Load() {
			return
		}
		percent := domain.ScalarToPercent(scalar)
		d.setCachedVolume(percent)
		fn(percent)
	})
	if err != nil {
		return nil, fmt.Errorf("watch volume of %s: %w", d.nativeID, err)
	}
	return d.track(unwatch), nil
}

// WatchSessions forwards newly created sessions to fn until the returned
// func is called or the device is disposed.
func (d *Device) WatchSessions(fn func(domain.Session)) (func(), error) {
	if d.disposed.Load() {
		return nil, domain.ErrDisposed
	}
	unwatch, err := d.endpoint.WatchSessions(func(s domain.Session) {
		if d.disposed.Load() {
			return
		}
		fn(s)
	})
	if err != nil {
		return nil, fmt.Errorf("watch sessions of %s: %w", d.nativeID, err)
	}
	return d.track(unwatch), nil
}

// track ties release to disposal and returns an idempotent release func.
func (d *Device) track(release func()) func() {
	var once sync.Once
	run := func() { once.Do(release) }
	cancel := d.OnDispose(run)
	return func() {
		cancel()
		run()
	}
}

// OnDispose registers fn to run when the device is disposed. The returned
// func unregisters it. On an already disposed device fn is not called.
func (d *Device) OnDispose(fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed.Load() {
		return func() {}
	}
	d.nextDisposer++
	id := d.nextDisposer
	d.disposers[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.disposers, id)
		d.mu.Unlock()
	}
}

// Disposed reports whether Dispose has run.
func (d *Device) Disposed() bool {
	return d.disposed.Load()
}

// Dispose runs the disposal callbacks in registration order and releases the
// native endpoint. Later calls are no-ops.
func (d *Device) Dispose() error {
	d.mu.Lock()
	if !d.disposed.CompareAndSwap(false, true) {
		d.mu.Unlock()
		return nil
	}
	ids := make([]uint64, 0, len(d.disposers))
	for id := range d.disposers {
		ids = append(ids, id)
	}
	callbacks := make([]func(), 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		callbacks = append(callbacks, d.disposers[id])
	}
	d.disposers = make(map[uint64]func())
	d.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	if err := d.endpoint.Release(); err != nil {
		return fmt.Errorf("release %s: %w", d.nativeID, err)
	}
	return nil
}

// Snapshot copies the device for display.
func (d *Device) Snapshot() DeviceSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap := DeviceSnapshot{
		ID:             d.id,
		NativeID:       d.nativeID,
		Name:           d.name,
		Flow:           d.flow.String(),
		State:          d.State().String(),
		TargetVolume:   d.target,
		ControlEnabled: d.controlEnabled,
	}
	if math.IsNaN(snap.TargetVolume) {
		snap.TargetVolume = 0
	}
	if !math.IsNaN(d.volume) {
		v := d.volume
		snap.Volume = &v
	}
	return snap
}
