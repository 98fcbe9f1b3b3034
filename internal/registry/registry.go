// Package registry owns the live set of audio endpoints, the default-device
// role slots and the event bus the rest of the engine subscribes to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"audioguard/internal/domain"
	"audioguard/internal/logging"
	"audioguard/internal/metrics"
)

// Options carry the defaults applied to devices seen for the first time.
type Options struct {
	// DefaultTarget is the target volume in percent written to a new
	// device's preference record.
	DefaultTarget float64
	// DefaultControl is the initial per-device control flag. After the first
	// registration the device's own flag is authoritative.
	DefaultControl bool
}

// Registry is the authoritative view of all endpoints and default roles.
//
// The device map allows concurrent readers; all writes happen on the home
// context. Role slots are guarded by roleMu.
type Registry struct {
	enum  domain.Enumerator
	home  *Home
	prefs domain.PreferenceStore
	bus   *Bus
	opts  Options

	devices sync.Map // domain.DeviceID -> *Device
	count   atomic.Int64

	roleMu sync.Mutex
	roles  [domain.SlotCount]*Device

	// ignored counts endpoints that failed to construct.
	ignored atomic.Int64

	disposed    atomic.Bool
	unsubscribe func()
}

// New creates a registry. prefs may be nil.
func New(enum domain.Enumerator, home *Home, prefs domain.PreferenceStore, opts Options) (*Registry, error) {
	if enum == nil || home == nil {
		return nil, errors.New("enumerator and home context are required")
	}
	opts.DefaultTarget = domain.ClampPercent(opts.DefaultTarget)
	return &Registry{
		enum:  enum,
		home:  home,
		prefs: prefs,
		bus:   NewBus(),
		opts:  opts,
	}, nil
}

// Start subscribes to notifications, enumerates endpoints and resolves the
// default roles in one home-context job. Notifications arriving meanwhile are
// queued behind it.
func (r *Registry) Start(ctx context.Context) error {
	return r.home.Do(ctx, func() error {
		if r.disposed.Load() {
			return domain.ErrDisposed
		}
		if r.unsubscribe == nil {
			unsubscribe, err := r.enum.Subscribe(&notificationAdapter{registry: r})
			if err != nil {
				return fmt.Errorf("subscribe to endpoint notifications: %w", err)
			}
			r.unsubscribe = unsubscribe
		}
		if err := r.enumerate(); err != nil {
			return err
		}
		r.resolveDefaults()
		return nil
	})
}

// Enumerate inserts a Device for every endpoint not yet known.
func (r *Registry) Enumerate(ctx context.Context) error {
	return r.home.Do(ctx, func() error {
		if r.disposed.Load() {
			return domain.ErrDisposed
		}
		return r.enumerate()
	})
}

// ResolveDefaults queries the OS default device for every slot.
func (r *Registry) ResolveDefaults(ctx context.Context) error {
	return r.home.Do(ctx, func() error {
		if r.disposed.Load() {
			return domain.ErrDisposed
		}
		r.resolveDefaults()
		return nil
	})
}

func (r *Registry) enumerate() error {
	endpoints, err := r.enum.Endpoints()
	if err != nil {
		return fmt.Errorf("enumerate endpoints: %w", err)
	}

	ignored := 0
	for _, ep := range endpoints {
		if _, ok := r.devices.Load(domain.DeriveDeviceID(ep.NativeID())); ok {
			if err := ep.Release(); err != nil {
				logging.Debugf("release duplicate endpoint %q: %v", ep.NativeID(), err)
			}
			continue
		}
		dev, err := r.construct(ep)
		if err != nil {
			ignored++
			logging.Debugf("ignoring endpoint %q: %v", ep.NativeID(), err)
			continue
		}
		r.insert(dev)
	}
	if ignored > 0 {
		logging.Warnf("%d audio device(s) could not be read and were ignored (%d total)", ignored, r.ignored.Load())
	}
	logging.Infof("enumerated %d audio device(s)", r.count.Load())
	return nil
}

// construct wraps ep in a Device and applies its stored preferences. On
// failure the endpoint is released and counted as ignored.
func (r *Registry) construct(ep domain.Endpoint) (*Device, error) {
	dev, err := newDevice(ep)
	if err != nil {
		r.ignored.Add(1)
		metrics.IncDevicesIgnored()
		if relErr := ep.Release(); relErr != nil {
			logging.Debugf("release endpoint %q: %v", ep.NativeID(), relErr)
		}
		return nil, err
	}
	dev.applyPreference(r.preferenceFor(dev))
	return dev, nil
}

// preferenceFor loads the device's stored preference, writing the defaults
// the first time the device is seen.
func (r *Registry) preferenceFor(dev *Device) domain.DevicePreference {
	defaults := domain.DevicePreference{
		ID:             dev.ID(),
		Name:           dev.Name(),
		ControlEnabled: r.opts.DefaultControl,
		TargetVolume:   r.opts.DefaultTarget,
	}
	if r.prefs == nil {
		return defaults
	}
	pref, ok, err := r.prefs.Load(dev.ID())
	if err != nil {
		logging.Warnf("load preferences of %s: %v", dev.ID(), err)
		return defaults
	}
	if ok {
		pref.TargetVolume = domain.ClampPercent(pref.TargetVolume)
		return pref
	}
	if err := r.prefs.Save(defaults); err != nil {
		logging.Warnf("save preferences of %s: %v", dev.ID(), err)
	}
	return defaults
}

func (r *Registry) insert(dev *Device) bool {
	if _, loaded := r.devices.LoadOrStore(dev.ID(), dev); loaded {
		if err := dev.Dispose(); err != nil {
			logging.Debugf("dispose duplicate device %s: %v", dev.ID(), err)
		}
		return false
	}
	metrics.SetDevicesKnown(int(r.count.Add(1)))
	logging.Debugf("device added: %s %q (%s, %s)", dev.ID(), dev.Name(), dev.Flow(), dev.State())
	r.bus.Publish(Event{Type: EventDeviceAdded, Data: DeviceAddedData{ID: dev.ID(), Device: dev}})
	return true
}

func (r *Registry) resolveDefaults() {
	for _, slot := range []domain.Slot{domain.SlotConsole, domain.SlotMultimedia, domain.SlotRecording} {
		nativeID, err := r.enum.DefaultEndpoint(slot.Flow(), slot.Role())
		if err != nil && !errors.Is(err, domain.ErrNoDefaultDevice) {
			logging.Warnf("query default %s device: %v", slot, err)
			continue
		}
		if nativeID == "" {
			logging.Infof("no default %s device", slot)
			r.bind(slot, nil)
			continue
		}
		dev, err := r.ensure(nativeID)
		if err != nil {
			logging.Warnf("default %s device %q unavailable: %v", slot, nativeID, err)
		}
		r.bind(slot, dev)
	}
}

// bind assigns dev (nil clears) to slot and publishes the change. Rebinding
// the same device is a no-op.
func (r *Registry) bind(slot domain.Slot, dev *Device) {
	r.roleMu.Lock()
	prev := r.roles[slot]
	r.roles[slot] = dev
	r.roleMu.Unlock()
	if prev == dev {
		return
	}

	data := DefaultDeviceChangedData{Slot: slot, Flow: slot.Flow(), Role: slot.Role()}
	if dev != nil {
		data.ID = dev.ID()
		data.Device = dev
		logging.Infof("default %s device is now %q", slot, dev.Name())
	}
	r.bus.Publish(Event{Type: EventDefaultDeviceChanged, Data: data})
}

func (r *Registry) lookup(nativeID string) (*Device, bool) {
	return r.Device(domain.DeriveDeviceID(nativeID))
}

// ensure returns the device for nativeID, constructing it from the
// enumerator if the added notification has not been processed yet.
func (r *Registry) ensure(nativeID string) (*Device, error) {
	if dev, ok := r.lookup(nativeID); ok {
		return dev, nil
	}
	ep, err := r.enum.Endpoint(nativeID)
	if err != nil {
		r.ignored.Add(1)
		metrics.IncDevicesIgnored()
		return nil, fmt.Errorf("open endpoint %q: %w", nativeID, err)
	}
	dev, err := r.construct(ep)
	if err != nil {
		return nil, err
	}
	if !r.insert(dev) {
		existing, _ := r.lookup(nativeID)
		return existing, nil
	}
	return dev, nil
}

func (r *Registry) addDevice(nativeID string) {
	if _, ok := r.lookup(nativeID); ok {
		logging.Tracef("device %q already registered", nativeID)
		return
	}
	if _, err := r.ensure(nativeID); err != nil {
		logging.Warnf("add device %q: %v", nativeID, err)
	}
}

func (r *Registry) removeDevice(nativeID string) {
	id := domain.DeriveDeviceID(nativeID)
	value, ok := r.devices.LoadAndDelete(id)
	if !ok {
		logging.Tracef("device %q already removed", nativeID)
		return
	}
	dev := value.(*Device)
	metrics.SetDevicesKnown(int(r.count.Add(-1)))

	var cleared []domain.Slot
	r.roleMu.Lock()
	for slot := range r.roles {
		if r.roles[slot] == dev {
			r.roles[slot] = nil
			cleared = append(cleared, domain.Slot(slot))
		}
	}
	r.roleMu.Unlock()

	for _, slot := range cleared {
		r.bus.Publish(Event{Type: EventDefaultDeviceChanged, Data: DefaultDeviceChangedData{
			Slot: slot, Flow: slot.Flow(), Role: slot.Role(),
		}})
	}
	logging.Debugf("device removed: %s %q", id, dev.Name())
	r.bus.Publish(Event{Type: EventDeviceRemoved, Data: DeviceRemovedData{ID: id, Device: dev}})

	if err := dev.Dispose(); err != nil {
		logging.Warnf("dispose device %s: %v", id, err)
	}
}

func (r *Registry) changeState(nativeID string, state domain.DeviceState) {
	dev, ok := r.lookup(nativeID)
	if !ok {
		logging.Debugf("state change for unknown device %q", nativeID)
		return
	}
	if !dev.setState(state) {
		return
	}
	logging.Debugf("device %q is now %s", dev.Name(), state)
	r.bus.Publish(Event{Type: EventDeviceStateChanged, Data: DeviceStateChangedData{ID: dev.ID(), State: state}})
}

func (r *Registry) changeDefault(flow domain.Flow, role domain.Role, nativeID string) {
	slot, ok := domain.SlotFor(flow, role)
	if !ok {
		logging.Tracef("ignoring default change for %s/%s", flow, role)
		return
	}
	if nativeID == "" {
		logging.Infof("no default %s device available", slot)
		r.bind(slot, nil)
		return
	}
	dev, err := r.ensure(nativeID)
	if err != nil {
		logging.Warnf("default %s device %q unavailable: %v", slot, nativeID, err)
		r.bind(slot, nil)
		return
	}
	r.bind(slot, dev)
}

// post queues fn on the home context. fn is skipped once the registry is
// disposed.
func (r *Registry) post(fn func()) {
	ok := r.home.Post(func() {
		if r.disposed.Load() {
			return
		}
		fn()
	})
	if !ok {
		logging.Debugf("home context closed, dropping notification")
	}
}

// OnDeviceAdded handles an endpoint arrival notification.
func (r *Registry) OnDeviceAdded(nativeID string) {
	if r.disposed.Load() {
		return
	}
	metrics.IncNotification(metrics.KindAdded)
	r.post(func() { r.addDevice(nativeID) })
}

// OnDeviceRemoved handles an endpoint removal notification.
func (r *Registry) OnDeviceRemoved(nativeID string) {
	if r.disposed.Load() {
		return
	}
	metrics.IncNotification(metrics.KindRemoved)
	r.post(func() { r.removeDevice(nativeID) })
}

// OnDeviceStateChanged handles an endpoint state notification.
func (r *Registry) OnDeviceStateChanged(nativeID string, state domain.DeviceState) {
	if r.disposed.Load() {
		return
	}
	metrics.IncNotification(metrics.KindStateChanged)
	r.post(func() { r.changeState(nativeID, state) })
}

// OnDefaultDeviceChanged handles a default-device notification. An empty
// nativeID clears the slot.
func (r *Registry) OnDefaultDeviceChanged(flow domain.Flow, role domain.Role, nativeID string) {
	if r.disposed.Load() {
		return
	}
	metrics.IncNotification(metrics.KindDefaultChanged)
	r.post(func() { r.changeDefault(flow, role, nativeID) })
}

// Device returns the device with the given id.
func (r *Registry) Device(id domain.DeviceID) (*Device, bool) {
	value, ok := r.devices.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*Device), true
}

// Devices returns every device sorted by name, then id.
func (r *Registry) Devices() []*Device {
	var list []*Device
	r.devices.Range(func(_, value any) bool {
		list = append(list, value.(*Device))
		return true
	})
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name() != list[j].Name() {
			return list[i].Name() < list[j].Name()
		}
		return list[i].ID().String() < list[j].ID().String()
	})
	return list
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Default returns the device bound to slot.
func (r *Registry) Default(slot domain.Slot) (*Device, bool) {
	if slot < 0 || int(slot) >= domain.SlotCount {
		return nil, false
	}
	r.roleMu.Lock()
	defer r.roleMu.Unlock()
	dev := r.roles[slot]
	return dev, dev != nil
}

// IgnoredDevices returns how many endpoints failed to construct.
func (r *Registry) IgnoredDevices() int64 {
	return r.ignored.Load()
}

// Subscribe registers h for registry events.
func (r *Registry) Subscribe(h Handler) func() {
	return r.bus.Subscribe(h)
}

// Bus returns the event bus.
func (r *Registry) Bus() *Bus {
	return r.bus
}

// Home returns the home context native calls must run on.
func (r *Registry) Home() *Home {
	return r.home
}

// Sync waits until every notification posted before the call is processed.
func (r *Registry) Sync(ctx context.Context) error {
	return r.home.Do(ctx, nil)
}

// Disposed reports whether Dispose has been called.
func (r *Registry) Disposed() bool {
	return r.disposed.Load()
}

// Dispose unsubscribes from notifications, disposes every device and drops
// all bus subscriptions. Queued notifications become no-ops.
func (r *Registry) Dispose(ctx context.Context) error {
	if !r.disposed.CompareAndSwap(false, true) {
		return nil
	}
	return r.home.Do(ctx, func() error {
		if r.unsubscribe != nil {
			r.unsubscribe()
			r.unsubscribe = nil
		}

		r.roleMu.Lock()
		r.roles = [domain.SlotCount]*Device{}
		r.roleMu.Unlock()

		r.devices.Range(func(key, value any) bool {
			r.devices.Delete(key)
			if err := value.(*Device).Dispose(); err != nil {
				logging.Warnf("dispose device %v: %v", key, err)
			}
			return true
		})
		r.count.Store(0)
		metrics.SetDevicesKnown(0)
		r.bus.Close()

		if err := r.enum.Release(); err != nil {
			return fmt.Errorf("release enumerator: %w", err)
		}
		return nil
	})
}
