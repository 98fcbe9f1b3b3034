package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"audioguard/internal/domain"
	"audioguard/internal/logging"
	"audioguard/internal/metrics"
	"audioguard/internal/registry"
)

// Outcome is the result of enforcing a policy on one session.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeApplied
	OutcomeNoPolicy
	OutcomeProcessGone
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeApplied:
		return "applied"
	case OutcomeNoPolicy:
		return "no-policy"
	case OutcomeProcessGone:
		return "process-gone"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Adjustment describes what Enforce did to a session. Volumes are fractions.
type Adjustment struct {
	Outcome Outcome
	Process domain.ProcessInfo
	Policy  domain.Policy
	Before  float64
	After   float64
}

// sessionHook is the session watcher installed on one render device. Both
// render slots may share it.
type sessionHook struct {
	device    *registry.Device
	unwatch   func()
	undispose func()
}

// SessionEnforcer applies per-process volume policies to new audio sessions
// on the default render devices.
type SessionEnforcer struct {
	reg      *registry.Registry
	resolver domain.ProcessResolver
	policies domain.PolicyLookup

	logAdjustments atomic.Bool
	adjustments    atomic.Int64
	disposed       atomic.Bool

	// slots and hooks are only touched on the home context.
	slots map[domain.Slot]*registry.Device
	hooks map[domain.DeviceID]*sessionHook

	mu          sync.Mutex
	unsubscribe func()
}

// NewSessionEnforcer creates an enforcer; Start installs the hooks.
func NewSessionEnforcer(reg *registry.Registry, resolver domain.ProcessResolver, policies domain.PolicyLookup) (*SessionEnforcer, error) {
	if reg == nil || resolver == nil || policies == nil {
		return nil, errors.New("registry, process resolver and policy lookup are required")
	}
	return &SessionEnforcer{
		reg:      reg,
		resolver: resolver,
		policies: policies,
		slots:    make(map[domain.Slot]*registry.Device),
		hooks:    make(map[domain.DeviceID]*sessionHook),
	}, nil
}

// SetLogAdjustments toggles an info line per adjusted session.
func (e *SessionEnforcer) SetLogAdjustments(enabled bool) {
	e.logAdjustments.Store(enabled)
}

// Adjustments returns how many session volumes were changed.
func (e *SessionEnforcer) Adjustments() int64 {
	return e.adjustments.Load()
}

// Start hooks the current Console and Multimedia defaults and follows later
// changes.
func (e *SessionEnforcer) Start(ctx context.Context) error {
	if e.disposed.Load() {
		return domain.ErrDisposed
	}
	unsubscribe := e.reg.Subscribe(e.handleRegistryEvent)
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	return e.reg.Home().Do(ctx, func() error {
		for _, slot := range []domain.Slot{domain.SlotConsole, domain.SlotMultimedia} {
			if dev, ok := e.reg.Default(slot); ok {
				e.slots[slot] = dev
			}
		}
		e.reconcile()
		return nil
	})
}

// Hooked returns the ids of the devices whose sessions are watched.
func (e *SessionEnforcer) Hooked(ctx context.Context) ([]domain.DeviceID, error) {
	var ids []domain.DeviceID
	err := e.reg.Home().Do(ctx, func() error {
		for id := range e.hooks {
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

func (e *SessionEnforcer) handleRegistryEvent(ev registry.Event) {
	if e.disposed.Load() {
		return
	}
	switch data := ev.Data.(type) {
	case registry.DefaultDeviceChangedData:
		if data.Slot != domain.SlotConsole && data.Slot != domain.SlotMultimedia {
			return
		}
		if data.Device == nil {
			delete(e.slots, data.Slot)
		} else {
			e.slots[data.Slot] = data.Device
		}
		e.reconcile()
	case registry.DeviceRemovedData:
		e.forget(data.Device)
	}
}

func (e *SessionEnforcer) forget(dev *registry.Device) {
	for slot, d := range e.slots {
		if d == dev {
			delete(e.slots, slot)
		}
	}
	e.reconcile()
}

// reconcile installs a hook for every device referenced by a render slot and
// removes the rest.
func (e *SessionEnforcer) reconcile() {
	wanted := make(map[domain.DeviceID]*registry.Device)
	for _, dev := range e.slots {
		if !dev.Disposed() {
			wanted[dev.ID()] = dev
		}
	}

	for id, hook := range e.hooks {
		if dev, ok := wanted[id]; ok && dev == hook.device {
			continue
		}
		e.unhook(id)
	}
	for id, dev := range wanted {
		if _, ok := e.hooks[id]; ok {
			continue
		}
		e.hook(dev)
	}
}

func (e *SessionEnforcer) hook(dev *registry.Device) {
	unwatch, err := dev.WatchSessions(func(s domain.Session) {
		e.onSessionCreated(s)
	})
	if err != nil {
		logging.Warnf("watch sessions on %q: %v", dev.Name(), err)
		return
	}
	undispose := dev.OnDispose(func() { e.forget(dev) })
	e.hooks[dev.ID()] = &sessionHook{device: dev, unwatch: unwatch, undispose: undispose}
	logging.Debugf("watching audio sessions on %q", dev.Name())
}

func (e *SessionEnforcer) unhook(id domain.DeviceID) {
	hook, ok := e.hooks[id]
	if !ok {
		return
	}
	delete(e.hooks, id)
	hook.undispose()
	hook.unwatch()
	logging.Debugf("stopped watching audio sessions on %q", hook.device.Name())
}

// onSessionCreated may run on any goroutine; the work is marshalled onto the
// home context.
func (e *SessionEnforcer) onSessionCreated(s domain.Session) {
	if e.disposed.Load() {
		return
	}
	e.reg.Home().Post(func() {
		if e.disposed.Load() {
			return
		}
		adj, err := e.Enforce(s)
		if err != nil {
			logging.Warnf("session %d (%s): %v", s.ProcessID(), s.DisplayName(), err)
			return
		}
		logging.Tracef("session %d (%s): %s", s.ProcessID(), s.DisplayName(), adj.Outcome)
	})
}

// Enforce resolves the session's process, looks up its policy and sets the
// session volume when the policy's strategy says so.
func (e *SessionEnforcer) Enforce(s domain.Session) (Adjustment, error) {
	pid := s.ProcessID()
	info, ok := e.resolver.Resolve(pid)
	if !ok {
		var err error
		info, err = e.resolver.Lookup(pid, s.DisplayName())
		if err != nil {
			logging.Debugf("session %d (%s): process lookup failed: %v", pid, s.DisplayName(), err)
			return Adjustment{Outcome: OutcomeProcessGone}, nil
		}
		e.resolver.Cache(info)
	}

	adj := Adjustment{Outcome: OutcomeNoPolicy, Process: info}
	policy, ok := e.policies.PolicyFor(info)
	if !ok {
		logging.Debugf("no volume policy for %s (%d)", info.Name, info.PID)
		return adj, nil
	}
	adj.Policy = policy

	current, err := s.Volume()
	if err != nil {
		adj.Outcome = OutcomeError
		return adj, fmt.Errorf("read session volume: %w", err)
	}
	adj.Before, adj.After = current, current
	if !policy.Strategy.ShouldApply(current, policy.Volume) {
		adj.Outcome = OutcomeUnchanged
		return adj, nil
	}

	if err := s.SetVolume(policy.Volume); err != nil {
		adj.Outcome = OutcomeError
		return adj, fmt.Errorf("set session volume: %w", err)
	}
	adj.Outcome = OutcomeApplied
	adj.After = policy.Volume
	e.adjustments.Add(1)
	metrics.IncSessionAdjustment(policy.Strategy.String())
	if e.logAdjustments.Load() {
		logging.Infof("%s: session volume %.0f%% -> %.0f%% (%s)", info.Name, current*100, policy.Volume*100, policy.Strategy)
	}
	return adj, nil
}

// Dispose removes every session hook.
func (e *SessionEnforcer) Dispose(ctx context.Context) error {
	if !e.disposed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	unhookAll := func() error {
		for id := range e.hooks {
			e.unhook(id)
		}
		e.slots = make(map[domain.Slot]*registry.Device)
		return nil
	}
	err := e.reg.Home().Do(ctx, unhookAll)
	if errors.Is(err, registry.ErrHomeClosed) {
		return nil
	}
	return err
}
