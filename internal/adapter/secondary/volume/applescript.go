// Package volume provides endpoint backends that drive real system volume
// without a native audio API binding.
package volume

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"audioguard/internal/domain"
)

// InputID is the native id of the single macOS input endpoint.
const InputID = "macos:default-input"

// Runner executes an AppleScript snippet and returns its trimmed output.
type Runner func(script string) (string, error)

// OSAScript runs script through osascript.
func OSAScript(script string) (string, error) {
	cmd := exec.Command("osascript", "-e", script)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("osascript failed: %w, output: %s", err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// AppleScriptEnumerator implements domain.Enumerator on macOS using
// osascript. It exposes the default input device as the only capture
// endpoint; hot-plug and per-app sessions are not visible through
// AppleScript.
type AppleScriptEnumerator struct {
	run      Runner
	interval time.Duration
}

var _ domain.Enumerator = (*AppleScriptEnumerator)(nil)

// NewAppleScriptEnumerator creates an enumerator that polls the input volume
// every interval.
func NewAppleScriptEnumerator(run Runner, interval time.Duration) *AppleScriptEnumerator {
	if run == nil {
		run = OSAScript
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &AppleScriptEnumerator{run: run, interval: interval}
}

func (a *AppleScriptEnumerator) Endpoints() ([]domain.Endpoint, error) {
	ep, err := a.Endpoint(InputID)
	if err != nil {
		return nil, err
	}
	return []domain.Endpoint{ep}, nil
}

func (a *AppleScriptEnumerator) Endpoint(nativeID string) (domain.Endpoint, error) {
	if nativeID != InputID {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, nativeID)
	}
	return &inputEndpoint{run: a.run, interval: a.interval, stop: make(chan struct{})}, nil
}

func (a *AppleScriptEnumerator) DefaultEndpoint(flow domain.Flow, role domain.Role) (string, error) {
	if flow == domain.FlowCapture && role == domain.RoleCommunications {
		return InputID, nil
	}
	return "", domain.ErrNoDefaultDevice
}

func (a *AppleScriptEnumerator) Subscribe(domain.NotificationClient) (func(), error) {
	return func() {}, nil
}

func (a *AppleScriptEnumerator) Release() error {
	return nil
}

type inputEndpoint struct {
	run      Runner
	interval time.Duration

	mu       sync.Mutex
	watchers map[uint64]func(float64)
	nextID   uint64
	polling  bool
	released bool
	stop     chan struct{}
	done     chan struct{}
}

func (e *inputEndpoint) NativeID() string {
	return InputID
}

func (e *inputEndpoint) Name() (string, error) {
	return "Default Input", nil
}

func (e *inputEndpoint) Flow() domain.Flow {
	return domain.FlowCapture
}

func (e *inputEndpoint) State() (domain.DeviceState, error) {
	return domain.StateActive, nil
}

// Volume returns the input volume as a scalar.
func (e *inputEndpoint) Volume() (float64, error) {
	out, err := e.run("input volume of (get volume settings)")
	if err != nil {
		return 0, err
	}
	percent, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("parse input volume %q: %w", out, err)
	}
	return domain.PercentToScalar(percent), nil
}

func (e *inputEndpoint) SetVolume(scalar float64) error {
	if err := domain.CheckFraction(scalar); err != nil {
		return err
	}
	percent := int(domain.ScalarToPercent(scalar) + 0.5)
	_, err := e.run(fmt.Sprintf("set volume input volume %d", percent))
	return err
}

// WatchVolume polls the input volume and reports changes. One poller serves
// every watcher.
func (e *inputEndpoint) WatchVolume(fn func(scalar float64)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, domain.ErrDisposed
	}
	if e.watchers == nil {
		e.watchers = make(map[uint64]func(float64))
	}
	e.nextID++
	id := e.nextID
	e.watchers[id] = fn
	if !e.polling {
		e.polling = true
		e.done = make(chan struct{})
		go e.poll()
	}
	return func() {
		e.mu.Lock()
		delete(e.watchers, id)
		e.mu.Unlock()
	}, nil
}

func (e *inputEndpoint) poll() {
	defer close(e.done)
	last, err := e.Volume()
	if err != nil {
		last = -1
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
		v, err := e.Volume()
		if err != nil || v == last {
			continue
		}
		last = v

		e.mu.Lock()
		watchers := make([]func(float64), 0, len(e.watchers))
		for _, w := range e.watchers {
			watchers = append(watchers, w)
		}
		e.mu.Unlock()
		for _, w := range watchers {
			w(v)
		}
	}
}

func (e *inputEndpoint) WatchSessions(func(domain.Session)) (func(), error) {
	return func() {}, nil
}

// Release stops the poller.
func (e *inputEndpoint) Release() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	polling := e.polling
	close(e.stop)
	e.mu.Unlock()
	if polling {
		<-e.done
	}
	return nil
}
