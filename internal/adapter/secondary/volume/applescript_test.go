package volume

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioguard/internal/domain"
)

// fakeMac answers the two scripts the enumerator sends.
type fakeMac struct {
	mu     sync.Mutex
	input  int
	sets   []int
	broken bool
}

func (f *fakeMac) run(script string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return "", fmt.Errorf("osascript failed")
	}
	if strings.HasPrefix(script, "set volume input volume ") {
		v, err := strconv.Atoi(strings.TrimPrefix(script, "set volume input volume "))
		if err != nil {
			return "", err
		}
		f.input = v
		f.sets = append(f.sets, v)
		return "", nil
	}
	if script == "input volume of (get volume settings)" {
		return strconv.Itoa(f.input), nil
	}
	return "", fmt.Errorf("unexpected script %q", script)
}

func (f *fakeMac) setInput(v int) {
	f.mu.Lock()
	f.input = v
	f.mu.Unlock()
}

func TestAppleScriptEnumerator(t *testing.T) {
	mac := &fakeMac{input: 42}
	enum := NewAppleScriptEnumerator(mac.run, 5*time.Millisecond)

	eps, err := enum.Endpoints()
	require.NoError(t, err)
	require.Len(t, eps, 1)
	ep := eps[0]
	defer ep.Release()

	assert.Equal(t, InputID, ep.NativeID())
	assert.Equal(t, domain.FlowCapture, ep.Flow())
	vol, err := ep.Volume()
	require.NoError(t, err)
	assert.InDelta(t, 0.42, vol, 1e-9)

	require.NoError(t, ep.SetVolume(0.555))
	assert.Equal(t, []int{56}, mac.sets)
	assert.ErrorIs(t, ep.SetVolume(2), domain.ErrInvalidFraction)

	id, err := enum.DefaultEndpoint(domain.FlowCapture, domain.RoleCommunications)
	require.NoError(t, err)
	assert.Equal(t, InputID, id)
	_, err = enum.DefaultEndpoint(domain.FlowRender, domain.RoleConsole)
	assert.ErrorIs(t, err, domain.ErrNoDefaultDevice)
	_, err = enum.Endpoint("other")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestAppleScriptWatchVolumePolls(t *testing.T) {
	mac := &fakeMac{input: 50}
	enum := NewAppleScriptEnumerator(mac.run, 5*time.Millisecond)
	ep, err := enum.Endpoint(InputID)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []float64
	unwatch, err := ep.WatchVolume(func(v float64) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	mac.setInput(80)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.InDelta(t, 0.8, seen[0], 1e-9)
	mu.Unlock()

	unwatch()
	require.NoError(t, ep.Release())
	require.NoError(t, ep.Release())
	_, err = ep.WatchVolume(func(float64) {})
	assert.ErrorIs(t, err, domain.ErrDisposed)
}

func TestAppleScriptErrors(t *testing.T) {
	mac := &fakeMac{broken: true}
	ep, err := NewAppleScriptEnumerator(mac.run, 0).Endpoint(InputID)
	require.NoError(t, err)
	_, err = ep.Volume()
	assert.Error(t, err)
	assert.Error(t, ep.SetVolume(0.5))
}

func TestNoopEnumerator(t *testing.T) {
	var enum NoopEnumerator
	eps, err := enum.Endpoints()
	require.NoError(t, err)
	assert.Empty(t, eps)
	_, err = enum.DefaultEndpoint(domain.FlowCapture, domain.RoleCommunications)
	assert.ErrorIs(t, err, domain.ErrNoDefaultDevice)
	unsubscribe, err := enum.Subscribe(nil)
	require.NoError(t, err)
	unsubscribe()
}
