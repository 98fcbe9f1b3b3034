package usecase

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioguard/internal/adapter/secondary/native"
	"audioguard/internal/adapter/secondary/policy"
	"audioguard/internal/adapter/secondary/process"
	"audioguard/internal/domain"
	"audioguard/internal/registry"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newPolicies(t *testing.T) *policy.Table {
	t.Helper()
	table, err := policy.NewTable([]policy.Rule{
		{Process: "game.exe", Strategy: domain.StrategyDecreaseFromFull, Volume: 0.4},
		{Process: "music", Strategy: domain.StrategyForce, Volume: 0.6},
		{Process: "call", Strategy: domain.StrategyIncreaseFromMute, Volume: 0.7},
		{Process: "browser", Strategy: domain.StrategyDecrease, Volume: 0.5},
		{Process: "editor", Strategy: domain.StrategyIncrease, Volume: 0.5},
		{Process: "daemon", Strategy: domain.StrategyIgnore, Volume: 0.1},
	})
	require.NoError(t, err)
	return table
}

func newResolver(t *testing.T) *process.Resolver {
	t.Helper()
	r := process.NewResolverAt(t.TempDir())
	for pid, name := range map[uint32]string{
		10: "game.exe", 11: "music", 12: "call", 13: "browser", 14: "editor", 15: "daemon", 16: "unlisted",
	} {
		r.Register(pid, name)
	}
	return r
}

func newEnforcer(t *testing.T, sim *native.Simulator) (*registry.Registry, *SessionEnforcer, *process.Resolver) {
	t.Helper()
	home := registry.NewHome()
	t.Cleanup(home.Close)
	reg, err := registry.New(sim, home, nil, registry.Options{DefaultTarget: 50, DefaultControl: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Dispose(context.Background()) })
	require.NoError(t, reg.Start(testContext(t)))

	resolver := newResolver(t)
	enforcer, err := NewSessionEnforcer(reg, resolver, newPolicies(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = enforcer.Dispose(context.Background()) })
	require.NoError(t, enforcer.Start(testContext(t)))
	return reg, enforcer, resolver
}

func TestNewSessionEnforcerRequiresPorts(t *testing.T) {
	_, err := NewSessionEnforcer(nil, nil, nil)
	assert.Error(t, err)
}

func TestEnforceStrategies(t *testing.T) {
	_, enforcer, _ := newEnforcer(t, native.NewSimulator())

	tests := []struct {
		name    string
		pid     uint32
		before  float64
		outcome Outcome
		after   float64
	}{
		{"decrease from full at full", 10, 1.0, OutcomeApplied, 0.4},
		{"decrease from full below full", 10, 0.9, OutcomeUnchanged, 0.9},
		{"force at target", 11, 0.6, OutcomeApplied, 0.6},
		{"force below", 11, 0.1, OutcomeApplied, 0.6},
		{"increase from mute when muted", 12, 0.0, OutcomeApplied, 0.7},
		{"increase from mute when audible", 12, 0.3, OutcomeUnchanged, 0.3},
		{"decrease above", 13, 0.8, OutcomeApplied, 0.5},
		{"decrease below", 13, 0.2, OutcomeUnchanged, 0.2},
		{"increase below", 14, 0.2, OutcomeApplied, 0.5},
		{"increase above", 14, 0.8, OutcomeUnchanged, 0.8},
		{"ignore", 15, 0.9, OutcomeUnchanged, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := native.NewSession(tt.pid, "app", tt.before)
			adj, err := enforcer.Enforce(s)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, adj.Outcome)
			vol, err := s.Volume()
			require.NoError(t, err)
			assert.InDelta(t, tt.after, vol, 1e-9)
			assert.Equal(t, tt.before, adj.Before)
			if tt.outcome == OutcomeApplied {
				assert.Equal(t, 1, s.Sets())
			} else {
				assert.Equal(t, 0, s.Sets())
			}
		})
	}
	assert.Equal(t, int64(6), enforcer.Adjustments())
}

func TestEnforceWithoutPolicyLeavesSessionUntouched(t *testing.T) {
	_, enforcer, resolver := newEnforcer(t, native.NewSimulator())
	odd := math.Nextafter(0.3, 1)
	s := native.NewSession(16, "Unlisted", odd)

	adj, err := enforcer.Enforce(s)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoPolicy, adj.Outcome)
	assert.Equal(t, "unlisted", adj.Process.Name)
	assert.Equal(t, 0, s.Sets())
	vol, _ := s.Volume()
	assert.Equal(t, math.Float64bits(odd), math.Float64bits(vol))

	_, cached := resolver.Resolve(16)
	assert.True(t, cached, "resolved process is cached")
}

func TestEnforceProcessGone(t *testing.T) {
	_, enforcer, _ := newEnforcer(t, native.NewSimulator())
	s := native.NewSession(999, "Exited", 1.0)

	adj, err := enforcer.Enforce(s)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessGone, adj.Outcome)
	assert.Equal(t, 0, s.Sets())
	assert.Equal(t, int64(0), enforcer.Adjustments())
}

func TestEnforceUsesCache(t *testing.T) {
	_, enforcer, resolver := newEnforcer(t, native.NewSimulator())
	resolver.Cache(domain.ProcessInfo{PID: 500, Name: "music"})

	s := native.NewSession(500, "Music", 0.1)
	adj, err := enforcer.Enforce(s)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, adj.Outcome)
}

func renderSimulator(t *testing.T) *native.Simulator {
	t.Helper()
	sim := native.NewSimulator()
	require.NoError(t, sim.AddEndpoint(native.EndpointSpec{ID: "spk", Name: "Speakers"}))
	require.NoError(t, sim.AddEndpoint(native.EndpointSpec{ID: "hp", Name: "Headphones"}))
	require.NoError(t, sim.AddEndpoint(native.EndpointSpec{ID: "mic", Name: "Mic", Flow: "capture"}))
	require.NoError(t, sim.SetDefault(domain.FlowRender, domain.RoleConsole, "spk"))
	require.NoError(t, sim.SetDefault(domain.FlowRender, domain.RoleMultimedia, "hp"))
	require.NoError(t, sim.SetDefault(domain.FlowCapture, domain.RoleCommunications, "mic"))
	return sim
}

func sessionWatchers(sim *native.Simulator, id string) int {
	_, n := sim.Watchers(id)
	return n
}

func TestSessionHooksFollowRenderSlots(t *testing.T) {
	sim := renderSimulator(t)
	reg, enforcer, _ := newEnforcer(t, sim)

	hooked, err := enforcer.Hooked(testContext(t))
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.DeviceID{domain.DeriveDeviceID("spk"), domain.DeriveDeviceID("hp")}, hooked)
	assert.Equal(t, 1, sessionWatchers(sim, "spk"))
	assert.Equal(t, 1, sessionWatchers(sim, "hp"))
	assert.Equal(t, 0, sessionWatchers(sim, "mic"))

	// Both slots on one device share a hook.
	require.NoError(t, sim.SetDefault(domain.FlowRender, domain.RoleMultimedia, "spk"))
	require.NoError(t, reg.Sync(testContext(t)))
	assert.Equal(t, 1, sessionWatchers(sim, "spk"))
	assert.Equal(t, 0, sessionWatchers(sim, "hp"))

	require.NoError(t, sim.SetDefault(domain.FlowRender, domain.RoleConsole, "hp"))
	require.NoError(t, reg.Sync(testContext(t)))
	assert.Equal(t, 1, sessionWatchers(sim, "spk"))
	assert.Equal(t, 1, sessionWatchers(sim, "hp"))

	require.NoError(t, sim.RemoveEndpoint("spk"))
	require.NoError(t, reg.Sync(testContext(t)))
	hooked, err = enforcer.Hooked(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceID{domain.DeriveDeviceID("hp")}, hooked)
}

func TestNewSessionIsEnforcedOnHome(t *testing.T) {
	sim := renderSimulator(t)
	reg, enforcer, _ := newEnforcer(t, sim)
	enforcer.SetLogAdjustments(true)

	game, err := sim.CreateSession("hp", 10, "Game", 1.0)
	require.NoError(t, err)
	other, err := sim.CreateSession("hp", 16, "Other", 1.0)
	require.NoError(t, err)
	onMic, err := sim.CreateSession("mic", 11, "Music on mic", 0.1)
	require.NoError(t, err)
	require.NoError(t, reg.Sync(testContext(t)))

	vol, _ := game.Volume()
	assert.InDelta(t, 0.4, vol, 1e-9)
	assert.Equal(t, 0, other.Sets())
	assert.Equal(t, 0, onMic.Sets(), "capture devices are not watched")
	assert.Equal(t, int64(1), enforcer.Adjustments())
}

func TestEnforcerDispose(t *testing.T) {
	sim := renderSimulator(t)
	reg, enforcer, _ := newEnforcer(t, sim)

	require.NoError(t, enforcer.Dispose(testContext(t)))
	require.NoError(t, enforcer.Dispose(testContext(t)))
	assert.Equal(t, 0, sessionWatchers(sim, "spk"))
	assert.Equal(t, 0, sessionWatchers(sim, "hp"))

	require.NoError(t, sim.SetDefault(domain.FlowRender, domain.RoleConsole, "hp"))
	require.NoError(t, reg.Sync(testContext(t)))
	assert.Equal(t, 0, sessionWatchers(sim, "hp"))
	assert.ErrorIs(t, enforcer.Start(testContext(t)), domain.ErrDisposed)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "no-policy", OutcomeNoPolicy.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
