package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveDeviceIDIsDeterministic(t *testing.T) {
	ids := []string{
		"{0.0.1.00000000}.{6b1d8f2c-0c1e-4f4a-9b8e-3a7d5c2e1f00}",
		"{0.0.0.00000000}.{aa11bb22-cc33-dd44-ee55-ff6677889900}",
		"",
	}
	for _, native := range ids {
		first := DeriveDeviceID(native)
		second := DeriveDeviceID(native)
		assert.Equal(t, first, second, native)
		assert.False(t, first.IsNil())

		parsed, err := ParseDeviceID(first.String())
		require.NoError(t, err)
		assert.Equal(t, first, parsed)
	}
	assert.NotEqual(t, DeriveDeviceID(ids[0]), DeriveDeviceID(ids[1]))
}

func TestDeviceIDTextRoundTrip(t *testing.T) {
	id := DeriveDeviceID("mic")
	text, err := id.MarshalText()
	require.NoError(t, err)

	var decoded DeviceID
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, id, decoded)

	assert.Error(t, decoded.UnmarshalText([]byte("not-a-uuid")))
}

func TestCheckPercent(t *testing.T) {
	assert.NoError(t, CheckPercent(0))
	assert.NoError(t, CheckPercent(100))
	assert.NoError(t, CheckPercent(42.5))
	assert.ErrorIs(t, CheckPercent(-0.1), ErrInvalidVolume)
	assert.ErrorIs(t, CheckPercent(100.1), ErrInvalidVolume)
	assert.ErrorIs(t, CheckPercent(math.NaN()), ErrInvalidVolume)
	assert.ErrorIs(t, CheckPercent(math.Inf(1)), ErrInvalidVolume)
}

func TestClampPercent(t *testing.T) {
	assert.Equal(t, 0.0, ClampPercent(-5))
	assert.Equal(t, 100.0, ClampPercent(250))
	assert.Equal(t, 33.0, ClampPercent(33))
	assert.True(t, math.IsNaN(ClampPercent(math.NaN())))
	assert.InDelta(t, 0.5, PercentToScalar(50), 1e-9)
	assert.InDelta(t, 75, ScalarToPercent(0.75), 1e-9)
}

func TestClassifyDrift(t *testing.T) {
	tests := []struct {
		name   string
		volume float64
		want   Drift
	}{
		{"on target", 80, DriftNone},
		{"inside small band", 81, DriftNone},
		{"between thresholds", 82, DriftMinor},
		{"at large threshold", 85, DriftMajor},
		{"far below", 10, DriftMajor},
		{"unknown reading", math.NaN(), DriftMajor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyDrift(tt.volume, 80, 1, 5))
		})
	}
}

func TestStrategyDecisionTable(t *testing.T) {
	tests := []struct {
		strategy VolumeStrategy
		current  float64
		target   float64
		want     bool
	}{
		{StrategyDecrease, 0.8, 0.5, true},
		{StrategyDecrease, 0.2, 0.5, false},
		{StrategyDecrease, 0.5, 0.5, false},
		{StrategyIncrease, 0.2, 0.5, true},
		{StrategyIncrease, 0.8, 0.5, false},
		{StrategyForce, 0.5, 0.5, true},
		{StrategyForce, 0.0, 0.5, true},
		{StrategyForce, 1.0, 0.5, true},
		{StrategyDecreaseFromFull, 0.95, 0.5, false},
		{StrategyDecreaseFromFull, 1.0, 0.5, true},
		{StrategyDecreaseFromFull, 0.995, 1.0, false},
		{StrategyIncreaseFromMute, 0.02, 0.5, false},
		{StrategyIncreaseFromMute, 0.0, 0.5, true},
		{StrategyIncreaseFromMute, 0.005, 0.0, false},
		{StrategyIgnore, 0.0, 0.5, false},
		{StrategyIgnore, 1.0, 0.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.strategy.ShouldApply(tt.current, tt.target),
				"current=%v target=%v", tt.current, tt.target)
		})
	}
}

func TestParseStrategy(t *testing.T) {
	for _, st := range Strategies {
		parsed, err := ParseStrategy(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}

	parsed, err := ParseStrategy("Decrease_From_Full")
	require.NoError(t, err)
	assert.Equal(t, StrategyDecreaseFromFull, parsed)

	_, err = ParseStrategy("louder")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestSlotFor(t *testing.T) {
	slot, ok := SlotFor(FlowRender, RoleMultimedia)
	require.True(t, ok)
	assert.Equal(t, SlotMultimedia, slot)

	slot, ok = SlotFor(FlowRender, RoleConsole)
	require.True(t, ok)
	assert.Equal(t, SlotConsole, slot)

	slot, ok = SlotFor(FlowCapture, RoleCommunications)
	require.True(t, ok)
	assert.Equal(t, SlotRecording, slot)

	_, ok = SlotFor(FlowCapture, RoleMultimedia)
	assert.False(t, ok)

	for _, s := range []Slot{SlotConsole, SlotMultimedia, SlotRecording} {
		back, ok := SlotFor(s.Flow(), s.Role())
		require.True(t, ok)
		assert.Equal(t, s, back)
	}
}
