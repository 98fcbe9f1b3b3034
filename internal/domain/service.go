package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// endpointNamespace scopes name-based device identifiers.
var endpointNamespace = uuid.MustParse("5b0d8a3e-2f6c-4c1e-9a57-3d1f0e8c4b21")

// DeriveDeviceID maps an OS endpoint string to its stable identifier.
// The same input always yields the same identifier.
func DeriveDeviceID(nativeID string) DeviceID {
	return DeviceID(uuid.NewSHA1(endpointNamespace, []byte(nativeID)))
}

// CheckPercent rejects values that are not finite percentages.
func CheckPercent(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 100 {
		return ErrInvalidVolume
	}
	return nil
}

// CheckFraction rejects values outside [0,1].
func CheckFraction(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return ErrInvalidFraction
	}
	return nil
}

// ClampPercent clamps v into [0,100]. NaN is returned unchanged.
func ClampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return v
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// ScalarToPercent converts a native scalar volume to a percentage.
func ScalarToPercent(scalar float64) float64 {
	if math.IsNaN(scalar) {
		return scalar
	}
	return ClampPercent(scalar * 100)
}

// PercentToScalar converts a percentage to a native scalar volume.
func PercentToScalar(percent float64) float64 {
	return ClampPercent(percent) / 100
}

// Drift classifies how far a volume reading is from its target.
type Drift int

const (
	// DriftNone is within the small hysteresis and treated as noise.
	DriftNone Drift = iota
	// DriftMinor lies strictly between the two thresholds.
	DriftMinor
	// DriftMajor requires a correction.
	DriftMajor
)

func (d Drift) String() string {
	switch d {
	case DriftNone:
		return "none"
	case DriftMinor:
		return "minor"
	case DriftMajor:
		return "major"
	default:
		return "unknown"
	}
}

// ClassifyDrift compares a volume reading against the target. An unknown
// (NaN) reading is never considered in range.
func ClassifyDrift(volume, target, small, large float64) Drift {
	if math.IsNaN(volume) {
		return DriftMajor
	}
	diff := math.Abs(volume - target)
	switch {
	case diff <= small:
		return DriftNone
	case diff >= large:
		return DriftMajor
	default:
		return DriftMinor
	}
}

// VolumeStrategy describes how a session volume is reconciled against a target.
type VolumeStrategy int

const (
	StrategyIgnore VolumeStrategy = iota
	StrategyDecrease
	StrategyIncrease
	StrategyForce
	StrategyDecreaseFromFull
	StrategyIncreaseFromMute
)

const (
	fullThreshold = 0.99
	muteThreshold = 0.01
)

// Strategies lists every strategy in declaration order.
var Strategies = []VolumeStrategy{
	StrategyIgnore,
	StrategyDecrease,
	StrategyIncrease,
	StrategyForce,
	StrategyDecreaseFromFull,
	StrategyIncreaseFromMute,
}

func (s VolumeStrategy) String() string {
	switch s {
	case StrategyIgnore:
		return "ignore"
	case StrategyDecrease:
		return "decrease"
	case StrategyIncrease:
		return "increase"
	case StrategyForce:
		return "force"
	case StrategyDecreaseFromFull:
		return "decrease-from-full"
	case StrategyIncreaseFromMute:
		return "increase-from-mute"
	default:
		return "unknown"
	}
}

// ParseStrategy converts the textual form produced by VolumeStrategy.String.
func ParseStrategy(s string) (VolumeStrategy, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, st := range Strategies {
		if st.String() == key {
			return st, nil
		}
	}
	return StrategyIgnore, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// MarshalText encodes the strategy for config files.
func (s VolumeStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *VolumeStrategy) UnmarshalText(b []byte) error {
	parsed, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ShouldApply reports whether a session at current volume must be set to
// target. Both values are fractions in [0,1].
func (s VolumeStrategy) ShouldApply(current, target float64) bool {
	switch s {
	case StrategyDecrease:
		return current > target
	case StrategyIncrease:
		return current < target
	case StrategyForce:
		return true
	case StrategyDecreaseFromFull:
		return current > target && current > fullThreshold
	case StrategyIncreaseFromMute:
		return current < target && current < muteThreshold
	default:
		return false
	}
}
