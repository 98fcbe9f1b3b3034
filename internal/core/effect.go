package core

import (
	"math"
	"time"

	"audioguard/internal/domain"
)

// EffectType represents the type of side effect to be performed.
type EffectType string

const (
	// EffectScheduleCorrection starts the debounce timer.
	EffectScheduleCorrection EffectType = "ScheduleCorrection"
	// EffectCancelCorrection stops a running debounce timer.
	EffectCancelCorrection EffectType = "CancelCorrection"
	// EffectApplyVolume sets the hardware volume of the bound device.
	EffectApplyVolume EffectType = "ApplyVolume"
)

// Effect represents a side effect that should be performed by the Manager.
// HandleEvent produces Effects without executing them.
type Effect struct {
	Type       EffectType
	Delay      time.Duration
	Generation uint64
	Volume     float64
	Previous   float64
}

// EventType represents the type of event.
type EventType string

const (
	EventBind           EventType = "Bind"
	EventUnbind         EventType = "Unbind"
	EventVolumeChanged  EventType = "VolumeChanged"
	EventCorrectionDue  EventType = "CorrectionDue"
	EventCorrectionDone EventType = "CorrectionDone"
	EventUpdateTarget   EventType = "UpdateTarget"
	EventApplyOnce      EventType = "ApplyOnce"
	EventUpdateSettings EventType = "UpdateSettings"
)

// Event represents an input event to the correction loop.
type Event struct {
	Type EventType
	Data interface{}
}

// BindData starts tracking a device.
type BindData struct {
	DeviceID domain.DeviceID
	Volume   float64
	Target   float64
}

// VolumeChangedData carries a hardware volume notification. Generation is
// the binding the watcher was installed for.
type VolumeChangedData struct {
	Generation uint64
	Volume     float64
}

// CorrectionDueData is sent when the debounce timer fires.
type CorrectionDueData struct {
	Generation     uint64
	ControlEnabled bool
}

// CorrectionDoneData releases the pending flag of a finished timer.
type CorrectionDoneData struct {
	Generation uint64
}

// UpdateTargetData changes the target of a device.
type UpdateTargetData struct {
	DeviceID domain.DeviceID
	Target   float64
}

// ApplyOnceData requests an immediate correction.
type ApplyOnceData struct {
	ControlEnabled bool
}

// UpdateSettingsData replaces the thresholds and delay.
type UpdateSettingsData struct {
	Settings Settings
}

// Settings are the tunables of the correction loop. Hysteresis values are
// in percentage points.
type Settings struct {
	SmallHysteresis float64
	Hysteresis      float64
	Delay           time.Duration
}

// DefaultSettings returns the stock thresholds.
func DefaultSettings() Settings {
	return Settings{
		SmallHysteresis: 1,
		Hysteresis:      5,
		Delay:           5 * time.Second,
	}
}

// normalized keeps the thresholds ordered and non-negative.
func (s Settings) normalized() Settings {
	if s.SmallHysteresis < 0 || math.IsNaN(s.SmallHysteresis) {
		s.SmallHysteresis = 0
	}
	if s.Hysteresis < s.SmallHysteresis || math.IsNaN(s.Hysteresis) {
		s.Hysteresis = s.SmallHysteresis
	}
	if s.Delay < 0 {
		s.Delay = 0
	}
	return s
}

// State represents the current state of the correction loop.
type State struct {
	Settings Settings

	Bound      bool
	DeviceID   domain.DeviceID
	Generation uint64
	Volume     float64
	Target     float64
	LastDrift  domain.Drift

	Pending        bool
	Corrections    int64
	LastCorrection time.Time
	LastError      string
}

// NewState returns an unbound state.
func NewState(settings Settings) State {
	return State{
		Settings: settings.normalized(),
		Volume:   math.NaN(),
		Target:   math.NaN(),
	}
}

// Status is the externally visible view of the loop.
type Status struct {
	Bound           bool       `json:"bound"`
	DeviceID        string     `json:"deviceId,omitempty"`
	DeviceName      string     `json:"deviceName,omitempty"`
	ControlEnabled  bool       `json:"controlEnabled"`
	Volume          *float64   `json:"volume"`
	Target          *float64   `json:"targetVolume"`
	Pending         bool       `json:"pending"`
	Corrections     int64      `json:"corrections"`
	LastCorrection  *time.Time `json:"lastCorrection,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	SmallHysteresis float64    `json:"smallHysteresis"`
	Hysteresis      float64    `json:"hysteresis"`
	AdjustDelay     string     `json:"adjustDelay"`
}

// StateSnapshot returns a snapshot suitable for external consumption.
func (s State) StateSnapshot() Status {
	st := Status{
		Bound:           s.Bound,
		Pending:         s.Pending,
		Corrections:     s.Corrections,
		LastError:       s.LastError,
		SmallHysteresis: s.Settings.SmallHysteresis,
		Hysteresis:      s.Settings.Hysteresis,
		AdjustDelay:     s.Settings.Delay.String(),
	}
	if s.Bound {
		st.DeviceID = s.DeviceID.String()
	}
	if !math.IsNaN(s.Volume) {
		v := s.Volume
		st.Volume = &v
	}
	if !math.IsNaN(s.Target) {
		t := s.Target
		st.Target = &t
	}
	if !s.LastCorrection.IsZero() {
		at := s.LastCorrection
		st.LastCorrection = &at
	}
	return st
}
