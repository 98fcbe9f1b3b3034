package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DeviceID identifies an audio endpoint across enumerations and process runs.
// It is derived from the OS endpoint string with DeriveDeviceID.
type DeviceID uuid.UUID

// NilDeviceID is the zero identifier.
var NilDeviceID DeviceID

func (id DeviceID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero identifier.
func (id DeviceID) IsNil() bool {
	return id == NilDeviceID
}

// MarshalText lets DeviceID be used as a JSON object key.
func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *DeviceID) UnmarshalText(b []byte) error {
	parsed, err := ParseDeviceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseDeviceID parses the canonical textual form of a DeviceID.
func ParseDeviceID(s string) (DeviceID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return NilDeviceID, fmt.Errorf("parse device id %q: %w", s, err)
	}
	return DeviceID(u), nil
}

// Flow is the data-flow direction of an endpoint.
type Flow int

const (
	FlowRender Flow = iota
	FlowCapture
	FlowAll
)

func (f Flow) String() string {
	switch f {
	case FlowRender:
		return "render"
	case FlowCapture:
		return "capture"
	case FlowAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParseFlow converts the textual form produced by Flow.String.
func ParseFlow(s string) (Flow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "render", "playback", "output":
		return FlowRender, nil
	case "capture", "recording", "input":
		return FlowCapture, nil
	case "all", "both":
		return FlowAll, nil
	default:
		return FlowAll, fmt.Errorf("unknown flow %q", s)
	}
}

// DeviceState is the lifecycle state the OS reports for an endpoint.
type DeviceState int

const (
	StateActive DeviceState = 1 << iota
	StateDisabled
	StateNotPresent
	StateUnplugged
)

func (s DeviceState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDisabled:
		return "disabled"
	case StateNotPresent:
		return "not-present"
	case StateUnplugged:
		return "unplugged"
	default:
		return "unknown"
	}
}

// ParseDeviceState converts the textual form produced by DeviceState.String.
func ParseDeviceState(s string) (DeviceState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return StateActive, nil
	case "disabled":
		return StateDisabled, nil
	case "not-present", "notpresent":
		return StateNotPresent, nil
	case "unplugged":
		return StateUnplugged, nil
	default:
		return 0, fmt.Errorf("unknown device state %q", s)
	}
}

// Role is the OS notion of which device to use for a purpose.
type Role int

const (
	RoleConsole Role = iota
	RoleMultimedia
	RoleCommunications
)

func (r Role) String() string {
	switch r {
	case RoleConsole:
		return "console"
	case RoleMultimedia:
		return "multimedia"
	case RoleCommunications:
		return "communications"
	default:
		return "unknown"
	}
}

// ParseRole converts the textual form produced by Role.String.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "console":
		return RoleConsole, nil
	case "multimedia":
		return RoleMultimedia, nil
	case "communications", "voice":
		return RoleCommunications, nil
	default:
		return RoleConsole, fmt.Errorf("unknown role %q", s)
	}
}

// Slot is one of the default-device bindings the registry tracks.
type Slot int

const (
	SlotConsole Slot = iota
	SlotMultimedia
	SlotRecording

	SlotCount = 3
)

func (s Slot) String() string {
	switch s {
	case SlotConsole:
		return "console"
	case SlotMultimedia:
		return "multimedia"
	case SlotRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// Flow returns the data-flow direction of the default device for the slot.
func (s Slot) Flow() Flow {
	if s == SlotRecording {
		return FlowCapture
	}
	return FlowRender
}

// Role returns the OS role queried for the slot.
func (s Slot) Role() Role {
	switch s {
	case SlotConsole:
		return RoleConsole
	case SlotMultimedia:
		return RoleMultimedia
	default:
		return RoleCommunications
	}
}

// SlotFor maps a default-device notification to the slot it rebinds.
// Combinations the registry does not track return false.
func SlotFor(flow Flow, role Role) (Slot, bool) {
	switch {
	case flow == FlowRender && role == RoleConsole:
		return SlotConsole, true
	case flow == FlowRender && role == RoleMultimedia:
		return SlotMultimedia, true
	case flow == FlowCapture && role == RoleCommunications:
		return SlotRecording, true
	default:
		return 0, false
	}
}

// DevicePreference is the persisted per-device configuration.
type DevicePreference struct {
	ID             DeviceID
	Name           string
	ControlEnabled bool
	TargetVolume   float64
}

// ProcessInfo describes the process owning an audio session.
type ProcessInfo struct {
	PID  uint32
	Name string
}

// Policy is the session volume rule attached to a process.
// Volume is a fraction in [0,1].
type Policy struct {
	Strategy VolumeStrategy
	Volume   float64
}
