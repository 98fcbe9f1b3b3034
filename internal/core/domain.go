// Package core implements the microphone self-correction loop: a pure state
// machine (HandleEvent) and the Manager that executes its effects.
package core

import (
	"fmt"
	"math"
	"time"

	"audioguard/internal/domain"
)

// HandleEvent is a pure function that takes current state and an event,
// and returns the new state along with effects to be executed.
func HandleEvent(state State, event Event) (State, []Effect, error) {
	switch event.Type {
	case EventBind:
		data, ok := event.Data.(BindData)
		if !ok {
			return state, nil, fmt.Errorf("invalid BindData")
		}
		return handleBind(state, data)
	case EventUnbind:
		return handleUnbind(state)
	case EventVolumeChanged:
		data, ok := event.Data.(VolumeChangedData)
		if !ok {
			return state, nil, fmt.Errorf("invalid VolumeChangedData")
		}
		return handleVolumeChanged(state, data)
	case EventCorrectionDue:
		data, ok := event.Data.(CorrectionDueData)
		if !ok {
			return state, nil, fmt.Errorf("invalid CorrectionDueData")
		}
		return handleCorrectionDue(state, data)
	case EventCorrectionDone:
		data, ok := event.Data.(CorrectionDoneData)
		if !ok {
			return state, nil, fmt.Errorf("invalid CorrectionDoneData")
		}
		if data.Generation == state.Generation {
			state.Pending = false
		}
		return state, nil, nil
	case EventUpdateTarget:
		data, ok := event.Data.(UpdateTargetData)
		if !ok {
			return state, nil, fmt.Errorf("invalid UpdateTargetData")
		}
		return handleUpdateTarget(state, data)
	case EventApplyOnce:
		data, ok := event.Data.(ApplyOnceData)
		if !ok {
			return state, nil, fmt.Errorf("invalid ApplyOnceData")
		}
		return handleApplyOnce(state, data)
	case EventUpdateSettings:
		data, ok := event.Data.(UpdateSettingsData)
		if !ok {
			return state, nil, fmt.Errorf("invalid UpdateSettingsData")
		}
		state.Settings = data.Settings.normalized()
		return state, nil, nil
	default:
		return state, nil, fmt.Errorf("unknown event type: %s", event.Type)
	}
}

func handleBind(state State, data BindData) (State, []Effect, error) {
	newState := state
	newState.Bound = true
	newState.DeviceID = data.DeviceID
	newState.Generation = state.Generation + 1
	newState.Volume = data.Volume
	newState.Target = domain.ClampPercent(data.Target)
	newState.Pending = false
	newState.LastDrift = domain.DriftNone

	effects := []Effect{{Type: EffectCancelCorrection}}
	newState, more := evaluate(newState)
	return newState, append(effects, more...), nil
}

func handleUnbind(state State) (State, []Effect, error) {
	if !state.Bound {
		return state, nil, nil
	}
	newState := NewState(state.Settings)
	newState.Generation = state.Generation + 1
	newState.Corrections = state.Corrections
	newState.LastCorrection = state.LastCorrection
	newState.LastError = state.LastError
	return newState, []Effect{{Type: EffectCancelCorrection}}, nil
}

func handleVolumeChanged(state State, data VolumeChangedData) (State, []Effect, error) {
	if !state.Bound || data.Generation != state.Generation {
		return state, nil, nil
	}
	newState := state
	newState.Volume = data.Volume
	newState, effects := evaluate(newState)
	return newState, effects, nil
}

// evaluate classifies the current volume and schedules a correction for a
// major drift. Only one correction may be pending at a time.
func evaluate(state State) (State, []Effect) {
	if !state.Bound || math.IsNaN(state.Target) {
		return state, nil
	}
	s := state.Settings
	state.LastDrift = domain.ClassifyDrift(state.Volume, state.Target, s.SmallHysteresis, s.Hysteresis)
	if state.LastDrift != domain.DriftMajor || state.Pending {
		return state, nil
	}
	state.Pending = true
	return state, []Effect{{
		Type:       EffectScheduleCorrection,
		Delay:      s.Delay,
		Generation: state.Generation,
	}}
}

func handleCorrectionDue(state State, data CorrectionDueData) (State, []Effect, error) {
	if !state.Bound || data.Generation != state.Generation || !data.ControlEnabled {
		return state, nil, nil
	}
	if math.IsNaN(state.Target) {
		return state, nil, nil
	}
	return state, []Effect{{
		Type:       EffectApplyVolume,
		Generation: state.Generation,
		Volume:     state.Target,
		Previous:   state.Volume,
	}}, nil
}

func handleUpdateTarget(state State, data UpdateTargetData) (State, []Effect, error) {
	if err := domain.CheckPercent(data.Target); err != nil {
		return state, nil, err
	}
	if !state.Bound || state.DeviceID != data.DeviceID {
		return state, nil, nil
	}
	newState := state
	newState.Target = data.Target
	newState, effects := evaluate(newState)
	return newState, effects, nil
}

func handleApplyOnce(state State, data ApplyOnceData) (State, []Effect, error) {
	if !state.Bound {
		return state, nil, domain.ErrNotBound
	}
	if !data.ControlEnabled {
		return state, nil, domain.ErrControlDisabled
	}
	if math.IsNaN(state.Target) {
		return state, nil, domain.ErrInvalidVolume
	}
	// The immediate write replaces any scheduled correction.
	state.Pending = false
	return state, []Effect{{Type: EffectCancelCorrection}, {
		Type:       EffectApplyVolume,
		Generation: state.Generation,
		Volume:     state.Target,
		Previous:   state.Volume,
	}}, nil
}

// HandleEffectResult updates state based on the result of executing an
// effect. Results for an earlier binding are discarded.
func HandleEffectResult(state State, effect Effect, err error, now time.Time) State {
	if effect.Type != EffectApplyVolume || effect.Generation != state.Generation {
		return state
	}
	newState := state
	if err != nil {
		newState.LastError = err.Error()
		return newState
	}
	newState.Volume = effect.Volume
	newState.LastDrift = domain.DriftNone
	newState.Corrections++
	newState.LastCorrection = now
	newState.LastError = ""
	return newState
}
