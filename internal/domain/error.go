package domain

import "errors"

var (
	// ErrInvalidVolume indicates that the volume value is out of range.
	ErrInvalidVolume = errors.New("volume must be between 0 and 100")

	// ErrInvalidFraction indicates that a session volume is outside [0,1].
	ErrInvalidFraction = errors.New("session volume must be between 0.0 and 1.0")

	// ErrDisposed is returned by operations on a disposed device, registry or loop.
	ErrDisposed = errors.New("object has been disposed")

	// ErrDeviceNotFound indicates that no endpoint matches the requested id.
	ErrDeviceNotFound = errors.New("audio device not found")

	// ErrNoDefaultDevice indicates that the OS has no default device for a role.
	ErrNoDefaultDevice = errors.New("no default audio device for role")

	// ErrProcessNotFound indicates that the process owning a session is gone.
	ErrProcessNotFound = errors.New("process not found")

	// ErrUnknownStrategy is returned when parsing an unknown volume strategy.
	ErrUnknownStrategy = errors.New("unknown volume strategy")

	// ErrNotBound indicates that the correction loop tracks no device.
	ErrNotBound = errors.New("no recording device is bound")

	// ErrControlDisabled indicates that volume control is off for the device.
	ErrControlDisabled = errors.New("volume control is disabled for the device")
)
