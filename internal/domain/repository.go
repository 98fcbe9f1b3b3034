package domain

// Endpoint is a native audio endpoint handle.
// Implementations are bound to the goroutine that created them: every method
// must be called from the registry's home context.
type Endpoint interface {
	NativeID() string
	Name() (string, error)
	Flow() Flow
	State() (DeviceState, error)

	// Volume returns the master scalar volume in [0,1].
	Volume() (float64, error)
	SetVolume(scalar float64) error

	// WatchVolume registers fn for hardware volume changes. fn may be invoked
	// on any goroutine. The returned func removes the registration.
	WatchVolume(fn func(scalar float64)) (func(), error)

	// WatchSessions registers fn for newly created audio sessions.
	WatchSessions(fn func(Session)) (func(), error)

	Release() error
}

// Session is a per-process audio stream on an endpoint.
type Session interface {
	ProcessID() uint32
	DisplayName() string
	// Volume returns the session volume as a fraction in [0,1].
	Volume() (float64, error)
	SetVolume(fraction float64) error
}

// NotificationClient receives endpoint notifications from the OS.
// Calls arrive on arbitrary goroutines and must not block.
type NotificationClient interface {
	OnDeviceAdded(nativeID string)
	OnDeviceRemoved(nativeID string)
	OnDeviceStateChanged(nativeID string, state DeviceState)
	OnDefaultDeviceChanged(flow Flow, role Role, nativeID string)
}

// Enumerator is the native device enumerator. Like Endpoint it is bound to
// the home context.
type Enumerator interface {
	// Endpoints lists every endpoint of any flow in any state.
	Endpoints() ([]Endpoint, error)
	Endpoint(nativeID string) (Endpoint, error)
	// DefaultEndpoint returns the native id of the default device or
	// ErrNoDefaultDevice.
	DefaultEndpoint(flow Flow, role Role) (string, error)
	Subscribe(client NotificationClient) (func(), error)
	Release() error
}

// ProcessResolver is a secondary port resolving process metadata.
type ProcessResolver interface {
	// Resolve returns a cached record.
	Resolve(pid uint32) (ProcessInfo, bool)
	// Lookup inspects the live process and fails with ErrProcessNotFound
	// when it has exited.
	Lookup(pid uint32, displayName string) (ProcessInfo, error)
	Cache(info ProcessInfo)
}

// PolicyLookup is a secondary port returning the session volume policy of a process.
type PolicyLookup interface {
	PolicyFor(info ProcessInfo) (Policy, bool)
}

// PreferenceStore is a secondary port persisting per-device preferences.
type PreferenceStore interface {
	Load(id DeviceID) (DevicePreference, bool, error)
	Save(pref DevicePreference) error
	List() ([]DevicePreference, error)
}
