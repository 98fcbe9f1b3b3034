package registry

import (
	"sort"
	"sync"

	"audioguard/internal/domain"
)

// EventType represents different types of registry events.
type EventType string

const (
	EventDeviceAdded               EventType = "device-added"
	EventDeviceRemoved             EventType = "device-removed"
	EventDeviceStateChanged        EventType = "device-state-changed"
	EventDefaultDeviceChanged      EventType = "default-device-changed"
	EventMicrophoneVolumeCorrected EventType = "microphone-volume-corrected"
)

// Event is published on the Bus. Data holds one of the *Data structs below.
type Event struct {
	Type EventType
	Data interface{}
}

// DeviceAddedData is the payload of EventDeviceAdded.
type DeviceAddedData struct {
	ID     domain.DeviceID
	Device *Device
}

// DeviceRemovedData is the payload of EventDeviceRemoved.
type DeviceRemovedData struct {
	ID     domain.DeviceID
	Device *Device
}

// DeviceStateChangedData is the payload of EventDeviceStateChanged.
type DeviceStateChangedData struct {
	ID    domain.DeviceID
	State domain.DeviceState
}

// DefaultDeviceChangedData is the payload of EventDefaultDeviceChanged.
// Device is nil and ID is domain.NilDeviceID when no default is available.
type DefaultDeviceChangedData struct {
	Slot   domain.Slot
	Flow   domain.Flow
	Role   domain.Role
	ID     domain.DeviceID
	Device *Device
}

// MicrophoneVolumeCorrectedData is the payload of EventMicrophoneVolumeCorrected.
type MicrophoneVolumeCorrectedData struct {
	ID    domain.DeviceID
	Old   float64
	New   float64
	Count int64
}

// Handler receives events synchronously on the publishing goroutine, which
// is the home context for every registry event.
type Handler func(Event)

// Bus is the registry's subscription list.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler
	closed   bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[uint64]Handler)}
}

// Subscribe registers h and returns a func removing it. The returned func is
// safe to call more than once.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || h == nil {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers e to every handler in subscription order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Len returns the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Close drops every subscription; later Subscribe calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[uint64]Handler)
}
