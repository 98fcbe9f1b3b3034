package registry

import "audioguard/internal/domain"

// notificationAdapter is the client handed to the native enumerator. It only
// forwards; the registry methods do the disposal checks and marshalling.
type notificationAdapter struct {
	registry *Registry
}

var _ domain.NotificationClient = (*notificationAdapter)(nil)

func (n *notificationAdapter) OnDeviceAdded(nativeID string) {
	n.registry.OnDeviceAdded(nativeID)
}

func (n *notificationAdapter) OnDeviceRemoved(nativeID string) {
	n.registry.OnDeviceRemoved(nativeID)
}

func (n *notificationAdapter) OnDeviceStateChanged(nativeID string, state domain.DeviceState) {
	n.registry.OnDeviceStateChanged(nativeID, state)
}

func (n *notificationAdapter) OnDefaultDeviceChanged(flow domain.Flow, role domain.Role, nativeID string) {
	n.registry.OnDefaultDeviceChanged(flow, role, nativeID)
}
