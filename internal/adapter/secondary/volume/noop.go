package volume

import "audioguard/internal/domain"

// NoopEnumerator implements domain.Enumerator with no endpoints.
// Useful on hosts without a supported audio backend.
type NoopEnumerator struct{}

var _ domain.Enumerator = NoopEnumerator{}

func (NoopEnumerator) Endpoints() ([]domain.Endpoint, error) {
	return nil, nil
}

func (NoopEnumerator) Endpoint(nativeID string) (domain.Endpoint, error) {
	return nil, domain.ErrDeviceNotFound
}

func (NoopEnumerator) DefaultEndpoint(domain.Flow, domain.Role) (string, error) {
	return "", domain.ErrNoDefaultDevice
}

func (NoopEnumerator) Subscribe(domain.NotificationClient) (func(), error) {
	return func() {}, nil
}

func (NoopEnumerator) Release() error {
	return nil
}
