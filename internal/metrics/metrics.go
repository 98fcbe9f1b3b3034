// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	devicesKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audioguard_devices_known",
			Help: "Number of audio endpoints currently held by the registry",
		},
	)

	devicesIgnoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audioguard_devices_ignored_total",
			Help: "Total number of endpoints skipped because they failed to construct",
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioguard_notifications_total",
			Help: "Total number of endpoint notifications received, by kind",
		},
		[]string{"kind"},
	)

	microphoneCorrectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audioguard_microphone_corrections_total",
			Help: "Total number of microphone volume corrections applied",
		},
	)

	microphoneVolumePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audioguard_microphone_volume_percent",
			Help: "Last observed hardware volume of the bound recording device",
		},
	)

	sessionAdjustmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioguard_session_adjustments_total",
			Help: "Total number of session volumes overwritten, by strategy",
		},
		[]string{"strategy"},
	)
)

// Notification kinds.
const (
	KindAdded          = "added"
	KindRemoved        = "removed"
	KindStateChanged   = "state_changed"
	KindDefaultChanged = "default_changed"
)

// SetDevicesKnown records the registry size.
func SetDevicesKnown(n int) {
	devicesKnown.Set(float64(n))
}

// IncDevicesIgnored counts an endpoint that failed to construct.
func IncDevicesIgnored() {
	devicesIgnoredTotal.Inc()
}

// IncNotification counts a received endpoint notification.
func IncNotification(kind string) {
	notificationsTotal.WithLabelValues(kind).Inc()
}

// IncMicrophoneCorrection counts an applied microphone correction.
func IncMicrophoneCorrection() {
	microphoneCorrectionsTotal.Inc()
}

// SetMicrophoneVolume records the last observed microphone volume.
func SetMicrophoneVolume(percent float64) {
	microphoneVolumePercent.Set(percent)
}

// IncSessionAdjustment counts a session volume overwrite.
func IncSessionAdjustment(strategy string) {
	sessionAdjustmentsTotal.WithLabelValues(strategy).Inc()
}
