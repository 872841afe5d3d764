// SPDX-License-Identifier: GPL-2.0-only

package bridge

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	frames         *prometheus.CounterVec
	deviceWrites   prometheus.Counter
	deviceErrors   *prometheus.CounterVec
	forwardedBytes *prometheus.CounterVec
	sessionState   prometheus.Gauge
	inflight       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_hid_bridge_frames_total",
			Help: "The number of message frames received from the USB/IP peer, by command.",
		}, []string{"command"}),
		deviceWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_hid_bridge_device_writes_total",
			Help: "The number of reports written to the HID device.",
		}),
		deviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_hid_bridge_device_errors_total",
			Help: "The number of failed HID device operations, by operation.",
		}, []string{"op"}),
		forwardedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_hid_bridge_forwarded_bytes_total",
			Help: "The number of payload bytes moved between the USB/IP peer and the HID device.",
		}, []string{"direction"}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_hid_bridge_session_state",
			Help: "The current session state (0=disconnected, 1=connected, 2=attached, 3=running, 4=closed).",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_hid_bridge_inflight_requests",
			Help: "The number of requests awaiting a reply.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.frames, m.deviceWrites, m.deviceErrors, m.forwardedBytes, m.sessionState, m.inflight)
	}
	return m
}
