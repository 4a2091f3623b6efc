// Package metrics exposes the pipeline's Prometheus counters and
// gauges behind a private registry.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter the pipeline updates. All fields are
// safe for concurrent use.
type Metrics struct {
	FramesIngested     atomic.Uint64
	FramesMalformed    atomic.Uint64
	FramesEvicted      atomic.Uint64
	DetectionsBuffered atomic.Uint64

	ZoneTransitions     atomic.Uint64
	MEODEmitted         atomic.Uint64
	MEFDEmitted         atomic.Uint64
	AccessUpdateCommits atomic.Uint64
	AccessUpdateErrors  atomic.Uint64

	ControllerSessions atomic.Int64
	PilotSessions      atomic.Int64

	RelayFramesSent    atomic.Uint64
	RelayFramesDropped atomic.Uint64

	DBErrors atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its Prometheus gauges registered
// against a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauge := func(name, help string, read func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help}, read,
		))
	}

	gauge("surface_safety_frames_ingested_total", "Total UDP camera frames accepted into the frame bus.",
		func() float64 { return float64(m.FramesIngested.Load()) })
	gauge("surface_safety_frames_malformed_total", "Total UDP datagrams dropped for a malformed header.",
		func() float64 { return float64(m.FramesMalformed.Load()) })
	gauge("surface_safety_frames_evicted_total", "Total frames evicted from the frame bus (overflow or age cap).",
		func() float64 { return float64(m.FramesEvicted.Load()) })
	gauge("surface_safety_detections_buffered_total", "Total detection batches recorded in the detection buffer.",
		func() float64 { return float64(m.DetectionsBuffered.Load()) })

	gauge("surface_safety_zone_transitions_total", "Total NORMAL<->HAZARD zone state transitions.",
		func() float64 { return float64(m.ZoneTransitions.Load()) })
	gauge("surface_safety_me_od_emitted_total", "Total ME_OD messages emitted to controller sessions.",
		func() float64 { return float64(m.MEODEmitted.Load()) })
	gauge("surface_safety_me_fd_emitted_total", "Total ME_FD first-detection messages emitted.",
		func() float64 { return float64(m.MEFDEmitted.Load()) })
	gauge("surface_safety_access_update_commits_total", "Total successful AC_UA authority-vector commits.",
		func() float64 { return float64(m.AccessUpdateCommits.Load()) })
	gauge("surface_safety_access_update_errors_total", "Total rejected or failed AC_UA commits.",
		func() float64 { return float64(m.AccessUpdateErrors.Load()) })

	gauge("surface_safety_controller_sessions", "Currently connected controller sessions.",
		func() float64 { return float64(m.ControllerSessions.Load()) })
	gauge("surface_safety_pilot_sessions", "Currently connected pilot sessions.",
		func() float64 { return float64(m.PilotSessions.Load()) })

	gauge("surface_safety_relay_frames_sent_total", "Total frames forwarded by the video relay.",
		func() float64 { return float64(m.RelayFramesSent.Load()) })
	gauge("surface_safety_relay_frames_dropped_total", "Total relay frames dropped for backpressure.",
		func() float64 { return float64(m.RelayFramesDropped.Load()) })

	gauge("surface_safety_db_errors_total", "Total repository operation failures.",
		func() float64 { return float64(m.DBErrors.Load()) })
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
