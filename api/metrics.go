package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertTokenRejectionSpike AlertType = "token_rejection_spike"
	AlertAccessDeniedSpike   AlertType = "access_denied_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// window is a sliding window counter that fires once per threshold.
type window struct {
	events    []time.Time
	span      time.Duration
	threshold int
}

// add records an event at now and reports the count when the threshold
// is reached, resetting the window.
func (w *window) add(now time.Time) (int, bool) {
	w.events = append(w.events, now)
	w.events = trimWindow(w.events, now, w.span)
	if len(w.events) < w.threshold {
		return 0, false
	}
	n := len(w.events)
	// Reset to avoid repeated alerts within the same spike.
	w.events = w.events[:0]
	return n, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	rejections window
	denials    window

	alertFn AlertFunc
}

const (
	defaultRejectionWindow    = 1 * time.Minute
	defaultRejectionThreshold = 50
	defaultDenialWindow       = 1 * time.Minute
	defaultDenialThreshold    = 200
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		rejections: window{span: defaultRejectionWindow, threshold: defaultRejectionThreshold},
		denials:    window{span: defaultDenialWindow, threshold: defaultDenialThreshold},
		alertFn:    alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditTokenRejected:
		m.record(&m.rejections, AlertTokenRejectionSpike, "token rejection rate exceeds threshold")
	case AuditAccessDenied:
		m.record(&m.denials, AlertAccessDeniedSpike, "access denial rate exceeds threshold")
	}
}

func (m *metricsCollector) record(w *window, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if n, fire := w.add(now); fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: w.threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
