// Package device holds the status and health types shared by all protocol
// device implementations.
package device

import (
	"sync"
	"time"
)

// Lifecycle states reported through Status.
const (
	StateStopped = "stopped"
	StateRunning = "running"
)

// Status is the inspection record a device returns. Protocol-specific fields
// are zero/omitted where they do not apply.
type Status struct {
	DeviceID       string  `json:"device_id"`
	DeviceType     string  `json:"device_type"`
	Template       string  `json:"template"`
	Protocol       string  `json:"protocol,omitempty"`
	Port           int     `json:"port,omitempty"`
	EndpointURL    string  `json:"endpoint_url,omitempty"`
	Broker         string  `json:"broker,omitempty"`
	BaseTopic      string  `json:"base_topic,omitempty"`
	QoS            int     `json:"qos,omitempty"`
	Status         string  `json:"status"`
	Running        bool    `json:"running"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ErrorCount     int64   `json:"error_count"`
	LastUpdate     float64 `json:"last_update,omitempty"`
	UpdateInterval float64 `json:"update_interval,omitempty"`
	PublishCount   int64   `json:"publish_count,omitempty"`
	NodeCount      int     `json:"node_count,omitempty"`
}

// Health tracks per-device lifecycle counters. All methods are safe for
// concurrent use; the update loop writes while inspection callers read.
type Health struct {
	mu           sync.Mutex
	status       string
	uptimeStart  time.Time
	lastUpdate   time.Time
	errorCount   int64
	publishCount int64
}

// NewHealth returns a Health record in the stopped state.
func NewHealth() *Health {
	return &Health{status: StateStopped}
}

// MarkRunning records a successful start, resetting the error counter.
func (h *Health) MarkRunning(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StateRunning
	h.uptimeStart = now
	h.errorCount = 0
}

// MarkStopped records a stop. Uptime start is cleared.
func (h *Health) MarkStopped() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StateStopped
	h.uptimeStart = time.Time{}
}

// RecordUpdate notes a successful update tick.
func (h *Health) RecordUpdate(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastUpdate = now
}

// RecordError bumps the error counter. One failed tick is never fatal.
func (h *Health) RecordError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
}

// RecordPublish notes a successful MQTT publish.
func (h *Health) RecordPublish(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishCount++
	h.lastUpdate = now
}

// Fill copies the health counters into a Status record.
func (h *Health) Fill(s *Status, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.Status = h.status
	s.Running = h.status == StateRunning
	if !h.uptimeStart.IsZero() {
		s.UptimeSeconds = round2(now.Sub(h.uptimeStart).Seconds())
	}
	if !h.lastUpdate.IsZero() {
		s.LastUpdate = float64(h.lastUpdate.UnixNano()) / 1e9
	}
	s.ErrorCount = h.errorCount
	s.PublishCount = h.publishCount
}

// Running reports whether the device is in the running state.
func (h *Health) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status == StateRunning
}

// ErrorCount returns the current error counter.
func (h *Health) ErrorCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errorCount
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
