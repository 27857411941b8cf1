package device_test

import (
	"testing"
	"time"

	"github.com/plantsim/plantsim/pkg/device"
)

func TestHealthLifecycle(t *testing.T) {
	h := device.NewHealth()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	if h.Running() {
		t.Error("fresh health should not be running")
	}

	h.RecordError()
	h.RecordError()
	if h.ErrorCount() != 2 {
		t.Errorf("ErrorCount = %d", h.ErrorCount())
	}

	// Starting resets the error counter.
	h.MarkRunning(now)
	if !h.Running() || h.ErrorCount() != 0 {
		t.Errorf("after start: running=%v errors=%d", h.Running(), h.ErrorCount())
	}

	h.RecordUpdate(now.Add(5 * time.Second))
	h.RecordPublish(now.Add(10 * time.Second))

	var s device.Status
	h.Fill(&s, now.Add(30*time.Second))
	if s.Status != device.StateRunning || !s.Running {
		t.Errorf("status = %+v", s)
	}
	if s.UptimeSeconds != 30 {
		t.Errorf("UptimeSeconds = %v", s.UptimeSeconds)
	}
	if s.PublishCount != 1 {
		t.Errorf("PublishCount = %d", s.PublishCount)
	}
	if s.LastUpdate != float64(now.Add(10*time.Second).UnixNano())/1e9 {
		t.Errorf("LastUpdate = %v", s.LastUpdate)
	}

	h.MarkStopped()
	var stopped device.Status
	h.Fill(&stopped, now.Add(60*time.Second))
	if stopped.Running || stopped.Status != device.StateStopped {
		t.Errorf("after stop: %+v", stopped)
	}
	if stopped.UptimeSeconds != 0 {
		t.Errorf("uptime should reset on stop, got %v", stopped.UptimeSeconds)
	}
}
