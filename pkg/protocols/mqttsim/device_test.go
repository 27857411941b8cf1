package mqttsim

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/plantsim/plantsim/pkg/config"
	"github.com/plantsim/plantsim/pkg/portalloc"
	"github.com/plantsim/plantsim/pkg/simclock"
)

func newTestManager(cfg *config.MQTTConfig, t *testing.T) *Manager {
	t.Helper()
	ports := portalloc.NewManager(zerolog.Nop())
	ports.InitPools(map[string][2]int{"mqtt": {1883, 1883}})
	clock := simclock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	m := NewManager(cfg, ports, clock, zerolog.Nop())
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}
	return m
}

func newTestDevice(template string) (*Device, *simclock.Fake) {
	clock := simclock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	group := config.DeviceGroup{
		Count:           1,
		DeviceTemplate:  template,
		PublishInterval: 5.0,
		QoS:             1,
	}
	d := NewDevice("mqtt_meters_000", group, "factory/meters/mqtt_meters_000", clock, zerolog.Nop())
	return d, clock
}

func TestDeviceTypeFor(t *testing.T) {
	tests := []struct {
		template string
		want     string
	}{
		{"iot_temperature_sensor", "temperature_sensor"},
		{"iot_humidity_sensor", "humidity_sensor"},
		{"iot_environmental_sensor", "environmental_sensor"},
		{"iot_air_quality_monitor", "air_quality_monitor"},
		{"smart_meter", "energy_meter"},
		{"asset_tracker", "asset_tracker"},
		{"generic_iot_sensor", "generic_sensor"},
		{"something_unknown", "generic_sensor"},
	}
	for _, tt := range tests {
		if got := deviceTypeFor(tt.template); got != tt.want {
			t.Errorf("deviceTypeFor(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestTopics(t *testing.T) {
	d, _ := newTestDevice("smart_meter")
	topics := d.Topics()
	base := "factory/meters/mqtt_meters_000"
	if topics.Data != base+"/data" {
		t.Errorf("Data = %q", topics.Data)
	}
	if topics.Status != base+"/status" {
		t.Errorf("Status = %q", topics.Status)
	}
	if topics.Telemetry != base+"/telemetry" {
		t.Errorf("Telemetry = %q", topics.Telemetry)
	}
	if topics.Alerts != base+"/alerts" {
		t.Errorf("Alerts = %q", topics.Alerts)
	}
}

func TestGeneratePayload(t *testing.T) {
	d, clock := newTestDevice("smart_meter")
	payload := d.GeneratePayload()

	if payload["device_id"] != "mqtt_meters_000" {
		t.Errorf("device_id = %v", payload["device_id"])
	}
	if payload["device_type"] != "energy_meter" {
		t.Errorf("device_type = %v", payload["device_type"])
	}
	ts, ok := payload["timestamp"].(float64)
	if !ok || ts != float64(clock.Now().UnixNano())/1e9 {
		t.Errorf("timestamp = %v", payload["timestamp"])
	}
	data, ok := payload["data"].(map[string]any)
	if !ok {
		t.Fatalf("data missing: %v", payload)
	}
	if _, ok := data["energy_kwh"]; !ok {
		t.Errorf("energy meter payload missing energy_kwh: %v", data)
	}
}

func TestHistoryBounded(t *testing.T) {
	d, _ := newTestDevice("smart_meter")
	d.Start()

	for i := 0; i < maxHistory+20; i++ {
		d.RecordPublish(map[string]any{"seq": i})
	}

	history := d.History(0)
	if len(history) != maxHistory {
		t.Fatalf("history length = %d, want %d", len(history), maxHistory)
	}
	// Oldest entries are evicted; newest is last.
	if history[0]["seq"] != 20 {
		t.Errorf("oldest retained seq = %v, want 20", history[0]["seq"])
	}
	if last := d.LastMessage(); last["seq"] != maxHistory+19 {
		t.Errorf("last seq = %v", last["seq"])
	}

	limited := d.History(5)
	if len(limited) != 5 || limited[4]["seq"] != maxHistory+19 {
		t.Errorf("limited history = %v", limited)
	}
}

func TestLastMessageEmpty(t *testing.T) {
	d, _ := newTestDevice("smart_meter")
	if d.LastMessage() != nil {
		t.Error("expected nil before any publish")
	}
}

func TestDeviceStatus(t *testing.T) {
	d, clock := newTestDevice("smart_meter")

	s := d.Status()
	if s.Running || s.Status != "stopped" {
		t.Errorf("fresh device should be stopped: %+v", s)
	}

	d.Start()
	clock.Advance(30 * time.Second)
	d.RecordPublish(map[string]any{"seq": 0})
	d.RecordError()

	s = d.Status()
	if !s.Running || s.Status != "running" {
		t.Errorf("started device should be running: %+v", s)
	}
	if s.UptimeSeconds != 30 {
		t.Errorf("UptimeSeconds = %v", s.UptimeSeconds)
	}
	if s.PublishCount != 1 || s.ErrorCount != 1 {
		t.Errorf("counters = publish %d, error %d", s.PublishCount, s.ErrorCount)
	}
	if s.QoS != 1 || s.BaseTopic == "" {
		t.Errorf("mqtt fields not filled: %+v", s)
	}
}

func TestManagerBaseTopicResolution(t *testing.T) {
	cfg := &config.MQTTConfig{
		Enabled: true,
		Devices: map[string]config.DeviceGroup{
			"with_base": {
				Count:           2,
				DeviceTemplate:  "smart_meter",
				BaseTopic:       "plant/meters",
				PublishInterval: 5.0,
			},
			"without_base": {
				Count:           1,
				DeviceTemplate:  "asset_tracker",
				PublishInterval: 5.0,
			},
		},
	}
	m := newTestManager(cfg, t)

	d := m.Device("mqtt_with_base_001")
	if d == nil {
		t.Fatal("device not created")
	}
	if got := d.Topics().Data; got != "plant/meters/mqtt_with_base_001/data" {
		t.Errorf("configured base topic not honored: %q", got)
	}

	d = m.Device("mqtt_without_base_000")
	if d == nil {
		t.Fatal("device not created")
	}
	// The default base topic is built from the resolved device type, not
	// the group name.
	if got := d.Topics().Data; got != "devices/asset_tracker/mqtt_without_base_000/data" {
		t.Errorf("default base topic wrong: %q", got)
	}

	if m.DeviceCount() != 3 {
		t.Errorf("DeviceCount = %d", m.DeviceCount())
	}
	if topics := m.AllTopics(); len(topics) != 12 {
		t.Errorf("expected 12 topics, got %d", len(topics))
	}
}

func TestStopAllCompletesWithPublishLoopRunning(t *testing.T) {
	cfg := &config.MQTTConfig{
		Enabled: true,
		Devices: map[string]config.DeviceGroup{
			"sensors": {Count: 2, DeviceTemplate: "iot_environmental_sensor", PublishInterval: 5.0},
		},
	}
	m := newTestManager(cfg, t)

	// Stand the publish loop up without a broker; it contends for the
	// manager mutex on every tick, which is exactly what StopAll has to
	// survive.
	m.mu.Lock()
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()
	go m.publishLoop(m.stopCh, m.doneCh)

	time.Sleep(5 * loopTick)

	done := make(chan struct{})
	go func() {
		m.StopAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAll did not return while the publish loop was active")
	}
}

func TestManagerInitRecordsAllocations(t *testing.T) {
	cfg := &config.MQTTConfig{
		Enabled: true,
		Devices: map[string]config.DeviceGroup{
			"sensors": {Count: 3, DeviceTemplate: "iot_environmental_sensor", PublishInterval: 5.0},
		},
	}
	m := newTestManager(cfg, t)

	plan := m.AllocationRequirements()
	if len(plan) != 3 {
		t.Fatalf("expected 3 plan entries, got %d", len(plan))
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("mqtt_sensors_%03d", i)
		entry, ok := plan[id]
		if !ok {
			t.Errorf("plan missing %s", id)
			continue
		}
		if entry.Protocol != "mqtt" || entry.Count != 0 {
			t.Errorf("unexpected entry for %s: %+v", id, entry)
		}
	}
}
