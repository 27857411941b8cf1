// Package mqttsim simulates a fleet of IoT devices behind a single MQTT
// gateway client, with an optional in-process broker.
package mqttsim

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plantsim/plantsim/pkg/config"
	"github.com/plantsim/plantsim/pkg/datagen"
	"github.com/plantsim/plantsim/pkg/device"
	"github.com/plantsim/plantsim/pkg/simclock"
)

// maxHistory bounds the per-device message history.
const maxHistory = 100

// templateTypes maps device templates to generator device types.
var templateTypes = map[string]string{
	"iot_temperature_sensor":   "temperature_sensor",
	"iot_humidity_sensor":      "humidity_sensor",
	"iot_environmental_sensor": "environmental_sensor",
	"iot_air_quality_monitor":  "air_quality_monitor",
	"smart_meter":              "energy_meter",
	"asset_tracker":            "asset_tracker",
	"environmental_sensor":     "environmental_sensor",
	"generic_iot_sensor":       "generic_sensor",
}

func deviceTypeFor(template string) string {
	if t, ok := templateTypes[template]; ok {
		return t
	}
	return "generic_sensor"
}

// Topics is the per-device topic set under the base topic.
type Topics struct {
	Data      string
	Status    string
	Telemetry string
	Alerts    string
}

// Device is one simulated MQTT publisher. It holds no network connection of
// its own; the manager's shared gateway client does the publishing.
type Device struct {
	id         string
	group      config.DeviceGroup
	deviceType string
	baseTopic  string
	gen        *datagen.Generator
	health     *device.Health
	clock      simclock.Clock
	log        zerolog.Logger

	mu      sync.Mutex
	history []map[string]any
}

// NewDevice builds a device publishing under baseTopic.
func NewDevice(id string, group config.DeviceGroup, baseTopic string, clock simclock.Clock, log zerolog.Logger) *Device {
	return &Device{
		id:         id,
		group:      group,
		deviceType: deviceTypeFor(group.DeviceTemplate),
		baseTopic:  baseTopic,
		gen:        datagen.New(id, group.DataConfig, clock),
		health:     device.NewHealth(),
		clock:      clock,
		log:        log.With().Str("device_id", id).Str("protocol", "mqtt").Logger(),
	}
}

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// QoS returns the configured publish QoS.
func (d *Device) QoS() byte { return byte(d.group.QoS) }

// Retain reports whether data messages are retained.
func (d *Device) Retain() bool { return d.group.Retain }

// PublishInterval returns the configured publish cadence.
func (d *Device) PublishInterval() time.Duration {
	return time.Duration(d.group.PublishInterval * float64(time.Second))
}

// Topics returns the device's topic set.
func (d *Device) Topics() Topics {
	return Topics{
		Data:      d.baseTopic + "/data",
		Status:    d.baseTopic + "/status",
		Telemetry: d.baseTopic + "/telemetry",
		Alerts:    d.baseTopic + "/alerts",
	}
}

// GeneratePayload produces the next data payload.
func (d *Device) GeneratePayload() map[string]any {
	return map[string]any{
		"device_id":   d.id,
		"device_type": d.deviceType,
		"timestamp":   float64(d.clock.Now().UnixNano()) / 1e9,
		"data":        map[string]any(d.gen.Produce(d.deviceType)),
	}
}

// Start marks the device running; publishing is driven by the gateway.
func (d *Device) Start() {
	d.health.MarkRunning(d.clock.Now())
}

// Stop marks the device stopped.
func (d *Device) Stop() {
	d.health.MarkStopped()
}

// Running reports whether the device should be published for.
func (d *Device) Running() bool {
	return d.health.Running()
}

// RecordPublish notes a successful publish and appends to the history.
func (d *Device) RecordPublish(payload map[string]any) {
	d.health.RecordPublish(d.clock.Now())
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, payload)
	if len(d.history) > maxHistory {
		d.history = d.history[1:]
	}
}

// RecordError notes a failed publish.
func (d *Device) RecordError() {
	d.health.RecordError()
}

// LastMessage returns the most recently published payload, or nil.
func (d *Device) LastMessage() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.history) == 0 {
		return nil
	}
	return d.history[len(d.history)-1]
}

// History returns up to limit most recent payloads, newest last.
func (d *Device) History(limit int) []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	out := make([]map[string]any, limit)
	copy(out, d.history[len(d.history)-limit:])
	return out
}

// Status returns the inspection record.
func (d *Device) Status() device.Status {
	s := device.Status{
		DeviceID:       d.id,
		DeviceType:     d.deviceType,
		Template:       d.group.DeviceTemplate,
		Protocol:       "mqtt",
		BaseTopic:      d.baseTopic,
		QoS:            d.group.QoS,
		UpdateInterval: d.group.PublishInterval,
	}
	d.health.Fill(&s, d.clock.Now())
	return s
}
