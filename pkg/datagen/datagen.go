// Package datagen produces realistic industrial telemetry: sinusoidal
// process variables with noise and drift, correlated pairs such as
// temperature/humidity and pressure/flow, and stateful machine models for
// CNC, PLC, and robot devices.
package datagen

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/plantsim/plantsim/pkg/simclock"
)

// Snapshot is one generated reading: the common preamble (timestamp,
// device_id, device_type) plus device-type-specific fields.
type Snapshot map[string]any

// Generator produces snapshots for one device. It is not safe for concurrent
// use; each device owns exactly one generator and calls it from its update
// loop.
type Generator struct {
	deviceID string
	cfg      map[string]any
	clock    simclock.Clock
	rng      *rand.Rand
	start    time.Time

	// Cross-variable correlation state.
	lastTemp     float64
	hasTemp      bool
	lastPressure float64
	hasPressure  bool
	lastSpeed    float64
	hasSpeed     bool
	lastTorque   float64
	hasTorque    bool

	tempDrift float64

	energyKWh  float64
	energyInit bool
	energyAt   time.Time

	zone        string
	battery     float64
	batteryInit bool
	assetID     string

	cnc   cncState
	plc   plcState
	robot robotState
}

// New builds a generator for the device. The random source is seeded from a
// stable hash of the device id so runs with the same id and clock reproduce
// the same sequence.
func New(deviceID string, patternConfig map[string]any, clock simclock.Clock) *Generator {
	if patternConfig == nil {
		patternConfig = map[string]any{}
	}
	if clock == nil {
		clock = simclock.System()
	}
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return &Generator{
		deviceID: deviceID,
		cfg:      patternConfig,
		clock:    clock,
		rng:      rand.New(rand.NewSource(int64(h.Sum32()))),
		start:    clock.Now(),
	}
}

// Produce generates one snapshot for the given device type. Unknown types
// yield just the preamble.
func (g *Generator) Produce(deviceType string) Snapshot {
	now := g.clock.Now()
	snap := Snapshot{
		"timestamp":   float64(now.UnixNano()) / 1e9,
		"device_id":   g.deviceID,
		"device_type": deviceType,
	}

	switch deviceType {
	case "temperature_sensor":
		snap["temperature"] = g.temperature(sub(g.cfg, "temperature"), now)
		snap["humidity"] = g.humidity(sub(g.cfg, "humidity"))
		snap["sensor_status"] = 0
		snap["sensor_healthy"] = true

	case "pressure_transmitter":
		pcfg := sub(g.cfg, "pressure")
		pressure := g.pressure(pcfg, now)
		flow := g.flowRate(sub(g.cfg, "flow_rate"))
		thresholds := sub(pcfg, "alarm_thresholds")
		snap["pressure"] = pressure
		snap["flow_rate"] = flow
		snap["high_alarm"] = pressure > num(thresholds, "high_pressure", 250)
		snap["low_flow_alarm"] = flow < num(thresholds, "low_flow", 20)

	case "motor_drive":
		mcfg := sub(g.cfg, "motor")
		snap["speed"] = g.motorSpeed(mcfg, now)
		snap["torque"] = g.motorTorque(mcfg)
		snap["power"] = g.powerConsumption(mcfg)
		snap["fault_code"] = g.faultCode(mcfg)

	case "humidity_sensor":
		snap["temperature"] = g.temperature(sub(g.cfg, "temperature"), now)
		snap["humidity"] = g.humidity(sub(g.cfg, "humidity"))

	case "environmental_sensor":
		snap["temperature"] = g.temperature(sub(g.cfg, "temperature"), now)
		snap["humidity"] = g.humidity(sub(g.cfg, "humidity"))
		for k, v := range g.airQuality(sub(g.cfg, "air_quality"), now) {
			snap[k] = v
		}

	case "air_quality_monitor":
		for k, v := range g.airQuality(sub(g.cfg, "air_quality"), now) {
			snap[k] = v
		}

	case "energy_meter":
		for k, v := range g.energyMeter(sub(g.cfg, "energy"), now) {
			snap[k] = v
		}

	case "asset_tracker":
		for k, v := range g.assetTracker(sub(g.cfg, "tracker"), now) {
			snap[k] = v
		}

	case "generic_sensor":
		snap["temperature"] = g.temperature(sub(g.cfg, "temperature"), now)
		snap["humidity"] = g.humidity(sub(g.cfg, "humidity"))

	case "cnc_machine":
		for k, v := range g.cncMachine(subOrSelf(g.cfg, "cnc"), now) {
			snap[k] = v
		}

	case "plc_controller":
		for k, v := range g.plcController(subOrSelf(g.cfg, "plc")) {
			snap[k] = v
		}

	case "industrial_robot":
		for k, v := range g.robotArm(subOrSelf(g.cfg, "robot"), now) {
			snap[k] = v
		}
	}

	return snap
}

// normal draws N(mean, stddev).
func (g *Generator) normal(mean, stddev float64) float64 {
	return mean + g.rng.NormFloat64()*stddev
}

// uniform draws U[lo, hi).
func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func (g *Generator) pick(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[g.rng.Intn(len(items))]
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// Config accessors. DataConfig arrives from YAML as map[string]any with
// numbers decoded as int or float64; these helpers normalize and default.

func sub(m map[string]any, key string) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// subOrSelf falls back to the whole config when the named block is absent,
// so machine options may be given flat or nested.
func subOrSelf(m map[string]any, key string) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return m
}

func num(m map[string]any, key string, def float64) float64 {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func boolean(m map[string]any, key string, def bool) bool {
	if m == nil {
		return def
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func str(m map[string]any, key, def string) string {
	if m == nil {
		return def
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func pair(m map[string]any, key string, def [2]float64) [2]float64 {
	vals := floats(m, key)
	if len(vals) != 2 {
		return def
	}
	return [2]float64{vals[0], vals[1]}
}

func floats(m map[string]any, key string) []float64 {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case float64:
			out = append(out, v)
		case int:
			out = append(out, float64(v))
		case int64:
			out = append(out, float64(v))
		default:
			return nil
		}
	}
	return out
}

func strlist(m map[string]any, key string, def []string) []string {
	if m == nil {
		return def
	}
	raw, ok := m[key].([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return def
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return def
	}
	return out
}
