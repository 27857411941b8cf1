package datagen

import (
	"fmt"
	"math"
	"time"
)

// airQuality emits AQI plus CO2/TVOC derived from it and atmospheric
// pressure. AQI worsens during work hours.
func (g *Generator) airQuality(cfg map[string]any, now time.Time) map[string]any {
	baseAQI := num(cfg, "base_aqi", 50)

	workFactor := 0.8
	if hour := now.Hour(); hour >= 9 && hour <= 17 {
		workFactor = 1.3
	}

	aqi := clip(baseAQI*workFactor+g.normal(0, 10), 0, 500)
	co2 := 400 + aqi*5 + g.normal(0, 50)
	tvoc := 50 + aqi*2 + g.normal(0, 20)
	pressure := num(cfg, "base_pressure", 1013.25) + g.normal(0, 5)

	return map[string]any{
		"air_quality_index": round(aqi, 0),
		"co2_ppm":           round(math.Max(350, co2), 0),
		"tvoc_ppb":          round(math.Max(0, tvoc), 0),
		"pressure_hpa":      round(pressure, 2),
	}
}

// energyMeter emits smart-meter readings: voltage, load-dependent current,
// derived power, and cumulative energy integrated over real elapsed time.
func (g *Generator) energyMeter(cfg map[string]any, now time.Time) map[string]any {
	baseVoltage := num(cfg, "base_voltage", 230.0)
	voltageRange := pair(cfg, "voltage_range", [2]float64{220, 240})
	baseCurrent := num(cfg, "base_current", 20.0)
	currentRange := pair(cfg, "current_range", [2]float64{0, 100})

	voltage := clip(baseVoltage+g.normal(0, 2), voltageRange[0], voltageRange[1])

	loadFactor := 0.5
	if hour := now.Hour(); hour >= 8 && hour <= 18 {
		loadFactor = 1.5
	}
	current := clip(baseCurrent*loadFactor+g.normal(0, 5), currentRange[0], currentRange[1])

	pfRange := pair(cfg, "power_factor_range", [2]float64{0.85, 0.99})
	powerFactor := g.uniform(pfRange[0], pfRange[1])

	power := voltage * current * powerFactor / 1000

	if !g.energyInit {
		g.energyKWh = num(cfg, "initial_energy", 10000.0)
		g.energyAt = now
		g.energyInit = true
	}
	elapsedHours := now.Sub(g.energyAt).Hours()
	if elapsedHours < 0 {
		elapsedHours = 0
	}
	g.energyKWh += power * elapsedHours
	g.energyAt = now

	frequency := 50 + g.normal(0, 0.05)

	return map[string]any{
		"voltage_v":    round(voltage, 1),
		"current_a":    round(current, 1),
		"power_kw":     round(power, 2),
		"power_factor": round(powerFactor, 2),
		"frequency_hz": round(frequency, 2),
		"energy_kwh":   round(g.energyKWh, 1),
		"phase":        str(cfg, "phase", "L1"),
	}
}

// assetTracker emits BLE-beacon style readings: a persistent asset id,
// a slowly wandering zone, monotone battery drain, and work-hour-biased
// motion detection.
func (g *Generator) assetTracker(cfg map[string]any, now time.Time) map[string]any {
	zones := strlist(cfg, "zone_ids", []string{"zone_a", "zone_b", "zone_c", "warehouse"})

	if g.zone == "" || g.rng.Float64() < 0.1 {
		g.zone = g.pick(zones)
	}

	if !g.batteryInit {
		g.battery = 100.0
		g.batteryInit = true
	}
	g.battery -= num(cfg, "battery_drain_rate", 0.001)
	if g.battery < 0 {
		g.battery = 0
	}

	rssi := clip(num(cfg, "base_rssi", -60)+g.normal(0, 10), -100, -30)

	motionProbability := 0.3
	if hour := now.Hour(); hour >= 8 && hour <= 18 {
		motionProbability = 0.7
	}
	motionDetected := g.rng.Float64() < motionProbability

	gateways := strlist(cfg, "gateways", []string{"gateway_01", "gateway_02", "gateway_03"})
	lastGateway := g.pick(gateways)

	if g.assetID == "" {
		prefix := str(cfg, "asset_prefix", "ASSET")
		g.assetID = fmt.Sprintf("%s-%d", prefix, 1000+g.rng.Intn(9000))
	}

	return map[string]any{
		"asset_id":          g.assetID,
		"zone_id":           g.zone,
		"rssi":              round(rssi, 0),
		"battery_percent":   round(g.battery, 1),
		"motion_detected":   motionDetected,
		"last_seen_gateway": lastGateway,
	}
}
