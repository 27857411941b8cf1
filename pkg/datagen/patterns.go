package datagen

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// temperature combines a diurnal sinusoid, optional heating-window boost,
// Gaussian noise, and slow sensor drift with a monthly calibration reset.
func (g *Generator) temperature(cfg map[string]any, now time.Time) float64 {
	elapsedHours := now.Sub(g.start).Hours()
	base := num(cfg, "base_value", 25.0)

	var daily float64
	cycle := sub(cfg, "daily_cycle")
	if boolean(cycle, "enabled", true) {
		amplitude := num(cycle, "amplitude", 5.0)
		peakHour := num(cycle, "peak_hour", 14.0)
		timeOfDay := math.Mod(elapsedHours, 24)
		phaseShift := (peakHour - 6) * math.Pi / 12
		daily = amplitude * math.Sin(timeOfDay*2*math.Pi/24-phaseShift)
	}

	var heating float64
	heatCfg := sub(cfg, "industrial_heating")
	if boolean(heatCfg, "enabled", false) {
		periods := strlist(heatCfg, "heating_periods", []string{"09:00-17:00"})
		if inHeatingPeriod(periods, now.Hour()) {
			heating = num(heatCfg, "heating_effect", 10.0)
		}
	}

	noise := g.normal(0, num(sub(cfg, "noise"), "std_dev", 0.5))

	driftCfg := sub(cfg, "sensor_drift")
	if boolean(driftCfg, "enabled", false) {
		rate := num(driftCfg, "drift_rate", 0.001)
		g.tempDrift += rate * math.Mod(elapsedHours, 1)
		// Calibration resets accumulated drift after thirty days.
		if str(driftCfg, "calibration_reset", "monthly") == "monthly" && elapsedHours > 720 {
			g.tempDrift = 0
		}
	} else {
		g.tempDrift = 0
	}

	r := pair(cfg, "temperature_range", [2]float64{18, 45})
	temp := clip(base+daily+heating+noise+g.tempDrift, r[0], r[1])

	g.lastTemp = temp
	g.hasTemp = true
	return round(temp, 2)
}

// inHeatingPeriod checks the hour against HH:MM-HH:MM windows. Only the hour
// components participate; minutes are coarse-grained away.
func inHeatingPeriod(periods []string, hour int) bool {
	for _, period := range periods {
		bounds := strings.SplitN(period, "-", 2)
		if len(bounds) != 2 {
			continue
		}
		startHour, err1 := strconv.Atoi(strings.SplitN(bounds[0], ":", 2)[0])
		endHour, err2 := strconv.Atoi(strings.SplitN(bounds[1], ":", 2)[0])
		if err1 != nil || err2 != nil {
			continue
		}
		if startHour <= hour && hour <= endHour {
			return true
		}
	}
	return false
}

// humidity is inversely correlated with the last generated temperature.
func (g *Generator) humidity(cfg map[string]any) float64 {
	base := num(cfg, "base_value", 45.0)
	variation := num(cfg, "variation", 15.0)

	var correlated float64
	if g.hasTemp {
		correlated = num(cfg, "correlation_factor", -0.3) * (g.lastTemp - 25.0)
	}

	humidity := base + correlated + g.normal(0, variation/3)
	r := pair(cfg, "humidity_range", [2]float64{30, 80})
	return round(clip(humidity, r[0], r[1]), 2)
}

// pressure models hydraulic system cycling plus load-dependent fluctuation.
func (g *Generator) pressure(cfg map[string]any, now time.Time) float64 {
	base := num(cfg, "base_value", 150.0)
	r := pair(cfg, "pressure_range", [2]float64{0, 300})

	cyclePeriod := num(cfg, "cycle_period", 300)
	cycleAmplitude := num(cfg, "cycle_amplitude", 20.0)
	ts := float64(now.UnixNano()) / 1e9
	phase := math.Mod(ts, cyclePeriod) / cyclePeriod * 2 * math.Pi
	cycle := cycleAmplitude * math.Sin(phase)

	noise := g.normal(0, 5.0)
	load := num(cfg, "load_factor", 1.0) * g.uniform(-10, 10)

	pressure := clip(base+cycle+noise+load, r[0], r[1])
	g.lastPressure = pressure
	g.hasPressure = true
	return round(pressure, 2)
}

// flowRate correlates with the last generated pressure.
func (g *Generator) flowRate(cfg map[string]any) float64 {
	base := num(cfg, "base_value", 50.0)
	r := pair(cfg, "flow_range", [2]float64{10, 150})

	var adjustment float64
	if g.hasPressure {
		normalized := (g.lastPressure - 150) / 150
		adjustment = num(cfg, "pressure_correlation", 0.5) * normalized * base
	}

	turbulence := g.normal(0, base*0.05)
	return round(clip(base+adjustment+turbulence, r[0], r[1]), 2)
}

// motorSpeed applies load variation and a mechanical vibration term.
func (g *Generator) motorSpeed(cfg map[string]any, now time.Time) float64 {
	base := num(cfg, "base_value", 1800.0)
	r := pair(cfg, "speed_range", [2]float64{0, 3600})

	loadFactor := 1 + g.normal(0, num(cfg, "load_variation", 0.02))

	vibFreq := num(cfg, "vibration_frequency", 50)
	vibAmplitude := num(cfg, "vibration_amplitude", 10)
	ts := float64(now.UnixNano()) / 1e9
	vibration := vibAmplitude * math.Sin(2*math.Pi*vibFreq*ts)

	speed := clip(base*loadFactor+vibration, r[0], r[1])
	g.lastSpeed = speed
	g.hasSpeed = true
	return round(speed, 1)
}

// motorTorque falls off as speed rises, constant-power style.
func (g *Generator) motorTorque(cfg map[string]any) float64 {
	base := num(cfg, "base_value", 100.0)
	r := pair(cfg, "torque_range", [2]float64{0, 500})

	adjusted := base
	if g.hasSpeed {
		speedFactor := g.lastSpeed / 1800.0
		adjusted = base * (1.2 - speedFactor*0.4)
	}

	torque := clip(adjusted+g.normal(0, base*0.1), r[0], r[1])
	g.lastTorque = torque
	g.hasTorque = true
	return round(torque, 2)
}

// powerConsumption derives power from speed and torque when both exist
// (P = T*omega/9549 kW), scaled by efficiency and electrical noise.
func (g *Generator) powerConsumption(cfg map[string]any) float64 {
	base := num(cfg, "base_value", 25.0)
	r := pair(cfg, "power_range", [2]float64{0, 100})

	if g.hasSpeed && g.hasTorque {
		base = g.lastTorque * g.lastSpeed / 9549
	}

	efficiency := g.normal(0.95, 0.05)
	noise := g.normal(0, base*0.02)
	return round(clip(base*efficiency+noise, r[0], r[1]), 2)
}

// faultCode injects a non-zero fault code with small probability.
func (g *Generator) faultCode(cfg map[string]any) int {
	probability := num(cfg, "fault_probability", 0.001)
	codes := floats(cfg, "fault_codes")
	if codes == nil {
		codes = []float64{0, 1, 2, 5, 8, 10}
	}

	if g.rng.Float64() < probability {
		nonZero := make([]float64, 0, len(codes))
		for _, c := range codes {
			if c != 0 {
				nonZero = append(nonZero, c)
			}
		}
		if len(nonZero) > 0 {
			return int(nonZero[g.rng.Intn(len(nonZero))])
		}
	}
	return 0
}
