package datagen

import (
	"math"
	"time"
)

// CNC machine states.
const (
	cncRunning = "RUNNING"
	cncIdle    = "IDLE"
	cncError   = "ERROR"
	cncSetup   = "SETUP"
)

type cncState struct {
	initialized bool
	state       string
	stateTicks  int
	spindle     float64
	spindleSet  bool
	feed        float64
	feedSet     bool
	toolWear    float64
	wearSet     bool
	partCount   int
	program     string
}

// cncMachine drives a four-state machine with ramping spindle/feed dynamics,
// accumulating tool wear, and a Lissajous toolpath while running.
func (g *Generator) cncMachine(cfg map[string]any, now time.Time) map[string]any {
	speedRange := pair(cfg, "spindle_speed_range", [2]float64{0, 24000})
	feedRange := pair(cfg, "feed_rate_range", [2]float64{0, 15000})
	programs := strlist(cfg, "programs", []string{"G-Code_001", "G-Code_002", "G-Code_003"})

	m := &g.cnc
	if !m.initialized {
		m.initialized = true
		m.state = cncRunning
		m.stateTicks = 0
	}

	m.stateTicks++
	roll := g.rng.Float64()

	switch m.state {
	case cncRunning:
		if roll < 0.005 {
			m.state = cncError
			m.stateTicks = 0
		} else if roll < 0.015 {
			m.state = cncIdle
			m.stateTicks = 0
		}
	case cncIdle:
		// Idle machines restart fairly quickly.
		if roll < 0.15 {
			m.state = cncRunning
			m.stateTicks = 0
		} else if roll < 0.18 {
			m.state = cncSetup
			m.stateTicks = 0
		}
	case cncError:
		if m.stateTicks > 5 && roll < 0.25 {
			m.state = cncIdle
			m.stateTicks = 0
		}
	case cncSetup:
		if m.stateTicks > 3 && roll < 0.20 {
			m.state = cncRunning
			m.stateTicks = 0
			m.program = g.pick(programs)
		}
	}

	baseSpeed := num(cfg, "base_spindle_speed", 12000.0)
	switch m.state {
	case cncRunning:
		target := baseSpeed + g.normal(0, baseSpeed*0.03)
		last := baseSpeed * 0.5
		if m.spindleSet {
			last = m.spindle
		}
		m.spindle = clip(last+(target-last)*0.3, speedRange[0], speedRange[1])
	case cncSetup:
		m.spindle = g.uniform(500, 2000)
	default:
		if !m.spindleSet {
			m.spindle = 0
		}
		m.spindle = math.Max(0, m.spindle*0.7)
	}
	m.spindleSet = true

	baseFeed := num(cfg, "base_feed_rate", 5000.0)
	switch m.state {
	case cncRunning:
		target := baseFeed + g.normal(0, baseFeed*0.05)
		last := baseFeed * 0.5
		if m.feedSet {
			last = m.feed
		}
		m.feed = clip(last+(target-last)*0.3, feedRange[0], feedRange[1])
	case cncSetup:
		m.feed = g.uniform(100, 500)
	default:
		if !m.feedSet {
			m.feed = 0
		}
		m.feed = math.Max(0, m.feed*0.7)
	}
	m.feedSet = true

	if !m.wearSet {
		m.toolWear = g.uniform(0, 30)
		m.wearSet = true
	}
	if m.state == cncRunning {
		m.toolWear += num(cfg, "tool_wear_rate", 0.01) + g.normal(0, 0.003)
	}
	// Tool change at 90% wear forces a setup cycle starting next tick;
	// this tick still reports the state the wear accrued in, with the
	// tool already swapped.
	state := m.state
	if m.toolWear > 90 {
		m.toolWear = 0
		m.state = cncSetup
		m.stateTicks = 0
	}
	toolWear := clip(m.toolWear, 0, 100)

	if state == cncRunning && g.rng.Float64() < 0.08 {
		m.partCount++
	}

	ts := float64(now.UnixNano()) / 1e9
	workspace := floats(cfg, "workspace_mm")
	if len(workspace) != 3 {
		workspace = []float64{500, 400, 300}
	}
	var axisX, axisY, axisZ float64
	if state == cncRunning {
		axisX = workspace[0]/2 + workspace[0]/3*math.Sin(ts*0.5)
		axisY = workspace[1]/2 + workspace[1]/3*math.Cos(ts*0.4)
		axisZ = workspace[2]/2 + workspace[2]/4*math.Sin(ts*0.7)
	} else {
		axisX = workspace[0]/2 + g.normal(0, 0.5)
		axisY = workspace[1]/2 + g.normal(0, 0.5)
		axisZ = workspace[2]*0.9 + g.normal(0, 0.5)
	}

	if m.program == "" {
		m.program = g.pick(programs)
	}

	return map[string]any{
		"spindle_speed_rpm": round(m.spindle, 1),
		"feed_rate_mm_min":  round(m.feed, 1),
		"tool_wear_percent": round(toolWear, 1),
		"part_count":        m.partCount,
		"axis_position_x":   round(axisX, 2),
		"axis_position_y":   round(axisY, 2),
		"axis_position_z":   round(axisZ, 2),
		"program_name":      m.program,
		"machine_state":     state,
	}
}

// PLC controller modes.
const (
	plcAuto    = "AUTO"
	plcManual  = "MANUAL"
	plcCascade = "CASCADE"
)

type plcState struct {
	initialized    bool
	mode           string
	integral       float64
	lastError      float64
	processValue   float64
	setpointTarget float64
}

// plcController simulates a PID loop in AUTO/CASCADE and a drifting process
// in MANUAL, with occasional operator setpoint adjustments.
func (g *Generator) plcController(cfg map[string]any) map[string]any {
	pvRange := pair(cfg, "process_value_range", [2]float64{0, 100})
	setpoint := num(cfg, "setpoint", 50.0)
	kp := num(cfg, "kp", 1.0)
	ki := num(cfg, "ki", 0.1)
	kd := num(cfg, "kd", 0.05)

	p := &g.plc
	if !p.initialized {
		p.initialized = true
		p.mode = plcAuto
		p.processValue = setpoint + g.normal(0, 5)
		p.setpointTarget = setpoint
	}

	roll := g.rng.Float64()
	switch p.mode {
	case plcAuto:
		if roll < 0.005 {
			p.mode = plcManual
		} else if roll < 0.008 {
			p.mode = plcCascade
		}
	case plcManual:
		if roll < 0.08 {
			p.mode = plcAuto
		}
	case plcCascade:
		if roll < 0.03 {
			p.mode = plcAuto
		}
	}

	// Operator setpoint adjustments.
	if g.rng.Float64() < 0.01 {
		variation := g.uniform(-5, 5)
		p.setpointTarget = clip(setpoint+variation, pvRange[0]+10, pvRange[1]-10)
	}
	activeSetpoint := p.setpointTarget

	pv := p.processValue + g.normal(0, 2.0)

	var controlOutput float64
	if p.mode == plcAuto || p.mode == plcCascade {
		err := activeSetpoint - pv
		p.integral = clip(p.integral+err*ki, -50, 50)
		derivative := err - p.lastError
		controlOutput = clip(kp*err+p.integral+kd*derivative, 0, 100)

		pv += controlOutput*0.1 - 5.0
		p.lastError = err
	} else {
		controlOutput = num(cfg, "manual_output", 50.0)
		pv += g.normal(0, 1.0)
	}

	pv = clip(pv, pvRange[0], pvRange[1])
	p.processValue = pv

	highAlarm := num(cfg, "high_alarm", pvRange[1]*0.9)
	lowAlarm := num(cfg, "low_alarm", pvRange[0]+pvRange[1]*0.1)

	return map[string]any{
		"process_value":   round(pv, 2),
		"setpoint":        round(activeSetpoint, 2),
		"control_output":  round(controlOutput, 2),
		"mode":            p.mode,
		"high_alarm":      pv > highAlarm,
		"low_alarm":       pv < lowAlarm,
		"integral_term":   round(p.integral, 3),
		"derivative_term": round(p.lastError*kd, 3),
		"error":           round(activeSetpoint-pv, 2),
	}
}

// Robot program states.
const (
	robotRunning = "RUNNING"
	robotPaused  = "PAUSED"
	robotStopped = "STOPPED"
)

type robotState struct {
	initialized bool
	state       string
	stateTicks  int
	cycleCount  int
	targets     []float64
	angles      []float64
	payload     float64
	payloadSet  bool
}

// robotArm moves joints toward random targets at a bounded angular rate and
// traces a harmonic TCP path while running.
func (g *Generator) robotArm(cfg map[string]any, now time.Time) map[string]any {
	jointCount := int(num(cfg, "joint_count", 6))
	if jointCount < 1 {
		jointCount = 6
	}
	maxSpeed := num(cfg, "max_speed_percent", 100)

	r := &g.robot
	if !r.initialized {
		r.initialized = true
		r.state = robotRunning
		r.targets = make([]float64, jointCount)
		for i := range r.targets {
			r.targets[i] = g.uniform(-180, 180)
		}
		r.angles = make([]float64, jointCount)
	}

	r.stateTicks++
	roll := g.rng.Float64()

	switch r.state {
	case robotRunning:
		if roll < 0.003 {
			r.state = robotStopped
			r.stateTicks = 0
		} else if roll < 0.011 {
			r.state = robotPaused
			r.stateTicks = 0
		}
	case robotPaused:
		if r.stateTicks > 3 && roll < 0.20 {
			r.state = robotRunning
			r.stateTicks = 0
		}
	case robotStopped:
		if r.stateTicks > 5 && roll < 0.12 {
			r.state = robotRunning
			r.stateTicks = 0
		}
	}

	if r.state == robotRunning {
		for i := range r.angles {
			diff := r.targets[i] - r.angles[i]
			step := math.Min(math.Abs(diff), 3.0)
			if diff < 0 {
				step = -step
			}
			r.angles[i] += step + g.normal(0, 0.15)
		}

		atTarget := true
		for i := range r.angles {
			if math.Abs(r.angles[i]-r.targets[i]) >= 5.0 {
				atTarget = false
				break
			}
		}
		if atTarget {
			for i := range r.targets {
				r.targets[i] = g.uniform(-180, 180)
			}
			r.cycleCount++
		}
	}

	jointAngles := make([]float64, len(r.angles))
	for i, a := range r.angles {
		jointAngles[i] = round(a, 2)
	}

	ts := float64(now.UnixNano()) / 1e9
	var tcpX, tcpY, tcpZ float64
	if r.state == robotRunning {
		tcpX = 500 + 300*math.Sin(ts*0.6) + g.normal(0, 2)
		tcpY = 200 + 200*math.Cos(ts*0.5) + g.normal(0, 2)
		tcpZ = 400 + 150*math.Sin(ts*0.7) + g.normal(0, 2)
	} else {
		tcpX = 500 + g.normal(0, 0.3)
		tcpY = 200 + g.normal(0, 0.3)
		tcpZ = 600 + g.normal(0, 0.3)
	}

	tcpRx := 180 + 10*math.Sin(ts*0.3)
	tcpRy := 5 * math.Cos(ts*0.4)
	tcpRz := 90 + 5*math.Sin(ts*0.5)

	baseCycleTime := num(cfg, "base_cycle_time", 15.0)
	cycleTime := math.Max(5.0, baseCycleTime+g.normal(0, baseCycleTime*0.08))

	payloadRange := pair(cfg, "payload_range", [2]float64{0, 20})
	if !r.payloadSet {
		r.payload = g.uniform(payloadRange[0], payloadRange[1])
		r.payloadSet = true
	}
	if g.rng.Float64() < 0.05 {
		r.payload = g.uniform(payloadRange[0], payloadRange[1])
	}

	var speed float64
	if r.state == robotRunning {
		speed = maxSpeed*0.85 + g.uniform(0, maxSpeed*0.15)
	}

	return map[string]any{
		"joint_angles":       jointAngles,
		"tcp_position_x":     round(tcpX, 2),
		"tcp_position_y":     round(tcpY, 2),
		"tcp_position_z":     round(tcpZ, 2),
		"tcp_orientation_rx": round(tcpRx, 2),
		"tcp_orientation_ry": round(tcpRy, 2),
		"tcp_orientation_rz": round(tcpRz, 2),
		"program_state":      r.state,
		"cycle_time_s":       round(cycleTime, 2),
		"cycle_count":        r.cycleCount,
		"payload_kg":         round(r.payload, 1),
		"speed_percent":      round(speed, 1),
	}
}
