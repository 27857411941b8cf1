// Package opcua runs one OPC-UA server per simulated machine device and
// keeps its address space populated with generated machine data.
package opcua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/plantsim/plantsim/pkg/config"
	"github.com/plantsim/plantsim/pkg/datagen"
	"github.com/plantsim/plantsim/pkg/device"
	"github.com/plantsim/plantsim/pkg/monitoring"
	"github.com/plantsim/plantsim/pkg/simclock"
)

// templateTypes maps device templates to generator device types.
var templateTypes = map[string]string{
	"opcua_cnc_machine":      "cnc_machine",
	"opcua_plc_controller":   "plc_controller",
	"opcua_industrial_robot": "industrial_robot",
}

func deviceTypeFor(template string) string {
	if t, ok := templateTypes[template]; ok {
		return t
	}
	return "generic"
}

// NodeData is the cached view of the device's variable nodes.
type NodeData struct {
	DeviceID   string         `json:"device_id"`
	DeviceType string         `json:"device_type"`
	Timestamp  float64        `json:"timestamp"`
	Nodes      map[string]any `json:"nodes"`
}

// Device is one simulated OPC-UA server exposing a DeviceSet address space:
// Identification (Manufacturer/Model/SerialNumber), Parameters (machine
// variables), and Status (DeviceHealth/ErrorCode/OperatingMode).
type Device struct {
	id             string
	group          config.DeviceGroup
	deviceType     string
	port           int
	applicationURI string
	gen            *datagen.Generator
	health         *device.Health
	clock          simclock.Clock
	log            zerolog.Logger

	mu     sync.Mutex
	srv    *server.Server
	nodes  map[string]*server.Node
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cached atomic.Pointer[NodeData]
}

// NewDevice builds a device bound to the given port.
func NewDevice(id string, group config.DeviceGroup, port int, applicationURI string, clock simclock.Clock, log zerolog.Logger) *Device {
	return &Device{
		id:             id,
		group:          group,
		deviceType:     deviceTypeFor(group.DeviceTemplate),
		port:           port,
		applicationURI: applicationURI,
		gen:            datagen.New(id, group.DataConfig, clock),
		health:         device.NewHealth(),
		clock:          clock,
		log:            log.With().Str("device_id", id).Str("protocol", "opcua").Logger(),
	}
}

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// Port returns the allocated TCP port.
func (d *Device) Port() int { return d.port }

// EndpointURL returns the server's endpoint address.
func (d *Device) EndpointURL() string {
	return fmt.Sprintf("opc.tcp://0.0.0.0:%d/freeopcua/server/", d.port)
}

// Start builds the address space, starts the server, and launches the
// update loop.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.srv != nil {
		return nil
	}

	srv := server.New(
		server.EndPoint("0.0.0.0", d.port),
		server.EnableSecurity("None", ua.MessageSecurityModeNone),
		server.EnableAuthMode(ua.UserTokenTypeAnonymous),
	)

	d.buildAddressSpace(srv)

	if err := srv.Start(context.Background()); err != nil {
		d.nodes = nil
		return fmt.Errorf("start opcua server on port %d: %w", d.port, err)
	}
	d.srv = srv
	d.updateNodes()

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.updateLoop(ctx)

	d.health.MarkRunning(d.clock.Now())
	monitoring.RunningDevices.WithLabelValues("opcua").Inc()
	d.log.Info().Int("port", d.port).Str("endpoint", d.EndpointURL()).Msg("opcua device started")
	return nil
}

// Stop cancels the update loop and shuts the server down.
func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.srv == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	if err := d.srv.Close(); err != nil {
		d.log.Warn().Err(err).Msg("error closing opcua server")
	}
	d.srv = nil
	d.nodes = nil
	d.health.MarkStopped()
	monitoring.RunningDevices.WithLabelValues("opcua").Dec()
	d.log.Info().Msg("opcua device stopped")
}

// buildAddressSpace registers the device namespace and its variable nodes.
// Browse names are path-style (Folder.Variable) under the namespace Objects
// node, mirroring the DeviceSet/<id>/{Identification,Parameters,Status}
// layout.
func (d *Device) buildAddressSpace(srv *server.Server) {
	ns := server.NewNodeNameSpace(srv, fmt.Sprintf("urn:protocol-sim-engine:%s", d.id))
	objects := ns.Objects()
	d.nodes = make(map[string]*server.Node)

	addVar := func(name string, value any) {
		n := ns.AddNewVariableNode(name, value)
		objects.AddRef(n, id.HasComponent, true)
		d.nodes[name] = n
	}

	addVar("Identification.Manufacturer", "Protocol Sim Engine")
	addVar("Identification.Model", d.group.DeviceTemplate)
	addVar("Identification.SerialNumber", d.id)

	addVar("Status.DeviceHealth", "NORMAL")
	addVar("Status.ErrorCode", int32(0))
	addVar("Status.OperatingMode", "AUTO")

	switch d.deviceType {
	case "cnc_machine":
		addVar("Parameters.SpindleSpeed", float64(0))
		addVar("Parameters.FeedRate", float64(0))
		addVar("Parameters.ToolWearPercent", float64(0))
		addVar("Parameters.PartCount", int32(0))
		addVar("Parameters.AxisPosition_X", float64(0))
		addVar("Parameters.AxisPosition_Y", float64(0))
		addVar("Parameters.AxisPosition_Z", float64(0))
		addVar("Parameters.ProgramName", "")
		addVar("Parameters.MachineState", "RUNNING")
	case "plc_controller":
		addVar("Parameters.ProcessValue", float64(0))
		addVar("Parameters.Setpoint", float64(0))
		addVar("Parameters.ControlOutput", float64(0))
		addVar("Parameters.Mode", "AUTO")
		addVar("Parameters.HighAlarm", false)
		addVar("Parameters.LowAlarm", false)
		addVar("Parameters.IntegralTerm", float64(0))
		addVar("Parameters.DerivativeTerm", float64(0))
		addVar("Parameters.Error", float64(0))
	case "industrial_robot":
		for i := 1; i <= d.jointCount(); i++ {
			addVar(fmt.Sprintf("Parameters.JointAngle_%d", i), float64(0))
		}
		addVar("Parameters.TCPPosition_X", float64(0))
		addVar("Parameters.TCPPosition_Y", float64(0))
		addVar("Parameters.TCPPosition_Z", float64(0))
		addVar("Parameters.TCPOrientation_Rx", float64(0))
		addVar("Parameters.TCPOrientation_Ry", float64(0))
		addVar("Parameters.TCPOrientation_Rz", float64(0))
		addVar("Parameters.ProgramState", "RUNNING")
		addVar("Parameters.CycleTime", float64(0))
		addVar("Parameters.CycleCount", int32(0))
		addVar("Parameters.PayloadKg", float64(0))
		addVar("Parameters.SpeedPercent", float64(0))
	}
}

// jointCount resolves the configured joint_count the same way the generator
// does, so the JointAngle nodes line up with the joint_angles array the
// update loop writes. Options may be given flat or under a "robot" block.
func (d *Device) jointCount() int {
	cfg := d.group.DataConfig
	if sub, ok := cfg["robot"].(map[string]any); ok {
		cfg = sub
	}
	n := 6
	switch v := cfg["joint_count"].(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	}
	if n < 1 {
		n = 6
	}
	return n
}

func (d *Device) updateLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := time.Duration(d.group.UpdateInterval * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.updateNodes()
		}
	}
}

// updateNodes produces a snapshot, writes the variable nodes, and refreshes
// the cached node view.
func (d *Device) updateNodes() {
	snap := d.gen.Produce(d.deviceType)
	nodes := d.nodes
	if nodes == nil {
		return
	}

	write := func(name string, value any) {
		if n, ok := nodes[name]; ok {
			n.SetAttribute(ua.AttributeIDValue, server.DataValueFromValue(value))
		}
	}

	cached := &NodeData{
		DeviceID:   d.id,
		DeviceType: d.deviceType,
		Timestamp:  float64(d.clock.Now().UnixNano()) / 1e9,
		Nodes:      make(map[string]any),
	}

	switch d.deviceType {
	case "cnc_machine":
		fields := map[string]string{
			"spindle_speed_rpm": "Parameters.SpindleSpeed",
			"feed_rate_mm_min":  "Parameters.FeedRate",
			"tool_wear_percent": "Parameters.ToolWearPercent",
			"axis_position_x":   "Parameters.AxisPosition_X",
			"axis_position_y":   "Parameters.AxisPosition_Y",
			"axis_position_z":   "Parameters.AxisPosition_Z",
		}
		for key, node := range fields {
			write(node, snap[key])
			cached.Nodes[key] = snap[key]
		}
		if v, ok := snap["part_count"].(int); ok {
			write("Parameters.PartCount", int32(v))
			cached.Nodes["part_count"] = v
		}
		write("Parameters.ProgramName", snap["program_name"])
		write("Parameters.MachineState", snap["machine_state"])
		write("Status.OperatingMode", snap["machine_state"])
		cached.Nodes["program_name"] = snap["program_name"]
		cached.Nodes["machine_state"] = snap["machine_state"]

	case "plc_controller":
		for _, key := range []string{
			"process_value", "setpoint", "control_output", "mode",
			"high_alarm", "low_alarm", "integral_term", "derivative_term", "error",
		} {
			cached.Nodes[key] = snap[key]
		}
		write("Parameters.ProcessValue", snap["process_value"])
		write("Parameters.Setpoint", snap["setpoint"])
		write("Parameters.ControlOutput", snap["control_output"])
		write("Parameters.Mode", snap["mode"])
		write("Parameters.HighAlarm", snap["high_alarm"])
		write("Parameters.LowAlarm", snap["low_alarm"])
		write("Parameters.IntegralTerm", snap["integral_term"])
		write("Parameters.DerivativeTerm", snap["derivative_term"])
		write("Parameters.Error", snap["error"])
		write("Status.OperatingMode", snap["mode"])

	case "industrial_robot":
		if angles, ok := snap["joint_angles"].([]float64); ok {
			for i, angle := range angles {
				write(fmt.Sprintf("Parameters.JointAngle_%d", i+1), angle)
			}
			cached.Nodes["joint_angles"] = angles
		}
		for _, key := range []string{
			"tcp_position_x", "tcp_position_y", "tcp_position_z",
			"tcp_orientation_rx", "tcp_orientation_ry", "tcp_orientation_rz",
			"program_state", "cycle_time_s", "payload_kg", "speed_percent",
		} {
			cached.Nodes[key] = snap[key]
		}
		write("Parameters.TCPPosition_X", snap["tcp_position_x"])
		write("Parameters.TCPPosition_Y", snap["tcp_position_y"])
		write("Parameters.TCPPosition_Z", snap["tcp_position_z"])
		write("Parameters.TCPOrientation_Rx", snap["tcp_orientation_rx"])
		write("Parameters.TCPOrientation_Ry", snap["tcp_orientation_ry"])
		write("Parameters.TCPOrientation_Rz", snap["tcp_orientation_rz"])
		write("Parameters.ProgramState", snap["program_state"])
		write("Parameters.CycleTime", snap["cycle_time_s"])
		write("Parameters.SpeedPercent", snap["speed_percent"])
		write("Parameters.PayloadKg", snap["payload_kg"])
		if v, ok := snap["cycle_count"].(int); ok {
			write("Parameters.CycleCount", int32(v))
			cached.Nodes["cycle_count"] = v
		}
		write("Status.OperatingMode", snap["program_state"])
	}

	write("Status.DeviceHealth", "NORMAL")
	write("Status.ErrorCode", int32(0))
	cached.Nodes["device_health"] = "NORMAL"
	cached.Nodes["error_code"] = 0

	d.cached.Store(cached)
	d.health.RecordUpdate(d.clock.Now())
	monitoring.DeviceTicks.WithLabelValues("opcua").Inc()
}

// Status returns the inspection record including the node count.
func (d *Device) Status() device.Status {
	s := device.Status{
		DeviceID:       d.id,
		DeviceType:     d.deviceType,
		Template:       d.group.DeviceTemplate,
		Protocol:       "opcua",
		Port:           d.port,
		EndpointURL:    d.EndpointURL(),
		UpdateInterval: d.group.UpdateInterval,
	}
	d.health.Fill(&s, d.clock.Now())
	d.mu.Lock()
	s.NodeCount = len(d.nodes)
	d.mu.Unlock()
	return s
}

// NodeValues returns the cached node data, or nil before the first tick.
func (d *Device) NodeValues() *NodeData {
	return d.cached.Load()
}
