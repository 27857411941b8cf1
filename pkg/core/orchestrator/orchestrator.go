// Package orchestrator composes the port manager, the protocol device
// managers, and the optional embedded broker into one simulation lifecycle,
// and routes all inspection queries.
package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plantsim/plantsim/pkg/config"
	"github.com/plantsim/plantsim/pkg/device"
	"github.com/plantsim/plantsim/pkg/portalloc"
	"github.com/plantsim/plantsim/pkg/protocols/modbus"
	"github.com/plantsim/plantsim/pkg/protocols/mqttsim"
	"github.com/plantsim/plantsim/pkg/protocols/opcua"
	"github.com/plantsim/plantsim/pkg/reporting"
	"github.com/plantsim/plantsim/pkg/simclock"
)

// healthRefreshInterval is the cadence of the background health loop.
const healthRefreshInterval = 30 * time.Second

// Overall health thresholds as percentages of running devices.
const (
	healthyThreshold  = 95.0
	degradedThreshold = 80.0
)

// HealthSummary aggregates device health counts.
type HealthSummary struct {
	TotalDevices     int     `json:"total_devices"`
	HealthyDevices   int     `json:"healthy_devices"`
	HealthPercentage float64 `json:"health_percentage"`
}

// HealthStatus is the rolled-up health view.
type HealthStatus struct {
	Status          string                           `json:"status"`
	Devices         map[string]device.Status         `json:"devices"`
	Summary         HealthSummary                    `json:"summary"`
	PortUtilization map[string]portalloc.Utilization `json:"port_utilization"`
}

// Orchestrator owns the whole simulation.
type Orchestrator struct {
	cfg   *config.Config
	clock simclock.Clock
	log   zerolog.Logger

	ports  *portalloc.Manager
	modbus *modbus.Manager
	opcua  *opcua.Manager
	mqtt   *mqttsim.Manager
	broker *mqttsim.Broker

	mu       sync.Mutex
	active   map[string]struct{}
	health   HealthStatus
	stopMon  chan struct{}
	monDone  chan struct{}
	monAlive bool
}

// New builds an orchestrator for the given configuration.
func New(cfg *config.Config, clock simclock.Clock, log zerolog.Logger) *Orchestrator {
	if clock == nil {
		clock = simclock.System()
	}
	return &Orchestrator{
		cfg:    cfg,
		clock:  clock,
		log:    log.With().Str("component", "orchestrator").Logger(),
		ports:  portalloc.NewManager(log),
		active: make(map[string]struct{}),
		health: HealthStatus{Status: "stopped", Devices: map[string]device.Status{}},
	}
}

// Init builds the port pools, starts the embedded broker if requested,
// constructs and initializes each enabled protocol manager, and validates
// the union of their allocation plans.
func (o *Orchestrator) Init() error {
	o.log.Info().Str("facility", o.cfg.Facility.Name).Msg("initializing simulation orchestrator")

	o.ports.InitPools(o.cfg.PortRangePairs())

	if mc := o.cfg.Protocols.ModbusTCP; mc != nil && mc.Enabled {
		o.log.Info().Msg("initializing modbus tcp protocol manager")
		mgr := modbus.NewManager(mc, o.ports, o.clock, o.log)
		if err := mgr.Init(); err != nil {
			return fmt.Errorf("initialize modbus manager: %w", err)
		}
		o.modbus = mgr
		o.active["modbus_tcp"] = struct{}{}
	}

	if qc := o.cfg.Protocols.MQTT; qc != nil && qc.Enabled {
		if qc.UseEmbeddedBroker {
			o.log.Info().Msg("starting embedded mqtt broker")
			broker := mqttsim.NewBroker(qc.BrokerPort, o.log)
			if err := broker.Start(); err != nil {
				o.log.Warn().Err(err).Msg("embedded broker failed to start, assuming external broker")
			} else {
				o.broker = broker
			}
		}

		o.log.Info().Msg("initializing mqtt protocol manager")
		mgr := mqttsim.NewManager(qc, o.ports, o.clock, o.log)
		if err := mgr.Init(); err != nil {
			o.log.Warn().Err(err).Msg("mqtt manager initialization failed, mqtt devices unavailable")
		} else {
			o.mqtt = mgr
			o.active["mqtt"] = struct{}{}
		}
	}

	if oc := o.cfg.Protocols.OPCUA; oc != nil && oc.Enabled {
		o.log.Info().Msg("initializing opcua protocol manager")
		mgr := opcua.NewManager(oc, o.ports, o.clock, o.log)
		if err := mgr.Init(); err != nil {
			o.log.Warn().Err(err).Msg("opcua manager initialization failed, opcua devices unavailable")
		} else {
			o.opcua = mgr
			o.active["opcua"] = struct{}{}
		}
	}

	plan := o.combinedPlan()
	if !o.ports.ValidatePlan(plan) {
		return fmt.Errorf("device allocation plan validation failed")
	}

	o.mu.Lock()
	o.health.Status = "initialized"
	o.mu.Unlock()

	o.log.Info().
		Int("device_count", o.DeviceCount()).
		Strs("protocols", o.ActiveProtocols()).
		Msg("simulation orchestrator initialized")
	return nil
}

func (o *Orchestrator) combinedPlan() map[string]portalloc.PlanEntry {
	plan := make(map[string]portalloc.PlanEntry)
	if o.modbus != nil {
		for id, e := range o.modbus.AllocationRequirements() {
			plan[id] = e
		}
	}
	if o.opcua != nil {
		for id, e := range o.opcua.AllocationRequirements() {
			plan[id] = e
		}
	}
	if o.mqtt != nil {
		for id, e := range o.mqtt.AllocationRequirements() {
			plan[id] = e
		}
	}
	return plan
}

// StartAll starts every protocol's devices and the background health loop.
// A protocol that fails wholesale is logged; others continue. It fails only
// when nothing started.
func (o *Orchestrator) StartAll() error {
	o.log.Info().Msg("starting all simulation devices")

	started := 0
	if o.modbus != nil {
		o.modbus.StartAll()
		started += countRunning(o.modbus.HealthStatus())
	}
	if o.opcua != nil {
		o.opcua.StartAll()
		started += countRunning(o.opcua.HealthStatus())
	}
	if o.mqtt != nil {
		if err := o.mqtt.StartAll(); err != nil {
			o.log.Error().Err(err).Msg("failed to start mqtt devices")
		} else {
			started += countRunning(o.mqtt.HealthStatus())
		}
	}

	if started == 0 {
		return fmt.Errorf("no devices were started")
	}

	o.refreshHealth()
	o.startMonitorLoop()

	o.log.Info().Int("running", started).Msg("simulation device startup complete")
	return nil
}

// StopAll stops every device, the health loop, and the embedded broker.
// The broker goes down last so retained offline statuses can be delivered.
func (o *Orchestrator) StopAll() {
	o.log.Info().Msg("stopping all simulation devices")

	o.stopMonitorLoop()

	if o.modbus != nil {
		o.modbus.StopAll()
	}
	if o.opcua != nil {
		o.opcua.StopAll()
	}
	if o.mqtt != nil {
		o.mqtt.StopAll()
	}
	if o.broker != nil {
		o.broker.Stop()
		o.broker = nil
	}

	o.mu.Lock()
	o.health = HealthStatus{Status: "stopped", Devices: map[string]device.Status{}}
	o.mu.Unlock()

	o.log.Info().Msg("all simulation devices stopped")
}

func countRunning(statuses map[string]device.Status) int {
	n := 0
	for _, s := range statuses {
		if s.Running {
			n++
		}
	}
	return n
}

// startMonitorLoop launches the periodic health refresh.
func (o *Orchestrator) startMonitorLoop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.monAlive {
		return
	}
	o.stopMon = make(chan struct{})
	o.monDone = make(chan struct{})
	o.monAlive = true
	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(healthRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.refreshHealth()
			}
		}
	}(o.stopMon, o.monDone)
}

func (o *Orchestrator) stopMonitorLoop() {
	o.mu.Lock()
	if !o.monAlive {
		o.mu.Unlock()
		return
	}
	o.monAlive = false
	stop, done := o.stopMon, o.monDone
	o.mu.Unlock()
	close(stop)
	<-done
}

// refreshHealth recomputes the rolled-up health view.
func (o *Orchestrator) refreshHealth() {
	devices := o.allStatuses()

	total := len(devices)
	healthy := 0
	for _, s := range devices {
		if s.Running {
			healthy++
		}
	}
	pct := 100.0
	if total > 0 {
		pct = float64(healthy) / float64(total) * 100
	}

	status := "unhealthy"
	switch {
	case pct >= healthyThreshold:
		status = "healthy"
	case pct >= degradedThreshold:
		status = "degraded"
	}

	o.mu.Lock()
	o.health = HealthStatus{
		Status:  status,
		Devices: devices,
		Summary: HealthSummary{
			TotalDevices:     total,
			HealthyDevices:   healthy,
			HealthPercentage: roundPct(pct),
		},
		PortUtilization: o.ports.PoolUtilization(),
	}
	o.mu.Unlock()
}

func roundPct(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func (o *Orchestrator) allStatuses() map[string]device.Status {
	out := make(map[string]device.Status)
	if o.modbus != nil {
		for id, s := range o.modbus.HealthStatus() {
			s.Protocol = "modbus_tcp"
			out[id] = s
		}
	}
	if o.mqtt != nil {
		for id, s := range o.mqtt.HealthStatus() {
			s.Protocol = "mqtt"
			out[id] = s
		}
	}
	if o.opcua != nil {
		for id, s := range o.opcua.HealthStatus() {
			s.Protocol = "opcua"
			out[id] = s
		}
	}
	return out
}

// DeviceCount returns the total number of devices across protocols.
func (o *Orchestrator) DeviceCount() int {
	n := 0
	if o.modbus != nil {
		n += o.modbus.DeviceCount()
	}
	if o.mqtt != nil {
		n += o.mqtt.DeviceCount()
	}
	if o.opcua != nil {
		n += o.opcua.DeviceCount()
	}
	return n
}

// ActiveProtocols lists the initialized protocols, sorted.
func (o *Orchestrator) ActiveProtocols() []string {
	out := make([]string, 0, len(o.active))
	for p := range o.active {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Health returns the last computed rolled-up health view.
func (o *Orchestrator) Health() HealthStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.health
}

// AllDevices returns the status of every device, sorted by id.
func (o *Orchestrator) AllDevices() []device.Status {
	statuses := o.allStatuses()
	out := make([]device.Status, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// DeviceInfo returns one device's status, or false when unknown.
func (o *Orchestrator) DeviceInfo(id string) (device.Status, bool) {
	s, ok := o.allStatuses()[id]
	return s, ok
}

// DeviceData returns a device's current data: the decoded Modbus registers,
// the last MQTT payload, or the cached OPC-UA node values.
func (o *Orchestrator) DeviceData(id string) (map[string]any, bool) {
	if o.modbus != nil {
		if d := o.modbus.Device(id); d != nil {
			return d.RegisterData(), true
		}
	}
	if o.mqtt != nil {
		if d := o.mqtt.Device(id); d != nil {
			return d.LastMessage(), true
		}
	}
	if o.opcua != nil {
		if d := o.opcua.Device(id); d != nil {
			nd := d.NodeValues()
			if nd == nil {
				return nil, true
			}
			return map[string]any{
				"device_id":   nd.DeviceID,
				"device_type": nd.DeviceType,
				"timestamp":   nd.Timestamp,
				"nodes":       nd.Nodes,
			}, true
		}
	}
	return nil, false
}

// RestartDevice stops and restarts a single device by id, whichever protocol
// owns it.
func (o *Orchestrator) RestartDevice(id string) error {
	if o.modbus != nil && o.modbus.Device(id) != nil {
		return o.modbus.Restart(id)
	}
	if o.mqtt != nil && o.mqtt.Device(id) != nil {
		return o.mqtt.Restart(id)
	}
	if o.opcua != nil && o.opcua.Device(id) != nil {
		return o.opcua.Restart(id)
	}
	return fmt.Errorf("unknown device: %s", id)
}

// ProtocolSummary describes one protocol's fleet.
type ProtocolSummary struct {
	DeviceCount int      `json:"device_count"`
	Status      string   `json:"status"`
	Devices     []string `json:"devices"`
}

// ProtocolSummaries summarizes each active protocol.
func (o *Orchestrator) ProtocolSummaries() map[string]ProtocolSummary {
	out := make(map[string]ProtocolSummary)
	add := func(protocol string, statuses map[string]device.Status) {
		ids := make([]string, 0, len(statuses))
		for id := range statuses {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[protocol] = ProtocolSummary{DeviceCount: len(ids), Status: "active", Devices: ids}
	}
	if o.modbus != nil {
		add("modbus_tcp", o.modbus.HealthStatus())
	}
	if o.mqtt != nil {
		add("mqtt", o.mqtt.HealthStatus())
	}
	if o.opcua != nil {
		add("opcua", o.opcua.HealthStatus())
	}
	return out
}

// DevicesByProtocol returns the statuses for one protocol, sorted by id.
func (o *Orchestrator) DevicesByProtocol(protocol string) []device.Status {
	var statuses map[string]device.Status
	switch protocol {
	case "modbus_tcp", "modbus":
		if o.modbus != nil {
			statuses = o.modbus.HealthStatus()
			for id, s := range statuses {
				s.Protocol = "modbus_tcp"
				statuses[id] = s
			}
		}
	case "mqtt":
		if o.mqtt != nil {
			statuses = o.mqtt.HealthStatus()
		}
	case "opcua":
		if o.opcua != nil {
			statuses = o.opcua.HealthStatus()
		}
	}
	out := make([]device.Status, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// PerformanceMetrics aggregates the fleet-wide figures.
type PerformanceMetrics struct {
	TotalDevices     int                              `json:"total_devices"`
	ActiveProtocols  []string                         `json:"active_protocols"`
	PortUtilization  map[string]portalloc.Utilization `json:"port_utilization"`
	HealthStatus     string                           `json:"health_status"`
	HealthyDevicePct float64                          `json:"healthy_device_percentage"`
}

// Metrics returns the current performance metrics.
func (o *Orchestrator) Metrics() PerformanceMetrics {
	h := o.Health()
	return PerformanceMetrics{
		TotalDevices:     o.DeviceCount(),
		ActiveProtocols:  o.ActiveProtocols(),
		PortUtilization:  o.ports.PoolUtilization(),
		HealthStatus:     h.Status,
		HealthyDevicePct: h.Summary.HealthPercentage,
	}
}

// AllocationReport combines facility info, per-protocol counts, and the
// port manager's report.
func (o *Orchestrator) AllocationReport() map[string]any {
	byProtocol := make(map[string]int)
	for protocol, summary := range o.ProtocolSummaries() {
		byProtocol[protocol] = summary.DeviceCount
	}
	return map[string]any{
		"facility": map[string]any{
			"name":        o.cfg.Facility.Name,
			"description": o.cfg.Facility.Description,
			"location":    o.cfg.Facility.Location,
		},
		"simulation": map[string]any{
			"time_acceleration":    o.cfg.Simulation.TimeAcceleration,
			"fault_injection_rate": o.cfg.Simulation.FaultInjectionRate,
		},
		"devices": map[string]any{
			"total_count": o.DeviceCount(),
			"by_protocol": byProtocol,
		},
		"ports":  o.ports.GenerateReport(),
		"health": o.Health(),
	}
}

// ExportAll gathers every device's status and current data.
func (o *Orchestrator) ExportAll() reporting.Export {
	records := make(map[string]reporting.DeviceRecord)
	for id, s := range o.allStatuses() {
		data, _ := o.DeviceData(id)
		records[id] = reporting.DeviceRecord{Status: s, Data: data}
	}
	return reporting.NewExport(o.cfg.Facility.Name, records, o.clock.Now())
}

// Ports exposes the port manager for inspection surfaces.
func (o *Orchestrator) Ports() *portalloc.Manager {
	return o.ports
}

// MQTT returns the MQTT manager, or nil when the protocol is disabled.
func (o *Orchestrator) MQTT() *mqttsim.Manager { return o.mqtt }

// OPCUA returns the OPC-UA manager, or nil when the protocol is disabled.
func (o *Orchestrator) OPCUA() *opcua.Manager { return o.opcua }

// Modbus returns the Modbus manager, or nil when the protocol is disabled.
func (o *Orchestrator) Modbus() *modbus.Manager { return o.modbus }
