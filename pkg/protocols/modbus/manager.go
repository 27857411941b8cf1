package modbus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/plantsim/plantsim/pkg/config"
	"github.com/plantsim/plantsim/pkg/device"
	"github.com/plantsim/plantsim/pkg/portalloc"
	"github.com/plantsim/plantsim/pkg/simclock"
)

// startConcurrency caps parallel device starts to avoid port-binding storms.
const startConcurrency = 5

// Manager owns every Modbus device instance and drives their lifecycle.
type Manager struct {
	cfg   *config.ModbusConfig
	ports *portalloc.Manager
	clock simclock.Clock
	log   zerolog.Logger

	mu      sync.Mutex
	devices map[string]*Device
	plan    map[string]portalloc.PlanEntry
}

// NewManager wires the manager to its port allocator.
func NewManager(cfg *config.ModbusConfig, ports *portalloc.Manager, clock simclock.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		ports:   ports,
		clock:   clock,
		log:     log.With().Str("component", "modbus-manager").Logger(),
		devices: make(map[string]*Device),
		plan:    make(map[string]portalloc.PlanEntry),
	}
}

// Init builds the allocation plan, allocates one port per device, and
// constructs all device instances. It fails on the first allocation that
// cannot be satisfied.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buildPlan()

	for _, group := range sortedGroups(m.cfg.Devices) {
		gc := m.cfg.Devices[group]
		m.log.Info().Str("group", group).Int("count", gc.Count).Msg("creating modbus devices")
		for i := 0; i < gc.Count; i++ {
			id := fmt.Sprintf("modbus_%s_%03d", group, i)
			preferred := 0
			if gc.PortStart > 0 {
				preferred = gc.PortStart + i
			}
			ports := m.ports.Allocate("modbus", id, 1, preferred)
			if ports == nil {
				return fmt.Errorf("failed to allocate port for device %s", id)
			}
			m.devices[id] = NewDevice(id, gc, ports[0], m.clock, m.log)
		}
	}

	m.log.Info().Int("device_count", len(m.devices)).Msg("modbus manager initialized")
	return nil
}

func (m *Manager) buildPlan() {
	m.plan = make(map[string]portalloc.PlanEntry)
	for group, gc := range m.cfg.Devices {
		for i := 0; i < gc.Count; i++ {
			id := fmt.Sprintf("modbus_%s_%03d", group, i)
			m.plan[id] = portalloc.PlanEntry{Protocol: "modbus", Count: 1}
		}
	}
}

// AllocationRequirements returns a copy of the port plan for validation.
func (m *Manager) AllocationRequirements() map[string]portalloc.PlanEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]portalloc.PlanEntry, len(m.plan))
	for id, entry := range m.plan {
		out[id] = entry
	}
	return out
}

// StartAll starts every device with bounded concurrency. Individual bind
// failures are logged and reflected in health; siblings keep going.
func (m *Manager) StartAll() {
	m.mu.Lock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	m.log.Info().Int("count", len(devices)).Msg("starting modbus devices")

	sem := make(chan struct{}, startConcurrency)
	var wg sync.WaitGroup
	var failed sync.Map
	for _, d := range devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := d.Start(); err != nil {
				failed.Store(d.ID(), struct{}{})
				m.log.Error().Err(err).Str("device_id", d.ID()).Msg("failed to start modbus device")
			}
		}(d)
	}
	wg.Wait()

	failedCount := 0
	failed.Range(func(_, _ any) bool { failedCount++; return true })
	m.log.Info().
		Int("started", len(devices)-failedCount).
		Int("failed", failedCount).
		Msg("modbus device startup complete")
}

// StopAll stops every device in parallel and releases their ports.
func (m *Manager) StopAll() {
	m.mu.Lock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			d.Stop()
		}(d)
	}
	wg.Wait()

	for _, d := range devices {
		m.ports.Deallocate(d.ID())
	}
	m.log.Info().Msg("all modbus devices stopped")
}

// Restart stops and restarts a single device.
func (m *Manager) Restart(id string) error {
	m.mu.Lock()
	d := m.devices[id]
	m.mu.Unlock()
	if d == nil {
		return fmt.Errorf("unknown modbus device: %s", id)
	}
	d.Stop()
	return d.Start()
}

// HealthStatus returns the status of every device keyed by id.
func (m *Manager) HealthStatus() map[string]device.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]device.Status, len(m.devices))
	for id, d := range m.devices {
		out[id] = d.Status()
	}
	return out
}

// Device returns the instance for id, or nil.
func (m *Manager) Device(id string) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[id]
}

// DeviceCount reports how many devices the manager owns.
func (m *Manager) DeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

func sortedGroups(groups map[string]config.DeviceGroup) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
