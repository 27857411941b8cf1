// Package portalloc hands out contiguous TCP port blocks from per-protocol
// pools and tracks which device owns which ports.
package portalloc

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// pool is a single protocol's port range with allocation bookkeeping.
type pool struct {
	protocol  string
	start     int
	end       int
	allocated map[int]struct{}
	available map[int]struct{}
}

func newPool(protocol string, start, end int) *pool {
	p := &pool{
		protocol:  protocol,
		start:     start,
		end:       end,
		allocated: make(map[int]struct{}),
		available: make(map[int]struct{}, end-start+1),
	}
	for port := start; port <= end; port++ {
		p.available[port] = struct{}{}
	}
	return p
}

func (p *pool) clone() *pool {
	c := &pool{
		protocol:  p.protocol,
		start:     p.start,
		end:       p.end,
		allocated: make(map[int]struct{}, len(p.allocated)),
		available: make(map[int]struct{}, len(p.available)),
	}
	for port := range p.allocated {
		c.allocated[port] = struct{}{}
	}
	for port := range p.available {
		c.available[port] = struct{}{}
	}
	return c
}

// allocate reserves a contiguous block of count ports, preferring
// preferredStart when the whole block starting there is free. It returns nil
// when no block fits; count==0 returns an empty slice.
func (p *pool) allocate(count, preferredStart int) []int {
	if count <= 0 {
		return []int{}
	}
	if len(p.available) < count {
		return nil
	}

	var block []int
	if preferredStart > 0 && p.blockFree(preferredStart, count) {
		block = portRange(preferredStart, count)
	} else {
		block = p.findContiguous(count)
	}
	if block == nil {
		return nil
	}
	for _, port := range block {
		p.allocated[port] = struct{}{}
		delete(p.available, port)
	}
	return block
}

func (p *pool) blockFree(start, count int) bool {
	for port := start; port < start+count; port++ {
		if _, ok := p.available[port]; !ok {
			return false
		}
	}
	return true
}

// findContiguous returns the lowest free block of the requested size.
func (p *pool) findContiguous(count int) []int {
	avail := make([]int, 0, len(p.available))
	for port := range p.available {
		avail = append(avail, port)
	}
	sort.Ints(avail)
	for _, start := range avail {
		if start+count-1 > p.end {
			break
		}
		if p.blockFree(start, count) {
			return portRange(start, count)
		}
	}
	return nil
}

func (p *pool) deallocate(ports []int) {
	for _, port := range ports {
		if _, ok := p.allocated[port]; ok {
			delete(p.allocated, port)
			p.available[port] = struct{}{}
		}
	}
}

func portRange(start, count int) []int {
	block := make([]int, count)
	for i := range block {
		block[i] = start + i
	}
	return block
}

// Utilization summarizes one pool's occupancy.
type Utilization struct {
	Total              int     `json:"total"`
	Used               int     `json:"used"`
	Available          int     `json:"available"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// PlanEntry is one device's requirement in an allocation plan.
type PlanEntry struct {
	Protocol string
	Count    int
}

// Report is the full allocation state for inspection surfaces.
type Report struct {
	TotalDevices int                       `json:"total_devices"`
	Protocols    map[string]ProtocolReport `json:"protocols"`
	Devices      map[string]DeviceReport   `json:"devices"`
	Utilization  map[string]Utilization    `json:"utilization"`
}

// ProtocolReport is one pool's line in a Report.
type ProtocolReport struct {
	TotalPorts     int `json:"total_ports"`
	AllocatedPorts int `json:"allocated_ports"`
	AvailablePorts int `json:"available_ports"`
}

// DeviceReport is one device's line in a Report.
type DeviceReport struct {
	Ports []int `json:"ports"`
	Count int   `json:"count"`
}

// Manager owns all port pools. A single mutex serializes every operation;
// allocation is far off any hot path.
type Manager struct {
	mu       sync.Mutex
	pools    map[string]*pool
	mappings map[string][]int
	log      zerolog.Logger
}

// NewManager returns a Manager with no pools configured.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		pools:    make(map[string]*pool),
		mappings: make(map[string][]int),
		log:      log.With().Str("component", "portalloc").Logger(),
	}
}

// InitPools resets all pools from protocol → [start,end] ranges. Existing
// allocations are discarded.
func (m *Manager) InitPools(ranges map[string][2]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pools = make(map[string]*pool, len(ranges))
	m.mappings = make(map[string][]int)
	total := 0
	for protocol, r := range ranges {
		if r[1] < r[0] {
			m.log.Warn().Str("protocol", protocol).Ints("range", r[:]).Msg("invalid port range, skipping")
			continue
		}
		m.pools[protocol] = newPool(protocol, r[0], r[1])
		total += r[1] - r[0] + 1
	}
	m.log.Info().Int("pools", len(m.pools)).Int("total_ports", total).Msg("port pools initialized")
}

// Allocate reserves count contiguous ports for deviceID from the protocol's
// pool. A device that already holds an allocation gets its existing ports
// back. Returns nil when the protocol is unknown or the pool cannot satisfy
// the request.
func (m *Manager) Allocate(protocol, deviceID string, count, preferredStart int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[protocol]
	if !ok {
		m.log.Error().Str("protocol", protocol).Msg("no port pool configured for protocol")
		return nil
	}
	if existing, ok := m.mappings[deviceID]; ok {
		m.log.Warn().Str("device_id", deviceID).Msg("device already has allocated ports")
		return existing
	}

	block := p.allocate(count, preferredStart)
	if block == nil {
		m.log.Error().
			Str("device_id", deviceID).
			Str("protocol", protocol).
			Int("requested", count).
			Int("available", len(p.available)).
			Msg("port allocation failed")
		return nil
	}
	m.mappings[deviceID] = block
	m.log.Info().
		Str("device_id", deviceID).
		Str("protocol", protocol).
		Ints("ports", block).
		Msg("ports allocated")
	return block
}

// Deallocate releases a device's ports back to the pool holding them.
// Returns false for a device with no allocation on record.
func (m *Manager) Deallocate(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ports, ok := m.mappings[deviceID]
	if !ok {
		m.log.Warn().Str("device_id", deviceID).Msg("no ports allocated for device")
		return false
	}
	if len(ports) > 0 {
		for _, p := range m.pools {
			if ports[0] >= p.start && ports[0] <= p.end {
				p.deallocate(ports)
				break
			}
		}
	}
	delete(m.mappings, deviceID)
	m.log.Info().Str("device_id", deviceID).Ints("ports", ports).Msg("ports deallocated")
	return true
}

// DevicePorts returns the ports held by deviceID, or nil.
func (m *Manager) DevicePorts(deviceID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports, ok := m.mappings[deviceID]
	if !ok {
		return nil
	}
	out := make([]int, len(ports))
	copy(out, ports)
	return out
}

// PoolUtilization reports occupancy per protocol.
func (m *Manager) PoolUtilization() map[string]Utilization {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utilizationLocked()
}

func (m *Manager) utilizationLocked() map[string]Utilization {
	out := make(map[string]Utilization, len(m.pools))
	for protocol, p := range m.pools {
		total := p.end - p.start + 1
		used := len(p.allocated)
		out[protocol] = Utilization{
			Total:              total,
			Used:               used,
			Available:          len(p.available),
			UtilizationPercent: roundPct(float64(used) / float64(total) * 100),
		}
	}
	return out
}

// ValidatePlan simulates the plan against copies of the current pools and
// reports whether every request would succeed. Real pools are never mutated.
// Entries are tried in sorted device-id order so the result is deterministic.
func (m *Manager) ValidatePlan(plan map[string]PlanEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	temp := make(map[string]*pool, len(m.pools))
	for protocol, p := range m.pools {
		temp[protocol] = p.clone()
	}

	ids := make([]string, 0, len(plan))
	for id := range plan {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		entry := plan[id]
		p, ok := temp[entry.Protocol]
		if !ok {
			m.log.Error().Str("protocol", entry.Protocol).Msg("unknown protocol in allocation plan")
			return false
		}
		if p.allocate(entry.Count, 0) == nil {
			m.log.Error().
				Str("device_id", id).
				Str("protocol", entry.Protocol).
				Int("requested", entry.Count).
				Msg("allocation plan validation failed")
			return false
		}
	}
	m.log.Info().Int("devices", len(plan)).Msg("allocation plan validated")
	return true
}

// GenerateReport produces the full allocation report.
func (m *Manager) GenerateReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Report{
		TotalDevices: len(m.mappings),
		Protocols:    make(map[string]ProtocolReport, len(m.pools)),
		Devices:      make(map[string]DeviceReport, len(m.mappings)),
		Utilization:  m.utilizationLocked(),
	}
	for protocol, p := range m.pools {
		r.Protocols[protocol] = ProtocolReport{
			TotalPorts:     p.end - p.start + 1,
			AllocatedPorts: len(p.allocated),
			AvailablePorts: len(p.available),
		}
	}
	for id, ports := range m.mappings {
		out := make([]int, len(ports))
		copy(out, ports)
		r.Devices[id] = DeviceReport{Ports: out, Count: len(out)}
	}
	return r
}

func roundPct(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
