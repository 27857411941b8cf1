package portalloc_test

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/plantsim/plantsim/pkg/portalloc"
)

func newTestManager(ranges map[string][2]int) *portalloc.Manager {
	m := portalloc.NewManager(zerolog.Nop())
	m.InitPools(ranges)
	return m
}

func TestAllocateContiguousBlock(t *testing.T) {
	m := newTestManager(map[string][2]int{"modbus": {5020, 5030}})

	ports := m.Allocate("modbus", "modbus_a_000", 3, 0)
	if len(ports) != 3 {
		t.Fatalf("expected 3 ports, got %v", ports)
	}
	for i := 1; i < len(ports); i++ {
		if ports[i] != ports[i-1]+1 {
			t.Errorf("ports not contiguous: %v", ports)
		}
	}
	if ports[0] != 5020 {
		t.Errorf("expected lowest free block starting at 5020, got %v", ports)
	}
}

func TestAllocatePreferredStart(t *testing.T) {
	m := newTestManager(map[string][2]int{"modbus": {5020, 5030}})

	ports := m.Allocate("modbus", "modbus_a_000", 2, 5025)
	if len(ports) != 2 || ports[0] != 5025 || ports[1] != 5026 {
		t.Fatalf("expected [5025 5026], got %v", ports)
	}

	// Preferred block is taken, so the allocator falls back to the lowest
	// free block.
	ports = m.Allocate("modbus", "modbus_a_001", 2, 5025)
	if len(ports) != 2 || ports[0] != 5020 {
		t.Fatalf("expected fallback block at 5020, got %v", ports)
	}
}

func TestAllocateIdempotentPerDevice(t *testing.T) {
	m := newTestManager(map[string][2]int{"modbus": {5020, 5030}})

	first := m.Allocate("modbus", "modbus_a_000", 2, 0)
	second := m.Allocate("modbus", "modbus_a_000", 2, 0)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("allocations failed: %v, %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("repeat allocation returned different ports: %v vs %v", first, second)
		}
	}

	util := m.PoolUtilization()["modbus"]
	if util.Used != 2 {
		t.Errorf("expected 2 ports used after repeat allocation, got %d", util.Used)
	}
}

func TestAllocateZeroCount(t *testing.T) {
	m := newTestManager(map[string][2]int{"mqtt": {1883, 1883}})

	ports := m.Allocate("mqtt", "mqtt_sensors_000", 0, 0)
	if ports == nil {
		t.Fatal("zero-count allocation should succeed with an empty block")
	}
	if len(ports) != 0 {
		t.Fatalf("expected empty block, got %v", ports)
	}
	if !m.Deallocate("mqtt_sensors_000") {
		t.Error("zero-count allocation should still be deallocatable")
	}
}

func TestAllocateUnknownProtocol(t *testing.T) {
	m := newTestManager(map[string][2]int{"modbus": {5020, 5030}})
	if ports := m.Allocate("bacnet", "dev", 1, 0); ports != nil {
		t.Errorf("expected nil for unknown protocol, got %v", ports)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	m := newTestManager(map[string][2]int{"opcua": {4840, 4842}})

	if ports := m.Allocate("opcua", "a", 2, 0); ports == nil {
		t.Fatal("first allocation should succeed")
	}
	if ports := m.Allocate("opcua", "b", 2, 0); ports != nil {
		t.Fatalf("expected nil on exhausted pool, got %v", ports)
	}

	// Pool state must stay consistent after the failure.
	util := m.PoolUtilization()["opcua"]
	if util.Used != 2 || util.Available != 1 {
		t.Errorf("unexpected utilization after failed allocation: %+v", util)
	}
}

func TestDeallocateReturnsPorts(t *testing.T) {
	m := newTestManager(map[string][2]int{"modbus": {5020, 5021}})

	m.Allocate("modbus", "a", 2, 0)
	if m.Allocate("modbus", "b", 1, 0) != nil {
		t.Fatal("pool should be full")
	}
	if !m.Deallocate("a") {
		t.Fatal("deallocate should succeed for known device")
	}
	if m.Deallocate("a") {
		t.Error("second deallocate should report false")
	}
	if ports := m.Allocate("modbus", "b", 2, 0); len(ports) != 2 {
		t.Errorf("ports should be reusable after deallocation, got %v", ports)
	}
}

func TestDeallocateUnknownDevice(t *testing.T) {
	m := newTestManager(map[string][2]int{"modbus": {5020, 5030}})
	if m.Deallocate("never_allocated") {
		t.Error("expected false for unknown device")
	}
}

func TestDevicePorts(t *testing.T) {
	m := newTestManager(map[string][2]int{"modbus": {5020, 5030}})

	want := m.Allocate("modbus", "a", 2, 0)
	got := m.DevicePorts("a")
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	// Mutating the returned slice must not affect the manager's record.
	got[0] = 9999
	if again := m.DevicePorts("a"); again[0] == 9999 {
		t.Error("DevicePorts returned an aliased slice")
	}
	if m.DevicePorts("missing") != nil {
		t.Error("expected nil for unknown device")
	}
}

func TestValidatePlan(t *testing.T) {
	tests := []struct {
		name string
		plan map[string]portalloc.PlanEntry
		want bool
	}{
		{
			name: "fits exactly",
			plan: map[string]portalloc.PlanEntry{
				"a": {Protocol: "modbus", Count: 1},
				"b": {Protocol: "modbus", Count: 2},
				"c": {Protocol: "modbus", Count: 2},
			},
			want: true,
		},
		{
			name: "over capacity",
			plan: map[string]portalloc.PlanEntry{
				"a": {Protocol: "modbus", Count: 1},
				"b": {Protocol: "modbus", Count: 2},
				"c": {Protocol: "modbus", Count: 3},
			},
			want: false,
		},
		{
			name: "unknown protocol",
			plan: map[string]portalloc.PlanEntry{
				"a": {Protocol: "profinet", Count: 1},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(map[string][2]int{"modbus": {5020, 5024}})
			if got := m.ValidatePlan(tt.plan); got != tt.want {
				t.Errorf("ValidatePlan() = %v, want %v", got, tt.want)
			}
			// Validation must never consume real ports.
			util := m.PoolUtilization()["modbus"]
			if util.Used != 0 {
				t.Errorf("validation mutated the pool: %+v", util)
			}
		})
	}
}

func TestValidatePlanAgainstExistingAllocations(t *testing.T) {
	m := newTestManager(map[string][2]int{"modbus": {5020, 5024}})
	m.Allocate("modbus", "existing", 3, 0)

	plan := map[string]portalloc.PlanEntry{
		"new": {Protocol: "modbus", Count: 3},
	}
	if m.ValidatePlan(plan) {
		t.Error("plan should fail when existing allocations leave too few ports")
	}
	plan["new"] = portalloc.PlanEntry{Protocol: "modbus", Count: 2}
	if !m.ValidatePlan(plan) {
		t.Error("plan should succeed within the remaining capacity")
	}
}

func TestGenerateReport(t *testing.T) {
	m := newTestManager(map[string][2]int{
		"modbus": {5020, 5029},
		"opcua":  {4840, 4844},
	})
	m.Allocate("modbus", "modbus_a_000", 2, 0)
	m.Allocate("opcua", "opcua_b_000", 1, 0)

	r := m.GenerateReport()
	if r.TotalDevices != 2 {
		t.Errorf("expected 2 devices, got %d", r.TotalDevices)
	}
	if got := r.Protocols["modbus"]; got.TotalPorts != 10 || got.AllocatedPorts != 2 || got.AvailablePorts != 8 {
		t.Errorf("unexpected modbus protocol report: %+v", got)
	}
	if got := r.Devices["opcua_b_000"]; got.Count != 1 || len(got.Ports) != 1 {
		t.Errorf("unexpected device report: %+v", got)
	}
	if util := r.Utilization["modbus"]; util.UtilizationPercent != 20.0 {
		t.Errorf("expected 20%% utilization, got %v", util.UtilizationPercent)
	}
}
