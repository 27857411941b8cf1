package opcua

import (
	"fmt"
	"testing"
	"time"

	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/plantsim/plantsim/pkg/config"
	"github.com/plantsim/plantsim/pkg/portalloc"
	"github.com/plantsim/plantsim/pkg/simclock"
)

func TestDeviceTypeFor(t *testing.T) {
	tests := []struct {
		template string
		want     string
	}{
		{"opcua_cnc_machine", "cnc_machine"},
		{"opcua_plc_controller", "plc_controller"},
		{"opcua_industrial_robot", "industrial_robot"},
		{"unknown_template", "generic"},
	}
	for _, tt := range tests {
		if got := deviceTypeFor(tt.template); got != tt.want {
			t.Errorf("deviceTypeFor(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestEndpointURL(t *testing.T) {
	clock := simclock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	group := config.DeviceGroup{DeviceTemplate: "opcua_cnc_machine", UpdateInterval: 1.0}
	d := NewDevice("opcua_cnc_000", group, 4840, "urn:test:opcua_cnc_000", clock, zerolog.Nop())

	if got := d.EndpointURL(); got != "opc.tcp://0.0.0.0:4840/freeopcua/server/" {
		t.Errorf("EndpointURL() = %q", got)
	}
}

func TestDeviceStatusBeforeStart(t *testing.T) {
	clock := simclock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	group := config.DeviceGroup{DeviceTemplate: "opcua_plc_controller", UpdateInterval: 1.0}
	d := NewDevice("opcua_plc_000", group, 4841, "urn:test:opcua_plc_000", clock, zerolog.Nop())

	s := d.Status()
	if s.Running || s.Status != "stopped" {
		t.Errorf("fresh device should report stopped: %+v", s)
	}
	if s.NodeCount != 0 {
		t.Errorf("node count before start = %d", s.NodeCount)
	}
	if s.EndpointURL == "" || s.Port != 4841 {
		t.Errorf("identity fields wrong: %+v", s)
	}
	if d.NodeValues() != nil {
		t.Error("expected nil node values before first tick")
	}
}

func TestJointCountResolution(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]any
		want int
	}{
		{"default", nil, 6},
		{"flat", map[string]any{"joint_count": 4}, 4},
		{"nested", map[string]any{"robot": map[string]any{"joint_count": 7}}, 7},
		{"yaml float", map[string]any{"joint_count": float64(5)}, 5},
		{"invalid", map[string]any{"joint_count": 0}, 6},
	}
	clock := simclock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	for _, tt := range tests {
		group := config.DeviceGroup{
			DeviceTemplate: "opcua_industrial_robot",
			UpdateInterval: 1.0,
			DataConfig:     tt.cfg,
		}
		d := NewDevice("opcua_robots_000", group, 4850, "urn:test:opcua_robots_000", clock, zerolog.Nop())
		if got := d.jointCount(); got != tt.want {
			t.Errorf("%s: jointCount() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestRobotAddressSpaceHonorsJointCount(t *testing.T) {
	clock := simclock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	group := config.DeviceGroup{
		DeviceTemplate: "opcua_industrial_robot",
		UpdateInterval: 1.0,
		DataConfig:     map[string]any{"robot": map[string]any{"joint_count": 4}},
	}
	d := NewDevice("opcua_robots_000", group, 4850, "urn:test:opcua_robots_000", clock, zerolog.Nop())

	srv := server.New(
		server.EndPoint("0.0.0.0", d.port),
		server.EnableSecurity("None", ua.MessageSecurityModeNone),
		server.EnableAuthMode(ua.UserTokenTypeAnonymous),
	)
	d.buildAddressSpace(srv)

	for i := 1; i <= 4; i++ {
		if _, ok := d.nodes[fmt.Sprintf("Parameters.JointAngle_%d", i)]; !ok {
			t.Errorf("JointAngle_%d node missing", i)
		}
	}
	if _, ok := d.nodes["Parameters.JointAngle_5"]; ok {
		t.Error("JointAngle_5 node created for a 4-joint robot")
	}
}

func TestManagerInitAllocatesPorts(t *testing.T) {
	ports := portalloc.NewManager(zerolog.Nop())
	ports.InitPools(map[string][2]int{"opcua": {4840, 4940}})

	cfg := &config.OPCUAConfig{
		Enabled:        true,
		ApplicationURI: "urn:protocol-sim-engine:opcua:server",
		Devices: map[string]config.DeviceGroup{
			"cnc_machines": {
				Count:          2,
				DeviceTemplate: "opcua_cnc_machine",
				PortStart:      4840,
				UpdateInterval: 1.0,
			},
			"robots": {
				Count:          1,
				DeviceTemplate: "opcua_industrial_robot",
				PortStart:      4850,
				UpdateInterval: 1.0,
			},
		},
	}
	clock := simclock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	m := NewManager(cfg, ports, clock, zerolog.Nop())
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}

	if m.DeviceCount() != 3 {
		t.Fatalf("DeviceCount = %d", m.DeviceCount())
	}
	for i, want := range []int{4840, 4841} {
		id := fmt.Sprintf("opcua_cnc_machines_%03d", i)
		d := m.Device(id)
		if d == nil {
			t.Fatalf("device %s not created", id)
		}
		if d.Port() != want {
			t.Errorf("%s port = %d, want %d", id, d.Port(), want)
		}
	}
	if d := m.Device("opcua_robots_000"); d == nil || d.Port() != 4850 {
		t.Errorf("robot port_start not honored: %+v", d)
	}

	endpoints := m.Endpoints()
	if len(endpoints) != 3 {
		t.Errorf("Endpoints() size = %d", len(endpoints))
	}
	if got := endpoints["opcua_robots_000"]; got != "opc.tcp://0.0.0.0:4850/freeopcua/server/" {
		t.Errorf("robot endpoint = %q", got)
	}
}
