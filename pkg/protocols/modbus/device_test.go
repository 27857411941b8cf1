package modbus

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tbrandon/mbserver"

	"github.com/plantsim/plantsim/pkg/config"
	"github.com/plantsim/plantsim/pkg/portalloc"
	"github.com/plantsim/plantsim/pkg/simclock"
)

func newTestDevice(template string, port int) (*Device, *simclock.Fake) {
	clock := simclock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	group := config.DeviceGroup{
		Count:          1,
		DeviceTemplate: template,
		UpdateInterval: 2.0,
	}
	d := NewDevice("modbus_test_000", group, port, clock, zerolog.Nop())
	return d, clock
}

func TestDeviceTypeFor(t *testing.T) {
	tests := []struct {
		template string
		want     string
	}{
		{"industrial_temperature_sensor", "temperature_sensor"},
		{"hydraulic_pressure_sensor", "pressure_transmitter"},
		{"variable_frequency_drive", "motor_drive"},
		{"unknown_template", "generic"},
	}
	for _, tt := range tests {
		if got := deviceTypeFor(tt.template); got != tt.want {
			t.Errorf("deviceTypeFor(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestUpdateRegistersTemperatureSensor(t *testing.T) {
	d, _ := newTestDevice("industrial_temperature_sensor", 5020)
	d.srv = mbserver.NewServer()

	d.updateRegisters()

	snap := d.Snapshot()
	if snap == nil {
		t.Fatal("no snapshot after update")
	}
	temp := snap["temperature"].(float64)
	hum := snap["humidity"].(float64)

	if got, want := d.srv.HoldingRegisters[0], uint16(temp*100); got != want {
		t.Errorf("HR[0] = %d, want %d (temp %v)", got, want, temp)
	}
	if got, want := d.srv.HoldingRegisters[1], uint16(hum*100); got != want {
		t.Errorf("HR[1] = %d, want %d (humidity %v)", got, want, hum)
	}
	if d.srv.DiscreteInputs[0] != 1 {
		t.Errorf("DI[0] = %d, want 1 for healthy sensor", d.srv.DiscreteInputs[0])
	}
}

func TestUpdateRegistersPressureTransmitter(t *testing.T) {
	d, _ := newTestDevice("hydraulic_pressure_sensor", 5025)
	d.srv = mbserver.NewServer()

	d.updateRegisters()

	snap := d.Snapshot()
	pressure := snap["pressure"].(float64)
	if got, want := d.srv.HoldingRegisters[0], uint16(pressure*100); got != want {
		t.Errorf("HR[0] = %d, want %d", got, want)
	}
	high := snap["high_alarm"].(bool)
	if (d.srv.DiscreteInputs[0] != 0) != high {
		t.Errorf("DI[0] = %d inconsistent with high_alarm %v", d.srv.DiscreteInputs[0], high)
	}
}

func TestRegisterDataRoundTrip(t *testing.T) {
	d, _ := newTestDevice("variable_frequency_drive", 5030)
	d.srv = mbserver.NewServer()

	d.updateRegisters()
	data := d.RegisterData()

	regs, ok := data["registers"].(map[string]any)
	if !ok {
		t.Fatalf("registers missing: %v", data)
	}

	snap := d.Snapshot()
	speed := snap["speed"].(float64)
	if got := regs["speed_rpm"].(uint16); got != uint16(speed) {
		t.Errorf("speed_rpm = %d, want %d", got, uint16(speed))
	}
	torque := snap["torque"].(float64)
	if got := regs["torque_nm"].(float64); got != float64(uint16(torque*100))/100.0 {
		t.Errorf("torque_nm = %v, snapshot torque %v", got, torque)
	}
}

func TestRegisterDataConsistentUnderConcurrentUpdates(t *testing.T) {
	clock := simclock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	group := config.DeviceGroup{
		Count:          1,
		DeviceTemplate: "hydraulic_pressure_sensor",
		UpdateInterval: 2.0,
		// Keep the pressure oscillating around the alarm threshold so
		// the alarm bit flips while readers are watching.
		DataConfig: map[string]any{
			"pressure": map[string]any{"base_value": 250.0},
		},
	}
	d := NewDevice("modbus_test_000", group, 5025, clock, zerolog.Nop())
	d.srv = mbserver.NewServer()
	d.updateRegisters()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				d.updateRegisters()
			}
		}
	}()

	// Every read must see a whole tick's worth of registers: the alarm
	// bit and the pressure it was derived from, never a mix of two ticks.
	for i := 0; i < 500; i++ {
		regs := d.RegisterData()["registers"].(map[string]any)
		psi := regs["pressure_psi"].(float64)
		alarm := regs["high_pressure_alarm"].(bool)
		if alarm && psi < 249.99 {
			t.Fatalf("alarm set with pressure %.2f psi", psi)
		}
		if !alarm && psi > 250.01 {
			t.Fatalf("alarm clear with pressure %.2f psi", psi)
		}
	}

	close(stop)
	<-done
}

func TestRegisterDataBeforeStart(t *testing.T) {
	d, _ := newTestDevice("industrial_temperature_sensor", 5020)

	data := d.RegisterData()
	regs, ok := data["registers"].(map[string]any)
	if !ok || len(regs) != 0 {
		t.Errorf("expected empty registers before start, got %v", data)
	}
	if d.Snapshot() != nil {
		t.Error("expected nil snapshot before first update")
	}
}

func TestDeviceStatusLifecycle(t *testing.T) {
	d, _ := newTestDevice("industrial_temperature_sensor", 5020)

	s := d.Status()
	if s.Running || s.Status != "stopped" {
		t.Errorf("fresh device should report stopped: %+v", s)
	}
	if s.Port != 5020 || s.Protocol != "modbus" {
		t.Errorf("identity fields wrong: %+v", s)
	}
}

func TestManagerInitAllocatesSequentialPorts(t *testing.T) {
	ports := portalloc.NewManager(zerolog.Nop())
	ports.InitPools(map[string][2]int{"modbus": {5020, 5100}})

	cfg := &config.ModbusConfig{
		Enabled: true,
		Devices: map[string]config.DeviceGroup{
			"sensors": {
				Count:          3,
				DeviceTemplate: "industrial_temperature_sensor",
				PortStart:      5020,
				UpdateInterval: 2.0,
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
	for i, want := range []int{5020, 5021, 5022} {
		id := fmt.Sprintf("modbus_sensors_%03d", i)
		d := m.Device(id)
		if d == nil {
			t.Fatalf("device %s not created", id)
		}
		if d.Port() != want {
			t.Errorf("%s port = %d, want %d", id, d.Port(), want)
		}
	}

	plan := m.AllocationRequirements()
	if len(plan) != 3 {
		t.Errorf("plan size = %d", len(plan))
	}
	for id, entry := range plan {
		if entry.Protocol != "modbus" || entry.Count != 1 {
			t.Errorf("unexpected plan entry for %s: %+v", id, entry)
		}
	}
}
