// Package modbus runs one Modbus TCP server per simulated device and keeps
// its register banks populated with generated process data.
package modbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tbrandon/mbserver"

	"github.com/plantsim/plantsim/pkg/config"
	"github.com/plantsim/plantsim/pkg/datagen"
	"github.com/plantsim/plantsim/pkg/device"
	"github.com/plantsim/plantsim/pkg/monitoring"
	"github.com/plantsim/plantsim/pkg/simclock"
)

// templateTypes maps device templates to generator device types.
var templateTypes = map[string]string{
	"industrial_temperature_sensor": "temperature_sensor",
	"hydraulic_pressure_sensor":     "pressure_transmitter",
	"variable_frequency_drive":      "motor_drive",
}

func deviceTypeFor(template string) string {
	if t, ok := templateTypes[template]; ok {
		return t
	}
	return "generic"
}

// Device is one simulated Modbus TCP slave.
type Device struct {
	id         string
	group      config.DeviceGroup
	deviceType string
	port       int
	gen        *datagen.Generator
	health     *device.Health
	clock      simclock.Clock
	log        zerolog.Logger

	mu     sync.Mutex
	srv    *mbserver.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// regMu serializes register-bank access between the update tick and
	// the server's request handlers, so a master always reads a whole
	// tick's worth of registers.
	regMu sync.Mutex

	snapshot atomic.Pointer[datagen.Snapshot]
}

// NewDevice builds a device bound to the given port. The server is not
// started until Start.
func NewDevice(id string, group config.DeviceGroup, port int, clock simclock.Clock, log zerolog.Logger) *Device {
	return &Device{
		id:         id,
		group:      group,
		deviceType: deviceTypeFor(group.DeviceTemplate),
		port:       port,
		gen:        datagen.New(id, group.DataConfig, clock),
		health:     device.NewHealth(),
		clock:      clock,
		log:        log.With().Str("device_id", id).Str("protocol", "modbus").Logger(),
	}
}

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// Port returns the allocated TCP port.
func (d *Device) Port() int { return d.port }

// Start binds the TCP listener and launches the update loop. A bind failure
// leaves the device stopped and is returned to the caller.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.srv != nil {
		return nil
	}

	srv := mbserver.NewServer()
	d.guardHandlers(srv)
	d.srv = srv
	d.updateRegisters()

	if err := srv.ListenTCP(fmt.Sprintf("0.0.0.0:%d", d.port)); err != nil {
		d.srv = nil
		return fmt.Errorf("bind modbus server on port %d: %w", d.port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.updateLoop(ctx)

	d.health.MarkRunning(d.clock.Now())
	monitoring.RunningDevices.WithLabelValues("modbus").Inc()
	d.log.Info().Int("port", d.port).Str("device_type", d.deviceType).Msg("modbus device started")
	return nil
}

// Stop cancels the update loop and closes the server.
func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.srv == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.srv.Close()
	d.srv = nil
	d.health.MarkStopped()
	monitoring.RunningDevices.WithLabelValues("modbus").Dec()
	d.log.Info().Msg("modbus device stopped")
}

// guardHandlers re-registers the stock function handlers wrapped with the
// register mutex, so reads and writes from masters never interleave with an
// update tick.
func (d *Device) guardHandlers(srv *mbserver.Server) {
	guard := func(fn func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception)) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
		return func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
			d.regMu.Lock()
			defer d.regMu.Unlock()
			return fn(s, frame)
		}
	}
	srv.RegisterFunctionHandler(1, guard(mbserver.ReadCoils))
	srv.RegisterFunctionHandler(2, guard(mbserver.ReadDiscreteInputs))
	srv.RegisterFunctionHandler(3, guard(mbserver.ReadHoldingRegisters))
	srv.RegisterFunctionHandler(4, guard(mbserver.ReadInputRegisters))
	srv.RegisterFunctionHandler(5, guard(mbserver.WriteSingleCoil))
	srv.RegisterFunctionHandler(6, guard(mbserver.WriteHoldingRegister))
	srv.RegisterFunctionHandler(15, guard(mbserver.WriteMultipleCoils))
	srv.RegisterFunctionHandler(16, guard(mbserver.WriteHoldingRegisters))
}

func (d *Device) updateLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := time.Duration(d.group.UpdateInterval * float64(time.Second))
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.updateRegisters()
		}
	}
}

// updateRegisters produces a snapshot and writes it into the register banks.
// Register layout:
//
//	temperature_sensor:   HR[0]=temp*100 HR[1]=humidity*100 HR[2]=status DI[0]=healthy
//	pressure_transmitter: HR[0]=pressure*100 HR[1]=flow*100 DI[0]=high DI[1]=low_flow
//	motor_drive:          HR[0]=speed HR[1]=torque*100 HR[2]=power*100 HR[3]=fault
func (d *Device) updateRegisters() {
	snap := d.gen.Produce(d.deviceType)
	srv := d.srv
	if srv == nil {
		return
	}

	d.regMu.Lock()
	switch d.deviceType {
	case "temperature_sensor":
		srv.HoldingRegisters[0] = scaled(snap, "temperature")
		srv.HoldingRegisters[1] = scaled(snap, "humidity")
		srv.HoldingRegisters[2] = uint16(snapInt(snap, "sensor_status"))
		srv.DiscreteInputs[0] = bit(snapBool(snap, "sensor_healthy"))
	case "pressure_transmitter":
		srv.HoldingRegisters[0] = scaled(snap, "pressure")
		srv.HoldingRegisters[1] = scaled(snap, "flow_rate")
		srv.DiscreteInputs[0] = bit(snapBool(snap, "high_alarm"))
		srv.DiscreteInputs[1] = bit(snapBool(snap, "low_flow_alarm"))
	case "motor_drive":
		srv.HoldingRegisters[0] = uint16(snapFloat(snap, "speed"))
		srv.HoldingRegisters[1] = scaled(snap, "torque")
		srv.HoldingRegisters[2] = scaled(snap, "power")
		srv.HoldingRegisters[3] = uint16(snapInt(snap, "fault_code"))
	}
	d.regMu.Unlock()

	d.snapshot.Store(&snap)
	now := d.clock.Now()
	d.health.RecordUpdate(now)
	monitoring.DeviceTicks.WithLabelValues("modbus").Inc()
}

// Status returns the inspection record.
func (d *Device) Status() device.Status {
	s := device.Status{
		DeviceID:       d.id,
		DeviceType:     d.deviceType,
		Template:       d.group.DeviceTemplate,
		Protocol:       "modbus",
		Port:           d.port,
		UpdateInterval: d.group.UpdateInterval,
	}
	d.health.Fill(&s, d.clock.Now())
	return s
}

// RegisterData decodes the current register banks back into engineering
// units, mirroring what a Modbus master would read.
func (d *Device) RegisterData() map[string]any {
	out := map[string]any{
		"device_id":   d.id,
		"device_type": d.deviceType,
		"timestamp":   float64(d.clock.Now().UnixNano()) / 1e9,
	}

	d.mu.Lock()
	srv := d.srv
	d.mu.Unlock()
	if srv == nil {
		out["registers"] = map[string]any{}
		return out
	}

	d.regMu.Lock()
	hr := make([]uint16, 4)
	copy(hr, srv.HoldingRegisters[:4])
	di := make([]byte, 2)
	copy(di, srv.DiscreteInputs[:2])
	d.regMu.Unlock()

	switch d.deviceType {
	case "temperature_sensor":
		out["registers"] = map[string]any{
			"temperature_raw":     hr[0],
			"temperature_celsius": float64(hr[0]) / 100.0,
			"humidity_raw":        hr[1],
			"humidity_percent":    float64(hr[1]) / 100.0,
			"status_code":         hr[2],
			"sensor_healthy":      di[0] != 0,
		}
	case "pressure_transmitter":
		out["registers"] = map[string]any{
			"pressure_raw":        hr[0],
			"pressure_psi":        float64(hr[0]) / 100.0,
			"flow_rate_raw":       hr[1],
			"flow_rate_lpm":       float64(hr[1]) / 100.0,
			"high_pressure_alarm": di[0] != 0,
			"low_flow_alarm":      di[1] != 0,
		}
	case "motor_drive":
		out["registers"] = map[string]any{
			"speed_rpm":  hr[0],
			"torque_raw": hr[1],
			"torque_nm":  float64(hr[1]) / 100.0,
			"power_raw":  hr[2],
			"power_kw":   float64(hr[2]) / 100.0,
			"fault_code": hr[3],
		}
	default:
		out["registers"] = map[string]any{}
	}
	return out
}

// Snapshot returns the most recent generated snapshot, or nil before the
// first tick.
func (d *Device) Snapshot() datagen.Snapshot {
	if p := d.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

func scaled(snap datagen.Snapshot, key string) uint16 {
	return uint16(snapFloat(snap, key) * 100)
}

func snapFloat(snap datagen.Snapshot, key string) float64 {
	switch v := snap[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func snapInt(snap datagen.Snapshot, key string) int {
	switch v := snap[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func snapBool(snap datagen.Snapshot, key string) bool {
	v, _ := snap[key].(bool)
	return v
}

func bit(b bool) byte {
	if b {
		return 1
	}
	return 0
}
