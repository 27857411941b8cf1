package mqttsim

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/plantsim/plantsim/pkg/config"
	"github.com/plantsim/plantsim/pkg/device"
	"github.com/plantsim/plantsim/pkg/monitoring"
	"github.com/plantsim/plantsim/pkg/portalloc"
	"github.com/plantsim/plantsim/pkg/simclock"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	// loopTick paces the publish loop; per-device cadence is enforced by
	// publish_interval bookkeeping on top of it.
	loopTick = 100 * time.Millisecond
	// disconnectQuiesce lets in-flight messages drain on shutdown.
	disconnectQuiesce = 250
)

// Manager owns the MQTT device fleet and the single shared gateway client
// that publishes for all of them.
type Manager struct {
	cfg   *config.MQTTConfig
	ports *portalloc.Manager
	clock simclock.Clock
	log   zerolog.Logger

	mu        sync.Mutex
	devices   map[string]*Device
	plan      map[string]portalloc.PlanEntry
	client    paho.Client
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	connectCh chan struct{}
}

// NewManager wires the manager to its port allocator. MQTT devices share the
// broker port, so their allocations are empty; they exist to keep the
// device-id bookkeeping uniform across protocols.
func NewManager(cfg *config.MQTTConfig, ports *portalloc.Manager, clock simclock.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		ports:   ports,
		clock:   clock,
		log:     log.With().Str("component", "mqtt-manager").Logger(),
		devices: make(map[string]*Device),
		plan:    make(map[string]portalloc.PlanEntry),
	}
}

// Init records zero-port allocations and constructs all device instances.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buildPlan()

	for _, group := range sortedGroups(m.cfg.Devices) {
		gc := m.cfg.Devices[group]
		m.log.Info().Str("group", group).Int("count", gc.Count).Msg("creating mqtt devices")
		for i := 0; i < gc.Count; i++ {
			id := fmt.Sprintf("mqtt_%s_%03d", group, i)
			if ports := m.ports.Allocate("mqtt", id, 0, 0); ports == nil {
				return fmt.Errorf("failed to record allocation for device %s", id)
			}
			baseTopic := fmt.Sprintf("devices/%s/%s", deviceTypeFor(gc.DeviceTemplate), id)
			if gc.BaseTopic != "" {
				baseTopic = fmt.Sprintf("%s/%s", gc.BaseTopic, id)
			}
			m.devices[id] = NewDevice(id, gc, baseTopic, m.clock, m.log)
		}
	}

	m.log.Info().Int("device_count", len(m.devices)).Msg("mqtt manager initialized")
	return nil
}

func (m *Manager) buildPlan() {
	m.plan = make(map[string]portalloc.PlanEntry)
	for group, gc := range m.cfg.Devices {
		for i := 0; i < gc.Count; i++ {
			id := fmt.Sprintf("mqtt_%s_%03d", group, i)
			m.plan[id] = portalloc.PlanEntry{Protocol: "mqtt", Count: 0}
		}
	}
}

// AllocationRequirements returns a copy of the (zero-port) plan.
func (m *Manager) AllocationRequirements() map[string]portalloc.PlanEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]portalloc.PlanEntry, len(m.plan))
	for id, entry := range m.plan {
		out[id] = entry
	}
	return out
}

// StartAll connects the gateway client, publishes retained online statuses,
// and starts the publish loop. A broker that cannot be reached fails the
// whole protocol; devices of other protocols are unaffected.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.log.Warn().Msg("mqtt gateway already running")
		return nil
	}

	gatewayID := fmt.Sprintf("mqtt_gateway_%d", m.clock.Now().UnixMilli())
	m.connectCh = make(chan struct{}, 1)

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", m.cfg.BrokerHost, m.cfg.BrokerPort)).
		SetClientID(gatewayID).
		SetCleanSession(true).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(false).
		SetOnConnectHandler(func(paho.Client) {
			select {
			case m.connectCh <- struct{}{}:
			default:
			}
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			m.log.Warn().Err(err).Msg("mqtt gateway disconnected")
		})

	m.log.Info().Str("client_id", gatewayID).
		Str("broker", fmt.Sprintf("%s:%d", m.cfg.BrokerHost, m.cfg.BrokerPort)).
		Msg("connecting mqtt gateway")

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt gateway connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt gateway connection failed: %w", err)
	}

	select {
	case <-m.connectCh:
	case <-time.After(connectTimeout):
		client.Disconnect(0)
		return fmt.Errorf("mqtt gateway connection confirmation timeout")
	}

	m.client = client
	m.running = true

	for _, d := range m.devices {
		d.Start()
		monitoring.RunningDevices.WithLabelValues("mqtt").Inc()
		m.publishStatus(d, "online")
	}

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.publishLoop(m.stopCh, m.doneCh)

	m.log.Info().Int("device_count", len(m.devices)).Msg("mqtt gateway and devices started")
	return nil
}

// publishLoop fans out over all running devices, publishing each one's data
// when its interval has elapsed.
func (m *Manager) publishLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	lastPublish := make(map[string]time.Time)
	ticker := time.NewTicker(loopTick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		client := m.client
		devices := make([]*Device, 0, len(m.devices))
		for _, d := range m.devices {
			devices = append(devices, d)
		}
		m.mu.Unlock()

		if client == nil || !client.IsConnected() {
			continue
		}

		now := m.clock.Now()
		for _, d := range devices {
			if !d.Running() {
				continue
			}
			if now.Sub(lastPublish[d.ID()]) < d.PublishInterval() {
				continue
			}

			payload := d.GeneratePayload()
			body, err := json.Marshal(payload)
			if err != nil {
				d.RecordError()
				monitoring.TickErrors.WithLabelValues("mqtt").Inc()
				continue
			}

			token := client.Publish(d.Topics().Data, d.QoS(), d.Retain(), body)
			if token.WaitTimeout(publishTimeout) && token.Error() == nil {
				d.RecordPublish(payload)
				lastPublish[d.ID()] = now
				monitoring.Publishes.Inc()
				monitoring.DeviceTicks.WithLabelValues("mqtt").Inc()
			} else {
				d.RecordError()
				monitoring.TickErrors.WithLabelValues("mqtt").Inc()
				m.log.Warn().Str("device_id", d.ID()).Err(token.Error()).Msg("mqtt publish failed")
			}
		}
	}
}

// publishStatus sends the retained QoS1 status message for a device.
// Callers hold the manager lock.
func (m *Manager) publishStatus(d *Device, status string) {
	payload := map[string]any{
		"device_id": d.ID(),
		"status":    status,
		"timestamp": float64(m.clock.Now().UnixNano()) / 1e9,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	token := m.client.Publish(d.Topics().Status, 1, true, body)
	token.WaitTimeout(publishTimeout)
}

// StopAll stops the publish loop, publishes best-effort retained offline
// statuses, and disconnects the gateway. The loop acquires the manager
// mutex every iteration, so the wait for its exit must happen with the
// mutex released.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.client.IsConnected() {
		for _, d := range m.devices {
			m.publishStatus(d, "offline")
			d.Stop()
			monitoring.RunningDevices.WithLabelValues("mqtt").Dec()
		}
		m.client.Disconnect(disconnectQuiesce)
	} else {
		for _, d := range m.devices {
			d.Stop()
			monitoring.RunningDevices.WithLabelValues("mqtt").Dec()
		}
	}
	m.client = nil

	for id := range m.devices {
		m.ports.Deallocate(id)
	}
	m.log.Info().Msg("mqtt gateway and devices stopped")
}

// Restart marks a single device stopped then running again and republishes
// its retained online status. The gateway connection is left untouched.
func (m *Manager) Restart(id string) error {
	m.mu.Lock()
	d := m.devices[id]
	running := m.running
	m.mu.Unlock()
	if d == nil {
		return fmt.Errorf("unknown mqtt device: %s", id)
	}
	if !running {
		return fmt.Errorf("mqtt gateway is not running")
	}

	d.Stop()
	d.Start()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		m.publishStatus(d, "online")
	}
	return nil
}

// HealthStatus returns the status of every device keyed by id.
func (m *Manager) HealthStatus() map[string]device.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]device.Status, len(m.devices))
	for id, d := range m.devices {
		s := d.Status()
		s.Broker = fmt.Sprintf("%s:%d", m.cfg.BrokerHost, m.cfg.BrokerPort)
		out[id] = s
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

// BrokerInfo describes the broker the gateway targets.
func (m *Manager) BrokerInfo() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"host":                m.cfg.BrokerHost,
		"port":                m.cfg.BrokerPort,
		"use_embedded_broker": m.cfg.UseEmbeddedBroker,
		"connected":           m.client != nil && m.client.IsConnected(),
	}
}

// AllTopics lists every topic any device publishes to, sorted.
func (m *Manager) AllTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.devices)*4)
	for _, d := range m.devices {
		t := d.Topics()
		topics = append(topics, t.Data, t.Status, t.Telemetry, t.Alerts)
	}
	sort.Strings(topics)
	return topics
}

func sortedGroups(groups map[string]config.DeviceGroup) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
