// Package config defines the YAML configuration model for the facility
// simulator: facility metadata, global simulation settings, network port
// ranges, and per-protocol device groups.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a simulated facility.
type Config struct {
	Facility   FacilityConfig   `yaml:"facility"`
	Simulation SimulationConfig `yaml:"simulation"`
	Network    NetworkConfig    `yaml:"network"`
	Protocols  ProtocolsConfig  `yaml:"industrial_protocols"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// FacilityConfig identifies the simulated plant.
type FacilityConfig struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	Location      string `yaml:"location"`
	ShiftSchedule string `yaml:"shift_schedule"`
}

// SimulationConfig holds global simulation settings.
type SimulationConfig struct {
	TimeAcceleration   float64 `yaml:"time_acceleration"`
	StartTime          string  `yaml:"start_time"`
	DataRetention      string  `yaml:"data_retention"`
	FaultInjectionRate float64 `yaml:"fault_injection_rate"`
}

// NetworkConfig carries the address plan and per-protocol port ranges.
type NetworkConfig struct {
	BaseIP     string           `yaml:"base_ip"`
	PortRanges map[string][]int `yaml:"port_ranges"`
}

// ProtocolsConfig groups the per-protocol sections. A nil section means the
// protocol is absent from the config.
type ProtocolsConfig struct {
	ModbusTCP *ModbusConfig `yaml:"modbus_tcp"`
	MQTT      *MQTTConfig   `yaml:"mqtt"`
	OPCUA     *OPCUAConfig  `yaml:"opcua"`
}

// DeviceGroup is the configuration shared by every protocol's device groups.
// Protocol-specific fields are zero where they do not apply.
type DeviceGroup struct {
	Count          int            `yaml:"count"`
	DeviceTemplate string         `yaml:"device_template"`
	Locations      []string       `yaml:"locations"`
	UpdateInterval float64        `yaml:"update_interval"`
	DataConfig     map[string]any `yaml:"data_config"`

	// Modbus / OPC-UA only.
	PortStart int `yaml:"port_start"`

	// MQTT only.
	BaseTopic       string  `yaml:"base_topic"`
	PublishInterval float64 `yaml:"publish_interval"`
	QoS             int     `yaml:"qos"`
	Retain          bool    `yaml:"retain"`
}

// ModbusConfig is the modbus_tcp protocol section.
type ModbusConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Devices map[string]DeviceGroup `yaml:"devices"`
}

// MQTTConfig is the mqtt protocol section.
type MQTTConfig struct {
	Enabled           bool                   `yaml:"enabled"`
	UseEmbeddedBroker bool                   `yaml:"use_embedded_broker"`
	BrokerHost        string                 `yaml:"broker_host"`
	BrokerPort        int                    `yaml:"broker_port"`
	ClientIDPrefix    string                 `yaml:"client_id_prefix"`
	Devices           map[string]DeviceGroup `yaml:"devices"`
}

// OPCUAConfig is the opcua protocol section.
type OPCUAConfig struct {
	Enabled        bool                   `yaml:"enabled"`
	SecurityMode   string                 `yaml:"security_mode"`
	SecurityPolicy string                 `yaml:"security_policy"`
	ApplicationURI string                 `yaml:"application_uri"`
	Devices        map[string]DeviceGroup `yaml:"devices"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MonitoringConfig enables the Prometheus metrics endpoint when
// ListenAddress is non-empty.
type MonitoringConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// DefaultConfig returns a configuration with the stock port plan and sane
// global defaults. Facility name is intentionally empty so that Validate
// forces the operator to set one.
func DefaultConfig() *Config {
	return &Config{
		Facility: FacilityConfig{
			ShiftSchedule: "24x7",
		},
		Simulation: SimulationConfig{
			TimeAcceleration:   1.0,
			DataRetention:      "24h",
			FaultInjectionRate: 0.02,
		},
		Network: NetworkConfig{
			BaseIP: "192.168.100.0/24",
			PortRanges: map[string][]int{
				"modbus": {5020, 5500},
				"opcua":  {4840, 4940},
				"mqtt":   {1883, 1883},
				"http":   {3000, 3200},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path on top of DefaultConfig. A missing file is
// an error here; a simulator with no device groups has nothing to do.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills per-group and per-protocol defaults that only make
// sense once the group exists in the YAML.
func applyDefaults(cfg *Config) {
	if m := cfg.Protocols.ModbusTCP; m != nil {
		for name, g := range m.Devices {
			if g.UpdateInterval == 0 {
				g.UpdateInterval = 2.0
			}
			m.Devices[name] = g
		}
	}
	if o := cfg.Protocols.OPCUA; o != nil {
		if o.SecurityMode == "" {
			o.SecurityMode = "None"
		}
		if o.SecurityPolicy == "" {
			o.SecurityPolicy = "None"
		}
		if o.ApplicationURI == "" {
			o.ApplicationURI = "urn:protocol-sim-engine:opcua:server"
		}
		for name, g := range o.Devices {
			if g.UpdateInterval == 0 {
				g.UpdateInterval = 1.0
			}
			o.Devices[name] = g
		}
	}
	if q := cfg.Protocols.MQTT; q != nil {
		if q.BrokerHost == "" {
			q.BrokerHost = "localhost"
		}
		if q.BrokerPort == 0 {
			q.BrokerPort = 1883
		}
		if q.ClientIDPrefix == "" {
			q.ClientIDPrefix = "sim_"
		}
		for name, g := range q.Devices {
			if g.PublishInterval == 0 {
				g.PublishInterval = 5.0
			}
			q.Devices[name] = g
		}
	}
}

// Save writes the configuration back out as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks structural constraints before any ports are touched.
func (c *Config) Validate() error {
	if c.Facility.Name == "" {
		return fmt.Errorf("facility.name is required")
	}
	if c.Simulation.TimeAcceleration <= 0 {
		return fmt.Errorf("simulation.time_acceleration must be positive")
	}
	if c.Simulation.FaultInjectionRate < 0 || c.Simulation.FaultInjectionRate > 1 {
		return fmt.Errorf("simulation.fault_injection_rate must be within [0,1]")
	}
	for protocol, r := range c.Network.PortRanges {
		if len(r) != 2 {
			return fmt.Errorf("network.port_ranges.%s must be [start, end]", protocol)
		}
		if r[0] < 1024 || r[1] > 65535 || r[1] < r[0] {
			return fmt.Errorf("network.port_ranges.%s is not a valid range: %v", protocol, r)
		}
	}

	if m := c.Protocols.ModbusTCP; m != nil && m.Enabled {
		for name, g := range m.Devices {
			if err := validateGroup("modbus_tcp", name, g, true); err != nil {
				return err
			}
		}
	}
	if o := c.Protocols.OPCUA; o != nil && o.Enabled {
		for name, g := range o.Devices {
			if err := validateGroup("opcua", name, g, true); err != nil {
				return err
			}
		}
	}
	if q := c.Protocols.MQTT; q != nil && q.Enabled {
		if q.BrokerPort < 1024 || q.BrokerPort > 65535 {
			return fmt.Errorf("mqtt.broker_port out of range: %d", q.BrokerPort)
		}
		for name, g := range q.Devices {
			if err := validateGroup("mqtt", name, g, false); err != nil {
				return err
			}
			if g.QoS < 0 || g.QoS > 2 {
				return fmt.Errorf("mqtt.devices.%s.qos must be 0, 1, or 2", name)
			}
			if g.PublishInterval <= 0 {
				return fmt.Errorf("mqtt.devices.%s.publish_interval must be positive", name)
			}
		}
	}
	return nil
}

func validateGroup(protocol, name string, g DeviceGroup, wantsPort bool) error {
	if g.Count < 1 || g.Count > 1000 {
		return fmt.Errorf("%s.devices.%s.count must be within [1,1000]", protocol, name)
	}
	if g.DeviceTemplate == "" {
		return fmt.Errorf("%s.devices.%s.device_template is required", protocol, name)
	}
	if wantsPort {
		if g.UpdateInterval <= 0 {
			return fmt.Errorf("%s.devices.%s.update_interval must be positive", protocol, name)
		}
		if g.PortStart != 0 && (g.PortStart < 1024 || g.PortStart > 65535) {
			return fmt.Errorf("%s.devices.%s.port_start out of range: %d", protocol, name, g.PortStart)
		}
	}
	return nil
}

// EnabledProtocols lists the protocol sections that are present and enabled.
func (c *Config) EnabledProtocols() []string {
	var out []string
	if c.Protocols.ModbusTCP != nil && c.Protocols.ModbusTCP.Enabled {
		out = append(out, "modbus_tcp")
	}
	if c.Protocols.MQTT != nil && c.Protocols.MQTT.Enabled {
		out = append(out, "mqtt")
	}
	if c.Protocols.OPCUA != nil && c.Protocols.OPCUA.Enabled {
		out = append(out, "opcua")
	}
	return out
}

// PortRangePairs converts the YAML port range lists into the [start,end]
// pairs the port manager consumes. Malformed ranges are skipped; Validate
// catches them first on the normal path.
func (c *Config) PortRangePairs() map[string][2]int {
	out := make(map[string][2]int, len(c.Network.PortRanges))
	for protocol, r := range c.Network.PortRanges {
		if len(r) == 2 {
			out[protocol] = [2]int{r[0], r[1]}
		}
	}
	return out
}
