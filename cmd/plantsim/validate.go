package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plantsim/plantsim/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Args:  cobra.NoArgs,
	Short: "Validate a configuration file",
	Long:  `Loads the configuration, checks it for errors, and prints a summary of the devices it would create.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Printf("Configuration OK\n")
	fmt.Printf("Facility: %s\n", cfg.Facility.Name)

	total := 0
	for _, proto := range cfg.EnabledProtocols() {
		var groups map[string]config.DeviceGroup
		switch proto {
		case "modbus_tcp":
			groups = cfg.Protocols.ModbusTCP.Devices
		case "opcua":
			groups = cfg.Protocols.OPCUA.Devices
		case "mqtt":
			groups = cfg.Protocols.MQTT.Devices
		}
		count := 0
		for _, gc := range groups {
			count += gc.Count
		}
		total += count
		fmt.Printf("  %s: %d devices in %d groups\n", proto, count, len(groups))
	}
	fmt.Printf("Total: %d devices\n", total)
	return nil
}
