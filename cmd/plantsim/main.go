package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
	version = "dev" // Will be set by build flags
)

var rootCmd = &cobra.Command{
	Use:   "plantsim",
	Short: "Multi-protocol industrial device simulator",
	Long: `Plantsim simulates a factory floor of industrial devices speaking real
protocols. It runs Modbus TCP slaves, OPC-UA servers, and MQTT publishers
backed by realistic data patterns and machine state models, all driven from
one YAML configuration.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

// Commands are defined in separate files:
// - runCmd in run.go
// - validateCmd in validate.go

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
