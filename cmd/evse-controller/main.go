// Command evse-controller runs the charge point: it drives the J1772 pilot,
// meters the charge, tracks the billing session and publishes state to MQTT.
package main

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/evse-controller/internal/config"
	"github.com/sweeney/evse-controller/internal/pilot"
)

// flags holds command-line overrides. Empty or zero values keep the file's.
type flags struct {
	configPath string
	backend    string
	broker     string
	httpAddr   string
	tick       time.Duration
	heartbeat  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "evse-controller",
		Short:         "J1772 charge point controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML configuration file (defaults when empty)")
	pf.StringVar(&f.backend, "backend", "", `hardware backend: "sim" or "serial" (overrides config)`)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), f, cfg)
		},
	}
	runCmd.Flags().StringVar(&f.broker, "broker", "", "MQTT broker address (overrides config)")
	runCmd.Flags().StringVar(&f.httpAddr, "http", "", `HTTP status address (overrides config, "off" disables)`)
	runCmd.Flags().DurationVar(&f.tick, "tick", pilot.TickPeriod, "pilot control period")
	runCmd.Flags().DurationVar(&f.heartbeat, "heartbeat", 15*time.Minute, "heartbeat interval (0 to disable)")

	sensors := &cobra.Command{
		Use:   "sensors",
		Short: "Print the safety inputs once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return printSensors(cmd, cfg)
		},
	}

	root.AddCommand(runCmd, sensors)
	return root
}

// loadConfig reads the file, if any, and applies flag overrides.
func loadConfig(f *flags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if f.backend != "" {
		cfg.Hardware.Backend = f.backend
	}
	if f.broker != "" {
		cfg.MQTT.Broker = f.broker
	}
	switch f.httpAddr {
	case "":
	case "off":
		cfg.HTTP.Addr = ""
	default:
		cfg.HTTP.Addr = f.httpAddr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func printSensors(cmd *cobra.Command, cfg config.Config) error {
	in, closeFn, err := openInputs(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	v, err := in.ReadInputs()
	if err != nil {
		return fmt.Errorf("read inputs: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "EmergencyStop: %s, Cover: %s, OverTemp: %s, CableOK: %s\n",
		onOff(v.EmergencyStop), openClosed(v.CoverOpen), onOff(v.OverTemp), yesNo(v.CableOK))
	return nil
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func openClosed(open bool) string {
	if open {
		return "OPEN"
	}
	return "CLOSED"
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}
