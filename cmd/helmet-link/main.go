// Command helmet-link keeps a desktop linked to a SmartHelmet over BLE and
// raises an ACK/SOS prompt when the helmet reports an impact.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"github.com/smarthelmet/helmet-link/internal/ble"
	"github.com/smarthelmet/helmet-link/internal/config"
	"github.com/smarthelmet/helmet-link/internal/logging"
)

var configFlag = cli.StringFlag{
	Name:  "config, c",
	Usage: "path to config file (default: ~/.config/helmet-link/config.yaml)",
}

func main() {
	app := cli.NewApp()
	app.Name = "helmet-link"
	app.Usage = "SmartHelmet BLE link with impact alerts"
	app.Version = "0.1.0"
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "connect to the helmet and answer impact alerts",
			Flags:  []cli.Flag{configFlag},
			Action: runCmd,
		},
		{
			Name:   "scan",
			Usage:  "find the nearest helmet without connecting",
			Flags:  []cli.Flag{configFlag},
			Action: scanCmd,
		},
		{
			Name:      "decode",
			Usage:     "decode a notification payload the way the link does",
			ArgsUsage: "<payload>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "encoding, e", Value: "raw", Usage: "transport encoding: raw or base64"},
			},
			Action: decodeCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "helmet-link:", err)
		os.Exit(1)
	}
}

// setup loads and validates the config and installs the logger. The
// returned closer flushes the log file.
func setup(c *cli.Context) (*config.Config, func(), error) {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}
	closer := logging.Setup(logging.Options{
		Level: config.ParseLogLevel(cfg.LogLevel),
		File:  cfg.LogFile,
	})
	return cfg, func() { _ = closer.Close() }, nil
}

// loadConfig loads the config from the specified path, or from the default
// path, writing defaults there on first run.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	written, err := config.WriteDefault()
	if err != nil {
		slog.Warn("Could not write default config, using defaults", "error", err)
		return config.Default(), nil
	}
	if written != "" {
		slog.Info("Default config written", "path", written)
	}
	return config.Load(config.DefaultConfigPath())
}

// newManager builds a Manager on the tinygo radio. Each adapter gets its
// own BlueZ power monitor because closing the adapter closes the monitor.
func newManager(cfg *config.Config) (*ble.Manager, error) {
	opts, err := cfg.BLEOptions()
	if err != nil {
		return nil, err
	}
	factory := func() (ble.Adapter, error) {
		var power ble.PowerMonitor
		if p, err := ble.NewBlueZPower(cfg.BLE.AdapterPath); err != nil {
			slog.Warn("Adapter power changes unavailable", "error", err)
		} else {
			power = p
		}
		return ble.NewTinyGoAdapter(power), nil
	}
	return ble.NewManager(factory, opts)
}
