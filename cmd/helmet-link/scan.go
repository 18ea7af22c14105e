package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli"
)

func scanCmd(c *cli.Context) error {
	cfg, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := newManager(cfg)
	if err != nil {
		return fmt.Errorf("initializing bluetooth: %w", err)
	}
	defer m.Destroy()

	fmt.Printf("Scanning for %q (up to %s)...\n", cfg.BLE.NamePattern, cfg.BLE.ScanTimeout)
	dev, err := m.Scan(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Found %s\n", formatDevice(dev.Name, dev.ID, dev.RSSI, dev.Services))
	return nil
}

func formatDevice(name, id string, rssi int, services []string) string {
	if name == "" {
		name = "(unnamed)"
	}
	s := fmt.Sprintf("%s [%s] rssi=%d", name, id, rssi)
	if len(services) > 0 {
		s += " services=" + strings.Join(services, ",")
	}
	return s
}
