package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/glucolink/internal/ble"
	"github.com/chaz8081/glucolink/internal/ble/protocol"
	"github.com/chaz8081/glucolink/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/glucolink/config.yaml)")
	deviceID := flag.String("device", "", "connect to this device ID instead of the first match")
	scanTimeout := flag.Duration("timeout", 0, "override the configured scan timeout")
	initConfig := flag.Bool("init", false, "write a default config file if none exists, then exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config init: %v", err)
		}
		fmt.Printf("Config file at %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *deviceID != "" {
		cfg.Meter.DeviceID = *deviceID
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetLogLoggerLevel(config.ParseLogLevel(cfg.LogLevel))

	printBanner(cfg)

	opts := sessionOptions(cfg)
	if *scanTimeout > 0 {
		opts.ScanTimeout = *scanTimeout
	}

	session := ble.NewSession(ble.NewTinygoAdapter(), opts)

	snapshots := make(chan ble.Snapshot, 16)
	session.SetSnapshotChannel(snapshots)

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := session.StartScan(); err != nil {
		log.Fatalf("scan: %v", err)
	}
	log.Println("Scanning for glucose meters... Ctrl+C to quit.")

	// Main event loop
	selected := false
	for {
		select {
		case snap := <-snapshots:
			switch snap.State {
			case ble.StateScanning:
				if !selected {
					if id := pickDevice(cfg, snap.Devices); id != "" {
						selected = true
						if err := session.SelectDevice(id); err != nil {
							log.Printf("ERROR: select device: %v", err)
							selected = false
						}
					}
				}

			case ble.StateIdle:
				if snap.Err != nil {
					log.Printf("Scan ended without a device: %v", snap.Err)
				}
				session.Disconnect()
				return

			case ble.StateSubscribed, ble.StateAwaitingHistory:
				printReading(snap)

			case ble.StateDisconnected:
				log.Printf("Disconnected: %s", snap.Status)
				return

			case ble.StateFailed:
				log.Printf("ERROR: %v", snap.Err)
				return
			}

		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
			session.Disconnect()
			log.Println("Goodbye!")
			return
		}
	}
}

// pickDevice returns the ID of the pinned device once it appears, or the
// first filtered device when none is pinned.
func pickDevice(cfg *config.Config, devices []ble.Device) string {
	for _, d := range devices {
		if cfg.Meter.DeviceID != "" {
			if strings.EqualFold(d.ID, cfg.Meter.DeviceID) {
				return d.ID
			}
			continue
		}
		log.Printf("Found %s (%s, RSSI %d)", d.Name, d.ID, d.RSSI)
		return d.ID
	}
	return ""
}

func printReading(snap ble.Snapshot) {
	if snap.LastReading == nil {
		return
	}
	if snap.Suspect {
		log.Printf("Reading: %s (SUSPECT — outside plausible glucose range)", snap.LastReading.Display())
		return
	}
	log.Printf("Reading: %s", snap.LastReading.Display())
}

func sessionOptions(cfg *config.Config) ble.SessionOptions {
	opts := ble.DefaultSessionOptions()
	opts.ScanTimeout = time.Duration(cfg.Scan.TimeoutSeconds) * time.Second
	opts.ConnectTimeout = time.Duration(cfg.Connect.TimeoutSeconds) * time.Second
	if cfg.Meter.FlagLayout == "b" {
		opts.Layout = protocol.FlagLayoutB
	}
	opts.Filter = ble.ScanFilter{NamePrefixes: cfg.Scan.NamePrefixes}
	if cfg.Scan.FilterByService {
		opts.Filter.ServiceUUID = ble.GlucoseServiceUUID
	}
	return opts
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== glucolink ===")
	fmt.Printf("  Scan:    %ds timeout, service filter %v\n", cfg.Scan.TimeoutSeconds, cfg.Scan.FilterByService)
	if len(cfg.Scan.NamePrefixes) > 0 {
		fmt.Printf("  Names:   %s\n", strings.Join(cfg.Scan.NamePrefixes, ", "))
	}
	fmt.Printf("  Layout:  %s\n", cfg.Meter.FlagLayout)
	if cfg.Meter.DeviceID != "" {
		fmt.Printf("  Device:  %s\n", cfg.Meter.DeviceID)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
