package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/smazurov/cxcap/internal/api"
	"github.com/smazurov/cxcap/internal/config"
	"github.com/smazurov/cxcap/internal/device"
	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/metrics/collectors"
	"github.com/smazurov/cxcap/internal/metrics/exporters"
	"github.com/smazurov/cxcap/internal/sim"
)

// daemon owns everything the root command runs.
type daemon struct {
	opts   *Options
	logger *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	bus      *events.Bus
	registry *device.Registry
	cards    []*sim.Sim
	server   *api.Server
	sse      *exporters.SSEExporter
	irqs     *collectors.InterruptCollector
	watcher  *config.Watcher[[]byte]
}

func (d *daemon) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ctx, d.cancel = context.WithCancel(context.Background())

	// Create event bus for in-process event handling
	d.bus = events.New()
	api.PublishLogs(d.bus)

	if d.opts.Backend != "sim" {
		return fmt.Errorf("unsupported device backend %q, real cards are only reachable through the probe command", d.opts.Backend)
	}

	d.registry = device.NewRegistry()
	cards, err := buildSimDevices(d.opts, d.registry, d.bus)
	d.cards = cards
	if err != nil {
		return err
	}

	apiOpts := &api.Options{
		AuthUsername: d.opts.AuthUsername,
		AuthPassword: d.opts.AuthPassword,
		Devices:      d.registry,
		EventBus:     d.bus,
	}
	if d.opts.MetricsPrometheusEnabled {
		apiOpts.MetricsHandler = exporters.HTTPHandler()
	}
	d.server = api.NewServer(apiOpts)

	if d.opts.MetricsSSEEnabled {
		d.sse = exporters.NewSSEExporter(d.bus)
		d.sse.Start(d.ctx)
	}

	// Interrupt lines are named after the device in /proc/interrupts
	if _, statErr := os.Stat("/proc/interrupts"); statErr == nil {
		actions := make(map[string]string)
		for _, dev := range d.registry.List() {
			actions[dev.Name()] = dev.Name()
		}
		d.irqs = collectors.NewInterruptCollector(actions)
		if startErr := d.irqs.Start(d.ctx); startErr != nil {
			d.logger.Warn("Failed to start interrupt collector", "error", startErr)
		}
	}

	if d.opts.FirmwarePath != "" && d.opts.FirmwareWatch {
		d.watcher = newFirmwareWatcher(d.opts, d.registry)
		if startErr := d.watcher.Start(); startErr != nil {
			d.logger.Warn("Failed to watch firmware image", "path", d.opts.FirmwarePath, "error", startErr)
		}
	}
	return nil
}

// stop tears down in reverse order. Devices go last so no request races
// their teardown.
func (d *daemon) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.server != nil {
		if err := d.server.Stop(ctx); err != nil {
			d.logger.Error("Error stopping HTTP server", "error", err)
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn("Error stopping firmware watcher", "error", err)
		}
	}
	if d.sse != nil {
		d.sse.Stop()
	}
	if d.irqs != nil {
		_ = d.irqs.Stop()
	}
	if d.cancel != nil {
		d.cancel()
	}

	if d.registry != nil {
		if err := d.registry.CloseAll(ctx); err != nil {
			d.logger.Error("Error closing devices", "error", err)
		}
	}
	for _, card := range d.cards {
		if err := card.Stop(); err != nil {
			d.logger.Warn("Simulated card did not stop", "device", card.Config().Label, "error", err)
		}
	}
	d.cards = nil
}
